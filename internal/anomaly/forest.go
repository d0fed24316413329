package anomaly

import (
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"authrisk/internal/features"
)

var ErrInsufficientData = errors.New("insufficient distinct training samples")

const eulerGamma = 0.5772156649015329

// Forest is a trained isolation forest. It is never modified after Train
// returns, so concurrent Score calls need no locking.
type Forest struct {
	trees     []*node
	psi       int
	norm      float64
	samples   int
	trainedAt time.Time
}

type node struct {
	left    *node
	right   *node
	feature int
	split   float64
	size    int
}

func (n *node) leaf() bool {
	return n.left == nil
}

// Train fits trees isolation trees on random subsamples of data. The same
// data and seed always produce the same forest.
func Train(data []features.Vector, trees, sampleSize int, seed uint64) (*Forest, error) {
	if len(data) < 2 || !hasDistinct(data) {
		return nil, ErrInsufficientData
	}
	if trees <= 0 {
		trees = 100
	}
	psi := sampleSize
	if psi <= 1 || psi > len(data) {
		psi = len(data)
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	limit := int(math.Ceil(math.Log2(float64(psi))))

	f := &Forest{
		trees:   make([]*node, 0, trees),
		psi:     psi,
		norm:    averagePathLength(psi),
		samples: len(data),
	}
	sample := make([]features.Vector, psi)
	for i := 0; i < trees; i++ {
		perm := rng.Perm(len(data))
		for j := 0; j < psi; j++ {
			sample[j] = data[perm[j]]
		}
		f.trees = append(f.trees, grow(rng, sample, 0, limit))
	}
	return f, nil
}

func hasDistinct(data []features.Vector) bool {
	for i := 1; i < len(data); i++ {
		if data[i] != data[0] {
			return true
		}
	}
	return false
}

// grow partitions rows in place. Features with no spread in rows cannot
// split and are skipped.
func grow(rng *rand.Rand, rows []features.Vector, depth, limit int) *node {
	if depth >= limit || len(rows) <= 1 {
		return &node{size: len(rows)}
	}
	var lo, hi [features.Dim]float64
	lo, hi = rows[0], rows[0]
	for _, r := range rows[1:] {
		for k := 0; k < features.Dim; k++ {
			lo[k] = math.Min(lo[k], r[k])
			hi[k] = math.Max(hi[k], r[k])
		}
	}
	candidates := make([]int, 0, features.Dim)
	for k := 0; k < features.Dim; k++ {
		if hi[k] > lo[k] {
			candidates = append(candidates, k)
		}
	}
	if len(candidates) == 0 {
		return &node{size: len(rows)}
	}
	k := candidates[rng.IntN(len(candidates))]
	split := lo[k] + rng.Float64()*(hi[k]-lo[k])

	i, j := 0, len(rows)-1
	for i <= j {
		if rows[i][k] < split {
			i++
			continue
		}
		rows[i], rows[j] = rows[j], rows[i]
		j--
	}
	return &node{
		feature: k,
		split:   split,
		left:    grow(rng, rows[:i], depth+1, limit),
		right:   grow(rng, rows[i:], depth+1, limit),
	}
}

func pathLength(n *node, x features.Vector, depth int) float64 {
	for !n.leaf() {
		if x[n.feature] < n.split {
			n = n.left
		} else {
			n = n.right
		}
		depth++
	}
	return float64(depth) + averagePathLength(n.size)
}

// averagePathLength is c(n), the mean path length of an unsuccessful BST
// search over n points.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
}

// Raw returns the anomaly score s = 2^(-E[h(x)]/c(psi)) in (0, 1]. Values
// near 1 are isolated quickly; values around 0.5 or below are ordinary.
func (f *Forest) Raw(x features.Vector) float64 {
	if f == nil || len(f.trees) == 0 || f.norm == 0 {
		return 0.5
	}
	total := 0.0
	for _, t := range f.trees {
		total += pathLength(t, x, 0)
	}
	mean := total / float64(len(f.trees))
	return math.Pow(2, -mean/f.norm)
}

// Decision mirrors the usual library convention: the negated raw score,
// so more negative means more anomalous.
func (f *Forest) Decision(x features.Vector) float64 {
	return -f.Raw(x)
}

func (f *Forest) Trees() int {
	return len(f.trees)
}

func (f *Forest) Samples() int {
	return f.samples
}

func (f *Forest) TrainedAt() time.Time {
	return f.trainedAt
}

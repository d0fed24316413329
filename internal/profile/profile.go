package profile

import (
	"math"
	"time"

	"github.com/montanaflynn/stats"

	"authrisk/internal/model"
)

// Profile is an immutable snapshot of one entity's history, taken before
// the attempt being scored is appended. Now is that attempt's timestamp;
// every windowed query is relative to it.
type Profile struct {
	Username string
	Now      time.Time
	Attempts []model.AttemptRecord
}

// Empty is the profile of a first-seen entity: no history, every derived
// aggregate at its zero value.
func Empty(username string, now time.Time) *Profile {
	return &Profile{Username: username, Now: now}
}

func (p *Profile) Len() int {
	if p == nil {
		return 0
	}
	return len(p.Attempts)
}

func (p *Profile) IsNew() bool {
	return p.Len() == 0
}

func (p *Profile) Last() (model.AttemptRecord, bool) {
	if p.Len() == 0 {
		return model.AttemptRecord{}, false
	}
	return p.Attempts[len(p.Attempts)-1], true
}

func (p *Profile) Has(id string) bool {
	if id == "" {
		return false
	}
	for _, a := range p.Attempts {
		if a.ID == id {
			return true
		}
	}
	return false
}

// Since returns the attempts at or after Now minus d, oldest first.
func (p *Profile) Since(d time.Duration) []model.AttemptRecord {
	if p.Len() == 0 {
		return nil
	}
	cutoff := p.Now.Add(-d)
	i := len(p.Attempts)
	for i > 0 && !p.Attempts[i-1].Timestamp.Before(cutoff) {
		i--
	}
	return p.Attempts[i:]
}

func (p *Profile) CountSince(d time.Duration) int {
	return len(p.Since(d))
}

// DistinctDevices counts device identifiers seen within d, including
// current when it is non-empty.
func (p *Profile) DistinctDevices(d time.Duration, current string) int {
	return distinct(p.Since(d), current, func(a model.AttemptRecord) string { return a.DeviceID })
}

func (p *Profile) DistinctNetworks(d time.Duration, current string) int {
	return distinct(p.Since(d), current, func(a model.AttemptRecord) string { return a.NetworkOperator })
}

func distinct(recs []model.AttemptRecord, current string, key func(model.AttemptRecord) string) int {
	seen := make(map[string]struct{}, len(recs)+1)
	for _, r := range recs {
		if k := key(r); k != "" {
			seen[k] = struct{}{}
		}
	}
	if current != "" {
		seen[current] = struct{}{}
	}
	return len(seen)
}

// Fingerprints returns the set of non-empty fingerprints in history.
func (p *Profile) Fingerprints() map[string]struct{} {
	out := make(map[string]struct{})
	if p == nil {
		return out
	}
	for _, a := range p.Attempts {
		if a.Fingerprint != "" {
			out[a.Fingerprint] = struct{}{}
		}
	}
	return out
}

// LastFingerprint is the most recent non-empty fingerprint.
func (p *Profile) LastFingerprint() string {
	for i := p.Len() - 1; i >= 0; i-- {
		if fp := p.Attempts[i].Fingerprint; fp != "" {
			return fp
		}
	}
	return ""
}

// LatencyStats returns the population mean and standard deviation of the
// recorded latencies.
func (p *Profile) LatencyStats() (mean, stddev float64, n int) {
	n = p.Len()
	if n == 0 {
		return 0, 0, 0
	}
	data := make(stats.Float64Data, 0, n)
	for _, a := range p.Attempts {
		data = append(data, a.LatencyMs)
	}
	mean, err := data.Mean()
	if err != nil {
		return 0, 0, 0
	}
	stddev, err = data.StandardDeviationPopulation()
	if err != nil {
		return mean, 0, n
	}
	return mean, stddev, n
}

// IntervalStats computes the gaps in seconds between consecutive attempts,
// extended by the gap to next when next is not before the last attempt. It
// uses a single Welford pass; the variance is the population variance.
func (p *Profile) IntervalStats(next time.Time) (n int, mean, stddev float64) {
	if p.Len() == 0 {
		return 0, 0, 0
	}
	var m2 float64
	prev := p.Attempts[0].Timestamp
	push := func(ts time.Time) {
		delta := ts.Sub(prev).Seconds()
		if delta < 0 {
			delta = 0
		}
		n++
		diff := delta - mean
		mean += diff / float64(n)
		m2 += diff * (delta - mean)
		prev = ts
	}
	for i := 1; i < len(p.Attempts); i++ {
		push(p.Attempts[i].Timestamp)
	}
	if !next.IsZero() && !next.Before(prev) {
		push(next)
	}
	if n == 0 {
		return 0, 0, 0
	}
	return n, mean, math.Sqrt(m2 / float64(n))
}

// SecondsSinceLast is the gap between Now and the newest attempt. ok is
// false for a first-seen entity.
func (p *Profile) SecondsSinceLast() (float64, bool) {
	last, ok := p.Last()
	if !ok {
		return 0, false
	}
	gap := p.Now.Sub(last.Timestamp).Seconds()
	if gap < 0 {
		gap = 0
	}
	return gap, true
}

// Flow describes the entity's most recent incomplete login flow: the
// trailing run of failed attempts whose steps strictly increase.
type Flow struct {
	Steps     []int
	LastStep  int
	LastAt    time.Time
	Idle      time.Duration
	Abandoned bool
}

func (f Flow) Open() bool {
	return len(f.Steps) > 0
}

// FlowState is evaluated lazily against Now. A flow is abandoned when it
// stalled before the final step and has been idle for longer than timeout.
func (p *Profile) FlowState(timeout time.Duration) Flow {
	if p.Len() == 0 {
		return Flow{}
	}
	end := len(p.Attempts)
	start := end
	for start > 0 {
		a := p.Attempts[start-1]
		if a.Success {
			break
		}
		if start < end && a.Step >= p.Attempts[start].Step {
			break
		}
		start--
	}
	if start == end {
		return Flow{}
	}
	run := p.Attempts[start:end]
	steps := make([]int, len(run))
	for i, a := range run {
		steps[i] = a.Step
	}
	last := run[len(run)-1]
	idle := p.Now.Sub(last.Timestamp)
	if idle < 0 {
		idle = 0
	}
	return Flow{
		Steps:     steps,
		LastStep:  last.Step,
		LastAt:    last.Timestamp,
		Idle:      idle,
		Abandoned: last.Step < model.FinalStep && timeout > 0 && idle > timeout,
	}
}

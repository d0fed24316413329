package detect

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authrisk/internal/config"
	"authrisk/internal/model"
	"authrisk/internal/profile"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func attempt(at time.Duration) model.AttemptRecord {
	return model.AttemptRecord{
		ID:              fmt.Sprintf("a-%d", at),
		Username:        "user1",
		Step:            1,
		DeviceID:        "DEVICE_A",
		NetworkOperator: "310-260",
		LatencyMs:       150,
		Fingerprint:     "fp-a",
		Timestamp:       t0.Add(at),
	}
}

// history builds a profile whose Now is the timestamp of cur.
func history(cur model.AttemptRecord, recs ...model.AttemptRecord) *profile.Profile {
	return &profile.Profile{Username: cur.Username, Now: cur.Timestamp, Attempts: recs}
}

func defaultSet(t *testing.T) *Set {
	t.Helper()
	s, err := NewSet(config.DefaultDetectionConfig(), nil, nil)
	require.NoError(t, err)
	return s
}

func factor(t *testing.T, factors []model.Factor, name string) model.Factor {
	t.Helper()
	for _, f := range factors {
		if f.Name == name {
			return f
		}
	}
	t.Fatalf("factor %s missing", name)
	return model.Factor{}
}

func TestFirstSeenEntityScoresZero(t *testing.T) {
	s := defaultSet(t)
	a := attempt(0)
	factors, total := s.Run(a, profile.Empty(a.Username, a.Timestamp))
	require.Len(t, factors, 8)
	assert.Zero(t, total)
	for _, f := range factors {
		assert.Zero(t, f.Score, f.Name)
		assert.Empty(t, f.Reason, f.Name)
	}
}

func TestVelocityMonotonic(t *testing.T) {
	v := Velocity{cfg: config.DefaultDetectionConfig().Velocity}
	prev := -1.0
	for n := 0; n < 12; n++ {
		recs := make([]model.AttemptRecord, 0, n)
		for i := 0; i < n; i++ {
			recs = append(recs, attempt(time.Duration(i)*time.Second))
		}
		cur := attempt(15 * time.Second)
		res := v.Evaluate(cur, history(cur, recs...))
		assert.GreaterOrEqual(t, res.Score, prev, "n=%d", n)
		assert.LessOrEqual(t, res.Score, v.Cap())
		prev = res.Score
	}
	assert.Equal(t, 25.0, prev)
}

func TestVelocityBelowThreshold(t *testing.T) {
	v := Velocity{cfg: config.DefaultDetectionConfig().Velocity}
	cur := attempt(50 * time.Second)
	res := v.Evaluate(cur, history(cur, attempt(0), attempt(20*time.Second)))
	assert.Zero(t, res.Score)
	assert.Empty(t, res.Reason)
}

func TestDeviceSwitching(t *testing.T) {
	d := Switching{name: NameDeviceSwitching, cfg: config.DefaultDetectionConfig().DeviceSwitching, key: deviceKey, noun: "devices"}
	recs := make([]model.AttemptRecord, 0, 4)
	for i := 0; i < 4; i++ {
		r := attempt(time.Duration(i) * 2 * time.Minute)
		r.DeviceID = fmt.Sprintf("DEVICE_%d", i)
		recs = append(recs, r)
	}
	cur := attempt(8 * time.Minute)
	cur.DeviceID = "DEVICE_4"
	res := d.Evaluate(cur, history(cur, recs...))
	assert.Equal(t, 40.0, res.Score)
	assert.Contains(t, res.Reason, "5 distinct devices")

	cur.DeviceID = "DEVICE_0"
	res = d.Evaluate(cur, history(cur, recs[:2]...))
	assert.Equal(t, 10.0, res.Score)
}

func TestNetworkSwitchingIgnoresOutsideWindow(t *testing.T) {
	d := Switching{name: NameNetworkSwitching, cfg: config.DefaultDetectionConfig().NetworkSwitching, key: networkKey, noun: "network operators"}
	old := attempt(0)
	old.NetworkOperator = "OLD"
	cur := attempt(time.Hour)
	res := d.Evaluate(cur, history(cur, old))
	assert.Zero(t, res.Score)

	near := attempt(50 * time.Minute)
	near.NetworkOperator = "NEAR"
	res = d.Evaluate(cur, history(cur, old, near))
	assert.Equal(t, 12.0, res.Score)
}

func TestLatencyLowBranch(t *testing.T) {
	l := Latency{cfg: config.DefaultDetectionConfig().Latency}
	cur := attempt(0)
	cur.LatencyMs = 12
	res := l.Evaluate(cur, history(cur))
	assert.Equal(t, 20.0, res.Score)
	assert.Contains(t, res.Reason, "below")
}

func TestLatencyZScoreNeedsSamples(t *testing.T) {
	l := Latency{cfg: config.DefaultDetectionConfig().Latency}
	recs := []model.AttemptRecord{attempt(0), attempt(time.Minute), attempt(2 * time.Minute)}
	cur := attempt(3 * time.Minute)
	cur.LatencyMs = 2000
	assert.Zero(t, l.Evaluate(cur, history(cur, recs...)).Score)

	recs = append(recs, attempt(4*time.Minute), attempt(5*time.Minute))
	cur = attempt(6 * time.Minute)
	cur.LatencyMs = 2000
	res := l.Evaluate(cur, history(cur, recs...))
	assert.Equal(t, 20.0, res.Score)
	assert.Contains(t, res.Reason, "sigma")
}

func TestLatencyZeroMeansUnreported(t *testing.T) {
	l := Latency{cfg: config.DefaultDetectionConfig().Latency}
	cur := attempt(0)
	cur.LatencyMs = 0
	assert.Zero(t, l.Evaluate(cur, history(cur)).Score)
}

func TestTimingRegularCadence(t *testing.T) {
	tm := Timing{cfg: config.DefaultDetectionConfig().Timing}
	recs := make([]model.AttemptRecord, 0, 5)
	for i := 0; i < 5; i++ {
		recs = append(recs, attempt(time.Duration(i)*500*time.Millisecond))
	}
	cur := attempt(2500 * time.Millisecond)
	res := tm.Evaluate(cur, history(cur, recs...))
	assert.Equal(t, 15.0, res.Score)
}

func TestTimingNeedsMinimumIntervals(t *testing.T) {
	tm := Timing{cfg: config.DefaultDetectionConfig().Timing}
	cur := attempt(time.Second)
	res := tm.Evaluate(cur, history(cur, attempt(0), attempt(500*time.Millisecond)))
	assert.Zero(t, res.Score)
	assert.Empty(t, res.Reason)
}

func TestTimingIrregularOrSlow(t *testing.T) {
	tm := Timing{cfg: config.DefaultDetectionConfig().Timing}
	irregular := []model.AttemptRecord{attempt(0), attempt(time.Second), attempt(10 * time.Second), attempt(11 * time.Second), attempt(25 * time.Second)}
	cur := attempt(26 * time.Second)
	assert.Zero(t, tm.Evaluate(cur, history(cur, irregular...)).Score)

	slow := []model.AttemptRecord{attempt(0), attempt(time.Minute), attempt(2 * time.Minute), attempt(3 * time.Minute)}
	cur = attempt(4 * time.Minute)
	assert.Zero(t, tm.Evaluate(cur, history(cur, slow...)).Score)
}

func TestFingerprintChange(t *testing.T) {
	f := Fingerprint{cfg: config.DefaultDetectionConfig().Fingerprint}
	cur := attempt(2 * time.Minute)
	cur.Fingerprint = "fp-new"

	assert.Zero(t, f.Evaluate(cur, history(cur, attempt(0))).Score, "baseline too small")
	res := f.Evaluate(cur, history(cur, attempt(0), attempt(time.Minute)))
	assert.Equal(t, 15.0, res.Score)

	cur.Fingerprint = "fp-a"
	assert.Zero(t, f.Evaluate(cur, history(cur, attempt(0), attempt(time.Minute))).Score)
}

func TestSpoofingPatterns(t *testing.T) {
	s := defaultSet(t)
	sp := s.Detectors()[6]
	require.Equal(t, NameDeviceSpoofing, sp.Name())
	for _, id := range []string{"BYPASS_123", "android-emulator-5554", "TEST_DEVICE", "bot_device_1", "0000", "undefined"} {
		cur := attempt(0)
		cur.DeviceID = id
		assert.Equal(t, 25.0, sp.Evaluate(cur, nil).Score, id)
	}
	for _, id := range []string{"DEVICE_A", "pixel-8", "contest-phone", "robotic"} {
		cur := attempt(0)
		cur.DeviceID = id
		assert.Zero(t, sp.Evaluate(cur, nil).Score, id)
	}
}

func TestSpoofingBlocklist(t *testing.T) {
	s, err := NewSet(config.DefaultDetectionConfig(), []string{" Stolen-Phone "}, nil)
	require.NoError(t, err)
	cur := attempt(0)
	cur.DeviceID = "STOLEN-PHONE"
	factors, _ := s.Run(cur, nil)
	f := factor(t, factors, NameDeviceSpoofing)
	assert.Equal(t, 25.0, f.Score)
	assert.Equal(t, "device id is blocklisted", f.Reason)
	assert.Equal(t, []string{"stolen-phone"}, s.Denylist().Blocklist())
}

func TestAbandonment(t *testing.T) {
	a := Abandonment{cfg: config.DefaultDetectionConfig().Abandonment}
	s1 := attempt(0)
	s2 := attempt(time.Minute)
	s2.Step = 2
	cur := attempt(7 * time.Minute)
	res := a.Evaluate(cur, history(cur, s1, s2))
	assert.Equal(t, 25.0, res.Score)
	assert.Contains(t, res.Reason, "step 2")

	cur = attempt(3 * time.Minute)
	assert.Zero(t, a.Evaluate(cur, history(cur, s1, s2)).Score)
}

func TestDetectorsAreIdempotent(t *testing.T) {
	s := defaultSet(t)
	recs := make([]model.AttemptRecord, 0, 8)
	for i := 0; i < 8; i++ {
		r := attempt(time.Duration(i) * time.Second)
		r.DeviceID = fmt.Sprintf("BOT_%d", i%3)
		r.LatencyMs = 10
		recs = append(recs, r)
	}
	cur := attempt(9 * time.Second)
	cur.DeviceID = "BOT_9"
	p := history(cur, recs...)
	f1, s1 := s.Run(cur, p)
	f2, s2 := s.Run(cur, p)
	assert.Equal(t, f1, f2)
	assert.Equal(t, s1, s2)
	assert.Len(t, p.Attempts, 8)
}

type panicky struct{}

func (panicky) Name() string { return "panicky" }
func (panicky) Cap() float64 { return 10 }
func (panicky) Evaluate(model.AttemptRecord, *profile.Profile) Result {
	panic("boom")
}

type fixed struct {
	name  string
	score float64
}

func (f fixed) Name() string { return f.name }
func (f fixed) Cap() float64 { return 60 }
func (f fixed) Evaluate(model.AttemptRecord, *profile.Profile) Result {
	return Result{Score: f.score, Reason: "fixed"}
}

func TestRunRecoversAndClamps(t *testing.T) {
	s := NewCustomSet(nil, panicky{}, fixed{"a", 60}, fixed{"b", 70})
	factors, total := s.Run(attempt(0), nil)
	require.Len(t, factors, 3)
	assert.Zero(t, factors[0].Score)
	assert.Empty(t, factors[0].Reason)
	// per-detector cap then aggregate clamp
	assert.Equal(t, 60.0, factors[2].Score)
	assert.Equal(t, 100.0, total)
}

func TestNewSetRejectsBadPattern(t *testing.T) {
	cfg := config.DefaultDetectionConfig()
	cfg.Spoofing.Patterns = []string{"[bad"}
	_, err := NewSet(cfg, nil, nil)
	require.Error(t, err)
}

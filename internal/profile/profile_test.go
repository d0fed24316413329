package profile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authrisk/internal/model"
)

func snapshot(now time.Duration, recs ...model.AttemptRecord) *Profile {
	return &Profile{Username: "u", Now: base.Add(now), Attempts: recs}
}

func TestSinceAndDistinct(t *testing.T) {
	a := rec("a", "u", 0, 1, true)
	b := rec("b", "u", 10*time.Minute, 1, true)
	b.DeviceID = "dev-2"
	b.NetworkOperator = "op-2"
	c := rec("c", "u", 20*time.Minute, 1, true)
	c.DeviceID = "dev-3"
	p := snapshot(25*time.Minute, a, b, c)

	assert.Equal(t, 2, p.CountSince(15*time.Minute))
	assert.Equal(t, 3, p.DistinctDevices(30*time.Minute, ""))
	assert.Equal(t, 2, p.DistinctDevices(15*time.Minute, ""))
	assert.Equal(t, 3, p.DistinctDevices(15*time.Minute, "dev-9"))
	assert.Equal(t, 2, p.DistinctNetworks(30*time.Minute, "op-1"))
}

func TestLatencyStats(t *testing.T) {
	recs := make([]model.AttemptRecord, 0, 4)
	for i, l := range []float64{100, 200, 100, 200} {
		r := rec("x", "u", time.Duration(i)*time.Second, 1, true)
		r.LatencyMs = l
		recs = append(recs, r)
	}
	mean, sd, n := snapshot(time.Minute, recs...).LatencyStats()
	assert.Equal(t, 4, n)
	assert.InDelta(t, 150, mean, 1e-9)
	assert.InDelta(t, 50, sd, 1e-9)
}

func TestIntervalStats(t *testing.T) {
	p := snapshot(4*time.Second,
		rec("a", "u", 0, 1, false),
		rec("b", "u", time.Second, 1, false),
		rec("c", "u", 2*time.Second, 1, false),
	)
	n, mean, sd := p.IntervalStats(base.Add(3 * time.Second))
	assert.Equal(t, 3, n)
	assert.InDelta(t, 1.0, mean, 1e-9)
	assert.InDelta(t, 0.0, sd, 1e-9)

	n, _, _ = snapshot(0, rec("a", "u", 0, 1, false)).IntervalStats(time.Time{})
	assert.Zero(t, n)
}

func TestFlowStateAbandoned(t *testing.T) {
	p := snapshot(8*time.Minute,
		rec("a", "u", 0, 1, false),
		rec("b", "u", 2*time.Minute, 2, false),
	)
	f := p.FlowState(5 * time.Minute)
	require.True(t, f.Open())
	assert.Equal(t, []int{1, 2}, f.Steps)
	assert.Equal(t, 2, f.LastStep)
	assert.Equal(t, 6*time.Minute, f.Idle)
	assert.True(t, f.Abandoned)

	assert.False(t, p.FlowState(10*time.Minute).Abandoned)
}

func TestFlowStateClosedBySuccess(t *testing.T) {
	p := snapshot(time.Hour,
		rec("a", "u", 0, 1, false),
		rec("b", "u", time.Minute, 2, true),
	)
	assert.False(t, p.FlowState(5*time.Minute).Open())
}

func TestFlowStateRunRestartsOnLowerStep(t *testing.T) {
	p := snapshot(time.Hour,
		rec("a", "u", 0, 1, false),
		rec("b", "u", time.Minute, 2, false),
		rec("c", "u", 2*time.Minute, 1, false),
	)
	f := p.FlowState(5 * time.Minute)
	assert.Equal(t, []int{1}, f.Steps)
	assert.True(t, f.Abandoned)
}

func TestFlowStateFinalStepNeverAbandoned(t *testing.T) {
	p := snapshot(time.Hour,
		rec("a", "u", 0, 1, false),
		rec("b", "u", time.Minute, 3, false),
	)
	f := p.FlowState(5 * time.Minute)
	assert.True(t, f.Open())
	assert.False(t, f.Abandoned)
}

func TestFingerprints(t *testing.T) {
	a := rec("a", "u", 0, 1, true)
	b := rec("b", "u", time.Second, 1, true)
	b.Fingerprint = "fp-2"
	c := rec("c", "u", 2*time.Second, 1, true)
	c.Fingerprint = ""
	p := snapshot(time.Minute, a, b, c)
	assert.Len(t, p.Fingerprints(), 2)
	assert.Equal(t, "fp-2", p.LastFingerprint())

	gap, ok := p.SecondsSinceLast()
	require.True(t, ok)
	assert.InDelta(t, 58, gap, 1e-9)
}

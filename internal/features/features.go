package features

import (
	"fmt"
	"math"
	"time"

	"authrisk/internal/config"
	"authrisk/internal/model"
	"authrisk/internal/profile"
)

// Dimension positions in a Vector. The order is part of the model's
// contract; append new features at the end.
const (
	IdxLatency = iota
	IdxLogInterval
	IdxDistinctDevices
	IdxDistinctNetworks
	IdxFingerprintChanged
	IdxStep
	Dim
)

var Names = [Dim]string{
	"latency_ms",
	"log_interval_s",
	"distinct_devices",
	"distinct_networks",
	"fingerprint_changed",
	"step",
}

type Vector [Dim]float64

func (v Vector) String() string {
	return fmt.Sprintf("[lat=%.1f int=%.2f dev=%.0f net=%.0f fp=%.0f step=%.0f]",
		v[IdxLatency], v[IdxLogInterval], v[IdxDistinctDevices], v[IdxDistinctNetworks], v[IdxFingerprintChanged], v[IdxStep])
}

type Vectorizer struct {
	cfg config.FeaturesConfig
}

func New(cfg config.FeaturesConfig) *Vectorizer {
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 24 * time.Hour
	}
	if cfg.DistinctCountRange <= 0 {
		cfg.DistinctCountRange = 30 * time.Minute
	}
	return &Vectorizer{cfg: cfg}
}

// Vectorize maps an attempt and its pre-append profile to a Vector. Sparse
// history falls back to neutral values: the configured default latency and
// the maximum interval for a first-seen entity.
func (z *Vectorizer) Vectorize(a model.AttemptRecord, p *profile.Profile) (v Vector, err error) {
	defer func() {
		if r := recover(); r != nil {
			v = z.neutral(a)
			err = fmt.Errorf("vectorize %s: %v", a.Username, r)
		}
	}()
	if p == nil {
		p = profile.Empty(a.Username, a.Timestamp)
	}
	v[IdxLatency] = finiteOr(a.LatencyMs, z.cfg.DefaultLatencyMs)
	if v[IdxLatency] <= 0 {
		v[IdxLatency] = z.defaultLatency(p)
	}

	maxGap := z.cfg.MaxInterval.Seconds()
	gap, ok := p.SecondsSinceLast()
	if !ok || gap > maxGap {
		gap = maxGap
	}
	v[IdxLogInterval] = math.Log1p(gap)

	v[IdxDistinctDevices] = float64(p.DistinctDevices(z.cfg.DistinctCountRange, a.DeviceID))
	v[IdxDistinctNetworks] = float64(p.DistinctNetworks(z.cfg.DistinctCountRange, a.NetworkOperator))

	if last := p.LastFingerprint(); last != "" && a.Fingerprint != "" && last != a.Fingerprint {
		v[IdxFingerprintChanged] = 1
	}
	step := a.Step
	if step < model.StepAuth || step > model.FinalStep {
		step = model.StepAuth
	}
	v[IdxStep] = float64(step)
	return v, nil
}

// defaultLatency substitutes the entity's own mean when the attempt did
// not report a latency, or the configured default for a new entity.
func (z *Vectorizer) defaultLatency(p *profile.Profile) float64 {
	if mean, _, n := p.LatencyStats(); n > 0 && mean > 0 {
		return mean
	}
	return z.cfg.DefaultLatencyMs
}

func (z *Vectorizer) neutral(a model.AttemptRecord) Vector {
	var v Vector
	v[IdxLatency] = z.cfg.DefaultLatencyMs
	v[IdxLogInterval] = math.Log1p(z.cfg.MaxInterval.Seconds())
	v[IdxDistinctDevices] = 1
	v[IdxDistinctNetworks] = 1
	v[IdxStep] = float64(model.StepAuth)
	if a.Step >= model.StepAuth && a.Step <= model.FinalStep {
		v[IdxStep] = float64(a.Step)
	}
	return v
}

func finiteOr(v, fallback float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fallback
	}
	return v
}

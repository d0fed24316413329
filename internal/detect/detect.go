package detect

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"authrisk/internal/config"
	"authrisk/internal/model"
	"authrisk/internal/profile"
)

const (
	NameVelocity         = "velocity"
	NameDeviceSwitching  = "device_switching"
	NameNetworkSwitching = "network_switching"
	NameLatencyAnomaly   = "latency_anomaly"
	NameTimingPattern    = "timing_pattern"
	NameFingerprint      = "fingerprint_change"
	NameDeviceSpoofing   = "device_spoofing"
	NameFlowAbandonment  = "flow_abandonment"
)

// Result is one detector's verdict. Score is within [0, Cap()] and Reason
// is empty when the detector did not fire.
type Result struct {
	Score  float64
	Reason string
}

// Detector is a pure function of the attempt and the pre-append profile.
type Detector interface {
	Name() string
	Cap() float64
	Evaluate(a model.AttemptRecord, p *profile.Profile) Result
}

// Set runs a fixed, ordered list of detectors.
type Set struct {
	detectors []Detector
	logger    *slog.Logger
}

// NewSet builds the eight standard detectors. blocklist adds exact device
// ids on top of the configured ones.
func NewSet(cfg config.DetectionConfig, blocklist []string, logger *slog.Logger) (*Set, error) {
	deny, err := NewDenylist(append(append([]string(nil), cfg.Spoofing.Blocklist...), blocklist...), cfg.Spoofing.Patterns)
	if err != nil {
		return nil, err
	}
	return &Set{
		detectors: []Detector{
			Velocity{cfg: cfg.Velocity},
			Switching{name: NameDeviceSwitching, cfg: cfg.DeviceSwitching, key: deviceKey, noun: "devices"},
			Switching{name: NameNetworkSwitching, cfg: cfg.NetworkSwitching, key: networkKey, noun: "network operators"},
			Latency{cfg: cfg.Latency},
			Timing{cfg: cfg.Timing},
			Fingerprint{cfg: cfg.Fingerprint},
			Spoofing{deny: deny, score: cfg.Spoofing.Score},
			Abandonment{cfg: cfg.Abandonment},
		},
		logger: logger,
	}, nil
}

// NewCustomSet wraps arbitrary detectors, mostly for tests.
func NewCustomSet(logger *slog.Logger, detectors ...Detector) *Set {
	return &Set{detectors: detectors, logger: logger}
}

func (s *Set) Detectors() []Detector {
	return s.detectors
}

// Denylist returns the spoofing detector's denylist, if present.
func (s *Set) Denylist() *Denylist {
	for _, d := range s.detectors {
		if sp, ok := d.(Spoofing); ok {
			return sp.deny
		}
	}
	return nil
}

// Run evaluates every detector. A detector that panics contributes 0 and
// does not stop the others. The aggregate is the clamped sum, rounded to
// two decimals.
func (s *Set) Run(a model.AttemptRecord, p *profile.Profile) ([]model.Factor, float64) {
	if p == nil {
		p = profile.Empty(a.Username, a.Timestamp)
	}
	factors := make([]model.Factor, 0, len(s.detectors))
	total := 0.0
	for _, d := range s.detectors {
		res := s.evaluate(d, a, p)
		score := model.Round2(model.ClampScore(res.Score, 0, d.Cap()))
		if score == 0 {
			res.Reason = ""
		}
		factors = append(factors, model.Factor{Name: d.Name(), Score: score, Cap: d.Cap(), Reason: res.Reason})
		total += score
	}
	return factors, model.Round2(model.ClampScore(total, model.MinScore, model.MaxScore))
}

func (s *Set) evaluate(d Detector, a model.AttemptRecord, p *profile.Profile) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			if s.logger != nil {
				s.logger.Error("detector failed", "detector", d.Name(), "username", a.Username, "panic", fmt.Sprint(r))
			}
			res = Result{}
		}
	}()
	return d.Evaluate(a, p)
}

type Velocity struct {
	cfg config.VelocityConfig
}

func (Velocity) Name() string   { return NameVelocity }
func (v Velocity) Cap() float64 { return v.cfg.Cap }

// Evaluate counts the attempt itself plus every prior attempt inside the
// window and scores the per-minute rate above the threshold.
func (v Velocity) Evaluate(a model.AttemptRecord, p *profile.Profile) Result {
	if v.cfg.Window <= 0 {
		return Result{}
	}
	count := p.CountSince(v.cfg.Window) + 1
	rate := float64(count) / v.cfg.Window.Minutes()
	excess := rate - v.cfg.ThresholdPerMinute
	if excess <= 0 {
		return Result{}
	}
	return Result{
		Score:  math.Min(v.cfg.Cap, excess*v.cfg.PointsPerAttempt),
		Reason: fmt.Sprintf("%d attempts in %s (%.1f/min, threshold %.1f/min)", count, v.cfg.Window, rate, v.cfg.ThresholdPerMinute),
	}
}

type switchKey int

const (
	deviceKey switchKey = iota
	networkKey
)

// Switching scores distinct devices or network operators beyond the first.
type Switching struct {
	name string
	cfg  config.SwitchingConfig
	key  switchKey
	noun string
}

func (s Switching) Name() string { return s.name }
func (s Switching) Cap() float64 { return s.cfg.Cap }

func (s Switching) Evaluate(a model.AttemptRecord, p *profile.Profile) Result {
	var n int
	switch s.key {
	case deviceKey:
		n = p.DistinctDevices(s.cfg.Window, a.DeviceID)
	case networkKey:
		n = p.DistinctNetworks(s.cfg.Window, a.NetworkOperator)
	}
	extra := n - 1
	if extra <= 0 {
		return Result{}
	}
	return Result{
		Score:  math.Min(s.cfg.Cap, float64(extra)*s.cfg.PointsPerExtra),
		Reason: fmt.Sprintf("%d distinct %s in %s", n, s.noun, s.cfg.Window),
	}
}

// Latency has two branches: a z-score against the entity's baseline, and a
// floor below which a response is too fast for a human. The larger wins.
// A latency of 0 means the client did not report one.
type Latency struct {
	cfg config.LatencyConfig
}

func (Latency) Name() string { return NameLatencyAnomaly }
func (l Latency) Cap() float64 {
	return math.Max(l.cfg.Cap, l.cfg.LowLatencyCap)
}

func (l Latency) Evaluate(a model.AttemptRecord, p *profile.Profile) Result {
	if a.LatencyMs <= 0 || math.IsNaN(a.LatencyMs) || math.IsInf(a.LatencyMs, 0) {
		return Result{}
	}
	var best Result
	if l.cfg.LowLatencyMs > 0 && a.LatencyMs < l.cfg.LowLatencyMs {
		best = Result{
			Score:  l.cfg.LowLatencyCap,
			Reason: fmt.Sprintf("latency %.0fms below %.0fms", a.LatencyMs, l.cfg.LowLatencyMs),
		}
	}
	mean, sd, n := p.LatencyStats()
	if n < l.cfg.MinSamples || n == 0 {
		return best
	}
	sd = math.Max(sd, l.cfg.StddevFloorMs)
	if sd <= 0 {
		return best
	}
	z := math.Abs(a.LatencyMs-mean) / sd
	if z <= l.cfg.ZThreshold {
		return best
	}
	score := math.Min(l.cfg.Cap, l.cfg.PointsPerSigma+(z-l.cfg.ZThreshold)*l.cfg.PointsPerSigma)
	if score > best.Score {
		best = Result{
			Score:  score,
			Reason: fmt.Sprintf("latency %.0fms is %.1f sigma from baseline %.0fms", a.LatencyMs, z, mean),
		}
	}
	return best
}

// Timing flags a regular cadence: many closely spaced attempts whose gaps
// barely vary.
type Timing struct {
	cfg config.TimingConfig
}

func (Timing) Name() string   { return NameTimingPattern }
func (t Timing) Cap() float64 { return t.cfg.Cap }

func (t Timing) Evaluate(a model.AttemptRecord, p *profile.Profile) Result {
	n, mean, sd := p.IntervalStats(a.Timestamp)
	if n < t.cfg.MinIntervals || n == 0 {
		return Result{}
	}
	if t.cfg.MaxMeanInterval > 0 && mean > t.cfg.MaxMeanInterval.Seconds() {
		return Result{}
	}
	cv := 0.0
	if mean > 0 {
		cv = sd / mean
	}
	if t.cfg.CVThreshold <= 0 || cv >= t.cfg.CVThreshold {
		return Result{}
	}
	return Result{
		Score:  t.cfg.Cap * (1 - cv/t.cfg.CVThreshold),
		Reason: fmt.Sprintf("%d intervals averaging %.2fs with variation %.2f", n, mean, cv),
	}
}

type Fingerprint struct {
	cfg config.FingerprintConfig
}

func (Fingerprint) Name() string   { return NameFingerprint }
func (f Fingerprint) Cap() float64 { return f.cfg.Score }

// Evaluate fires once the entity has a baseline of fingerprinted attempts
// and the current fingerprint is not among them.
func (f Fingerprint) Evaluate(a model.AttemptRecord, p *profile.Profile) Result {
	if a.Fingerprint == "" {
		return Result{}
	}
	baseline := 0
	for _, r := range p.Attempts {
		if r.Fingerprint != "" {
			baseline++
		}
	}
	if baseline < f.cfg.MinBaseline || baseline == 0 {
		return Result{}
	}
	if _, seen := p.Fingerprints()[a.Fingerprint]; seen {
		return Result{}
	}
	return Result{
		Score:  f.cfg.Score,
		Reason: fmt.Sprintf("new fingerprint after %d known attempts (last %s)", baseline, p.LastFingerprint()),
	}
}

type Spoofing struct {
	deny  *Denylist
	score float64
}

func (Spoofing) Name() string   { return NameDeviceSpoofing }
func (s Spoofing) Cap() float64 { return s.score }

func (s Spoofing) Evaluate(a model.AttemptRecord, _ *profile.Profile) Result {
	reason, ok := s.deny.Match(a.DeviceID)
	if !ok {
		return Result{}
	}
	return Result{Score: s.score, Reason: reason}
}

type Abandonment struct {
	cfg config.AbandonmentConfig
}

func (Abandonment) Name() string   { return NameFlowAbandonment }
func (d Abandonment) Cap() float64 { return d.cfg.Score }

func (d Abandonment) Evaluate(_ model.AttemptRecord, p *profile.Profile) Result {
	flow := p.FlowState(d.cfg.Timeout)
	if !flow.Abandoned {
		return Result{}
	}
	return Result{
		Score:  d.cfg.Score,
		Reason: fmt.Sprintf("previous flow stalled at step %d for %s", flow.LastStep, flow.Idle.Truncate(time.Second)),
	}
}

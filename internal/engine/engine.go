package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"authrisk/internal/anomaly"
	"authrisk/internal/assessments"
	"authrisk/internal/blend"
	"authrisk/internal/config"
	"authrisk/internal/detect"
	"authrisk/internal/features"
	"authrisk/internal/metrics"
	"authrisk/internal/model"
	"authrisk/internal/profile"
	"authrisk/internal/storage"
)

// Publisher forwards finished assessments downstream. Failures are logged
// and never fail the scoring call.
type Publisher interface {
	Publish(ctx context.Context, a model.RiskAssessment) error
}

// Engine scores login attempts. It owns no entity or model state itself;
// it borrows the profile session and the model manager for one call.
type Engine struct {
	logger     *slog.Logger
	summaries  *metrics.Store
	recent     *assessments.Store
	store      storage.Store
	publisher  Publisher
	profiles   *profile.Store
	model      *anomaly.Manager
	cfg        atomic.Value
	detectors  atomic.Pointer[detect.Set]
	vectorizer atomic.Pointer[features.Vectorizer]
	blender    atomic.Pointer[blend.Blender]
	alerts     *AlertGate
	now        func() time.Time
	started    time.Time
	scored     atomic.Uint64
}

func NewEngine(cfg *config.Config, logger *slog.Logger, summaries *metrics.Store, recent *assessments.Store, store storage.Store) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if summaries == nil {
		summaries = metrics.NewStore(cfg.Metrics.EntityLimit)
	}
	if recent == nil {
		recent = assessments.NewStore(cfg.Assessments.StoreLimit)
	}
	var loader profile.Loader
	if store != nil {
		loader = store
	}
	e := &Engine{
		logger:    logger,
		summaries: summaries,
		recent:    recent,
		store:     store,
		profiles: profile.NewStore(profile.Options{
			HistoryWindow: cfg.Profile.HistoryWindow,
			MaxAttempts:   cfg.Profile.MaxAttempts,
			IdleTTL:       cfg.Profile.IdleTTL,
		}, loader),
		model:   anomaly.NewManager(anomaly.OptionsFromConfig(cfg.Model), logger),
		alerts:  NewAlertGate(),
		now:     func() time.Time { return time.Now().UTC() },
		started: time.Now().UTC(),
	}
	e.model.SetRetrainHook(func(gen uint64, _ int, took time.Duration, err error) {
		metrics.ObserveRetrain(gen, took, err)
	})
	if err := e.UpdateConfig(cfg); err != nil {
		return nil, err
	}
	return e, nil
}

// UpdateConfig swaps detector, vectorizer and blend settings. Model and
// profile bounds are fixed for the engine's lifetime.
func (e *Engine) UpdateConfig(cfg *config.Config) error {
	set, err := detect.NewSet(cfg.Detection, nil, e.logger)
	if err != nil {
		return err
	}
	e.cfg.Store(cfg)
	e.detectors.Store(set)
	e.vectorizer.Store(features.New(cfg.Features))
	e.blender.Store(blend.New(cfg.Blend))
	return nil
}

func (e *Engine) config() *config.Config {
	if v := e.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

// SetClock replaces the engine's time source. Used by tests and the
// simulator to replay scenarios deterministically.
func (e *Engine) SetClock(now func() time.Time) {
	if now == nil {
		return
	}
	e.now = now
	e.model.SetClock(now)
}

func (e *Engine) SetPublisher(p Publisher) {
	e.publisher = p
}

func (e *Engine) Model() *anomaly.Manager {
	return e.model
}

func (e *Engine) Profiles() *profile.Store {
	return e.profiles
}

func (e *Engine) Denylist() *detect.Denylist {
	return e.detectors.Load().Denylist()
}

// LogAttempt validates, scores and records one login attempt. Only
// invalid input and storage failures are returned as errors; every
// internal degradation is absorbed into the score.
func (e *Engine) LogAttempt(ctx context.Context, in model.AttemptInput) (model.RiskAssessment, error) {
	start := time.Now()
	if err := in.Validate(); err != nil {
		metrics.RejectedTotal.WithLabelValues("invalid").Inc()
		return model.RiskAssessment{}, err
	}
	cfg := e.config()
	now := e.now()

	rec := model.AttemptRecord{
		ID:               strings.TrimSpace(in.ID),
		Username:         strings.TrimSpace(in.Username),
		Step:             in.Step,
		DeviceID:         strings.TrimSpace(in.DeviceID),
		NetworkOperator:  strings.TrimSpace(in.NetworkOperator),
		LatencyMs:        in.LatencyMs,
		Fingerprint:      strings.TrimSpace(in.Fingerprint),
		SourceAddress:    strings.TrimSpace(in.SourceAddress),
		ClientDescriptor: in.ClientDescriptor,
		Timestamp:        clampTimestamp(in.Timestamp, now, cfg.Engine.MaxClockSkew, cfg.Engine.MaxFutureSkew),
		Success:          in.Success,
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	sess, err := e.profiles.Begin(ctx, rec.Username, rec.Timestamp)
	if err != nil {
		metrics.RejectedTotal.WithLabelValues("storage").Inc()
		return model.RiskAssessment{}, err
	}
	defer sess.Release()

	if sess.Has(rec.ID) {
		metrics.RejectedTotal.WithLabelValues("duplicate").Inc()
		return model.RiskAssessment{}, fmt.Errorf("%w: %w: %s", model.ErrInvalidInput, model.ErrDuplicateAttempt, rec.ID)
	}
	// history stays time-ordered; a late attempt is scored as the newest
	if latest := sess.Latest(); rec.Timestamp.Before(latest) {
		rec.Timestamp = latest
	}

	p := sess.Profile(rec.Timestamp)
	factors, ruleScore := e.detectors.Load().Run(rec, p)

	vec, verr := e.vectorizer.Load().Vectorize(rec, p)
	if verr != nil && e.logger != nil {
		e.logger.Warn("vectorize failed", "username", rec.Username, "error", verr)
	}
	var modelScore *float64
	if s, ok := e.model.Score(vec); ok {
		modelScore = &s
	}

	a := e.blender.Load().Blend(ruleScore, modelScore, factors)
	a.ID = uuid.NewString()
	a.AttemptID = rec.ID
	a.Username = rec.Username
	a.Step = rec.Step
	a.DeviceID = rec.DeviceID
	a.Timestamp = rec.Timestamp
	a.Success = rec.Success
	rec.RiskScore = a.FinalScore

	if e.store != nil {
		if err := e.store.SaveAttempt(ctx, rec, a); err != nil {
			// the first copy may already have left the in-memory window
			if errors.Is(err, model.ErrDuplicateAttempt) {
				metrics.RejectedTotal.WithLabelValues("duplicate").Inc()
				return model.RiskAssessment{}, fmt.Errorf("%w: %w", model.ErrInvalidInput, err)
			}
			metrics.RejectedTotal.WithLabelValues("storage").Inc()
			return model.RiskAssessment{}, fmt.Errorf("%w: save attempt %s: %v", model.ErrStorageUnavailable, rec.ID, err)
		}
	}
	devices := p.DistinctDevices(cfg.Features.DistinctCountRange, rec.DeviceID)
	networks := p.DistinctNetworks(cfg.Features.DistinctCountRange, rec.NetworkOperator)
	sess.Commit(rec)

	e.model.Observe(vec)
	e.model.MaybeRetrain()

	e.recent.Add(a)
	e.summaries.Update(a, devices, networks)
	e.scored.Add(1)
	e.observe(a, time.Since(start))
	e.publish(ctx, a)
	e.notify(cfg, a)
	return a, nil
}

func (e *Engine) observe(a model.RiskAssessment, took time.Duration) {
	metrics.AttemptsTotal.WithLabelValues(string(a.Level)).Inc()
	metrics.FinalScore.Observe(a.FinalScore)
	metrics.ScoringDuration.Observe(took.Seconds())
	for _, f := range a.Breakdown {
		if f.Score > 0 && f.Name != blend.ComponentRule && f.Name != blend.ComponentModel {
			metrics.DetectorFiredTotal.WithLabelValues(f.Name).Inc()
		}
	}
}

func (e *Engine) publish(ctx context.Context, a model.RiskAssessment) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.Publish(ctx, a); err != nil {
		metrics.PublishFailuresTotal.Inc()
		if e.logger != nil {
			e.logger.Warn("publish assessment failed", "assessment_id", a.ID, "error", err)
		}
	}
}

// notify logs high-risk assessments, at most once per username per
// cooldown period unless the level escalates.
func (e *Engine) notify(cfg *config.Config, a model.RiskAssessment) {
	if e.logger == nil || a.FinalScore < cfg.Engine.AlertThreshold {
		return
	}
	if !e.alerts.Allow(a.Username, a.Level, e.now(), cfg.Engine.AlertCooldown) {
		return
	}
	fired := make([]string, 0, len(a.Breakdown))
	for _, f := range a.Breakdown {
		if f.Score > 0 && f.Name != blend.ComponentRule && f.Name != blend.ComponentModel {
			fired = append(fired, f.Name)
		}
	}
	e.logger.Warn("high risk attempt",
		"username", a.Username,
		"attempt_id", a.AttemptID,
		"step", a.Step,
		"device_id", a.DeviceID,
		"final_score", a.FinalScore,
		"rule_score", a.RuleScore,
		"level", a.Level,
		"detectors", fired,
	)
}

// Start consumes attempts from in until ctx is done and runs the idle
// entity sweeper.
func (e *Engine) Start(ctx context.Context, in <-chan model.AttemptInput) {
	go func() {
		for {
			select {
			case att := <-in:
				if _, err := e.LogAttempt(ctx, att); err != nil && e.logger != nil {
					e.logger.Warn("attempt rejected", "username", att.Username, "source", att.Source, "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	go e.sweep(ctx)
}

func (e *Engine) sweep(ctx context.Context) {
	interval := e.config().Profile.SweepInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			removed := e.profiles.Sweep(e.now())
			metrics.TrackedEntities.Set(float64(e.profiles.Len()))
			if removed > 0 && e.logger != nil {
				e.logger.Debug("idle entities swept", "removed", removed)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Reset drops all in-memory state: entity histories, the model and the
// notification cooldowns. Histories reload lazily from storage.
func (e *Engine) Reset() {
	e.profiles.Reset()
	e.model.Reset()
	e.alerts.Reset()
}

// ClearHistory wipes durable storage and in-memory state.
func (e *Engine) ClearHistory(ctx context.Context) error {
	if e.store != nil {
		if err := e.store.Clear(ctx); err != nil {
			return fmt.Errorf("%w: %v", model.ErrStorageUnavailable, err)
		}
	}
	e.Reset()
	e.recent.Clear()
	e.summaries.Clear()
	return nil
}

// RecentAssessments reads from durable storage when configured, otherwise
// from the in-memory ring.
func (e *Engine) RecentAssessments(ctx context.Context, limit int, since time.Time) ([]model.RiskAssessment, error) {
	if e.store != nil {
		list, err := e.store.RecentAssessments(ctx, limit, since)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrStorageUnavailable, err)
		}
		return list, nil
	}
	return e.recent.Recent(limit, since), nil
}

// Summary aggregates the dashboard view over window.
func (e *Engine) Summary(ctx context.Context, window time.Duration) (model.Summary, error) {
	now := e.now()
	if e.store != nil {
		sum, err := e.store.Summary(ctx, now, window)
		if err != nil {
			return sum, fmt.Errorf("%w: %v", model.ErrStorageUnavailable, err)
		}
		return sum, nil
	}
	return assessments.Summarize(e.recent.Since(now.Add(-window)), now, window), nil
}

// Users lists registered usernames from storage, or the in-memory
// entities when storage is disabled.
func (e *Engine) Users(ctx context.Context) ([]storage.User, error) {
	if e.store != nil {
		users, err := e.store.Users(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrStorageUnavailable, err)
		}
		return users, nil
	}
	names := e.profiles.Usernames()
	out := make([]storage.User, 0, len(names))
	for _, n := range names {
		u := storage.User{Username: n}
		if sum, ok := e.summaries.Get(n); ok {
			u.LastSeen = sum.LastAttemptAt
		}
		out = append(out, u)
	}
	return out, nil
}

// RegisterUser records a username ahead of its first attempt.
func (e *Engine) RegisterUser(ctx context.Context, username string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return fmt.Errorf("%w: username: this field is required", model.ErrInvalidInput)
	}
	if e.store != nil {
		if err := e.store.RegisterUser(ctx, username, e.now()); err != nil {
			return fmt.Errorf("%w: %v", model.ErrStorageUnavailable, err)
		}
		return nil
	}
	_, err := e.profiles.GetOrCreateProfile(ctx, username, e.now())
	return err
}

// RetrainModel trains on the current buffer immediately.
func (e *Engine) RetrainModel() error {
	return e.model.Retrain()
}

type Stats struct {
	Scored   uint64         `json:"scored"`
	Entities int            `json:"entities"`
	Uptime   time.Duration  `json:"uptime_ns"`
	Model    anomaly.Status `json:"model"`
}

func (e *Engine) Stats() Stats {
	return Stats{
		Scored:   e.scored.Load(),
		Entities: e.profiles.Len(),
		Uptime:   time.Since(e.started),
		Model:    e.model.Status(),
	}
}

func clampTimestamp(ts, now time.Time, maxPast, maxFuture time.Duration) time.Time {
	if ts.IsZero() {
		return now
	}
	ts = ts.UTC()
	if maxPast > 0 {
		if now.Sub(ts) > maxPast {
			return now
		}
	}
	if maxFuture > 0 {
		if ts.Sub(now) > maxFuture {
			return now
		}
	}
	return ts
}

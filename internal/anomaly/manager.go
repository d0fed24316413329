package anomaly

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"authrisk/internal/config"
	"authrisk/internal/features"
	"authrisk/internal/model"
)

type Options struct {
	Enabled         bool
	RetrainEvery    int
	BufferCap       int
	MinTrainSamples int
	Trees           int
	SampleSize      int
	Seed            uint64
	Async           bool
}

func OptionsFromConfig(cfg config.ModelConfig) Options {
	return Options{
		Enabled:         cfg.Enabled,
		RetrainEvery:    cfg.RetrainEvery,
		BufferCap:       cfg.BufferCap,
		MinTrainSamples: cfg.MinTrainSamples,
		Trees:           cfg.Trees,
		SampleSize:      cfg.SampleSize,
		Seed:            cfg.Seed,
		Async:           cfg.AsyncRetrain,
	}
}

// RetrainHook observes every training run. err is nil on success.
type RetrainHook func(generation uint64, samples int, took time.Duration, err error)

// Status is a point-in-time view of the manager for the API.
type Status struct {
	Enabled      bool      `json:"enabled"`
	Trained      bool      `json:"trained"`
	Generation   uint64    `json:"generation"`
	Pending      int       `json:"pending"`
	Buffered     int       `json:"buffered"`
	RetrainEvery int       `json:"retrain_every"`
	Trees        int       `json:"trees"`
	Samples      int       `json:"samples"`
	TrainedAt    time.Time `json:"trained_at,omitempty"`
	Training     bool      `json:"training"`
	LastError    string    `json:"last_error,omitempty"`
}

// Manager owns the current forest, the training buffer and the retrain
// policy. Readers load the forest through an atomic pointer and never see
// a partially built model; the buffer has its own lock and training is
// serialized by a third.
type Manager struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time
	hook   RetrainHook

	model      atomic.Pointer[Forest]
	generation atomic.Uint64
	disabled   atomic.Bool
	training   atomic.Bool

	mu      sync.Mutex
	buffer  []features.Vector
	pending int
	lastErr string

	trainMu sync.Mutex
	wg      sync.WaitGroup
}

func NewManager(opts Options, logger *slog.Logger) *Manager {
	if opts.RetrainEvery <= 0 {
		opts.RetrainEvery = 50
	}
	if opts.BufferCap < opts.RetrainEvery {
		opts.BufferCap = opts.RetrainEvery
	}
	if opts.MinTrainSamples < 2 {
		opts.MinTrainSamples = 2
	}
	m := &Manager{
		opts:   opts,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		buffer: make([]features.Vector, 0, opts.BufferCap),
	}
	m.disabled.Store(!opts.Enabled)
	return m
}

// SetClock replaces the time source used to stamp trained models.
func (m *Manager) SetClock(now func() time.Time) {
	if now != nil {
		m.now = now
	}
}

func (m *Manager) SetRetrainHook(h RetrainHook) {
	m.hook = h
}

// Score returns the model score in [0, 100], or false while no model is
// trained or the manager is disabled.
func (m *Manager) Score(v features.Vector) (float64, bool) {
	if m.disabled.Load() {
		return 0, false
	}
	f := m.model.Load()
	if f == nil {
		return 0, false
	}
	return m.Normalize(f.Raw(v)), true
}

// Normalize maps a raw isolation score in (0, 1] onto [0, 100]. Typical
// inliers land near 40-50 and isolated points above 55.
func (m *Manager) Normalize(raw float64) float64 {
	return model.Round2(model.ClampScore(100*raw, model.MinScore, model.MaxScore))
}

// Observe buffers v and counts it toward the next retrain. The buffer keeps
// the newest BufferCap vectors.
func (m *Manager) Observe(v features.Vector) {
	if m.disabled.Load() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.buffer) >= m.opts.BufferCap {
		drop := len(m.buffer) - m.opts.BufferCap + 1
		m.buffer = append(m.buffer[:0], m.buffer[drop:]...)
	}
	m.buffer = append(m.buffer, v)
	m.pending++
}

// MaybeRetrain trains a fresh model once RetrainEvery vectors have been
// observed since the last cycle. The counter resets whether or not
// training succeeds; on failure the previous model stays in place. It
// reports whether a cycle was started.
func (m *Manager) MaybeRetrain() bool {
	if m.disabled.Load() {
		return false
	}
	m.mu.Lock()
	if m.pending < m.opts.RetrainEvery {
		m.mu.Unlock()
		return false
	}
	if m.opts.Async && !m.training.CompareAndSwap(false, true) {
		// a background run is still going; try again on the next call
		m.mu.Unlock()
		return false
	}
	data := append([]features.Vector(nil), m.buffer...)
	m.pending = 0
	m.mu.Unlock()

	if m.opts.Async {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			defer m.training.Store(false)
			m.train(data)
		}()
		return true
	}
	m.train(data)
	return true
}

// Retrain trains immediately on the whole buffer, ignoring the counter.
func (m *Manager) Retrain() error {
	m.mu.Lock()
	data := append([]features.Vector(nil), m.buffer...)
	m.pending = 0
	m.mu.Unlock()
	return m.train(data)
}

func (m *Manager) train(data []features.Vector) error {
	m.trainMu.Lock()
	defer m.trainMu.Unlock()

	start := time.Now()
	var f *Forest
	var err error
	if len(data) < m.opts.MinTrainSamples {
		err = ErrInsufficientData
	} else {
		f, err = Train(data, m.opts.Trees, m.opts.SampleSize, m.opts.Seed)
	}
	took := time.Since(start)

	m.mu.Lock()
	if err != nil {
		m.lastErr = err.Error()
	} else {
		m.lastErr = ""
	}
	m.mu.Unlock()

	if err != nil {
		if m.logger != nil {
			m.logger.Warn("model retrain failed", "samples", len(data), "error", err)
		}
		if m.hook != nil {
			m.hook(m.generation.Load(), len(data), took, err)
		}
		return err
	}
	f.trainedAt = m.now()
	m.model.Store(f)
	gen := m.generation.Add(1)
	if m.logger != nil {
		m.logger.Info("model retrained", "generation", gen, "samples", len(data), "trees", f.Trees(), "took_ms", took.Milliseconds())
	}
	if m.hook != nil {
		m.hook(gen, len(data), took, nil)
	}
	return nil
}

// Wait blocks until any background retrain has finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending
}

func (m *Manager) Generation() uint64 {
	return m.generation.Load()
}

func (m *Manager) Trained() bool {
	return !m.disabled.Load() && m.model.Load() != nil
}

// Current exposes the active forest for read-only inspection.
func (m *Manager) Current() *Forest {
	return m.model.Load()
}

// Disable forces the untrained state: Score reports no model and
// observations are dropped until Enable.
func (m *Manager) Disable() {
	m.disabled.Store(true)
}

func (m *Manager) Enable() {
	m.disabled.Store(false)
}

// Reset drops the model and the buffer.
func (m *Manager) Reset() {
	m.trainMu.Lock()
	defer m.trainMu.Unlock()
	m.mu.Lock()
	m.buffer = m.buffer[:0]
	m.pending = 0
	m.lastErr = ""
	m.mu.Unlock()
	m.model.Store(nil)
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	st := Status{
		Enabled:      !m.disabled.Load(),
		Pending:      m.pending,
		Buffered:     len(m.buffer),
		RetrainEvery: m.opts.RetrainEvery,
		LastError:    m.lastErr,
	}
	m.mu.Unlock()
	st.Generation = m.generation.Load()
	st.Training = m.training.Load()
	if f := m.model.Load(); f != nil {
		st.Trained = true
		st.Trees = f.Trees()
		st.Samples = f.Samples()
		st.TrainedAt = f.TrainedAt()
	}
	return st
}

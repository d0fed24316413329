package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel    string            `json:"log_level" yaml:"log_level"`
	Ingest      IngestConfig      `json:"ingest" yaml:"ingest"`
	Profile     ProfileConfig     `json:"profile" yaml:"profile"`
	Detection   DetectionConfig   `json:"detection" yaml:"detection"`
	Features    FeaturesConfig    `json:"features" yaml:"features"`
	Model       ModelConfig       `json:"model" yaml:"model"`
	Blend       BlendConfig       `json:"blend" yaml:"blend"`
	Engine      EngineConfig      `json:"engine" yaml:"engine"`
	API         APIConfig         `json:"api" yaml:"api"`
	Storage     StorageConfig     `json:"storage" yaml:"storage"`
	Publish     PublishConfig     `json:"publish" yaml:"publish"`
	Assessments AssessmentsConfig `json:"assessments" yaml:"assessments"`
	Metrics     MetricsConfig     `json:"metrics" yaml:"metrics"`
}

type IngestConfig struct {
	ChannelBuffer int             `json:"channel_buffer" yaml:"channel_buffer"`
	DedupeWindow  time.Duration   `json:"dedupe_window" yaml:"dedupe_window"`
	REST          RESTConfig      `json:"rest" yaml:"rest"`
	TCPStream     TCPStreamConfig `json:"tcp_stream" yaml:"tcp_stream"`
	FileTail      FileTailConfig  `json:"file_tail" yaml:"file_tail"`
	Kafka         KafkaConfig     `json:"kafka" yaml:"kafka"`
	Parser        ParserConfig    `json:"parser" yaml:"parser"`
}

type RESTConfig struct {
	Enabled           bool   `json:"enabled" yaml:"enabled"`
	Addr              string `json:"addr" yaml:"addr"`
	RequestsPerMinute int    `json:"requests_per_minute" yaml:"requests_per_minute"`
}

type TCPStreamConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type FileTailConfig struct {
	Enabled    bool     `json:"enabled" yaml:"enabled"`
	StartAtEnd bool     `json:"start_at_end" yaml:"start_at_end"`
	Files      []string `json:"files" yaml:"files"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type ParserConfig struct {
	Timezone string `json:"timezone" yaml:"timezone"`
}

type ProfileConfig struct {
	HistoryWindow time.Duration `json:"history_window" yaml:"history_window"`
	MaxAttempts   int           `json:"max_attempts" yaml:"max_attempts"`
	IdleTTL       time.Duration `json:"idle_ttl" yaml:"idle_ttl"`
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
}

type DetectionConfig struct {
	Velocity         VelocityConfig    `json:"velocity" yaml:"velocity"`
	DeviceSwitching  SwitchingConfig   `json:"device_switching" yaml:"device_switching"`
	NetworkSwitching SwitchingConfig   `json:"network_switching" yaml:"network_switching"`
	Latency          LatencyConfig     `json:"latency" yaml:"latency"`
	Timing           TimingConfig      `json:"timing" yaml:"timing"`
	Fingerprint      FingerprintConfig `json:"fingerprint" yaml:"fingerprint"`
	Spoofing         SpoofingConfig    `json:"spoofing" yaml:"spoofing"`
	Abandonment      AbandonmentConfig `json:"abandonment" yaml:"abandonment"`
}

type VelocityConfig struct {
	Window             time.Duration `json:"window" yaml:"window"`
	ThresholdPerMinute float64       `json:"threshold_per_minute" yaml:"threshold_per_minute"`
	PointsPerAttempt   float64       `json:"points_per_attempt" yaml:"points_per_attempt"`
	Cap                float64       `json:"cap" yaml:"cap"`
}

type SwitchingConfig struct {
	Window         time.Duration `json:"window" yaml:"window"`
	PointsPerExtra float64       `json:"points_per_extra" yaml:"points_per_extra"`
	Cap            float64       `json:"cap" yaml:"cap"`
}

type LatencyConfig struct {
	MinSamples     int     `json:"min_samples" yaml:"min_samples"`
	ZThreshold     float64 `json:"z_threshold" yaml:"z_threshold"`
	PointsPerSigma float64 `json:"points_per_sigma" yaml:"points_per_sigma"`
	StddevFloorMs  float64 `json:"stddev_floor_ms" yaml:"stddev_floor_ms"`
	Cap            float64 `json:"cap" yaml:"cap"`
	LowLatencyMs   float64 `json:"low_latency_ms" yaml:"low_latency_ms"`
	LowLatencyCap  float64 `json:"low_latency_cap" yaml:"low_latency_cap"`
}

type TimingConfig struct {
	MinIntervals    int           `json:"min_intervals" yaml:"min_intervals"`
	MaxMeanInterval time.Duration `json:"max_mean_interval" yaml:"max_mean_interval"`
	CVThreshold     float64       `json:"cv_threshold" yaml:"cv_threshold"`
	Cap             float64       `json:"cap" yaml:"cap"`
}

type FingerprintConfig struct {
	MinBaseline int     `json:"min_baseline" yaml:"min_baseline"`
	Score       float64 `json:"score" yaml:"score"`
}

type SpoofingConfig struct {
	Patterns  []string `json:"patterns" yaml:"patterns"`
	Blocklist []string `json:"blocklist" yaml:"blocklist"`
	Score     float64  `json:"score" yaml:"score"`
}

type AbandonmentConfig struct {
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
	Score   float64       `json:"score" yaml:"score"`
}

type FeaturesConfig struct {
	DefaultLatencyMs   float64       `json:"default_latency_ms" yaml:"default_latency_ms"`
	MaxInterval        time.Duration `json:"max_interval" yaml:"max_interval"`
	DistinctCountRange time.Duration `json:"distinct_count_range" yaml:"distinct_count_range"`
}

type ModelConfig struct {
	Enabled         bool   `json:"enabled" yaml:"enabled"`
	RetrainEvery    int    `json:"retrain_every" yaml:"retrain_every"`
	BufferCap       int    `json:"buffer_cap" yaml:"buffer_cap"`
	MinTrainSamples int    `json:"min_train_samples" yaml:"min_train_samples"`
	Trees           int    `json:"trees" yaml:"trees"`
	SampleSize      int    `json:"sample_size" yaml:"sample_size"`
	Seed            uint64 `json:"seed" yaml:"seed"`
	AsyncRetrain    bool   `json:"async_retrain" yaml:"async_retrain"`
}

type BlendConfig struct {
	RuleWeight  float64 `json:"rule_weight" yaml:"rule_weight"`
	ModelWeight float64 `json:"model_weight" yaml:"model_weight"`
}

type EngineConfig struct {
	AlertThreshold float64       `json:"alert_threshold" yaml:"alert_threshold"`
	AlertCooldown  time.Duration `json:"alert_cooldown" yaml:"alert_cooldown"`
	MaxClockSkew   time.Duration `json:"max_clock_skew" yaml:"max_clock_skew"`
	MaxFutureSkew  time.Duration `json:"max_future_skew" yaml:"max_future_skew"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type StorageConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Driver  string `json:"driver" yaml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn"`
}

type PublishConfig struct {
	Kafka KafkaPublishConfig `json:"kafka" yaml:"kafka"`
}

type KafkaPublishConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
}

type AssessmentsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

type MetricsConfig struct {
	EntityLimit int `json:"entity_limit" yaml:"entity_limit"`
}

// DefaultSpoofPatterns match device identifiers that emulators, test
// harnesses and scripted clients tend to report.
var DefaultSpoofPatterns = []string{
	`(?i)bypass`,
	`(?i)emulator`,
	`(?i)(^|[_-])test([_-]|$)`,
	`(?i)^bot[_-]`,
	`^0+$`,
	`(?i)^(null|unknown|undefined)$`,
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Ingest: IngestConfig{
			ChannelBuffer: 10000,
			DedupeWindow:  2 * time.Second,
			REST:          RESTConfig{Enabled: true, Addr: ":8080", RequestsPerMinute: 6000},
			TCPStream:     TCPStreamConfig{Enabled: false, Addr: ":9000"},
			FileTail:      FileTailConfig{Enabled: false, StartAtEnd: true},
			Kafka:         KafkaConfig{Enabled: false},
			Parser:        ParserConfig{Timezone: "UTC"},
		},
		Profile: ProfileConfig{
			HistoryWindow: 24 * time.Hour,
			MaxAttempts:   500,
			IdleTTL:       48 * time.Hour,
			SweepInterval: 10 * time.Minute,
		},
		Detection: DefaultDetectionConfig(),
		Features: FeaturesConfig{
			DefaultLatencyMs:   150,
			MaxInterval:        24 * time.Hour,
			DistinctCountRange: 30 * time.Minute,
		},
		Model: ModelConfig{
			Enabled:         true,
			RetrainEvery:    50,
			BufferCap:       2048,
			MinTrainSamples: 10,
			Trees:           100,
			SampleSize:      256,
			Seed:            42,
			AsyncRetrain:    false,
		},
		Blend: BlendConfig{RuleWeight: 0.7, ModelWeight: 0.3},
		Engine: EngineConfig{
			AlertThreshold: 70,
			AlertCooldown:  30 * time.Second,
			MaxClockSkew:   5 * time.Minute,
			MaxFutureSkew:  5 * time.Second,
		},
		API:         APIConfig{Enabled: true, Addr: ":8081"},
		Storage:     StorageConfig{Enabled: false, Driver: "sqlite", DSN: "file:authrisk.db?_pragma=busy_timeout(5000)"},
		Publish:     PublishConfig{Kafka: KafkaPublishConfig{Enabled: false}},
		Assessments: AssessmentsConfig{StoreLimit: 1000},
		Metrics:     MetricsConfig{EntityLimit: 5000},
	}
}

func DefaultDetectionConfig() DetectionConfig {
	return DetectionConfig{
		Velocity: VelocityConfig{Window: time.Minute, ThresholdPerMinute: 3, PointsPerAttempt: 5, Cap: 25},
		DeviceSwitching: SwitchingConfig{
			Window: 30 * time.Minute, PointsPerExtra: 10, Cap: 40,
		},
		NetworkSwitching: SwitchingConfig{
			Window: 30 * time.Minute, PointsPerExtra: 12, Cap: 30,
		},
		Latency: LatencyConfig{
			MinSamples:     5,
			ZThreshold:     3,
			PointsPerSigma: 5,
			StddevFloorMs:  10,
			Cap:            20,
			LowLatencyMs:   50,
			LowLatencyCap:  20,
		},
		Timing: TimingConfig{
			MinIntervals:    4,
			MaxMeanInterval: 30 * time.Second,
			CVThreshold:     0.3,
			Cap:             15,
		},
		Fingerprint: FingerprintConfig{MinBaseline: 2, Score: 15},
		Spoofing: SpoofingConfig{
			Patterns: append([]string(nil), DefaultSpoofPatterns...),
			Score:    25,
		},
		Abandonment: AbandonmentConfig{Timeout: 5 * time.Minute, Score: 25},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	ApplyEnv(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Assessments.StoreLimit <= 0 {
		cfg.Assessments.StoreLimit = def.Assessments.StoreLimit
	}
	if cfg.Metrics.EntityLimit <= 0 {
		cfg.Metrics.EntityLimit = def.Metrics.EntityLimit
	}
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = def.Ingest.ChannelBuffer
	}
	if cfg.Ingest.Parser.Timezone == "" {
		cfg.Ingest.Parser.Timezone = "UTC"
	}
	if cfg.Profile.HistoryWindow <= 0 {
		cfg.Profile.HistoryWindow = def.Profile.HistoryWindow
	}
	if cfg.Profile.MaxAttempts <= 0 {
		cfg.Profile.MaxAttempts = def.Profile.MaxAttempts
	}
	if cfg.Model.RetrainEvery <= 0 {
		cfg.Model.RetrainEvery = def.Model.RetrainEvery
	}
	if cfg.Model.BufferCap < cfg.Model.RetrainEvery {
		cfg.Model.BufferCap = cfg.Model.RetrainEvery
	}
	if cfg.Model.Trees <= 0 {
		cfg.Model.Trees = def.Model.Trees
	}
	if cfg.Model.SampleSize <= 1 {
		cfg.Model.SampleSize = def.Model.SampleSize
	}
	if cfg.Model.MinTrainSamples < 2 {
		cfg.Model.MinTrainSamples = 2
	}
	if cfg.Blend.RuleWeight == 0 && cfg.Blend.ModelWeight == 0 {
		cfg.Blend = def.Blend
	}
	if len(cfg.Detection.Spoofing.Patterns) == 0 {
		cfg.Detection.Spoofing.Patterns = append([]string(nil), DefaultSpoofPatterns...)
	}
	if cfg.Detection.Latency.StddevFloorMs <= 0 {
		cfg.Detection.Latency.StddevFloorMs = def.Detection.Latency.StddevFloorMs
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.TCPStream.Enabled && cfg.Ingest.TCPStream.Addr == "" {
		return errors.New("ingest.tcp_stream.addr required when ingest.tcp_stream.enabled is true")
	}
	if cfg.Ingest.FileTail.Enabled && len(cfg.Ingest.FileTail.Files) == 0 {
		return errors.New("ingest.file_tail.files required when ingest.file_tail.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Publish.Kafka.Enabled {
		if len(cfg.Publish.Kafka.Brokers) == 0 || cfg.Publish.Kafka.Topic == "" {
			return errors.New("publish.kafka requires brokers and topic")
		}
	}
	if cfg.Blend.RuleWeight < 0 || cfg.Blend.ModelWeight < 0 {
		return errors.New("blend weights must be >= 0")
	}
	if cfg.Detection.Velocity.Window <= 0 {
		return errors.New("detection.velocity.window must be > 0")
	}
	if cfg.Detection.Abandonment.Timeout <= 0 {
		return errors.New("detection.abandonment.timeout must be > 0")
	}
	for _, p := range cfg.Detection.Spoofing.Patterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("detection.spoofing.patterns: %q: %w", p, err)
		}
	}
	for name, c := range map[string]float64{
		"velocity":          cfg.Detection.Velocity.Cap,
		"device_switching":  cfg.Detection.DeviceSwitching.Cap,
		"network_switching": cfg.Detection.NetworkSwitching.Cap,
		"latency":           cfg.Detection.Latency.Cap,
		"timing":            cfg.Detection.Timing.Cap,
	} {
		if c < 0 {
			return fmt.Errorf("detection.%s.cap must be >= 0", name)
		}
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager serves a fixed config without a backing file. Update
// keeps the new value in memory only.
func NewStaticManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	if m.path == "" {
		return m.Get(), nil
	}
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := Validate(cfg); err != nil {
		return err
	}
	if m.path != "" {
		if err := Save(m.path, cfg); err != nil {
			return err
		}
	}
	m.cfg.Store(cfg)
	if m.path != "" {
		if info, err := os.Stat(m.path); err == nil {
			m.modTime = info.ModTime()
		}
	}
	return nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}

package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
)

const (
	EnvConfigPath     = "AUTHRISK_CONFIG"
	EnvLogLevel       = "AUTHRISK_LOG_LEVEL"
	EnvStorageDriver  = "AUTHRISK_STORAGE_DRIVER"
	EnvStorageDSN     = "AUTHRISK_STORAGE_DSN"
	EnvKafkaBrokers   = "AUTHRISK_KAFKA_BROKERS"
	DefaultConfigPath = "config.yaml"
)

// LoadDotEnv reads a .env file from the working directory if one exists.
// Variables already set in the process environment win.
func LoadDotEnv() {
	_ = godotenv.Load()
}

// PathFromEnv returns the config path, honouring AUTHRISK_CONFIG.
func PathFromEnv(fallback string) string {
	if v := strings.TrimSpace(os.Getenv(EnvConfigPath)); v != "" {
		return v
	}
	if fallback == "" {
		return DefaultConfigPath
	}
	return fallback
}

// ApplyEnv overlays environment overrides onto cfg. Setting a storage DSN
// implicitly enables storage; setting brokers fills both the ingest and
// publish kafka sections.
func ApplyEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	if v := getEnv(EnvLogLevel); v != "" {
		cfg.LogLevel = v
	}
	if v := getEnv(EnvStorageDriver); v != "" {
		cfg.Storage.Driver = strings.ToLower(v)
	}
	if v := getEnv(EnvStorageDSN); v != "" {
		cfg.Storage.DSN = v
		cfg.Storage.Enabled = true
	}
	if v := getEnv(EnvKafkaBrokers); v != "" {
		brokers := splitList(v)
		cfg.Ingest.Kafka.Brokers = brokers
		cfg.Publish.Kafka.Brokers = brokers
	}
}

func getEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

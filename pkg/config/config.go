// Package config loads process configuration from the environment,
// following the defaults-with-override shape of the teacher's original
// pkg/config, generalized to this kernel's variables.
package config

import (
	"os"
	"strconv"
)

// Config holds the governed-orchestration-kernel's runtime settings.
type Config struct {
	LogLevel string

	// External collaborator endpoints (spec.md §6).
	LoomDaemonURL             string
	QuintetServiceURL         string
	QuintetValidationReceipts string

	// Local storage paths.
	ReceiptStorePath     string
	EpisodeLogPath       string
	ExperimentStorageDir string
	CoverageDBPath       string

	// Feature toggles.
	ShadowMode    bool
	DebateEnabled bool

	// Self-healing controller.
	SelfHealOverrideSecret string
	SelfHealRedisURL       string

	// OpenTelemetry.
	OTLPEndpoint   string
	TracingEnabled bool
}

// Load reads configuration from the environment, applying the same
// defaults-on-empty-string discipline the teacher uses.
func Load() *Config {
	return &Config{
		LogLevel:                  getEnv("LOG_LEVEL", "INFO"),
		LoomDaemonURL:             getEnv("LOOM_DAEMON_URL", "http://localhost:9001"),
		QuintetServiceURL:         getEnv("QUINTET_SERVICE_URL", "http://localhost:9002"),
		QuintetValidationReceipts: getEnv("QUINTET_VALIDATION_RECEIPTS", "logs/validation_receipts.jsonl"),
		ReceiptStorePath:          getEnv("RECEIPT_STORE_PATH", "logs/receipts.jsonl"),
		EpisodeLogPath:            getEnv("EPISODE_LOG_PATH", "logs/episodes.jsonl"),
		ExperimentStorageDir:      getEnv("EXPERIMENT_STORAGE_DIR", "storage"),
		CoverageDBPath:            getEnv("COVERAGE_DB_PATH", "logs/coverage.db"),
		ShadowMode:                getEnvBool("SHADOW_MODE", false),
		DebateEnabled:             getEnvBool("DEBATE_ENABLED", true),
		SelfHealOverrideSecret:    getEnv("SELFHEAL_OVERRIDE_SECRET", "dev-only-insecure-secret"),
		SelfHealRedisURL:          os.Getenv("SELFHEAL_REDIS_URL"),
		OTLPEndpoint:              getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		TracingEnabled:            getEnvBool("TRACING_ENABLED", false),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

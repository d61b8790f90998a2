package config_test

import (
	"testing"

	"github.com/quintet-kernel/quintet/pkg/config"
	"github.com/stretchr/testify/assert"
)

// TestLoad_Defaults verifies that Load() returns sensible defaults
// when no environment variables are set.
func TestLoad_Defaults(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("LOOM_DAEMON_URL", "")
	t.Setenv("QUINTET_SERVICE_URL", "")
	t.Setenv("SHADOW_MODE", "")
	t.Setenv("DEBATE_ENABLED", "")
	t.Setenv("SELFHEAL_REDIS_URL", "")

	cfg := config.Load()

	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Contains(t, cfg.LoomDaemonURL, "localhost")
	assert.Contains(t, cfg.QuintetServiceURL, "localhost")
	assert.False(t, cfg.ShadowMode)
	assert.True(t, cfg.DebateEnabled)
	assert.Empty(t, cfg.SelfHealRedisURL)
}

// TestLoad_Overrides verifies that environment variables correctly
// override default values.
func TestLoad_Overrides(t *testing.T) {
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("LOOM_DAEMON_URL", "http://loom.internal:9001")
	t.Setenv("SHADOW_MODE", "true")
	t.Setenv("DEBATE_ENABLED", "false")
	t.Setenv("SELFHEAL_REDIS_URL", "redis://localhost:6379/0")

	cfg := config.Load()

	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "http://loom.internal:9001", cfg.LoomDaemonURL)
	assert.True(t, cfg.ShadowMode)
	assert.False(t, cfg.DebateEnabled)
	assert.Equal(t, "redis://localhost:6379/0", cfg.SelfHealRedisURL)
}

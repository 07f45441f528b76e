package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_NoEnv_ReturnsDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.NodePort)
	assert.Equal(t, 10, cfg.HeartbeatIntervalSec)
	assert.Equal(t, 30*time.Minute, cfg.IdleTimeout)
	assert.Equal(t, 3, cfg.Download.MaxRetries)
}

func TestLoad_OverridesFromEnv(t *testing.T) {
	t.Setenv("NODED_ROUTER_URL", "https://router.example.com")
	t.Setenv("NODED_NODE_PORT", "9090")
	t.Setenv("NODED_REQUIRE_GPU", "true")
	t.Setenv("NODED_MAX_MEMORY_BYTES", "4GiB")
	t.Setenv("NODED_ORIGIN_ALLOWLIST", "https://a.example,https://b.example")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://router.example.com", cfg.RouterURL)
	assert.Equal(t, 9090, cfg.NodePort)
	assert.True(t, cfg.RequireGPU)
	assert.EqualValues(t, 4*1024*1024*1024, cfg.MaxMemoryBytes)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.OriginAllowlist)
}

func TestLoad_MalformedValue_ReturnsError(t *testing.T) {
	t.Setenv("NODED_NODE_PORT", "not-a-number")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_MalformedByteSize_ReturnsError(t *testing.T) {
	t.Setenv("NODED_MAX_MEMORY_BYTES", "not-a-size")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_DeleteStaleModels_DefaultsOff(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.DeleteStaleModels)
}

func TestLoad_DeleteStaleModels_OverridesFromEnv(t *testing.T) {
	t.Setenv("NODED_DELETE_STALE_MODELS", "true")
	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.DeleteStaleModels)
}

func TestLoad_WatchdogTimeout_ReadFromUnprefixedEnvVar(t *testing.T) {
	t.Setenv("WATCHDOG_TIMEOUT_MS", "5000")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.WatchdogTimeout)
}

func TestLoad_WatchdogTimeout_MalformedValue_ReturnsError(t *testing.T) {
	t.Setenv("WATCHDOG_TIMEOUT_MS", "not-a-number")
	_, err := Load()
	assert.Error(t, err)
}

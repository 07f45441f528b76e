// Package config loads node configuration from environment variables
// (spec.md §6's recognized-options table), using docker/go-units for
// human-readable byte sizes the way the teacher's CLI formats them for
// display.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
)

const envPrefix = "NODED_"

// Download holds the downloader's (C7) tunable defaults.
type Download struct {
	MaxRetries     int
	Backoff        time.Duration
	MaxConcurrency int
	MaxBytesPerSec int64
	ChunkSize      int64
}

// Config is the node's full set of recognized options (spec.md §6).
type Config struct {
	RouterURL        string
	RouterAPIKey     string
	ModelsDir        string
	EnginePluginsDir string
	SharedModelsDir  string
	NodePort         int

	HeartbeatIntervalSec int
	RequireGPU           bool

	IdleTimeout               time.Duration
	MaxLoadedModels           int
	MaxMemoryBytes            uint64
	PluginRestartIntervalSec  int
	PluginRestartRequestLimit int64
	DeleteStaleModels         bool

	// WatchdogTimeout aborts the process if a single request's dispatch
	// (spec.md §4.13) runs longer than this (spec.md §9: "A separate
	// watchdog MAY be configured to trigger on whole-request deadlines").
	// Read from the bare WATCHDOG_TIMEOUT_MS env var, not NODED_-prefixed,
	// matching spec.md's "external env override" wording. Zero disables it.
	WatchdogTimeout time.Duration

	OriginAllowlist []string

	Download Download
}

func defaults() Config {
	return Config{
		ModelsDir:            "/var/lib/noded/models",
		NodePort:             8080,
		HeartbeatIntervalSec: 10,
		IdleTimeout:          30 * time.Minute,
		Download: Download{
			MaxRetries:     3,
			Backoff:        200 * time.Millisecond,
			MaxConcurrency: 4,
		},
	}
}

// Load builds a Config from defaults overridden by NODED_*-prefixed
// environment variables. It never fails on a missing variable — only a
// present-but-malformed one is an error, so a bare `noded serve` with no
// environment at all is a valid, fully-defaulted configuration.
func Load() (Config, error) {
	cfg := defaults()

	if v := getenv("ROUTER_URL"); v != "" {
		cfg.RouterURL = v
	}
	if v := getenv("ROUTER_API_KEY"); v != "" {
		cfg.RouterAPIKey = v
	}
	if v := getenv("MODELS_DIR"); v != "" {
		cfg.ModelsDir = v
	}
	if v := getenv("ENGINE_PLUGINS_DIR"); v != "" {
		cfg.EnginePluginsDir = v
	}
	if v := getenv("SHARED_MODELS_DIR"); v != "" {
		cfg.SharedModelsDir = v
	}
	if err := setInt(&cfg.NodePort, "NODE_PORT"); err != nil {
		return cfg, err
	}
	if err := setInt(&cfg.HeartbeatIntervalSec, "HEARTBEAT_INTERVAL_SEC"); err != nil {
		return cfg, err
	}
	if err := setBool(&cfg.RequireGPU, "REQUIRE_GPU"); err != nil {
		return cfg, err
	}
	if err := setDuration(&cfg.IdleTimeout, "IDLE_TIMEOUT"); err != nil {
		return cfg, err
	}
	if err := setInt(&cfg.MaxLoadedModels, "MAX_LOADED_MODELS"); err != nil {
		return cfg, err
	}
	if err := setBytes(&cfg.MaxMemoryBytes, "MAX_MEMORY_BYTES"); err != nil {
		return cfg, err
	}
	if err := setInt(&cfg.PluginRestartIntervalSec, "PLUGIN_RESTART_INTERVAL_SEC"); err != nil {
		return cfg, err
	}
	if err := setInt64(&cfg.PluginRestartRequestLimit, "PLUGIN_RESTART_REQUEST_LIMIT"); err != nil {
		return cfg, err
	}
	if err := setBool(&cfg.DeleteStaleModels, "DELETE_STALE_MODELS"); err != nil {
		return cfg, err
	}
	if v := strings.TrimSpace(os.Getenv("WATCHDOG_TIMEOUT_MS")); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("config: WATCHDOG_TIMEOUT_MS: %w", err)
		}
		cfg.WatchdogTimeout = time.Duration(ms) * time.Millisecond
	}
	if v := getenv("ORIGIN_ALLOWLIST"); v != "" {
		cfg.OriginAllowlist = strings.Split(v, ",")
	}

	if err := setInt(&cfg.Download.MaxRetries, "DOWNLOAD_MAX_RETRIES"); err != nil {
		return cfg, err
	}
	if err := setDuration(&cfg.Download.Backoff, "DOWNLOAD_BACKOFF"); err != nil {
		return cfg, err
	}
	if err := setInt(&cfg.Download.MaxConcurrency, "DOWNLOAD_MAX_CONCURRENCY"); err != nil {
		return cfg, err
	}
	if err := setBytesInt64(&cfg.Download.MaxBytesPerSec, "DOWNLOAD_MAX_BYTES_PER_SEC"); err != nil {
		return cfg, err
	}
	if err := setBytesInt64(&cfg.Download.ChunkSize, "DOWNLOAD_CHUNK_SIZE"); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func getenv(key string) string {
	return strings.TrimSpace(os.Getenv(envPrefix + key))
}

func setInt(dst *int, key string) error {
	v := getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s%s: %w", envPrefix, key, err)
	}
	*dst = n
	return nil
}

func setInt64(dst *int64, key string) error {
	v := getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("config: %s%s: %w", envPrefix, key, err)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, key string) error {
	v := getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("config: %s%s: %w", envPrefix, key, err)
	}
	*dst = b
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config: %s%s: %w", envPrefix, key, err)
	}
	*dst = d
	return nil
}

// setBytes parses a human-readable byte size (e.g. "4GiB", "512MB") via
// docker/go-units into a uint64.
func setBytes(dst *uint64, key string) error {
	v := getenv(key)
	if v == "" {
		return nil
	}
	n, err := units.RAMInBytes(v)
	if err != nil {
		return fmt.Errorf("config: %s%s: %w", envPrefix, key, err)
	}
	*dst = uint64(n)
	return nil
}

func setBytesInt64(dst *int64, key string) error {
	v := getenv(key)
	if v == "" {
		return nil
	}
	n, err := units.RAMInBytes(v)
	if err != nil {
		return fmt.Errorf("config: %s%s: %w", envPrefix, key, err)
	}
	*dst = n
	return nil
}

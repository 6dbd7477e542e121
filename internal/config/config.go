// Package config loads the daemon's runtime configuration from config.yaml
// plus environment overrides, grounded on the teacher's config.go load/save
// pattern.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds every knob the Pipeline Coordinator daemon reads at startup
// or hot-reloads at runtime. Scoped to ambient/daemon concerns only — the
// domain-level SLA slot durations and priority ranks are fixed constants in
// internal/store, not configuration (§4.3/§4.8 define them as part of the
// system's contract, not a deployment choice).
type Config struct {
	HomeDir string `yaml:"-"`

	// BindAddr is the address the Pipeline Coordinator's HTTP/WS listener
	// binds to.
	BindAddr string `yaml:"bind_addr"`

	// DataDir is the directory containing the single store file
	// (<DataDir>/pushpals.db, §6 "Persisted state layout").
	DataDir string `yaml:"data_dir"`

	LogLevel string `yaml:"log_level"`

	// AuthToken is the static bearer token required on mutating/streaming
	// endpoints (§4.7 "Authentication"). Empty means open access
	// (single-user local mode).
	AuthToken string `yaml:"auth_token"`

	CORS CORSConfig `yaml:"cors"`

	// WorkerHeartbeatTTLMs is the window after which a worker with no
	// heartbeat is considered offline (§4.4(b), default 15000ms).
	WorkerHeartbeatTTLMs int64 `yaml:"worker_heartbeat_ttl_ms"`

	// StaleClaimTTLSeconds is the window after which a claimed job whose
	// worker is offline or unknown is recovered to pending (§4.4(c),
	// default 120s).
	StaleClaimTTLSeconds int `yaml:"stale_claim_ttl_seconds"`

	// SweepIntervalMs rate-limits how often the stale-claim sweep runs when
	// triggered opportunistically by claim/list/status endpoints (§4.7,
	// default 5000ms).
	SweepIntervalMs int64 `yaml:"sweep_interval_ms"`

	// RequestSizeLimitBytes bounds request bodies (§4.7, default 10MiB).
	RequestSizeLimitBytes int64 `yaml:"request_size_limit_bytes"`

	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// TelemetryConfig controls OpenTelemetry export (§EXPANSION "Observability
// (otelx)"). Disabled by default: a bare-stdlib deployment never pays
// exporter overhead unless opted in.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // stdout, otlphttp
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// CORSConfig controls the coordinator's CORS headers (§6 "CORS-enabled").
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAgeSeconds  int      `yaml:"max_age_seconds"`
}

// ConfigPath returns the path to the config file under homeDir.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		BindAddr:              "127.0.0.1:8789",
		DataDir:               "./data",
		LogLevel:              "info",
		WorkerHeartbeatTTLMs:  15_000,
		StaleClaimTTLSeconds:  120,
		SweepIntervalMs:       5_000,
		RequestSizeLimitBytes: 10 * 1024 * 1024,
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "Authorization"},
			MaxAgeSeconds:  3600,
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Exporter:    "stdout",
			ServiceName: "pushpals-coordinator",
			SampleRate:  1.0,
		},
	}
}

// HomeDir returns the directory config.yaml lives in, honoring
// PUSHPALS_HOME.
func HomeDir() string {
	if override := os.Getenv("PUSHPALS_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".pushpals")
}

// Load reads config.yaml from HomeDir (if present), applies environment
// overrides, and returns the merged Config. A missing config.yaml is not an
// error — defaults apply.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	path := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("PUSHPALS_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("PUSHPALS_DATA_DIR"); raw != "" {
		cfg.DataDir = raw
	}
	if raw := os.Getenv("PUSHPALS_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("PUSHPALS_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("PUSHPALS_CORS_ALLOWED_ORIGINS"); raw != "" {
		cfg.CORS.AllowedOrigins = strings.Split(raw, ",")
	}
	if raw := os.Getenv("PUSHPALS_WORKER_HEARTBEAT_TTL_MS"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cfg.WorkerHeartbeatTTLMs = v
		}
	}
	if raw := os.Getenv("PUSHPALS_STALE_CLAIM_TTL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.StaleClaimTTLSeconds = v
		}
	}
	if raw := os.Getenv("PUSHPALS_SWEEP_INTERVAL_MS"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cfg.SweepIntervalMs = v
		}
	}
}

// Fingerprint summarizes the config knobs that affect runtime behavior, for
// logging on hot-reload (does the new config actually differ from the old
// one).
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|data=%s|log=%s|authSet=%v|origins=%v|heartbeatTTL=%d|staleTTL=%d|sweep=%d",
		c.BindAddr, c.DataDir, c.LogLevel, c.AuthToken != "", c.CORS.AllowedOrigins,
		c.WorkerHeartbeatTTLMs, c.StaleClaimTTLSeconds, c.SweepIntervalMs)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pushpals/pushpals/internal/config"
)

func TestLoad_DefaultsAppliedWhenConfigMissing(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	t.Setenv("PUSHPALS_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:8789" {
		t.Fatalf("expected default bind_addr, got %q", cfg.BindAddr)
	}
	if cfg.WorkerHeartbeatTTLMs != 15_000 {
		t.Fatalf("expected default worker heartbeat ttl 15000, got %d", cfg.WorkerHeartbeatTTLMs)
	}
	if cfg.StaleClaimTTLSeconds != 120 {
		t.Fatalf("expected default stale claim ttl 120s, got %d", cfg.StaleClaimTTLSeconds)
	}
	if cfg.AuthToken != "" {
		t.Fatalf("expected no auth token by default (open access), got %q", cfg.AuthToken)
	}
}

func TestLoad_FromConfigYAML(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	yamlContent := "bind_addr: 0.0.0.0:9000\nauth_token: s3cret\ndata_dir: /var/lib/pushpals\n"
	if err := os.WriteFile(config.ConfigPath(home), []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("PUSHPALS_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.BindAddr != "0.0.0.0:9000" {
		t.Fatalf("expected bind_addr from yaml, got %q", cfg.BindAddr)
	}
	if cfg.AuthToken != "s3cret" {
		t.Fatalf("expected auth_token from yaml, got %q", cfg.AuthToken)
	}
	if cfg.DataDir != "/var/lib/pushpals" {
		t.Fatalf("expected data_dir from yaml, got %q", cfg.DataDir)
	}
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(config.ConfigPath(home), []byte("bind_addr: 0.0.0.0:9000\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("PUSHPALS_HOME", home)
	t.Setenv("PUSHPALS_BIND_ADDR", "127.0.0.1:7000")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:7000" {
		t.Fatalf("expected env override to win, got %q", cfg.BindAddr)
	}
}

func TestLoad_CORSDefaultsToAllowAll(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	t.Setenv("PUSHPALS_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if len(cfg.CORS.AllowedOrigins) != 1 || cfg.CORS.AllowedOrigins[0] != "*" {
		t.Fatalf("expected default allow-all origin, got %v", cfg.CORS.AllowedOrigins)
	}
}

func TestLoad_CORSOriginsEnvOverride(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	t.Setenv("PUSHPALS_HOME", home)
	t.Setenv("PUSHPALS_CORS_ALLOWED_ORIGINS", "https://a.example,https://b.example")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if len(cfg.CORS.AllowedOrigins) != 2 {
		t.Fatalf("expected 2 allowed origins, got %v", cfg.CORS.AllowedOrigins)
	}
}

func TestFingerprint_ChangesWithAuthTokenPresence(t *testing.T) {
	withToken := config.Config{AuthToken: "abc"}
	withoutToken := config.Config{AuthToken: ""}
	if withToken.Fingerprint() == withoutToken.Fingerprint() {
		t.Fatal("expected fingerprint to differ when auth token presence differs")
	}
}

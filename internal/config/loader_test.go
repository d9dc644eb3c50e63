package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// setupTestHome points HOME at a temp directory so the loader's allowed
// paths land somewhere writable.
func setupTestHome(t *testing.T) string {
	t.Helper()
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)
	return tmpHome
}

func writeConfig(t *testing.T, home, content string) string {
	t.Helper()
	configDir := filepath.Join(home, ".config", "rund")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}
	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return configPath
}

func TestLoadWithFile_ValidYAML(t *testing.T) {
	home := setupTestHome(t)
	configPath := writeConfig(t, home, `server:
  http_port: 9191
  shutdown_timeout: 15s

observability:
  enable_telemetry: true
  service_name: rund-test

nats:
  embedded: true

queue:
  max_depth: 500
  visibility: 45s

engine:
  default_max_agents: 5
  cost_per_step: 7
`)

	cfg, err := LoadWithFile(configPath)
	if err != nil {
		t.Fatalf("LoadWithFile failed: %v", err)
	}

	if cfg.Server.Port != 9191 {
		t.Errorf("Server.Port = %d, want 9191", cfg.Server.Port)
	}
	if cfg.Server.ShutdownTimeout != 15*time.Second {
		t.Errorf("Server.ShutdownTimeout = %s, want 15s", cfg.Server.ShutdownTimeout)
	}
	if cfg.Observability.ServiceName != "rund-test" {
		t.Errorf("Observability.ServiceName = %q, want rund-test", cfg.Observability.ServiceName)
	}
	if cfg.Queue.MaxDepth != 500 {
		t.Errorf("Queue.MaxDepth = %d, want 500", cfg.Queue.MaxDepth)
	}
	if cfg.Queue.Visibility != 45*time.Second {
		t.Errorf("Queue.Visibility = %s, want 45s", cfg.Queue.Visibility)
	}
	if cfg.Engine.DefaultMaxAgents != 5 {
		t.Errorf("Engine.DefaultMaxAgents = %d, want 5", cfg.Engine.DefaultMaxAgents)
	}
	if cfg.Engine.CostPerStep != 7 {
		t.Errorf("Engine.CostPerStep = %d, want 7", cfg.Engine.CostPerStep)
	}
}

func TestLoadWithFile_MissingFileUsesDefaults(t *testing.T) {
	setupTestHome(t)

	cfg, err := LoadWithFile("")
	if err != nil {
		t.Fatalf("LoadWithFile failed: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want default 8080", cfg.Server.Port)
	}
	if cfg.Server.ShutdownTimeout != 10*time.Second {
		t.Errorf("Server.ShutdownTimeout = %s, want default 10s", cfg.Server.ShutdownTimeout)
	}
	if cfg.Observability.ServiceName != "rund" {
		t.Errorf("Observability.ServiceName = %q, want rund", cfg.Observability.ServiceName)
	}
	if !cfg.NATS.Embedded {
		t.Error("NATS.Embedded should default to true when no url is set")
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("Logging defaults = %q/%q, want info/json", cfg.Logging.Level, cfg.Logging.Format)
	}
}

func TestLoadWithFile_EnvOverridesFile(t *testing.T) {
	home := setupTestHome(t)
	configPath := writeConfig(t, home, `server:
  http_port: 9191
queue:
  max_depth: 500
nats:
  embedded: true
`)

	t.Setenv("SERVER_HTTP_PORT", "7070")
	t.Setenv("QUEUE_MAX_DEPTH", "2000")
	t.Setenv("ENGINE_ORG_MAX_CONCURRENT_TASKS", "12")

	cfg, err := LoadWithFile(configPath)
	if err != nil {
		t.Fatalf("LoadWithFile failed: %v", err)
	}

	if cfg.Server.Port != 7070 {
		t.Errorf("Server.Port = %d, want env override 7070", cfg.Server.Port)
	}
	if cfg.Queue.MaxDepth != 2000 {
		t.Errorf("Queue.MaxDepth = %d, want env override 2000", cfg.Queue.MaxDepth)
	}
	if cfg.Engine.OrgMaxConcurrentTasks != 12 {
		t.Errorf("Engine.OrgMaxConcurrentTasks = %d, want 12", cfg.Engine.OrgMaxConcurrentTasks)
	}
}

func TestLoadWithFile_SecretNotExposed(t *testing.T) {
	home := setupTestHome(t)
	configPath := writeConfig(t, home, `nats:
  url: nats://broker:4222
  credentials: super-secret-creds
`)

	cfg, err := LoadWithFile(configPath)
	if err != nil {
		t.Fatalf("LoadWithFile failed: %v", err)
	}

	if cfg.NATS.Credentials.Value() != "super-secret-creds" {
		t.Errorf("Credentials.Value() = %q, want raw secret", cfg.NATS.Credentials.Value())
	}
	if s := cfg.NATS.Credentials.String(); strings.Contains(s, "secret-creds") {
		t.Errorf("Credentials.String() leaked the secret: %q", s)
	}
}

func TestLoadWithFile_RejectsPathOutsideAllowedDirs(t *testing.T) {
	setupTestHome(t)

	outside := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(outside, []byte("server:\n  http_port: 1\n"), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	if _, err := LoadWithFile(outside); err == nil {
		t.Error("expected path validation error for config outside allowed dirs")
	}
}

func TestLoadWithFile_RejectsInsecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits are not enforced on windows")
	}
	home := setupTestHome(t)
	configPath := writeConfig(t, home, "nats:\n  embedded: true\n")
	if err := os.Chmod(configPath, 0644); err != nil {
		t.Fatalf("chmod failed: %v", err)
	}

	if _, err := LoadWithFile(configPath); err == nil {
		t.Error("expected permission validation error for 0644 config")
	}
}

func TestLoadWithFile_InvalidConfigRejected(t *testing.T) {
	home := setupTestHome(t)
	configPath := writeConfig(t, home, `server:
  http_port: 70000
nats:
  embedded: true
`)

	if _, err := LoadWithFile(configPath); err == nil {
		t.Error("expected validation error for out-of-range port")
	}
}

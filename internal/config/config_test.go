package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

type mapEnv map[string]string

func (m mapEnv) Getenv(key string) string { return m[key] }

func TestLoadConfigFromEnv_Defaults(t *testing.T) {
	cfg, err := LoadConfigFromEnv(mapEnv{"HOME": "/home/u"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.ListenPort != 3001 {
		t.Fatalf("expected default port 3001, got %d", cfg.ListenPort)
	}
	if cfg.GinMode != "release" {
		t.Fatalf("expected default gin mode release, got %q", cfg.GinMode)
	}
	if cfg.MaxQueueSize != 1000 {
		t.Fatalf("expected default queue size 1000, got %d", cfg.MaxQueueSize)
	}
	if cfg.MaxOfflineTime != 24*time.Hour {
		t.Fatalf("expected default offline window 24h, got %v", cfg.MaxOfflineTime)
	}
	if cfg.CredentialFile != "/home/u/.happy-sync/credential.json" {
		t.Fatalf("unexpected credential path %q", cfg.CredentialFile)
	}
}

func TestLoadConfigFromEnv_PortOverride(t *testing.T) {
	cfg, err := LoadConfigFromEnv(mapEnv{"PORT": "1234"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.ListenPort != 1234 {
		t.Fatalf("expected port 1234, got %d", cfg.ListenPort)
	}
}

func TestLoadConfigFromEnv_InvalidPort(t *testing.T) {
	if _, err := LoadConfigFromEnv(mapEnv{"PORT": "-1"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestLoadConfigFromEnv_YAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := "serverUrl: https://staging.example.com\nlistenPort: 4000\nmaxQueueSize: 50\n"
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfigFromEnv(mapEnv{
		"HAPPY_SYNC_CONFIG": path,
		"PORT":              "5000",
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.ServerURL != "https://staging.example.com" {
		t.Fatalf("expected YAML server URL, got %q", cfg.ServerURL)
	}
	if cfg.MaxQueueSize != 50 {
		t.Fatalf("expected YAML queue size 50, got %d", cfg.MaxQueueSize)
	}
	if cfg.ListenPort != 5000 {
		t.Fatalf("expected env to override YAML port, got %d", cfg.ListenPort)
	}
}

func TestLoadConfigFromEnv_InvalidOfflineHours(t *testing.T) {
	if _, err := LoadConfigFromEnv(mapEnv{"HAPPY_MAX_OFFLINE_HOURS": "zero"}); err == nil {
		t.Fatalf("expected error")
	}
}

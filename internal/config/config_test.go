package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleConfig = `
app:
  name: clubsync
  environment: development
backend:
  base_url: https://api.club.example/api
session:
  institution_id: inst1
  user_id: u1
  court_ids: [5, 6]
cache:
  list_stale: 5m
  scoped_stale: 1m
  gc_time: 30m
  max_retries: 3
  base_delay: 1s
  max_delay: 30s
realtime:
  max_reconnects: 5
  reconnect_delay: 1s
  sync_interval: 30s
snapshot:
  filename: data/snapshot.db
  interval: 2m
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backend.BaseURL != "https://api.club.example/api" {
		t.Errorf("BaseURL = %s", cfg.Backend.BaseURL)
	}
	if cfg.Cache.ListStale.Std() != 5*time.Minute {
		t.Errorf("ListStale = %v", cfg.Cache.ListStale)
	}
	if len(cfg.Session.CourtIDs) != 2 {
		t.Errorf("CourtIDs = %v", cfg.Session.CourtIDs)
	}
	if cfg.Realtime.SyncInterval.Std() != 30*time.Second {
		t.Errorf("SyncInterval = %v", cfg.Realtime.SyncInterval)
	}
}

func TestTokenFromEnvironment(t *testing.T) {
	t.Setenv("CLUBSYNC_API_TOKEN", "secret")
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backend.Token != "secret" {
		t.Errorf("Token = %q", cfg.Backend.Token)
	}
}

func TestValidateRejectsMissingFields(t *testing.T) {
	if _, err := Load(writeConfig(t, "app:\n  name: clubsync\n")); err == nil {
		t.Error("missing backend base_url must fail validation")
	}
	if _, err := Load(writeConfig(t, "backend:\n  base_url: http://x\nsession:\n  institution_id: i\n")); err == nil {
		t.Error("missing app name must fail validation")
	}
}

func TestWebSocketURLDerivedFromBase(t *testing.T) {
	cfg := &Config{}
	cfg.Backend.BaseURL = "https://api.club.example/api"
	if got := cfg.WebSocketURL(); got != "wss://api.club.example/api" {
		t.Errorf("WebSocketURL = %s", got)
	}
	cfg.Backend.WSURL = "wss://rt.club.example"
	if got := cfg.WebSocketURL(); got != "wss://rt.club.example" {
		t.Errorf("explicit WSURL ignored: %s", got)
	}
}

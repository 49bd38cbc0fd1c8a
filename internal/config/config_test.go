package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "feed:\n  ws_url: ws://example:9000/stream\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Feed.WSURL != "ws://example:9000/stream" {
		t.Errorf("explicit value lost: %q", cfg.Feed.WSURL)
	}
	if cfg.Feed.HeartbeatSeconds != 30 {
		t.Errorf("heartbeat default = %d", cfg.Feed.HeartbeatSeconds)
	}
	if cfg.Snapshot.Symbol != "SPY" || cfg.Snapshot.PushDeadlineMs != 5000 {
		t.Errorf("snapshot defaults wrong: %+v", cfg.Snapshot)
	}
	if cfg.Tracker.StaleThresholdMs != 10000 {
		t.Errorf("tracker default = %d", cfg.Tracker.StaleThresholdMs)
	}
	if cfg.Analysis.RateLimitPerMinute != 120 {
		t.Errorf("analysis default = %d", cfg.Analysis.RateLimitPerMinute)
	}
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
feed:
  ws_url: ws://localhost:8091/stream
  heartbeat_seconds: 15
  reconnect:
    initial_delay_ms: 500
    max_delay_ms: 10000
    jitter_ms: 100
snapshot:
  symbol: qqq
  push_deadline_ms: 2000
  poll_interval_ms: 500
  push_retry_cooldown_seconds: 10
tracker:
  tick_ms: 1000
  stale_threshold_ms: 5000
  max_tracked_entries: 16
analysis:
  base_url: http://localhost:9999
  timeout_ms: 5000
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Feed.Reconnect.InitialDelayMs != 500 || cfg.Feed.Reconnect.MaxDelayMs != 10000 {
		t.Errorf("reconnect wrong: %+v", cfg.Feed.Reconnect)
	}
	if cfg.Snapshot.Symbol != "QQQ" {
		t.Errorf("symbol = %q", cfg.Snapshot.Symbol)
	}
	if cfg.Tracker.MaxTrackedEntries != 16 {
		t.Errorf("max entries = %d", cfg.Tracker.MaxTrackedEntries)
	}
	if cfg.Analysis.BaseURL != "http://localhost:9999" {
		t.Errorf("base url = %q", cfg.Analysis.BaseURL)
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadMalformedYAMLErrors(t *testing.T) {
	path := writeConfig(t, "feed: [not a map")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed yaml")
	}
}

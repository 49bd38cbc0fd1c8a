package config

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Feed struct {
	WSURL            string `yaml:"ws_url"`
	HeartbeatSeconds int    `yaml:"heartbeat_seconds"`

	Reconnect Reconnect `yaml:"reconnect"`
}

type Reconnect struct {
	InitialDelayMs int `yaml:"initial_delay_ms"`
	MaxDelayMs     int `yaml:"max_delay_ms"`
	JitterMs       int `yaml:"jitter_ms"`
}

type Snapshot struct {
	Symbol             string `yaml:"symbol"`
	PushDeadlineMs     int    `yaml:"push_deadline_ms"`
	PollIntervalMs     int    `yaml:"poll_interval_ms"`
	PushRetryCooldownS int    `yaml:"push_retry_cooldown_seconds"`
}

type Tracker struct {
	TickMs            int `yaml:"tick_ms"`
	StaleThresholdMs  int `yaml:"stale_threshold_ms"`
	MaxTrackedEntries int `yaml:"max_tracked_entries"`
}

type Analysis struct {
	BaseURL            string `yaml:"base_url"`
	TimeoutMs          int    `yaml:"timeout_ms"`
	MaxRetries         int    `yaml:"max_retries"`
	BackoffBaseMs      int    `yaml:"backoff_base_ms"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
}

type Root struct {
	Feed     Feed     `yaml:"feed"`
	Snapshot Snapshot `yaml:"snapshot"`
	Tracker  Tracker  `yaml:"tracker"`
	Analysis Analysis `yaml:"analysis"`
}

func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}

	// Feed defaults
	if c.Feed.WSURL == "" {
		c.Feed.WSURL = "ws://localhost:8091/stream"
	}
	if c.Feed.HeartbeatSeconds == 0 {
		c.Feed.HeartbeatSeconds = 30
	}
	if c.Feed.Reconnect.InitialDelayMs == 0 {
		c.Feed.Reconnect.InitialDelayMs = 1000
	}
	if c.Feed.Reconnect.MaxDelayMs == 0 {
		c.Feed.Reconnect.MaxDelayMs = 30000
	}

	// Snapshot defaults
	if c.Snapshot.Symbol == "" {
		c.Snapshot.Symbol = "SPY"
	}
	c.Snapshot.Symbol = strings.ToUpper(c.Snapshot.Symbol)
	if c.Snapshot.PushDeadlineMs == 0 {
		c.Snapshot.PushDeadlineMs = 5000
	}
	if c.Snapshot.PollIntervalMs == 0 {
		c.Snapshot.PollIntervalMs = 1000
	}
	if c.Snapshot.PushRetryCooldownS == 0 {
		c.Snapshot.PushRetryCooldownS = 30
	}

	// Tracker defaults
	if c.Tracker.TickMs == 0 {
		c.Tracker.TickMs = 2000
	}
	if c.Tracker.StaleThresholdMs == 0 {
		c.Tracker.StaleThresholdMs = 10000
	}
	if c.Tracker.MaxTrackedEntries == 0 {
		c.Tracker.MaxTrackedEntries = 64
	}

	// Analysis defaults
	if c.Analysis.BaseURL == "" {
		c.Analysis.BaseURL = "http://localhost:8091"
	}
	if c.Analysis.TimeoutMs == 0 {
		c.Analysis.TimeoutMs = 30000
	}
	if c.Analysis.MaxRetries == 0 {
		c.Analysis.MaxRetries = 3
	}
	if c.Analysis.BackoffBaseMs == 0 {
		c.Analysis.BackoffBaseMs = 500
	}
	if c.Analysis.RateLimitPerMinute == 0 {
		c.Analysis.RateLimitPerMinute = 120
	}

	return c, nil
}

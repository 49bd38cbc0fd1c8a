package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/tradeterm/marketdata/internal/adapters"
	"github.com/tradeterm/marketdata/internal/bus"
	"github.com/tradeterm/marketdata/internal/config"
	"github.com/tradeterm/marketdata/internal/feed"
	"github.com/tradeterm/marketdata/internal/observ"
	"github.com/tradeterm/marketdata/internal/pipeline"
	"github.com/tradeterm/marketdata/internal/snapshot"
	"github.com/tradeterm/marketdata/internal/stream"
	"github.com/tradeterm/marketdata/internal/transport"
)

func main() {
	var cfgPath string
	var symbol string
	var analyze bool
	flag.StringVar(&cfgPath, "config", "config/config.yaml", "config path")
	flag.StringVar(&symbol, "symbol", "", "snapshot symbol (overrides config)")
	flag.BoolVar(&analyze, "analyze", false, "run one analysis pipeline pass after startup")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v (did you copy config.example.yaml?)", err)
	}

	// Environment variable overrides
	if v := os.Getenv("FEED_WS_URL"); v != "" {
		cfg.Feed.WSURL = v
	}
	if v := os.Getenv("ANALYSIS_BASE_URL"); v != "" {
		cfg.Analysis.BaseURL = v
	}
	if v := os.Getenv("SNAPSHOT_SYMBOL"); v != "" {
		cfg.Snapshot.Symbol = v
	}
	if symbol != "" {
		cfg.Snapshot.Symbol = strings.ToUpper(symbol)
	}

	observ.Log("startup", map[string]any{
		"ws_url":          cfg.Feed.WSURL,
		"snapshot_symbol": cfg.Snapshot.Symbol,
		"analysis_url":    cfg.Analysis.BaseURL,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := bus.New()

	conn := transport.New(transport.Config{
		URL:                   cfg.Feed.WSURL,
		HeartbeatInterval:     time.Duration(cfg.Feed.HeartbeatSeconds) * time.Second,
		ReconnectInitialDelay: time.Duration(cfg.Feed.Reconnect.InitialDelayMs) * time.Millisecond,
		ReconnectMaxDelay:     time.Duration(cfg.Feed.Reconnect.MaxDelayMs) * time.Millisecond,
		ReconnectJitter:       time.Duration(cfg.Feed.Reconnect.JitterMs) * time.Millisecond,
	}, b)
	conn.Dial(ctx)

	fetcher := adapters.NewSnapshotClient(adapters.SnapshotClientConfig{
		BaseURL:            cfg.Analysis.BaseURL,
		RateLimitPerMinute: cfg.Analysis.RateLimitPerMinute,
		TimeoutSeconds:     cfg.Analysis.TimeoutMs / 1000,
		MaxRetries:         cfg.Analysis.MaxRetries,
		BackoffBaseMs:      cfg.Analysis.BackoffBaseMs,
	})

	agg := snapshot.New(snapshot.Config{
		Symbol:            cfg.Snapshot.Symbol,
		PushDeadline:      time.Duration(cfg.Snapshot.PushDeadlineMs) * time.Millisecond,
		PollInterval:      time.Duration(cfg.Snapshot.PollIntervalMs) * time.Millisecond,
		PushRetryCooldown: time.Duration(cfg.Snapshot.PushRetryCooldownS) * time.Second,
	}, fetcher, conn)
	agg.Start(ctx, b)
	defer agg.Stop()

	tracker := stream.New(stream.Config{
		TickInterval:   time.Duration(cfg.Tracker.TickMs) * time.Millisecond,
		StaleThreshold: time.Duration(cfg.Tracker.StaleThresholdMs) * time.Millisecond,
		MaxEntries:     cfg.Tracker.MaxTrackedEntries,
	}, conn)
	tracker.Start(ctx, b)
	defer tracker.Stop()

	unsubSnap := agg.OnSnapshot(func(s snapshot.Snapshot) {
		observ.Log("snapshot", map[string]any{
			"symbol": s.Symbol,
			"last":   s.Last,
			"source": s.Source,
			"status": string(s.Status),
			"as_of":  s.AsOf.Format(time.RFC3339Nano),
		})
	})
	defer unsubSnap()

	analysisClient := adapters.NewAnalysisClient(adapters.AnalysisClientConfig{
		BaseURL:            cfg.Analysis.BaseURL,
		RateLimitPerMinute: cfg.Analysis.RateLimitPerMinute,
		TimeoutSeconds:     cfg.Analysis.TimeoutMs / 1000,
		MaxRetries:         cfg.Analysis.MaxRetries,
		BackoffBaseMs:      cfg.Analysis.BackoffBaseMs,
	})
	orch := pipeline.New(analysisClient)
	unsubResults := orch.OnResult(func(sr pipeline.StageResult) {
		observ.Log("stage_result", map[string]any{
			"run_id":      sr.RunID,
			"step":        sr.StepNumber,
			"name":        sr.StepName,
			"duration_ms": sr.DurationMs,
		})
		// Stage 3 names the contracts to watch; feed them to the tracker.
		if sr.StepNumber == int(pipeline.StageStrikes) {
			if keys := strikesFromResult(sr.Result); len(keys) > 0 {
				tracker.SetTracked(keys)
			}
		}
	})
	defer unsubResults()

	if analyze {
		go func() {
			// Give the feed a moment to produce a snapshot to analyze.
			time.Sleep(2 * time.Second)
			input := analysisInput(agg)
			if _, err := orch.Run(ctx, input); err != nil {
				log.Printf("analysis run failed: %v", err)
			}
		}()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", observ.Handler())
	mux.Handle("/health", observ.Health())
	mux.Handle("/healthz", observ.HealthHandler())
	mux.HandleFunc("/snapshot", func(w http.ResponseWriter, _ *http.Request) {
		s, ok := agg.Current()
		if !ok {
			http.Error(w, "no data yet", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s)
	})
	mux.HandleFunc("/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(tracker.Live())
	})
	addr := "127.0.0.1:8090" // bind to loopback to avoid firewall prompts
	observ.Log("metrics_listen", map[string]any{"addr": addr})
	go func() { _ = http.ListenAndServe(addr, mux) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	observ.Log("shutdown", map[string]any{"signal": sig.String()})

	orch.Cancel()
	cancel()
	conn.Close()
}

// analysisInput seeds the pipeline with the current consolidated snapshot.
func analysisInput(agg *snapshot.Aggregator) json.RawMessage {
	s, ok := agg.Current()
	if !ok {
		return json.RawMessage(`{}`)
	}
	b, err := json.Marshal(map[string]any{
		"symbol": s.Symbol,
		"last":   s.Last,
		"bid":    s.Bid,
		"ask":    s.Ask,
		"vwap":   s.VWAP,
	})
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}

func strikesFromResult(result json.RawMessage) []feed.InstrumentKey {
	var parsed struct {
		Strikes []struct {
			Strike float64 `json:"strike"`
			Right  string  `json:"right"`
		} `json:"strikes"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		log.Printf("parse strikes result: %v", err)
		return nil
	}
	keys := make([]feed.InstrumentKey, 0, len(parsed.Strikes))
	for _, s := range parsed.Strikes {
		right := strings.ToUpper(s.Right)
		if s.Strike <= 0 || (right != "C" && right != "P") {
			continue
		}
		keys = append(keys, feed.InstrumentKey{Strike: s.Strike, Right: right})
	}
	if len(keys) == 0 {
		fmt.Println("no usable strikes in stage result")
	}
	return keys
}

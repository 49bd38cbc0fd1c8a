package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/tradeterm/marketdata/internal/feed"
)

// SnapshotClient fetches point-in-time price snapshots over REST. It is the
// polling path the aggregator falls back to when push data is unavailable.
type SnapshotClient struct {
	baseURL     string
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	config      SnapshotClientConfig
}

// SnapshotClientConfig holds configuration for the snapshot REST client
type SnapshotClientConfig struct {
	BaseURL            string
	RateLimitPerMinute int
	TimeoutSeconds     int
	MaxRetries         int
	BackoffBaseMs      int
}

// snapshotResponse mirrors the provider's /snapshot payload
type snapshotResponse struct {
	Symbol      string  `json:"symbol"`
	Last        float64 `json:"last"`
	Bid         float64 `json:"bid"`
	Ask         float64 `json:"ask"`
	PrevClose   float64 `json:"prevClose"`
	ChangePct   float64 `json:"changePct"`
	VWAP        float64 `json:"vwap"`
	MarketState string  `json:"marketState"`
	Timestamp   int64   `json:"timestamp"` // epoch millis
}

// NewSnapshotClient creates a snapshot client with rate limiting and retries
func NewSnapshotClient(config SnapshotClientConfig) *SnapshotClient {
	if config.RateLimitPerMinute <= 0 {
		config.RateLimitPerMinute = 120
	}
	if config.TimeoutSeconds <= 0 {
		config.TimeoutSeconds = 10
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.BackoffBaseMs <= 0 {
		config.BackoffBaseMs = 500
	}

	return &SnapshotClient{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: time.Duration(config.TimeoutSeconds) * time.Second,
		},
		rateLimiter: rate.NewLimiter(rate.Limit(float64(config.RateLimitPerMinute)/60), 1),
		config:      config,
	}
}

// Fetch retrieves a snapshot for one symbol with retry and backoff
func (sc *SnapshotClient) Fetch(ctx context.Context, symbol string) (*feed.PriceUpdate, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, NewBadPayloadError("snapshot", "empty symbol", nil)
	}

	var lastErr error
	for attempt := 0; attempt <= sc.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(sc.config.BackoffBaseMs*(1<<(attempt-1))) * time.Millisecond
			select {
			case <-ctx.Done():
				return nil, NewNetworkError("snapshot", "context cancelled", ctx.Err())
			case <-time.After(backoff):
			}
		}

		if err := sc.rateLimiter.Wait(ctx); err != nil {
			return nil, NewRateLimitError("snapshot", "rate limiter wait failed")
		}

		update, err := sc.fetchOnce(ctx, symbol)
		if err == nil {
			return update, nil
		}
		lastErr = err

		// Bad payloads will not improve on retry
		if fe, ok := err.(*FeedError); ok && fe.Type == "bad_payload" {
			return nil, err
		}
	}
	return nil, lastErr
}

func (sc *SnapshotClient) fetchOnce(ctx context.Context, symbol string) (*feed.PriceUpdate, error) {
	u := fmt.Sprintf("%s/snapshot?symbol=%s", sc.baseURL, url.QueryEscape(symbol))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, NewNetworkError("snapshot", "failed to build request", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := sc.httpClient.Do(req)
	if err != nil {
		return nil, NewNetworkError("snapshot", "request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, NewNetworkError("snapshot", "failed to read response", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, NewRateLimitError("snapshot", "provider throttled request")
	case resp.StatusCode != http.StatusOK:
		return nil, NewProviderError("snapshot",
			fmt.Sprintf("unexpected status %d", resp.StatusCode), nil)
	}

	var sr snapshotResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, NewBadPayloadError("snapshot", "malformed JSON", err)
	}
	if sr.Symbol == "" || sr.Last <= 0 {
		return nil, NewBadPayloadError("snapshot", "missing symbol or price", nil)
	}

	at := time.Now().UTC()
	if sr.Timestamp > 0 {
		at = time.UnixMilli(sr.Timestamp).UTC()
	}
	return &feed.PriceUpdate{
		Symbol:      strings.ToUpper(sr.Symbol),
		Last:        sr.Last,
		Bid:         sr.Bid,
		Ask:         sr.Ask,
		PrevClose:   sr.PrevClose,
		ChangePct:   sr.ChangePct,
		VWAP:        sr.VWAP,
		MarketState: sr.MarketState,
		At:          at,
	}, nil
}

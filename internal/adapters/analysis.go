package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// AnalysisClient calls the decision-support service that evaluates one
// pipeline step at a time. Each step is a blocking POST; the orchestrator
// owns sequencing and cancellation.
type AnalysisClient struct {
	baseURL     string
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	config      AnalysisClientConfig
}

// AnalysisClientConfig holds configuration for the analysis service client
type AnalysisClientConfig struct {
	BaseURL            string
	RateLimitPerMinute int
	TimeoutSeconds     int
	MaxRetries         int
	BackoffBaseMs      int
}

// Account is the broker account context passed into every analysis step.
type Account struct {
	ID             string     `json:"id"`
	BuyingPower    float64    `json:"buyingPower"`
	NetLiquidation float64    `json:"netLiquidation"`
	Positions      []Position `json:"positions,omitempty"`
}

// Position is one open holding in the account.
type Position struct {
	Symbol   string  `json:"symbol"`
	Quantity float64 `json:"quantity"`
	AvgCost  float64 `json:"avgCost"`
}

type stageRequest struct {
	Input   json.RawMessage `json:"input"`
	Account *Account        `json:"account,omitempty"`
}

type stageResponse struct {
	Result     json.RawMessage `json:"result"`
	DurationMs int64           `json:"duration_ms"`
}

// NewAnalysisClient creates an analysis service client
func NewAnalysisClient(config AnalysisClientConfig) *AnalysisClient {
	if config.RateLimitPerMinute <= 0 {
		config.RateLimitPerMinute = 120
	}
	if config.TimeoutSeconds <= 0 {
		config.TimeoutSeconds = 30
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.BackoffBaseMs <= 0 {
		config.BackoffBaseMs = 500
	}

	return &AnalysisClient{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: time.Duration(config.TimeoutSeconds) * time.Second,
		},
		rateLimiter: rate.NewLimiter(rate.Limit(float64(config.RateLimitPerMinute)/60), 1),
		config:      config,
	}
}

// RunStage executes one numbered analysis step and returns its raw result
// along with the evaluation time the service reports for it. Steps are not
// retried: a failed step aborts the run, so retry policy belongs to the
// caller, not the transport.
func (ac *AnalysisClient) RunStage(ctx context.Context, step int, input json.RawMessage, acct *Account) (json.RawMessage, int64, error) {
	op := fmt.Sprintf("analysis_stage_%d", step)
	if err := ac.rateLimiter.Wait(ctx); err != nil {
		return nil, 0, NewRateLimitError(op, "rate limiter wait failed")
	}

	payload, err := json.Marshal(stageRequest{Input: input, Account: acct})
	if err != nil {
		return nil, 0, NewBadPayloadError(op, "failed to encode request", err)
	}

	u := fmt.Sprintf("%s/analysis/stage/%d", ac.baseURL, step)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, NewNetworkError(op, "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := ac.httpClient.Do(req)
	if err != nil {
		return nil, 0, NewNetworkError(op, "request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, 0, NewNetworkError(op, "failed to read response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, 0, NewProviderError(op,
			fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, truncate(body, 200)), nil)
	}

	var sr stageResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, 0, NewBadPayloadError(op, "malformed JSON", err)
	}
	if len(sr.Result) == 0 {
		return nil, 0, NewBadPayloadError(op, "empty result", nil)
	}
	return sr.Result, sr.DurationMs, nil
}

// AccountInfo fetches the current broker account context with retries
func (ac *AnalysisClient) AccountInfo(ctx context.Context) (*Account, error) {
	var acct Account
	if err := ac.getJSON(ctx, "/account", "account", &acct); err != nil {
		return nil, err
	}
	return &acct, nil
}

// OpenPositions fetches current holdings with retries
func (ac *AnalysisClient) OpenPositions(ctx context.Context) ([]Position, error) {
	var positions []Position
	if err := ac.getJSON(ctx, "/positions", "positions", &positions); err != nil {
		return nil, err
	}
	return positions, nil
}

func (ac *AnalysisClient) getJSON(ctx context.Context, path, op string, out any) error {
	var lastErr error
	for attempt := 0; attempt <= ac.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(ac.config.BackoffBaseMs*(1<<(attempt-1))) * time.Millisecond
			select {
			case <-ctx.Done():
				return NewNetworkError(op, "context cancelled", ctx.Err())
			case <-time.After(backoff):
			}
		}

		if err := ac.rateLimiter.Wait(ctx); err != nil {
			return NewRateLimitError(op, "rate limiter wait failed")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, ac.baseURL+path, nil)
		if err != nil {
			return NewNetworkError(op, "failed to build request", err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := ac.httpClient.Do(req)
		if err != nil {
			lastErr = NewNetworkError(op, "request failed", err)
			continue
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if err != nil {
			lastErr = NewNetworkError(op, "failed to read response", err)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			lastErr = NewProviderError(op,
				fmt.Sprintf("unexpected status %d", resp.StatusCode), nil)
			continue
		}
		if err := json.Unmarshal(body, out); err != nil {
			return NewBadPayloadError(op, "malformed JSON", err)
		}
		return nil
	}
	return lastErr
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

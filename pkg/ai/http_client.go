package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/sony/gobreaker"

	engerrors "github.com/meshsync/meshsync/pkg/errors"
	"github.com/meshsync/meshsync/pkg/observability"
	"github.com/meshsync/meshsync/pkg/resilience"
)

// ClientConfig configures the HTTP capability client.
type ClientConfig struct {
	Endpoint        string                 `mapstructure:"endpoint"`
	APIKey          string                 `mapstructure:"api_key"`
	Model           string                 `mapstructure:"model"`
	RequestTimeout  time.Duration          `mapstructure:"request_timeout"`
	MaxPayloadBytes int                    `mapstructure:"max_payload_bytes"`
	Retry           resilience.RetryPolicy `mapstructure:"retry"`
}

// HTTPClient talks to the semantic capability over HTTP. A circuit
// breaker stops hammering a degraded capability; once open, calls fail
// fast with an unavailability error and the engine falls back.
type HTTPClient struct {
	cfg     ClientConfig
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewHTTPClient builds a capability client.
func NewHTTPClient(cfg ClientConfig, logger observability.Logger, metrics observability.MetricsClient) *HTTPClient {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = resilience.DefaultRetryPolicy()
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ai-capability",
		MaxRequests: 3,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &HTTPClient{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.RequestTimeout},
		breaker: breaker,
		logger:  logger.WithPrefix("ai.client"),
		metrics: metrics,
	}
}

type analyzeRequest struct {
	Model   string          `json:"model,omitempty"`
	Context SemanticContext `json:"context"`
}

type suggestRequest struct {
	Model   string          `json:"model,omitempty"`
	Context SemanticContext `json:"context"`
}

type suggestResponse struct {
	Suggestions []MergeSuggestion `json:"suggestions"`
}

func (c *HTTPClient) AnalyzeSemantic(ctx context.Context, sc SemanticContext) (*SemanticAnalysis, error) {
	sc = BoundPayload(sc, c.cfg.MaxPayloadBytes)
	var analysis SemanticAnalysis
	err := c.call(ctx, "/v1/analyze", analyzeRequest{Model: c.cfg.Model, Context: sc}, &analysis)
	if err != nil {
		return nil, err
	}
	return &analysis, nil
}

func (c *HTTPClient) GenerateMergeSuggestions(ctx context.Context, sc SemanticContext) ([]MergeSuggestion, error) {
	sc = BoundPayload(sc, c.cfg.MaxPayloadBytes)
	var resp suggestResponse
	err := c.call(ctx, "/v1/suggest", suggestRequest{Model: c.cfg.Model, Context: sc}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Suggestions, nil
}

func (c *HTTPClient) call(ctx context.Context, path string, payload, out interface{}) error {
	start := time.Now()
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "failed to encode capability request")
	}

	_, err = c.breaker.Execute(func() (interface{}, error) {
		return nil, resilience.Retry(ctx, c.cfg.Retry, func() error {
			return c.doOnce(ctx, path, body, out)
		})
	})

	success := err == nil
	c.metrics.RecordOperation(observability.CategoryAIAnalysis, path, success, time.Since(start), nil)

	if err != nil {
		if err == gobreaker.ErrOpenState {
			c.logger.Warn("capability circuit open", map[string]interface{}{"path": path})
		}
		return engerrors.NewAIAdapterUnavailable(err)
	}
	return nil
}

func (c *HTTPClient) doOnce(ctx context.Context, path string, body []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint+path, bytes.NewReader(body))
	if err != nil {
		return resilience.Permanent(errors.Wrap(err, "failed to build capability request"))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "capability request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		io.Copy(io.Discard, resp.Body)
		return errors.Errorf("capability returned status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return resilience.Permanent(fmt.Errorf("capability returned status %d", resp.StatusCode))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resilience.Permanent(errors.Wrap(err, "failed to decode capability response"))
	}
	return nil
}

var _ Adapter = (*HTTPClient)(nil)

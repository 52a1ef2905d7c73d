package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/MSA-I/RE-TOUR-sub007/internal/types"
)

const maxResponseBytes = 1 << 20

// HTTPConfig configures an HTTP worker client.
type HTTPConfig struct {
	Endpoint string
	Timeout  time.Duration
	// Rate is the sustained requests per second; zero means unlimited.
	Rate  float64
	Burst int
}

// HTTPHandler invokes a worker service over HTTP with a JSON body.
type HTTPHandler struct {
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter
}

// NewHTTPHandler creates a rate-limited HTTP handler.
func NewHTTPHandler(cfg HTTPConfig) (*HTTPHandler, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("worker endpoint cannot be empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	return &HTTPHandler{
		endpoint: cfg.Endpoint,
		client:   &http.Client{Timeout: cfg.Timeout},
		limiter:  rate.NewLimiter(limit, cfg.Burst),
	}, nil
}

// Invoke posts req to the worker and decodes its result.
func (h *HTTPHandler) Invoke(ctx context.Context, req Request) (*types.WorkerResult, error) {
	if err := h.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter error: %w", err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.JobID.String())

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("worker request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("worker returned %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	var res types.WorkerResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("failed to parse worker response: %w", err)
	}
	return &res, nil
}

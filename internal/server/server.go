// Package server provides the HTTP API for driving and reviewing runs.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/MSA-I/RE-TOUR-sub007/internal/approval"
	"github.com/MSA-I/RE-TOUR-sub007/internal/artifact"
	"github.com/MSA-I/RE-TOUR-sub007/internal/events"
	"github.com/MSA-I/RE-TOUR-sub007/internal/logging"
	"github.com/MSA-I/RE-TOUR-sub007/internal/pipeline"
	"github.com/MSA-I/RE-TOUR-sub007/internal/policy"
	"github.com/MSA-I/RE-TOUR-sub007/internal/server/middleware"
	"github.com/MSA-I/RE-TOUR-sub007/internal/server/ratelimit"
	"github.com/MSA-I/RE-TOUR-sub007/internal/store"
	"github.com/MSA-I/RE-TOUR-sub007/internal/types"
)

// Runs creates and advances runs.
type Runs interface {
	CreateRun(ctx context.Context, in pipeline.NewRun) (*types.Run, error)
	Tick(ctx context.Context, runID uuid.UUID) (*pipeline.TickResult, error)
}

// Deps are the components the API exposes. Hub, Gatherer and Limiter
// are optional.
type Deps struct {
	Store     store.TxRunner
	Runs      Runs
	Approvals *approval.Controller
	Policy    *policy.Store
	Artifacts *artifact.Service
	Tokens    *JWTService
	Hub       *events.Hub
	Gatherer  prometheus.Gatherer
	Limiter   *ratelimit.Limiter
}

// Config holds server configuration
type Config struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// KeepAlive is the comment interval on event streams.
	KeepAlive time.Duration
}

// Server represents the HTTP server
type Server struct {
	deps       Deps
	cfg        Config
	log        *logging.Logger
	validate   *validator.Validate
	handler    http.Handler
	httpServer *http.Server
}

// New creates a new server instance
func New(deps Deps, cfg Config, log *logging.Logger) (*Server, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("server requires a store")
	case deps.Runs == nil:
		return nil, fmt.Errorf("server requires a run driver")
	case deps.Approvals == nil:
		return nil, fmt.Errorf("server requires an approval controller")
	case deps.Policy == nil:
		return nil, fmt.Errorf("server requires a policy store")
	case deps.Artifacts == nil:
		return nil, fmt.Errorf("server requires an artifact service")
	case deps.Tokens == nil:
		return nil, fmt.Errorf("server requires a token service")
	}
	if log == nil {
		log = logging.NewNop()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 15 * time.Second
	}

	s := &Server{
		deps:     deps,
		cfg:      cfg,
		log:      log.Named("server"),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}

	auth := middleware.RequireReviewer(deps.Tokens.AsTokenValidator())
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	if deps.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	protected := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, auth(h))
	}

	// Runs
	protected("POST /runs", s.handleCreateRun)
	protected("GET /runs", s.handleListRuns)
	protected("GET /runs/{id}", s.handleGetRun)
	protected("POST /runs/{id}/tick", s.handleTick)
	protected("POST /runs/{id}/approve", s.handleApprove)
	protected("POST /runs/{id}/reject", s.handleReject)
	protected("POST /runs/{id}/continue", s.handleContinue)
	protected("POST /runs/{id}/retry-budget/reset", s.handleResetRetryBudget)
	protected("POST /runs/{id}/recover", s.handleRecover)
	protected("GET /runs/{id}/rollback", s.handlePlanRollback)
	protected("POST /runs/{id}/rollback", s.handleRollback)
	protected("GET /runs/{id}/jobs", s.handleListJobs)
	protected("GET /runs/{id}/decisions", s.handleListDecisions)
	protected("GET /runs/{id}/reviews", s.handleListReviews)
	protected("GET /runs/{id}/events", s.handleListEvents)
	protected("GET /runs/{id}/events/stream", s.handleStreamEvents)

	// Artifacts
	protected("GET /runs/{id}/artifacts", s.handleListArtifacts)
	protected("GET /artifacts/{id}/access", s.handleArtifactAccess)

	// Policy
	protected("POST /decisions/{id}/feedback", s.handleFeedback)
	protected("GET /rules", s.handleListRules)
	protected("POST /rules", s.handleCreateRule)
	protected("GET /rules/{id}", s.handleGetRule)
	protected("POST /rules/{id}/override", s.handleOverrideRule)
	protected("POST /rules/{id}/confirm", s.handleConfirmRule)

	var h http.Handler = mux
	h = s.withCORS(h)
	if deps.Limiter != nil {
		h = s.withRateLimit(h)
	}
	s.handler = s.withLogging(h)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves until ctx is cancelled and then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info(ctx, "server starting", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.log.Info(context.Background(), "shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	if s.deps.Limiter != nil {
		s.deps.Limiter.Stop()
	}
	s.log.Info(shutdownCtx, "server stopped")
	return nil
}

// withCORS adds CORS headers
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Last-Event-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withRateLimit adds rate limiting middleware
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, info := s.deps.Limiter.Allow(clientID(r), r.URL.Path, r.Method)
		setRateLimitHeaders(w, info)
		if !allowed {
			s.rateLimitResponse(w, r, info)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Flush keeps event streams working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// withLogging tags the request with an id and logs its outcome.
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		ctx := logging.WithRequestID(r.Context(), requestID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		}
		if rec.status >= http.StatusInternalServerError {
			s.log.Warn(ctx, "request failed", fields...)
			return
		}
		s.log.Debug(ctx, "request completed", fields...)
	})
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// jsonResponse writes a JSON response
func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error(context.Background(), "failed to encode JSON response", zap.Error(err))
	}
}

// errorResponse maps err onto the status taxonomy and writes it.
func (s *Server) errorResponse(w http.ResponseWriter, r *http.Request, err error) {
	status := HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.log.Error(r.Context(), "request error", zap.String("path", r.URL.Path), zap.Error(err))
	}
	s.jsonResponse(w, status, newErrorBody(err))
}

// decode reads a JSON body into dst and validates it. An empty body
// decodes to the zero value.
func (s *Server) decode(r *http.Request, dst any) error {
	if r.Body != nil && r.ContentLength != 0 {
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
			return &ErrValidation{Field: "body", Message: err.Error()}
		}
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return &ErrValidation{Field: verrs[0].Field(), Message: fmt.Sprintf("failed %q check", verrs[0].Tag())}
		}
		return &ErrValidation{Field: "body", Message: err.Error()}
	}
	return nil
}

func pathID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return uuid.Nil, &ErrValidation{Field: "id", Message: "must be a UUID"}
	}
	return id, nil
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, name string) (*int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return nil, &ErrValidation{Field: name, Message: "must be a non-negative integer"}
	}
	return &v, nil
}

func reviewer(r *http.Request) string {
	name, _ := middleware.Reviewer(r)
	return name
}

// clientID identifies the caller for rate limiting by remote IP.
func clientID(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// setRateLimitHeaders sets standard rate limit headers on the response.
func setRateLimitHeaders(w http.ResponseWriter, info ratelimit.Info) {
	if info.Limit > 0 {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(info.ResetTime.Unix(), 10))
	}
}

// rateLimitResponse writes a 429 Too Many Requests response with rate limit information.
func (s *Server) rateLimitResponse(w http.ResponseWriter, r *http.Request, info ratelimit.Info) {
	response := map[string]any{
		"error":     "rate_limit_exceeded",
		"code":      "rate_limited",
		"limit":     info.Limit,
		"remaining": info.Remaining,
		"reset_at":  info.ResetTime.Format(time.RFC3339),
	}
	if info.RetryAfter > 0 {
		secs := int(info.RetryAfter.Seconds()) + 1
		response["retry_after"] = secs
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	s.log.Warn(r.Context(), "rate limit exceeded",
		zap.String("client", clientID(r)),
		zap.String("path", r.URL.Path),
		zap.Int("limit", info.Limit),
	)
	s.jsonResponse(w, http.StatusTooManyRequests, response)
}

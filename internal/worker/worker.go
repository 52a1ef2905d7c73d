// Package worker is the boundary to the external rendering and vision
// services. Jobs are dispatched by their closed Service variant to a
// registered Handler; the engine passes references and step context and
// receives a result reference plus the worker's self-report.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MSA-I/RE-TOUR-sub007/internal/metrics"
	"github.com/MSA-I/RE-TOUR-sub007/internal/types"
)

// Request is the step context sent to a worker.
type Request struct {
	RunID    uuid.UUID     `json:"run_id"`
	JobID    uuid.UUID     `json:"job_id"`
	Step     int           `json:"step"`
	StepName string        `json:"step_name"`
	Service  types.Service `json:"service"`
	Attempt  int           `json:"attempt"`
	InputRef string        `json:"input_ref"`
	// Inputs are the approved output references of earlier steps.
	Inputs map[int]string `json:"inputs,omitempty"`
}

// Handler executes one job.
type Handler interface {
	Invoke(ctx context.Context, req Request) (*types.WorkerResult, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Request) (*types.WorkerResult, error)

// Invoke calls f.
func (f HandlerFunc) Invoke(ctx context.Context, req Request) (*types.WorkerResult, error) {
	return f(ctx, req)
}

// Registry maps each service to its handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[types.Service]Handler
	metrics  *metrics.Metrics
}

// NewRegistry creates an empty registry. m may be nil.
func NewRegistry(m *metrics.Metrics) *Registry {
	return &Registry{handlers: make(map[types.Service]Handler), metrics: m}
}

// Register binds a handler to a service, replacing any previous one.
func (r *Registry) Register(svc types.Service, h Handler) error {
	if _, err := types.ParseService(string(svc)); err != nil {
		return err
	}
	if h == nil {
		return fmt.Errorf("handler for %s cannot be nil", svc)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[svc] = h
	return nil
}

// Services returns the services that have a handler.
func (r *Registry) Services() []types.Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []types.Service
	for _, svc := range types.Services() {
		if _, ok := r.handlers[svc]; ok {
			out = append(out, svc)
		}
	}
	return out
}

// Dispatch invokes the handler registered for req.Service.
func (r *Registry) Dispatch(ctx context.Context, req Request) (*types.WorkerResult, error) {
	r.mu.RLock()
	h, ok := r.handlers[req.Service]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no handler registered for service %q", req.Service)
	}

	start := time.Now()
	res, err := h.Invoke(ctx, req)
	if err == nil && res == nil {
		err = fmt.Errorf("empty result")
	}
	result := "ok"
	switch {
	case err != nil:
		result = "error"
	case !res.Report.Succeeded:
		result = "reported_failure"
	}
	r.metrics.WorkerCall(string(req.Service), result, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("%s worker failed: %w", req.Service, err)
	}
	return res, nil
}

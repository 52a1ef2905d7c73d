package main

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/MSA-I/RE-TOUR-sub007/internal/approval"
	"github.com/MSA-I/RE-TOUR-sub007/internal/artifact"
	"github.com/MSA-I/RE-TOUR-sub007/internal/config"
	"github.com/MSA-I/RE-TOUR-sub007/internal/db"
	"github.com/MSA-I/RE-TOUR-sub007/internal/events"
	"github.com/MSA-I/RE-TOUR-sub007/internal/llm"
	"github.com/MSA-I/RE-TOUR-sub007/internal/logging"
	"github.com/MSA-I/RE-TOUR-sub007/internal/metrics"
	"github.com/MSA-I/RE-TOUR-sub007/internal/phase"
	"github.com/MSA-I/RE-TOUR-sub007/internal/pipeline"
	"github.com/MSA-I/RE-TOUR-sub007/internal/policy"
	"github.com/MSA-I/RE-TOUR-sub007/internal/qa"
	"github.com/MSA-I/RE-TOUR-sub007/internal/queue"
	"github.com/MSA-I/RE-TOUR-sub007/internal/store"
	"github.com/MSA-I/RE-TOUR-sub007/internal/store/memory"
	"github.com/MSA-I/RE-TOUR-sub007/internal/types"
	"github.com/MSA-I/RE-TOUR-sub007/internal/worker"
	"github.com/MSA-I/RE-TOUR-sub007/schemas"
)

// app is the wired engine shared by every command.
type app struct {
	cfg      *config.Config
	log      *logging.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	base      store.Store
	store     store.TxRunner
	hub       *events.Hub
	nats      *nats.Conn
	auditor   llm.Client
	guard     *phase.Guard
	approvals *approval.Controller
	policy    *policy.Store
	artifacts *artifact.Service
	driver    *pipeline.Driver
}

// loadConfig reads the configuration and builds the logger.
func loadConfig() (*config.Config, *logging.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	log, err := logging.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

// openStore connects to PostgreSQL, or returns the in-memory store when
// no database is configured.
func openStore(ctx context.Context, cfg *config.Config, log *logging.Logger) (store.Store, error) {
	if cfg.Database.URL == "" {
		log.Warn(ctx, "no database configured; using the in-memory store")
		return memory.New(), nil
	}
	database, err := db.Connect(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return nil, err
	}
	return database, nil
}

// newApp wires every component. owner overrides the configured lease
// owner when not empty.
func newApp(ctx context.Context, cfg *config.Config, log *logging.Logger, owner string, opts ...pipeline.Option) (*app, error) {
	a := &app{cfg: cfg, log: log, registry: prometheus.NewRegistry(), hub: events.NewHub()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)

	base, err := openStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	a.base = base

	publishers := []events.Publisher{a.hub}
	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("retour"), nats.MaxReconnects(-1))
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		a.nats = nc
		publishers = append(publishers, events.NewNATSPublisher(nc, cfg.NATS.SubjectPrefix))
	}
	a.store = events.NewDispatcher(base, log, a.metrics, publishers...)

	auditor, err := a.newAuditor(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	registries := phase.Default()
	a.guard = phase.NewGuard(registries, phase.WithLogger(log), phase.WithMetrics(a.metrics))
	a.approvals = approval.New(a.store, a.guard, cfg.QA.RetryBudget, approval.WithLogger(log))
	a.policy = policy.New(a.store, policy.Config{
		SupportThreshold: cfg.Policy.SupportThreshold,
		Escalation: policy.Escalation{
			Check: cfg.Policy.Escalation.Check,
			Guard: cfg.Policy.Escalation.Guard,
			Law:   cfg.Policy.Escalation.Law,
		},
		DecayAmount:                 cfg.Policy.DecayAmount,
		ConfirmBoost:                cfg.Policy.ConfirmBoost,
		ContradictionPenalty:        cfg.Policy.ContradictionPenalty,
		LawMuteRequiresConfirmation: cfg.Policy.LawMuteRequiresConfirmation,
	}, policy.WithLogger(log), policy.WithMetrics(a.metrics))

	secret := cfg.Artifacts.SigningSecret
	if secret == "" {
		secret = cfg.Auth.JWTSecret
	}
	if secret == "" {
		a.Close()
		return nil, fmt.Errorf("artifacts.signing_secret or JWT_SECRET is required")
	}
	a.artifacts, err = artifact.New(a.store, artifact.Config{
		SigningSecret: secret,
		AccessTTL:     cfg.Artifacts.AccessTTL,
		BaseURL:       cfg.Artifacts.BaseURL,
	}, artifact.WithLogger(log))
	if err != nil {
		a.Close()
		return nil, err
	}

	workers, err := buildWorkers(cfg, a.metrics)
	if err != nil {
		a.Close()
		return nil, err
	}

	if owner == "" {
		owner = cfg.Pipeline.Owner
	}
	a.driver, err = pipeline.New(pipeline.Deps{
		Store: a.store,
		Guard: a.guard,
		Queue: queue.New(a.store, queue.Config{
			LeaseSeconds: cfg.Queue.LeaseSeconds,
			MaxAttempts:  cfg.Queue.MaxAttempts,
			ClaimRetries: cfg.Queue.ClaimRetries,
		}, queue.WithLogger(log), queue.WithMetrics(a.metrics)),
		Gate: qa.NewGate(a.store, registries, schemas.Get, auditor, qa.Config{
			RetryBudget:   cfg.QA.RetryBudget,
			MinAuditScore: cfg.QA.MinAuditScore,
		}, qa.WithLogger(log), qa.WithMetrics(a.metrics)),
		Policy:    a.policy,
		Approvals: a.approvals,
		Artifacts: a.artifacts,
		Workers:   workers,
	}, pipeline.Config{
		Owner:           owner,
		AutoAdvance:     cfg.Pipeline.AutoAdvance,
		RegistryVersion: cfg.Pipeline.RegistryVersion,
		LeaseSeconds:    cfg.Pipeline.LeaseSeconds,
	}, append([]pipeline.Option{pipeline.WithLogger(log)}, opts...)...)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// newAuditor returns the model auditor when configured, else the static one.
func (a *app) newAuditor(ctx context.Context) (qa.Auditor, error) {
	if a.cfg.QA.Auditor != "gemini" {
		return qa.NewStaticAuditor(), nil
	}
	client, err := llm.NewGeminiClient(ctx, llm.DefaultConfig().WithModel(a.cfg.LLM.Model), a.cfg.LLM.APIKey)
	if err != nil {
		return nil, err
	}
	a.auditor = client
	a.log.Info(ctx, "model auditor enabled", zap.String("model", client.Model()))
	return qa.NewModelAuditor(client), nil
}

// buildWorkers registers an HTTP handler for every configured service.
func buildWorkers(cfg *config.Config, m *metrics.Metrics) (*worker.Registry, error) {
	reg := worker.NewRegistry(m)
	for name, wc := range cfg.Workers {
		svc, err := types.ParseService(name)
		if err != nil {
			return nil, fmt.Errorf("workers.%s: %w", name, err)
		}
		h, err := worker.NewHTTPHandler(worker.HTTPConfig{
			Endpoint: wc.Endpoint,
			Timeout:  wc.Timeout,
			Rate:     wc.Rate,
			Burst:    wc.Burst,
		})
		if err != nil {
			return nil, fmt.Errorf("workers.%s: %w", name, err)
		}
		if err := reg.Register(svc, h); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Close releases connections in reverse order of acquisition.
func (a *app) Close() {
	if a.auditor != nil {
		_ = a.auditor.Close()
	}
	if a.nats != nil {
		_ = a.nats.Drain()
	}
	if a.base != nil {
		a.base.Close()
	}
	_ = a.log.Sync()
}

package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/MSA-I/RE-TOUR-sub007/internal/logging"
	"github.com/MSA-I/RE-TOUR-sub007/internal/store"
	"github.com/MSA-I/RE-TOUR-sub007/internal/types"
)

// Runner advances one run as far as it can go.
type Runner interface {
	Drive(ctx context.Context, runID uuid.UUID) (*types.Run, error)
}

// PoolConfig holds worker pool settings.
type PoolConfig struct {
	Concurrency  int
	PollInterval time.Duration
	// BatchSize caps the runs picked up per cycle; zero means all.
	BatchSize int
}

// Pool polls for active runs and drives them with bounded concurrency.
type Pool struct {
	runner Runner
	store  store.TxRunner
	cfg    PoolConfig
	log    *logging.Logger
}

// NewPool creates a pool. log may be nil.
func NewPool(runner Runner, s store.TxRunner, cfg PoolConfig, log *logging.Logger) (*Pool, error) {
	if runner == nil {
		return nil, fmt.Errorf("pool requires a runner")
	}
	if s == nil {
		return nil, fmt.Errorf("pool requires a store")
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if log == nil {
		log = logging.NewNop()
	}
	return &Pool{runner: runner, store: s, cfg: cfg, log: log.Named("pool")}, nil
}

// Run polls until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	p.log.Info(ctx, "worker pool started",
		zap.Int("concurrency", p.cfg.Concurrency),
		zap.Duration("poll_interval", p.cfg.PollInterval),
	)
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := p.RunOnce(ctx); err != nil && ctx.Err() == nil {
			p.log.Error(ctx, "pool cycle failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			p.log.Info(ctx, "worker pool stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce drives every active run once and returns how many were picked up.
// A failure on one run is logged and does not stop the others.
func (p *Pool) RunOnce(ctx context.Context) (int, error) {
	active := types.RunStatusActive
	var runs []types.Run
	err := p.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		runs, err = tx.ListRuns(ctx, &active, p.cfg.BatchSize)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list active runs: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for _, run := range runs {
		id := run.ID
		g.Go(func() error {
			if _, err := p.runner.Drive(gctx, id); err != nil {
				p.log.Warn(gctx, "failed to drive run",
					zap.String("run_id", id.String()),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return len(runs), err
	}
	return len(runs), ctx.Err()
}

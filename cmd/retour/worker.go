package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/MSA-I/RE-TOUR-sub007/internal/pipeline"
)

var (
	workerOwner        string
	workerConcurrency  int
	workerLeaseSeconds int
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the worker pool",
	Long: `Poll for active runs and drive them: claim jobs, call the worker services,
gate their output and advance or block each run. Several workers may run
against one database; leases keep them from doing the same job twice.`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().StringVar(&workerOwner, "owner", "", "Lease owner name (defaults to pipeline.owner plus the host name)")
	workerCmd.Flags().IntVar(&workerConcurrency, "concurrency", 0, "Runs driven in parallel (overrides pipeline.concurrency)")
	workerCmd.Flags().IntVar(&workerLeaseSeconds, "lease-seconds", 0, "Lease taken on each claimed job (overrides pipeline.lease_seconds)")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	if workerConcurrency > 0 {
		cfg.Pipeline.Concurrency = workerConcurrency
	}
	if workerLeaseSeconds > 0 {
		cfg.Pipeline.LeaseSeconds = workerLeaseSeconds
	}
	owner := workerOwner
	if owner == "" {
		owner = cfg.Pipeline.Owner
		if host, err := os.Hostname(); err == nil && host != "" {
			owner += "@" + host
		}
	}

	a, err := newApp(ctx, cfg, log, owner, pipeline.WithProgress(func(e pipeline.ProgressEvent) {
		log.Info(ctx, "run progress",
			zap.String("run_id", e.RunID.String()),
			zap.Int("step", e.Step),
			zap.String("action", string(e.Action)),
			zap.String("message", e.Message),
		)
	}))
	if err != nil {
		return err
	}
	defer a.Close()

	pool, err := pipeline.NewPool(a.driver, a.store, pipeline.PoolConfig{
		Concurrency:  cfg.Pipeline.Concurrency,
		PollInterval: cfg.Pipeline.PollInterval,
	}, log)
	if err != nil {
		return err
	}
	log.Info(ctx, "worker starting",
		zap.String("owner", owner),
		zap.Int("concurrency", cfg.Pipeline.Concurrency),
		zap.Strings("services", serviceNames(a)),
	)
	return pool.Run(ctx)
}

func serviceNames(a *app) []string {
	var names []string
	for _, svc := range a.driver.Workers.Services() {
		names = append(names, string(svc))
	}
	return names
}

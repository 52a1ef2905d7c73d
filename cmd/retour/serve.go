package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/MSA-I/RE-TOUR-sub007/internal/pipeline"
	"github.com/MSA-I/RE-TOUR-sub007/internal/policy"
	"github.com/MSA-I/RE-TOUR-sub007/internal/server"
	"github.com/MSA-I/RE-TOUR-sub007/internal/server/ratelimit"
)

var (
	servePort        int
	serveMigrate     bool
	serveWithWorkers bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long: `Start an HTTP server that exposes run, review, policy and artifact endpoints,
a live event stream and Prometheus metrics. Rule decay runs in the background.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides server.port)")
	serveCmd.Flags().BoolVar(&serveMigrate, "migrate", false, "Apply database migrations before serving")
	serveCmd.Flags().BoolVar(&serveWithWorkers, "with-workers", false, "Also run the worker pool in this process")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}
	jwtCfg, err := cfg.JWT()
	if err != nil {
		return err
	}
	if serveMigrate {
		if _, err := migrate(ctx, cfg, log); err != nil {
			return err
		}
	}

	a, err := newApp(ctx, cfg, log, "")
	if err != nil {
		return err
	}
	defer a.Close()

	limiter := ratelimit.NewLimiter(cfg.RateLimit)
	srv, err := server.New(server.Deps{
		Store:     a.store,
		Runs:      a.driver,
		Approvals: a.approvals,
		Policy:    a.policy,
		Artifacts: a.artifacts,
		Tokens:    server.NewJWTService(jwtCfg),
		Hub:       a.hub,
		Gatherer:  a.registry,
		Limiter:   limiter,
	}, server.Config{
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	scheduler, err := policy.NewScheduler(a.policy, cfg.Policy.DecayInterval, log)
	if err != nil {
		return err
	}
	if err := scheduler.Start(); err != nil {
		return err
	}
	defer scheduler.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	if serveWithWorkers {
		pool, err := pipeline.NewPool(a.driver, a.store, pipeline.PoolConfig{
			Concurrency:  cfg.Pipeline.Concurrency,
			PollInterval: cfg.Pipeline.PollInterval,
		}, log)
		if err != nil {
			return err
		}
		g.Go(func() error { return pool.Run(gctx) })
	}

	log.Info(ctx, "retour serving",
		zap.Int("port", cfg.Server.Port),
		zap.Bool("workers", serveWithWorkers),
		zap.Bool("rate_limit", cfg.RateLimit.Enabled),
	)
	return g.Wait()
}


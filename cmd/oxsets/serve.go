package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"oxsets/internal/adapter/httpapi"
	"oxsets/internal/infra/config"
	"oxsets/internal/infra/middleware"
	"oxsets/internal/usecase/scheduling"
)

func newServeCmd(opts *globalOpts) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the maintenance scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return runServe(ctx, cfg, cmd)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, cmd *cobra.Command) error {
	a, err := newApp(ctx, cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.close()

	n, err := a.reg.Rescan(ctx)
	if err != nil {
		a.log.Error("initial scan failed", "root", cfg.Sets.Path, "error", err)
	} else {
		a.log.Info("initial scan complete", "root", cfg.Sets.Path, "agents", n)
	}

	sched, err := newScheduler(cfg.Scheduler, a)
	if err != nil {
		return err
	}

	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}
	srv := httpapi.NewServer(httpapi.Deps{
		Agents:  a.reg,
		Bus:     a.bus,
		Metrics: a.metrics,
		Logger:  a.log,
	}, httpapi.Options{
		Addr:           cfg.Server.Addr,
		Version:        version,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RateLimit: middleware.RateLimitConfig{
			PerSecond: cfg.Server.RateLimit,
			Burst:     cfg.Server.RateBurst,
		},
		MetricsPath:       metricsPath,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(gctx) })
	if sched != nil {
		g.Go(func() error { return sched.Run(gctx) })
	}
	err = g.Wait()

	if running := a.reg.Running(); len(running) > 0 {
		a.log.Warn("agents left running after shutdown", "count", len(running))
	}
	return err
}

// newScheduler registers the registry maintenance actions and the
// configured tasks. It returns nil when scheduling is disabled.
func newScheduler(cfg config.SchedulerConfig, a *app) (*scheduling.Scheduler, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	s := scheduling.NewScheduler(a.log)
	s.RegisterAction(scheduling.ActionRescan, func(ctx context.Context) error {
		_, err := a.reg.Rescan(ctx)
		return err
	})
	s.RegisterAction(scheduling.ActionReconcile, func(ctx context.Context) error {
		a.reg.Reconcile(ctx)
		return nil
	})

	for _, t := range cfg.Tasks {
		if err := s.AddTask(scheduling.ScheduledTask{
			Name:     t.Name,
			Schedule: t.Schedule,
			Action:   scheduling.ScheduledAction(t.Action),
			OneShot:  t.OneShot,
		}); err != nil {
			return nil, fmt.Errorf("scheduler: %w", err)
		}
	}
	return s, nil
}

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"oxsets/internal/domain"
	"oxsets/internal/infra/config"
	"oxsets/internal/infra/logger"
	"oxsets/internal/infra/metrics"
	"oxsets/internal/infra/tracer"
	"oxsets/internal/usecase/discovery"
	"oxsets/internal/usecase/eventbus"
	"oxsets/internal/usecase/integrity"
	"oxsets/internal/usecase/registry"
	"oxsets/internal/usecase/supervisor"
)

// app holds the wired components shared by every command.
type app struct {
	cfg     *config.Config
	log     *slog.Logger
	bus     *eventbus.Bus
	metrics *metrics.Metrics
	sup     *supervisor.Supervisor
	reg     *registry.Registry

	closers []func()
}

func loadConfig(opts *globalOpts) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrConfigLoad, err)
	}
	return cfg, nil
}

// newApp wires logger, tracer, metrics, bus, supervisor and registry in
// dependency order. The returned app must be closed.
func newApp(ctx context.Context, cfg *config.Config, stderr io.Writer) (*app, error) {
	a := &app{cfg: cfg}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	a.log = log
	a.closers = append(a.closers, func() { _ = closeLog() })

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer, stderr)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("tracer: %w", err)
	}
	a.closers = append(a.closers, func() { _ = shutdownTracer(context.Background()) })

	if cfg.Metrics.Enabled {
		promReg := prometheus.NewRegistry()
		promReg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		a.metrics = metrics.MustNewMetrics(promReg)
	}

	a.bus = eventbus.New(log, eventbus.WithObserver(func(t domain.EventType) {
		a.metrics.ObserveEvent(string(t))
	}))
	a.closers = append(a.closers, a.bus.Close)

	a.sup = supervisor.New(supervisor.Config{
		Interpreter: cfg.Supervisor.Interpreter,
		LogDir:      cfg.Supervisor.LogDir,
		GracePeriod: cfg.Supervisor.GracePeriod,
		BrokerURL:   cfg.Supervisor.BrokerURL,
		TailLines:   cfg.Supervisor.TailLines,
		Env:         cfg.Supervisor.Env,
	}, a.bus, log)

	a.reg = registry.New(registry.Deps{
		Root:       cfg.Sets.Path,
		Scanner:    discovery.NewScanner(cfg.Sets.Suffix, log),
		Verifier:   integrity.NewVerifier(log),
		Supervisor: a.sup,
		Bus:        a.bus,
		Metrics:    a.metrics,
		Logger:     log,
	})
	a.closers = append(a.closers, a.reg.Close)

	return a, nil
}

// close releases components in reverse order of construction.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

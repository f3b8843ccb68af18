package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/braidd/internal/clustering"
	"github.com/fyrsmithlabs/braidd/internal/config"
	"github.com/fyrsmithlabs/braidd/internal/httpapi"
	"github.com/fyrsmithlabs/braidd/internal/injection"
	"github.com/fyrsmithlabs/braidd/internal/learning"
	"github.com/fyrsmithlabs/braidd/internal/logging"
	"github.com/fyrsmithlabs/braidd/internal/mcp"
	"github.com/fyrsmithlabs/braidd/internal/promotion"
	"github.com/fyrsmithlabs/braidd/internal/resonance"
	"github.com/fyrsmithlabs/braidd/internal/strandstore"
	"github.com/fyrsmithlabs/braidd/internal/subscription"
	"github.com/fyrsmithlabs/braidd/internal/synthesis"
	"github.com/fyrsmithlabs/braidd/internal/telemetry"
)

// run starts braidd and blocks until ctx is cancelled.
//
// Startup order matters: telemetry installs the global tracer and meter
// providers before any instrumented component is constructed.
func run(ctx context.Context, cfg *config.Config) error {
	if cfg.Server.MCP {
		cfg.Logging.Output.Stderr = true
	}
	log, err := logging.NewLogger(&cfg.Logging, global.GetLoggerProvider())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = log.Sync() }()
	logger := log.Underlying()

	logger.Info("starting braidd",
		zap.String("version", version),
		zap.String("addr", cfg.Server.Addr()),
		zap.String("store", cfg.Store.Driver),
		zap.Bool("mcp", cfg.Server.MCP))

	tel, err := telemetry.New(ctx, &cfg.Observability, logger.Named("telemetry"))
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Observability.ShutdownAfter)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", zap.Error(err))
		}
	}()

	d, err := newDaemon(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer d.close()
	d.checks["telemetry"] = func(context.Context) error {
		if h := tel.Health(); h.Degraded {
			return errors.New("telemetry degraded")
		}
		return nil
	}

	return d.serve(ctx)
}

// daemon holds the wired components.
type daemon struct {
	cfg    *config.Config
	logger *zap.Logger

	store     strandstore.Store
	registry  *subscription.Registry
	watcher   *subscription.Watcher
	engine    *learning.Engine
	injector  *injection.Engine
	scheduler *learning.Scheduler
	nats      *natsConn
	promReg   *prometheus.Registry
	checks    map[string]httpapi.HealthCheck

	closers []func()
}

func newDaemon(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *daemon, err error) {
	d := &daemon{
		cfg:     cfg,
		logger:  logger,
		promReg: prometheus.NewRegistry(),
		checks:  make(map[string]httpapi.HealthCheck),
	}
	defer func() {
		if err != nil {
			d.close()
		}
	}()
	d.promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if d.store, err = openStore(cfg.Store); err != nil {
		return nil, err
	}
	d.closers = append(d.closers, func() {
		if err := d.store.Close(); err != nil {
			logger.Warn("store close", zap.Error(err))
		}
	})

	if d.registry, err = subscription.Load(cfg.Subscriptions.Path, logger.Named("subscriptions")); err != nil {
		return nil, fmt.Errorf("failed to load subscriptions: %w", err)
	}

	clusters, err := clustering.NewEngine(cfg.Learning.Dimensions, cfg.Learning.Outcome, logger.Named("clustering"))
	if err != nil {
		return nil, fmt.Errorf("failed to build clustering engine: %w", err)
	}
	clusters = clusters.WithKindOutcomes(cfg.Learning.KindOutcomes())

	scorer, err := resonance.NewScorer(cfg.Resonance)
	if err != nil {
		return nil, fmt.Errorf("failed to build resonance scorer: %w", err)
	}

	synth, err := synthesis.New(cfg.Synthesis.Resolve(), logger.Named("synthesis"))
	if err != nil {
		return nil, fmt.Errorf("failed to build lesson synthesizer: %w", err)
	}

	var policy promotion.ThresholdPolicy
	static, err := promotion.NewStaticPolicy(cfg.Learning.Thresholds, cfg.Learning.KindThresholds())
	if err != nil {
		return nil, fmt.Errorf("invalid thresholds: %w", err)
	}
	policy = static
	if cfg.Learning.Adaptive.Enabled {
		policy = promotion.NewAdaptivePolicy(static, cfg.Learning.Adaptive.AdaptiveConfig, logger.Named("adaptive"))
	}

	opts := []learning.Option{
		learning.WithConfig(learning.Config{MaxLevel: cfg.Learning.MaxLevel, Promotion: cfg.Learning.Promotion}),
		learning.WithSchemas(cfg.Learning.Schemas()),
		learning.WithPolicy(policy),
		learning.WithTracker(promotion.NewTracker(cfg.Learning.Adaptive.Window)),
		learning.WithMetrics(learning.NewMetrics(d.promReg)),
		learning.WithLogger(logger.Named("learning")),
	}
	if cfg.NATS.Enabled {
		if d.nats, err = connectNATS(cfg.NATS, logger.Named("nats")); err != nil {
			return nil, err
		}
		d.closers = append(d.closers, d.nats.close)
		opts = append(opts, learning.WithPublisher(learning.NewNATSPublisher(d.nats.Conn, cfg.NATS.SubjectPrefix)))
		d.checks["nats"] = func(context.Context) error {
			if s := d.nats.Status(); s != nats.CONNECTED {
				return fmt.Errorf("nats %s", s)
			}
			return nil
		}
	}

	if d.engine, err = learning.New(d.store, clusters, scorer, synth, d.registry, opts...); err != nil {
		return nil, fmt.Errorf("failed to build learning engine: %w", err)
	}
	d.closers = append(d.closers, func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		if err := d.engine.Drain(drainCtx); err != nil {
			logger.Warn("promotions still in flight at shutdown", zap.Error(err))
		}
		if err := d.engine.Close(); err != nil {
			logger.Warn("learning engine close", zap.Error(err))
		}
	})

	d.injector = injection.NewEngine(d.store, d.registry, clusters, scorer, logger.Named("injection"))

	if d.scheduler, err = learning.NewScheduler(d.engine, logger.Named("scheduler"),
		learning.WithInterval(cfg.Learning.TickInterval.Duration()),
		learning.WithTickTimeout(cfg.Learning.TickTimeout.Duration()),
	); err != nil {
		return nil, fmt.Errorf("failed to build scheduler: %w", err)
	}

	if cfg.Subscriptions.Watch {
		d.watcher, err = subscription.NewWatcher(d.registry, logger.Named("subscriptions"),
			subscription.WithDebounce(cfg.Subscriptions.Debounce.Duration()),
			subscription.OnReload(d.onSubscriptionsReloaded(ctx)),
		)
		if err != nil {
			return nil, err
		}
		if err := d.watcher.Start(ctx); err != nil {
			d.watcher.Stop()
			return nil, err
		}
		d.closers = append(d.closers, d.watcher.Stop)
	}
	return d, nil
}

// onSubscriptionsReloaded evaluates kinds that gained their first
// subscriber, so their backlog does not wait for the next tick.
func (d *daemon) onSubscriptionsReloaded(ctx context.Context) func(*subscription.Snapshot) {
	known := make(map[string]bool)
	for _, k := range d.registry.Kinds() {
		known[k] = true
	}
	return func(snap *subscription.Snapshot) {
		for _, kind := range snap.Kinds() {
			if known[kind] {
				continue
			}
			known[kind] = true
			d.logger.Info("new subscribed kind", zap.String("kind", kind))
			go func(kind string) {
				for level := 0; level < d.engine.MaxLevel(); level++ {
					if _, err := d.engine.Evaluate(ctx, kind, level, promotion.TriggerTick); err != nil {
						d.logger.Warn("evaluation after reload failed", zap.String("kind", kind), zap.Error(err))
						return
					}
				}
			}(kind)
		}
	}
}

func openStore(cfg config.StoreConfig) (strandstore.Store, error) {
	switch cfg.Driver {
	case config.StoreSQLite:
		s, err := strandstore.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return s, nil
	default:
		return strandstore.NewMemoryStore(), nil
	}
}

// serve runs the HTTP server, the scheduler and optionally MCP on stdio
// until ctx is done or one of them fails.
func (d *daemon) serve(ctx context.Context) error {
	srv, err := httpapi.NewServer(httpapi.Deps{
		Ingest:     d.engine,
		Context:    d.injector,
		Promotions: d.engine.Promotions(),
		Gatherer:   d.promReg,
		Checks:     d.checks,
	}, d.logger.Named("http"), &httpapi.Config{Host: d.cfg.Server.Host, Port: d.cfg.Server.Port})
	if err != nil {
		return err
	}

	if err := d.scheduler.Start(); err != nil {
		return err
	}
	defer func() { _ = d.scheduler.Stop() }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), d.cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if d.cfg.Server.MCP {
		tools, err := mcp.NewServer(&mcp.Config{Name: "braidd", Version: version, Logger: d.logger.Named("mcp")}, mcp.Deps{
			Ingest:     d.engine,
			Context:    d.injector,
			Promotions: d.engine.Promotions(),
			Subs:       d.registry,
			Consumers:  func() []string { return d.registry.Snapshot().Consumers() },
		})
		if err != nil {
			return err
		}
		g.Go(func() error {
			// The client closing stdin ends the session but not the daemon.
			if err := tools.Run(gctx); err != nil && gctx.Err() == nil {
				d.logger.Warn("mcp session ended", zap.Error(err))
			}
			return nil
		})
	}

	d.logger.Info("braidd ready",
		zap.String("health_endpoint", fmt.Sprintf("http://%s/health", d.cfg.Server.Addr())),
		zap.Strings("kinds", d.registry.Kinds()),
		zap.Duration("tick_interval", d.cfg.Learning.TickInterval.Duration()))

	err = g.Wait()
	d.logger.Info("braidd shutting down")
	return err
}

// close releases components in reverse construction order.
func (d *daemon) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
	d.closers = nil
}

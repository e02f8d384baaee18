package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/foxzi/zapflow/internal/api"
	"github.com/foxzi/zapflow/internal/cache"
	"github.com/foxzi/zapflow/internal/clock"
	"github.com/foxzi/zapflow/internal/config"
	"github.com/foxzi/zapflow/internal/control"
	"github.com/foxzi/zapflow/internal/db"
	"github.com/foxzi/zapflow/internal/dispatch"
	"github.com/foxzi/zapflow/internal/events"
	"github.com/foxzi/zapflow/internal/gateway"
	"github.com/foxzi/zapflow/internal/health"
	"github.com/foxzi/zapflow/internal/ipfilter"
	"github.com/foxzi/zapflow/internal/metrics"
	"github.com/foxzi/zapflow/internal/queue"
	"github.com/foxzi/zapflow/internal/ratelimit"
	"github.com/foxzi/zapflow/internal/repository"
	"github.com/foxzi/zapflow/internal/webhook"
)

// App is the main application
type App struct {
	config *config.Config
	logger *slog.Logger

	db      *db.DB
	storage *queue.BoltStorage
	redis   *cache.Client

	hub        *events.Hub
	pool       *dispatch.Pool
	control    *control.Service
	resetter   *health.Resetter
	reconciler *webhook.Reconciler
	transport  queue.Transport
	cleaner    *queue.Cleaner
	limiter    *ratelimit.Limiter

	apiServer     *api.Server
	metricsServer *metrics.Server
	collector     *metrics.Collector
}

// New creates a new application
func New(cfg *config.Config, version string) (*App, error) {
	logger := SetupLogger(cfg.Logging)

	database, err := db.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.Migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	store := repository.NewStore(database.DB)

	storage, err := queue.NewBoltStorage(cfg.Storage.Path)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}

	a := &App{config: cfg, logger: logger, db: database, storage: storage}

	// Coordination defaults to the local bbolt file; redis shares it between processes
	var (
		leaser  dispatch.Leaser = storage
		dedup   webhook.Dedup   = storage
		claimer health.Claimer  = storage
		relay   events.Relay
	)
	if cfg.Redis.Enabled {
		a.redis, err = cache.NewClient(cfg.Redis.URL, cfg.Redis.KeyPrefix)
		if err != nil {
			a.closeStores()
			return nil, err
		}
		leaser, dedup, claimer = a.redis, a.redis, a.redis
		relay = cache.NewRelay(a.redis, logger.With("component", "relay"))
		logger.Info("redis coordination enabled")
	}

	if cfg.Metrics.Enabled {
		m := metrics.New()
		metrics.SetGlobal(m)
		a.collector, err = metrics.NewCollector(storage.DB(), m, queueDepth(storage), 0)
		if err != nil {
			a.closeStores()
			return nil, fmt.Errorf("failed to create metrics collector: %w", err)
		}
		filter := ipfilter.New(cfg.Metrics.AllowedIPs, cfg.Server.TrustProxies, logger.With("component", "metrics_filter"))
		a.metricsServer = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path, filter, logger.With("component", "metrics"))
	}

	clk := clock.Real{}
	a.hub = events.NewHub(relay, logger.With("component", "events"))

	h := cfg.Health
	avail := health.NewAvailabilityCache(h.CacheTTL, h.StaleAfter, h.ReprobeAfter, clk)
	tracker := health.NewTracker(store, claimer, a.hub, h.DisableAfterFailures, logger.With("component", "health"))
	a.resetter = health.NewResetter(tracker, store.Tenants, h.ResetSchedule, clk, logger.With("component", "daily_reset"))

	gw := gateway.New(cfg.Evolution.BaseURL, cfg.Evolution.Timeout, logger.With("component", "gateway"))

	d := cfg.Dispatch
	dispatchCfg := dispatch.Config{
		MaxCampaigns:       d.MaxCampaigns,
		LeaseTTL:           d.LeaseTTL,
		HeartbeatInterval:  d.HeartbeatInterval,
		NoInstanceBackoff:  d.NoInstanceBackoff,
		NoWindowBackoff:    d.NoWindowBackoff,
		RetryBaseDelay:     d.RetryBaseDelay,
		MaxRetries:         d.MaxRetries,
		CancelPollInterval: d.CancelPollInterval,
		PollInterval:       d.PollInterval,
		ReprobeAfter:       h.ReprobeAfter,
		SendPresence:       cfg.Evolution.SendPresence,
		PresenceDelay:      cfg.Evolution.PresenceDelay,
		DefaultRegion:      cfg.Evolution.DefaultRegion,
	}
	runner := dispatch.NewRunner(store, tracker, avail, gw, nil, clk, a.hub, dispatchCfg, logger.With("component", "runner"))
	a.pool = dispatch.NewPool(storage, leaser, runner, dispatchCfg, logger.With("component", "dispatch"))

	a.control = control.NewService(store, a.pool, a.hub, clk, control.Config{
		MaxRunningPerTenant: d.MaxRunningPerTenant,
		SweepSchedule:       "@every " + d.SweepInterval.String(),
	}, logger.With("component", "control"))

	w := cfg.Webhook
	transportCfg := queue.TransportConfig{MaxAttempts: w.MaxAttempts}
	switch w.Backend {
	case "amqp":
		a.transport, err = queue.NewAMQPTransport(w.AMQPURL, w.AMQPQueue, transportCfg, logger.With("component", "webhook_amqp"))
		if err != nil {
			a.closeStores()
			return nil, fmt.Errorf("failed to connect webhook transport: %w", err)
		}
	default:
		a.transport = queue.NewBoltTransport(storage, queue.TopicWebhooks, transportCfg, logger.With("component", "webhook_queue"))
	}
	a.reconciler = webhook.NewReconciler(store, tracker, avail, dedup, a.hub, clk, webhook.Config{
		DedupTTL:         w.DedupTTL,
		OrphanRetryDelay: w.OrphanRetryDelay,
		ReplyWindow:      w.ReplyWindow,
	}, logger.With("component", "reconciler"))

	a.cleaner = queue.NewCleaner(storage, queue.CleanerConfig{
		Interval:    cfg.Storage.CleanupInterval,
		DLQMaxAge:   cfg.Storage.DLQMaxAge,
		DLQMaxCount: cfg.Storage.DLQMaxCount,
	}, logger.With("component", "cleaner"))

	a.limiter = ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerSecond: cfg.API.RateLimit.RequestsPerSecond,
		Burst:             cfg.API.RateLimit.Burst,
	})

	a.apiServer = api.NewServer(cfg.Server, &cfg.API, api.Deps{
		Control:       a.control,
		Hub:           a.hub,
		Webhooks:      webhook.NewHandler(a.transport, w.AckTimeout, logger.With("component", "webhook_intake")),
		WebhookFilter: ipfilter.New(w.AllowedIPs, cfg.Server.TrustProxies, logger.With("component", "webhook_filter")),
		Limiter:       a.limiter,
		Queue:         storage,
		Version:       version,
	}, logger.With("component", "api"))

	return a, nil
}

// queueDepth reports ready jobs per topic for the metrics collector
func queueDepth(storage *queue.BoltStorage) metrics.DepthFunc {
	return func(ctx context.Context) (map[string]int, error) {
		stats, err := storage.Stats(ctx)
		if err != nil {
			return nil, err
		}
		depth := make(map[string]int, len(stats))
		for topic, st := range stats {
			depth[topic] = int(st.Ready)
		}
		return depth, nil
	}
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting zapflow",
		"api_addr", a.config.Server.ListenAddr,
		"webhook_backend", a.config.Webhook.Backend,
		"redis", a.config.Redis.Enabled,
		"metrics", a.config.Metrics.Enabled,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := a.resetter.Start(); err != nil {
		return err
	}
	if err := a.control.StartSweeps(); err != nil {
		a.resetter.Stop()
		return err
	}

	// Pick up campaigns left running by a previous process before new work arrives
	if n, err := a.control.RecoverRunning(ctx); err != nil {
		a.logger.Error("startup recovery failed", "error", err)
	} else if n > 0 {
		a.logger.Info("running campaigns recovered", "count", n)
	}

	a.pool.Start(ctx)
	a.cleaner.Start(ctx)
	if a.collector != nil {
		a.collector.Start(ctx)
	}

	errCh := make(chan error, 4)
	var bg sync.WaitGroup

	bg.Add(2)
	go func() {
		defer bg.Done()
		if err := a.reconciler.Run(ctx, a.transport); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("webhook reconciler: %w", err)
		}
	}()
	go func() {
		defer bg.Done()
		if err := a.hub.RunRelay(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("event relay stopped", "error", err)
		}
	}()

	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
	}
	cancel()
	bg.Wait()

	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop accepting commands and webhooks first
	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	a.control.StopSweeps()
	a.resetter.Stop()
	a.pool.Stop()
	a.cleaner.Stop()
	a.limiter.Stop()

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}
	if a.collector != nil {
		if err := a.collector.Stop(); err != nil {
			a.logger.Error("metrics collector stop error", "error", err)
		}
	}

	if err := a.transport.Close(); err != nil {
		a.logger.Error("webhook transport close error", "error", err)
	}
	a.closeStores()

	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeStores() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error("redis close error", "error", err)
		}
	}
	if err := a.storage.Close(); err != nil {
		a.logger.Error("storage close error", "error", err)
	}
	if err := a.db.Close(); err != nil {
		a.logger.Error("database close error", "error", err)
	}
}

// SetupLogger creates a logger based on configuration
func SetupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

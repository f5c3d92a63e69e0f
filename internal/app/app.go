// Package app wires the warmup engine and its collaborators from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/mailwarm/internal/api"
	"github.com/foxzi/mailwarm/internal/config"
	"github.com/foxzi/mailwarm/internal/content"
	"github.com/foxzi/mailwarm/internal/dkim"
	"github.com/foxzi/mailwarm/internal/dns"
	"github.com/foxzi/mailwarm/internal/lease"
	"github.com/foxzi/mailwarm/internal/mailbox"
	"github.com/foxzi/mailwarm/internal/metrics"
	"github.com/foxzi/mailwarm/internal/ratelimit"
	"github.com/foxzi/mailwarm/internal/scheduler"
	"github.com/foxzi/mailwarm/internal/sink"
	"github.com/foxzi/mailwarm/internal/store"
	"github.com/foxzi/mailwarm/internal/transport"
	"github.com/foxzi/mailwarm/internal/warmup"
)

// Version is reported by the API health endpoint
var Version = "dev"

// App is the main application
type App struct {
	config      *config.Config
	settings    warmup.Settings
	store       *store.BoltStore
	rateLimiter *ratelimit.Limiter
	redis       *redis.Client
	transport   *transport.SMTPTransport
	engine      *warmup.Engine
	registry    *warmup.Registry
	campaigns   *warmup.Campaigns
	runner      *scheduler.Runner
	cleaner     *scheduler.Cleaner
	logger      *slog.Logger

	// created by Run
	apiServer     *api.Server
	metricsServer *metrics.Server
	collector     *metrics.Collector
	sinkServer    *sink.Server
	sinkStorage   *sink.Storage
}

// New creates a new application. Servers are created by Run; the returned
// App can also be used for one-off commands.
func New(cfg *config.Config) (*App, error) {
	logger := NewLogger(cfg.Logging)

	settings, err := cfg.Settings()
	if err != nil {
		return nil, err
	}

	st, err := store.NewBoltStore(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}

	a := &App{
		config:   cfg,
		settings: settings,
		store:    st,
		logger:   logger,
	}

	if err := a.setup(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) setup() error {
	cfg := a.config
	logger := a.logger

	if cfg.RateLimit.Enabled {
		rlConfig := cfg.RateLimit.Config
		limiter, err := ratelimit.NewLimiter(a.store.DB(), &rlConfig)
		if err != nil {
			return fmt.Errorf("failed to create rate limiter: %w", err)
		}
		a.rateLimiter = limiter
		logger.Info("rate limiting enabled")
	}

	var locker lease.Locker
	if cfg.Lease.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Lease.Redis.Addr,
			Password: cfg.Lease.Redis.Password,
			DB:       cfg.Lease.Redis.DB,
		})
		locker = lease.NewRedisLocker(a.redis, cfg.Lease.Redis.Prefix, cfg.Lease.TTL)
		logger.Info("redis cycle lease enabled", "addr", cfg.Lease.Redis.Addr)
	} else {
		locker = lease.NewLocalLocker(cfg.Lease.TTL)
	}

	pool := content.DefaultPool()
	if cfg.Content.TemplatesFile != "" {
		var err error
		pool, err = content.LoadPool(cfg.Content.TemplatesFile)
		if err != nil {
			return fmt.Errorf("failed to load templates: %w", err)
		}
	}
	rnd := warmup.NewTimeRandom()
	composer, err := content.NewComposer(pool, rnd)
	if err != nil {
		return fmt.Errorf("failed to compile templates: %w", err)
	}

	a.transport = transport.NewSMTPTransport(transport.Options{
		Hostname:    cfg.Transport.Hostname,
		Timeout:     cfg.Transport.Timeout,
		MaxAttempts: cfg.Transport.MaxAttempts,
		Insecure:    cfg.Transport.Insecure,
		RelayAddr:   cfg.Transport.RelayAddr,
	}, logger)

	if len(cfg.Transport.DKIM) > 0 {
		keyring := dkim.NewKeyring()
		for _, d := range cfg.Transport.DKIM {
			signer, err := dkim.NewSignerFromFile(d.KeyFile, d.Domain, d.Selector)
			if err != nil {
				return fmt.Errorf("failed to load DKIM key for %s: %w", d.Domain, err)
			}
			keyring.Add(signer)
		}
		a.transport.SetSigners(keyring)
		logger.Info("DKIM signing enabled", "domains", keyring.Len())
	}

	deps := warmup.Deps{
		Store:     a.store,
		Transport: a.transport,
		Locker:    locker,
		Composer:  composer,
		Random:    rnd,
		Logger:    logger,
	}
	if a.rateLimiter != nil {
		deps.Throttle = a.rateLimiter
	}
	if cfg.Mailbox.Enabled {
		inspector := mailbox.NewIMAPInspector(mailbox.Options{
			Timeout:     cfg.Mailbox.Timeout,
			Insecure:    cfg.Mailbox.Insecure,
			SpamFolders: cfg.Mailbox.SpamFolders,
			Window:      cfg.Mailbox.Window,
		}, logger)
		deps.Inspector = inspector
		deps.Actor = inspector
		logger.Info("IMAP mailbox inspection enabled")
	}

	a.engine, err = warmup.NewEngine(a.settings, deps)
	if err != nil {
		return err
	}

	a.registry = warmup.NewRegistry(
		a.store,
		a.transport,
		dns.NewResolver(5*time.Minute),
		warmup.SystemClock{},
		a.settings,
		warmup.RegistryOptions{
			CheckMX: cfg.Registry.CheckMX,
			Probe:   cfg.Registry.Probe,
		},
		logger,
	)

	a.campaigns = warmup.NewCampaigns(a.store, warmup.SystemClock{}, logger)

	a.runner = scheduler.NewRunner(a.engine, a.store, scheduler.Config{
		Interval:     cfg.Scheduler.Interval,
		Workers:      cfg.Scheduler.Workers,
		CycleTimeout: cfg.Scheduler.CycleTimeout,
	}, logger)

	a.cleaner = scheduler.NewCleaner(a.store, scheduler.CleanerConfig{
		LogMaxAge: cfg.Retention.LogMaxAge,
		Interval:  cfg.Retention.CleanupInterval,
	}, logger)

	return nil
}

// Store returns the persistence store
func (a *App) Store() *store.BoltStore {
	return a.store
}

// Registry returns the account registry
func (a *App) Registry() *warmup.Registry {
	return a.registry
}

// Engine returns the warmup engine
func (a *App) Engine() *warmup.Engine {
	return a.engine
}

// Campaigns returns the campaign manager
func (a *App) Campaigns() *warmup.Campaigns {
	return a.campaigns
}

// Runner returns the scheduler runner
func (a *App) Runner() *scheduler.Runner {
	return a.runner
}

// Settings returns the effective warmup settings
func (a *App) Settings() warmup.Settings {
	return a.settings
}

// Logger returns the application logger
func (a *App) Logger() *slog.Logger {
	return a.logger
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	cfg := a.config

	a.logger.Info("starting mailwarm",
		"storage", cfg.Storage.Path,
		"scheduler", cfg.Scheduler.Enabled,
		"api", cfg.API.Enabled,
		"metrics", cfg.Metrics.Enabled,
		"sink", cfg.Sink.Enabled,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := a.startServers(); err != nil {
		return err
	}

	errCh := make(chan error, 3)

	if a.metricsServer != nil {
		m := metrics.Global()
		collector, err := metrics.NewCollector(a.store.DB(), m, a.store, cfg.Storage.Path, cfg.Metrics.FlushInterval)
		if err != nil {
			return fmt.Errorf("failed to create metrics collector: %w", err)
		}
		a.collector = collector
		a.collector.Start(ctx)

		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	if a.sinkServer != nil {
		go func() {
			if err := a.sinkServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("sink server: %w", err)
			}
		}()
	}

	if a.apiServer != nil {
		go func() {
			if err := a.apiServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("api server: %w", err)
			}
		}()
	}

	if cfg.Scheduler.Enabled {
		a.runner.Start(ctx, cfg.Scheduler.Tick)
	}
	a.cleaner.Start(ctx)

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

func (a *App) startServers() error {
	cfg := a.config

	if cfg.Metrics.Enabled {
		m := metrics.New()
		metrics.SetGlobal(m)

		checks := map[string]metrics.HealthCheck{
			"store": func(ctx context.Context) error {
				return a.store.DB().View(func(tx *bolt.Tx) error { return nil })
			},
		}
		if a.redis != nil {
			checks["redis"] = func(ctx context.Context) error {
				return a.redis.Ping(ctx).Err()
			}
		}

		a.metricsServer = metrics.NewServer(m, metrics.ServerOptions{
			Addr:       cfg.Metrics.ListenAddr,
			Path:       cfg.Metrics.Path,
			AllowedIPs: cfg.Metrics.AllowedIPs,
			TrustProxy: cfg.Metrics.TrustProxy,
			Checks:     checks,
		}, a.logger)
	}

	if cfg.Sink.Enabled {
		storage, err := a.openSinkStorage()
		if err != nil {
			return err
		}
		a.sinkStorage = storage
		a.sinkServer, err = NewSinkServer(cfg.Sink, storage, a.logger)
		if err != nil {
			return err
		}
		if a.rateLimiter != nil {
			a.sinkServer.Backend().SetRateLimiter(a.rateLimiter)
		}
	}

	if cfg.API.Enabled {
		deps := api.Deps{
			Accounts:  a.registry,
			Records:   a.store,
			Cycles:    a.engine,
			Campaigns: a.campaigns,
			Settings:  a.settings,
		}
		if a.rateLimiter != nil {
			deps.RateLimit = a.rateLimiter
		}
		if a.sinkStorage != nil {
			deps.Sink = a.sinkStorage
		}

		a.apiServer = api.NewServer(api.Options{
			ListenAddr:   cfg.API.ListenAddr,
			APIKey:       cfg.API.APIKey,
			ReadTimeout:  cfg.API.ReadTimeout,
			WriteTimeout: cfg.API.WriteTimeout,
			IdleTimeout:  cfg.API.IdleTimeout,
			CycleTimeout: cfg.Scheduler.CycleTimeout,
			Version:      Version,
		}, deps, a.logger)
	}

	return nil
}

// openSinkStorage shares the main database when the sink is configured to
// store into it
func (a *App) openSinkStorage() (*sink.Storage, error) {
	if a.config.Sink.StorePath == a.config.Storage.Path {
		return sink.NewStorage(a.store.DB())
	}
	return sink.Open(a.config.Sink.StorePath)
}

// NewSinkServer creates a sink server from configuration
func NewSinkServer(cfg config.SinkConfig, rec sink.Recorder, logger *slog.Logger) (*sink.Server, error) {
	opts := sink.Options{
		Addr:   cfg.ListenAddr,
		Domain: cfg.Domain,
		Auth: &sink.AuthConfig{
			Required: cfg.Auth.Required,
			Users:    cfg.Auth.Users,
		},
	}

	if cfg.TLS.CertFile != "" {
		tlsConfig, err := sink.LoadTLSConfig(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return nil, err
		}
		opts.TLSConfig = tlsConfig

		if info, err := sink.ReadCertificateInfo(cfg.TLS.CertFile, time.Now()); err == nil {
			logger.Info("sink STARTTLS enabled",
				"subject", info.Subject,
				"expires", info.NotAfter.Format(time.RFC3339),
				"days_left", info.DaysLeft,
			)
		}
	}

	return sink.NewServer(opts, rec, logger), nil
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// stop dispatching before closing servers so running cycles can finish
	if a.config.Scheduler.Enabled {
		a.runner.Stop()
	}
	a.cleaner.Stop()

	if a.apiServer != nil {
		if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("api server shutdown error", "error", err)
		}
	}

	if a.sinkServer != nil {
		if err := a.sinkServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("sink server shutdown error", "error", err)
		}
	}

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

	err := a.Close()
	a.logger.Info("shutdown complete")
	return err
}

// Close releases storage and connections
func (a *App) Close() error {
	var errs []error

	if a.rateLimiter != nil {
		if err := a.rateLimiter.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("rate limiter: %w", err))
		}
	}

	if a.sinkStorage != nil {
		if err := a.sinkStorage.Close(); err != nil {
			errs = append(errs, fmt.Errorf("sink storage: %w", err))
		}
	}

	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}

	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("storage: %w", err))
	}

	return errors.Join(errs...)
}

// NewLogger creates a logger based on configuration
func NewLogger(cfg config.LoggingConfig) *slog.Logger {
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

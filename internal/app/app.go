package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/mailhop/mailhop/internal/api"
	"github.com/mailhop/mailhop/internal/config"
	"github.com/mailhop/mailhop/internal/dispatch"
	"github.com/mailhop/mailhop/internal/message"
	"github.com/mailhop/mailhop/internal/metrics"
	"github.com/mailhop/mailhop/internal/provider"
	"github.com/mailhop/mailhop/internal/queue"
	"github.com/mailhop/mailhop/internal/ratelimit"
	"github.com/mailhop/mailhop/internal/store"
	"github.com/mailhop/mailhop/internal/template"
	"github.com/mailhop/mailhop/internal/webhook"
	"github.com/mailhop/mailhop/internal/worker"
)

// App is the main application
type App struct {
	config        *config.Config
	db            *store.DB
	stateDB       *bolt.DB
	queue         *queue.BoltQueue
	rateLimiter   *ratelimit.Limiter
	worker        *worker.Worker
	apiServer     *api.Server
	metricsServer *metrics.Server
	collector     *metrics.Collector
	logger        *slog.Logger
}

// New creates a new application
func New(cfg *config.Config) (*App, error) {
	logger := setupLogger(cfg.Logging)

	db, err := store.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	q, err := queue.NewBoltQueue(cfg.Storage.QueuePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue: %w", err)
	}

	// Rate counters and sandbox captures share one auxiliary BoltDB.
	stateDB, err := bolt.Open(cfg.Storage.StatePath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	var rateLimiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		rlConfig := &ratelimit.Config{FlushInterval: cfg.RateLimit.FlushInterval}
		if cfg.RateLimit.Global != nil {
			rlConfig.Global = &ratelimit.Window{
				PerHour: cfg.RateLimit.Global.PerHour,
				PerDay:  cfg.RateLimit.Global.PerDay,
			}
		}
		if cfg.RateLimit.PerSender != nil {
			rlConfig.PerSender = &ratelimit.Window{
				PerHour: cfg.RateLimit.PerSender.PerHour,
				PerDay:  cfg.RateLimit.PerSender.PerDay,
			}
		}
		if cfg.RateLimit.PerRecipient != nil {
			rlConfig.PerRecipient = &ratelimit.Window{
				PerHour: cfg.RateLimit.PerRecipient.PerHour,
				PerDay:  cfg.RateLimit.PerRecipient.PerDay,
			}
		}

		rateLimiter, err = ratelimit.NewLimiter(stateDB, rlConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create rate limiter: %w", err)
		}
		logger.Info("rate limiting enabled")
	}

	templates := template.NewStore(db.DB)
	messages := message.NewStore(db.DB)
	suppressions := dispatch.NewSuppressionStore(db.DB)

	renderer := template.NewRenderer(template.RendererConfig{
		ProductName: cfg.Render.ProductName,
		AccentColor: cfg.Render.AccentColor,
		FontFamily:  cfg.Render.FontFamily,
		Width:       cfg.Render.Width,
	}, logger.With("component", "renderer"))
	engine := template.NewEngine(templates, renderer, logger.With("component", "engine"))

	prov, sandboxProv, err := buildProvider(cfg, stateDB, logger)
	if err != nil {
		return nil, err
	}

	dispatcher := dispatch.NewDispatcher(messages, templates, suppressions, q, rateLimiter,
		logger.With("component", "dispatch"))

	notifier := webhook.NewNotifier(cfg.Notifier.Timeout, logger.With("component", "notifier"))
	reconciler := webhook.NewReconciler(messages, notifier, logger.With("component", "webhook"))

	wrk := worker.New(worker.Config{
		Concurrency:   cfg.Worker.Concurrency,
		PollInterval:  cfg.Worker.PollInterval,
		SendTimeout:   cfg.Worker.SendTimeout,
		DefaultSender: cfg.Worker.DefaultSender,
		Retry: worker.RetryPolicy{
			MaxAttempts: cfg.Worker.Retry.MaxAttempts,
			BaseDelay:   cfg.Worker.Retry.BaseDelay,
			Multiplier:  cfg.Worker.Retry.Multiplier,
			MaxDelay:    cfg.Worker.Retry.MaxDelay,
		},
	}, q, messages, engine, prov, notifier, logger.With("component", "worker"))

	apiServer := api.NewServer(api.Deps{
		Dispatcher:   dispatcher,
		Messages:     messages,
		Queue:        q,
		Reconciler:   reconciler,
		Suppressions: suppressions,
		Templates:    api.NewTemplateServer(templates, engine, logger.With("component", "api")),
		Provider:     prov,
		Sandbox:      sandboxProv,
	}, &cfg.API, logger.With("component", "api"))

	app := &App{
		config:      cfg,
		db:          db,
		stateDB:     stateDB,
		queue:       q,
		rateLimiter: rateLimiter,
		worker:      wrk,
		apiServer:   apiServer,
		logger:      logger,
	}

	if cfg.Metrics.Enabled {
		m := metrics.New()
		metrics.SetGlobal(m)
		app.collector = metrics.NewCollector(m, q, messages, cfg.Storage.DatabasePath, cfg.Metrics.CollectInterval)
		app.metricsServer = metrics.NewServer(m, metrics.ServerConfig{
			Addr:       cfg.Metrics.ListenAddr,
			Path:       cfg.Metrics.Path,
			AllowedIPs: cfg.Metrics.AllowedIPs,
		}, logger.With("component", "metrics"))
	}

	return app, nil
}

// buildProvider creates the configured delivery provider. For the sandbox
// type the second return value carries the provider a second time so the
// API can mount its inspection routes.
func buildProvider(cfg *config.Config, stateDB *bolt.DB, logger *slog.Logger) (provider.Provider, *provider.SandboxProvider, error) {
	switch cfg.Provider.Type {
	case "smtp":
		var signer *provider.Signer
		if cfg.Provider.DKIM.Enabled {
			var err error
			signer, err = provider.NewSignerFromFile(
				cfg.Provider.DKIM.KeyFile,
				cfg.Provider.DKIM.Domain,
				cfg.Provider.DKIM.Selector,
			)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to load DKIM key: %w", err)
			}
			logger.Info("DKIM signing enabled",
				"domain", cfg.Provider.DKIM.Domain,
				"selector", cfg.Provider.DKIM.Selector,
			)
		}

		smtpProv := provider.NewSMTPProvider(provider.SMTPConfig{
			Host:          cfg.Provider.SMTP.Host,
			Port:          cfg.Provider.SMTP.Port,
			Username:      cfg.Provider.SMTP.Username,
			Password:      cfg.Provider.SMTP.Password,
			TLS:           cfg.Provider.SMTP.TLS,
			Hostname:      cfg.Provider.SMTP.Hostname,
			Timeout:       cfg.Provider.SMTP.Timeout,
			SkipTLSVerify: cfg.Provider.SMTP.SkipTLSVerify,
		}, signer, logger.With("component", "smtp"))
		return smtpProv, nil, nil

	case "sandbox":
		sandboxProv, err := provider.NewSandboxProvider(stateDB, logger.With("component", "sandbox"))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create sandbox provider: %w", err)
		}
		if cfg.Provider.Sandbox.SimulateErrors {
			sandboxProv.SetErrorSimulation(true, cfg.Provider.Sandbox.ErrorProbability)
			logger.Info("sandbox error simulation enabled",
				"probability", cfg.Provider.Sandbox.ErrorProbability)
		}
		return sandboxProv, sandboxProv, nil

	default:
		return nil, nil, fmt.Errorf("unknown provider type %q", cfg.Provider.Type)
	}
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting mailhop",
		"api_addr", a.config.API.ListenAddr,
		"provider", a.config.Provider.Type,
		"workers", a.config.Worker.Concurrency,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Leased jobs from a previous run go back to ready before workers start.
	if restored, err := a.queue.Requeue(ctx); err != nil {
		a.logger.Warn("failed to requeue leased jobs", "error", err)
	} else if restored > 0 {
		a.logger.Info("requeued leased jobs from previous run", "count", restored)
	}

	a.worker.Start()

	if a.collector != nil {
		a.collector.Start(ctx)
	}

	errCh := make(chan error, 2)

	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop the worker first so no delivery is in flight when stores close.
	a.worker.Stop()

	if a.collector != nil {
		a.collector.Stop()
	}

	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	// Stop rate limiter (persists counters)
	if a.rateLimiter != nil {
		if err := a.rateLimiter.Stop(); err != nil {
			a.logger.Error("rate limiter stop error", "error", err)
		}
	}

	if err := a.queue.Close(); err != nil {
		a.logger.Error("queue close error", "error", err)
	}
	if err := a.stateDB.Close(); err != nil {
		a.logger.Error("state database close error", "error", err)
	}
	if err := a.db.Close(); err != nil {
		a.logger.Error("database close error", "error", err)
	}

	a.logger.Info("shutdown complete")
	return nil
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
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

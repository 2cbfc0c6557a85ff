package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rail-service/payout_service/internal/api/routes"
	"github.com/rail-service/payout_service/internal/infrastructure/config"
	"github.com/rail-service/payout_service/internal/infrastructure/database"
	"github.com/rail-service/payout_service/internal/infrastructure/di"
	"github.com/rail-service/payout_service/pkg/logger"
	"github.com/rail-service/payout_service/pkg/metrics"
	"github.com/rail-service/payout_service/pkg/tracing"
)

const workerShutdownTimeout = 30 * time.Second

// Application represents the main application
type Application struct {
	cfg       *config.Config
	log       *logger.Logger
	server    *http.Server
	container *di.Container

	workersStarted bool

	// Tracing
	tracingShutdown func(context.Context) error

	stopMetrics context.CancelFunc
}

// NewApplication creates a new application instance
func NewApplication() *Application {
	return &Application{}
}

// Initialize initializes the application
func (app *Application) Initialize() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	app.cfg = cfg

	log := logger.New(cfg.LogLevel, cfg.Environment)
	app.log = log

	db, err := database.NewConnection(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := database.RunMigrations(cfg.Database.URL); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	redisClient, err := database.NewRedisClient(context.Background(), cfg.Redis)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	if err := app.initializeTracing(); err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	container, err := di.NewContainer(cfg, db, redisClient, log)
	if err != nil {
		return fmt.Errorf("failed to create DI container: %w", err)
	}
	app.container = container

	if err := app.initializeServer(); err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}

	return nil
}

// initializeTracing initializes OpenTelemetry tracing
func (app *Application) initializeTracing() error {
	tracingConfig := tracing.Config{
		Enabled:      app.cfg.Tracing.Enabled,
		CollectorURL: app.cfg.Tracing.CollectorURL,
		ServiceName:  "payout-service",
		Environment:  app.cfg.Environment,
		SampleRate:   app.cfg.Tracing.SampleRate,
	}

	tracingShutdown, err := tracing.InitTracer(context.Background(), tracingConfig, app.log.Zap())
	if err != nil {
		return err
	}

	app.tracingShutdown = tracingShutdown
	if tracingConfig.Enabled {
		app.log.Info("OpenTelemetry tracing initialized", "collector_url", tracingConfig.CollectorURL)
	}
	return nil
}

// initializeServer initializes the HTTP server
func (app *Application) initializeServer() error {
	if app.cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router, err := routes.SetupRoutes(app.container)
	if err != nil {
		return err
	}

	app.server = &http.Server{
		Addr:           fmt.Sprintf(":%d", app.cfg.Server.Port),
		Handler:        router,
		ReadTimeout:    time.Duration(app.cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:   time.Duration(app.cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return nil
}

// startWorkers schedules the retry processor and, when enabled, the status poller
func (app *Application) startWorkers(ctx context.Context) error {
	if err := app.container.RetryProcessor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start retry processor: %w", err)
	}
	app.log.Info("Payout retry processor started", "schedule", app.cfg.Retry.Schedule)

	if app.cfg.Poller.Enabled {
		if err := app.container.StatusPoller.Start(ctx); err != nil {
			return fmt.Errorf("failed to start status poller: %w", err)
		}
		app.log.Info("Status poller started", "schedule", app.cfg.Poller.Schedule)
	}
	app.workersStarted = true
	return nil
}

// Start starts the application
func (app *Application) Start() error {
	if err := app.startWorkers(context.Background()); err != nil {
		return err
	}

	go func() {
		app.log.Info("Starting server",
			"port", app.cfg.Server.Port,
			"environment", app.cfg.Environment,
			"providers", app.container.Registry.Providers(),
		)

		if err := app.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.log.Fatal("Failed to start server", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	app.stopMetrics = cancel
	go app.startMetricsCollection(ctx)

	return nil
}

// startMetricsCollection samples connection pool metrics
func (app *Application) startMetricsCollection(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := app.container.DB.Stats()
			metrics.DatabaseConnectionsGauge.WithLabelValues("open").Set(float64(stats.OpenConnections))
			metrics.DatabaseConnectionsGauge.WithLabelValues("idle").Set(float64(stats.Idle))
			metrics.DatabaseConnectionsGauge.WithLabelValues("in_use").Set(float64(stats.InUse))
		}
	}
}

// Shutdown drains HTTP traffic first so no new payouts arrive, then stops
// the workers and closes connections.
func (app *Application) Shutdown() error {
	app.log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if err := app.server.Shutdown(ctx); err != nil {
		app.log.Error("Server forced to shutdown", "error", err)
		shutdownErr = err
	}

	app.stopWorkers()

	if err := app.container.PayoutEngine.Drain(ctx); err != nil {
		app.log.Warn("Payout effects did not finish", "error", err)
	}

	if app.stopMetrics != nil {
		app.stopMetrics()
	}

	if app.tracingShutdown != nil {
		if err := app.tracingShutdown(ctx); err != nil {
			app.log.Warn("Error shutting down tracing", "error", err)
		}
	}

	if err := app.container.Redis.Close(); err != nil {
		app.log.Warn("Error closing redis", "error", err)
	}
	if err := app.container.DB.Close(); err != nil {
		app.log.Warn("Error closing database", "error", err)
	}

	app.log.Info("Server exited gracefully")
	_ = app.log.Sync()
	return shutdownErr
}

// stopWorkers stops all background workers
func (app *Application) stopWorkers() {
	if !app.workersStarted {
		return
	}

	app.log.Info("Stopping payout retry processor...")
	if err := app.container.RetryProcessor.Shutdown(workerShutdownTimeout); err != nil {
		app.log.Warn("Error stopping retry processor", "error", err)
	}

	if app.cfg.Poller.Enabled {
		app.log.Info("Stopping status poller...")
		if err := app.container.StatusPoller.Shutdown(workerShutdownTimeout); err != nil {
			app.log.Warn("Error stopping status poller", "error", err)
		}
	}
}

// WaitForShutdown waits for interrupt signal
func (app *Application) WaitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
}

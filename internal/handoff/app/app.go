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

	httpapi "github.com/aussiebroadwan/handoff/internal/handoff/http"
	"github.com/aussiebroadwan/handoff/internal/handoff/service"
	"github.com/aussiebroadwan/handoff/internal/handoff/store"
	"github.com/aussiebroadwan/handoff/internal/handoff/store/drivers/sqlite"
	"github.com/aussiebroadwan/handoff/pkg/ratex"
	"github.com/aussiebroadwan/handoff/pkg/slogx"
	"github.com/aussiebroadwan/handoff/pkg/tokenx"
	"github.com/redis/go-redis/v9"
)

const (
	// BuildVersion should be set at build time via ldflags. Later problem
	BuildVersion = "v0.1.0"
)

// Application encapsulates the handoff service with all its dependencies
type Application struct {
	cfg    Config
	logger *slog.Logger

	// Core dependencies
	db      store.Store
	codec   *tokenx.Codec
	limiter ratex.Limiter
	redis   *redis.Client // nil when rate limiting is in-process

	// Services
	sessionService      *service.SessionService
	housekeepingService *service.HousekeepingService

	// HTTP server
	server *http.Server
	router *httpapi.Router
}

// New creates a new Application instance with all dependencies initialized
func New(cfg Config) (*Application, error) {
	app := &Application{
		cfg: cfg,
		logger: slogx.New(slogx.Config{
			Service: "handoff-service",
			Version: BuildVersion,
			Env:     cfg.Env,
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
		}),
	}

	var hashKey []byte
	if cfg.HashKey != "" {
		hashKey = []byte(cfg.HashKey)
	}
	codec, err := tokenx.NewCodec([]byte(cfg.SigningKey), hashKey)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize token codec (set HANDOFF_SIGNING_KEY): %w", err)
	}
	app.codec = codec

	if err := app.initDatabase(); err != nil {
		return nil, err
	}

	app.initLimiter()
	app.initServices()
	app.initHTTP()

	return app, nil
}

// Run starts the application and blocks until shutdown is requested
func (app *Application) Run() error {
	// Start housekeeping service
	app.housekeepingService.Start()

	app.logger.Info("handoff service starting", "port", app.cfg.Port, "version", BuildVersion)

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- app.server.ListenAndServe()
	}()

	// Setup signal handling for graceful shutdown
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a shutdown signal or server error
	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server failed: %w", err)
		}
	case sig := <-shutdown:
		app.logger.Info("shutdown signal received", "signal", sig)

		if err := app.Shutdown(); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
	}

	return nil
}

// Shutdown gracefully shuts down the application
func (app *Application) Shutdown() error {
	app.logger.Info("shutting down handoff service...")

	// Give outstanding requests a deadline for completion
	ctx, cancel := context.WithTimeout(context.Background(), app.cfg.ShutdownGracePeriod)
	defer cancel()

	// Shutdown the HTTP server
	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("graceful server shutdown failed", "error", err)
		if err := app.server.Close(); err != nil {
			app.logger.Error("error closing server", "error", err)
		}
	}

	// Stop the housekeeping service
	app.housekeepingService.Stop()

	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			app.logger.Error("error closing redis client", "error", err)
		}
	}

	// Close database connection
	if err := app.db.Close(); err != nil {
		app.logger.Error("error closing database", "error", err)
		return err
	}

	app.logger.Info("handoff service stopped")
	return nil
}

// initDatabase initializes the database and applies migrations
func (app *Application) initDatabase() error {
	host := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", app.cfg.DatabaseFile)
	db, err := sqlite.NewStore(host)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	app.db = db

	if err := db.ApplyMigrations(); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to apply database migrations: %w", err)
	}

	app.logger.Info("database migrations applied successfully")
	return nil
}

// initLimiter picks the rate limiter backend. With a redis address
// configured, budgets are shared across instances; otherwise they are
// in-process only.
func (app *Application) initLimiter() {
	if app.cfg.RedisAddr == "" {
		app.limiter = ratex.NewLocal()
		app.logger.Info("rate limiting in-process")
		return
	}

	app.redis = redis.NewClient(&redis.Options{
		Addr:     app.cfg.RedisAddr,
		Password: app.cfg.RedisPassword,
	})
	app.limiter = ratex.NewRedis(app.redis, "handoff:rl")
	app.logger.Info("rate limiting via redis", "addr", app.cfg.RedisAddr)
}

// initServices initializes all business logic services
func (app *Application) initServices() {
	app.sessionService = &service.SessionService{
		Codec:     app.codec,
		Store:     app.db,
		Limiter:   app.limiter,
		CreateTTL: app.cfg.SessionTTL,
		PickupTTL: app.cfg.PickupTTL,
		CreatePolicy: ratex.Policy{
			MaxHits: app.cfg.CreateRateMax,
			Window:  app.cfg.CreateRateWindow,
		},
		ExchangePolicy: ratex.Policy{
			MaxHits: app.cfg.ExchangeRateMax,
			Window:  app.cfg.ExchangeRateWindow,
		},
	}

	app.housekeepingService = service.NewHousekeepingService(
		app.db,
		app.logger,
		app.cfg.HousekeepingInterval,
		app.cfg.HousekeepingRetention,
	)
}

// initHTTP initializes the HTTP router and server
func (app *Application) initHTTP() {
	router := httpapi.NewRouter(
		BuildVersion,
		app.db,
		app.limiter,
		app.logger,
	)

	router.SessionService = app.sessionService
	router.ApplyRoutes()

	app.router = router

	// Initialize HTTP server
	app.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", app.cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 3 * time.Second,
	}
}

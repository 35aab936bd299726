/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the pay-records server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags and load configuration
  2. Build the zap logger
  3. Open the store backend (sqlite, mongo or memory)
  4. Pick the worker locker (redis when configured, in-process otherwise)
  5. Create services, handler and router
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  YAML config file (default: subsidia.yaml, optional)
  -port    HTTP server port, overrides the config
  -driver  Store driver, overrides the config

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close stores and the redis client
  4. Exit

EXAMPLES:
  # One SQLite file per organization under ./data
  ./server

  # Throwaway in-memory stores
  ./server -driver=memory

  # Several instances sharing mongo and redis
  SUBSIDIA_STORE_DRIVER=mongo SUBSIDIA_MONGO_URI=mongodb://db:27017/?replicaSet=rs0 \
  SUBSIDIA_REDIS_ADDR=redis:6379 ./server

SEE ALSO:
  - config/config.go: Settings and environment variables
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/subsidia/records-engine/api"
	"github.com/subsidia/records-engine/config"
	"github.com/subsidia/records-engine/generic"
	memstore "github.com/subsidia/records-engine/generic/store"
	"github.com/subsidia/records-engine/harvest"
	"github.com/subsidia/records-engine/payroll"
	"github.com/subsidia/records-engine/store/mongo"
	"github.com/subsidia/records-engine/store/redislock"
	"github.com/subsidia/records-engine/store/sqlite"
)

// backend is what every store driver provides.
type backend interface {
	generic.StoreProvider
	harvest.Provider
	Close() error
}

func main() {
	// Flags
	configPath := flag.String("config", "subsidia.yaml", "YAML config file")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	driver := flag.String("driver", "", "Store driver: sqlite, mongo or memory (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.HTTP.Port = *port
	}
	if *driver != "" {
		cfg.Store.Driver = *driver
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := cfg.Log.NewLogger()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	startCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Initialize store
	stores, err := openBackend(startCtx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	defer func() {
		if err := stores.Close(); err != nil {
			logger.Warn("closing store", zap.Error(err))
		}
	}()

	// Worker locks
	locker, closeLocker, err := openLocker(startCtx, cfg.Lock, logger)
	if err != nil {
		return fmt.Errorf("open locker: %w", err)
	}
	defer closeLocker()

	// Initialize handler
	handler := api.NewHandler(
		generic.NewDisbursementService(stores, locker, logger.Named("disbursements")),
		payroll.NewService(stores, locker, logger.Named("payroll")),
		harvest.NewService(stores, logger.Named("harvests")),
		logger,
	)

	// Create router
	router := api.NewRouter(handler, api.RouterOptions{
		CORSOrigins:    cfg.HTTP.CORSOrigins,
		RequestTimeout: cfg.HTTP.RequestTimeout,
		Logger:         logger.Named("http"),
	})

	// Create server
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.HTTP.RequestTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in goroutine
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.Int("port", cfg.HTTP.Port),
			zap.String("store", cfg.Store.Driver),
			zap.Bool("redis_locks", cfg.Lock.RedisAddr != ""))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	logger.Info("shutting down server")

	ctx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func openBackend(ctx context.Context, cfg config.StoreConfig) (backend, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		return sqlite.NewRegistry(cfg.SQLiteDir)
	case config.DriverMongo:
		return mongo.Connect(ctx, mongo.Config{URI: cfg.MongoURI, DBPrefix: cfg.MongoDBPrefix})
	case config.DriverMemory:
		return memstore.NewProvider(), nil
	default:
		return nil, fmt.Errorf("unknown driver %q", cfg.Driver)
	}
}

// openLocker returns the redis locker when an address is configured and the
// in-process one otherwise.
func openLocker(ctx context.Context, cfg config.LockConfig, logger *zap.Logger) (generic.Locker, func(), error) {
	if cfg.RedisAddr == "" {
		logger.Warn("no redis address configured, worker locks are process-local")
		return generic.DefaultLocker, func() {}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
	}

	opts := redislock.DefaultOptions()
	opts.Expiry = cfg.Expiry
	locker := redislock.New(client, opts, logger.Named("locks"))
	return locker, func() {
		if err := client.Close(); err != nil {
			logger.Warn("closing redis client", zap.Error(err))
		}
	}, nil
}

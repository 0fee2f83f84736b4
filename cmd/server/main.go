/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the till engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (defaults, YAML file, TILL_* environment, flags)
  2. Initialize tracing and metrics
  3. Open the configured store (sqlite, postgres or memory)
  4. Create till service, API handler and router
  5. Start the stale till monitor
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  YAML config file (default: $TILL_CONFIG)
  -port    HTTP server port, overrides config
  -db      SQLite database path, overrides config and selects sqlite
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the monitor, flush traces, close the store
  4. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/till.db"

  # Run against Postgres
  TILL_STORE_DRIVER=postgres TILL_STORE_POSTGRES_DSN=postgres://... ./server

  # Run with a config file
  ./server -config=till.yaml

SEE ALSO:
  - config/config.go: Configuration layering
  - api/server.go: Router configuration
  - store/sqlite, store/postgres: Database implementations
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/till-engine/api"
	"github.com/warp/till-engine/config"
	"github.com/warp/till-engine/observability/metrics"
	"github.com/warp/till-engine/observability/tracing"
	"github.com/warp/till-engine/store/postgres"
	"github.com/warp/till-engine/store/sqlite"
	"github.com/warp/till-engine/till"
	"github.com/warp/till-engine/till/store"
)

// storeHandle is the opened store plus its lifecycle hooks.
type storeHandle struct {
	store till.TxStore
	ping  func(context.Context) error
	close io.Closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func openStore(ctx context.Context, cfg config.StoreConfig) (storeHandle, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return storeHandle{}, err
		}
		return storeHandle{store: s, ping: s.Ping, close: s}, nil
	case config.DriverPostgres:
		s, err := postgres.New(ctx, postgres.Config{DSN: cfg.PostgresDSN, Schema: cfg.PostgresSchema})
		if err != nil {
			return storeHandle{}, err
		}
		return storeHandle{store: s, ping: s.Ping, close: s}, nil
	case config.DriverMemory:
		return storeHandle{store: store.NewTxMemory(), close: nopCloser{}}, nil
	default:
		return storeHandle{}, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func main() {
	// Flags
	configPath := flag.String("config", "", "YAML config file (default: $TILL_CONFIG)")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *dbPath != "" {
		cfg.Store.Driver = config.DriverSQLite
		cfg.Store.SQLitePath = *dbPath
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	if cfg.DevAuth() {
		log.Println("Warning: no JWT secret configured, trusting X-Tenant-ID/X-User-ID headers")
	}

	ctx := context.Background()

	// Observability
	shutdownTracing, err := tracing.Setup(ctx, cfg.OTel.Endpoint, cfg.OTel.ServiceName)
	if err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}
	metrics.Init()

	// Initialize store
	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		log.Fatalf("Failed to initialize %s store: %v", cfg.Store.Driver, err)
	}
	defer st.close.Close()

	// Initialize service and handler
	svc := till.NewService(st.store)
	handler := api.NewHandler(svc)
	handler.Ping = st.ping

	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.CORS.Origins,
		JWTSecret:      cfg.Auth.JWTSecret,
	})

	monitor := api.NewStaleTillMonitor(svc, cfg.Monitor.StaleAfter)
	monitor.CheckInterval = cfg.Monitor.Interval
	monitor.Start()

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server starting on http://localhost:%d (store: %s)", cfg.Port, cfg.Store.Driver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}
	monitor.Stop()
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Printf("Failed to flush traces: %v", err)
	}

	log.Println("Server stopped")
}

/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the points ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load config from .env / environment
  2. Parse command-line flags (override config)
  3. Initialize logging
  4. Open the store (sqlite, bolt or memory), wrapped with retries
  5. Create API handler and router
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (default: $PORT or 8080)
  -db      Database path (default: $DB_PATH or points.db)
           Use ":memory:" with sqlite for an in-memory database
  -driver  Store driver: sqlite, bolt, memory (default: $DB_DRIVER or sqlite)

ENVIRONMENT:
  PORT, ENV, LOG_LEVEL, DB_DRIVER, DB_PATH, ALLOWED_ORIGINS,
  STORE_RETRY_ATTEMPTS, STORE_RETRY_BACKOFF

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database connection
  4. Exit

EXAMPLES:
  ./server -driver=bolt -db=./data/points.bolt
  ./server -driver=memory
  ./server -port=3000

The server starts empty. Load data with cmd/seed or POST /api/scenarios/load.
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

	"github.com/rs/zerolog/log"

	"github.com/warp/points-ledger/api"
	"github.com/warp/points-ledger/config"
	"github.com/warp/points-ledger/logging"
	"github.com/warp/points-ledger/store"
	"github.com/warp/points-ledger/store/retry"
)

func main() {
	cfg := config.Load()

	// Flags
	port := flag.Int("port", cfg.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.DBPath, "Database path")
	driver := flag.String("driver", cfg.Driver, "Store driver: sqlite, bolt, memory")
	flag.Parse()

	logging.Init(logging.Config{Level: cfg.LogLevel, Environment: cfg.Env})

	// Initialize store
	backend, err := store.Open(*driver, *dbPath, retry.Policy{
		Attempts: cfg.RetryAttempts,
		Backoff:  cfg.RetryBackoff,
		MaxDelay: time.Second,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer backend.Close()

	handler := api.NewHandler(backend)
	router := api.NewRouter(handler, cfg.AllowedOrigins)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().
			Int("port", *port).
			Str("driver", *driver).
			Str("db", *dbPath).
			Str("env", cfg.Env).
			Msg("Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}

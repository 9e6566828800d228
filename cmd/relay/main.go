package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/joaoipiraja/chat-mom-offline/internal/api"
	"github.com/joaoipiraja/chat-mom-offline/internal/config"
	"github.com/joaoipiraja/chat-mom-offline/internal/gateway"
	"github.com/joaoipiraja/chat-mom-offline/internal/handlers"
	"github.com/joaoipiraja/chat-mom-offline/internal/logging"
	"github.com/joaoipiraja/chat-mom-offline/internal/relay"
	"github.com/joaoipiraja/chat-mom-offline/internal/store"
)

func main() {
	flags := pflag.NewFlagSet("relay", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "", "path to a YAML config file")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Env, cfg.Log.Level).With().Str("service", "relay").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gw := gateway.New(dialer(cfg.Queue), gateway.Config{
		ConnectTimeout: cfg.Queue.ConnectTimeout,
		CreateTimeout:  cfg.Queue.CreateTimeout,
		EnqueueTimeout: cfg.Queue.EnqueueTimeout,
		FetchTimeout:   cfg.Queue.FetchTimeout,
		BackoffInitial: cfg.Queue.BackoffInitial,
		BackoffMax:     cfg.Queue.BackoffMax,
		HealthInterval: cfg.Queue.HealthInterval,
	}, logger)
	defer gw.Close()
	go gw.Run(ctx)

	srv := relay.NewServer(gw, relay.Config{
		ReadTimeout:  cfg.Relay.ReadTimeout,
		WriteTimeout: cfg.Relay.WriteTimeout,
		FetchLimit:   cfg.Relay.FetchLimit,
	}, logger)

	h := handlers.NewHandler("relay", map[string]handlers.Pinger{"queue_backend": gw}, nil, gw)
	admin := &http.Server{
		Addr:         cfg.Relay.AdminAddr,
		Handler:      api.NewRouter(logger, h),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 2)
	go func() {
		logger.Info().
			Str("addr", cfg.Relay.Addr).
			Str("backend", cfg.Queue.Backend).
			Str("env", cfg.Env).
			Msg("starting offline relay")
		if err := srv.ListenAndServe(cfg.Relay.Addr); err != nil {
			errc <- fmt.Errorf("relay listener: %w", err)
		}
	}()
	go func() {
		logger.Info().Str("addr", cfg.Relay.AdminAddr).Msg("starting admin http")
		if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("admin http: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down relay...")
	case err := <-errc:
		logger.Error().Err(err).Msg("server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("relay connections did not drain")
	}
	if err := admin.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("admin http forced to shutdown")
	}

	logger.Info().Msg("relay stopped")
}

// dialer opens the configured queue backend. The in-memory backend is
// created once and survives gateway reconnects.
func dialer(cfg config.QueueConfig) gateway.Dialer {
	opts := store.Options{MaxDepth: cfg.MaxDepth}

	switch cfg.Backend {
	case config.BackendPostgres:
		return func(ctx context.Context) (store.QueueStore, error) {
			return store.NewPostgresStore(ctx, cfg.URL, opts)
		}
	case config.BackendSQLite:
		return func(ctx context.Context) (store.QueueStore, error) {
			return store.NewSQLiteStore(ctx, cfg.SQLitePath, opts)
		}
	case config.BackendMemory:
		mem := store.NewMemoryStore(opts)
		return func(ctx context.Context) (store.QueueStore, error) {
			return keepOpen{mem}, nil
		}
	default:
		return func(ctx context.Context) (store.QueueStore, error) {
			return store.NewRedisStore(ctx, cfg.URL, opts)
		}
	}
}

// keepOpen ignores Close so a dropped gateway connection does not discard
// in-memory queues.
type keepOpen struct {
	*store.MemoryStore
}

func (keepOpen) Close() error { return nil }

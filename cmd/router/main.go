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
	"github.com/joaoipiraja/chat-mom-offline/internal/handlers"
	"github.com/joaoipiraja/chat-mom-offline/internal/logging"
	"github.com/joaoipiraja/chat-mom-offline/internal/presence"
	"github.com/joaoipiraja/chat-mom-offline/internal/relay"
	"github.com/joaoipiraja/chat-mom-offline/internal/router"
)

func main() {
	flags := pflag.NewFlagSet("router", pflag.ContinueOnError)
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

	logger := logging.New(cfg.Env, cfg.Log.Level).With().Str("service", "router").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	relayClient := relay.NewClient(cfg.Router.RelayAddr, relay.ClientConfig{
		PoolSize: cfg.Router.RelayPoolSize,
		// Stay below the relay's read timeout.
		IdleTimeout: cfg.Relay.ReadTimeout * 2 / 3,
	}, logger)
	defer relayClient.Close()

	registry := presence.NewRegistry()
	srv := router.NewServer(registry, relayClient, router.Config{
		IdleTimeout:     cfg.Router.IdleTimeout,
		WriteTimeout:    cfg.Router.WriteTimeout,
		CatchUpWorkers:  cfg.Router.CatchUpWorkers,
		CatchUpQueue:    cfg.Router.CatchUpQueue,
		FetchLimit:      cfg.Router.FetchLimit,
		RegisterTimeout: cfg.Router.RegisterTimeout,
		SendTimeout:     cfg.Router.SendTimeout,
		FetchTimeout:    cfg.Router.FetchTimeout,
	}, logger)

	h := handlers.NewHandler("router", map[string]handlers.Pinger{"relay": relayClient}, registry, nil)
	admin := &http.Server{
		Addr:         cfg.Router.AdminAddr,
		Handler:      api.NewRouter(logger, h),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 2)
	go func() {
		logger.Info().
			Str("addr", cfg.Router.Addr).
			Str("relay", cfg.Router.RelayAddr).
			Str("env", cfg.Env).
			Msg("starting presence router")
		if err := srv.ListenAndServe(cfg.Router.Addr); err != nil {
			errc <- fmt.Errorf("router listener: %w", err)
		}
	}()
	go func() {
		logger.Info().Str("addr", cfg.Router.AdminAddr).Msg("starting admin http")
		if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("admin http: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down router...")
	case err := <-errc:
		logger.Error().Err(err).Msg("server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("sessions did not drain")
	}
	if err := admin.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("admin http forced to shutdown")
	}

	logger.Info().Msg("router stopped")
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	api "capdispatch/internal/api/http"
	"capdispatch/internal/config"
	"capdispatch/internal/engine"
	"capdispatch/internal/tracing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dispatch engine and its HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	tracerShutdown, err := tracing.InitTracer("capdispatch")
	if err != nil {
		return fmt.Errorf("initialize tracer: %w", err)
	}
	defer func() {
		if err := tracerShutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", "error", err)
		}
	}()

	cfg, v, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupGracefulShutdown(logger, cancel)

	eng, err := engine.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	if err := eng.Start(rootCtx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer eng.Stop(context.Background())

	config.Watch(v, logger, func(updated *config.Config) {
		eng.ApplyConfig(updated)
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	api.NewHandler(eng, logger).RegisterRoutes(mux)

	server := &http.Server{
		Addr:    cfg.HTTPListenAddr,
		Handler: mux,
	}

	go func() {
		logger.Info("HTTP API listening", "addr", cfg.HTTPListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "error", err)
			cancel()
		}
	}()

	<-rootCtx.Done()
	logger.Info("shutting down gracefully")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP server shutdown: %w", err)
	}
	return nil
}

func setupGracefulShutdown(logger *slog.Logger, cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received signal, initiating graceful shutdown", "signal", sig.String())
		cancel()
	}()
}

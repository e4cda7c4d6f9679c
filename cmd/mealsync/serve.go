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

	"mealsync/internal/api"
	"mealsync/internal/config"
	"mealsync/internal/database"
	"mealsync/internal/metrics"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync daemon with its local control API",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, configPath, "daemon")
	if err != nil {
		return err
	}
	defer a.Close()
	logger := &a.logger

	startMetrics(ctx, a.cfg, logger)

	e := a.buildEngine(ctx)
	defer e.monitor.Close()
	go e.probe.Run(ctx)

	if a.backend.SQLite != nil {
		backup := database.NewBackupService(a.backend.SQLite.Path(), a.cfg.Backup, logger)
		go backup.Start(ctx)
	}

	e.sync.Start(ctx)
	defer e.sync.Stop()

	var httpServer *api.HTTPServer
	if a.cfg.API.HTTP.Enabled {
		httpServer = api.NewHTTPServer(a.cfg.API, e.sync, e.monitor, a.store, logger)
		httpServer.UseDeadLetters(e.dispatcher)
		go func() {
			if err := httpServer.Start(); err != nil {
				logger.Error().Err(err).Msg("http server stopped")
			}
		}()
	}

	var grpcServer *api.GRPCServer
	if a.cfg.API.GRPC.Enabled {
		grpcServer, err = api.NewGRPCServer(&a.cfg.API, e.monitor, logger)
		if err != nil {
			logger.Error().Err(err).Msg("create grpc server")
			return err
		}
		go func() {
			if err := grpcServer.Serve(); err != nil {
				logger.Error().Err(err).Msg("grpc server stopped")
			}
		}()
	}

	logger.Info().
		Str("store", a.cfg.Store.Backend).
		Bool("online", e.monitor.IsOnline()).
		Bool("http", httpServer != nil).
		Bool("grpc", grpcServer != nil).
		Msg("mealsync started")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if grpcServer != nil {
		grpcServer.Shutdown(shutdownCtx)
	}
	if httpServer != nil {
		_ = httpServer.Shutdown(shutdownCtx)
	}
	if n := e.pipeline.CancelAll(); n > 0 {
		logger.Info().Int("uploads", n).Msg("in-flight uploads cancelled")
	}

	logger.Info().Msg("mealsync stopped")
	return nil
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	metrics.Register()
	port := cfg.Monitoring.PrometheusPort
	if port == 0 {
		port = 9090
	}
	go startMetricsServer(ctx, port, logger)
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server error")
	}
}

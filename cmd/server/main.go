package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"dripflow/internal/api"
	"dripflow/internal/config"
	"dripflow/internal/db"
	"dripflow/internal/dispatcher"
	"dripflow/internal/metrics"
	"dripflow/internal/provider"
)

func main() {

	// ------------------------------------------------
	// Logger
	// ------------------------------------------------
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// ------------------------------------------------
	// Config
	// ------------------------------------------------
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	// ------------------------------------------------
	// Root Context + Shutdown
	// ------------------------------------------------
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()
	}()

	// ------------------------------------------------
	// Database
	// ------------------------------------------------
	store, err := db.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		logger.Fatal("database migration failed", zap.Error(err))
	}

	// ------------------------------------------------
	// Metrics
	// ------------------------------------------------
	metrics.Init()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	metricsServer := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: metricsMux,
	}

	go func() {
		logger.Info("metrics server started", zap.String("port", cfg.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("metrics server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Email Provider
	// ------------------------------------------------
	// A nil sender is not fatal at startup: the pipeline reports it as a
	// configuration error on each run instead, so the admin API stays up.
	var sender provider.Sender
	switch cfg.EmailProvider {
	case "smtp":
		sender = &provider.SMTP{Host: cfg.SMTPHost, Port: cfg.SMTPPort}
	default:
		if cfg.ResendAPIKey != "" {
			sender = provider.NewResend(cfg.ResendEndpoint, cfg.ResendAPIKey, cfg.DispatchTimeout)
		} else {
			logger.Warn("RESEND_API_KEY not configured, dispatch runs will fail")
		}
	}

	// ------------------------------------------------
	// Dispatch Pipeline
	// ------------------------------------------------
	pipeline := dispatcher.New(
		store,
		sender,
		logger,
		cfg.BatchLimit,
		cfg.WorkerCount,
		cfg.DispatchTimeout,
		cfg.SenderEmail,
	)

	// ------------------------------------------------
	// Periodic Trigger
	// ------------------------------------------------
	scheduler := cron.New()
	_, err = scheduler.AddFunc(fmt.Sprintf("@every %s", cfg.TriggerInterval), func() {
		summary, err := pipeline.RunOnce(ctx, time.Now().UTC())
		if err != nil {
			logger.Error("scheduled dispatch run failed", zap.Error(err))
			return
		}
		if summary.Processed > 0 {
			logger.Info("scheduled dispatch run complete",
				zap.Int("processed", summary.Processed),
				zap.Int("sent", summary.Sent),
				zap.Int("failed", summary.Failed),
			)
		}
	})
	if err != nil {
		logger.Fatal("failed to schedule dispatch trigger", zap.Error(err))
	}
	scheduler.Start()

	// ------------------------------------------------
	// HTTP API Server
	// ------------------------------------------------
	apiHandler := &api.Handler{
		Runner: pipeline,
		Store:  store,
		Log:    logger,
	}

	apiServer := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: apiHandler.Router(),
	}

	go func() {
		logger.Info("api server started", zap.String("port", cfg.APIPort))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("api server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Wait for shutdown
	// ------------------------------------------------
	<-ctx.Done()

	logger.Info("shutting down services...")

	// Waits for an in-flight scheduled run to finish.
	<-scheduler.Stop().Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown failed", zap.Error(err))
	}

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown failed", zap.Error(err))
	}

	logger.Info("application shutdown complete")
}

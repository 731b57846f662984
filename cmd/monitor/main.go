package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/user/trade-monitor/internal/adapter/api"
	"github.com/user/trade-monitor/internal/adapter/api/handler"
	"github.com/user/trade-monitor/internal/adapter/api/middleware"
	"github.com/user/trade-monitor/internal/adapter/metrics"
	"github.com/user/trade-monitor/internal/adapter/repository/sqlite"
	"github.com/user/trade-monitor/internal/pkg/clock"
	"github.com/user/trade-monitor/internal/pkg/config"
	"github.com/user/trade-monitor/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	m := metrics.New()

	// --- Graceful Shutdown Context ---
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Admin and Metrics Server ---
	adminMux := http.NewServeMux()
	adminMux.Handle("/metrics", promhttp.Handler())

	adminServer := &http.Server{
		Addr:    cfg.AdminAddr,
		Handler: adminMux,
	}

	go func() {
		logger.Info("starting admin & metrics server", "addr", adminServer.Addr)
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin & metrics server failed", "error", err)
		}
	}()

	// --- Read-side store and derived views ---
	clk := clock.New()
	store, err := sqlite.NewQueryRepository(filepath.Join(cfg.DataDir, "events.db"), cfg.BusyTimeout(), clk, logger)
	if err != nil {
		logger.Error("failed to open query store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	freshness := usecase.NewFreshnessTracker(store, clk, cfg.ConnectionStaleWindow(), cfg.DataStaleWindow())
	broker := handler.NewStreamBroker(ctx, store, logger, m, cfg.StreamPollPeriod)

	// --- Query Server ---
	router := api.NewRouter(logger, store, freshness, broker)
	queryServer := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     middleware.Logging(logger)(router),
		ReadTimeout: 5 * time.Second,
		IdleTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("starting query server", "addr", queryServer.Addr, "data_dir", cfg.DataDir)
		if err := queryServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("query server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down servers...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin server shutdown failed", "error", err)
	}
	if err := queryServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("query server shutdown failed", "error", err)
	}

	logger.Info("servers shut down gracefully")
}

// newLogger builds the process logger: JSON to a size-rotated file when
// MONITOR_LOG_FILE is set, JSON to stdout otherwise.
func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if cfg.LogFile != "" {
		w := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    100, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		}
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

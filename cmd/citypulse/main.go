// Package main implements the entry point for the CityPulse core: the
// data pipeline, cross-domain correlator, alert system, and realtime
// distribution layer behind the analytics dashboard.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/citypulse/core/config"
	"github.com/citypulse/core/gateway/httpapi"
	"github.com/citypulse/core/gateway/websocket"
	"github.com/citypulse/core/integrator"
	"github.com/citypulse/core/metric"
	"github.com/citypulse/core/natsbridge"
)

const (
	version = "0.1.0"
	appName = "citypulse"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("application failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath      string
		showVersion     bool
		validateOnly    bool
		shutdownTimeout time.Duration
	)
	flag.StringVar(&configPath, "config", "", "path to YAML configuration file")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.BoolVar(&validateOnly, "validate", false, "validate configuration and exit")
	flag.DurationVar(&shutdownTimeout, "shutdown-timeout", 15*time.Second, "graceful shutdown bound")
	flag.Parse()

	if showVersion {
		fmt.Printf("%s version %s\n", appName, version)
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if validateOnly {
		fmt.Println("configuration is valid")
		return nil
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	logger.Info("starting citypulse", "version", version, "config_path", configPath)

	metrics := metric.NewRegistry()

	core, err := integrator.New(cfg.Core,
		integrator.WithLogger(logger),
		integrator.WithMetrics(metrics))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := core.Start(ctx); err != nil {
		return err
	}
	defer core.Stop(shutdownTimeout)

	wsGateway := websocket.NewGateway(core.Bus(), logger)
	defer wsGateway.Stop(shutdownTimeout)

	api := httpapi.NewServer(httpapi.Config{
		Addr:            cfg.HTTP.Addr,
		ReadTimeout:     cfg.HTTP.ReadTimeout,
		WriteTimeout:    cfg.HTTP.WriteTimeout,
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
	}, core, logger)

	mux := http.NewServeMux()
	mux.Handle("/ws", wsGateway)
	mux.Handle("/", api.Routes())
	httpSrv := &http.Server{
		Addr:        cfg.HTTP.Addr,
		Handler:     mux,
		ReadTimeout: cfg.HTTP.ReadTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.HTTP.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	if cfg.Metrics.Enabled {
		metricsServer := metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, metrics)
		if err := metricsServer.Start(); err != nil {
			return err
		}
		defer metricsServer.Stop(shutdownTimeout)
	}

	bridge := natsbridge.New(natsbridge.Config{
		URL:           cfg.NATS.URL,
		SubjectPrefix: cfg.NATS.SubjectPrefix,
	}, core.Bus(), logger)
	if err := bridge.Start(ctx); err != nil {
		// Forwarding is best effort; the dashboard works without it.
		logger.Warn("nats bridge failed to start", "error", err)
	} else {
		defer bridge.Stop(shutdownTimeout)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		return err
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Warn("http server shutdown incomplete", "error", err)
	}
	return nil
}

func setupLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

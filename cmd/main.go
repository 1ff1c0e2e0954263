// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/absmach/intercept"
	"github.com/absmach/intercept/pkg/blocklist"
	"github.com/absmach/intercept/pkg/broker"
	"github.com/absmach/intercept/pkg/engine"
	"github.com/absmach/intercept/pkg/gateway"
	"github.com/absmach/intercept/pkg/handler"
	"github.com/absmach/intercept/pkg/health"
	"github.com/absmach/intercept/pkg/metrics"
	"github.com/absmach/intercept/pkg/server/tcp"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	// .env is optional
	envErr := godotenv.Load()

	cfg, err := intercept.NewConfig(env.Options{Prefix: intercept.EnvPrefix})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %s\n", err)
		os.Exit(1)
	}

	logger, closeLog := setupLogger(cfg)
	defer closeLog()
	if envErr != nil {
		logger.Debug("no .env file found, using environment variables")
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	m := metrics.New(cfg.MetricsNamespace)

	engineClient := engine.New(engine.Config{
		ToggleAddress:    cfg.ToggleAddress,
		BlocklistAddress: cfg.BlocklistAddress,
		DialTimeout:      cfg.EngineDialTimeout,
		WriteTimeout:     cfg.WriteTimeout,
		Breaker: engine.BreakerConfig{
			MaxFailures:  cfg.BreakerMaxFailures,
			ResetTimeout: cfg.BreakerResetTimeout,
		},
		Metrics: m,
		Logger:  logger,
	})

	gw := gateway.New(gateway.Config{
		AllowedOrigins: cfg.AllowedOrigins,
		Metrics:        m,
		Logger:         logger,
	})

	serverCfg := tcp.Config{
		Address:          cfg.ControlAddress,
		ReadTimeout:      cfg.ReadTimeout,
		FrameIdleTimeout: cfg.FrameIdleTimeout,
		MaxFrameSize:     cfg.MaxFrameSize,
		WriteTimeout:     cfg.WriteTimeout,
		ShutdownTimeout:  cfg.ShutdownTimeout,
		Metrics:          m,
		Logger:           logger,
	}
	if cfg.AcceptRateCapacity > 0 {
		serverCfg.Limiter = tcp.NewRateLimiter(cfg.AcceptRateCapacity, cfg.AcceptRateRefill)
	}

	b := broker.New(broker.Config{
		Server:           serverCfg,
		AckTimeout:       cfg.AckTimeout,
		ResponseReview:   cfg.ResponseReview,
		InterceptOnStart: cfg.InterceptOnStart,
		Engine:           engineClient,
		BlocklistStore:   blocklist.NewFileStore(cfg.BlocklistFile),
		Handler:          handler.Multi{handler.NewLogging(logger), gw},
		Metrics:          m,
		Logger:           logger,
	})
	gw.Bind(b)

	checker := health.NewChecker(5 * time.Second)
	checker.RegisterCritical("control_listener", b.Ready)
	checker.Register("engine", engineClient.Check)

	// Bring the engine in line with the local state. It may not be up yet;
	// failures are logged by the broker and retried on the next change.
	if err := b.SetIntercept(ctx, cfg.InterceptOnStart); err != nil {
		logger.Warn("initial toggle push failed", slog.String("error", err.Error()))
	}
	if err := b.PushBlocklist(ctx); err != nil {
		logger.Warn("initial blocklist push failed", slog.String("error", err.Error()))
	}

	g.Go(func() error {
		return b.Listen(ctx)
	})

	g.Go(func() error {
		return serveHTTP(ctx, cfg, newMux(m, checker, gw), gw, logger)
	})

	g.Go(func() error {
		return StopSignalHandler(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("intercept broker terminated with error: %s", err))
		return
	}
	logger.Info("intercept broker stopped")
}

func newMux(m *metrics.Metrics, checker *health.Checker, gw *gateway.Gateway) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", checker.HTTPHandler())
	mux.HandleFunc("/ready", checker.ReadinessHandler())
	mux.HandleFunc("/live", health.LivenessHandler())
	return mux
}

func serveHTTP(ctx context.Context, cfg intercept.Config, mux http.Handler, gw *gateway.Gateway, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("operator http server started", slog.String("address", cfg.HTTPAddress))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("operator http server: %w", err)
	case <-ctx.Done():
	}

	// Hijacked websocket connections are not tracked by Shutdown.
	gw.Close()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("operator http server shutdown: %w", err)
	}
	return nil
}

// setupLogger builds the service logger. With LOG_FILE set, records are
// written to stdout and to a rotated file.
func setupLogger(cfg intercept.Config) (*slog.Logger, func()) {
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

	var out io.Writer = os.Stdout
	closeFn := func() {}
	if cfg.LogFile != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
			MaxAge:     cfg.LogMaxAgeDays,
			Compress:   true,
		}
		out = io.MultiWriter(os.Stdout, rotator)
		closeFn = func() { rotator.Close() }
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.LogFormat) == "text" {
		return slog.New(slog.NewTextHandler(out, opts)), closeFn
	}
	return slog.New(slog.NewJSONHandler(out, opts)), closeFn
}

func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-c:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}

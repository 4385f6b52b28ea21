// Copyright (c) Hivegate Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/hivegate/hivegate"
	"github.com/hivegate/hivegate/pkg/breaker"
	"github.com/hivegate/hivegate/pkg/health"
	"github.com/hivegate/hivegate/pkg/metrics"
	"github.com/hivegate/hivegate/pkg/proxy"
	"github.com/hivegate/hivegate/pkg/ratelimit"
	"github.com/hivegate/hivegate/pkg/session"
)

const (
	mqttPrefix    = "HIVEGATE_MQTT_"
	mqttTLSPrefix = "HIVEGATE_MQTT_TLS_"
	wsPrefix      = "HIVEGATE_WS_"
)

// opsConfig holds process-wide operational settings.
type opsConfig struct {
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	MetricsPort int `env:"METRICS_PORT" envDefault:"9090"`
	HealthPort  int `env:"HEALTH_PORT"  envDefault:"8080"`

	MaxConnections  int           `env:"MAX_CONNECTIONS"  envDefault:"0"`
	DialTimeout     time.Duration `env:"DIAL_TIMEOUT"     envDefault:"10s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Admission throttling, off unless a rate is configured.
	ConnRateCapacity int64 `env:"CONN_RATE_CAPACITY" envDefault:"0"`
	ConnRateRefill   int64 `env:"CONN_RATE_REFILL"   envDefault:"0"`

	// Backend circuit breaker, off unless enabled.
	BreakerEnabled      bool          `env:"BREAKER_ENABLED"       envDefault:"false"`
	BreakerMaxFailures  int           `env:"BREAKER_MAX_FAILURES"  envDefault:"5"`
	BreakerResetTimeout time.Duration `env:"BREAKER_RESET_TIMEOUT" envDefault:"30s"`
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	// .env file is optional.
	_ = godotenv.Load()

	ops := opsConfig{}
	if err := env.ParseWithOptions(&ops, env.Options{Prefix: "HIVEGATE_"}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(ops.LogLevel, ops.LogFormat)
	hooks := session.NewLogHooks(logger)
	m := metrics.New("hivegate")

	var limiter *ratelimit.SourceLimiter
	if ops.ConnRateCapacity > 0 && ops.ConnRateRefill > 0 {
		limiter = ratelimit.NewSourceLimiter(ops.ConnRateCapacity, ops.ConnRateRefill, 0)
		logger.Info("admission throttling enabled",
			slog.Int64("capacity", ops.ConnRateCapacity),
			slog.Int64("refill_per_second", ops.ConnRateRefill))
	}

	var cb *breaker.Breaker
	if ops.BreakerEnabled {
		cb = breaker.New(breaker.Config{
			MaxFailures:  ops.BreakerMaxFailures,
			ResetTimeout: ops.BreakerResetTimeout,
		})
		cb.OnStateChange(func(from, to breaker.State) {
			logger.Warn("backend circuit breaker state changed",
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		})
	}

	healthChecker := health.NewChecker(10 * time.Second)

	started := 0
	for _, front := range []struct {
		prefix string
		ws     bool
	}{
		{mqttPrefix, false},
		{mqttTLSPrefix, false},
		{wsPrefix, true},
	} {
		cfg, err := hivegate.NewConfig(env.Options{Prefix: front.prefix})
		if err != nil {
			logger.Error("invalid front configuration",
				slog.String("prefix", front.prefix),
				slog.String("error", err.Error()))
			os.Exit(1)
		}
		if cfg.Port == "" {
			continue
		}

		shared := proxy.Config{
			Host:            cfg.Host,
			Port:            cfg.Port,
			TargetHost:      cfg.TargetHost,
			TargetPort:      cfg.TargetPort,
			TLSConfig:       cfg.TLSConfig,
			MaxConnections:  ops.MaxConnections,
			DialTimeout:     ops.DialTimeout,
			ShutdownTimeout: ops.ShutdownTimeout,
			Limiter:         limiter,
			Breaker:         cb,
			Metrics:         m,
			Logger:          logger,
		}

		target := net.JoinHostPort(cfg.TargetHost, cfg.TargetPort)
		healthChecker.Register("backend:"+target, health.BackendCheck(target, 2*time.Second))

		if front.ws {
			p := proxy.NewWebSocket(proxy.WebSocketConfig{Config: shared, Path: cfg.WSPath}, hooks)
			g.Go(func() error { return p.Listen(ctx) })
		} else {
			p := proxy.NewMQTT(shared, hooks)
			g.Go(func() error { return p.Listen(ctx) })
		}

		logger.Info("front started",
			slog.String("prefix", front.prefix),
			slog.String("address", net.JoinHostPort(cfg.Host, cfg.Port)),
			slog.String("target", target))
		started++
	}

	if started == 0 {
		logger.Error("no front configured: set at least one of " +
			mqttPrefix + "PORT, " + mqttTLSPrefix + "PORT, " + wsPrefix + "PORT")
		os.Exit(1)
	}

	g.Go(func() error { return serveMetrics(ctx, ops.MetricsPort, logger) })
	g.Go(func() error { return serveHealth(ctx, ops.HealthPort, healthChecker, logger) })
	g.Go(func() error { return stopSignalHandler(ctx, cancel, logger) })

	if err := g.Wait(); err != nil {
		logger.Error("hivegate terminated with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("hivegate stopped")
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
	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func serveMetrics(ctx context.Context, port int, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return serveHTTP(ctx, port, mux, "metrics", logger)
}

func serveHealth(ctx context.Context, port int, checker *health.Checker, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.LivenessHandler())
	mux.HandleFunc("/readyz", checker.ReadinessHandler())
	return serveHTTP(ctx, port, mux, "health", logger)
}

func serveHTTP(ctx context.Context, port int, mux *http.ServeMux, name string, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	logger.Info(name+" server started", slog.Int("port", port))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func stopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
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

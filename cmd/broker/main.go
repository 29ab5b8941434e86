// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/mqttcore/config"
	"github.com/absmach/mqttcore/mqtt/broker"
	mqtls "github.com/absmach/mqttcore/pkg/tls"
	"github.com/absmach/mqttcore/ratelimit"
	"github.com/absmach/mqttcore/server/health"
	"github.com/absmach/mqttcore/server/otel"
	"github.com/absmach/mqttcore/server/tcp"
	"github.com/absmach/mqttcore/storage"
	"github.com/absmach/mqttcore/storage/badger"
	"github.com/absmach/mqttcore/storage/memory"
	"github.com/benbjohnson/clock"
	gotel "go.opentelemetry.io/otel"
)

const version = "0.1.0"

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	slog.Info("Starting MQTT broker", "version", version)
	slog.Info("Configuration loaded",
		"tcp_addr", cfg.Server.TCPAddr,
		"storage", cfg.Storage.Type,
		"metrics_enabled", cfg.Metrics.Enabled,
		"health_enabled", cfg.Server.HealthEnabled,
		"log_level", cfg.Log.Level)

	clk := clock.New()

	var store storage.Store
	switch cfg.Storage.Type {
	case config.StorageBadger:
		store, err = badger.New(badger.Config{
			Dir:      cfg.Storage.BadgerDir,
			InMemory: cfg.Storage.BadgerInMemory,
			Clock:    clk,
		})
		if err != nil {
			slog.Error("Failed to initialize BadgerDB storage", "error", err)
			os.Exit(1)
		}
		slog.Info("Using BadgerDB storage", "dir", cfg.Storage.BadgerDir, "in_memory", cfg.Storage.BadgerInMemory)
	default:
		store = memory.New(clk)
		slog.Info("Using in-memory storage")
	}
	defer store.Close()

	opts := broker.Options{
		Store:  store,
		Clock:  clk,
		Logger: logger,
	}

	if cfg.Metrics.Enabled {
		shutdown, err := otel.InitProvider(context.Background(), cfg.Metrics)
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(ctx); err != nil {
				slog.Error("Failed to flush telemetry", "error", err)
			}
		}()

		metrics, err := otel.NewMetrics(gotel.Meter(cfg.Metrics.ServiceName))
		if err != nil {
			slog.Error("Failed to create metrics", "error", err)
			os.Exit(1)
		}
		opts.Metrics = metrics
		opts.Tracer = gotel.Tracer(cfg.Metrics.ServiceName)
		slog.Info("OpenTelemetry enabled", "endpoint", cfg.Metrics.Endpoint, "traces", cfg.Metrics.TracesEnabled)
	}

	b := broker.New(cfg, opts)

	tlsCfg, err := mqtls.Load(cfg.Server.TLS)
	if err != nil {
		slog.Error("Failed to load TLS configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("TCP listener security", "status", mqtls.SecurityStatus(tlsCfg))

	tcpCfg := tcp.Config{
		Address:         cfg.Server.TCPAddr,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		MaxConnections:  cfg.Server.TCPMaxConn,
		WriteTimeout:    cfg.Server.TCPWriteTimeout,
		TLSConfig:       tlsCfg,
		Logger:          logger,
	}
	if rl := cfg.RateLimit; rl.Enabled && rl.ConnectionRate > 0 {
		limiter := ratelimit.NewIPRateLimiter(rl.ConnectionRate, rl.ConnectionBurst, 0, clk)
		defer limiter.Stop()
		tcpCfg.ConnLimiter = limiter
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	serverErr := make(chan error, 2)

	tcpServer := tcp.New(tcpCfg, b)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := tcpServer.Listen(ctx); err != nil {
			serverErr <- err
		}
	}()

	if cfg.Server.HealthEnabled {
		hs := health.New(health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, b, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := hs.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	slog.Info("MQTT broker started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
	}

	// Closing the broker disconnects every client, so the listeners drain
	// without waiting for the shutdown timeout.
	if err := b.Close(); err != nil {
		slog.Error("Failed to close broker", "error", err)
	}
	cancel()
	wg.Wait()
	slog.Info("MQTT broker stopped")
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

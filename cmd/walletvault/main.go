// Command walletvault runs the wallet vault service: the balance ledger,
// the WebSocket notification gateway, and the administrative HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/c360/walletvault/auth"
	"github.com/c360/walletvault/config"
	gatewayhttp "github.com/c360/walletvault/gateway/http"
	"github.com/c360/walletvault/gateway/ws"
	"github.com/c360/walletvault/ledger"
	"github.com/c360/walletvault/natsclient"
	"github.com/c360/walletvault/notify"
	"github.com/c360/walletvault/registry"
	"github.com/c360/walletvault/store/memory"
	"github.com/c360/walletvault/store/natskv"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to JSON config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("starting walletvault", "config", cfg.Safe())

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var (
		store   ledger.Store
		cleanup func()
	)
	if cfg.NATS.URL != "" {
		nc, err := natsclient.Connect(natsclient.Options{
			URL:    cfg.NATS.URL,
			Name:   cfg.NATS.Name,
			Logger: logger,
		})
		if err != nil {
			return err
		}
		cleanup = nc.Close

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		kv, err := nc.KeyValue(ctx, cfg.NATS.Bucket)
		cancel()
		if err != nil {
			nc.Close()
			return err
		}
		store = natskv.New(kv, func() error { return nc.Healthy() }, logger)
		logger.Info("ledger store ready", "backend", "natskv", "bucket", cfg.NATS.Bucket)
	} else {
		store = memory.New()
		cleanup = func() {}
		logger.Warn("no NATS URL configured, using in-memory ledger store")
	}
	defer cleanup()

	subscriptions := registry.New(logger)
	dispatcher := notify.NewDispatcher(subscriptions, logger, promReg)
	dispatcher.Start()
	defer dispatcher.Stop()

	ledgerSvc := ledger.NewService(store, dispatcher, logger)
	verifier := auth.New(cfg.Auth.AdminToken, cfg.Auth.JWTSecret, logger)

	wsServer := ws.NewServer(ws.Options{
		Registry:          subscriptions,
		Verifier:          verifier,
		Ledger:            ledgerSvc,
		HeartbeatInterval: cfg.Heartbeat.Interval,
		PongTimeout:       cfg.Heartbeat.PongTimeout,
		Logger:            logger,
		PromRegistry:      promReg,
	})
	defer wsServer.Stop()

	handler := gatewayhttp.NewHandler(gatewayhttp.Options{
		Ledger:       ledgerSvc,
		Verifier:     verifier,
		StoreHealthy: store.Healthy,
		Logger:       logger,
		WSHandler:    wsServer,
		PromRegistry: promReg,
	})

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown incomplete", "error", err)
	}
	return nil
}

func newLogger(level string) *slog.Logger {
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
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

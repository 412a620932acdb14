package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/walletconnect-labs/relay/internal/api"
	"github.com/walletconnect-labs/relay/internal/api/handlers"
	"github.com/walletconnect-labs/relay/internal/broker"
	"github.com/walletconnect-labs/relay/internal/config"
	"github.com/walletconnect-labs/relay/internal/history"
	"github.com/walletconnect-labs/relay/internal/registry"
	"github.com/walletconnect-labs/relay/internal/relayadapter"
	"github.com/walletconnect-labs/relay/internal/socket"
	"github.com/walletconnect-labs/relay/internal/storage"
)

func main() {
	_ = godotenv.Load()
	_ = godotenv.Load("../.env")
	_ = godotenv.Load("../../.env")

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)
	slog.Info("starting relay node", "node_id", cfg.NodeID, "port", cfg.RelayPort, "env", cfg.Environment)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.NewRedisStore(ctx, cfg.RedisURL)
	if err != nil {
		slog.Error("failed to connect to shared store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	bus, err := storage.NewNATSBus(cfg.NATSURL, cfg.NodeID)
	if err != nil {
		slog.Error("failed to connect to cross-node bus", "error", err)
		os.Exit(1)
	}
	defer bus.Close()

	// Construction order breaks the registry/broker cycle in two steps:
	// the hub is built relay-less so the broker can use it as a Sender,
	// then the registry's interest callback is bound once the broker
	// exists to consume it.
	hub := socket.NewHub(nil, socket.Config{
		BeatInterval:  cfg.BeatInterval,
		MaxFrameBytes: cfg.MaxFrameBytes,
	})

	reg := registry.New(bus, cfg.NodeID, nil)
	msgBroker := broker.New(store, bus, reg, hub, cfg.NodeID, cfg.MessageRetentionTTL)
	reg.SetInterestChangeFunc(msgBroker.HandleLocalInterestChange)

	historyKey := storage.HistoryKey("wc", "1", cfg.NodeID)
	hist := history.New(store, historyKey, func(e history.Event) {
		slog.Debug("history event", "kind", e.Kind, "topic", e.Topic, "record_id", e.Record.ID)
	})
	if err := hist.Restore(ctx); err != nil {
		slog.Error("failed to restore history", "error", err)
		os.Exit(1)
	}

	adapter := relayadapter.New(reg, msgBroker, hist)
	hub.SetRelay(adapter)

	go hub.Run(ctx)

	wsHandler := socket.NewHandler(hub, cfg.AllowedOrigins)
	healthHandler := handlers.NewHealthHandler(map[string]handlers.Pinger{
		"redis": store,
		"nats":  bus,
	})

	router := api.NewRouter(api.RouterConfig{
		AllowedOrigins: cfg.AllowedOrigins,
		WSHandler:      wsHandler,
		HealthHandler:  healthHandler,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.RelayPort,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()

	// Cancel the hub so every socket closes with 1012, and stop the HTTP
	// listener, concurrently, both bounded by the same grace window.
	cancel()
	g, gCtx := errgroup.WithContext(shutdownCtx)
	g.Go(func() error {
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		select {
		case <-hub.Done():
			return nil
		case <-gCtx.Done():
			return gCtx.Err()
		}
	})
	if err := g.Wait(); err != nil {
		slog.Error("shutdown did not complete within grace window", "error", err)
	}

	slog.Info("relay node stopped")
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))
}

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/antoniostano/telecare/internal/calls"
	"github.com/antoniostano/telecare/internal/config"
	"github.com/antoniostano/telecare/internal/gateway"
	"github.com/antoniostano/telecare/internal/httpapi"
	"github.com/antoniostano/telecare/internal/hub"
	"github.com/antoniostano/telecare/internal/keylock"
	"github.com/antoniostano/telecare/internal/observability"
	"github.com/antoniostano/telecare/internal/presence"
	"github.com/antoniostano/telecare/internal/rooms"
	"github.com/antoniostano/telecare/internal/signaling"
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.AppEnv)
	slog.SetDefault(logger)

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	store, err := calls.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("call store init failed", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	var locker keylock.Locker = keylock.NewLocal()
	if cfg.RedisAddr != "" {
		redisCfg := keylock.RedisConfig{Addr: cfg.RedisAddr, TTL: cfg.CallLockTTL}
		rdb, err := keylock.OpenRedis(ctx, redisCfg)
		if err != nil {
			logger.Error("redis init failed", "addr", cfg.RedisAddr, "err", err)
			os.Exit(1)
		}
		defer rdb.Close()
		locker = keylock.NewRedis(rdb, redisCfg, logger)
		logger.Info("call locks backed by redis", "addr", cfg.RedisAddr)
	}

	registry := presence.NewRegistry()
	roomTracker := rooms.NewTracker()
	connections := hub.New(cfg.WSOutboundBuffer, metrics)

	coordinator := calls.NewCoordinator(calls.Options{
		Store:        store,
		Directory:    registry,
		Locker:       locker,
		Notifier:     connections,
		Logger:       logger,
		Metrics:      metrics,
		SaveAttempts: cfg.CallSaveAttempts,
	})
	relay := signaling.NewRelay(roomTracker, connections, logger, metrics)
	dispatcher := gateway.NewDispatcher(registry, coordinator, relay, connections, logger, metrics)

	api := httpapi.New(cfg, httpapi.Deps{
		Presence:    registry,
		Rooms:       roomTracker,
		Coordinator: coordinator,
		Hub:         connections,
		Dispatcher:  dispatcher,
		StoreMode:   store.Mode(),
	}, metrics, logger)

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		logger.Info("server listening", "addr", cfg.BindAddr, "store_mode", store.Mode(), "ice_servers", len(cfg.ICEServers))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen error", "err", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "err", err)
		_ = httpServer.Close()
	}

	logger.Info("shutdown complete")
}

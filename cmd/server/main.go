package main

import (
	"context"
	"log/slog"
	"os"
	osignal "os/signal"
	"time"

	"github.com/sarosa2890/Discord/internal/gateway"
	"github.com/sarosa2890/Discord/internal/hub"
	"github.com/sarosa2890/Discord/internal/server"
	"github.com/sarosa2890/Discord/internal/signal"
	"github.com/sarosa2890/Discord/internal/store"
	"github.com/sarosa2890/Discord/internal/voice"
	"github.com/sarosa2890/Discord/pkg/cache"
	"github.com/sarosa2890/Discord/pkg/config"
	"github.com/sarosa2890/Discord/pkg/logging"
)

func main() {
	logger := logging.New(logging.LevelInfo)
	slog.SetDefault(logger)

	cfg, err := config.Load(logger, "config")
	if err != nil {
		logger.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}
	logger = logging.New(logging.ParseLevel(cfg.LogLevel))
	slog.SetDefault(logger)

	ctx, stop := osignal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	db, err := store.Open(cfg.Store.DSN, logger)
	if err != nil {
		logger.Error("failed to open database", slog.Any("error", err))
		os.Exit(1)
	}
	sqlStore := store.NewSQLStore(db, logger)
	sessions := store.NewSQLSessionStore(db, cfg.Sessions.MaxPerUser, logger)

	registry := hub.NewRegistry(cfg.Server.ConnectionLimit.MaxPerUser, logger)
	rooms := hub.NewBroadcaster(logger)
	voiceCoord := voice.NewCoordinator(rooms, logger)
	relay := signal.NewRelay(registry, rooms, logger)
	readCache := cache.New(cache.DefaultTTLs(), logger)

	gw := gateway.New(gateway.Deps{
		Registry: registry,
		Rooms:    rooms,
		Voice:    voiceCoord,
		Relay:    relay,
		Cache:    readCache,
		Users:    sqlStore,
		Members:  sqlStore,
		Messages: sqlStore,
		Sessions: sessions,
	}, logger)

	go runSessionSweep(ctx, logger, gw, cfg.Sessions)
	go runCacheEviction(ctx, readCache, cfg.Cache)

	app := server.NewApp(logger, ctx, cfg, registry, gw, sessions)
	if err := app.Run(); err != nil {
		logger.Error("application run failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("application shut down successfully.")
}

// runSessionSweep periodically deletes session records idle past the
// configured window. Live connections are touched first so they never age out.
func runSessionSweep(ctx context.Context, logger *slog.Logger, gw *gateway.Gateway, cfg config.SessionConfig) {
	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := gw.SweepSessions(ctx, cfg.InactiveAfter); err != nil {
				logger.Warn("session sweep failed", slog.Any("error", err))
			}
		}
	}
}

// runCacheEviction periodically trims oversized cache categories.
func runCacheEviction(ctx context.Context, readCache *cache.Cache, cfg config.CacheConfig) {
	ticker := time.NewTicker(cfg.EvictInterval)
	defer ticker.Stop()
	categories := []cache.Category{
		cache.CategoryUsers,
		cache.CategoryServers,
		cache.CategoryChannels,
		cache.CategoryMessages,
		cache.CategoryFriends,
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, cat := range categories {
				readCache.EvictIfOversized(cat, cfg.MaxEntriesPerCategory)
			}
		}
	}
}

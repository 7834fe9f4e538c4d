package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/npezzotti/go-messenger/internal/api"
	"github.com/npezzotti/go-messenger/internal/cache"
	"github.com/npezzotti/go-messenger/internal/config"
	"github.com/npezzotti/go-messenger/internal/conversation"
	"github.com/npezzotti/go-messenger/internal/database"
	"github.com/npezzotti/go-messenger/internal/observability"
	"github.com/npezzotti/go-messenger/internal/presence"
	"github.com/npezzotti/go-messenger/internal/server"
	"github.com/npezzotti/go-messenger/internal/stats"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// a missing .env is fine, the environment and flags still apply
	_ = godotenv.Load()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		zerolog.New(os.Stderr).Fatal().Err(err).Msg("config")
	}

	logger := observability.NewLogger(cfg.LogLevel, cfg.Env)

	shutdownTracing, err := observability.InitTracing(observability.TracingConfig{
		Enabled:     cfg.Tracing,
		Environment: cfg.Env,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("init tracing")
	}

	dbConn, err := database.NewPgChatRepository(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("db open")
	}
	defer func() {
		if err := dbConn.Close(); err != nil {
			logger.Error().Err(err).Msg("db close")
		}
	}()

	if cfg.Migrate {
		if err := dbConn.Migrate(); err != nil {
			logger.Fatal().Err(err).Msg("db migrate")
		}
	}

	var (
		presenceStore presence.Store = presence.NewMemoryStore()
		unreadCache   cache.Cache    = cache.Noop{}
	)
	if cfg.RedisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		rdb, err := cache.NewRedisClient(ctx, cfg.RedisURL)
		cancel()
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connect")
		}
		defer rdb.Close()

		presenceStore = presence.NewRedisStore(rdb)
		unreadCache = cache.NewRedisCache(rdb)
		logger.Info().Msg("using redis for presence and caching")
	}

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	chatServer, err := server.NewChatServer(
		logger.With().Str("component", "chat_server").Logger(),
		dbConn,
		statsUpdater,
		server.WithPresenceStore(presenceStore),
		server.WithCache(unreadCache),
		server.WithTypingTTL(cfg.TypingTTL),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("new chat server")
	}

	manager := conversation.NewManager(logger, dbConn, chatServer,
		conversation.WithPresence(presenceStore),
		conversation.WithCache(unreadCache),
	)

	srv := api.NewGoChatApp(mux, logger, chatServer, manager, dbConn, statsUpdater, cfg)

	go chatServer.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info().Str("signal", sig.String()).Msg("received signal")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server")
		}
	}

	shutDownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown")
	}

	logger.Info().Msg("shutting down chat server...")
	if err := chatServer.Shutdown(shutDownCtx); err != nil {
		logger.Error().Err(err).Msg("chat server shutdown")
	}

	if err := shutdownTracing(shutDownCtx); err != nil {
		logger.Error().Err(err).Msg("tracing shutdown")
	}

	logger.Info().Msg("shutdown complete")
}

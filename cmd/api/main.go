package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"healthdash/internal/config"
	"healthdash/internal/db"
	"healthdash/internal/logging"
	"healthdash/internal/server"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	if cfg.AppEnv != "local" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("database connect failed")
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("database ping failed")
	}
	if cfg.AutoMigrate {
		if err := db.ApplySchema(ctx, pool); err != nil {
			logger.Fatal().Err(err).Msg("database schema bootstrap failed")
		}
		logger.Info().Msg("database schema applied")
	}
	if err := server.ValidateRuntimeSchema(ctx, pool); err != nil {
		logger.Fatal().Err(err).Msg("database schema mismatch")
	}

	app := server.New(cfg, pool, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.AppPort,
		Handler:           app.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().
			Str("port", cfg.AppPort).
			Str("ai_provider", cfg.AIProvider).
			Msg("api listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	logger.Info().Msg("api stopped")
}

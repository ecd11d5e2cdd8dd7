package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/solwatch/solana-filter-monitor/internal/cache"
	"github.com/solwatch/solana-filter-monitor/internal/config"
	"github.com/solwatch/solana-filter-monitor/internal/server"
	"github.com/solwatch/solana-filter-monitor/internal/store"
)

// main is the entry point for the API server: the read side of the
// monitor's collections and live match feed.
func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	logger.SetLevel(logrus.InfoLevel)

	if err := godotenv.Load(); err != nil {
		logger.Warn("no .env file found, using system environment variables")
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("invalid configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	jsonl, err := store.NewJSONLStore(cfg.DataDir, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to open match store")
	}
	defer jsonl.Close()

	handlers := &server.Handlers{
		Store:   jsonl,
		DevMode: cfg.DevMode,
		Logger:  logger,
	}

	if cfg.RedisAddr != "" {
		mc := cache.NewMatchCache(cfg.RedisAddr, logger)
		if err := mc.Ping(ctx); err != nil {
			logger.WithError(err).Warn("Redis unreachable, recent match feed disabled")
		} else {
			handlers.Cache = mc
			defer mc.Close()
		}
	}

	srv, err := server.NewServer(server.ServerDeps{
		Handlers: handlers,
		Config: server.ServerConfig{
			Addr:    cfg.APIAddr,
			DevMode: cfg.DevMode,
			APIKey:  cfg.APIKey,
		},
	})
	if err != nil {
		logger.WithError(err).Fatal("failed to create server")
	}

	go func() {
		logger.WithField("addr", cfg.APIAddr).Info("🚀 API server listening")
		if err := srv.Start(); err != nil {
			logger.WithError(err).Info("server stopped")
		}
	}()

	<-sigCh
	logger.Info("🛑 shutting down gracefully")
	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("shutdown error")
	}
}

// cmd/historian/main.go pops room events from the Redis queue and archives them in PostgreSQL.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/jason-s-yu/turnroom/internal/cache"
	"github.com/jason-s-yu/turnroom/internal/config"
	"github.com/jason-s-yu/turnroom/internal/database"
	"github.com/jason-s-yu/turnroom/internal/historian"
	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	logger := cfg.NewLogger()
	if cfg.DatabaseURL == "" {
		logger.Fatal("DATABASE_URL is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.WithError(err).Fatal("failed to connect to database")
	}
	defer pool.Close()

	archive := database.NewArchive(pool)
	if err := archive.EnsureSchema(ctx); err != nil {
		logger.WithError(err).Fatal("failed to prepare schema")
	}

	rdb, err := cache.ConnectRedis(ctx, cache.RedisOptions{Addr: cfg.RedisAddr, DB: cfg.RedisDB, Password: cfg.RedisPassword})
	if err != nil {
		logger.WithError(err).Fatal("failed to connect to redis")
	}
	defer rdb.Close()

	svc := historian.New(rdb, archive, historian.Options{
		Queue:      cfg.EventQueue,
		BatchSize:  cfg.HistorianBatchSize,
		FlushDelay: cfg.HistorianFlush,
		Log:        logger,
	})
	if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Error("historian exited")
	}
}

// Package main runs the background worker that persists evicted stream summaries to
// Postgres and archives them to S3.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-webinar/live-metrics/config"
	"github.com/aura-webinar/live-metrics/internal/summaries"
	"github.com/aura-webinar/live-metrics/internal/worker"
	"github.com/aura-webinar/live-metrics/pkg/database"
	"github.com/aura-webinar/live-metrics/pkg/queue"
	"github.com/aura-webinar/live-metrics/pkg/redis"
	"github.com/aura-webinar/live-metrics/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if !cfg.Redis.Enabled() {
		logger.Fatal("REDIS_ADDR is required for the summary worker")
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), database.DefaultPoolConfig(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool, logger); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	// Archiving is optional; summaries still land in Postgres without it.
	var archiver worker.Archiver
	if cfg.AWS.SummariesBucket != "" {
		s3Client, err := storage.NewS3(ctx, storage.S3Config{
			Region:          cfg.AWS.Region,
			AccessKeyID:     cfg.AWS.AccessKeyID,
			SecretAccessKey: cfg.AWS.SecretAccessKey,
			SummariesBucket: cfg.AWS.SummariesBucket,
			Endpoint:        cfg.AWS.Endpoint,
		}, logger)
		if err != nil {
			logger.Warn("s3 archive disabled", zap.Error(err))
		} else {
			archiver = s3Client
		}
	}

	repo := summaries.NewRepository(pool)
	jobQueue := queue.NewQueue(rdb.Client, logger)
	processor := worker.NewSummaryProcessor(repo, archiver, jobQueue, logger)

	if n, err := jobQueue.Len(ctx); err == nil {
		logger.Info("summary queue", zap.Int64("pending", n))
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		processor.Run(workerCtx)
	}()
	logger.Info("worker started", zap.Bool("archive", archiver != nil))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		logger.Warn("worker did not stop in time")
	}
	logger.Info("worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}

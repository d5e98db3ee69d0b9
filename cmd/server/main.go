// Package main runs the live metrics HTTP server: event ingest, push and poll distribution,
// with graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-webinar/live-metrics/config"
	"github.com/aura-webinar/live-metrics/internal/aggregator"
	"github.com/aura-webinar/live-metrics/internal/analytics"
	"github.com/aura-webinar/live-metrics/internal/auth"
	"github.com/aura-webinar/live-metrics/internal/durable"
	"github.com/aura-webinar/live-metrics/internal/ingest"
	"github.com/aura-webinar/live-metrics/internal/middleware"
	"github.com/aura-webinar/live-metrics/internal/models"
	"github.com/aura-webinar/live-metrics/internal/realtime"
	"github.com/aura-webinar/live-metrics/internal/summaries"
	"github.com/aura-webinar/live-metrics/pkg/database"
	"github.com/aura-webinar/live-metrics/pkg/queue"
	"github.com/aura-webinar/live-metrics/pkg/redis"
	"github.com/aura-webinar/live-metrics/pkg/response"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()

	// Redis is optional: without it the server keeps everything in memory.
	var rdb *redis.Client
	if cfg.Redis.Enabled() {
		rdb, err = redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			logger.Fatal("redis", zap.Error(err))
		}
		defer rdb.Close()
	}

	// Postgres is only read here, for summary history.
	var history analytics.SummaryLister
	if cfg.Database.URL != "" {
		pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), database.DefaultPoolConfig(), logger)
		if err != nil {
			logger.Warn("summary history disabled", zap.Error(err))
		} else {
			defer pool.Close()
			history = summaries.NewRepository(pool)
		}
	}

	store := aggregator.NewStore(aggregator.Config{
		TimelineCapacity: cfg.Metrics.TimelineCapacity,
		BucketSize:       time.Duration(cfg.Metrics.BucketSec) * time.Second,
		HeartbeatTimeout: time.Duration(cfg.Metrics.HeartbeatTimeout) * time.Second,
		SweepInterval:    time.Duration(cfg.Metrics.SweepInterval) * time.Second,
		EndedGrace:       time.Duration(cfg.Metrics.EndedGrace) * time.Second,
		IdleTimeout:      time.Duration(cfg.Metrics.IdleTimeout) * time.Second,
	}, logger)

	// Distribution
	subs := realtime.NewSubscriptions(logger)
	relayed := rdb != nil && cfg.Redis.Relay
	var relay realtime.Relay
	if relayed {
		relay = realtime.NewRedisRelay(rdb.Client, logger)
	}
	hub := realtime.NewHub(subs, relay, logger)
	registry := realtime.NewRegistry(store, hub, realtime.PublisherConfig{
		Interval:           cfg.Push.Interval(),
		ChangeThresholdPct: cfg.Push.ChangeThresholdPct,
		MinGap:             cfg.Push.MinGap(),
		SkipUntracked:      relayed,
	}, logger)

	// Durable side channel
	var (
		recorder ingest.Recorder
		counters *durable.CounterStore
		jobQueue *queue.Queue
	)
	if rdb != nil {
		counters = durable.NewCounterStore(rdb.Client, durable.Config{Buffer: cfg.Metrics.DurableBuffer}, logger)
		recorder = counters
		jobQueue = queue.NewQueue(rdb.Client, logger)
	}

	hooks := aggregator.Hooks{
		OnChange: func(ch aggregator.Change) {
			registry.Nudge(ch.StreamID, ch.PrevViewers, ch.Viewers)
		},
		OnEvict: func(s models.StreamSummary) {
			if relayed {
				registry.Release(s.Snapshot.StreamID)
			}
			if jobQueue == nil {
				return
			}
			qctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := jobQueue.EnqueueStreamSummary(qctx, s); err != nil {
				logger.Warn("enqueue stream summary", zap.String("stream_id", s.Snapshot.StreamID), zap.Error(err))
			}
		},
	}
	// The owner of a stream publishes for every instance's subscribers, so it keeps a
	// publisher for as long as the stream is tracked.
	if relayed {
		hooks.OnCreate = registry.Acquire
	}
	store.SetHooks(hooks)

	// Ingest
	ingestSvc := ingest.NewService(store, recorder, ingest.Config{
		DedupSize: cfg.Metrics.DedupCacheSize,
		DedupTTL:  time.Duration(cfg.Metrics.DedupTTL) * time.Second,
	}, logger)
	ingestHandler := ingest.NewHandler(ingestSvc, logger)

	var natsSub *ingest.NATSSubscriber
	if cfg.NATS.URL != "" {
		natsSub, err = ingest.NewNATSSubscriber(cfg.NATS.URL, cfg.NATS.Subject, cfg.NATS.Queue, ingestSvc, logger)
		if err != nil {
			logger.Fatal("nats", zap.Error(err))
		}
		if err := natsSub.Start(); err != nil {
			logger.Fatal("nats subscribe", zap.Error(err))
		}
	}

	var jwtService *auth.JWTService
	if cfg.JWT.IngestSecret != "" {
		jwtService = auth.NewJWTService(cfg.JWT.IngestSecret, time.Duration(cfg.JWT.ExpireHours)*time.Hour)
	} else {
		logger.Warn("INGEST_JWT_SECRET not set; ingest endpoints are unauthenticated")
	}

	analyticsHandler := analytics.NewHandler(store, subs, logger)
	historyHandler := analytics.NewHistoryHandler(history, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger, "/metrics-event", "/stream-metrics/:streamId"))

	// Health
	router.GET("/health", func(c *gin.Context) {
		status := gin.H{"status": "ok", "streams": store.Len(), "sessions": subs.Len()}
		if rdb != nil {
			status["redis"] = rdb.Healthy(c.Request.Context(), time.Second)
		}
		response.OK(c, status)
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Ingest (edge token when configured)
	edge := router.Group("/", middleware.EdgeJWT(jwtService))
	{
		edge.POST("/metrics-event", ingestHandler.PostEvent)
		edge.POST("/streams/:streamId/end", ingestHandler.EndStream)
	}

	// Poll
	router.GET("/stream-metrics/:streamId", analyticsHandler.GetStreamMetrics)
	router.DELETE("/stream-metrics/:streamId/sessions/:sessionId", analyticsHandler.DeleteSession)
	router.GET("/streams/active", analyticsHandler.ListActive)
	router.GET("/streams/:streamId/summaries", historyHandler.ListSummaries)

	// Push
	router.GET("/ws/stream-metrics", realtime.ServeWs(hub, registry, store, logger))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	store.Start(bgCtx)
	if counters != nil {
		counters.Start(bgCtx)
	}
	go subs.Run(bgCtx, 10*time.Second, time.Duration(cfg.Client.SessionTimeout)*time.Second)

	go func() {
		logger.Info("server listening",
			zap.String("port", cfg.Server.Port),
			zap.Bool("redis", rdb != nil),
			zap.Bool("relay", relayed),
			zap.Duration("push_interval", cfg.Push.Interval()),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	if natsSub != nil {
		natsSub.Close()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	registry.StopAll()
	store.Stop()
	if counters != nil {
		counters.Stop()
	}
	bgCancel()
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	AWS      AWSConfig
	Metrics  MetricsConfig
	Push     PushConfig
	Client   ClientConfig
	NATS     NATSConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// DatabaseConfig holds PostgreSQL connection settings. Only the worker requires it.
type DatabaseConfig struct {
	URL      string // if set, used as-is
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection settings. An empty Addr runs the server without
// Redis: no durable counters, no summary queue and no cross-instance relay.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Relay    bool // fan snapshots out through Redis pub/sub to every instance
}

// Enabled reports whether a Redis address is configured.
func (c RedisConfig) Enabled() bool { return c.Addr != "" }

// JWTConfig holds the edge ingest token settings. An empty IngestSecret disables the check.
type JWTConfig struct {
	IngestSecret string
	ExpireHours  int
}

// AWSConfig holds AWS credentials and the summary archive bucket.
type AWSConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SummariesBucket string
	Endpoint        string // optional, for S3-compatible stores
}

// MetricsConfig sizes the in-memory accumulators.
type MetricsConfig struct {
	TimelineCapacity int
	BucketSec        int
	HeartbeatTimeout int // seconds
	SweepInterval    int // seconds
	EndedGrace       int // seconds
	IdleTimeout      int // seconds
	DedupCacheSize   int
	DedupTTL         int // seconds
	DurableBuffer    int
}

// PushConfig controls snapshot pushes to connected dashboards.
type PushConfig struct {
	IntervalSec        int
	ChangeThresholdPct float64
	MinGapMs           int
}

// ClientConfig controls dashboard session bookkeeping.
type ClientConfig struct {
	SessionTimeout int // seconds without a poll before a poll session expires
}

// NATSConfig holds the optional edge event subscription. An empty URL disables it.
type NATSConfig struct {
	URL     string
	Subject string
	Queue   string
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Interval is the periodic push period T.
func (c PushConfig) Interval() time.Duration { return time.Duration(c.IntervalSec) * time.Second }

// MinGap is the minimum spacing between change-triggered pushes.
func (c PushConfig) MinGap() time.Duration { return time.Duration(c.MinGapMs) * time.Millisecond }

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	threshold, err := strconv.ParseFloat(getEnv("PUSH_CHANGE_THRESHOLD_PCT", "10"), 64)
	if err != nil {
		return nil, fmt.Errorf("PUSH_CHANGE_THRESHOLD_PCT: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:3001"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "live_metrics"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			Relay:    getEnvBool("REDIS_RELAY", false),
		},
		JWT: JWTConfig{
			IngestSecret: getEnv("INGEST_JWT_SECRET", ""),
			ExpireHours:  getEnvInt("INGEST_JWT_EXPIRE_HOURS", 24),
		},
		AWS: AWSConfig{
			Region:          getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
			SummariesBucket: getEnv("AWS_S3_SUMMARIES_BUCKET", ""),
			Endpoint:        getEnv("AWS_S3_ENDPOINT", ""),
		},
		Metrics: MetricsConfig{
			TimelineCapacity: getEnvInt("METRICS_TIMELINE_CAPACITY", 24),
			BucketSec:        getEnvInt("METRICS_BUCKET_SEC", 10),
			HeartbeatTimeout: getEnvInt("HEARTBEAT_TIMEOUT_SEC", 45),
			SweepInterval:    getEnvInt("SWEEP_INTERVAL_SEC", 10),
			EndedGrace:       getEnvInt("STREAM_ENDED_GRACE_SEC", 60),
			IdleTimeout:      getEnvInt("STREAM_IDLE_TIMEOUT_SEC", 600),
			DedupCacheSize:   getEnvInt("DEDUP_CACHE_SIZE", 100000),
			DedupTTL:         getEnvInt("DEDUP_TTL_SEC", 600),
			DurableBuffer:    getEnvInt("DURABLE_BUFFER", 4096),
		},
		Push: PushConfig{
			IntervalSec:        getEnvInt("PUSH_INTERVAL_SEC", 5),
			ChangeThresholdPct: threshold,
			MinGapMs:           getEnvInt("PUSH_MIN_GAP_MS", 1000),
		},
		Client: ClientConfig{
			SessionTimeout: getEnvInt("SESSION_TIMEOUT_SEC", 60),
		},
		NATS: NATSConfig{
			URL:     getEnv("NATS_URL", ""),
			Subject: getEnv("NATS_SUBJECT", "metrics.events.>"),
			Queue:   getEnv("NATS_QUEUE", "live-metrics"),
		},
	}
	if cfg.Push.IntervalSec <= 0 {
		return nil, fmt.Errorf("PUSH_INTERVAL_SEC must be positive, got %d", cfg.Push.IntervalSec)
	}
	if cfg.Metrics.BucketSec <= 0 {
		return nil, fmt.Errorf("METRICS_BUCKET_SEC must be positive, got %d", cfg.Metrics.BucketSec)
	}
	return cfg, nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

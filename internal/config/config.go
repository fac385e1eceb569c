package config

import (
	"runtime"
	"time"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	API       APIConfig
	Queue     QueueConfig
	Worker    WorkerConfig
	Storage   StorageConfig
	Database  DatabaseConfig
	Thumbor   ThumborConfig
	Rewrite   RewriteConfig
	RateLimit RateLimitConfig
	Tracing   TracingConfig
	Webhook   WebhookConfig
	Log       LogConfig
}

type APIConfig struct {
	Addr       string
	PresignTTL time.Duration
}

type QueueConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Name          string
}

func (q QueueConfig) RedisClientOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

type WorkerConfig struct {
	Concurrency    int
	MaxActiveJobs  int
	BatchParallel  int
	LocalOutputDir string
	MetricsAddr    string
}

type StorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type DatabaseConfig struct {
	DSN string
}

type ThumborConfig struct {
	Host string
	Key  string
}

type RewriteConfig struct {
	AlwaysTransform      bool
	ProfilesFile         string
	ModernFormat         string
	NegotiateAccept      bool
	FallbackOnBuildError bool
}

type RateLimitConfig struct {
	Enabled      bool
	Capacity     int
	Window       time.Duration
	UserIDHeader string
}

type TracingConfig struct {
	Exporter     string
	OTLPEndpoint string
	OTLPInsecure bool
}

type WebhookConfig struct {
	SigningSecret  string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

// Load reads configuration from the environment, after merging any .env
// files found in the working directory.
func Load() Config {
	_ = godotenv.Load(".env", ".env.local")
	return FromViper(newViper())
}

func newViper() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()

	defaultWorkerSlots := max(1, runtime.NumCPU()/2)

	v.SetDefault("PIXELREWRITE_API_ADDR", ":8080")
	v.SetDefault("PIXELREWRITE_PRESIGN_TTL", 15*time.Minute)

	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("ASYNC_QUEUE", "default")

	v.SetDefault("WORKER_CONCURRENCY", max(2, runtime.NumCPU()))
	v.SetDefault("WORKER_MAX_ACTIVE_JOBS", defaultWorkerSlots)
	v.SetDefault("WORKER_BATCH_PARALLEL", max(2, runtime.NumCPU()))
	v.SetDefault("WORKER_LOCAL_OUTPUT_DIR", "./.pixelrewrite-output")
	v.SetDefault("WORKER_METRICS_ADDR", ":9091")

	v.SetDefault("MINIO_ENDPOINT", "localhost:9000")
	v.SetDefault("MINIO_ACCESS_KEY", "minioadmin")
	v.SetDefault("MINIO_SECRET_KEY", "minioadmin")
	v.SetDefault("MINIO_BUCKET", "pixelrewrite-batches")
	v.SetDefault("MINIO_USE_SSL", false)

	v.SetDefault("POSTGRES_DSN", "")

	v.SetDefault("THUMBOR_HOST", "http://localhost:8888/")
	v.SetDefault("THUMBOR_KEY", "")

	v.SetDefault("REWRITE_ALWAYS_TRANSFORM", false)
	v.SetDefault("REWRITE_PROFILES_FILE", "")
	v.SetDefault("REWRITE_MODERN_FORMAT", "runtime")
	v.SetDefault("REWRITE_NEGOTIATE_ACCEPT", true)
	v.SetDefault("REWRITE_FALLBACK_ON_BUILD_ERROR", false)

	v.SetDefault("RATE_LIMIT_ENABLED", false)
	v.SetDefault("RATE_LIMIT_CAPACITY", 120)
	v.SetDefault("RATE_LIMIT_WINDOW", time.Minute)
	v.SetDefault("RATE_LIMIT_USER_ID_HEADER", "X-User-ID")

	v.SetDefault("TRACE_EXPORTER", "none")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", true)

	v.SetDefault("WEBHOOK_SIGNING_SECRET", "")
	v.SetDefault("WEBHOOK_TIMEOUT", 10*time.Second)
	v.SetDefault("WEBHOOK_MAX_ATTEMPTS", 3)
	v.SetDefault("WEBHOOK_INITIAL_BACKOFF", time.Second)
	v.SetDefault("WEBHOOK_MAX_BACKOFF", 10*time.Second)

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	return v
}

func FromViper(v *viper.Viper) Config {
	return Config{
		API: APIConfig{
			Addr:       v.GetString("PIXELREWRITE_API_ADDR"),
			PresignTTL: v.GetDuration("PIXELREWRITE_PRESIGN_TTL"),
		},
		Queue: QueueConfig{
			RedisAddr:     v.GetString("REDIS_ADDR"),
			RedisPassword: v.GetString("REDIS_PASSWORD"),
			RedisDB:       v.GetInt("REDIS_DB"),
			Name:          v.GetString("ASYNC_QUEUE"),
		},
		Worker: WorkerConfig{
			Concurrency:    v.GetInt("WORKER_CONCURRENCY"),
			MaxActiveJobs:  v.GetInt("WORKER_MAX_ACTIVE_JOBS"),
			BatchParallel:  v.GetInt("WORKER_BATCH_PARALLEL"),
			LocalOutputDir: v.GetString("WORKER_LOCAL_OUTPUT_DIR"),
			MetricsAddr:    v.GetString("WORKER_METRICS_ADDR"),
		},
		Storage: StorageConfig{
			Endpoint:  v.GetString("MINIO_ENDPOINT"),
			AccessKey: v.GetString("MINIO_ACCESS_KEY"),
			SecretKey: v.GetString("MINIO_SECRET_KEY"),
			Bucket:    v.GetString("MINIO_BUCKET"),
			UseSSL:    v.GetBool("MINIO_USE_SSL"),
		},
		Database: DatabaseConfig{
			DSN: v.GetString("POSTGRES_DSN"),
		},
		Thumbor: ThumborConfig{
			Host: v.GetString("THUMBOR_HOST"),
			Key:  v.GetString("THUMBOR_KEY"),
		},
		Rewrite: RewriteConfig{
			AlwaysTransform:      v.GetBool("REWRITE_ALWAYS_TRANSFORM"),
			ProfilesFile:         v.GetString("REWRITE_PROFILES_FILE"),
			ModernFormat:         v.GetString("REWRITE_MODERN_FORMAT"),
			NegotiateAccept:      v.GetBool("REWRITE_NEGOTIATE_ACCEPT"),
			FallbackOnBuildError: v.GetBool("REWRITE_FALLBACK_ON_BUILD_ERROR"),
		},
		RateLimit: RateLimitConfig{
			Enabled:      v.GetBool("RATE_LIMIT_ENABLED"),
			Capacity:     v.GetInt("RATE_LIMIT_CAPACITY"),
			Window:       v.GetDuration("RATE_LIMIT_WINDOW"),
			UserIDHeader: v.GetString("RATE_LIMIT_USER_ID_HEADER"),
		},
		Tracing: TracingConfig{
			Exporter:     v.GetString("TRACE_EXPORTER"),
			OTLPEndpoint: v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT"),
			OTLPInsecure: v.GetBool("OTEL_EXPORTER_OTLP_INSECURE"),
		},
		Webhook: WebhookConfig{
			SigningSecret:  v.GetString("WEBHOOK_SIGNING_SECRET"),
			Timeout:        v.GetDuration("WEBHOOK_TIMEOUT"),
			MaxAttempts:    v.GetInt("WEBHOOK_MAX_ATTEMPTS"),
			InitialBackoff: v.GetDuration("WEBHOOK_INITIAL_BACKOFF"),
			MaxBackoff:     v.GetDuration("WEBHOOK_MAX_BACKOFF"),
		},
		Log: LogConfig{
			Level:  v.GetString("LOG_LEVEL"),
			Format: v.GetString("LOG_FORMAT"),
		},
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

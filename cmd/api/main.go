package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/pixelrewrite/internal/api"
	"github.com/dunamismax/pixelrewrite/internal/bootstrap"
	"github.com/dunamismax/pixelrewrite/internal/config"
	"github.com/dunamismax/pixelrewrite/internal/logging"
	"github.com/dunamismax/pixelrewrite/internal/queue"
	"github.com/dunamismax/pixelrewrite/internal/ratelimit"
	"github.com/dunamismax/pixelrewrite/internal/storage"
	"github.com/dunamismax/pixelrewrite/internal/telemetry"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg := config.Load()
	logger := logging.New("api", cfg.Log.Level, cfg.Log.Format)
	ctx := context.Background()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:    "pixelrewrite-api",
		ServiceVersion: version,
		Exporter:       cfg.Tracing.Exporter,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
		OTLPInsecure:   cfg.Tracing.OTLPInsecure,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("tracing setup failed")
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Error().Err(err).Msg("tracing shutdown failed")
		}
	}()

	rewriting, err := bootstrap.NewRewriting(cfg.Thumbor, cfg.Rewrite)
	if err != nil {
		logger.Fatal().Err(err).Msg("rewriter setup failed")
	}
	logger.Info().
		Str("thumbor", rewriting.Thumbor.Host()).
		Bool("signed", rewriting.Thumbor.Signed()).
		Strs("profiles", rewriting.Registry.Names()).
		Msg("rewriters ready")

	jobStore, closeStore, err := bootstrap.JobStore(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("job store setup failed")
	}
	defer closeStore()

	storageClient, err := storage.NewClient(storage.Config{
		Endpoint: cfg.Storage.Endpoint,
		Access:   cfg.Storage.AccessKey,
		Secret:   cfg.Storage.SecretKey,
		Bucket:   cfg.Storage.Bucket,
		UseSSL:   cfg.Storage.UseSSL,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("storage client setup failed")
	}

	queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name)
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Error().Err(err).Msg("queue client close failed")
		}
	}()

	var limiter api.RateLimiter
	if cfg.RateLimit.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
		})
		defer redisClient.Close()

		bucket, err := ratelimit.NewRedisTokenBucket(redisClient, cfg.RateLimit.Capacity, cfg.RateLimit.Window, "")
		if err != nil {
			logger.Fatal().Err(err).Msg("rate limiter setup failed")
		}
		limiter = bucket
	}

	app, err := api.NewServer(api.Options{
		Logger:                logger,
		Queue:                 queueClient,
		JobStore:              jobStore,
		Storage:               storageClient,
		Rewriters:             rewriting.Rewriters,
		Capability:            rewriting.Capability,
		NegotiateAccept:       cfg.Rewrite.NegotiateAccept,
		FallbackOnBuildError:  cfg.Rewrite.FallbackOnBuildError,
		PresignTTL:            cfg.API.PresignTTL,
		RateLimiter:           limiter,
		RateLimitUserIDHeader: cfg.RateLimit.UserIDHeader,
		Tracer:                otel.Tracer("pixelrewrite/api"),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("api setup failed")
	}

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.API.Addr).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info().Msg("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
}

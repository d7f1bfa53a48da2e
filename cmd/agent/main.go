package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/iago/wa-marketing-back/internal/ai"
	"github.com/iago/wa-marketing-back/internal/broadcast"
	"github.com/iago/wa-marketing-back/internal/buffer"
	"github.com/iago/wa-marketing-back/internal/cache"
	"github.com/iago/wa-marketing-back/internal/config"
	"github.com/iago/wa-marketing-back/internal/domain"
	httpserver "github.com/iago/wa-marketing-back/internal/http"
	"github.com/iago/wa-marketing-back/internal/http/handlers"
	"github.com/iago/wa-marketing-back/internal/metrics"
	"github.com/iago/wa-marketing-back/internal/queue"
	"github.com/iago/wa-marketing-back/internal/ratelimit"
	"github.com/iago/wa-marketing-back/internal/service"
	"github.com/iago/wa-marketing-back/internal/tracker"
	"github.com/iago/wa-marketing-back/internal/transport"
	"github.com/iago/wa-marketing-back/internal/worker"
)

func main() {
	// Missing .env files are normal outside local development.
	_ = godotenv.Load(".env", ".env.local")
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	m := metrics.New(registry)

	pool, poolCloser := setupPostgres(ctx, cfg, logger)
	defer poolCloser()

	messageStore, reportStore := setupJobStores(pool, logger)
	cacheStore, cacheStoreCloser := setupCacheStore(ctx, cfg, pool, logger)
	defer cacheStoreCloser()

	groupCache := cache.New(cache.Config{
		MemoryTTL:     cfg.CacheMemoryTTL,
		StoreTTL:      cfg.CacheStoreTTL,
		SweepInterval: cfg.CacheSweepInterval,
	}, cacheStore, logger, m)
	defer groupCache.Close()

	generalLimiter := ratelimit.New(ratelimit.Config{
		ThrottleDelay: cfg.GeneralThrottleDelay,
		MaxRetries:    cfg.GeneralMaxRetries,
		InitialDelay:  cfg.GeneralInitialDelay,
		MaxDelay:      cfg.GeneralMaxDelay,
	}, logger)
	metadataLimiter := ratelimit.New(ratelimit.Config{
		ThrottleDelay: cfg.MetadataThrottleDelay,
		MaxRetries:    cfg.MetadataMaxRetries,
		InitialDelay:  cfg.MetadataInitialDelay,
		MaxDelay:      cfg.MetadataMaxDelay,
	}, logger)

	aiClient := ai.NewClient(ai.ClientConfig{
		APIKey:      cfg.AIAPIKey,
		BaseURL:     cfg.AIBaseURL,
		Model:       cfg.AIModel,
		Timeout:     cfg.AITimeout,
		Temperature: cfg.AITemperature,
		MaxTokens:   cfg.AIMaxTokens,
	})
	if !aiClient.Available() {
		logger.Warn().Msg("AI_API_KEY not configured, job queues stay gated")
	}

	tp := transport.Noop{Logger: logger}

	adTracker, err := setupTracker(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("ad tracker initialization failed")
	}
	go adTracker.Run(ctx, cfg.TrackerCleanupInterval, tp)

	replies := service.NewReplyService(
		service.ReplyConfig{
			OwnerKey:        cfg.OwnerKey,
			OperatorChannel: cfg.OperatorChannel,
			Buffer: buffer.Config{
				WindowSolo:   cfg.BufferWindowSolo,
				WindowLow:    cfg.BufferWindowLow,
				WindowMedium: cfg.BufferWindowMedium,
				WindowHigh:   cfg.BufferWindowHigh,
			},
		},
		messageStore,
		queue.Config{
			Name:              "message",
			Retention:         cfg.MessageQueueRetention,
			ProcessingTimeout: cfg.QueueProcessingTimeout,
		},
		aiClient, tp, generalLimiter, logger, m,
	)
	reports := service.NewReportService(
		cfg.OperatorChannel,
		reportStore,
		queue.Config{
			Name:              "report",
			Retention:         cfg.ReportQueueRetention,
			ProcessingTimeout: cfg.QueueProcessingTimeout,
		},
		aiClient, tp, generalLimiter, logger, m,
	)

	broadcaster := broadcast.New(broadcast.Config{
		SendDelay:       cfg.BroadcastSendDelay,
		MinParticipants: cfg.BroadcastMinParticipants,
	}, tp, groupCache, metadataLimiter, adTracker, logger, m)

	backgroundWorker := worker.New(worker.Config{
		MessageInterval: cfg.WorkerMessageInterval,
		ReportInterval:  cfg.WorkerReportInterval,
		CleanupInterval: cfg.WorkerCleanupInterval,
	}, replies.Queue(), reports.Queue(), logger, m)

	if cfg.WorkerEnabled {
		backgroundWorker.Start(ctx)
		defer backgroundWorker.Stop()
	} else {
		logger.Info().Msg("worker disabled by configuration")
	}

	api := handlers.NewAPI(replies, reports, broadcaster, groupCache, adTracker, backgroundWorker)
	handler := httpserver.NewRouter(httpserver.RouterDependencies{
		API:            api,
		Logger:         logger,
		AuthToken:      cfg.AuthToken,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		Registry:       registry,
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info().Str("port", cfg.Port).Msg("agent listening")
		errChan <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server failed")
		}
	}

	// Drain pending debounce windows before the process exits so buffered
	// bursts become durable jobs instead of being lost.
	replies.Buffer().FlushAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
}

func newLogger(level string) zerolog.Logger {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).Level(parsed).With().Timestamp().Logger()
}

func setupPostgres(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*pgxpool.Pool, func()) {
	if cfg.DatabaseURL == "" {
		logger.Info().Msg("DATABASE_URL not configured, using in-memory stores")
		return nil, func() {}
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error().Err(err).Msg("postgres pool creation failed, fallback to memory")
		return nil, func() {}
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		logger.Error().Err(err).Msg("postgres unreachable, fallback to memory")
		pool.Close()
		return nil, func() {}
	}
	logger.Info().Msg("postgres pool initialized")
	return pool, pool.Close
}

func setupJobStores(pool *pgxpool.Pool, logger zerolog.Logger) (queue.Store, queue.Store) {
	if pool == nil {
		return queue.NewMemoryStore(), queue.NewMemoryStore()
	}
	logger.Info().Msg("durable job stores initialized")
	return queue.NewPostgresStore(pool, domain.JobKindMessage), queue.NewPostgresStore(pool, domain.JobKindReport)
}

// setupCacheStore picks the durable cache tier: Redis when configured,
// otherwise the Postgres pool, otherwise none (memory-only cache).
func setupCacheStore(ctx context.Context, cfg config.Config, pool *pgxpool.Pool, logger zerolog.Logger) (cache.Store, func()) {
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			logger.Error().Err(err).Msg("redis unreachable, cache falls back")
			_ = client.Close()
		} else {
			logger.Info().Msg("redis cache store initialized")
			return cache.NewRedisStore(client, cfg.CacheStoreTTL), func() { _ = client.Close() }
		}
	}
	if pool != nil {
		return cache.NewPostgresStore(pool), func() {}
	}
	logger.Info().Msg("no durable cache tier configured, memory-only cache")
	return nil, func() {}
}

func setupTracker(cfg config.Config, logger zerolog.Logger) (*tracker.Tracker, error) {
	if dir := filepath.Dir(cfg.TrackerPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return tracker.New(cfg.TrackerPath, logger)
}

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"generation-queue/internal/api"
	"generation-queue/internal/broadcast"
	"generation-queue/internal/config"
	"generation-queue/internal/engine"
	"generation-queue/internal/ratelimit"
	"generation-queue/internal/realtime"
	"generation-queue/internal/registry"
	"generation-queue/internal/storage"
	"generation-queue/internal/store"
	"generation-queue/internal/telemetry"
	"generation-queue/internal/worker"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := newLogger(cfg.Env)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrations")
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	reg := registry.New(redisClient, cfg.SubscriptionTTL)
	hub := realtime.NewHub(reg, log)
	defer hub.Close()
	dispatcher := broadcast.New(reg, hub, log)

	eng := engine.NewClient(cfg.EngineBaseURL, engine.Options{
		RequestTimeout: cfg.EngineRequestTimeout,
		PingInterval:   cfg.EnginePingInterval,
		MaxBytes:       cfg.DownloadMaxBytes,
	}, log)
	defer eng.Close()

	var uploader storage.Uploader
	if cfg.S3Bucket != "" {
		s3up, err := storage.NewS3Uploader(ctx, storage.S3Config{
			Bucket:        cfg.S3Bucket,
			Region:        cfg.S3Region,
			Endpoint:      cfg.S3Endpoint,
			PathStyle:     cfg.S3PathStyle,
			PublicURLBase: cfg.PublicURLBase,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("init s3 uploader")
		}
		uploader = s3up
	} else {
		uploader = &storage.LocalUploader{BaseDir: cfg.LocalOutputDir}
	}

	reconciler := worker.NewReconciler(st, eng, uploader, dispatcher, cfg.ThumbnailWidth, log)
	processor := worker.NewProcessor(cfg, st, eng, dispatcher, reconciler, log)
	scheduler := worker.NewScheduler(cfg, st, processor, dispatcher, log)

	limiter := ratelimit.NewSubmissionLimiter(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	server := api.New(cfg, st, limiter, hub, log)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	go func() {
		log.Info().Str("port", cfg.HTTPPort).Msg("api listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	log.Info().
		Int("concurrency_cap", cfg.ConcurrencyCap).
		Dur("tick_interval", cfg.TickInterval).
		Dur("poll_budget", cfg.PollBudget).
		Msg("scheduler started")
	if err := scheduler.Run(ctx); err != nil {
		log.Info().Err(err).Msg("scheduler stopped")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

func newLogger(env string) zerolog.Logger {
	level := zerolog.InfoLevel
	if env == "dev" {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	if env == "dev" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	return logger
}

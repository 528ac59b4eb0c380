package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"eventsync/internal/archive"
	"eventsync/internal/cloudinary"
	"eventsync/internal/config"
	"eventsync/internal/observability"
	"eventsync/internal/queue"
	"eventsync/internal/store"
)

// Worker drains the shared evidence queue into Cloudinary.
func main() {
	cfg, err := config.Load()
	if err != nil {
		observability.SetupLogging(false, "info")
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	observability.SetupLogging(cfg.Production(), cfg.LogLevel)

	if cfg.QueueBackend != "redis" {
		log.Fatal().Str("queue_backend", cfg.QueueBackend).Msg("worker needs QUEUE_BACKEND=redis; the in-memory queue is drained inside the api process")
	}
	if cfg.CloudinaryCloudName == "" || cfg.CloudinaryAPIKey == "" || cfg.CloudinaryAPISecret == "" {
		log.Fatal().Msg("cloudinary not configured (CLOUDINARY_CLOUD_NAME / API_KEY / API_SECRET not set)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := store.NewRedis(cfg.RedisAddr)
	defer rdb.Close()
	if !rdb.Healthy(ctx) {
		log.Warn().Str("module", "worker").Str("addr", cfg.RedisAddr).Msg("redis not reachable yet, will keep retrying")
	}

	q := queue.NewRedisQueue(rdb.Client, queue.DefaultKey)
	cdn := cloudinary.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
	log.Info().Str("module", "worker").Str("cloud", cfg.CloudinaryCloudName).Msg("cloudinary configured")

	if err := archive.NewWorker(q, cdn).Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("worker failed")
	}
}

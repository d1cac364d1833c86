package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"storyreel/internal/artifacts"
	"storyreel/internal/config"
	"storyreel/internal/events"
	"storyreel/internal/jobs"
	"storyreel/internal/logging"
	"storyreel/internal/models"
	"storyreel/internal/store"
	"storyreel/internal/telemetry"
	"storyreel/internal/worker"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := logging.New(cfg.Env)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	jobStore, closeStore, err := openJobStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("open job store")
	}
	defer closeStore()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()

	publisher := events.NewRedisPublisher(redisClient, cfg.EventChannel, log)
	svc := jobs.NewService(jobStore, publisher, log)

	artifactStore, err := openArtifactStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("open artifact store")
	}

	dispatcher := worker.NewDispatcher(svc, cfg.WorkerPollInterval, log)
	dispatcher.RegisterHandler(models.KindImageGeneration, worker.NewImageHandler(artifactStore).Handle)
	dispatcher.RegisterHandler(models.KindSpeechGeneration, worker.NewSpeechHandler(artifactStore).Handle)
	dispatcher.RegisterHandler(models.KindVideoComposition, worker.NewVideoHandler(artifactStore, jobStore).Handle)
	dispatcher.RegisterHandler(models.KindPageThumbnail, worker.NewThumbnailHandler(artifactStore, jobStore).Handle)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	log.Info().Dur("poll", cfg.WorkerPollInterval).Str("store", cfg.StoreDriver).Msg("worker started")
	if err := dispatcher.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("worker stopped")
	}
}

func openJobStore(ctx context.Context, cfg config.Config) (jobs.Store, func(), error) {
	if cfg.StoreDriver == "memory" {
		return jobs.NewMemoryStore(), func() {}, nil
	}
	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, err
	}
	if err := st.RunMigrations(ctx); err != nil {
		st.Close()
		return nil, nil, err
	}
	return st, st.Close, nil
}

func openArtifactStore(ctx context.Context, cfg config.Config) (artifacts.Store, error) {
	if cfg.ArtifactS3Bucket != "" {
		return artifacts.NewS3Store(ctx, artifacts.S3Options{
			Bucket:    cfg.ArtifactS3Bucket,
			Region:    cfg.ArtifactS3Region,
			Endpoint:  cfg.ArtifactS3Endpoint,
			PathStyle: cfg.ArtifactS3PathStyle,
		})
	}
	return artifacts.NewLocalStore(cfg.ArtifactDir)
}

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

	"storyreel/internal/api"
	"storyreel/internal/artifacts"
	"storyreel/internal/config"
	"storyreel/internal/events"
	"storyreel/internal/jobs"
	"storyreel/internal/logging"
	"storyreel/internal/ratelimit"
	"storyreel/internal/rooms"
	"storyreel/internal/store"
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

	hub := rooms.NewHub(cfg.RoomBufferSize, log)
	bridge := rooms.NewBridge(redisClient, cfg.EventChannel, hub, log)
	go func() {
		if err := bridge.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("room bridge stopped")
		}
	}()

	limiter := ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, cfg.RateLimitTTL)

	server := api.New(cfg, svc, artifactStore, publisher, hub, limiter, log)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Info().Str("port", cfg.HTTPPort).Str("store", cfg.StoreDriver).Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
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

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"fileshield/internal/anomaly"
	"fileshield/internal/config"
	"fileshield/internal/db"
	"fileshield/internal/engine"
	"fileshield/internal/metrics"
	"fileshield/internal/signatures"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log.Info().Msg("Starting FileShield ingestor")

	ingestor, err := NewIngestor(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create ingestor")
	}
	defer ingestor.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info().Msg("Received shutdown signal, gracefully stopping...")
		cancel()
	}()

	if err := ingestor.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Ingestion failed")
		os.Exit(1)
	}

	ingestor.PrintStats()
}

// NewIngestor connects to the backing stores
func NewIngestor(cfg *config.Config) (*Ingestor, error) {
	sigs := signatures.Default()
	if cfg.Engine.SignaturesFile != "" {
		var err error
		if sigs, err = signatures.Load(cfg.Engine.SignaturesFile); err != nil {
			return nil, fmt.Errorf("failed to load signatures: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ch, err := db.NewClickHouseClient(cfg.ClickHouse)
	if err != nil {
		return nil, err
	}
	if err := ch.EnsureSchema(ctx); err != nil {
		ch.Close()
		return nil, err
	}

	redis, err := db.NewRedisClient(cfg.Redis)
	if err != nil {
		ch.Close()
		return nil, err
	}

	minio, err := db.NewMinIOClient(cfg.MinIO)
	if err != nil {
		ch.Close()
		redis.Close()
		return nil, err
	}

	deps := Deps{
		Registry: ch,
		Cache:    redis,
		Blobs:    minio,
		Engine: engine.New(engine.Options{
			Signatures: sigs,
			Forest: anomaly.ForestConfig{
				Trees:      cfg.Engine.ForestTrees,
				SampleSize: cfg.Engine.ForestSampleSize,
				Seed:       cfg.Engine.ForestSeed,
			},
		}),
		Metrics: metrics.GetMetrics(),
		Closers: []func() error{ch.Close, redis.Close},
	}

	// Feature vectors are optional
	qdrant, err := db.NewQdrantClient(cfg.Qdrant)
	if err == nil {
		err = qdrant.EnsureCollection(ctx)
		if err == nil {
			deps.Vectors = qdrant
			deps.Closers = append(deps.Closers, qdrant.Close)
		} else {
			qdrant.Close()
		}
	}
	if err != nil {
		log.Warn().Err(err).Msg("Qdrant unavailable, feature vectors will not be indexed")
	}

	return newIngestor(cfg, deps), nil
}

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"fileshield/internal/anomaly"
	"fileshield/internal/config"
	"fileshield/internal/db"
	"fileshield/internal/engine"
	"fileshield/internal/metrics"
	"fileshield/internal/middleware"
	"fileshield/internal/service"
	"fileshield/internal/signatures"
)

// Server holds all dependencies for the API server
type Server struct {
	cfg     *config.Config
	app     *fiber.App
	svc     scanService
	ch      *db.ClickHouseClient
	redis   *db.RedisClient
	minio   *db.MinIOClient
	qdrant  *db.QdrantClient
	metrics *metrics.Metrics
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log.Info().Msg("Starting FileShield API server")

	server, err := NewServer(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create server")
	}
	defer server.Close()

	server.SetupRoutes()

	// Metrics are served on their own port
	if cfg.Metrics.Enabled {
		go server.StartMetricsServer()
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("Shutting down server...")
		if err := server.app.Shutdown(); err != nil {
			log.Error().Err(err).Msg("Error during shutdown")
		}
	}()

	addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
	log.Info().Str("addr", addr).Msg("Starting API server")

	if err := server.app.Listen(addr); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

// NewServer connects to the backing stores and builds the scan service
func NewServer(cfg *config.Config) (*Server, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sigs, err := loadSignatures(cfg.Engine.SignaturesFile)
	if err != nil {
		return nil, err
	}

	ch, err := db.NewClickHouseClient(cfg.ClickHouse)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	if err := ch.EnsureSchema(ctx); err != nil {
		ch.Close()
		return nil, err
	}

	redis, err := db.NewRedisClient(cfg.Redis)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	minio, err := db.NewMinIOClient(cfg.MinIO)
	if err != nil {
		ch.Close()
		redis.Close()
		return nil, fmt.Errorf("failed to connect to MinIO: %w", err)
	}

	// Similarity search is optional
	qdrant, err := db.NewQdrantClient(cfg.Qdrant)
	if err == nil {
		if err = qdrant.EnsureCollection(ctx); err != nil {
			qdrant.Close()
			qdrant = nil
		}
	}
	if err != nil {
		log.Warn().Err(err).Msg("Qdrant unavailable, similarity search disabled")
	}

	m := metrics.GetMetrics()
	eng := engine.New(engine.Options{
		Signatures: sigs,
		Forest: anomaly.ForestConfig{
			Trees:      cfg.Engine.ForestTrees,
			SampleSize: cfg.Engine.ForestSampleSize,
			Seed:       cfg.Engine.ForestSeed,
		},
		Workers: cfg.Worker.Count,
		OnTrain: func(int) { m.RecordForestTrained() },
	})

	deps := service.Deps{
		Engine:  eng,
		Scans:   ch,
		Cache:   redis,
		Blobs:   minio,
		Metrics: m,
	}
	if qdrant != nil {
		deps.Vectors = qdrant
	}

	svc := service.New(deps, service.Limits{
		History: cfg.Engine.HistoryLimit,
		Events:  cfg.Engine.EventLimit,
	})

	return &Server{
		cfg:     cfg,
		app:     newApp(cfg.API),
		svc:     svc,
		ch:      ch,
		redis:   redis,
		minio:   minio,
		qdrant:  qdrant,
		metrics: m,
	}, nil
}

func newApp(cfg config.APIConfig) *fiber.App {
	return fiber.New(fiber.Config{
		AppName:      "FileShield API",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
		BodyLimit:    cfg.MaxUploadSize,
		JSONEncoder:  json.Marshal,
		JSONDecoder:  json.Unmarshal,
		ErrorHandler: errorHandler,
	})
}

func loadSignatures(path string) (*signatures.Set, error) {
	if path == "" {
		return signatures.Default(), nil
	}
	set, err := signatures.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load signatures: %w", err)
	}
	log.Info().Str("file", path).Int("patterns", set.Len()).Msg("Loaded signature set")
	return set, nil
}

// Close closes all connections
func (s *Server) Close() {
	s.ch.Close()
	s.redis.Close()
	if s.qdrant != nil {
		s.qdrant.Close()
	}
}

// SetupRoutes configures all API routes
func (s *Server) SetupRoutes() {
	s.app.Use(middleware.RecoverMiddleware())
	s.app.Use(middleware.CORSMiddleware())
	s.app.Use(middleware.RequestLogger(s.metrics))
	s.app.Use(compress.New())

	authCfg := middleware.AuthConfig{
		APIKey:     s.cfg.API.APIKey,
		RateLimit:  s.cfg.API.RateLimit,
		RateWindow: time.Minute,
		SkipPaths:  []string{"/health", "/readyz", "/metrics"},
	}
	if s.redis != nil {
		authCfg.Limiter = s.redis
	}
	if s.metrics != nil {
		authCfg.OnLimited = s.metrics.RateLimited.Inc
	}

	// Public endpoints
	s.app.Get("/health", s.healthHandler)
	s.app.Get("/readyz", s.readinessHandler)

	// Protected endpoints
	api := s.app.Group("/", middleware.NewAuthMiddleware(authCfg))
	api.Post("/scan", s.scanHandler)

	users := api.Group("/users/:user_id")
	users.Post("/activity", s.activityHandler)
	users.Get("/anomaly", s.anomalyHandler)
	users.Get("/report", s.reportHandler)

	files := api.Group("/files/:hash")
	files.Get("/similar", s.similarHandler)
	files.Get("/known", s.knownHandler)
	files.Get("/content", s.contentHandler)

	api.Post("/detector/reset", s.resetDetectorHandler)
	api.Get("/stats", s.statsHandler)
}

// StartMetricsServer starts the Prometheus metrics server
func (s *Server) StartMetricsServer() {
	addr := fmt.Sprintf(":%d", s.cfg.Metrics.Port)
	log.Info().Str("addr", addr).Msg("Starting metrics server")

	http.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Error().Err(err).Msg("Metrics server failed")
	}
}

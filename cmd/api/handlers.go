package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"fileshield/internal/models"
	"fileshield/internal/service"
)

const (
	defaultSimilarLimit = 10
	requestTimeout      = 30 * time.Second
)

// scanService is the part of service.Service the handlers use
type scanService interface {
	ScanUpload(ctx context.Context, userID, filename string, content []byte) (*models.ScanResponse, error)
	RecordActivity(ctx context.Context, userID string, req models.ActivityRequest) (models.ActivityPoint, error)
	DetectAnomaly(ctx context.Context, userID string) (models.AnomalyVerdict, error)
	Report(ctx context.Context, userID string) (models.UserRiskReport, error)
	SimilarFiles(ctx context.Context, contentHash string, limit int) ([]models.SimilarFile, error)
	IsKnownDangerous(ctx context.Context, contentHash string) (bool, error)
	Stats(ctx context.Context) (*models.ScanStats, error)
	RetrainDetector()
}

// ========== Handlers ==========

// healthHandler returns service health status
func (s *Server) healthHandler(c *fiber.Ctx) error {
	return c.JSON(models.HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Components: map[string]string{
			"api": "up",
		},
	})
}

// readinessHandler checks if all dependencies are ready
func (s *Server) readinessHandler(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 5*time.Second)
	defer cancel()

	components := make(map[string]string)
	allHealthy := true

	if err := s.ch.Ping(ctx); err != nil {
		components["clickhouse"] = "down: " + err.Error()
		allHealthy = false
	} else {
		components["clickhouse"] = "up"
	}

	if err := s.redis.Ping(ctx); err != nil {
		components["redis"] = "down: " + err.Error()
		allHealthy = false
	} else {
		components["redis"] = "up"
	}

	if s.qdrant != nil {
		components["qdrant"] = "up"
	} else {
		components["qdrant"] = "disabled"
	}

	status := "ready"
	statusCode := fiber.StatusOK
	if !allHealthy {
		status = "not ready"
		statusCode = fiber.StatusServiceUnavailable
	}

	return c.Status(statusCode).JSON(models.HealthResponse{
		Status:     status,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Components: components,
	})
}

// scanHandler scores a multipart upload. The user comes from the X-User-ID
// header or the user_id form field.
func (s *Server) scanHandler(c *fiber.Ctx) error {
	userID := c.Get("X-User-ID")
	if userID == "" {
		userID = c.FormValue("user_id")
	}

	fh, err := c.FormFile("file")
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Missing file upload")
	}

	f, err := fh.Open()
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Unreadable file upload")
	}
	defer f.Close()

	limit := s.cfg.API.MaxUploadSize
	content, err := io.ReadAll(io.LimitReader(f, int64(limit)+1))
	if err != nil {
		return fmt.Errorf("failed to read upload: %w", err)
	}
	if limit > 0 && len(content) > limit {
		return fiber.NewError(fiber.StatusRequestEntityTooLarge, "File exceeds upload limit")
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), requestTimeout)
	defer cancel()

	resp, err := s.svc.ScanUpload(ctx, userID, fh.Filename, content)
	if err != nil {
		return err
	}
	return c.JSON(resp)
}

// activityHandler records a non-upload user action
func (s *Server) activityHandler(c *fiber.Ctx) error {
	var req models.ActivityRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}

	point, err := s.svc.RecordActivity(c.UserContext(), c.Params("user_id"), req)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(point)
}

// anomalyHandler judges the user's activity history
func (s *Server) anomalyHandler(c *fiber.Ctx) error {
	verdict, err := s.svc.DetectAnomaly(c.UserContext(), c.Params("user_id"))
	if err != nil {
		return err
	}
	return c.JSON(verdict)
}

// reportHandler builds the user's risk report
func (s *Server) reportHandler(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), requestTimeout)
	defer cancel()

	report, err := s.svc.Report(ctx, c.Params("user_id"))
	if err != nil {
		return err
	}
	return c.JSON(report)
}

// similarHandler returns the nearest stored files in feature space
func (s *Server) similarHandler(c *fiber.Ctx) error {
	hash := c.Params("hash")
	limit := c.QueryInt("limit", defaultSimilarLimit)

	similar, err := s.svc.SimilarFiles(c.UserContext(), hash, limit)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"content_hash": hash,
		"similar":      similar,
	})
}

// knownHandler checks the dangerous-hash filter
func (s *Server) knownHandler(c *fiber.Ctx) error {
	hash := c.Params("hash")
	known, err := s.svc.IsKnownDangerous(c.UserContext(), hash)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"content_hash":    hash,
		"known_dangerous": known,
	})
}

// contentHandler streams stored upload bytes from MinIO
func (s *Server) contentHandler(c *fiber.Ctx) error {
	hash := c.Params("hash")
	if s.minio == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "Object storage not configured")
	}

	obj, info, err := s.minio.GetContent(c.UserContext(), hash)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(models.ErrorResponse{
			Error:   "File content not available",
			Code:    fiber.StatusNotFound,
			Details: hash,
		})
	}
	defer obj.Close()

	filename := info.UserMetadata["Filename"]
	if filename == "" {
		filename = hash
	}

	c.Set("Content-Type", info.ContentType)
	c.Set("Content-Length", strconv.FormatInt(info.Size, 10))
	c.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Set("X-Content-Hash", hash)

	if _, err := io.Copy(c.Response().BodyWriter(), obj); err != nil {
		log.Error().Err(err).Str("hash", hash).Msg("Failed to stream file")
	}
	return nil
}

// resetDetectorHandler discards the anomaly forest
func (s *Server) resetDetectorHandler(c *fiber.Ctx) error {
	s.svc.RetrainDetector()
	return c.JSON(fiber.Map{"status": "reset"})
}

// statsHandler returns scan statistics and dangerous-hash filter info
func (s *Server) statsHandler(c *fiber.Ctx) error {
	ctx := c.UserContext()

	stats, err := s.svc.Stats(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to get scan stats")
	}

	var filterInfo map[string]interface{}
	if s.redis != nil {
		if info, err := s.redis.FilterInfo(ctx); err == nil {
			filterInfo = map[string]interface{}{
				"capacity":       info.Capacity,
				"size":           info.Size,
				"items_inserted": info.ItemsInserted,
				"expansion_rate": info.ExpansionRate,
			}
			if s.metrics != nil {
				s.metrics.DangerousFilterItems.Set(float64(info.ItemsInserted))
			}
		}
	}

	return c.JSON(fiber.Map{
		"scan_stats":       stats,
		"dangerous_filter": filterInfo,
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
	})
}

// statusFor maps service errors onto HTTP status codes
func statusFor(err error) int {
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		return fe.Code
	case errors.Is(err, service.ErrInvalidInput):
		return fiber.StatusBadRequest
	case errors.Is(err, service.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, service.ErrVectorSearchDisabled):
		return fiber.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout
	default:
		return fiber.StatusInternalServerError
	}
}

// errorHandler renders every error as an ErrorResponse
func errorHandler(c *fiber.Ctx, err error) error {
	code := statusFor(err)
	message := "Internal server error"

	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		message = fe.Message
	case code != fiber.StatusInternalServerError:
		message = err.Error()
	}

	logEvent := log.Warn()
	if code >= fiber.StatusInternalServerError {
		logEvent = log.Error()
	}
	logEvent.
		Err(err).
		Int("code", code).
		Str("path", c.Path()).
		Msg("Request error")

	return c.Status(code).JSON(models.ErrorResponse{
		Error: message,
		Code:  code,
	})
}

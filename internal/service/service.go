package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"fileshield/internal/engine"
	"fileshield/internal/extractor"
	"fileshield/internal/metrics"
	"fileshield/internal/models"
)

const (
	bytesPerMB       = 1024 * 1024
	dangerousScore   = 0.7
	defaultHistory   = 1000
	defaultEvents    = 100
	maxSimilarResult = 100

	// EventThreatDetected is logged for every unsafe upload
	EventThreatDetected = "threat_detected"
)

var (
	// ErrInvalidInput is returned for empty user IDs, filenames or hashes
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound is returned when a hash has never been scanned
	ErrNotFound = errors.New("not found")
	// ErrVectorSearchDisabled is returned when no vector store is configured
	ErrVectorSearchDisabled = errors.New("vector search disabled")
)

// Deps are the collaborators of a Service. Blobs and Vectors may be nil.
type Deps struct {
	Engine  *engine.Engine
	Scans   ScanStore
	Cache   Cache
	Blobs   BlobStore
	Vectors VectorStore
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Limits bound how much history feeds a decision
type Limits struct {
	History int
	Events  int
}

// Service runs the engine over persisted user state
type Service struct {
	Deps
	limits Limits
}

// New creates a service
func New(deps Deps, limits Limits) *Service {
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.GetMetrics()
	}
	if limits.History <= 0 {
		limits.History = defaultHistory
	}
	if limits.Events <= 0 {
		limits.Events = defaultEvents
	}
	return &Service{Deps: deps, limits: limits}
}

// ========== Uploads ==========

// ScanUpload scores an uploaded file and records everything the user's later
// reports depend on: the scan row, an activity point and, for unsafe files, a
// security event. Cache, blob and vector failures are logged and skipped; scan
// persistence failures are returned.
func (s *Service) ScanUpload(ctx context.Context, userID, filename string, content []byte) (*models.ScanResponse, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(filename) == "" {
		return nil, fmt.Errorf("%w: user_id and filename are required", ErrInvalidInput)
	}

	start := time.Now()
	now := s.Now()
	hash := extractor.HashContent(content)
	resp := &models.ScanResponse{}

	known, err := s.Cache.IsKnownDangerous(ctx, hash)
	if err != nil {
		log.Warn().Err(err).Str("hash", hash).Msg("Dangerous-hash lookup failed")
	}
	resp.KnownDangerous = known
	s.Metrics.RecordDangerousLookup(known)

	cached, err := s.Cache.GetCachedScan(ctx, hash, filename)
	if err != nil {
		log.Warn().Err(err).Str("hash", hash).Msg("Verdict cache lookup failed")
	}
	s.Metrics.RecordCacheLookup(cached != nil)

	var scan models.FileScan
	if cached != nil {
		scan = *cached
		scan.ScanID = uuid.New().String()
		resp.Cached = true
	} else {
		scan = s.Engine.ScanFile(filename, content)
		s.Metrics.RecordScan(string(scan.Verdict.FileCategory), scan.Verdict.ThreatScore,
			kindStrings(scan.Verdict.RiskFactors), len(content), time.Since(start).Seconds())

		if err := s.Cache.CacheScan(ctx, scan); err != nil {
			log.Warn().Err(err).Str("hash", hash).Msg("Failed to cache verdict")
		}
	}
	scan.UserID = userID

	if err := s.Scans.BatchInsertScans(ctx, []models.FileScan{scan}); err != nil {
		return nil, fmt.Errorf("failed to persist scan: %w", err)
	}

	if s.Blobs != nil {
		key, err := s.Blobs.StoreContent(ctx, hash, filename, content)
		if err != nil {
			log.Warn().Err(err).Str("hash", hash).Msg("Failed to store upload")
		}
		resp.StorageKey = key
	}

	if s.Vectors != nil && !resp.Cached {
		if err := s.Vectors.UpsertScans(ctx, []models.FileScan{scan}); err != nil {
			log.Warn().Err(err).Str("hash", hash).Msg("Failed to index feature vector")
		}
	}

	if scan.Verdict.ThreatScore >= dangerousScore && !known {
		if err := s.Cache.MarkDangerous(ctx, hash); err != nil {
			log.Warn().Err(err).Str("hash", hash).Msg("Failed to mark hash dangerous")
		}
	}

	session, err := s.Cache.IncrementSessionUploads(ctx, userID)
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("Failed to count session upload")
		session = 1
	}

	point := models.ActivityPoint{
		HourOfDay:          now.Hour(),
		FileSizeMB:         float64(len(content)) / bytesPerMB,
		FilenameLength:     uint32(utf8.RuneCountInString(filename)),
		SessionUploadCount: session,
		Timestamp:          now,
	}
	if err := s.Scans.InsertActivity(ctx, userID, point); err != nil {
		return nil, fmt.Errorf("failed to record activity: %w", err)
	}

	if !scan.Verdict.IsSafe {
		if err := s.recordThreat(ctx, userID, scan, now); err != nil {
			return nil, err
		}
		log.Info().
			Str("user_id", userID).
			Str("filename", filename).
			Float64("threat_score", scan.Verdict.ThreatScore).
			Bool("cached", resp.Cached).
			Msg("Unsafe upload")
	}

	resp.Scan = scan
	resp.QueryTime = time.Since(start).String()
	return resp, nil
}

func (s *Service) recordThreat(ctx context.Context, userID string, scan models.FileScan, now time.Time) error {
	factors := strings.Join(models.Descriptions(scan.Verdict.RiskFactors), "; ")
	event := models.SecurityEvent{
		EventID:     uuid.New().String(),
		UserID:      userID,
		EventType:   EventThreatDetected,
		Level:       models.RiskLevelFor(scan.Verdict.ThreatScore),
		Description: fmt.Sprintf("%s scored %.2f: %s", scan.Filename, scan.Verdict.ThreatScore, factors),
		CreatedAt:   now,
	}

	if err := s.Scans.InsertSecurityEvent(ctx, event); err != nil {
		return fmt.Errorf("failed to record security event: %w", err)
	}
	s.Metrics.SecurityEvents.WithLabelValues(string(event.Level)).Inc()
	return nil
}

// RecordActivity appends an activity point that did not come from an upload
func (s *Service) RecordActivity(ctx context.Context, userID string, req models.ActivityRequest) (models.ActivityPoint, error) {
	if strings.TrimSpace(userID) == "" {
		return models.ActivityPoint{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if req.FileSize < 0 {
		return models.ActivityPoint{}, fmt.Errorf("%w: file_size must not be negative", ErrInvalidInput)
	}

	ts := req.Timestamp
	if ts.IsZero() {
		ts = s.Now()
	}
	ts = ts.UTC()

	session := req.SessionUploads
	if session == 0 {
		var err error
		session, err = s.Cache.IncrementSessionUploads(ctx, userID)
		if err != nil {
			log.Warn().Err(err).Str("user_id", userID).Msg("Failed to count session upload")
			session = 1
		}
	}

	point := models.ActivityPoint{
		HourOfDay:          ts.Hour(),
		FileSizeMB:         float64(req.FileSize) / bytesPerMB,
		FilenameLength:     uint32(utf8.RuneCountInString(req.Filename)),
		SessionUploadCount: session,
		Timestamp:          ts,
	}

	if err := s.Scans.InsertActivity(ctx, userID, point); err != nil {
		return models.ActivityPoint{}, fmt.Errorf("failed to record activity: %w", err)
	}
	return point, nil
}

// ========== Behavior and Reports ==========

// DetectAnomaly judges the user's stored activity history
func (s *Service) DetectAnomaly(ctx context.Context, userID string) (models.AnomalyVerdict, error) {
	if strings.TrimSpace(userID) == "" {
		return models.AnomalyVerdict{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}

	history, err := s.Scans.GetActivityHistory(ctx, userID, s.limits.History)
	if err != nil {
		return models.AnomalyVerdict{}, fmt.Errorf("failed to load activity history: %w", err)
	}

	verdict := s.Engine.DetectAnomaly(history)
	s.Metrics.RecordAnomalyCheck(anomalyOutcome(verdict))
	return verdict, nil
}

// Report builds the user's risk report from stored scans, activity and events
func (s *Service) Report(ctx context.Context, userID string) (models.UserRiskReport, error) {
	if strings.TrimSpace(userID) == "" {
		return models.UserRiskReport{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}

	verdicts, err := s.Scans.GetUserVerdicts(ctx, userID)
	if err != nil {
		return models.UserRiskReport{}, fmt.Errorf("failed to load verdicts: %w", err)
	}

	behavior, err := s.DetectAnomaly(ctx, userID)
	if err != nil {
		return models.UserRiskReport{}, err
	}

	events, err := s.Scans.GetSecurityEvents(ctx, userID, s.limits.Events)
	if err != nil {
		return models.UserRiskReport{}, fmt.Errorf("failed to load security events: %w", err)
	}

	report := s.Engine.AggregateRisk(verdicts, behavior, events)
	report.UserID = userID
	s.Metrics.ReportsGenerated.WithLabelValues(string(report.RiskLevel)).Inc()

	log.Debug().
		Str("user_id", userID).
		Float64("risk_score", report.RiskScore).
		Str("risk_level", string(report.RiskLevel)).
		Int("files", report.Summary.TotalFiles).
		Int("events", report.TotalEvents).
		Msg("Generated risk report")

	return report, nil
}

// ========== File Lookups ==========

// SimilarFiles returns the stored files whose features are nearest to the
// given hash's features
func (s *Service) SimilarFiles(ctx context.Context, contentHash string, limit int) ([]models.SimilarFile, error) {
	if s.Vectors == nil {
		return nil, ErrVectorSearchDisabled
	}
	if contentHash == "" {
		return nil, fmt.Errorf("%w: hash is required", ErrInvalidInput)
	}
	limit = max(1, min(limit, maxSimilarResult))

	ref, err := s.Scans.GetLatestScanByHash(ctx, contentHash)
	if err != nil {
		return nil, fmt.Errorf("failed to look up scan: %w", err)
	}
	if ref == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, contentHash)
	}

	// one extra result, the file itself is its own nearest neighbour
	found, err := s.Vectors.SearchSimilar(ctx, ref.Features.Vector(), uint64(limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to search similar files: %w", err)
	}

	results := make([]models.SimilarFile, 0, limit)
	for _, f := range found {
		if f.ContentHash == contentHash || len(results) == limit {
			continue
		}
		results = append(results, f)
	}
	return results, nil
}

// IsKnownDangerous reports whether a hash was previously scored dangerous
func (s *Service) IsKnownDangerous(ctx context.Context, contentHash string) (bool, error) {
	if contentHash == "" {
		return false, fmt.Errorf("%w: hash is required", ErrInvalidInput)
	}
	known, err := s.Cache.IsKnownDangerous(ctx, contentHash)
	if err != nil {
		return false, fmt.Errorf("failed to check dangerous-hash filter: %w", err)
	}
	s.Metrics.RecordDangerousLookup(known)
	return known, nil
}

// Stats summarises persisted scans
func (s *Service) Stats(ctx context.Context) (*models.ScanStats, error) {
	stats, err := s.Scans.GetScanStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load scan stats: %w", err)
	}
	return stats, nil
}

// RetrainDetector discards the anomaly forest; it is refitted on the next
// history long enough to train on
func (s *Service) RetrainDetector() {
	s.Engine.ResetDetector()
	s.Metrics.RecordForestReset()
	log.Info().Msg("Anomaly forest reset")
}

func anomalyOutcome(v models.AnomalyVerdict) string {
	switch {
	case v.IsAnomalous:
		return "anomalous"
	case v.Confidence == 0:
		return "insufficient"
	default:
		return "normal"
	}
}

func kindStrings(findings []models.Finding) []string {
	out := make([]string, len(findings))
	for i, k := range models.Kinds(findings) {
		out[i] = string(k)
	}
	return out
}


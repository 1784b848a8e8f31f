package service

import (
	"context"

	"fileshield/internal/models"
)

// ScanStore persists scans, activity and security events
type ScanStore interface {
	BatchInsertScans(ctx context.Context, scans []models.FileScan) error
	GetUserVerdicts(ctx context.Context, userID string) ([]models.ThreatVerdict, error)
	GetLatestScanByHash(ctx context.Context, contentHash string) (*models.FileScan, error)
	InsertActivity(ctx context.Context, userID string, p models.ActivityPoint) error
	GetActivityHistory(ctx context.Context, userID string, limit int) ([]models.ActivityPoint, error)
	InsertSecurityEvent(ctx context.Context, e models.SecurityEvent) error
	GetSecurityEvents(ctx context.Context, userID string, limit int) ([]models.SecurityEvent, error)
	GetScanStats(ctx context.Context) (*models.ScanStats, error)
}

// Cache holds short-lived verdicts, the dangerous-hash filter and session counters
type Cache interface {
	GetCachedScan(ctx context.Context, contentHash, filename string) (*models.FileScan, error)
	CacheScan(ctx context.Context, scan models.FileScan) error
	IsKnownDangerous(ctx context.Context, contentHash string) (bool, error)
	MarkDangerous(ctx context.Context, contentHash string) error
	IncrementSessionUploads(ctx context.Context, userID string) (uint32, error)
}

// BlobStore keeps raw upload bytes
type BlobStore interface {
	StoreContent(ctx context.Context, contentHash, filename string, content []byte) (string, error)
}

// VectorStore indexes feature vectors for similarity search
type VectorStore interface {
	UpsertScans(ctx context.Context, scans []models.FileScan) error
	SearchSimilar(ctx context.Context, vector []float32, limit uint64) ([]models.SimilarFile, error)
}

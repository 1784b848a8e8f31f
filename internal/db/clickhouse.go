package db

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/rs/zerolog/log"

	"fileshield/internal/config"
	"fileshield/internal/models"
)

// ClickHouseClient wraps the ClickHouse connection
type ClickHouseClient struct {
	conn driver.Conn
	cfg  config.ClickHouseConfig
}

// schema is applied by EnsureSchema; every statement is idempotent
var schema = []string{
	`CREATE TABLE IF NOT EXISTS file_scans (
		scan_id                 String,
		user_id                 String,
		filename                String,
		content_hash            String,
		file_size               UInt64,
		extension               LowCardinality(String),
		mime_type               LowCardinality(String),
		sniffed_mime            LowCardinality(String),
		entropy                 Float64,
		text_ratio              Float64,
		url_count               UInt32,
		email_count             UInt32,
		malicious_pattern_count UInt32,
		null_byte_ratio         Float64,
		high_ascii_ratio        Float64,
		threat_score            Float64,
		is_safe                 Bool,
		file_category           LowCardinality(String),
		risk_factors            Array(String),
		risk_descriptions       Array(String),
		scanned_at              DateTime64(3, 'UTC')
	) ENGINE = MergeTree ORDER BY (user_id, scanned_at)`,
	`CREATE TABLE IF NOT EXISTS user_activity (
		user_id              String,
		hour_of_day          UInt8,
		file_size_mb         Float64,
		filename_length      UInt32,
		session_upload_count UInt32,
		occurred_at          DateTime64(3, 'UTC')
	) ENGINE = MergeTree ORDER BY (user_id, occurred_at)`,
	`CREATE TABLE IF NOT EXISTS security_events (
		event_id     String,
		user_id      String,
		event_type   LowCardinality(String),
		threat_level LowCardinality(String),
		description  String,
		created_at   DateTime64(3, 'UTC')
	) ENGINE = MergeTree ORDER BY (user_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS file_registry (
		file_id       String,
		file_path     String,
		last_modified DateTime64(3, 'UTC'),
		content_hash  String,
		threat_score  Float64,
		processed_at  DateTime64(3, 'UTC')
	) ENGINE = ReplacingMergeTree(processed_at) ORDER BY file_id`,
}

// NewClickHouseClient creates a new ClickHouse client
func NewClickHouseClient(cfg config.ClickHouseConfig) (*ClickHouseClient, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	log.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Str("database", cfg.Database).
		Msg("Connected to ClickHouse")

	return &ClickHouseClient{conn: conn, cfg: cfg}, nil
}

// Close closes the ClickHouse connection
func (c *ClickHouseClient) Close() error {
	return c.conn.Close()
}

// Ping checks if the connection is alive
func (c *ClickHouseClient) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

// EnsureSchema creates the tables if they are missing
func (c *ClickHouseClient) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if err := c.conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// GenerateFileID generates a deterministic file ID from the file path
func GenerateFileID(filePath string) string {
	hash := sha256.Sum256([]byte(filePath))
	return hex.EncodeToString(hash[:])
}

// ========== File Scan Operations ==========

// BatchInsertScans inserts a batch of scan results
func (c *ClickHouseClient) BatchInsertScans(ctx context.Context, scans []models.FileScan) error {
	if len(scans) == 0 {
		return nil
	}

	batch, err := c.conn.PrepareBatch(ctx, `
		INSERT INTO file_scans
		(scan_id, user_id, filename, content_hash, file_size, extension, mime_type, sniffed_mime,
		 entropy, text_ratio, url_count, email_count, malicious_pattern_count, null_byte_ratio,
		 high_ascii_ratio, threat_score, is_safe, file_category, risk_factors, risk_descriptions, scanned_at)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, s := range scans {
		f, v := s.Features, s.Verdict
		kinds := make([]string, len(v.RiskFactors))
		for i, k := range models.Kinds(v.RiskFactors) {
			kinds[i] = string(k)
		}

		err := batch.Append(
			s.ScanID,
			s.UserID,
			s.Filename,
			f.ContentHash,
			f.FileSize,
			f.Extension,
			f.MIMEType,
			f.SniffedMIME,
			f.Entropy,
			f.TextRatio,
			f.URLCount,
			f.EmailCount,
			f.MaliciousPatternCount,
			f.NullByteRatio,
			f.HighASCIIRatio,
			v.ThreatScore,
			v.IsSafe,
			string(v.FileCategory),
			kinds,
			models.Descriptions(v.RiskFactors),
			v.ScanTimestamp,
		)
		if err != nil {
			return fmt.Errorf("failed to append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	log.Debug().Int("count", len(scans)).Msg("Batch inserted file scans")
	return nil
}

// GetUserVerdicts returns the verdicts of every file the user uploaded
func (c *ClickHouseClient) GetUserVerdicts(ctx context.Context, userID string) ([]models.ThreatVerdict, error) {
	query := `
		SELECT threat_score, is_safe, file_category, risk_factors, risk_descriptions, scanned_at
		FROM file_scans
		WHERE user_id = ?
		ORDER BY scanned_at
	`

	rows, err := c.conn.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query verdicts: %w", err)
	}
	defer rows.Close()

	var results []models.ThreatVerdict
	for rows.Next() {
		var v models.ThreatVerdict
		var category string
		var kinds, descriptions []string

		if err := rows.Scan(&v.ThreatScore, &v.IsSafe, &category, &kinds, &descriptions, &v.ScanTimestamp); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		v.FileCategory = models.FileCategory(category)
		v.RiskFactors = make([]models.Finding, 0, len(kinds))
		for i, k := range kinds {
			f := models.Finding{Kind: models.FindingKind(k)}
			if i < len(descriptions) {
				f.Description = descriptions[i]
			}
			v.RiskFactors = append(v.RiskFactors, f)
		}
		results = append(results, v)
	}

	return results, rows.Err()
}

// GetLatestScanByHash returns the most recent scan of a content hash, or nil
func (c *ClickHouseClient) GetLatestScanByHash(ctx context.Context, contentHash string) (*models.FileScan, error) {
	query := `
		SELECT scan_id, user_id, filename, file_size, extension, mime_type,
		       entropy, text_ratio, url_count, email_count, malicious_pattern_count,
		       null_byte_ratio, high_ascii_ratio,
		       threat_score, is_safe, file_category, scanned_at
		FROM file_scans
		WHERE content_hash = ?
		ORDER BY scanned_at DESC
		LIMIT 1
	`

	var scan models.FileScan
	var category string
	err := c.conn.QueryRow(ctx, query, contentHash).Scan(
		&scan.ScanID,
		&scan.UserID,
		&scan.Filename,
		&scan.Features.FileSize,
		&scan.Features.Extension,
		&scan.Features.MIMEType,
		&scan.Features.Entropy,
		&scan.Features.TextRatio,
		&scan.Features.URLCount,
		&scan.Features.EmailCount,
		&scan.Features.MaliciousPatternCount,
		&scan.Features.NullByteRatio,
		&scan.Features.HighASCIIRatio,
		&scan.Verdict.ThreatScore,
		&scan.Verdict.IsSafe,
		&category,
		&scan.Verdict.ScanTimestamp,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query scan by hash: %w", err)
	}

	scan.Features.ContentHash = contentHash
	scan.Verdict.FileCategory = models.FileCategory(category)
	return &scan, nil
}

// ========== Activity Operations ==========

// InsertActivity appends one activity point to the user's history
func (c *ClickHouseClient) InsertActivity(ctx context.Context, userID string, p models.ActivityPoint) error {
	query := `
		INSERT INTO user_activity
		(user_id, hour_of_day, file_size_mb, filename_length, session_upload_count, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	return c.conn.Exec(ctx, query,
		userID,
		uint8(p.HourOfDay),
		p.FileSizeMB,
		p.FilenameLength,
		p.SessionUploadCount,
		p.Timestamp,
	)
}

// GetActivityHistory returns the user's latest limit points, oldest first
func (c *ClickHouseClient) GetActivityHistory(ctx context.Context, userID string, limit int) ([]models.ActivityPoint, error) {
	query := `
		SELECT hour_of_day, file_size_mb, filename_length, session_upload_count, occurred_at
		FROM user_activity
		WHERE user_id = ?
		ORDER BY occurred_at DESC
		LIMIT ?
	`

	rows, err := c.conn.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query activity: %w", err)
	}
	defer rows.Close()

	var history []models.ActivityPoint
	for rows.Next() {
		var p models.ActivityPoint
		var hour uint8
		if err := rows.Scan(&hour, &p.FileSizeMB, &p.FilenameLength, &p.SessionUploadCount, &p.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		p.HourOfDay = int(hour)
		history = append(history, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	slices.Reverse(history)
	return history, nil
}

// ========== Security Event Operations ==========

// InsertSecurityEvent appends an event to the user's log
func (c *ClickHouseClient) InsertSecurityEvent(ctx context.Context, e models.SecurityEvent) error {
	query := `
		INSERT INTO security_events
		(event_id, user_id, event_type, threat_level, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	return c.conn.Exec(ctx, query,
		e.EventID,
		e.UserID,
		e.EventType,
		string(e.Level),
		e.Description,
		e.CreatedAt,
	)
}

// GetSecurityEvents returns the user's latest limit events, oldest first
func (c *ClickHouseClient) GetSecurityEvents(ctx context.Context, userID string, limit int) ([]models.SecurityEvent, error) {
	query := `
		SELECT event_id, user_id, event_type, threat_level, description, created_at
		FROM security_events
		WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := c.conn.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query security events: %w", err)
	}
	defer rows.Close()

	var events []models.SecurityEvent
	for rows.Next() {
		var e models.SecurityEvent
		var level string
		if err := rows.Scan(&e.EventID, &e.UserID, &e.EventType, &level, &e.Description, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		e.Level = models.RiskLevel(level)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	slices.Reverse(events)
	return events, nil
}

// ========== File Registry Operations ==========

// CheckFileChanged checks if a file has changed since last scan
func (c *ClickHouseClient) CheckFileChanged(ctx context.Context, fileID string, lastModified time.Time) (bool, error) {
	query := `
		SELECT last_modified
		FROM file_registry FINAL
		WHERE file_id = ?
		LIMIT 1
	`

	var dbLastModified time.Time
	if err := c.conn.QueryRow(ctx, query, fileID).Scan(&dbLastModified); err != nil {
		// Not found, treat as a new file
		return true, err
	}

	return !dbLastModified.Equal(lastModified.UTC().Truncate(time.Millisecond)), nil
}

// UpsertRegistryEntry records the latest scan of a file on disk
func (c *ClickHouseClient) UpsertRegistryEntry(ctx context.Context, entry models.FileRegistryEntry) error {
	query := `
		INSERT INTO file_registry
		(file_id, file_path, last_modified, content_hash, threat_score, processed_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	return c.conn.Exec(ctx, query,
		entry.FileID,
		entry.FilePath,
		entry.LastModified.UTC().Truncate(time.Millisecond),
		entry.ContentHash,
		entry.ThreatScore,
		entry.ProcessedAt,
	)
}

// ========== Statistics ==========

// GetScanStats counts persisted scans by category and verdict band
func (c *ClickHouseClient) GetScanStats(ctx context.Context) (*models.ScanStats, error) {
	stats := &models.ScanStats{
		ByCategory: make(map[models.FileCategory]int64),
		ByLevel:    make(map[string]int64),
	}

	rows, err := c.conn.Query(ctx, `
		SELECT file_category, count() AS cnt
		FROM file_scans
		GROUP BY file_category
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query category stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var category string
		var count uint64
		if err := rows.Scan(&category, &count); err != nil {
			return nil, err
		}
		stats.ByCategory[models.FileCategory(category)] = int64(count)
	}

	bands, err := c.conn.Query(ctx, `
		SELECT multiIf(threat_score < 0.3, 'safe', threat_score < 0.7, 'suspicious', 'dangerous') AS band,
		       count() AS cnt
		FROM file_scans
		GROUP BY band
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query verdict stats: %w", err)
	}
	defer bands.Close()

	for bands.Next() {
		var band string
		var count uint64
		if err := bands.Scan(&band, &count); err != nil {
			return nil, err
		}
		stats.ByLevel[band] = int64(count)
	}

	return stats, nil
}

package models

import (
	"time"
)

// FileCategory is the security-relevant class a scanned file falls into
type FileCategory string

const (
	CategoryImage        FileCategory = "image"
	CategoryDocument     FileCategory = "document"
	CategorySpreadsheet  FileCategory = "spreadsheet"
	CategoryPresentation FileCategory = "presentation"
	CategoryArchive      FileCategory = "archive"
	CategoryExecutable   FileCategory = "executable"
	CategoryText         FileCategory = "text"
	CategoryApplication  FileCategory = "application"
	CategoryUnknown      FileCategory = "unknown"
)

// AllCategories returns all file categories
func AllCategories() []FileCategory {
	return []FileCategory{
		CategoryImage,
		CategoryDocument,
		CategorySpreadsheet,
		CategoryPresentation,
		CategoryArchive,
		CategoryExecutable,
		CategoryText,
		CategoryApplication,
		CategoryUnknown,
	}
}

// RiskLevel is the coarse bucket derived from a continuous risk score
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// RiskLevelFor maps a score in [0,1] to its level using the 0.3/0.6/0.8 cut points
func RiskLevelFor(score float64) RiskLevel {
	switch {
	case score < 0.3:
		return RiskLow
	case score < 0.6:
		return RiskMedium
	case score < 0.8:
		return RiskHigh
	default:
		return RiskCritical
	}
}

// FeatureRecord holds the attributes derived from one file's name and bytes.
// It is built once per scan and never mutated.
type FeatureRecord struct {
	FileSize              uint64  `json:"file_size"`
	Extension             string  `json:"extension"`
	MIMEType              string  `json:"mime_type"`
	SniffedMIME           string  `json:"sniffed_mime"`
	SniffedExtension      string  `json:"sniffed_extension,omitempty"`
	FilenameLength        uint32  `json:"filename_length"`
	ContentHash           string  `json:"content_hash"`
	Entropy               float64 `json:"entropy"`
	TextRatio             float64 `json:"text_ratio"`
	URLCount              uint32  `json:"url_count"`
	EmailCount            uint32  `json:"email_count"`
	MaliciousPatternCount uint32  `json:"malicious_pattern_count"`
	NullByteRatio         float64 `json:"null_byte_ratio"`
	HighASCIIRatio        float64 `json:"high_ascii_ratio"`
}

// Vector returns the numeric part of the record, used for similarity search
func (f FeatureRecord) Vector() []float32 {
	return []float32{
		float32(f.Entropy),
		float32(f.TextRatio),
		float32(f.NullByteRatio),
		float32(f.HighASCIIRatio),
		float32(f.URLCount),
		float32(f.EmailCount),
		float32(f.MaliciousPatternCount),
	}
}

// ThreatVerdict is the scored judgment for a single file
type ThreatVerdict struct {
	ThreatScore   float64      `json:"threat_score"`
	IsSafe        bool         `json:"is_safe"`
	RiskFactors   []Finding    `json:"risk_factors"`
	FileCategory  FileCategory `json:"file_category"`
	ScanTimestamp time.Time    `json:"scan_timestamp"`
}

// FileScan couples the features and verdict of one scanned file
type FileScan struct {
	ScanID   string        `json:"scan_id"`
	UserID   string        `json:"user_id,omitempty"`
	Filename string        `json:"filename"`
	Features FeatureRecord `json:"features"`
	Verdict  ThreatVerdict `json:"verdict"`
}

// ActivityPoint is one user action in the behavioral history
type ActivityPoint struct {
	HourOfDay          int       `json:"hour_of_day"`
	FileSizeMB         float64   `json:"file_size_mb"`
	FilenameLength     uint32    `json:"filename_length"`
	SessionUploadCount uint32    `json:"session_upload_count"`
	Timestamp          time.Time `json:"timestamp"`
}

// FeatureVector returns [hour, size_mb, filename_length, session_upload_count]
func (a ActivityPoint) FeatureVector() []float64 {
	return []float64{
		float64(a.HourOfDay),
		a.FileSizeMB,
		float64(a.FilenameLength),
		float64(a.SessionUploadCount),
	}
}

// AnomalyVerdict judges whether a user's activity deviates from the learned baseline
type AnomalyVerdict struct {
	IsAnomalous  bool      `json:"is_anomalous"`
	AnomalyScore float64   `json:"anomaly_score"`
	Indicators   []Finding `json:"indicators"`
	Confidence   float64   `json:"confidence"`
}

// ThreatDistribution counts files per verdict band
type ThreatDistribution struct {
	Safe       int `json:"safe"`
	Suspicious int `json:"suspicious"`
	Dangerous  int `json:"dangerous"`
}

// ReportSummary holds the headline numbers of a risk report
type ReportSummary struct {
	TotalFiles     int     `json:"total_files"`
	SafeFiles      int     `json:"safe_files"`
	ThreatFiles    int     `json:"threat_files"`
	AvgThreatScore float64 `json:"avg_threat_score"`
}

// UserRiskReport is built fresh on each request and never persisted by the engine
type UserRiskReport struct {
	UserID             string                `json:"user_id,omitempty"`
	RiskScore          float64               `json:"risk_score"`
	RiskLevel          RiskLevel             `json:"risk_level"`
	Summary            ReportSummary         `json:"summary"`
	CategoryBreakdown  map[FileCategory]int  `json:"category_breakdown"`
	ThreatDistribution ThreatDistribution    `json:"threat_distribution"`
	TotalEvents        int                   `json:"total_events"`
	EventsByLevel      map[RiskLevel]int     `json:"events_by_level"`
	RecentEvents       []SecurityEvent       `json:"recent_events"`
	Behavior           AnomalyVerdict        `json:"behavior_analysis"`
	Recommendations    []Finding             `json:"recommendations"`
	ReportTimestamp    time.Time             `json:"report_timestamp"`
}

// SecurityEvent is an entry of the per-user security event log
type SecurityEvent struct {
	EventID     string    `json:"event_id" ch:"event_id"`
	UserID      string    `json:"user_id" ch:"user_id"`
	EventType   string    `json:"event_type" ch:"event_type"`
	Level       RiskLevel `json:"threat_level" ch:"threat_level"`
	Description string    `json:"description" ch:"description"`
	CreatedAt   time.Time `json:"created_at" ch:"created_at"`
}

// ========== API Request/Response Models ==========

// ScanResponse is returned for an uploaded file
type ScanResponse struct {
	Scan           FileScan `json:"scan"`
	Cached         bool     `json:"cached"`
	KnownDangerous bool     `json:"known_dangerous"`
	StorageKey     string   `json:"storage_key,omitempty"`
	QueryTime      string   `json:"query_time"`
}

// ActivityRequest records a user action outside of an upload
type ActivityRequest struct {
	FileSize       int64     `json:"file_size"`
	Filename       string    `json:"filename"`
	Timestamp      time.Time `json:"timestamp"`
	SessionUploads uint32    `json:"session_uploads"`
}

// SimilarFile is one nearest neighbour in feature space
type SimilarFile struct {
	ContentHash  string       `json:"content_hash"`
	Filename     string       `json:"filename"`
	ThreatScore  float64      `json:"threat_score"`
	FileCategory FileCategory `json:"file_category"`
	Distance     float32      `json:"distance"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status     string            `json:"status"`
	Timestamp  string            `json:"timestamp"`
	Components map[string]string `json:"components"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Details string `json:"details,omitempty"`
}

// ========== Ingestor Models ==========

// FileJob represents a file to be processed by the worker pool
type FileJob struct {
	FilePath     string
	FileSize     int64
	LastModified time.Time
}

// ProcessResult represents the result of processing a file
type ProcessResult struct {
	FilePath     string
	LastModified time.Time
	Scan         *FileScan
	Skipped      bool
	Error        error
	Duration     time.Duration
}

// FileRegistryEntry tracks the last scan of a file on disk
type FileRegistryEntry struct {
	FileID       string    `ch:"file_id"`
	FilePath     string    `ch:"file_path"`
	LastModified time.Time `ch:"last_modified"`
	ContentHash  string    `ch:"content_hash"`
	ThreatScore  float64   `ch:"threat_score"`
	ProcessedAt  time.Time `ch:"processed_at"`
}

// ========== Statistics Models ==========

// ScanStats summarises persisted scans
type ScanStats struct {
	ByCategory map[FileCategory]int64 `json:"by_category"`
	ByLevel    map[string]int64       `json:"by_verdict"`
}

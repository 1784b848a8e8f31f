package scorer

import (
	"fmt"
	"strings"
	"time"

	"fileshield/internal/extractor"
	"fileshield/internal/models"
)

// Rule weights and thresholds
const (
	SafeThreshold = 0.3

	weightHighRiskExtension = 0.4
	weightSmallFile         = 0.2
	weightLargeFile         = 0.1
	weightHighEntropy       = 0.2
	weightPerPattern        = 0.1
	maxPatternWeight        = 0.5
	weightMIMEMismatch      = 0.1
	weightNullBytes         = 0.3

	smallFileBytes   = 10
	largeFileBytes   = 100 * 1024 * 1024
	entropyThreshold = 0.95
	nullByteLimit    = 0.1
)

// highRiskExtensions are executable or installer formats
var highRiskExtensions = map[string]bool{
	".exe": true, ".bat": true, ".cmd": true, ".com": true, ".pif": true,
	".scr": true, ".vbs": true, ".vbe": true, ".js": true, ".jar": true,
	".app": true, ".deb": true, ".pkg": true, ".dmg": true, ".iso": true,
}

// categoryTables are consulted in this order before any other rule
var categoryTables = []struct {
	category   models.FileCategory
	extensions []string
}{
	{models.CategoryImage, []string{".jpg", ".jpeg", ".png", ".gif", ".bmp", ".svg", ".webp"}},
	{models.CategoryDocument, []string{".pdf", ".doc", ".docx", ".txt", ".rtf", ".odt"}},
	{models.CategorySpreadsheet, []string{".xls", ".xlsx", ".csv", ".ods"}},
	{models.CategoryPresentation, []string{".ppt", ".pptx", ".odp"}},
	{models.CategoryArchive, []string{".zip", ".rar", ".7z", ".tar", ".gz"}},
}

// zipContainers are formats whose bytes legitimately sniff as a zip archive
var zipContainers = map[string]bool{
	".jar": true, ".docx": true, ".xlsx": true, ".pptx": true,
	".odt": true, ".ods": true, ".odp": true, ".apk": true,
}

// Scorer turns feature records into verdicts
type Scorer struct {
	now func() time.Time
}

// NewScorer creates a scorer stamping verdicts with the current UTC time
func NewScorer() *Scorer {
	return &Scorer{now: func() time.Time { return time.Now().UTC() }}
}

// WithClock returns a scorer that stamps verdicts using now
func WithClock(now func() time.Time) *Scorer {
	return &Scorer{now: now}
}

// Score applies the weighted rules in fixed order. Risk factors are appended
// in detection order and the final score is clamped to [0,1].
func (s *Scorer) Score(rec models.FeatureRecord) models.ThreatVerdict {
	var score float64
	factors := make([]models.Finding, 0, 4)

	add := func(weight float64, kind models.FindingKind, desc string) {
		score += weight
		factors = append(factors, models.Finding{Kind: kind, Description: desc})
	}

	if IsHighRiskExtension(rec.Extension) {
		add(weightHighRiskExtension, models.FactorHighRiskExtension,
			fmt.Sprintf("High-risk file extension: %s", rec.Extension))
	}

	if rec.FileSize < smallFileBytes {
		add(weightSmallFile, models.FactorSmallFile, "Suspiciously small file size")
	} else if rec.FileSize > largeFileBytes {
		add(weightLargeFile, models.FactorLargeFile, "Unusually large file size")
	}

	if rec.Entropy > entropyThreshold {
		add(weightHighEntropy, models.FactorHighEntropy, "High entropy (possibly encrypted/packed)")
	}

	if n := rec.MaliciousPatternCount; n > 0 {
		add(min(maxPatternWeight, float64(n)*weightPerPattern), models.FactorSuspiciousPatterns,
			fmt.Sprintf("Contains %d suspicious patterns", n))
	}

	if MIMEMismatch(rec) {
		add(weightMIMEMismatch, models.FactorMIMEMismatch, "MIME type mismatch")
	}

	if rec.NullByteRatio > nullByteLimit {
		add(weightNullBytes, models.FactorNullBytes, "High null byte ratio")
	}

	score = clamp(score)

	return models.ThreatVerdict{
		ThreatScore:   score,
		IsSafe:        score < SafeThreshold,
		RiskFactors:   factors,
		FileCategory:  Classify(rec.Extension, rec.MIMEType),
		ScanTimestamp: s.now(),
	}
}

// IsHighRiskExtension reports whether ext is in the executable set
func IsHighRiskExtension(ext string) bool {
	return highRiskExtensions[ext]
}

// Classify assigns a category from extension tables, then the high-risk set,
// then the MIME prefix.
func Classify(ext, mime string) models.FileCategory {
	for _, table := range categoryTables {
		for _, e := range table.extensions {
			if e == ext {
				return table.category
			}
		}
	}

	if IsHighRiskExtension(ext) {
		return models.CategoryExecutable
	}

	switch {
	case strings.HasPrefix(mime, "text/"):
		return models.CategoryText
	case strings.HasPrefix(mime, "application/"):
		return models.CategoryApplication
	}

	return models.CategoryUnknown
}

// MIMEMismatch reports whether the magic bytes contradict the extension.
// It only fires when both sides are known.
func MIMEMismatch(rec models.FeatureRecord) bool {
	if rec.MIMEType == extractor.UnknownMIME || rec.SniffedMIME == extractor.UnknownMIME || rec.SniffedMIME == "" {
		return false
	}
	if rec.SniffedMIME == rec.MIMEType || rec.SniffedExtension == rec.Extension {
		return false
	}
	if rec.SniffedMIME == "application/zip" && zipContainers[rec.Extension] {
		return false
	}
	return true
}

func clamp(v float64) float64 {
	return max(0, min(1, v))
}

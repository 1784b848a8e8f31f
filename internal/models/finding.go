package models

// FindingKind identifies a finding independent of its wording
type FindingKind string

// Risk factors, in scorer rule order
const (
	FactorHighRiskExtension  FindingKind = "high_risk_extension"
	FactorSmallFile          FindingKind = "small_file"
	FactorLargeFile          FindingKind = "large_file"
	FactorHighEntropy        FindingKind = "high_entropy"
	FactorSuspiciousPatterns FindingKind = "suspicious_patterns"
	FactorMIMEMismatch       FindingKind = "mime_mismatch"
	FactorNullBytes          FindingKind = "null_bytes"
)

// Behavioral indicators
const (
	IndicatorInsufficientData  FindingKind = "insufficient_data"
	IndicatorRapidUploads      FindingKind = "rapid_uploads"
	IndicatorLargeUploads      FindingKind = "large_uploads"
	IndicatorOffHours          FindingKind = "off_hours"
	IndicatorBaselineDeviation FindingKind = "baseline_deviation"
)

// Report recommendations, in priority order
const (
	RecommendUrgentReview     FindingKind = "urgent_review"
	RecommendMonitorAccount   FindingKind = "monitor_account"
	RecommendInvestigateEvent FindingKind = "investigate_events"
	RecommendStatusGood       FindingKind = "status_good"
	RecommendStatusModerate   FindingKind = "status_moderate"
)

// Finding is a tagged, render-ready observation
type Finding struct {
	Kind        FindingKind `json:"kind"`
	Description string      `json:"description"`
}

// Kinds returns the kinds of a finding list, preserving order
func Kinds(findings []Finding) []FindingKind {
	kinds := make([]FindingKind, len(findings))
	for i, f := range findings {
		kinds[i] = f.Kind
	}
	return kinds
}

// Descriptions returns the rendered text of a finding list, preserving order
func Descriptions(findings []Finding) []string {
	out := make([]string, len(findings))
	for i, f := range findings {
		out[i] = f.Description
	}
	return out
}

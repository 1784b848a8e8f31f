package risk

import (
	"time"

	"fileshield/internal/models"
	"fileshield/internal/scorer"
)

// Weights of the four risk components
const (
	weightAvgThreat   = 0.3
	weightThreatRatio = 0.3
	weightEvents      = 0.2
	weightAnomaly     = 0.2

	eventSaturation   = 10.0
	lowRiskScore      = 0.3
	urgentRiskScore   = 0.7
	dangerousScore    = 0.7
	recentEventWindow = 10
	reportedEvents    = 5
)

// Aggregator combines file verdicts, behavior and security events into a report
type Aggregator struct {
	now func() time.Time
}

// NewAggregator creates an aggregator stamping reports with the current UTC time
func NewAggregator() *Aggregator {
	return &Aggregator{now: func() time.Time { return time.Now().UTC() }}
}

// WithClock returns an aggregator that stamps reports using now
func WithClock(now func() time.Time) *Aggregator {
	return &Aggregator{now: now}
}

// Aggregate builds a user risk report. events are ordered oldest first.
func (a *Aggregator) Aggregate(files []models.ThreatVerdict, behavior models.AnomalyVerdict, events []models.SecurityEvent) models.UserRiskReport {
	report := models.UserRiskReport{
		CategoryBreakdown: make(map[models.FileCategory]int),
		EventsByLevel:     make(map[models.RiskLevel]int),
		RecentEvents:      make([]models.SecurityEvent, 0, reportedEvents),
		Behavior:          behavior,
		ReportTimestamp:   a.now(),
	}

	var total float64
	for _, f := range files {
		score := clamp(f.ThreatScore)
		total += score

		report.CategoryBreakdown[f.FileCategory]++

		switch {
		case score < scorer.SafeThreshold:
			report.ThreatDistribution.Safe++
		case score < dangerousScore:
			report.ThreatDistribution.Suspicious++
		default:
			report.ThreatDistribution.Dangerous++
		}
	}

	n := len(files)
	threats := report.ThreatDistribution.Suspicious + report.ThreatDistribution.Dangerous
	avg := 0.0
	if n > 0 {
		avg = total / float64(n)
	}

	report.Summary = models.ReportSummary{
		TotalFiles:     n,
		SafeFiles:      n - threats,
		ThreatFiles:    threats,
		AvgThreatScore: avg,
	}

	report.TotalEvents = len(events)
	for _, e := range events {
		report.EventsByLevel[e.Level]++
	}
	report.RecentEvents = append(report.RecentEvents, events[max(0, len(events)-reportedEvents):]...)

	report.RiskScore = Score(avg, float64(threats)/float64(max(1, n)), len(events), behavior.AnomalyScore)
	report.RiskLevel = models.RiskLevelFor(report.RiskScore)
	report.Recommendations = recommendations(report.RiskScore, behavior, events)

	return report
}

// Score is the weighted combination of the four components, clamped to [0,1]
func Score(avgThreat, threatRatio float64, eventCount int, anomalyScore float64) float64 {
	events := min(float64(max(0, eventCount))/eventSaturation, 1.0)
	return clamp(weightAvgThreat*clamp(avgThreat) +
		weightThreatRatio*clamp(threatRatio) +
		weightEvents*events +
		weightAnomaly*clamp(anomalyScore))
}

// recommendations applies the priority rules; status messages only appear when
// nothing more specific fired
func recommendations(score float64, behavior models.AnomalyVerdict, events []models.SecurityEvent) []models.Finding {
	recs := make([]models.Finding, 0, 3)

	if score > urgentRiskScore {
		recs = append(recs, models.Finding{
			Kind:        models.RecommendUrgentReview,
			Description: "High risk detected - Review recent file uploads immediately",
		})
	}

	if behavior.IsAnomalous {
		recs = append(recs, models.Finding{
			Kind:        models.RecommendMonitorAccount,
			Description: "Unusual activity patterns detected - Monitor account closely",
		})
	}

	for _, e := range events[max(0, len(events)-recentEventWindow):] {
		if e.Level == models.RiskHigh || e.Level == models.RiskCritical {
			recs = append(recs, models.Finding{
				Kind:        models.RecommendInvestigateEvent,
				Description: "Recent high-severity security events - Investigate immediately",
			})
			break
		}
	}

	if len(recs) > 0 {
		return recs
	}

	if score < lowRiskScore {
		return append(recs, models.Finding{
			Kind:        models.RecommendStatusGood,
			Description: "Security status looks good - Continue current practices",
		})
	}
	return append(recs, models.Finding{
		Kind:        models.RecommendStatusModerate,
		Description: "Moderate risk level - Regular monitoring recommended",
	})
}

func clamp(v float64) float64 {
	return max(0, min(1, v))
}

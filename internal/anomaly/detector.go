package anomaly

import (
	"time"

	"github.com/rs/zerolog/log"

	"fileshield/internal/models"
)

const (
	// MinHistory is the shortest history the detector will judge
	MinHistory = 10
	// TrainThreshold is the history length an untrained detector must exceed to fit
	TrainThreshold = 50
	// Threshold is the mean calibrated score above which activity is anomalous.
	// A history drawn from the baseline averages about 0.5.
	Threshold = 0.7

	recentWindow          = 10
	rapidUploadInterval   = 30 * time.Second
	largeUploadMB         = 50.0
	offHoursFraction      = 0.5
	fullConfidenceHistory = 100.0
)

// Detector judges activity histories against a shared forest
type Detector struct {
	forest  *Forest
	onTrain func(points int)
}

// Option configures a Detector
type Option func(*Detector)

// WithTrainHook registers fn to run after the forest is fitted
func WithTrainHook(fn func(points int)) Option {
	return func(d *Detector) {
		d.onTrain = fn
	}
}

// NewDetector wraps forest. The forest is owned by the caller and may be
// shared by several detectors.
func NewDetector(forest *Forest, opts ...Option) *Detector {
	d := &Detector{forest: forest}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Forest returns the underlying ensemble
func (d *Detector) Forest() *Forest {
	return d.forest
}

// Detect scores a history ordered oldest first. An untrained forest is fitted
// on the first history longer than TrainThreshold and reused afterwards.
func (d *Detector) Detect(history []models.ActivityPoint) models.AnomalyVerdict {
	if len(history) < MinHistory {
		return insufficientData()
	}

	vectors := make([][]float64, len(history))
	for i, p := range history {
		vectors[i] = p.FeatureVector()
	}

	if !d.forest.IsTrained() {
		if len(history) <= TrainThreshold {
			log.Debug().Int("points", len(history)).Msg("Anomaly forest untrained, not enough history to fit")
			return insufficientData()
		}
		if d.forest.Train(vectors) {
			log.Info().Int("points", len(vectors)).Msg("Trained anomaly forest")
			if d.onTrain != nil {
				d.onTrain(len(vectors))
			}
		}
	}

	scores, ok := d.forest.ScoreAll(vectors)
	if !ok {
		// Reset raced with this call
		return insufficientData()
	}

	var sum float64
	for _, s := range scores {
		sum += s
	}
	mean := sum / float64(len(scores))

	verdict := models.AnomalyVerdict{
		IsAnomalous:  mean > Threshold,
		AnomalyScore: mean,
		Indicators:   []models.Finding{},
		Confidence:   min(1.0, float64(len(history))/fullConfidenceHistory),
	}

	if verdict.IsAnomalous {
		verdict.Indicators = indicators(history)
	}

	return verdict
}

// indicators inspects the most recent points for concrete causes
func indicators(history []models.ActivityPoint) []models.Finding {
	recent := history[max(0, len(history)-recentWindow):]
	var found []models.Finding

	if len(recent) > 1 {
		span := recent[len(recent)-1].Timestamp.Sub(recent[0].Timestamp)
		avg := span / time.Duration(len(recent)-1)
		if avg < rapidUploadInterval {
			found = append(found, models.Finding{
				Kind:        models.IndicatorRapidUploads,
				Description: "Rapid file upload pattern detected",
			})
		}
	}

	for _, p := range recent {
		if p.FileSizeMB > largeUploadMB {
			found = append(found, models.Finding{
				Kind:        models.IndicatorLargeUploads,
				Description: "Unusually large file uploads",
			})
			break
		}
	}

	night := 0
	for _, p := range recent {
		if p.HourOfDay < 6 || p.HourOfDay > 22 {
			night++
		}
	}
	if float64(night)/float64(len(recent)) > offHoursFraction {
		found = append(found, models.Finding{
			Kind:        models.IndicatorOffHours,
			Description: "Significant off-hours activity",
		})
	}

	if len(found) == 0 {
		found = append(found, models.Finding{
			Kind:        models.IndicatorBaselineDeviation,
			Description: "Activity deviates from the learned behavior baseline",
		})
	}

	return found
}

func insufficientData() models.AnomalyVerdict {
	return models.AnomalyVerdict{
		IsAnomalous:  false,
		AnomalyScore: 0,
		Indicators: []models.Finding{{
			Kind:        models.IndicatorInsufficientData,
			Description: "Insufficient data for analysis",
		}},
		Confidence: 0,
	}
}

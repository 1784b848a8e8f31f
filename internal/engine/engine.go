package engine

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"fileshield/internal/anomaly"
	"fileshield/internal/extractor"
	"fileshield/internal/models"
	"fileshield/internal/risk"
	"fileshield/internal/scorer"
	"fileshield/internal/signatures"
)

// Options configures an Engine. Zero values select the defaults.
type Options struct {
	Signatures *signatures.Set
	Forest     anomaly.ForestConfig
	Workers    int
	OnTrain    func(points int)
	Now        func() time.Time
}

// Engine exposes the scanning, anomaly and risk operations over one shared
// anomaly forest. Everything except the forest is stateless, so an Engine is
// safe for concurrent use.
type Engine struct {
	extractor  *extractor.Extractor
	scorer     *scorer.Scorer
	detector   *anomaly.Detector
	aggregator *risk.Aggregator
	workers    int
}

// File is one input to ScanBatch
type File struct {
	Name    string
	Content []byte
}

// New builds an engine
func New(opts Options) *Engine {
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	sc, agg := scorer.NewScorer(), risk.NewAggregator()
	if opts.Now != nil {
		sc, agg = scorer.WithClock(opts.Now), risk.WithClock(opts.Now)
	}

	var detectorOpts []anomaly.Option
	if opts.OnTrain != nil {
		detectorOpts = append(detectorOpts, anomaly.WithTrainHook(opts.OnTrain))
	}

	return &Engine{
		extractor:  extractor.NewExtractor(opts.Signatures),
		scorer:     sc,
		detector:   anomaly.NewDetector(anomaly.NewForest(opts.Forest), detectorOpts...),
		aggregator: agg,
		workers:    workers,
	}
}

// ========== Core Operations ==========

// ExtractFeatures derives the feature record of one file
func (e *Engine) ExtractFeatures(filename string, content []byte) models.FeatureRecord {
	return e.extractor.Extract(filename, content)
}

// ScoreFile scores a feature record
func (e *Engine) ScoreFile(rec models.FeatureRecord) models.ThreatVerdict {
	return e.scorer.Score(rec)
}

// DetectAnomaly judges a user's activity history, ordered oldest first
func (e *Engine) DetectAnomaly(history []models.ActivityPoint) models.AnomalyVerdict {
	return e.detector.Detect(history)
}

// AggregateRisk builds the user-level report
func (e *Engine) AggregateRisk(files []models.ThreatVerdict, behavior models.AnomalyVerdict, events []models.SecurityEvent) models.UserRiskReport {
	return e.aggregator.Aggregate(files, behavior, events)
}

// ========== Scanning ==========

// ScanFile extracts and scores one file under a fresh scan ID
func (e *Engine) ScanFile(filename string, content []byte) models.FileScan {
	features := e.extractor.Extract(filename, content)
	return models.FileScan{
		ScanID:   uuid.New().String(),
		Filename: filename,
		Features: features,
		Verdict:  e.scorer.Score(features),
	}
}

// ScanBatch scans files across the worker pool. Results keep the input order.
// On cancellation the scans finished so far are discarded and ctx.Err() is
// returned.
func (e *Engine) ScanBatch(ctx context.Context, files []File) ([]models.FileScan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	results := make([]models.FileScan, len(files))
	if len(files) == 0 {
		return results, nil
	}

	jobs := make(chan int, e.workers*2)
	var wg sync.WaitGroup

	for w := 0; w < min(e.workers, len(files)); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				results[idx] = e.ScanFile(files[idx].Name, files[idx].Content)
			}
		}()
	}

	var err error
enqueue:
	for idx := range files {
		select {
		case jobs <- idx:
		case <-ctx.Done():
			err = ctx.Err()
			break enqueue
		}
	}
	close(jobs)
	wg.Wait()

	if err != nil {
		return nil, err
	}
	return results, nil
}

// ========== Detector Lifecycle ==========

// DetectorTrained reports whether the anomaly forest has been fitted
func (e *Engine) DetectorTrained() bool {
	return e.detector.Forest().IsTrained()
}

// ResetDetector discards the anomaly forest; the next long enough history refits it
func (e *Engine) ResetDetector() {
	e.detector.Forest().Reset()
}

package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application
type Metrics struct {
	// Scan metrics
	FilesScanned     *prometheus.CounterVec
	ThreatScores     prometheus.Histogram
	RiskFactors      *prometheus.CounterVec
	ScanDuration     prometheus.Histogram
	BytesScanned     prometheus.Counter
	VerdictCacheHits prometheus.Counter
	VerdictCacheMiss prometheus.Counter
	KnownBadHits     prometheus.Counter
	KnownBadMisses   prometheus.Counter

	// Behavior and report metrics
	AnomalyChecks    *prometheus.CounterVec
	ForestTrainings  prometheus.Counter
	ForestTrained    prometheus.Gauge
	ReportsGenerated *prometheus.CounterVec
	SecurityEvents   *prometheus.CounterVec

	// Ingestor metrics
	FilesSkipped    prometheus.Counter
	FilesFailed     prometheus.Counter
	ActiveWorkers   prometheus.Gauge
	BatchInsertTime prometheus.Histogram
	BatchInsertSize prometheus.Histogram

	// API metrics
	APIRequests          *prometheus.CounterVec
	APILatency           *prometheus.HistogramVec
	RateLimited          prometheus.Counter
	DangerousFilterItems prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	m := &Metrics{
		// ========== Scan Metrics ==========
		FilesScanned: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fileshield_files_scanned_total",
				Help: "Total number of files scanned by category and verdict band",
			},
			[]string{"category", "band"}, // band: safe, suspicious, dangerous
		),

		ThreatScores: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fileshield_threat_score",
				Help:    "Distribution of per-file threat scores",
				Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
			},
		),

		RiskFactors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fileshield_risk_factors_total",
				Help: "Risk factors raised by kind",
			},
			[]string{"kind"},
		),

		ScanDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fileshield_scan_seconds",
				Help:    "Time spent extracting and scoring one file",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		),

		BytesScanned: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "fileshield_bytes_scanned_total",
				Help: "Total bytes of file content scanned",
			},
		),

		VerdictCacheHits: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "fileshield_verdict_cache_hits_total",
				Help: "Uploads answered from the verdict cache",
			},
		),

		VerdictCacheMiss: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "fileshield_verdict_cache_misses_total",
				Help: "Uploads that needed a fresh scan",
			},
		),

		KnownBadHits: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "fileshield_dangerous_filter_hits_total",
				Help: "Lookups that matched the dangerous-hash filter",
			},
		),

		KnownBadMisses: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "fileshield_dangerous_filter_misses_total",
				Help: "Lookups that missed the dangerous-hash filter",
			},
		),

		// ========== Behavior Metrics ==========
		AnomalyChecks: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fileshield_anomaly_checks_total",
				Help: "Behavior checks by outcome",
			},
			[]string{"outcome"}, // normal, anomalous, insufficient
		),

		ForestTrainings: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "fileshield_forest_trainings_total",
				Help: "Number of times the anomaly forest was fitted",
			},
		),

		ForestTrained: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "fileshield_forest_trained",
				Help: "1 when the anomaly forest is fitted",
			},
		),

		ReportsGenerated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fileshield_reports_total",
				Help: "User risk reports by risk level",
			},
			[]string{"level"},
		),

		SecurityEvents: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fileshield_security_events_total",
				Help: "Security events recorded by level",
			},
			[]string{"level"},
		),

		// ========== Ingestor Metrics ==========
		FilesSkipped: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "fileshield_files_skipped_total",
				Help: "Total number of files skipped (unchanged)",
			},
		),

		FilesFailed: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "fileshield_files_failed_total",
				Help: "Total number of files that failed processing",
			},
		),

		ActiveWorkers: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "fileshield_active_workers",
				Help: "Number of currently active worker goroutines",
			},
		),

		BatchInsertTime: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fileshield_batch_insert_seconds",
				Help:    "Time spent on batch inserts to ClickHouse",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
		),

		BatchInsertSize: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fileshield_batch_insert_size",
				Help:    "Number of scans in each batch insert",
				Buckets: []float64{1, 10, 50, 100, 250, 500, 1000, 2500},
			},
		),

		// ========== API Metrics ==========
		APIRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fileshield_api_requests_total",
				Help: "Total number of API requests by endpoint and status",
			},
			[]string{"endpoint", "method", "status"},
		),

		APILatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fileshield_api_latency_seconds",
				Help:    "API request latency by endpoint",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"endpoint", "method"},
		),

		RateLimited: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "fileshield_api_rate_limited_total",
				Help: "Requests rejected by the rate limiter",
			},
		),

		DangerousFilterItems: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "fileshield_dangerous_filter_items",
				Help: "Number of hashes in the dangerous-hash filter",
			},
		),
	}

	return m
}

var (
	globalMetrics *Metrics
	once          sync.Once
)

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	once.Do(func() {
		globalMetrics = NewMetrics()
	})
	return globalMetrics
}

// ========== Helper Methods ==========

// Band names the verdict band of a threat score
func Band(score float64) string {
	switch {
	case score < 0.3:
		return "safe"
	case score < 0.7:
		return "suspicious"
	default:
		return "dangerous"
	}
}

// RecordScan records one scored file
func (m *Metrics) RecordScan(category string, score float64, factorKinds []string, bytes int, durationSeconds float64) {
	m.FilesScanned.WithLabelValues(category, Band(score)).Inc()
	m.ThreatScores.Observe(score)
	for _, k := range factorKinds {
		m.RiskFactors.WithLabelValues(k).Inc()
	}
	m.BytesScanned.Add(float64(bytes))
	m.ScanDuration.Observe(durationSeconds)
}

// RecordCacheLookup records a verdict cache lookup
func (m *Metrics) RecordCacheLookup(hit bool) {
	if hit {
		m.VerdictCacheHits.Inc()
	} else {
		m.VerdictCacheMiss.Inc()
	}
}

// RecordDangerousLookup records a dangerous-hash filter check
func (m *Metrics) RecordDangerousLookup(hit bool) {
	if hit {
		m.KnownBadHits.Inc()
	} else {
		m.KnownBadMisses.Inc()
	}
}

// RecordAnomalyCheck records the outcome of a behavior check
func (m *Metrics) RecordAnomalyCheck(outcome string) {
	m.AnomalyChecks.WithLabelValues(outcome).Inc()
}

// RecordForestTrained records a forest fit
func (m *Metrics) RecordForestTrained() {
	m.ForestTrainings.Inc()
	m.ForestTrained.Set(1)
}

// RecordForestReset records a forest invalidation
func (m *Metrics) RecordForestReset() {
	m.ForestTrained.Set(0)
}

// RecordAPIRequest records an API request
func (m *Metrics) RecordAPIRequest(endpoint, method string, statusCode int, durationSeconds float64) {
	status := "success"
	if statusCode >= 400 {
		status = "error"
	}
	m.APIRequests.WithLabelValues(endpoint, method, status).Inc()
	m.APILatency.WithLabelValues(endpoint, method).Observe(durationSeconds)
}

// RecordBatchInsert records a batch insert operation
func (m *Metrics) RecordBatchInsert(size int, durationSeconds float64) {
	m.BatchInsertSize.Observe(float64(size))
	m.BatchInsertTime.Observe(durationSeconds)
}

package main

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"fileshield/internal/config"
	"fileshield/internal/db"
	"fileshield/internal/engine"
	"fileshield/internal/extractor"
	"fileshield/internal/metrics"
	"fileshield/internal/models"
	"fileshield/internal/watcher"
)

const (
	dangerousScore = 0.7
	flushTimeout   = 30 * time.Second
	progressEvery  = 10 * time.Second
)

// Registry persists scans and the per-path record of what was last scanned
type Registry interface {
	CheckFileChanged(ctx context.Context, fileID string, lastModified time.Time) (bool, error)
	UpsertRegistryEntry(ctx context.Context, entry models.FileRegistryEntry) error
	BatchInsertScans(ctx context.Context, scans []models.FileScan) error
}

// DangerMarker records hashes of dangerous files
type DangerMarker interface {
	MarkDangerous(ctx context.Context, contentHash string) error
}

// BlobStore keeps the bytes of dangerous files
type BlobStore interface {
	StoreContent(ctx context.Context, contentHash, filename string, content []byte) (string, error)
}

// VectorIndex stores feature vectors
type VectorIndex interface {
	UpsertScans(ctx context.Context, scans []models.FileScan) error
}

// Deps are the collaborators of an Ingestor. Vectors may be nil.
type Deps struct {
	Registry Registry
	Cache    DangerMarker
	Blobs    BlobStore
	Vectors  VectorIndex
	Engine   *engine.Engine
	Metrics  *metrics.Metrics
	Closers  []func() error
}

// Ingestor crawls a directory tree and scans every changed file
type Ingestor struct {
	cfg *config.Config
	Deps

	extensions map[string]bool

	// Worker pool, rebuilt on every Run
	jobs    chan models.FileJob
	results chan models.ProcessResult
	wg      sync.WaitGroup

	stats IngestorStats
}

// IngestorStats tracks ingestion statistics
type IngestorStats struct {
	FilesProcessed int64
	FilesSkipped   int64
	FilesFailed    int64
	ThreatsFound   int64
	ScansStored    int64
	BytesProcessed int64
	StartTime      time.Time
}

// pendingScan is a scan waiting for the next batch insert
type pendingScan struct {
	scan  models.FileScan
	entry models.FileRegistryEntry
}

func newIngestor(cfg *config.Config, deps Deps) *Ingestor {
	if deps.Metrics == nil {
		deps.Metrics = metrics.GetMetrics()
	}

	extensions := make(map[string]bool)
	for _, ext := range cfg.Worker.FileExtensions {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		extensions[ext] = true
	}

	return &Ingestor{
		cfg:        cfg,
		Deps:       deps,
		extensions: extensions,
		stats:      IngestorStats{StartTime: time.Now()},
	}
}

// Close closes all connections
func (i *Ingestor) Close() {
	for _, c := range i.Closers {
		if err := c(); err != nil {
			log.Warn().Err(err).Msg("Failed to close connection")
		}
	}
}

// Run crawls DataPath once and, in watch mode, keeps scanning new files until
// ctx is cancelled
func (i *Ingestor) Run(ctx context.Context) error {
	log.Info().
		Str("data_path", i.cfg.DataPath).
		Int("workers", i.cfg.Worker.Count).
		Int("batch_size", i.cfg.Worker.BatchSize).
		Bool("watch", i.cfg.Worker.Watch).
		Msg("Starting ingestion")

	i.jobs = make(chan models.FileJob, i.cfg.Worker.Count*2)
	i.results = make(chan models.ProcessResult, i.cfg.Worker.Count*2)

	var collectorWg sync.WaitGroup
	collectorWg.Add(1)
	go i.resultCollector(&collectorWg)

	for w := 0; w < i.cfg.Worker.Count; w++ {
		i.wg.Add(1)
		go i.worker(ctx)
	}

	var runErr error
	if err := i.crawl(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("Crawl error")
	}

	if i.cfg.Worker.Watch && ctx.Err() == nil {
		runErr = i.watch(ctx)
	}

	close(i.jobs)
	i.wg.Wait()

	close(i.results)
	collectorWg.Wait()

	log.Info().Msg("Ingestion complete")
	return runErr
}

// accept applies the extension filter
func (i *Ingestor) accept(path string) bool {
	return len(i.extensions) == 0 || i.extensions[extractor.Extension(path)]
}

// crawl walks the directory and enqueues files for processing
func (i *Ingestor) crawl(ctx context.Context) error {
	return filepath.WalkDir(i.cfg.DataPath, func(path string, d fs.DirEntry, err error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Error accessing path")
			return nil
		}

		if d.IsDir() || !d.Type().IsRegular() || !i.accept(path) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Failed to get file info")
			return nil
		}

		return i.enqueue(ctx, models.FileJob{
			FilePath:     path,
			FileSize:     info.Size(),
			LastModified: info.ModTime(),
		})
	})
}

// watch feeds settled new files into the pool until ctx is cancelled
func (i *Ingestor) watch(ctx context.Context) error {
	w, err := watcher.New(i.cfg.DataPath, i.cfg.Worker.WatchDebounce, i.accept)
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		return err
	}
	defer w.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case job := <-w.Jobs():
			if err := i.enqueue(ctx, job); err != nil {
				return nil
			}
		case err := <-w.Errors():
			log.Warn().Err(err).Msg("Watch error")
		}
	}
}

func (i *Ingestor) enqueue(ctx context.Context, job models.FileJob) error {
	select {
	case i.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// worker processes files from the jobs channel
func (i *Ingestor) worker(ctx context.Context) {
	defer i.wg.Done()

	i.Metrics.ActiveWorkers.Inc()
	defer i.Metrics.ActiveWorkers.Dec()

	for job := range i.jobs {
		i.results <- i.processFile(ctx, job)
	}
}

// processFile scans a single file. Persistence is left to the collector.
func (i *Ingestor) processFile(ctx context.Context, job models.FileJob) models.ProcessResult {
	startTime := time.Now()
	result := models.ProcessResult{FilePath: job.FilePath, LastModified: job.LastModified}

	if limit := i.cfg.Worker.MaxFileSize; limit > 0 && job.FileSize > limit {
		log.Debug().Str("file", job.FilePath).Int64("size", job.FileSize).Msg("Skipping oversized file")
		return i.skip(result)
	}

	fileID := db.GenerateFileID(job.FilePath)
	changed, err := i.Registry.CheckFileChanged(ctx, fileID, job.LastModified)
	if err != nil {
		log.Debug().Err(err).Str("file", job.FilePath).Msg("Change detection query (new file)")
	}
	if !changed {
		return i.skip(result)
	}

	content, err := os.ReadFile(job.FilePath)
	if err != nil {
		result.Error = err
		atomic.AddInt64(&i.stats.FilesFailed, 1)
		i.Metrics.FilesFailed.Inc()
		log.Warn().Err(err).Str("file", job.FilePath).Msg("Failed to read file")
		return result
	}

	scan := i.Engine.ScanFile(filepath.Base(job.FilePath), content)
	result.Scan = &scan
	result.Duration = time.Since(startTime)

	atomic.AddInt64(&i.stats.BytesProcessed, int64(len(content)))
	i.Metrics.RecordScan(string(scan.Verdict.FileCategory), scan.Verdict.ThreatScore,
		findingKinds(scan.Verdict.RiskFactors), len(content), result.Duration.Seconds())

	if scan.Verdict.ThreatScore >= dangerousScore {
		atomic.AddInt64(&i.stats.ThreatsFound, 1)
		i.keepDangerous(ctx, job.FilePath, scan, content)
	}

	atomic.AddInt64(&i.stats.FilesProcessed, 1)
	return result
}

// keepDangerous stores the bytes and hash of a dangerous file
func (i *Ingestor) keepDangerous(ctx context.Context, path string, scan models.FileScan, content []byte) {
	hash := scan.Features.ContentHash

	if err := i.Cache.MarkDangerous(ctx, hash); err != nil {
		log.Warn().Err(err).Str("file", path).Msg("Failed to mark hash dangerous")
	}
	if i.Blobs != nil {
		if _, err := i.Blobs.StoreContent(ctx, hash, scan.Filename, content); err != nil {
			log.Warn().Err(err).Str("file", path).Msg("Failed to upload to MinIO")
		}
	}
}

func (i *Ingestor) skip(result models.ProcessResult) models.ProcessResult {
	result.Skipped = true
	atomic.AddInt64(&i.stats.FilesSkipped, 1)
	i.Metrics.FilesSkipped.Inc()
	return result
}

// resultCollector batches scans for insertion and logs progress
func (i *Ingestor) resultCollector(wg *sync.WaitGroup) {
	defer wg.Done()

	batchSize := max(1, i.cfg.Worker.BatchSize)
	pending := make([]pendingScan, 0, batchSize)

	logTicker := time.NewTicker(progressEvery)
	defer logTicker.Stop()

	for {
		select {
		case result, ok := <-i.results:
			if !ok {
				i.flush(pending)
				return
			}
			if result.Scan == nil {
				continue
			}

			if !result.Scan.Verdict.IsSafe {
				log.Info().
					Str("file", result.FilePath).
					Float64("threat_score", result.Scan.Verdict.ThreatScore).
					Strs("risk_factors", models.Descriptions(result.Scan.Verdict.RiskFactors)).
					Dur("duration", result.Duration).
					Msg("Unsafe file")
			}

			pending = append(pending, pendingScan{
				scan:  *result.Scan,
				entry: registryEntry(result),
			})
			if len(pending) >= batchSize {
				i.flush(pending)
				pending = pending[:0]
			}

		case <-logTicker.C:
			log.Info().
				Int64("processed", atomic.LoadInt64(&i.stats.FilesProcessed)).
				Int64("skipped", atomic.LoadInt64(&i.stats.FilesSkipped)).
				Int64("failed", atomic.LoadInt64(&i.stats.FilesFailed)).
				Int64("threats", atomic.LoadInt64(&i.stats.ThreatsFound)).
				Int64("bytes", atomic.LoadInt64(&i.stats.BytesProcessed)).
				Msg("Ingestion progress")

			// bound the delay for trickling watch-mode results
			if len(pending) > 0 {
				i.flush(pending)
				pending = pending[:0]
			}
		}
	}
}

// flush inserts a batch of scans, then marks their files as processed. It runs
// on its own context so the final batch survives shutdown.
func (i *Ingestor) flush(batch []pendingScan) {
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	scans := make([]models.FileScan, len(batch))
	for n, p := range batch {
		scans[n] = p.scan
	}

	startTime := time.Now()
	if err := i.Registry.BatchInsertScans(ctx, scans); err != nil {
		log.Error().Err(err).Int("count", len(scans)).Msg("Batch insert failed")
		atomic.AddInt64(&i.stats.FilesFailed, int64(len(scans)))
		i.Metrics.FilesFailed.Add(float64(len(scans)))
		return
	}
	i.Metrics.RecordBatchInsert(len(scans), time.Since(startTime).Seconds())
	atomic.AddInt64(&i.stats.ScansStored, int64(len(scans)))

	if i.Vectors != nil {
		if err := i.Vectors.UpsertScans(ctx, scans); err != nil {
			log.Warn().Err(err).Int("count", len(scans)).Msg("Failed to index feature vectors")
		}
	}

	for _, p := range batch {
		if err := i.Registry.UpsertRegistryEntry(ctx, p.entry); err != nil {
			log.Warn().Err(err).Str("file", p.entry.FilePath).Msg("Failed to update file registry")
		}
	}
}

func registryEntry(result models.ProcessResult) models.FileRegistryEntry {
	return models.FileRegistryEntry{
		FileID:       db.GenerateFileID(result.FilePath),
		FilePath:     result.FilePath,
		LastModified: result.LastModified,
		ContentHash:  result.Scan.Features.ContentHash,
		ThreatScore:  result.Scan.Verdict.ThreatScore,
		ProcessedAt:  time.Now().UTC(),
	}
}

func findingKinds(findings []models.Finding) []string {
	out := make([]string, len(findings))
	for n, f := range findings {
		out[n] = string(f.Kind)
	}
	return out
}

// PrintStats prints final ingestion statistics
func (i *Ingestor) PrintStats() {
	duration := time.Since(i.stats.StartTime)

	log.Info().
		Int64("files_processed", atomic.LoadInt64(&i.stats.FilesProcessed)).
		Int64("files_skipped", atomic.LoadInt64(&i.stats.FilesSkipped)).
		Int64("files_failed", atomic.LoadInt64(&i.stats.FilesFailed)).
		Int64("threats_found", atomic.LoadInt64(&i.stats.ThreatsFound)).
		Int64("scans_stored", atomic.LoadInt64(&i.stats.ScansStored)).
		Int64("bytes_processed", atomic.LoadInt64(&i.stats.BytesProcessed)).
		Dur("duration", duration).
		Float64("files_per_sec", float64(atomic.LoadInt64(&i.stats.FilesProcessed))/duration.Seconds()).
		Msg("Ingestion stats")
}

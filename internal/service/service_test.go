package service

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fileshield/internal/anomaly"
	"fileshield/internal/engine"
	"fileshield/internal/extractor"
	"fileshield/internal/models"
)

var fixedTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// ========== Fakes ==========

type memStore struct {
	mu        sync.Mutex
	scans     []models.FileScan
	activity  map[string][]models.ActivityPoint
	events    map[string][]models.SecurityEvent
	insertErr error
}

func newMemStore() *memStore {
	return &memStore{
		activity: make(map[string][]models.ActivityPoint),
		events:   make(map[string][]models.SecurityEvent),
	}
}

func (m *memStore) BatchInsertScans(_ context.Context, scans []models.FileScan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	m.scans = append(m.scans, scans...)
	return nil
}

func (m *memStore) GetUserVerdicts(_ context.Context, userID string) ([]models.ThreatVerdict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ThreatVerdict
	for _, s := range m.scans {
		if s.UserID == userID {
			out = append(out, s.Verdict)
		}
	}
	return out, nil
}

func (m *memStore) GetLatestScanByHash(_ context.Context, contentHash string) (*models.FileScan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.scans) - 1; i >= 0; i-- {
		if m.scans[i].Features.ContentHash == contentHash {
			scan := m.scans[i]
			return &scan, nil
		}
	}
	return nil, nil
}

func (m *memStore) InsertActivity(_ context.Context, userID string, p models.ActivityPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activity[userID] = append(m.activity[userID], p)
	return nil
}

func (m *memStore) GetActivityHistory(_ context.Context, userID string, limit int) ([]models.ActivityPoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.activity[userID]
	return append([]models.ActivityPoint(nil), h[max(0, len(h)-limit):]...), nil
}

func (m *memStore) InsertSecurityEvent(_ context.Context, e models.SecurityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[e.UserID] = append(m.events[e.UserID], e)
	return nil
}

func (m *memStore) GetSecurityEvents(_ context.Context, userID string, limit int) ([]models.SecurityEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev := m.events[userID]
	return append([]models.SecurityEvent(nil), ev[max(0, len(ev)-limit):]...), nil
}

func (m *memStore) GetScanStats(_ context.Context) (*models.ScanStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &models.ScanStats{
		ByCategory: make(map[models.FileCategory]int64),
		ByLevel:    make(map[string]int64),
	}
	for _, s := range m.scans {
		stats.ByCategory[s.Verdict.FileCategory]++
	}
	return stats, nil
}

type memCache struct {
	mu        sync.Mutex
	verdicts  map[string]models.FileScan
	dangerous map[string]bool
	sessions  map[string]uint32
	lookupErr error
}

func newMemCache() *memCache {
	return &memCache{
		verdicts:  make(map[string]models.FileScan),
		dangerous: make(map[string]bool),
		sessions:  make(map[string]uint32),
	}
}

func (c *memCache) GetCachedScan(_ context.Context, contentHash, filename string) (*models.FileScan, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lookupErr != nil {
		return nil, c.lookupErr
	}
	scan, ok := c.verdicts[contentHash+"|"+filename]
	if !ok {
		return nil, nil
	}
	return &scan, nil
}

func (c *memCache) CacheScan(_ context.Context, scan models.FileScan) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.verdicts[scan.Features.ContentHash+"|"+scan.Filename] = scan
	return nil
}

func (c *memCache) IsKnownDangerous(_ context.Context, contentHash string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lookupErr != nil {
		return false, c.lookupErr
	}
	return c.dangerous[contentHash], nil
}

func (c *memCache) MarkDangerous(_ context.Context, contentHash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dangerous[contentHash] = true
	return nil
}

func (c *memCache) IncrementSessionUploads(_ context.Context, userID string) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lookupErr != nil {
		return 0, c.lookupErr
	}
	c.sessions[userID]++
	return c.sessions[userID], nil
}

type memBlobs struct {
	objects map[string][]byte
}

func (b *memBlobs) StoreContent(_ context.Context, contentHash, _ string, content []byte) (string, error) {
	key := "files/" + contentHash
	b.objects[key] = content
	return key, nil
}

type memVectors struct {
	mu     sync.Mutex
	points map[string]models.FileScan
}

func (v *memVectors) UpsertScans(_ context.Context, scans []models.FileScan) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, s := range scans {
		v.points[s.Features.ContentHash] = s
	}
	return nil
}

func (v *memVectors) SearchSimilar(_ context.Context, vector []float32, limit uint64) ([]models.SimilarFile, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []models.SimilarFile
	for _, s := range v.points {
		var sum float64
		for i, x := range s.Features.Vector() {
			d := float64(x - vector[i])
			sum += d * d
		}
		out = append(out, models.SimilarFile{
			ContentHash:  s.Features.ContentHash,
			Filename:     s.Filename,
			ThreatScore:  s.Verdict.ThreatScore,
			FileCategory: s.Verdict.FileCategory,
			Distance:     float32(math.Sqrt(sum)),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	return out[:min(int(limit), len(out))], nil
}

type fixture struct {
	svc     *Service
	store   *memStore
	cache   *memCache
	blobs   *memBlobs
	vectors *memVectors
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   newMemStore(),
		cache:   newMemCache(),
		blobs:   &memBlobs{objects: make(map[string][]byte)},
		vectors: &memVectors{points: make(map[string]models.FileScan)},
	}
	clock := func() time.Time { return fixedTime }
	f.svc = New(Deps{
		Engine:  engine.New(engine.Options{Forest: anomaly.ForestConfig{Trees: 50, SampleSize: 64, Seed: 7}, Now: clock}),
		Scans:   f.store,
		Cache:   f.cache,
		Blobs:   f.blobs,
		Vectors: f.vectors,
		Now:     clock,
	}, Limits{})
	return f
}

// ========== Uploads ==========

func TestScanUpload_SafeFile(t *testing.T) {
	f := newFixture(t)
	content := []byte("quarterly planning notes, nothing unusual in here")

	resp, err := f.svc.ScanUpload(context.Background(), "alice", "notes.txt", content)
	require.NoError(t, err)

	assert.False(t, resp.Cached)
	assert.False(t, resp.KnownDangerous)
	assert.True(t, resp.Scan.Verdict.IsSafe)
	assert.Equal(t, "alice", resp.Scan.UserID)
	assert.NotEmpty(t, resp.Scan.ScanID)
	assert.NotEmpty(t, resp.QueryTime)

	hash := extractor.HashContent(content)
	assert.Equal(t, "files/"+hash, resp.StorageKey)
	assert.Equal(t, content, f.blobs.objects[resp.StorageKey])

	require.Len(t, f.store.scans, 1)
	assert.Equal(t, "alice", f.store.scans[0].UserID)
	assert.Contains(t, f.vectors.points, hash)
	assert.Empty(t, f.store.events["alice"])
	assert.False(t, f.cache.dangerous[hash])

	require.Len(t, f.store.activity["alice"], 1)
	point := f.store.activity["alice"][0]
	assert.Equal(t, 12, point.HourOfDay)
	assert.Equal(t, uint32(len("notes.txt")), point.FilenameLength)
	assert.Equal(t, uint32(1), point.SessionUploadCount)
	assert.InDelta(t, float64(len(content))/(1024*1024), point.FileSizeMB, 1e-15)
	assert.Equal(t, fixedTime, point.Timestamp)
}

func TestScanUpload_CachedVerdict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	content := []byte("the same file uploaded twice")

	first, err := f.svc.ScanUpload(ctx, "alice", "dup.txt", content)
	require.NoError(t, err)
	second, err := f.svc.ScanUpload(ctx, "bob", "dup.txt", content)
	require.NoError(t, err)

	assert.False(t, first.Cached)
	assert.True(t, second.Cached)
	assert.NotEqual(t, first.Scan.ScanID, second.Scan.ScanID)
	assert.Equal(t, "bob", second.Scan.UserID)
	assert.Equal(t, first.Scan.Verdict, second.Scan.Verdict)
	assert.Len(t, f.store.scans, 2)

	// a different name is scored afresh
	third, err := f.svc.ScanUpload(ctx, "bob", "dup.exe", content)
	require.NoError(t, err)
	assert.False(t, third.Cached)
	assert.Equal(t, uint32(2), f.cache.sessions["bob"])
}

func TestScanUpload_DangerousFile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	content := make([]byte, 1000)
	hash := extractor.HashContent(content)

	resp, err := f.svc.ScanUpload(ctx, "mallory", "payload.exe", content)
	require.NoError(t, err)

	assert.InDelta(t, 0.7, resp.Scan.Verdict.ThreatScore, 1e-9)
	assert.False(t, resp.KnownDangerous)
	assert.True(t, f.cache.dangerous[hash])

	events := f.store.events["mallory"]
	require.Len(t, events, 1)
	assert.Equal(t, EventThreatDetected, events[0].EventType)
	assert.Equal(t, models.RiskHigh, events[0].Level)
	assert.Equal(t, fixedTime, events[0].CreatedAt)
	assert.Contains(t, events[0].Description, "payload.exe scored 0.70")
	assert.Contains(t, events[0].Description, "High-risk file extension: .exe")

	again, err := f.svc.ScanUpload(ctx, "mallory", "payload.exe", content)
	require.NoError(t, err)
	assert.True(t, again.KnownDangerous)
	assert.Len(t, f.store.events["mallory"], 2)
}

func TestScanUpload_CacheFailuresDegrade(t *testing.T) {
	f := newFixture(t)
	f.cache.lookupErr = errors.New("redis down")

	resp, err := f.svc.ScanUpload(context.Background(), "alice", "notes.txt", []byte("still scanned without redis"))
	require.NoError(t, err)

	assert.False(t, resp.Cached)
	assert.False(t, resp.KnownDangerous)
	require.Len(t, f.store.activity["alice"], 1)
	assert.Equal(t, uint32(1), f.store.activity["alice"][0].SessionUploadCount)
}

func TestScanUpload_PersistFailure(t *testing.T) {
	f := newFixture(t)
	f.store.insertErr = errors.New("clickhouse down")

	_, err := f.svc.ScanUpload(context.Background(), "alice", "notes.txt", []byte("content"))
	require.Error(t, err)
	assert.ErrorIs(t, err, f.store.insertErr)
	assert.Empty(t, f.store.activity["alice"])
}

func TestScanUpload_InvalidInput(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.ScanUpload(context.Background(), " ", "a.txt", nil)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.ScanUpload(context.Background(), "alice", "", nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestScanUpload_OptionalStores(t *testing.T) {
	f := newFixture(t)
	f.svc.Blobs = nil
	f.svc.Vectors = nil

	resp, err := f.svc.ScanUpload(context.Background(), "alice", "notes.txt", []byte("no blob or vector store"))
	require.NoError(t, err)
	assert.Empty(t, resp.StorageKey)

	_, err = f.svc.SimilarFiles(context.Background(), resp.Scan.Features.ContentHash, 5)
	assert.ErrorIs(t, err, ErrVectorSearchDisabled)
}

// ========== Activity ==========

func TestRecordActivity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ts := time.Date(2024, 3, 1, 3, 30, 0, 0, time.FixedZone("CET", 3600))
	p, err := f.svc.RecordActivity(ctx, "alice", models.ActivityRequest{
		FileSize:       5 * 1024 * 1024,
		Filename:       "résumé.pdf",
		Timestamp:      ts,
		SessionUploads: 4,
	})
	require.NoError(t, err)

	assert.Equal(t, 2, p.HourOfDay)
	assert.InDelta(t, 5.0, p.FileSizeMB, 1e-12)
	assert.Equal(t, uint32(10), p.FilenameLength)
	assert.Equal(t, uint32(4), p.SessionUploadCount)
	assert.Equal(t, time.UTC, p.Timestamp.Location())

	p, err = f.svc.RecordActivity(ctx, "alice", models.ActivityRequest{Filename: "x"})
	require.NoError(t, err)
	assert.Equal(t, fixedTime, p.Timestamp)
	assert.Equal(t, uint32(1), p.SessionUploadCount)
	assert.Len(t, f.store.activity["alice"], 2)

	_, err = f.svc.RecordActivity(ctx, "alice", models.ActivityRequest{FileSize: -1})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

// ========== Behavior and Reports ==========

func seedHistory(f *fixture, userID string, n int) {
	for i := 0; i < n; i++ {
		f.store.activity[userID] = append(f.store.activity[userID], models.ActivityPoint{
			HourOfDay:          9 + i%9,
			FileSizeMB:         1.0 + float64(i%7)*0.3,
			FilenameLength:     uint32(12 + i%5),
			SessionUploadCount: uint32(1 + i%4),
			Timestamp:          fixedTime.Add(time.Duration(i-n) * time.Hour),
		})
	}
}

func TestDetectAnomaly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seedHistory(f, "alice", 5)
	v, err := f.svc.DetectAnomaly(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 0.0, v.Confidence)
	assert.Equal(t, []models.FindingKind{models.IndicatorInsufficientData}, models.Kinds(v.Indicators))

	seedHistory(f, "bob", 80)
	v, err = f.svc.DetectAnomaly(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, v.IsAnomalous)
	assert.InDelta(t, 0.8, v.Confidence, 1e-12)
	assert.True(t, f.svc.Engine.DetectorTrained())

	_, err = f.svc.DetectAnomaly(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestDetectAnomaly_HistoryLimit(t *testing.T) {
	f := newFixture(t)
	f.svc.limits.History = 40

	seedHistory(f, "alice", 80)
	v, err := f.svc.DetectAnomaly(context.Background(), "alice")
	require.NoError(t, err)

	// 40 points cannot train a fresh forest
	assert.Equal(t, 0.0, v.Confidence)
	assert.False(t, f.svc.Engine.DetectorTrained())
}

func TestReport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ScanUpload(ctx, "alice", "notes.txt", []byte("quarterly planning notes, nothing unusual"))
	require.NoError(t, err)
	_, err = f.svc.ScanUpload(ctx, "alice", "payload.exe", make([]byte, 1000))
	require.NoError(t, err)

	report, err := f.svc.Report(ctx, "alice")
	require.NoError(t, err)

	assert.Equal(t, "alice", report.UserID)
	assert.Equal(t, 2, report.Summary.TotalFiles)
	assert.Equal(t, 1, report.Summary.ThreatFiles)
	assert.Equal(t, 1, report.TotalEvents)
	assert.Equal(t, 1, report.EventsByLevel[models.RiskHigh])
	assert.Equal(t, fixedTime, report.ReportTimestamp)
	// two activity points are not enough to judge behavior
	assert.Equal(t, 0.0, report.Behavior.AnomalyScore)
	assert.Equal(t, models.RiskLevelFor(report.RiskScore), report.RiskLevel)

	empty, err := f.svc.Report(ctx, "nobody")
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Summary.TotalFiles)
	assert.Equal(t, models.RiskLow, empty.RiskLevel)
}

func TestRetrainDetector(t *testing.T) {
	f := newFixture(t)
	seedHistory(f, "alice", 60)

	_, err := f.svc.DetectAnomaly(context.Background(), "alice")
	require.NoError(t, err)
	require.True(t, f.svc.Engine.DetectorTrained())

	f.svc.RetrainDetector()
	assert.False(t, f.svc.Engine.DetectorTrained())
}

// ========== File Lookups ==========

func TestSimilarFiles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	files := map[string][]byte{
		"a.html": []byte(`<script>eval(x)</script> see https://a.test and https://b.test`),
		"b.html": []byte(`<script>eval(y)</script> see https://c.test and https://d.test`),
		"c.txt":  []byte("plain words with no links or markup at all"),
	}
	for name, content := range files {
		_, err := f.svc.ScanUpload(ctx, "alice", name, content)
		require.NoError(t, err)
	}

	hash := extractor.HashContent(files["a.html"])
	similar, err := f.svc.SimilarFiles(ctx, hash, 1)
	require.NoError(t, err)
	require.Len(t, similar, 1)
	assert.Equal(t, "b.html", similar[0].Filename)

	all, err := f.svc.SimilarFiles(ctx, hash, 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	for _, s := range all {
		assert.NotEqual(t, hash, s.ContentHash)
	}

	_, err = f.svc.SimilarFiles(ctx, "deadbeef", 5)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIsKnownDangerous(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	known, err := f.svc.IsKnownDangerous(ctx, "abc")
	require.NoError(t, err)
	assert.False(t, known)

	f.cache.dangerous["abc"] = true
	known, err = f.svc.IsKnownDangerous(ctx, "abc")
	require.NoError(t, err)
	assert.True(t, known)

	f.cache.lookupErr = errors.New("redis down")
	_, err = f.svc.IsKnownDangerous(ctx, "abc")
	assert.Error(t, err)

	_, err = f.svc.IsKnownDangerous(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ScanUpload(context.Background(), "alice", "payload.exe", make([]byte, 1000))
	require.NoError(t, err)

	stats, err := f.svc.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.ByCategory[models.CategoryExecutable])
}

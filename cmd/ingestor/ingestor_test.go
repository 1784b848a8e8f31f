package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fileshield/internal/config"
	"fileshield/internal/db"
	"fileshield/internal/engine"
	"fileshield/internal/extractor"
	"fileshield/internal/models"
)

type memRegistry struct {
	mu        sync.Mutex
	entries   map[string]models.FileRegistryEntry
	scans     []models.FileScan
	batches   []int
	insertErr error
}

func (r *memRegistry) CheckFileChanged(_ context.Context, fileID string, lastModified time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[fileID]
	if !ok {
		return true, errors.New("no rows")
	}
	return !entry.LastModified.Equal(lastModified), nil
}

func (r *memRegistry) UpsertRegistryEntry(_ context.Context, entry models.FileRegistryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[entry.FileID] = entry
	return nil
}

func (r *memRegistry) BatchInsertScans(_ context.Context, scans []models.FileScan) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.insertErr != nil {
		return r.insertErr
	}
	r.scans = append(r.scans, scans...)
	r.batches = append(r.batches, len(scans))
	return nil
}

type memDanger struct {
	mu     sync.Mutex
	hashes map[string]bool
	blobs  map[string][]byte
}

func (d *memDanger) MarkDangerous(_ context.Context, hash string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hashes[hash] = true
	return nil
}

func (d *memDanger) StoreContent(_ context.Context, hash, _ string, content []byte) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.blobs[hash] = content
	return db.ObjectKey(hash), nil
}

type memVectors struct {
	mu    sync.Mutex
	count int
}

func (v *memVectors) UpsertScans(_ context.Context, scans []models.FileScan) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.count += len(scans)
	return nil
}

type fixture struct {
	ing      *Ingestor
	dir      string
	registry *memRegistry
	danger   *memDanger
	vectors  *memVectors
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		DataPath: dir,
		Worker: config.WorkerConfig{
			Count:       3,
			BatchSize:   2,
			MaxFileSize: 1 << 20,
		},
	}
	if mutate != nil {
		mutate(cfg)
	}

	f := &fixture{
		dir:      dir,
		registry: &memRegistry{entries: make(map[string]models.FileRegistryEntry)},
		danger:   &memDanger{hashes: make(map[string]bool), blobs: make(map[string][]byte)},
		vectors:  &memVectors{},
	}
	f.ing = newIngestor(cfg, Deps{
		Registry: f.registry,
		Cache:    f.danger,
		Blobs:    f.danger,
		Vectors:  f.vectors,
		Engine:   engine.New(engine.Options{Workers: 2}),
	})
	return f
}

func (f *fixture) write(t *testing.T, rel string, content []byte) string {
	t.Helper()
	path := filepath.Join(f.dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0700))
	require.NoError(t, os.WriteFile(path, content, 0600))
	return path
}

func TestRun_ScansAndPersists(t *testing.T) {
	f := newFixture(t, nil)
	f.write(t, "notes.txt", []byte("meeting notes for the quarterly review"))
	f.write(t, "sub/payload.exe", make([]byte, 1000))
	f.write(t, "sub/deeper/page.html", []byte(`<script>eval(x)</script> onload=go()`))

	require.NoError(t, f.ing.Run(context.Background()))

	assert.Equal(t, int64(3), f.ing.stats.FilesProcessed)
	assert.Equal(t, int64(0), f.ing.stats.FilesSkipped)
	assert.Equal(t, int64(3), f.ing.stats.ScansStored)
	assert.Len(t, f.registry.scans, 3)
	assert.Len(t, f.registry.entries, 3)
	assert.Equal(t, 3, f.vectors.count)
	for _, n := range f.registry.batches {
		assert.LessOrEqual(t, n, 2)
	}

	hash := extractor.HashContent(make([]byte, 1000))
	assert.Equal(t, int64(1), f.ing.stats.ThreatsFound)
	assert.True(t, f.danger.hashes[hash])
	assert.Len(t, f.danger.blobs, 1)

	var names []string
	for _, s := range f.registry.scans {
		names = append(names, s.Filename)
	}
	assert.ElementsMatch(t, []string{"notes.txt", "payload.exe", "page.html"}, names)
}

func TestRun_SkipsUnchangedFiles(t *testing.T) {
	f := newFixture(t, nil)
	f.write(t, "a.txt", []byte("first version of the file"))
	f.write(t, "b.txt", []byte("another file that stays put"))

	require.NoError(t, f.ing.Run(context.Background()))
	require.Len(t, f.registry.scans, 2)

	second := newIngestor(f.ing.cfg, f.ing.Deps)
	require.NoError(t, second.Run(context.Background()))

	assert.Equal(t, int64(2), second.stats.FilesSkipped)
	assert.Equal(t, int64(0), second.stats.FilesProcessed)
	assert.Len(t, f.registry.scans, 2)
}

func TestRun_ExtensionFilterAndSizeLimit(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Worker.FileExtensions = []string{".TXT", "exe"}
		cfg.Worker.MaxFileSize = 100
	})
	f.write(t, "keep.txt", []byte("small text file"))
	f.write(t, "ignored.log", []byte("not in the filter"))
	f.write(t, "big.exe", make([]byte, 1000))

	require.NoError(t, f.ing.Run(context.Background()))

	require.Len(t, f.registry.scans, 1)
	assert.Equal(t, "keep.txt", f.registry.scans[0].Filename)
	assert.Equal(t, int64(1), f.ing.stats.FilesSkipped)
	assert.Empty(t, f.danger.hashes)
}

func TestRun_InsertFailureLeavesRegistryUntouched(t *testing.T) {
	f := newFixture(t, nil)
	f.registry.insertErr = errors.New("clickhouse down")
	f.write(t, "a.txt", []byte("this scan will not be stored"))

	require.NoError(t, f.ing.Run(context.Background()))

	assert.Empty(t, f.registry.entries)
	assert.Equal(t, int64(1), f.ing.stats.FilesFailed)
	assert.Equal(t, 0, f.vectors.count)
}

func TestRun_CancelledContext(t *testing.T) {
	f := newFixture(t, nil)
	f.write(t, "a.txt", []byte("never scanned"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, f.ing.Run(ctx))
	assert.Empty(t, f.registry.scans)
}

func TestRun_WatchMode(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Worker.Watch = true
		cfg.Worker.WatchDebounce = 50 * time.Millisecond
		cfg.Worker.BatchSize = 1
	})
	f.write(t, "existing.txt", []byte("present before the run"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.ing.Run(ctx) }()

	stored := func(n int) func() bool {
		return func() bool {
			f.registry.mu.Lock()
			defer f.registry.mu.Unlock()
			return len(f.registry.scans) >= n
		}
	}
	require.Eventually(t, stored(1), 5*time.Second, 10*time.Millisecond)

	// the watcher registers its directories before the new file appears
	time.Sleep(200 * time.Millisecond)
	f.write(t, "dropped.exe", make([]byte, 1000))
	require.Eventually(t, stored(2), 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
	assert.True(t, f.danger.hashes[extractor.HashContent(make([]byte, 1000))])
}

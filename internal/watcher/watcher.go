// Package watcher turns filesystem changes under an ingest root into file jobs.
package watcher

import (
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"fileshield/internal/models"
)

const minTick = 10 * time.Millisecond

// Watcher reports files under a directory tree once they stop changing.
// Files present before Start are not reported.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	root      string
	debounce  time.Duration
	accept    func(path string) bool

	// path -> last write seen
	pending map[string]time.Time
	mu      sync.Mutex

	jobs   chan models.FileJob
	errors chan error

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a watcher for root. accept filters candidate paths; nil accepts
// every regular file.
func New(root string, debounce time.Duration, accept func(path string) bool) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if accept == nil {
		accept = func(string) bool { return true }
	}

	return &Watcher{
		fsWatcher: fsWatcher,
		root:      root,
		debounce:  debounce,
		accept:    accept,
		pending:   make(map[string]time.Time),
		jobs:      make(chan models.FileJob, 100),
		errors:    make(chan error, 10),
		done:      make(chan struct{}),
	}, nil
}

// Jobs returns the channel of settled files
func (w *Watcher) Jobs() <-chan models.FileJob {
	return w.jobs
}

// Errors returns the channel of watch errors
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// Start registers every directory under root and begins watching
func (w *Watcher) Start() error {
	err := filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.fsWatcher.Add(path)
		}
		return nil
	})
	if err != nil {
		return err
	}

	w.wg.Add(2)
	go w.eventLoop()
	go w.debounceLoop()

	log.Info().Str("root", w.root).Dur("debounce", w.debounce).Msg("Watching for new files")
	return nil
}

// Stop shuts the watcher down and closes its channels
func (w *Watcher) Stop() error {
	close(w.done)
	w.wg.Wait()
	close(w.jobs)
	close(w.errors)
	return w.fsWatcher.Close()
}

// Pending returns the number of files waiting to settle
func (w *Watcher) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.handle(event)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.reportError(err)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}

	info, err := os.Stat(event.Name)
	if err != nil {
		return
	}

	// New directories are watched too; files already inside them are picked
	// up by their own create events only if written after this point
	if info.IsDir() {
		if event.Op&fsnotify.Create != 0 {
			if err := w.fsWatcher.Add(event.Name); err != nil {
				w.reportError(err)
			}
		}
		return
	}

	if !info.Mode().IsRegular() || !w.accept(event.Name) {
		return
	}
	w.touch(event.Name, time.Now())
}

func (w *Watcher) touch(path string, at time.Time) {
	w.mu.Lock()
	w.pending[path] = at
	w.mu.Unlock()
}

func (w *Watcher) debounceLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(max(minTick, w.debounce/2))
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case now := <-ticker.C:
			w.checkSettled(now)
		}
	}
}

// checkSettled emits a job for every file untouched for the debounce interval
func (w *Watcher) checkSettled(now time.Time) {
	threshold := now.Add(-w.debounce)

	w.mu.Lock()
	defer w.mu.Unlock()

	for path, last := range w.pending {
		if last.After(threshold) {
			continue
		}

		info, err := os.Stat(path)
		if err != nil {
			// removed before it settled
			delete(w.pending, path)
			continue
		}

		job := models.FileJob{
			FilePath:     path,
			FileSize:     info.Size(),
			LastModified: info.ModTime(),
		}

		select {
		case w.jobs <- job:
			delete(w.pending, path)
		default:
			// consumer is behind, retry on the next tick
			return
		}
	}
}

func (w *Watcher) reportError(err error) {
	select {
	case w.errors <- err:
	default:
		log.Warn().Err(err).Msg("Dropped watch error")
	}
}

// Package watcher ingests operations dropped as JSON files into a spool
// directory. Other processes on the device write one op per *.json file;
// the watcher enqueues each op durably and removes the file, so mutations
// made outside the main process still reach the sync queue.
package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/medbridge/medsync/internal/queue"
	"github.com/medbridge/medsync/internal/syncproto"
)

// Kicker schedules a best-effort sync attempt after an ingest.
type Kicker interface {
	Kick()
}

// Config holds watcher configuration.
type Config struct {
	// DebounceInterval is how long to wait before processing file
	// changes, batching rapid writes together.
	DebounceInterval time.Duration

	// Logger for watcher activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 100 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[watcher] ", log.LstdFlags),
	}
}

// Watcher monitors the spool directory and enqueues dropped ops.
type Watcher struct {
	spoolDir string
	queue    *queue.Queue
	engine   Kicker
	config   *Config

	watcher *fsnotify.Watcher

	pending   map[string]time.Time // filepath -> queued-at
	pendingMu sync.Mutex

	wg sync.WaitGroup
}

// New creates a Watcher for spoolDir. The directory is created if missing.
func New(spoolDir string, q *queue.Queue, engine Kicker, config *Config) (*Watcher, error) {
	if spoolDir == "" {
		return nil, fmt.Errorf("spoolDir cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[watcher] ", log.LstdFlags)
	}

	if err := os.MkdirAll(spoolDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &Watcher{
		spoolDir: spoolDir,
		queue:    q,
		engine:   engine,
		config:   config,
		watcher:  fsw,
		pending:  make(map[string]time.Time),
	}, nil
}

// Start ingests any files already in the spool, then watches for new ones.
// It blocks until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	// Drain files that arrived while we were not running.
	if err := w.ingestExisting(); err != nil {
		return err
	}

	if err := w.watcher.Add(w.spoolDir); err != nil {
		return fmt.Errorf("failed to watch spool directory: %w", err)
	}
	w.config.Logger.Printf("Watching spool: %s", w.spoolDir)

	w.wg.Add(2)
	go w.watchEvents(ctx)
	go w.processPending(ctx)

	<-ctx.Done()

	if err := w.watcher.Close(); err != nil {
		w.config.Logger.Printf("Error closing watcher: %v", err)
	}
	w.wg.Wait()
	return nil
}

// ingestExisting enqueues every op file already present in the spool.
func (w *Watcher) ingestExisting() error {
	entries, err := os.ReadDir(w.spoolDir)
	if err != nil {
		return fmt.Errorf("failed to read spool directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		w.ingestFile(filepath.Join(w.spoolDir, entry.Name()))
	}
	return nil
}

// watchEvents queues filesystem events for debounced processing.
func (w *Watcher) watchEvents(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if filepath.Ext(event.Name) != ".json" {
				continue
			}

			w.pendingMu.Lock()
			w.pending[event.Name] = time.Now()
			w.pendingMu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// processPending ingests files that have been quiet for the debounce
// interval.
func (w *Watcher) processPending(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			w.pendingMu.Lock()
			now := time.Now()
			var ready []string
			for path, queuedAt := range w.pending {
				if now.Sub(queuedAt) < w.config.DebounceInterval {
					continue
				}
				ready = append(ready, path)
				delete(w.pending, path)
			}
			w.pendingMu.Unlock()

			for _, path := range ready {
				w.ingestFile(path)
			}
		}
	}
}

// ingestFile reads one op file, enqueues it, and removes the file.
// Malformed files are logged and left in place for inspection.
func (w *Watcher) ingestFile(path string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			w.config.Logger.Printf("WARNING: failed to read %s: %v", path, err)
		}
		return
	}

	var op syncproto.Op
	if err := json.Unmarshal(raw, &op); err != nil {
		w.config.Logger.Printf("WARNING: skipping malformed op file %s: %v", path, err)
		return
	}

	opID, err := w.queue.Enqueue(op)
	if err != nil {
		w.config.Logger.Printf("WARNING: failed to enqueue op from %s: %v", path, err)
		return
	}

	if err := os.Remove(path); err != nil {
		w.config.Logger.Printf("WARNING: failed to remove ingested file %s: %v", path, err)
	}

	w.config.Logger.Printf("Ingested op %s from %s", opID, filepath.Base(path))
	if w.engine != nil {
		w.engine.Kick()
	}
}

package datastore

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/singleflight"
)

// Registry is the process-wide DATASTORE_MAP: one cached DataStore handle
// per name, invalidated by a monotonic generation counter (bumped whenever
// the watched config-version file changes) or after a 60s TTL, whichever
// comes first. Concurrent lookups for the same not-yet-cached name are
// collapsed via singleflight, superseding the hand-rolled per-key group the
// log-rotation orchestrator used for the equivalent "only one opener at a
// time" guarantee.
type Registry struct {
	open func(cfg Config) (*DataStore, error)

	mu      sync.Mutex
	entries map[string]*cacheEntry
	group   singleflight.Group

	generation atomic.Int64

	watcher *fsnotify.Watcher
	logger  *slog.Logger
}

type cacheEntry struct {
	ds         *DataStore
	generation int64
	cachedAt   time.Time
}

const cacheTTL = 60 * time.Second

// NewRegistry constructs a Registry. open is called at most once per
// (name, generation, TTL-window) to actually bind a DataStore.
func NewRegistry(open func(cfg Config) (*DataStore, error), logger *slog.Logger) *Registry {
	return &Registry{
		open:    open,
		entries: make(map[string]*cacheEntry),
		logger:  logger,
	}
}

// WatchConfigVersion starts an fsnotify watch on versionFilePath; every
// write/create/rename event bumps the generation counter, invalidating every
// cached handle on the next Lookup. Returns a stop function.
func (r *Registry) WatchConfigVersion(versionFilePath string) (stop func() error, err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(versionFilePath); err != nil {
		w.Close()
		return nil, err
	}
	r.watcher = w

	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					r.generation.Add(1)
				}
			case <-w.Errors:
				// Best-effort: a watch error does not invalidate the cache;
				// the 60s TTL is the fallback.
			case <-done:
				return
			}
		}
	}()
	return func() error {
		close(done)
		return w.Close()
	}, nil
}

// Lookup returns the cached DataStore for cfg.Name, opening (and caching) a
// fresh one if absent, stale past the TTL, or superseded by a generation
// bump.
func (r *Registry) Lookup(cfg Config) (*DataStore, error) {
	gen := r.generation.Load()

	r.mu.Lock()
	if e, ok := r.entries[cfg.Name]; ok && e.generation == gen && time.Since(e.cachedAt) < cacheTTL {
		r.mu.Unlock()
		return e.ds, nil
	}
	r.mu.Unlock()

	v, err, _ := r.group.Do(cfg.Name, func() (any, error) {
		ds, err := r.open(cfg)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.entries[cfg.Name] = &cacheEntry{ds: ds, generation: gen, cachedAt: time.Now()}
		r.mu.Unlock()
		return ds, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*DataStore), nil
}

// Invalidate forces the next Lookup for name to re-open, regardless of TTL.
func (r *Registry) Invalidate(name string) {
	r.mu.Lock()
	delete(r.entries, name)
	r.mu.Unlock()
}

// Generation returns the current cache generation, for diagnostics.
func (r *Registry) Generation() int64 { return r.generation.Load() }

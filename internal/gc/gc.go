// Package gc implements the mark-and-sweep GarbageCollector (spec §4.7):
// phase 0 (exclusion), phase 1 (mark every chunk referenced by an index),
// phase 2 (sweep unreferenced chunks past the atime cutoff), phase 3
// (publish .gc-status). Grounded on chunk/retention.go's pure-policy shape
// and orchestrator/cronrotation.go's gocron.Scheduler wiring, generalized
// from "pick chunks to delete per a retention policy" to "mark-confirm
// everything still referenced, then sweep the rest".
package gc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-co-op/gocron/v2"
	"golang.org/x/sync/errgroup"

	"gastrolog/internal/chunkstore"
	"gastrolog/internal/datastore"
	"gastrolog/internal/digest"
	"gastrolog/internal/locking"
	"gastrolog/internal/logging"
	"gastrolog/internal/remotetier"
	"gastrolog/internal/worker"
)

// ErrAlreadyRunning is returned by Run when phase 0's non-blocking gc_mutex
// acquisition fails because another GC pass is already in progress for the
// same store.
var ErrAlreadyRunning = errors.New("gc: already running for this store")

// markConcurrency bounds how many indexes are marked concurrently in phase
// 1, matching the spec's "compute-bound work runs on a worker pool" model.
const markConcurrency = 8

// Status mirrors spec's GarbageCollectionStatus counters, serialized to
// .gc-status at the end of every run.
type Status struct {
	UPID            string `json:"upid"`
	IndexFileCount  int64  `json:"index_file_count"`
	IndexDataBytes  int64  `json:"index_data_bytes"`
	DiskBytes       int64  `json:"disk_bytes"`
	DiskChunks      int64  `json:"disk_chunks"`
	RemovedBytes    int64  `json:"removed_bytes"`
	RemovedChunks   int64  `json:"removed_chunks"`
	PendingBytes    int64  `json:"pending_bytes"`
	PendingChunks   int64  `json:"pending_chunks"`
	RemovedBad      int64  `json:"removed_bad"`
	StillBad        int64  `json:"still_bad"`
	FinishedAt      string `json:"finished_at"`
}

// Collector runs GC passes for a single DataStore, excluding itself via a
// process-wide, per-store mutex file (phase 0's gc_mutex).
type Collector struct {
	ds      *datastore.DataStore
	logger  *slog.Logger
	backend remotetier.Backend // nil unless remote tier offload is enabled
}

// New returns a Collector bound to ds.
func New(ds *datastore.DataStore, logger *slog.Logger) *Collector {
	return &Collector{ds: ds, logger: logging.Default(logger).With("component", "gc", "store", ds.Name())}
}

// WithOffload enables "offload before delete" (SPEC_FULL §3): sweep gives
// backend a chance to persist a chunk before reclaiming it locally. Offload
// is off unless this is called with a non-nil backend (the CLI does so for
// --offload-s3-bucket). Passing nil disables offload again.
func (c *Collector) WithOffload(backend remotetier.Backend) *Collector {
	c.backend = backend
	return c
}

func gcMutexPath(ds *datastore.DataStore) string {
	return filepath.Join(ds.Path(), ".gc.lock")
}

func gcStatusPath(ds *datastore.DataStore) string {
	return filepath.Join(ds.Path(), ".gc-status")
}

// Run executes one full GC pass: phase 0 (exclusion + oldest_writer
// snapshot), phase 1 (mark), phase 2 (sweep), phase 3 (publish status).
func (c *Collector) Run(ctx context.Context, upid string, w *worker.Worker) (*Status, error) {
	// Phase 0: try_lock(gc_mutex) non-blocking; observe live shared-lock
	// holders via a brief exclusive lock on the chunk store.
	gcLock, err := locking.TryExclusive(gcMutexPath(c.ds))
	if err != nil {
		if errors.Is(err, locking.ErrLocked) {
			return nil, ErrAlreadyRunning
		}
		return nil, err
	}
	defer gcLock.Close()

	excl, err := c.ds.ChunkStore().TryExclusiveLock()
	if err != nil && !errors.Is(err, locking.ErrLocked) {
		return nil, err
	}
	var oldestWriterPtr *time.Time
	if ow, ok := c.ds.ChunkStore().OldestWriter(); ok {
		oldestWriterPtr = &ow
	}
	if excl != nil {
		excl.Close()
	}
	phase1Start := time.Now()

	status := &Status{UPID: upid}

	// Phase 1: mark every digest referenced by every index.
	if err := c.markPhase(ctx, w, status); err != nil {
		return nil, fmt.Errorf("gc mark phase: %w", err)
	}

	// Phase 2: sweep chunks whose atime predates the cutoff. When a remote
	// tier backend is configured, give it first refusal on each chunk about
	// to be reclaimed.
	if c.backend != nil {
		c.ds.ChunkStore().SetOffload(func(d digest.Digest, raw []byte) error {
			return c.backend.Put(ctx, d, raw)
		})
		defer c.ds.ChunkStore().SetOffload(nil)
	}
	sweepStatus := &chunkstore.SweepStatus{}
	if err := c.ds.ChunkStore().SweepUnusedChunks(oldestWriterPtr, phase1Start, sweepStatus, w); err != nil {
		return nil, fmt.Errorf("gc sweep phase: %w", err)
	}
	status.DiskBytes = sweepStatus.DiskBytes
	status.DiskChunks = sweepStatus.DiskChunks
	status.RemovedBytes = sweepStatus.RemovedBytes
	status.RemovedChunks = sweepStatus.RemovedChunks
	status.PendingBytes = sweepStatus.PendingBytes
	status.PendingChunks = sweepStatus.PendingChunks
	status.RemovedBad = sweepStatus.RemovedBad
	status.StillBad = sweepStatus.StillBad
	status.FinishedAt = time.Now().UTC().Format(time.RFC3339)

	// Phase 3: publish .gc-status atomically.
	if err := publishStatus(gcStatusPath(c.ds), status); err != nil {
		return nil, fmt.Errorf("gc publish status: %w", err)
	}
	return status, nil
}

// markPhase enumerates every index via ListImages and, for each digest it
// references, touches the chunk's atime so phase 2 does not reclaim it.
// Missing-chunk hits are logged and recorded with ChunkStore.MarkBad, which
// creates the lowest-numbered free <chunk>.{0..9}.bad marker (or re-touches
// .9.bad once all ten exist); markers that already exist below that slot
// are not touched. Indexes are marked
// concurrently (bounded by markConcurrency), matching the spec's
// compute-bound worker-pool scheduling model.
func (c *Collector) markPhase(ctx context.Context, w *worker.Worker, status *Status) error {
	images, err := c.ds.ListImages()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(markConcurrency)

	type counts struct {
		fileCount int64
		dataBytes int64
	}
	results := make(chan counts, len(images))

	for _, rel := range images {
		rel := rel
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			if w != nil {
				if err := w.FailOnShutdown(); err != nil {
					return err
				}
			}
			digests, err := c.ds.IndexDigests(rel)
			if err != nil {
				return fmt.Errorf("mark %s: %w", rel, err)
			}
			var dataBytes int64
			for _, d := range digests {
				if w != nil {
					if err := w.CheckAbort(); err != nil {
						return err
					}
				}
				touched, err := c.ds.ChunkStore().CondTouchChunk(d, false)
				if err != nil {
					return err
				}
				if !touched {
					c.logger.Warn("gc: index references missing chunk", "index", rel, "digest", d.String())
					if _, err := c.ds.ChunkStore().MarkBad(d); err != nil {
						c.logger.Warn("gc: failed to mark chunk bad", "digest", d.String(), "error", err)
					}
					continue
				}
				size, err := c.ds.ChunkStore().StatChunk(d)
				if err == nil {
					dataBytes += size
				}
			}
			results <- counts{fileCount: 1, dataBytes: dataBytes}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	close(results)
	for r := range results {
		status.IndexFileCount += r.fileCount
		status.IndexDataBytes += r.dataBytes
	}
	return nil
}

func publishStatus(path string, status *Status) error {
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".gc-status-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// LoadStatus reads back the last published .gc-status for ds.
func LoadStatus(ds *datastore.DataStore) (*Status, error) {
	data, err := os.ReadFile(gcStatusPath(ds))
	if err != nil {
		return nil, err
	}
	var status Status
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Scheduler drives periodic GC runs via gocron, one job per store, mirroring
// orchestrator/cronrotation.go's single-scheduler-many-jobs shape.
type Scheduler struct {
	scheduler gocron.Scheduler
	jobs      map[string]gocron.Job
	logger    *slog.Logger
}

// NewScheduler constructs a Scheduler.
func NewScheduler(logger *slog.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create gc scheduler: %w", err)
	}
	return &Scheduler{scheduler: s, jobs: make(map[string]gocron.Job), logger: logging.Default(logger)}, nil
}

// AddStore registers a cron-driven GC job for storeName using cronExpr
// (e.g. "0 3 * * *"); upidFunc mints a fresh run id per invocation.
func (s *Scheduler) AddStore(storeName, cronExpr string, collector *Collector, upidFunc func() string) error {
	if _, exists := s.jobs[storeName]; exists {
		return fmt.Errorf("gc schedule already exists for store %s", storeName)
	}
	j, err := s.scheduler.NewJob(
		gocron.CronJob(cronExpr, false),
		gocron.NewTask(func() {
			status, err := collector.Run(context.Background(), upidFunc(), worker.New(nil))
			if err != nil {
				s.logger.Error("scheduled gc run failed", "store", storeName, "error", err)
				return
			}
			s.logger.Info("scheduled gc run finished", "store", storeName,
				"removed_chunks", status.RemovedChunks, "removed_bytes", status.RemovedBytes)
		}),
		gocron.WithName(fmt.Sprintf("gc-%s", storeName)),
	)
	if err != nil {
		return fmt.Errorf("create gc job for store %s: %w", storeName, err)
	}
	s.jobs[storeName] = j
	return nil
}

// RemoveStore stops and removes storeName's GC job.
func (s *Scheduler) RemoveStore(storeName string) {
	j, ok := s.jobs[storeName]
	if !ok {
		return
	}
	if err := s.scheduler.RemoveJob(j.ID()); err != nil {
		s.logger.Warn("failed to remove gc job", "store", storeName, "error", err)
	}
	delete(s.jobs, storeName)
}

// Start begins executing all registered GC jobs.
func (s *Scheduler) Start() { s.scheduler.Start() }

// Stop shuts down the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() error { return s.scheduler.Shutdown() }

package chunkstore

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gastrolog/internal/digest"
	"gastrolog/internal/worker"
)

// SweepStatus accumulates the chunk-level counters of a sweep pass. The
// GC package owns the full GarbageCollectionStatus (which also carries
// index-level counters from phase 1); SweepStatus is the chunkstore-local
// subset sweep fills in.
type SweepStatus struct {
	DiskBytes     int64
	DiskChunks    int64
	RemovedBytes  int64
	RemovedChunks int64
	PendingBytes  int64
	PendingChunks int64
	RemovedBad    int64
	StillBad      int64
}

// Cutoff computes the GC atime cutoff: min(oldestWriter, phase1Start) -
// SafeMargin (spec §4.1, §4.7).
func Cutoff(oldestWriter *time.Time, phase1Start time.Time) time.Time {
	floor := phase1Start
	if oldestWriter != nil && oldestWriter.Before(floor) {
		floor = *oldestWriter
	}
	return floor.Add(-SafeMargin)
}

// SweepUnusedChunks removes every regular chunk file whose atime is
// strictly less than the cutoff computed from oldestWriter and phase1Start,
// accumulating counters into status. It polls w.CheckAbort() between shard
// directories so a long sweep can be canceled.
func (s *Store) SweepUnusedChunks(oldestWriter *time.Time, phase1Start time.Time, status *SweepStatus, w *worker.Worker) error {
	cutoff := Cutoff(oldestWriter, phase1Start)
	pendingWindowEnd := cutoff.Add(SafeMargin)

	for _, prefix := range shardPrefixes() {
		if w != nil {
			if err := w.CheckAbort(); err != nil {
				return err
			}
		}
		dir := s.shardDir(prefix)
		entries, err := os.ReadDir(dir)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			name := e.Name()
			full := filepath.Join(dir, name)
			if strings.HasSuffix(name, ".bad") {
				sweepBadFile(full, cutoff, status)
				continue
			}
			if strings.HasPrefix(name, ".insert-") {
				continue // stale temp file from a crashed insert; left for next GC
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			atime := atimeOf(info)
			switch {
			case atime.Before(cutoff):
				s.removeChunkFile(full, name, info.Size(), status)
			case atime.Before(pendingWindowEnd):
				// Recently below the margin but not yet past it: report as
				// pending rather than live, giving a second GC pass the
				// chance to reclaim it without racing an in-flight writer.
				status.PendingBytes += info.Size()
				status.PendingChunks++
			default:
				status.DiskBytes += info.Size()
				status.DiskChunks++
			}
		}
	}
	return nil
}

// removeChunkFile deletes the chunk at full (named name, a digest hex
// string) once its atime has passed the GC cutoff. When an offload backend
// is configured it is given a chance to persist the chunk first; a failed
// offload leaves the chunk on disk and counts it as pending rather than
// losing the only remaining copy.
func (s *Store) removeChunkFile(full, name string, size int64, status *SweepStatus) {
	s.mu.Lock()
	offload := s.offload
	s.mu.Unlock()

	if offload != nil {
		d, err := digest.Parse(name)
		if err == nil {
			raw, readErr := os.ReadFile(full)
			if readErr != nil || offload(d, raw) != nil {
				status.PendingBytes += size
				status.PendingChunks++
				return
			}
		}
	}

	if err := os.Remove(full); err == nil {
		status.RemovedBytes += size
		status.RemovedChunks++
	}
}

// sweepBadFile applies the .bad retention policy: if the primary chunk file
// has reappeared (a successful re-upload), the bad marker is stale and is
// removed; otherwise it is left in place as an open corruption report.
func sweepBadFile(badFilePath string, cutoff time.Time, status *SweepStatus) {
	primary := primaryFromBad(badFilePath)
	if info, err := os.Stat(primary); err == nil {
		_ = info
		if err := os.Remove(badFilePath); err == nil {
			status.RemovedBad++
		}
		return
	}
	status.StillBad++
}

// primaryFromBad strips a trailing ".<N>.bad" suffix to recover the chunk
// path the marker refers to.
func primaryFromBad(badFilePath string) string {
	trimmed := strings.TrimSuffix(badFilePath, ".bad")
	if idx := strings.LastIndex(trimmed, "."); idx != -1 {
		if _, err := strconv.Atoi(trimmed[idx+1:]); err == nil {
			return trimmed[:idx]
		}
	}
	return trimmed
}

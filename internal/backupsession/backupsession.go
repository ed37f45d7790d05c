// Package backupsession implements the BackupSession state machine (spec
// §4.6): a single upload binds a snapshot directory, tracks registered
// index writers and an in-memory chunk registry, and seals the snapshot by
// writing its manifest on finish. Grounded on orchestrator/store_ops.go's
// "acquire locks, mutate, always release" shape, generalized from one
// append-only log rotation to a multi-writer upload session.
package backupsession

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gastrolog/internal/datastore"
	"gastrolog/internal/digest"
	"gastrolog/internal/index/dynamic"
	"gastrolog/internal/index/fixed"
	"gastrolog/internal/locking"
	"gastrolog/internal/manifest"
	"gastrolog/internal/worker"
)

// State is one of the BackupSession lifecycle states.
type State int

const (
	AwaitingUpgrade State = iota
	Active
	Finishing
	Finished
	Aborted
)

func (s State) String() string {
	switch s {
	case AwaitingUpgrade:
		return "awaiting-upgrade"
	case Active:
		return "active"
	case Finishing:
		return "finishing"
	case Finished:
		return "finished"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// WriterKind distinguishes a fixed-size-chunk index from a variable-sized
// one.
type WriterKind int

const (
	KindFixed WriterKind = iota
	KindDynamic
)

const maxWriterID = 256

var (
	ErrInvalidState       = errors.New("backupsession: invalid state for operation")
	ErrTooManyWriters     = errors.New("backupsession: writer id space [1,256] exhausted")
	ErrDuplicateFilename  = errors.New("backupsession: archive filename already registered this session")
	ErrBadExtension       = errors.New("backupsession: archive filename must end in .fidx or .didx")
	ErrUnknownWriter      = errors.New("backupsession: unknown or already-closed writer id")
	ErrUnknownChunk       = errors.New("backupsession: digest not present in the chunk registry")
	ErrOffsetMismatch     = errors.New("backupsession: append offset does not match expected position")
	ErrIncomplete         = errors.New("backupsession: one or more writers not closed, or manifest file list incomplete")
	ErrOwnerMismatch      = errors.New("backupsession: authenticated identity does not own this backup group")
	ErrBackupTimeNotMonotone = errors.New("backupsession: backup_time must be strictly greater than the group's latest snapshot")
)

// AppendEntry is one (digest, offset) pair supplied to Append.
type AppendEntry struct {
	Digest digest.Digest
	Offset uint64
}

type registeredWriter struct {
	kind     WriterKind
	filename string
	closed   bool

	fixedWriter   *fixed.Writer
	dynamicWriter *dynamic.Writer
	chunkSize     uint64 // fixed only
	lastEnd       uint64 // dynamic only: running cumulative offset
}

// Session is a single backup upload's server-side state.
type Session struct {
	mu sync.Mutex

	ds          *datastore.DataStore
	worker      *worker.Worker
	state       State
	backupType  string
	backupID    string
	backupTime  time.Time
	snapshotRel string

	groupLock    *locking.Lock
	snapshotLock *locking.Lock
	storeLock    SharedCloser

	writers       map[int]*registeredWriter
	nextWriterID  int
	filenames     map[string]bool
	chunkRegistry map[digest.Digest]int64

	uncompressedTotal int64
	compressedTotal   int64
}

// SharedCloser is satisfied by chunkstore.SharedLockHandle; kept as a narrow
// interface here so this package does not need to import chunkstore
// directly for the one method it uses.
type SharedCloser interface {
	Close() error
}

// Begin opens a new backup session: creates/locks the backup group
// (enforcing ownership), validates backup_time monotonicity within the
// group, creates the locked snapshot directory, and pins GC via a shared
// ChunkStore lock for the session's duration.
func Begin(ds *datastore.DataStore, backupType, backupID, authID string, backupTime time.Time, w *worker.Worker) (*Session, error) {
	owner, groupLock, err := ds.CreateLockedBackupGroup(backupType, backupID, authID)
	if err != nil {
		return nil, err
	}
	if !ownerMatches(owner, authID) {
		groupLock.Close()
		return nil, ErrOwnerMismatch
	}

	latest, err := latestSnapshotTime(ds, backupType, backupID)
	if err != nil {
		groupLock.Close()
		return nil, err
	}
	if latest != nil && !backupTime.After(*latest) {
		groupLock.Close()
		return nil, ErrBackupTimeNotMonotone
	}

	rel, _, snapLock, err := ds.CreateLockedBackupDir(backupType, backupID, backupTime)
	if err != nil {
		groupLock.Close()
		return nil, err
	}

	storeLock, err := ds.ChunkStore().TryShared()
	if err != nil {
		snapLock.Close()
		groupLock.Close()
		return nil, err
	}

	return &Session{
		ds:            ds,
		worker:        w,
		state:         Active,
		backupType:    backupType,
		backupID:      backupID,
		backupTime:    backupTime,
		snapshotRel:   rel,
		groupLock:     groupLock,
		snapshotLock:  snapLock,
		storeLock:     storeLock,
		writers:       make(map[int]*registeredWriter),
		nextWriterID:  1,
		filenames:     make(map[string]bool),
		chunkRegistry: make(map[digest.Digest]int64),
	}, nil
}

func ownerMatches(owner, authID string) bool {
	if owner == authID {
		return true
	}
	if user, _, found := strings.Cut(owner, "!"); found {
		return user == authID
	}
	return false
}

func latestSnapshotTime(ds *datastore.DataStore, backupType, backupID string) (*time.Time, error) {
	entries, err := ds.ListSnapshotTimes(backupType, backupID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	latest := entries[0]
	for _, e := range entries[1:] {
		if e.After(latest) {
			latest = e
		}
	}
	return &latest, nil
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SnapshotRel returns the snapshot directory path, relative to the store
// root.
func (s *Session) SnapshotRel() string { return s.snapshotRel }

// RegisterWriter opens a new index writer, assigning the next free id in
// [1,256]. filename must be unique within the session and end in .fidx (for
// KindFixed) or .didx (for KindDynamic).
func (s *Session) RegisterWriter(filename string, kind WriterKind, size, chunkSize uint64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Active {
		return 0, ErrInvalidState
	}
	wantExt := map[WriterKind]string{KindFixed: ".fidx", KindDynamic: ".didx"}[kind]
	if filepath.Ext(filename) != wantExt {
		return 0, ErrBadExtension
	}
	if s.filenames[filename] {
		return 0, ErrDuplicateFilename
	}
	if s.nextWriterID > maxWriterID {
		return 0, ErrTooManyWriters
	}

	path := filepath.Join(s.ds.Path(), s.snapshotRel, filename)
	rw := &registeredWriter{kind: kind, filename: filename, chunkSize: chunkSize}
	switch kind {
	case KindFixed:
		w, err := fixed.Create(s.ds.ChunkStore(), path, size, chunkSize)
		if err != nil {
			return 0, err
		}
		rw.fixedWriter = w
	case KindDynamic:
		w, err := dynamic.Create(s.ds.ChunkStore(), path)
		if err != nil {
			return 0, err
		}
		rw.dynamicWriter = w
	}

	id := s.nextWriterID
	s.nextWriterID++
	s.writers[id] = rw
	s.filenames[filename] = true
	return id, nil
}

// UploadChunk inserts raw (an already-encoded DataBlob) under d if not
// already present, and registers d's plaintext size in the session's chunk
// registry so a later Append can reference it.
func (s *Session) UploadChunk(d digest.Digest, plaintextSize int64, raw []byte) (existed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Active {
		return false, ErrInvalidState
	}
	existed, stored, err := s.ds.ChunkStore().InsertChunk(raw, d)
	if err != nil {
		return false, err
	}
	s.chunkRegistry[d] = plaintextSize
	s.uncompressedTotal += plaintextSize
	s.compressedTotal += stored
	return existed, nil
}

// Append implements the append protocol: each (digest, offset) pair must
// name a digest already present in the chunk registry, and its offset must
// match the writer's expected next position (dynamic: previous end_offset
// plus this chunk's registered size; fixed: offset must be an exact
// multiple of chunk_size, selecting that slot index).
func (s *Session) Append(wid int, entries []AppendEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Active {
		return ErrInvalidState
	}
	w, ok := s.writers[wid]
	if !ok || w.closed {
		return ErrUnknownWriter
	}

	for _, e := range entries {
		size, known := s.chunkRegistry[e.Digest]
		if !known {
			return ErrUnknownChunk
		}
		switch w.kind {
		case KindDynamic:
			expected := w.lastEnd + uint64(size)
			if e.Offset != expected {
				return fmt.Errorf("%w: writer %d expected offset %d, got %d", ErrOffsetMismatch, wid, expected, e.Offset)
			}
			if err := w.dynamicWriter.AppendEntry(e.Offset, e.Digest); err != nil {
				return err
			}
			w.lastEnd = e.Offset
		case KindFixed:
			if w.chunkSize == 0 || e.Offset%w.chunkSize != 0 {
				return fmt.Errorf("%w: writer %d offset %d not aligned to chunk_size %d", ErrOffsetMismatch, wid, e.Offset, w.chunkSize)
			}
			idx := e.Offset / w.chunkSize
			if err := w.fixedWriter.AddDigest(idx, e.Digest); err != nil {
				return err
			}
		}
	}
	return nil
}

// CloseWriter validates the caller's declared totals against what the
// writer accumulated and commits the index file under its final name. After
// close, Append and CloseWriter reject the writer id (ids are never
// reassigned), and its archive filename remains reserved for the rest of
// the session.
func (s *Session) CloseWriter(wid int, chunkCount int, size uint64, csum digest.Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Active {
		return ErrInvalidState
	}
	w, ok := s.writers[wid]
	if !ok || w.closed {
		return ErrUnknownWriter
	}

	var err error
	switch w.kind {
	case KindFixed:
		err = w.fixedWriter.Close(chunkCount, size, csum)
	case KindDynamic:
		err = w.dynamicWriter.Close(chunkCount, size, csum)
	}
	if err != nil {
		return err
	}
	w.closed = true
	return nil
}

// WarmupKnownChunks streams the previous snapshot's digests for every
// archive filename already registered this session (same name, if
// present), registering each at its known plaintext size so the client can
// skip re-uploading chunks still present in the store.
func (s *Session) WarmupKnownChunks(previousSnapshotRel string) (map[string][]digest.Digest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string][]digest.Digest)
	for filename := range s.filenames {
		prevPath := filepath.Join(s.ds.Path(), previousSnapshotRel, filename)
		digests, sizes, err := readPrevChunks(prevPath)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for i, d := range digests {
			if s.worker != nil {
				if err := s.worker.CheckAbort(); err != nil {
					return nil, err
				}
			}
			if _, known := s.chunkRegistry[d]; !known {
				s.chunkRegistry[d] = int64(sizes[i])
			}
		}
		out[filename] = digests
	}
	return out, nil
}

// Totals returns the session-wide accumulated uncompressed/compressed byte
// counts across every chunk uploaded.
func (s *Session) Totals() (uncompressed, compressed int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uncompressedTotal, s.compressedTotal
}

// Finish requires every registered writer closed, then serializes the
// manifest via mutate and publishes it, releasing the session's locks on
// success.
func (s *Session) Finish(mutate manifest.Mutator) (*manifest.Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Active {
		return nil, ErrInvalidState
	}
	s.state = Finishing

	for id, w := range s.writers {
		if !w.closed {
			s.state = Aborted
			return nil, fmt.Errorf("%w: writer %d (%s) never closed", ErrIncomplete, id, w.filename)
		}
	}

	backupType, backupID, backupTime := s.backupType, s.backupID, s.backupTime
	m, err := s.ds.UpdateManifest(s.snapshotRel,
		func() *manifest.Manifest { return manifest.New(backupType, backupID, backupTime) },
		mutate)
	if err != nil {
		s.state = Aborted
		return nil, err
	}

	s.state = Finished
	s.releaseLocked()
	return m, nil
}

// Abort aborts every open writer, releases the session's locks, and removes
// the snapshot directory unconditionally (but never touches shared chunks).
func (s *Session) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Finished {
		return ErrInvalidState
	}
	for _, w := range s.writers {
		if w.closed {
			continue
		}
		switch w.kind {
		case KindFixed:
			_ = w.fixedWriter.Abort()
		case KindDynamic:
			_ = w.dynamicWriter.Abort()
		}
	}
	s.state = Aborted
	rel := s.snapshotRel
	s.releaseLocked()
	return s.ds.RemoveBackupDir(rel, true)
}

func (s *Session) releaseLocked() {
	if s.snapshotLock != nil {
		s.snapshotLock.Close()
		s.snapshotLock = nil
	}
	if s.storeLock != nil {
		s.storeLock.Close()
		s.storeLock = nil
	}
	if s.groupLock != nil {
		s.groupLock.Close()
		s.groupLock = nil
	}
}

func readPrevChunks(path string) (digests []digest.Digest, sizes []uint64, err error) {
	switch {
	case strings.HasSuffix(path, ".fidx"):
		r, err := fixed.Open(path)
		if err != nil {
			return nil, nil, err
		}
		defer r.Close()
		for i := 0; i < r.IndexCount(); i++ {
			start, end, d, err := r.ChunkInfo(i)
			if err != nil {
				return nil, nil, err
			}
			digests = append(digests, d)
			sizes = append(sizes, end-start)
		}
	case strings.HasSuffix(path, ".didx"):
		r, err := dynamic.Open(path)
		if err != nil {
			return nil, nil, err
		}
		defer r.Close()
		for i := 0; i < r.IndexCount(); i++ {
			start, end, d, err := r.ChunkInfo(i)
			if err != nil {
				return nil, nil, err
			}
			digests = append(digests, d)
			sizes = append(sizes, end-start)
		}
	default:
		return nil, nil, fmt.Errorf("backupsession: unrecognized index extension: %s", path)
	}
	return digests, sizes, nil
}

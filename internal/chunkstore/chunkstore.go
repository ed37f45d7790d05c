// Package chunkstore implements the sharded, content-addressed blob store
// described in spec §4.1: immutable chunk files keyed by digest, atime-based
// mark/sweep garbage collection, and the shared/exclusive process lock that
// coordinates writers, readers and GC.
//
// Grounded on chunk/file/manager.go's lock-then-mutate idiom (syscall.Flock
// on a store-directory lock file, temp-file-in-the-target-directory +
// fsync + rename for atomic publication), generalized from "one active
// append log" to "65536 shard directories of immutable files".
package chunkstore

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"gastrolog/internal/digest"
	"gastrolog/internal/locking"
	"gastrolog/internal/logging"
)

const (
	chunksDirName = ".chunks"
	storeLockName = ".store.lock"
	shardCount    = 1 << 16 // 65536, keyed by the digest's first 2 bytes

	// SafeMargin is the minimum age a chunk's atime must have fallen behind
	// the GC cutoff floor before sweep considers it unreferenced (spec §4.1,
	// §4.7): 24h accounts for the longest plausible in-flight upload, plus a
	// 5-minute safety margin.
	SafeMargin = 24*time.Hour + 5*time.Minute
)

var (
	ErrNotFound      = errors.New("chunkstore: chunk not found")
	ErrAlreadyExists = errors.New("chunkstore: store already exists")
	ErrNotAStore     = errors.New("chunkstore: missing .chunks layout")
	ErrLocked        = locking.ErrLocked
)

// OffloadFunc mirrors a chunk's raw (already DataBlob-framed) bytes to a
// cold-storage backend. InsertChunk fires it asynchronously for newly
// written chunks; SweepUnusedChunks calls it synchronously immediately
// before removing a chunk whose atime has passed the GC cutoff, so a
// failed offload leaves the local copy in place rather than losing data.
type OffloadFunc func(d digest.Digest, raw []byte) error

// Store is a shard-addressed immutable blob store rooted at Path.
type Store struct {
	name string
	path string

	mu sync.Mutex

	logger    *slog.Logger
	sharedReg *locking.Registry // tracks shared-lock holders for OldestWriter

	offload OffloadFunc // nil unless a remote tier backend is configured
}

// SetOffload installs (or, passed nil, removes) the cold-storage mirror
// hook. Disabled by default, matching SPEC_FULL's "off unless configured".
func (s *Store) SetOffload(f OffloadFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offload = f
}

// shardDir returns the shard directory path for the given 4-char hex prefix.
func (s *Store) shardDir(prefix string) string {
	return filepath.Join(s.path, chunksDirName, prefix)
}

// chunksRoot returns the .chunks directory path.
func (s *Store) chunksRoot() string {
	return filepath.Join(s.path, chunksDirName)
}

func shardPrefixes() []string {
	out := make([]string, 0, shardCount)
	for i := 0; i < shardCount; i++ {
		out = append(out, fmt.Sprintf("%04x", i))
	}
	return out
}

// Create lays out a fresh store at path: the .chunks directory and all
// 65536 shard subdirectories.
func Create(name, path string, perm os.FileMode, logger *slog.Logger) (*Store, error) {
	if perm == 0 {
		perm = 0o750
	}
	if err := os.MkdirAll(path, perm); err != nil {
		return nil, err
	}
	chunksRoot := filepath.Join(path, chunksDirName)
	if _, err := os.Stat(chunksRoot); err == nil {
		return nil, ErrAlreadyExists
	}
	if err := os.MkdirAll(chunksRoot, perm); err != nil {
		return nil, err
	}
	for _, prefix := range shardPrefixes() {
		if err := os.MkdirAll(filepath.Join(chunksRoot, prefix), perm); err != nil {
			return nil, fmt.Errorf("create shard %s: %w", prefix, err)
		}
	}
	return newStore(name, path, logger), nil
}

// Open opens an existing store at path, validating that its shard layout is
// present.
func Open(name, path string, logger *slog.Logger) (*Store, error) {
	chunksRoot := filepath.Join(path, chunksDirName)
	info, err := os.Stat(chunksRoot)
	if err != nil || !info.IsDir() {
		return nil, ErrNotAStore
	}
	// Spot-check a representative sample of shard directories rather than
	// all 65536 — any store laid out by Create has them all, and a full
	// stat loop at every open is wasted I/O for a property that cannot
	// partially hold in practice.
	for _, prefix := range []string{"0000", "7fff", "ffff"} {
		if st, err := os.Stat(filepath.Join(chunksRoot, prefix)); err != nil || !st.IsDir() {
			return nil, fmt.Errorf("%w: missing shard %s", ErrNotAStore, prefix)
		}
	}
	return newStore(name, path, logger), nil
}

func newStore(name, path string, logger *slog.Logger) *Store {
	return &Store{
		name:      name,
		path:      path,
		logger:    logging.Default(logger).With("component", "chunkstore", "store", name),
		sharedReg: locking.NewRegistry(),
	}
}

// Path returns the store's root directory.
func (s *Store) Path() string { return s.path }

// Name returns the store's configured name.
func (s *Store) Name() string { return s.name }

// ChunkPath returns the deterministic on-disk location for d, and its hex
// string form.
func (s *Store) ChunkPath(d digest.Digest) (string, string) {
	hexStr := d.String()
	return filepath.Join(s.shardDir(d.ShardHex()), hexStr), hexStr
}

// InsertChunk atomically places raw (an already-encoded DataBlob) under its
// digest. If the chunk already exists, its atime is touched and existed=true
// is returned without rewriting the file (P7: idempotent insert). Otherwise
// raw is written to a temp file in the same shard directory, fsynced, and
// renamed into place.
func (s *Store) InsertChunk(raw []byte, d digest.Digest) (existed bool, size int64, err error) {
	path, _ := s.ChunkPath(d)

	if info, statErr := os.Stat(path); statErr == nil {
		now := time.Now()
		_ = os.Chtimes(path, now, info.ModTime())
		s.clearBad(d)
		return true, info.Size(), nil
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".insert-*")
	if err != nil {
		return false, 0, err
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := tmp.Write(raw); err != nil {
		cleanup()
		return false, 0, err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return false, 0, err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return false, 0, err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return false, 0, err
	}

	s.clearBad(d)

	s.mu.Lock()
	offload := s.offload
	s.mu.Unlock()
	if offload != nil {
		go func() {
			if err := offload(d, raw); err != nil {
				s.logger.Warn("remote tier mirror failed", "digest", d.String(), "error", err)
			}
		}()
	}

	return false, int64(len(raw)), nil
}

// LoadChunk reads the raw (still-encoded) bytes of the chunk named by d.
func (s *Store) LoadChunk(d digest.Digest) ([]byte, error) {
	path, _ := s.ChunkPath(d)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

// StatChunk returns the on-disk size of the chunk named by d.
func (s *Store) StatChunk(d digest.Digest) (int64, error) {
	path, _ := s.ChunkPath(d)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return info.Size(), nil
}

// CondTouchChunk updates the chunk's atime. If the chunk is missing, it
// returns false when failIfNotExist is false, or ErrNotFound otherwise.
func (s *Store) CondTouchChunk(d digest.Digest, failIfNotExist bool) (bool, error) {
	path, _ := s.ChunkPath(d)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			if failIfNotExist {
				return false, ErrNotFound
			}
			return false, nil
		}
		return false, err
	}
	now := time.Now()
	if err := os.Chtimes(path, now, info.ModTime()); err != nil {
		return false, err
	}
	return true, nil
}

// TryExclusiveLock attempts the per-store exclusive lock, used only by GC's
// phase-2 prelude to briefly observe the live shared-lock holder set.
func (s *Store) TryExclusiveLock() (*locking.Lock, error) {
	return locking.TryExclusive(filepath.Join(s.path, storeLockName))
}

// SharedLockHandle is held for the duration of a backup session or a read;
// Close releases both the filesystem flock and the in-process registry
// entry used to compute OldestWriter.
type SharedLockHandle struct {
	lock  *locking.Lock
	token *locking.Token
}

// Close releases the shared lock.
func (h *SharedLockHandle) Close() error {
	if h == nil {
		return nil
	}
	if h.token != nil {
		h.token.Release()
	}
	return h.lock.Close()
}

// TryShared acquires the per-store shared lock and registers the acquisition
// time so OldestWriter can later report it.
func (s *Store) TryShared() (*SharedLockHandle, error) {
	lock, err := locking.TryShared(filepath.Join(s.path, storeLockName))
	if err != nil {
		return nil, err
	}
	tok := s.sharedReg.Register(time.Now())
	return &SharedLockHandle{lock: lock, token: tok}, nil
}

// OldestWriter returns the smallest lock_time across all currently held
// shared-lock tokens, used as the GC atime cutoff floor.
func (s *Store) OldestWriter() (time.Time, bool) {
	return s.sharedReg.Oldest()
}

// clearBad best-effort removes any .N.bad sibling files once a chunk has
// been successfully (re)inserted, so a prior corruption report does not
// linger past its resolution.
func (s *Store) clearBad(d digest.Digest) {
	path, _ := s.ChunkPath(d)
	for i := 0; i < 10; i++ {
		_ = os.Remove(badPath(path, i))
	}
}

// MarkBad records that digest d's chunk was found missing or corrupt,
// touching a <chunk>.<N>.bad sibling so a future re-upload of the same
// digest can detect and clear it. Open Question (spec §9): whether more
// than ten retries are permitted is left unspecified; this implementation
// caps at ten slots (.0.bad .. .9.bad) and recycles the highest slot once
// all ten are in use.
func (s *Store) MarkBad(d digest.Digest) (string, error) {
	path, _ := s.ChunkPath(d)
	for i := 0; i < 10; i++ {
		p := badPath(path, i)
		if _, err := os.Stat(p); os.IsNotExist(err) {
			if err := touchEmpty(p); err != nil {
				return "", err
			}
			return p, nil
		}
	}
	p := badPath(path, 9)
	if err := touchEmpty(p); err != nil {
		return "", err
	}
	return p, nil
}

func badPath(chunkPath string, n int) string {
	return chunkPath + "." + strconv.Itoa(n) + ".bad"
}

func touchEmpty(path string) error {
	now := time.Now()
	if info, err := os.Stat(path); err == nil {
		return os.Chtimes(path, now, info.ModTime())
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

// Iterator lazily enumerates every chunk file across all shard directories,
// yielding progress information so a caller (GC, fsck) can report status as
// it scans. Grounded on the spec's own description: "(dir_entry,
// shard_index, done_flag)".
type Iterator struct {
	store        *Store
	prefixes     []string
	shardIdx     int // next shard directory to read
	curShardIdx  int // shard index the current batch of entries came from
	curEntries   []fs.DirEntry
	curPos       int
}

// NewIterator returns an Iterator starting at shard 0.
func (s *Store) NewIterator() *Iterator {
	prefixes := shardPrefixes()
	sort.Strings(prefixes)
	return &Iterator{store: s, prefixes: prefixes}
}

// Next returns the next directory entry, the shard index it came from
// (0..65535), and done=true once the iterator is exhausted.
func (it *Iterator) Next() (entry fs.DirEntry, shardIndex int, done bool, err error) {
	for {
		if it.curPos < len(it.curEntries) {
			e := it.curEntries[it.curPos]
			it.curPos++
			return e, it.curShardIdx, false, nil
		}
		if it.shardIdx >= len(it.prefixes) {
			return nil, 0, true, nil
		}
		dirPath := it.store.shardDir(it.prefixes[it.shardIdx])
		entries, readErr := os.ReadDir(dirPath)
		if readErr != nil {
			return nil, 0, false, readErr
		}
		it.curEntries = entries
		it.curPos = 0
		it.curShardIdx = it.shardIdx
		it.shardIdx++
	}
}

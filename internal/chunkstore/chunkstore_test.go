package chunkstore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gastrolog/internal/digest"
)

func mustCreate(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Create("test", dir, 0, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return s
}

func TestCreateLaysOutShards(t *testing.T) {
	s := mustCreate(t)
	for _, prefix := range []string{"0000", "abcd", "ffff"} {
		if _, err := os.Stat(filepath.Join(s.chunksRoot(), prefix)); err != nil {
			t.Fatalf("expected shard %s to exist: %v", prefix, err)
		}
	}
}

func TestCreateTwiceFails(t *testing.T) {
	dir := t.TempDir()
	if _, err := Create("test", dir, 0, nil); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := Create("test", dir, 0, nil); err != ErrAlreadyExists {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestOpenValidatesLayout(t *testing.T) {
	dir := t.TempDir()
	if _, err := Open("test", dir, nil); err != ErrNotAStore {
		t.Fatalf("expected ErrNotAStore for empty dir, got %v", err)
	}
	Create("test", dir, 0, nil)
	if _, err := Open("test", dir, nil); err != nil {
		t.Fatalf("expected successful open, got %v", err)
	}
}

func TestInsertChunkNewAndIdempotent(t *testing.T) {
	s := mustCreate(t)
	d := digest.Sum([]byte("plaintext"))
	raw := []byte("encoded-blob-bytes")

	existed, size, err := s.InsertChunk(raw, d)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if existed {
		t.Fatal("expected existed=false on first insert")
	}
	if size != int64(len(raw)) {
		t.Fatalf("expected size %d, got %d", len(raw), size)
	}

	existed, size, err = s.InsertChunk(raw, d)
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if !existed {
		t.Fatal("expected existed=true on second insert (P7 idempotency)")
	}
	if size != int64(len(raw)) {
		t.Fatalf("expected unchanged size, got %d", size)
	}

	got, err := s.LoadChunk(d)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(got) != string(raw) {
		t.Fatalf("expected chunk content unchanged, got %q", got)
	}
}

func TestInsertChunkNeverTruncatesOnReinsert(t *testing.T) {
	s := mustCreate(t)
	d := digest.Sum([]byte("x"))
	raw := []byte("0123456789")
	if _, _, err := s.InsertChunk(raw, d); err != nil {
		t.Fatalf("insert: %v", err)
	}
	// Re-insert with a shorter payload — must not rewrite the file.
	if _, _, err := s.InsertChunk([]byte("ab"), d); err != nil {
		t.Fatalf("reinsert: %v", err)
	}
	got, err := s.LoadChunk(d)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(got) != string(raw) {
		t.Fatalf("expected original content preserved, got %q", got)
	}
}

func TestChunkPathDeterministic(t *testing.T) {
	s := mustCreate(t)
	d := digest.Sum([]byte("determinism"))
	p1, h1 := s.ChunkPath(d)
	p2, h2 := s.ChunkPath(d)
	if p1 != p2 || h1 != h2 {
		t.Fatal("expected deterministic chunk path")
	}
	if filepath.Base(p1) != h1 {
		t.Fatalf("expected filename to equal hex digest, got %q vs %q", filepath.Base(p1), h1)
	}
}

func TestCondTouchChunkMissing(t *testing.T) {
	s := mustCreate(t)
	d := digest.Sum([]byte("missing"))

	touched, err := s.CondTouchChunk(d, false)
	if err != nil {
		t.Fatalf("expected no error when fail_if_not_exist=false, got %v", err)
	}
	if touched {
		t.Fatal("expected touched=false for missing chunk")
	}

	if _, err := s.CondTouchChunk(d, true); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCondTouchChunkExisting(t *testing.T) {
	s := mustCreate(t)
	d := digest.Sum([]byte("present"))
	s.InsertChunk([]byte("data"), d)

	path, _ := s.ChunkPath(d)
	old := time.Now().Add(-time.Hour)
	os.Chtimes(path, old, old)

	touched, err := s.CondTouchChunk(d, true)
	if err != nil || !touched {
		t.Fatalf("expected touched=true, got touched=%v err=%v", touched, err)
	}
	info, _ := os.Stat(path)
	if atimeOf(info).Before(old.Add(time.Minute)) {
		t.Fatal("expected atime to be refreshed")
	}
}

func TestIteratorEnumeratesAllChunks(t *testing.T) {
	s := mustCreate(t)
	digests := []digest.Digest{
		digest.Sum([]byte("one")),
		digest.Sum([]byte("two")),
		digest.Sum([]byte("three")),
	}
	for _, d := range digests {
		s.InsertChunk([]byte("data"), d)
	}

	it := s.NewIterator()
	found := map[string]bool{}
	for {
		entry, shardIdx, done, err := it.Next()
		if err != nil {
			t.Fatalf("iterator: %v", err)
		}
		if done {
			break
		}
		if shardIdx < 0 || shardIdx >= shardCount {
			t.Fatalf("shard index out of range: %d", shardIdx)
		}
		found[entry.Name()] = true
	}
	for _, d := range digests {
		if !found[d.String()] {
			t.Fatalf("expected iterator to find digest %s", d)
		}
	}
}

func TestMarkBadAndClearOnReinsert(t *testing.T) {
	s := mustCreate(t)
	d := digest.Sum([]byte("corrupt"))

	badPath1, err := s.MarkBad(d)
	if err != nil {
		t.Fatalf("mark bad: %v", err)
	}
	if _, err := os.Stat(badPath1); err != nil {
		t.Fatalf("expected bad marker file to exist: %v", err)
	}

	// A later successful insert must clear the bad marker.
	if _, _, err := s.InsertChunk([]byte("good data"), d); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := os.Stat(badPath1); !os.IsNotExist(err) {
		t.Fatalf("expected bad marker to be cleared after reinsert, stat err=%v", err)
	}
}

func TestMarkBadCapsAtTenSlots(t *testing.T) {
	s := mustCreate(t)
	d := digest.Sum([]byte("chronic"))
	var last string
	for i := 0; i < 12; i++ {
		p, err := s.MarkBad(d)
		if err != nil {
			t.Fatalf("mark bad iteration %d: %v", i, err)
		}
		last = p
	}
	if filepath.Ext(filepath.Base(last)) != ".bad" {
		t.Fatalf("expected .bad suffix, got %s", last)
	}
	chunkPath, _ := s.ChunkPath(d)
	if last != badPath(chunkPath, 9) {
		t.Fatalf("expected calls past the tenth to reuse slot 9, got %s", last)
	}
}

func TestSharedLocksCoexistExclusiveExcluded(t *testing.T) {
	s := mustCreate(t)
	h1, err := s.TryShared()
	if err != nil {
		t.Fatalf("shared 1: %v", err)
	}
	defer h1.Close()

	h2, err := s.TryShared()
	if err != nil {
		t.Fatalf("shared 2: %v", err)
	}
	defer h2.Close()

	if _, err := s.TryExclusiveLock(); err != ErrLocked {
		t.Fatalf("expected exclusive lock to be blocked, got %v", err)
	}
}

func TestOldestWriterTracksSharedLockHolders(t *testing.T) {
	s := mustCreate(t)
	if _, ok := s.OldestWriter(); ok {
		t.Fatal("expected no oldest writer with no active sessions")
	}

	h1, err := s.TryShared()
	if err != nil {
		t.Fatalf("shared: %v", err)
	}
	oldest, ok := s.OldestWriter()
	if !ok {
		t.Fatal("expected an oldest writer once a shared lock is held")
	}
	if oldest.After(time.Now()) {
		t.Fatal("expected oldest writer time to be in the past")
	}
	h1.Close()

	if _, ok := s.OldestWriter(); ok {
		t.Fatal("expected no oldest writer after releasing the only holder")
	}
}

func TestSweepRemovesOldChunksKeepsNew(t *testing.T) {
	s := mustCreate(t)
	oldDigest := digest.Sum([]byte("old"))
	newDigest := digest.Sum([]byte("new"))

	s.InsertChunk([]byte("old data"), oldDigest)
	s.InsertChunk([]byte("new data"), newDigest)

	oldPath, _ := s.ChunkPath(oldDigest)
	veryOld := time.Now().Add(-48 * time.Hour)
	os.Chtimes(oldPath, veryOld, veryOld)

	phase1Start := time.Now()
	status := &SweepStatus{}
	if err := s.SweepUnusedChunks(nil, phase1Start, status, nil); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if status.RemovedChunks != 1 {
		t.Fatalf("expected 1 removed chunk, got %d", status.RemovedChunks)
	}
	if _, err := s.LoadChunk(oldDigest); err != ErrNotFound {
		t.Fatalf("expected old chunk removed, got err=%v", err)
	}
	if _, err := s.LoadChunk(newDigest); err != nil {
		t.Fatalf("expected new chunk preserved, got err=%v", err)
	}
}

func TestSweepRespectsOldestWriterFloor(t *testing.T) {
	s := mustCreate(t)
	d := digest.Sum([]byte("pinned"))
	s.InsertChunk([]byte("data"), d)

	path, _ := s.ChunkPath(d)
	veryOld := time.Now().Add(-48 * time.Hour)
	os.Chtimes(path, veryOld, veryOld)

	// An oldest-writer far in the past pins the cutoff floor even older,
	// so the chunk (touched 48h ago) must survive.
	oldestWriter := time.Now().Add(-72 * time.Hour)
	status := &SweepStatus{}
	if err := s.SweepUnusedChunks(&oldestWriter, time.Now(), status, nil); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if status.RemovedChunks != 0 {
		t.Fatalf("expected chunk to survive due to oldest-writer floor, removed=%d", status.RemovedChunks)
	}
}

func TestSweepBadFileClearedWhenPrimaryReappears(t *testing.T) {
	s := mustCreate(t)
	d := digest.Sum([]byte("recovered"))
	s.MarkBad(d)
	s.InsertChunk([]byte("now present"), d)

	status := &SweepStatus{}
	if err := s.SweepUnusedChunks(nil, time.Now(), status, nil); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	// InsertChunk already clears the bad marker, so sweep should find none
	// left to report; this asserts the cleanup path is idempotent with
	// sweep running afterward.
	if status.StillBad != 0 {
		t.Fatalf("expected 0 still-bad, got %d", status.StillBad)
	}
}

func TestSweepOffloadSuccessRemovesLocalCopy(t *testing.T) {
	s := mustCreate(t)
	d := digest.Sum([]byte("cold"))
	s.InsertChunk([]byte("cold data"), d)

	path, _ := s.ChunkPath(d)
	veryOld := time.Now().Add(-48 * time.Hour)
	os.Chtimes(path, veryOld, veryOld)

	var offloaded digest.Digest
	s.SetOffload(func(od digest.Digest, raw []byte) error {
		offloaded = od
		return nil
	})

	status := &SweepStatus{}
	if err := s.SweepUnusedChunks(nil, time.Now(), status, nil); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if offloaded != d {
		t.Fatal("expected offload hook to be invoked with the swept digest")
	}
	if status.RemovedChunks != 1 {
		t.Fatalf("expected offloaded chunk to be removed locally, got %d removed", status.RemovedChunks)
	}
}

func TestSweepOffloadFailureKeepsLocalCopyPending(t *testing.T) {
	s := mustCreate(t)
	d := digest.Sum([]byte("flaky"))
	s.InsertChunk([]byte("flaky data"), d)

	path, _ := s.ChunkPath(d)
	veryOld := time.Now().Add(-48 * time.Hour)
	os.Chtimes(path, veryOld, veryOld)

	s.SetOffload(func(digest.Digest, []byte) error {
		return errors.New("backend unreachable")
	})

	status := &SweepStatus{}
	if err := s.SweepUnusedChunks(nil, time.Now(), status, nil); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if status.RemovedChunks != 0 {
		t.Fatalf("expected no removal when offload fails, got %d", status.RemovedChunks)
	}
	if status.PendingChunks != 1 {
		t.Fatalf("expected the chunk to be reported pending, got %d", status.PendingChunks)
	}
	if _, err := s.LoadChunk(d); err != nil {
		t.Fatalf("expected local copy to survive a failed offload, got err=%v", err)
	}
}

func TestInsertChunkFiresAsyncOffloadOnNewChunk(t *testing.T) {
	s := mustCreate(t)
	done := make(chan digest.Digest, 1)
	s.SetOffload(func(d digest.Digest, raw []byte) error {
		done <- d
		return nil
	})

	d := digest.Sum([]byte("mirrored"))
	if _, _, err := s.InsertChunk([]byte("mirrored data"), d); err != nil {
		t.Fatalf("insert: %v", err)
	}

	select {
	case got := <-done:
		if got != d {
			t.Fatalf("expected offload for %v, got %v", d, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for async offload")
	}
}

package locking

import (
	"path/filepath"
	"testing"
	"time"
)

func TestTryExclusiveExcludesSecondHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")
	l1, err := TryExclusive(path)
	if err != nil {
		t.Fatalf("first lock: %v", err)
	}
	defer l1.Close()

	if _, err := TryExclusive(path); err != ErrLocked {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
}

func TestCloseReleasesLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")
	l1, err := TryExclusive(path)
	if err != nil {
		t.Fatalf("first lock: %v", err)
	}
	if err := l1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	l2, err := TryExclusive(path)
	if err != nil {
		t.Fatalf("expected reacquire after close, got %v", err)
	}
	defer l2.Close()
}

func TestMultipleSharedLocksCoexist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")
	s1, err := TryShared(path)
	if err != nil {
		t.Fatalf("first shared: %v", err)
	}
	defer s1.Close()

	s2, err := TryShared(path)
	if err != nil {
		t.Fatalf("second shared lock should coexist, got %v", err)
	}
	defer s2.Close()
}

func TestSharedExcludesExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")
	s1, err := TryShared(path)
	if err != nil {
		t.Fatalf("shared: %v", err)
	}
	defer s1.Close()

	if _, err := TryExclusive(path); err != ErrLocked {
		t.Fatalf("expected exclusive to be blocked by shared holder, got %v", err)
	}
}

func TestAcquireExclusiveTimeoutExpires(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")
	held, err := TryExclusive(path)
	if err != nil {
		t.Fatalf("hold: %v", err)
	}
	defer held.Close()

	_, err = AcquireExclusiveTimeout(path, 60*time.Millisecond)
	if err != ErrTimedOut {
		t.Fatalf("expected ErrTimedOut, got %v", err)
	}
}

func TestAcquireExclusiveTimeoutSucceedsWhenFree(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")
	l, err := AcquireExclusiveTimeout(path, time.Second)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	defer l.Close()
}

func TestRegistryOldest(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Oldest(); ok {
		t.Fatal("expected empty registry to report no oldest")
	}

	t1 := time.Now()
	tok1 := r.Register(t1)
	t2 := t1.Add(time.Second)
	tok2 := r.Register(t2)

	oldest, ok := r.Oldest()
	if !ok || !oldest.Equal(t1) {
		t.Fatalf("expected oldest %v, got %v (ok=%v)", t1, oldest, ok)
	}
	if r.Count() != 2 {
		t.Fatalf("expected count 2, got %d", r.Count())
	}

	tok1.Release()
	oldest, ok = r.Oldest()
	if !ok || !oldest.Equal(t2) {
		t.Fatalf("expected oldest to advance to %v, got %v", t2, oldest)
	}

	tok2.Release()
	if _, ok := r.Oldest(); ok {
		t.Fatal("expected empty registry after releasing all tokens")
	}
}

func TestTokenReleaseIsIdempotent(t *testing.T) {
	r := NewRegistry()
	tok := r.Register(time.Now())
	tok.Release()
	tok.Release() // must not panic or double-delete incorrectly
	if r.Count() != 0 {
		t.Fatalf("expected count 0, got %d", r.Count())
	}
}

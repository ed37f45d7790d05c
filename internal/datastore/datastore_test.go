package datastore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gastrolog/internal/digest"
	"gastrolog/internal/index/fixed"
	"gastrolog/internal/manifest"
)

func mustCreateDataStore(t *testing.T) *DataStore {
	t.Helper()
	t.Setenv("GASTROLOG_RUN_DIR", t.TempDir())
	dir := t.TempDir()
	ds, err := Create(Config{Name: "test", Path: dir}, 0, nil)
	if err != nil {
		t.Fatalf("create datastore: %v", err)
	}
	return ds
}

func TestCreateLockedBackupGroupFirstCreatorOwns(t *testing.T) {
	ds := mustCreateDataStore(t)
	owner, lock, err := ds.CreateLockedBackupGroup("host", "myhost", "alice")
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	defer lock.Close()
	if owner != "alice" {
		t.Fatalf("expected owner alice, got %s", owner)
	}
}

func TestCreateLockedBackupGroupSecondCallReadsOwner(t *testing.T) {
	ds := mustCreateDataStore(t)
	_, lock1, err := ds.CreateLockedBackupGroup("host", "myhost", "alice")
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	lock1.Close()

	owner, lock2, err := ds.CreateLockedBackupGroup("host", "myhost", "bob")
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	defer lock2.Close()
	if owner != "alice" {
		t.Fatalf("expected existing owner alice to be reported, got %s", owner)
	}
}

func TestOwnsBackupDirectAndTokenOwner(t *testing.T) {
	ds := mustCreateDataStore(t)
	if err := os.MkdirAll(ds.groupDir("host", "a"), 0o750); err != nil {
		t.Fatalf("setup: %v", err)
	}
	ds.SetOwner("host", "a", "alice!backup-token")

	ok, err := ds.OwnsBackup("host", "a", "alice")
	if err != nil {
		t.Fatalf("owns backup: %v", err)
	}
	if !ok {
		t.Fatal("expected token owner's user to own the backup")
	}

	ok, err = ds.OwnsBackup("host", "a", "mallory")
	if err != nil {
		t.Fatalf("owns backup: %v", err)
	}
	if ok {
		t.Fatal("expected unrelated identity not to own the backup")
	}
}

func TestCreateLockedBackupDirAndManifestLifecycle(t *testing.T) {
	ds := mustCreateDataStore(t)
	_, groupLock, err := ds.CreateLockedBackupGroup("host", "myhost", "alice")
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	defer groupLock.Close()

	backupTime := time.Date(2026, 7, 29, 10, 0, 0, 0, time.UTC)
	rel, isNew, dirLock, err := ds.CreateLockedBackupDir("host", "myhost", backupTime)
	if err != nil {
		t.Fatalf("create backup dir: %v", err)
	}
	defer dirLock.Close()
	if !isNew {
		t.Fatal("expected is_new=true for first creation")
	}

	m, err := ds.UpdateManifest(rel,
		func() *manifest.Manifest { return manifest.New("host", "myhost", backupTime) },
		func(m *manifest.Manifest) error {
			m.Files = append(m.Files, manifest.FileEntry{Filename: "drive.img.fidx"})
			return nil
		})
	if err != nil {
		t.Fatalf("update manifest: %v", err)
	}
	if len(m.Files) != 1 {
		t.Fatalf("expected 1 file entry, got %d", len(m.Files))
	}

	reloaded, err := manifest.Load(manifest.Path(filepath.Join(ds.Path(), rel)))
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded == nil || len(reloaded.Files) != 1 {
		t.Fatal("expected manifest to persist")
	}
}

func TestRemoveBackupDirRefusesProtected(t *testing.T) {
	ds := mustCreateDataStore(t)
	_, groupLock, err := ds.CreateLockedBackupGroup("host", "h", "alice")
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	defer groupLock.Close()

	rel, _, dirLock, err := ds.CreateLockedBackupDir("host", "h", time.Now())
	if err != nil {
		t.Fatalf("create dir: %v", err)
	}
	dirLock.Close()

	if err := ds.UpdateProtection(rel, true); err != nil {
		t.Fatalf("protect: %v", err)
	}

	if err := ds.RemoveBackupDir(rel, false); err != ErrProtected {
		t.Fatalf("expected ErrProtected, got %v", err)
	}

	// force=true bypasses the protection check.
	if err := ds.RemoveBackupDir(rel, true); err != nil {
		t.Fatalf("forced remove: %v", err)
	}
}

func TestRemoveBackupGroupSkipsProtectedSnapshots(t *testing.T) {
	ds := mustCreateDataStore(t)
	_, groupLock, err := ds.CreateLockedBackupGroup("host", "h", "alice")
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	groupLock.Close()

	relProtected, _, lock1, err := ds.CreateLockedBackupDir("host", "h", time.Now())
	if err != nil {
		t.Fatalf("create dir 1: %v", err)
	}
	lock1.Close()
	ds.UpdateProtection(relProtected, true)

	removedAll, err := ds.RemoveBackupGroup("host", "h")
	if err != nil {
		t.Fatalf("remove group: %v", err)
	}
	if removedAll {
		t.Fatal("expected removedAll=false due to protected snapshot")
	}
	if _, err := os.Stat(ds.groupDir("host", "h")); err != nil {
		t.Fatal("expected group directory to still exist")
	}
}

func TestListImagesSkipsChunksDirectory(t *testing.T) {
	ds := mustCreateDataStore(t)
	_, groupLock, err := ds.CreateLockedBackupGroup("host", "h", "alice")
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	groupLock.Close()

	rel, _, dirLock, err := ds.CreateLockedBackupDir("host", "h", time.Now())
	if err != nil {
		t.Fatalf("create dir: %v", err)
	}
	dirLock.Close()

	indexPath := filepath.Join(ds.Path(), rel, "drive.img.fidx")
	if err := os.WriteFile(indexPath, []byte("fake-fidx-contents"), 0o640); err != nil {
		t.Fatalf("write index: %v", err)
	}

	images, err := ds.ListImages()
	if err != nil {
		t.Fatalf("list images: %v", err)
	}
	found := false
	for _, img := range images {
		if filepath.Base(img) == "drive.img.fidx" {
			found = true
		}
		if filepath.Base(filepath.Dir(img)) == ".chunks" {
			t.Fatal("expected .chunks tree to be excluded from list_images")
		}
	}
	if !found {
		t.Fatal("expected drive.img.fidx to be listed")
	}
}

func TestRegistryLookupCachesAndInvalidates(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("GASTROLOG_RUN_DIR", t.TempDir())
	cfg := Config{Name: "cached", Path: dir}
	if _, err := Create(cfg, 0, nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	opens := 0
	reg := NewRegistry(func(c Config) (*DataStore, error) {
		opens++
		return Open(c, nil)
	}, nil)

	ds1, err := reg.Lookup(cfg)
	if err != nil {
		t.Fatalf("lookup 1: %v", err)
	}
	ds2, err := reg.Lookup(cfg)
	if err != nil {
		t.Fatalf("lookup 2: %v", err)
	}
	if ds1 != ds2 {
		t.Fatal("expected cached handle to be reused")
	}
	if opens != 1 {
		t.Fatalf("expected exactly 1 open, got %d", opens)
	}

	reg.Invalidate(cfg.Name)
	ds3, err := reg.Lookup(cfg)
	if err != nil {
		t.Fatalf("lookup 3: %v", err)
	}
	if opens != 2 {
		t.Fatalf("expected a second open after invalidate, got %d opens", opens)
	}
	_ = ds3
}

func TestGetChunksInOrderIndexOrder(t *testing.T) {
	ds := mustCreateDataStore(t)
	_, groupLock, err := ds.CreateLockedBackupGroup("host", "h", "alice")
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	groupLock.Close()
	rel, _, dirLock, err := ds.CreateLockedBackupDir("host", "h", time.Now())
	if err != nil {
		t.Fatalf("create dir: %v", err)
	}
	dirLock.Close()

	indexPath := filepath.Join(ds.Path(), rel, "drive.img.fidx")
	w, err := fixed.Create(ds.ChunkStore(), indexPath, 8, 4)
	if err != nil {
		t.Fatalf("create index writer: %v", err)
	}
	d0 := digest.Sum([]byte("zero"))
	d1 := digest.Sum([]byte("one"))
	w.AddDigest(0, d0)
	w.AddDigest(1, d1)
	if err := w.Close(2, 8, digest.SumDigests([]digest.Digest{d0, d1})); err != nil {
		t.Fatalf("close index: %v", err)
	}

	positions, err := ds.GetChunksInOrder(filepath.Join(rel, "drive.img.fidx"), OrderIndex, nil, nil)
	if err != nil {
		t.Fatalf("get chunks in order: %v", err)
	}
	if len(positions) != 2 {
		t.Fatalf("expected 2 positions, got %d", len(positions))
	}
	if positions[0].Digest != d0 || positions[1].Digest != d1 {
		t.Fatal("expected index-order traversal to preserve slot order")
	}
}

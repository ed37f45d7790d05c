package manifest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gastrolog/internal/digest"
)

func TestLoadMissingReturnsNil(t *testing.T) {
	dir := t.TempDir()
	m, err := Load(Path(dir))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if m != nil {
		t.Fatal("expected nil manifest for missing file")
	}
}

func TestUpdateCreatesAndReloads(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "manifest.lock")
	manifestPath := Path(dir)

	backupTime := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	m, err := Update(lockPath, manifestPath,
		func() *Manifest { return New("host", "myhost", backupTime) },
		func(m *Manifest) error {
			m.Files = append(m.Files, FileEntry{
				Filename:  "drive-c.img.fidx",
				Size:      1024,
				Csum:      digest.Sum([]byte("whatever")).String(),
				CryptMode: CryptNone,
			})
			return nil
		})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(m.Files) != 1 {
		t.Fatalf("expected 1 file entry, got %d", len(m.Files))
	}

	reloaded, err := Load(manifestPath)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded == nil {
		t.Fatal("expected manifest to exist after update")
	}
	if reloaded.BackupID != "myhost" {
		t.Fatalf("expected backup id myhost, got %s", reloaded.BackupID)
	}
	if !reloaded.BackupTime.Equal(backupTime) {
		t.Fatalf("expected backup time preserved, got %v", reloaded.BackupTime)
	}
	if len(reloaded.Files) != 1 || reloaded.Files[0].Filename != "drive-c.img.fidx" {
		t.Fatalf("expected file entry to round-trip, got %+v", reloaded.Files)
	}
}

func TestUpdateSecondCallAppends(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "manifest.lock")
	manifestPath := Path(dir)
	backupTime := time.Now().UTC()

	newEmpty := func() *Manifest { return New("host", "h", backupTime) }

	if _, err := Update(lockPath, manifestPath, newEmpty, func(m *Manifest) error {
		m.Files = append(m.Files, FileEntry{Filename: "a.fidx"})
		return nil
	}); err != nil {
		t.Fatalf("first update: %v", err)
	}

	m, err := Update(lockPath, manifestPath, newEmpty, func(m *Manifest) error {
		m.Files = append(m.Files, FileEntry{Filename: "b.didx"})
		return nil
	})
	if err != nil {
		t.Fatalf("second update: %v", err)
	}
	if len(m.Files) != 2 {
		t.Fatalf("expected 2 files after second update, got %d", len(m.Files))
	}
}

func TestValidateDetectsMissingFile(t *testing.T) {
	dir := t.TempDir()
	m := New("host", "h", time.Now())
	m.Files = append(m.Files, FileEntry{Filename: "nope.fidx", Csum: digest.Sum(nil).String()})

	err := m.Validate(dir, func(filename string) ([]digest.Digest, error) {
		return nil, nil
	})
	if err == nil {
		t.Fatal("expected validation error for missing index file")
	}
}

func TestValidateDetectsCsumMismatch(t *testing.T) {
	dir := t.TempDir()
	indexPath := filepath.Join(dir, "a.fidx")
	if err := writeEmptyFile(indexPath); err != nil {
		t.Fatalf("setup: %v", err)
	}

	m := New("host", "h", time.Now())
	m.Files = append(m.Files, FileEntry{Filename: "a.fidx", Csum: "not-the-real-hash"})

	err := m.Validate(dir, func(filename string) ([]digest.Digest, error) {
		return []digest.Digest{digest.Sum([]byte("x"))}, nil
	})
	if err == nil {
		t.Fatal("expected csum mismatch error")
	}
}

func writeEmptyFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	return f.Close()
}

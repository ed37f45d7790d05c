// Package manifest models the JSON snapshot manifest (index.json.blob) and
// its atomic update protocol: load the wrapping DataBlob, apply a mutator,
// re-wrap, and rename into place. Grounded on config/file/store.go's
// versioned-envelope + temp-file-plus-rename pattern, generalized from a
// single mutable config file to one manifest per immutable snapshot.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gastrolog/internal/blob"
	"gastrolog/internal/digest"
	"gastrolog/internal/locking"
)

// CryptMode records how a listed file's chunks are encoded.
type CryptMode string

const (
	CryptNone      CryptMode = "none"
	CryptEncrypt   CryptMode = "encrypt"
	CryptSignOnly  CryptMode = "sign-only"
	lockTimeout              = 5 * time.Second
)

var (
	// ErrValidation reports that a manifest fails its own internal
	// invariant: every listed file's index must exist on disk and its
	// content hash must equal the declared csum.
	ErrValidation = errors.New("manifest: validation failed")
	ErrTimedOut   = locking.ErrTimedOut
)

// FileEntry describes one index file belonging to the snapshot.
type FileEntry struct {
	Filename  string    `json:"filename"`
	Size      uint64    `json:"size"`
	Csum      string    `json:"csum"` // hex Blake2b over the raw digest list
	CryptMode CryptMode `json:"crypt-mode"`
}

// Manifest is the JSON object stored in index.json.blob.
type Manifest struct {
	BackupType   string            `json:"backup-type"`
	BackupID     string            `json:"backup-id"`
	BackupTime   time.Time         `json:"backup-time"`
	Files        []FileEntry       `json:"files"`
	Unprotected  map[string]any    `json:"unprotected,omitempty"`
	Signature    string            `json:"signature,omitempty"`
}

// fileName is the manifest's fixed location within a snapshot directory.
const fileName = "index.json.blob"

// Path returns the manifest blob's path within snapshotDir.
func Path(snapshotDir string) string {
	return filepath.Join(snapshotDir, fileName)
}

// New builds an empty manifest for a freshly created snapshot directory.
func New(backupType, backupID string, backupTime time.Time) *Manifest {
	return &Manifest{
		BackupType: backupType,
		BackupID:   backupID,
		BackupTime: backupTime,
		Files:      []FileEntry{},
	}
}

// Validate checks the manifest's own invariant: every declared file exists
// under snapshotDir and its declared csum matches Blake2b over the ordered
// digest list read back from the index.
func (m *Manifest) Validate(snapshotDir string, indexDigests func(filename string) ([]digest.Digest, error)) error {
	for _, f := range m.Files {
		if _, err := os.Stat(filepath.Join(snapshotDir, f.Filename)); err != nil {
			return fmt.Errorf("%w: %s missing: %v", ErrValidation, f.Filename, err)
		}
		digests, err := indexDigests(f.Filename)
		if err != nil {
			return fmt.Errorf("%w: reading %s: %v", ErrValidation, f.Filename, err)
		}
		sum := digest.SumDigests(digests)
		if sum.String() != f.Csum {
			return fmt.Errorf("%w: %s csum mismatch", ErrValidation, f.Filename)
		}
	}
	return nil
}

// Load reads and decodes the manifest blob at path. A non-existent manifest
// (snapshot not yet sealed) returns (nil, nil).
func Load(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	b, err := blob.Unmarshal(raw)
	if err != nil {
		return nil, err
	}
	plaintext, err := blob.Decode(b, nil, nil)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(plaintext, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// write serializes m, wraps it in a non-compressed, non-encrypted DataBlob
// (spec §4.5: "wrap in a non-compressed, non-encrypted DataBlob"), and
// atomically publishes it at path via temp-file-in-same-dir + fsync +
// rename.
func write(path string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	b, err := blob.Encode(data, nil, false)
	if err != nil {
		return err
	}
	raw := b.Marshal()

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".manifest-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// Mutator mutates a manifest in place. It is never passed nil: when no
// manifest exists yet, Update passes the one built by newIfMissing.
type Mutator func(m *Manifest) error

// Update performs the manifest update protocol (spec §4.5 update_manifest):
// acquire lockPath with a 5-second timeout, load the existing manifest (or
// start from empty via newIfMissing), apply mutator, and atomically publish.
// After the rename the acquired flock no longer protects the new file (a
// fresh open+flock is required for any further mutation), matching the
// spec's documented hole.
func Update(lockPath, manifestPath string, newIfMissing func() *Manifest, mutate Mutator) (*Manifest, error) {
	lock, err := locking.AcquireExclusiveTimeout(lockPath, lockTimeout)
	if err != nil {
		return nil, err
	}
	defer lock.Close()

	m, err := Load(manifestPath)
	if err != nil {
		return nil, err
	}
	if m == nil {
		m = newIfMissing()
	}
	if err := mutate(m); err != nil {
		return nil, err
	}
	if err := write(manifestPath, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Package datastore binds a configured store name to a ChunkStore and owns
// backup-group/snapshot-directory lifecycle, manifest publication, owner
// tracking, and GC orchestration (spec §4.5). Grounded on
// orchestrator/store.go's Config-plus-ChunkStore facade shape and
// chunk/file/manager.go's lock-then-mutate idiom, generalized from one
// rotating log file to a tree of immutable backup-group directories.
package datastore

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gastrolog/internal/chunkstore"
	"gastrolog/internal/digest"
	"gastrolog/internal/locking"
	"gastrolog/internal/logging"
	"gastrolog/internal/manifest"
)

const (
	ownerFileName      = "owner"
	protectedMarker    = ".protected"
	lostAndFoundIgnore = "lost+found"
)

var (
	ErrProtected       = errors.New("datastore: snapshot is protected")
	ErrOwnerMismatch   = errors.New("datastore: owner mismatch")
	ErrGCAlreadyRunning = locking.ErrLocked
)

// Config describes how a DataStore binds to its backing directory tree.
// Declarative, loaded by the caller (cmd/backupd) rather than parsed by this
// package — matching the ambient config-as-struct convention.
type Config struct {
	Name       string
	Path       string
	GCSchedule string // optional cron expression, e.g. "0 3 * * *"
}

// DataStore is the per-store façade described in spec §4.5.
type DataStore struct {
	cfg    Config
	store  *chunkstore.Store
	logger *slog.Logger

	gcLock *locking.Lock // non-nil while a GC phase 0 "try_lock" is held
}

// Open binds a DataStore to an already-created chunkstore.Store rooted at
// cfg.Path.
func Open(cfg Config, logger *slog.Logger) (*DataStore, error) {
	cs, err := chunkstore.Open(cfg.Name, cfg.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("open chunkstore %s: %w", cfg.Name, err)
	}
	return &DataStore{cfg: cfg, store: cs, logger: logging.Default(logger).With("component", "datastore", "store", cfg.Name)}, nil
}

// Create lays out a brand-new store tree (chunk shards only; backup-group
// directories are created lazily on first use).
func Create(cfg Config, perm os.FileMode, logger *slog.Logger) (*DataStore, error) {
	cs, err := chunkstore.Create(cfg.Name, cfg.Path, perm, logger)
	if err != nil {
		return nil, fmt.Errorf("create chunkstore %s: %w", cfg.Name, err)
	}
	return &DataStore{cfg: cfg, store: cs, logger: logging.Default(logger).With("component", "datastore", "store", cfg.Name)}, nil
}

// Name returns the configured store name.
func (ds *DataStore) Name() string { return ds.cfg.Name }

// Path returns the store's root directory.
func (ds *DataStore) Path() string { return ds.cfg.Path }

// ChunkStore exposes the underlying chunk store for index writers/readers
// that need to insert or load chunks inline.
func (ds *DataStore) ChunkStore() *chunkstore.Store { return ds.store }

// LoadChunk loads the raw (still-encoded) bytes stored under d;
// decoding to plaintext is the caller's responsibility.
func (ds *DataStore) LoadChunk(d digest.Digest) ([]byte, error) {
	return ds.store.LoadChunk(d)
}

// StatChunk returns the on-disk size of the chunk named by d.
func (ds *DataStore) StatChunk(d digest.Digest) (int64, error) {
	return ds.store.StatChunk(d)
}

// groupDir returns <path>/<type>/<id>.
func (ds *DataStore) groupDir(backupType, id string) string {
	return filepath.Join(ds.cfg.Path, backupType, id)
}

// snapshotDir returns <path>/<type>/<id>/<rfc3339-time>.
func (ds *DataStore) snapshotDir(backupType, id string, backupTime time.Time) string {
	return filepath.Join(ds.groupDir(backupType, id), formatBackupTime(backupTime))
}

func formatBackupTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

// ListSnapshotTimes returns the backup_time of every existing snapshot
// directory within a backup group, parsed from its RFC3339 directory name.
// Used to enforce P5 (manifest monotonicity): a newly created snapshot's
// backup_time must be strictly greater than any existing one in the group.
func (ds *DataStore) ListSnapshotTimes(backupType, id string) ([]time.Time, error) {
	dir := ds.groupDir(backupType, id)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []time.Time
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		t, err := time.Parse("2006-01-02T15:04:05Z", e.Name())
		if err != nil {
			continue // not a snapshot directory (e.g. a future extension dir)
		}
		out = append(out, t)
	}
	return out, nil
}

// CreateLockedBackupGroup implements spec's create_locked_backup_group:
// mkdir -p <type>/, then attempt mkdir <type>/<id>/; on EEXIST, lock and
// read the existing owner; on success, write owner and lock. The returned
// lock is a directory-flock held for the caller's session.
func (ds *DataStore) CreateLockedBackupGroup(backupType, id, authID string) (owner string, lock *locking.Lock, err error) {
	typeDir := filepath.Join(ds.cfg.Path, backupType)
	if err := os.MkdirAll(typeDir, 0o750); err != nil {
		return "", nil, err
	}
	dir := ds.groupDir(backupType, id)
	lockPath := locking.GroupLockPath(dir)

	created := false
	if err := os.Mkdir(dir, 0o750); err != nil {
		if !os.IsExist(err) {
			return "", nil, err
		}
	} else {
		created = true
	}

	lock, err = locking.AcquireExclusiveTimeout(lockPath, 5*time.Second)
	if err != nil {
		return "", nil, err
	}

	if created {
		if err := os.WriteFile(filepath.Join(dir, ownerFileName), []byte(authID+"\n"), 0o640); err != nil {
			lock.Close()
			return "", nil, err
		}
		return authID, lock, nil
	}

	existing, err := ds.GetOwner(backupType, id)
	if err != nil {
		lock.Close()
		return "", nil, err
	}
	return existing, lock, nil
}

// CreateLockedBackupDir implements create_locked_backup_dir: mkdir
// <type>/<id>/<time>/; EEXIST yields is_new=false but still re-locks
// (idempotent re-entry path for a retried upload).
func (ds *DataStore) CreateLockedBackupDir(backupType, id string, backupTime time.Time) (relPath string, isNew bool, lock *locking.Lock, err error) {
	dir := ds.snapshotDir(backupType, id, backupTime)
	isNew = true
	if err := os.Mkdir(dir, 0o750); err != nil {
		if !os.IsExist(err) {
			return "", false, nil, err
		}
		isNew = false
	}
	rel, err := filepath.Rel(ds.cfg.Path, dir)
	if err != nil {
		return "", false, nil, err
	}
	lock, err = locking.AcquireExclusiveTimeout(locking.SnapshotLockPath(dir), 5*time.Second)
	if err != nil {
		return "", false, nil, err
	}
	return rel, isNew, lock, nil
}

// RemoveBackupDir removes the snapshot directory rel (relative to the store
// root). Unless force, it refuses a protected snapshot and first acquires
// the snapshot dir-lock and the manifest lock.
func (ds *DataStore) RemoveBackupDir(rel string, force bool) error {
	dir := filepath.Join(ds.cfg.Path, rel)
	if !force {
		if IsProtected(dir) {
			return ErrProtected
		}
		snapLock, err := locking.AcquireExclusiveTimeout(locking.SnapshotLockPath(dir), 5*time.Second)
		if err != nil {
			return err
		}
		manLock, err := locking.AcquireExclusiveTimeout(locking.ManifestLockPath(runDirFor(ds.cfg.Name), ds.cfg.Name, rel), 5*time.Second)
		if err != nil {
			snapLock.Close()
			return err
		}
		defer manLock.Close()
		defer snapLock.Close()
	}
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	// Best-effort: the manifest lock file lives under a volatile path and
	// is never required to exist for correctness, only removed opportunistically.
	_ = os.Remove(locking.ManifestLockPath(runDirFor(ds.cfg.Name), ds.cfg.Name, rel))
	return nil
}

// RemoveBackupGroup removes a backup group's directory, skipping protected
// snapshots. removedAll reports whether every snapshot (and therefore the
// group directory itself) was removed.
func (ds *DataStore) RemoveBackupGroup(backupType, id string) (removedAll bool, err error) {
	dir := ds.groupDir(backupType, id)
	lock, err := locking.AcquireExclusiveTimeout(locking.GroupLockPath(dir), 5*time.Second)
	if err != nil {
		return false, err
	}
	defer lock.Close()

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, err
	}

	allRemoved := true
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		snapDir := filepath.Join(dir, e.Name())
		if IsProtected(snapDir) {
			allRemoved = false
			continue
		}
		if err := os.RemoveAll(snapDir); err != nil {
			return false, err
		}
	}
	if !allRemoved {
		return false, nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, err
	}
	return true, nil
}

// UpdateManifest delegates to the manifest package's update protocol, using
// this store's manifest lock path for snapshot directory rel.
func (ds *DataStore) UpdateManifest(rel string, newIfMissing func() *manifest.Manifest, mutate manifest.Mutator) (*manifest.Manifest, error) {
	dir := filepath.Join(ds.cfg.Path, rel)
	lockPath := locking.ManifestLockPath(runDirFor(ds.cfg.Name), ds.cfg.Name, rel)
	return manifest.Update(lockPath, manifest.Path(dir), newIfMissing, mutate)
}

// UpdateProtection touches or removes the .protected marker under the
// snapshot dir-lock.
func (ds *DataStore) UpdateProtection(rel string, protected bool) error {
	dir := filepath.Join(ds.cfg.Path, rel)
	lock, err := locking.AcquireExclusiveTimeout(locking.SnapshotLockPath(dir), 5*time.Second)
	if err != nil {
		return err
	}
	defer lock.Close()

	markerPath := filepath.Join(dir, protectedMarker)
	if protected {
		f, err := os.OpenFile(markerPath, os.O_CREATE|os.O_RDONLY, 0o640)
		if err != nil {
			return err
		}
		return f.Close()
	}
	if err := os.Remove(markerPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// IsProtected reports whether snapshot directory dir carries a .protected
// marker.
func IsProtected(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, protectedMarker))
	return err == nil
}

// GetOwner reads the single-line owner file for a backup group.
func (ds *DataStore) GetOwner(backupType, id string) (string, error) {
	data, err := os.ReadFile(filepath.Join(ds.groupDir(backupType, id), ownerFileName))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// SetOwner overwrites the owner file for a backup group.
func (ds *DataStore) SetOwner(backupType, id, authID string) error {
	return os.WriteFile(filepath.Join(ds.groupDir(backupType, id), ownerFileName), []byte(authID+"\n"), 0o640)
}

// OwnsBackup reports whether authID is authorized to write to the given
// group: either authID equals the group owner, or (when the owner string
// names an API token) authID equals the token's user portion (the part
// before '!' in a "user!tokenname" owner string).
func (ds *DataStore) OwnsBackup(backupType, id, authID string) (bool, error) {
	owner, err := ds.GetOwner(backupType, id)
	if err != nil {
		return false, err
	}
	if owner == authID {
		return true, nil
	}
	if user, _, found := strings.Cut(owner, "!"); found {
		return user == authID, nil
	}
	return false, nil
}

// runDirFor returns the volatile (tmpfs) path root used for manifest lock
// files, so they're auto-cleared on reboot (spec §7, "advisory file
// locking"). Overridable for tests via GASTROLOG_RUN_DIR. The "locks"
// subdirectory that ManifestLockPath places lock files in is created if
// missing.
func runDirFor(storeName string) string {
	dir := os.Getenv("GASTROLOG_RUN_DIR")
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "gastrolog-run")
	}
	_ = os.MkdirAll(filepath.Join(dir, "locks"), 0o750)
	return dir
}

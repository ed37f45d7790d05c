package datastore

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"gastrolog/internal/digest"
	"gastrolog/internal/index/dynamic"
	"gastrolog/internal/index/fixed"
)

// ChunkOrder selects the traversal order get_chunks_in_order returns.
type ChunkOrder int

const (
	OrderIndex ChunkOrder = iota
	OrderInode
)

// ListImages walks the store tree skipping hidden directories (names
// beginning with '.', which excludes .chunks) and returns every .fidx/.didx
// file path relative to the store root. A permission-denied error is
// tolerated only for a top-level "lost+found" directory; any other
// permission error is fatal.
func (ds *DataStore) ListImages() ([]string, error) {
	root := ds.cfg.Path
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsPermission(err) && filepath.Dir(path) == root && filepath.Base(path) == lostAndFoundIgnore {
				return filepath.SkipDir
			}
			return err
		}
		if path == root {
			return nil
		}
		name := d.Name()
		if d.IsDir() {
			if strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return nil
		}
		matchFidx, _ := doublestar.Match("*.fidx", name)
		matchDidx, _ := doublestar.Match("*.didx", name)
		if matchFidx || matchDidx {
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			out = append(out, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	sort.Strings(out)
	return out, nil
}

// IndexDigests opens the index file at rel (relative to the store root) and
// returns its digests in index order, used both by manifest validation and
// by GC's mark phase.
func (ds *DataStore) IndexDigests(rel string) ([]digest.Digest, error) {
	full := filepath.Join(ds.cfg.Path, rel)
	switch {
	case strings.HasSuffix(rel, ".fidx"):
		r, err := fixed.Open(full)
		if err != nil {
			return nil, err
		}
		defer r.Close()
		out := make([]digest.Digest, r.IndexCount())
		for i := range out {
			d, err := r.IndexDigest(i)
			if err != nil {
				return nil, err
			}
			out[i] = d
		}
		return out, nil
	case strings.HasSuffix(rel, ".didx"):
		r, err := dynamic.Open(full)
		if err != nil {
			return nil, err
		}
		defer r.Close()
		out := make([]digest.Digest, r.IndexCount())
		for i := range out {
			_, _, d, err := r.ChunkInfo(i)
			if err != nil {
				return nil, err
			}
			out[i] = d
		}
		return out, nil
	default:
		return nil, fmt.Errorf("datastore: unrecognized index extension: %s", rel)
	}
}

// BackupGroupRef identifies a backup group by its type and id, as used by
// administrative listing commands.
type BackupGroupRef struct {
	Type string
	ID   string
}

// ListBackupGroups enumerates every <type>/<id> group directory at the
// store root, skipping the store's own dot-prefixed housekeeping entries
// (.chunks, .store.lock, .gc.lock, .gc-status).
func (ds *DataStore) ListBackupGroups() ([]BackupGroupRef, error) {
	root := ds.cfg.Path
	typeEntries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("list backup groups: %w", err)
	}
	var out []BackupGroupRef
	for _, te := range typeEntries {
		if !te.IsDir() || strings.HasPrefix(te.Name(), ".") {
			continue
		}
		idEntries, err := os.ReadDir(filepath.Join(root, te.Name()))
		if err != nil {
			return nil, fmt.Errorf("list backup ids for type %s: %w", te.Name(), err)
		}
		for _, ie := range idEntries {
			if !ie.IsDir() {
				continue
			}
			out = append(out, BackupGroupRef{Type: te.Name(), ID: ie.Name()})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ChunkPosition pairs a chunk's position within an index with its
// underlying inode, for get_chunks_in_order.
type ChunkPosition struct {
	Position int
	Digest   digest.Digest
	Inode    uint64
}

// GetChunksInOrder returns the chunks referenced by the index at rel,
// sorted by inode when order is OrderInode (to coax sequential-on-spinning-
// rust read patterns during verification), or in index order otherwise.
// Chunks that fail stat sort to the end. skip reports whether a given
// digest should be excluded before stat'ing (e.g. already verified);
// abort, if non-nil and returning true, halts the scan early.
func (ds *DataStore) GetChunksInOrder(rel string, order ChunkOrder, skip func(digest.Digest) bool, abort func() bool) ([]ChunkPosition, error) {
	digests, err := ds.IndexDigests(rel)
	if err != nil {
		return nil, err
	}

	out := make([]ChunkPosition, 0, len(digests))
	for i, d := range digests {
		if abort != nil && abort() {
			break
		}
		if skip != nil && skip(d) {
			continue
		}
		pos := ChunkPosition{Position: i, Digest: d}
		path, _ := ds.store.ChunkPath(d)
		if info, statErr := os.Stat(path); statErr == nil {
			pos.Inode = inodeOf(info)
		} else {
			pos.Inode = ^uint64(0) // sorts to the end on stat failure
		}
		out = append(out, pos)
	}

	if order == OrderInode {
		sort.SliceStable(out, func(i, j int) bool { return out[i].Inode < out[j].Inode })
	}
	return out, nil
}

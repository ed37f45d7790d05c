// Package dynamic implements the variable-sized-chunk image index (.didx):
// a mmap-backed reader with O(log n) offset lookup and a crash-safe,
// append-only writer. Grounded on the fixed package's header/mmap/atomic-
// rename shape, generalized to a growing, unbounded-length file the way
// chunk/file/manager.go's append log grows its backing file on demand.
package dynamic

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"

	"github.com/google/uuid"

	"gastrolog/internal/chunkstore"
	"gastrolog/internal/digest"
	"gastrolog/internal/format"
)

const (
	typeDynamicIndex = 'D'
	version          = 1

	uuidSize  = 16
	ctimeSize = 8
	hashSize  = digest.Size

	headerSize = format.HeaderSize + uuidSize + uuidSize + ctimeSize + hashSize

	entrySize       = 8 + digest.Size // end_offset (u64 LE) + digest
	entryGrowthStep = 4096            // entries to pre-grow the mmap by, amortizing truncate calls
)

var (
	ErrMismatch      = errors.New("dynamic: chunk count/size/checksum mismatch at close")
	ErrNotIncreasing = errors.New("dynamic: end_offset must strictly increase")
	ErrTruncated     = errors.New("dynamic: file too small for header")
	ErrOutOfRange    = errors.New("dynamic: offset out of range")
)

// Header is the dynamic index's fully decoded metadata block.
type Header struct {
	UUID       uuid.UUID
	ParentUUID uuid.UUID
	Ctime      int64
	IndexHash  digest.Digest
}

func decodeHeader(data []byte) (Header, error) {
	if _, err := format.DecodeAndValidate(data[:format.HeaderSize], typeDynamicIndex, version); err != nil {
		return Header{}, err
	}
	off := format.HeaderSize
	var hdr Header
	u, err := uuid.FromBytes(data[off : off+uuidSize])
	if err != nil {
		return Header{}, err
	}
	hdr.UUID = u
	off += uuidSize
	p, err := uuid.FromBytes(data[off : off+uuidSize])
	if err != nil {
		return Header{}, err
	}
	hdr.ParentUUID = p
	off += uuidSize
	hdr.Ctime = int64(binary.LittleEndian.Uint64(data[off : off+ctimeSize]))
	off += ctimeSize
	d, err := digest.FromBytes(data[off : off+hashSize])
	if err != nil {
		return Header{}, err
	}
	hdr.IndexHash = d
	return hdr, nil
}

func encodeHeader(hdr Header) []byte {
	buf := make([]byte, headerSize)
	h := format.Header{Type: typeDynamicIndex, Version: version}
	off := h.EncodeInto(buf)
	copy(buf[off:], hdr.UUID[:])
	off += uuidSize
	copy(buf[off:], hdr.ParentUUID[:])
	off += uuidSize
	binary.LittleEndian.PutUint64(buf[off:], uint64(hdr.Ctime))
	off += ctimeSize
	copy(buf[off:], hdr.IndexHash.Bytes())
	return buf
}

// entry is one decoded (end_offset, digest) pair.
type entry struct {
	End    uint64
	Digest digest.Digest
}

// Reader is a read-only, mmap-backed view of a closed .didx file, with the
// full entry table decoded up-front so lookup can binary search in memory
// without re-parsing the mapped bytes on every call.
type Reader struct {
	file    *os.File
	data    []byte
	header  Header
	entries []entry
}

// Open mmaps path read-only, validates its header, and decodes the entry
// table.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() < int64(headerSize) {
		f.Close()
		return nil, ErrTruncated
	}
	data, err := syscall.Mmap(int(f.Fd()), 0, int(info.Size()), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, err
	}
	hdr, err := decodeHeader(data)
	if err != nil {
		syscall.Munmap(data)
		f.Close()
		return nil, err
	}

	body := data[headerSize:]
	count := len(body) / entrySize
	entries := make([]entry, 0, count)
	for i := 0; i < count; i++ {
		off := i * entrySize
		end := binary.LittleEndian.Uint64(body[off : off+8])
		d, derr := digest.FromBytes(body[off+8 : off+entrySize])
		if derr != nil {
			syscall.Munmap(data)
			f.Close()
			return nil, derr
		}
		entries = append(entries, entry{End: end, Digest: d})
	}

	return &Reader{file: f, data: data, header: hdr, entries: entries}, nil
}

// Header returns the decoded dynamic header.
func (r *Reader) Header() Header { return r.header }

// Size returns the last entry's end_offset, or 0 if empty.
func (r *Reader) Size() uint64 {
	if len(r.entries) == 0 {
		return 0
	}
	return r.entries[len(r.entries)-1].End
}

// IndexCount returns the number of chunk entries.
func (r *Reader) IndexCount() int { return len(r.entries) }

// ChunkInfo returns the byte range and digest for chunk i.
func (r *Reader) ChunkInfo(i int) (start, end uint64, d digest.Digest, err error) {
	if i < 0 || i >= len(r.entries) {
		return 0, 0, digest.Digest{}, fmt.Errorf("dynamic: index %d out of range [0,%d)", i, len(r.entries))
	}
	if i > 0 {
		start = r.entries[i-1].End
	}
	return start, r.entries[i].End, r.entries[i].Digest, nil
}

// Lookup performs an O(log n) binary search over the monotonic end_offset
// array for the chunk covering offset, returning its index, byte range, and
// digest.
func (r *Reader) Lookup(offset uint64) (index int, start, end uint64, d digest.Digest, ok bool) {
	n := len(r.entries)
	if n == 0 || offset >= r.entries[n-1].End {
		return 0, 0, 0, digest.Digest{}, false
	}
	i := sort.Search(n, func(i int) bool { return r.entries[i].End > offset })
	if i >= n {
		return 0, 0, 0, digest.Digest{}, false
	}
	s, e, dg, err := r.ChunkInfo(i)
	if err != nil {
		return 0, 0, 0, digest.Digest{}, false
	}
	return i, s, e, dg, true
}

// Close unmaps and closes the underlying file.
func (r *Reader) Close() error {
	var err error
	if r.data != nil {
		if e := syscall.Munmap(r.data); e != nil {
			err = e
		}
		r.data = nil
	}
	if r.file != nil {
		if e := r.file.Close(); e != nil && err == nil {
			err = e
		}
		r.file = nil
	}
	return err
}

// Writer builds a .didx file under a temp name and publishes it atomically
// on Close. Unlike FixedIndex, the total size is not known up-front, so the
// backing file is grown in entryGrowthStep-sized bursts as entries are
// appended and truncated down to the exact used length at Close.
type Writer struct {
	mu sync.Mutex

	store     *chunkstore.Store
	finalPath string
	tmpPath   string
	file      *os.File

	capacity int // entries currently reserved in the backing file
	count    int // entries actually written
	lastEnd  uint64
	hasher   *digest.Hasher

	uncompressedTotal int64
	compressedTotal   int64
}

// Create exclusively creates a new dynamic-index writer under a
// `.tmp_<random>` sibling of path.
func Create(store *chunkstore.Store, path string) (*Writer, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp_didx_*")
	if err != nil {
		return nil, err
	}
	tmpPath := tmp.Name()

	if err := tmp.Truncate(int64(headerSize)); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return nil, err
	}
	hdr := Header{UUID: uuid.New()}
	if _, err := tmp.WriteAt(encodeHeader(hdr), 0); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return nil, err
	}

	return &Writer{
		store:     store,
		finalPath: path,
		tmpPath:   tmpPath,
		file:      tmp,
		hasher:    digest.NewHasher(),
	}, nil
}

// SetParentUUID records the parent snapshot's UUID in the header.
func (w *Writer) SetParentUUID(parent uuid.UUID) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := w.file.WriteAt(parent[:], format.HeaderSize+uuidSize)
	return err
}

// AddChunk ensures rawBlob is present in the chunk store under d and
// accumulates reporting totals.
func (w *Writer) AddChunk(rawBlob []byte, d digest.Digest, plaintextSize int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, storedSize, err := w.store.InsertChunk(rawBlob, d)
	if err != nil {
		return err
	}
	w.uncompressedTotal += plaintextSize
	w.compressedTotal += storedSize
	return nil
}

// AppendEntry appends a (end_offset, digest) entry. end_offset must be
// strictly greater than the previous entry's end_offset.
func (w *Writer) AppendEntry(endOffset uint64, d digest.Digest) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if endOffset <= w.lastEnd {
		return ErrNotIncreasing
	}
	if w.count >= w.capacity {
		if err := w.growLocked(); err != nil {
			return err
		}
	}
	off := int64(headerSize + w.count*entrySize)
	buf := make([]byte, entrySize)
	binary.LittleEndian.PutUint64(buf[:8], endOffset)
	copy(buf[8:], d.Bytes())
	if _, err := w.file.WriteAt(buf, off); err != nil {
		return err
	}
	w.lastEnd = endOffset
	w.count++
	w.hasher.Add(d)
	return nil
}

func (w *Writer) growLocked() error {
	w.capacity += entryGrowthStep
	newSize := int64(headerSize + w.capacity*entrySize)
	return w.file.Truncate(newSize)
}

// Close verifies the reported totals match the caller's expectations,
// writes the final index_hash, truncates the file to its exact used length,
// fsyncs, and atomically publishes it under its final name.
func (w *Writer) Close(expectedChunkCount int, expectedSize uint64, expectedCsum digest.Digest) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if expectedChunkCount != w.count || expectedSize != w.lastEnd {
		return ErrMismatch
	}
	finalHash := w.hasher.Sum()
	if finalHash != expectedCsum {
		return ErrMismatch
	}

	exactSize := int64(headerSize + w.count*entrySize)
	if err := w.file.Truncate(exactSize); err != nil {
		return err
	}

	id, err := w.readUUID()
	if err != nil {
		return err
	}
	parent, err := w.readParentUUID()
	if err != nil {
		return err
	}
	hdr := Header{UUID: id, ParentUUID: parent, IndexHash: finalHash}
	if _, err := w.file.WriteAt(encodeHeader(hdr), 0); err != nil {
		return err
	}

	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}
	return os.Rename(w.tmpPath, w.finalPath)
}

func (w *Writer) readUUID() (uuid.UUID, error) {
	var u uuid.UUID
	buf := make([]byte, uuidSize)
	if _, err := w.file.ReadAt(buf, format.HeaderSize); err != nil {
		return u, err
	}
	copy(u[:], buf)
	return u, nil
}

func (w *Writer) readParentUUID() (uuid.UUID, error) {
	var u uuid.UUID
	buf := make([]byte, uuidSize)
	if _, err := w.file.ReadAt(buf, format.HeaderSize+uuidSize); err != nil {
		return u, err
	}
	copy(u[:], buf)
	return u, nil
}

// Totals returns the uncompressed/compressed byte totals accumulated via
// AddChunk.
func (w *Writer) Totals() (uncompressed, compressed int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.uncompressedTotal, w.compressedTotal
}

// Abort discards the in-progress temp file without publishing it.
func (w *Writer) Abort() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.file.Close()
	return os.Remove(w.tmpPath)
}

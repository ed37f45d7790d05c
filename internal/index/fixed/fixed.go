// Package fixed implements the equal-sized-chunk image index (.fidx):
// a mmap-backed reader and a crash-safe writer, grounded on
// internal/format's 4-byte header convention and chunk/file/mmap_reader.go's
// read-only mmap idiom.
//
// Layout: 4-byte format.Header (type 'F', version 1) | UUID (16) | parent
// UUID (16) | ctime (int64 LE, unix seconds) | chunk_size (uint64 LE) |
// size (uint64 LE) | index_hash (32 bytes, Blake2b over all digests in
// order) | index_count * 32-byte packed digests.
package fixed

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"gastrolog/internal/chunkstore"
	"gastrolog/internal/digest"
	"gastrolog/internal/format"
)

const (
	typeFixedIndex = 'F'
	version        = 1

	uuidSize   = 16
	ctimeSize  = 8
	chunkSize8 = 8
	size8      = 8
	hashSize   = digest.Size

	headerSize = format.HeaderSize + uuidSize + uuidSize + ctimeSize + chunkSize8 + size8 + hashSize
)

var (
	ErrMismatch  = errors.New("fixed: chunk count/size/checksum mismatch at close")
	ErrNotClosed = errors.New("fixed: index not yet closed")
	ErrTruncated = errors.New("fixed: file too small for header")
)

// Header is the fixed index's fully decoded metadata block.
type Header struct {
	UUID       uuid.UUID
	ParentUUID uuid.UUID
	Ctime      int64
	ChunkSize  uint64
	Size       uint64
	IndexHash  digest.Digest
}

// Reader is a read-only, mmap-backed view of a closed .fidx file.
type Reader struct {
	file   *os.File
	data   []byte
	header Header
}

// Open mmaps path read-only and validates its header.
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
	return &Reader{file: f, data: data, header: hdr}, nil
}

func decodeHeader(data []byte) (Header, error) {
	if _, err := format.DecodeAndValidate(data[:format.HeaderSize], typeFixedIndex, version); err != nil {
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
	hdr.ChunkSize = binary.LittleEndian.Uint64(data[off : off+chunkSize8])
	off += chunkSize8
	hdr.Size = binary.LittleEndian.Uint64(data[off : off+size8])
	off += size8
	d, err := digest.FromBytes(data[off : off+hashSize])
	if err != nil {
		return Header{}, err
	}
	hdr.IndexHash = d
	return hdr, nil
}

func encodeHeader(hdr Header) []byte {
	buf := make([]byte, headerSize)
	h := format.Header{Type: typeFixedIndex, Version: version}
	off := h.EncodeInto(buf)
	copy(buf[off:], hdr.UUID[:])
	off += uuidSize
	copy(buf[off:], hdr.ParentUUID[:])
	off += uuidSize
	binary.LittleEndian.PutUint64(buf[off:], uint64(hdr.Ctime))
	off += ctimeSize
	binary.LittleEndian.PutUint64(buf[off:], hdr.ChunkSize)
	off += chunkSize8
	binary.LittleEndian.PutUint64(buf[off:], hdr.Size)
	off += size8
	copy(buf[off:], hdr.IndexHash.Bytes())
	return buf
}

// Header returns the decoded fixed header.
func (r *Reader) Header() Header { return r.header }

// Size returns the total plaintext byte length the index covers.
func (r *Reader) Size() uint64 { return r.header.Size }

// ChunkSize returns the configured (non-final) chunk size.
func (r *Reader) ChunkSize() uint64 { return r.header.ChunkSize }

// IndexCount returns ceil(size/chunk_size).
func (r *Reader) IndexCount() int {
	return indexCount(r.header.Size, r.header.ChunkSize)
}

func indexCount(size, chunkSize uint64) int {
	if chunkSize == 0 {
		return 0
	}
	return int((size + chunkSize - 1) / chunkSize)
}

func (r *Reader) digestOffset(i int) int {
	return headerSize + i*digest.Size
}

// IndexDigest returns the digest stored at slot i.
func (r *Reader) IndexDigest(i int) (digest.Digest, error) {
	if i < 0 || i >= r.IndexCount() {
		return digest.Digest{}, fmt.Errorf("fixed: index %d out of range [0,%d)", i, r.IndexCount())
	}
	off := r.digestOffset(i)
	return digest.FromBytes(r.data[off : off+digest.Size])
}

// ChunkInfo returns the byte range and digest for chunk i.
func (r *Reader) ChunkInfo(i int) (start, end uint64, d digest.Digest, err error) {
	d, err = r.IndexDigest(i)
	if err != nil {
		return 0, 0, digest.Digest{}, err
	}
	start = uint64(i) * r.header.ChunkSize
	end = min64(r.header.Size, uint64(i+1)*r.header.ChunkSize)
	return start, end, d, nil
}

// IndexBytes returns the total plaintext size (alias of Size, matching the
// naming used by the wire protocol).
func (r *Reader) IndexBytes() uint64 { return r.header.Size }

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

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// Writer builds a .fidx file under a temp name and publishes it atomically
// on Close. The target file's length is fixed up-front (size is known at
// create time), so add_digest can write directly into the memory-mapped
// region without growing the file.
type Writer struct {
	mu sync.Mutex

	store      *chunkstore.Store
	finalPath  string
	tmpPath    string
	file       *os.File
	data       []byte
	indexCount int
	chunkSize  uint64
	size       uint64
	hasher     *digest.Hasher
	written    []bool

	uncompressedTotal int64
	compressedTotal   int64
}

// Create exclusively creates a new fixed-index writer for a target of the
// given plaintext size and chunk size, under a `.tmp_<random>` sibling of
// path (spec §4.3: "Exclusive-create the file with a .tmp_<random> suffix").
func Create(store *chunkstore.Store, path string, size, chunkSize uint64) (*Writer, error) {
	if chunkSize == 0 {
		return nil, errors.New("fixed: chunk_size must be nonzero")
	}
	count := indexCount(size, chunkSize)
	totalSize := headerSize + count*digest.Size

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp_fidx_*")
	if err != nil {
		return nil, err
	}
	tmpPath := tmp.Name()

	if err := tmp.Truncate(int64(totalSize)); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return nil, err
	}

	hdr := Header{
		UUID:       uuid.New(),
		ChunkSize:  chunkSize,
		Size:       size,
	}
	if _, err := tmp.WriteAt(encodeHeader(hdr), 0); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return nil, err
	}

	data, err := syscall.Mmap(int(tmp.Fd()), 0, totalSize, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return nil, err
	}

	return &Writer{
		store:      store,
		finalPath:  path,
		tmpPath:    tmpPath,
		file:       tmp,
		data:       data,
		indexCount: count,
		chunkSize:  chunkSize,
		size:       size,
		hasher:     digest.NewHasher(),
		written:    make([]bool, count),
	}, nil
}

// AddChunk ensures data is present in the chunk store (inserting it if
// needed) and accumulates reporting totals. rawBlob is the already-encoded
// DataBlob and d the plaintext digest the caller computed for it; AddChunk
// passes both to InsertChunk and adds plaintextSize and the stored size to
// the byte totals. It does not write a digest slot (see AddDigest).
func (w *Writer) AddChunk(rawBlob []byte, d digest.Digest, plaintextSize int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	existed, storedSize, err := w.store.InsertChunk(rawBlob, d)
	if err != nil {
		return err
	}
	_ = existed
	w.uncompressedTotal += plaintextSize
	w.compressedTotal += storedSize
	return nil
}

// AddDigest writes a client-supplied digest directly into slot index
// (the wire-protocol upload path, where the chunk was already deposited by
// a prior InsertChunk call) and folds it into the running index hash.
func (w *Writer) AddDigest(index uint64, d digest.Digest) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if index >= uint64(w.indexCount) {
		return fmt.Errorf("fixed: index %d out of range [0,%d)", index, w.indexCount)
	}
	if w.written[index] {
		return fmt.Errorf("fixed: slot %d already written", index)
	}
	off := headerSize + int(index)*digest.Size
	copy(w.data[off:off+digest.Size], d.Bytes())
	w.written[index] = true
	w.hasher.Add(d)
	return nil
}

// Close verifies all slots were written and the reported totals match the
// caller's expectations, writes the final index_hash into the header, and
// atomically publishes the file under its final name.
func (w *Writer) Close(expectedChunkCount int, expectedSize uint64, expectedCsum digest.Digest) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for i, ok := range w.written {
		if !ok {
			return fmt.Errorf("%w: slot %d never written", ErrMismatch, i)
		}
	}
	if expectedChunkCount != w.indexCount || expectedSize != w.size {
		return ErrMismatch
	}
	finalHash := w.hasher.Sum()
	if finalHash != expectedCsum {
		return ErrMismatch
	}

	hdr := Header{
		UUID:      readUUID(w.data),
		ChunkSize: w.chunkSize,
		Size:      w.size,
		IndexHash: finalHash,
	}
	hdr.ParentUUID = readParentUUID(w.data)
	copy(w.data[:headerSize], encodeHeader(hdr))

	if err := unix.Msync(w.data, unix.MS_SYNC); err != nil {
		return err
	}
	if err := syscall.Munmap(w.data); err != nil {
		return err
	}
	w.data = nil
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}
	return os.Rename(w.tmpPath, w.finalPath)
}

// SetParentUUID records the parent snapshot's UUID in the header; must be
// called before Close.
func (w *Writer) SetParentUUID(parent uuid.UUID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	copy(w.data[format.HeaderSize+uuidSize:format.HeaderSize+2*uuidSize], parent[:])
}

// Totals returns the uncompressed/compressed byte totals accumulated via
// AddChunk, for reporting in the BackupSession close response.
func (w *Writer) Totals() (uncompressed, compressed int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.uncompressedTotal, w.compressedTotal
}

// Abort discards the in-progress temp file without publishing it, used when
// a backup session fails before reaching close.
func (w *Writer) Abort() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.data != nil {
		syscall.Munmap(w.data)
		w.data = nil
	}
	w.file.Close()
	return os.Remove(w.tmpPath)
}

func readUUID(data []byte) uuid.UUID {
	var u uuid.UUID
	copy(u[:], data[format.HeaderSize:format.HeaderSize+uuidSize])
	return u
}

func readParentUUID(data []byte) uuid.UUID {
	var u uuid.UUID
	copy(u[:], data[format.HeaderSize+uuidSize:format.HeaderSize+2*uuidSize])
	return u
}

// Package digest defines the 32-byte content fingerprint used to identify
// chunks and to key the index formats. A Digest is always the fingerprint of
// a chunk's plaintext, computed before compression or encryption.
package digest

import (
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/blake2b"
)

// Size is the length in bytes of a Digest.
const Size = 32

// ErrInvalidLength is returned when decoding a digest from bytes or hex of
// the wrong length.
var ErrInvalidLength = errors.New("digest: invalid length")

// Digest is the 32-byte cryptographic fingerprint of a chunk's plaintext.
// Digests compare byte-wise; the zero Digest never identifies a real chunk.
type Digest [Size]byte

// Sum computes the Blake2b-256 digest of data.
func Sum(data []byte) Digest {
	return Digest(blake2b.Sum256(data))
}

// FromBytes copies b into a Digest. b must be exactly Size bytes.
func FromBytes(b []byte) (Digest, error) {
	var d Digest
	if len(b) != Size {
		return d, ErrInvalidLength
	}
	copy(d[:], b)
	return d, nil
}

// Parse decodes a 64-character lowercase hex string into a Digest.
func Parse(hexStr string) (Digest, error) {
	var d Digest
	if len(hexStr) != Size*2 {
		return d, ErrInvalidLength
	}
	b, err := hex.DecodeString(hexStr)
	if err != nil {
		return d, err
	}
	copy(d[:], b)
	return d, nil
}

// String returns the lowercase hex encoding of the digest.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Bytes returns a copy of the digest's raw bytes.
func (d Digest) Bytes() []byte {
	b := make([]byte, Size)
	copy(b, d[:])
	return b
}

// IsZero reports whether d is the all-zero digest (never a real chunk).
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// ShardHex returns the 4-character hex shard prefix used to locate the
// chunk's directory under .chunks/.
func (d Digest) ShardHex() string {
	return hex.EncodeToString(d[:2])
}

// Hasher accumulates a running Blake2b-256 hash over an ordered sequence of
// digests, used for the index_hash header field and the manifest csum.
type Hasher struct {
	h [32]byte
	b []byte
}

// NewHasher returns a Hasher ready to accumulate digests.
func NewHasher() *Hasher {
	return &Hasher{}
}

// Add appends d to the hashed sequence.
func (h *Hasher) Add(d Digest) {
	h.b = append(h.b, d[:]...)
}

// Sum returns the Blake2b-256 hash of the concatenation of all added digests,
// in the order they were added.
func (h *Hasher) Sum() Digest {
	return Digest(blake2b.Sum256(h.b))
}

// SumDigests is a convenience wrapper hashing a slice of digests in order.
func SumDigests(digests []Digest) Digest {
	h := NewHasher()
	for _, d := range digests {
		h.Add(d)
	}
	return h.Sum()
}

// Package blob implements the on-disk framing for a single chunk: the
// DataBlob codec. A DataBlob is the immutable unit written under
// .chunks/<shard>/<digest>; it carries a 4-byte magic selecting one of four
// variants, a CRC32 of everything that follows, and — for encrypted
// variants — a 16-byte IV and 16-byte AEAD tag ahead of the payload.
package blob

import (
	"bytes"
	"crypto/rand"
	"errors"
	"hash/crc32"

	"gastrolog/internal/digest"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	magicSize = 4
	crcSize   = 4
	ivSize    = 16
	tagSize   = 16

	// nonceSize is the portion of the 16-byte on-disk IV actually fed to the
	// AEAD cipher as its nonce; the remaining bytes are reserved (zero) so
	// the wire framing always carries a full 16-byte IV field as specified.
	nonceSize = chacha20poly1305.NonceSize // 12
)

// Magic values identify the four DataBlob variants. Chosen to be readable
// ASCII tags, matching the teacher's 'i'-signature convention in package
// format rather than arbitrary binary constants.
var (
	MagicPlain      = [magicSize]byte{'b', 'L', '0', '0'} // unencrypted, uncompressed
	MagicCompressed = [magicSize]byte{'b', 'L', '0', '1'} // unencrypted, compressed
	MagicEncrypted  = [magicSize]byte{'b', 'L', '1', '0'} // encrypted, uncompressed
	MagicEncComp    = [magicSize]byte{'b', 'L', '1', '1'} // encrypted, compressed
)

var (
	ErrBadMagic        = errors.New("blob: bad magic")
	ErrBadCrc          = errors.New("blob: crc mismatch")
	ErrAuthFailed      = errors.New("blob: authentication failed")
	ErrDecompressError = errors.New("blob: decompression failed")
	ErrDigestMismatch  = errors.New("blob: digest mismatch")
	ErrTruncated       = errors.New("blob: truncated")
	ErrNeedCryptConfig = errors.New("blob: encrypted blob requires a crypt config")
)

// CryptConfig carries the symmetric key used to encrypt/decrypt a DataBlob.
// Per-chunk key rotation is explicitly out of scope: one key per store.
type CryptConfig struct {
	Key [chacha20poly1305.KeySize]byte
}

// newAEAD constructs the chacha20poly1305 AEAD from a crypt config.
func newAEAD(cfg *CryptConfig) (aeadCipher, error) {
	return chacha20poly1305.New(cfg.Key[:])
}

type aeadCipher interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

var zstdDec *zstd.Decoder

func init() {
	var err error
	zstdDec, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		panic("blob: init zstd decoder: " + err.Error())
	}
}

// DataBlob is the decoded representation of the on-disk framing.
type DataBlob struct {
	Magic   [magicSize]byte
	IV      [ivSize]byte
	Tag     [tagSize]byte
	Payload []byte // on-disk payload: ciphertext or (possibly compressed) plaintext
}

func (b *DataBlob) encrypted() bool {
	return b.Magic == MagicEncrypted || b.Magic == MagicEncComp
}

func (b *DataBlob) compressed() bool {
	return b.Magic == MagicCompressed || b.Magic == MagicEncComp
}

// Encode builds a DataBlob from plaintext, optionally compressing and/or
// encrypting it. Compression is kept only if it makes the payload smaller
// than the plaintext (mirrors the teacher's compressFile "keep the smaller
// form" rule); otherwise the plaintext is stored verbatim.
func Encode(plaintext []byte, cfg *CryptConfig, compress bool) (*DataBlob, error) {
	payload := plaintext
	isCompressed := false
	if compress {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		candidate := enc.EncodeAll(plaintext, nil)
		_ = enc.Close()
		if len(candidate) < len(plaintext) {
			payload = candidate
			isCompressed = true
		}
	}

	b := &DataBlob{}
	if cfg == nil {
		if isCompressed {
			b.Magic = MagicCompressed
		} else {
			b.Magic = MagicPlain
		}
		b.Payload = payload
		return b, nil
	}

	aead, err := newAEAD(cfg)
	if err != nil {
		return nil, err
	}
	var iv [ivSize]byte
	if err := randomNonce(iv[:nonceSize]); err != nil {
		return nil, err
	}
	if isCompressed {
		b.Magic = MagicEncComp
	} else {
		b.Magic = MagicEncrypted
	}
	aad := aadFor(b.Magic, iv)
	sealed := aead.Seal(nil, iv[:nonceSize], payload, aad)
	ciphertext := sealed[:len(sealed)-tagSize]
	copy(b.Tag[:], sealed[len(sealed)-tagSize:])
	b.IV = iv
	b.Payload = ciphertext
	return b, nil
}

func randomNonce(b []byte) error {
	_, err := rand.Read(b)
	return err
}

func aadFor(magic [magicSize]byte, iv [ivSize]byte) []byte {
	aad := make([]byte, 0, magicSize+ivSize)
	aad = append(aad, magic[:]...)
	aad = append(aad, iv[:]...)
	return aad
}

// Decode recovers the plaintext from b, verifying the AEAD tag (if
// encrypted) and, when expectedDigest is non-nil, the plaintext's digest.
func Decode(b *DataBlob, cfg *CryptConfig, expectedDigest *digest.Digest) ([]byte, error) {
	payload := b.Payload
	if b.encrypted() {
		if cfg == nil {
			return nil, ErrNeedCryptConfig
		}
		aead, err := newAEAD(cfg)
		if err != nil {
			return nil, err
		}
		sealed := make([]byte, 0, len(payload)+tagSize)
		sealed = append(sealed, payload...)
		sealed = append(sealed, b.Tag[:]...)
		aad := aadFor(b.Magic, b.IV)
		plain, err := aead.Open(nil, b.IV[:nonceSize], sealed, aad)
		if err != nil {
			return nil, ErrAuthFailed
		}
		payload = plain
	}
	if b.compressed() {
		plain, err := zstdDec.DecodeAll(payload, nil)
		if err != nil {
			return nil, ErrDecompressError
		}
		payload = plain
	}
	if expectedDigest != nil {
		got := digest.Sum(payload)
		if got != *expectedDigest {
			return nil, ErrDigestMismatch
		}
	}
	return payload, nil
}

// ComputeDigest decodes b (without an expected digest) and returns the
// digest of its plaintext.
func ComputeDigest(b *DataBlob, cfg *CryptConfig) (digest.Digest, error) {
	plain, err := Decode(b, cfg, nil)
	if err != nil {
		return digest.Digest{}, err
	}
	return digest.Sum(plain), nil
}

// Marshal serializes b to its on-disk framing:
// magic(4) | crc32(4) | [iv(16) | tag(16)]? | payload
func (b *DataBlob) Marshal() []byte {
	var body bytes.Buffer
	if b.encrypted() {
		body.Write(b.IV[:])
		body.Write(b.Tag[:])
	}
	body.Write(b.Payload)

	crc := crc32.ChecksumIEEE(body.Bytes())

	out := make([]byte, 0, magicSize+crcSize+body.Len())
	out = append(out, b.Magic[:]...)
	var crcBuf [crcSize]byte
	putUint32LE(crcBuf[:], crc)
	out = append(out, crcBuf[:]...)
	out = append(out, body.Bytes()...)
	return out
}

// RawSize returns the total on-disk size this blob would occupy once
// marshaled, without actually marshaling it.
func (b *DataBlob) RawSize() int {
	n := magicSize + crcSize + len(b.Payload)
	if b.encrypted() {
		n += ivSize + tagSize
	}
	return n
}

// Unmarshal parses the on-disk framing produced by Marshal, verifying the
// magic and the CRC32 before returning the populated DataBlob.
func Unmarshal(raw []byte) (*DataBlob, error) {
	if len(raw) < magicSize+crcSize {
		return nil, ErrTruncated
	}
	b := &DataBlob{}
	copy(b.Magic[:], raw[:magicSize])
	switch b.Magic {
	case MagicPlain, MagicCompressed, MagicEncrypted, MagicEncComp:
	default:
		return nil, ErrBadMagic
	}

	wantCrc := getUint32LE(raw[magicSize : magicSize+crcSize])
	body := raw[magicSize+crcSize:]
	gotCrc := crc32.ChecksumIEEE(body)
	if gotCrc != wantCrc {
		return nil, ErrBadCrc
	}

	if b.encrypted() {
		if len(body) < ivSize+tagSize {
			return nil, ErrTruncated
		}
		copy(b.IV[:], body[:ivSize])
		copy(b.Tag[:], body[ivSize:ivSize+tagSize])
		b.Payload = body[ivSize+tagSize:]
	} else {
		b.Payload = body
	}
	return b, nil
}

func putUint32LE(buf []byte, v uint32) {
	buf[0] = byte(v)
	buf[1] = byte(v >> 8)
	buf[2] = byte(v >> 16)
	buf[3] = byte(v >> 24)
}

func getUint32LE(buf []byte) uint32 {
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
}

package blob

import (
	"bytes"
	"testing"

	"gastrolog/internal/digest"
)

func TestEncodeDecodePlainRoundTrip(t *testing.T) {
	plaintext := []byte("hello, backup world")
	b, err := Encode(plaintext, nil, false)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if b.Magic != MagicPlain {
		t.Fatalf("expected plain magic, got %v", b.Magic)
	}
	raw := b.Marshal()
	b2, err := Unmarshal(raw)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	got, err := Decode(b2, nil, nil)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("roundtrip mismatch: got %q want %q", got, plaintext)
	}
}

func TestEncodeCompressiblePayloadUsesCompressedMagic(t *testing.T) {
	plaintext := bytes.Repeat([]byte("a"), 10000)
	b, err := Encode(plaintext, nil, true)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if b.Magic != MagicCompressed {
		t.Fatalf("expected compressed magic for highly compressible data, got %v", b.Magic)
	}
	got, err := Decode(b, nil, nil)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatal("roundtrip mismatch")
	}
}

func TestEncodeIncompressiblePayloadKeepsPlainMagic(t *testing.T) {
	// Tiny payload: zstd framing overhead makes the "compressed" form larger
	// than the plaintext, so Encode must fall back to storing it verbatim.
	plaintext := []byte("x")
	b, err := Encode(plaintext, nil, true)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if b.Magic != MagicPlain {
		t.Fatalf("expected plain magic when compression doesn't shrink payload, got %v", b.Magic)
	}
}

func TestEncodeDecodeEncryptedRoundTrip(t *testing.T) {
	var cfg CryptConfig
	copy(cfg.Key[:], bytes.Repeat([]byte{0x42}, 32))

	plaintext := []byte("secret chunk contents")
	b, err := Encode(plaintext, &cfg, false)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if b.Magic != MagicEncrypted {
		t.Fatalf("expected encrypted magic, got %v", b.Magic)
	}
	raw := b.Marshal()
	b2, err := Unmarshal(raw)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	got, err := Decode(b2, &cfg, nil)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatal("roundtrip mismatch")
	}
}

func TestDecodeEncryptedWrongKeyFailsAuth(t *testing.T) {
	var cfg1, cfg2 CryptConfig
	copy(cfg1.Key[:], bytes.Repeat([]byte{0x01}, 32))
	copy(cfg2.Key[:], bytes.Repeat([]byte{0x02}, 32))

	b, err := Encode([]byte("data"), &cfg1, false)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := Decode(b, &cfg2, nil); err != ErrAuthFailed {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestDecodeEncryptedRequiresCryptConfig(t *testing.T) {
	var cfg CryptConfig
	b, _ := Encode([]byte("data"), &cfg, false)
	if _, err := Decode(b, nil, nil); err != ErrNeedCryptConfig {
		t.Fatalf("expected ErrNeedCryptConfig, got %v", err)
	}
}

func TestUnmarshalBadMagic(t *testing.T) {
	raw := []byte{0, 0, 0, 0, 0, 0, 0, 0}
	if _, err := Unmarshal(raw); err != ErrBadMagic {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
}

func TestUnmarshalCorruptedCrc(t *testing.T) {
	b, _ := Encode([]byte("payload"), nil, false)
	raw := b.Marshal()
	raw[len(raw)-1] ^= 0xff // flip a payload byte without touching crc field
	if _, err := Unmarshal(raw); err != ErrBadCrc {
		t.Fatalf("expected ErrBadCrc, got %v", err)
	}
}

func TestDecodeDigestMismatch(t *testing.T) {
	b, _ := Encode([]byte("payload"), nil, false)
	wrong := digest.Sum([]byte("different"))
	if _, err := Decode(b, nil, &wrong); err != ErrDigestMismatch {
		t.Fatalf("expected ErrDigestMismatch, got %v", err)
	}
}

func TestDecodeDigestMatch(t *testing.T) {
	plaintext := []byte("payload")
	b, _ := Encode(plaintext, nil, false)
	want := digest.Sum(plaintext)
	if _, err := Decode(b, nil, &want); err != nil {
		t.Fatalf("expected digest match, got error: %v", err)
	}
}

func TestComputeDigest(t *testing.T) {
	plaintext := []byte("compute me")
	b, _ := Encode(plaintext, nil, true)
	got, err := ComputeDigest(b, nil)
	if err != nil {
		t.Fatalf("compute digest: %v", err)
	}
	want := digest.Sum(plaintext)
	if got != want {
		t.Fatalf("digest mismatch: got %s want %s", got, want)
	}
}

func TestRawSizeMatchesMarshaled(t *testing.T) {
	b, _ := Encode([]byte("size check"), nil, false)
	if b.RawSize() != len(b.Marshal()) {
		t.Fatalf("RawSize %d != marshaled len %d", b.RawSize(), len(b.Marshal()))
	}
}

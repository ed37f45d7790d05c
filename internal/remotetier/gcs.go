package remotetier

import (
	"context"
	"errors"
	"io"

	"cloud.google.com/go/storage"

	"gastrolog/internal/digest"
)

// GCSBackend offloads chunks to a Google Cloud Storage bucket.
type GCSBackend struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSBackend wraps an already-configured storage.Client.
func NewGCSBackend(client *storage.Client, bucket, prefix string) *GCSBackend {
	return &GCSBackend{client: client, bucket: bucket, prefix: prefix}
}

func (b *GCSBackend) object(d digest.Digest) *storage.ObjectHandle {
	return b.client.Bucket(b.bucket).Object(b.prefix + keyFor(d))
}

func (b *GCSBackend) Put(ctx context.Context, d digest.Digest, blob []byte) error {
	w := b.object(d).NewWriter(ctx)
	if _, err := w.Write(blob); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func (b *GCSBackend) Has(ctx context.Context, d digest.Digest) (bool, error) {
	_, err := b.object(d).Attrs(ctx)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	return false, err
}

func (b *GCSBackend) Get(ctx context.Context, d digest.Digest) ([]byte, error) {
	r, err := b.object(d).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

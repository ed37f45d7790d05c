package remotetier

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"gastrolog/internal/digest"
)

// S3Backend offloads chunks to an S3-compatible bucket.
type S3Backend struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Backend wraps an already-configured s3.Client. prefix is prepended
// to every object key (empty is fine).
func NewS3Backend(client *s3.Client, bucket, prefix string) *S3Backend {
	return &S3Backend{client: client, bucket: bucket, prefix: prefix}
}

func (b *S3Backend) key(d digest.Digest) string {
	return b.prefix + keyFor(d)
}

func (b *S3Backend) Put(ctx context.Context, d digest.Digest, blob []byte) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(d)),
		Body:   bytes.NewReader(blob),
	})
	return err
}

func (b *S3Backend) Has(ctx context.Context, d digest.Digest) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(d)),
	})
	if err == nil {
		return true, nil
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return false, nil
	}
	return false, err
}

func (b *S3Backend) Get(ctx context.Context, d digest.Digest) ([]byte, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(d)),
	})
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

package remotetier

import (
	"bytes"
	"context"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"gastrolog/internal/digest"
)

// AzureBlobBackend offloads chunks to an Azure Blob Storage container.
type AzureBlobBackend struct {
	client    *azblob.Client
	container string
	prefix    string
}

// NewAzureBlobBackend wraps an already-configured azblob.Client.
func NewAzureBlobBackend(client *azblob.Client, container, prefix string) *AzureBlobBackend {
	return &AzureBlobBackend{client: client, container: container, prefix: prefix}
}

func (b *AzureBlobBackend) key(d digest.Digest) string {
	return b.prefix + keyFor(d)
}

func (b *AzureBlobBackend) Put(ctx context.Context, d digest.Digest, blob []byte) error {
	_, err := b.client.UploadBuffer(ctx, b.container, b.key(d), blob, nil)
	return err
}

func (b *AzureBlobBackend) Has(ctx context.Context, d digest.Digest) (bool, error) {
	blobClient := b.client.ServiceClient().NewContainerClient(b.container).NewBlobClient(b.key(d))
	_, err := blobClient.GetProperties(ctx, nil)
	if err == nil {
		return true, nil
	}
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return false, nil
	}
	return false, err
}

func (b *AzureBlobBackend) Get(ctx context.Context, d digest.Digest) ([]byte, error) {
	resp, err := b.client.DownloadStream(ctx, b.container, b.key(d), nil)
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

package gcloud

import (
	"context"
	"fmt"
	"io"
	"os"

	"cloud.google.com/go/storage"
)

// BlobStore stages files in a Cloud Storage bucket. The speech stage uploads
// extracted audio here because long-running recognition only accepts gs://
// input.
type BlobStore struct {
	client *storage.Client
	bucket string
}

// NewBlobStore creates a BlobStore for the given bucket.
func NewBlobStore(ctx context.Context, bucket, credentialsFile string) (*BlobStore, error) {
	if bucket == "" {
		return nil, fmt.Errorf("blob bucket is required")
	}
	client, err := storage.NewClient(ctx, clientOptions(credentialsFile)...)
	if err != nil {
		return nil, fmt.Errorf("creating storage client: %w", err)
	}
	return &BlobStore{client: client, bucket: bucket}, nil
}

// Close releases the underlying connection.
func (b *BlobStore) Close() error {
	return b.client.Close()
}

// Upload copies a local file to the bucket and returns its gs:// URI.
func (b *BlobStore) Upload(ctx context.Context, localPath, objectName string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", localPath, err)
	}
	defer f.Close()

	w := b.client.Bucket(b.bucket).Object(objectName).NewWriter(ctx)
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return "", fmt.Errorf("uploading %s: %w", objectName, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalizing upload %s: %w", objectName, err)
	}
	return fmt.Sprintf("gs://%s/%s", b.bucket, objectName), nil
}

// Delete removes a staged object. Missing objects are not an error; cleanup
// may run twice.
func (b *BlobStore) Delete(ctx context.Context, objectName string) error {
	err := b.client.Bucket(b.bucket).Object(objectName).Delete(ctx)
	if err != nil && err != storage.ErrObjectNotExist {
		return fmt.Errorf("deleting %s: %w", objectName, err)
	}
	return nil
}

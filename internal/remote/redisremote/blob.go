package redisremote

import (
	"context"
	"fmt"
	"io"

	"github.com/redis/go-redis/v9"
)

const blobPrefix = "coachchat:blob:"

// Blob implements remote.BlobStore and remote.BlobReader on Redis. Objects
// are served back to UI clients through the gateway's /blobs/ endpoint,
// which is what the returned URLs point at.
type Blob struct {
	rdb       *redis.Client
	urlPrefix string
}

// NewBlob creates a blob store. urlPrefix is prepended to object paths to
// form retrievable URLs, e.g. "/blobs/".
func NewBlob(rdb *redis.Client, urlPrefix string) *Blob {
	return &Blob{rdb: rdb, urlPrefix: urlPrefix}
}

// Upload stores the reader's bytes at path and returns the retrieval URL.
func (b *Blob) Upload(ctx context.Context, path string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	if err := b.rdb.Set(ctx, blobPrefix+path, data, 0).Err(); err != nil {
		return "", err
	}
	return b.urlPrefix + path, nil
}

// Delete removes the object at path.
func (b *Blob) Delete(ctx context.Context, path string) error {
	return b.rdb.Del(ctx, blobPrefix+path).Err()
}

// Get returns the object at path.
func (b *Blob) Get(ctx context.Context, path string) ([]byte, error) {
	data, err := b.rdb.Get(ctx, blobPrefix+path).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("blob %q not found", path)
	}
	return data, err
}

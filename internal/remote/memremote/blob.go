package memremote

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// Blob implements remote.BlobStore and remote.BlobReader in memory.
type Blob struct {
	mu      sync.Mutex
	objects map[string][]byte

	uploadErr error
}

// NewBlob creates an empty blob store.
func NewBlob() *Blob {
	return &Blob{objects: make(map[string][]byte)}
}

// SetUploadErr makes subsequent Upload calls fail with err (nil to clear).
func (b *Blob) SetUploadErr(err error) {
	b.mu.Lock()
	b.uploadErr = err
	b.mu.Unlock()
}

// Upload stores the reader's bytes and returns a mem:// URL.
func (b *Blob) Upload(ctx context.Context, path string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.uploadErr != nil {
		return "", b.uploadErr
	}
	b.objects[path] = data
	return "mem://" + path, nil
}

// Delete removes the object at path. Deleting a missing object is a no-op.
func (b *Blob) Delete(_ context.Context, path string) error {
	b.mu.Lock()
	delete(b.objects, path)
	b.mu.Unlock()
	return nil
}

// Get returns a copy of the object at path.
func (b *Blob) Get(_ context.Context, path string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[path]
	if !ok {
		return nil, fmt.Errorf("blob %q not found", path)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// Len returns the number of stored objects.
func (b *Blob) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.objects)
}

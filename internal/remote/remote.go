package remote

import (
	"context"
	"errors"
	"io"
)

// ErrStreamClosed is delivered as a terminal Snapshot error when a backend's
// push channel closes unexpectedly. The live subscription manager treats it
// as transient and resubscribes with backoff.
var ErrStreamClosed = errors.New("listen stream closed")

// Doc is one document in a collection snapshot.
type Doc struct {
	ID   string
	Data map[string]any
}

// Snapshot is one delivery from a Listen stream: the full ordered result set
// for the collection at a point in time, or a terminal error.
type Snapshot struct {
	Docs []Doc
	Err  error
}

// Increment marks a numeric field for atomic server-side increment in Update.
type Increment int64

// DocumentStore is the minimal contract of the remote real-time database.
// The core is written against this interface only; backends live in
// memremote and redisremote.
type DocumentStore interface {
	// Create writes a new document with the given id (write-once). The field
	// named serverTSField is assigned by the store at commit time. If the id
	// already exists the call is a no-op and created is false, so retries
	// with the same idempotency id never produce a duplicate.
	Create(ctx context.Context, collection, id string, data map[string]any, serverTSField string) (created bool, err error)

	// Update applies a partial upsert to the document at path
	// ("collection/id"). Increment values are applied atomically.
	Update(ctx context.Context, path string, fields map[string]any) error

	// Listen streams snapshots of the collection ordered ascending by the
	// orderBy field, starting with the current result set. It never blocks
	// on the caller's pace indefinitely; the stream ends when ctx is
	// cancelled or after a Snapshot with Err set.
	Listen(ctx context.Context, collection, orderBy string) (<-chan Snapshot, error)
}

// BlobStore stores attachment payloads.
type BlobStore interface {
	// Upload stores the reader's bytes at path and returns a stable
	// retrievable URL.
	Upload(ctx context.Context, path string, r io.Reader) (url string, err error)

	// Delete removes the object at path. Callers use it for best-effort
	// cleanup of partial uploads.
	Delete(ctx context.Context, path string) error
}

// BlobReader is implemented by blob stores that can serve objects back,
// used by the gateway's retrieval endpoint.
type BlobReader interface {
	Get(ctx context.Context, path string) ([]byte, error)
}

// Identity exposes the authenticated participant. Authentication itself is
// an external collaborator; the core only reads who is signed in.
type Identity interface {
	ParticipantID() string
	DisplayName() string
}

// StaticIdentity is a fixed Identity for the daemon and tests.
type StaticIdentity struct {
	ID   string
	Name string
}

func (s StaticIdentity) ParticipantID() string { return s.ID }
func (s StaticIdentity) DisplayName() string   { return s.Name }

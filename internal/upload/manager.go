// Package upload transfers attachment payloads to blob storage. Each send
// owns at most one Task: a cancellable transfer with a monotonic progress
// stream, a thumbnail derived alongside video uploads, and best-effort
// cleanup of partial objects on failure or cancellation.
package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"coachchat/internal/model"
	"coachchat/internal/remote"
)

// mainShare is the progress fraction the payload transfer accounts for when
// a thumbnail is also being produced.
const mainShare = 0.9

// Result is the final outcome of one upload task.
type Result struct {
	URL          string
	ThumbnailURL string
	SizeBytes    int64
	Err          error // nil, model.ErrUploadCancelled, or wraps model.ErrUploadFailed
}

// Event is one delivery on a task's stream: a progress fraction in [0,1],
// or the terminal result with Done set.
type Event struct {
	Progress float64
	Done     bool
	Result   *Result
}

// Thumbnailer derives a representative still frame from a video payload.
type Thumbnailer interface {
	Thumbnail(ctx context.Context, video []byte) ([]byte, error)
}

// Manager validates and runs attachment uploads.
type Manager struct {
	blobs    remote.BlobStore
	thumbs   Thumbnailer // nil disables video thumbnails
	maxBytes int64
	logger   *zap.Logger
}

// NewManager creates a manager. maxBytes of zero disables the size cap.
func NewManager(blobs remote.BlobStore, thumbs Thumbnailer, maxBytes int64, logger *zap.Logger) *Manager {
	return &Manager{blobs: blobs, thumbs: thumbs, maxBytes: maxBytes, logger: logger}
}

// CheckSize reports model.ErrAttachmentTooLarge for an oversized payload
// without starting anything. The pipeline calls it before it allocates any
// message state.
func (m *Manager) CheckSize(n int64) error {
	if m.maxBytes > 0 && n > m.maxBytes {
		return fmt.Errorf("%w: %d bytes (limit %d)", model.ErrAttachmentTooLarge, n, m.maxBytes)
	}
	return nil
}

// Start validates the payload and begins an upload for the given thread.
// Oversized payloads are rejected with model.ErrAttachmentTooLarge before
// any transfer begins.
func (m *Manager) Start(ctx context.Context, kind model.AttachmentKind, threadID string, payload []byte) (*Task, error) {
	if err := m.CheckSize(int64(len(payload))); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	t := &Task{
		ID:     uuid.New().String(),
		events: make(chan Event, 16),
		cancel: cancel,
	}
	go m.run(ctx, t, kind, threadID, payload)
	return t, nil
}

// Task is one in-flight upload, owned by the manager for the duration of a
// single send and discarded afterwards.
type Task struct {
	ID     string
	events chan Event
	cancel context.CancelFunc

	mu       sync.Mutex
	progress float64
}

// Events returns the task's stream. It is closed after the terminal event.
func (t *Task) Events() <-chan Event {
	return t.events
}

// Cancel aborts the transfer. The task finishes with a Cancelled result.
func (t *Task) Cancel() {
	t.cancel()
}

// Wait consumes the stream until the terminal event and returns its result.
func (t *Task) Wait() *Result {
	for ev := range t.events {
		if ev.Done {
			return ev.Result
		}
	}
	return &Result{Err: model.ErrUploadCancelled}
}

// emit publishes a progress fraction, clamped so the stream only moves
// forward. Intermediate values may be dropped under backpressure; the
// terminal event never is.
func (t *Task) emit(p float64) {
	t.mu.Lock()
	if p <= t.progress {
		t.mu.Unlock()
		return
	}
	if p > 1 {
		p = 1
	}
	t.progress = p
	t.mu.Unlock()

	select {
	case t.events <- Event{Progress: p}:
	default:
	}
}

func (m *Manager) run(ctx context.Context, t *Task, kind model.AttachmentKind, threadID string, payload []byte) {
	defer t.cancel()

	basePath := "attachments/" + threadID + "/" + t.ID
	thumbPath := basePath + "_thumb"
	withThumb := kind == model.AttachmentVideo && m.thumbs != nil

	share := 1.0
	if withThumb {
		share = mainShare
	}

	var (
		url      string
		thumbURL string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r := &progressReader{
			r:     bytes.NewReader(payload),
			total: int64(len(payload)),
			scale: share,
			emit:  t.emit,
		}
		u, err := m.blobs.Upload(gctx, basePath, r)
		if err != nil {
			return fmt.Errorf("upload payload: %w", err)
		}
		url = u
		return nil
	})
	if withThumb {
		g.Go(func() error {
			frame, err := m.thumbs.Thumbnail(gctx, payload)
			if err != nil {
				return fmt.Errorf("derive thumbnail: %w", err)
			}
			u, err := m.blobs.Upload(gctx, thumbPath, bytes.NewReader(frame))
			if err != nil {
				return fmt.Errorf("upload thumbnail: %w", err)
			}
			thumbURL = u
			return nil
		})
	}

	err := g.Wait()
	if err != nil {
		// Remove whatever made it to the blob store. The task's context may
		// already be cancelled, so cleanup runs on a fresh one.
		m.cleanup(basePath, thumbPath)

		res := &Result{Err: fmt.Errorf("%w: %v", model.ErrUploadFailed, err)}
		if ctx.Err() != nil {
			res.Err = model.ErrUploadCancelled
		}
		t.finish(res)
		return
	}

	t.emit(1)
	t.finish(&Result{
		URL:          url,
		ThumbnailURL: thumbURL,
		SizeBytes:    int64(len(payload)),
	})
}

// finish delivers the terminal event, shedding stale progress events if the
// consumer fell behind, then closes the stream.
func (t *Task) finish(res *Result) {
	for {
		select {
		case t.events <- Event{Done: true, Result: res}:
			close(t.events)
			return
		default:
			select {
			case <-t.events:
			default:
			}
		}
	}
}

func (m *Manager) cleanup(paths ...string) {
	ctx := context.Background()
	for _, p := range paths {
		if err := m.blobs.Delete(ctx, p); err != nil {
			m.logger.Warn("failed to clean up partial upload", zap.Error(err), zap.String("path", p))
		}
	}
}

// progressReader reports read progress scaled into the task's share of the
// overall progress bar.
type progressReader struct {
	r     io.Reader
	total int64
	read  int64
	scale float64
	emit  func(float64)
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	pr.read += int64(n)
	if pr.total > 0 && n > 0 {
		pr.emit(float64(pr.read) / float64(pr.total) * pr.scale)
	}
	return n, err
}

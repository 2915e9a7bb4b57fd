package pipeline

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"coachchat/internal/bus"
	"coachchat/internal/model"
	"coachchat/internal/outbox"
	"coachchat/internal/remote"
	"coachchat/internal/remote/memremote"
	"coachchat/internal/store"
	"coachchat/internal/upload"
)

type fixture struct {
	pipe  *Pipeline
	store *store.Store
	docs  *memremote.Store
	blobs *memremote.Blob
	queue *outbox.DB
	bus   *bus.Bus
}

func newFixture(t *testing.T, blobs remote.BlobStore) *fixture {
	t.Helper()
	b := bus.New()
	s := store.New(b, zap.NewNop())
	docs := memremote.New()
	mb, _ := blobs.(*memremote.Blob)
	if blobs == nil {
		mb = memremote.NewBlob()
		blobs = mb
	}
	uploads := upload.NewManager(blobs, nil, 1<<20, zap.NewNop())

	path := filepath.Join(t.TempDir(), "outbox.db")
	db, err := outbox.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	id := remote.StaticIdentity{ID: "alice", Name: "Alice"}
	p := New(s, docs, uploads, db, id, &model.Clock{}, b, zap.NewNop())
	return &fixture{pipe: p, store: s, docs: docs, blobs: mb, queue: db, bus: b}
}

func testThread() *model.Thread {
	return &model.Thread{
		ID: model.ThreadID("alice", "bob"),
		Participants: [2]model.Participant{
			{ID: "alice", Name: "Alice"},
			{ID: "bob", Name: "Bob"},
		},
	}
}

func waitStatus(t *testing.T, s *store.Store, threadID, clientID string, want model.Status) *model.Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if m, ok := s.Get(threadID, clientID); ok && m.Status == want {
			return m
		}
		select {
		case <-deadline:
			m, _ := s.Get(threadID, clientID)
			t.Fatalf("message %s never reached %s (have %+v)", clientID, want, m)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func waitOutboxStatus(t *testing.T, db *outbox.DB, clientID, want string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if e, err := db.Get(clientID); err == nil && e != nil && e.Status == want {
			return
		}
		select {
		case <-deadline:
			e, err := db.Get(clientID)
			t.Fatalf("outbox entry %s never reached %s (have %+v, err %v)", clientID, want, e, err)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// snapshotDocs reads the current contents of a collection through Listen.
func snapshotDocs(t *testing.T, docs *memremote.Store, collection string) []remote.Doc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := docs.Listen(ctx, collection, remote.FieldSentAt)
	if err != nil {
		t.Fatal(err)
	}
	select {
	case snap := <-ch:
		if snap.Err != nil {
			t.Fatal(snap.Err)
		}
		return snap.Docs
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot")
		return nil
	}
}

func TestSendTextReachesRemote(t *testing.T) {
	f := newFixture(t, nil)
	th := testThread()

	h, err := f.pipe.Send(context.Background(), th, "  hello  ", nil)
	if err != nil {
		t.Fatal(err)
	}
	waitOutboxStatus(t, f.queue, h.ClientID, "sent")

	m := waitStatus(t, f.store, th.ID, h.ClientID, model.StatusSending)
	if m.Body != "hello" {
		t.Fatalf("body = %q, want trimmed %q", m.Body, "hello")
	}

	msgs := snapshotDocs(t, f.docs, remote.MessagesCollection(th.ID))
	if len(msgs) != 1 || msgs[0].ID != h.ClientID {
		t.Fatalf("remote has %d docs, want the one message", len(msgs))
	}
	if remote.AsInt64(msgs[0].Data[remote.FieldSentAt]) == 0 {
		t.Fatal("server timestamp not assigned")
	}

	threads := snapshotDocs(t, f.docs, remote.ThreadsCollection)
	if len(threads) != 1 {
		t.Fatalf("threads collection has %d docs, want 1", len(threads))
	}
	if n := remote.AsInt64(threads[0].Data[remote.FieldUnreadPrefix+"bob"]); n != 1 {
		t.Fatalf("peer unread = %d, want 1", n)
	}
	if remote.AsString(threads[0].Data[remote.FieldLastPreview]) != "hello" {
		t.Fatal("thread preview not updated")
	}
}

func TestEmptyMessageRejected(t *testing.T) {
	f := newFixture(t, nil)
	th := testThread()

	if _, err := f.pipe.Send(context.Background(), th, "   ", nil); !errors.Is(err, model.ErrEmptyMessage) {
		t.Fatalf("err = %v, want ErrEmptyMessage", err)
	}
	if msgs := f.store.Messages(th.ID); len(msgs) != 0 {
		t.Fatalf("rejected send left %d messages behind", len(msgs))
	}
}

func TestOversizedAttachmentRejectedBeforeAnyState(t *testing.T) {
	f := newFixture(t, nil)
	th := testThread()

	big := make([]byte, 2<<20)
	_, err := f.pipe.Send(context.Background(), th, "", &Attachment{Kind: model.AttachmentImage, Payload: big})
	if !errors.Is(err, model.ErrAttachmentTooLarge) {
		t.Fatalf("err = %v, want ErrAttachmentTooLarge", err)
	}
	if msgs := f.store.Messages(th.ID); len(msgs) != 0 {
		t.Fatalf("rejected send left %d messages behind", len(msgs))
	}
	if f.blobs.Len() != 0 {
		t.Fatal("rejected send touched blob storage")
	}
}

func TestFailedSendRetriesUnderSameID(t *testing.T) {
	f := newFixture(t, nil)
	th := testThread()

	f.docs.SetCreateErr(errors.New("network down"))
	h, err := f.pipe.Send(context.Background(), th, "offline hello", nil)
	if err != nil {
		t.Fatal(err)
	}
	m := waitStatus(t, f.store, th.ID, h.ClientID, model.StatusFailed)
	if m.FailReason == "" {
		t.Fatal("failed message carries no reason")
	}
	waitOutboxStatus(t, f.queue, h.ClientID, "failed")
	if docs := snapshotDocs(t, f.docs, remote.MessagesCollection(th.ID)); len(docs) != 0 {
		t.Fatalf("failed send created %d remote docs", len(docs))
	}

	f.docs.SetCreateErr(nil)
	if err := f.pipe.Retry(th, h.ClientID); err != nil {
		t.Fatal(err)
	}
	waitOutboxStatus(t, f.queue, h.ClientID, "sent")

	docs := snapshotDocs(t, f.docs, remote.MessagesCollection(th.ID))
	if len(docs) != 1 || docs[0].ID != h.ClientID {
		t.Fatalf("retry produced %d docs, want exactly one under the original id", len(docs))
	}
}

func TestRetryAfterRestart(t *testing.T) {
	f := newFixture(t, nil)
	th := testThread()

	f.docs.SetCreateErr(errors.New("network down"))
	h, err := f.pipe.Send(context.Background(), th, "before crash", nil)
	if err != nil {
		t.Fatal(err)
	}
	waitOutboxStatus(t, f.queue, h.ClientID, "failed")

	// A fresh store simulates a restarted process; the outbox carries the
	// failed entry across.
	fresh := store.New(bus.New(), zap.NewNop())
	p2 := New(fresh, f.docs, f.pipe.uploads, f.queue, f.pipe.id, &model.Clock{}, bus.New(), zap.NewNop())
	if err := p2.RestoreFailed(); err != nil {
		t.Fatal(err)
	}
	m, ok := fresh.Get(th.ID, h.ClientID)
	if !ok || m.Status != model.StatusFailed {
		t.Fatalf("restored message = %+v, want a failed entry", m)
	}

	f.docs.SetCreateErr(nil)
	if err := p2.Retry(th, h.ClientID); err != nil {
		t.Fatal(err)
	}
	waitOutboxStatus(t, f.queue, h.ClientID, "sent")
}

func TestUploadFailureStopsBeforePersist(t *testing.T) {
	blobs := memremote.NewBlob()
	blobs.SetUploadErr(errors.New("disk full"))
	f := newFixture(t, blobs)
	th := testThread()

	h, err := f.pipe.Send(context.Background(), th, "", &Attachment{Kind: model.AttachmentImage, Payload: []byte("img")})
	if err != nil {
		t.Fatal(err)
	}
	waitStatus(t, f.store, th.ID, h.ClientID, model.StatusFailed)

	if _, err := f.queue.Get(h.ClientID); err == nil {
		t.Fatal("failed upload still produced an outbox entry")
	}
	if docs := snapshotDocs(t, f.docs, remote.MessagesCollection(th.ID)); len(docs) != 0 {
		t.Fatalf("failed upload still produced %d remote docs", len(docs))
	}
}

// slowBlob delays each upload so a later plain-text send can overtake the
// transfer in wall-clock time.
type slowBlob struct {
	*memremote.Blob
	delay time.Duration
}

func (b *slowBlob) Upload(ctx context.Context, path string, r io.Reader) (string, error) {
	select {
	case <-time.After(b.delay):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return b.Blob.Upload(ctx, path, r)
}

func TestSubmissionOrderSurvivesSlowUpload(t *testing.T) {
	f := newFixture(t, &slowBlob{Blob: memremote.NewBlob(), delay: 50 * time.Millisecond})
	th := testThread()

	video, err := f.pipe.Send(context.Background(), th, "", &Attachment{Kind: model.AttachmentVideo, Payload: []byte("frames")})
	if err != nil {
		t.Fatal(err)
	}
	text, err := f.pipe.Send(context.Background(), th, "caption", nil)
	if err != nil {
		t.Fatal(err)
	}

	// The text completes first; the video is still uploading.
	waitOutboxStatus(t, f.queue, text.ClientID, "sent")
	waitOutboxStatus(t, f.queue, video.ClientID, "sent")

	msgs := f.store.Messages(th.ID)
	if len(msgs) != 2 || msgs[0].ClientID != video.ClientID || msgs[1].ClientID != text.ClientID {
		t.Fatalf("display order broken: got %v then %v, want video first",
			msgs[0].ClientID, msgs[1].ClientID)
	}
	if msgs[0].Attachment == nil || msgs[0].Attachment.URL == "" {
		t.Fatal("video message lost its attachment")
	}
}

func TestCancelUpload(t *testing.T) {
	f := newFixture(t, &slowBlob{Blob: memremote.NewBlob(), delay: 5 * time.Second})
	th := testThread()

	h, err := f.pipe.Send(context.Background(), th, "", &Attachment{Kind: model.AttachmentImage, Payload: []byte("img")})
	if err != nil {
		t.Fatal(err)
	}
	waitStatus(t, f.store, th.ID, h.ClientID, model.StatusUploading)

	f.pipe.CancelUpload(h.ClientID)
	m := waitStatus(t, f.store, th.ID, h.ClientID, model.StatusFailed)
	if m.FailReason == "" {
		t.Fatal("cancelled upload carries no reason")
	}
	if _, err := f.queue.Get(h.ClientID); err == nil {
		t.Fatal("cancelled upload still produced an outbox entry")
	}
}

package memremote

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"coachchat/internal/remote"
)

func TestCreateIsWriteOnce(t *testing.T) {
	s := New()
	ctx := context.Background()

	created, err := s.Create(ctx, "threads/t1/messages", "m1", map[string]any{"body": "hi"}, "sent_at")
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}
	created, err = s.Create(ctx, "threads/t1/messages", "m1", map[string]any{"body": "other"}, "sent_at")
	if err != nil {
		t.Fatalf("replay create: %v", err)
	}
	if created {
		t.Error("replaying an existing id reported created=true")
	}

	docs := s.snapshot("threads/t1/messages", "sent_at")
	if len(docs) != 1 {
		t.Fatalf("got %d docs, want 1", len(docs))
	}
	if remote.AsString(docs[0].Data["body"]) != "hi" {
		t.Errorf("replay overwrote document: %v", docs[0].Data["body"])
	}
	if remote.AsInt64(docs[0].Data["sent_at"]) == 0 {
		t.Error("server timestamp not assigned")
	}
}

func TestUpdateIncrement(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.Update(ctx, "threads/t1", map[string]any{"unread_b": remote.Increment(1)}); err != nil {
		t.Fatal(err)
	}
	if err := s.Update(ctx, "threads/t1", map[string]any{"unread_b": remote.Increment(2)}); err != nil {
		t.Fatal(err)
	}

	docs := s.snapshot("threads", "last_message_at")
	if len(docs) != 1 {
		t.Fatalf("got %d docs, want 1", len(docs))
	}
	if n := remote.AsInt64(docs[0].Data["unread_b"]); n != 3 {
		t.Errorf("unread_b = %d, want 3", n)
	}
}

func TestListenDeliversOrderedSnapshots(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := s.Listen(ctx, "threads/t1/messages", "sent_at")
	if err != nil {
		t.Fatal(err)
	}

	// Initial snapshot is empty.
	snap := waitSnap(t, ch)
	if len(snap.Docs) != 0 {
		t.Fatalf("initial snapshot has %d docs, want 0", len(snap.Docs))
	}

	if _, err := s.Create(ctx, "threads/t1/messages", "m1", map[string]any{}, "sent_at"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Create(ctx, "threads/t1/messages", "m2", map[string]any{}, "sent_at"); err != nil {
		t.Fatal(err)
	}

	// Snapshots coalesce, so wait until both documents appear.
	deadline := time.After(2 * time.Second)
	for {
		snap = waitSnap(t, ch)
		if len(snap.Docs) == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("never saw both docs, last snapshot had %d", len(snap.Docs))
		default:
		}
	}
	if snap.Docs[0].ID != "m1" || snap.Docs[1].ID != "m2" {
		t.Errorf("snapshot order = %s, %s; want m1, m2", snap.Docs[0].ID, snap.Docs[1].ID)
	}
}

func TestFailListeners(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := s.Listen(ctx, "threads/t1/messages", "sent_at")
	if err != nil {
		t.Fatal(err)
	}
	waitSnap(t, ch) // drain initial

	streamErr := errors.New("stream dropped")
	s.FailListeners("threads/t1/messages", streamErr)

	snap := waitSnap(t, ch)
	if !errors.Is(snap.Err, streamErr) {
		t.Errorf("snapshot err = %v, want %v", snap.Err, streamErr)
	}
	if _, open := <-ch; open {
		t.Error("stream still open after terminal error")
	}
}

func TestBlobRoundTrip(t *testing.T) {
	b := NewBlob()
	ctx := context.Background()

	url, err := b.Upload(ctx, "attachments/t1/a.jpg", bytes.NewReader([]byte("pixels")))
	if err != nil {
		t.Fatal(err)
	}
	if url != "mem://attachments/t1/a.jpg" {
		t.Errorf("url = %q", url)
	}

	data, err := b.Get(ctx, "attachments/t1/a.jpg")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "pixels" {
		t.Errorf("data = %q", data)
	}

	if err := b.Delete(ctx, "attachments/t1/a.jpg"); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Get(ctx, "attachments/t1/a.jpg"); err == nil {
		t.Error("expected error reading deleted blob")
	}
}

func waitSnap(t *testing.T, ch <-chan remote.Snapshot) remote.Snapshot {
	t.Helper()
	select {
	case snap := <-ch:
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for snapshot")
		return remote.Snapshot{}
	}
}

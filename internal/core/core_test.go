package core

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"coachchat/internal/bus"
	"coachchat/internal/live"
	"coachchat/internal/model"
	"coachchat/internal/outbox"
	"coachchat/internal/pipeline"
	"coachchat/internal/presence"
	"coachchat/internal/receipt"
	"coachchat/internal/remote"
	"coachchat/internal/remote/memremote"
	"coachchat/internal/store"
	"coachchat/internal/upload"
)

// newClient builds one participant's full stack against a shared in-memory
// remote, the way the daemon wires it in production.
func newClient(t *testing.T, docs *memremote.Store, blobs *memremote.Blob, pid, name string) *Client {
	t.Helper()
	logger := zap.NewNop()
	b := bus.New()
	s := store.New(b, logger)
	id := remote.StaticIdentity{ID: pid, Name: name}

	db, err := outbox.Open(filepath.Join(t.TempDir(), "outbox.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	uploads := upload.NewManager(blobs, nil, 1<<20, logger)
	pipe := pipeline.New(s, docs, uploads, db, id, &model.Clock{}, b, logger)
	pr := presence.NewTracker(docs, id, b, 50*time.Millisecond, 250*time.Millisecond, logger)

	cfg := live.DefaultConfig()
	cfg.BaseBackoff = 5 * time.Millisecond
	lv := live.NewManager(docs, s, pr, b, cfg, logger)

	rc := receipt.New(s, docs, id, logger)
	c := NewClient(s, pipe, lv, pr, rc, b, id, logger)
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Stop)
	return c
}

func pairThread() *model.Thread {
	return &model.Thread{
		ID: model.ThreadID("alice", "bob"),
		Participants: [2]model.Participant{
			{ID: "alice", Name: "Alice"},
			{ID: "bob", Name: "Bob"},
		},
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestMessageReachesPeerAsSent(t *testing.T) {
	docs := memremote.New()
	blobs := memremote.NewBlob()
	alice := newClient(t, docs, blobs, "alice", "Alice")
	bob := newClient(t, docs, blobs, "bob", "Bob")

	ca := alice.Open(pairThread())
	defer ca.Close()
	cb := bob.Open(pairThread())
	defer cb.Close()

	h, err := ca.Send(context.Background(), "Hello", nil)
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, "bob to see the message", func() bool {
		msgs := cb.Messages()
		return len(msgs) == 1 && msgs[0].ClientID == h.ClientID && msgs[0].Status == model.StatusSent
	})
	waitFor(t, "alice's copy to flip to Sent", func() bool {
		m, ok := alice.Store.Get(h.ThreadID, h.ClientID)
		return ok && m.Status == model.StatusSent && m.ServerTS != 0
	})
}

func TestOfflineSendRetrySameDocument(t *testing.T) {
	docs := memremote.New()
	alice := newClient(t, docs, memremote.NewBlob(), "alice", "Alice")

	ca := alice.Open(pairThread())
	defer ca.Close()

	docs.SetCreateErr(errors.New("network down"))
	h, err := ca.Send(context.Background(), "while offline", nil)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "send to fail", func() bool {
		m, ok := alice.Store.Get(h.ThreadID, h.ClientID)
		return ok && m.Status == model.StatusFailed
	})

	docs.SetCreateErr(nil)
	if err := ca.Retry(h.ClientID); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "retried message to confirm", func() bool {
		m, ok := alice.Store.Get(h.ThreadID, h.ClientID)
		return ok && m.Status == model.StatusSent
	})
	if msgs := ca.Messages(); len(msgs) != 1 {
		t.Fatalf("retry duplicated the message: %d entries", len(msgs))
	}
}

func TestUnreadCountAndMarkRead(t *testing.T) {
	docs := memremote.New()
	blobs := memremote.NewBlob()
	alice := newClient(t, docs, blobs, "alice", "Alice")
	bob := newClient(t, docs, blobs, "bob", "Bob")

	ca := alice.Open(pairThread())
	defer ca.Close()

	for _, text := range []string{"one", "two", "three"} {
		if _, err := ca.Send(context.Background(), text, nil); err != nil {
			t.Fatal(err)
		}
	}

	threadID := pairThread().ID
	waitFor(t, "bob's unread to reach 3", func() bool {
		return bob.Receipts.Unread(threadID) == 3
	})

	cb := bob.Open(pairThread())
	defer cb.Close()
	waitFor(t, "bob to have all messages", func() bool {
		return len(cb.Messages()) == 3
	})

	if err := cb.MarkRead(context.Background(), ""); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "bob's unread to reset", func() bool {
		return bob.Receipts.Unread(threadID) == 0
	})
	waitFor(t, "alice to see read receipts", func() bool {
		for _, m := range ca.Messages() {
			if m.Status != model.StatusRead {
				return false
			}
		}
		return len(ca.Messages()) == 3
	})
}

func TestTypingPropagates(t *testing.T) {
	docs := memremote.New()
	blobs := memremote.NewBlob()
	alice := newClient(t, docs, blobs, "alice", "Alice")
	bob := newClient(t, docs, blobs, "bob", "Bob")

	ca := alice.Open(pairThread())
	defer ca.Close()
	cb := bob.Open(pairThread())
	defer cb.Close()

	ca.SetTyping(context.Background(), true)
	waitFor(t, "bob to see alice typing", func() bool {
		peers := cb.TypingPeers()
		return len(peers) == 1 && peers[0].ParticipantID == "alice"
	})

	// Alice stops; the indicator clears on its own after the quiet window.
	waitFor(t, "indicator to clear", func() bool {
		return len(cb.TypingPeers()) == 0
	})
}

func TestOpenIsSharedAndRefCounted(t *testing.T) {
	docs := memremote.New()
	alice := newClient(t, docs, memremote.NewBlob(), "alice", "Alice")

	c1 := alice.Open(pairThread())
	c2 := alice.Open(pairThread())
	if c1 != c2 {
		t.Fatal("opening the same thread twice created two conversations")
	}
	c1.Close()
	alice.mu.Lock()
	_, stillOpen := alice.open[pairThread().ID]
	alice.mu.Unlock()
	if !stillOpen {
		t.Fatal("conversation dropped while a reference remains")
	}
	c2.Close()
	alice.mu.Lock()
	_, stillOpen = alice.open[pairThread().ID]
	alice.mu.Unlock()
	if stillOpen {
		t.Fatal("conversation not released after last Close")
	}
}

package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"coachchat/internal/bus"
	"coachchat/internal/core"
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

func testServer(t *testing.T) (*httptest.Server, *memremote.Blob) {
	t.Helper()
	logger := zap.NewNop()
	docs := memremote.New()
	blobs := memremote.NewBlob()
	b := bus.New()
	s := store.New(b, logger)
	id := remote.StaticIdentity{ID: "coach", Name: "Coach"}

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
	lv := live.NewManager(docs, s, pr, b, live.DefaultConfig(), logger)
	rc := receipt.New(s, docs, id, logger)

	client := core.NewClient(s, pipe, lv, pr, rc, b, id, logger)
	if err := client.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(client.Stop)

	srv := NewServer(client, blobs, logger)
	ts := httptest.NewServer(srv.httpSrv.Handler)
	t.Cleanup(ts.Close)
	return ts, blobs
}

func dial(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) (string, json.RawMessage) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var evt struct {
		Kind    string          `json:"kind"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := conn.ReadJSON(&evt); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return evt.Kind, evt.Payload
}

func TestSessionLifecycle(t *testing.T) {
	ts, _ := testServer(t)
	conn := dial(t, ts, "peer=client-7&peer_name=Dana")

	kind, _ := readEvent(t, conn)
	if kind != "snapshot" {
		t.Fatalf("first frame = %q, want snapshot", kind)
	}

	if err := conn.WriteJSON(map[string]any{"op": "send", "text": "how was the workout?"}); err != nil {
		t.Fatal(err)
	}

	// The message surfaces at least twice as it moves through statuses;
	// wait until the confirmed upsert arrives.
	deadline := time.Now().Add(3 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatal("message never confirmed")
		}
		kind, payload := readEvent(t, conn)
		if kind != "message.upserted" {
			continue
		}
		var m wireMessage
		if err := json.Unmarshal(payload, &m); err != nil {
			t.Fatal(err)
		}
		if m.Body != "how was the workout?" {
			t.Fatalf("body = %q", m.Body)
		}
		if m.Status == string(model.StatusSent) {
			if m.ServerTS == 0 {
				t.Fatal("confirmed message has no server timestamp")
			}
			return
		}
	}
}

func TestRejectedCommand(t *testing.T) {
	ts, _ := testServer(t)
	conn := dial(t, ts, "peer=client-7")

	if kind, _ := readEvent(t, conn); kind != "snapshot" {
		t.Fatal("expected snapshot first")
	}
	if err := conn.WriteJSON(map[string]any{"op": "send", "text": "   "}); err != nil {
		t.Fatal(err)
	}
	kind, payload := readEvent(t, conn)
	if kind != "rejected" {
		t.Fatalf("kind = %q, want rejected", kind)
	}
	var rej rejection
	if err := json.Unmarshal(payload, &rej); err != nil {
		t.Fatal(err)
	}
	if rej.Op != "send" || rej.Error == "" {
		t.Fatalf("rejection = %+v", rej)
	}
}

func TestMissingPeerRefused(t *testing.T) {
	ts, _ := testServer(t)
	resp, err := http.Get(ts.URL + "/ws")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestBlobDownload(t *testing.T) {
	ts, blobs := testServer(t)
	if _, err := blobs.Upload(context.Background(), "attachments/t1/img", strings.NewReader("jpeg bytes")); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(ts.URL + "/blobs/attachments/t1/img")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "jpeg bytes" {
		t.Fatalf("body = %q", body)
	}

	if resp, err := http.Get(ts.URL + "/blobs/missing"); err == nil {
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("missing blob status = %d, want 404", resp.StatusCode)
		}
	}
}

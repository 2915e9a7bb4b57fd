// Package gateway exposes the messaging client to local UI processes over
// a websocket: commands in, domain events out, plus plain HTTP download of
// attachment blobs.
package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"coachchat/internal/core"
	"coachchat/internal/model"
	"coachchat/internal/remote"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The gateway binds to loopback; the UI shell is the only caller.
		return true
	},
}

// Server serves the websocket endpoint and blob downloads.
type Server struct {
	client *core.Client
	blobs  remote.BlobReader
	logger *zap.Logger

	httpSrv *http.Server
}

func NewServer(client *core.Client, blobs remote.BlobReader, logger *zap.Logger) *Server {
	s := &Server{client: client, blobs: blobs, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.HandleFunc("/blobs/", s.serveBlob)
	s.httpSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return s
}

// Serve accepts connections on the listener until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	err := s.httpSrv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains the HTTP server. Open websockets are closed by their
// sessions when the read side fails.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// serveWS upgrades the connection and binds it to one thread. The peer is
// named by the "peer" query parameter; the thread id is derived from it and
// the daemon's own identity, so a client cannot attach to a conversation it
// is not part of.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	peerID := r.URL.Query().Get("peer")
	if peerID == "" || peerID == s.client.ID.ParticipantID() {
		http.Error(w, "missing or invalid peer", http.StatusBadRequest)
		return
	}
	peerName := r.URL.Query().Get("peer_name")

	self := model.Participant{ID: s.client.ID.ParticipantID(), Name: s.client.ID.DisplayName()}
	peer := model.Participant{ID: peerID, Name: peerName}
	thread := &model.Thread{
		ID:           model.ThreadID(self.ID, peerID),
		Participants: [2]model.Participant{self, peer},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	sess := newSession(s.client, thread, conn, s.logger.With(zap.String("thread", thread.ID)))
	go sess.writePump()
	go sess.readPump()
}

// serveBlob streams one stored attachment. The path under /blobs/ is the
// blob path the upload produced.
func (s *Server) serveBlob(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/blobs/")
	if path == "" {
		http.Error(w, "missing blob path", http.StatusBadRequest)
		return
	}
	data, err := s.blobs.Get(r.Context(), path)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := w.Write(data); err != nil {
		s.logger.Debug("blob write aborted", zap.String("path", path), zap.Error(err))
	}
}

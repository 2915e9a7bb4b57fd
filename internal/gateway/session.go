package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"coachchat/internal/core"
	"coachchat/internal/model"
	"coachchat/internal/pipeline"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum command size allowed from peer. Attachments ride inline as
	// base64, so this bounds attachment size too at the transport level.
	maxCommandSize = 96 << 20
)

// session is one websocket bound to one open conversation.
type session struct {
	conv   *core.Conversation
	conn   *websocket.Conn
	send   chan event
	done   chan struct{}
	cancel func()
	logger *zap.Logger
}

func newSession(client *core.Client, thread *model.Thread, conn *websocket.Conn, logger *zap.Logger) *session {
	conv := client.Open(thread)
	events, cancel := conv.Observe("")

	s := &session{
		conv:   conv,
		conn:   conn,
		send:   make(chan event, 64),
		done:   make(chan struct{}),
		cancel: cancel,
		logger: logger,
	}

	// Replay current state so the view renders before the first live event.
	s.send <- event{Kind: "snapshot", Payload: snapshot(conv)}

	go func() {
		for {
			select {
			case <-s.done:
				return
			case evt := <-events:
				select {
				case s.send <- encodeEvent(evt):
				case <-s.done:
					return
				default:
					s.logger.Warn("event dropped, slow consumer", zap.String("kind", evt.Kind))
				}
			}
		}
	}()
	return s
}

type snapshotPayload struct {
	Thread   *wireThread    `json:"thread"`
	Messages []*wireMessage `json:"messages"`
}

func snapshot(conv *core.Conversation) snapshotPayload {
	msgs := conv.Messages()
	out := snapshotPayload{Thread: encodeThread(conv.Thread())}
	out.Messages = make([]*wireMessage, 0, len(msgs))
	for _, m := range msgs {
		out.Messages = append(out.Messages, encodeMessage(m))
	}
	return out
}

// readPump applies client commands until the connection drops, then
// releases the conversation.
func (s *session) readPump() {
	defer func() {
		s.cancel()
		s.conv.Close()
		_ = s.conn.Close()
		close(s.done)
	}()
	s.conn.SetReadLimit(maxCommandSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("websocket read failed", zap.Error(err))
			}
			return
		}
		var cmd command
		if err := json.Unmarshal(raw, &cmd); err != nil {
			s.reject("bad command", err)
			continue
		}
		s.apply(&cmd)
	}
}

func (s *session) apply(cmd *command) {
	ctx := context.Background()
	switch cmd.Op {
	case "send":
		var att *pipeline.Attachment
		if cmd.Attachment != nil {
			att = &pipeline.Attachment{
				Kind:    model.AttachmentKind(cmd.Attachment.Kind),
				Payload: cmd.Attachment.Data,
			}
		}
		if _, err := s.conv.Send(ctx, cmd.Text, att); err != nil {
			s.reject("send", err)
		}
	case "typing":
		s.conv.SetTyping(ctx, cmd.Typing)
	case "read":
		// ClientID bounds the acknowledgement; empty means the whole thread.
		if err := s.conv.MarkRead(ctx, cmd.ClientID); err != nil {
			s.reject("read", err)
		}
	case "retry":
		if err := s.conv.Retry(cmd.ClientID); err != nil {
			s.reject("retry", err)
		}
	case "cancel_upload":
		s.conv.CancelUpload(cmd.ClientID)
	default:
		s.reject("unknown op "+cmd.Op, nil)
	}
}

type rejection struct {
	Op    string `json:"op"`
	Error string `json:"error"`
}

func (s *session) reject(op string, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	select {
	case s.send <- event{Kind: "rejected", Payload: rejection{Op: op, Error: msg}}:
	default:
	}
}

// writePump serializes events to the socket and keeps the connection alive
// with pings.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()
	for {
		select {
		case <-s.done:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case evt := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(evt); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

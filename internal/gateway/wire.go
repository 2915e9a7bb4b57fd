package gateway

import (
	"coachchat/internal/bus"
	"coachchat/internal/live"
	"coachchat/internal/model"
	"coachchat/internal/pipeline"
	"coachchat/internal/presence"
	"coachchat/internal/store"
)

// command is one client-to-server frame.
type command struct {
	Op       string `json:"op"` // send, typing, read, retry, cancel_upload
	Text     string `json:"text,omitempty"`
	ClientID string `json:"client_id,omitempty"`
	Typing   bool   `json:"typing,omitempty"`

	Attachment *wireOutgoingAttachment `json:"attachment,omitempty"`
}

type wireOutgoingAttachment struct {
	Kind string `json:"kind"`
	Data []byte `json:"data"` // base64 on the wire, decoded by encoding/json
}

// event is one server-to-client frame.
type event struct {
	Kind    string `json:"kind"`
	Payload any    `json:"payload"`
}

type wireMessage struct {
	ClientID   string          `json:"client_id"`
	ThreadID   string          `json:"thread_id"`
	SenderID   string          `json:"sender_id"`
	SenderName string          `json:"sender_name,omitempty"`
	Body       string          `json:"body,omitempty"`
	Attachment *wireAttachment `json:"attachment,omitempty"`
	ClientTS   int64           `json:"client_ts"`
	ServerTS   int64           `json:"server_ts,omitempty"`
	Status     string          `json:"status"`
	FailReason string          `json:"fail_reason,omitempty"`
	ReadBy     []string        `json:"read_by,omitempty"`
}

type wireAttachment struct {
	Kind         string `json:"kind"`
	URL          string `json:"url"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
	SizeBytes    int64  `json:"size_bytes"`
}

type wireThread struct {
	ID            string         `json:"id"`
	LastPreview   string         `json:"last_preview,omitempty"`
	LastMessageAt int64          `json:"last_message_at,omitempty"`
	Unread        map[string]int `json:"unread,omitempty"`
}

type wireTyping struct {
	ThreadID string   `json:"thread_id"`
	Typing   []string `json:"typing"`
}

type wireReadCursor struct {
	ThreadID      string `json:"thread_id"`
	ParticipantID string `json:"participant_id"`
	UpToKey       int64  `json:"up_to_key"`
}

type wireUploadProgress struct {
	ThreadID string  `json:"thread_id"`
	ClientID string  `json:"client_id"`
	Fraction float64 `json:"fraction"`
}

type wireLiveState struct {
	Topic   string `json:"topic"`
	Key     string `json:"key"`
	Attempt int    `json:"attempt,omitempty"`
	Error   string `json:"error,omitempty"`
}

func encodeMessage(m *model.Message) *wireMessage {
	w := &wireMessage{
		ClientID:   m.ClientID,
		ThreadID:   m.ThreadID,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		Body:       m.Body,
		ClientTS:   m.ClientTS,
		ServerTS:   m.ServerTS,
		Status:     string(m.Status),
		FailReason: m.FailReason,
	}
	if m.Attachment != nil {
		w.Attachment = &wireAttachment{
			Kind:         string(m.Attachment.Kind),
			URL:          m.Attachment.URL,
			ThumbnailURL: m.Attachment.ThumbnailURL,
			SizeBytes:    m.Attachment.SizeBytes,
		}
	}
	for pid, read := range m.ReadBy {
		if read {
			w.ReadBy = append(w.ReadBy, pid)
		}
	}
	return w
}

func encodeThread(t *model.Thread) *wireThread {
	return &wireThread{
		ID:            t.ID,
		LastPreview:   t.LastPreview,
		LastMessageAt: t.LastMessageAt,
		Unread:        t.Unread,
	}
}

// encodeEvent converts a bus event payload to its wire shape. Unknown
// payloads pass through as-is.
func encodeEvent(evt bus.Event) event {
	out := event{Kind: evt.Kind}
	switch p := evt.Payload.(type) {
	case *model.Message:
		out.Payload = encodeMessage(p)
	case *model.Thread:
		out.Payload = encodeThread(p)
	case store.ReadCursor:
		out.Payload = wireReadCursor{ThreadID: p.ThreadID, ParticipantID: p.ParticipantID, UpToKey: p.UpToKey}
	case presence.Update:
		names := make([]string, 0, len(p.Active))
		for _, ts := range p.Active {
			names = append(names, ts.ParticipantID)
		}
		out.Payload = wireTyping{ThreadID: p.ThreadID, Typing: names}
	case pipeline.UploadProgress:
		out.Payload = wireUploadProgress{ThreadID: p.ThreadID, ClientID: p.ClientID, Fraction: p.Fraction}
	case live.StateChange:
		w := wireLiveState{Topic: string(p.Topic), Key: p.Key, Attempt: p.Attempt}
		if p.Err != nil {
			w.Error = p.Err.Error()
		}
		out.Payload = w
	default:
		out.Payload = evt.Payload
	}
	return out
}

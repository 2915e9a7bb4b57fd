package remote

import (
	"strings"

	"coachchat/internal/model"
)

// Document field names shared by all backends. Thread documents keep
// per-participant values in flat fields ("unread_<pid>") so partial updates
// and atomic increments stay single-field operations.
const (
	FieldThreadID        = "thread_id"
	FieldSenderID        = "sender_id"
	FieldSenderName      = "sender_name"
	FieldBody            = "body"
	FieldClientTS        = "client_ts"
	FieldSentAt          = "sent_at" // server-assigned
	FieldAttachmentKind  = "att_kind"
	FieldAttachmentURL   = "att_url"
	FieldAttachmentThumb = "att_thumb"
	FieldAttachmentSize  = "att_size"

	FieldLastPreview    = "last_preview"
	FieldLastMessageAt  = "last_message_at"
	FieldUnreadPrefix   = "unread_"
	FieldCursorPrefix   = "read_cursor_"    // message client id
	FieldCursorTSPrefix = "read_cursor_ts_" // order key of that message

	FieldTyping    = "typing"
	FieldUpdatedAt = "updated_at"
)

// ThreadsCollection holds one summary document per thread.
const ThreadsCollection = "threads"

// MessagesCollection returns the message collection for a thread.
func MessagesCollection(threadID string) string {
	return "threads/" + threadID + "/messages"
}

// TypingCollection returns the ephemeral typing collection for a thread.
// Backends may attach a TTL to documents under it.
func TypingCollection(threadID string) string {
	return "typing/" + threadID
}

// IsTypingCollection reports whether a collection holds ephemeral typing docs.
func IsTypingCollection(collection string) bool {
	return strings.HasPrefix(collection, "typing/")
}

// ThreadPath returns the document path of a thread summary.
func ThreadPath(threadID string) string {
	return ThreadsCollection + "/" + threadID
}

// EncodeMessage flattens a message into document fields. The server
// timestamp field is not included; the store assigns it on create.
func EncodeMessage(m *model.Message) map[string]any {
	data := map[string]any{
		FieldThreadID:   m.ThreadID,
		FieldSenderID:   m.SenderID,
		FieldSenderName: m.SenderName,
		FieldBody:       m.Body,
		FieldClientTS:   m.ClientTS,
	}
	if m.Attachment != nil {
		data[FieldAttachmentKind] = string(m.Attachment.Kind)
		data[FieldAttachmentURL] = m.Attachment.URL
		data[FieldAttachmentThumb] = m.Attachment.ThumbnailURL
		data[FieldAttachmentSize] = m.Attachment.SizeBytes
	}
	return data
}

// DecodeMessage rebuilds a message from a document. The document id is the
// message's client-generated idempotency id. Status is Sent: only confirmed
// documents exist remotely; Read is derived from the thread's read cursors.
func DecodeMessage(d Doc) *model.Message {
	m := &model.Message{
		ClientID:   d.ID,
		ThreadID:   AsString(d.Data[FieldThreadID]),
		SenderID:   AsString(d.Data[FieldSenderID]),
		SenderName: AsString(d.Data[FieldSenderName]),
		Body:       AsString(d.Data[FieldBody]),
		ClientTS:   AsInt64(d.Data[FieldClientTS]),
		ServerTS:   AsInt64(d.Data[FieldSentAt]),
		Status:     model.StatusSent,
		ReadBy:     map[string]bool{},
	}
	if kind := AsString(d.Data[FieldAttachmentKind]); kind != "" {
		m.Attachment = &model.Attachment{
			Kind:         model.AttachmentKind(kind),
			URL:          AsString(d.Data[FieldAttachmentURL]),
			ThumbnailURL: AsString(d.Data[FieldAttachmentThumb]),
			SizeBytes:    AsInt64(d.Data[FieldAttachmentSize]),
		}
	}
	return m
}

// EncodeTyping flattens a typing signal into document fields.
func EncodeTyping(ts *model.TypingState) map[string]any {
	return map[string]any{
		FieldThreadID:   ts.ThreadID,
		FieldSenderID:   ts.ParticipantID,
		FieldSenderName: ts.DisplayName,
		FieldTyping:     ts.Typing,
		FieldUpdatedAt:  ts.UpdatedAt,
	}
}

// DecodeTyping rebuilds a typing signal from a document.
func DecodeTyping(d Doc) *model.TypingState {
	return &model.TypingState{
		ThreadID:      AsString(d.Data[FieldThreadID]),
		ParticipantID: AsString(d.Data[FieldSenderID]),
		DisplayName:   AsString(d.Data[FieldSenderName]),
		Typing:        AsBool(d.Data[FieldTyping]),
		UpdatedAt:     AsInt64(d.Data[FieldUpdatedAt]),
	}
}

// EncodeThread flattens a thread summary into document fields.
func EncodeThread(t *model.Thread) map[string]any {
	data := ParticipantFields(t)
	data[FieldLastPreview] = t.LastPreview
	data[FieldLastMessageAt] = t.LastMessageAt
	for pid, n := range t.Unread {
		data[FieldUnreadPrefix+pid] = n
	}
	return data
}

// ParticipantFields returns only the participant display fields of a
// thread, for partial updates that must not clobber counters.
func ParticipantFields(t *model.Thread) map[string]any {
	data := make(map[string]any, 6)
	for i, p := range t.Participants {
		prefix := participantPrefix(i)
		data[prefix+"id"] = p.ID
		data[prefix+"name"] = p.Name
		data[prefix+"avatar"] = p.AvatarURL
	}
	return data
}

// DecodeThread rebuilds a thread summary from a document. Read cursors stay
// in the raw document; the receipt reader consumes them via CursorOf.
func DecodeThread(d Doc) *model.Thread {
	t := &model.Thread{
		ID:            d.ID,
		LastPreview:   AsString(d.Data[FieldLastPreview]),
		LastMessageAt: AsInt64(d.Data[FieldLastMessageAt]),
		Unread:        map[string]int{},
	}
	for i := range t.Participants {
		prefix := participantPrefix(i)
		t.Participants[i] = model.Participant{
			ID:        AsString(d.Data[prefix+"id"]),
			Name:      AsString(d.Data[prefix+"name"]),
			AvatarURL: AsString(d.Data[prefix+"avatar"]),
		}
	}
	for _, p := range t.Participants {
		if p.ID != "" {
			t.Unread[p.ID] = int(AsInt64(d.Data[FieldUnreadPrefix+p.ID]))
		}
	}
	return t
}

// CursorOf extracts a participant's read cursor from a thread document:
// the client id of the newest message they have read and its order key.
func CursorOf(d Doc, participantID string) (msgID string, orderKey int64) {
	return AsString(d.Data[FieldCursorPrefix+participantID]),
		AsInt64(d.Data[FieldCursorTSPrefix+participantID])
}

func participantPrefix(i int) string {
	if i == 0 {
		return "p0_"
	}
	return "p1_"
}

// AsString coerces a decoded document value to string.
func AsString(v any) string {
	s, _ := v.(string)
	return s
}

// AsInt64 coerces a decoded document value to int64. Backends that round-trip
// through JSON deliver numbers as float64.
func AsInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case Increment:
		return int64(n)
	}
	return 0
}

// AsBool coerces a decoded document value to bool.
func AsBool(v any) bool {
	b, _ := v.(bool)
	return b
}

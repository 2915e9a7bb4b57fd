package model

// AttachmentKind is the closed set of attachment payload kinds.
type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentVideo AttachmentKind = "video"
	AttachmentFile  AttachmentKind = "file"
)

// Attachment describes a stored attachment on a message. ThumbnailURL is
// set for videos only.
type Attachment struct {
	Kind         AttachmentKind
	URL          string
	ThumbnailURL string
	SizeBytes    int64
}

// Message is one chat message. ClientID is the client-generated idempotency
// id and doubles as the remote document id. ServerTS is zero until the
// server echo confirms the write; it must never regress once set.
type Message struct {
	ClientID   string
	ThreadID   string
	SenderID   string
	SenderName string
	Body       string
	Attachment *Attachment
	Seq        uint64 // per-device submission order
	ClientTS   int64  // provisional, unix ms
	ServerTS   int64  // authoritative once assigned, unix ms
	Status     Status
	ReadBy     map[string]bool
	FailReason string
}

// OrderKey returns the timestamp the store sorts by: the server timestamp
// once assigned, the provisional client timestamp before that.
func (m *Message) OrderKey() int64 {
	if m.ServerTS != 0 {
		return m.ServerTS
	}
	return m.ClientTS
}

// Provisional reports whether the message is still awaiting its server echo.
func (m *Message) Provisional() bool {
	return m.ServerTS == 0
}

// Clone returns a deep copy safe to hand out across goroutines.
func (m *Message) Clone() *Message {
	cp := *m
	if m.Attachment != nil {
		att := *m.Attachment
		cp.Attachment = &att
	}
	if m.ReadBy != nil {
		cp.ReadBy = make(map[string]bool, len(m.ReadBy))
		for k, v := range m.ReadBy {
			cp.ReadBy[k] = v
		}
	}
	return &cp
}

// Preview returns the thread-summary preview text for the message.
func (m *Message) Preview() string {
	if m.Body != "" {
		return truncate(m.Body, 100)
	}
	if m.Attachment == nil {
		return ""
	}
	switch m.Attachment.Kind {
	case AttachmentImage:
		return "[image]"
	case AttachmentVideo:
		return "[video]"
	case AttachmentFile:
		return "[file]"
	}
	return ""
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

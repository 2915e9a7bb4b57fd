package model

// Participant identifies one side of a thread with display metadata.
type Participant struct {
	ID        string
	Name      string
	AvatarURL string
}

// Thread is a two-participant conversation summary. Unread maps participant
// id to the count of messages not yet marked read by that participant.
type Thread struct {
	ID            string
	Participants  [2]Participant
	LastPreview   string
	LastMessageAt int64
	Unread        map[string]int
}

// ThreadID returns the canonical thread id for a participant pair,
// independent of argument order.
func ThreadID(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

// HasParticipant reports whether the participant belongs to the thread.
func (t *Thread) HasParticipant(id string) bool {
	return t.Participants[0].ID == id || t.Participants[1].ID == id
}

// Peer returns the participant other than self.
func (t *Thread) Peer(selfID string) Participant {
	if t.Participants[0].ID == selfID {
		return t.Participants[1]
	}
	return t.Participants[0]
}

// Clone returns a deep copy safe to hand out across goroutines.
func (t *Thread) Clone() *Thread {
	cp := *t
	if t.Unread != nil {
		cp.Unread = make(map[string]int, len(t.Unread))
		for k, v := range t.Unread {
			cp.Unread[k] = v
		}
	}
	return &cp
}

// TypingState is an ephemeral typing-presence signal for one participant in
// one thread. It is never part of message history; newer writes supersede
// older ones by UpdatedAt.
type TypingState struct {
	ThreadID      string
	ParticipantID string
	DisplayName   string
	Typing        bool
	UpdatedAt     int64 // unix ms
}

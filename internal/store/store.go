// Package store holds the in-memory message and thread state an open
// conversation renders from. It is the single source of truth for the UI:
// the pipeline inserts provisional entries, the live subscription manager
// reconciles server echoes into them, and every mutation is serialized
// behind one mutex and announced on the bus.
package store

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"coachchat/internal/bus"
	"coachchat/internal/model"
)

// Store is the conversation-local message store.
type Store struct {
	mu      sync.Mutex
	threads map[string]*threadState
	summary map[string]*model.Thread
	bus     *bus.Bus
	logger  *zap.Logger
}

type threadState struct {
	msgs    []*model.Message // ordered, oldest first
	byID    map[string]*model.Message
	cursors map[string]int64 // participant id -> highest read order key
}

// New creates an empty store publishing change events on b.
func New(b *bus.Bus, logger *zap.Logger) *Store {
	return &Store{
		threads: make(map[string]*threadState),
		summary: make(map[string]*model.Thread),
		bus:     b,
		logger:  logger,
	}
}

// InsertLocal adds a provisional outgoing message at its submission
// position: after every existing message from the same sender, otherwise by
// order key. Completion order of uploads and writes never moves it.
func (s *Store) InsertLocal(m *model.Message) {
	s.mu.Lock()
	ts := s.thread(m.ThreadID)
	idx := ts.insertionIndex(m)
	for i := len(ts.msgs) - 1; i >= idx; i-- {
		if ts.msgs[i].SenderID == m.SenderID {
			idx = i + 1
			break
		}
	}
	ts.insertAt(idx, m)
	clone := m.Clone()
	s.mu.Unlock()

	s.publish(bus.KindMessageUpserted, clone)
}

// SetStatus transitions a message's delivery status, enforcing the
// transition table. reason is recorded on Failed transitions.
func (s *Store) SetStatus(threadID, clientID string, to model.Status, reason string) error {
	s.mu.Lock()
	m, ok := s.thread(threadID).byID[clientID]
	if !ok {
		s.mu.Unlock()
		return errUnknownMessage(threadID, clientID)
	}
	if err := m.Transition(to); err != nil {
		s.mu.Unlock()
		return err
	}
	if to == model.StatusFailed {
		m.FailReason = reason
	} else {
		m.FailReason = ""
	}
	clone := m.Clone()
	s.mu.Unlock()

	kind := bus.KindMessageUpserted
	if to == model.StatusFailed {
		kind = bus.KindMessageSendFailed
	}
	s.publish(kind, clone)
	return nil
}

// SetAttachment records upload results on a provisional message before the
// persistence write carries them remotely.
func (s *Store) SetAttachment(threadID, clientID string, att *model.Attachment) {
	s.mu.Lock()
	m, ok := s.thread(threadID).byID[clientID]
	if ok {
		cp := *att
		m.Attachment = &cp
	}
	s.mu.Unlock()
}

// ApplyRemote reconciles a remote snapshot of a thread's messages into the
// store. Known client ids are confirmed: the provisional entry adopts the
// server timestamp (never regressing one already set), moves to Sent, and is
// repositioned by the resolved key without crossing messages from its own
// sender. Unknown ids are inserted by order key.
func (s *Store) ApplyRemote(threadID string, msgs []*model.Message) {
	var changed []*model.Message
	var acked []*model.Message

	s.mu.Lock()
	ts := s.thread(threadID)
	for _, in := range msgs {
		cur, known := ts.byID[in.ClientID]
		if !known {
			m := in.Clone()
			ts.insertAt(ts.insertionIndex(m), m)
			// A read cursor may have arrived before the message it covers.
			ts.markReadLocked(m)
			changed = append(changed, m.Clone())
			continue
		}

		wasProvisional := cur.Provisional()
		if wasProvisional {
			cur.ServerTS = in.ServerTS
			ts.repositionLocked(cur)
		}
		if in.Attachment != nil {
			cur.Attachment = in.Attachment
		}
		// The echo is authoritative: the write landed, whatever the local
		// pipeline believed. Only Read outranks it.
		if cur.Status != model.StatusRead && cur.Status != model.StatusSent {
			if cur.Status == model.StatusFailed {
				s.logger.Debug("echo confirms a message marked failed",
					zap.String("client_id", cur.ClientID))
			}
			cur.Status = model.StatusSent
			cur.FailReason = ""
		}
		// A cursor that raced ahead of this echo still covers it.
		ts.markReadLocked(cur)
		if wasProvisional && !cur.Provisional() {
			acked = append(acked, cur.Clone())
		}
		changed = append(changed, cur.Clone())
	}
	s.mu.Unlock()

	for _, m := range acked {
		s.publish(bus.KindMessageSendAck, m)
	}
	for _, m := range changed {
		s.publish(bus.KindMessageUpserted, m)
	}
}

// ApplyReadCursor marks every message up to the given order key as read by
// the participant. The reader's peer sees their own Sent messages move to
// Read. Replaying an equal or earlier cursor changes nothing.
func (s *Store) ApplyReadCursor(threadID, participantID string, upToKey int64) {
	var changed bool

	s.mu.Lock()
	ts := s.thread(threadID)
	if upToKey > ts.cursors[participantID] {
		ts.cursors[participantID] = upToKey
	}
	for _, m := range ts.msgs {
		if m.OrderKey() > upToKey || m.SenderID == participantID {
			continue
		}
		if m.ReadBy == nil {
			m.ReadBy = map[string]bool{}
		}
		if !m.ReadBy[participantID] {
			m.ReadBy[participantID] = true
			changed = true
		}
		if m.Status == model.StatusSent {
			m.Status = model.StatusRead
		}
	}
	s.mu.Unlock()

	if changed {
		s.publish(bus.KindMessageRead, ReadCursor{
			ThreadID:      threadID,
			ParticipantID: participantID,
			UpToKey:       upToKey,
		})
	}
}

// ReadCursor is the payload of message.read events.
type ReadCursor struct {
	ThreadID      string
	ParticipantID string
	UpToKey       int64
}

// Messages returns an ordered snapshot of a thread's messages.
func (s *Store) Messages(threadID string) []*model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.thread(threadID)
	out := make([]*model.Message, len(ts.msgs))
	for i, m := range ts.msgs {
		out[i] = m.Clone()
	}
	return out
}

// Get returns a snapshot of one message by client id.
func (s *Store) Get(threadID, clientID string) (*model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.thread(threadID).byID[clientID]
	if !ok {
		return nil, false
	}
	return m.Clone(), true
}

// UpsertThread replaces a thread summary (from the threads-for-user topic).
func (s *Store) UpsertThread(t *model.Thread) {
	s.mu.Lock()
	s.summary[t.ID] = t.Clone()
	clone := t.Clone()
	s.mu.Unlock()

	s.publish(bus.KindThreadUpdated, clone)
}

// Thread returns a snapshot of one thread summary.
func (s *Store) Thread(threadID string) (*model.Thread, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.summary[threadID]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// Threads returns all thread summaries, newest activity first.
func (s *Store) Threads() []*model.Thread {
	s.mu.Lock()
	out := make([]*model.Thread, 0, len(s.summary))
	for _, t := range s.summary {
		out = append(out, t.Clone())
	}
	s.mu.Unlock()

	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].LastMessageAt > out[j-1].LastMessageAt; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func (s *Store) thread(id string) *threadState {
	ts, ok := s.threads[id]
	if !ok {
		ts = &threadState{
			byID:    make(map[string]*model.Message),
			cursors: make(map[string]int64),
		}
		s.threads[id] = ts
	}
	return ts
}

// markReadLocked applies already-known read cursors to a newly inserted
// message.
func (ts *threadState) markReadLocked(m *model.Message) {
	for pid, upTo := range ts.cursors {
		if pid == m.SenderID || m.OrderKey() > upTo {
			continue
		}
		if m.ReadBy == nil {
			m.ReadBy = map[string]bool{}
		}
		m.ReadBy[pid] = true
		if m.Status == model.StatusSent {
			m.Status = model.StatusRead
		}
	}
}

func (s *Store) publish(kind string, payload any) {
	s.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

func errUnknownMessage(threadID, clientID string) error {
	return fmt.Errorf("unknown message %s in thread %s", clientID, threadID)
}

// insertionIndex finds the ordered position for a new message: ascending by
// order key, provisional entries after confirmed ones at the same key.
func (ts *threadState) insertionIndex(m *model.Message) int {
	key := m.OrderKey()
	i := len(ts.msgs)
	for ; i > 0; i-- {
		prev := ts.msgs[i-1]
		if prev.OrderKey() < key {
			break
		}
		if prev.OrderKey() == key && (!prev.Provisional() || m.Provisional()) {
			break
		}
	}
	return i
}

// repositionLocked moves a message whose server timestamp just resolved to
// its order-key position. Submission order within a sender is preserved: the
// move is clamped so it never crosses another message from the same sender.
func (ts *threadState) repositionLocked(m *model.Message) {
	idx := -1
	for i, o := range ts.msgs {
		if o == m {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	ts.msgs = append(ts.msgs[:idx], ts.msgs[idx+1:]...)

	want := ts.insertionIndex(m)
	lo, hi := 0, len(ts.msgs)
	for i, o := range ts.msgs {
		if o.SenderID != m.SenderID {
			continue
		}
		if o.Seq < m.Seq {
			lo = i + 1
		} else if i < hi {
			hi = i
		}
	}
	if want < lo {
		want = lo
	}
	if want > hi {
		want = hi
	}
	ts.insertAt(want, m)
}

func (ts *threadState) insertAt(idx int, m *model.Message) {
	ts.msgs = append(ts.msgs, nil)
	copy(ts.msgs[idx+1:], ts.msgs[idx:])
	ts.msgs[idx] = m
	ts.byID[m.ClientID] = m
}

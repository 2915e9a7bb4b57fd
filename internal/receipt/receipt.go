// Package receipt owns read acknowledgement: advancing the caller's read
// cursor on the thread document and resetting their unread counter.
package receipt

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"coachchat/internal/model"
	"coachchat/internal/remote"
	"coachchat/internal/store"
)

// cursor is the most recently acknowledged message in one thread.
type cursor struct {
	msgID    string
	orderKey int64
}

// Marker records which messages the local participant has read. Cursors
// only move forward; marking an already-read thread again writes nothing.
type Marker struct {
	store  *store.Store
	docs   remote.DocumentStore
	id     remote.Identity
	logger *zap.Logger

	mu      sync.Mutex
	written map[string]cursor // threadID -> last cursor pushed remotely
}

func New(s *store.Store, docs remote.DocumentStore, id remote.Identity, logger *zap.Logger) *Marker {
	return &Marker{
		store:   s,
		docs:    docs,
		id:      id,
		logger:  logger,
		written: make(map[string]cursor),
	}
}

// MarkRead acknowledges the thread up to and including the message with
// client id upTo; an empty upTo acknowledges everything currently visible.
// The cursor is a message id and order key; peers derive read state for
// every older message from it, so one write covers the whole backlog.
func (r *Marker) MarkRead(ctx context.Context, threadID, upTo string) error {
	var next cursor
	if upTo == "" {
		msgs := r.store.Messages(threadID)
		if len(msgs) == 0 {
			return nil
		}
		last := msgs[len(msgs)-1]
		next = cursor{msgID: last.ClientID, orderKey: last.OrderKey()}
	} else {
		m, ok := r.store.Get(threadID, upTo)
		if !ok {
			return fmt.Errorf("unknown message %s in thread %s", upTo, threadID)
		}
		next = cursor{msgID: m.ClientID, orderKey: m.OrderKey()}
	}

	r.mu.Lock()
	prev := r.written[threadID]
	if next.orderKey <= prev.orderKey && prev.msgID != "" {
		r.mu.Unlock()
		return nil
	}
	r.written[threadID] = next
	r.mu.Unlock()

	self := r.id.ParticipantID()
	r.store.ApplyReadCursor(threadID, self, next.orderKey)

	fields := map[string]any{
		remote.FieldCursorPrefix + self:   next.msgID,
		remote.FieldCursorTSPrefix + self: next.orderKey,
		remote.FieldUnreadPrefix + self:   int64(0),
	}
	if err := r.docs.Update(ctx, remote.ThreadPath(threadID), fields); err != nil {
		// Roll the dedupe entry back so a later call retries the write.
		r.mu.Lock()
		if r.written[threadID] == next {
			r.written[threadID] = prev
		}
		r.mu.Unlock()
		return fmt.Errorf("%w: %v", model.ErrWriteFailed, err)
	}

	r.logger.Debug("read cursor advanced",
		zap.String("thread", threadID),
		zap.String("up_to", next.msgID))
	return nil
}

// Unread returns the local participant's unread count for a thread, zero
// when the thread is unknown.
func (r *Marker) Unread(threadID string) int {
	t, ok := r.store.Thread(threadID)
	if !ok {
		return 0
	}
	return t.Unread[r.id.ParticipantID()]
}

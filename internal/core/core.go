// Package core assembles the messaging components into the surface a view
// binds to: one Client per process, one Conversation per open thread.
package core

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"coachchat/internal/bus"
	"coachchat/internal/live"
	"coachchat/internal/model"
	"coachchat/internal/pipeline"
	"coachchat/internal/presence"
	"coachchat/internal/receipt"
	"coachchat/internal/remote"
	"coachchat/internal/store"
)

// Client is the top-level messaging facade. All components are injected so
// tests can run it against the in-memory remote.
type Client struct {
	Store    *store.Store
	Pipeline *pipeline.Pipeline
	Live     *live.Manager
	Presence *presence.Tracker
	Receipts *receipt.Marker
	Bus      *bus.Bus
	ID       remote.Identity
	Logger   *zap.Logger

	threads *live.Handle
	mu      sync.Mutex
	open    map[string]*Conversation
}

// NewClient wires a client. Call Start before opening conversations.
func NewClient(s *store.Store, p *pipeline.Pipeline, lv *live.Manager, pr *presence.Tracker, rc *receipt.Marker, b *bus.Bus, id remote.Identity, logger *zap.Logger) *Client {
	return &Client{
		Store:    s,
		Pipeline: p,
		Live:     lv,
		Presence: pr,
		Receipts: rc,
		Bus:      b,
		ID:       id,
		Logger:   logger,
		open:     make(map[string]*Conversation),
	}
}

// Start restores interrupted sends and begins the global thread-summary
// subscription that keeps previews, unread counters and read cursors fresh.
func (c *Client) Start(ctx context.Context) error {
	if err := c.Pipeline.RestoreFailed(); err != nil {
		return err
	}
	c.Presence.Start(ctx)
	c.threads = c.Live.Subscribe(live.TopicThreads, c.ID.ParticipantID())
	return nil
}

// Stop tears down subscriptions and presence. In-flight remote writes are
// not interrupted; they finish or fail on their own.
func (c *Client) Stop() {
	c.mu.Lock()
	convs := make([]*Conversation, 0, len(c.open))
	for _, cv := range c.open {
		convs = append(convs, cv)
	}
	c.mu.Unlock()
	for _, cv := range convs {
		cv.Close()
	}
	if c.threads != nil {
		c.threads.Cancel()
	}
	c.Presence.Stop()
	c.Live.Close()
}

// Threads lists known thread summaries, most recent first.
func (c *Client) Threads() []*model.Thread {
	return c.Store.Threads()
}

// Open binds a conversation view to a thread: live message and typing
// subscriptions start, and the returned Conversation carries every
// operation the view needs. Opening the same thread twice shares one
// Conversation.
func (c *Client) Open(thread *model.Thread) *Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cv, ok := c.open[thread.ID]; ok {
		cv.refs++
		return cv
	}
	if _, ok := c.Store.Thread(thread.ID); !ok {
		c.Store.UpsertThread(thread)
	}
	cv := &Conversation{
		client: c,
		thread: thread.Clone(),
		msgs:   c.Live.Subscribe(live.TopicMessages, thread.ID),
		typing: c.Live.Subscribe(live.TopicTyping, thread.ID),
		refs:   1,
	}
	c.open[thread.ID] = cv
	return cv
}

// Conversation is one open thread. Close it when the view goes away.
type Conversation struct {
	client *Client
	thread *model.Thread
	msgs   *live.Handle
	typing *live.Handle

	mu     sync.Mutex
	refs   int
	closed bool
	sent   []string // client ids submitted through this conversation
}

// Thread returns the conversation's thread summary as currently known.
func (cv *Conversation) Thread() *model.Thread {
	if t, ok := cv.client.Store.Thread(cv.thread.ID); ok {
		return t
	}
	return cv.thread.Clone()
}

// Messages returns the thread's messages in display order.
func (cv *Conversation) Messages() []*model.Message {
	return cv.client.Store.Messages(cv.thread.ID)
}

// Send submits a message. See pipeline.Pipeline.Send for validation rules.
func (cv *Conversation) Send(ctx context.Context, text string, att *pipeline.Attachment) (*pipeline.Handle, error) {
	h, err := cv.client.Pipeline.Send(ctx, cv.thread, text, att)
	if err != nil {
		return nil, err
	}
	cv.mu.Lock()
	cv.sent = append(cv.sent, h.ClientID)
	cv.mu.Unlock()
	return h, nil
}

// Retry resubmits a failed message under its original id.
func (cv *Conversation) Retry(clientID string) error {
	return cv.client.Pipeline.Retry(cv.thread, clientID)
}

// CancelUpload aborts an in-flight attachment upload.
func (cv *Conversation) CancelUpload(clientID string) {
	cv.client.Pipeline.CancelUpload(clientID)
}

// MarkRead acknowledges the thread up to the message with client id upTo,
// or everything currently visible when upTo is empty.
func (cv *Conversation) MarkRead(ctx context.Context, upTo string) error {
	return cv.client.Receipts.MarkRead(ctx, cv.thread.ID, upTo)
}

// SetTyping reports whether the local participant is composing.
func (cv *Conversation) SetTyping(ctx context.Context, typing bool) {
	cv.client.Presence.SetTyping(ctx, cv.thread.ID, typing)
}

// TypingPeers returns participants currently typing in this thread.
func (cv *Conversation) TypingPeers() []model.TypingState {
	return cv.client.Presence.Active(cv.thread.ID)
}

// Observe streams bus events for this conversation's namespace prefix.
// Cancel the returned func when done.
func (cv *Conversation) Observe(namespace string) (<-chan bus.Event, func()) {
	return cv.client.Bus.Subscribe(namespace, 32)
}

// Close releases the view's subscriptions and clears its typing state.
// Sends already past submission keep running; a send never depends on the
// view that initiated it staying open.
func (cv *Conversation) Close() {
	cv.mu.Lock()
	cv.refs--
	if cv.refs > 0 || cv.closed {
		cv.mu.Unlock()
		return
	}
	cv.closed = true
	sent := cv.sent
	cv.mu.Unlock()

	cv.client.mu.Lock()
	delete(cv.client.open, cv.thread.ID)
	cv.client.mu.Unlock()

	// Uploads belong to the view; a write that reached the outbox does not.
	for _, id := range sent {
		cv.client.Pipeline.CancelUpload(id)
	}
	cv.client.Presence.SetTyping(context.Background(), cv.thread.ID, false)
	cv.msgs.Cancel()
	cv.typing.Cancel()
}

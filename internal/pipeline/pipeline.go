// Package pipeline runs the send path: local insert, optional attachment
// upload, durable queueing and the remote write, with retry keyed by the
// message's client id.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"coachchat/internal/bus"
	"coachchat/internal/model"
	"coachchat/internal/outbox"
	"coachchat/internal/remote"
	"coachchat/internal/store"
	"coachchat/internal/upload"
)

// Attachment is an outgoing attachment payload handed to Send.
type Attachment struct {
	Kind    model.AttachmentKind
	Payload []byte
}

// Handle identifies one submitted send.
type Handle struct {
	ClientID string
	ThreadID string
}

// Pipeline owns outgoing messages from submission to the confirmed remote
// write. Each send runs on its own goroutine; submission order is fixed at
// Send time by the clock, not by completion order.
type Pipeline struct {
	store   *store.Store
	docs    remote.DocumentStore
	uploads *upload.Manager
	queue   *outbox.DB
	id      remote.Identity
	clock   *model.Clock
	bus     *bus.Bus
	logger  *zap.Logger

	mu    sync.Mutex
	tasks map[string]*upload.Task // clientID -> in-flight upload
}

func New(s *store.Store, docs remote.DocumentStore, uploads *upload.Manager, queue *outbox.DB, id remote.Identity, clock *model.Clock, b *bus.Bus, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		store:   s,
		docs:    docs,
		uploads: uploads,
		queue:   queue,
		id:      id,
		clock:   clock,
		bus:     b,
		logger:  logger,
		tasks:   make(map[string]*upload.Task),
	}
}

// Send validates and submits one message. It returns as soon as the message
// is visible locally; upload and the remote write continue in the
// background. An oversized attachment is rejected before any state is
// created.
func (p *Pipeline) Send(ctx context.Context, thread *model.Thread, text string, att *Attachment) (*Handle, error) {
	text = strings.TrimSpace(text)
	if text == "" && att == nil {
		return nil, model.ErrEmptyMessage
	}
	if att != nil {
		if err := p.uploads.CheckSize(int64(len(att.Payload))); err != nil {
			return nil, err
		}
	}

	ts, seq := p.clock.Next()
	m := &model.Message{
		ClientID:   uuid.New().String(),
		ThreadID:   thread.ID,
		SenderID:   p.id.ParticipantID(),
		SenderName: p.id.DisplayName(),
		Body:       text,
		Seq:        seq,
		ClientTS:   ts,
		Status:     model.StatusComposing,
	}
	p.store.InsertLocal(m)
	// Seed the summary for a brand-new thread; known ones are owned by the
	// threads-for-user subscription.
	if _, ok := p.store.Thread(thread.ID); !ok {
		p.store.UpsertThread(thread)
	}

	go p.process(ctx, thread, m, att)
	return &Handle{ClientID: m.ClientID, ThreadID: thread.ID}, nil
}

// Retry resubmits a failed message under its original client id, so the
// remote write stays idempotent no matter how many attempts it takes.
func (p *Pipeline) Retry(thread *model.Thread, clientID string) error {
	e, err := p.queue.Get(clientID)
	if err != nil {
		return fmt.Errorf("retry %s: %w", clientID, err)
	}
	if _, ok := p.store.Get(thread.ID, clientID); !ok {
		p.store.InsertLocal(e.ToMessage())
	}
	if err := p.store.SetStatus(thread.ID, clientID, model.StatusSending, ""); err != nil {
		return err
	}
	m, _ := p.store.Get(thread.ID, clientID)
	go p.persist(thread, m)
	return nil
}

// CancelUpload aborts the in-flight upload for the given message, if any.
func (p *Pipeline) CancelUpload(clientID string) {
	p.mu.Lock()
	t := p.tasks[clientID]
	p.mu.Unlock()
	if t != nil {
		t.Cancel()
	}
}

// RestoreFailed loads messages a previous process left behind: entries
// still marked queued or sending are failed first, then every failed entry
// is surfaced locally so the user can retry it.
func (p *Pipeline) RestoreFailed() error {
	stalled, err := p.queue.Stalled()
	if err != nil {
		return err
	}
	for _, e := range stalled {
		if err := p.queue.MarkFailed(e.ClientMsgID, "interrupted"); err != nil {
			return err
		}
	}
	failed, err := p.queue.Failed()
	if err != nil {
		return err
	}
	for _, e := range failed {
		if _, ok := p.store.Get(e.ThreadID, e.ClientMsgID); !ok {
			p.store.InsertLocal(e.ToMessage())
		}
	}
	return nil
}

func (p *Pipeline) process(ctx context.Context, thread *model.Thread, m *model.Message, att *Attachment) {
	if att != nil {
		if !p.runUpload(ctx, thread.ID, m, att) {
			return
		}
	}
	mm, ok := p.store.Get(thread.ID, m.ClientID)
	if !ok {
		return
	}
	if err := p.queue.Queue(outbox.FromMessage(mm)); err != nil {
		p.logger.Error("failed to queue message", zap.String("client_id", m.ClientID), zap.Error(err))
		p.fail(thread.ID, m.ClientID, err.Error())
		return
	}
	p.persist(thread, mm)
}

// runUpload drives one attachment upload and reports whether the send may
// proceed. A failed or cancelled upload ends the send here: there is no
// outbox entry yet, so retrying means resending the whole message.
func (p *Pipeline) runUpload(ctx context.Context, threadID string, m *model.Message, att *Attachment) bool {
	if err := p.store.SetStatus(threadID, m.ClientID, model.StatusUploading, ""); err != nil {
		p.logger.Warn("upload skipped", zap.String("client_id", m.ClientID), zap.Error(err))
		return false
	}
	task, err := p.uploads.Start(ctx, att.Kind, threadID, att.Payload)
	if err != nil {
		p.fail(threadID, m.ClientID, err.Error())
		return false
	}
	p.mu.Lock()
	p.tasks[m.ClientID] = task
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.tasks, m.ClientID)
		p.mu.Unlock()
	}()

	res := p.consume(threadID, m.ClientID, task)
	if res.Err != nil {
		p.fail(threadID, m.ClientID, res.Err.Error())
		return false
	}
	p.store.SetAttachment(threadID, m.ClientID, &model.Attachment{
		Kind:         att.Kind,
		URL:          res.URL,
		ThumbnailURL: res.ThumbnailURL,
		SizeBytes:    res.SizeBytes,
	})
	return true
}

// consume relays upload progress onto the bus until the terminal event.
func (p *Pipeline) consume(threadID, clientID string, task *upload.Task) *upload.Result {
	for ev := range task.Events() {
		if ev.Done {
			return ev.Result
		}
		p.bus.Publish(bus.Event{
			Kind:      bus.KindUploadProgress,
			Timestamp: time.Now(),
			Payload: UploadProgress{
				ThreadID: threadID,
				ClientID: clientID,
				Fraction: ev.Progress,
			},
		})
	}
	return &upload.Result{Err: model.ErrUploadCancelled}
}

// UploadProgress is the bus payload for attachment transfer progress.
type UploadProgress struct {
	ThreadID string
	ClientID string
	Fraction float64
}

// persist performs the remote write for one queued message. It runs on a
// background context: a send that has reached this point completes or fails
// on its own merits, regardless of the view that initiated it.
func (p *Pipeline) persist(thread *model.Thread, m *model.Message) {
	ctx := context.Background()

	if err := p.store.SetStatus(thread.ID, m.ClientID, model.StatusSending, ""); err != nil {
		// Already Sending after a retry; the write proceeds either way.
		p.logger.Debug("status unchanged", zap.String("client_id", m.ClientID), zap.Error(err))
	}
	if err := p.queue.MarkSending(m.ClientID); err != nil {
		p.logger.Warn("outbox mark sending", zap.String("client_id", m.ClientID), zap.Error(err))
	}

	created, err := p.docs.Create(ctx, remote.MessagesCollection(thread.ID), m.ClientID, remote.EncodeMessage(m), remote.FieldSentAt)
	if err != nil {
		p.logger.Warn("remote write failed",
			zap.String("thread", thread.ID),
			zap.String("client_id", m.ClientID),
			zap.Error(err))
		if qerr := p.queue.MarkFailed(m.ClientID, err.Error()); qerr != nil {
			p.logger.Error("outbox mark failed", zap.Error(qerr))
		}
		p.fail(thread.ID, m.ClientID, fmt.Sprintf("%v: %v", model.ErrWriteFailed, err))
		return
	}
	if err := p.queue.MarkSent(m.ClientID); err != nil {
		p.logger.Warn("outbox mark sent", zap.String("client_id", m.ClientID), zap.Error(err))
	}

	// The echo on the live stream flips the message to Sent. Thread
	// bookkeeping only runs for the attempt that actually created the
	// document, so a retried write never double-counts unread.
	if created {
		p.bumpThread(ctx, thread, m)
	}
}

// bumpThread updates the thread summary after a confirmed write: preview,
// recency and an atomic unread increment for the receiving participant.
func (p *Pipeline) bumpThread(ctx context.Context, thread *model.Thread, m *model.Message) {
	peer := thread.Peer(p.id.ParticipantID())
	fields := remote.ParticipantFields(thread)
	fields[remote.FieldLastPreview] = m.Preview()
	fields[remote.FieldLastMessageAt] = m.OrderKey()
	fields[remote.FieldUnreadPrefix+peer.ID] = remote.Increment(1)
	if err := p.docs.Update(ctx, remote.ThreadPath(thread.ID), fields); err != nil {
		p.logger.Warn("thread summary update failed", zap.String("thread", thread.ID), zap.Error(err))
	}
}

func (p *Pipeline) fail(threadID, clientID, reason string) {
	if err := p.store.SetStatus(threadID, clientID, model.StatusFailed, reason); err != nil {
		p.logger.Warn("mark failed", zap.String("client_id", clientID), zap.Error(err))
	}
}

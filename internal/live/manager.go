// Package live owns the long-lived listen streams against the remote store
// and multiplexes them into the message store and presence tracker. One
// stream exists per (topic, key) no matter how many screens ask for it;
// handles are refcounted, cancellation is immediate and idempotent, and a
// dropped stream resubscribes with bounded backoff before giving up.
package live

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"coachchat/internal/bus"
	"coachchat/internal/model"
	"coachchat/internal/presence"
	"coachchat/internal/remote"
	"coachchat/internal/store"
)

// Topic selects what a subscription streams.
type Topic string

const (
	// TopicMessages streams a thread's messages; key is the thread id.
	TopicMessages Topic = "messages"
	// TopicTyping streams a thread's typing presence; key is the thread id.
	TopicTyping Topic = "typing"
	// TopicThreads streams thread summaries; key is the participant id.
	TopicThreads Topic = "threads"
)

// Config bounds the resubscription policy.
type Config struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultConfig matches the behavior the UI expects: a few quick retries,
// then a visible disconnect.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		BaseBackoff: 500 * time.Millisecond,
		MaxBackoff:  10 * time.Second,
	}
}

// StateChange is the payload of live.* events.
type StateChange struct {
	Topic   Topic
	Key     string
	Attempt int
	Err     error
}

// Manager multiplexes listen streams.
type Manager struct {
	docs     remote.DocumentStore
	store    *store.Store
	presence *presence.Tracker
	bus      *bus.Bus
	logger   *zap.Logger
	cfg      Config

	mu   sync.Mutex
	subs map[subKey]*sub
}

type subKey struct {
	topic Topic
	key   string
}

type sub struct {
	refs   int
	active atomic.Bool
	cancel context.CancelFunc
}

// Handle is one caller's claim on a subscription.
type Handle struct {
	m    *Manager
	key  subKey
	once sync.Once
}

// NewManager creates a manager.
func NewManager(docs remote.DocumentStore, st *store.Store, pr *presence.Tracker, b *bus.Bus, cfg Config, logger *zap.Logger) *Manager {
	return &Manager{
		docs:     docs,
		store:    st,
		presence: pr,
		bus:      b,
		logger:   logger,
		cfg:      cfg,
		subs:     make(map[subKey]*sub),
	}
}

// Subscribe returns a handle on the (topic, key) stream, starting it if no
// other handle holds it. It never blocks; events flow asynchronously into
// the store and tracker for the handle's lifetime.
func (m *Manager) Subscribe(topic Topic, key string) *Handle {
	k := subKey{topic: topic, key: key}

	m.mu.Lock()
	s, exists := m.subs[k]
	if exists {
		s.refs++
	} else {
		ctx, cancel := context.WithCancel(context.Background())
		s = &sub{refs: 1, cancel: cancel}
		s.active.Store(true)
		m.subs[k] = s
		go m.run(ctx, s, k)
	}
	m.mu.Unlock()

	return &Handle{m: m, key: k}
}

// Cancel releases the handle. It is idempotent, and once the last handle on
// a stream is released no further snapshot — even one already in flight —
// is applied.
func (h *Handle) Cancel() {
	h.once.Do(func() {
		h.m.release(h.key)
	})
}

func (m *Manager) release(k subKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[k]
	if !ok {
		return
	}
	s.refs--
	if s.refs > 0 {
		return
	}
	s.active.Store(false)
	s.cancel()
	delete(m.subs, k)
}

// Close cancels every stream. Used on daemon shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, s := range m.subs {
		s.active.Store(false)
		s.cancel()
		delete(m.subs, k)
	}
}

func (m *Manager) run(ctx context.Context, s *sub, k subKey) {
	attempt := 0
	for {
		ch, err := m.docs.Listen(ctx, m.collection(k), m.orderBy(k.topic))
		if err == nil {
			if attempt > 0 {
				m.publishState(bus.KindLiveRestored, k, attempt, nil)
				attempt = 0
			}
			err = m.consume(s, k, ch)
		}
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, model.ErrPermissionDenied) {
			m.logger.Warn("subscription permission denied",
				zap.String("topic", string(k.topic)), zap.String("key", k.key))
			m.publishState(bus.KindLiveLost, k, attempt, err)
			m.drop(k, s)
			return
		}

		attempt++
		if attempt > m.cfg.MaxAttempts {
			m.logger.Error("subscription lost after retries",
				zap.String("topic", string(k.topic)), zap.String("key", k.key), zap.Error(err))
			m.publishState(bus.KindLiveLost, k, attempt, model.ErrSubscriptionLost)
			m.drop(k, s)
			return
		}

		m.logger.Warn("subscription dropped, resubscribing",
			zap.String("topic", string(k.topic)), zap.String("key", k.key),
			zap.Int("attempt", attempt), zap.Error(err))
		m.publishState(bus.KindLiveReconnecting, k, attempt, err)

		select {
		case <-time.After(m.backoff(attempt)):
		case <-ctx.Done():
			return
		}
	}
}

// consume drains one stream until it errors or ends.
func (m *Manager) consume(s *sub, k subKey, ch <-chan remote.Snapshot) error {
	for snap := range ch {
		if snap.Err != nil {
			return snap.Err
		}
		m.dispatch(s, k, snap)
	}
	return remote.ErrStreamClosed
}

// dispatch applies one snapshot, unless the subscription was cancelled
// since the snapshot was emitted.
func (m *Manager) dispatch(s *sub, k subKey, snap remote.Snapshot) {
	if !s.active.Load() {
		return
	}
	switch k.topic {
	case TopicMessages:
		msgs := make([]*model.Message, 0, len(snap.Docs))
		for _, d := range snap.Docs {
			msgs = append(msgs, remote.DecodeMessage(d))
		}
		m.store.ApplyRemote(k.key, msgs)
	case TopicTyping:
		states := make([]*model.TypingState, 0, len(snap.Docs))
		for _, d := range snap.Docs {
			states = append(states, remote.DecodeTyping(d))
		}
		m.presence.ApplyRemote(k.key, states)
	case TopicThreads:
		for _, d := range snap.Docs {
			t := remote.DecodeThread(d)
			if !t.HasParticipant(k.key) {
				continue
			}
			m.store.UpsertThread(t)
			for _, p := range t.Participants {
				if _, cursorKey := remote.CursorOf(d, p.ID); cursorKey > 0 {
					m.store.ApplyReadCursor(t.ID, p.ID, cursorKey)
				}
			}
		}
	}
}

func (m *Manager) drop(k subKey, s *sub) {
	m.mu.Lock()
	if cur, ok := m.subs[k]; ok && cur == s {
		s.active.Store(false)
		s.cancel()
		delete(m.subs, k)
	}
	m.mu.Unlock()
}

func (m *Manager) collection(k subKey) string {
	switch k.topic {
	case TopicMessages:
		return remote.MessagesCollection(k.key)
	case TopicTyping:
		return remote.TypingCollection(k.key)
	default:
		return remote.ThreadsCollection
	}
}

func (m *Manager) orderBy(topic Topic) string {
	switch topic {
	case TopicMessages:
		return remote.FieldSentAt
	case TopicTyping:
		return remote.FieldUpdatedAt
	default:
		return remote.FieldLastMessageAt
	}
}

func (m *Manager) backoff(attempt int) time.Duration {
	d := m.cfg.BaseBackoff << (attempt - 1)
	if d > m.cfg.MaxBackoff || d <= 0 {
		d = m.cfg.MaxBackoff
	}
	return d
}

func (m *Manager) publishState(kind string, k subKey, attempt int, err error) {
	m.bus.Publish(bus.Event{
		Kind:      kind,
		Timestamp: time.Now(),
		Payload:   StateChange{Topic: k.topic, Key: k.key, Attempt: attempt, Err: err},
	})
}

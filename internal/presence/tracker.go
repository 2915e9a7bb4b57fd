// Package presence tracks ephemeral typing state. Remote writes are
// rate-limited renewals of an overwrite-in-place document per participant;
// a local quiet-window timer clears our own flag even when the network is
// gone, and a sweeper expires peers whose renewals stopped arriving.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"coachchat/internal/bus"
	"coachchat/internal/model"
	"coachchat/internal/remote"
)

// Update is the payload of typing.changed events: the deterministic set of
// participants currently typing in a thread.
type Update struct {
	ThreadID string
	Active   []model.TypingState
}

// Tracker merges local and remote typing signals per thread.
type Tracker struct {
	docs   remote.DocumentStore
	id     remote.Identity
	bus    *bus.Bus
	logger *zap.Logger

	quiet time.Duration // local auto-clear window
	ttl   time.Duration // staleness bound for peers

	mu       sync.Mutex
	typers   map[string]map[string]*model.TypingState
	timers   map[string]*time.Timer
	limiters map[string]*rate.Limiter

	cancel context.CancelFunc
}

// NewTracker creates a tracker. quiet is the inactivity window after which
// the local flag clears itself; ttl bounds how long a peer's flag survives
// without renewal.
func NewTracker(docs remote.DocumentStore, id remote.Identity, b *bus.Bus, quiet, ttl time.Duration, logger *zap.Logger) *Tracker {
	return &Tracker{
		docs:     docs,
		id:       id,
		bus:      b,
		logger:   logger,
		quiet:    quiet,
		ttl:      ttl,
		typers:   make(map[string]map[string]*model.TypingState),
		timers:   make(map[string]*time.Timer),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Start launches the staleness sweeper.
func (t *Tracker) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(t.quiet / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.sweep()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the sweeper.
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
}

// SetTyping records the local participant's typing state and propagates it.
// Renewal writes are rate-limited; the state shown locally never waits on
// the network, so presence degrades gracefully offline.
func (t *Tracker) SetTyping(ctx context.Context, threadID string, typing bool) {
	self := &model.TypingState{
		ThreadID:      threadID,
		ParticipantID: t.id.ParticipantID(),
		DisplayName:   t.id.DisplayName(),
		Typing:        typing,
		UpdatedAt:     time.Now().UnixMilli(),
	}

	t.mu.Lock()
	t.mergeLocked(self)
	if typing {
		t.resetTimerLocked(threadID)
	} else if timer := t.timers[threadID]; timer != nil {
		timer.Stop()
		delete(t.timers, threadID)
	}
	allowed := !typing || t.limiterLocked(threadID).Allow()
	t.mu.Unlock()

	t.publish(threadID)

	if !allowed {
		return
	}
	t.writeRemote(ctx, self)
}

// ApplyRemote merges a remote typing snapshot for a thread. Races between
// updates resolve last-write-wins by update timestamp, so the merged set is
// deterministic regardless of arrival order.
func (t *Tracker) ApplyRemote(threadID string, states []*model.TypingState) {
	self := t.id.ParticipantID()
	changed := false

	t.mu.Lock()
	for _, in := range states {
		if in.ParticipantID == self {
			// Local state is authoritative for ourselves.
			continue
		}
		if t.mergeLocked(in) {
			changed = true
		}
	}
	t.mu.Unlock()

	if changed {
		t.publish(threadID)
	}
}

// Active returns the participants currently typing in a thread, sorted by
// participant id.
func (t *Tracker) Active(threadID string) []model.TypingState {
	now := time.Now().UnixMilli()

	t.mu.Lock()
	defer t.mu.Unlock()
	var out []model.TypingState
	for _, ts := range t.typers[threadID] {
		if ts.Typing && now-ts.UpdatedAt <= t.ttl.Milliseconds() {
			out = append(out, *ts)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out
}

// Observe streams the active-typer set for a thread. The returned cancel
// function must be called when the conversation view closes.
func (t *Tracker) Observe(threadID string) (<-chan []model.TypingState, func()) {
	ch, unsub := t.bus.Subscribe(bus.KindTypingChanged, 16)
	out := make(chan []model.TypingState, 16)
	done := make(chan struct{})

	go func() {
		defer close(out)
		for {
			select {
			case evt, open := <-ch:
				if !open {
					return
				}
				upd, ok := evt.Payload.(Update)
				if !ok || upd.ThreadID != threadID {
					continue
				}
				// A full buffer sheds the oldest set: the newest state is the
				// one a view must eventually render.
				select {
				case out <- upd.Active:
				default:
					select {
					case <-out:
					default:
					}
					select {
					case out <- upd.Active:
					default:
					}
				}
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return out, func() {
		once.Do(func() {
			unsub()
			close(done)
		})
	}
}

// mergeLocked applies one state under last-write-wins. Reports whether the
// visible set may have changed.
func (t *Tracker) mergeLocked(in *model.TypingState) bool {
	m := t.typers[in.ThreadID]
	if m == nil {
		m = make(map[string]*model.TypingState)
		t.typers[in.ThreadID] = m
	}
	cur := m[in.ParticipantID]
	if cur != nil && in.UpdatedAt < cur.UpdatedAt {
		return false
	}
	changed := cur == nil || cur.Typing != in.Typing
	cp := *in
	m[in.ParticipantID] = &cp
	return changed
}

// resetTimerLocked arms the quiet-window timer that clears our own flag
// when no keystroke renews it, independent of any remote confirmation.
func (t *Tracker) resetTimerLocked(threadID string) {
	if timer := t.timers[threadID]; timer != nil {
		timer.Stop()
	}
	t.timers[threadID] = time.AfterFunc(t.quiet, func() {
		t.autoClear(threadID)
	})
}

func (t *Tracker) autoClear(threadID string) {
	self := &model.TypingState{
		ThreadID:      threadID,
		ParticipantID: t.id.ParticipantID(),
		DisplayName:   t.id.DisplayName(),
		Typing:        false,
		UpdatedAt:     time.Now().UnixMilli(),
	}

	t.mu.Lock()
	changed := t.mergeLocked(self)
	delete(t.timers, threadID)
	t.mu.Unlock()

	if changed {
		t.publish(threadID)
	}
	t.writeRemote(context.Background(), self)
}

func (t *Tracker) sweep() {
	now := time.Now().UnixMilli()
	stale := make(map[string]bool)

	t.mu.Lock()
	for threadID, m := range t.typers {
		for _, ts := range m {
			if ts.Typing && now-ts.UpdatedAt > t.ttl.Milliseconds() {
				ts.Typing = false
				stale[threadID] = true
			}
		}
	}
	t.mu.Unlock()

	for threadID := range stale {
		t.publish(threadID)
	}
}

func (t *Tracker) limiterLocked(threadID string) *rate.Limiter {
	l := t.limiters[threadID]
	if l == nil {
		l = rate.NewLimiter(rate.Every(t.quiet/2), 1)
		t.limiters[threadID] = l
	}
	return l
}

func (t *Tracker) writeRemote(ctx context.Context, ts *model.TypingState) {
	path := remote.TypingCollection(ts.ThreadID) + "/" + ts.ParticipantID
	if err := t.docs.Update(ctx, path, remote.EncodeTyping(ts)); err != nil {
		// Presence is best-effort; the local timer keeps state honest.
		t.logger.Debug("typing write failed", zap.Error(err), zap.String("thread", ts.ThreadID))
	}
}

func (t *Tracker) publish(threadID string) {
	t.bus.Publish(bus.Event{
		Kind:      bus.KindTypingChanged,
		Timestamp: time.Now(),
		Payload:   Update{ThreadID: threadID, Active: t.Active(threadID)},
	})
}

// Package memremote is a complete in-memory implementation of the remote
// contract. It backs tests and the daemon's standalone mode; the production
// backend is redisremote.
package memremote

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"coachchat/internal/remote"
)

// Store implements remote.DocumentStore in memory with listener fan-out.
type Store struct {
	mu        sync.Mutex
	cols      map[string]map[string]map[string]any
	listeners map[int]*listener
	nextID    int
	lastTS    int64

	createErr error
	updateErr error
}

type listener struct {
	collection string
	notify     chan struct{}
	fail       chan error
}

// New creates an empty store.
func New() *Store {
	return &Store{
		cols:      make(map[string]map[string]map[string]any),
		listeners: make(map[int]*listener),
	}
}

// SetCreateErr makes subsequent Create calls fail with err (nil to clear).
// Tests use it to simulate an offline persistence write.
func (s *Store) SetCreateErr(err error) {
	s.mu.Lock()
	s.createErr = err
	s.mu.Unlock()
}

// SetUpdateErr makes subsequent Update calls fail with err (nil to clear).
func (s *Store) SetUpdateErr(err error) {
	s.mu.Lock()
	s.updateErr = err
	s.mu.Unlock()
}

// FailListeners pushes a terminal error to every active listener on the
// collection, simulating a dropped or revoked stream.
func (s *Store) FailListeners(collection string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.listeners {
		if l.collection == collection {
			select {
			case l.fail <- err:
			default:
			}
		}
	}
}

// Create implements remote.DocumentStore. Replaying an existing id is a
// no-op with created=false.
func (s *Store) Create(_ context.Context, collection, id string, data map[string]any, serverTSField string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return false, s.createErr
	}
	col := s.cols[collection]
	if col == nil {
		col = make(map[string]map[string]any)
		s.cols[collection] = col
	}
	if _, exists := col[id]; exists {
		return false, nil
	}
	doc := make(map[string]any, len(data)+1)
	for k, v := range data {
		doc[k] = v
	}
	doc[serverTSField] = s.serverNowLocked()
	col[id] = doc
	s.notifyLocked(collection)
	return true, nil
}

// Update implements remote.DocumentStore as a partial upsert.
func (s *Store) Update(_ context.Context, path string, fields map[string]any) error {
	collection, id, ok := splitPath(path)
	if !ok {
		return errBadPath(path)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	col := s.cols[collection]
	if col == nil {
		col = make(map[string]map[string]any)
		s.cols[collection] = col
	}
	doc := col[id]
	if doc == nil {
		doc = make(map[string]any, len(fields))
		col[id] = doc
	}
	for k, v := range fields {
		if inc, isInc := v.(remote.Increment); isInc {
			doc[k] = remote.AsInt64(doc[k]) + int64(inc)
			continue
		}
		doc[k] = v
	}
	s.notifyLocked(collection)
	return nil
}

// Listen implements remote.DocumentStore. Each mutation of the collection
// is coalesced into a fresh full snapshot for every listener.
func (s *Store) Listen(ctx context.Context, collection, orderBy string) (<-chan remote.Snapshot, error) {
	l := &listener{
		collection: collection,
		notify:     make(chan struct{}, 1),
		fail:       make(chan error, 1),
	}
	l.notify <- struct{}{} // initial snapshot

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	s.mu.Unlock()

	out := make(chan remote.Snapshot)
	go func() {
		defer close(out)
		defer func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-l.fail:
				select {
				case out <- remote.Snapshot{Err: err}:
				case <-ctx.Done():
				}
				return
			case <-l.notify:
				snap := remote.Snapshot{Docs: s.snapshot(collection, orderBy)}
				select {
				case out <- snap:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *Store) snapshot(collection, orderBy string) []remote.Doc {
	s.mu.Lock()
	defer s.mu.Unlock()
	col := s.cols[collection]
	docs := make([]remote.Doc, 0, len(col))
	for id, data := range col {
		cp := make(map[string]any, len(data))
		for k, v := range data {
			cp[k] = v
		}
		docs = append(docs, remote.Doc{ID: id, Data: cp})
	}
	sort.Slice(docs, func(i, j int) bool {
		a, b := remote.AsInt64(docs[i].Data[orderBy]), remote.AsInt64(docs[j].Data[orderBy])
		if a != b {
			return a < b
		}
		return docs[i].ID < docs[j].ID
	})
	return docs
}

func (s *Store) notifyLocked(collection string) {
	for _, l := range s.listeners {
		if l.collection == collection {
			select {
			case l.notify <- struct{}{}:
			default:
			}
		}
	}
}

// serverNowLocked is the store's monotonic server clock.
func (s *Store) serverNowLocked() int64 {
	now := time.Now().UnixMilli()
	if now <= s.lastTS {
		now = s.lastTS + 1
	}
	s.lastTS = now
	return now
}

func splitPath(path string) (collection, id string, ok bool) {
	i := strings.LastIndex(path, "/")
	if i <= 0 || i == len(path)-1 {
		return "", "", false
	}
	return path[:i], path[i+1:], true
}

func errBadPath(path string) error {
	return fmt.Errorf("malformed document path %q", path)
}

// Package redisremote backs the remote contract with Redis: documents are
// hashes, collection membership is a set, and change notification rides
// pub/sub so Listen can re-query and push fresh snapshots.
package redisremote

import (
	"context"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"coachchat/internal/remote"
)

const (
	docPrefix = "coachchat:doc:"
	colPrefix = "coachchat:col:"
	chPrefix  = "coachchat:ch:"

	// createdField marks a document as created; HSETNX on it is the
	// write-once guard for idempotent creates.
	createdField = "_created"
)

// Store implements remote.DocumentStore on a Redis client.
type Store struct {
	rdb       *redis.Client
	typingTTL time.Duration
	logger    *zap.Logger
}

// New creates a store. typingTTL bounds how long an ephemeral typing
// document survives without renewal.
func New(rdb *redis.Client, typingTTL time.Duration, logger *zap.Logger) *Store {
	return &Store{rdb: rdb, typingTTL: typingTTL, logger: logger}
}

// Create implements remote.DocumentStore. The server timestamp comes from
// the Redis server clock so all writers share one time source. Guard, field
// writes and index membership commit in one MULTI/EXEC: every field is an
// HSETNX, so a connection lost mid-create leaves nothing behind and the
// retried create starts from a clean slate.
func (s *Store) Create(ctx context.Context, collection, id string, data map[string]any, serverTSField string) (bool, error) {
	docKey := docPrefix + collection + "/" + id

	serverNow, err := s.rdb.Time(ctx).Result()
	if err != nil {
		return false, err
	}

	pipe := s.rdb.TxPipeline()
	guard := pipe.HSetNX(ctx, docKey, createdField, "1")
	for k, v := range data {
		pipe.HSetNX(ctx, docKey, k, encodeField(v))
	}
	pipe.HSetNX(ctx, docKey, serverTSField, encodeField(serverNow.UnixMilli()))
	pipe.SAdd(ctx, colPrefix+collection, id)
	pipe.Publish(ctx, chPrefix+collection, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return guard.Val(), nil
}

// Update implements remote.DocumentStore as a partial upsert. Increments map
// to HINCRBY so concurrent counter updates stay atomic. Typing documents get
// a TTL so stale presence expires server-side too.
func (s *Store) Update(ctx context.Context, path string, fields map[string]any) error {
	collection, id, ok := splitPath(path)
	if !ok {
		return errBadPath(path)
	}
	docKey := docPrefix + path

	pipe := s.rdb.Pipeline()
	for k, v := range fields {
		if inc, isInc := v.(remote.Increment); isInc {
			pipe.HIncrBy(ctx, docKey, k, int64(inc))
			continue
		}
		pipe.HSet(ctx, docKey, k, encodeField(v))
	}
	pipe.SAdd(ctx, colPrefix+collection, id)
	if remote.IsTypingCollection(collection) && s.typingTTL > 0 {
		pipe.Expire(ctx, docKey, s.typingTTL)
	}
	pipe.Publish(ctx, chPrefix+collection, id)
	_, err := pipe.Exec(ctx)
	return err
}

// Listen implements remote.DocumentStore. Each pub/sub notification triggers
// a re-query of the collection; the full ordered result set is pushed.
func (s *Store) Listen(ctx context.Context, collection, orderBy string) (<-chan remote.Snapshot, error) {
	sub := s.rdb.Subscribe(ctx, chPrefix+collection)
	// Force the subscription onto the wire before the initial query so no
	// change between query and subscribe is missed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}
	msgs := sub.Channel()

	out := make(chan remote.Snapshot)
	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()

		emit := func() bool {
			docs, err := s.query(ctx, collection, orderBy)
			snap := remote.Snapshot{Docs: docs, Err: err}
			select {
			case out <- snap:
			case <-ctx.Done():
				return false
			}
			return err == nil
		}

		if !emit() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case _, open := <-msgs:
				if !open {
					select {
					case out <- remote.Snapshot{Err: remote.ErrStreamClosed}:
					case <-ctx.Done():
					}
					return
				}
				if !emit() {
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *Store) query(ctx context.Context, collection, orderBy string) ([]remote.Doc, error) {
	ids, err := s.rdb.SMembers(ctx, colPrefix+collection).Result()
	if err != nil {
		return nil, err
	}

	docs := make([]remote.Doc, 0, len(ids))
	var stale []any
	for _, id := range ids {
		raw, err := s.rdb.HGetAll(ctx, docPrefix+collection+"/"+id).Result()
		if err != nil {
			return nil, err
		}
		if len(raw) == 0 {
			// Document expired (typing TTL); prune the membership set.
			stale = append(stale, id)
			continue
		}
		docs = append(docs, remote.Doc{ID: id, Data: decodeFields(raw)})
	}
	if len(stale) > 0 {
		if err := s.rdb.SRem(ctx, colPrefix+collection, stale...).Err(); err != nil {
			s.logger.Warn("failed to prune expired documents", zap.Error(err), zap.String("collection", collection))
		}
	}

	sort.Slice(docs, func(i, j int) bool {
		a, b := remote.AsInt64(docs[i].Data[orderBy]), remote.AsInt64(docs[j].Data[orderBy])
		if a != b {
			return a < b
		}
		return docs[i].ID < docs[j].ID
	})
	return docs, nil
}

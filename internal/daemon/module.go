package daemon

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"coachchat/internal/bus"
	"coachchat/internal/config"
	"coachchat/internal/core"
	"coachchat/internal/live"
	"coachchat/internal/lock"
	"coachchat/internal/logging"
	"coachchat/internal/model"
	"coachchat/internal/outbox"
	"coachchat/internal/pipeline"
	"coachchat/internal/presence"
	"coachchat/internal/receipt"
	"coachchat/internal/remote"
	"coachchat/internal/remote/redisremote"
	"coachchat/internal/store"
	"coachchat/internal/upload"
)

// Params holds the resolved configuration passed to the fx module.
type Params struct {
	Config *config.Config
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideLock,
			provideIdentity,
			provideRedis,
			provideDocumentStore,
			provideBlobStore,
			provideOutbox,
			provideStore,
			provideUploads,
			providePipeline,
			providePresence,
			provideLive,
			provideReceipts,
			provideClient,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(p.Config.DataDir, p.Config.Identity.ParticipantID)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring data dir lock", zap.String("dir", p.Config.DataDir))
	l, err := lock.Acquire(p.Config.DataDir)
	if err != nil {
		return nil, err
	}
	logger.Info("data dir lock acquired")
	return l, nil
}

func provideIdentity(p Params) remote.Identity {
	return remote.StaticIdentity{
		ID:   p.Config.Identity.ParticipantID,
		Name: p.Config.Identity.DisplayName,
	}
}

func provideRedis(p Params) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     p.Config.Redis.Addr,
		Password: p.Config.Redis.Password,
		DB:       p.Config.Redis.DB,
	})
}

func provideDocumentStore(p Params, rdb *redis.Client, logger *zap.Logger) remote.DocumentStore {
	return redisremote.New(rdb, p.Config.RemoteTypingTTL(), logger)
}

func provideBlobStore(rdb *redis.Client) remote.BlobStore {
	return redisremote.NewBlob(rdb, "/blobs/")
}

func provideOutbox(p Params, logger *zap.Logger) (*outbox.DB, error) {
	db, err := outbox.Open(p.Config.OutboxPath())
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("outbox initialized", zap.String("path", p.Config.OutboxPath()))
	return db, nil
}

func provideStore(b *bus.Bus, logger *zap.Logger) *store.Store {
	return store.New(b, logger)
}

func provideUploads(p Params, blobs remote.BlobStore, logger *zap.Logger) *upload.Manager {
	thumbs := &upload.FFmpegThumbnailer{Bin: p.Config.Attachments.FFmpegPath}
	return upload.NewManager(blobs, thumbs, p.Config.Attachments.MaxBytes, logger)
}

func providePipeline(s *store.Store, docs remote.DocumentStore, uploads *upload.Manager, db *outbox.DB, id remote.Identity, b *bus.Bus, logger *zap.Logger) *pipeline.Pipeline {
	return pipeline.New(s, docs, uploads, db, id, &model.Clock{}, b, logger)
}

func providePresence(p Params, docs remote.DocumentStore, id remote.Identity, b *bus.Bus, logger *zap.Logger) *presence.Tracker {
	return presence.NewTracker(docs, id, b, p.Config.QuietWindow(), p.Config.RemoteTypingTTL(), logger)
}

func provideLive(p Params, docs remote.DocumentStore, s *store.Store, pr *presence.Tracker, b *bus.Bus, logger *zap.Logger) *live.Manager {
	cfg := live.DefaultConfig()
	if p.Config.Live.MaxAttempts > 0 {
		cfg.MaxAttempts = p.Config.Live.MaxAttempts
	}
	if p.Config.Live.BaseBackoffMS > 0 {
		cfg.BaseBackoff = time.Duration(p.Config.Live.BaseBackoffMS) * time.Millisecond
	}
	if p.Config.Live.MaxBackoffMS > 0 {
		cfg.MaxBackoff = time.Duration(p.Config.Live.MaxBackoffMS) * time.Millisecond
	}
	return live.NewManager(docs, s, pr, b, cfg, logger)
}

func provideReceipts(s *store.Store, docs remote.DocumentStore, id remote.Identity, logger *zap.Logger) *receipt.Marker {
	return receipt.New(s, docs, id, logger)
}

func provideClient(s *store.Store, pipe *pipeline.Pipeline, lv *live.Manager, pr *presence.Tracker, rc *receipt.Marker, b *bus.Bus, id remote.Identity, logger *zap.Logger) *core.Client {
	return core.NewClient(s, pipe, lv, pr, rc, b, id, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, client *core.Client, rdb *redis.Client, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := rdb.Ping(ctx).Err(); err != nil {
				logger.Warn("redis not reachable yet, continuing", zap.Error(err))
			}
			if err := client.Start(context.Background()); err != nil {
				return err
			}
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gateway server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			client.Stop()
			if err := rdb.Close(); err != nil {
				logger.Warn("error closing redis client", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}

// Package backend opens the stores configured in the [database], [local_store],
// [s3] and [cache] sections. Both the daemon and the admin tool go through it,
// so they always agree on where lists, members and held messages live.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/migadu/listd/cache"
	"github.com/migadu/listd/config"
	"github.com/migadu/listd/consts"
	"github.com/migadu/listd/db"
	"github.com/migadu/listd/localstore"
	"github.com/migadu/listd/logger"
	"github.com/migadu/listd/mailinglist"
	"github.com/migadu/listd/moderation"
	"github.com/migadu/listd/pkg/circuitbreaker"
	"github.com/migadu/listd/pkg/retry"
	"github.com/migadu/listd/storage"
	"github.com/migadu/listd/subscriptions"
)

// Stores groups the persistence interfaces the core packages need.
type Stores struct {
	Name string

	// Lists is nil for the memory backend.
	Lists   mailinglist.Repository
	Members subscriptions.MemberStore
	Pending subscriptions.PendingStore
	Users   subscriptions.UserDirectory
	Held    moderation.HeldStore

	// Database is set only for the postgres backend.
	Database *db.Database

	ping  func(ctx context.Context) error
	close func() error
}

// Open connects the configured backend. PostgreSQL connections are retried
// with backoff, since the database often comes up after listd does.
func Open(ctx context.Context, cfg *config.Config) (*Stores, error) {
	backend := cfg.Database.GetBackend()
	switch backend {
	case config.BackendPostgres:
		var database *db.Database
		err := retry.WithRetry(ctx, func() error {
			d, err := db.NewDatabaseFromConfig(ctx, &cfg.Database)
			if err != nil {
				return err
			}
			database = d
			return nil
		}, retry.DefaultBackoffConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		return &Stores{
			Name:     backend,
			Lists:    database,
			Members:  database,
			Pending:  database,
			Users:    database,
			Held:     database,
			Database: database,
			ping:     database.Ping,
			close:    func() error { database.Close(); return nil },
		}, nil

	case config.BackendSQLite:
		store, err := localstore.Open(ctx, cfg.LocalStore.Path)
		if err != nil {
			return nil, err
		}
		return &Stores{
			Name:    backend,
			Lists:   store,
			Members: store,
			Pending: store,
			Users:   store,
			Held:    store,
			ping:    store.Ping,
			close:   store.Close,
		}, nil

	case config.BackendMemory:
		logger.Warn("Backend: using in-memory stores, nothing survives a restart")
		mem := subscriptions.NewMemoryStore()
		return &Stores{
			Name:    backend,
			Members: mem,
			Pending: mem,
			Users:   mem,
			Held:    moderation.NewMemoryHeldStore(),
		}, nil
	}
	return nil, fmt.Errorf("unknown database backend %q", backend)
}

// Ping reports whether the backend answers.
func (s *Stores) Ping(ctx context.Context) error {
	if s.ping == nil {
		return nil
	}
	return s.ping(ctx)
}

func (s *Stores) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

// Catalog loads every persisted list into a new catalog.
func (s *Stores) Catalog(ctx context.Context) (*mailinglist.Catalog, error) {
	catalog := mailinglist.NewCatalog(s.Lists)
	if s.Lists == nil {
		return catalog, nil
	}
	if err := catalog.Load(ctx); err != nil {
		return nil, fmt.Errorf("failed to load mailing lists: %w", err)
	}
	return catalog, nil
}

// Blobs is the message body store: S3, optionally behind the local cache,
// or memory when no bucket is configured.
type Blobs struct {
	moderation.BlobStore

	// S3 and Cache are nil when not in use.
	S3    *storage.S3Storage
	Cache *cache.Cache
}

// OpenBlobs builds the blob store from the [s3] and [cache] sections.
func OpenBlobs(ctx context.Context, cfg *config.Config) (*Blobs, error) {
	if !cfg.S3.IsConfigured() {
		logger.Warn("Backend: S3 is not configured, held messages are kept in memory")
		return &Blobs{BlobStore: storage.NewMemoryStore()}, nil
	}

	s3, err := storage.NewFromConfig(&cfg.S3)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize S3 storage: %w", err)
	}
	err = retry.WithRetry(ctx, func() error {
		return s3.Ping(ctx)
	}, retry.DefaultBackoffConfig())
	if err != nil {
		return nil, fmt.Errorf("S3 bucket %q is not reachable: %w", cfg.S3.Bucket, err)
	}
	logger.Info("Backend: connected to S3", "endpoint", cfg.S3.Endpoint, "bucket", cfg.S3.Bucket)

	guarded := newGuardedStore("s3", s3)
	blobs := &Blobs{BlobStore: guarded, S3: s3}
	if cfg.Cache.Path == "" {
		return blobs, nil
	}

	capacity, err := cfg.Cache.GetCapacity()
	if err != nil {
		return nil, err
	}
	maxObject, err := cfg.Cache.GetMaxObjectSize()
	if err != nil {
		return nil, err
	}
	purge, err := cfg.Cache.GetPurgeInterval()
	if err != nil {
		return nil, err
	}
	c, err := cache.New(guarded, cfg.Cache.Path, capacity, maxObject, purge)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}
	blobs.BlobStore = c
	blobs.Cache = c
	return blobs, nil
}

func (b *Blobs) Close() error {
	if b.Cache != nil {
		return b.Cache.Close()
	}
	return nil
}

// guardedStore fails fast while the wrapped store keeps failing. Missing
// objects do not count as failures.
type guardedStore struct {
	store   moderation.BlobStore
	breaker *circuitbreaker.Breaker
}

func newGuardedStore(name string, store moderation.BlobStore) *guardedStore {
	settings := circuitbreaker.DefaultSettings()
	settings.IsFailure = func(err error) bool {
		return err != nil && !errors.Is(err, consts.ErrDBNotFound)
	}
	return &guardedStore{store: store, breaker: circuitbreaker.New(name, settings)}
}

func (g *guardedStore) Put(ctx context.Context, key string, data []byte) error {
	return g.breaker.Do(func() error { return g.store.Put(ctx, key, data) })
}

func (g *guardedStore) Get(ctx context.Context, key string) ([]byte, error) {
	return circuitbreaker.Do(g.breaker, func() ([]byte, error) { return g.store.Get(ctx, key) })
}

func (g *guardedStore) Delete(ctx context.Context, key string) error {
	return g.breaker.Do(func() error { return g.store.Delete(ctx, key) })
}

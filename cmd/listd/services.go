package main

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/migadu/listd/backend"
	"github.com/migadu/listd/config"
	"github.com/migadu/listd/dedup"
	"github.com/migadu/listd/logger"
	"github.com/migadu/listd/mailinglist"
	"github.com/migadu/listd/moderation"
	"github.com/migadu/listd/rules"
	"github.com/migadu/listd/server/cleaner"
	"github.com/migadu/listd/server/lmtp"
	"github.com/migadu/listd/server/opsapi"
	"github.com/migadu/listd/server/outbox"
	"github.com/migadu/listd/subscriptions"
)

// serverDependencies holds the shared services the servers are built from.
type serverDependencies struct {
	config        config.Config
	hostname      string
	serverManager *serverManager

	stores    *backend.Stores
	blobs     *backend.Blobs
	catalog   *mailinglist.Catalog
	service   *subscriptions.Service
	registrar *subscriptions.Registrar
	pipeline  *moderation.Pipeline
	holds     *moderation.HoldQueue
	spool     *outbox.Spool
	notifier  *outbox.Notifier
	dedup     *dedup.Filter
	redis     *redis.Client
}

// initializeServices opens every store and builds the moderation and
// subscription services on top of them.
func initializeServices(ctx context.Context, cfg config.Config) (*serverDependencies, error) {
	hostname := cfg.LMTP.Hostname
	if hostname == "" || hostname == "localhost" {
		if h, err := os.Hostname(); err == nil {
			hostname = h
		}
	}

	subscriptions.DefaultLanguage = cfg.Subscriptions.GetPreferredLanguage()

	deps := &serverDependencies{
		config:        cfg,
		hostname:      hostname,
		serverManager: &serverManager{},
	}

	var err error
	logger.Info("Opening stores", "backend", cfg.Database.GetBackend())
	deps.stores, err = backend.Open(ctx, &cfg)
	if err != nil {
		return nil, err
	}

	deps.blobs, err = backend.OpenBlobs(ctx, &cfg)
	if err != nil {
		deps.Close()
		return nil, err
	}

	deps.catalog, err = deps.stores.Catalog(ctx)
	if err != nil {
		deps.Close()
		return nil, err
	}
	logger.Info("Loaded mailing lists", "count", len(deps.catalog.List()))

	deps.spool, err = outbox.New(cfg.Outbox.Path, deps.catalog)
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("failed to open outbox: %w", err)
	}
	deps.notifier = outbox.NewNotifier(deps.spool)

	deps.service = subscriptions.NewService(deps.catalog, deps.stores.Members, deps.stores.Users)
	deps.registrar = subscriptions.NewRegistrar(deps.catalog, deps.stores.Pending, deps.stores.Users, deps.service)
	deps.registrar.SetNotifier(deps.notifier)

	deps.pipeline = moderation.NewPipeline(rules.Default())
	deps.holds = moderation.NewHoldQueue(deps.stores.Held, deps.blobs, deps.spool)

	deps.dedup, deps.redis, err = dedup.NewFromConfig(ctx, &cfg.Redis)
	if err != nil {
		// Posts are still accepted without Redis, only unfiltered.
		logger.Warn("Redis unavailable, duplicate suppression disabled", "addr", cfg.Redis.Addr, "error", err)
		deps.dedup, deps.redis = nil, nil
	}

	return deps, nil
}

// Close releases stores in reverse order of opening. It is safe to call twice.
func (d *serverDependencies) Close() {
	if d.redis != nil {
		if err := d.redis.Close(); err != nil {
			logger.Warn("Failed to close redis client", "error", err)
		}
		d.redis = nil
	}
	if d.blobs != nil {
		if err := d.blobs.Close(); err != nil {
			logger.Warn("Failed to close blob cache", "error", err)
		}
		d.blobs = nil
	}
	if d.stores != nil {
		if err := d.stores.Close(); err != nil {
			logger.Warn("Failed to close stores", "error", err)
		}
		d.stores = nil
	}
}

func (d *serverDependencies) lmtpDeps() lmtp.Deps {
	deps := lmtp.Deps{
		Lists:    d.catalog,
		Members:  d.service,
		Requests: d.registrar,
		Pipeline: d.pipeline,
		Holds:    d.holds,
		Outbox:   d.spool,
		Notifier: d.notifier,
	}
	if d.dedup != nil {
		deps.Dedup = d.dedup
	}
	return deps
}

// startServers launches background workers and the configured listeners.
// Listener failures are reported on the returned channel.
func startServers(ctx context.Context, deps *serverDependencies) chan error {
	errChan := make(chan error, 2)
	cfg := deps.config

	if deps.stores.Database != nil {
		deps.stores.Database.StartPoolMetrics(ctx)
	}
	if deps.blobs.Cache != nil {
		deps.blobs.Cache.StartPurgeLoop(ctx)
	}
	startRequestSweeper(ctx, deps)

	if cfg.LMTP.Start {
		maxSize, _ := cfg.LMTP.GetMaxMessageSize()
		server, err := lmtp.New(ctx, deps.hostname, cfg.LMTP.Addr, deps.lmtpDeps(), lmtp.LMTPServerOptions{
			Debug:           cfg.LMTP.Debug,
			MaxMessageSize:  maxSize,
			TrustedNetworks: cfg.LMTP.TrustedNetworks,
		})
		if err != nil {
			errChan <- fmt.Errorf("failed to create LMTP server: %w", err)
			return errChan
		}
		deps.serverManager.Add()
		go func() {
			defer deps.serverManager.Done()
			server.Start(errChan)
		}()
		go func() {
			<-ctx.Done()
			logger.Info("Shutting down LMTP server")
			if err := server.Close(); err != nil {
				logger.Warn("Error closing LMTP server", "error", err)
			}
		}()
	}

	if cfg.OpsAPI.Start {
		ops, err := opsapi.New(opsapi.ServerOptions{
			Addr:         cfg.OpsAPI.Addr,
			MetricsPath:  cfg.OpsAPI.MetricsPath,
			AllowedHosts: cfg.OpsAPI.AllowedHosts,
		})
		if err != nil {
			errChan <- fmt.Errorf("failed to create ops API server: %w", err)
			return errChan
		}
		ops.AddCheck("database", deps.stores.Ping)
		if deps.blobs.S3 != nil {
			ops.AddCheck("s3", deps.blobs.S3.Ping)
		}
		if deps.redis != nil {
			ops.AddCheck("redis", func(ctx context.Context) error {
				return deps.redis.Ping(ctx).Err()
			})
		}
		deps.serverManager.Add()
		go func() {
			defer deps.serverManager.Done()
			ops.Start(ctx, errChan)
		}()
	}

	return errChan
}

// startRequestSweeper expires pending requests older than the token
// lifetime, once at startup and then every sweep interval.
func startRequestSweeper(ctx context.Context, deps *serverDependencies) {
	lifetime, _ := deps.config.Subscriptions.GetTokenLifetime()
	interval, _ := deps.config.Subscriptions.GetSweepInterval()
	if lifetime <= 0 || interval <= 0 {
		logger.Info("Pending request expiry disabled")
		return
	}

	var locker cleaner.Locker
	if deps.stores.Database != nil {
		locker = deps.stores.Database
	}
	cleaner.New(deps.registrar, locker, lifetime, interval).Start(ctx)
}

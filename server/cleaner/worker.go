// Package cleaner periodically expires pending subscription requests whose
// token lifetime has passed. When several listd instances share a database,
// a Locker makes sure only one of them sweeps at a time.
package cleaner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/migadu/listd/logger"
)

const minAllowedInterval = time.Minute

// Expirer expires pending requests created before cutoff.
type Expirer interface {
	ExpireOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// Locker grants the sweep to one instance. ok is false when another
// instance holds it.
type Locker interface {
	TryLockSweep(ctx context.Context) (release func(), ok bool, err error)
}

type CleanupWorker struct {
	expirer  Expirer
	locker   Locker
	lifetime time.Duration
	interval time.Duration
	now      func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a worker. locker may be nil for backends that are not shared.
func New(expirer Expirer, locker Locker, lifetime, interval time.Duration) *CleanupWorker {
	return &CleanupWorker{
		expirer:  expirer,
		locker:   locker,
		lifetime: lifetime,
		interval: interval,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start sweeps once and then every interval until ctx is done or Stop is
// called.
func (w *CleanupWorker) Start(ctx context.Context) {
	interval := w.interval
	if interval < minAllowedInterval {
		logger.Warn("Cleanup: interval below minimum, using minimum", "configured", w.interval, "minimum", minAllowedInterval)
		interval = minAllowedInterval
	}
	logger.Info("Cleanup: worker starting", "interval", interval, "token_lifetime", w.lifetime)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		w.sweep(ctx)
		for {
			select {
			case <-ctx.Done():
				logger.Info("Cleanup: worker stopped due to context cancellation")
				return
			case <-w.stopCh:
				logger.Info("Cleanup: worker stopped")
				return
			case <-ticker.C:
				w.sweep(ctx)
			}
		}
	}()
}

// Stop signals the worker to stop.
func (w *CleanupWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

func (w *CleanupWorker) sweep(ctx context.Context) {
	n, err := w.runOnce(ctx)
	if err != nil {
		logger.Warn("Cleanup: sweep failed", "error", err)
		return
	}
	if n > 0 {
		logger.Info("Cleanup: expired pending requests", "count", n)
	}
}

func (w *CleanupWorker) runOnce(ctx context.Context) (int, error) {
	if w.locker != nil {
		release, ok, err := w.locker.TryLockSweep(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to acquire sweep lock: %w", err)
		}
		if !ok {
			logger.Debug("Cleanup: skipped, another instance holds the sweep lock")
			return 0, nil
		}
		defer release()
	}

	n, err := w.expirer.ExpireOlderThan(ctx, w.now().Add(-w.lifetime))
	if err != nil {
		return n, fmt.Errorf("failed to expire pending requests: %w", err)
	}
	return n, nil
}

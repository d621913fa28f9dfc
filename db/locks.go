package db

import (
	"context"
	"fmt"
	"time"

	"github.com/migadu/listd/consts"
	"github.com/migadu/listd/logger"
)

// TryLockSweep takes the sweep advisory lock without waiting. The lock lives
// on a pooled connection that stays checked out until release is called.
func (db *Database) TryLockSweep(ctx context.Context) (release func(), ok bool, err error) {
	conn, err := db.WritePool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to reserve lock connection: %w", err)
	}

	queryCtx, cancel := db.withTimeout(ctx)
	defer cancel()
	var acquired bool
	if err := conn.QueryRow(queryCtx, "SELECT pg_try_advisory_lock($1)", consts.SweepAdvisoryLockID).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("failed to query for sweep lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	release = func() {
		defer conn.Release()
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(unlockCtx, "SELECT pg_advisory_unlock($1)", consts.SweepAdvisoryLockID); err != nil {
			logger.Warn("Database: failed to release sweep lock", "error", err)
		}
	}
	return release, true, nil
}

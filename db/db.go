package db

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/migadu/listd/config"
	"github.com/migadu/listd/consts"
	"github.com/migadu/listd/logger"
	"github.com/migadu/listd/pkg/metrics"
)

// Database holds the PostgreSQL pools. Reads go to ReadPool unless the
// context carries consts.UseMasterDBKey.
type Database struct {
	WritePool *pgxpool.Pool
	ReadPool  *pgxpool.Pool

	queryTimeout time.Duration
}

// NewDatabaseFromConfig connects the write pool and, when configured, a
// separate read pool. Schema migrations run first when MigrateOnStart is set.
func NewDatabaseFromConfig(ctx context.Context, dbConfig *config.DatabaseConfig) (*Database, error) {
	if dbConfig.Write == nil {
		return nil, fmt.Errorf("write database configuration is required")
	}

	queryTimeout, err := dbConfig.GetQueryTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid query_timeout: %w", err)
	}

	if dbConfig.MigrateOnStart {
		migrationTimeout, err := dbConfig.GetMigrationTimeout()
		if err != nil {
			return nil, fmt.Errorf("invalid migration_timeout: %w", err)
		}
		migrateCtx, cancel := context.WithTimeout(ctx, migrationTimeout)
		err = MigrateUp(migrateCtx, dbConfig.Write)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMigrationFailed, err)
		}
	}

	writePool, err := createPoolFromEndpoint(ctx, dbConfig.Write, dbConfig.Debug, "write")
	if err != nil {
		return nil, fmt.Errorf("failed to create write pool: %w", err)
	}

	readPool := writePool
	if dbConfig.Read != nil {
		readPool, err = createPoolFromEndpoint(ctx, dbConfig.Read, dbConfig.Debug, "read")
		if err != nil {
			writePool.Close()
			return nil, fmt.Errorf("failed to create read pool: %w", err)
		}
	} else {
		logger.Info("Database: no read endpoint configured, reads use the write pool")
	}

	return &Database{
		WritePool:    writePool,
		ReadPool:     readPool,
		queryTimeout: queryTimeout,
	}, nil
}

func (db *Database) Close() {
	if db.WritePool != nil {
		db.WritePool.Close()
	}
	if db.ReadPool != nil && db.ReadPool != db.WritePool {
		db.ReadPool.Close()
	}
}

// Ping checks that the write pool answers.
func (db *Database) Ping(ctx context.Context) error {
	return db.WritePool.Ping(ctx)
}

// StartPoolMetrics periodically publishes pool statistics until ctx is done.
func (db *Database) StartPoolMetrics(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				db.collectPoolStats()
			}
		}
	}()
}

func (db *Database) collectPoolStats() {
	publish := func(role string, pool *pgxpool.Pool) {
		stats := pool.Stat()
		metrics.DBPoolConns.WithLabelValues(role, "total").Set(float64(stats.TotalConns()))
		metrics.DBPoolConns.WithLabelValues(role, "idle").Set(float64(stats.IdleConns()))
		metrics.DBPoolConns.WithLabelValues(role, "in_use").Set(float64(stats.AcquiredConns()))
	}
	if db.WritePool != nil {
		publish("write", db.WritePool)
	}
	if db.ReadPool != nil && db.ReadPool != db.WritePool {
		publish("read", db.ReadPool)
	}
}

// GetReadPoolWithContext returns the pool a read should use, honouring
// session pinning to the primary.
func (db *Database) GetReadPoolWithContext(ctx context.Context) *pgxpool.Pool {
	if useMaster, ok := ctx.Value(consts.UseMasterDBKey).(bool); ok && useMaster {
		return db.WritePool
	}
	return db.ReadPool
}

func (db *Database) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if db.queryTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, db.queryTimeout)
}

func (db *Database) role(pool *pgxpool.Pool) string {
	if pool == db.WritePool {
		return "write"
	}
	return "read"
}

func observe(operation, role string, start time.Time, err error) {
	metrics.DBQueryDuration.WithLabelValues(operation, role).Observe(time.Since(start).Seconds())
	status := "success"
	if err != nil && err != pgx.ErrNoRows {
		status = "failure"
	}
	metrics.DBQueriesTotal.WithLabelValues(operation, status, role).Inc()
}

// queryRow runs a single-row read and scans it into dest.
func (db *Database) queryRow(ctx context.Context, operation, sql string, args []any, dest ...any) error {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	pool := db.GetReadPoolWithContext(ctx)
	err := pool.QueryRow(ctx, sql, args...).Scan(dest...)
	observe(operation, db.role(pool), start, err)
	return err
}

// query runs a multi-row read, calling scan once per row.
func (db *Database) query(ctx context.Context, operation, sql string, args []any, scan func(pgx.Rows) error) error {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	pool := db.GetReadPoolWithContext(ctx)
	rows, err := pool.Query(ctx, sql, args...)
	if err != nil {
		observe(operation, db.role(pool), start, err)
		return err
	}
	defer rows.Close()

	for rows.Next() {
		if err = scan(rows); err != nil {
			break
		}
	}
	if err == nil {
		err = rows.Err()
	}
	observe(operation, db.role(pool), start, err)
	return err
}

// exec runs a write on the primary and returns the affected row count.
func (db *Database) exec(ctx context.Context, operation, sql string, args ...any) (int64, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	tag, err := db.WritePool.Exec(ctx, sql, args...)
	observe(operation, "write", start, err)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// connString builds a PostgreSQL URL for one endpoint, picking a random host.
func connString(endpoint *config.DatabaseEndpointConfig) (string, string, error) {
	if len(endpoint.Hosts) == 0 {
		return "", "", fmt.Errorf("at least one host must be specified")
	}

	selectedHost := endpoint.Hosts[rand.Intn(len(endpoint.Hosts))]

	// host:port in hosts wins over the separate port field.
	if !strings.Contains(selectedHost, ":") {
		var portStr string
		switch v := endpoint.Port.(type) {
		case nil:
		case string:
			portStr = v
		case int:
			portStr = strconv.Itoa(v)
		case int64: // TOML integers decode as int64
			portStr = strconv.FormatInt(v, 10)
		default:
			return "", "", fmt.Errorf("invalid type for port: %T", v)
		}
		if portStr == "" {
			portStr = "5432"
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return "", "", fmt.Errorf("invalid port value '%s': %w", portStr, err)
		}
		selectedHost = fmt.Sprintf("%s:%d", selectedHost, port)
	}

	sslMode := "disable"
	if endpoint.TLSMode {
		sslMode = "require"
	}

	url := fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=%s",
		endpoint.User, endpoint.Password, selectedHost, endpoint.Name, sslMode)
	return url, selectedHost, nil
}

func createPoolFromEndpoint(ctx context.Context, endpoint *config.DatabaseEndpointConfig, logQueries bool, poolType string) (*pgxpool.Pool, error) {
	url, host, err := connString(endpoint)
	if err != nil {
		return nil, err
	}

	logger.Info("Database: connecting", "pool", poolType, "user", endpoint.User, "host", host, "name", endpoint.Name)

	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	if logQueries {
		cfg.ConnConfig.Tracer = &queryTracer{}
	}

	if endpoint.MaxConns > 0 {
		cfg.MaxConns = int32(endpoint.MaxConns)
	}
	if endpoint.MinConns > 0 {
		cfg.MinConns = int32(endpoint.MinConns)
	}
	lifetime, err := endpoint.GetMaxConnLifetime()
	if err != nil {
		return nil, fmt.Errorf("invalid max_conn_lifetime: %w", err)
	}
	cfg.MaxConnLifetime = lifetime
	idleTime, err := endpoint.GetMaxConnIdleTime()
	if err != nil {
		return nil, fmt.Errorf("invalid max_conn_idle_time: %w", err)
	}
	cfg.MaxConnIdleTime = idleTime

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}

	logger.Info("Database: pool ready", "pool", poolType,
		"max_conns", cfg.MaxConns, "min_conns", cfg.MinConns,
		"max_lifetime", cfg.MaxConnLifetime, "max_idle", cfg.MaxConnIdleTime)
	return pool, nil
}

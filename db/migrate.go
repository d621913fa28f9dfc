package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/migadu/listd/config"
	"github.com/migadu/listd/consts"
	"github.com/migadu/listd/logger"
)

//go:embed migrations/*.sql
var MigrationsFS embed.FS

// ErrMigrationLocked is returned when another process holds the migration lock.
var ErrMigrationLocked = errors.New("could not acquire exclusive database lock; is another listd instance migrating?")

// ErrMigrationFailed wraps any failure to bring the schema up to date when
// migrate_on_start is set.
var ErrMigrationFailed = errors.New("schema migration failed")

// IsMigrationError reports whether err came from a startup migration.
func IsMigrationError(err error) bool {
	return errors.Is(err, ErrMigrationFailed) || errors.Is(err, ErrMigrationLocked)
}

// Migrator wraps a migrate instance and the connection holding the advisory lock.
type Migrator struct {
	*migrate.Migrate
	sqlDB    *sql.DB
	lockConn *sql.Conn
}

// NewMigrator opens a dedicated connection to endpoint and prepares the
// embedded migrations.
func NewMigrator(ctx context.Context, endpoint *config.DatabaseEndpointConfig) (*Migrator, error) {
	url, _, err := connString(endpoint)
	if err != nil {
		return nil, err
	}

	sqlDB, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open sql.DB for migrations: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrations, err := fs.Sub(MigrationsFS, "migrations")
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to get migrations subdirectory: %w", err)
	}

	sourceDriver, err := iofs.New(migrations, ".")
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create migration source driver: %w", err)
	}

	dbDriver, err := pgxv5.WithInstance(sqlDB, &pgxv5.Config{})
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "pgx5", dbDriver)
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrationLogger{}

	return &Migrator{Migrate: m, sqlDB: sqlDB}, nil
}

// Lock takes the listd advisory lock without waiting. The lock is session
// scoped, so it is held on a dedicated connection until Unlock.
func (m *Migrator) Lock(ctx context.Context) error {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := m.sqlDB.Conn(queryCtx)
	if err != nil {
		return fmt.Errorf("failed to reserve lock connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRowContext(queryCtx, "SELECT pg_try_advisory_lock($1)", consts.ListdAdvisoryLockID).Scan(&acquired); err != nil {
		conn.Close()
		return fmt.Errorf("failed to query for advisory lock: %w", err)
	}
	if !acquired {
		conn.Close()
		return ErrMigrationLocked
	}
	m.lockConn = conn
	logger.Info("Database: acquired migration lock")
	return nil
}

// Unlock releases the advisory lock. Failures are logged only.
func (m *Migrator) Unlock(ctx context.Context) {
	if m.lockConn == nil {
		return
	}
	defer func() {
		m.lockConn.Close()
		m.lockConn = nil
	}()

	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var unlocked bool
	err := m.lockConn.QueryRowContext(queryCtx, "SELECT pg_advisory_unlock($1)", consts.ListdAdvisoryLockID).Scan(&unlocked)
	switch {
	case err != nil:
		logger.Warn("Database: failed to release migration lock", "error", err)
	case !unlocked:
		logger.Warn("Database: migration lock was not held at release")
	default:
		logger.Info("Database: released migration lock")
	}
}

// Close closes the migration source, driver and connection.
func (m *Migrator) Close() {
	if srcErr, dbErr := m.Migrate.Close(); srcErr != nil || dbErr != nil {
		logger.Warn("Database: closing migrator", "source_error", srcErr, "db_error", dbErr)
	}
	m.sqlDB.Close()
}

// CurrentVersion returns the schema version, 0 when no migration ran.
func (m *Migrator) CurrentVersion() (uint, bool, error) {
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

// MigrateUp applies every pending migration under the advisory lock.
func MigrateUp(ctx context.Context, endpoint *config.DatabaseEndpointConfig) error {
	m, err := NewMigrator(ctx, endpoint)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Lock(ctx); err != nil {
		return err
	}
	defer m.Unlock(context.Background())

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	version, dirty, err := m.CurrentVersion()
	if err != nil {
		return fmt.Errorf("failed to read migration version: %w", err)
	}
	logger.Info("Database: schema up to date", "version", version, "dirty", dirty)
	return nil
}

type migrationLogger struct{}

func (l *migrationLogger) Printf(format string, v ...interface{}) {
	logger.Infof("[MIGRATE] "+format, v...)
}

func (l *migrationLogger) Verbose() bool {
	return false
}

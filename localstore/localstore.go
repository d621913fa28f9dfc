// Package localstore is the single-node SQLite backend. It stores lists,
// users, memberships, pending requests and held message records in one file.
package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/migadu/listd/consts"
	"github.com/migadu/listd/logger"
	"github.com/migadu/listd/pkg/metrics"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id                 TEXT PRIMARY KEY,
	email              TEXT NOT NULL COLLATE NOCASE UNIQUE,
	display_name       TEXT NOT NULL DEFAULT '',
	preferred_language TEXT NOT NULL DEFAULT 'en',
	created_at         INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS mailing_lists (
	list_id    TEXT PRIMARY KEY,
	version    INTEGER NOT NULL,
	data       TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS members (
	id                TEXT PRIMARY KEY,
	list_id           TEXT NOT NULL REFERENCES mailing_lists (list_id) ON DELETE CASCADE,
	email             TEXT NOT NULL,
	role              INTEGER NOT NULL,
	user_id           TEXT NOT NULL REFERENCES users (id),
	display_name      TEXT NOT NULL DEFAULT '',
	delivery_mode     INTEGER NOT NULL DEFAULT 0,
	language          TEXT NOT NULL DEFAULT 'en',
	moderation_action TEXT,
	created_at        INTEGER NOT NULL,
	UNIQUE (list_id, email, role)
);
CREATE INDEX IF NOT EXISTS idx_members_email ON members (email);

CREATE TABLE IF NOT EXISTS pending_requests (
	token         TEXT PRIMARY KEY,
	kind          INTEGER NOT NULL,
	list_id       TEXT NOT NULL REFERENCES mailing_lists (list_id) ON DELETE CASCADE,
	email         TEXT NOT NULL,
	user_id       TEXT,
	display_name  TEXT NOT NULL DEFAULT '',
	delivery_mode INTEGER NOT NULL DEFAULT 0,
	language      TEXT NOT NULL DEFAULT 'en',
	owner         INTEGER NOT NULL,
	state         INTEGER NOT NULL,
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pending_requests_created ON pending_requests (state, created_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_pending_requests_open_unique
	ON pending_requests (list_id, email, kind) WHERE state BETWEEN 1 AND 3;

CREATE TABLE IF NOT EXISTS held_messages (
	id            TEXT PRIMARY KEY,
	list_id       TEXT NOT NULL REFERENCES mailing_lists (list_id) ON DELETE CASCADE,
	message_id    TEXT NOT NULL DEFAULT '',
	envelope_from TEXT NOT NULL DEFAULT '',
	sender        TEXT NOT NULL DEFAULT '',
	subject       TEXT NOT NULL DEFAULT '',
	hit_rules     TEXT NOT NULL DEFAULT '[]',
	reasons       TEXT NOT NULL DEFAULT '[]',
	content_hash  TEXT NOT NULL,
	size          INTEGER NOT NULL,
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_held_messages_list ON held_messages (list_id, created_at);
`

// Store is a SQLite-backed implementation of every listd persistence interface.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	path = filepath.Clean(strings.TrimSpace(path))
	if path == "" || path == "." {
		return nil, fmt.Errorf("local store path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create local store directory: %w", err)
	}

	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}
	// SQLite has a single writer.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode = WAL;`); err != nil {
		logger.Warn("Localstore: failed to enable WAL", "error", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create local store schema: %w", err)
	}

	logger.Info("Localstore: opened", "path", path)
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is usable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func observe(operation string, start time.Time, err error) {
	metrics.DBQueryDuration.WithLabelValues(operation, "sqlite").Observe(time.Since(start).Seconds())
	status := "success"
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		status = "failure"
	}
	metrics.DBQueriesTotal.WithLabelValues(operation, status, "sqlite").Inc()
}

func (s *Store) exec(ctx context.Context, operation, query string, args ...any) (int64, error) {
	start := time.Now()
	res, err := s.db.ExecContext(ctx, query, args...)
	observe(operation, start, err)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) query(ctx context.Context, operation, query string, args []any, scan func(*sql.Rows) error) error {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		observe(operation, start, err)
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
	observe(operation, start, err)
	return err
}

// translate maps driver errors onto the consts sentinels.
func translate(what string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, consts.ErrDBNotFound)
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return fmt.Errorf("%s: %w", what, consts.ErrDBUniqueViolation)
		case sqlite3.SQLITE_CONSTRAINT:
			if strings.Contains(sqliteErr.Error(), "UNIQUE") {
				return fmt.Errorf("%s: %w", what, consts.ErrDBUniqueViolation)
			}
		}
	}
	return fmt.Errorf("%s: %w", what, err)
}

func unixNano(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

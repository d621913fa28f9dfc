// Package cache keeps a bounded local copy of held message bodies in front
// of the blob store they live in.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/migadu/listd/helpers"
	"github.com/migadu/listd/logger"
	"github.com/migadu/listd/moderation"
)

const DataDir = "data"
const IndexDB = "cache_index.db"

// Cache is a read-through blob store. Writes go to the origin first and are
// then kept on local disk; reads are served from disk when possible.
// Entries are evicted oldest first once the total size exceeds capacity.
type Cache struct {
	origin        moderation.BlobStore
	basePath      string
	capacity      int64
	maxObjectSize int64
	purgeInterval time.Duration
	db            *sql.DB
	mu            sync.Mutex

	hits   atomic.Int64
	misses atomic.Int64
}

// Stats holds cache occupancy and hit counters.
type Stats struct {
	ObjectCount int64
	TotalSize   int64
	Hits        int64
	Misses      int64
}

func New(origin moderation.BlobStore, basePath string, capacity, maxObjectSize int64, purgeInterval time.Duration) (*Cache, error) {
	basePath = filepath.Clean(strings.TrimSpace(basePath))
	if basePath == "" || basePath == "." {
		return nil, fmt.Errorf("cache base path cannot be empty")
	}

	dataDir := filepath.Join(basePath, DataDir)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache data path %s: %w", dataDir, err)
	}

	db, err := sql.Open("sqlite", filepath.Join(basePath, IndexDB))
	if err != nil {
		return nil, fmt.Errorf("failed to open cache index DB: %w", err)
	}

	if _, err := db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		logger.Warn("Cache: failed to enable WAL", "error", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS cache_index (
		path TEXT PRIMARY KEY,
		size INTEGER NOT NULL,
		mod_time TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_cache_mod_time ON cache_index(mod_time);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create cache schema: %w", err)
	}

	return &Cache{
		origin:        origin,
		basePath:      basePath,
		capacity:      capacity,
		maxObjectSize: maxObjectSize,
		purgeInterval: purgeInterval,
		db:            db,
	}, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

// Put stores data in the origin and keeps a local copy when it fits.
func (c *Cache) Put(ctx context.Context, key string, data []byte) error {
	if err := c.origin.Put(ctx, key, data); err != nil {
		return err
	}
	if err := c.store(key, data); err != nil {
		logger.Warn("Cache: failed to keep local copy", "key", key, "error", err)
	}
	return nil
}

// Get serves key from disk, falling back to the origin and caching the result.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	path := c.pathFor(key)
	data, err := os.ReadFile(path)
	if err == nil {
		c.hits.Add(1)
		c.touch(path)
		return data, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		logger.Warn("Cache: read failed, using origin", "key", key, "error", err)
	}
	c.misses.Add(1)

	data, err = c.origin.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := c.store(key, data); err != nil {
		logger.Warn("Cache: failed to keep local copy", "key", key, "error", err)
	}
	return data, nil
}

// Delete removes key from the origin and from disk.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.evict(key); err != nil {
		logger.Warn("Cache: failed to evict local copy", "key", key, "error", err)
	}
	return c.origin.Delete(ctx, key)
}

func (c *Cache) store(key string, data []byte) error {
	if c.maxObjectSize > 0 && int64(len(data)) > c.maxObjectSize {
		return nil
	}

	path := c.pathFor(key)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	// Write to a temporary file and rename so readers never see a partial body.
	tempFile, err := os.CreateTemp(dir, "put-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary cache file: %w", err)
	}
	defer os.Remove(tempFile.Name())

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		return fmt.Errorf("failed to write temporary cache file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("failed to close temporary cache file: %w", err)
	}
	if err := os.Rename(tempFile.Name(), path); err != nil {
		return fmt.Errorf("failed to move cache file into place: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = c.db.Exec(`INSERT OR REPLACE INTO cache_index (path, size, mod_time) VALUES (?, ?, ?)`,
		path, len(data), time.Now())
	return err
}

// touch refreshes an entry's recency so eviction prefers colder bodies.
func (c *Cache) touch(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.db.Exec(`UPDATE cache_index SET mod_time = ? WHERE path = ?`, time.Now(), path); err != nil {
		logger.Debug("Cache: failed to refresh entry", "path", path, "error", err)
	}
}

func (c *Cache) evict(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	path := c.pathFor(key)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove cache file %s: %w", path, err)
	}
	removeEmptyParents(path, filepath.Join(c.basePath, DataDir))
	if _, err := c.db.Exec(`DELETE FROM cache_index WHERE path = ?`, path); err != nil {
		return fmt.Errorf("failed to remove index entry for %s: %w", path, err)
	}
	return nil
}

// pathFor spreads entries over two directory levels keyed by the key's hash.
func (c *Cache) pathFor(key string) string {
	h := helpers.HashContent([]byte(key))
	return filepath.Join(c.basePath, DataDir, h[:2], h[2:4], h[4:])
}

func removeEmptyParents(path string, stopAt string) {
	for {
		dir := filepath.Dir(path)
		if dir == stopAt || dir == "." || dir == "/" {
			return
		}
		if err := os.Remove(dir); err != nil {
			return
		}
		path = dir
	}
}

// StartPurgeLoop evicts entries every purge interval until ctx is done.
func (c *Cache) StartPurgeLoop(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.purgeInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.PurgeIfNeeded(ctx); err != nil {
					logger.Warn("Cache: purge failed", "error", err)
				}
			}
		}
	}()
}

// PurgeIfNeeded removes the least recently used entries until the cache is
// back under capacity.
func (c *Cache) PurgeIfNeeded(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var totalSize int64
	if err := c.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(size), 0) FROM cache_index`).Scan(&totalSize); err != nil {
		return fmt.Errorf("failed to get total cache size: %w", err)
	}
	if totalSize <= c.capacity {
		return nil
	}
	amountToFree := totalSize - c.capacity

	rows, err := c.db.QueryContext(ctx, `SELECT path, size FROM cache_index ORDER BY mod_time ASC`)
	if err != nil {
		return fmt.Errorf("failed to query purge candidates: %w", err)
	}
	var (
		paths []string
		freed int64
	)
	for rows.Next() && freed < amountToFree {
		var path string
		var size int64
		if err := rows.Scan(&path, &size); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan purge candidate: %w", err)
		}
		paths = append(paths, path)
		freed += size
	}
	rows.Close()

	dataDir := filepath.Join(c.basePath, DataDir)
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("Cache: failed to remove file during purge", "path", path, "error", err)
			continue
		}
		removeEmptyParents(path, dataDir)
		if _, err := c.db.ExecContext(ctx, `DELETE FROM cache_index WHERE path = ?`, path); err != nil {
			return fmt.Errorf("failed to remove purged entry from index: %w", err)
		}
	}
	logger.Info("Cache: purged entries", "count", len(paths), "freed_bytes", freed)
	return nil
}

// SyncFromDisk rebuilds the index from the files present on disk.
func (c *Cache) SyncFromDisk() error {
	dataDir := filepath.Join(c.basePath, DataDir)

	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin index sync: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM cache_index`); err != nil {
		return fmt.Errorf("failed to clear index: %w", err)
	}
	err = filepath.WalkDir(dataDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() || strings.HasSuffix(path, ".tmp") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		_, err = tx.Exec(`INSERT OR REPLACE INTO cache_index (path, size, mod_time) VALUES (?, ?, ?)`,
			path, info.Size(), info.ModTime())
		return err
	})
	if err != nil && !errors.Is(err, syscall.ENOENT) {
		return fmt.Errorf("failed to walk cache directory: %w", err)
	}
	return tx.Commit()
}

// Stats reports the current cache occupancy.
func (c *Cache) Stats() (*Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := &Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
	if err := c.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM cache_index`).Scan(&s.ObjectCount, &s.TotalSize); err != nil {
		return nil, fmt.Errorf("failed to query cache statistics: %w", err)
	}
	return s, nil
}

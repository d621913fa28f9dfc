package testutils

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/migadu/listd/consts"
)

// FileBlobStore is a disk-backed stand-in for the S3 blob store. Keys map to
// files under a base directory, and failures can be injected per key.
type FileBlobStore struct {
	mu      sync.RWMutex
	baseDir string
	errors  map[string]error
	gets    atomic.Int64
}

func NewFileBlobStore(baseDir string) (*FileBlobStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &FileBlobStore{
		baseDir: baseDir,
		errors:  make(map[string]error),
	}, nil
}

func (m *FileBlobStore) injected(key string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.errors[key]
}

func (m *FileBlobStore) Put(ctx context.Context, key string, data []byte) error {
	if err := m.injected(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	filePath := m.keyToFilePath(key)
	m.mu.Lock()
	err := os.MkdirAll(filepath.Dir(filePath), 0755)
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp := filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}
	return os.Rename(tmp, filePath)
}

// Get returns an error wrapping consts.ErrDBNotFound for missing keys, like
// the real store.
func (m *FileBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.gets.Add(1)
	if err := m.injected(key); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(m.keyToFilePath(key))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("object %s: %w", key, consts.ErrDBNotFound)
	}
	return data, err
}

func (m *FileBlobStore) Delete(ctx context.Context, key string) error {
	if err := m.injected(key); err != nil {
		return err
	}
	err := os.Remove(m.keyToFilePath(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// SetError makes every operation on key fail with err.
func (m *FileBlobStore) SetError(key string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[key] = err
}

func (m *FileBlobStore) ClearError(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.errors, key)
}

// Gets counts Get calls, including failed ones.
func (m *FileBlobStore) Gets() int {
	return int(m.gets.Load())
}

// Stored returns the raw bytes kept for key.
func (m *FileBlobStore) Stored(key string) ([]byte, bool) {
	data, err := os.ReadFile(m.keyToFilePath(key))
	if err != nil {
		return nil, false
	}
	return data, true
}

// Keys lists stored keys in sorted order.
func (m *FileBlobStore) Keys() []string {
	var keys []string
	_ = filepath.Walk(m.baseDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || strings.HasSuffix(path, ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(m.baseDir, path)
		if err == nil {
			keys = append(keys, filepath.ToSlash(rel))
		}
		return nil
	})
	sort.Strings(keys)
	return keys
}

func (m *FileBlobStore) Count() int {
	return len(m.Keys())
}

func (m *FileBlobStore) keyToFilePath(key string) string {
	return filepath.Join(m.baseDir, filepath.FromSlash(key))
}

package cache

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/listd/consts"
	"github.com/migadu/listd/testutils"
)

func newTestCache(t *testing.T, capacity, maxObjectSize int64) (*Cache, *testutils.FileBlobStore) {
	t.Helper()
	origin, err := testutils.NewFileBlobStore(t.TempDir())
	require.NoError(t, err)
	c, err := New(origin, t.TempDir(), capacity, maxObjectSize, 100*time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, c.Close()) })
	return c, origin
}

func randomData(t *testing.T, size int) []byte {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	return data
}

func TestNewCache(t *testing.T) {
	c, _ := newTestCache(t, 1024, 512)
	assert.DirExists(t, filepath.Join(c.basePath, DataDir))
	assert.FileExists(t, filepath.Join(c.basePath, IndexDB))

	_, err := New(nil, "", 1024, 512, time.Minute)
	assert.ErrorContains(t, err, "cache base path cannot be empty")
}

func TestPutGetDelete(t *testing.T) {
	ctx := context.Background()
	c, origin := newTestCache(t, 4096, 1024)
	data := randomData(t, 100)

	require.NoError(t, c.Put(ctx, "held/dev/abc", data))
	stored, ok := origin.Stored("held/dev/abc")
	require.True(t, ok)
	assert.Equal(t, data, stored)
	assert.FileExists(t, c.pathFor("held/dev/abc"))

	got, err := c.Get(ctx, "held/dev/abc")
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, 0, origin.Gets())

	stats, err := c.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.ObjectCount)
	assert.Equal(t, int64(100), stats.TotalSize)
	assert.Equal(t, int64(1), stats.Hits)

	require.NoError(t, c.Delete(ctx, "held/dev/abc"))
	assert.NoFileExists(t, c.pathFor("held/dev/abc"))
	_, err = c.Get(ctx, "held/dev/abc")
	assert.ErrorIs(t, err, consts.ErrDBNotFound)
}

func TestGetFillsFromOrigin(t *testing.T) {
	ctx := context.Background()
	c, origin := newTestCache(t, 4096, 1024)
	data := randomData(t, 64)
	require.NoError(t, origin.Put(ctx, "held/dev/remote", data))

	got, err := c.Get(ctx, "held/dev/remote")
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, 1, origin.Gets())

	_, err = c.Get(ctx, "held/dev/remote")
	require.NoError(t, err)
	assert.Equal(t, 1, origin.Gets(), "second read should be served locally")
}

func TestOversizedObjectsStayRemote(t *testing.T) {
	ctx := context.Background()
	c, origin := newTestCache(t, 4096, 10)

	require.NoError(t, c.Put(ctx, "held/dev/big", randomData(t, 50)))
	assert.NoFileExists(t, c.pathFor("held/dev/big"))
	assert.Contains(t, origin.Keys(), "held/dev/big")
}

func TestPurgeIfNeeded(t *testing.T) {
	ctx := context.Background()
	c, origin := newTestCache(t, 250, 1024)

	for i := 0; i < 4; i++ {
		require.NoError(t, c.Put(ctx, fmt.Sprintf("held/dev/%d", i), randomData(t, 100)))
		time.Sleep(5 * time.Millisecond)
	}

	require.NoError(t, c.PurgeIfNeeded(ctx))

	stats, err := c.Stats()
	require.NoError(t, err)
	assert.LessOrEqual(t, stats.TotalSize, int64(250))
	assert.NoFileExists(t, c.pathFor("held/dev/0"))
	assert.FileExists(t, c.pathFor("held/dev/3"))
	assert.Equal(t, 4, origin.Count(), "eviction never touches the origin")
}

func TestSyncFromDisk(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, 4096, 1024)
	require.NoError(t, c.Put(ctx, "held/dev/a", randomData(t, 10)))

	_, err := c.db.Exec(`DELETE FROM cache_index`)
	require.NoError(t, err)

	stray := filepath.Join(c.basePath, DataDir, "zz", "put-1.tmp")
	require.NoError(t, os.MkdirAll(filepath.Dir(stray), 0755))
	require.NoError(t, os.WriteFile(stray, []byte("x"), 0644))

	require.NoError(t, c.SyncFromDisk())
	stats, err := c.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.ObjectCount)
}

func TestOriginFailures(t *testing.T) {
	ctx := context.Background()
	c, origin := newTestCache(t, 4096, 1024)
	boom := errors.New("s3 unavailable")

	origin.SetError("held/dev/x", boom)
	assert.ErrorIs(t, c.Put(ctx, "held/dev/x", []byte("body")), boom)
	assert.NoFileExists(t, c.pathFor("held/dev/x"), "nothing is cached when the upload fails")

	origin.ClearError("held/dev/x")
	require.NoError(t, c.Put(ctx, "held/dev/x", []byte("body")))

	// A local copy keeps serving while the origin is down.
	origin.SetError("held/dev/x", boom)
	got, err := c.Get(ctx, "held/dev/x")
	require.NoError(t, err)
	assert.Equal(t, []byte("body"), got)

	assert.ErrorIs(t, c.Delete(ctx, "held/dev/x"), boom)
	assert.NoFileExists(t, c.pathFor("held/dev/x"))
}

package moderation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/listd/consts"
	"github.com/migadu/listd/mailinglist"
	"github.com/migadu/listd/pkg/metrics"
)

type memoryBlobs struct {
	mu    sync.Mutex
	blobs map[string][]byte
	// beforeDelete runs ahead of every Delete.
	beforeDelete func()
}

func (b *memoryBlobs) Put(ctx context.Context, key string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blobs[key] = append([]byte(nil), data...)
	return nil
}

func (b *memoryBlobs) Get(ctx context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.blobs[key]
	if !ok {
		return nil, fmt.Errorf("blob %s: %w", key, consts.ErrDBNotFound)
	}
	return data, nil
}

func (b *memoryBlobs) Delete(ctx context.Context, key string) error {
	if b.beforeDelete != nil {
		b.beforeDelete()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.blobs, key)
	return nil
}

type recordingOutbox struct {
	mu    sync.Mutex
	posts [][]byte
	err   error
}

func (o *recordingOutbox) Enqueue(ctx context.Context, listID, envelopeFrom string, raw []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return o.err
	}
	o.posts = append(o.posts, raw)
	return nil
}

func newTestQueue() (*HoldQueue, *MemoryHeldStore, *memoryBlobs, *recordingOutbox) {
	held := NewMemoryHeldStore()
	blobs := &memoryBlobs{blobs: make(map[string][]byte)}
	out := &recordingOutbox{}
	return NewHoldQueue(held, blobs, out), held, blobs, out
}

func TestHoldQueueHoldAndAccept(t *testing.T) {
	metrics.HeldMessages.Reset()
	ctx := context.Background()
	q, _, blobs, out := newTestQueue()
	ml := testList(t)
	msg := testMessage(t, "")

	decision := Decision{Disposition: Hold, HitRules: []string{"emergency"}, Reasons: []string{"emergency: x"}}
	held, err := q.Hold(ctx, ml, msg, decision)
	require.NoError(t, err)
	assert.Equal(t, "<m1@example.com>", held.MessageID)
	assert.Equal(t, "anne@example.com", held.Sender)
	assert.Equal(t, []string{"emergency"}, held.HitRules)
	assert.Len(t, held.ContentHash, 64)
	assert.Contains(t, blobs.blobs, BlobKey(ml.ListID, held.ContentHash))

	listed, err := q.List(ctx, ml.ListID)
	require.NoError(t, err)
	require.Len(t, listed, 1)

	_, body, err := q.Get(ctx, held.ID)
	require.NoError(t, err)
	assert.Equal(t, msg.Raw, body)

	require.NoError(t, q.Dispose(ctx, held.ID, mailinglist.ActionAccept))
	require.Len(t, out.posts, 1)
	assert.Equal(t, msg.Raw, out.posts[0])
	assert.Empty(t, blobs.blobs)

	_, _, err = q.Get(ctx, held.ID)
	var notFound *NoSuchHeldMessageError
	assert.ErrorAs(t, err, &notFound)

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.HeldMessages.WithLabelValues("hold")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.HeldMessages.WithLabelValues("accept")))
}

func TestHoldQueueDiscardDropsPost(t *testing.T) {
	ctx := context.Background()
	q, held, _, out := newTestQueue()
	ml := testList(t)

	h, err := q.Hold(ctx, ml, testMessage(t, ""), Decision{Disposition: Hold})
	require.NoError(t, err)

	require.NoError(t, q.Dispose(ctx, h.ID, mailinglist.ActionDiscard))
	assert.Empty(t, out.posts)
	assert.Empty(t, held.held)

	assert.Error(t, q.Dispose(ctx, uuid.New(), mailinglist.ActionHold))
}

func TestHoldQueueSharedBodySurvivesFirstDispose(t *testing.T) {
	ctx := context.Background()
	q, _, blobs, _ := newTestQueue()
	ml := testList(t)
	msg := testMessage(t, "")

	first, err := q.Hold(ctx, ml, msg, Decision{Disposition: Hold})
	require.NoError(t, err)
	second, err := q.Hold(ctx, ml, msg, Decision{Disposition: Hold})
	require.NoError(t, err)

	require.NoError(t, q.Dispose(ctx, first.ID, mailinglist.ActionReject))
	assert.Len(t, blobs.blobs, 1)

	_, body, err := q.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, msg.Raw, body)
}

func TestHoldQueueConcurrentDisposeReleasesOnce(t *testing.T) {
	ctx := context.Background()
	q, _, blobs, out := newTestQueue()
	ml := testList(t)

	h, err := q.Hold(ctx, ml, testMessage(t, ""), Decision{Disposition: Hold})
	require.NoError(t, err)

	const moderators = 8
	var released, gone int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < moderators; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := q.Dispose(ctx, h.ID, mailinglist.ActionAccept)
			var notFound *NoSuchHeldMessageError
			switch {
			case err == nil:
				atomic.AddInt32(&released, 1)
			case errors.As(err, &notFound):
				atomic.AddInt32(&gone, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), released)
	assert.Equal(t, int32(moderators-1), gone)
	assert.Len(t, out.posts, 1)
	assert.Empty(t, blobs.blobs)
}

func TestHoldQueueFailedReleaseKeepsMessage(t *testing.T) {
	ctx := context.Background()
	q, _, _, out := newTestQueue()
	ml := testList(t)
	msg := testMessage(t, "")

	h, err := q.Hold(ctx, ml, msg, Decision{Disposition: Hold})
	require.NoError(t, err)

	out.err = errors.New("spool unavailable")
	require.Error(t, q.Dispose(ctx, h.ID, mailinglist.ActionAccept))

	_, body, err := q.Get(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, msg.Raw, body)

	out.err = nil
	require.NoError(t, q.Dispose(ctx, h.ID, mailinglist.ActionAccept))
	assert.Len(t, out.posts, 1)
}

func TestHoldQueueBodyHeldDuringDisposeSurvives(t *testing.T) {
	ctx := context.Background()
	q, _, blobs, _ := newTestQueue()
	ml := testList(t)
	msg := testMessage(t, "")

	first, err := q.Hold(ctx, ml, msg, Decision{Disposition: Hold})
	require.NoError(t, err)

	var second *HeldMessage
	blobs.beforeDelete = func() {
		blobs.beforeDelete = nil
		second, err = q.Hold(ctx, ml, msg, Decision{Disposition: Hold})
		require.NoError(t, err)
	}
	require.NoError(t, q.Dispose(ctx, first.ID, mailinglist.ActionReject))
	require.NotNil(t, second)

	_, body, err := q.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, msg.Raw, body)
}

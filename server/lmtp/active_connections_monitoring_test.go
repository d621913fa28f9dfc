package lmtp

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestActiveConnections_TotalVsActive(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	backend := &LMTPServerBackend{appCtx: ctx, hostname: "lists.example.org"}

	a := backend.newSession("127.0.0.1")
	b := backend.newSession("127.0.0.1")
	assert.Equal(t, int64(2), backend.GetTotalConnections())
	assert.Equal(t, int64(2), backend.GetActiveConnections())
	assert.NotEqual(t, a.Id, b.Id)

	assert.NoError(t, a.Logout())
	assert.Equal(t, int64(2), backend.GetTotalConnections())
	assert.Equal(t, int64(1), backend.GetActiveConnections())
	assert.Error(t, a.ctx.Err(), "logout cancels the session context")
	assert.NoError(t, b.ctx.Err())

	assert.NoError(t, b.Logout())
	assert.Equal(t, int64(0), backend.GetActiveConnections())
}

func TestActiveConnections_Concurrent(t *testing.T) {
	backend := &LMTPServerBackend{appCtx: context.Background()}

	const sessions = 50
	var wg sync.WaitGroup
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := backend.newSession("10.0.0.1")
			_ = s.Logout()
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(sessions), backend.GetTotalConnections())
	assert.Equal(t, int64(0), backend.GetActiveConnections())
}

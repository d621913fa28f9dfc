package errors

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGracefulError_Unwrap(t *testing.T) {
	base := errors.New("connection refused")
	err := NewGracefulError("connect database", base)
	assert.ErrorIs(t, err, base)
	assert.Contains(t, err.Error(), "connect database")
}

func TestErrorHandler_FirstCodeWins(t *testing.T) {
	eh := NewErrorHandler()
	eh.ConfigError("/etc/listd.toml", os.ErrNotExist)
	eh.FatalError("lmtp", errors.New("bind failed"))

	code, ok := eh.WaitForExitWithTimeout(time.Second)
	assert.True(t, ok)
	assert.Equal(t, ExitConfig, code)

	_, ok = eh.WaitForExitWithTimeout(10 * time.Millisecond)
	assert.False(t, ok)
}

func TestErrorHandler_Migration(t *testing.T) {
	eh := NewErrorHandler()
	eh.MigrationError(errors.New("dirty"))
	assert.Equal(t, ExitMigration, eh.WaitForExit())
}

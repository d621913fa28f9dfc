package lmtp

import (
	"errors"
	"strings"
	"testing"

	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageSizeLimit_EnforcedCorrectly(t *testing.T) {
	tests := []struct {
		name           string
		maxMessageSize int64
		messageSize    int
		expectError    bool
	}{
		{"Message within limit", 1024, 512, false},
		{"Message exactly at limit", 1024, 1024, false},
		{"Message exceeds limit by 1 byte", 1024, 1025, true},
		{"Message much larger than limit", 1024, 10240, true},
		{"No limit configured (0)", 0, 100000, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session := &LMTPSession{
				backend:   &LMTPServerBackend{maxMessageSize: tt.maxMessageSize},
				hasSender: true,
				rcpts:     []recipient{{address: "dev@example.org"}},
			}

			data, err := session.readMessage(strings.NewReader(strings.Repeat("X", tt.messageSize)))
			if !tt.expectError {
				require.NoError(t, err)
				assert.Len(t, data, tt.messageSize)
				return
			}

			var smtpErr *smtp.SMTPError
			require.True(t, errors.As(err, &smtpErr))
			assert.Equal(t, 552, smtpErr.Code)
			assert.Equal(t, smtp.EnhancedCode{5, 3, 4}, smtpErr.EnhancedCode)
			assert.Contains(t, smtpErr.Message, "message size exceeds maximum")
		})
	}
}

func TestReadMessageRequiresEnvelope(t *testing.T) {
	session := &LMTPSession{backend: &LMTPServerBackend{}}

	_, err := session.readMessage(strings.NewReader("Subject: x\r\n\r\n"))
	var smtpErr *smtp.SMTPError
	require.True(t, errors.As(err, &smtpErr))
	assert.Equal(t, 503, smtpErr.Code)
}

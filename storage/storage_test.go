package storage

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/listd/config"
	"github.com/migadu/listd/consts"
)

func testKey() string {
	return strings.Repeat("ab", 32)
}

func TestEnableEncryption(t *testing.T) {
	s := &S3Storage{}

	assert.Error(t, s.EnableEncryption(""))
	assert.Error(t, s.EnableEncryption("not-hex"))
	assert.ErrorContains(t, s.EnableEncryption("abcd"), "32 bytes")
	assert.False(t, s.Encrypt)

	require.NoError(t, s.EnableEncryption(testKey()))
	assert.True(t, s.Encrypt)
	assert.Len(t, s.EncryptionKey, 32)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	s := &S3Storage{}
	require.NoError(t, s.EnableEncryption(testKey()))

	plaintext := []byte("Subject: held\r\n\r\nbody\r\n")
	a, err := s.encryptData(plaintext)
	require.NoError(t, err)
	b, err := s.encryptData(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "each upload uses a fresh nonce")

	got, err := s.decryptData(a)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)

	a[len(a)-1] ^= 0xff
	_, err = s.decryptData(a)
	assert.Error(t, err)

	_, err = s.decryptData([]byte("short"))
	assert.ErrorContains(t, err, "too short")
}

func TestDecryptWithWrongKey(t *testing.T) {
	s := &S3Storage{}
	require.NoError(t, s.EnableEncryption(testKey()))
	ciphertext, err := s.encryptData([]byte("secret"))
	require.NoError(t, err)

	other := &S3Storage{}
	require.NoError(t, other.EnableEncryption(hex.EncodeToString(make([]byte, 32))))
	_, err = other.decryptData(ciphertext)
	assert.Error(t, err)
}

func TestClassifyS3Error(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "none"},
		{context.DeadlineExceeded, "timeout"},
		{fmt.Errorf("put: %w", context.Canceled), "canceled"},
		{minio.ErrorResponse{StatusCode: 404, Code: "NoSuchKey"}, "not_found"},
		{errors.New("AccessDenied: nope"), "access_denied"},
		{errors.New("SlowDown please"), "throttled"},
		{errors.New("dial tcp: connection refused"), "network_error"},
		{errors.New("boom"), "error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, classifyS3Error(tt.err), "%v", tt.err)
	}
}

func TestNewFromConfig(t *testing.T) {
	_, err := NewFromConfig(&config.S3Config{})
	assert.Error(t, err)

	s, err := NewFromConfig(&config.S3Config{
		Endpoint: "localhost:9000", Bucket: "held", AccessKey: "a", SecretKey: "b",
		DisableTLS: true, Encrypt: true, EncryptionKey: testKey(),
	})
	require.NoError(t, err)
	assert.Equal(t, "held", s.BucketName)
	assert.True(t, s.Encrypt)

	_, err = NewFromConfig(&config.S3Config{Endpoint: "localhost:9000", Bucket: "held", Encrypt: true})
	assert.Error(t, err)
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	data := []byte("body")
	require.NoError(t, m.Put(ctx, "held/dev/abc", data))
	data[0] = 'X'

	got, err := m.Get(ctx, "held/dev/abc")
	require.NoError(t, err)
	assert.Equal(t, []byte("body"), got)
	assert.Equal(t, 1, m.Len())

	require.NoError(t, m.Delete(ctx, "held/dev/abc"))
	require.NoError(t, m.Delete(ctx, "held/dev/abc"))
	_, err = m.Get(ctx, "held/dev/abc")
	assert.ErrorIs(t, err, consts.ErrDBNotFound)
}

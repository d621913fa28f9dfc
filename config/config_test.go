package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestNewDefaultConfig_Validates(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NoError(t, cfg.Validate())

	lifetime, err := cfg.Subscriptions.GetTokenLifetime()
	require.NoError(t, err)
	assert.Equal(t, 72*time.Hour, lifetime)
	assert.Equal(t, "en", cfg.Subscriptions.GetPreferredLanguage())
}

func TestLoadConfigFromFile_UnknownKeys(t *testing.T) {
	path := writeConfig(t, `
[database]
backend = "sqlite"
typo_setting = 123

[local_store]
path = "  /tmp/listd.db  "

[subscriptions]
token_lifetime = "12h"
`)

	cfg := NewDefaultConfig()
	require.NoError(t, LoadConfigFromFile(path, &cfg))

	assert.Equal(t, BackendSQLite, cfg.Database.GetBackend())
	assert.Equal(t, "/tmp/listd.db", cfg.LocalStore.Path, "string fields are trimmed")
	lifetime, err := cfg.Subscriptions.GetTokenLifetime()
	require.NoError(t, err)
	assert.Equal(t, 12*time.Hour, lifetime)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigFromFile_DuplicateKeys(t *testing.T) {
	path := writeConfig(t, `
[lmtp]
addr = ":2424"
addr = ":9999"
`)
	cfg := NewDefaultConfig()
	require.NoError(t, LoadConfigFromFile(path, &cfg))
	assert.Equal(t, ":2424", cfg.LMTP.Addr)
}

func TestLoadConfigFromFile_BooleanTypo(t *testing.T) {
	path := writeConfig(t, `
[lmtp]
start = f
`)
	cfg := NewDefaultConfig()
	err := LoadConfigFromFile(path, &cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HINT")
}

func TestRemoveDuplicateKeys(t *testing.T) {
	cleaned := removeDuplicateKeysFromTOML(`
[database.write]
user = "postgres"
user = "admin"

[database.read]
user = "reader"
`)
	assert.Contains(t, cleaned, `# DUPLICATE IGNORED: user = "admin"`)
	assert.Contains(t, cleaned, `user = "reader"`)
	assert.Equal(t, 1, strings.Count(cleaned, "DUPLICATE IGNORED"))
}

func TestValidate(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Database.Backend = "oracle"
	assert.Error(t, cfg.Validate())

	cfg = NewDefaultConfig()
	cfg.Subscriptions.TokenLifetime = "soon"
	assert.Error(t, cfg.Validate())

	cfg = NewDefaultConfig()
	cfg.S3.Encrypt = true
	cfg.S3.EncryptionKey = "abc"
	assert.Error(t, cfg.Validate())

	cfg = NewDefaultConfig()
	cfg.Database.Backend = BackendMemory
	cfg.Database.Write = nil
	assert.NoError(t, cfg.Validate())
}

func TestParseSize(t *testing.T) {
	tests := map[string]int64{
		"512":  512,
		"64kb": 64 << 10,
		"25MB": 25 << 20,
		"1gb":  1 << 30,
	}
	for input, want := range tests {
		got, err := ParseSize(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}
	_, err := ParseSize("lots")
	assert.Error(t, err)
}

func TestCacheConfigDefaults(t *testing.T) {
	var c CacheConfig
	capacity, err := c.GetCapacity()
	require.NoError(t, err)
	assert.Equal(t, int64(1<<30), capacity)

	c.MaxObjectSize = "64kb"
	size, err := c.GetMaxObjectSize()
	require.NoError(t, err)
	assert.Equal(t, int64(64<<10), size)

	c.PurgeInterval = "bogus"
	_, err = c.GetPurgeInterval()
	assert.Error(t, err)
}

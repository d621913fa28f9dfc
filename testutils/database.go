package testutils

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/require"

	"github.com/migadu/listd/config"
	"github.com/migadu/listd/db"
)

// TestDatabase wraps a migrated PostgreSQL connection for integration tests.
type TestDatabase struct {
	*db.Database
	Config *config.Config
}

// SetupTestDatabase connects to the database described by config-test.toml,
// applying migrations first. The test is skipped in short mode or when no
// config-test.toml exists.
func SetupTestDatabase(t *testing.T) *TestDatabase {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping database integration test in short mode")
	}

	configPath, err := findTestConfig()
	if err != nil {
		t.Skip("config-test.toml not found, skipping PostgreSQL tests")
	}

	cfg := config.NewDefaultConfig()
	_, err = toml.DecodeFile(configPath, &cfg)
	require.NoError(t, err, "Failed to load test config. Please check config-test.toml syntax")
	require.NotNil(t, cfg.Database.Write, "config-test.toml needs a [database.write] section")

	cfg.Database.MigrateOnStart = true
	database, err := db.NewDatabaseFromConfig(context.Background(), &cfg.Database)
	require.NoError(t, err, "Failed to connect to test database %s", cfg.Database.Write.Name)

	td := &TestDatabase{Database: database, Config: &cfg}
	td.TruncateAllTables(t)
	t.Cleanup(td.Close)
	return td
}

// findTestConfig walks up the directory tree to find config-test.toml
func findTestConfig() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		configPath := filepath.Join(dir, "config-test.toml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", fmt.Errorf("config-test.toml not found in current directory or any parent directory")
}

// TruncateAllTables empties every listd table.
func (td *TestDatabase) TruncateAllTables(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	tables := []string{
		"held_messages",
		"pending_requests",
		"members",
		"mailing_lists",
		"users",
	}
	for _, table := range tables {
		_, err := td.Database.WritePool.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table))
		require.NoError(t, err)
	}
}

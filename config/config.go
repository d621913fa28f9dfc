package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/migadu/listd/helpers"
)

// Store backends selectable with database.backend.
const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendMemory   = "memory"
)

// DatabaseEndpointConfig holds configuration for a single PostgreSQL endpoint.
type DatabaseEndpointConfig struct {
	// Hosts may carry an explicit port ("db1:5432"). One host is picked at
	// connect time.
	Hosts           []string    `toml:"hosts"`
	Port            interface{} `toml:"port"` // string or integer, default 5432
	User            string      `toml:"user"`
	Password        string      `toml:"password"`
	Name            string      `toml:"name"`
	TLSMode         bool        `toml:"tls"`
	MaxConns        int         `toml:"max_conns"`
	MinConns        int         `toml:"min_conns"`
	MaxConnLifetime string      `toml:"max_conn_lifetime"`
	MaxConnIdleTime string      `toml:"max_conn_idle_time"`
}

// DatabaseConfig selects the membership/registrar store and configures PostgreSQL.
type DatabaseConfig struct {
	Backend          string                  `toml:"backend"` // postgres, sqlite or memory
	Debug            bool                    `toml:"debug"`   // log every SQL statement
	QueryTimeout     string                  `toml:"query_timeout"`
	MigrationTimeout string                  `toml:"migration_timeout"`
	MigrateOnStart   bool                    `toml:"migrate_on_start"`
	Write            *DatabaseEndpointConfig `toml:"write"`
	Read             *DatabaseEndpointConfig `toml:"read"`
}

// GetMaxConnLifetime parses the max connection lifetime duration for an endpoint
func (e *DatabaseEndpointConfig) GetMaxConnLifetime() (time.Duration, error) {
	if e.MaxConnLifetime == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(e.MaxConnLifetime)
}

// GetMaxConnIdleTime parses the max connection idle time duration for an endpoint
func (e *DatabaseEndpointConfig) GetMaxConnIdleTime() (time.Duration, error) {
	if e.MaxConnIdleTime == "" {
		return 30 * time.Minute, nil
	}
	return helpers.ParseDuration(e.MaxConnIdleTime)
}

// GetQueryTimeout parses the general query timeout duration.
func (d *DatabaseConfig) GetQueryTimeout() (time.Duration, error) {
	if d.QueryTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(d.QueryTimeout)
}

// GetMigrationTimeout parses the migration timeout duration
func (d *DatabaseConfig) GetMigrationTimeout() (time.Duration, error) {
	if d.MigrationTimeout == "" {
		return 2 * time.Minute, nil
	}
	return helpers.ParseDuration(d.MigrationTimeout)
}

// GetBackend returns the configured backend, defaulting to postgres.
func (d *DatabaseConfig) GetBackend() string {
	if d.Backend == "" {
		return BackendPostgres
	}
	return strings.ToLower(d.Backend)
}

// LocalStoreConfig configures the single-node SQLite store.
type LocalStoreConfig struct {
	Path string `toml:"path"`
}

// S3Config holds S3 configuration for held message bodies.
type S3Config struct {
	Endpoint      string `toml:"endpoint"`
	DisableTLS    bool   `toml:"disable_tls"`
	AccessKey     string `toml:"access_key"`
	SecretKey     string `toml:"secret_key"`
	Bucket        string `toml:"bucket"`
	Debug         bool   `toml:"debug"` // trace S3 requests and responses
	Encrypt       bool   `toml:"encrypt"`
	EncryptionKey string `toml:"encryption_key"`
}

// IsConfigured reports whether enough S3 settings are present to connect.
func (s *S3Config) IsConfigured() bool {
	return s.Endpoint != "" && s.Bucket != ""
}

// CacheConfig configures the local copy of held bodies kept in front of S3.
type CacheConfig struct {
	Path          string `toml:"path"`
	Capacity      string `toml:"capacity"`
	MaxObjectSize string `toml:"max_object_size"`
	PurgeInterval string `toml:"purge_interval"`
}

// GetCapacity parses the cache capacity, defaulting to 1 GiB.
func (c *CacheConfig) GetCapacity() (int64, error) {
	if c.Capacity == "" {
		return 1 << 30, nil
	}
	return ParseSize(c.Capacity)
}

// GetMaxObjectSize parses the largest body kept locally, defaulting to 5 MiB.
func (c *CacheConfig) GetMaxObjectSize() (int64, error) {
	if c.MaxObjectSize == "" {
		return 5 << 20, nil
	}
	return ParseSize(c.MaxObjectSize)
}

// GetPurgeInterval parses how often the cache is trimmed.
func (c *CacheConfig) GetPurgeInterval() (time.Duration, error) {
	if c.PurgeInterval == "" {
		return 10 * time.Minute, nil
	}
	return helpers.ParseDuration(c.PurgeInterval)
}

// RedisConfig configures the Message-ID duplicate filter.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	DedupTTL string `toml:"dedup_ttl"`
}

// GetDedupTTL parses how long a seen Message-ID is remembered.
func (r *RedisConfig) GetDedupTTL() (time.Duration, error) {
	if r.DedupTTL == "" {
		return 24 * time.Hour, nil
	}
	return helpers.ParseDuration(r.DedupTTL)
}

// LMTPServerConfig configures the message intake.
type LMTPServerConfig struct {
	Start           bool     `toml:"start"`
	Addr            string   `toml:"addr"`
	Hostname        string   `toml:"hostname"`
	MaxMessageSize  string   `toml:"max_message_size"` // e.g. "25mb"
	TrustedNetworks []string `toml:"trusted_networks"`
	Debug           bool     `toml:"debug"`
}

// GetMaxMessageSize parses max_message_size, defaulting to 25 MiB.
func (l *LMTPServerConfig) GetMaxMessageSize() (int64, error) {
	if l.MaxMessageSize == "" {
		return 25 << 20, nil
	}
	return ParseSize(l.MaxMessageSize)
}

// OpsAPIConfig configures the metrics and health endpoint.
type OpsAPIConfig struct {
	Start        bool     `toml:"start"`
	Addr         string   `toml:"addr"`
	MetricsPath  string   `toml:"metrics_path"`
	AllowedHosts []string `toml:"allowed_hosts"` // IPs or CIDRs; empty allows all
}

// SubscriptionsConfig controls the registrar.
type SubscriptionsConfig struct {
	TokenLifetime     string `toml:"token_lifetime"`
	SweepInterval     string `toml:"sweep_interval"`
	PreferredLanguage string `toml:"preferred_language"`
}

// GetTokenLifetime parses how long a pending request stays redeemable.
func (s *SubscriptionsConfig) GetTokenLifetime() (time.Duration, error) {
	if s.TokenLifetime == "" {
		return 72 * time.Hour, nil
	}
	return helpers.ParseDuration(s.TokenLifetime)
}

// GetSweepInterval parses how often stale requests are expired.
func (s *SubscriptionsConfig) GetSweepInterval() (time.Duration, error) {
	if s.SweepInterval == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(s.SweepInterval)
}

// GetPreferredLanguage returns the system-wide default language code.
func (s *SubscriptionsConfig) GetPreferredLanguage() string {
	if s.PreferredLanguage == "" {
		return "en"
	}
	return s.PreferredLanguage
}

// OutboxConfig configures the spool that accepted posts are written to.
type OutboxConfig struct {
	Path string `toml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output string `toml:"output"` // "stderr", "stdout", "syslog", or a file path
	Format string `toml:"format"` // "json" or "console"
	Level  string `toml:"level"`  // "debug", "info", "warn", "error"
}

// Config holds all configuration for the application.
type Config struct {
	Logging       LoggingConfig       `toml:"logging"`
	Database      DatabaseConfig      `toml:"database"`
	LocalStore    LocalStoreConfig    `toml:"local_store"`
	S3            S3Config            `toml:"s3"`
	Cache         CacheConfig         `toml:"cache"`
	Redis         RedisConfig         `toml:"redis"`
	LMTP          LMTPServerConfig    `toml:"lmtp"`
	OpsAPI        OpsAPIConfig        `toml:"ops_api"`
	Subscriptions SubscriptionsConfig `toml:"subscriptions"`
	Outbox        OutboxConfig        `toml:"outbox"`
}

// NewDefaultConfig creates a Config struct with default values.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Database: DatabaseConfig{
			Backend:          BackendPostgres,
			QueryTimeout:     "30s",
			MigrationTimeout: "2m",
			MigrateOnStart:   true,
			Write: &DatabaseEndpointConfig{
				Hosts:           []string{"localhost"},
				Port:            "5432",
				User:            "postgres",
				Name:            "listd",
				MaxConns:        50,
				MinConns:        5,
				MaxConnLifetime: "1h",
				MaxConnIdleTime: "30m",
			},
		},
		LocalStore: LocalStoreConfig{
			Path: "/var/lib/listd/listd.db",
		},
		Cache: CacheConfig{
			Path:          "/var/cache/listd",
			Capacity:      "1gb",
			MaxObjectSize: "5mb",
			PurgeInterval: "10m",
		},
		Redis: RedisConfig{
			DedupTTL: "24h",
		},
		LMTP: LMTPServerConfig{
			Start:          true,
			Addr:           "127.0.0.1:24",
			Hostname:       "localhost",
			MaxMessageSize: "25mb",
		},
		OpsAPI: OpsAPIConfig{
			Start:       true,
			Addr:        "127.0.0.1:9090",
			MetricsPath: "/metrics",
		},
		Subscriptions: SubscriptionsConfig{
			TokenLifetime:     "3d",
			SweepInterval:     "1h",
			PreferredLanguage: "en",
		},
		Outbox: OutboxConfig{
			Path: "/var/spool/listd/outbox",
		},
	}
}

// Validate checks settings that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Database.GetBackend() {
	case BackendPostgres:
		if c.Database.Write == nil || len(c.Database.Write.Hosts) == 0 {
			return fmt.Errorf("database.write.hosts is required for the postgres backend")
		}
	case BackendSQLite:
		if c.LocalStore.Path == "" {
			return fmt.Errorf("local_store.path is required for the sqlite backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown database.backend %q", c.Database.Backend)
	}

	if _, err := c.Database.GetQueryTimeout(); err != nil {
		return fmt.Errorf("database.query_timeout: %w", err)
	}
	if _, err := c.Subscriptions.GetTokenLifetime(); err != nil {
		return fmt.Errorf("subscriptions.token_lifetime: %w", err)
	}
	if _, err := c.Subscriptions.GetSweepInterval(); err != nil {
		return fmt.Errorf("subscriptions.sweep_interval: %w", err)
	}
	if _, err := c.Redis.GetDedupTTL(); err != nil {
		return fmt.Errorf("redis.dedup_ttl: %w", err)
	}
	if _, err := c.LMTP.GetMaxMessageSize(); err != nil {
		return fmt.Errorf("lmtp.max_message_size: %w", err)
	}
	if _, err := c.Cache.GetCapacity(); err != nil {
		return fmt.Errorf("cache.capacity: %w", err)
	}
	if _, err := c.Cache.GetPurgeInterval(); err != nil {
		return fmt.Errorf("cache.purge_interval: %w", err)
	}
	if c.S3.Encrypt && len(c.S3.EncryptionKey) != 64 {
		return fmt.Errorf("s3.encryption_key must be 64 hex characters when s3.encrypt is set")
	}
	return nil
}

// ParseSize parses sizes like "512", "64kb", "25mb", "1gb".
func ParseSize(s string) (int64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	multiplier := int64(1)
	for _, unit := range []struct {
		suffix string
		factor int64
	}{{"gb", 1 << 30}, {"mb", 1 << 20}, {"kb", 1 << 10}, {"b", 1}} {
		if strings.HasSuffix(s, unit.suffix) {
			multiplier = unit.factor
			s = strings.TrimSpace(strings.TrimSuffix(s, unit.suffix))
			break
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid size %q: negative", s)
	}
	return n * multiplier, nil
}

// Package dedup suppresses repeated deliveries of the same post to a list.
// A post is identified by its list and Message-ID; the pair is remembered in
// Redis for a configurable time.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/migadu/listd/config"
	"github.com/migadu/listd/logger"
	"github.com/migadu/listd/pkg/circuitbreaker"
	"github.com/migadu/listd/pkg/metrics"
)

const (
	// DefaultTTL is how long a seen Message-ID is remembered.
	DefaultTTL = 24 * time.Hour

	keyPrefix = "listd:seen:"
)

type setNXer interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// Filter tracks which posts have already been delivered to a list.
type Filter struct {
	rdb     setNXer
	ttl     time.Duration
	breaker *circuitbreaker.Breaker
}

// NewFilter creates a dedup filter backed by Redis.
func NewFilter(rdb *redis.Client, ttl time.Duration) *Filter {
	return newFilter(rdb, ttl)
}

func newFilter(rdb setNXer, ttl time.Duration) *Filter {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Filter{rdb: rdb, ttl: ttl, breaker: circuitbreaker.New("redis", circuitbreaker.DefaultSettings())}
}

// NewFromConfig connects to the configured Redis. It returns nil when no
// address is set.
func NewFromConfig(ctx context.Context, cfg *config.RedisConfig) (*Filter, *redis.Client, error) {
	if cfg.Addr == "" {
		return nil, nil, nil
	}
	ttl, err := cfg.GetDedupTTL()
	if err != nil {
		return nil, nil, fmt.Errorf("invalid dedup_ttl: %w", err)
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.Addr, err)
	}
	logger.Info("Dedup: connected to redis", "addr", cfg.Addr, "ttl", ttl)
	return NewFilter(rdb, ttl), rdb, nil
}

// IsNew reports whether messageID has not been seen on listID before and
// marks it as seen. Posts without a Message-ID are always new. Redis
// failures let the post through, and after repeated failures Redis is not
// asked at all until the breaker closes again.
func (f *Filter) IsNew(ctx context.Context, listID, messageID string) bool {
	messageID = strings.TrimSpace(messageID)
	if f == nil || messageID == "" {
		return true
	}
	key := keyPrefix + listID + ":" + strings.ToLower(messageID)

	set, err := circuitbreaker.Do(f.breaker, func() (bool, error) {
		return f.rdb.SetNX(ctx, key, 1, f.ttl).Result()
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		logger.Debug("Dedup: redis unavailable, accepting message", "list", listID, "message_id", messageID)
		return true
	}
	if err != nil {
		logger.Warn("Dedup: redis SETNX failed, accepting message", "list", listID, "message_id", messageID, "error", err)
		return true
	}
	if !set {
		metrics.DuplicatesSuppressed.Inc()
		logger.Info("Dedup: duplicate post suppressed", "list", listID, "message_id", messageID)
	}
	return set
}

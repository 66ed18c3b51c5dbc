package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/trial-signal-server/internal/domain"
)

// CachedStore decorates a Store with a Redis read-through cache for trial and
// site lookups, the hot reads on the detection path. Writes and signal/task
// reads pass straight through.
type CachedStore struct {
	domain.Store

	redis      *redis.Client
	defaultTTL time.Duration
	log        *logrus.Logger
}

// NewCachedStore wraps a store with a Redis cache.
func NewCachedStore(inner domain.Store, config domain.CacheConfig, logger *logrus.Logger) (*CachedStore, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	opts.PoolSize = config.PoolSize
	opts.PoolTimeout = config.PoolTimeout
	opts.MaxRetries = config.MaxRetries

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	ttl := config.DefaultTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}

	return &CachedStore{
		Store:      inner,
		redis:      client,
		defaultTTL: ttl,
		log:        logger,
	}, nil
}

// cachedEntry wraps a cached value with its expiry metadata.
type cachedEntry[T any] struct {
	Data      *T        `json:"data"`
	CachedAt  time.Time `json:"cached_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// GetTrial retrieves a trial, serving from cache when possible.
func (s *CachedStore) GetTrial(ctx context.Context, id int64) (*domain.Trial, error) {
	key := fmt.Sprintf("trial:%d", id)
	if trial, ok := getCached[domain.Trial](ctx, s, key); ok {
		return trial, nil
	}

	trial, err := s.Store.GetTrial(ctx, id)
	if err != nil {
		return nil, err
	}
	setCached(ctx, s, key, trial)
	return trial, nil
}

// GetSiteBySiteID retrieves a site, serving from cache when possible.
func (s *CachedStore) GetSiteBySiteID(ctx context.Context, siteID string) (*domain.Site, error) {
	key := fmt.Sprintf("site:%s", siteID)
	if site, ok := getCached[domain.Site](ctx, s, key); ok {
		return site, nil
	}

	site, err := s.Store.GetSiteBySiteID(ctx, siteID)
	if err != nil {
		return nil, err
	}
	setCached(ctx, s, key, site)
	return site, nil
}

// getCached reads and validates a cache entry. Corrupted or expired entries
// are evicted and treated as misses; Redis errors degrade to a miss.
func getCached[T any](ctx context.Context, s *CachedStore, key string) (*T, bool) {
	val, err := s.redis.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		s.log.WithError(err).WithField("key", key).Debug("Cache read failed, falling through to store")
		return nil, false
	}

	var cached cachedEntry[T]
	if err := json.Unmarshal([]byte(val), &cached); err != nil {
		// Remove corrupted cache entry
		s.redis.Del(ctx, key)
		return nil, false
	}
	if time.Now().After(cached.ExpiresAt) {
		s.redis.Del(ctx, key)
		return nil, false
	}

	return cached.Data, true
}

// setCached stores a value best-effort; cache write failures are only logged.
func setCached[T any](ctx context.Context, s *CachedStore, key string, value *T) {
	cached := cachedEntry[T]{
		Data:      value,
		CachedAt:  time.Now(),
		ExpiresAt: time.Now().Add(s.defaultTTL),
	}
	payload, err := json.Marshal(cached)
	if err != nil {
		s.log.WithError(err).WithField("key", key).Warn("Failed to marshal cache entry")
		return
	}
	if err := s.redis.Set(ctx, key, payload, s.defaultTTL).Err(); err != nil {
		s.log.WithError(err).WithField("key", key).Debug("Cache write failed")
	}
}

// Ping checks if Redis connection is alive
func (s *CachedStore) Ping(ctx context.Context) error {
	return s.redis.Ping(ctx).Err()
}

// Close closes the Redis connection and the wrapped store.
func (s *CachedStore) Close() error {
	if err := s.redis.Close(); err != nil {
		s.log.WithError(err).Warn("Failed to close Redis connection")
	}
	return s.Store.Close()
}

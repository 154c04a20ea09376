// Package cache is the Redis layer: sentiment snapshots, per-symbol entry
// cooldowns, and the latest engine snapshot for fast control-API reads. All
// operations degrade gracefully: Redis going away never blocks trading, it
// only widens cache misses.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Key layout.
const (
	keySentiment   = "engine:sentiment"
	keyCooldownFmt = "engine:cooldown:%s"
	keySnapshot    = "engine:snapshot"
)

// Config is the Redis connection configuration.
type Config struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// Service wraps the Redis client with health tracking. A nil Service is
// valid and behaves as an always-miss cache, so call sites never nil-check.
type Service struct {
	client *redis.Client
	logger zerolog.Logger

	mu           sync.RWMutex
	healthy      bool
	failureCount int
	maxFailures  int
}

// New connects to Redis. A failed initial ping returns the service in
// degraded mode rather than an error; the engine must come up without Redis.
func New(cfg Config, logger zerolog.Logger) *Service {
	if !cfg.Enabled {
		return nil
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 10
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	s := &Service{
		client:      client,
		logger:      logger.With().Str("component", "Cache").Logger(),
		maxFailures: 3,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("Redis unreachable, starting in degraded mode")
		return s
	}
	s.healthy = true
	s.logger.Info().Str("address", cfg.Address).Msg("Redis connected")
	return s
}

// Healthy reports whether Redis is currently usable.
func (s *Service) Healthy() bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.healthy
}

func (s *Service) recordFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failureCount++
	if s.failureCount >= s.maxFailures && s.healthy {
		s.healthy = false
		s.logger.Warn().Err(err).Int("failures", s.failureCount).Msg("Redis marked unhealthy")
	}
}

func (s *Service) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failureCount = 0
	if !s.healthy {
		s.healthy = true
		s.logger.Info().Msg("Redis recovered")
	}
}

// SetJSON stores a JSON-encoded value with TTL.
func (s *Service) SetJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error {
	if s == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache marshal %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		s.recordFailure(err)
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	s.recordSuccess()
	return nil
}

// GetJSON loads a JSON value. found is false on miss or Redis trouble.
func (s *Service) GetJSON(ctx context.Context, key string, v interface{}) (found bool, err error) {
	if s == nil {
		return false, nil
	}
	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		s.recordSuccess()
		return false, nil
	}
	if err != nil {
		s.recordFailure(err)
		return false, fmt.Errorf("cache get %s: %w", key, err)
	}
	s.recordSuccess()
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("cache unmarshal %s: %w", key, err)
	}
	return true, nil
}

// SetSentiment caches the latest sentiment snapshot.
func (s *Service) SetSentiment(ctx context.Context, v interface{}, ttl time.Duration) error {
	return s.SetJSON(ctx, keySentiment, v, ttl)
}

// GetSentiment loads the cached sentiment snapshot.
func (s *Service) GetSentiment(ctx context.Context, v interface{}) (bool, error) {
	return s.GetJSON(ctx, keySentiment, v)
}

// MarkCooldown stamps a per-symbol entry cooldown. The key expires on its
// own, so reading reduces to an existence check.
func (s *Service) MarkCooldown(ctx context.Context, symbol string, ttl time.Duration) error {
	if s == nil {
		return nil
	}
	key := fmt.Sprintf(keyCooldownFmt, symbol)
	if err := s.client.Set(ctx, key, time.Now().Unix(), ttl).Err(); err != nil {
		s.recordFailure(err)
		return fmt.Errorf("cache cooldown %s: %w", symbol, err)
	}
	s.recordSuccess()
	return nil
}

// InCooldown reports whether the symbol's cooldown key still exists.
func (s *Service) InCooldown(ctx context.Context, symbol string) bool {
	if s == nil {
		return false
	}
	n, err := s.client.Exists(ctx, fmt.Sprintf(keyCooldownFmt, symbol)).Result()
	if err != nil {
		s.recordFailure(err)
		return false
	}
	s.recordSuccess()
	return n > 0
}

// SetSnapshot stores the latest engine snapshot for control-API reads.
func (s *Service) SetSnapshot(ctx context.Context, v interface{}) error {
	return s.SetJSON(ctx, keySnapshot, v, 30*time.Second)
}

// Close releases the Redis client.
func (s *Service) Close() error {
	if s == nil {
		return nil
	}
	return s.client.Close()
}

// Package idempotency caches a caller-supplied idempotency key against the
// JSON result fleetfn returned for it, so a retried Invoke with the same
// key replays the original result instead of issuing a second invocation.
package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"fleetfn/internal/persistence"
)

const ttl = time.Hour

type Store struct {
	redis  *persistence.RedisClient
	logger *zap.Logger
}

func NewStore(redis *persistence.RedisClient, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{redis: redis, logger: logger}
}

// Result returns the JSON result previously stored for key, or nil if key
// hasn't been seen (or its TTL expired).
func (s *Store) Result(ctx context.Context, function, key string) (json.RawMessage, bool) {
	if key == "" {
		return nil, false
	}
	data, err := s.redis.Get(ctx, cacheKey(function, key)).Bytes()
	if err != nil {
		return nil, false // miss, including redis.Nil
	}
	return json.RawMessage(data), true
}

// Store records result against key, scoped to function, for ttl.
func (s *Store) Store(ctx context.Context, function, key string, result json.RawMessage) error {
	if key == "" {
		return nil
	}
	if err := s.redis.Set(ctx, cacheKey(function, key), []byte(result), ttl).Err(); err != nil {
		s.logger.Warn("failed to cache idempotency key", zap.Error(err))
		return err
	}
	return nil
}

func cacheKey(function, key string) string {
	return fmt.Sprintf("idempotency:%s:%s", function, key)
}

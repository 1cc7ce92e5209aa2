package history

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type redisCommander interface {
	RPush(ctx context.Context, key string, values ...any) *redis.IntCmd
	LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
}

// RedisStore keeps reports in a capped Redis list, oldest at the head.
type RedisStore struct {
	client  redisCommander
	closeFn func() error
	key     string
}

// NewRedisStore creates a Redis-backed history store.
func NewRedisStore(client redis.UniversalClient, key string) *RedisStore {
	closeFn := func() error { return nil }
	if client != nil {
		closeFn = client.Close
	}
	return newRedisStoreFromCommander(client, closeFn, key)
}

func newRedisStoreFromCommander(client redisCommander, closeFn func() error, key string) *RedisStore {
	if key == "" {
		key = "classroom-snapshot:history"
	}
	if closeFn == nil {
		closeFn = func() error { return nil }
	}
	return &RedisStore{client: client, closeFn: closeFn, key: key}
}

// Append pushes a report and trims the list to MaxEntries.
func (s *RedisStore) Append(ctx context.Context, report CloneReport) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("redis history store is not initialized")
	}
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal clone report: %w", err)
	}
	if err := s.client.RPush(ctx, s.key, string(payload)).Err(); err != nil {
		return fmt.Errorf("push clone report: %w", err)
	}
	if err := s.client.LTrim(ctx, s.key, -MaxEntries, -1).Err(); err != nil {
		return fmt.Errorf("trim history: %w", err)
	}
	return nil
}

// List returns the stored reports oldest first.
func (s *RedisStore) List(ctx context.Context) ([]CloneReport, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("redis history store is not initialized")
	}
	values, err := s.client.LRange(ctx, s.key, -MaxEntries, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	reports := make([]CloneReport, 0, len(values))
	for _, value := range values {
		var report CloneReport
		if err := json.Unmarshal([]byte(value), &report); err != nil {
			return nil, fmt.Errorf("decode clone report: %w", err)
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	if s == nil || s.closeFn == nil {
		return nil
	}
	return s.closeFn()
}

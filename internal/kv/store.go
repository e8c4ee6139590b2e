// Package kv wraps the shared Redis deployment behind the narrow surface the
// backend needs: TTL'd blobs for caches and one-time tokens, SetNX for
// webhook idempotency, counters for lockouts, and sorted-set windows for the
// sliding-window rate limiter. All keys are shared across processes; nothing
// here is process-local.
package kv

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store wraps go-redis v9.
type Store struct {
	rdb *redis.Client
}

// New connects to Redis and verifies connectivity with a ping.
func New(addr, password string, db int) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("Redis connected", "addr", addr, "db", db)
	return &Store{rdb: rdb}, nil
}

// NewFromClient wraps an existing client. Tests use this with miniredis.
func NewFromClient(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Close shuts down the underlying client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Ping reports store reachability for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Set writes a value with a TTL. A zero TTL persists the key.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

// Get reads a value. A missing key is (nil, false, nil), not an error.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// GetDel atomically reads and removes a key. One-time tokens rely on this:
// two concurrent redemptions cannot both observe the value.
func (s *Store) GetDel(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.rdb.GetDel(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// Del removes keys. Missing keys are not an error.
func (s *Store) Del(ctx context.Context, keys ...string) error {
	return s.rdb.Del(ctx, keys...).Err()
}

// SetNX claims a key if and only if it does not exist yet. Returns whether
// this caller won the claim.
func (s *Store) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, key, value, ttl).Result()
}

// Incr increments a counter, attaching the TTL when the key is created.
func (s *Store) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 && ttl > 0 {
		if err := s.rdb.Expire(ctx, key, ttl).Err(); err != nil {
			return n, err
		}
	}
	return n, nil
}

// Exists reports whether a key is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	return n > 0, err
}

// WindowCount trims entries older than the window and counts the remainder.
// Scores are microsecond timestamps supplied by the caller.
func (s *Store) WindowCount(ctx context.Context, key string, now time.Time, window time.Duration) (int64, error) {
	min := now.Add(-window).UnixMicro()

	pipe := s.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(min, 10))
	card := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return card.Val(), nil
}

// WindowAdd records one event in the window and refreshes the key's TTL so
// idle windows expire on their own.
func (s *Store) WindowAdd(ctx context.Context, key, member string, now time.Time, window time.Duration) error {
	pipe := s.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMicro()), Member: member})
	pipe.Expire(ctx, key, window)
	_, err := pipe.Exec(ctx)
	return err
}

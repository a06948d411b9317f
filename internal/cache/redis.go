package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a shared, multi-replica Cache backend (§4.4, SPEC_FULL domain
// stack). Read/write failures against the Redis client are logged and
// treated as a miss or a no-op rather than returned to the caller: per §7,
// a cache/store transient failure must fail open on the request hot path.
type Redis struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedis wraps an existing *redis.Client. The client's connection
// lifecycle (dial, pool sizing, close) is the caller's responsibility, the
// same split the teacher draws between its storage.Connection and the
// stores built on top of it.
func NewRedis(client *redis.Client, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}

	return &Redis{client: client, logger: logger}
}

var _ Cache = (*Redis)(nil)

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrMiss
		}

		r.logger.Warn("cache: redis get failed, treating as miss",
			slog.String("key", key), slog.Any("error", err))

		return nil, ErrMiss
	}

	return val, nil
}

func (r *Redis) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		r.logger.Warn("cache: redis put failed, continuing without caching",
			slog.String("key", key), slog.Any("error", err))
	}

	return nil
}

// Invalidate scans for keys matching prefix and deletes them. Redis has no
// native prefix-with-wildcard delete, so this issues a SCAN with a MATCH
// pattern and pipelines the deletes; it is defensive cleanup (Invariant
// C1 already makes it unnecessary for correctness), so a scan failure is
// logged, not propagated.
func (r *Redis) Invalidate(ctx context.Context, prefix string) error {
	pattern := prefix
	if pattern == "" {
		return fmt.Errorf("cache: empty invalidate prefix")
	}

	if pattern[len(pattern)-1] != '*' {
		pattern += "*"
	}

	var (
		cursor uint64
		keys   []string
	)

	for {
		var (
			batch []string
			err   error
		)

		batch, cursor, err = r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			r.logger.Warn("cache: redis scan failed during invalidate",
				slog.String("prefix", prefix), slog.Any("error", err))

			return nil
		}

		keys = append(keys, batch...)

		if cursor == 0 {
			break
		}
	}

	if len(keys) == 0 {
		return nil
	}

	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		r.logger.Warn("cache: redis del failed during invalidate",
			slog.String("prefix", prefix), slog.Any("error", err))
	}

	return nil
}

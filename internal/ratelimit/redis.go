package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/taskhub/taskhub/pkg/cerr"
)

// Redis is a sliding-window limiter over a sorted set per key, usable across
// multiple server processes.
type Redis struct {
	client *redis.Client
	limit  int
	window time.Duration
}

var _ Limiter = (*Redis)(nil)

func NewRedis(addr, password string, db, limit int, window time.Duration) *Redis {
	return &Redis{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		limit:  limit,
		window: window,
	}
}

func (r *Redis) Allow(ctx context.Context, key string) (bool, error) {
	now := time.Now()
	windowStart := now.Add(-r.window)
	redisKey := "ratelimit:" + key

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", strconv.FormatInt(windowStart.UnixNano(), 10))
	count := pipe.ZCard(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, cerr.NewError(cerr.Unavailable, "rate limiter unavailable", err)
	}

	if count.Val() >= int64(r.limit) {
		return false, nil
	}

	pipe = r.client.TxPipeline()
	pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixNano()), Member: ulid.Make().String()})
	pipe.Expire(ctx, redisKey, r.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, cerr.NewError(cerr.Unavailable, "rate limiter unavailable", err)
	}
	return true, nil
}

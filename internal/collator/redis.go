package collator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/regional-access/internal/accessgrid"
)

// DefaultBufferTTL bounds how long an abandoned job's origins stay in Redis.
const DefaultBufferTTL = 24 * time.Hour

const redisKeyPrefix = "access:origins:"

type redisClient interface {
	HSetNX(ctx context.Context, key, field string, value interface{}) *redis.BoolCmd
	HLen(ctx context.Context, key string) *redis.IntCmd
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisBuffer keeps each job's origin records in a Redis hash keyed by origin index, so
// receipts survive collator restarts.
type RedisBuffer struct {
	client redisClient
	ttl    time.Duration
}

// NewRedisBuffer constructs a RedisBuffer. A non-positive ttl uses DefaultBufferTTL.
func NewRedisBuffer(client *redis.Client, ttl time.Duration) *RedisBuffer {
	if ttl <= 0 {
		ttl = DefaultBufferTTL
	}
	return &RedisBuffer{client: client, ttl: ttl}
}

func redisKey(jobID string) string {
	return redisKeyPrefix + jobID
}

// Store implements OriginBuffer.
func (b *RedisBuffer) Store(ctx context.Context, jobID string, index int, origin accessgrid.Origin) (bool, int, error) {
	key := redisKey(jobID)
	fresh, err := b.client.HSetNX(ctx, key, strconv.Itoa(index), accessgrid.EncodeOrigin(origin)).Result()
	if err != nil {
		return false, 0, fmt.Errorf("store origin %d: %w", index, err)
	}
	if fresh {
		if err := b.client.Expire(ctx, key, b.ttl).Err(); err != nil {
			return false, 0, fmt.Errorf("expire %s: %w", key, err)
		}
	}
	received, err := b.client.HLen(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("count origins of %s: %w", jobID, err)
	}
	return fresh, int(received), nil
}

// Load implements OriginBuffer.
func (b *RedisBuffer) Load(ctx context.Context, jobID string, index int) (accessgrid.Origin, error) {
	raw, err := b.client.HGet(ctx, redisKey(jobID), strconv.Itoa(index)).Bytes()
	if errors.Is(err, redis.Nil) {
		return accessgrid.Origin{}, fmt.Errorf("origin %d of job %s not received", index, jobID)
	}
	if err != nil {
		return accessgrid.Origin{}, fmt.Errorf("load origin %d: %w", index, err)
	}
	return accessgrid.DecodeOrigin(raw)
}

// Drop implements OriginBuffer.
func (b *RedisBuffer) Drop(ctx context.Context, jobID string) error {
	if err := b.client.Del(ctx, redisKey(jobID)).Err(); err != nil {
		return fmt.Errorf("drop origins of %s: %w", jobID, err)
	}
	return nil
}

package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient is the part of *redis.Client the backend needs.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisBackend keeps entries as JSON under "idempotency:<key>" and relies on
// Redis expiry for the TTL window.
type RedisBackend struct {
	client  RedisClient
	nowFunc func() time.Time
}

func NewRedisBackend(client RedisClient) *RedisBackend {
	return &RedisBackend{client: client, nowFunc: time.Now}
}

func (b *RedisBackend) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := b.nowFunc()
	payload, err := json.Marshal(IdempotencyRecord{
		IdempotencyKey: key,
		Status:         StatusInProgress,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(ttl).Unix(),
	})
	if err != nil {
		return false, fmt.Errorf("marshal record: %w", err)
	}
	ok, err := b.client.SetNX(ctx, KeyPrefix+key, payload, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx: %w", err)
	}
	return ok, nil
}

func (b *RedisBackend) Load(ctx context.Context, key string) (*IdempotencyRecord, error) {
	raw, err := b.client.Get(ctx, KeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get: %w", err)
	}
	var rec IdempotencyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return &rec, nil
}

func (b *RedisBackend) Save(ctx context.Context, key string, resp Response, ttl time.Duration) error {
	now := b.nowFunc()
	rec := IdempotencyRecord{
		IdempotencyKey: key,
		Status:         StatusDone,
		ResponseBody:   string(resp.Body),
		ResponseStatus: resp.StatusCode,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(ttl).Unix(),
	}
	if existing, err := b.Load(ctx, key); err == nil && existing != nil {
		rec.CreatedAt = existing.CreatedAt
	} else {
		rec.CreatedAt = now
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := b.client.Set(ctx, KeyPrefix+key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("set: %w", err)
	}
	return nil
}

func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	if err := b.client.Del(ctx, KeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("del: %w", err)
	}
	return nil
}

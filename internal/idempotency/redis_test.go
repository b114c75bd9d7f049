package idempotency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRedis answers the four commands the backend issues.
type fakeRedis struct {
	mu   sync.Mutex
	data map[string]string
	ttls map[string]time.Duration
	err  error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func toString(v interface{}) string {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case string:
		return x
	}
	return ""
}

func (f *fakeRedis) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewBoolResult(false, f.err)
	}
	if _, ok := f.data[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.data[key] = toString(value)
	f.ttls[key] = expiration
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = toString(value)
	f.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func TestRedisBackend_PrefixedSetNX(t *testing.T) {
	fake := newFakeRedis()
	b := NewRedisBackend(fake)
	ctx := context.Background()

	ok, err := b.Claim(ctx, "K1", DefaultTTL)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, fake.data, "idempotency:K1")
	assert.Equal(t, DefaultTTL, fake.ttls["idempotency:K1"])

	ok, err = b.Claim(ctx, "K1", DefaultTTL)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisBackend_SaveLoadDelete(t *testing.T) {
	fake := newFakeRedis()
	b := NewRedisBackend(fake)
	ctx := context.Background()

	rec, err := b.Load(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, rec)

	_, err = b.Claim(ctx, "K1", time.Hour)
	require.NoError(t, err)
	require.NoError(t, b.Save(ctx, "K1", Response{StatusCode: 201, Body: []byte(`{"id":"tx"}`)}, time.Hour))

	rec, err = b.Load(ctx, "K1")
	require.NoError(t, err)
	require.NotNil(t, rec.Response())
	assert.Equal(t, 201, rec.Response().StatusCode)
	assert.JSONEq(t, `{"id":"tx"}`, string(rec.Response().Body))
	assert.False(t, rec.CreatedAt.IsZero())

	require.NoError(t, b.Delete(ctx, "K1"))
	rec, err = b.Load(ctx, "K1")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestRedisBackend_ClaimError(t *testing.T) {
	fake := newFakeRedis()
	fake.err = errors.New("connection refused")
	b := NewRedisBackend(fake)

	_, err := b.Claim(context.Background(), "K1", time.Hour)
	assert.ErrorContains(t, err, "connection refused")
}

package idempotency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/DevnProgg/MyPay/internal/errors"
)

func TestGuard_MissingKey(t *testing.T) {
	g := NewGuard(NewMemoryBackend(), 0)

	_, err := g.Claim(context.Background(), "  ")
	assert.True(t, errors.Is(err, apperrors.ErrMissingIdempotencyKey))
	assert.Equal(t, DefaultTTL, g.TTL())
}

func TestGuard_FreshThenConflictThenCached(t *testing.T) {
	g := NewGuard(NewMemoryBackend(), time.Hour)
	ctx := context.Background()

	c, err := g.Claim(ctx, "K1")
	require.NoError(t, err)
	assert.True(t, c.Fresh)

	_, err = g.Claim(ctx, "K1")
	assert.True(t, errors.Is(err, apperrors.ErrConflict))

	require.NoError(t, g.Store(ctx, "K1", Response{StatusCode: 201, Body: []byte(`{"id":"t1"}`)}, 0))

	c, err = g.Claim(ctx, "K1")
	require.NoError(t, err)
	assert.False(t, c.Fresh)
	require.NotNil(t, c.Response)
	assert.Equal(t, `{"id":"t1"}`, string(c.Response.Body))
}

func TestGuard_ReleaseAllowsNewClaim(t *testing.T) {
	g := NewGuard(NewMemoryBackend(), time.Hour)
	ctx := context.Background()

	_, err := g.Claim(ctx, "K1")
	require.NoError(t, err)
	require.NoError(t, g.Release(ctx, "K1"))

	c, err := g.Claim(ctx, "K1")
	require.NoError(t, err)
	assert.True(t, c.Fresh)
}

func TestGuard_TTLExpiryStartsFresh(t *testing.T) {
	backend := NewMemoryBackend()
	now := time.Now()
	backend.nowFunc = func() time.Time { return now }
	g := NewGuard(backend, 24*time.Hour)
	ctx := context.Background()

	_, err := g.Claim(ctx, "K1")
	require.NoError(t, err)
	require.NoError(t, g.Store(ctx, "K1", Response{StatusCode: 200}, 0))

	now = now.Add(24*time.Hour + time.Minute)
	c, err := g.Claim(ctx, "K1")
	require.NoError(t, err)
	assert.True(t, c.Fresh)
}

func TestGuard_ConcurrentClaimsOnlyOneFresh(t *testing.T) {
	for name, backend := range map[string]Backend{
		"memory": NewMemoryBackend(),
		"dynamo": NewDynamoBackend(newSimpleMock(), "idempotency"),
		"redis":  NewRedisBackend(newFakeRedis()),
	} {
		t.Run(name, func(t *testing.T) {
			g := NewGuard(backend, time.Hour)
			var fresh, conflicts int32
			var wg sync.WaitGroup
			for i := 0; i < 32; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					c, err := g.Claim(context.Background(), "K2")
					switch {
					case err == nil && c.Fresh:
						atomic.AddInt32(&fresh, 1)
					case errors.Is(err, apperrors.ErrConflict):
						atomic.AddInt32(&conflicts, 1)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), fresh)
			assert.Equal(t, int32(31), conflicts)
		})
	}
}

func TestGuard_BackendFailureIsInternal(t *testing.T) {
	mock := newSimpleMock()
	mock.failNext = errors.New("throttled")
	g := NewGuard(NewDynamoBackend(mock, "idempotency"), time.Hour)

	_, err := g.Claim(context.Background(), "K1")
	require.Error(t, err)
	assert.Equal(t, apperrors.KindInternal, apperrors.KindOf(err))
}

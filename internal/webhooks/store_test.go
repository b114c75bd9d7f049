package webhooks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStores() map[string]func() Store {
	return map[string]func() Store{
		"memory": func() Store { return NewMemoryStore() },
		"dynamo": func() Store { return NewDynamoStore(newMockDynamo(), "webhook-events") },
	}
}

func TestStoreRoundTrip(t *testing.T) {
	for name, newStore := range testStores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore()
			base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
			next := base.Add(time.Minute)

			e := &Event{
				ID:          "evt-1",
				Provider:    "cpay",
				Payload:     `{"event":"payment.success"}`,
				Fingerprint: "fp-1",
				Verified:    true,
				RetryCount:  1,
				NextRetryAt: &next,
				CreatedAt:   base,
				UpdatedAt:   base,
			}
			require.NoError(t, s.Save(ctx, e))

			got, err := s.Get(ctx, "evt-1")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, "cpay", got.Provider)
			assert.True(t, got.NextRetryAt.Equal(next))

			missing, err := s.Get(ctx, "nope")
			require.NoError(t, err)
			assert.Nil(t, missing)

			due, err := s.Due(ctx, base, 10)
			require.NoError(t, err)
			assert.Empty(t, due)
			due, err = s.Due(ctx, next, 10)
			require.NoError(t, err)
			require.Len(t, due, 1)

			dup, err := s.FindProcessed(ctx, "fp-1")
			require.NoError(t, err)
			assert.Nil(t, dup)

			got.Processed = true
			got.NextRetryAt = nil
			got.Version = 1
			require.NoError(t, s.Update(ctx, got, 0))
			assert.ErrorIs(t, s.Update(ctx, got, 0), ErrVersionMismatch)

			dup, err = s.FindProcessed(ctx, "fp-1")
			require.NoError(t, err)
			require.NotNil(t, dup)
			assert.Equal(t, "evt-1", dup.ID)

			due, err = s.Due(ctx, next.Add(time.Hour), 10)
			require.NoError(t, err)
			assert.Empty(t, due)
		})
	}
}

func TestStoreListFilters(t *testing.T) {
	for name, newStore := range testStores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore()
			base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
			for i, p := range []string{"cpay", "mpesa", "cpay"} {
				require.NoError(t, s.Save(ctx, &Event{
					ID:        string(rune('a' + i)),
					Provider:  p,
					Verified:  i != 1,
					CreatedAt: base.Add(time.Duration(i) * time.Minute),
				}))
			}

			all, err := s.List(ctx, Filter{})
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, "c", all[0].ID)

			cpay, err := s.List(ctx, Filter{Provider: "cpay", Limit: 1})
			require.NoError(t, err)
			require.Len(t, cpay, 1)
			assert.Equal(t, "c", cpay[0].ID)

			unverified := false
			rejected, err := s.List(ctx, Filter{Verified: &unverified})
			require.NoError(t, err)
			require.Len(t, rejected, 1)
			assert.Equal(t, "mpesa", rejected[0].Provider)
		})
	}
}

func TestSchedule(t *testing.T) {
	assert.Equal(t, 5, DefaultSchedule.MaxRetries())
	want := []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute, time.Hour, 6 * time.Hour}
	for i, d := range want {
		got, ok := DefaultSchedule.Delay(i + 1)
		assert.True(t, ok)
		assert.Equal(t, d, got)
	}
	_, ok := DefaultSchedule.Delay(6)
	assert.False(t, ok)
	_, ok = DefaultSchedule.Delay(0)
	assert.False(t, ok)
}

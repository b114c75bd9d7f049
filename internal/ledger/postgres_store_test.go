package ledger

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DevnProgg/MyPay/pkg/postgresql"
)

func TestBuildListQuery(t *testing.T) {
	q, args := buildListQuery(Filter{Provider: "mpesa", Status: StatusCompleted, CustomerRef: "c-1", Limit: 10})
	assert.Contains(t, q, "WHERE provider = $1 AND status = $2 AND customer->>'id' = $3")
	assert.Contains(t, q, "ORDER BY created_at DESC LIMIT $4")
	assert.Equal(t, []interface{}{"mpesa", "COMPLETED", "c-1", 10}, args)

	q, args = buildListQuery(Filter{})
	assert.NotContains(t, q, "WHERE")
	assert.Empty(t, args)
}

func TestPgErrorClassification(t *testing.T) {
	ser := fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: SerializationError})
	uniq := &pgconn.PgError{Code: UniqueViolationError}

	assert.True(t, isSerializationError(ser))
	assert.False(t, isSerializationError(uniq))
	assert.True(t, isUniqueViolation(uniq))
	assert.False(t, isUniqueViolation(fmt.Errorf("plain")))
}

// TestPostgresStoreIntegration runs against a real database when LEDGER_TEST_DSN is set.
func TestPostgresStoreIntegration(t *testing.T) {
	dsn := os.Getenv("LEDGER_TEST_DSN")
	if dsn == "" {
		t.Skip("LEDGER_TEST_DSN not set")
	}
	pool, err := postgresql.Connect(dsn, 1)
	require.NoError(t, err)
	defer pool.Close()

	ctx := context.Background()
	store := NewPostgresStore(pool)
	require.NoError(t, store.EnsureSchema(ctx))
	_, err = pool.Exec(ctx, "TRUNCATE transactions")
	require.NoError(t, err)

	l := New(store)
	tx := completedTx(t, l, "pg-1")
	found, err := l.GetByProviderTransactionID(ctx, "mpesa", "p-pg-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, tx.ID, found.ID)
	assert.True(t, found.Amount.Equal(tx.Amount))

	_, _, err = l.Transition(ctx, tx.ID, Update{To: StatusCompleted, ProviderReceipt: "NLJ7RT61SV"})
	require.NoError(t, err)
	byReceipt, err := l.GetByProviderTransactionID(ctx, "mpesa", "NLJ7RT61SV")
	require.NoError(t, err)
	require.NotNil(t, byReceipt)
	assert.Equal(t, tx.ID, byReceipt.ID)

	_, created, err := l.Create(ctx, newInput("pg-1"))
	require.NoError(t, err)
	assert.False(t, created)
}

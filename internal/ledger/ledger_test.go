package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/DevnProgg/MyPay/internal/errors"
)

func testStores() map[string]func() Store {
	return map[string]func() Store{
		"memory": func() Store { return NewMemoryStore() },
		"dynamo": func() Store { return NewDynamoStore(newMockDynamo(), "transactions", "transaction-keys") },
	}
}

func newInput(key string) CreateInput {
	return CreateInput{
		IdempotencyKey: key,
		Provider:       "MPesa",
		Amount:         decimal.RequireFromString("100.50"),
		Currency:       "kes",
		Customer:       map[string]interface{}{"id": "cust-1", "phone": "254712345678"},
	}
}

func TestCreateValidates(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()

	in := newInput("")
	_, _, err := l.Create(ctx, in)
	assert.True(t, apperrors.Is(err, apperrors.ErrMissingIdempotencyKey))

	in = newInput("k")
	in.Amount = decimal.Zero
	_, _, err = l.Create(ctx, in)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidAmount))

	in = newInput("k")
	in.Currency = "KSHS"
	_, _, err = l.Create(ctx, in)
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
}

func TestLedgerLifecycle(t *testing.T) {
	for name, mk := range testStores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := New(mk())

			tx, created, err := l.Create(ctx, newInput("key-1"))
			require.NoError(t, err)
			assert.True(t, created)
			assert.Equal(t, StatusPending, tx.Status)
			assert.Equal(t, "mpesa", tx.Provider)
			assert.Equal(t, "KES", tx.Currency)

			again, created, err := l.Create(ctx, newInput("key-1"))
			require.NoError(t, err)
			assert.False(t, created)
			assert.Equal(t, tx.ID, again.ID)

			_, _, err = l.Transition(ctx, tx.ID, Update{To: StatusCompleted})
			assert.True(t, apperrors.Is(err, apperrors.ErrInvalidTransition))

			tx, changed, err := l.Transition(ctx, tx.ID, Update{
				To:                    StatusProcessing,
				ProviderTransactionID: "ws_CO_1",
				Step:                  StepInitialize,
				Snapshot:              map[string]interface{}{"CheckoutRequestID": "ws_CO_1"},
			})
			require.NoError(t, err)
			assert.True(t, changed)

			found, err := l.GetByProviderTransactionID(ctx, "MPESA", "ws_CO_1")
			require.NoError(t, err)
			require.NotNil(t, found)
			assert.Equal(t, tx.ID, found.ID)
			assert.Equal(t, "ws_CO_1", found.ProviderResponse[StepInitialize].(map[string]interface{})["CheckoutRequestID"])

			tx, changed, err = l.Transition(ctx, tx.ID, Update{To: StatusCompleted})
			require.NoError(t, err)
			assert.True(t, changed)
			assert.NotNil(t, tx.CompletedAt)

			_, changed, err = l.Transition(ctx, tx.ID, Update{To: StatusCompleted})
			require.NoError(t, err)
			assert.False(t, changed)

			_, _, err = l.Transition(ctx, tx.ID, Update{To: StatusFailed})
			assert.True(t, apperrors.Is(err, apperrors.ErrInvalidTransition))

			got, err := l.Get(ctx, tx.ID)
			require.NoError(t, err)
			assert.Equal(t, StatusCompleted, got.Status)
			assert.True(t, got.Amount.Equal(decimal.RequireFromString("100.50")))
		})
	}
}

func TestGetMissing(t *testing.T) {
	l := New(NewMemoryStore())
	_, err := l.Get(context.Background(), "nope")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

	tx, err := l.GetByProviderTransactionID(context.Background(), "mpesa", "nope")
	assert.NoError(t, err)
	assert.Nil(t, tx)
}

func TestConcurrentTransitionsApplyOnce(t *testing.T) {
	for name, mk := range testStores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := New(mk())
			tx, _, err := l.Create(ctx, newInput("key-c"))
			require.NoError(t, err)
			_, _, err = l.Transition(ctx, tx.ID, Update{To: StatusProcessing, ProviderTransactionID: "p-1"})
			require.NoError(t, err)

			var wg sync.WaitGroup
			var changedCount int32
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, changed, err := l.Transition(ctx, tx.ID, Update{To: StatusCompleted})
					if err == nil && changed {
						atomic.AddInt32(&changedCount, 1)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), changedCount)
		})
	}
}

// racingStore simulates another process completing the transaction between
// this process's read and its conditional write.
type racingStore struct {
	*MemoryStore
	raced bool
}

func (r *racingStore) Update(ctx context.Context, tx *Transaction, expected Status) error {
	if !r.raced && tx.Status == StatusCompleted {
		r.raced = true
		other := clone(tx)
		if err := r.MemoryStore.Update(ctx, other, expected); err != nil {
			return err
		}
		return ErrStatusMismatch
	}
	return r.MemoryStore.Update(ctx, tx, expected)
}

func TestTransitionRereadsAfterConditionalFailure(t *testing.T) {
	ctx := context.Background()
	store := &racingStore{MemoryStore: NewMemoryStore()}
	l := New(store)
	tx, _, err := l.Create(ctx, newInput("key-r"))
	require.NoError(t, err)
	_, _, err = l.Transition(ctx, tx.ID, Update{To: StatusProcessing})
	require.NoError(t, err)

	got, changed, err := l.Transition(ctx, tx.ID, Update{To: StatusCompleted})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.True(t, store.raced)
}

func completedTx(t *testing.T, l *Ledger, key string) *Transaction {
	t.Helper()
	ctx := context.Background()
	tx, _, err := l.Create(ctx, newInput(key))
	require.NoError(t, err)
	_, _, err = l.Transition(ctx, tx.ID, Update{To: StatusProcessing, ProviderTransactionID: "p-" + key})
	require.NoError(t, err)
	tx, _, err = l.Transition(ctx, tx.ID, Update{To: StatusCompleted})
	require.NoError(t, err)
	return tx
}

func TestRefund(t *testing.T) {
	ctx := context.Background()
	confirmed := func(ctx context.Context, tx *Transaction, amount decimal.Decimal) (*RefundOutcome, error) {
		return &RefundOutcome{RefundID: "REF-1", Confirmed: true, Status: "refunded"}, nil
	}

	t.Run("not completed", func(t *testing.T) {
		l := New(NewMemoryStore())
		tx, _, err := l.Create(ctx, newInput("r-1"))
		require.NoError(t, err)
		_, err = l.Refund(ctx, tx.ID, nil, "", confirmed)
		assert.True(t, apperrors.Is(err, apperrors.ErrRefundNotAllowed))
	})

	t.Run("amount above original", func(t *testing.T) {
		l := New(NewMemoryStore())
		tx := completedTx(t, l, "r-2")
		over := decimal.RequireFromString("100.51")
		_, err := l.Refund(ctx, tx.ID, &over, "", confirmed)
		assert.True(t, apperrors.Is(err, apperrors.ErrInvalidAmount))
	})

	t.Run("confirmed full refund", func(t *testing.T) {
		for name, mk := range testStores() {
			l := New(mk())
			tx := completedTx(t, l, "r-3")
			got, err := l.Refund(ctx, tx.ID, nil, "customer request", confirmed)
			require.NoError(t, err, name)
			assert.Equal(t, StatusRefunded, got.Status, name)
			assert.True(t, got.Refund.Amount.Equal(tx.Amount), name)

			_, err = l.Refund(ctx, tx.ID, nil, "", confirmed)
			assert.True(t, apperrors.Is(err, apperrors.ErrRefundNotAllowed), name)
		}
	})

	t.Run("pending refund keeps status", func(t *testing.T) {
		l := New(NewMemoryStore())
		tx := completedTx(t, l, "r-4")
		part := decimal.RequireFromString("40")
		got, err := l.Refund(ctx, tx.ID, &part, "", func(ctx context.Context, tx *Transaction, amount decimal.Decimal) (*RefundOutcome, error) {
			assert.True(t, amount.Equal(part))
			return &RefundOutcome{RefundID: "AG_1", Status: "pending"}, nil
		})
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, got.Status)
		assert.Equal(t, "AG_1", got.Refund.RefundID)
	})

	t.Run("provider error leaves transaction untouched", func(t *testing.T) {
		l := New(NewMemoryStore())
		tx := completedTx(t, l, "r-5")
		boom := errors.New("provider down")
		_, err := l.Refund(ctx, tx.ID, nil, "", func(context.Context, *Transaction, decimal.Decimal) (*RefundOutcome, error) {
			return nil, boom
		})
		assert.ErrorIs(t, err, boom)
		got, _ := l.Get(ctx, tx.ID)
		assert.Equal(t, StatusCompleted, got.Status)
		assert.Nil(t, got.Refund)
	})

	t.Run("open refund blocks a second one", func(t *testing.T) {
		for name, mk := range testStores() {
			l := New(mk())
			tx := completedTx(t, l, "r-6")
			calls := 0
			pending := func(context.Context, *Transaction, decimal.Decimal) (*RefundOutcome, error) {
				calls++
				return &RefundOutcome{RefundID: "AG_6", Status: RefundStatusPending}, nil
			}
			_, err := l.Refund(ctx, tx.ID, nil, "", pending)
			require.NoError(t, err, name)

			_, err = l.Refund(ctx, tx.ID, nil, "", pending)
			assert.True(t, apperrors.Is(err, apperrors.ErrRefundNotAllowed), name)
			assert.Equal(t, 1, calls, name)
		}
	})

	t.Run("unknown outcome is held open", func(t *testing.T) {
		for name, mk := range testStores() {
			l := New(mk())
			tx := completedTx(t, l, "r-7")
			timeout := apperrors.Provider(apperrors.KindRefund, "mpesa", "mpesa.RefundPayment", false, context.DeadlineExceeded)
			_, err := l.Refund(ctx, tx.ID, nil, "dup charge", func(context.Context, *Transaction, decimal.Decimal) (*RefundOutcome, error) {
				return nil, timeout
			})
			require.Error(t, err, name)

			got, err := l.Get(ctx, tx.ID)
			require.NoError(t, err, name)
			require.NotNil(t, got.Refund, name)
			assert.Equal(t, RefundStatusUnknown, got.Refund.Status, name)
			assert.True(t, got.Refund.Amount.Equal(tx.Amount), name)

			_, err = l.Refund(ctx, tx.ID, nil, "", confirmed)
			assert.True(t, apperrors.Is(err, apperrors.ErrRefundNotAllowed), name)
		}
	})

	t.Run("definitive provider rejection is not held", func(t *testing.T) {
		l := New(NewMemoryStore())
		tx := completedTx(t, l, "r-8")
		rejected := apperrors.Provider(apperrors.KindRefund, "mpesa", "mpesa.RefundPayment", true, errors.New("insufficient float"))
		_, err := l.Refund(ctx, tx.ID, nil, "", func(context.Context, *Transaction, decimal.Decimal) (*RefundOutcome, error) {
			return nil, rejected
		})
		require.Error(t, err)
		got, _ := l.Get(ctx, tx.ID)
		assert.Nil(t, got.Refund)
	})
}

func TestRefundFailedReopensRefunds(t *testing.T) {
	for name, mk := range testStores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := New(mk())
			tx := completedTx(t, l, "rf-1")

			_, changed, err := l.RefundFailed(ctx, tx.ID, nil)
			require.NoError(t, err)
			assert.False(t, changed, "nothing open yet")

			_, err = l.Refund(ctx, tx.ID, nil, "", func(context.Context, *Transaction, decimal.Decimal) (*RefundOutcome, error) {
				return &RefundOutcome{RefundID: "AG_1", Status: RefundStatusPending}, nil
			})
			require.NoError(t, err)

			got, changed, err := l.RefundFailed(ctx, tx.ID, map[string]interface{}{"result_code": 2001})
			require.NoError(t, err)
			assert.True(t, changed)
			assert.Equal(t, RefundStatusFailed, got.Refund.Status)
			assert.Equal(t, StatusCompleted, got.Status)

			got, err = l.Refund(ctx, tx.ID, nil, "", func(context.Context, *Transaction, decimal.Decimal) (*RefundOutcome, error) {
				return &RefundOutcome{RefundID: "AG_2", Status: RefundStatusPending}, nil
			})
			require.NoError(t, err)
			assert.Equal(t, "AG_2", got.Refund.RefundID)

			got, changed, err = l.Transition(ctx, tx.ID, Update{To: StatusRefunded})
			require.NoError(t, err)
			assert.True(t, changed)
			assert.Equal(t, RefundStatusRefunded, got.Refund.Status)
		})
	}
}

func TestLookupByProviderReceipt(t *testing.T) {
	for name, mk := range testStores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := New(mk())
			tx := completedTx(t, l, "rc-1")

			// the receipt arrives after the status is already COMPLETED
			got, changed, err := l.Transition(ctx, tx.ID, Update{To: StatusCompleted, ProviderReceipt: "NLJ7RT61SV"})
			require.NoError(t, err)
			assert.False(t, changed)
			assert.Equal(t, "NLJ7RT61SV", got.ProviderReceipt)

			byReceipt, err := l.GetByProviderTransactionID(ctx, "mpesa", "NLJ7RT61SV")
			require.NoError(t, err)
			require.NotNil(t, byReceipt)
			assert.Equal(t, tx.ID, byReceipt.ID)

			byID, err := l.GetByProviderTransactionID(ctx, "mpesa", "p-rc-1")
			require.NoError(t, err)
			require.NotNil(t, byID)
			assert.Equal(t, tx.ID, byID.ID)

			// recorded references are never overwritten
			got, _, err = l.Transition(ctx, tx.ID, Update{To: StatusCompleted, ProviderReceipt: "OTHER"})
			require.NoError(t, err)
			assert.Equal(t, "NLJ7RT61SV", got.ProviderReceipt)
		})
	}
}

func TestList(t *testing.T) {
	for name, mk := range testStores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := New(mk())
			completedTx(t, l, "l-1")
			_, _, err := l.Create(ctx, newInput("l-2"))
			require.NoError(t, err)
			other := newInput("l-3")
			other.Provider = "cpay"
			_, _, err = l.Create(ctx, other)
			require.NoError(t, err)

			all, err := l.List(ctx, Filter{})
			require.NoError(t, err)
			assert.Len(t, all, 3)

			mpesa, err := l.List(ctx, Filter{Provider: "mpesa"})
			require.NoError(t, err)
			assert.Len(t, mpesa, 2)

			done, err := l.List(ctx, Filter{Status: StatusCompleted, CustomerRef: "cust-1"})
			require.NoError(t, err)
			assert.Len(t, done, 1)

			limited, err := l.List(ctx, Filter{Limit: 1})
			require.NoError(t, err)
			assert.Len(t, limited, 1)
		})
	}
}

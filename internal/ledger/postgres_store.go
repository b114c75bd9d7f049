package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/DevnProgg/MyPay/pkg/log"
	"github.com/DevnProgg/MyPay/pkg/postgresql"
)

const (
	SerializationError   = "40001"
	UniqueViolationError = "23505"

	maxSerializationRetries = 5
)

const schema = `
CREATE TABLE IF NOT EXISTS transactions (
  id                      TEXT PRIMARY KEY,
  idempotency_key         TEXT NOT NULL UNIQUE,
  provider                TEXT NOT NULL,
  provider_transaction_id TEXT,
  amount                  NUMERIC(18,2) NOT NULL CHECK (amount > 0),
  currency                CHAR(3) NOT NULL,
  status                  TEXT NOT NULL,
  provider_response       JSONB,
  customer                JSONB,
  metadata                JSONB,
  refund                  JSONB,
  created_at              TIMESTAMPTZ NOT NULL,
  updated_at              TIMESTAMPTZ NOT NULL,
  completed_at            TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS transactions_provider_ref_idx
  ON transactions (provider, provider_transaction_id) WHERE provider_transaction_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS transactions_created_at_idx ON transactions (created_at DESC);
ALTER TABLE transactions ADD COLUMN IF NOT EXISTS provider_receipt TEXT;
CREATE INDEX IF NOT EXISTS transactions_provider_receipt_idx
  ON transactions (provider, provider_receipt) WHERE provider_receipt IS NOT NULL;`

const transactionColumns = `id, idempotency_key, provider, COALESCE(provider_transaction_id, ''), COALESCE(provider_receipt, ''), amount, currency, status,
  provider_response, customer, metadata, refund, created_at, updated_at, completed_at`

// PostgresStore keeps the ledger in PostgreSQL.
type PostgresStore struct {
	db     postgresql.Client
	logger *zerolog.Logger
}

func NewPostgresStore(db postgresql.Client) *PostgresStore {
	return &PostgresStore{db: db, logger: log.Component("ledger.postgres")}
}

// EnsureSchema creates the table and indexes when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

const insertTransaction = `
INSERT INTO transactions (id, idempotency_key, provider, provider_transaction_id, amount, currency, status,
  provider_response, customer, metadata, refund, created_at, updated_at, completed_at, provider_receipt)
VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NULLIF($15, ''))
ON CONFLICT (idempotency_key) DO NOTHING`

func (s *PostgresStore) Create(ctx context.Context, tx *Transaction) (bool, *Transaction, error) {
	var inserted bool
	err := s.inTx(ctx, func(dbtx pgx.Tx) error {
		tag, err := dbtx.Exec(ctx, insertTransaction,
			tx.ID, tx.IdempotencyKey, tx.Provider, tx.ProviderTransactionID, tx.Amount, tx.Currency, string(tx.Status),
			tx.ProviderResponse, tx.Customer, tx.Metadata, tx.Refund, tx.CreatedAt, tx.UpdatedAt, tx.CompletedAt, tx.ProviderReceipt)
		if err != nil {
			return err
		}
		inserted = tag.RowsAffected() == 1
		return nil
	})
	if err != nil {
		return false, nil, fmt.Errorf("insert transaction: %w", err)
	}
	if inserted {
		return true, nil, nil
	}

	existing, err := s.GetByIdempotencyKey(ctx, tx.IdempotencyKey)
	if err != nil {
		return false, nil, err
	}
	if existing == nil {
		return false, nil, fmt.Errorf("idempotency key %q conflicted but no row found", tx.IdempotencyKey)
	}
	return false, existing, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	return s.getOne(ctx, "SELECT "+transactionColumns+" FROM transactions WHERE id = $1", id)
}

func (s *PostgresStore) GetByIdempotencyKey(ctx context.Context, key string) (*Transaction, error) {
	return s.getOne(ctx, "SELECT "+transactionColumns+" FROM transactions WHERE idempotency_key = $1", key)
}

// GetByProviderTransactionID matches the provider transaction id first, then the receipt.
func (s *PostgresStore) GetByProviderTransactionID(ctx context.Context, provider, providerTxID string) (*Transaction, error) {
	return s.getOne(ctx, "SELECT "+transactionColumns+` FROM transactions
WHERE provider = $1 AND (provider_transaction_id = $2 OR provider_receipt = $2)
ORDER BY (COALESCE(provider_transaction_id, '') = $2) DESC LIMIT 1`, provider, providerTxID)
}

const updateTransaction = `
UPDATE transactions
SET status = $3, provider_transaction_id = NULLIF($4, ''), provider_response = $5, refund = $6,
    updated_at = $7, completed_at = $8, provider_receipt = NULLIF($9, '')
WHERE id = $1 AND status = $2`

func (s *PostgresStore) Update(ctx context.Context, tx *Transaction, expected Status) error {
	var affected int64
	err := s.inTx(ctx, func(dbtx pgx.Tx) error {
		tag, err := dbtx.Exec(ctx, updateTransaction,
			tx.ID, string(expected), string(tx.Status), tx.ProviderTransactionID, tx.ProviderResponse, tx.Refund,
			tx.UpdatedAt, tx.CompletedAt, tx.ProviderReceipt)
		if err != nil {
			return err
		}
		affected = tag.RowsAffected()
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("provider transaction id %q already recorded: %w", tx.ProviderTransactionID, err)
		}
		return fmt.Errorf("update transaction: %w", err)
	}
	if affected == 0 {
		return ErrStatusMismatch
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]Transaction, error) {
	query, args := buildListQuery(f)
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	out := make([]Transaction, 0)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, *tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return out, nil
}

func buildListQuery(f Filter) (string, []interface{}) {
	var where []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Provider != "" {
		add("provider = $%d", f.Provider)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.CustomerRef != "" {
		add("customer->>'id' = $%d", f.CustomerRef)
	}

	var b strings.Builder
	b.WriteString("SELECT " + transactionColumns + " FROM transactions")
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY created_at DESC")
	if f.Limit > 0 {
		args = append(args, f.Limit)
		b.WriteString(fmt.Sprintf(" LIMIT $%d", len(args)))
	}
	return b.String(), args
}

func (s *PostgresStore) getOne(ctx context.Context, query string, args ...interface{}) (*Transaction, error) {
	tx, err := scanTransaction(s.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return tx, nil
}

func scanTransaction(row pgx.Row) (*Transaction, error) {
	var tx Transaction
	var status string
	err := row.Scan(&tx.ID, &tx.IdempotencyKey, &tx.Provider, &tx.ProviderTransactionID, &tx.ProviderReceipt, &tx.Amount, &tx.Currency, &status,
		&tx.ProviderResponse, &tx.Customer, &tx.Metadata, &tx.Refund, &tx.CreatedAt, &tx.UpdatedAt, &tx.CompletedAt)
	if err != nil {
		return nil, err
	}
	tx.Status = Status(status)
	return &tx, nil
}

// inTx runs fn in a REPEATABLE READ transaction, retrying on serialization failures.
func (s *PostgresStore) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	var err error
	for attempt := 0; attempt < maxSerializationRetries; attempt++ {
		err = s.runTx(ctx, fn)
		if err == nil || !isSerializationError(err) {
			return err
		}
		s.logger.Debug().Int("attempt", attempt+1).Msg("serialization failure, retrying")
	}
	return err
}

func (s *PostgresStore) runTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return nil
}

func isSerializationError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.SQLState() == SerializationError
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.SQLState() == UniqueViolationError
}

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arkantrust/account-ledger/ledger"
	"github.com/arkantrust/account-ledger/models"
)

// schema is applied on startup. Every statement is idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	account_id      BIGSERIAL PRIMARY KEY,
	account_number  VARCHAR(20) NOT NULL UNIQUE,
	balance         NUMERIC(22, 2) NOT NULL CHECK (balance >= 0),
	opening_balance NUMERIC(22, 2) NOT NULL CHECK (opening_balance >= 0),
	status          VARCHAR(16) NOT NULL,
	version         BIGINT NOT NULL DEFAULT 0,
	revision        BIGINT NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS transactions (
	seq             BIGSERIAL PRIMARY KEY,
	transaction_id  TEXT NOT NULL UNIQUE,
	account_number  VARCHAR(20) NOT NULL REFERENCES accounts (account_number),
	type            VARCHAR(16) NOT NULL,
	amount          NUMERIC(22, 2) NOT NULL CHECK (amount > 0),
	balance_after   NUMERIC(22, 2) NOT NULL CHECK (balance_after >= 0),
	transaction_at  TIMESTAMPTZ NOT NULL,
	description     TEXT NOT NULL,
	idempotency_key TEXT
);

CREATE INDEX IF NOT EXISTS transactions_account_seq_idx ON transactions (account_number, seq);

CREATE TABLE IF NOT EXISTS idempotency_keys (
	account_number  VARCHAR(20) NOT NULL,
	idempotency_key TEXT NOT NULL,
	transaction_id  TEXT NOT NULL,
	fingerprint     TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (account_number, idempotency_key)
);
`

const selectAccount = `
SELECT account_id, account_number, balance::text, opening_balance::text, status,
       version, revision, created_at, updated_at
FROM accounts WHERE account_number = $1`

const selectTransaction = `
SELECT transaction_id, account_number, type, amount::text, balance_after::text,
       transaction_at, description, COALESCE(idempotency_key, '')
FROM transactions`

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements ledger.Repository on PostgreSQL. Commit runs in a
// single database transaction; the revision check is a conditional UPDATE and
// the idempotency record relies on the table's primary key.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ ledger.Repository = (*PostgresStore)(nil)

// NewPostgres connects to databaseURL and applies the schema.
func NewPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	if databaseURL == "" {
		return nil, errors.New("DATABASE_URL is not set")
	}

	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database URL: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 0
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to apply schema: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Close releases every pooled connection.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) CreateAccount(ctx context.Context, account models.Account) (models.Account, error) {
	st := account.State()

	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO accounts (account_number, balance, opening_balance, status, version, revision, created_at, updated_at)
		VALUES ($1, $2::text::numeric, $3::text::numeric, $4, $5, 0, $6, $7)
		ON CONFLICT (account_number) DO NOTHING
		RETURNING account_id`,
		st.Number.String(), st.Balance.String(), st.OpeningBalance.String(), string(st.Status),
		st.Version, st.CreatedAt, st.UpdatedAt,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Account{}, fmt.Errorf("%w: %s", models.ErrAccountExists, st.Number)
	}
	if err != nil {
		return models.Account{}, fmt.Errorf("failed to create account: %w", err)
	}

	return account.WithID(id), nil
}

func (s *PostgresStore) LoadAccount(ctx context.Context, number models.AccountNumber) (ledger.Snapshot, error) {
	return loadAccount(ctx, s.pool, number)
}

func (s *PostgresStore) Commit(ctx context.Context, c ledger.Commit) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	st := c.Account.State()

	if rec := c.Idempotency; rec != nil {
		// A concurrent insert of the same key blocks here until the other
		// transaction finishes, then inserts nothing if it committed.
		tag, err := tx.Exec(ctx, `
			INSERT INTO idempotency_keys (account_number, idempotency_key, transaction_id, fingerprint, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT DO NOTHING`,
			rec.AccountNumber.String(), rec.Key, rec.TransactionID, rec.Fingerprint, rec.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to record idempotency key: %w", err)
		}
		if tag.RowsAffected() == 0 {
			existing, err := findIdempotencyRecord(ctx, tx, rec.AccountNumber, rec.Key)
			if err != nil {
				return err
			}
			return &ledger.KeyConflictError{Record: existing}
		}
	}

	tag, err := tx.Exec(ctx, `
		UPDATE accounts
		SET balance = $2::text::numeric, status = $3, version = $4, updated_at = $5, revision = revision + 1
		WHERE account_number = $1 AND revision = $6`,
		st.Number.String(), st.Balance.String(), string(st.Status), st.Version, st.UpdatedAt, c.ExpectedRevision,
	)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := loadAccount(ctx, tx, st.Number); err != nil {
			return err
		}
		return ledger.ErrVersionConflict
	}

	if t := c.Transaction; t != nil {
		if err := t.Validate(); err != nil {
			return err
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO transactions (transaction_id, account_number, type, amount, balance_after, transaction_at, description, idempotency_key)
			VALUES ($1, $2, $3, $4::text::numeric, $5::text::numeric, $6, $7, NULLIF($8, ''))`,
			t.ID, t.AccountNumber.String(), string(t.Type), t.Amount.String(), t.BalanceAfter.String(),
			t.TransactedAt, t.Description, t.IdempotencyKey,
		)
		if err != nil {
			return fmt.Errorf("failed to append transaction: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) GetTransaction(ctx context.Context, id string) (models.Transaction, error) {
	t, err := scanTransaction(s.pool.QueryRow(ctx, selectTransaction+` WHERE transaction_id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Transaction{}, fmt.Errorf("%w: %s", models.ErrTransactionNotFound, id)
	}

	return t, err
}

func (s *PostgresStore) ListTransactions(ctx context.Context, number models.AccountNumber) ([]models.Transaction, error) {
	rows, err := s.pool.Query(ctx, selectTransaction+` WHERE account_number = $1 ORDER BY seq`, number.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []models.Transaction{}
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, t)
	}

	return items, rows.Err()
}

func (s *PostgresStore) FindIdempotencyRecord(ctx context.Context, number models.AccountNumber, key string) (ledger.IdempotencyRecord, bool, error) {
	rec, err := findIdempotencyRecord(ctx, s.pool, number, key)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.IdempotencyRecord{}, false, nil
	}
	if err != nil {
		return ledger.IdempotencyRecord{}, false, err
	}

	return rec, true, nil
}

func (s *PostgresStore) PurgeIdempotencyRecords(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE created_at < $1`, before)
	if err != nil {
		return 0, err
	}

	return int(tag.RowsAffected()), nil
}

func loadAccount(ctx context.Context, q querier, number models.AccountNumber) (ledger.Snapshot, error) {
	var (
		st               models.AccountState
		rawNumber        string
		balance, opening string
		status           string
		revision         int64
	)

	err := q.QueryRow(ctx, selectAccount, number.String()).Scan(
		&st.ID, &rawNumber, &balance, &opening, &status, &st.Version, &revision, &st.CreatedAt, &st.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Snapshot{}, fmt.Errorf("%w: %s", models.ErrAccountNotFound, number)
	}
	if err != nil {
		return ledger.Snapshot{}, err
	}

	if st.Number, err = models.NewAccountNumber(rawNumber); err != nil {
		return ledger.Snapshot{}, err
	}
	if st.Balance, err = models.ParseMoney(balance); err != nil {
		return ledger.Snapshot{}, err
	}
	if st.OpeningBalance, err = models.ParseMoney(opening); err != nil {
		return ledger.Snapshot{}, err
	}
	st.Status = models.AccountStatus(status)

	account, err := models.RestoreAccount(st)
	if err != nil {
		return ledger.Snapshot{}, err
	}

	return ledger.Snapshot{Account: account, Revision: revision}, nil
}

func findIdempotencyRecord(ctx context.Context, q querier, number models.AccountNumber, key string) (ledger.IdempotencyRecord, error) {
	rec := ledger.IdempotencyRecord{AccountNumber: number, Key: key}

	err := q.QueryRow(ctx, `
		SELECT transaction_id, fingerprint, created_at
		FROM idempotency_keys WHERE account_number = $1 AND idempotency_key = $2`,
		number.String(), key,
	).Scan(&rec.TransactionID, &rec.Fingerprint, &rec.CreatedAt)
	if err != nil {
		return ledger.IdempotencyRecord{}, err
	}

	return rec, nil
}

func scanTransaction(row pgx.Row) (models.Transaction, error) {
	var (
		t                     models.Transaction
		number, typ           string
		amount, balanceAfter string
	)

	err := row.Scan(&t.ID, &number, &typ, &amount, &balanceAfter, &t.TransactedAt, &t.Description, &t.IdempotencyKey)
	if err != nil {
		return models.Transaction{}, err
	}

	if t.AccountNumber, err = models.NewAccountNumber(number); err != nil {
		return models.Transaction{}, err
	}
	if t.Amount, err = models.ParseMoney(amount); err != nil {
		return models.Transaction{}, err
	}
	if t.BalanceAfter, err = models.ParseMoney(balanceAfter); err != nil {
		return models.Transaction{}, err
	}
	t.Type = models.TransactionType(typ)

	return t, nil
}

// Package ledger coordinates mutations of Account aggregates: it loads a
// snapshot, applies an aggregate operation, and commits the result with an
// optimistic revision check, deduplicating client retries by idempotency key.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arkantrust/account-ledger/models"
)

// ErrVersionConflict is returned by Repository.Commit when the stored revision
// no longer matches the one the commit was computed from.
var ErrVersionConflict = errors.New("account revision changed since load")

// Snapshot is an Account as loaded from storage together with its revision.
//
// Revision is the compare-and-swap token for conditional writes. It grows on
// every committed write, status changes included, whereas Account.Version
// only counts balance mutations.
type Snapshot struct {
	Account  models.Account
	Revision int64
}

// IdempotencyRecord maps an idempotency key on one account to the
// transaction it produced.
type IdempotencyRecord struct {
	AccountNumber models.AccountNumber `json:"account_number"`
	Key           string               `json:"key"`
	TransactionID string               `json:"transaction_id"`
	// Fingerprint identifies the request the key was first used with.
	Fingerprint string    `json:"fingerprint"`
	CreatedAt   time.Time `json:"created_at"`
}

// KeyConflictError is returned by Repository.Commit when the idempotency key
// of the commit is already recorded. Nothing was written.
type KeyConflictError struct {
	Record IdempotencyRecord
}

func (e *KeyConflictError) Error() string {
	return fmt.Sprintf("idempotency key %q on account %s already produced transaction %s",
		e.Record.Key, e.Record.AccountNumber, e.Record.TransactionID)
}

// Commit is one unit of work against a single account. Repositories must
// write all of it or none of it.
type Commit struct {
	Account          models.Account
	ExpectedRevision int64
	// Transaction is nil for status changes.
	Transaction *models.Transaction
	// Idempotency is nil when the request carried no key.
	Idempotency *IdempotencyRecord
}

// Repository is the persistence collaborator of the ledger.
type Repository interface {
	// CreateAccount stores a new account and returns it with its id set.
	// It fails with models.ErrAccountExists for a taken account number.
	CreateAccount(ctx context.Context, account models.Account) (models.Account, error)

	// LoadAccount fails with models.ErrAccountNotFound.
	LoadAccount(ctx context.Context, number models.AccountNumber) (Snapshot, error)

	// Commit writes c atomically if the stored revision equals
	// c.ExpectedRevision and the idempotency key, if any, is unused.
	// It returns ErrVersionConflict or *KeyConflictError otherwise.
	Commit(ctx context.Context, c Commit) error

	// GetTransaction fails with models.ErrTransactionNotFound.
	GetTransaction(ctx context.Context, id string) (models.Transaction, error)

	// ListTransactions returns an account's entries in commit order.
	ListTransactions(ctx context.Context, number models.AccountNumber) ([]models.Transaction, error)

	FindIdempotencyRecord(ctx context.Context, number models.AccountNumber, key string) (IdempotencyRecord, bool, error)

	// PurgeIdempotencyRecords deletes records created before the cutoff and
	// reports how many were removed.
	PurgeIdempotencyRecords(ctx context.Context, before time.Time) (int, error)
}

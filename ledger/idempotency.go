package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/arkantrust/account-ledger/models"
)

// ErrNoTransaction is returned by Guard.Execute when the mutation produced no
// ledger entry. Nothing is committed in that case.
var ErrNoTransaction = errors.New("guarded mutation produced no transaction")

// Guard makes financial mutations safe to retry. A request carrying an
// idempotency key produces at most one transaction per account; later
// submissions with the same key get that transaction back without running
// the mutation again.
type Guard struct {
	repo       Repository
	controller *Controller
	logger     *zap.Logger
}

// NewGuard returns a Guard running first-time requests through controller.
func NewGuard(repo Repository, controller *Controller, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Guard{repo: repo, controller: controller, logger: logger}
}

// Result is the transaction a guarded request resolved to.
type Result struct {
	Transaction models.Transaction
	// Replayed is true when the transaction was produced by an earlier
	// request with the same key.
	Replayed bool
}

// Execute runs mutate at most once per (number, key).
//
// An empty key disables deduplication. fingerprint describes the request;
// reusing a key with a different fingerprint fails with
// models.ErrDuplicateRequest instead of replaying an unrelated result.
//
// The idempotency record is committed in the same unit as the account
// change, so two concurrent requests with one key cannot both commit: the
// loser gets a *KeyConflictError from the repository and replays the
// winner's transaction.
//
// mutate must return a transaction; status changes are not guarded.
func (g *Guard) Execute(ctx context.Context, number models.AccountNumber, key, fingerprint string, mutate Mutation) (Result, error) {
	mutate = requireTransaction(mutate)

	if key == "" {
		out, err := g.controller.Execute(ctx, number, mutate, nil)
		if err != nil {
			return Result{}, err
		}

		return Result{Transaction: *out.Transaction}, nil
	}

	rec, found, err := g.repo.FindIdempotencyRecord(ctx, number, key)
	if err != nil {
		return Result{}, fmt.Errorf("looking up idempotency key: %w", err)
	}
	if found {
		return g.replay(ctx, rec, fingerprint)
	}

	record := &IdempotencyRecord{
		AccountNumber: number,
		Key:           key,
		Fingerprint:   fingerprint,
		CreatedAt:     time.Now().UTC(),
	}

	out, err := g.controller.Execute(ctx, number, mutate, record)
	if err != nil {
		var conflict *KeyConflictError
		if errors.As(err, &conflict) {
			return g.replay(ctx, conflict.Record, fingerprint)
		}

		return Result{}, err
	}

	return Result{Transaction: *out.Transaction}, nil
}

func requireTransaction(mutate Mutation) Mutation {
	return func(account *models.Account) (*models.Transaction, error) {
		tx, err := mutate(account)
		if err == nil && tx == nil {
			return nil, ErrNoTransaction
		}
		return tx, err
	}
}

func (g *Guard) replay(ctx context.Context, rec IdempotencyRecord, fingerprint string) (Result, error) {
	if rec.Fingerprint != "" && rec.Fingerprint != fingerprint {
		g.logger.Warn("idempotency key reused for a different request",
			zap.String("account_number", rec.AccountNumber.String()),
			zap.String("idempotency_key", rec.Key),
		)

		return Result{}, fmt.Errorf("%w: key %q was first used for a different request", models.ErrDuplicateRequest, rec.Key)
	}

	tx, err := g.repo.GetTransaction(ctx, rec.TransactionID)
	if err != nil {
		return Result{}, fmt.Errorf("replaying idempotency key %q: %w", rec.Key, err)
	}

	g.logger.Info("idempotent replay",
		zap.String("account_number", rec.AccountNumber.String()),
		zap.String("idempotency_key", rec.Key),
		zap.String("transaction_id", tx.ID),
	)

	return Result{Transaction: tx, Replayed: true}, nil
}

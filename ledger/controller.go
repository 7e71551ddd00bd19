package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/arkantrust/account-ledger/models"
)

// Mutation applies an aggregate operation to a freshly loaded account. It may
// run several times for one request, so it must not have side effects beyond
// changing the account it is given and returning the produced transaction
// (nil for status changes).
type Mutation func(account *models.Account) (*models.Transaction, error)

// RetryPolicy bounds how often a mutation is re-run after losing a commit race.
type RetryPolicy struct {
	// MaxAttempts is the total number of load-apply-commit rounds, at least 1.
	MaxAttempts int
	// BaseDelay is the first pause between rounds; later pauses grow
	// exponentially with jitter, capped at MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   5 * time.Millisecond,
		MaxDelay:    200 * time.Millisecond,
	}
}

// Outcome is the committed result of a mutation.
type Outcome struct {
	Account     models.Account
	Transaction *models.Transaction
}

// Controller serialises writers to the same account with optimistic
// concurrency: nothing is locked between load and commit, and a commit that
// finds the revision moved is discarded and recomputed from a fresh snapshot.
// Writers to different accounts never interact.
type Controller struct {
	repo   Repository
	policy RetryPolicy
	logger *zap.Logger
}

// NewController returns a Controller committing through repo.
func NewController(repo Repository, policy RetryPolicy, logger *zap.Logger) *Controller {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Controller{repo: repo, policy: policy, logger: logger}
}

func (c *Controller) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.policy.BaseDelay
	b.MaxInterval = c.policy.MaxDelay
	b.Multiplier = 2
	b.MaxElapsedTime = 0

	return backoff.WithMaxRetries(b, uint64(c.policy.MaxAttempts-1))
}

// Execute runs mutate against the current state of the account and commits
// the result. When record is non-nil it is committed in the same unit,
// pointing at the produced transaction.
//
// Errors from mutate are returned unchanged and never retried. Only revision
// conflicts are retried; when attempts run out Execute fails with
// models.ErrConcurrencyConflict. A *KeyConflictError from the repository is
// returned as is so the caller can replay the recorded result.
func (c *Controller) Execute(ctx context.Context, number models.AccountNumber, mutate Mutation, record *IdempotencyRecord) (Outcome, error) {
	var (
		out     Outcome
		attempt int
	)

	op := func() error {
		attempt++

		snap, err := c.repo.LoadAccount(ctx, number)
		if err != nil {
			return backoff.Permanent(err)
		}

		account := snap.Account
		tx, err := mutate(&account)
		if err != nil {
			return backoff.Permanent(err)
		}

		commit := Commit{Account: account, ExpectedRevision: snap.Revision, Transaction: tx}
		if record != nil && tx != nil {
			rec := *record
			rec.TransactionID = tx.ID
			tx.IdempotencyKey = rec.Key
			commit.Idempotency = &rec
		}

		if err := c.repo.Commit(ctx, commit); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				return err
			}

			return backoff.Permanent(err)
		}

		out = Outcome{Account: account, Transaction: tx}

		return nil
	}

	notify := func(err error, wait time.Duration) {
		c.logger.Debug("commit lost to a concurrent writer, retrying",
			zap.String("account_number", number.String()),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	err := backoff.RetryNotify(op, c.newBackOff(), notify)
	if errors.Is(err, ErrVersionConflict) {
		c.logger.Warn("retries exhausted",
			zap.String("account_number", number.String()),
			zap.Int("attempts", attempt),
		)

		return Outcome{}, fmt.Errorf("%w: account %s after %d attempts", models.ErrConcurrencyConflict, number, attempt)
	}
	if err != nil {
		return Outcome{}, err
	}

	return out, nil
}

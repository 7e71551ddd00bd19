package ledger

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/arkantrust/account-ledger/models"
)

// Balance is the balance view of an account.
type Balance struct {
	AccountNumber    models.AccountNumber `json:"account_number"`
	Balance          models.Money         `json:"balance"`
	AvailableBalance models.Money         `json:"available_balance"`
	HoldAmount       models.Money         `json:"hold_amount"`
	Status           models.AccountStatus `json:"account_status"`
	LastUpdatedAt    time.Time            `json:"last_updated_at"`
	RetrievedAt      time.Time            `json:"retrieved_at"`
}

// Service is the operation surface of the ledger consumed by the web layer.
type Service struct {
	repo       Repository
	controller *Controller
	guard      *Guard
	logger     *zap.Logger
}

// NewService wires a Controller and Guard over repo.
func NewService(repo Repository, policy RetryPolicy, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}

	controller := NewController(repo, policy, logger)

	return &Service{
		repo:       repo,
		controller: controller,
		guard:      NewGuard(repo, controller, logger),
		logger:     logger,
	}
}

// OpenAccount creates an ACTIVE account holding initialBalance.
func (s *Service) OpenAccount(ctx context.Context, number models.AccountNumber, initialBalance models.Money) (models.Account, error) {
	account, err := models.NewAccount(number, initialBalance)
	if err != nil {
		return models.Account{}, err
	}

	created, err := s.repo.CreateAccount(ctx, account)
	if err != nil {
		return models.Account{}, err
	}

	s.logger.Info("account opened",
		zap.String("account_number", number.String()),
		zap.Int64("account_id", created.ID()),
		zap.Stringer("balance", initialBalance),
	)

	return created, nil
}

// GetAccount returns the latest committed state of an account. Reads never
// wait for in-flight writes.
func (s *Service) GetAccount(ctx context.Context, number models.AccountNumber) (models.Account, error) {
	snap, err := s.repo.LoadAccount(ctx, number)
	if err != nil {
		return models.Account{}, err
	}

	return snap.Account, nil
}

// GetBalance returns the balance view of an account.
func (s *Service) GetBalance(ctx context.Context, number models.AccountNumber) (Balance, error) {
	account, err := s.GetAccount(ctx, number)
	if err != nil {
		return Balance{}, err
	}

	return Balance{
		AccountNumber:    number,
		Balance:          account.Balance(),
		AvailableBalance: account.Balance(),
		HoldAmount:       models.Zero,
		Status:           account.Status(),
		LastUpdatedAt:    account.UpdatedAt(),
		RetrievedAt:      time.Now().UTC(),
	}, nil
}

// Deposit credits amount to the account. See Guard.Execute for how key is used.
func (s *Service) Deposit(ctx context.Context, number models.AccountNumber, amount models.Money, description, key string) (Result, error) {
	return s.mutateBalance(ctx, models.TransactionDeposit, number, amount, description, key)
}

// Withdraw debits amount from the account. See Guard.Execute for how key is used.
func (s *Service) Withdraw(ctx context.Context, number models.AccountNumber, amount models.Money, description, key string) (Result, error) {
	return s.mutateBalance(ctx, models.TransactionWithdraw, number, amount, description, key)
}

func (s *Service) mutateBalance(ctx context.Context, typ models.TransactionType, number models.AccountNumber, amount models.Money, description, key string) (Result, error) {
	mutate := func(account *models.Account) (*models.Transaction, error) {
		var (
			tx  models.Transaction
			err error
		)
		if typ == models.TransactionWithdraw {
			tx, err = account.Withdraw(amount, description)
		} else {
			tx, err = account.Deposit(amount, description)
		}
		if err != nil {
			return nil, err
		}

		return &tx, nil
	}

	res, err := s.guard.Execute(ctx, number, key, fingerprint(typ, amount), mutate)
	if err != nil {
		s.logger.Warn("balance mutation rejected",
			zap.String("account_number", number.String()),
			zap.String("type", string(typ)),
			zap.Stringer("amount", amount),
			zap.Error(err),
		)

		return Result{}, err
	}

	if !res.Replayed {
		s.logger.Info("balance mutation committed",
			zap.String("account_number", number.String()),
			zap.String("transaction_id", res.Transaction.ID),
			zap.String("type", string(typ)),
			zap.Stringer("amount", amount),
			zap.Stringer("balance_after", res.Transaction.BalanceAfter),
		)
	}

	return res, nil
}

// fingerprint identifies what a keyed request asked for.
func fingerprint(typ models.TransactionType, amount models.Money) string {
	return fmt.Sprintf("%s:%s", typ, amount)
}

// UpdateStatus moves the account to status. Status changes produce no
// transaction and need no idempotency key, but still commit through the
// Controller so they cannot overwrite a concurrent balance mutation.
func (s *Service) UpdateStatus(ctx context.Context, number models.AccountNumber, status models.AccountStatus) (models.Account, error) {
	out, err := s.controller.Execute(ctx, number, func(account *models.Account) (*models.Transaction, error) {
		return nil, account.ChangeStatus(status)
	}, nil)
	if err != nil {
		return models.Account{}, err
	}

	s.logger.Info("account status changed",
		zap.String("account_number", number.String()),
		zap.String("status", string(status)),
	)

	return out.Account, nil
}

// GetTransaction fails with models.ErrTransactionNotFound.
func (s *Service) GetTransaction(ctx context.Context, id string) (models.Transaction, error) {
	return s.repo.GetTransaction(ctx, id)
}

// ListTransactions returns the account's ledger in chronological order.
func (s *Service) ListTransactions(ctx context.Context, number models.AccountNumber) ([]models.Transaction, error) {
	if _, err := s.repo.LoadAccount(ctx, number); err != nil {
		return nil, err
	}

	return s.repo.ListTransactions(ctx, number)
}

// PurgeIdempotencyRecords drops idempotency records older than retention.
func (s *Service) PurgeIdempotencyRecords(ctx context.Context, retention time.Duration) (int, error) {
	n, err := s.repo.PurgeIdempotencyRecords(ctx, time.Now().UTC().Add(-retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("expired idempotency records purged", zap.Int("count", n))
	}

	return n, nil
}

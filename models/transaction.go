package models

import (
	"fmt"
	"time"
)

// TransactionType is the kind of ledger entry. The sign of an entry's amount
// is implied by its type.
type TransactionType string

const (
	TransactionDeposit     TransactionType = "DEPOSIT"
	TransactionWithdraw    TransactionType = "WITHDRAW"
	TransactionTransferIn  TransactionType = "TRANSFER_IN"
	TransactionTransferOut TransactionType = "TRANSFER_OUT"
)

// IsDebit reports whether entries of type t decrease the balance.
func (t TransactionType) IsDebit() bool {
	return t == TransactionWithdraw || t == TransactionTransferOut
}

// Valid reports whether t is a known transaction type.
func (t TransactionType) Valid() bool {
	switch t {
	case TransactionDeposit, TransactionWithdraw, TransactionTransferIn, TransactionTransferOut:
		return true
	}

	return false
}

// Transaction is an immutable ledger entry. Exactly one is produced for each
// successful balance mutation and it is never changed or removed afterwards.
type Transaction struct {
	ID             string          `json:"transaction_id"`
	AccountNumber  AccountNumber   `json:"account_number"`
	Type           TransactionType `json:"transaction_type"`
	Amount         Money           `json:"amount"`
	BalanceAfter   Money           `json:"balance_after"`
	TransactedAt   time.Time       `json:"transaction_at"`
	Description    string          `json:"description"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// BalanceBefore derives the balance the account held right before t.
func (t Transaction) BalanceBefore() (Money, error) {
	if t.Type.IsDebit() {
		return t.BalanceAfter.Add(t.Amount)
	}

	return t.BalanceAfter.Subtract(t.Amount)
}

// Validate checks the invariants of a stored entry: a known type and a
// strictly positive amount.
func (t Transaction) Validate() error {
	if !t.Type.Valid() {
		return fmt.Errorf("transaction %s: unknown type %q", t.ID, t.Type)
	}
	if t.Amount.IsZero() {
		return fmt.Errorf("%w: transaction %s has a zero amount", ErrInvalidAmount, t.ID)
	}

	return nil
}

// VerifyLedger replays entries in order from opening and checks that every
// BalanceAfter snapshot and the final balance agree with the running sum.
func VerifyLedger(opening Money, entries []Transaction, balance Money) error {
	running := opening

	for i, tx := range entries {
		if err := tx.Validate(); err != nil {
			return err
		}

		var err error
		if tx.Type.IsDebit() {
			running, err = running.Subtract(tx.Amount)
		} else {
			running, err = running.Add(tx.Amount)
		}
		if err != nil {
			return fmt.Errorf("entry %d (%s): %w", i, tx.ID, err)
		}

		if !running.Equal(tx.BalanceAfter) {
			return fmt.Errorf("entry %d (%s): balance_after %s, running sum %s", i, tx.ID, tx.BalanceAfter, running)
		}
	}

	if !running.Equal(balance) {
		return fmt.Errorf("balance %s does not match ledger sum %s", balance, running)
	}

	return nil
}

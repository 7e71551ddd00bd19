// Package models defines the ledger's domain types: the Account aggregate,
// its Transactions and the Money and AccountNumber value types.
//
// Account computes state transitions only. It does not keep its transaction
// history in memory and does not persist anything: each mutation returns the
// Transaction it produced, and the caller commits it together with the new
// account state.
package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AccountStatus is the lifecycle state of an account.
type AccountStatus string

const (
	StatusActive   AccountStatus = "ACTIVE"
	StatusInactive AccountStatus = "INACTIVE"
	// StatusFrozen is set administratively. Frozen accounts reject every
	// balance mutation.
	StatusFrozen AccountStatus = "FROZEN"
)

// ParseAccountStatus accepts a status name in any letter case.
func ParseAccountStatus(s string) (AccountStatus, error) {
	switch st := AccountStatus(strings.ToUpper(s)); st {
	case StatusActive, StatusInactive, StatusFrozen:
		return st, nil
	}

	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

// IsActive reports whether balance mutations are allowed in status s.
func (s AccountStatus) IsActive() bool {
	return s == StatusActive
}

// now is swapped in tests that need deterministic timestamps.
var now = func() time.Time { return time.Now().UTC() }

// newTransactionID is swapped in tests that need deterministic ids.
var newTransactionID = func() string { return uuid.NewString() }

// Account is the aggregate root of the ledger.
//
// All fields are unexported: state changes only through Deposit, Withdraw and
// the status transitions. Methods that change state take a pointer receiver
// and either apply every change or none.
type Account struct {
	id             int64
	number         AccountNumber
	balance        Money
	openingBalance Money
	status         AccountStatus
	createdAt      time.Time
	updatedAt      time.Time
	version        int64
}

// NewAccount opens an ACTIVE account at version 0 holding initialBalance.
// The id is assigned when the account is first persisted.
func NewAccount(number AccountNumber, initialBalance Money) (Account, error) {
	if number.IsZero() {
		return Account{}, fmt.Errorf("%w: account number is required", ErrInvalidAccountNumber)
	}

	ts := now()

	return Account{
		number:         number,
		balance:        initialBalance,
		openingBalance: initialBalance,
		status:         StatusActive,
		createdAt:      ts,
		updatedAt:      ts,
	}, nil
}

func (a Account) ID() int64 { return a.id }
func (a Account) Number() AccountNumber { return a.number }
func (a Account) Balance() Money { return a.balance }
func (a Account) OpeningBalance() Money { return a.openingBalance }
func (a Account) Status() AccountStatus { return a.status }
func (a Account) CreatedAt() time.Time { return a.createdAt }
func (a Account) UpdatedAt() time.Time { return a.updatedAt }
func (a Account) Version() int64 { return a.version }

// WithID returns a copy of a carrying the repository-assigned id.
func (a Account) WithID(id int64) Account {
	a.id = id
	return a
}

// Deposit credits amount to the account and returns the DEPOSIT entry.
func (a *Account) Deposit(amount Money, description string) (Transaction, error) {
	if err := a.checkMutation(amount); err != nil {
		return Transaction{}, err
	}

	balance, err := a.balance.Add(amount)
	if err != nil {
		return Transaction{}, err
	}

	return a.apply(TransactionDeposit, amount, balance, description), nil
}

// Withdraw debits amount from the account and returns the WITHDRAW entry.
// The balance check runs after the status and amount checks.
func (a *Account) Withdraw(amount Money, description string) (Transaction, error) {
	if err := a.checkMutation(amount); err != nil {
		return Transaction{}, err
	}

	if a.balance.LessThan(amount) {
		return Transaction{}, fmt.Errorf("%w: balance %s, requested %s", ErrInsufficientBalance, a.balance, amount)
	}

	balance, err := a.balance.Subtract(amount)
	if err != nil {
		return Transaction{}, err
	}

	return a.apply(TransactionWithdraw, amount, balance, description), nil
}

// Activate moves the account to ACTIVE. Balance and version are unchanged.
func (a *Account) Activate() {
	a.setStatus(StatusActive)
}

// Deactivate moves the account to INACTIVE. Balance and version are unchanged.
func (a *Account) Deactivate() {
	a.setStatus(StatusInactive)
}

// Freeze moves the account to FROZEN. Balance and version are unchanged.
func (a *Account) Freeze() {
	a.setStatus(StatusFrozen)
}

// ChangeStatus dispatches to the transition for target.
func (a *Account) ChangeStatus(target AccountStatus) error {
	switch target {
	case StatusActive:
		a.Activate()
	case StatusInactive:
		a.Deactivate()
	case StatusFrozen:
		a.Freeze()
	default:
		return fmt.Errorf("%w: %q", ErrInvalidStatus, target)
	}

	return nil
}

func (a *Account) setStatus(s AccountStatus) {
	a.status = s
	a.updatedAt = now()
}

func (a *Account) checkMutation(amount Money) error {
	if !a.status.IsActive() {
		return fmt.Errorf("%w: account %s is %s", ErrInactiveAccount, a.number, a.status)
	}
	if amount.IsZero() {
		return fmt.Errorf("%w: amount must be greater than zero", ErrInvalidAmount)
	}

	return nil
}

// apply commits a validated mutation to the aggregate. Nothing here can fail.
func (a *Account) apply(typ TransactionType, amount, balance Money, description string) Transaction {
	ts := now()

	a.balance = balance
	a.version++
	a.updatedAt = ts

	return Transaction{
		ID:            newTransactionID(),
		AccountNumber: a.number,
		Type:          typ,
		Amount:        amount,
		BalanceAfter:  balance,
		TransactedAt:  ts,
		Description:   description,
	}
}

// AccountState is the flat, serialisable form of an Account used by
// repositories.
type AccountState struct {
	ID             int64         `json:"account_id"`
	Number         AccountNumber `json:"account_number"`
	Balance        Money         `json:"balance"`
	OpeningBalance Money         `json:"opening_balance"`
	Status         AccountStatus `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	Version        int64         `json:"version"`
}

// State exports the account for persistence.
func (a Account) State() AccountState {
	return AccountState{
		ID:             a.id,
		Number:         a.number,
		Balance:        a.balance,
		OpeningBalance: a.openingBalance,
		Status:         a.status,
		CreatedAt:      a.createdAt,
		UpdatedAt:      a.updatedAt,
		Version:        a.version,
	}
}

// RestoreAccount rebuilds an Account loaded from storage.
func RestoreAccount(s AccountState) (Account, error) {
	if s.Number.IsZero() {
		return Account{}, fmt.Errorf("%w: account number is required", ErrInvalidAccountNumber)
	}
	status, err := ParseAccountStatus(string(s.Status))
	if err != nil {
		return Account{}, err
	}
	if s.Version < 0 {
		return Account{}, fmt.Errorf("account %s: negative version %d", s.Number, s.Version)
	}

	return Account{
		id:             s.ID,
		number:         s.Number,
		balance:        s.Balance,
		openingBalance: s.OpeningBalance,
		status:         status,
		createdAt:      s.CreatedAt,
		updatedAt:      s.UpdatedAt,
		version:        s.Version,
	}, nil
}

func (a Account) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.State())
}

func (a *Account) UnmarshalJSON(data []byte) error {
	var s AccountState
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	restored, err := RestoreAccount(s)
	if err != nil {
		return err
	}
	*a = restored

	return nil
}

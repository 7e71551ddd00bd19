package models

import "errors"

// Error kinds surfaced by the ledger. Operations wrap these with context, so
// callers should match them with errors.Is.
var (
	ErrInvalidAccountNumber = errors.New("invalid account number")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrNegativeResult       = errors.New("amount arithmetic produced a negative result")
	ErrInactiveAccount      = errors.New("account is not active")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrAccountNotFound      = errors.New("account not found")
	ErrAccountExists        = errors.New("account already exists")
	ErrTransactionNotFound  = errors.New("transaction not found")
	ErrInvalidStatus        = errors.New("invalid account status")

	// ErrConcurrencyConflict means every optimistic commit attempt lost to a
	// concurrent writer. The mutation was not applied and may be resubmitted.
	ErrConcurrencyConflict = errors.New("concurrent modification, retries exhausted")

	// ErrDuplicateRequest means an idempotency key was reused for a request
	// that differs from the one it was first recorded with.
	ErrDuplicateRequest = errors.New("duplicate request")
)

// Code is the stable machine-readable identifier of an error kind.
type Code string

const (
	CodeInvalidAccountNumber Code = "INVALID_ACCOUNT_NUMBER"
	CodeInvalidAmount        Code = "INVALID_AMOUNT"
	CodeInactiveAccount      Code = "INACTIVE_ACCOUNT"
	CodeInsufficientBalance  Code = "INSUFFICIENT_BALANCE"
	CodeAccountNotFound      Code = "ACCOUNT_NOT_FOUND"
	CodeAccountExists        Code = "ACCOUNT_EXISTS"
	CodeTransactionNotFound  Code = "TRANSACTION_NOT_FOUND"
	CodeInvalidStatus        Code = "INVALID_STATUS"
	CodeConcurrencyConflict  Code = "CONCURRENCY_CONFLICT"
	CodeDuplicateRequest     Code = "DUPLICATE_REQUEST"
	CodeSystemError          Code = "SYSTEM_ERROR"
)

var errorCodes = []struct {
	err  error
	code Code
}{
	{ErrInvalidAccountNumber, CodeInvalidAccountNumber},
	{ErrInvalidAmount, CodeInvalidAmount},
	{ErrNegativeResult, CodeInvalidAmount},
	{ErrInactiveAccount, CodeInactiveAccount},
	{ErrInsufficientBalance, CodeInsufficientBalance},
	{ErrAccountNotFound, CodeAccountNotFound},
	{ErrAccountExists, CodeAccountExists},
	{ErrTransactionNotFound, CodeTransactionNotFound},
	{ErrInvalidStatus, CodeInvalidStatus},
	{ErrConcurrencyConflict, CodeConcurrencyConflict},
	{ErrDuplicateRequest, CodeDuplicateRequest},
}

// CodeOf returns the code of the first known error kind in err's chain, or
// CodeSystemError for anything else.
func CodeOf(err error) Code {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}

	return CodeSystemError
}

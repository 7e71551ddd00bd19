package models

import (
	"encoding/json"
	"fmt"
	"regexp"
)

var accountNumberPattern = regexp.MustCompile(`^[0-9]{10,20}$`)

// AccountNumber is a validated account identifier of 10 to 20 ASCII digits.
type AccountNumber struct {
	value string
}

// NewAccountNumber validates s. Invalid input is rejected as-is; no trimming
// or other repair is attempted.
func NewAccountNumber(s string) (AccountNumber, error) {
	if !accountNumberPattern.MatchString(s) {
		return AccountNumber{}, fmt.Errorf("%w: %q must be 10-20 digits", ErrInvalidAccountNumber, s)
	}

	return AccountNumber{value: s}, nil
}

// MustAccountNumber is NewAccountNumber for constants and tests.
func MustAccountNumber(s string) AccountNumber {
	n, err := NewAccountNumber(s)
	if err != nil {
		panic(err)
	}

	return n
}

func (n AccountNumber) String() string {
	return n.value
}

// IsZero reports whether n is the unset zero value.
func (n AccountNumber) IsZero() bool {
	return n.value == ""
}

func (n AccountNumber) MarshalJSON() ([]byte, error) {
	return json.Marshal(n.value)
}

func (n *AccountNumber) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidAccountNumber, string(data))
	}

	parsed, err := NewAccountNumber(s)
	if err != nil {
		return err
	}
	*n = parsed

	return nil
}

package handlers

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/arkantrust/account-ledger/models"
)

// Request limits of the public API.
var (
	minAmount = decimal.RequireFromString("0.01")
	maxAmount = decimal.RequireFromString("10000000.00")
)

// Digit limits of every request amount, like @Digits(integer = 10, fraction = 2).
const (
	maxIntegerDigits  = 10
	maxFractionDigits = 2
)

const maxIdempotencyKeyLength = 50

var idempotencyKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

var validate = newValidator()

// newValidator panics only if a rule is registered twice, which is a
// programming error.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Report JSON field names in validation errors.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	rules := map[string]validator.Func{
		"money_amount": func(fl validator.FieldLevel) bool {
			d, ok := boundedDecimal(fl)
			if !ok {
				return false
			}
			if d.Exponent() < -maxFractionDigits {
				// Precision is rejected by models.NewMoney as INVALID_AMOUNT.
				return true
			}
			return d.GreaterThanOrEqual(minAmount) && d.LessThanOrEqual(maxAmount)
		},
		"non_negative_decimal": func(fl validator.FieldLevel) bool {
			d, ok := boundedDecimal(fl)
			return ok && !d.IsNegative()
		},
		"idempotency_key": func(fl validator.FieldLevel) bool {
			return idempotencyKeyPattern.MatchString(fl.Field().String())
		},
	}
	for tag, fn := range rules {
		if err := v.RegisterValidation(tag, fn); err != nil {
			panic(fmt.Sprintf("register validation %q: %v", tag, err))
		}
	}

	return v
}

// boundedDecimal returns the field as a decimal if it has at most
// maxIntegerDigits integer digits. Comparing or formatting a decimal such as
// 1e-3000000 expands its exponent, so nothing else may look at the value
// before this check.
func boundedDecimal(fl validator.FieldLevel) (decimal.Decimal, bool) {
	d, ok := fl.Field().Interface().(decimal.Decimal)
	if !ok || models.IntegerDigits(d) > maxIntegerDigits {
		return decimal.Decimal{}, false
	}
	return d, true
}

// FieldViolation describes one rejected request field.
type FieldViolation struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

func violations(err error) []FieldViolation {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}

	out := make([]FieldViolation, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, FieldViolation{Field: fe.Field(), Rule: fe.Tag()})
	}
	return out
}

// validateIdempotencyKey applies the body rules to a key taken from a header.
func validateIdempotencyKey(key string) error {
	return validate.Var(key, fmt.Sprintf("max=%d,idempotency_key", maxIdempotencyKeyLength))
}

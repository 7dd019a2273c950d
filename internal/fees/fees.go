// Package fees splits a gross sale amount into the platform fee and the
// seller's payout.
//
// Amounts are integers in the smallest currency unit. The fee is always
// floor-rounded and the payout is derived by subtraction, so the two parts
// reconcile to the gross amount exactly.
package fees

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ConfigurationError reports an invalid fee input. It is fatal and must not
// be retried: the fix is an operator change, not another attempt.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s %s", e.Field, e.Reason)
}

var (
	minPercentage = decimal.Zero
	maxPercentage = decimal.NewFromInt(1)
)

// Breakdown is the result of applying a fee percentage to a gross amount.
type Breakdown struct {
	Gross        int64 `json:"gross"`
	PlatformFee  int64 `json:"platformFee"`
	SellerPayout int64 `json:"sellerPayout"`
}

// Compute applies feePercentage (a fraction in [0,1]) to gross.
func Compute(gross int64, feePercentage decimal.Decimal) (Breakdown, error) {
	if gross < 0 {
		return Breakdown{}, &ConfigurationError{Field: "grossAmount", Reason: "must not be negative"}
	}
	if err := ValidatePercentage(feePercentage); err != nil {
		return Breakdown{}, err
	}

	fee := decimal.NewFromInt(gross).Mul(feePercentage).Floor().IntPart()
	return Breakdown{
		Gross:        gross,
		PlatformFee:  fee,
		SellerPayout: gross - fee,
	}, nil
}

// ValidatePercentage checks that p is a fraction in [0,1].
func ValidatePercentage(p decimal.Decimal) error {
	if p.LessThan(minPercentage) || p.GreaterThan(maxPercentage) {
		return &ConfigurationError{Field: "feePercentage", Reason: "must be between 0 and 1"}
	}
	return nil
}

// ParsePercentage parses a decimal fraction such as "0.05". Parsing from text
// keeps values like 0.29 exact, which a float64 cannot.
func ParsePercentage(s string) (decimal.Decimal, error) {
	p, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, &ConfigurationError{Field: "feePercentage", Reason: fmt.Sprintf("%q is not a decimal", s)}
	}
	if err := ValidatePercentage(p); err != nil {
		return decimal.Zero, err
	}
	return p, nil
}

// Package settings supplies the runtime-tunable platform values: the fee
// percentage, the payment timeout and the verification period.
package settings

import (
	"context"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/digivault/escrowd/internal/fees"
)

// Keys stored in the platform_settings table.
const (
	KeyFeePercentage           = "fee_percentage"
	KeyPaymentTimeoutHours     = "payment_timeout_hours"
	KeyVerificationPeriodHours = "verification_period_hours"
)

// Settings holds the values read at checkout and transfer time.
type Settings struct {
	FeePercentage           decimal.Decimal `json:"feePercentage"`
	PaymentTimeoutHours     int             `json:"paymentTimeoutHours"`
	VerificationPeriodHours int             `json:"verificationPeriodHours"`
}

// Validate rejects values the fee policy and deadline calculator cannot use.
func (s Settings) Validate() error {
	if err := fees.ValidatePercentage(s.FeePercentage); err != nil {
		return err
	}
	if s.PaymentTimeoutHours <= 0 {
		return &fees.ConfigurationError{Field: "paymentTimeoutHours", Reason: "must be positive"}
	}
	if s.VerificationPeriodHours <= 0 {
		return &fees.ConfigurationError{Field: "verificationPeriodHours", Reason: "must be positive"}
	}
	return nil
}

// PaymentTimeout returns the payment timeout as a duration.
func (s Settings) PaymentTimeout() time.Duration {
	return time.Duration(s.PaymentTimeoutHours) * time.Hour
}

// Provider returns the settings in effect right now.
type Provider interface {
	Current(ctx context.Context) (Settings, error)
}

// Static always returns the same settings. Used when no database is configured.
type Static struct {
	S Settings
}

// Current implements Provider.
func (p Static) Current(context.Context) (Settings, error) {
	if err := p.S.Validate(); err != nil {
		return Settings{}, err
	}
	return p.S, nil
}

// apply overlays raw key/value rows on top of base.
func apply(base Settings, raw map[string]string) (Settings, error) {
	out := base
	if v, ok := raw[KeyFeePercentage]; ok {
		p, err := fees.ParsePercentage(v)
		if err != nil {
			return Settings{}, err
		}
		out.FeePercentage = p
	}
	if v, ok := raw[KeyPaymentTimeoutHours]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Settings{}, &fees.ConfigurationError{Field: "paymentTimeoutHours", Reason: "must be an integer"}
		}
		out.PaymentTimeoutHours = n
	}
	if v, ok := raw[KeyVerificationPeriodHours]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Settings{}, &fees.ConfigurationError{Field: "verificationPeriodHours", Reason: "must be an integer"}
		}
		out.VerificationPeriodHours = n
	}
	if err := out.Validate(); err != nil {
		return Settings{}, err
	}
	return out, nil
}

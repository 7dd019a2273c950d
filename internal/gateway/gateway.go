// Package gateway is the payment-provider boundary used at checkout.
//
// The settlement core never calls the provider: it only consumes the
// invoice id and status produced here and the paid events parsed from
// provider webhooks. Any provider failure surfaces as *Error; a failed
// call never yields an invoice.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	ErrNotConfigured  = errors.New("gateway: provider credentials are not configured")
	ErrInvalidRequest = errors.New("gateway: invalid invoice request")
	ErrInvalidEvent   = errors.New("gateway: invalid webhook event")
)

// UserMessage is what end users see for any gateway failure.
const UserMessage = "Payment gateway unavailable, please try again later"

// Error wraps a transport or provider-side failure. It is not retried
// internally; the user retries checkout.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway %s failed: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// InvoiceRequest carries everything the provider needs to bill the buyer.
type InvoiceRequest struct {
	ExternalID  string        // our transaction id
	Amount      int64         // smallest currency unit
	PayerEmail  string
	Description string
	ItemName    string
	SuccessURL  string
	FailureURL  string
	ExpiresIn   time.Duration // zero means the provider default
}

// Validate checks the request before any provider call.
func (r InvoiceRequest) Validate() error {
	switch {
	case r.ExternalID == "":
		return fmt.Errorf("%w: external id is required", ErrInvalidRequest)
	case r.Amount <= 0:
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	case r.ItemName == "":
		return fmt.Errorf("%w: item name is required", ErrInvalidRequest)
	}
	return nil
}

// Invoice is the provider's answer to an invoice request.
type Invoice struct {
	ID         string    `json:"id"`
	InvoiceURL string    `json:"invoiceUrl"`
	Amount     int64     `json:"amount"`
	Status     string    `json:"status"`
	ExpiryDate time.Time `json:"expiryDate"`
	Mock       bool      `json:"mock,omitempty"`
}

// PaymentEvent is a normalized provider webhook.
type PaymentEvent struct {
	Type       string `json:"type"`
	InvoiceID  string `json:"invoiceId"`
	ExternalID string `json:"externalId"`
	Paid       bool   `json:"paid"`
	Expired    bool   `json:"expired"`
}

// Gateway creates invoices and parses the provider's payment webhooks.
type Gateway interface {
	CreateInvoice(ctx context.Context, req InvoiceRequest) (*Invoice, error)
	ParseWebhook(payload []byte, signature string) (*PaymentEvent, error)
}

// Config selects and configures the provider.
type Config struct {
	Enabled       bool
	Production    bool
	SecretKey     string
	WebhookSecret string
	Currency      string
}

// New returns the Stripe gateway when enabled, or the mock gateway in
// non-production environments. Production never falls back to the mock.
func New(cfg Config, logger *slog.Logger) (Gateway, error) {
	if cfg.Enabled {
		if cfg.SecretKey == "" {
			return nil, fmt.Errorf("%w: STRIPE_SECRET_KEY is empty", ErrNotConfigured)
		}
		if cfg.Production && cfg.WebhookSecret == "" {
			return nil, fmt.Errorf("%w: STRIPE_WEBHOOK_SECRET is empty", ErrNotConfigured)
		}
		return NewStripeGateway(cfg.SecretKey, cfg.WebhookSecret, cfg.Currency), nil
	}
	if cfg.Production {
		return nil, fmt.Errorf("%w: payment gateway must be enabled in production", ErrNotConfigured)
	}
	logger.Warn("payment gateway disabled, issuing mock invoices")
	return NewMockGateway(), nil
}

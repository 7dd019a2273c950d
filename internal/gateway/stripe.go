package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/digivault/escrowd/internal/circuitbreaker"
)

// Stripe only accepts Checkout Session expiries in this window.
const (
	minSessionExpiry = 30 * time.Minute
	maxSessionExpiry = 24 * time.Hour
)

const breakerKey = "stripe"

// checkoutSessions is the subset of the Stripe client used here.
type checkoutSessions interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// StripeGateway bills buyers through Stripe Checkout Sessions.
type StripeGateway struct {
	sessions      checkoutSessions
	webhookSecret string
	currency      string
	breaker       *circuitbreaker.Breaker
	now           func() time.Time
}

// NewStripeGateway creates a gateway using the given API key.
func NewStripeGateway(secretKey, webhookSecret, currency string) *StripeGateway {
	api := &client.API{}
	api.Init(secretKey, nil)
	if currency == "" {
		currency = "idr"
	}
	return &StripeGateway{
		sessions:      api.CheckoutSessions,
		webhookSecret: webhookSecret,
		currency:      strings.ToLower(currency),
		breaker:       circuitbreaker.New(5, 30*time.Second),
		now:           time.Now,
	}
}

// CreateInvoice implements Gateway.
func (g *StripeGateway) CreateInvoice(ctx context.Context, req InvoiceRequest) (*Invoice, error) {
	if err := req.Validate(); err != nil {
		invoicesTotal.WithLabelValues("stripe", "invalid").Inc()
		return nil, err
	}

	expiry := g.now().Add(clampExpiry(req.ExpiresIn))
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(req.ExternalID),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.FailureURL),
		ExpiresAt:         stripe.Int64(expiry.Unix()),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(g.currency),
				UnitAmount: stripe.Int64(req.Amount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(req.ItemName),
				},
			},
			Quantity: stripe.Int64(1),
		}},
	}
	if req.PayerEmail != "" {
		params.CustomerEmail = stripe.String(req.PayerEmail)
	}
	if req.Description != "" {
		params.LineItems[0].PriceData.ProductData.Description = stripe.String(req.Description)
	}
	params.AddMetadata("external_id", req.ExternalID)
	params.Context = ctx
	// Replays of the same checkout return the original session.
	params.SetIdempotencyKey("invoice-" + req.ExternalID)

	var sess *stripe.CheckoutSession
	err := g.breaker.Do(breakerKey, func() error {
		var err error
		sess, err = g.sessions.New(params)
		return err
	}, isProviderFailure)
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrOpen) {
			invoicesTotal.WithLabelValues("stripe", "circuit_open").Inc()
		} else {
			invoicesTotal.WithLabelValues("stripe", "failed").Inc()
		}
		return nil, &Error{Op: "create_invoice", Err: err}
	}
	if sess == nil || sess.ID == "" || sess.URL == "" {
		invoicesTotal.WithLabelValues("stripe", "failed").Inc()
		return nil, &Error{Op: "create_invoice", Err: errors.New("provider returned an empty session")}
	}

	invoicesTotal.WithLabelValues("stripe", "created").Inc()
	return &Invoice{
		ID:         sess.ID,
		InvoiceURL: sess.URL,
		Amount:     sess.AmountTotal,
		Status:     string(sess.Status),
		ExpiryDate: time.Unix(sess.ExpiresAt, 0).UTC(),
	}, nil
}

// ParseWebhook implements Gateway. The Stripe-Signature header is verified
// against the endpoint secret before the body is trusted.
func (g *StripeGateway) ParseWebhook(payload []byte, signature string) (*PaymentEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, g.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	eventType := string(event.Type)
	out := &PaymentEvent{Type: eventType}
	switch eventType {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded", "checkout.session.expired":
	default:
		// Verified but irrelevant; the caller acknowledges it.
		return out, nil
	}

	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	out.InvoiceID = sess.ID
	out.ExternalID = sess.ClientReferenceID
	if eventType == "checkout.session.expired" {
		out.Expired = true
		return out, nil
	}
	out.Paid = sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid ||
		sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusNoPaymentRequired
	return out, nil
}

func clampExpiry(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return maxSessionExpiry
	case d < minSessionExpiry:
		return minSessionExpiry
	case d > maxSessionExpiry:
		return maxSessionExpiry
	}
	return d
}

// isProviderFailure keeps client-side rejections (bad params, card errors)
// from tripping the circuit.
func isProviderFailure(err error) bool {
	var se *stripe.Error
	if errors.As(err, &se) {
		return se.HTTPStatusCode == 0 || se.HTTPStatusCode == 429 || se.HTTPStatusCode >= 500
	}
	return true
}

var _ Gateway = (*StripeGateway)(nil)

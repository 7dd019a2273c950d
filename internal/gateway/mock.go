package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/digivault/escrowd/internal/idgen"
)

// MockStatus marks invoices that no provider will ever settle.
const MockStatus = "MOCK_PENDING"

// MockGateway issues clearly marked fake invoices for development and tests.
type MockGateway struct {
	now func() time.Time
}

// NewMockGateway creates a mock gateway.
func NewMockGateway() *MockGateway {
	return &MockGateway{now: time.Now}
}

// CreateInvoice implements Gateway.
func (g *MockGateway) CreateInvoice(_ context.Context, req InvoiceRequest) (*Invoice, error) {
	if err := req.Validate(); err != nil {
		invoicesTotal.WithLabelValues("mock", "invalid").Inc()
		return nil, err
	}
	expiresIn := req.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 24 * time.Hour
	}
	id := idgen.WithPrefix("mock_inv_")
	invoicesTotal.WithLabelValues("mock", "created").Inc()
	return &Invoice{
		ID:         id,
		InvoiceURL: "https://mock-gateway.invalid/invoices/" + id,
		Amount:     req.Amount,
		Status:     MockStatus,
		ExpiryDate: g.now().UTC().Add(expiresIn),
		Mock:       true,
	}, nil
}

// mockEvent is the webhook body accepted by the mock gateway.
type mockEvent struct {
	InvoiceID  string `json:"invoiceId"`
	ExternalID string `json:"externalId"`
	Status     string `json:"status"`
}

// ParseWebhook implements Gateway. The signature is ignored.
func (g *MockGateway) ParseWebhook(payload []byte, _ string) (*PaymentEvent, error) {
	var ev mockEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if ev.ExternalID == "" {
		return nil, fmt.Errorf("%w: externalId is required", ErrInvalidEvent)
	}
	return &PaymentEvent{
		Type:       "mock.invoice." + strings.ToLower(ev.Status),
		InvoiceID:  ev.InvoiceID,
		ExternalID: ev.ExternalID,
		Paid:       strings.EqualFold(ev.Status, "PAID"),
		Expired:    strings.EqualFold(ev.Status, "EXPIRED"),
	}, nil
}

var _ Gateway = (*MockGateway)(nil)

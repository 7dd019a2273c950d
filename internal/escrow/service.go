package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/digivault/escrowd/internal/fees"
	"github.com/digivault/escrowd/internal/gateway"
	"github.com/digivault/escrowd/internal/idgen"
	"github.com/digivault/escrowd/internal/pagination"
	"github.com/digivault/escrowd/internal/settings"
)

// Service drives the buyer and seller side of the lifecycle: checkout,
// payment confirmation, transfer and disputes. Settlement of transferred
// items lives in the settlement package.
type Service struct {
	store    Store
	gateway  gateway.Gateway
	settings settings.Provider
	notifier Notifier
	logger   *slog.Logger

	successURL string
	failureURL string
	now        func() time.Time
}

// NewService creates a new escrow service.
func NewService(store Store, gw gateway.Gateway, sp settings.Provider, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		gateway:  gw,
		settings: sp,
		logger:   logger,
		now:      time.Now,
	}
}

// WithNotifier adds a sink that receives notifications after commit.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithRedirectURLs sets where the provider sends the buyer after paying.
func (s *Service) WithRedirectURLs(success, failure string) *Service {
	s.successURL = success
	s.failureURL = failure
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CheckoutResult is the outcome of a successful checkout.
type CheckoutResult struct {
	Transaction *Transaction     `json:"transaction"`
	Invoice     *gateway.Invoice `json:"invoice"`
}

// Checkout reserves a listing for buyerID, freezes the fee split and
// issues a payment invoice. If the gateway fails the reservation is
// undone and a *gateway.Error is returned.
func (s *Service) Checkout(ctx context.Context, buyerID, listingID string) (*CheckoutResult, error) {
	cfg, err := s.settings.Current(ctx)
	if err != nil {
		return nil, err
	}

	listing, err := s.store.GetListing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if listing.Status != ListingActive {
		return nil, ErrListingUnavailable
	}
	if listing.SellerID == buyerID {
		return nil, ErrSelfPurchase
	}

	buyer, err := s.activeUser(ctx, buyerID)
	if err != nil {
		return nil, err
	}
	if _, err := s.activeUser(ctx, listing.SellerID); err != nil {
		return nil, err
	}

	split, err := fees.Compute(listing.Price, cfg.FeePercentage)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	txn := &Transaction{
		ID:           idgen.New(),
		BuyerID:      buyerID,
		SellerID:     listing.SellerID,
		ListingID:    listing.ID,
		Amount:       split.Gross,
		PlatformFee:  split.PlatformFee,
		SellerPayout: split.SellerPayout,
		Status:       StatusPendingPayment,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err = s.store.WithinTx(ctx, func(tx Tx) error {
		reserved, err := tx.ReserveListing(ctx, listing.ID)
		if err != nil {
			return err
		}
		if !reserved {
			return ErrListingUnavailable
		}
		if err := tx.InsertTransaction(ctx, txn); err != nil {
			return err
		}
		return tx.InsertAuditEntry(ctx, NewAuditEntry(AuditCheckout, buyerID, txn, "", StatusPendingPayment, now,
			map[string]any{"listingId": listing.ID, "feePercentage": cfg.FeePercentage.String()}))
	})
	if err != nil {
		return nil, err
	}

	invoice, err := s.gateway.CreateInvoice(ctx, gateway.InvoiceRequest{
		ExternalID:  txn.ID,
		Amount:      txn.Amount,
		PayerEmail:  buyer.Email,
		Description: fmt.Sprintf("Purchase of %s", listing.Title),
		ItemName:    listing.Title,
		SuccessURL:  s.successURL,
		FailureURL:  s.failureURL,
		ExpiresIn:   cfg.PaymentTimeout(),
	})
	if err != nil {
		s.logger.Error("invoice creation failed, releasing listing",
			"transaction_id", txn.ID, "listing_id", listing.ID, "error", err)
		if abortErr := s.abortCheckout(ctx, txn, err); abortErr != nil {
			s.logger.Error("failed to abort checkout", "transaction_id", txn.ID, "error", abortErr)
		}
		var gwErr *gateway.Error
		if errors.As(err, &gwErr) {
			return nil, gwErr
		}
		return nil, &gateway.Error{Op: "create_invoice", Err: err}
	}

	err = s.store.WithinTx(ctx, func(tx Tx) error {
		return tx.SetInvoice(ctx, txn.ID, invoice.ID, invoice.InvoiceURL)
	})
	if err != nil {
		return nil, err
	}
	txn.InvoiceID = invoice.ID
	txn.InvoiceURL = invoice.InvoiceURL

	return &CheckoutResult{Transaction: txn, Invoice: invoice}, nil
}

func (s *Service) abortCheckout(ctx context.Context, txn *Transaction, cause error) error {
	_, err := s.cancelPending(ctx, txn.ID, "", AuditCheckoutAborted,
		gateway.UserMessage, map[string]any{"error": cause.Error()})
	return err
}

// ExpireCheckout cancels a transaction whose invoice expired unpaid and
// puts the listing back on sale. Transactions that already moved past
// PENDING_PAYMENT are returned unchanged.
func (s *Service) ExpireCheckout(ctx context.Context, id, invoiceID string) (*Transaction, error) {
	return s.cancelPending(ctx, id, invoiceID, AuditPaymentExpired,
		"Your payment window expired and the checkout was cancelled.",
		map[string]any{"invoiceId": invoiceID})
}

// cancelPending moves PENDING_PAYMENT to CANCELLED and re-activates the
// listing in one unit, with a buyer notification and an audit entry.
func (s *Service) cancelPending(ctx context.Context, id, invoiceID, action, message string, details map[string]any) (*Transaction, error) {
	var (
		result *Transaction
		note   *Notification
	)
	err := s.store.WithinTx(ctx, func(tx Tx) error {
		current, err := tx.LockTransaction(ctx, id)
		if err != nil {
			return err
		}
		result = current
		if current.Status != StatusPendingPayment {
			return nil
		}
		if invoiceID != "" && current.InvoiceID != "" && invoiceID != current.InvoiceID {
			return fmt.Errorf("%w: invoice %s does not belong to transaction", ErrInvalidStatus, invoiceID)
		}
		now := s.now().UTC()
		current.Status = StatusCancelled
		current.UpdatedAt = now
		ok, err := tx.UpdateStatus(ctx, current, StatusPendingPayment)
		if err != nil {
			return err
		}
		if !ok {
			return ErrConflict
		}
		if err := tx.SetListingStatus(ctx, current.ListingID, ListingActive); err != nil {
			return err
		}
		note = NewNotification(current.BuyerID, NotifyCheckoutCanceled, "Checkout cancelled",
			message, current.ID, now)
		if err := tx.InsertNotification(ctx, note); err != nil {
			return err
		}
		return tx.InsertAuditEntry(ctx, NewAuditEntry(action, ActorGateway, current,
			StatusPendingPayment, StatusCancelled, now, details))
	})
	if err != nil {
		return nil, err
	}
	if note != nil {
		PublishAll(ctx, s.notifier, s.logger, []*Notification{note})
	}
	return result, nil
}

// HandlePaymentEvent applies a verified gateway webhook. Repeated events
// for a transaction that already moved on are accepted without effect.
// A nil transaction means the event carries nothing escrow acts on.
func (s *Service) HandlePaymentEvent(ctx context.Context, ev *gateway.PaymentEvent) (*Transaction, error) {
	if ev == nil {
		return nil, gateway.ErrInvalidEvent
	}
	if ev.ExternalID == "" {
		return nil, nil
	}
	switch {
	case ev.Paid:
		return s.MarkPaid(ctx, ev.ExternalID, ev.InvoiceID)
	case ev.Expired:
		return s.ExpireCheckout(ctx, ev.ExternalID, ev.InvoiceID)
	}
	return s.store.Get(ctx, ev.ExternalID)
}

// MarkPaid moves a transaction from PENDING_PAYMENT to PAID.
func (s *Service) MarkPaid(ctx context.Context, id, invoiceID string) (*Transaction, error) {
	var (
		result *Transaction
		notes  []*Notification
	)
	err := s.store.WithinTx(ctx, func(tx Tx) error {
		txn, err := tx.LockTransaction(ctx, id)
		if err != nil {
			return err
		}
		switch txn.Status {
		case StatusPendingPayment:
		case StatusCancelled:
			// Paid after the checkout was aborted; needs a manual refund.
			return fmt.Errorf("%w: transaction is %s", ErrInvalidStatus, txn.Status)
		default:
			result = txn
			return nil
		}
		if invoiceID != "" && txn.InvoiceID != "" && invoiceID != txn.InvoiceID {
			return fmt.Errorf("%w: invoice %s does not belong to transaction", ErrInvalidStatus, invoiceID)
		}

		now := s.now().UTC()
		txn.Status = StatusPaid
		txn.UpdatedAt = now
		ok, err := tx.UpdateStatus(ctx, txn, StatusPendingPayment)
		if err != nil {
			return err
		}
		if !ok {
			return ErrConflict
		}

		note := NewNotification(txn.SellerID, NotifyPaymentReceived, "Payment received",
			"The buyer has paid. Please transfer the item.", txn.ID, now)
		if err := tx.InsertNotification(ctx, note); err != nil {
			return err
		}
		if err := tx.InsertAuditEntry(ctx, NewAuditEntry(AuditPaymentReceived, ActorGateway, txn,
			StatusPendingPayment, StatusPaid, now, map[string]any{"invoiceId": invoiceID})); err != nil {
			return err
		}
		notes = append(notes, note)
		result = txn
		return nil
	})
	if err != nil {
		return nil, err
	}
	PublishAll(ctx, s.notifier, s.logger, notes)
	return result, nil
}

// MarkTransferred records that the seller handed over the item and starts
// the buyer's verification window.
func (s *Service) MarkTransferred(ctx context.Context, id, callerID string) (*Transaction, error) {
	cfg, err := s.settings.Current(ctx)
	if err != nil {
		return nil, err
	}

	var (
		result *Transaction
		notes  []*Notification
	)
	err = s.store.WithinTx(ctx, func(tx Tx) error {
		txn, err := tx.LockTransaction(ctx, id)
		if err != nil {
			return err
		}
		if txn.SellerID != callerID {
			return ErrUnauthorized
		}
		if txn.Status != StatusPaid {
			return fmt.Errorf("%w: transaction is %s", ErrInvalidStatus, txn.Status)
		}

		now := s.now().UTC()
		deadline, err := ComputeVerificationDeadline(now, cfg.VerificationPeriodHours)
		if err != nil {
			return err
		}
		txn.Status = StatusItemTransferred
		txn.UpdatedAt = now
		txn.ItemTransferredAt = &now
		txn.VerificationDeadline = &deadline
		ok, err := tx.UpdateStatus(ctx, txn, StatusPaid)
		if err != nil {
			return err
		}
		if !ok {
			return ErrConflict
		}

		note := NewNotification(txn.BuyerID, NotifyItemTransferred, "Item transferred",
			fmt.Sprintf("The seller has transferred your item. Please verify it before %s.",
				deadline.Format(time.RFC3339)), txn.ID, now)
		if err := tx.InsertNotification(ctx, note); err != nil {
			return err
		}
		if err := tx.InsertAuditEntry(ctx, NewAuditEntry(AuditItemTransferred, callerID, txn,
			StatusPaid, StatusItemTransferred, now,
			map[string]any{"verificationDeadline": deadline.Format(time.RFC3339)})); err != nil {
			return err
		}
		notes = append(notes, note)
		result = txn
		return nil
	})
	if err != nil {
		return nil, err
	}
	PublishAll(ctx, s.notifier, s.logger, notes)
	return result, nil
}

// OpenDispute contests a paid or transferred transaction. Once a dispute
// exists no automatic settlement touches the transaction.
func (s *Service) OpenDispute(ctx context.Context, id, callerID, reason string) (*Dispute, error) {
	reason = strings.TrimSpace(reason)
	var (
		dispute *Dispute
		notes   []*Notification
	)
	err := s.store.WithinTx(ctx, func(tx Tx) error {
		txn, err := tx.LockTransaction(ctx, id)
		if err != nil {
			return err
		}
		if !txn.IsParty(callerID) {
			return ErrUnauthorized
		}
		exists, err := tx.HasDispute(ctx, txn.ID)
		if err != nil {
			return err
		}
		if exists {
			return ErrDisputeExists
		}
		from := txn.Status
		if !CanTransition(from, StatusDisputed) {
			return fmt.Errorf("%w: transaction is %s", ErrInvalidStatus, from)
		}

		now := s.now().UTC()
		dispute = &Dispute{
			ID:            idgen.WithPrefix("dsp_"),
			TransactionID: txn.ID,
			OpenedBy:      callerID,
			Reason:        reason,
			CreatedAt:     now,
		}
		if err := tx.InsertDispute(ctx, dispute); err != nil {
			return err
		}
		txn.Status = StatusDisputed
		txn.UpdatedAt = now
		ok, err := tx.UpdateStatus(ctx, txn, from)
		if err != nil {
			return err
		}
		if !ok {
			return ErrConflict
		}

		counterparty := txn.SellerID
		if callerID == txn.SellerID {
			counterparty = txn.BuyerID
		}
		note := NewNotification(counterparty, NotifyDisputeOpened, "Dispute opened",
			"A dispute was opened on your transaction. Settlement is on hold.", txn.ID, now)
		if err := tx.InsertNotification(ctx, note); err != nil {
			return err
		}
		if err := tx.InsertAuditEntry(ctx, NewAuditEntry(AuditDisputeOpened, callerID, txn,
			from, StatusDisputed, now, map[string]any{"disputeId": dispute.ID, "reason": reason})); err != nil {
			return err
		}
		notes = append(notes, note)
		return nil
	})
	if err != nil {
		return nil, err
	}
	PublishAll(ctx, s.notifier, s.logger, notes)
	return dispute, nil
}

// Get returns a transaction visible to callerID. Admins see everything.
func (s *Service) Get(ctx context.Context, id, callerID string, admin bool) (*Transaction, error) {
	txn, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !admin && !txn.IsParty(callerID) {
		return nil, ErrUnauthorized
	}
	return txn, nil
}

// Page is one page of a transaction listing.
type Page struct {
	Transactions []*Transaction `json:"transactions"`
	NextCursor   string         `json:"nextCursor,omitempty"`
	HasMore      bool           `json:"hasMore"`
}

// List returns the caller's transactions newest first.
func (s *Service) List(ctx context.Context, userID string, role PartyRole, cursor string, limit int) (*Page, error) {
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, err
	}
	items, err := s.store.ListByParty(ctx, userID, role, after, limit+1)
	if err != nil {
		return nil, err
	}
	items, next, more := pagination.ComputePage(items, limit, func(t *Transaction) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	if items == nil {
		items = []*Transaction{}
	}
	return &Page{Transactions: items, NextCursor: next, HasMore: more}, nil
}

func (s *Service) activeUser(ctx context.Context, id string) (*User, error) {
	u, err := s.store.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	if u.Suspended {
		return nil, ErrUserSuspended
	}
	return u, nil
}

// Package escrow holds buyer funds for a marketplace sale until the buyer
// verifies delivery or the verification window lapses.
//
// Lifecycle:
//  1. Checkout → PENDING_PAYMENT, listing reserved, invoice issued
//  2. Gateway webhook → PAID
//  3. Seller transfers the item → ITEM_TRANSFERRED, verification deadline set
//  4. Buyer confirms, or the deadline passes → COMPLETED, payout queued
//  5. Either party disputes → DISPUTED (automatic settlement suspended)
//  6. Seller never ships → REFUNDED by the stale-payment sweep
package escrow

import (
	"errors"
	"time"
)

var (
	ErrTransactionNotFound = errors.New("escrow: transaction not found")
	ErrListingNotFound     = errors.New("escrow: listing not found")
	ErrListingUnavailable  = errors.New("escrow: listing is not available")
	ErrUserNotFound        = errors.New("escrow: user not found")
	ErrUserSuspended       = errors.New("escrow: account is suspended")
	ErrSelfPurchase        = errors.New("escrow: buyer and seller cannot be the same user")
	ErrInvalidStatus       = errors.New("escrow: invalid transaction status for this operation")
	ErrUnauthorized        = errors.New("escrow: not authorized for this transaction")
	ErrDisputeExists       = errors.New("escrow: transaction already has a dispute")
	ErrConflict            = errors.New("escrow: transaction was modified concurrently")
)

// Status is the position of a transaction in the escrow state machine.
type Status string

const (
	StatusPendingPayment  Status = "PENDING_PAYMENT"
	StatusPaid            Status = "PAID"
	StatusItemTransferred Status = "ITEM_TRANSFERRED"
	StatusVerified        Status = "VERIFIED"
	StatusCompleted       Status = "COMPLETED"
	StatusDisputed        Status = "DISPUTED"
	StatusRefunded        Status = "REFUNDED"
	StatusCancelled       Status = "CANCELLED"
)

// transitions is the forward-only status graph. DISPUTED exits are taken by
// dispute resolution; PAID → REFUNDED is the stale-payment path.
var transitions = map[Status][]Status{
	StatusPendingPayment:  {StatusPaid, StatusCancelled},
	StatusPaid:            {StatusItemTransferred, StatusDisputed, StatusRefunded, StatusCancelled},
	StatusItemTransferred: {StatusVerified, StatusCompleted, StatusDisputed},
	StatusVerified:        {StatusCompleted, StatusDisputed},
	StatusDisputed:        {StatusCompleted, StatusRefunded},
}

// CanTransition reports whether from → to is an edge of the status graph.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPendingPayment, StatusPaid, StatusItemTransferred, StatusVerified,
		StatusCompleted, StatusDisputed, StatusRefunded, StatusCancelled:
		return true
	}
	return false
}

// Transaction is one escrow agreement between a buyer and a seller for a
// single listing. Parties, listing and amounts never change after creation.
type Transaction struct {
	ID                   string     `json:"id"`
	BuyerID              string     `json:"buyerId"`
	SellerID             string     `json:"sellerId"`
	ListingID            string     `json:"listingId"`
	Amount               int64      `json:"transactionAmount"`
	PlatformFee          int64      `json:"platformFeeAmount"`
	SellerPayout         int64      `json:"sellerPayoutAmount"`
	Status               Status     `json:"status"`
	InvoiceID            string     `json:"invoiceId,omitempty"`
	InvoiceURL           string     `json:"invoiceUrl,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`
	ItemTransferredAt    *time.Time `json:"itemTransferredAt,omitempty"`
	VerificationDeadline *time.Time `json:"verificationDeadline,omitempty"`
	CompletedAt          *time.Time `json:"completedAt,omitempty"`
}

// Reconciles reports whether the fee split adds back up to the gross amount.
func (t *Transaction) Reconciles() bool {
	return t.PlatformFee+t.SellerPayout == t.Amount
}

// IsParty reports whether userID is the buyer or the seller.
func (t *Transaction) IsParty(userID string) bool {
	return userID != "" && (userID == t.BuyerID || userID == t.SellerID)
}

// Clone returns a copy that shares no mutable state with t.
func (t *Transaction) Clone() *Transaction {
	cp := *t
	cp.ItemTransferredAt = cloneTime(t.ItemTransferredAt)
	cp.VerificationDeadline = cloneTime(t.VerificationDeadline)
	cp.CompletedAt = cloneTime(t.CompletedAt)
	return &cp
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Dispute marks a contested transaction. Its existence alone suspends
// automatic settlement.
type Dispute struct {
	ID            string    `json:"id"`
	TransactionID string    `json:"transactionId"`
	OpenedBy      string    `json:"openedBy"`
	Reason        string    `json:"reason"`
	CreatedAt     time.Time `json:"createdAt"`
}

// ListingStatus is the marketplace state of a listed item.
type ListingStatus string

const (
	ListingActive   ListingStatus = "ACTIVE"
	ListingReserved ListingStatus = "RESERVED"
	ListingSold     ListingStatus = "SOLD"
)

// Listing is the traded item as far as escrow needs to know it.
type Listing struct {
	ID       string        `json:"id"`
	SellerID string        `json:"sellerId"`
	Title    string        `json:"title"`
	Price    int64         `json:"price"`
	Status   ListingStatus `json:"status"`
}

// User is the slice of the account directory escrow reads.
type User struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	Suspended bool   `json:"suspended"`
}

// BankAccount is a seller's registered payout destination.
type BankAccount struct {
	ID            string `json:"id"`
	UserID        string `json:"userId"`
	BankName      string `json:"bankName"`
	AccountNumber string `json:"accountNumber"`
	AccountHolder string `json:"accountHolder"`
	IsDefault     bool   `json:"isDefault"`
}

// PayoutStatus tracks a payout instruction.
type PayoutStatus string

const PayoutPending PayoutStatus = "PENDING"

// Payout is an instruction to transfer seller proceeds. Bank details are a
// snapshot taken at settlement time.
type Payout struct {
	ID            string       `json:"id"`
	TransactionID string       `json:"transactionId"`
	SellerID      string       `json:"sellerId"`
	Amount        int64        `json:"amount"`
	Status        PayoutStatus `json:"status"`
	BankName      string       `json:"bankName"`
	AccountNumber string       `json:"accountNumber"`
	AccountHolder string       `json:"accountHolder"`
	CreatedAt     time.Time    `json:"createdAt"`
}

// Notification tells a user about a change to one of their transactions.
type Notification struct {
	ID            string    `json:"id"`
	UserID        string    `json:"userId"`
	Type          string    `json:"type"`
	Title         string    `json:"title"`
	Message       string    `json:"message"`
	TransactionID string    `json:"transactionId"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Notification types.
const (
	NotifyPaymentReceived  = "PAYMENT_RECEIVED"
	NotifyItemTransferred  = "ITEM_TRANSFERRED"
	NotifyFundsReleased    = "FUNDS_RELEASED"
	NotifyCompleted        = "TRANSACTION_COMPLETED"
	NotifyRefunded         = "TRANSACTION_REFUNDED"
	NotifyDisputeOpened    = "DISPUTE_OPENED"
	NotifyCheckoutCanceled = "CHECKOUT_CANCELLED"
)

// AuditEntry is an append-only record of a state transition.
type AuditEntry struct {
	ID         string         `json:"id"`
	Action     string         `json:"action"`
	EntityType string         `json:"entityType"`
	EntityID   string         `json:"entityId"`
	Actor      string         `json:"actor"`
	FromStatus Status         `json:"fromStatus"`
	ToStatus   Status         `json:"toStatus"`
	Details    map[string]any `json:"details,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// Audit actions.
const (
	AuditCheckout        = "CHECKOUT_CREATED"
	AuditCheckoutAborted = "CHECKOUT_ABORTED"
	AuditPaymentReceived = "PAYMENT_RECEIVED"
	AuditPaymentExpired  = "PAYMENT_EXPIRED"
	AuditItemTransferred = "ITEM_TRANSFERRED"
	AuditBuyerConfirmed  = "BUYER_CONFIRMED"
	AuditAutoRelease     = "AUTO_RELEASE"
	AuditAutoRefund      = "AUTO_REFUND_STALE_PAYMENT"
	AuditDisputeOpened   = "DISPUTE_OPENED"
)

// Actors recorded in the audit log.
const (
	ActorSystem  = "system:settlement"
	ActorGateway = "system:payment-gateway"
)

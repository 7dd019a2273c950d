package escrow

import (
	"context"
	"time"

	"github.com/digivault/escrowd/internal/pagination"
)

// PartyRole selects which side of a transaction a listing query matches.
type PartyRole string

const (
	AsBuyer  PartyRole = "buyer"
	AsSeller PartyRole = "seller"
)

// Store persists transactions and the records written alongside them.
// Every multi-entity write goes through WithinTx.
type Store interface {
	// WithinTx runs fn inside one atomic unit. If fn returns an error, none
	// of its writes are applied.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	Get(ctx context.Context, id string) (*Transaction, error)
	ListByParty(ctx context.Context, userID string, role PartyRole, after *pagination.Cursor, limit int) ([]*Transaction, error)

	// ListReleaseCandidates returns ITEM_TRANSFERRED transactions whose
	// verification deadline is before now, oldest deadline first.
	ListReleaseCandidates(ctx context.Context, now time.Time, limit int) ([]*Transaction, error)
	// ListStalePaid returns PAID transactions never transferred whose
	// updated_at is at or before cutoff.
	ListStalePaid(ctx context.Context, cutoff time.Time, limit int) ([]*Transaction, error)
	// CountReleaseEligible counts release candidates without a dispute.
	CountReleaseEligible(ctx context.Context, now time.Time) (int, error)

	GetListing(ctx context.Context, id string) (*Listing, error)
	GetUser(ctx context.Context, id string) (*User, error)
	GetDispute(ctx context.Context, transactionID string) (*Dispute, error)
	ListPayouts(ctx context.Context, transactionID string) ([]*Payout, error)

	Ping(ctx context.Context) error
}

// Tx is the write side of one atomic unit.
type Tx interface {
	// LockTransaction reads a transaction and holds it against concurrent
	// writers until the unit ends.
	LockTransaction(ctx context.Context, id string) (*Transaction, error)
	InsertTransaction(ctx context.Context, t *Transaction) error
	// UpdateStatus writes t's status and timestamps only if the stored status
	// still equals from. It reports whether a row was updated.
	UpdateStatus(ctx context.Context, t *Transaction, from Status) (bool, error)
	SetInvoice(ctx context.Context, id, invoiceID, invoiceURL string) error

	HasDispute(ctx context.Context, transactionID string) (bool, error)
	InsertDispute(ctx context.Context, d *Dispute) error

	// ReserveListing moves an ACTIVE listing to RESERVED and reports
	// whether it did.
	ReserveListing(ctx context.Context, listingID string) (bool, error)
	SetListingStatus(ctx context.Context, listingID string, status ListingStatus) error

	// DefaultBankAccount returns nil, nil when the user has none on file.
	DefaultBankAccount(ctx context.Context, userID string) (*BankAccount, error)
	InsertPayout(ctx context.Context, p *Payout) error
	InsertNotification(ctx context.Context, n *Notification) error
	InsertAuditEntry(ctx context.Context, e *AuditEntry) error
}

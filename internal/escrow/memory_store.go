package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/digivault/escrowd/internal/pagination"
)

// memState is everything MemoryStore holds. A unit of work operates on a
// clone and swaps it in on success.
type memState struct {
	txns          map[string]*Transaction
	disputes      map[string]*Dispute // by transaction id
	listings      map[string]*Listing
	users         map[string]*User
	banks         map[string]*BankAccount
	payouts       []*Payout
	notifications []*Notification
	audit         []*AuditEntry
}

func newMemState() *memState {
	return &memState{
		txns:     make(map[string]*Transaction),
		disputes: make(map[string]*Dispute),
		listings: make(map[string]*Listing),
		users:    make(map[string]*User),
		banks:    make(map[string]*BankAccount),
	}
}

// Appended records are never mutated, so the slices only need new headers.
func (s *memState) clone() *memState {
	c := newMemState()
	for k, v := range s.txns {
		c.txns[k] = v.Clone()
	}
	for k, v := range s.disputes {
		d := *v
		c.disputes[k] = &d
	}
	for k, v := range s.listings {
		l := *v
		c.listings[k] = &l
	}
	for k, v := range s.users {
		u := *v
		c.users[k] = &u
	}
	for k, v := range s.banks {
		b := *v
		c.banks[k] = &b
	}
	c.payouts = append([]*Payout(nil), s.payouts...)
	c.notifications = append([]*Notification(nil), s.notifications...)
	c.audit = append([]*AuditEntry(nil), s.audit...)
	return c
}

// MemoryStore is an in-memory Store for development mode and tests.
// Units of work are serialized, which makes them trivially atomic.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memState
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

func (m *MemoryStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	work := m.state.clone()
	if err := fn(&memTx{s: work}); err != nil {
		return err
	}
	m.state = work
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.state.txns[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return t.Clone(), nil
}

func (m *MemoryStore) ListByParty(_ context.Context, userID string, role PartyRole, after *pagination.Cursor, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, t := range m.state.txns {
		if (role == AsBuyer && t.BuyerID != userID) || (role == AsSeller && t.SellerID != userID) {
			continue
		}
		if after != nil && !before(t.CreatedAt, t.ID, after.CreatedAt, after.ID) {
			continue
		}
		result = append(result, t.Clone())
	}
	// Newest first, id as tie-breaker, matching the SQL ordering.
	sort.Slice(result, func(i, j int) bool {
		return before(result[j].CreatedAt, result[j].ID, result[i].CreatedAt, result[i].ID)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// before reports whether (at, aID) sorts strictly before (bt, bID).
func before(at time.Time, aID string, bt time.Time, bID string) bool {
	if at.Equal(bt) {
		return aID < bID
	}
	return at.Before(bt)
}

func (m *MemoryStore) ListReleaseCandidates(_ context.Context, now time.Time, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, t := range m.state.txns {
		if t.Status == StatusItemTransferred && t.VerificationDeadline != nil && t.VerificationDeadline.Before(now) {
			result = append(result, t.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].VerificationDeadline.Before(*result[j].VerificationDeadline)
	})
	return truncate(result, limit), nil
}

func (m *MemoryStore) ListStalePaid(_ context.Context, cutoff time.Time, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, t := range m.state.txns {
		if t.Status == StatusPaid && t.ItemTransferredAt == nil && !t.UpdatedAt.After(cutoff) {
			result = append(result, t.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UpdatedAt.Before(result[j].UpdatedAt) })
	return truncate(result, limit), nil
}

func (m *MemoryStore) CountReleaseEligible(_ context.Context, now time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, t := range m.state.txns {
		if t.Status != StatusItemTransferred || t.VerificationDeadline == nil || !t.VerificationDeadline.Before(now) {
			continue
		}
		if _, disputed := m.state.disputes[t.ID]; disputed {
			continue
		}
		n++
	}
	return n, nil
}

func (m *MemoryStore) GetListing(_ context.Context, id string) (*Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.state.listings[id]
	if !ok {
		return nil, ErrListingNotFound
	}
	cp := *l
	return &cp, nil
}

func (m *MemoryStore) GetUser(_ context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.state.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

// GetDispute returns nil, nil when the transaction is not disputed.
func (m *MemoryStore) GetDispute(_ context.Context, transactionID string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.state.disputes[transactionID]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) ListPayouts(_ context.Context, transactionID string) ([]*Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Payout
	for _, p := range m.state.payouts {
		if transactionID == "" || p.TransactionID == transactionID {
			cp := *p
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

// Seeding and inspection helpers for development mode and tests.

// PutUser inserts or replaces a user.
func (m *MemoryStore) PutUser(u User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.users[u.ID] = &u
}

// PutListing inserts or replaces a listing.
func (m *MemoryStore) PutListing(l Listing) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.listings[l.ID] = &l
}

// PutBankAccount inserts or replaces a bank account.
func (m *MemoryStore) PutBankAccount(b BankAccount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.banks[b.ID] = &b
}

// PutTransaction inserts or replaces a transaction as-is.
func (m *MemoryStore) PutTransaction(t *Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.txns[t.ID] = t.Clone()
}

// PutDispute records a dispute without touching the transaction status,
// the way an out-of-band dispute tool would.
func (m *MemoryStore) PutDispute(d Dispute) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.disputes[d.TransactionID] = &d
}

// Notifications returns the notifications written so far.
func (m *MemoryStore) Notifications() []*Notification {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Notification(nil), m.state.notifications...)
}

// AuditEntries returns the audit log written so far.
func (m *MemoryStore) AuditEntries() []*AuditEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*AuditEntry(nil), m.state.audit...)
}

func truncate(ts []*Transaction, limit int) []*Transaction {
	if limit > 0 && len(ts) > limit {
		return ts[:limit]
	}
	return ts
}

// memTx operates on a private clone of the store state.
type memTx struct {
	s *memState
}

func (t *memTx) LockTransaction(_ context.Context, id string) (*Transaction, error) {
	txn, ok := t.s.txns[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return txn.Clone(), nil
}

func (t *memTx) InsertTransaction(_ context.Context, txn *Transaction) error {
	if _, exists := t.s.txns[txn.ID]; exists {
		return ErrConflict
	}
	t.s.txns[txn.ID] = txn.Clone()
	return nil
}

func (t *memTx) UpdateStatus(_ context.Context, txn *Transaction, from Status) (bool, error) {
	cur, ok := t.s.txns[txn.ID]
	if !ok || cur.Status != from {
		return false, nil
	}
	cur.Status = txn.Status
	cur.UpdatedAt = txn.UpdatedAt
	cur.ItemTransferredAt = cloneTime(txn.ItemTransferredAt)
	cur.VerificationDeadline = cloneTime(txn.VerificationDeadline)
	cur.CompletedAt = cloneTime(txn.CompletedAt)
	return true, nil
}

func (t *memTx) SetInvoice(_ context.Context, id, invoiceID, invoiceURL string) error {
	cur, ok := t.s.txns[id]
	if !ok {
		return ErrTransactionNotFound
	}
	cur.InvoiceID = invoiceID
	cur.InvoiceURL = invoiceURL
	return nil
}

func (t *memTx) HasDispute(_ context.Context, transactionID string) (bool, error) {
	_, ok := t.s.disputes[transactionID]
	return ok, nil
}

func (t *memTx) InsertDispute(_ context.Context, d *Dispute) error {
	if _, exists := t.s.disputes[d.TransactionID]; exists {
		return ErrDisputeExists
	}
	cp := *d
	t.s.disputes[d.TransactionID] = &cp
	return nil
}

func (t *memTx) ReserveListing(_ context.Context, listingID string) (bool, error) {
	l, ok := t.s.listings[listingID]
	if !ok {
		return false, ErrListingNotFound
	}
	if l.Status != ListingActive {
		return false, nil
	}
	l.Status = ListingReserved
	return true, nil
}

func (t *memTx) SetListingStatus(_ context.Context, listingID string, status ListingStatus) error {
	l, ok := t.s.listings[listingID]
	if !ok {
		return ErrListingNotFound
	}
	l.Status = status
	return nil
}

func (t *memTx) DefaultBankAccount(_ context.Context, userID string) (*BankAccount, error) {
	for _, b := range t.s.banks {
		if b.UserID == userID && b.IsDefault {
			cp := *b
			return &cp, nil
		}
	}
	return nil, nil
}

func (t *memTx) InsertPayout(_ context.Context, p *Payout) error {
	cp := *p
	t.s.payouts = append(t.s.payouts, &cp)
	return nil
}

func (t *memTx) InsertNotification(_ context.Context, n *Notification) error {
	cp := *n
	t.s.notifications = append(t.s.notifications, &cp)
	return nil
}

func (t *memTx) InsertAuditEntry(_ context.Context, e *AuditEntry) error {
	cp := *e
	t.s.audit = append(t.s.audit, &cp)
	return nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Tx    = (*memTx)(nil)
)

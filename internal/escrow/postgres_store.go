package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/digivault/escrowd/internal/pagination"
)

// PostgresStore persists escrow data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// WithinTx runs fn in a READ COMMITTED transaction. Row locks taken by
// LockTransaction and the status predicate in UpdateStatus provide the
// isolation the settlement unit needs.
func (p *PostgresStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

const txnColumns = `id, buyer_id, seller_id, listing_id,
		transaction_amount, platform_fee_amount, seller_payout_amount,
		status, invoice_id, invoice_url, created_at, updated_at,
		item_transferred_at, verification_deadline, completed_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+txnColumns+` FROM transactions WHERE id = $1`, id)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	return t, err
}

func (p *PostgresStore) ListByParty(ctx context.Context, userID string, role PartyRole, after *pagination.Cursor, limit int) ([]*Transaction, error) {
	column := "buyer_id"
	if role == AsSeller {
		column = "seller_id"
	}

	var (
		rows *sql.Rows
		err  error
	)
	if after == nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+txnColumns+` FROM transactions
			WHERE `+column+` = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, userID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+txnColumns+` FROM transactions
			WHERE `+column+` = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`, userID, after.CreatedAt, after.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTransactions(rows)
}

func (p *PostgresStore) ListReleaseCandidates(ctx context.Context, now time.Time, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txnColumns+` FROM transactions
		WHERE status = $1 AND verification_deadline < $2
		ORDER BY verification_deadline ASC
		LIMIT $3`, string(StatusItemTransferred), now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTransactions(rows)
}

func (p *PostgresStore) ListStalePaid(ctx context.Context, cutoff time.Time, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txnColumns+` FROM transactions
		WHERE status = $1 AND updated_at <= $2 AND item_transferred_at IS NULL
		ORDER BY updated_at ASC
		LIMIT $3`, string(StatusPaid), cutoff.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTransactions(rows)
}

func (p *PostgresStore) CountReleaseEligible(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM transactions t
		WHERE t.status = $1 AND t.verification_deadline < $2
		  AND NOT EXISTS (SELECT 1 FROM disputes d WHERE d.transaction_id = t.id)`,
		string(StatusItemTransferred), now.UTC()).Scan(&n)
	return n, err
}

func (p *PostgresStore) GetListing(ctx context.Context, id string) (*Listing, error) {
	l := &Listing{}
	var status string
	err := p.db.QueryRowContext(ctx, `
		SELECT id, seller_id, title, price, status FROM listings WHERE id = $1`, id).
		Scan(&l.ID, &l.SellerID, &l.Title, &l.Price, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrListingNotFound
	}
	if err != nil {
		return nil, err
	}
	l.Status = ListingStatus(status)
	return l, nil
}

func (p *PostgresStore) GetUser(ctx context.Context, id string) (*User, error) {
	u := &User{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, email, name, suspended FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Email, &u.Name, &u.Suspended)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	return u, err
}

func (p *PostgresStore) GetDispute(ctx context.Context, transactionID string) (*Dispute, error) {
	d := &Dispute{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, transaction_id, opened_by, reason, created_at
		FROM disputes WHERE transaction_id = $1`, transactionID).
		Scan(&d.ID, &d.TransactionID, &d.OpenedBy, &d.Reason, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return d, err
}

func (p *PostgresStore) ListPayouts(ctx context.Context, transactionID string) ([]*Payout, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, transaction_id, seller_id, amount, status,
		       bank_name, account_number, account_holder, created_at
		FROM payouts WHERE transaction_id = $1
		ORDER BY created_at`, transactionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Payout
	for rows.Next() {
		po := &Payout{}
		var status string
		if err := rows.Scan(&po.ID, &po.TransactionID, &po.SellerID, &po.Amount, &status,
			&po.BankName, &po.AccountNumber, &po.AccountHolder, &po.CreatedAt); err != nil {
			return nil, err
		}
		po.Status = PayoutStatus(status)
		result = append(result, po)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// pgTx implements Tx on a *sql.Tx.
type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) LockTransaction(ctx context.Context, id string) (*Transaction, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+txnColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, id)
	txn, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	return txn, err
}

func (t *pgTx) InsertTransaction(ctx context.Context, txn *Transaction) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO transactions (`+txnColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		txn.ID, txn.BuyerID, txn.SellerID, txn.ListingID,
		txn.Amount, txn.PlatformFee, txn.SellerPayout,
		string(txn.Status), nullString(txn.InvoiceID), nullString(txn.InvoiceURL),
		txn.CreatedAt.UTC(), txn.UpdatedAt.UTC(),
		nullTime(txn.ItemTransferredAt), nullTime(txn.VerificationDeadline), nullTime(txn.CompletedAt),
	)
	if IsUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (t *pgTx) UpdateStatus(ctx context.Context, txn *Transaction, from Status) (bool, error) {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE transactions SET
			status = $1, updated_at = $2,
			item_transferred_at = $3, verification_deadline = $4, completed_at = $5
		WHERE id = $6 AND status = $7`,
		string(txn.Status), txn.UpdatedAt.UTC(),
		nullTime(txn.ItemTransferredAt), nullTime(txn.VerificationDeadline), nullTime(txn.CompletedAt),
		txn.ID, string(from),
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (t *pgTx) SetInvoice(ctx context.Context, id, invoiceID, invoiceURL string) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE transactions SET invoice_id = $1, invoice_url = $2 WHERE id = $3`,
		invoiceID, invoiceURL, id)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

func (t *pgTx) HasDispute(ctx context.Context, transactionID string) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM disputes WHERE transaction_id = $1)`, transactionID).Scan(&exists)
	return exists, err
}

func (t *pgTx) InsertDispute(ctx context.Context, d *Dispute) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO disputes (id, transaction_id, opened_by, reason, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		d.ID, d.TransactionID, d.OpenedBy, d.Reason, d.CreatedAt.UTC())
	if IsUniqueViolation(err) {
		return ErrDisputeExists
	}
	return err
}

func (t *pgTx) ReserveListing(ctx context.Context, listingID string) (bool, error) {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE listings SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3`,
		string(ListingReserved), listingID, string(ListingActive))
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	return rows == 1, err
}

func (t *pgTx) SetListingStatus(ctx context.Context, listingID string, status ListingStatus) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE listings SET status = $1, updated_at = NOW() WHERE id = $2`,
		string(status), listingID)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrListingNotFound
	}
	return nil
}

func (t *pgTx) DefaultBankAccount(ctx context.Context, userID string) (*BankAccount, error) {
	b := &BankAccount{}
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, user_id, bank_name, account_number, account_holder, is_default
		FROM bank_accounts
		WHERE user_id = $1 AND is_default
		LIMIT 1`, userID).
		Scan(&b.ID, &b.UserID, &b.BankName, &b.AccountNumber, &b.AccountHolder, &b.IsDefault)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (t *pgTx) InsertPayout(ctx context.Context, po *Payout) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO payouts (id, transaction_id, seller_id, amount, status,
		                     bank_name, account_number, account_holder, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		po.ID, po.TransactionID, po.SellerID, po.Amount, string(po.Status),
		po.BankName, po.AccountNumber, po.AccountHolder, po.CreatedAt.UTC())
	return err
}

func (t *pgTx) InsertNotification(ctx context.Context, n *Notification) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, type, title, message, transaction_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		n.ID, n.UserID, n.Type, n.Title, n.Message, n.TransactionID, n.CreatedAt.UTC())
	return err
}

func (t *pgTx) InsertAuditEntry(ctx context.Context, e *AuditEntry) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("failed to encode audit details: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO audit_logs (id, action, entity_type, entity_id, actor,
		                        from_status, to_status, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.Action, e.EntityType, e.EntityID, e.Actor,
		string(e.FromStatus), string(e.ToStatus), details, e.CreatedAt.UTC())
	return err
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(s scanner) (*Transaction, error) {
	t := &Transaction{}
	var (
		status            string
		invoiceID         sql.NullString
		invoiceURL        sql.NullString
		itemTransferredAt sql.NullTime
		deadline          sql.NullTime
		completedAt       sql.NullTime
	)
	err := s.Scan(
		&t.ID, &t.BuyerID, &t.SellerID, &t.ListingID,
		&t.Amount, &t.PlatformFee, &t.SellerPayout,
		&status, &invoiceID, &invoiceURL, &t.CreatedAt, &t.UpdatedAt,
		&itemTransferredAt, &deadline, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Status = Status(status)
	if !t.Status.Valid() {
		return nil, fmt.Errorf("escrow: transaction %s has unknown status %q", t.ID, status)
	}
	t.InvoiceID = invoiceID.String
	t.InvoiceURL = invoiceURL.String
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	t.ItemTransferredAt = utcPtr(itemTransferredAt)
	t.VerificationDeadline = utcPtr(deadline)
	t.CompletedAt = utcPtr(completedAt)
	return t, nil
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var result []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func utcPtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	v := nt.Time.UTC()
	return &v
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// IsUniqueViolation reports whether err is a PostgreSQL unique_violation.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// IsRetryable reports whether err is a serialization failure or deadlock,
// which the next run can safely retry.
func IsRetryable(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "40001" || pqErr.Code == "40P01"
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

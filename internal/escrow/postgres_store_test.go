//go:build integration

package escrow

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digivault/escrowd/internal/testutil"
)

func seedPostgres(t *testing.T, db *sql.DB) {
	t.Helper()
	ctx := context.Background()
	for _, stmt := range []string{
		`INSERT INTO users (id, email, name) VALUES ('buyer', 'b@example.com', 'Buyer'), ('seller', 's@example.com', 'Seller')`,
		`INSERT INTO bank_accounts (id, user_id, bank_name, account_number, account_holder, is_default)
		 VALUES ('ba_1', 'seller', 'First Bank', '0001', 'Seller', TRUE)`,
		`INSERT INTO listings (id, seller_id, title, price, status) VALUES ('lst_1', 'seller', 'Rare skin', 100000, 'ACTIVE')`,
	} {
		_, err := db.ExecContext(ctx, stmt)
		require.NoError(t, err)
	}
}

func pgTxn(id string, status Status) *Transaction {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &Transaction{
		ID: id, BuyerID: "buyer", SellerID: "seller", ListingID: "lst_1",
		Amount: 100000, PlatformFee: 5000, SellerPayout: 95000,
		Status: status, CreatedAt: now, UpdatedAt: now,
	}
}

func TestPostgresStore_TransactionLifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	seedPostgres(t, db)

	store := NewPostgresStore(db)
	ctx := context.Background()
	require.NoError(t, store.Ping(ctx))

	txn := pgTxn("0190a1b2-c3d4-7e5f-8a9b-0c1d2e3f4a51", StatusPendingPayment)
	err := store.WithinTx(ctx, func(tx Tx) error {
		ok, err := tx.ReserveListing(ctx, "lst_1")
		require.NoError(t, err)
		require.True(t, ok)
		again, err := tx.ReserveListing(ctx, "lst_1")
		require.NoError(t, err)
		require.False(t, again)
		return tx.InsertTransaction(ctx, txn)
	})
	require.NoError(t, err)

	got, err := store.Get(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPendingPayment, got.Status)
	assert.Equal(t, int64(95000), got.SellerPayout)
	assert.Nil(t, got.VerificationDeadline)

	l, err := store.GetListing(ctx, "lst_1")
	require.NoError(t, err)
	assert.Equal(t, ListingReserved, l.Status)

	// Conditional update from the wrong status leaves the row alone.
	err = store.WithinTx(ctx, func(tx Tx) error {
		cur, err := tx.LockTransaction(ctx, txn.ID)
		require.NoError(t, err)
		cur.Status = StatusCompleted
		ok, err := tx.UpdateStatus(ctx, cur, StatusItemTransferred)
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	})
	require.NoError(t, err)

	err = store.WithinTx(ctx, func(tx Tx) error {
		cur, err := tx.LockTransaction(ctx, txn.ID)
		require.NoError(t, err)
		cur.Status = StatusPaid
		cur.UpdatedAt = cur.UpdatedAt.Add(time.Hour)
		ok, err := tx.UpdateStatus(ctx, cur, StatusPendingPayment)
		require.NoError(t, err)
		assert.True(t, ok)
		return nil
	})
	require.NoError(t, err)

	got, err = store.Get(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, got.Status)
}

func TestPostgresStore_RollbackOnError(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	seedPostgres(t, db)

	store := NewPostgresStore(db)
	ctx := context.Background()

	err := store.WithinTx(ctx, func(tx Tx) error {
		if err := tx.InsertTransaction(ctx, pgTxn("0190a1b2-c3d4-7e5f-8a9b-0c1d2e3f4a52", StatusPaid)); err != nil {
			return err
		}
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	_, err = store.Get(ctx, "0190a1b2-c3d4-7e5f-8a9b-0c1d2e3f4a52")
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestPostgresStore_SettlementQueries(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	seedPostgres(t, db)

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	overdue := pgTxn("0190a1b2-c3d4-7e5f-8a9b-0c1d2e3f4a53", StatusItemTransferred)
	transferred := now.Add(-80 * time.Hour)
	deadline := now.Add(-time.Hour)
	overdue.ItemTransferredAt = &transferred
	overdue.VerificationDeadline = &deadline

	disputed := pgTxn("0190a1b2-c3d4-7e5f-8a9b-0c1d2e3f4a54", StatusItemTransferred)
	disputed.ItemTransferredAt = &transferred
	disputed.VerificationDeadline = &deadline

	stale := pgTxn("0190a1b2-c3d4-7e5f-8a9b-0c1d2e3f4a55", StatusPaid)
	stale.UpdatedAt = now.Add(-48 * time.Hour)

	err := store.WithinTx(ctx, func(tx Tx) error {
		for _, txn := range []*Transaction{overdue, disputed, stale} {
			if err := tx.InsertTransaction(ctx, txn); err != nil {
				return err
			}
		}
		return tx.InsertDispute(ctx, &Dispute{ID: "dsp_1", TransactionID: disputed.ID, OpenedBy: "buyer", Reason: "x", CreatedAt: now})
	})
	require.NoError(t, err)

	candidates, err := store.ListReleaseCandidates(ctx, now, 100)
	require.NoError(t, err)
	assert.Len(t, candidates, 2)

	n, err := store.CountReleaseEligible(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	staleRows, err := store.ListStalePaid(ctx, now.Add(-48*time.Hour), 50)
	require.NoError(t, err)
	require.Len(t, staleRows, 1)
	assert.Equal(t, stale.ID, staleRows[0].ID)

	err = store.WithinTx(ctx, func(tx Tx) error {
		acct, err := tx.DefaultBankAccount(ctx, "seller")
		require.NoError(t, err)
		require.NotNil(t, acct)
		none, err := tx.DefaultBankAccount(ctx, "buyer")
		require.NoError(t, err)
		assert.Nil(t, none)

		if err := tx.InsertPayout(ctx, &Payout{
			ID: "po_1", TransactionID: overdue.ID, SellerID: "seller", Amount: overdue.SellerPayout,
			Status: PayoutPending, BankName: acct.BankName, AccountNumber: acct.AccountNumber,
			AccountHolder: acct.AccountHolder, CreatedAt: now,
		}); err != nil {
			return err
		}
		if err := tx.InsertNotification(ctx, NewNotification("seller", NotifyFundsReleased, "t", "m", overdue.ID, now)); err != nil {
			return err
		}
		return tx.InsertAuditEntry(ctx, NewAuditEntry(AuditAutoRelease, ActorSystem, overdue,
			StatusItemTransferred, StatusCompleted, now, map[string]any{"payoutId": "po_1"}))
	})
	require.NoError(t, err)

	payouts, err := store.ListPayouts(ctx, overdue.ID)
	require.NoError(t, err)
	require.Len(t, payouts, 1)
	assert.Equal(t, int64(95000), payouts[0].Amount)

	d, err := store.GetDispute(ctx, disputed.ID)
	require.NoError(t, err)
	require.NotNil(t, d)

	err = store.WithinTx(ctx, func(tx Tx) error {
		return tx.InsertDispute(ctx, &Dispute{ID: "dsp_2", TransactionID: disputed.ID, OpenedBy: "seller", CreatedAt: now})
	})
	assert.ErrorIs(t, err, ErrDisputeExists)
}

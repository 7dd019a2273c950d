package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/digivault/escrowd/internal/escrow"
	"github.com/digivault/escrowd/internal/idgen"
	"github.com/digivault/escrowd/internal/metrics"
	"github.com/digivault/escrowd/internal/traces"
)

const lockKey = "escrowd:settlement:run"

// Engine runs the auto-release and stale-refund passes.
type Engine struct {
	store    escrow.Store
	notifier escrow.Notifier
	locker   Locker
	logger   *slog.Logger
	cfg      Config
	now      func() time.Time
}

// NewEngine creates a settlement engine over store.
func NewEngine(store escrow.Store, logger *slog.Logger, cfg Config) *Engine {
	return &Engine{
		store:  store,
		logger: logger,
		cfg:    cfg.withDefaults(),
		now:    time.Now,
	}
}

// WithNotifier adds a sink that receives notifications after commit.
func (e *Engine) WithNotifier(n escrow.Notifier) *Engine {
	e.notifier = n
	return e
}

// WithLocker serializes invocations across processes.
func (e *Engine) WithLocker(l Locker) *Engine {
	e.locker = l
	return e
}

// WithClock overrides the time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// outcome is what happened to one candidate.
type outcome string

const (
	outcomeSettled        outcome = "settled"
	outcomeSkipped        outcome = "skipped"
	outcomeAlreadySettled outcome = "already_settled"
	outcomeError          outcome = "error"
)

// Run executes the auto-release pass then the stale refund pass. Both
// candidate sets are selected before any write, so a selection failure
// returns ErrStoreUnavailable with nothing changed. Per-item failures are
// reported in Result.Errors and never fail the run.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	started := e.now().UTC()
	ctx, span := traces.StartSpan(ctx, "settlement.Run")
	defer span.End()

	if e.locker != nil {
		release, ok, err := e.locker.Acquire(ctx, lockKey, e.cfg.LockTTL)
		switch {
		case err != nil:
			// Conditional updates already prevent double settlement.
			e.logger.Warn("settlement lock unavailable, running unlocked", "error", err)
		case !ok:
			e.logger.Info("settlement run skipped, another invocation holds the lock")
			metrics.SettlementRunsTotal.WithLabelValues("lock_contended").Inc()
			res := newResult(started)
			res.LockContended = true
			return res, nil
		default:
			defer func() {
				if err := release(context.WithoutCancel(ctx)); err != nil {
					e.logger.Warn("failed to release settlement lock", "error", err)
				}
			}()
		}
	}

	now := started
	releases, err := e.store.ListReleaseCandidates(ctx, now, e.cfg.ReleaseBatch)
	if err != nil {
		return nil, e.fail(span, fmt.Errorf("%w: select release candidates: %w", ErrStoreUnavailable, err))
	}
	refunds, err := e.store.ListStalePaid(ctx, now.Add(-e.cfg.StaleAfter), e.cfg.RefundBatch)
	if err != nil {
		return nil, e.fail(span, fmt.Errorf("%w: select stale payments: %w", ErrStoreUnavailable, err))
	}
	span.SetAttributes(traces.Candidates(len(releases) + len(refunds)))

	res := newResult(started)
	res.Processed = len(releases) + len(refunds)

	for _, t := range releases {
		switch e.settleOne(ctx, res, PassRelease, t.ID, e.autoRelease) {
		case outcomeSettled:
			res.Released++
		case outcomeSkipped:
			res.Skipped++
		case outcomeAlreadySettled:
			res.AlreadySettled++
		}
	}
	for _, t := range refunds {
		switch e.settleOne(ctx, res, PassRefund, t.ID, e.staleRefund) {
		case outcomeSettled:
			res.StaleRefunded++
		case outcomeSkipped:
			res.Skipped++
		case outcomeAlreadySettled:
			res.AlreadySettled++
		}
	}

	elapsed := e.now().Sub(started)
	res.DurationMs = elapsed.Milliseconds()
	metrics.SettlementRunDuration.Observe(elapsed.Seconds())
	metrics.SettlementRunsTotal.WithLabelValues("ok").Inc()

	e.logger.Info("settlement run finished",
		"processed", res.Processed,
		"released", res.Released,
		"skipped", res.Skipped,
		"stale_refunded", res.StaleRefunded,
		"already_settled", res.AlreadySettled,
		"errors", len(res.Errors),
		"duration_ms", res.DurationMs,
	)
	return res, nil
}

func (e *Engine) fail(span trace.Span, err error) error {
	traces.RecordError(span, err)
	metrics.SettlementRunsTotal.WithLabelValues("failed").Inc()
	e.logger.Error("settlement run aborted", "error", err)
	return err
}

// unitFunc settles one transaction inside tx and returns the notifications
// to publish once the unit commits.
type unitFunc func(ctx context.Context, tx escrow.Tx, id string, now time.Time) (outcome, []*escrow.Notification, error)

// settleOne runs unit in its own atomic unit. Panics and errors are
// confined to this candidate.
func (e *Engine) settleOne(ctx context.Context, res *Result, pass, id string, unit unitFunc) (out outcome) {
	ctx, span := traces.StartSpan(ctx, "settlement."+pass, traces.TransactionID(id), traces.Pass(pass))
	defer func() {
		span.SetAttributes(traces.Outcome(string(out)))
		span.End()
		metrics.SettlementItemsTotal.WithLabelValues(pass, string(out)).Inc()
	}()

	var notes []*escrow.Notification
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return e.store.WithinTx(ctx, func(tx escrow.Tx) error {
			var unitErr error
			out, notes, unitErr = unit(ctx, tx, id, e.now().UTC())
			return unitErr
		})
	}()
	if err != nil {
		itemErr := &ItemError{TransactionID: id, Pass: pass, Err: err, Retryable: escrow.IsRetryable(err)}
		traces.RecordError(span, itemErr)
		res.addError(itemErr)
		e.logger.Warn("failed to settle transaction",
			"transaction_id", id, "pass", pass, "retryable", itemErr.Retryable, "error", err)
		return outcomeError
	}

	switch out {
	case outcomeSettled:
		e.logger.Info("settled transaction", "transaction_id", id, "pass", pass)
		escrow.PublishAll(ctx, e.notifier, e.logger, notes)
	case outcomeSkipped:
		e.logger.Info("skipped disputed transaction", "transaction_id", id, "pass", pass)
	case outcomeAlreadySettled:
		e.logger.Debug("transaction already settled elsewhere", "transaction_id", id, "pass", pass)
	}
	return out
}

// autoRelease settles one transaction whose verification window closed.
func (e *Engine) autoRelease(ctx context.Context, tx escrow.Tx, id string, now time.Time) (outcome, []*escrow.Notification, error) {
	txn, err := tx.LockTransaction(ctx, id)
	if err != nil {
		return outcomeError, nil, err
	}
	if txn.Status != escrow.StatusItemTransferred {
		return outcomeAlreadySettled, nil, nil
	}
	// A dispute may have been opened after candidate selection.
	disputed, err := tx.HasDispute(ctx, txn.ID)
	if err != nil {
		return outcomeError, nil, err
	}
	if disputed {
		return outcomeSkipped, nil, nil
	}
	if !escrow.IsExpiredAt(txn.VerificationDeadline, now) {
		return outcomeAlreadySettled, nil, nil
	}

	notes, err := applyRelease(ctx, tx, txn, escrow.ActorSystem, escrow.AuditAutoRelease, now)
	if errors.Is(err, errLostRace) {
		return outcomeAlreadySettled, nil, nil
	}
	if err != nil {
		return outcomeError, nil, err
	}
	return outcomeSettled, notes, nil
}

// staleRefund refunds one paid transaction the seller never transferred.
func (e *Engine) staleRefund(ctx context.Context, tx escrow.Tx, id string, now time.Time) (outcome, []*escrow.Notification, error) {
	txn, err := tx.LockTransaction(ctx, id)
	if err != nil {
		return outcomeError, nil, err
	}
	if txn.Status != escrow.StatusPaid || txn.ItemTransferredAt != nil {
		return outcomeAlreadySettled, nil, nil
	}
	if txn.UpdatedAt.After(now.Add(-e.cfg.StaleAfter)) {
		// Touched since selection.
		return outcomeAlreadySettled, nil, nil
	}
	disputed, err := tx.HasDispute(ctx, txn.ID)
	if err != nil {
		return outcomeError, nil, err
	}
	if disputed {
		return outcomeSkipped, nil, nil
	}

	txn.Status = escrow.StatusRefunded
	txn.UpdatedAt = now
	ok, err := tx.UpdateStatus(ctx, txn, escrow.StatusPaid)
	if err != nil {
		return outcomeError, nil, err
	}
	if !ok {
		return outcomeAlreadySettled, nil, nil
	}
	if err := tx.SetListingStatus(ctx, txn.ListingID, escrow.ListingActive); err != nil {
		return outcomeError, nil, err
	}

	note := escrow.NewNotification(txn.BuyerID, escrow.NotifyRefunded, "Payment refunded",
		fmt.Sprintf("The seller did not transfer the item within %d hours. Your payment of %d will be refunded.",
			int(e.cfg.StaleAfter.Hours()), txn.Amount),
		txn.ID, now)
	if err := tx.InsertNotification(ctx, note); err != nil {
		return outcomeError, nil, err
	}
	if err := tx.InsertAuditEntry(ctx, escrow.NewAuditEntry(escrow.AuditAutoRefund, escrow.ActorSystem, txn,
		escrow.StatusPaid, escrow.StatusRefunded, now,
		map[string]any{"refundAmount": txn.Amount, "staleAfterHours": int(e.cfg.StaleAfter.Hours())})); err != nil {
		return outcomeError, nil, err
	}
	metrics.TransitionsTotal.WithLabelValues(string(escrow.StatusRefunded)).Inc()
	return outcomeSettled, []*escrow.Notification{note}, nil
}

var errLostRace = errors.New("settlement: transaction status changed concurrently")

// applyRelease completes txn, marks the listing sold, queues the payout
// when the seller has a default bank account and writes the notifications
// and audit entry. Shared by automatic release and buyer confirmation.
func applyRelease(ctx context.Context, tx escrow.Tx, txn *escrow.Transaction, actor, action string, now time.Time) ([]*escrow.Notification, error) {
	txn.Status = escrow.StatusCompleted
	txn.UpdatedAt = now
	txn.CompletedAt = &now
	ok, err := tx.UpdateStatus(ctx, txn, escrow.StatusItemTransferred)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errLostRace
	}
	if err := tx.SetListingStatus(ctx, txn.ListingID, escrow.ListingSold); err != nil {
		return nil, err
	}

	details := map[string]any{"payoutAmount": txn.SellerPayout, "platformFee": txn.PlatformFee}
	acct, err := tx.DefaultBankAccount(ctx, txn.SellerID)
	if err != nil {
		return nil, err
	}
	if acct != nil {
		payout := &escrow.Payout{
			ID:            idgen.WithPrefix("po_"),
			TransactionID: txn.ID,
			SellerID:      txn.SellerID,
			Amount:        txn.SellerPayout,
			Status:        escrow.PayoutPending,
			BankName:      acct.BankName,
			AccountNumber: acct.AccountNumber,
			AccountHolder: acct.AccountHolder,
			CreatedAt:     now,
		}
		if err := tx.InsertPayout(ctx, payout); err != nil {
			return nil, err
		}
		details["payoutId"] = payout.ID
	} else {
		details["payoutId"] = nil
		details["payoutPendingReason"] = "seller has no default bank account"
	}

	notes := []*escrow.Notification{
		escrow.NewNotification(txn.SellerID, escrow.NotifyFundsReleased, "Funds released",
			fmt.Sprintf("Payout of %d for your sale has been released.", txn.SellerPayout), txn.ID, now),
		escrow.NewNotification(txn.BuyerID, escrow.NotifyCompleted, "Transaction completed",
			"Your purchase is complete.", txn.ID, now),
	}
	for _, n := range notes {
		if err := tx.InsertNotification(ctx, n); err != nil {
			return nil, err
		}
	}
	if err := tx.InsertAuditEntry(ctx, escrow.NewAuditEntry(action, actor, txn,
		escrow.StatusItemTransferred, escrow.StatusCompleted, now, details)); err != nil {
		return nil, err
	}
	metrics.TransitionsTotal.WithLabelValues(string(escrow.StatusCompleted)).Inc()
	return notes, nil
}

// Status reports the release backlog without changing anything.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	now := e.now().UTC()
	n, err := e.store.CountReleaseEligible(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	metrics.SettlementBacklog.Set(float64(n))
	return &Status{PendingAutoRelease: n, CheckedAt: now}, nil
}

// ConfirmReceipt lets the buyer release funds before the deadline.
func (e *Engine) ConfirmReceipt(ctx context.Context, id, buyerID string) (*escrow.Transaction, error) {
	var (
		result *escrow.Transaction
		notes  []*escrow.Notification
	)
	err := e.store.WithinTx(ctx, func(tx escrow.Tx) error {
		txn, err := tx.LockTransaction(ctx, id)
		if err != nil {
			return err
		}
		if txn.BuyerID != buyerID {
			return escrow.ErrUnauthorized
		}
		if txn.Status != escrow.StatusItemTransferred {
			return fmt.Errorf("%w: transaction is %s", escrow.ErrInvalidStatus, txn.Status)
		}
		disputed, err := tx.HasDispute(ctx, txn.ID)
		if err != nil {
			return err
		}
		if disputed {
			return escrow.ErrDisputeExists
		}
		notes, err = applyRelease(ctx, tx, txn, buyerID, escrow.AuditBuyerConfirmed, e.now().UTC())
		if errors.Is(err, errLostRace) {
			return escrow.ErrConflict
		}
		if err != nil {
			return err
		}
		result = txn
		return nil
	})
	if err != nil {
		return nil, err
	}
	escrow.PublishAll(ctx, e.notifier, e.logger, notes)
	return result, nil
}

// Package settlement closes out escrow transactions nobody else will:
// it releases funds once the buyer's verification window lapses and
// refunds payments the seller never acted on.
//
// The engine is invoked periodically by an external scheduler and keeps
// no state between invocations. Each candidate is settled in its own
// atomic unit, guarded by a conditional status update, so overlapping
// invocations can never settle the same transaction twice.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Batch caps and the stale-payment window.
const (
	DefaultReleaseBatch = 100
	DefaultRefundBatch  = 50
	DefaultStaleAfter   = 48 * time.Hour
	DefaultLockTTL      = 5 * time.Minute
)

// Pass names used in logs, metrics and item errors.
const (
	PassRelease = "release"
	PassRefund  = "refund"
)

// ErrStoreUnavailable aborts an invocation before any transaction is touched.
var ErrStoreUnavailable = errors.New("settlement: transaction store unavailable")

// ItemError is the failure of one candidate. It never aborts the batch;
// the transaction stays eligible for the next invocation.
type ItemError struct {
	TransactionID string
	Pass          string
	Err           error
	// Retryable marks serialization failures and deadlocks.
	Retryable bool
}

func (e *ItemError) Error() string {
	if e.Retryable {
		return fmt.Sprintf("%s %s: %v (retryable)", e.Pass, e.TransactionID, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Pass, e.TransactionID, e.Err)
}

func (e *ItemError) Unwrap() error { return e.Err }

// Result summarizes one invocation.
type Result struct {
	Processed      int       `json:"processed"`
	Released       int       `json:"released"`
	Skipped        int       `json:"skipped"`
	StaleRefunded  int       `json:"staleRefunded"`
	AlreadySettled int       `json:"alreadySettled"`
	Errors         []string  `json:"errors"`
	LockContended  bool      `json:"lockContended,omitempty"`
	StartedAt      time.Time `json:"startedAt"`
	DurationMs     int64     `json:"durationMs"`
}

func newResult(started time.Time) *Result {
	return &Result{Errors: []string{}, StartedAt: started}
}

func (r *Result) addError(err *ItemError) {
	r.Errors = append(r.Errors, err.Error())
}

// Status is the read-only backlog view used for monitoring.
type Status struct {
	PendingAutoRelease int       `json:"pendingAutoRelease"`
	CheckedAt          time.Time `json:"checkedAt"`
}

// Locker serializes invocations across processes. Acquire reports
// ok=false when another holder has the lock.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, ok bool, err error)
}

// Config tunes the engine. Zero values take the defaults.
type Config struct {
	ReleaseBatch int
	RefundBatch  int
	StaleAfter   time.Duration
	LockTTL      time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReleaseBatch <= 0 {
		c.ReleaseBatch = DefaultReleaseBatch
	}
	if c.RefundBatch <= 0 {
		c.RefundBatch = DefaultRefundBatch
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.LockTTL <= 0 {
		c.LockTTL = DefaultLockTTL
	}
	return c
}

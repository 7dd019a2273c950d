package escrow

import (
	"context"
	"log/slog"
	"time"

	"github.com/digivault/escrowd/internal/idgen"
)

// Notifier delivers persisted notifications to downstream consumers.
type Notifier interface {
	Publish(ctx context.Context, n *Notification) error
}

// NewNotification builds a notification row for userID.
func NewNotification(userID, typ, title, message, transactionID string, at time.Time) *Notification {
	return &Notification{
		ID:            idgen.WithPrefix("ntf_"),
		UserID:        userID,
		Type:          typ,
		Title:         title,
		Message:       message,
		TransactionID: transactionID,
		CreatedAt:     at.UTC(),
	}
}

// NewAuditEntry builds an audit row for a transaction status change.
func NewAuditEntry(action, actor string, t *Transaction, from, to Status, at time.Time, details map[string]any) *AuditEntry {
	return &AuditEntry{
		ID:         idgen.WithPrefix("aud_"),
		Action:     action,
		EntityType: "transaction",
		EntityID:   t.ID,
		Actor:      actor,
		FromStatus: from,
		ToStatus:   to,
		Details:    details,
		CreatedAt:  at.UTC(),
	}
}

// PublishAll hands committed notifications to n. Failures are logged and
// dropped: the rows are already stored and the state change stands.
func PublishAll(ctx context.Context, n Notifier, logger *slog.Logger, notes []*Notification) {
	if n == nil {
		return
	}
	for _, note := range notes {
		if err := n.Publish(ctx, note); err != nil {
			logger.Warn("notification publish failed",
				"notification_id", note.ID,
				"transaction_id", note.TransactionID,
				"type", note.Type,
				"error", err)
		}
	}
}

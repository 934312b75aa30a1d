// Package out defines outbound ports (driven ports) for the pipeline core.
package out

import (
	"context"

	"pipeline_server/core/domain"
)

// CategorizationRepository is the durable store for MessageCategorization
// rows. Implementations must make Upsert idempotent: calling it twice with
// the same (mailbox, message) key and identical data is a no-op.
type CategorizationRepository interface {
	// Upsert inserts or updates the row for (MailboxID, MessageID).
	Upsert(ctx context.Context, rec *domain.MessageCategorization) error

	// HasBeenProcessed reports whether the pipeline has already handled
	// (mailbox, thread, message). Backed by the unique index on the row key.
	HasBeenProcessed(ctx context.Context, mailboxID, threadID, messageID string) (bool, error)

	// FindUnclassified returns up to limit rows with a null priority for the
	// mailbox, most recent first.
	FindUnclassified(ctx context.Context, mailboxID string, limit int) ([]*domain.MessageCategorization, error)

	// ListMailboxes returns up to limit distinct mailbox ids that have at
	// least one unclassified row, for the backfill scheduler.
	ListMailboxes(ctx context.Context, limit int) ([]string, error)
}

// Package persistence provides database adapters implementing outbound ports.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"pipeline_server/core/domain"
)

// =============================================================================
// Categorization Adapter
// =============================================================================

// CategorizationAdapter implements out.CategorizationRepository on Postgres.
// The table carries a unique index on (mailbox_id, message_id), which backs
// both the idempotency check and the upsert conflict target.
type CategorizationAdapter struct {
	db *sqlx.DB
}

// NewCategorizationAdapter creates a new CategorizationAdapter.
func NewCategorizationAdapter(db *sqlx.DB) *CategorizationAdapter {
	return &CategorizationAdapter{db: db}
}

// categorizationRow represents the database row.
type categorizationRow struct {
	MailboxID  string         `db:"mailbox_id"`
	MessageID  string         `db:"message_id"`
	ThreadID   string         `db:"thread_id"`
	ReceivedAt time.Time      `db:"received_at"`
	Priority   sql.NullString `db:"priority"`
	Category   sql.NullString `db:"category"`
	Reasoning  sql.NullString `db:"reasoning"`
	Method     string         `db:"method"`
	CreatedAt  time.Time      `db:"created_at"`
	UpdatedAt  time.Time      `db:"updated_at"`
}

func (r *categorizationRow) toEntity() *domain.MessageCategorization {
	rec := &domain.MessageCategorization{
		MailboxID:  r.MailboxID,
		MessageID:  r.MessageID,
		ThreadID:   r.ThreadID,
		ReceivedAt: r.ReceivedAt,
		Method:     domain.ClassificationMethod(r.Method),
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
	if r.Priority.Valid {
		p := domain.Priority(r.Priority.String)
		rec.Priority = &p
	}
	if r.Category.Valid {
		c := domain.Category(r.Category.String)
		rec.Category = &c
	}
	if r.Reasoning.Valid {
		rec.Reasoning = &r.Reasoning.String
	}
	return rec
}

// Upsert inserts or updates the row for (mailbox_id, message_id). Calling it
// twice with identical data is a no-op beyond the updated_at bump.
func (a *CategorizationAdapter) Upsert(ctx context.Context, rec *domain.MessageCategorization) error {
	query := `
		INSERT INTO message_categorizations
			(mailbox_id, message_id, thread_id, received_at, priority, category, reasoning, method, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		ON CONFLICT (mailbox_id, message_id) DO UPDATE SET
			priority = EXCLUDED.priority,
			category = EXCLUDED.category,
			reasoning = EXCLUDED.reasoning,
			method = EXCLUDED.method,
			updated_at = NOW()`

	_, err := a.db.ExecContext(ctx, query,
		rec.MailboxID, rec.MessageID, rec.ThreadID, rec.ReceivedAt,
		nullablePriority(rec.Priority), nullableCategory(rec.Category),
		nullableString(rec.Reasoning), string(rec.Method),
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			// Unique violation outside the conflict target means a concurrent
			// writer won the race; the row exists, so the intent is satisfied.
			return nil
		}
		return fmt.Errorf("failed to upsert categorization: %w", err)
	}

	return nil
}

// HasBeenProcessed reports whether a row exists for the event key.
func (a *CategorizationAdapter) HasBeenProcessed(ctx context.Context, mailboxID, threadID, messageID string) (bool, error) {
	var exists bool
	query := `
		SELECT EXISTS (
			SELECT 1 FROM message_categorizations
			WHERE mailbox_id = $1 AND thread_id = $2 AND message_id = $3
		)`

	if err := a.db.GetContext(ctx, &exists, query, mailboxID, threadID, messageID); err != nil {
		return false, fmt.Errorf("failed to check processed state: %w", err)
	}

	return exists, nil
}

// FindUnclassified returns up to limit rows with no priority for the
// mailbox, newest first, for the backfill pass.
func (a *CategorizationAdapter) FindUnclassified(ctx context.Context, mailboxID string, limit int) ([]*domain.MessageCategorization, error) {
	var rows []categorizationRow
	query := `
		SELECT * FROM message_categorizations
		WHERE mailbox_id = $1 AND priority IS NULL
		ORDER BY received_at DESC
		LIMIT $2`

	if err := a.db.SelectContext(ctx, &rows, query, mailboxID, limit); err != nil {
		return nil, fmt.Errorf("failed to find unclassified messages: %w", err)
	}

	records := make([]*domain.MessageCategorization, len(rows))
	for i, row := range rows {
		records[i] = row.toEntity()
	}

	return records, nil
}

// ListMailboxes returns up to limit mailbox ids that have unclassified rows.
func (a *CategorizationAdapter) ListMailboxes(ctx context.Context, limit int) ([]string, error) {
	var mailboxes []string
	query := `
		SELECT DISTINCT mailbox_id FROM message_categorizations
		WHERE priority IS NULL
		ORDER BY mailbox_id
		LIMIT $1`

	if err := a.db.SelectContext(ctx, &mailboxes, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list mailboxes: %w", err)
	}

	return mailboxes, nil
}

func nullablePriority(p *domain.Priority) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*p), Valid: true}
}

func nullableCategory(c *domain.Category) sql.NullString {
	if c == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*c), Valid: true}
}

func nullableString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

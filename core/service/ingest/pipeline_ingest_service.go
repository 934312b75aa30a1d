package ingest

import (
	"context"
	"sync/atomic"
	"time"

	"pipeline_server/core/domain"
	"pipeline_server/core/port/out"
	"pipeline_server/core/service/classification"
	"pipeline_server/pkg/logger"
)

// IngestMetrics counts pipeline outcomes. Fields are updated atomically.
type IngestMetrics struct {
	Processed   int64
	Duplicates  int64
	AlreadySeen int64
	Pending     int64
	Errors      int64
}

// Service runs the per-message event pipeline: dedup guard, durable
// idempotency check, provider fetch, rule classification, and the
// categorization row write. The row is written even when the rules produced
// no verdict so "seen but pending" is distinguishable from "never seen".
type Service struct {
	guard    *DedupGuard
	repo     out.CategorizationRepository
	provider out.MailProviderPort
	rules    *classification.RuleClassifier
	metrics  IngestMetrics
}

// NewService creates the ingest service.
func NewService(
	guard *DedupGuard,
	repo out.CategorizationRepository,
	provider out.MailProviderPort,
	rules *classification.RuleClassifier,
) *Service {
	return &Service{
		guard:    guard,
		repo:     repo,
		provider: provider,
		rules:    rules,
	}
}

// HandleEvent processes one inbound message event. Errors are returned for
// transient infrastructure failures only; duplicate and already-seen events
// are dropped silently with a counter bump.
func (s *Service) HandleEvent(ctx context.Context, event domain.MessageEvent) error {
	log := logger.WithMailbox(event.MailboxID).WithField("message_id", event.MessageID)

	// Stage 1: single-flight lock
	if !s.guard.TryAcquire(ctx, event.MailboxID, event.MessageID) {
		atomic.AddInt64(&s.metrics.Duplicates, 1)
		log.Debug("[Ingest] duplicate in flight, dropping")
		return nil
	}
	defer s.guard.Release(ctx, event.MailboxID, event.MessageID)

	// Stage 2: durable idempotency check, before any side-effecting work
	seen, err := s.repo.HasBeenProcessed(ctx, event.MailboxID, event.ThreadID, event.MessageID)
	if err != nil {
		atomic.AddInt64(&s.metrics.Errors, 1)
		log.WithError(err).Error("[Ingest] idempotency check failed")
		return err
	}
	if seen {
		atomic.AddInt64(&s.metrics.AlreadySeen, 1)
		log.Info("[Ingest] already processed, dropping redelivery")
		return nil
	}

	// Stage 3: fetch headers for the rule pass. A fetch failure still writes
	// a pending row so the backfill pass picks the message up later.
	verdict := domain.NeedsAIVerdict()
	msg, err := s.provider.FetchMessage(ctx, event.MailboxID, event.MessageID)
	if err != nil {
		log.WithError(err).Warn("[Ingest] provider fetch failed, deferring to backfill")
	} else {
		verdict = s.rules.Classify(classification.RuleInput{
			From:    msg.From,
			Subject: msg.Subject,
			Snippet: msg.Snippet,
		})
	}

	// Stage 4: always write the row, nulls included
	rec := buildRecord(event, verdict)
	if err := s.repo.Upsert(ctx, rec); err != nil {
		atomic.AddInt64(&s.metrics.Errors, 1)
		log.WithError(err).Error("[Ingest] categorization upsert failed")
		return err
	}

	atomic.AddInt64(&s.metrics.Processed, 1)
	if verdict.Method == domain.VerdictMethodNeedsAI {
		atomic.AddInt64(&s.metrics.Pending, 1)
		log.Info("[Ingest] no rule matched, queued for batch classification")
	} else {
		log.WithField("category", *verdict.Category).Info("[Ingest] classified by rules")
	}

	return nil
}

// Metrics returns a consistent snapshot of the counters.
func (s *Service) Metrics() IngestMetrics {
	return IngestMetrics{
		Processed:   atomic.LoadInt64(&s.metrics.Processed),
		Duplicates:  atomic.LoadInt64(&s.metrics.Duplicates),
		AlreadySeen: atomic.LoadInt64(&s.metrics.AlreadySeen),
		Pending:     atomic.LoadInt64(&s.metrics.Pending),
		Errors:      atomic.LoadInt64(&s.metrics.Errors),
	}
}

func buildRecord(event domain.MessageEvent, verdict domain.Verdict) *domain.MessageCategorization {
	now := time.Now().UTC()

	rec := &domain.MessageCategorization{
		MailboxID:  event.MailboxID,
		MessageID:  event.MessageID,
		ThreadID:   event.ThreadID,
		ReceivedAt: event.ReceivedAt,
		Method:     domain.MethodPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = now
	}

	if verdict.Method == domain.VerdictMethodRuleBased {
		rec.Priority = verdict.Priority
		rec.Category = verdict.Category
		rec.Reasoning = verdict.Reasoning
		rec.Method = domain.MethodRuleBased
	}

	return rec
}

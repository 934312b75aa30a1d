// Package worker contains the inbound background workers: the event stream
// consumer and the backfill scheduler.
package worker

import (
	"context"
	"sync/atomic"
	"time"

	"pipeline_server/core/domain"
	"pipeline_server/core/port/out"
	"pipeline_server/core/service/classification"
	"pipeline_server/pkg/logger"
)

// =============================================================================
// BackfillScheduler - periodic AI classification of pending messages
// =============================================================================

const (
	// BackfillInterval is the time between runs.
	BackfillInterval = 5 * time.Minute

	// BackfillMaxMailboxes bounds the mailboxes scanned per run.
	BackfillMaxMailboxes = 10

	// BackfillMaxPerMailbox bounds the pending rows loaded per mailbox.
	BackfillMaxPerMailbox = 200

	// backfillRunTimeout is the wall-clock cap on one run.
	backfillRunTimeout = 5 * time.Minute
)

// BackfillMetrics counts per-process backfill outcomes.
type BackfillMetrics struct {
	Runs       int64
	Classified int64
	Skipped    int64
	Errors     int64
}

// BackfillScheduler periodically sweeps mailboxes for rows the rule pass
// left unclassified, fetches their content, and drives the batch classifier.
// One bad message or mailbox never aborts the rest of the run.
type BackfillScheduler struct {
	repo          out.CategorizationRepository
	provider      out.MailProviderPort
	classifier    *classification.BatchClassifier
	checkInterval time.Duration
	metrics       BackfillMetrics
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewBackfillScheduler creates a backfill scheduler.
func NewBackfillScheduler(
	repo out.CategorizationRepository,
	provider out.MailProviderPort,
	classifier *classification.BatchClassifier,
) *BackfillScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &BackfillScheduler{
		repo:          repo,
		provider:      provider,
		classifier:    classifier,
		checkInterval: BackfillInterval,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start starts the scheduler loop.
func (s *BackfillScheduler) Start() {
	logger.Info("[BackfillScheduler] Starting...")
	go s.run()
}

// Stop stops the scheduler.
func (s *BackfillScheduler) Stop() {
	logger.Info("[BackfillScheduler] Stopping...")
	s.cancel()
}

func (s *BackfillScheduler) run() {
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			logger.Info("[BackfillScheduler] Stopped")
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(s.ctx, backfillRunTimeout)
			s.RunOnce(ctx)
			cancel()
		}
	}
}

// RunOnce executes one backfill sweep. Exported so a cron trigger or test
// can drive the scheduler directly.
func (s *BackfillScheduler) RunOnce(ctx context.Context) {
	start := time.Now()
	atomic.AddInt64(&s.metrics.Runs, 1)

	mailboxes, err := s.repo.ListMailboxes(ctx, BackfillMaxMailboxes)
	if err != nil {
		atomic.AddInt64(&s.metrics.Errors, 1)
		logger.WithError(err).Error("[BackfillScheduler] failed to list mailboxes")
		return
	}
	if len(mailboxes) == 0 {
		return
	}

	var classified, skipped int
	for _, mailboxID := range mailboxes {
		if ctx.Err() != nil {
			logger.Warn("[BackfillScheduler] run cancelled after %d mailboxes", classified)
			break
		}
		c, sk := s.processMailbox(ctx, mailboxID)
		classified += c
		skipped += sk
	}

	atomic.AddInt64(&s.metrics.Classified, int64(classified))
	atomic.AddInt64(&s.metrics.Skipped, int64(skipped))

	logger.WithDuration(time.Since(start)).Info(
		"[BackfillScheduler] run complete: mailboxes=%d classified=%d skipped=%d",
		len(mailboxes), classified, skipped)
}

// processMailbox backfills one mailbox. Fetch failures skip the message;
// repository failures skip the verdict; both are counted, neither aborts.
func (s *BackfillScheduler) processMailbox(ctx context.Context, mailboxID string) (classified, skipped int) {
	log := logger.WithMailbox(mailboxID)

	pending, err := s.repo.FindUnclassified(ctx, mailboxID, BackfillMaxPerMailbox)
	if err != nil {
		atomic.AddInt64(&s.metrics.Errors, 1)
		log.WithError(err).Error("[BackfillScheduler] failed to load pending rows")
		return 0, 0
	}
	if len(pending) == 0 {
		return 0, 0
	}

	log.Info("[BackfillScheduler] %d pending messages", len(pending))

	// Fetch content for the prompt; a missing or failing message is skipped
	// and retried on a later run.
	byID := make(map[string]*domain.MessageCategorization, len(pending))
	inputs := make([]classification.BatchInput, 0, len(pending))
	for _, rec := range pending {
		msg, err := s.provider.FetchMessage(ctx, mailboxID, rec.MessageID)
		if err != nil {
			skipped++
			if out.IsNotFound(err) {
				log.Debug("[BackfillScheduler] message %s gone upstream, skipping", rec.MessageID)
			} else {
				log.WithError(err).Warn("[BackfillScheduler] fetch failed for %s, skipping", rec.MessageID)
			}
			continue
		}
		byID[rec.MessageID] = rec
		inputs = append(inputs, classification.BatchInput{
			ID:      rec.MessageID,
			From:    msg.From,
			Subject: msg.Subject,
			Snippet: msg.Snippet,
			Date:    rec.ReceivedAt,
		})
	}

	for _, verdict := range s.classifier.ClassifyAll(ctx, inputs) {
		rec, ok := byID[verdict.ID]
		if !ok {
			continue
		}

		rec.Priority = &verdict.Priority
		rec.Category = &verdict.Category
		rec.Reasoning = &verdict.Reasoning
		rec.Method = domain.MethodAI
		rec.UpdatedAt = time.Now().UTC()

		if err := s.repo.Upsert(ctx, rec); err != nil {
			atomic.AddInt64(&s.metrics.Errors, 1)
			log.WithError(err).Error("[BackfillScheduler] persist failed for %s", verdict.ID)
			skipped++
			continue
		}
		classified++
	}

	return classified, skipped
}

// Metrics returns a snapshot of the counters.
func (s *BackfillScheduler) Metrics() BackfillMetrics {
	return BackfillMetrics{
		Runs:       atomic.LoadInt64(&s.metrics.Runs),
		Classified: atomic.LoadInt64(&s.metrics.Classified),
		Skipped:    atomic.LoadInt64(&s.metrics.Skipped),
		Errors:     atomic.LoadInt64(&s.metrics.Errors),
	}
}

// SetCheckInterval sets the run interval (for testing).
func (s *BackfillScheduler) SetCheckInterval(interval time.Duration) {
	s.checkInterval = interval
}

// Package ingest drives the per-message event pipeline: dedup, idempotency,
// rule classification, and the always-written categorization row.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"pipeline_server/core/port/out"
	"pipeline_server/pkg/logger"
)

// DedupLockTTL bounds how long a processing lock survives a crashed worker.
const DedupLockTTL = 2 * time.Minute

// DedupGuard establishes the single-flight lock for one (mailbox, message)
// key. When the lock store is unreachable the guard degrades to "always
// allow": availability over perfect dedup, with the durable idempotency
// check as the second line of defense.
type DedupGuard struct {
	locks out.LockStore
	ttl   time.Duration
}

// NewDedupGuard creates a dedup guard.
func NewDedupGuard(locks out.LockStore) *DedupGuard {
	return &DedupGuard{
		locks: locks,
		ttl:   DedupLockTTL,
	}
}

// TryAcquire attempts the processing lock. True means this caller is the
// only in-flight processor for the message within the TTL window.
func (g *DedupGuard) TryAcquire(ctx context.Context, mailboxID, messageID string) bool {
	if g.locks == nil {
		return true
	}

	key := lockKey(mailboxID, messageID)
	holder := uuid.New().String()

	acquired, err := g.locks.Acquire(ctx, key, holder, g.ttl)
	if err != nil {
		logger.WithError(err).Warn("[DedupGuard] lock store unavailable, allowing message %s/%s", mailboxID, messageID)
		return true
	}

	return acquired
}

// Release drops the lock early. Best effort; TTL expiry is the backstop.
func (g *DedupGuard) Release(ctx context.Context, mailboxID, messageID string) {
	if g.locks == nil {
		return
	}
	if err := g.locks.Release(ctx, lockKey(mailboxID, messageID)); err != nil {
		logger.WithError(err).Debug("[DedupGuard] release failed for %s/%s", mailboxID, messageID)
	}
}

// SetTTL overrides the lock TTL. Intended for tests.
func (g *DedupGuard) SetTTL(ttl time.Duration) {
	g.ttl = ttl
}

func lockKey(mailboxID, messageID string) string {
	return fmt.Sprintf("msgproc:lock:%s:%s", mailboxID, messageID)
}

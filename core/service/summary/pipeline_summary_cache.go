// Package summary implements thread summarization: the TTL'd summary cache,
// narrative construction, and the model-backed summarizer with its fallback.
package summary

import (
	"context"
	"fmt"
	"time"

	"pipeline_server/core/domain"
	"pipeline_server/core/port/out"
	"pipeline_server/pkg/logger"
)

const (
	summaryKeyPrefix = "thread-summary"

	// summaryWriteTTL is the store-side expiry. Shorter than the 24h read
	// validity window on purpose: the store prunes first, the read check is
	// the backstop for clock skew and entries written by older builds.
	summaryWriteTTL = 12 * time.Hour
)

// Cache is the self-healing thread summary cache. Every store error is
// swallowed and logged: caching is an optimization, never a correctness
// dependency, so Get degrades to a miss and Set to a no-op.
type Cache struct {
	store out.Cache
}

// NewCache creates a summary cache.
func NewCache(store out.Cache) *Cache {
	return &Cache{store: store}
}

// Get returns the cached summary for (threadID, latestMessageID), or nil.
// Entries that are corrupt, missing required fields, or older than the
// validity window are deleted eagerly and reported as a miss.
func (c *Cache) Get(ctx context.Context, threadID, latestMessageID string) *domain.ThreadSummary {
	if c.store == nil {
		return nil
	}

	key := summaryKey(threadID, latestMessageID)

	var cached domain.ThreadSummary
	found, err := c.store.GetJSON(ctx, key, &cached)
	if err != nil {
		logger.WithError(err).Warn("[SummaryCache] read failed for %s, treating as miss", key)
		c.evict(ctx, key)
		return nil
	}
	if !found {
		return nil
	}

	if !cached.Valid(time.Now()) {
		logger.Debug("[SummaryCache] stale or incomplete entry at %s, evicting", key)
		c.evict(ctx, key)
		return nil
	}

	return &cached
}

// Set writes the summary. Summaries without a thread id or headline are
// skipped: an invalid entry would only be evicted on the next read.
func (c *Cache) Set(ctx context.Context, threadID, latestMessageID string, s *domain.ThreadSummary) {
	if c.store == nil || s == nil {
		return
	}
	if s.ThreadID == "" || s.ThreadHeadline == "" {
		logger.Warn("[SummaryCache] refusing to cache incomplete summary for thread %s", threadID)
		return
	}

	key := summaryKey(threadID, latestMessageID)
	if err := c.store.SetJSON(ctx, key, s, summaryWriteTTL); err != nil {
		logger.WithError(err).Warn("[SummaryCache] write failed for %s", key)
	}
}

func (c *Cache) evict(ctx context.Context, key string) {
	if err := c.store.Delete(ctx, key); err != nil {
		logger.WithError(err).Debug("[SummaryCache] eviction failed for %s", key)
	}
}

func summaryKey(threadID, latestMessageID string) string {
	if latestMessageID == "" {
		return fmt.Sprintf("%s:%s", summaryKeyPrefix, threadID)
	}
	return fmt.Sprintf("%s:%s:%s", summaryKeyPrefix, threadID, latestMessageID)
}

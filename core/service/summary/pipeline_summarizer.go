package summary

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"golang.org/x/sync/semaphore"

	"pipeline_server/core/domain"
	"pipeline_server/core/port/out"
	"pipeline_server/pkg/logger"
)

const (
	// maxConcurrentSummaries bounds parallel model calls per request.
	maxConcurrentSummaries = 3

	// interSummaryDelay spaces out model calls to stay under rate limits.
	interSummaryDelay = 100 * time.Millisecond

	// fallbackHeadlineLen bounds the subject used as the fallback headline.
	fallbackHeadlineLen = 80
)

const summarySystemPrompt = `You are a voice-first email copilot.
Produce concise, high-signal summaries for busy professionals.
Return JSON with keys: threadHeadline (<=12 words), threadBullets (<=5 short bullets), latestMessageSummary (<=25 words), actionItems (<=4 imperative bullets), keyFacts (<=5 label/value pairs).
Keep language neutral, note commitments, deadlines, amounts, and flag urgency when present.`

// modelSummary mirrors the model's JSON output. Bullet fields use
// RawMessage because the model returns either a list or one delimited
// string; normalizeList canonicalizes both at the boundary.
type modelSummary struct {
	ThreadHeadline       string           `json:"threadHeadline"`
	ThreadBullets        json.RawMessage  `json:"threadBullets"`
	LatestMessageSummary string           `json:"latestMessageSummary"`
	ActionItems          json.RawMessage  `json:"actionItems"`
	KeyFacts             []domain.KeyFact `json:"keyFacts"`
}

// Summarizer produces thread summaries: cache first, model on miss, and a
// deterministic fallback when the model fails. Summarize always returns a
// usable result.
type Summarizer struct {
	cache *Cache
	model out.ModelClient
}

// NewSummarizer creates a thread summarizer.
func NewSummarizer(cache *Cache, model out.ModelClient) *Summarizer {
	return &Summarizer{
		cache: cache,
		model: model,
	}
}

// Summarize returns the summary for one thread. Since is an optional marker
// passed through to the prompt so the model can emphasize newer messages.
func (s *Summarizer) Summarize(ctx context.Context, thread *domain.Thread, since string) *domain.ThreadSummary {
	latestMessageID := ""
	if latest := thread.LatestMessage(); latest != nil {
		latestMessageID = latest.ID
	}

	if cached := s.cache.Get(ctx, thread.ThreadID, latestMessageID); cached != nil {
		return cached
	}

	result := s.generate(ctx, thread, since)
	s.cache.Set(ctx, thread.ThreadID, latestMessageID, result)

	return result
}

// SummarizeMany summarizes multiple threads with bounded parallelism and a
// short pause between launches. Results keep input order; a nil thread
// yields a nil slot.
func (s *Summarizer) SummarizeMany(ctx context.Context, threads []*domain.Thread, since string) []*domain.ThreadSummary {
	results := make([]*domain.ThreadSummary, len(threads))
	sem := semaphore.NewWeighted(maxConcurrentSummaries)

	for i, thread := range threads {
		if thread == nil {
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			// Context gone; fill the remainder with fallbacks.
			for j := i; j < len(threads); j++ {
				if threads[j] != nil {
					results[j] = fallbackSummary(threads[j])
				}
			}
			break
		}

		go func(i int, thread *domain.Thread) {
			defer sem.Release(1)
			results[i] = s.Summarize(ctx, thread, since)
		}(i, thread)

		time.Sleep(interSummaryDelay)
	}

	// Wait for all in-flight workers
	if err := sem.Acquire(context.Background(), maxConcurrentSummaries); err == nil {
		sem.Release(maxConcurrentSummaries)
	}

	return results
}

// generate runs the narrative-build, model-call, normalize sequence. The
// model call is the only step that can fail; failure takes the fallback
// branch, never an error return.
func (s *Summarizer) generate(ctx context.Context, thread *domain.Thread, since string) *domain.ThreadSummary {
	prompt := buildSummaryPrompt(thread, since)

	raw, err := s.model.GenerateStructured(ctx, summarySystemPrompt, prompt)
	if err != nil {
		logger.WithError(err).Warn("[Summarizer] model call failed for thread %s, using fallback", thread.ThreadID)
		return fallbackSummary(thread)
	}

	var parsed modelSummary
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		logger.WithError(err).Warn("[Summarizer] malformed model output for thread %s, using fallback", thread.ThreadID)
		return fallbackSummary(thread)
	}

	headline := strings.TrimSpace(parsed.ThreadHeadline)
	if headline == "" {
		headline = fallbackHeadline(thread.Subject)
	}

	keyFacts := make([]domain.KeyFact, 0, len(parsed.KeyFacts))
	for _, fact := range parsed.KeyFacts {
		if fact.Label != "" && fact.Value != "" {
			keyFacts = append(keyFacts, fact)
		}
	}

	return &domain.ThreadSummary{
		ThreadID:             thread.ThreadID,
		ThreadHeadline:       headline,
		ThreadBullets:        normalizeList(parsed.ThreadBullets),
		LatestMessageSummary: strings.TrimSpace(parsed.LatestMessageSummary),
		ActionItems:          normalizeList(parsed.ActionItems),
		KeyFacts:             keyFacts,
		GeneratedAt:          time.Now().UTC(),
	}
}

func buildSummaryPrompt(thread *domain.Thread, since string) string {
	subject := thread.Subject
	if subject == "" {
		subject = "(no subject)"
	}
	category := thread.Category
	if category == "" {
		category = "Uncategorized"
	}
	sinceMarker := since
	if sinceMarker == "" {
		sinceMarker = "Not provided"
	}

	var latestContent string
	if latest := thread.LatestMessage(); latest != nil {
		latestContent = messageContent(latest)
	}

	return fmt.Sprintf(`Thread subject: %s
Category: %s
Since marker: %s

Thread conversation (oldest to newest):
%s

Latest message details:
%s`, subject, category, sinceMarker, buildNarrative(thread), latestContent)
}

// fallbackSummary is the deterministic stand-in when the model is
// unavailable: subject as headline, everything else empty.
func fallbackSummary(thread *domain.Thread) *domain.ThreadSummary {
	return &domain.ThreadSummary{
		ThreadID:       thread.ThreadID,
		ThreadHeadline: fallbackHeadline(thread.Subject),
		ThreadBullets:  []string{},
		ActionItems:    []string{},
		KeyFacts:       []domain.KeyFact{},
		GeneratedAt:    time.Now().UTC(),
	}
}

func fallbackHeadline(subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "Email thread"
	}
	if len(subject) > fallbackHeadlineLen {
		return subject[:fallbackHeadlineLen]
	}
	return subject
}

// normalizeList canonicalizes a model list field that may arrive as a JSON
// array of strings or as one delimited string. Items are split on newlines
// and bullet glyphs, leading bullet markers stripped, empties discarded.
func normalizeList(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return []string{}
	}

	var asList []string
	if err := json.Unmarshal(raw, &asList); err == nil {
		return cleanItems(asList)
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		parts := strings.FieldsFunc(asString, func(r rune) bool {
			return r == '\n' || r == '\r' || r == '•'
		})
		return cleanItems(parts)
	}

	return []string{}
}

func cleanItems(items []string) []string {
	cleaned := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		item = strings.TrimLeft(item, "-*• ")
		item = strings.TrimSpace(item)
		if item != "" {
			cleaned = append(cleaned, item)
		}
	}
	return cleaned
}

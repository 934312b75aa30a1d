package classification

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"pipeline_server/core/domain"
	"pipeline_server/core/port/out"
	"pipeline_server/pkg/logger"
)

// =============================================================================
// Batch AI Classifier (Stage 2)
// =============================================================================

const (
	// MaxBatchSize is the hard cap on messages per model call.
	MaxBatchSize = 50

	// interChunkDelay throttles successive model calls to respect rate limits.
	interChunkDelay = 100 * time.Millisecond

	// snippetPreviewLen bounds the snippet text included in the prompt.
	snippetPreviewLen = 250
)

// FallbackReasoning is stored when a batch could not be classified.
const FallbackReasoning = "classification unavailable"

// BatchInput is one message submitted for model classification.
type BatchInput struct {
	ID      string
	From    string
	Subject string
	Snippet string
	Date    time.Time
}

// BatchVerdict is the model's (or the fallback's) verdict for one message.
type BatchVerdict struct {
	ID        string
	Priority  domain.Priority
	Category  domain.Category
	Reasoning string
}

// batchResponse is the JSON envelope the model is instructed to return.
type batchResponse struct {
	Threads []struct {
		ID        string `json:"id"`
		Priority  string `json:"priority"`
		Category  string `json:"category"`
		Reasoning string `json:"reasoning"`
	} `json:"threads"`
}

const batchSystemPrompt = `You are categorizing emails to help users focus on what matters.

PRIORITY LEVELS:
- "urgent": Immediate action needed (security alerts, deadlines, emergencies, expiring offers)
- "important": Needs attention soon (bills, account notices, work emails, personal emails from real people)
- "normal": Can wait (regular correspondence, updates, confirmations)
- "low": Not important (marketing, promotions, newsletters, spam)

CATEGORIES:
- "urgent": Security threats, emergencies, critical deadlines
- "important": Work/personal emails, bills, account notices
- "newsletters": Email lists, marketing, promotions
- "team": Work collaboration (if identifiable from sender/content)
- "other": Everything else

For each email:
1. Determine priority based on CONTENT and URGENCY
2. Assign appropriate category
3. Explain reasoning in ONE concise sentence

Respond with a JSON object:
{"threads": [{"id": "...", "priority": "...", "category": "...", "reasoning": "..."}]}

Return priority, category, and reasoning for EVERY email.`

// BatchClassifier classifies messages the rule stage could not handle, up to
// MaxBatchSize per model call. It never returns an error: a failed call
// degrades every affected message to the fallback verdict.
type BatchClassifier struct {
	model out.ModelClient
}

// NewBatchClassifier creates a batch classifier.
func NewBatchClassifier(model out.ModelClient) *BatchClassifier {
	return &BatchClassifier{model: model}
}

// ClassifyBatch classifies up to MaxBatchSize messages in one model call.
// Larger inputs are truncated; use ClassifyAll for chunked processing.
// The result always contains exactly one verdict per input message.
func (c *BatchClassifier) ClassifyBatch(ctx context.Context, messages []BatchInput) []BatchVerdict {
	if len(messages) == 0 {
		return nil
	}
	if len(messages) > MaxBatchSize {
		messages = messages[:MaxBatchSize]
	}

	raw, err := c.model.GenerateStructured(ctx, batchSystemPrompt, buildBatchPrompt(messages))
	if err != nil {
		logger.WithError(err).Warn("[BatchClassifier] model call failed, applying fallback for %d messages", len(messages))
		return fallbackVerdicts(messages)
	}

	var resp batchResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		logger.WithError(err).Warn("[BatchClassifier] malformed model response, applying fallback for %d messages", len(messages))
		return fallbackVerdicts(messages)
	}

	// Join model results back by id; the model does not guarantee ordering.
	byID := make(map[string]BatchVerdict, len(resp.Threads))
	for _, t := range resp.Threads {
		byID[t.ID] = BatchVerdict{
			ID:        t.ID,
			Priority:  coercePriority(t.ID, t.Priority),
			Category:  coerceCategory(t.ID, t.Category),
			Reasoning: t.Reasoning,
		}
	}

	verdicts := make([]BatchVerdict, 0, len(messages))
	for _, msg := range messages {
		if v, ok := byID[msg.ID]; ok {
			verdicts = append(verdicts, v)
			continue
		}
		logger.Warn("[BatchClassifier] model response missing id %s, applying fallback", msg.ID)
		verdicts = append(verdicts, fallbackVerdict(msg.ID))
	}

	return verdicts
}

// ClassifyAll chunks messages into batches of MaxBatchSize and classifies
// each, pausing briefly between chunks.
func (c *BatchClassifier) ClassifyAll(ctx context.Context, messages []BatchInput) []BatchVerdict {
	verdicts := make([]BatchVerdict, 0, len(messages))

	for i := 0; i < len(messages); i += MaxBatchSize {
		end := i + MaxBatchSize
		if end > len(messages) {
			end = len(messages)
		}

		verdicts = append(verdicts, c.ClassifyBatch(ctx, messages[i:end])...)

		if end < len(messages) {
			select {
			case <-time.After(interChunkDelay):
			case <-ctx.Done():
				// Remaining messages get the fallback so every input is answered.
				verdicts = append(verdicts, fallbackVerdicts(messages[end:])...)
				return verdicts
			}
		}
	}

	return verdicts
}

func buildBatchPrompt(messages []BatchInput) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "ANALYZE THESE %d EMAILS:\n", len(messages))
	for i, msg := range messages {
		fmt.Fprintf(&sb, "\n%d. ID: %s\n   From: %s\n   Date: %s\n   Subject: %s\n   Preview: %s\n",
			i+1, msg.ID, msg.From, msg.Date.Format(time.RFC3339), msg.Subject, truncate(msg.Snippet, snippetPreviewLen))
	}

	return sb.String()
}

// coercePriority maps an unknown model enum to PriorityNormal instead of
// rejecting the whole verdict.
func coercePriority(id, raw string) domain.Priority {
	p := domain.Priority(raw)
	if domain.ValidPriority(p) {
		return p
	}
	logger.Warn("[BatchClassifier] unknown priority %q for id %s, coercing to normal", raw, id)
	return domain.PriorityNormal
}

// coerceCategory maps an unknown model enum to CategoryOther.
func coerceCategory(id, raw string) domain.Category {
	c := domain.Category(raw)
	if domain.ValidCategory(c) {
		return c
	}
	logger.Warn("[BatchClassifier] unknown category %q for id %s, coercing to other", raw, id)
	return domain.CategoryOther
}

func fallbackVerdict(id string) BatchVerdict {
	return BatchVerdict{
		ID:        id,
		Priority:  domain.PriorityNormal,
		Category:  domain.CategoryOther,
		Reasoning: FallbackReasoning,
	}
}

func fallbackVerdicts(messages []BatchInput) []BatchVerdict {
	verdicts := make([]BatchVerdict, 0, len(messages))
	for _, msg := range messages {
		verdicts = append(verdicts, fallbackVerdict(msg.ID))
	}
	return verdicts
}

func truncate(text string, maxLen int) string {
	if len(text) <= maxLen {
		return text
	}
	return text[:maxLen] + "..."
}

package domain

import (
	"time"
)

// SummaryMaxAge is the validity window for a cached thread summary.
// Entries older than this are treated as absent and evicted on read.
const SummaryMaxAge = 24 * time.Hour

// KeyFact is one label/value pair extracted from a thread (amounts,
// deadlines, reference numbers).
type KeyFact struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// ThreadSummary is an AI-generated summary of one conversation thread,
// keyed by (thread, latest message) so a new reply invalidates it.
type ThreadSummary struct {
	ThreadID             string    `json:"thread_id"`
	ThreadHeadline       string    `json:"thread_headline"`
	ThreadBullets        []string  `json:"thread_bullets"`
	LatestMessageSummary string    `json:"latest_message_summary,omitempty"`
	ActionItems          []string  `json:"action_items"`
	KeyFacts             []KeyFact `json:"key_facts"`
	GeneratedAt          time.Time `json:"generated_at"`
}

// Valid reports whether the summary can be served from cache: the required
// fields are present and the entry has not outlived SummaryMaxAge.
func (s *ThreadSummary) Valid(now time.Time) bool {
	if s == nil {
		return false
	}
	if s.ThreadID == "" || s.ThreadHeadline == "" || s.GeneratedAt.IsZero() {
		return false
	}
	return now.Sub(s.GeneratedAt) <= SummaryMaxAge
}

// ThreadMessage is one message of a thread, as the summarizer sees it.
type ThreadMessage struct {
	ID       string    `json:"id"`
	From     string    `json:"from"`
	To       string    `json:"to"`
	Date     time.Time `json:"date"`
	TextBody string    `json:"text_body"`
	HTMLBody string    `json:"html_body"`
	Snippet  string    `json:"snippet"`
}

// Thread is the summarizer input: an ordered conversation, oldest first.
type Thread struct {
	ThreadID string          `json:"thread_id"`
	Subject  string          `json:"subject"`
	Category string          `json:"category,omitempty"`
	Messages []ThreadMessage `json:"messages"`
}

// LatestMessage returns the newest message of the thread, or nil for an
// empty thread.
func (t *Thread) LatestMessage() *ThreadMessage {
	if t == nil || len(t.Messages) == 0 {
		return nil
	}
	return &t.Messages[len(t.Messages)-1]
}

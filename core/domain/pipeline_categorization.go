// Package domain contains the core entities of the classification pipeline.
package domain

import (
	"time"
)

// Priority represents the attention level assigned to a message.
type Priority string

const (
	PriorityUrgent    Priority = "urgent"    // Immediate action needed
	PriorityImportant Priority = "important" // Needs attention soon
	PriorityNormal    Priority = "normal"    // Can wait
	PriorityLow       Priority = "low"       // Marketing, newsletters
)

// Category represents the inbox bucket a message belongs to.
type Category string

const (
	CategoryUrgent      Category = "urgent"      // Security threats, emergencies
	CategoryImportant   Category = "important"   // Bills, account notices, personal mail
	CategoryNewsletters Category = "newsletters" // Mailing lists, marketing
	CategoryTeam        Category = "team"        // Work collaboration
	CategoryOther       Category = "other"       // Everything else
)

// ClassificationMethod indicates how (or whether) a verdict was produced.
type ClassificationMethod string

const (
	MethodRuleBased ClassificationMethod = "rule-based" // Keyword/domain rules, no model call
	MethodAI        ClassificationMethod = "ai"         // Batch model classification
	MethodPending   ClassificationMethod = "pending"    // Awaiting the AI backfill pass
)

// ValidPriority reports whether p is a member of the allowed priority set.
func ValidPriority(p Priority) bool {
	switch p {
	case PriorityUrgent, PriorityImportant, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// ValidCategory reports whether c is a member of the allowed category set.
func ValidCategory(c Category) bool {
	switch c {
	case CategoryUrgent, CategoryImportant, CategoryNewsletters, CategoryTeam, CategoryOther:
		return true
	}
	return false
}

// MessageCategorization is the durable per-message classification record.
// A row exists for every message that entered the pipeline; nil priority and
// category mean the message is still waiting for the AI backfill pass.
type MessageCategorization struct {
	MailboxID  string    `json:"mailbox_id" db:"mailbox_id"`
	MessageID  string    `json:"message_id" db:"message_id"`
	ThreadID   string    `json:"thread_id" db:"thread_id"`
	ReceivedAt time.Time `json:"received_at" db:"received_at"`

	Priority  *Priority            `json:"priority,omitempty" db:"priority"`
	Category  *Category            `json:"category,omitempty" db:"category"`
	Reasoning *string              `json:"reasoning,omitempty" db:"reasoning"`
	Method    ClassificationMethod `json:"method" db:"method"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Verdict is the outcome of one classification attempt for one message.
// Method is MethodRuleBased or MethodAI when the fields are set; a rule miss
// produces Method "needs-ai" via NeedsAIVerdict with all fields nil.
type Verdict struct {
	Priority  *Priority `json:"priority,omitempty"`
	Category  *Category `json:"category,omitempty"`
	Reasoning *string   `json:"reasoning,omitempty"`
	Method    string    `json:"method"`
}

const (
	// VerdictMethodRuleBased marks a verdict produced by the rule classifier.
	VerdictMethodRuleBased = "rule-based"
	// VerdictMethodNeedsAI marks a message the rules could not classify.
	VerdictMethodNeedsAI = "needs-ai"
)

// RuleVerdict builds a rule-based verdict.
func RuleVerdict(priority Priority, category Category, reasoning string) Verdict {
	return Verdict{
		Priority:  &priority,
		Category:  &category,
		Reasoning: &reasoning,
		Method:    VerdictMethodRuleBased,
	}
}

// NeedsAIVerdict builds the verdict for a message that must go to the AI pass.
func NeedsAIVerdict() Verdict {
	return Verdict{Method: VerdictMethodNeedsAI}
}

// MessageEvent is one inbound notification from the event source: a new or
// updated message in a mailbox. Delivery may be at-least-once.
type MessageEvent struct {
	MailboxID  string    `json:"mailbox_id"`
	MessageID  string    `json:"message_id"`
	ThreadID   string    `json:"thread_id"`
	ReceivedAt time.Time `json:"received_at"`
}

// Package classification implements the two-stage email classification
// pipeline: a free keyword pass first, the batch model pass for the rest.
package classification

import (
	"strings"

	"pipeline_server/core/domain"
)

// =============================================================================
// Rule Classifier (Stage 1)
// =============================================================================

// Security keywords that indicate urgent emails.
var securityKeywords = []string{
	"security alert",
	"suspicious activity",
	"unusual sign-in",
	"password reset",
	"account locked",
	"verify your identity",
	"two-factor",
	"2fa",
	"verification code",
	"suspicious login",
	"account compromised",
	"security breach",
	"unauthorized access",
}

// Billing keywords that indicate important emails.
var billingKeywords = []string{
	"bill",
	"invoice",
	"payment",
	"receipt",
	"charge",
	"subscription",
	"renewal",
	"payment failed",
	"card declined",
	"overdue",
	"past due",
	"billing statement",
}

// Newsletter keywords that indicate low priority.
var newsletterKeywords = []string{
	"unsubscribe",
	"view in browser",
	"update preferences",
	"manage subscription",
	"you're receiving this",
	"sent to",
	"weekly digest",
	"daily digest",
	"newsletter",
	"promotional",
}

// Marketing sender address fragments.
var marketingSenderPatterns = []string{
	"marketing",
	"promo",
	"news",
	"newsletter",
	"noreply",
	"no-reply",
	"donotreply",
	"updates",
	"notifications",
}

// Team/work keywords.
var teamKeywords = []string{
	"meeting",
	"calendar",
	"invitation",
	"agenda",
	"standup",
	"sync",
	"review",
	"pull request",
	"pr:",
	"merge request",
}

// Rule reasoning strings, stored verbatim on the categorization row.
const (
	reasonSecurity   = "Security alert detected (password reset, suspicious activity, etc.)"
	reasonBilling    = "Bill or payment notice"
	reasonNewsletter = "Newsletter or marketing email"
	reasonTeam       = "Team communication (meeting, PR, etc.)"
)

// RuleInput is the header material the rule classifier examines.
type RuleInput struct {
	From    string
	Subject string
	Snippet string
}

// RuleClassifier performs the Stage 1 keyword pass. It is pure and
// deterministic: no I/O, no model calls, safe to run on the hot ingest path.
type RuleClassifier struct{}

// NewRuleClassifier creates a rule classifier.
func NewRuleClassifier() *RuleClassifier {
	return &RuleClassifier{}
}

// Name returns the classifier name.
func (c *RuleClassifier) Name() string {
	return "rule"
}

// Classify matches the input against the keyword sets in precedence order:
// security, then billing, then newsletter/marketing, then team. A message
// matching no set is handed to the model stage via a needs-ai verdict.
func (c *RuleClassifier) Classify(input RuleInput) domain.Verdict {
	content := strings.ToLower(input.Subject + " " + input.Snippet)

	if containsAny(content, securityKeywords) {
		return domain.RuleVerdict(domain.PriorityUrgent, domain.CategoryUrgent, reasonSecurity)
	}

	if containsAny(content, billingKeywords) {
		return domain.RuleVerdict(domain.PriorityImportant, domain.CategoryImportant, reasonBilling)
	}

	if containsAny(content, newsletterKeywords) || isMarketingSender(input.From) {
		return domain.RuleVerdict(domain.PriorityLow, domain.CategoryNewsletters, reasonNewsletter)
	}

	if containsAny(content, teamKeywords) {
		return domain.RuleVerdict(domain.PriorityImportant, domain.CategoryTeam, reasonTeam)
	}

	return domain.NeedsAIVerdict()
}

// containsAny reports whether text contains any keyword. Keywords are stored
// lowercase; text must already be lowercased by the caller.
func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// isMarketingSender reports whether the sender address looks like a bulk
// marketing source.
func isMarketingSender(from string) bool {
	fromLower := strings.ToLower(from)
	for _, pattern := range marketingSenderPatterns {
		if strings.Contains(fromLower, pattern) {
			return true
		}
	}
	return false
}

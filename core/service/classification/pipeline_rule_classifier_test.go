package classification

import (
	"testing"

	"pipeline_server/core/domain"
)

func TestRuleClassifier_Classify(t *testing.T) {
	c := NewRuleClassifier()

	tests := []struct {
		name         string
		input        RuleInput
		wantPriority domain.Priority
		wantCategory domain.Category
		wantMethod   string
	}{
		{
			name: "security alert",
			input: RuleInput{
				From:    "alerts@github.com",
				Subject: "URGENT: verify your identity",
				Snippet: "suspicious login",
			},
			wantPriority: domain.PriorityUrgent,
			wantCategory: domain.CategoryUrgent,
			wantMethod:   domain.VerdictMethodRuleBased,
		},
		{
			name: "billing notice",
			input: RuleInput{
				From:    "billing@vendor.com",
				Subject: "Your invoice #991 is ready",
				Snippet: "Payment due",
			},
			wantPriority: domain.PriorityImportant,
			wantCategory: domain.CategoryImportant,
			wantMethod:   domain.VerdictMethodRuleBased,
		},
		{
			name: "marketing sender",
			input: RuleInput{
				From:    "deals@news.mailchimp.com",
				Subject: "50% off today only",
				Snippet: "",
			},
			wantPriority: domain.PriorityLow,
			wantCategory: domain.CategoryNewsletters,
			wantMethod:   domain.VerdictMethodRuleBased,
		},
		{
			name: "newsletter keyword in body",
			input: RuleInput{
				From:    "friend@example.com",
				Subject: "This week in Go",
				Snippet: "Click unsubscribe to stop receiving these",
			},
			wantPriority: domain.PriorityLow,
			wantCategory: domain.CategoryNewsletters,
			wantMethod:   domain.VerdictMethodRuleBased,
		},
		{
			name: "team communication",
			input: RuleInput{
				From:    "coworker@company.com",
				Subject: "PR: add retry to sync worker",
				Snippet: "please review when you get a chance",
			},
			wantPriority: domain.PriorityImportant,
			wantCategory: domain.CategoryTeam,
			wantMethod:   domain.VerdictMethodRuleBased,
		},
		{
			name: "case insensitive matching",
			input: RuleInput{
				From:    "someone@example.com",
				Subject: "PASSWORD RESET requested",
				Snippet: "",
			},
			wantPriority: domain.PriorityUrgent,
			wantCategory: domain.CategoryUrgent,
			wantMethod:   domain.VerdictMethodRuleBased,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(tt.input)

			if got.Method != tt.wantMethod {
				t.Fatalf("method = %s, want %s", got.Method, tt.wantMethod)
			}
			if got.Priority == nil || *got.Priority != tt.wantPriority {
				t.Errorf("priority = %v, want %s", got.Priority, tt.wantPriority)
			}
			if got.Category == nil || *got.Category != tt.wantCategory {
				t.Errorf("category = %v, want %s", got.Category, tt.wantCategory)
			}
			if got.Reasoning == nil || *got.Reasoning == "" {
				t.Errorf("reasoning should be set for rule-based verdicts")
			}
		})
	}
}

func TestRuleClassifier_NeedsAI(t *testing.T) {
	c := NewRuleClassifier()

	got := c.Classify(RuleInput{
		From:    "friend@example.com",
		Subject: "Hi there",
		Snippet: "just checking in",
	})

	if got.Method != domain.VerdictMethodNeedsAI {
		t.Fatalf("method = %s, want %s", got.Method, domain.VerdictMethodNeedsAI)
	}
	if got.Priority != nil || got.Category != nil || got.Reasoning != nil {
		t.Errorf("needs-ai verdict must have nil fields, got %+v", got)
	}
}

func TestRuleClassifier_SecurityWinsOverNewsletter(t *testing.T) {
	c := NewRuleClassifier()

	// Both a security keyword and a newsletter keyword present
	got := c.Classify(RuleInput{
		From:    "noreply@service.com",
		Subject: "Security alert: new sign-in",
		Snippet: "unsubscribe from these notifications",
	})

	if got.Category == nil || *got.Category != domain.CategoryUrgent {
		t.Errorf("category = %v, want %s (security must win)", got.Category, domain.CategoryUrgent)
	}
	if got.Priority == nil || *got.Priority != domain.PriorityUrgent {
		t.Errorf("priority = %v, want %s", got.Priority, domain.PriorityUrgent)
	}
}

func TestRuleClassifier_BillingWinsOverTeam(t *testing.T) {
	c := NewRuleClassifier()

	got := c.Classify(RuleInput{
		From:    "finance@company.com",
		Subject: "Invoice review meeting",
		Snippet: "",
	})

	if got.Category == nil || *got.Category != domain.CategoryImportant {
		t.Errorf("category = %v, want %s (billing precedes team)", got.Category, domain.CategoryImportant)
	}
}

func TestRuleClassifier_Deterministic(t *testing.T) {
	c := NewRuleClassifier()
	input := RuleInput{
		From:    "deals@promo.example.com",
		Subject: "Weekly digest",
		Snippet: "view in browser",
	}

	first := c.Classify(input)
	for i := 0; i < 10; i++ {
		got := c.Classify(input)
		if got.Method != first.Method {
			t.Fatalf("run %d: method = %s, want %s", i, got.Method, first.Method)
		}
		if *got.Priority != *first.Priority || *got.Category != *first.Category {
			t.Fatalf("run %d: verdict changed between identical inputs", i)
		}
	}
}

package classification

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"pipeline_server/core/domain"
)

// fakeModelClient returns canned responses or errors.
type fakeModelClient struct {
	response string
	err      error
	calls    int
}

func (f *fakeModelClient) GenerateStructured(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

func TestBatchClassifier_JoinsByID(t *testing.T) {
	// Results arrive out of order; verdicts must still land on the right ids.
	model := &fakeModelClient{
		response: `{"threads":[
			{"id":"m2","priority":"low","category":"newsletters","reasoning":"weekly digest"},
			{"id":"m1","priority":"normal","category":"other","reasoning":"general correspondence"}
		]}`,
	}
	c := NewBatchClassifier(model)

	verdicts := c.ClassifyBatch(context.Background(), []BatchInput{
		{ID: "m1", From: "friend@example.com", Subject: "Hi there", Snippet: "just checking in"},
		{ID: "m2", From: "digest@site.com", Subject: "This week", Snippet: "top stories"},
	})

	if len(verdicts) != 2 {
		t.Fatalf("got %d verdicts, want 2", len(verdicts))
	}
	if verdicts[0].ID != "m1" || verdicts[0].Priority != domain.PriorityNormal || verdicts[0].Category != domain.CategoryOther {
		t.Errorf("m1 verdict = %+v", verdicts[0])
	}
	if verdicts[0].Reasoning != "general correspondence" {
		t.Errorf("m1 reasoning = %q", verdicts[0].Reasoning)
	}
	if verdicts[1].ID != "m2" || verdicts[1].Priority != domain.PriorityLow || verdicts[1].Category != domain.CategoryNewsletters {
		t.Errorf("m2 verdict = %+v", verdicts[1])
	}
}

func TestBatchClassifier_FallbackOnModelError(t *testing.T) {
	model := &fakeModelClient{err: errors.New("rate limited")}
	c := NewBatchClassifier(model)

	inputs := []BatchInput{
		{ID: "a"}, {ID: "b"}, {ID: "c"},
	}
	verdicts := c.ClassifyBatch(context.Background(), inputs)

	if len(verdicts) != len(inputs) {
		t.Fatalf("got %d verdicts, want %d", len(verdicts), len(inputs))
	}
	for i, v := range verdicts {
		if v.ID != inputs[i].ID {
			t.Errorf("verdict %d id = %s, want %s", i, v.ID, inputs[i].ID)
		}
		if v.Priority != domain.PriorityNormal || v.Category != domain.CategoryOther {
			t.Errorf("verdict %d = %+v, want normal/other fallback", i, v)
		}
		if v.Reasoning != FallbackReasoning {
			t.Errorf("verdict %d reasoning = %q", i, v.Reasoning)
		}
	}
}

func TestBatchClassifier_FallbackOnMalformedResponse(t *testing.T) {
	model := &fakeModelClient{response: "this is not json"}
	c := NewBatchClassifier(model)

	verdicts := c.ClassifyBatch(context.Background(), []BatchInput{{ID: "m1"}})

	if len(verdicts) != 1 {
		t.Fatalf("got %d verdicts, want 1", len(verdicts))
	}
	if verdicts[0].Reasoning != FallbackReasoning {
		t.Errorf("reasoning = %q, want fallback", verdicts[0].Reasoning)
	}
}

func TestBatchClassifier_FallbackForMissingID(t *testing.T) {
	model := &fakeModelClient{
		response: `{"threads":[{"id":"m1","priority":"urgent","category":"urgent","reasoning":"deadline"}]}`,
	}
	c := NewBatchClassifier(model)

	verdicts := c.ClassifyBatch(context.Background(), []BatchInput{{ID: "m1"}, {ID: "m2"}})

	if len(verdicts) != 2 {
		t.Fatalf("got %d verdicts, want 2", len(verdicts))
	}
	if verdicts[0].Priority != domain.PriorityUrgent {
		t.Errorf("m1 verdict = %+v", verdicts[0])
	}
	if verdicts[1].ID != "m2" || verdicts[1].Reasoning != FallbackReasoning {
		t.Errorf("m2 should get fallback, got %+v", verdicts[1])
	}
}

func TestBatchClassifier_CoercesUnknownEnums(t *testing.T) {
	model := &fakeModelClient{
		response: `{"threads":[{"id":"m1","priority":"critical","category":"finance","reasoning":"invoice"}]}`,
	}
	c := NewBatchClassifier(model)

	verdicts := c.ClassifyBatch(context.Background(), []BatchInput{{ID: "m1"}})

	if verdicts[0].Priority != domain.PriorityNormal {
		t.Errorf("priority = %s, want normal for unknown enum", verdicts[0].Priority)
	}
	if verdicts[0].Category != domain.CategoryOther {
		t.Errorf("category = %s, want other for unknown enum", verdicts[0].Category)
	}
	if verdicts[0].Reasoning != "invoice" {
		t.Errorf("reasoning should survive coercion, got %q", verdicts[0].Reasoning)
	}
}

func TestBatchClassifier_EmptyInput(t *testing.T) {
	model := &fakeModelClient{}
	c := NewBatchClassifier(model)

	if got := c.ClassifyBatch(context.Background(), nil); got != nil {
		t.Errorf("expected nil for empty input, got %v", got)
	}
	if model.calls != 0 {
		t.Errorf("model should not be called for empty input")
	}
}

func TestBatchClassifier_ClassifyAllChunks(t *testing.T) {
	var sb strings.Builder
	sb.WriteString(`{"threads":[`)
	// A single canned response that covers every id the test submits
	for i := 0; i < 120; i++ {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(`{"id":"m` + strconv.Itoa(i) + `","priority":"normal","category":"other","reasoning":"ok"}`)
	}
	sb.WriteString(`]}`)

	model := &fakeModelClient{response: sb.String()}
	c := NewBatchClassifier(model)

	inputs := make([]BatchInput, 120)
	for i := range inputs {
		inputs[i] = BatchInput{ID: "m" + strconv.Itoa(i), Date: time.Now()}
	}

	verdicts := c.ClassifyAll(context.Background(), inputs)

	if len(verdicts) != len(inputs) {
		t.Fatalf("got %d verdicts, want %d", len(verdicts), len(inputs))
	}
	if model.calls != 3 {
		t.Errorf("model calls = %d, want 3 chunks of <=50", model.calls)
	}
}

package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"pipeline_server/core/domain"
	"pipeline_server/core/port/out"
	"pipeline_server/core/service/classification"
)

type memRepo struct {
	mu      sync.Mutex
	rows    map[string]*domain.MessageCategorization
	upserts int
	listErr error
}

func newMemRepo() *memRepo {
	return &memRepo{rows: make(map[string]*domain.MessageCategorization)}
}

func (r *memRepo) addPending(mailboxID, messageID string) {
	r.rows[mailboxID+"/"+messageID] = &domain.MessageCategorization{
		MailboxID:  mailboxID,
		MessageID:  messageID,
		ThreadID:   "t-" + messageID,
		ReceivedAt: time.Now(),
		Method:     domain.MethodPending,
	}
}

func (r *memRepo) Upsert(ctx context.Context, rec *domain.MessageCategorization) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upserts++
	r.rows[rec.MailboxID+"/"+rec.MessageID] = rec
	return nil
}

func (r *memRepo) HasBeenProcessed(ctx context.Context, mailboxID, threadID, messageID string) (bool, error) {
	return false, nil
}

func (r *memRepo) FindUnclassified(ctx context.Context, mailboxID string, limit int) ([]*domain.MessageCategorization, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []*domain.MessageCategorization
	for _, rec := range r.rows {
		if rec.MailboxID == mailboxID && rec.Priority == nil {
			result = append(result, rec)
		}
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (r *memRepo) ListMailboxes(ctx context.Context, limit int) ([]string, error) {
	if r.listErr != nil {
		return nil, r.listErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]bool)
	var mailboxes []string
	for _, rec := range r.rows {
		if rec.Priority == nil && !seen[rec.MailboxID] {
			seen[rec.MailboxID] = true
			mailboxes = append(mailboxes, rec.MailboxID)
		}
		if len(mailboxes) >= limit {
			break
		}
	}
	return mailboxes, nil
}

type stubProvider struct {
	mu      sync.Mutex
	failIDs map[string]bool
}

func (p *stubProvider) FetchMessage(ctx context.Context, mailboxID, messageID string) (*out.ProviderMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failIDs[messageID] {
		return nil, out.NewProviderError("stub", out.ProviderErrNotFound, "gone", nil, false)
	}
	return &out.ProviderMessage{
		MessageID: messageID,
		From:      "someone@example.com",
		Subject:   "hello",
		Snippet:   "hello there",
	}, nil
}

func (p *stubProvider) ListMessages(ctx context.Context, mailboxID, query, pageToken string) (*out.ProviderMessagePage, error) {
	return &out.ProviderMessagePage{}, nil
}

// echoModel answers every listed id with normal/other.
type echoModel struct{}

func (echoModel) GenerateStructured(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	// Collect the ids from the prompt lines; answer all of them.
	var threads []string
	for i := 0; i < 500; i++ {
		id := fmt.Sprintf("msg%d", i)
		if strings.Contains(userPrompt, "ID: "+id+"\n") {
			threads = append(threads, fmt.Sprintf(`{"id":%q,"priority":"normal","category":"other","reasoning":"routine"}`, id))
		}
	}
	return `{"threads":[` + strings.Join(threads, ",") + `]}`, nil
}

func TestBackfillScheduler_RunOnceClassifiesPending(t *testing.T) {
	repo := newMemRepo()
	repo.addPending("mbox1", "msg1")
	repo.addPending("mbox1", "msg2")

	s := NewBackfillScheduler(repo, &stubProvider{}, classification.NewBatchClassifier(echoModel{}))
	s.RunOnce(context.Background())

	for _, id := range []string{"msg1", "msg2"} {
		rec := repo.rows["mbox1/"+id]
		if rec.Priority == nil || *rec.Priority != domain.PriorityNormal {
			t.Errorf("%s priority = %v, want normal", id, rec.Priority)
		}
		if rec.Method != domain.MethodAI {
			t.Errorf("%s method = %s, want ai", id, rec.Method)
		}
	}

	m := s.Metrics()
	if m.Classified != 2 {
		t.Errorf("Classified = %d, want 2", m.Classified)
	}
}

func TestBackfillScheduler_SkipsFetchFailures(t *testing.T) {
	repo := newMemRepo()
	repo.addPending("mbox1", "msg1")
	repo.addPending("mbox1", "msg2")

	provider := &stubProvider{failIDs: map[string]bool{"msg1": true}}
	s := NewBackfillScheduler(repo, provider, classification.NewBatchClassifier(echoModel{}))
	s.RunOnce(context.Background())

	if rec := repo.rows["mbox1/msg1"]; rec.Priority != nil {
		t.Errorf("failed fetch must leave msg1 pending, got %v", rec.Priority)
	}
	if rec := repo.rows["mbox1/msg2"]; rec.Priority == nil {
		t.Error("msg2 must still be classified despite msg1 failing")
	}

	m := s.Metrics()
	if m.Skipped != 1 {
		t.Errorf("Skipped = %d, want 1", m.Skipped)
	}
}

func TestBackfillScheduler_ListFailureDoesNotPanic(t *testing.T) {
	repo := newMemRepo()
	repo.listErr = errors.New("db down")

	s := NewBackfillScheduler(repo, &stubProvider{}, classification.NewBatchClassifier(echoModel{}))
	s.RunOnce(context.Background())

	if m := s.Metrics(); m.Errors != 1 {
		t.Errorf("Errors = %d, want 1", m.Errors)
	}
}

func TestBackfillScheduler_NoPendingIsNoop(t *testing.T) {
	repo := newMemRepo()

	s := NewBackfillScheduler(repo, &stubProvider{}, classification.NewBatchClassifier(echoModel{}))
	s.RunOnce(context.Background())

	if repo.upserts != 0 {
		t.Errorf("upserts = %d, want 0", repo.upserts)
	}
}

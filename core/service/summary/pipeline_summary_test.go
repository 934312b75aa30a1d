package summary

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"pipeline_server/core/domain"
)

// memCache is an in-memory out.Cache.
type memCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	getErr  error
	setErr  error
	deletes []string
}

func newMemCache() *memCache {
	return &memCache{entries: make(map[string][]byte)}
}

func (c *memCache) GetJSON(ctx context.Context, key string, dest interface{}) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return false, c.getErr
	}
	data, ok := c.entries[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, err
	}
	return true, nil
}

func (c *memCache) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.setErr != nil {
		return c.setErr
	}
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.entries[key] = data
	return nil
}

func (c *memCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deletes = append(c.deletes, key)
	delete(c.entries, key)
	return nil
}

func (c *memCache) put(key string, raw string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = []byte(raw)
}

// fakeModel returns a canned response or an error, counting calls.
type fakeModel struct {
	mu       sync.Mutex
	response string
	err      error
	calls    int
}

func (f *fakeModel) GenerateStructured(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

func (f *fakeModel) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testThread() *domain.Thread {
	return &domain.Thread{
		ThreadID: "t1",
		Subject:  "Q3 budget review",
		Messages: []domain.ThreadMessage{
			{ID: "m1", From: "alice@co.com", To: "bob@co.com", Date: time.Now().Add(-2 * time.Hour), TextBody: "Draft attached, numbers due Friday."},
			{ID: "m2", From: "bob@co.com", To: "alice@co.com", Date: time.Now().Add(-1 * time.Hour), TextBody: "Looks good, one question on travel costs."},
		},
	}
}

// =============================================================================
// Cache
// =============================================================================

func TestSummaryCache_ExpiredEntryTreatedAsAbsent(t *testing.T) {
	store := newMemCache()
	cache := NewCache(store)

	stale := &domain.ThreadSummary{
		ThreadID:       "t1",
		ThreadHeadline: "old news",
		GeneratedAt:    time.Now().Add(-25 * time.Hour),
	}
	data, _ := json.Marshal(stale)
	store.put("thread-summary:t1:m2", string(data))

	if got := cache.Get(context.Background(), "t1", "m2"); got != nil {
		t.Errorf("25h old entry must read as absent, got %+v", got)
	}
	if len(store.deletes) != 1 {
		t.Errorf("stale entry must be evicted, deletes = %v", store.deletes)
	}
}

func TestSummaryCache_MissingHeadlineEvicted(t *testing.T) {
	store := newMemCache()
	cache := NewCache(store)

	store.put("thread-summary:t1:m2", `{"thread_id":"t1","generated_at":"2026-08-29T10:00:00Z"}`)

	if got := cache.Get(context.Background(), "t1", "m2"); got != nil {
		t.Errorf("entry without headline must read as absent, got %+v", got)
	}
	if len(store.deletes) != 1 {
		t.Errorf("invalid entry must be removed")
	}
}

func TestSummaryCache_CorruptPayloadIsMiss(t *testing.T) {
	store := newMemCache()
	cache := NewCache(store)

	store.put("thread-summary:t1:m2", "{not json")

	if got := cache.Get(context.Background(), "t1", "m2"); got != nil {
		t.Errorf("corrupt payload must read as absent, got %+v", got)
	}
}

func TestSummaryCache_StoreErrorIsMiss(t *testing.T) {
	store := newMemCache()
	store.getErr = errors.New("connection refused")
	cache := NewCache(store)

	if got := cache.Get(context.Background(), "t1", "m2"); got != nil {
		t.Errorf("store error must degrade to a miss, got %+v", got)
	}
}

func TestSummaryCache_SetSkipsIncompleteSummary(t *testing.T) {
	store := newMemCache()
	cache := NewCache(store)

	cache.Set(context.Background(), "t1", "m2", &domain.ThreadSummary{ThreadID: "t1"})

	if len(store.entries) != 0 {
		t.Errorf("summary without headline must not be cached")
	}
}

func TestSummaryCache_WriteErrorSwallowed(t *testing.T) {
	store := newMemCache()
	store.setErr = errors.New("oom")
	cache := NewCache(store)

	// Must not panic or propagate
	cache.Set(context.Background(), "t1", "m2", &domain.ThreadSummary{
		ThreadID:       "t1",
		ThreadHeadline: "h",
		GeneratedAt:    time.Now(),
	})
}

func TestSummaryCache_RoundTrip(t *testing.T) {
	store := newMemCache()
	cache := NewCache(store)

	want := &domain.ThreadSummary{
		ThreadID:       "t1",
		ThreadHeadline: "Budget approved",
		ThreadBullets:  []string{"numbers final"},
		GeneratedAt:    time.Now().UTC(),
	}
	cache.Set(context.Background(), "t1", "m2", want)

	got := cache.Get(context.Background(), "t1", "m2")
	if got == nil {
		t.Fatal("expected cache hit")
	}
	if got.ThreadHeadline != want.ThreadHeadline {
		t.Errorf("headline = %q, want %q", got.ThreadHeadline, want.ThreadHeadline)
	}
}

// =============================================================================
// Summarizer
// =============================================================================

func TestSummarizer_NeverFails(t *testing.T) {
	model := &fakeModel{err: errors.New("model down")}
	s := NewSummarizer(NewCache(newMemCache()), model)

	got := s.Summarize(context.Background(), testThread(), "")

	if got == nil {
		t.Fatal("summarize must always return a result")
	}
	if got.ThreadHeadline == "" {
		t.Error("fallback must carry a non-empty headline")
	}
	if got.ThreadHeadline != "Q3 budget review" {
		t.Errorf("fallback headline = %q, want thread subject", got.ThreadHeadline)
	}
}

func TestSummarizer_FallbackHeadlineForEmptySubject(t *testing.T) {
	model := &fakeModel{err: errors.New("model down")}
	s := NewSummarizer(NewCache(newMemCache()), model)

	thread := testThread()
	thread.Subject = ""
	got := s.Summarize(context.Background(), thread, "")

	if got.ThreadHeadline != "Email thread" {
		t.Errorf("headline = %q, want %q", got.ThreadHeadline, "Email thread")
	}
}

func TestSummarizer_SecondCallHitsCache(t *testing.T) {
	model := &fakeModel{
		response: `{"threadHeadline":"Budget nearly final","threadBullets":["travel question open"],"latestMessageSummary":"Bob asked about travel costs","actionItems":["Answer travel question"],"keyFacts":[{"label":"Deadline","value":"Friday"}]}`,
	}
	s := NewSummarizer(NewCache(newMemCache()), model)
	thread := testThread()

	first := s.Summarize(context.Background(), thread, "")
	second := s.Summarize(context.Background(), thread, "")

	if model.callCount() != 1 {
		t.Errorf("model calls = %d, want 1 (second call must hit cache)", model.callCount())
	}
	if first.ThreadHeadline != second.ThreadHeadline {
		t.Errorf("cached result differs: %q vs %q", first.ThreadHeadline, second.ThreadHeadline)
	}
}

func TestSummarizer_ParsesModelOutput(t *testing.T) {
	model := &fakeModel{
		response: `{"threadHeadline":"Budget nearly final","threadBullets":["travel question open","numbers due Friday"],"latestMessageSummary":"Bob asked about travel costs","actionItems":["Answer travel question"],"keyFacts":[{"label":"Deadline","value":"Friday"},{"label":"","value":"dropped"}]}`,
	}
	s := NewSummarizer(NewCache(newMemCache()), model)

	got := s.Summarize(context.Background(), testThread(), "")

	if got.ThreadHeadline != "Budget nearly final" {
		t.Errorf("headline = %q", got.ThreadHeadline)
	}
	if len(got.ThreadBullets) != 2 {
		t.Errorf("bullets = %v", got.ThreadBullets)
	}
	if len(got.KeyFacts) != 1 {
		t.Errorf("facts with empty labels must be dropped, got %v", got.KeyFacts)
	}
}

func TestSummarizer_NormalizesStringBullets(t *testing.T) {
	// Model returned bullets as one newline-delimited string
	model := &fakeModel{
		response: `{"threadHeadline":"h","threadBullets":"- first point\n- second point\n\n• third point","actionItems":""}`,
	}
	s := NewSummarizer(NewCache(newMemCache()), model)

	got := s.Summarize(context.Background(), testThread(), "")

	want := []string{"first point", "second point", "third point"}
	if len(got.ThreadBullets) != len(want) {
		t.Fatalf("bullets = %v, want %v", got.ThreadBullets, want)
	}
	for i := range want {
		if got.ThreadBullets[i] != want[i] {
			t.Errorf("bullet %d = %q, want %q", i, got.ThreadBullets[i], want[i])
		}
	}
}

func TestSummarizeMany_BoundedAndComplete(t *testing.T) {
	model := &fakeModel{
		response: `{"threadHeadline":"h","threadBullets":[],"actionItems":[]}`,
	}
	s := NewSummarizer(NewCache(newMemCache()), model)

	threads := make([]*domain.Thread, 7)
	for i := range threads {
		th := testThread()
		th.ThreadID = "t" + string(rune('a'+i))
		threads[i] = th
	}

	results := s.SummarizeMany(context.Background(), threads, "")

	if len(results) != len(threads) {
		t.Fatalf("results = %d, want %d", len(results), len(threads))
	}
	for i, r := range results {
		if r == nil {
			t.Errorf("result %d is nil", i)
		}
	}
}

// =============================================================================
// Normalization
// =============================================================================

func TestNormalizeList(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{"json array", `["a","b"]`, []string{"a", "b"}},
		{"array with empties", `["a","","  "]`, []string{"a"}},
		{"newline string", `"one\ntwo"`, []string{"one", "two"}},
		{"bullet glyph string", `"one • two"`, []string{"one", "two"}},
		{"dash markers stripped", `"- one\n* two"`, []string{"one", "two"}},
		{"null", `null`, []string{}},
		{"number", `42`, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := normalizeList(json.RawMessage(tt.raw))
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("item %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestBuildNarrative(t *testing.T) {
	thread := testThread()
	got := buildNarrative(thread)

	if !contains(got, "Message #1") || !contains(got, "Message #2") {
		t.Errorf("narrative missing message markers:\n%s", got)
	}
	if !contains(got, "alice@co.com") {
		t.Errorf("narrative missing sender")
	}
	if !contains(got, "---") {
		t.Errorf("narrative missing divider")
	}
}

func TestMessageContent_StripsQuotedReply(t *testing.T) {
	msg := &domain.ThreadMessage{
		TextBody: "Sounds good to me.\n> original question\n> more quoting\nOn Mon, Aug 24, alice wrote: everything before",
	}
	got := messageContent(msg)

	if contains(got, "original question") {
		t.Errorf("quoted lines must be stripped, got %q", got)
	}
	if !contains(got, "Sounds good to me.") {
		t.Errorf("author text must survive, got %q", got)
	}
}

func TestMessageContent_HTMLFallback(t *testing.T) {
	msg := &domain.ThreadMessage{
		HTMLBody: "<div><p>Hello <b>world</b></p></div>",
	}
	got := messageContent(msg)

	if contains(got, "<") {
		t.Errorf("tags must be stripped, got %q", got)
	}
	if !contains(got, "Hello") || !contains(got, "world") {
		t.Errorf("text content must survive, got %q", got)
	}
}

func contains(s, sub string) bool {
	return strings.Contains(s, sub)
}

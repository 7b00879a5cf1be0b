package convstore

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentexec/execd/internal/domain"
)

// memKV is a hand-rolled in-memory KV for exercising Store without a real
// database.
type memKV struct {
	mu      sync.Mutex
	values  map[string][]byte
	updated map[string]time.Time
	failGet bool
	failSet bool
}

func newMemKV() *memKV {
	return &memKV{values: map[string][]byte{}, updated: map[string]time.Time{}}
}

func (m *memKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	if m.failGet {
		return nil, false, errors.New("memkv: get failed")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *memKV) Set(_ context.Context, key string, value []byte) error {
	if m.failSet {
		return errors.New("memkv: set failed")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	m.updated[key] = time.Now()
	return nil
}

func (m *memKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	delete(m.updated, key)
	return nil
}

func (m *memKV) DeleteOlderThan(_ context.Context, prefix string, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, t := range m.updated {
		if strings.HasPrefix(k, prefix) && t.Before(cutoff) {
			delete(m.values, k)
			delete(m.updated, k)
			n++
		}
	}
	return n, nil
}

func (m *memKV) Ping(context.Context) error { return nil }
func (m *memKV) Close() error               { return nil }

func TestGetOrCreateGeneratesAndReuses(t *testing.T) {
	kv := newMemKV()
	s := New(kv)
	ctx := context.Background()

	id1, err := s.GetOrCreate(ctx, domain.QueueAPI, "")
	if err != nil {
		t.Fatalf("getOrCreate: %v", err)
	}
	if id1 == "" {
		t.Fatal("expected non-empty conversation id")
	}

	id2, err := s.GetOrCreate(ctx, domain.QueueAPI, "")
	if err != nil {
		t.Fatalf("getOrCreate second call: %v", err)
	}
	if id2 != id1 {
		t.Fatalf("expected last[queueType] pointer reuse: got %s want %s", id2, id1)
	}
}

func TestGetOrCreateExplicitIDWins(t *testing.T) {
	kv := newMemKV()
	s := New(kv)
	ctx := context.Background()

	if err := s.Append(ctx, "explicit-1", domain.QueueAPI, domain.Message{Role: domain.RoleUser, Content: "hi"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	id, err := s.GetOrCreate(ctx, domain.QueueAPI, "explicit-1")
	if err != nil {
		t.Fatalf("getOrCreate: %v", err)
	}
	if id != "explicit-1" {
		t.Fatalf("expected explicit id to win, got %s", id)
	}
}

func TestForceNewOverwritesPointer(t *testing.T) {
	kv := newMemKV()
	s := New(kv)
	ctx := context.Background()

	first, _ := s.GetOrCreate(ctx, domain.QueueDefault, "")
	second, err := s.ForceNew(ctx, domain.QueueDefault)
	if err != nil {
		t.Fatalf("forceNew: %v", err)
	}
	if second == first {
		t.Fatal("expected forceNew to mint a different id")
	}

	third, _ := s.GetOrCreate(ctx, domain.QueueDefault, "")
	if third != second {
		t.Fatalf("expected pointer to now resolve to forced id: got %s want %s", third, second)
	}
}

func TestAppendAndLoad(t *testing.T) {
	kv := newMemKV()
	s := New(kv)
	ctx := context.Background()

	id, _ := s.GetOrCreate(ctx, domain.QueueAPI, "")
	if err := s.Append(ctx, id, domain.QueueAPI, domain.Message{Role: domain.RoleUser, Content: "hello"}); err != nil {
		t.Fatalf("append user: %v", err)
	}
	if err := s.Append(ctx, id, domain.QueueAPI, domain.Message{Role: domain.RoleAssistant, Content: "hi there"}); err != nil {
		t.Fatalf("append assistant: %v", err)
	}

	conv, err := s.Load(ctx, id)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if conv == nil || len(conv.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %+v", conv)
	}
}

func TestUnavailableStoreDegradesToStateless(t *testing.T) {
	kv := newMemKV()
	kv.failGet = true
	s := New(kv)
	ctx := context.Background()

	id, err := s.GetOrCreate(ctx, domain.QueueAPI, "explicit-missing")
	if err != nil {
		t.Fatalf("getOrCreate should not error on unavailable store: %v", err)
	}
	if id == "" {
		t.Fatal("expected a fresh uuid even when store unavailable")
	}
	if s.Available() {
		t.Fatal("expected store to be marked unavailable after failed Get")
	}
}

func TestSummarizeIfNeededReplacesMessages(t *testing.T) {
	kv := newMemKV()
	s := New(kv)
	ctx := context.Background()

	id, _ := s.GetOrCreate(ctx, domain.QueueAPI, "")
	for i := 0; i < 10; i++ {
		if err := s.Append(ctx, id, domain.QueueAPI, domain.Message{Role: domain.RoleUser, Content: "msg"}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	outcome, err := s.SummarizeIfNeeded(ctx, id, func(_ context.Context, messages []domain.Message) (string, error) {
		return "compact summary of prior turns", nil
	})
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if !outcome.Summarized {
		t.Fatalf("expected Summarized=true, got %+v", outcome)
	}

	conv, err := s.Load(ctx, id)
	if err != nil {
		t.Fatalf("load after summarize: %v", err)
	}
	if !conv.IsSummarized() {
		t.Fatal("expected conversation to report IsSummarized")
	}
	effective := conv.EffectiveMessages()
	if len(effective) != keepLastOnSummarize+1 {
		t.Fatalf("expected summary + %d tail messages, got %d", keepLastOnSummarize, len(effective))
	}
	if effective[0].Role != domain.RoleSystem || !strings.HasPrefix(effective[0].Content, domain.SummaryMarker) {
		t.Fatalf("expected first effective message to be the summary marker, got %+v", effective[0])
	}
}

func TestAppendAfterSummarizeExtendsSummarizedMessages(t *testing.T) {
	kv := newMemKV()
	s := New(kv)
	ctx := context.Background()

	id, _ := s.GetOrCreate(ctx, domain.QueueAPI, "")
	for i := 0; i < 10; i++ {
		if err := s.Append(ctx, id, domain.QueueAPI, domain.Message{Role: domain.RoleUser, Content: "msg"}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	if _, err := s.SummarizeIfNeeded(ctx, id, func(_ context.Context, _ []domain.Message) (string, error) {
		return "compact summary of prior turns", nil
	}); err != nil {
		t.Fatalf("summarize: %v", err)
	}

	if err := s.Append(ctx, id, domain.QueueAPI, domain.Message{Role: domain.RoleUser, Content: "new turn after summarization"}); err != nil {
		t.Fatalf("append after summarize: %v", err)
	}

	conv, err := s.Load(ctx, id)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	effective := conv.EffectiveMessages()
	last := effective[len(effective)-1]
	if last.Content != "new turn after summarization" {
		t.Fatalf("expected the post-summarization append to land in EffectiveMessages, got last=%+v (effective=%+v)", last, effective)
	}
	if effective[0].Role != domain.RoleSystem || !strings.HasPrefix(effective[0].Content, domain.SummaryMarker) {
		t.Fatalf("expected the summary marker to remain at index 0, got %+v", effective[0])
	}
	if len(conv.Messages) != 10 {
		t.Fatalf("expected the orphaned Messages array to stop growing once summarized, got %d", len(conv.Messages))
	}
}

func TestSummarizeIfNeededFailureMarksUnavailableAndLeavesOriginal(t *testing.T) {
	kv := newMemKV()
	s := New(kv)
	ctx := context.Background()

	id, _ := s.GetOrCreate(ctx, domain.QueueAPI, "")
	if err := s.Append(ctx, id, domain.QueueAPI, domain.Message{Role: domain.RoleUser, Content: "hi"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	outcome, err := s.SummarizeIfNeeded(ctx, id, func(_ context.Context, _ []domain.Message) (string, error) {
		return "", errors.New("summarizer unavailable")
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.Stateless {
		t.Fatalf("expected Stateless=true on summarizer failure, got %+v", outcome)
	}
	if s.Available() {
		t.Fatal("expected store marked unavailable after summarizer failure")
	}
}

func TestAgentConversationNamespaceIsIndependent(t *testing.T) {
	kv := newMemKV()
	s := New(kv)
	ctx := context.Background()

	convID, _ := s.GetOrCreate(ctx, domain.QueueAPI, "")
	agentID, _ := s.Agent().GetOrCreate(ctx, domain.QueueAPI, "")

	if convID == agentID {
		t.Fatal("expected independent conversation and agent-conversation ids")
	}

	if err := s.Agent().Append(ctx, agentID, domain.QueueAPI, domain.Message{Role: domain.RoleUser, Content: "agent turn"}); err != nil {
		t.Fatalf("agent append: %v", err)
	}
	conv, err := s.Load(ctx, agentID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if conv != nil {
		t.Fatal("expected regular namespace Load to not see agent-namespace conversation")
	}
}

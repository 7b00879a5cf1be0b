package convstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/agentexec/execd/internal/domain"
)

// keepLastOnSummarize is the number of most-recent messages kept verbatim
// alongside the compacted summary, per spec §4.2's summarizeIfNeeded.
const keepLastOnSummarize = 6

// Summarizer compresses a conversation's messages into one paragraph. The
// Execution Coordinator supplies the concrete implementation (a local
// heuristic that does not call the agent CLI); convstore only knows how to
// invoke it and store the result.
type Summarizer func(ctx context.Context, messages []domain.Message) (string, error)

// conversationNamespace distinguishes the regular conversation keyspace
// from the AgentConversation keyspace; both share the same KV backend and
// Store logic, just different key prefixes. The ttl field is not read:
// StartTTLSweep applies a single ttl to both namespaces.
type conversationNamespace struct {
	convPrefix string
	lastPrefix string
	ttl        time.Duration
}

var (
	conversationsNS = conversationNamespace{convPrefix: "conv:", lastPrefix: "lastConv:", ttl: 24 * time.Hour}
	agentConvNS      = conversationNamespace{convPrefix: "agentConv:", lastPrefix: "agentLastConv:", ttl: 24 * time.Hour}
)

// Store implements spec §4.2's Conversation Store against a KV backend,
// treating it as best-effort: I/O errors flip `available` off. GetOrCreate
// and ForceNew swallow the error and return a fresh UUID; Append and Load
// return it. Once unavailable, operations skip the KV backend (GetOrCreate
// generates a fresh UUID with no persistence attempt).
type Store struct {
	kv        KV
	available atomic.Bool
}

// New wraps kv. The store starts optimistically available; the first
// failed operation flips it off.
func New(kv KV) *Store {
	s := &Store{kv: kv}
	s.available.Store(true)
	return s
}

// KV exposes the backing store, primarily so callers can drive the
// StartTTLSweep background sweeper without Store needing to own the sweep
// goroutine itself.
func (s *Store) KV() KV {
	return s.kv
}

// Available reports whether the last KV operation succeeded.
func (s *Store) Available() bool {
	return s.available.Load()
}

func (s *Store) markResult(err error) error {
	s.available.Store(err == nil)
	return err
}

// GetOrCreate resolves a conversationId for queueType, per spec §4.2:
// explicitID wins if present and found; else the `last[queueType]`
// pointer; else a fresh UUID is generated and the pointer set. When the
// store is unavailable, it always generates a fresh UUID without touching
// the KV backend.
func (s *Store) GetOrCreate(ctx context.Context, queueType domain.QueueType, explicitID string) (string, error) {
	return s.getOrCreate(ctx, conversationsNS, queueType, explicitID)
}

func (s *Store) getOrCreate(ctx context.Context, ns conversationNamespace, queueType domain.QueueType, explicitID string) (string, error) {
	if !s.Available() {
		return uuid.NewString(), nil
	}

	if explicitID != "" {
		_, found, err := s.kv.Get(ctx, ns.convPrefix+explicitID)
		if err != nil {
			s.markResult(err)
			return uuid.NewString(), nil
		}
		if found {
			return explicitID, nil
		}
	}

	lastKey := ns.lastPrefix + string(queueType)
	if raw, found, err := s.kv.Get(ctx, lastKey); err != nil {
		s.markResult(err)
		return uuid.NewString(), nil
	} else if found {
		return string(raw), nil
	}

	id := uuid.NewString()
	if err := s.kv.Set(ctx, lastKey, []byte(id)); err != nil {
		s.markResult(err)
	}
	return id, nil
}

// ForceNew always generates a new conversationId and overwrites the
// `last[queueType]` pointer.
func (s *Store) ForceNew(ctx context.Context, queueType domain.QueueType) (string, error) {
	return s.forceNew(ctx, conversationsNS, queueType)
}

func (s *Store) forceNew(ctx context.Context, ns conversationNamespace, queueType domain.QueueType) (string, error) {
	id := uuid.NewString()
	if s.Available() {
		if err := s.kv.Set(ctx, ns.lastPrefix+string(queueType), []byte(id)); err != nil {
			s.markResult(err)
		}
	}
	return id, nil
}

// Append pushes message onto the conversation's history and refreshes its
// TTL (implemented as a fresh updated_at on every Set).
func (s *Store) Append(ctx context.Context, conversationID string, queueType domain.QueueType, message domain.Message) error {
	return s.append(ctx, conversationsNS, conversationID, queueType, message)
}

func (s *Store) append(ctx context.Context, ns conversationNamespace, conversationID string, queueType domain.QueueType, message domain.Message) error {
	if !s.Available() {
		return nil
	}

	conv, err := s.loadOrInit(ctx, ns, conversationID, queueType)
	if err != nil {
		return s.markResult(err)
	}
	if len(conv.SummarizedMessages) > 0 {
		conv.SummarizedMessages = append(conv.SummarizedMessages, message)
	} else {
		conv.Messages = append(conv.Messages, message)
	}
	conv.UpdatedAt = time.Now()

	return s.markResult(s.put(ctx, ns, conv))
}

func (s *Store) loadOrInit(ctx context.Context, ns conversationNamespace, conversationID string, queueType domain.QueueType) (*domain.Conversation, error) {
	conv, err := s.load(ctx, ns, conversationID)
	if err != nil {
		return nil, err
	}
	if conv != nil {
		return conv, nil
	}
	return &domain.Conversation{
		ID:        conversationID,
		QueueType: queueType,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}, nil
}

// Load returns the conversation, preferring its summarized form when
// present, or nil if the store is unavailable or the conversation does not
// exist.
func (s *Store) Load(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	return s.load(ctx, conversationsNS, conversationID)
}

func (s *Store) load(ctx context.Context, ns conversationNamespace, conversationID string) (*domain.Conversation, error) {
	if !s.Available() {
		return nil, nil
	}

	raw, found, err := s.kv.Get(ctx, ns.convPrefix+conversationID)
	if err != nil {
		s.markResult(err)
		return nil, err
	}
	if !found {
		return nil, nil
	}

	var conv domain.Conversation
	if err := json.Unmarshal(raw, &conv); err != nil {
		return nil, fmt.Errorf("convstore: decode conversation %s: %w", conversationID, err)
	}
	return &conv, nil
}

func (s *Store) put(ctx context.Context, ns conversationNamespace, conv *domain.Conversation) error {
	raw, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("convstore: encode conversation %s: %w", conv.ID, err)
	}
	return s.kv.Set(ctx, ns.convPrefix+conv.ID, raw)
}

// SummarizeOutcome reports what summarizeIfNeeded did, so the Execution
// Coordinator knows whether to retry with compacted context or fall back
// to the original error per spec §4.4 step 6.
type SummarizeOutcome struct {
	// Summarized is true if the conversation's messages were replaced with
	// a summary + trailing verbatim messages.
	Summarized bool
	// Stateless is true if summarization itself failed, in which case the
	// store has been marked unavailable and the coordinator should treat
	// this call as stateless and report the original CLI error.
	Stateless bool
}

// SummarizeIfNeeded implements spec §4.2's summarizeIfNeeded: compress
// `messages` via summarizer into `[{role:system, content:"[Conversation
// Summary] "+summary}, ...last K verbatim]`. On summarizer failure, marks
// the store unavailable, leaves the original messages untouched, and
// reports Stateless so the coordinator knows not to retry against a
// half-written store.
func (s *Store) SummarizeIfNeeded(ctx context.Context, conversationID string, summarizer Summarizer) (SummarizeOutcome, error) {
	conv, err := s.load(ctx, conversationsNS, conversationID)
	if err != nil || conv == nil {
		return SummarizeOutcome{Stateless: true}, err
	}

	effective := conv.EffectiveMessages()
	summary, err := summarizer(ctx, effective)
	if err != nil {
		s.available.Store(false)
		return SummarizeOutcome{Stateless: true}, nil
	}

	tail := effective
	if len(tail) > keepLastOnSummarize {
		tail = tail[len(tail)-keepLastOnSummarize:]
	}

	conv.SummarizedMessages = append([]domain.Message{{
		Role:      domain.RoleSystem,
		Content:   domain.SummaryMarker + summary,
		Timestamp: time.Now(),
	}}, tail...)
	conv.UpdatedAt = time.Now()

	if err := s.put(ctx, conversationsNS, conv); err != nil {
		s.markResult(err)
		return SummarizeOutcome{Stateless: true}, nil
	}
	return SummarizeOutcome{Summarized: true}, nil
}

// AgentConversation exposes the same operations through the independent
// `agentConv:`/`agentLastConv:` namespace, grounded on the teacher's
// agent_sessions table living alongside users with its own lifecycle.
type AgentConversation struct {
	store *Store
}

// Agent returns the AgentConversation view over the same backing KV.
func (s *Store) Agent() *AgentConversation {
	return &AgentConversation{store: s}
}

func (a *AgentConversation) GetOrCreate(ctx context.Context, queueType domain.QueueType, explicitID string) (string, error) {
	return a.store.getOrCreate(ctx, agentConvNS, queueType, explicitID)
}

func (a *AgentConversation) ForceNew(ctx context.Context, queueType domain.QueueType) (string, error) {
	return a.store.forceNew(ctx, agentConvNS, queueType)
}

func (a *AgentConversation) Append(ctx context.Context, conversationID string, queueType domain.QueueType, message domain.Message) error {
	return a.store.append(ctx, agentConvNS, conversationID, queueType, message)
}

func (a *AgentConversation) Load(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	return a.store.load(ctx, agentConvNS, conversationID)
}

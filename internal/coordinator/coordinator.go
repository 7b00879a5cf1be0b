// Package coordinator implements the Execution Coordinator: the component
// that resolves conversations, builds agent-CLI prompts, invokes the CLI
// Runner, persists history, retries once on context-window overflow, and
// shapes the sync/async response per the execution core's external
// interface contract.
package coordinator

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/yuin/goldmark"

	"github.com/agentexec/execd/internal/clirunner"
	"github.com/agentexec/execd/internal/convstore"
	"github.com/agentexec/execd/internal/domain"
	"github.com/agentexec/execd/internal/execerr"
	"github.com/agentexec/execd/internal/queueroutes"
)

type outputSinkKey struct{}

// WithOutputSink attaches a live-output sink to ctx; invoke forwards it to
// the CLI Runner invocation so a caller (typically the HTTP layer's
// websocket live-tail endpoint) can observe stdout/stderr chunks as they
// arrive instead of waiting for the full result.
func WithOutputSink(ctx context.Context, sink func(stream string, chunk []byte)) context.Context {
	return context.WithValue(ctx, outputSinkKey{}, sink)
}

func outputSinkFromContext(ctx context.Context) func(stream string, chunk []byte) {
	sink, _ := ctx.Value(outputSinkKey{}).(func(stream string, chunk []byte))
	return sink
}

// CLIRunner is the subset of clirunner.Runner the Coordinator needs; kept
// as an interface so tests can inject a fake.
type CLIRunner interface {
	Run(ctx context.Context, inv clirunner.Invocation) (*domain.ExecutionResult, error)
	QueueStatus() domain.QueueStatus
}

// ConversationStore is the subset of convstore.Store the Coordinator
// needs.
type ConversationStore interface {
	GetOrCreate(ctx context.Context, queueType domain.QueueType, explicitID string) (string, error)
	ForceNew(ctx context.Context, queueType domain.QueueType) (string, error)
	Append(ctx context.Context, conversationID string, queueType domain.QueueType, message domain.Message) error
	Load(ctx context.Context, conversationID string) (*domain.Conversation, error)
	SummarizeIfNeeded(ctx context.Context, conversationID string, summarizer convstore.Summarizer) (convstore.SummarizeOutcome, error)
	Available() bool
}

// Dispatcher is the subset of callback.Dispatcher the Coordinator needs.
type Dispatcher interface {
	Dispatch(url string, payload any, requestID string)
}

// Config holds the Coordinator's tunables, sourced from the environment
// contract in spec §6.
type Config struct {
	CLIPath              string
	BaseEnv              []string
	RepositoriesRoot     string
	SystemInstructions   string
	ContextWindowMarkers []string
	LastNMessages        int
	CallbackBaseURL      string
	// Routes optionally overrides CLIPath/SystemInstructions per queue type.
	// Nil/empty means every queue uses the defaults above.
	Routes queueroutes.Table
}

// Coordinator implements spec §4.4.
type Coordinator struct {
	cfg        Config
	runner     CLIRunner
	store      ConversationStore
	dispatcher Dispatcher
	logger     *slog.Logger
}

// New creates a Coordinator.
func New(cfg Config, runner CLIRunner, store ConversationStore, dispatcher Dispatcher, logger *slog.Logger) *Coordinator {
	if cfg.LastNMessages <= 0 {
		cfg.LastNMessages = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{cfg: cfg, runner: runner, store: store, dispatcher: dispatcher, logger: logger}
}

// Execute implements spec §4.4 steps 1-7 for the synchronous path:
// resolve conversation, run the CLI once, retry at most once on a
// context-window marker, persist history, and shape the result.
func (c *Coordinator) Execute(ctx context.Context, req domain.Request) (status int, result *domain.ExecutionResult, err error) {
	if verr := req.Validate(); verr != nil {
		return execerr.StatusCode(verr), nil, verr
	}

	convID, queueType, err := c.ResolveConversation(ctx, req)
	if err != nil {
		return execerr.StatusCode(err), nil, err
	}

	result, err = c.invoke(ctx, req, convID, queueType)
	result, err = c.maybeSummarizeAndRetry(ctx, req, convID, queueType, result, err)
	c.persistTurn(ctx, convID, queueType, req, result)

	result.RequestID = req.RequestID
	return statusFor(result, err), result, err
}

// ResolveConversation implements spec §4.4 step 1-2.
func (c *Coordinator) ResolveConversation(ctx context.Context, req domain.Request) (string, domain.QueueType, error) {
	queueType := domain.ResolveQueueType(req.RequestID, req.QueueType)
	convID, err := c.store.GetOrCreate(ctx, queueType, req.ConversationID)
	if err != nil {
		return "", "", execerr.Wrap(execerr.KindStoreUnavailable, "resolve conversation", err)
	}
	return convID, queueType, nil
}

// invoke implements spec §4.4 steps 3-4: load prior context, build the
// invocation, and call the CLI Runner. It does not persist anything —
// callers (Execute, via maybeSummarizeAndRetry) may call this more than
// once for a single logical request, and persistence happens exactly once
// after the retry decision is final, in persistTurn.
func (c *Coordinator) invoke(ctx context.Context, req domain.Request, convID string, queueType domain.QueueType) (*domain.ExecutionResult, error) {
	conv, loadErr := c.store.Load(ctx, convID)
	if loadErr != nil {
		c.logger.Warn("coordinator: load conversation failed, continuing stateless", "conversation_id", convID, "error", loadErr)
	}

	cliPath, systemInstructions := c.cfg.Routes.Resolve(queueType, c.cfg.CLIPath, c.cfg.SystemInstructions)

	inv := clirunner.Invocation{
		Command:    append([]string{cliPath}, c.formatPrompt(conv, req, systemInstructions)...),
		Env:        c.buildEnv(req),
		WorkingDir: c.workingDir(req),
		OutputSink: outputSinkFromContext(ctx),
	}

	result, runErr := c.runner.Run(ctx, inv)
	if result == nil {
		result = &domain.ExecutionResult{Command: inv.Command, Timestamp: time.Now()}
	}
	result.Repository = req.Repository
	result.Branch = req.Branch
	result.StdoutHTML = renderMarkdown(result.Stdout)

	return result, runErr
}

// persistTurn appends exactly one user/assistant message pair for a
// logical request, regardless of whether invoke ran once or twice (a
// context-window retry per maybeSummarizeAndRetry counts as the same
// request per spec §4.4 step 6), and regardless of CLI outcome.
func (c *Coordinator) persistTurn(ctx context.Context, convID string, queueType domain.QueueType, req domain.Request, result *domain.ExecutionResult) {
	now := time.Now()
	if appendErr := c.store.Append(ctx, convID, queueType, domain.Message{Role: domain.RoleUser, Content: req.Prompt, Timestamp: now}); appendErr != nil {
		c.logger.Warn("coordinator: append user message failed", "conversation_id", convID, "error", appendErr)
	}
	if appendErr := c.store.Append(ctx, convID, queueType, domain.Message{Role: domain.RoleAssistant, Content: result.AssistantContent(), Timestamp: time.Now()}); appendErr != nil {
		c.logger.Warn("coordinator: append assistant message failed", "conversation_id", convID, "error", appendErr)
	}
}

// maybeSummarizeAndRetry implements spec §4.4 step 6: on a context-window
// marker in the combined output, summarize and retry the CLI call at most
// once with the compacted context.
func (c *Coordinator) maybeSummarizeAndRetry(ctx context.Context, req domain.Request, convID string, queueType domain.QueueType, result *domain.ExecutionResult, err error) (*domain.ExecutionResult, error) {
	if result == nil || !c.containsContextWindowMarker(result.CombinedOutput()) {
		return result, err
	}

	outcome, sumErr := c.store.SummarizeIfNeeded(ctx, convID, c.summarize)
	if sumErr != nil || !outcome.Summarized {
		// Summarization failed or was a no-op: report the original error,
		// per spec §4.4 step 6's "if summarization fails, continue".
		return result, err
	}

	retried, retryErr := c.invoke(ctx, req, convID, queueType)
	return retried, retryErr
}

// summarize is the default Summarizer: a local, CLI-free compression of
// the message list into one paragraph. maybeSummarizeAndRetry always passes
// this function to the store; Config has no option to substitute another
// convstore.Summarizer.
func (c *Coordinator) summarize(_ context.Context, messages []domain.Message) (string, error) {
	if len(messages) == 0 {
		return "", fmt.Errorf("coordinator: no messages to summarize")
	}
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Prior conversation of %d messages condensed: ", len(messages)))
	for i, m := range messages {
		if i > 0 {
			b.WriteString(" ")
		}
		content := m.Content
		if len(content) > 120 {
			content = content[:120] + "…"
		}
		b.WriteString(fmt.Sprintf("[%s] %s", m.Role, content))
	}
	return b.String(), nil
}

func (c *Coordinator) containsContextWindowMarker(output string) bool {
	lower := strings.ToLower(output)
	for _, marker := range c.cfg.ContextWindowMarkers {
		if marker != "" && strings.Contains(lower, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}

// formatPrompt implements spec §4.4's prompt construction contract:
// [summary?] + last-N-messages + current user prompt, with the repository
// working-directory declaration prepended whenever repository is set.
func (c *Coordinator) formatPrompt(conv *domain.Conversation, req domain.Request, systemInstructions string) []string {
	var parts []string

	if systemInstructions != "" {
		parts = append(parts, systemInstructions)
	}
	if req.Repository != "" {
		parts = append(parts, fmt.Sprintf("Working directory: %s", c.workingDir(req)))
	}

	if conv != nil {
		for _, m := range trailingMessages(conv.EffectiveMessages(), c.cfg.LastNMessages) {
			parts = append(parts, fmt.Sprintf("%s: %s", m.Role, m.Content))
		}
	}

	parts = append(parts, req.Prompt)
	return parts
}

func trailingMessages(messages []domain.Message, n int) []domain.Message {
	if len(messages) <= n {
		return messages
	}
	return messages[len(messages)-n:]
}

func (c *Coordinator) buildEnv(req domain.Request) []string {
	env := make([]string, len(c.cfg.BaseEnv))
	copy(env, c.cfg.BaseEnv)
	if req.ConversationID != "" {
		env = append(env, "AGENT_CONVERSATION_ID="+req.ConversationID)
	}
	return env
}

func (c *Coordinator) workingDir(req domain.Request) string {
	if req.Repository == "" {
		return c.cfg.RepositoriesRoot
	}
	return filepath.Join(c.cfg.RepositoriesRoot, req.Repository)
}

// renderMarkdown converts agent-CLI stdout (commonly markdown-formatted
// status reports) to HTML for display-oriented callers. A render failure
// degrades to no HTML rather than blocking the response.
func renderMarkdown(stdout string) string {
	if stdout == "" {
		return ""
	}
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(stdout), &buf); err != nil {
		return ""
	}
	return buf.String()
}

func statusFor(result *domain.ExecutionResult, err error) int {
	if err == nil {
		return 200
	}
	return execerr.StatusCode(err)
}

// NewConversation implements the `newConversation` operation: always mints
// a fresh conversationId and overwrites the last[queueType] pointer.
func (c *Coordinator) NewConversation(ctx context.Context, queueType domain.QueueType) (string, error) {
	id, err := c.store.ForceNew(ctx, queueType)
	if err != nil {
		return "", execerr.Wrap(execerr.KindStoreUnavailable, "force new conversation", err)
	}
	return id, nil
}

// DispatchResult posts result to url via the configured Dispatcher. Exposed
// so callers outside this package (the Iteration Loop's async path) can
// reuse the same fire-and-forget callback mechanism as Execute's async
// path.
func (c *Coordinator) DispatchResult(url string, result *domain.ExecutionResult, requestID string) {
	c.dispatcher.Dispatch(url, result, requestID)
}

// QueueStatus implements the `queueStatus` operation.
func (c *Coordinator) QueueStatus() domain.QueueStatus {
	return c.runner.QueueStatus()
}

// ResolveCallbackURL returns the callback URL to use for an async request:
// the explicit one if set, otherwise one synthesized from CallbackBaseURL,
// otherwise "" (no usable callback).
func (c *Coordinator) ResolveCallbackURL(req domain.Request) string {
	if req.Callback != "" {
		return req.Callback
	}
	if c.cfg.CallbackBaseURL == "" {
		return ""
	}
	return strings.TrimSuffix(c.cfg.CallbackBaseURL, "/") + "/" + req.RequestID
}

// ExecuteAsync implements spec §4.4 step 8 and §6's executeAsync contract:
// accept immediately if a usable callback URL exists, then run the full
// pipeline on a detached goroutine and dispatch the result. Panics inside
// the goroutine are recovered and logged, never crashing the process, per
// spec §9.
func (c *Coordinator) ExecuteAsync(ctx context.Context, req domain.Request) (status int, accepted map[string]any, callbackURL string) {
	if verr := req.Validate(); verr != nil {
		return execerr.StatusCode(verr), nil, ""
	}

	callbackURL = c.ResolveCallbackURL(req)
	if callbackURL == "" {
		return 400, nil, ""
	}

	go c.runAsync(req, callbackURL)

	return 200, map[string]any{
		"accepted":  true,
		"requestId": req.RequestID,
		"timestamp": time.Now(),
	}, callbackURL
}

func (c *Coordinator) runAsync(req domain.Request, callbackURL string) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("coordinator: panic in async execution", "request_id", req.RequestID, "panic", r)
		}
	}()

	ctx := context.Background()
	_, result, err := c.Execute(ctx, req)
	if result == nil {
		result = &domain.ExecutionResult{RequestID: req.RequestID, Timestamp: time.Now()}
	}
	if err != nil && result.ErrorMessage == "" {
		result.ErrorMessage = execerr.Sanitized(err)
	}

	c.dispatcher.Dispatch(callbackURL, result, req.RequestID)
}

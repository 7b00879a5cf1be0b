// Package httpapi exposes the execution core's six operations
// (executeSync, executeAsync, iterateSync, iterateAsync, newConversation,
// queueStatus) over HTTP, plus a live-tail websocket endpoint and a health
// check, wiring chi the way the teacher's internal/api package does.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/agentexec/execd/internal/coordinator"
	"github.com/agentexec/execd/internal/domain"
	"github.com/agentexec/execd/internal/execerr"
	"github.com/agentexec/execd/internal/iterloop"
)

// Handler holds the execution core's dependencies for the HTTP layer.
type Handler struct {
	coord  *coordinator.Coordinator
	loop   *iterloop.Loop
	logger *slog.Logger
}

// New creates a Handler.
func New(coord *coordinator.Coordinator, loop *iterloop.Loop, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{coord: coord, loop: loop, logger: logger}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// RegisterRoutes wires the execution core's operations onto r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Post("/execute", h.ExecuteSync)
		r.Post("/execute/async", h.ExecuteAsync)
		r.Post("/iterate", h.IterateSync)
		r.Post("/iterate/async", h.IterateAsync)
		r.Post("/conversations", h.NewConversation)
		r.Get("/queue-status", h.QueueStatus)
		r.Get("/exec/{requestId}/tail", h.LiveTail)
	})
}

// wireRequest is the JSON wire shape accepted by execute/iterate endpoints.
type wireRequest struct {
	RequestID      string `json:"requestId"`
	Repository     string `json:"repository"`
	Branch         string `json:"branch"`
	Prompt         string `json:"prompt"`
	Callback       string `json:"callback"`
	ConversationID string `json:"conversationId"`
	QueueType      string `json:"queueType"`
	MaxIterations  int    `json:"maxIterations"`
}

func decodeRequest(r *http.Request) (domain.Request, error) {
	var wire wireRequest
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		return domain.Request{}, execerr.Wrap(execerr.KindValidation, "invalid json body", err)
	}
	if wire.RequestID == "" {
		wire.RequestID = uuid.NewString()
	}
	return domain.Request{
		RequestID:      wire.RequestID,
		Repository:     wire.Repository,
		Branch:         wire.Branch,
		Prompt:         wire.Prompt,
		Callback:       wire.Callback,
		ConversationID: wire.ConversationID,
		QueueType:      domain.QueueType(wire.QueueType),
		MaxIterations:  wire.MaxIterations,
	}, nil
}

func writeResult(w http.ResponseWriter, status int, result *domain.ExecutionResult, err error) {
	if result == nil {
		Error(w, status, execerr.Sanitized(err))
		return
	}
	if err != nil && result.ErrorMessage == "" {
		result.ErrorMessage = execerr.Sanitized(err)
	}
	JSON(w, status, result)
}

// ExecuteSync implements the executeSync operation.
func (h *Handler) ExecuteSync(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		Error(w, execerr.StatusCode(err), execerr.Sanitized(err))
		return
	}
	status, result, err := h.coord.Execute(r.Context(), req)
	writeResult(w, status, result, err)
}

// ExecuteAsync implements the executeAsync operation.
func (h *Handler) ExecuteAsync(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		Error(w, execerr.StatusCode(err), execerr.Sanitized(err))
		return
	}
	status, accepted, callbackURL := h.coord.ExecuteAsync(r.Context(), req)
	if callbackURL == "" {
		Error(w, status, "callback required for async execution")
		return
	}
	JSON(w, status, accepted)
}

// IterateSync implements the iterateSync operation.
func (h *Handler) IterateSync(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		Error(w, execerr.StatusCode(err), execerr.Sanitized(err))
		return
	}
	if verr := req.Validate(); verr != nil {
		Error(w, execerr.StatusCode(verr), execerr.Sanitized(verr))
		return
	}
	result, err := h.loop.Iterate(r.Context(), req)
	status := 200
	if err != nil {
		status = execerr.StatusCode(err)
	}
	writeResult(w, status, result, err)
}

// IterateAsync implements the iterateAsync operation: the same acceptance
// contract as executeAsync, with the iteration loop run in the background
// and the final ExecutionResult dispatched to the callback.
func (h *Handler) IterateAsync(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		Error(w, execerr.StatusCode(err), execerr.Sanitized(err))
		return
	}
	if verr := req.Validate(); verr != nil {
		Error(w, execerr.StatusCode(verr), execerr.Sanitized(verr))
		return
	}

	callbackURL := h.coord.ResolveCallbackURL(req)
	if callbackURL == "" {
		Error(w, 400, "callback required for async iteration")
		return
	}

	go h.runIterateAsync(req, callbackURL)

	JSON(w, 200, map[string]any{
		"accepted":  true,
		"requestId": req.RequestID,
		"timestamp": time.Now(),
	})
}

func (h *Handler) runIterateAsync(req domain.Request, callbackURL string) {
	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Error("httpapi: panic in async iteration", "request_id", req.RequestID, "panic", rec)
		}
	}()

	result, err := h.loop.Iterate(context.Background(), req)
	if result == nil {
		result = &domain.ExecutionResult{RequestID: req.RequestID, Timestamp: time.Now()}
	}
	if err != nil && result.ErrorMessage == "" {
		result.ErrorMessage = execerr.Sanitized(err)
	}
	h.coord.DispatchResult(callbackURL, result, req.RequestID)
}

// NewConversation implements the newConversation operation.
func (h *Handler) NewConversation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		QueueType string `json:"queueType"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		Error(w, 400, "invalid json body")
		return
	}
	queueType := domain.QueueType(strings.TrimSpace(body.QueueType))
	if queueType == "" {
		queueType = domain.QueueDefault
	}

	id, err := h.coord.NewConversation(r.Context(), queueType)
	if err != nil {
		Error(w, execerr.StatusCode(err), execerr.Sanitized(err))
		return
	}
	JSON(w, 200, map[string]any{"conversationId": id, "queueType": queueType})
}

// QueueStatus implements the queueStatus operation.
func (h *Handler) QueueStatus(w http.ResponseWriter, r *http.Request) {
	JSON(w, 200, h.coord.QueueStatus())
}

// Health is a liveness probe.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	JSON(w, 200, map[string]string{"status": "ok"})
}

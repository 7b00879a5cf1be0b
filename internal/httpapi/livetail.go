package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/agentexec/execd/internal/coordinator"
	"github.com/agentexec/execd/internal/domain"
	"github.com/agentexec/execd/internal/execerr"
)

// tailMessage is one frame sent over the live-tail websocket.
type tailMessage struct {
	Type   string `json:"type"` // "chunk" | "result" | "error"
	Stream string `json:"stream,omitempty"`
	Data   string `json:"data,omitempty"`
	Result any    `json:"result,omitempty"`
}

// LiveTail runs executeSync for the request's requestId path parameter
// while streaming stdout/stderr chunks to the caller over a websocket,
// closing the connection once the final ExecutionResult has been sent.
// Grounded on the teacher's terminal.WebSocketHandler's conn-as-io.Writer
// pattern, adapted from an interactive PTY feed to a one-shot output tail.
func (h *Handler) LiveTail(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestId")

	var wire wireRequest
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		Error(w, 400, "invalid json body")
		return
	}
	wire.RequestID = requestID
	req := domain.Request{
		RequestID:      wire.RequestID,
		Repository:     wire.Repository,
		Branch:         wire.Branch,
		Prompt:         wire.Prompt,
		ConversationID: wire.ConversationID,
		QueueType:      domain.QueueType(wire.QueueType),
	}
	if verr := req.Validate(); verr != nil {
		Error(w, execerr.StatusCode(verr), execerr.Sanitized(verr))
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("httpapi: websocket accept failed", "request_id", requestID, "error", err)
		return
	}
	defer conn.CloseNow()

	ctx := coordinator.WithOutputSink(r.Context(), func(stream string, chunk []byte) {
		h.writeTailFrame(r.Context(), conn, tailMessage{Type: "chunk", Stream: stream, Data: string(chunk)})
	})

	status, result, execErr := h.coord.Execute(ctx, req)
	if execErr != nil && result == nil {
		h.writeTailFrame(r.Context(), conn, tailMessage{Type: "error", Data: execerr.Sanitized(execErr)})
		conn.Close(websocket.StatusNormalClosure, "execution failed")
		return
	}

	h.writeTailFrame(r.Context(), conn, tailMessage{Type: "result", Result: result})
	_ = status
	conn.Close(websocket.StatusNormalClosure, "done")
}

func (h *Handler) writeTailFrame(ctx context.Context, conn *websocket.Conn, msg tailMessage) {
	body, err := json.Marshal(msg)
	if err != nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, body); err != nil {
		slog.Debug("httpapi: live-tail write failed", "error", err)
	}
}

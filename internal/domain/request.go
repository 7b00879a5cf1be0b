// Package domain contains the core data model of the execution core:
// requests, conversations, and execution results.
package domain

import (
	"strings"

	"github.com/agentexec/execd/internal/execerr"
)

// QueueType tags a request with an independent "last conversation" slot.
type QueueType string

const (
	QueueTelegram QueueType = "telegram"
	QueueAPI      QueueType = "api"
	QueueDefault  QueueType = "default"
)

// DefaultMaxIterations is used when a request omits MaxIterations for an
// iterate operation.
const DefaultMaxIterations = 5

// Request is an incoming execution request.
type Request struct {
	RequestID      string
	Repository     string
	Branch         string
	Prompt         string
	Callback       string
	ConversationID string
	QueueType      QueueType
	MaxIterations  int
}

// ResolveQueueType implements the split-once-on-"-" contract: if the left
// side of the first "-" matches a known tag, that is the queue type,
// otherwise it is QueueDefault. An explicit QueueType on the request always
// wins over the requestId-derived one.
func ResolveQueueType(requestID string, explicit QueueType) QueueType {
	if explicit != "" {
		return explicit
	}
	prefix, _, found := strings.Cut(requestID, "-")
	if !found {
		return QueueDefault
	}
	switch QueueType(prefix) {
	case QueueTelegram, QueueAPI:
		return QueueType(prefix)
	default:
		return QueueDefault
	}
}

// Validate checks the minimal shape every request must satisfy before it
// reaches the coordinator.
func (r *Request) Validate() error {
	if strings.TrimSpace(r.Prompt) == "" {
		return execerr.New(execerr.KindValidation, "prompt is required")
	}
	if r.MaxIterations < 0 {
		return execerr.New(execerr.KindValidation, "maxIterations must be >= 1")
	}
	return nil
}

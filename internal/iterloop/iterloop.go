// Package iterloop implements the Iteration Loop: repeated Execution
// Coordinator calls against the same conversation, with partial-output-
// continues semantics on mid-loop CLI failure and early stop on a
// configured completion marker.
package iterloop

import (
	"context"
	"log/slog"
	"runtime"
	"strings"

	"github.com/agentexec/execd/internal/domain"
)

// Executor is the subset of coordinator.Coordinator the loop needs.
type Executor interface {
	Execute(ctx context.Context, req domain.Request) (status int, result *domain.ExecutionResult, err error)
}

// Config configures early-stop detection.
type Config struct {
	// DoneMarkers: a substring match against the combined CLI output of an
	// iteration that succeeded marks the loop complete before MaxIterations
	// is reached.
	DoneMarkers []string
	// TerminalExitCodes: an iteration's exit code in this set is also
	// treated as a completion signal. Like DoneMarkers, it is only checked
	// for an iteration whose Execute call returned no error; an iteration
	// that failed (including a non-zero exit reported as a CLI failure) is
	// handled by the partial-output rule instead.
	TerminalExitCodes []int
}

// Loop implements spec §4.5.
type Loop struct {
	executor Executor
	cfg      Config
	logger   *slog.Logger
}

// New creates a Loop.
func New(executor Executor, cfg Config, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{executor: executor, cfg: cfg, logger: logger}
}

// Iterate runs the Coordinator up to req.MaxIterations times (or
// domain.DefaultMaxIterations if unset) against the same conversation,
// implementing spec §4.5's partial-output-continues / no-output-terminates
// semantics and the iterations/maxIterations bookkeeping on the final
// result.
func (l *Loop) Iterate(ctx context.Context, req domain.Request) (*domain.ExecutionResult, error) {
	maxIter := req.MaxIterations
	if maxIter <= 0 {
		maxIter = domain.DefaultMaxIterations
	}

	var result *domain.ExecutionResult
	var lastErr error

	for i := 1; i <= maxIter; i++ {
		before := sampleMemory()
		_, stepResult, err := l.executor.Execute(ctx, req)
		after := sampleMemory()
		l.logger.Info("iterloop: iteration complete",
			"request_id", req.RequestID, "iteration", i, "max_iterations", maxIter,
			"heap_alloc_before", before.HeapAlloc, "heap_alloc_after", after.HeapAlloc,
			"heap_alloc_delta", int64(after.HeapAlloc)-int64(before.HeapAlloc))

		if stepResult == nil {
			stepResult = &domain.ExecutionResult{RequestID: req.RequestID}
		}
		result = stepResult
		lastErr = err

		if err != nil {
			if strings.TrimSpace(stepResult.CombinedOutput()) == "" {
				l.logger.Warn("iterloop: terminating, iteration produced no partial output",
					"request_id", req.RequestID, "iteration", i, "error", err)
				result.Iterations = i
				result.MaxIterations = maxIter
				result.Success = false
				return result, err
			}
			l.logger.Info("iterloop: iteration failed with partial output, continuing",
				"request_id", req.RequestID, "iteration", i, "error", err)
			continue
		}

		if l.isDone(stepResult) {
			result.Iterations = i
			result.MaxIterations = maxIter
			result.Success = true
			return result, nil
		}
	}

	result.Iterations = maxIter
	result.MaxIterations = maxIter
	result.Success = lastErr == nil
	return result, lastErr
}

func (l *Loop) isDone(result *domain.ExecutionResult) bool {
	for _, code := range l.cfg.TerminalExitCodes {
		if result.ExitCode == code {
			return true
		}
	}
	output := strings.ToLower(result.CombinedOutput())
	for _, marker := range l.cfg.DoneMarkers {
		if marker != "" && strings.Contains(output, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}

func sampleMemory() runtime.MemStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m
}

// Package clirunner spawns and supervises agent-CLI subprocess invocations
// under a concurrency semaphore, a three-tier timeout model, and an output
// byte cap, per the execution core's CLI Runner component.
package clirunner

import (
	"context"
	"io"
	"time"
)

// Config holds the tunables for a Runner, one set per deployment (not per
// call) - mirrors the teacher's pattern of a single env-derived Config
// struct injected at construction time.
type Config struct {
	MaxConcurrent   int
	MainTimeout     time.Duration
	IdleTimeout     time.Duration
	SafetySlack     time.Duration
	MaxOutputBytes  int64
}

// DefaultConfig returns the defaults named in the execution core's
// environment contract.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:  3,
		MainTimeout:    300 * time.Second,
		IdleTimeout:    60 * time.Second,
		SafetySlack:    5 * time.Second,
		MaxOutputBytes: 10 * 1024 * 1024,
	}
}

// Invocation describes one agent-CLI call.
type Invocation struct {
	Command    []string
	Env        []string
	WorkingDir string
	// Timeout overrides Config.MainTimeout for this call when non-zero.
	Timeout time.Duration
	// OutputSink, when non-nil, is called with each chunk read from stdout
	// or stderr as it arrives, in addition to the buffered output returned
	// on completion. Used by the HTTP layer's live-tail endpoint; must
	// return quickly since it is called from the reader goroutine.
	OutputSink func(stream string, chunk []byte)
}

// Result is what a Backend reports back to the Runner once the child exits
// or is killed; the Runner turns this into a domain.ExecutionResult.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Err      error // not set by Runner: spawn failures are returned by Run as errors, exit errors are carried via ExitCode
}

// spawnedProcess is what a Backend.Spawn returns: a running child whose
// output the Runner reads concurrently and whose lifetime the Runner
// controls via Wait/Kill.
type spawnedProcess interface {
	// Stdout and Stderr are read until EOF or the Runner stops reading.
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the process exits and returns its exit code.
	Wait() (exitCode int, err error)
	// Kill sends a graceful termination signal, then force-kills after
	// grace if the process has not exited.
	Kill(grace time.Duration)
	// UsedPTY reports whether this process was spawned with a pseudo-
	// terminal attached (used only for logging which path was taken).
	UsedPTY() bool
}

// Backend creates the underlying child process for an Invocation. The three
// implementations are SubprocessBackend (host os/exec), DockerBackend
// (exec inside an existing container, with genuine PTY semantics) and
// GrpcBackend (a unary call to a long-lived agent-CLI sidecar).
type Backend interface {
	Spawn(ctx context.Context, inv Invocation) (spawnedProcess, error)
}

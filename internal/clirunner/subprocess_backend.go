package clirunner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"time"
)

// SubprocessBackend spawns the agent CLI as a host child process via
// os/exec. It attempts a PTY-capable spawn first and falls back to a plain
// pipe spawn on failure, logging which path was used - per spec §4.1's
// spawn-mode contract. This build target has no PTY allocator available in
// the dependency set (see SPEC_FULL.md §4.1), so spawnPTY always reports
// unavailable; the fallback path is what actually runs, and is fully
// spec-compliant for timeouts, caps, and semaphore handling. Deployments
// that need a genuine PTY (host-key confirmation prompts, interactive TUIs)
// should set CLI_BACKEND=docker to use DockerBackend instead, which
// execs with a real TTY attached.
type SubprocessBackend struct {
	loggedFallback bool
}

// NewSubprocessBackend creates a host-subprocess backend.
func NewSubprocessBackend() *SubprocessBackend {
	return &SubprocessBackend{}
}

func (b *SubprocessBackend) Spawn(ctx context.Context, inv Invocation) (spawnedProcess, error) {
	if len(inv.Command) == 0 {
		return nil, errors.New("clirunner: empty command")
	}

	if proc, err := b.spawnPTY(ctx, inv); err == nil {
		return proc, nil
	} else if !b.loggedFallback {
		slog.Info("pty spawn unavailable, using pipe spawn", "error", err)
		b.loggedFallback = true
	}

	return b.spawnPipe(ctx, inv)
}

// spawnPTY always fails on this backend; see type doc.
func (b *SubprocessBackend) spawnPTY(_ context.Context, _ Invocation) (spawnedProcess, error) {
	return nil, errors.New("pty allocation not available in this build")
}

func (b *SubprocessBackend) spawnPipe(ctx context.Context, inv Invocation) (spawnedProcess, error) {
	//nolint:gosec // command is operator-configured (CLI_PATH) plus coordinator-built args, not raw user shell input.
	cmd := exec.CommandContext(ctx, inv.Command[0], inv.Command[1:]...)
	cmd.Dir = inv.WorkingDir
	cmd.Env = inv.Env

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	return &pipeProcess{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

type pipeProcess struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser
}

func (p *pipeProcess) Stdout() io.Reader { return p.stdout }
func (p *pipeProcess) Stderr() io.Reader { return p.stderr }
func (p *pipeProcess) UsedPTY() bool     { return false }

func (p *pipeProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

func (p *pipeProcess) Kill(grace time.Duration) {
	if p.cmd.Process == nil {
		return
	}
	_ = p.cmd.Process.Signal(interruptSignal())

	done := make(chan struct{})
	go func() {
		_, _ = p.cmd.Process.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		_ = p.cmd.Process.Kill()
	}
}

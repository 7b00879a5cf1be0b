package clirunner

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/agentexec/execd/internal/execerr"
)

// fakeProcess is a hand-rolled spawnedProcess for exercising the Runner
// without spawning anything real.
type fakeProcess struct {
	stdout   io.Reader
	stderr   io.Reader
	exitCode int
	waitErr  error
	waitCh   chan struct{}

	killed     bool
	killedChan chan struct{}
}

func newFakeProcess(stdout, stderr string, exitCode int) *fakeProcess {
	return &fakeProcess{
		stdout:     bytes.NewBufferString(stdout),
		stderr:     bytes.NewBufferString(stderr),
		exitCode:   exitCode,
		waitCh:     make(chan struct{}),
		killedChan: make(chan struct{}, 1),
	}
}

func (p *fakeProcess) Stdout() io.Reader  { return p.stdout }
func (p *fakeProcess) Stderr() io.Reader  { return p.stderr }
func (p *fakeProcess) UsedPTY() bool      { return false }

func (p *fakeProcess) Wait() (int, error) {
	<-p.waitCh
	return p.exitCode, p.waitErr
}

func (p *fakeProcess) Kill(_ time.Duration) {
	p.killed = true
	select {
	case p.killedChan <- struct{}{}:
	default:
	}
	select {
	case <-p.waitCh:
	default:
		close(p.waitCh)
	}
}

func (p *fakeProcess) finish() {
	select {
	case <-p.waitCh:
	default:
		close(p.waitCh)
	}
}

type fakeBackend struct {
	proc *fakeProcess
	err  error
}

func (b *fakeBackend) Spawn(_ context.Context, _ Invocation) (spawnedProcess, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.proc, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunnerSuccess(t *testing.T) {
	proc := newFakeProcess("hello\n", "", 0)
	backend := &fakeBackend{proc: proc}
	cfg := DefaultConfig()
	cfg.MainTimeout = time.Second
	cfg.IdleTimeout = time.Second

	r := New(cfg, backend, testLogger())
	proc.finish()

	res, err := r.Run(context.Background(), Invocation{Command: []string{"agent", "run"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.Stdout != "hello\n" {
		t.Fatalf("unexpected stdout: %q", res.Stdout)
	}

	available, _, _ := r.sem.status()
	if available != cfg.MaxConcurrent {
		t.Fatalf("semaphore slot leaked: available=%d want=%d", available, cfg.MaxConcurrent)
	}
}

func TestRunnerNonZeroExit(t *testing.T) {
	proc := newFakeProcess("", "boom", 1)
	backend := &fakeBackend{proc: proc}
	r := New(DefaultConfig(), backend, testLogger())
	proc.finish()

	res, err := r.Run(context.Background(), Invocation{Command: []string{"agent"}})
	if err == nil {
		t.Fatal("expected error for non-zero exit")
	}
	execErr, ok := execerr.As(err)
	if !ok || execErr.Reason != execerr.ReasonNonZeroExit {
		t.Fatalf("expected ReasonNonZeroExit, got %+v", err)
	}
	if res.Success {
		t.Fatal("expected Success=false")
	}
}

func TestRunnerMainTimeout(t *testing.T) {
	proc := newFakeProcess("", "", 0) // never finishes until killed
	backend := &fakeBackend{proc: proc}
	cfg := DefaultConfig()
	cfg.MainTimeout = 20 * time.Millisecond
	cfg.IdleTimeout = time.Second
	cfg.SafetySlack = time.Second

	r := New(cfg, backend, testLogger())

	_, err := r.Run(context.Background(), Invocation{Command: []string{"agent"}})
	execErr, ok := execerr.As(err)
	if !ok || execErr.Reason != execerr.ReasonTimeout {
		t.Fatalf("expected ReasonTimeout, got %+v", err)
	}
	if !proc.killed {
		t.Fatal("expected process to be killed on main timeout")
	}

	available, _, _ := r.sem.status()
	if available != cfg.MaxConcurrent {
		t.Fatalf("semaphore slot leaked after timeout: available=%d", available)
	}
}

func TestRunnerIdleTimeout(t *testing.T) {
	proc := newFakeProcess("", "", 0)
	backend := &fakeBackend{proc: proc}
	cfg := DefaultConfig()
	cfg.MainTimeout = time.Second
	cfg.IdleTimeout = 20 * time.Millisecond
	cfg.SafetySlack = time.Second

	r := New(cfg, backend, testLogger())

	_, err := r.Run(context.Background(), Invocation{Command: []string{"agent"}})
	execErr, ok := execerr.As(err)
	if !ok || execErr.Reason != execerr.ReasonIdleTimeout {
		t.Fatalf("expected ReasonIdleTimeout, got %+v", err)
	}

	available, _, _ := r.sem.status()
	if available != cfg.MaxConcurrent {
		t.Fatalf("semaphore slot leaked after idle timeout: available=%d", available)
	}
}

func TestRunnerOutputOverflow(t *testing.T) {
	big := bytes.Repeat([]byte("x"), 64)
	proc := newFakeProcess(string(big), "", 0)
	backend := &fakeBackend{proc: proc}
	cfg := DefaultConfig()
	cfg.MaxOutputBytes = 8
	cfg.MainTimeout = time.Second
	cfg.IdleTimeout = time.Second

	r := New(cfg, backend, testLogger())

	_, err := r.Run(context.Background(), Invocation{Command: []string{"agent"}})
	execErr, ok := execerr.As(err)
	if !ok || execErr.Reason != execerr.ReasonOutputOverflow {
		t.Fatalf("expected ReasonOutputOverflow, got %+v", err)
	}
}

func TestRunnerSpawnFailure(t *testing.T) {
	backend := &fakeBackend{err: io.ErrUnexpectedEOF}
	r := New(DefaultConfig(), backend, testLogger())

	_, err := r.Run(context.Background(), Invocation{Command: []string{"agent"}})
	execErr, ok := execerr.As(err)
	if !ok || execErr.Reason != execerr.ReasonSpawnFailure {
		t.Fatalf("expected ReasonSpawnFailure, got %+v", err)
	}

	available, _, _ := r.sem.status()
	if available != DefaultConfig().MaxConcurrent {
		t.Fatalf("semaphore slot leaked after spawn failure: available=%d", available)
	}
}

// blockingBackend models a backend whose Spawn call itself blocks for the
// entire invocation (e.g. a synchronous grpc sidecar RPC), only returning
// once its ctx is cancelled - exercising the Runner's own main-timeout
// enforcement around Spawn rather than relying on supervise()'s Kill loop.
type blockingBackend struct{}

func (b *blockingBackend) Spawn(ctx context.Context, _ Invocation) (spawnedProcess, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRunnerTimesOutBackendThatBlocksInSpawn(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MainTimeout = 20 * time.Millisecond
	cfg.IdleTimeout = time.Second
	cfg.SafetySlack = time.Second

	r := New(cfg, &blockingBackend{}, testLogger())

	start := time.Now()
	res, err := r.Run(context.Background(), Invocation{Command: []string{"agent"}})
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("expected Run to return promptly after the main timeout, took %s", elapsed)
	}

	execErr, ok := execerr.As(err)
	if !ok || execErr.Reason != execerr.ReasonTimeout {
		t.Fatalf("expected ReasonTimeout for a backend that hangs in Spawn, got %+v", err)
	}
	if res == nil || res.Success {
		t.Fatalf("expected a failed result, got %+v", res)
	}

	available, _, _ := r.sem.status()
	if available != cfg.MaxConcurrent {
		t.Fatalf("semaphore slot leaked after spawn-level timeout: available=%d", available)
	}
}

func TestQueueStatusWarnsWhenFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrent = 1
	r := New(cfg, &fakeBackend{}, testLogger())

	if err := r.sem.acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// Queue a second acquirer behind the held slot so the warning condition
	// (no slot available and at least one waiter) holds.
	waitCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.sem.acquire(waitCtx) }()
	deadline := time.Now().Add(time.Second)
	for {
		if _, waiting, _ := r.sem.status(); waiting > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the second acquirer to queue")
		}
		time.Sleep(time.Millisecond)
	}

	status := r.QueueStatus()
	if status.Available != 0 {
		t.Fatalf("expected 0 available, got %d", status.Available)
	}
	if status.Warning == "" {
		t.Fatalf("expected a warning with every slot busy and a waiter queued, got %+v", status)
	}
}

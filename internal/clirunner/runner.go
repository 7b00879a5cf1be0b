package clirunner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/agentexec/execd/internal/domain"
	"github.com/agentexec/execd/internal/execerr"
)

// Runner spawns one agent-CLI invocation at a time per semaphore slot,
// enforcing the three-tier timeout model, an output byte cap, and exactly-
// once semaphore release.
type Runner struct {
	cfg     Config
	backend Backend
	sem     *semaphore
	logger  *slog.Logger
}

// New creates a Runner bound to the given backend and configuration.
func New(cfg Config, backend Backend, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	return &Runner{
		cfg:     cfg,
		backend: backend,
		sem:     newSemaphore(cfg.MaxConcurrent),
		logger:  logger,
	}
}

// QueueStatus reports semaphore occupancy without blocking.
func (r *Runner) QueueStatus() domain.QueueStatus {
	available, waiting, capacity := r.sem.status()
	status := domain.QueueStatus{Available: available, Waiting: waiting, MaxConcurrent: capacity}
	if available == 0 && waiting > 0 {
		status.Warning = fmt.Sprintf("all %d slots busy, %d request(s) waiting", capacity, waiting)
	}
	return status
}

// Run spawns the command, waits for completion or timeout, and returns an
// ExecutionResult. The returned error, when non-nil, is always an
// *execerr.Error of kind KindCLIFailure (with a sub-reason) or
// KindInternal for unexpected failures acquiring the semaphore.
func (r *Runner) Run(ctx context.Context, inv Invocation) (*domain.ExecutionResult, error) {
	start := time.Now()

	if err := r.sem.acquire(ctx); err != nil {
		return nil, execerr.Wrap(execerr.KindInternal, "acquire cli semaphore", err)
	}
	guard := newReleaseGuard(r.sem)

	mainTimeout := r.cfg.MainTimeout
	if inv.Timeout > 0 {
		mainTimeout = inv.Timeout
	}

	// Safety timeout: unconditionally releases the semaphore as a backstop.
	// Stopped on the normal-completion path below; if it ever actually
	// fires, that is a bug signal and must be logged (spec §7).
	safetyFired := make(chan struct{})
	safetyTimer := time.AfterFunc(mainTimeout+r.cfg.SafetySlack, func() {
		guard.release()
		close(safetyFired)
	})
	defer safetyTimer.Stop()

	// Bound the spawn call itself by the main timeout, not just the
	// supervised run that follows it. Backends whose Spawn returns
	// immediately (subprocess, docker) are unaffected; a backend whose
	// Spawn blocks for the entire invocation (grpc, against a sidecar)
	// would otherwise ignore the main/idle timeout contract entirely.
	spawnCtx, cancelSpawn := context.WithTimeout(ctx, mainTimeout)
	defer cancelSpawn()

	proc, err := r.backend.Spawn(spawnCtx, inv)
	if err != nil {
		guard.release()
		if errors.Is(spawnCtx.Err(), context.DeadlineExceeded) {
			result := &domain.ExecutionResult{
				Command:      inv.Command,
				ExitCode:     -1,
				Duration:     time.Since(start),
				Timestamp:    time.Now(),
				Success:      false,
				ErrorMessage: string(execerr.ReasonTimeout),
			}
			return result, execerr.CLIFailure(execerr.ReasonTimeout, "spawn exceeded main timeout", err)
		}
		return nil, execerr.CLIFailure(execerr.ReasonSpawnFailure, "spawn agent cli", err)
	}

	res, reason, runErr := r.supervise(proc, mainTimeout, r.cfg.IdleTimeout, r.cfg.MaxOutputBytes, inv.OutputSink)

	// Normal completion (including timeouts detected by supervise itself)
	// releases here; the safety timer above is purely a backstop for the
	// case where this release is somehow never reached.
	guard.release()

	select {
	case <-safetyFired:
		r.logger.Error("cli runner safety timeout fired", "command", inv.Command, "working_dir", inv.WorkingDir)
	default:
	}

	duration := time.Since(start)
	result := &domain.ExecutionResult{
		Command:   inv.Command,
		Stdout:    res.Stdout,
		Stderr:    res.Stderr,
		ExitCode:  res.ExitCode,
		Duration:  duration,
		Timestamp: time.Now(),
	}

	if reason != "" {
		result.Success = false
		result.ErrorMessage = string(reason)
		return result, execerr.CLIFailure(reason, string(reason), runErr)
	}
	if res.ExitCode != 0 {
		result.Success = false
		result.ErrorMessage = "non-zero exit"
		return result, execerr.CLIFailure(execerr.ReasonNonZeroExit, fmt.Sprintf("exit code %d", res.ExitCode), nil)
	}

	result.Success = true
	return result, nil
}

// supervise reads stdout/stderr concurrently, arms the main and idle
// timers, enforces the output cap, and kills the process on whichever
// condition fires first. It returns whatever output was captured even on
// failure.
func (r *Runner) supervise(proc spawnedProcess, mainTimeout, idleTimeout time.Duration, maxOutputBytes int64, sink func(stream string, chunk []byte)) (Result, execerr.CLIReason, error) {
	var (
		mu         sync.Mutex
		stdoutBuf  bytes.Buffer
		stderrBuf  bytes.Buffer
		totalBytes int64
	)

	activity := make(chan struct{}, 1)
	overflow := make(chan struct{})
	var overflowOnce sync.Once

	readStream := func(stream string, dst *bytes.Buffer, src io.Reader) {
		buf := make([]byte, 32*1024)
		for {
			n, err := src.Read(buf)
			if n > 0 {
				mu.Lock()
				dst.Write(buf[:n])
				totalBytes += int64(n)
				exceeded := totalBytes > maxOutputBytes
				mu.Unlock()

				if sink != nil {
					chunk := make([]byte, n)
					copy(chunk, buf[:n])
					sink(stream, chunk)
				}

				select {
				case activity <- struct{}{}:
				default:
				}

				if exceeded {
					overflowOnce.Do(func() { close(overflow) })
					return
				}
			}
			if err != nil {
				return
			}
		}
	}

	var readersWG sync.WaitGroup
	readersWG.Add(2)
	go func() { defer readersWG.Done(); readStream("stdout", &stdoutBuf, proc.Stdout()) }()
	go func() { defer readersWG.Done(); readStream("stderr", &stderrBuf, proc.Stderr()) }()

	readersDone := make(chan struct{})
	go func() { readersWG.Wait(); close(readersDone) }()

	waitCh := make(chan struct {
		code int
		err  error
	}, 1)
	go func() {
		code, err := proc.Wait()
		waitCh <- struct {
			code int
			err  error
		}{code, err}
	}()

	mainTimer := time.NewTimer(mainTimeout)
	defer mainTimer.Stop()
	idleTimer := time.NewTimer(idleTimeout)
	defer idleTimer.Stop()

	snapshot := func() (string, string) {
		mu.Lock()
		defer mu.Unlock()
		return stdoutBuf.String(), stderrBuf.String()
	}

	for {
		select {
		case w := <-waitCh:
			<-readersDone
			stdout, stderr := snapshot()
			if w.err != nil {
				return Result{Stdout: stdout, Stderr: stderr, ExitCode: w.code}, "", w.err
			}
			return Result{Stdout: stdout, Stderr: stderr, ExitCode: w.code}, "", nil

		case <-overflow:
			proc.Kill(5 * time.Second)
			<-waitCh
			stdout, stderr := snapshot()
			return Result{Stdout: stdout, Stderr: stderr, ExitCode: -1}, execerr.ReasonOutputOverflow, nil

		case <-mainTimer.C:
			proc.Kill(5 * time.Second)
			<-waitCh
			stdout, stderr := snapshot()
			return Result{Stdout: stdout, Stderr: stderr, ExitCode: -1}, execerr.ReasonTimeout, nil

		case <-idleTimer.C:
			r.logger.Warn("idle timeout fired")
			proc.Kill(5 * time.Second)
			<-waitCh
			stdout, stderr := snapshot()
			return Result{Stdout: stdout, Stderr: stderr, ExitCode: -1}, execerr.ReasonIdleTimeout, nil

		case <-activity:
			if !idleTimer.Stop() {
				select {
				case <-idleTimer.C:
				default:
				}
			}
			idleTimer.Reset(idleTimeout)
		}
	}
}

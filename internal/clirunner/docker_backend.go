package clirunner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// ContainerResolver maps a repository, identified by the invocation's
// working directory (<repositoriesRoot>/<repository>), to the ID of the
// already-running container the git repository manager (an external
// collaborator per spec §1) has prepared for it. The CLI Runner never creates or stops
// containers itself - it only execs inside one that already exists.
type ContainerResolver interface {
	ResolveContainer(ctx context.Context, repository string) (containerID string, err error)
}

// DockerBackend spawns the agent CLI as a TTY exec session inside an
// existing container, giving genuine PTY semantics (host-key confirmation
// prompts and other TTY-detecting CLIs work correctly). Adapted from the
// teacher's container.Manager.CreateExecSession/ResizeExecSession exec
// attach pattern.
type DockerBackend struct {
	cli      *client.Client
	resolver ContainerResolver
	execUser string
}

// NewDockerBackend creates a Docker-exec backend.
func NewDockerBackend(cli *client.Client, resolver ContainerResolver, execUser string) *DockerBackend {
	if execUser == "" {
		execUser = "1000"
	}
	return &DockerBackend{cli: cli, resolver: resolver, execUser: execUser}
}

func (b *DockerBackend) Spawn(ctx context.Context, inv Invocation) (spawnedProcess, error) {
	containerID, err := b.resolver.ResolveContainer(ctx, inv.WorkingDir)
	if err != nil {
		return nil, fmt.Errorf("resolve container for %q: %w", inv.WorkingDir, err)
	}

	execConfig := container.ExecOptions{
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
		Cmd:          inv.Command,
		Env:          inv.Env,
		WorkingDir:   inv.WorkingDir,
		User:         b.execUser,
	}

	resp, err := b.cli.ContainerExecCreate(ctx, containerID, execConfig)
	if err != nil {
		return nil, fmt.Errorf("create exec session in container %s: %w", containerID, err)
	}

	attach, err := b.cli.ContainerExecAttach(ctx, resp.ID, container.ExecStartOptions{Tty: true})
	if err != nil {
		return nil, fmt.Errorf("attach to exec session %s: %w", resp.ID, err)
	}

	return &dockerProcess{
		cli:      b.cli,
		execID:   resp.ID,
		conn:     attach.Conn,
		reader:   attach.Reader,
		doneCh:   make(chan struct{}),
	}, nil
}

// dockerProcess adapts a Docker exec attach connection to spawnedProcess.
// Docker TTY exec multiplexes stdout/stderr onto a single stream (Tty:
// true), so Stderr() returns an always-empty reader and all output
// surfaces via Stdout(), matching how a real PTY session behaves for the
// process it wraps.
type dockerProcess struct {
	cli    *client.Client
	execID string
	conn   io.Closer
	reader io.Reader

	doneCh   chan struct{}
	doneOnce sync.Once
}

func (p *dockerProcess) Stdout() io.Reader { return p.reader }
func (p *dockerProcess) Stderr() io.Reader { return bytes.NewReader(nil) }
func (p *dockerProcess) UsedPTY() bool     { return true }

func (p *dockerProcess) Wait() (int, error) {
	// Poll ContainerExecInspect until the exec session reports it has
	// exited; the attach connection's EOF (observed by the Runner's
	// readers) typically precedes this by a small margin.
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	ctx := context.Background()
	for {
		select {
		case <-p.doneCh:
			return p.lastInspect(ctx)
		case <-ticker.C:
			inspect, err := p.cli.ContainerExecInspect(ctx, p.execID)
			if err != nil {
				if errdefs.IsNotFound(err) {
					return -1, errors.New("exec session no longer exists")
				}
				continue
			}
			if !inspect.Running {
				return inspect.ExitCode, nil
			}
		}
	}
}

func (p *dockerProcess) lastInspect(ctx context.Context) (int, error) {
	inspect, err := p.cli.ContainerExecInspect(ctx, p.execID)
	if err != nil {
		return -1, err
	}
	return inspect.ExitCode, nil
}

// Kill closes the attach connection and makes Wait return. It sends no
// signal to the process running inside the container, and the grace
// period is not used.
func (p *dockerProcess) Kill(_ time.Duration) {
	p.doneOnce.Do(func() {
		_ = p.conn.Close()
		close(p.doneCh)
	})
}

package clirunner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/keepalive"
)

// jsonCodec lets the gRPC backend talk to an agent-CLI sidecar without a
// checked-in .proto/generated-stub pair: it marshals the request/response
// structs below as JSON instead of protobuf wire format. Registered once
// under the "json" content-subtype, exactly the extension point
// google.golang.org/grpc/encoding exposes for non-protobuf payloads.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                    { return "json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// execRequest/execResponse are the wire shapes exchanged with the sidecar.
type execRequest struct {
	Command    []string `json:"command"`
	Env        []string `json:"env"`
	WorkingDir string   `json:"workingDir"`
}

type execResponse struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

var (
	errGRPCConnShutdown = errors.New("clirunner: grpc connection shutdown")
	errGRPCConnStalled  = errors.New("clirunner: grpc connection state did not change")
)

// GrpcBackendConfig configures the connection to the agent-CLI sidecar.
type GrpcBackendConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGrpcBackendConfig mirrors the teacher's DefaultGrpcClientConfig
// defaults, generalized from the Python-agent address to the agent-CLI
// sidecar address.
func DefaultGrpcBackendConfig() GrpcBackendConfig {
	return GrpcBackendConfig{
		Address:          "localhost:50100",
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// GrpcBackend routes CLI invocations to a long-lived agent-CLI sidecar over
// gRPC instead of spawning a subprocess per call. Grounded on the teacher's
// GrpcClient connection bring-up (force an eager connection attempt so
// startup fails fast on a bad sidecar address; keepalive ping/pong to
// detect a wedged sidecar).
type GrpcBackend struct {
	conn *grpc.ClientConn
	addr string
}

// NewGrpcBackend dials the sidecar and blocks until the connection is ready
// or ConnectTimeout elapses.
func NewGrpcBackend(cfg GrpcBackendConfig) (*GrpcBackend, error) {
	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	conn, err := grpc.NewClient(cfg.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodec{}.Name())),
	)
	if err != nil {
		return nil, fmt.Errorf("clirunner: dial agent-cli sidecar at %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clirunner: agent-cli sidecar at %s not ready: %w", cfg.Address, err)
	}

	return &GrpcBackend{conn: conn, addr: cfg.Address}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errGRPCConnShutdown
		}
		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w (from %s)", errGRPCConnStalled, state)
		}
	}
}

// Close releases the sidecar connection.
func (b *GrpcBackend) Close() error {
	return b.conn.Close()
}

func (b *GrpcBackend) Spawn(ctx context.Context, inv Invocation) (spawnedProcess, error) {
	req := execRequest{Command: inv.Command, Env: inv.Env, WorkingDir: inv.WorkingDir}
	var resp execResponse

	// Unary call against the sidecar's single RPC method; the json codec
	// registered above handles marshaling on both ends.
	if err := b.conn.Invoke(ctx, "/agentexec.clisidecar.v1.CLISidecar/Execute", &req, &resp); err != nil {
		return nil, fmt.Errorf("clirunner: sidecar execute rpc: %w", err)
	}

	return &grpcProcess{resp: resp}, nil
}

// grpcProcess adapts a completed unary sidecar call to spawnedProcess. The
// sidecar runs the invocation to completion before replying, so there is no
// separate Wait phase to block on and Kill is a no-op - cancellation of the
// call itself is handled via ctx passed to Spawn/Invoke.
type grpcProcess struct {
	resp execResponse
}

func (p *grpcProcess) Stdout() io.Reader      { return bytes.NewBufferString(p.resp.Stdout) }
func (p *grpcProcess) Stderr() io.Reader      { return bytes.NewBufferString(p.resp.Stderr) }
func (p *grpcProcess) UsedPTY() bool          { return false }
func (p *grpcProcess) Wait() (int, error)     { return p.resp.ExitCode, nil }
func (p *grpcProcess) Kill(_ time.Duration)   {}

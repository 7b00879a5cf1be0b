// execd - agent-CLI execution core server
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docker/docker/client"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	"github.com/agentexec/execd/internal/callback"
	"github.com/agentexec/execd/internal/clirunner"
	"github.com/agentexec/execd/internal/config"
	"github.com/agentexec/execd/internal/convstore"
	"github.com/agentexec/execd/internal/coordinator"
	"github.com/agentexec/execd/internal/httpapi"
	"github.com/agentexec/execd/internal/iterloop"
	"github.com/agentexec/execd/internal/middleware"
	"github.com/agentexec/execd/internal/queueroutes"
)

func main() {
	var logger *slog.Logger
	if config.IsContainer() {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	} else {
		logger = slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: slog.LevelInfo}))
	}
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("starting execd", "port", cfg.Port, "cli_backend", cfg.CLI.Backend, "conversation_driver", cfg.Conversation.Driver)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := buildConversationStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialize conversation store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	convstore.StartTTLSweep(ctx, storeKV(store), cfg.Conversation.ConversationTTL)

	backend, err := buildCLIBackend(cfg)
	if err != nil {
		slog.Error("failed to initialize cli backend", "error", err)
		os.Exit(1)
	}

	runner := clirunner.New(clirunner.Config{
		MaxConcurrent:  cfg.CLI.MaxConcurrent,
		MainTimeout:    cfg.CLI.MainTimeout,
		IdleTimeout:    cfg.CLI.IdleTimeout,
		SafetySlack:    cfg.CLI.SafetySlack,
		MaxOutputBytes: cfg.CLI.MaxOutputBytes,
	}, backend, logger)

	dispatcher := callback.New(callback.Config{
		Timeout:         cfg.Callback.Timeout,
		SuppressPattern: cfg.Callback.SuppressPattern,
	}, logger)

	routes, err := queueroutes.Load(cfg.QueueRoutesPath)
	if err != nil {
		slog.Error("failed to load queue routes", "error", err)
		os.Exit(1)
	}

	coord := coordinator.New(coordinator.Config{
		CLIPath:              cfg.CLI.Path,
		RepositoriesRoot:     cfg.RepositoriesRoot,
		SystemInstructions:   cfg.SystemInstructions,
		ContextWindowMarkers: cfg.ContextWindowMarkers,
		CallbackBaseURL:      cfg.Callback.BaseURL,
		Routes:               routes,
	}, runner, store, dispatcher, logger)

	loop := iterloop.New(coord, iterloop.Config{
		DoneMarkers:       cfg.Iteration.DoneMarkers,
		TerminalExitCodes: cfg.Iteration.TerminalExitCodes,
	}, logger)

	api := httpapi.New(coord, loop, logger)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{"*"}))

	r.Get("/health", api.Health)
	api.RegisterRoutes(r)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // agent-CLI invocations can run far longer than a fixed write timeout allows
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()
	slog.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped successfully")
}

// buildConversationStore wires the Conversation Store's backing KV
// implementation per CONVERSATION_STORE_DRIVER, returning a close func the
// caller should defer regardless of driver.
func buildConversationStore(ctx context.Context, cfg *config.Config) (*convstore.Store, func(), error) {
	switch cfg.Conversation.Driver {
	case "postgres":
		pool, err := newPostgresPool(ctx, cfg.Conversation.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		kv := convstore.NewPostgresKV(pool)
		if err := kv.Init(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return convstore.New(kv), func() { pool.Close() }, nil
	default:
		kv, err := convstore.NewSQLiteKV(cfg.Conversation.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return convstore.New(kv), func() { _ = kv.Close() }, nil
	}
}

// storeKV exposes the Store's backing KV, obtained through Store.KV, for
// the TTL sweeper.
func storeKV(s *convstore.Store) convstore.KV {
	return s.KV()
}

// staticContainerResolver resolves every repository to the same
// pre-provisioned container, the single-tenant deployment shape
// CLI_DOCKER_CONTAINER_ID targets. A registry-backed resolver (one
// container per repository) is a natural extension once the execution
// core needs multi-tenant container assignment.
type staticContainerResolver struct {
	containerID string
}

func (r staticContainerResolver) ResolveContainer(_ context.Context, _ string) (string, error) {
	if r.containerID == "" {
		return "", fmt.Errorf("CLI_DOCKER_CONTAINER_ID is not configured")
	}
	return r.containerID, nil
}

func buildCLIBackend(cfg *config.Config) (clirunner.Backend, error) {
	switch cfg.CLI.Backend {
	case "docker":
		dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, fmt.Errorf("create docker client: %w", err)
		}
		resolver := staticContainerResolver{containerID: cfg.CLI.DockerContainerID}
		return clirunner.NewDockerBackend(dockerClient, resolver, cfg.CLI.DockerExecUser), nil
	case "grpc":
		grpcCfg := clirunner.DefaultGrpcBackendConfig()
		if cfg.CLI.GRPCAddr != "" {
			grpcCfg.Address = cfg.CLI.GRPCAddr
		}
		return clirunner.NewGrpcBackend(grpcCfg)
	default:
		return clirunner.NewSubprocessBackend(), nil
	}
}

// newPostgresPool opens a pgx connection pool for the postgres-backed
// Conversation Store driver.
func newPostgresPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

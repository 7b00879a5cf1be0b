// Package config provides application configuration.
//
// Configuration is loaded from environment variables with sensible defaults.
// All timeouts and operational parameters are configurable.
//
// Configuration categories:
//   - CLI: agent-CLI path, three-tier timeouts, output cap, concurrency
//   - Conversation store: backing driver, path/DSN, TTLs
//   - Callback: dispatch timeout, synthesized-callback base URL, suppression
//   - Iteration: default iteration cap, done markers, terminal exit codes
//
// Each environment variable is named in the field comments of the structs
// below.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// CLIConfig configures the CLI Runner.
type CLIConfig struct {
	Path           string        // CLI_PATH (required)
	MainTimeout    time.Duration // CLI_MAIN_TIMEOUT_MS (default: 300000)
	IdleTimeout    time.Duration // CLI_IDLE_TIMEOUT_MS (default: 60000)
	SafetySlack    time.Duration // CLI_SAFETY_SLACK_MS (default: 5000)
	MaxOutputBytes int64         // CLI_MAX_OUTPUT_BYTES (default: 10485760)
	MaxConcurrent  int           // CLI_MAX_CONCURRENT (default: 3)
	Backend            string // CLI_BACKEND: "subprocess" (default), "docker", "grpc"
	DockerContainerID  string // CLI_DOCKER_CONTAINER_ID, used when Backend == "docker"
	DockerExecUser     string // CLI_DOCKER_EXEC_USER, used when Backend == "docker"
	GRPCAddr           string // CLI_GRPC_ADDR, used when Backend == "grpc"
}

// ConversationConfig configures the Conversation Store.
type ConversationConfig struct {
	Driver          string        // CONVERSATION_STORE_DRIVER: "sqlite" (default) or "postgres"
	SQLitePath      string        // CONVERSATION_STORE_SQLITE_PATH
	PostgresDSN     string        // CONVERSATION_STORE_POSTGRES_DSN
	ConversationTTL time.Duration // CONVERSATION_TTL_SECONDS
	LastPointerTTL  time.Duration // LAST_CONVERSATION_TTL_SECONDS; loaded but not used: "last conversation" pointers are never expired
}

// CallbackConfig configures the Callback Dispatcher.
type CallbackConfig struct {
	BaseURL         string         // CALLBACK_BASE_URL
	Timeout         time.Duration  // CALLBACK_TIMEOUT_MS
	SuppressPattern *regexp.Regexp // CALLBACK_SUPPRESS_PATTERN, compiled if set
}

// IterationConfig configures the Iteration Loop.
type IterationConfig struct {
	DefaultMaxIterations int      // ITERATION_DEFAULT_MAX; loaded but not passed to the Iteration Loop, which falls back to domain.DefaultMaxIterations
	DoneMarkers          []string // ITERATION_DONE_MARKERS, comma-separated
	TerminalExitCodes    []int    // ITERATION_TERMINAL_EXIT_CODES, comma-separated
}

// Config holds all application configuration.
type Config struct {
	Port                 string
	RepositoriesRoot     string // REPOSITORIES_ROOT (required)
	SystemInstructions   string // SYSTEM_INSTRUCTIONS
	ContextWindowMarkers []string
	QueueRoutesPath      string // QUEUE_ROUTES_PATH, optional per-queue CLI/prompt overrides

	CLI          CLIConfig
	Conversation ConversationConfig
	Callback     CallbackConfig
	Iteration    IterationConfig
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		RepositoriesRoot:     getEnv("REPOSITORIES_ROOT", ""),
		SystemInstructions:   getEnv("SYSTEM_INSTRUCTIONS", ""),
		ContextWindowMarkers: getEnvList("CONTEXT_WINDOW_MARKERS", []string{"context length exceeded", "context window", "maximum context"}),
		QueueRoutesPath:      getEnv("QUEUE_ROUTES_PATH", ""),

		CLI: CLIConfig{
			Path:           getEnv("CLI_PATH", ""),
			MainTimeout:    getEnvDurationMS("CLI_MAIN_TIMEOUT_MS", 300_000),
			IdleTimeout:    getEnvDurationMS("CLI_IDLE_TIMEOUT_MS", 60_000),
			SafetySlack:    getEnvDurationMS("CLI_SAFETY_SLACK_MS", 5_000),
			MaxOutputBytes: getEnvInt64("CLI_MAX_OUTPUT_BYTES", 10*1024*1024),
			MaxConcurrent:  getEnvInt("CLI_MAX_CONCURRENT", 3),
			Backend:           getEnv("CLI_BACKEND", "subprocess"),
			DockerContainerID: getEnv("CLI_DOCKER_CONTAINER_ID", ""),
			DockerExecUser:    getEnv("CLI_DOCKER_EXEC_USER", ""),
			GRPCAddr:          getEnv("CLI_GRPC_ADDR", ""),
		},

		Conversation: ConversationConfig{
			Driver:          getEnv("CONVERSATION_STORE_DRIVER", "sqlite"),
			SQLitePath:      getEnv("CONVERSATION_STORE_SQLITE_PATH", "./data/conversations.db"),
			PostgresDSN:     getEnv("CONVERSATION_STORE_POSTGRES_DSN", ""),
			ConversationTTL: getEnvDurationSeconds("CONVERSATION_TTL_SECONDS", 24*time.Hour),
			LastPointerTTL:  getEnvDurationSeconds("LAST_CONVERSATION_TTL_SECONDS", 24*time.Hour),
		},

		Callback: CallbackConfig{
			BaseURL: getEnv("CALLBACK_BASE_URL", ""),
			Timeout: getEnvDurationMS("CALLBACK_TIMEOUT_MS", 10_000),
		},

		Iteration: IterationConfig{
			DefaultMaxIterations: getEnvInt("ITERATION_DEFAULT_MAX", 5),
			DoneMarkers:          getEnvList("ITERATION_DONE_MARKERS", nil),
			TerminalExitCodes:    getEnvIntList("ITERATION_TERMINAL_EXIT_CODES", nil),
		},
	}

	if pattern := getEnv("CALLBACK_SUPPRESS_PATTERN", ""); pattern != "" {
		compiled, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid configuration: CALLBACK_SUPPRESS_PATTERN: %w", err)
		}
		cfg.Callback.SuppressPattern = compiled
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.CLI.Path == "" {
		return fmt.Errorf("CLI_PATH is required")
	}
	if c.RepositoriesRoot == "" {
		return fmt.Errorf("REPOSITORIES_ROOT is required")
	}
	if c.CLI.MaxConcurrent <= 0 {
		return fmt.Errorf("CLI_MAX_CONCURRENT must be > 0")
	}
	switch c.Conversation.Driver {
	case "sqlite":
		if c.Conversation.SQLitePath == "" {
			return fmt.Errorf("CONVERSATION_STORE_SQLITE_PATH cannot be empty")
		}
	case "postgres":
		if c.Conversation.PostgresDSN == "" {
			return fmt.Errorf("CONVERSATION_STORE_POSTGRES_DSN is required when CONVERSATION_STORE_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("CONVERSATION_STORE_DRIVER must be \"sqlite\" or \"postgres\", got %q", c.Conversation.Driver)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvInt64(key string, fallback int64) int64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDurationMS(key string, fallbackMS int64) time.Duration {
	return time.Duration(getEnvInt64(key, fallbackMS)) * time.Millisecond
}

func getEnvDurationSeconds(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return fallback
	}
	return time.Duration(n) * time.Second
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnvIntList(key string, fallback []int) []int {
	raw := getEnvList(key, nil)
	if raw == nil {
		return fallback
	}
	out := make([]int, 0, len(raw))
	for _, p := range raw {
		n, err := strconv.Atoi(p)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}

// IsContainer returns true if running inside a Docker container.
func IsContainer() bool {
	if os.Getenv("CONTAINER") == "true" {
		return true
	}
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}

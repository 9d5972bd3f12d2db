// Package config holds the service configuration: JSON5 file on disk with
// environment variable overrides layered on top. Env vars always win.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/titanous/json5"
)

// Config is the root configuration for the agentd service.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Agent     AgentConfig     `json:"agent"`
	Sandbox   SandboxConfig   `json:"sandbox"`
	Workspace WorkspaceConfig `json:"workspace"`
	Secrets   SecretsConfig   `json:"secrets"`
	Providers ProvidersConfig `json:"providers"`
	Telemetry TelemetryConfig `json:"telemetry"`

	mu sync.RWMutex
}

// ServerConfig configures the HTTP/WebSocket listener.
type ServerConfig struct {
	Host         string   `json:"host"`
	Port         int      `json:"port"`
	CORSOrigins  []string `json:"cors_origins"`
	RateLimitRPM int      `json:"rate_limit_rpm"`
}

// DatabaseConfig selects the storage backend. A non-empty URL means
// Postgres; otherwise the embedded SQLite file at Path is used.
// URL is never read from the config file, only from env DATABASE_URL.
type DatabaseConfig struct {
	URL  string `json:"-"`
	Path string `json:"path"`
}

// AgentConfig holds defaults for the reasoning loop.
type AgentConfig struct {
	MaxIterations   int     `json:"max_iterations"`
	DefaultProvider string  `json:"default_provider"`
	DefaultModel    string  `json:"default_model"`
	MaxTokens       int     `json:"max_tokens"`
	Temperature     float64 `json:"temperature"`
	TaskMaxAge      Seconds `json:"task_max_age_sec"`
}

// SandboxConfig configures the per-session container pool.
type SandboxConfig struct {
	Image       string  `json:"image"`
	PoolSize    int     `json:"pool_size"`
	MemoryMB    int     `json:"memory_mb"`
	CPUs        float64 `json:"cpus"`
	ExecTimeout Seconds `json:"exec_timeout_sec"`
	Network     bool    `json:"network"`
}

// WorkspaceConfig configures session workspace storage. When Bucket is
// set, workspaces sync to S3 under the given prefix.
type WorkspaceConfig struct {
	Root   string `json:"root"`
	Bucket string `json:"bucket"`
	Prefix string `json:"prefix"`
	Region string `json:"region"`
}

// SecretsConfig holds the master key for API key encryption at rest.
// The key comes from env MASTER_ENCRYPTION_KEY only, never from the file.
type SecretsConfig struct {
	MasterKey string `json:"-"`
}

// ProvidersConfig holds fallback API keys from the environment. Keys
// stored through the API take precedence over these.
type ProvidersConfig struct {
	AnthropicAPIKey string `json:"-"`
	OpenAIAPIKey    string `json:"-"`
}

// TelemetryConfig configures the optional OTLP trace exporter.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint"`
	Protocol    string `json:"protocol"` // "grpc" or "http"
	ServiceName string `json:"service_name"`
	Insecure    bool   `json:"insecure"`
}

// Seconds is a duration stored as an integer number of seconds in JSON.
type Seconds int

// Duration converts to a time.Duration.
func (s Seconds) Duration() time.Duration { return time.Duration(s) * time.Second }

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8000,
			CORSOrigins:  []string{"http://localhost:3000"},
			RateLimitRPM: 120,
		},
		Database: DatabaseConfig{
			Path: "~/.agentd/agentd.db",
		},
		Agent: AgentConfig{
			MaxIterations:   10,
			DefaultProvider: "anthropic",
			DefaultModel:    "claude-sonnet-4-5-20250929",
			MaxTokens:       8192,
			Temperature:     0.7,
			TaskMaxAge:      3600,
		},
		Sandbox: SandboxConfig{
			Image:       "agentd-sandbox:latest",
			PoolSize:    10,
			MemoryMB:    2048,
			CPUs:        2,
			ExecTimeout: 30,
			Network:     true,
		},
		Workspace: WorkspaceConfig{
			Root:   "~/.agentd/workspaces",
			Prefix: "workspaces",
			Region: "us-east-1",
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "agentd",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file is not an error; defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}

	envStr("HOST", &c.Server.Host)
	envInt("PORT", &c.Server.Port)
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		c.Server.CORSOrigins = splitTrim(v)
	}

	envStr("DATABASE_URL", &c.Database.URL)
	envStr("SQLITE_PATH", &c.Database.Path)

	envStr("DEFAULT_MODEL_PROVIDER", &c.Agent.DefaultProvider)
	envStr("DEFAULT_MODEL_NAME", &c.Agent.DefaultModel)
	envInt("AGENT_MAX_ITERATIONS", &c.Agent.MaxIterations)

	envStr("SANDBOX_IMAGE", &c.Sandbox.Image)
	envInt("SANDBOX_POOL_SIZE", &c.Sandbox.PoolSize)
	envInt("SANDBOX_MEMORY_MB", &c.Sandbox.MemoryMB)

	envStr("WORKSPACE_ROOT", &c.Workspace.Root)
	envStr("WORKSPACE_S3_BUCKET", &c.Workspace.Bucket)
	envStr("WORKSPACE_S3_PREFIX", &c.Workspace.Prefix)
	envStr("AWS_REGION", &c.Workspace.Region)

	envStr("MASTER_ENCRYPTION_KEY", &c.Secrets.MasterKey)
	envStr("ANTHROPIC_API_KEY", &c.Providers.AnthropicAPIKey)
	envStr("OPENAI_API_KEY", &c.Providers.OpenAIAPIKey)

	envStr("TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// UsePostgres reports whether the Postgres backend is configured.
func (c *Config) UsePostgres() bool {
	return c.Database.URL != ""
}

// SQLitePath returns the expanded SQLite database path.
func (c *Config) SQLitePath() string {
	return ExpandHome(c.Database.Path)
}

// WorkspaceRoot returns the expanded local workspace root.
func (c *Config) WorkspaceRoot() string {
	return ExpandHome(c.Workspace.Root)
}

func splitTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return filepath.Join(home, path[2:])
	}
	return home
}

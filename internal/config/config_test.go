package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("port = %d, want 8000", cfg.Server.Port)
	}
	if cfg.Agent.MaxIterations != 10 {
		t.Errorf("max iterations = %d, want 10", cfg.Agent.MaxIterations)
	}
	if cfg.UsePostgres() {
		t.Error("postgres should be off by default")
	}
}

func TestLoad_JSON5File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
		// comments are allowed
		server: { port: 9001, host: "127.0.0.1" },
		agent: { max_iterations: 5 },
		sandbox: { exec_timeout_sec: 45 },
	}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr() != "127.0.0.1:9001" {
		t.Errorf("addr = %q", cfg.Addr())
	}
	if cfg.Agent.MaxIterations != 5 {
		t.Errorf("max iterations = %d, want 5", cfg.Agent.MaxIterations)
	}
	if cfg.Sandbox.ExecTimeout.Duration() != 45*time.Second {
		t.Errorf("exec timeout = %s, want 45s", cfg.Sandbox.ExecTimeout.Duration())
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{server: {port: 9001}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("PORT", "9002")
	t.Setenv("DATABASE_URL", "postgres://localhost/agentd")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("DEFAULT_MODEL_PROVIDER", "openai")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 9002 {
		t.Errorf("port = %d, env must win over file", cfg.Server.Port)
	}
	if !cfg.UsePostgres() {
		t.Error("DATABASE_URL should enable postgres")
	}
	if len(cfg.Server.CORSOrigins) != 2 || cfg.Server.CORSOrigins[1] != "https://b.example" {
		t.Errorf("cors = %v", cfg.Server.CORSOrigins)
	}
	if cfg.Agent.DefaultProvider != "openai" {
		t.Errorf("provider = %q", cfg.Agent.DefaultProvider)
	}
}

func TestExpandHome(t *testing.T) {
	home, _ := os.UserHomeDir()
	tests := []struct {
		in, want string
	}{
		{"~/.agentd/agentd.db", filepath.Join(home, ".agentd/agentd.db")},
		{"~", home},
		{"/absolute/path", "/absolute/path"},
		{"relative", "relative"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ExpandHome(tt.in); got != tt.want {
			t.Errorf("ExpandHome(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// Package sandbox provides isolated execution environments for agent
// sessions. Each session gets its own container with the session
// workspace bind-mounted at /workspace.
package sandbox

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound reports that no sandbox exists for the key.
	ErrNotFound = errors.New("sandbox not found")
	// ErrPoolFull reports that the pool is at capacity and nothing can
	// be evicted.
	ErrPoolFull = errors.New("sandbox pool full")
	// ErrUnavailable reports that the container runtime is unreachable.
	ErrUnavailable = errors.New("sandbox runtime unavailable")
)

// ExecResult is the outcome of a command run inside a sandbox.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Sandbox is an isolated execution environment bound to one session.
type Sandbox interface {
	// ID returns the runtime identifier of the environment.
	ID() string

	// Exec runs a command inside the environment. cwd is a path inside
	// the environment; empty means the default working directory.
	Exec(ctx context.Context, cmd []string, cwd string, timeout time.Duration) (*ExecResult, error)

	// ReadFile returns the contents of a file inside the environment.
	ReadFile(ctx context.Context, path string) ([]byte, error)

	// WriteFile writes a file inside the environment, creating parent
	// directories as needed.
	WriteFile(ctx context.Context, path string, data []byte) error

	// Close stops and removes the environment.
	Close(ctx context.Context) error
}

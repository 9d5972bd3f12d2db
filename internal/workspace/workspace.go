// Package workspace manages per-session working directories. Each
// session owns one workspace with project_files/, agent_workspace/, and
// out/ subdirectories; the workspace is bind-mounted into the session's
// sandbox at /workspace. An optional S3 backend mirrors workspaces for
// durability across hosts.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Subdirectories created in every workspace.
var subdirs = []string{"project_files", "agent_workspace", "out"}

// Storage provisions and tears down session workspaces.
type Storage interface {
	// Prepare ensures the workspace exists and returns its host path,
	// suitable for bind-mounting into a sandbox.
	Prepare(ctx context.Context, sessionID uuid.UUID) (string, error)
	// Sync pushes local workspace state to durable storage. No-op for
	// purely local backends.
	Sync(ctx context.Context, sessionID uuid.UUID) error
	// Remove deletes the workspace and any mirrored copy.
	Remove(ctx context.Context, sessionID uuid.UUID) error
}

// Local stores workspaces on the host filesystem under a root dir.
type Local struct {
	root string
}

func NewLocal(root string) (*Local, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root not configured")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Local{root: root}, nil
}

// Path returns the workspace directory for a session without creating it.
func (l *Local) Path(sessionID uuid.UUID) string {
	return filepath.Join(l.root, sessionID.String())
}

func (l *Local) Prepare(_ context.Context, sessionID uuid.UUID) (string, error) {
	dir := l.Path(sessionID)
	for _, sub := range subdirs {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return "", fmt.Errorf("create workspace %s: %w", sessionID, err)
		}
	}
	return dir, nil
}

func (l *Local) Sync(context.Context, uuid.UUID) error { return nil }

func (l *Local) Remove(_ context.Context, sessionID uuid.UUID) error {
	return os.RemoveAll(l.Path(sessionID))
}

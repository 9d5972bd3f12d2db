package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

func TestLocal_PrepareCreatesLayout(t *testing.T) {
	root := t.TempDir()
	l, err := NewLocal(root)
	if err != nil {
		t.Fatal(err)
	}

	sessionID := uuid.New()
	dir, err := l.Prepare(context.Background(), sessionID)
	if err != nil {
		t.Fatal(err)
	}
	if dir != filepath.Join(root, sessionID.String()) {
		t.Errorf("dir = %q", dir)
	}
	for _, sub := range []string{"project_files", "agent_workspace", "out"} {
		info, err := os.Stat(filepath.Join(dir, sub))
		if err != nil || !info.IsDir() {
			t.Errorf("missing subdir %s: %v", sub, err)
		}
	}

	// Prepare is idempotent and preserves existing content.
	marker := filepath.Join(dir, "out", "keep.txt")
	if err := os.WriteFile(marker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Prepare(context.Background(), sessionID); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(marker); err != nil {
		t.Error("existing file removed by second Prepare")
	}
}

func TestLocal_Remove(t *testing.T) {
	l, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	sessionID := uuid.New()
	dir, err := l.Prepare(context.Background(), sessionID)
	if err != nil {
		t.Fatal(err)
	}

	if err := l.Remove(context.Background(), sessionID); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("workspace dir survives Remove")
	}

	// Removing an absent workspace is a no-op.
	if err := l.Remove(context.Background(), uuid.New()); err != nil {
		t.Errorf("remove missing: %v", err)
	}
}

func TestNewLocal_EmptyRoot(t *testing.T) {
	if _, err := NewLocal(""); err == nil {
		t.Error("want error for empty root")
	}
}

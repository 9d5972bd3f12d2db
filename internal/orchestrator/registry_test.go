package orchestrator

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegistry_SingleRunningTaskPerSession(t *testing.T) {
	r := NewRegistry(testLogger())
	sessionID := uuid.New()

	firstCancelled := false
	first := r.Register(sessionID, uuid.New(), func() { firstCancelled = true })
	if first.Status != TaskRunning {
		t.Fatalf("first status = %s", first.Status)
	}

	second := r.Register(sessionID, uuid.New(), func() {})
	if !firstCancelled {
		t.Error("registering a second task must cancel the first")
	}
	if first.Status != TaskCancelled {
		t.Errorf("first status = %s, want cancelled", first.Status)
	}
	if got := r.Get(sessionID); got != second {
		t.Error("registry should hold the newest task")
	}
	if !r.IsRunning(sessionID) {
		t.Error("session should be running")
	}
}

func TestRegistry_CancelIdempotent(t *testing.T) {
	r := NewRegistry(testLogger())
	sessionID := uuid.New()

	cancels := 0
	r.Register(sessionID, uuid.New(), func() { cancels++ })

	if !r.Cancel(sessionID) {
		t.Error("first cancel should signal")
	}
	// The task stays in running status until the loop finalizes; a
	// second cancel in that window must still report false.
	if r.Cancel(sessionID) {
		t.Error("second cancel on the same running task should report false")
	}
	r.MarkCompleted(sessionID, TaskCancelled)

	if r.Cancel(sessionID) {
		t.Error("cancel after terminal status should be a no-op")
	}
	if cancels != 1 {
		t.Errorf("cancel func ran %d times, want 1", cancels)
	}
	if r.Cancel(uuid.New()) {
		t.Error("cancel for unknown session should report false")
	}
}

func TestRegistry_GC(t *testing.T) {
	r := NewRegistry(testLogger())

	oldDone := uuid.New()
	task := r.Register(oldDone, uuid.New(), func() {})
	task.CreatedAt = time.Now().Add(-2 * time.Hour)
	r.MarkCompleted(oldDone, TaskCompleted)

	oldRunning := uuid.New()
	running := r.Register(oldRunning, uuid.New(), func() {})
	running.CreatedAt = time.Now().Add(-2 * time.Hour)

	freshDone := uuid.New()
	r.Register(freshDone, uuid.New(), func() {})
	r.MarkCompleted(freshDone, TaskError)

	if removed := r.GC(time.Hour); removed != 1 {
		t.Errorf("GC removed %d, want 1", removed)
	}
	if r.Get(oldDone) != nil {
		t.Error("old terminal task should be collected")
	}
	if r.Get(oldRunning) == nil {
		t.Error("running task must survive GC regardless of age")
	}
	if r.Get(freshDone) == nil {
		t.Error("fresh terminal task must survive GC")
	}
}

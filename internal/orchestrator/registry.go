// Package orchestrator owns the assistant-message lifecycle: it wires
// the agent loop to the streaming buffer, the event bus, and the
// message store, and tracks running tasks per session.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of an agent task.
type TaskStatus string

const (
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskError     TaskStatus = "error"
	TaskCancelled TaskStatus = "cancelled"
)

// Task is one registered agent run.
type Task struct {
	SessionID uuid.UUID
	MessageID uuid.UUID
	Status    TaskStatus
	CreatedAt time.Time

	cancel context.CancelFunc
	// cancelRequested is set by the first Cancel; the status stays
	// running until the loop finalizes, so repeated cancels must be
	// detected independently of it.
	cancelRequested bool
}

// Registry maps session id to its currently running agent task. It is
// decoupled from the client transport, so a disconnect does not end the
// loop and a reconnecting client can find the active task.
type Registry struct {
	logger *slog.Logger

	mu    sync.Mutex
	tasks map[uuid.UUID]*Task
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger: logger,
		tasks:  make(map[uuid.UUID]*Task),
	}
}

// Register records a running task for the session. Any prior running
// task for the same session is cancelled first, keeping at most one
// running task per session.
func (r *Registry) Register(sessionID, messageID uuid.UUID, cancel context.CancelFunc) *Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prior, ok := r.tasks[sessionID]; ok && prior.Status == TaskRunning {
		r.logger.Warn("replacing running task", "session_id", sessionID, "prior_message_id", prior.MessageID)
		prior.cancel()
		prior.Status = TaskCancelled
	}

	t := &Task{
		SessionID: sessionID,
		MessageID: messageID,
		Status:    TaskRunning,
		CreatedAt: time.Now(),
		cancel:    cancel,
	}
	r.tasks[sessionID] = t
	return t
}

// Get returns the task for a session, or nil.
func (r *Registry) Get(sessionID uuid.UUID) *Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tasks[sessionID]
}

// IsRunning reports whether the session has a running task.
func (r *Registry) IsRunning(sessionID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[sessionID]
	return ok && t.Status == TaskRunning
}

// Cancel signals the session's running task. Idempotent; returns true
// only on the first call for a given running task, so callers can ack
// a cancel exactly once per turn.
func (r *Registry) Cancel(sessionID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[sessionID]
	if !ok || t.Status != TaskRunning || t.cancelRequested {
		return false
	}
	t.cancelRequested = true
	t.cancel()
	return true
}

// MarkCompleted transitions the session's task to a terminal status.
func (r *Registry) MarkCompleted(sessionID uuid.UUID, status TaskStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tasks[sessionID]; ok {
		t.Status = status
	}
}

// Cleanup removes the session's task entry.
func (r *Registry) Cleanup(sessionID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, sessionID)
}

// GC removes terminal tasks older than maxAge and returns how many were
// removed.
func (r *Registry) GC(maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for sessionID, t := range r.tasks {
		if t.Status != TaskRunning && t.CreatedAt.Before(cutoff) {
			delete(r.tasks, sessionID)
			removed++
		}
	}
	if removed > 0 {
		r.logger.Debug("task registry gc", "removed", removed)
	}
	return removed
}

// RunGC loops GC at the given interval until ctx is done.
func (r *Registry) RunGC(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.GC(maxAge)
		}
	}
}

package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrPersistence marks a finalize write that could not be verified. The
// orchestrator leaves the message incomplete when it sees this.
var ErrPersistence = errors.New("store: persistence failure")

// ProjectStore manages projects and their agent configuration.
type ProjectStore interface {
	Create(ctx context.Context, p *Project) error
	Get(ctx context.Context, id uuid.UUID) (*Project, error)
	List(ctx context.Context) ([]*Project, error)
	Update(ctx context.Context, p *Project) error
	// Delete cascades to sessions, messages, and tool actions.
	Delete(ctx context.Context, id uuid.UUID) error

	GetConfig(ctx context.Context, projectID uuid.UUID) (*AgentConfig, error)
	PutConfig(ctx context.Context, cfg *AgentConfig) error
}

// SessionStore manages chat sessions.
type SessionStore interface {
	Create(ctx context.Context, s *ChatSession) error
	Get(ctx context.Context, id uuid.UUID) (*ChatSession, error)
	ListByProject(ctx context.Context, projectID uuid.UUID) ([]*ChatSession, error)
	// SetEnvironment assigns the environment type/config chosen by
	// setup_environment. It is a one-shot transition from empty.
	SetEnvironment(ctx context.Context, id uuid.UUID, envType string, envConfig map[string]any) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// MessageStore persists messages and their recorded tool actions. The write
// path is split deliberately: Create inserts an incomplete row, and
// SaveComplete is the single atomic transition to the durable complete state.
type MessageStore interface {
	Create(ctx context.Context, m *Message) error
	// SaveComplete writes the full content, flips IsComplete, merges metadata,
	// and flushes the recorded tool actions in one transaction.
	SaveComplete(ctx context.Context, id uuid.UUID, content string, metadata map[string]any, actions []*ToolAction) error
	// MarkIncomplete records an error on a message left incomplete.
	MarkIncomplete(ctx context.Context, id uuid.UUID, reason string) error
	Get(ctx context.Context, id uuid.UUID) (*Message, error)
	// ListBySession returns messages in creation order. completeOnly filters
	// to IsComplete=true, the view clients display.
	ListBySession(ctx context.Context, sessionID uuid.UUID, completeOnly bool) ([]*Message, error)
	ListToolActions(ctx context.Context, messageID uuid.UUID) ([]*ToolAction, error)
	// DeleteIncomplete removes abandoned incomplete messages for a session
	// and returns how many were deleted.
	DeleteIncomplete(ctx context.Context, sessionID uuid.UUID) (int, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// ApiKeyStore manages encrypted provider credentials.
type ApiKeyStore interface {
	Put(ctx context.Context, k *ApiKey) error
	Get(ctx context.Context, provider string) (*ApiKey, error)
	List(ctx context.Context) ([]*ApiKey, error)
	TouchUsed(ctx context.Context, provider string) error
	Delete(ctx context.Context, provider string) error
}

// Stores bundles all store implementations for one backend.
type Stores struct {
	Projects ProjectStore
	Sessions SessionStore
	Messages MessageStore
	ApiKeys  ApiKeyStore

	// Close releases the underlying database handle.
	Close func() error
}

package store

import (
	"time"

	"github.com/google/uuid"
)

// Role is a message author role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Session status values.
const (
	SessionActive   = "active"
	SessionArchived = "archived"
)

// ToolAction status values.
const (
	ActionPending = "pending"
	ActionSuccess = "success"
	ActionError   = "error"
)

// Project groups chat sessions and carries exactly one AgentConfig.
type Project struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// AgentConfig is the per-project agent configuration (1:1 with Project).
type AgentConfig struct {
	ProjectID          uuid.UUID      `json:"project_id"`
	EnabledTools       []string       `json:"enabled_tools"`
	ModelProvider      string         `json:"model_provider"`
	ModelName          string         `json:"model_name"`
	ModelParams        map[string]any `json:"model_params,omitempty"`
	SystemInstructions string         `json:"system_instructions,omitempty"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// ChatSession is one conversation under a project. EnvironmentType is empty
// until setup_environment runs; a sandbox may exist only once it is set.
type ChatSession struct {
	ID                uuid.UUID      `json:"id"`
	ProjectID         uuid.UUID      `json:"project_id"`
	Status            string         `json:"status"`
	EnvironmentType   string         `json:"environment_type,omitempty"`
	EnvironmentConfig map[string]any `json:"environment_config,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

// Message is one turn entry. Assistant messages start with IsComplete=false
// and flip to true exactly once at finalize; no chunk is appended after that.
type Message struct {
	ID         uuid.UUID      `json:"id"`
	SessionID  uuid.UUID      `json:"session_id"`
	Role       Role           `json:"role"`
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	IsComplete bool           `json:"is_complete"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// ToolActionOutput is the recorded result of one tool invocation.
type ToolActionOutput struct {
	Result  string `json:"result"`
	Success bool   `json:"success"`
}

// ToolAction records one tool invocation made while producing an assistant
// message. Ordering within a message is preserved by CreatedAt.
type ToolAction struct {
	ID        uuid.UUID         `json:"id"`
	MessageID uuid.UUID         `json:"message_id"`
	ToolName  string            `json:"tool_name"`
	Input     map[string]any    `json:"input"`
	Output    *ToolActionOutput `json:"output,omitempty"`
	Status    string            `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
}

// ApiKey is a stored provider credential. Only the ciphertext is persisted.
type ApiKey struct {
	Provider     string     `json:"provider"`
	EncryptedKey string     `json:"-"`
	CreatedAt    time.Time  `json:"created_at"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
}

// GenID returns a new time-ordered UUID for database rows.
func GenID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

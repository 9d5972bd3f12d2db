package providers

import "context"

// Provider is the interface all LLM providers must implement.
type Provider interface {
	// StreamChat sends messages to the LLM and delivers response deltas
	// via onChunk as they arrive. Tool call arguments stream as raw JSON
	// fragments; accumulation is the caller's job.
	StreamChat(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) error

	// DefaultModel returns the provider's default model name.
	DefaultModel() string

	// Name returns the provider identifier (e.g. "anthropic", "openai").
	Name() string
}

// ChatRequest contains the input for a StreamChat call.
type ChatRequest struct {
	Messages []Message              `json:"messages"`
	Tools    []ToolDefinition       `json:"tools,omitempty"`
	Model    string                 `json:"model,omitempty"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

// Message represents a conversation message.
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// StreamChunk is a piece of a streaming response. Exactly one of the
// payload fields is set per chunk.
type StreamChunk struct {
	Content      string         `json:"content,omitempty"`
	ToolCall     *ToolCallDelta `json:"tool_call,omitempty"`
	FinishReason string         `json:"finish_reason,omitempty"` // "stop", "tool_calls", "length"
	Usage        *Usage         `json:"usage,omitempty"`
	Done         bool           `json:"done,omitempty"`
}

// ToolCallDelta is one fragment of a streamed tool invocation. Name is
// set only on the first fragment of a call; ArgumentsDelta carries a raw
// JSON fragment to be concatenated with its predecessors.
type ToolCallDelta struct {
	Index          int    `json:"index"`
	ID             string `json:"id,omitempty"`
	Name           string `json:"name,omitempty"`
	ArgumentsDelta string `json:"arguments_delta,omitempty"`
}

// ToolDefinition describes a tool available to the LLM.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

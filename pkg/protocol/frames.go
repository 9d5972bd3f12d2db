// Package protocol defines the JSON frames exchanged with chat clients
// over the WebSocket transport.
package protocol

import "encoding/json"

// Inbound frame types.
const (
	InboundMessage = "message"
	InboundCancel  = "cancel"
)

// Outbound frame types.
const (
	FrameUserMessageSaved = "user_message_saved"
	FrameStart            = "start"
	FrameThought          = "thought"
	FrameChunk            = "chunk"
	FrameAction           = "action"
	FrameObservation      = "observation"
	FrameCancelAck        = "cancel_acknowledged"
	FrameCancelled        = "cancelled"
	FrameError            = "error"
	FrameEnd              = "end"
)

// Inbound is a client-to-server frame.
type Inbound struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

// Outbound is a server-to-client frame. Fields are populated per type;
// unused fields are omitted on the wire.
type Outbound struct {
	Type           string         `json:"type"`
	MessageID      string         `json:"message_id,omitempty"`
	Content        string         `json:"content,omitempty"`
	PartialContent string         `json:"partial_content,omitempty"`
	Tool           string         `json:"tool,omitempty"`
	Args           map[string]any `json:"args,omitempty"`
	Step           int            `json:"step,omitempty"`
	Success        *bool          `json:"success,omitempty"`
	Cancelled      bool           `json:"cancelled,omitempty"`
	Error          bool           `json:"error,omitempty"`
}

// Encode serializes an outbound frame.
func (o Outbound) Encode() ([]byte, error) {
	return json.Marshal(o)
}

// Bool is a helper for the Success pointer field.
func Bool(v bool) *bool { return &v }

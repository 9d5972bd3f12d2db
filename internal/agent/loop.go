// Package agent implements the reasoning loop: stream the model,
// detect tool calls, execute them against the sandbox, feed the
// observation back, repeat until the model answers in plain text.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/open-codex/agentd/internal/providers"
	"github.com/open-codex/agentd/internal/tools"
)

// DefaultMaxIterations bounds the think-act-observe loop.
const DefaultMaxIterations = 10

// MaxIterationsMessage is the final chunk emitted when the loop gives
// up without an answer.
const MaxIterationsMessage = "Task incomplete: reached maximum iterations. Please try breaking down the task into smaller steps."

// EventType tags loop events.
type EventType string

const (
	EventThought     EventType = "thought"
	EventChunk       EventType = "chunk"
	EventAction      EventType = "action"
	EventObservation EventType = "observation"
	EventCancelled   EventType = "cancelled"
	EventError       EventType = "error"
	EventDone        EventType = "done"
)

// Event is one step of the loop's output stream.
type Event struct {
	Type EventType
	Step int

	// Text carries chunk/thought deltas and error messages.
	Text string

	// Action fields.
	Tool string
	Args map[string]any

	// Observation fields.
	Observation string
	Success     bool

	// Cancelled: content streamed before the cancel.
	Partial string
}

// Request is one user turn.
type Request struct {
	UserMessage        string
	History            []providers.Message
	SystemInstructions string
	Model              string
	Options            map[string]any
	EnabledTools       []string
}

// Loop drives the think-act-observe cycle for a session.
type Loop struct {
	provider      providers.Provider
	registry      *tools.Registry
	maxIterations int
	toolTimeout   time.Duration
	logger        *slog.Logger
}

func NewLoop(provider providers.Provider, registry *tools.Registry, logger *slog.Logger, opts ...LoopOption) *Loop {
	l := &Loop{
		provider:      provider,
		registry:      registry,
		maxIterations: DefaultMaxIterations,
		toolTimeout:   5 * time.Minute,
		logger:        logger,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

type LoopOption func(*Loop)

func WithMaxIterations(n int) LoopOption {
	return func(l *Loop) {
		if n > 0 {
			l.maxIterations = n
		}
	}
}

func WithToolTimeout(d time.Duration) LoopOption {
	return func(l *Loop) {
		if d > 0 {
			l.toolTimeout = d
		}
	}
}

// Run executes the loop. Events arrive on the returned channel in
// strict order; the channel closes after the terminal event
// (done, cancelled, or error). Cancel via ctx.
func (l *Loop) Run(ctx context.Context, req Request) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		l.run(ctx, req, out)
	}()
	return out
}

// toolCallAccumulator collects a streamed tool call: the name arrives
// only on the first delta, the arguments as JSON fragments.
type toolCallAccumulator struct {
	name     string
	argsJSON string
}

func (l *Loop) run(ctx context.Context, req Request, out chan<- Event) {
	defs := l.registry.Defs(req.EnabledTools)
	messages := l.buildMessages(req, defs)

	var streamed string // everything emitted as chunks so far, for cancel reporting

	for step := 1; step <= l.maxIterations; step++ {
		if ctx.Err() != nil {
			out <- Event{Type: EventCancelled, Step: step, Partial: streamed}
			return
		}

		var (
			responseText string
			call         toolCallAccumulator
		)

		err := l.provider.StreamChat(ctx, providers.ChatRequest{
			Messages: messages,
			Tools:    defs,
			Model:    req.Model,
			Options:  req.Options,
		}, func(chunk providers.StreamChunk) {
			switch {
			case chunk.Content != "":
				responseText += chunk.Content
				streamed += chunk.Content
				out <- Event{Type: EventChunk, Step: step, Text: chunk.Content}
			case chunk.ToolCall != nil:
				if call.name == "" && chunk.ToolCall.Name != "" {
					call.name = chunk.ToolCall.Name
				}
				call.argsJSON += chunk.ToolCall.ArgumentsDelta
			}
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				out <- Event{Type: EventCancelled, Step: step, Partial: streamed}
				return
			}
			out <- Event{Type: EventError, Step: step, Text: fmt.Sprintf("Model request failed: %v", err)}
			return
		}
		if ctx.Err() != nil {
			out <- Event{Type: EventCancelled, Step: step, Partial: streamed}
			return
		}

		tool := l.registry.Get(call.name)
		if call.name != "" && tool != nil {
			args := l.parseArgs(call)

			out <- Event{Type: EventAction, Step: step, Tool: call.name, Args: args}

			observation, success := l.invoke(ctx, tool, args)
			out <- Event{Type: EventObservation, Step: step, Tool: call.name, Observation: observation, Success: success}

			// Observations go back as a user turn; not every backend
			// supports a dedicated tool role.
			messages = append(messages, providers.Message{
				Role:    "user",
				Content: fmt.Sprintf("Tool '%s' returned: %s", call.name, observation),
			})
			continue
		}

		if call.name != "" {
			l.logger.Warn("model requested unregistered tool", "tool", call.name, "step", step)
		}
		if responseText != "" {
			out <- Event{Type: EventDone, Step: step}
			return
		}
		out <- Event{Type: EventError, Step: step, Text: "Agent did not provide a response"}
		return
	}

	out <- Event{Type: EventChunk, Step: l.maxIterations, Text: MaxIterationsMessage}
	out <- Event{Type: EventDone, Step: l.maxIterations}
}

func (l *Loop) buildMessages(req Request, defs []providers.ToolDefinition) []providers.Message {
	system := req.SystemInstructions
	if len(defs) > 0 {
		system += "\n\nAvailable tools:\n"
		for _, d := range defs {
			system += fmt.Sprintf("- %s: %s\n", d.Name, d.Description)
		}
	}

	messages := make([]providers.Message, 0, len(req.History)+2)
	if system != "" {
		messages = append(messages, providers.Message{Role: "system", Content: system})
	}
	messages = append(messages, req.History...)
	messages = append(messages, providers.Message{Role: "user", Content: req.UserMessage})
	return messages
}

// parseArgs decodes the accumulated argument JSON. Malformed JSON
// degrades to an empty object; the tool reports its own missing-arg
// errors.
func (l *Loop) parseArgs(call toolCallAccumulator) map[string]any {
	args := map[string]any{}
	if call.argsJSON == "" {
		return args
	}
	if err := json.Unmarshal([]byte(call.argsJSON), &args); err != nil {
		l.logger.Warn("tool arguments failed to parse, using empty args",
			"tool", call.name, "error", err)
		return map[string]any{}
	}
	return args
}

func (l *Loop) invoke(ctx context.Context, tool tools.Tool, args map[string]any) (string, bool) {
	toolCtx, cancel := context.WithTimeout(ctx, l.toolTimeout)
	defer cancel()

	result := tool.Execute(toolCtx, args)
	if result == nil {
		return "Error: tool returned no result", false
	}
	if toolCtx.Err() == context.DeadlineExceeded {
		return fmt.Sprintf("Error: tool timed out after %s", l.toolTimeout), false
	}
	if result.IsError {
		return result.Output, false
	}
	return result.Output, true
}

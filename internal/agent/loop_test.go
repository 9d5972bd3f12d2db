package agent

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/open-codex/agentd/internal/providers"
	"github.com/open-codex/agentd/internal/tools"
)

// scriptedProvider plays back one scripted response per StreamChat call.
type scriptedProvider struct {
	turns []func(req providers.ChatRequest, onChunk func(providers.StreamChunk)) error
	calls int

	lastRequest providers.ChatRequest
}

func (p *scriptedProvider) StreamChat(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) error {
	p.lastRequest = req
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if p.calls >= len(p.turns) {
		p.calls++
		onChunk(providers.StreamChunk{Done: true})
		return nil
	}
	turn := p.turns[p.calls]
	p.calls++
	return turn(req, onChunk)
}

func (p *scriptedProvider) DefaultModel() string { return "scripted" }
func (p *scriptedProvider) Name() string         { return "scripted" }

func textTurn(text string) func(providers.ChatRequest, func(providers.StreamChunk)) error {
	return func(_ providers.ChatRequest, onChunk func(providers.StreamChunk)) error {
		for _, piece := range strings.SplitAfter(text, " ") {
			onChunk(providers.StreamChunk{Content: piece})
		}
		onChunk(providers.StreamChunk{FinishReason: "stop", Done: true})
		return nil
	}
}

func toolTurn(name, argsJSON string) func(providers.ChatRequest, func(providers.StreamChunk)) error {
	return func(_ providers.ChatRequest, onChunk func(providers.StreamChunk)) error {
		// Name arrives on the first delta only, arguments split across
		// fragments like real providers do.
		onChunk(providers.StreamChunk{ToolCall: &providers.ToolCallDelta{Index: 0, ID: "call_1", Name: name}})
		mid := len(argsJSON) / 2
		onChunk(providers.StreamChunk{ToolCall: &providers.ToolCallDelta{Index: 0, ArgumentsDelta: argsJSON[:mid]}})
		onChunk(providers.StreamChunk{ToolCall: &providers.ToolCallDelta{Index: 0, ArgumentsDelta: argsJSON[mid:]}})
		onChunk(providers.StreamChunk{FinishReason: "tool_calls", Done: true})
		return nil
	}
}

// echoTool records the args it was called with and echoes a fixed reply.
type echoTool struct {
	calls []map[string]any
	reply string
	fail  bool
}

func (e *echoTool) Name() string        { return "echo" }
func (e *echoTool) Description() string { return "echoes input" }
func (e *echoTool) Params() []tools.Param {
	return []tools.Param{{Name: "text", Type: "string", Required: true}}
}

func (e *echoTool) Execute(_ context.Context, args map[string]any) *tools.Result {
	e.calls = append(e.calls, args)
	if e.fail {
		return tools.ErrorResult(e.reply)
	}
	return tools.NewResult(e.reply)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func collect(ch <-chan Event) []Event {
	var events []Event
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

func newTestRegistry(t *testing.T, ts ...tools.Tool) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry()
	for _, tool := range ts {
		if err := reg.Register(tool); err != nil {
			t.Fatal(err)
		}
	}
	return reg
}

func TestLoop_PlainTextAnswer(t *testing.T) {
	provider := &scriptedProvider{turns: []func(providers.ChatRequest, func(providers.StreamChunk)) error{
		textTurn("hello there"),
	}}
	loop := NewLoop(provider, newTestRegistry(t), testLogger())

	events := collect(loop.Run(context.Background(), Request{UserMessage: "hi"}))

	var text string
	for _, ev := range events {
		if ev.Type == EventChunk {
			text += ev.Text
		}
	}
	if text != "hello there" {
		t.Errorf("streamed text = %q, want %q", text, "hello there")
	}
	last := events[len(events)-1]
	if last.Type != EventDone || last.Step != 1 {
		t.Errorf("terminal event = %+v, want done at step 1", last)
	}
	if provider.calls != 1 {
		t.Errorf("provider called %d times, want 1", provider.calls)
	}
}

func TestLoop_ToolFlow(t *testing.T) {
	echo := &echoTool{reply: "file contents"}
	provider := &scriptedProvider{turns: []func(providers.ChatRequest, func(providers.StreamChunk)) error{
		toolTurn("echo", `{"text":"read it"}`),
		textTurn("done reading"),
	}}
	loop := NewLoop(provider, newTestRegistry(t, echo), testLogger())

	events := collect(loop.Run(context.Background(), Request{UserMessage: "read the file"}))

	var action, observation *Event
	for i := range events {
		switch events[i].Type {
		case EventAction:
			action = &events[i]
		case EventObservation:
			observation = &events[i]
		}
	}
	if action == nil || action.Tool != "echo" {
		t.Fatalf("missing action event: %+v", events)
	}
	if got := action.Args["text"]; got != "read it" {
		t.Errorf("action args = %v, want text=read it", action.Args)
	}
	if observation == nil || !observation.Success || observation.Observation != "file contents" {
		t.Errorf("observation = %+v, want successful 'file contents'", observation)
	}
	if len(echo.calls) != 1 {
		t.Fatalf("tool called %d times, want 1", len(echo.calls))
	}

	// The observation is fed back as a user turn.
	msgs := provider.lastRequest.Messages
	feedback := msgs[len(msgs)-1]
	if feedback.Role != "user" {
		t.Errorf("feedback role = %q, want user", feedback.Role)
	}
	want := "Tool 'echo' returned: file contents"
	if feedback.Content != want {
		t.Errorf("feedback = %q, want %q", feedback.Content, want)
	}

	if last := events[len(events)-1]; last.Type != EventDone || last.Step != 2 {
		t.Errorf("terminal event = %+v, want done at step 2", last)
	}
}

func TestLoop_FailedToolKeepsLooping(t *testing.T) {
	echo := &echoTool{reply: "exit code 1", fail: true}
	provider := &scriptedProvider{turns: []func(providers.ChatRequest, func(providers.StreamChunk)) error{
		toolTurn("echo", `{"text":"run"}`),
		textTurn("it failed"),
	}}
	loop := NewLoop(provider, newTestRegistry(t, echo), testLogger())

	events := collect(loop.Run(context.Background(), Request{UserMessage: "run it"}))

	for _, ev := range events {
		if ev.Type == EventObservation {
			if ev.Success {
				t.Error("observation marked successful for a failed tool")
			}
			if ev.Observation != "exit code 1" {
				t.Errorf("observation = %q, want the error output", ev.Observation)
			}
		}
	}
	if last := events[len(events)-1]; last.Type != EventDone {
		t.Errorf("terminal event = %+v, want done", last)
	}
}

func TestLoop_MalformedArgsDegradeToEmpty(t *testing.T) {
	echo := &echoTool{reply: "ok"}
	provider := &scriptedProvider{turns: []func(providers.ChatRequest, func(providers.StreamChunk)) error{
		toolTurn("echo", `{"text": not-json`),
		textTurn("finished"),
	}}
	loop := NewLoop(provider, newTestRegistry(t, echo), testLogger())

	collect(loop.Run(context.Background(), Request{UserMessage: "go"}))

	if len(echo.calls) != 1 {
		t.Fatalf("tool called %d times, want 1", len(echo.calls))
	}
	if len(echo.calls[0]) != 0 {
		t.Errorf("args = %v, want empty map for malformed JSON", echo.calls[0])
	}
}

func TestLoop_UnregisteredToolFallsThroughToText(t *testing.T) {
	provider := &scriptedProvider{turns: []func(providers.ChatRequest, func(providers.StreamChunk)) error{
		func(_ providers.ChatRequest, onChunk func(providers.StreamChunk)) error {
			onChunk(providers.StreamChunk{Content: "I would use a tool"})
			onChunk(providers.StreamChunk{ToolCall: &providers.ToolCallDelta{Index: 0, Name: "no_such_tool"}})
			onChunk(providers.StreamChunk{FinishReason: "tool_calls", Done: true})
			return nil
		},
	}}
	loop := NewLoop(provider, newTestRegistry(t), testLogger())

	events := collect(loop.Run(context.Background(), Request{UserMessage: "hi"}))

	if last := events[len(events)-1]; last.Type != EventDone {
		t.Errorf("terminal event = %+v, want done (text answer present)", last)
	}
}

func TestLoop_NoResponseIsError(t *testing.T) {
	provider := &scriptedProvider{turns: []func(providers.ChatRequest, func(providers.StreamChunk)) error{
		func(_ providers.ChatRequest, onChunk func(providers.StreamChunk)) error {
			onChunk(providers.StreamChunk{FinishReason: "stop", Done: true})
			return nil
		},
	}}
	loop := NewLoop(provider, newTestRegistry(t), testLogger())

	events := collect(loop.Run(context.Background(), Request{UserMessage: "hi"}))

	last := events[len(events)-1]
	if last.Type != EventError {
		t.Fatalf("terminal event = %+v, want error", last)
	}
	if last.Text != "Agent did not provide a response" {
		t.Errorf("error text = %q", last.Text)
	}
}

func TestLoop_MaxIterations(t *testing.T) {
	echo := &echoTool{reply: "looping"}
	provider := &scriptedProvider{turns: []func(providers.ChatRequest, func(providers.StreamChunk)) error{
		toolTurn("echo", `{"text":"1"}`),
		toolTurn("echo", `{"text":"2"}`),
		toolTurn("echo", `{"text":"3"}`),
	}}
	loop := NewLoop(provider, newTestRegistry(t, echo), testLogger(), WithMaxIterations(2))

	events := collect(loop.Run(context.Background(), Request{UserMessage: "loop forever"}))

	if provider.calls != 2 {
		t.Errorf("provider called %d times, want 2", provider.calls)
	}
	if len(events) < 2 {
		t.Fatalf("too few events: %+v", events)
	}
	chunk := events[len(events)-2]
	if chunk.Type != EventChunk || chunk.Text != MaxIterationsMessage {
		t.Errorf("penultimate event = %+v, want max-iterations chunk", chunk)
	}
	if last := events[len(events)-1]; last.Type != EventDone {
		t.Errorf("terminal event = %+v, want done", last)
	}
}

func TestLoop_CancelledBeforeStart(t *testing.T) {
	provider := &scriptedProvider{turns: []func(providers.ChatRequest, func(providers.StreamChunk)) error{
		textTurn("never sent"),
	}}
	loop := NewLoop(provider, newTestRegistry(t), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	events := collect(loop.Run(ctx, Request{UserMessage: "hi"}))

	if len(events) != 1 || events[0].Type != EventCancelled {
		t.Fatalf("events = %+v, want single cancelled event", events)
	}
}

func TestLoop_CancelledMidStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	provider := &scriptedProvider{turns: []func(providers.ChatRequest, func(providers.StreamChunk)) error{
		func(_ providers.ChatRequest, onChunk func(providers.StreamChunk)) error {
			onChunk(providers.StreamChunk{Content: "partial "})
			onChunk(providers.StreamChunk{Content: "answer"})
			cancel()
			return context.Canceled
		},
	}}
	loop := NewLoop(provider, newTestRegistry(t), testLogger())

	events := collect(loop.Run(ctx, Request{UserMessage: "hi"}))

	last := events[len(events)-1]
	if last.Type != EventCancelled {
		t.Fatalf("terminal event = %+v, want cancelled", last)
	}
	if last.Partial != "partial answer" {
		t.Errorf("partial = %q, want %q", last.Partial, "partial answer")
	}
}

func TestLoop_SystemPromptListsTools(t *testing.T) {
	echo := &echoTool{reply: "ok"}
	provider := &scriptedProvider{turns: []func(providers.ChatRequest, func(providers.StreamChunk)) error{
		textTurn("hi"),
	}}
	loop := NewLoop(provider, newTestRegistry(t, echo), testLogger())

	collect(loop.Run(context.Background(), Request{
		UserMessage:        "hi",
		SystemInstructions: "Be helpful.",
	}))

	msgs := provider.lastRequest.Messages
	if len(msgs) == 0 || msgs[0].Role != "system" {
		t.Fatalf("first message = %+v, want system", msgs)
	}
	if !strings.Contains(msgs[0].Content, "Be helpful.") || !strings.Contains(msgs[0].Content, "echo") {
		t.Errorf("system prompt missing instructions or tool list: %q", msgs[0].Content)
	}
}

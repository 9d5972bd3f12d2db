package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/open-codex/agentd/internal/config"
	"github.com/open-codex/agentd/internal/providers"
	"github.com/open-codex/agentd/internal/sandbox"
	"github.com/open-codex/agentd/internal/store"
	"github.com/open-codex/agentd/internal/store/storetest"
	"github.com/open-codex/agentd/internal/stream"
)

type turnFunc func(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) error

// scriptedProvider plays back one turnFunc per StreamChat call.
type scriptedProvider struct {
	mu    sync.Mutex
	turns []turnFunc
	calls int
}

func (p *scriptedProvider) StreamChat(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) error {
	p.mu.Lock()
	i := p.calls
	p.calls++
	p.mu.Unlock()
	if i >= len(p.turns) {
		return fmt.Errorf("no scripted turn %d", i+1)
	}
	return p.turns[i](ctx, req, onChunk)
}

func (p *scriptedProvider) Name() string         { return "scripted" }
func (p *scriptedProvider) DefaultModel() string { return "scripted-1" }

func textTurn(chunks ...string) turnFunc {
	return func(_ context.Context, _ providers.ChatRequest, onChunk func(providers.StreamChunk)) error {
		for _, c := range chunks {
			onChunk(providers.StreamChunk{Content: c})
		}
		onChunk(providers.StreamChunk{Done: true, FinishReason: "stop"})
		return nil
	}
}

func toolTurn(name, argsJSON string) turnFunc {
	return func(_ context.Context, _ providers.ChatRequest, onChunk func(providers.StreamChunk)) error {
		onChunk(providers.StreamChunk{ToolCall: &providers.ToolCallDelta{Name: name}})
		onChunk(providers.StreamChunk{ToolCall: &providers.ToolCallDelta{ArgumentsDelta: argsJSON}})
		onChunk(providers.StreamChunk{Done: true, FinishReason: "tool_calls"})
		return nil
	}
}

type stubSandbox struct{}

func (stubSandbox) ID() string { return "stub" }
func (stubSandbox) Exec(ctx context.Context, cmd []string, cwd string, timeout time.Duration) (*sandbox.ExecResult, error) {
	return &sandbox.ExecResult{ExitCode: 0, Stdout: "ok\n"}, nil
}
func (stubSandbox) ReadFile(ctx context.Context, path string) ([]byte, error) {
	return []byte("data"), nil
}
func (stubSandbox) WriteFile(ctx context.Context, path string, data []byte) error { return nil }
func (stubSandbox) Close(ctx context.Context) error                               { return nil }

type stubSandboxes struct{ sb sandbox.Sandbox }

func (s stubSandboxes) Get(key string) (sandbox.Sandbox, error) { return s.sb, nil }
func (s stubSandboxes) Create(ctx context.Context, key string) (sandbox.Sandbox, error) {
	return s.sb, nil
}

type harness struct {
	orch   *Orchestrator
	bus    *stream.Bus
	stores *store.Stores
}

func newHarness(t *testing.T, p providers.Provider) *harness {
	t.Helper()
	logger := testLogger()
	bus := stream.NewBus(logger)
	t.Cleanup(func() { bus.Close(context.Background()) })

	factory := providers.NewFactory(nil, nil)
	factory.RegisterStatic("scripted", p)

	defaults := config.AgentConfig{
		MaxIterations:   5,
		DefaultProvider: "scripted",
		DefaultModel:    "scripted-1",
		MaxTokens:       512,
	}
	stores := storetest.NewStores()
	orch := New(stores, stream.NewBuffer(), bus, NewRegistry(logger),
		stubSandboxes{sb: stubSandbox{}}, factory, defaults, logger)
	return &harness{orch: orch, bus: bus, stores: stores}
}

func seedConversation(t *testing.T, stores *store.Stores) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	p := &store.Project{Name: "proj"}
	if err := stores.Projects.Create(ctx, p); err != nil {
		t.Fatal(err)
	}
	s := &store.ChatSession{ProjectID: p.ID}
	if err := stores.Sessions.Create(ctx, s); err != nil {
		t.Fatal(err)
	}
	return s.ID
}

func payloadStr(ev stream.Event, key string) string {
	s, _ := ev.Payload[key].(string)
	return s
}

func waitForEvent(t *testing.T, bus *stream.Bus, kind stream.EventKind, messageID uuid.UUID) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, ev := range bus.History() {
			if ev.Kind == kind && payloadStr(ev, "message_id") == messageID.String() {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("event %s for message %s not observed", kind, messageID)
}

func eventIndex(history []stream.Event, kind stream.EventKind) int {
	for i, ev := range history {
		if ev.Kind == kind {
			return i
		}
	}
	return -1
}

func countEvents(history []stream.Event, kind stream.EventKind) int {
	n := 0
	for _, ev := range history {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func TestTurnStreamsAndFinalizes(t *testing.T) {
	p := &scriptedProvider{turns: []turnFunc{textTurn("Hello ", "world")}}
	h := newHarness(t, p)
	sessionID := seedConversation(t, h.stores)

	userID, asstID, err := h.orch.HandleMessage(context.Background(), sessionID, "hi")
	if err != nil {
		t.Fatal(err)
	}
	waitForEvent(t, h.bus, stream.EventStreamEnd, asstID)

	history := h.bus.History()

	// The saved-user event precedes start in bus order; the transport
	// relies on that for its wire order.
	savedIdx := eventIndex(history, stream.EventUserSaved)
	startIdx := eventIndex(history, stream.EventStreamStart)
	if savedIdx == -1 || startIdx == -1 || savedIdx > startIdx {
		t.Errorf("user_saved at %d must precede start at %d", savedIdx, startIdx)
	}
	if savedIdx != -1 && payloadStr(history[savedIdx], "message_id") != userID.String() {
		t.Errorf("user_saved carries %q, want the user message id", payloadStr(history[savedIdx], "message_id"))
	}

	var streamed string
	for _, ev := range history {
		if ev.Kind == stream.EventStreamChunk {
			streamed += payloadStr(ev, "content")
		}
	}
	msg, err := h.stores.Messages.Get(context.Background(), asstID)
	if err != nil {
		t.Fatal(err)
	}
	if !msg.IsComplete {
		t.Error("message should be complete after the turn")
	}
	if msg.Content != "Hello world" || msg.Content != streamed {
		t.Errorf("content = %q, streamed = %q", msg.Content, streamed)
	}
	if eventIndex(history, stream.EventPersistSuccess) == -1 {
		t.Error("missing persistence success event")
	}
}

func TestToolTurnRecordsActions(t *testing.T) {
	p := &scriptedProvider{turns: []turnFunc{
		toolTurn("bash", `{"command":"ls"}`),
		textTurn("done"),
	}}
	h := newHarness(t, p)
	sessionID := seedConversation(t, h.stores)
	if err := h.stores.Sessions.SetEnvironment(context.Background(), sessionID, "python", nil); err != nil {
		t.Fatal(err)
	}

	_, asstID, err := h.orch.HandleMessage(context.Background(), sessionID, "list files")
	if err != nil {
		t.Fatal(err)
	}
	waitForEvent(t, h.bus, stream.EventStreamEnd, asstID)

	actions, err := h.stores.Messages.ListToolActions(context.Background(), asstID)
	if err != nil {
		t.Fatal(err)
	}
	if len(actions) != 1 {
		t.Fatalf("actions = %d, want 1", len(actions))
	}
	if actions[0].ToolName != "bash" || actions[0].Status != store.ActionSuccess {
		t.Errorf("action = %+v", actions[0])
	}
	if actions[0].Output == nil || !actions[0].Output.Success {
		t.Errorf("output = %+v", actions[0].Output)
	}

	history := h.bus.History()
	if n := countEvents(history, stream.EventActionStart); n != len(actions) {
		t.Errorf("action start events = %d, recorded actions = %d", n, len(actions))
	}
	if countEvents(history, stream.EventActionComplete) != 1 {
		t.Error("missing action complete event")
	}
	if countEvents(history, stream.EventObservation) != 1 {
		t.Error("missing observation event")
	}
}

func TestCancelAcknowledgedExactlyOnce(t *testing.T) {
	started := make(chan struct{})
	p := &scriptedProvider{turns: []turnFunc{
		func(ctx context.Context, _ providers.ChatRequest, onChunk func(providers.StreamChunk)) error {
			onChunk(providers.StreamChunk{Content: "partial "})
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
	}}
	h := newHarness(t, p)
	sessionID := seedConversation(t, h.stores)

	_, asstID, err := h.orch.HandleMessage(context.Background(), sessionID, "go")
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("provider never started streaming")
	}

	if !h.orch.Cancel(sessionID) {
		t.Fatal("first cancel should be acknowledged")
	}
	if h.orch.Cancel(sessionID) {
		t.Error("second cancel before finalize must not re-acknowledge")
	}

	waitForEvent(t, h.bus, stream.EventStreamEnd, asstID)
	history := h.bus.History()
	if n := countEvents(history, stream.EventCancelAck); n != 1 {
		t.Errorf("cancel acks = %d, want exactly 1", n)
	}

	cancelledIdx := eventIndex(history, stream.EventStreamCancelled)
	if cancelledIdx == -1 {
		t.Fatal("missing cancelled event")
	}
	if got := payloadStr(history[cancelledIdx], "partial_content"); got != "partial " {
		t.Errorf("partial_content = %q", got)
	}

	msg, err := h.stores.Messages.Get(context.Background(), asstID)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Content != "partial " || msg.Metadata["cancelled"] != true {
		t.Errorf("persisted partial = %q, metadata = %v", msg.Content, msg.Metadata)
	}
}

func TestPersistFailureEmitsEvent(t *testing.T) {
	p := &scriptedProvider{turns: []turnFunc{textTurn("answer")}}
	h := newHarness(t, p)
	h.stores.Messages.(*storetest.MessageStore).SaveCompleteErr = store.ErrPersistence
	sessionID := seedConversation(t, h.stores)

	_, asstID, err := h.orch.HandleMessage(context.Background(), sessionID, "hi")
	if err != nil {
		t.Fatal(err)
	}
	waitForEvent(t, h.bus, stream.EventStreamEnd, asstID)

	history := h.bus.History()
	if eventIndex(history, stream.EventPersistFailure) == -1 {
		t.Error("missing persistence failure event")
	}
	if eventIndex(history, stream.EventPersistSuccess) != -1 {
		t.Error("persistence success must not be emitted on failure")
	}

	msg, err := h.stores.Messages.Get(context.Background(), asstID)
	if err != nil {
		t.Fatal(err)
	}
	if msg.IsComplete {
		t.Error("message must stay incomplete when the finalize write fails")
	}
	if msg.Metadata["error"] == nil {
		t.Errorf("metadata = %v, want recorded error", msg.Metadata)
	}
}

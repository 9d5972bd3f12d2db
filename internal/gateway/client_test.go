package gateway

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/open-codex/agentd/internal/config"
	"github.com/open-codex/agentd/internal/orchestrator"
	"github.com/open-codex/agentd/internal/providers"
	"github.com/open-codex/agentd/internal/store"
	"github.com/open-codex/agentd/internal/store/storetest"
	"github.com/open-codex/agentd/internal/stream"
	"github.com/open-codex/agentd/pkg/protocol"
)

type turnFunc func(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) error

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

func newGateway(t *testing.T, p providers.Provider) (*httptest.Server, uuid.UUID) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := stream.NewBus(logger)
	t.Cleanup(func() { bus.Close(context.Background()) })

	factory := providers.NewFactory(nil, nil)
	factory.RegisterStatic("scripted", p)

	stores := storetest.NewStores()
	orch := orchestrator.New(stores, stream.NewBuffer(), bus, orchestrator.NewRegistry(logger),
		nil, factory, config.AgentConfig{
			MaxIterations:   5,
			DefaultProvider: "scripted",
			DefaultModel:    "scripted-1",
			MaxTokens:       256,
		}, logger)

	srv := NewServer(&config.Config{}, orch, bus, stores.Sessions, logger)
	ts := httptest.NewServer(srv.BuildMux())
	t.Cleanup(ts.Close)

	ctx := context.Background()
	proj := &store.Project{Name: "proj"}
	if err := stores.Projects.Create(ctx, proj); err != nil {
		t.Fatal(err)
	}
	sess := &store.ChatSession{ProjectID: proj.ID}
	if err := stores.Sessions.Create(ctx, sess); err != nil {
		t.Fatal(err)
	}
	return ts, sess.ID
}

func dialSession(t *testing.T, ts *httptest.Server, sessionID uuid.UUID) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/" + sessionID.String()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.Outbound {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var f protocol.Outbound
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func readUntil(t *testing.T, conn *websocket.Conn, frameType string) []protocol.Outbound {
	t.Helper()
	var frames []protocol.Outbound
	for {
		f := readFrame(t, conn)
		frames = append(frames, f)
		if f.Type == frameType {
			return frames
		}
	}
}

func chunkText(frames []protocol.Outbound) string {
	var text string
	for _, f := range frames {
		if f.Type == protocol.FrameChunk {
			text += f.Content
		}
	}
	return text
}

func TestFrameOrderOnTurnOpen(t *testing.T) {
	p := &scriptedProvider{turns: []turnFunc{
		func(_ context.Context, _ providers.ChatRequest, onChunk func(providers.StreamChunk)) error {
			onChunk(providers.StreamChunk{Content: "Hello "})
			onChunk(providers.StreamChunk{Content: "world"})
			onChunk(providers.StreamChunk{Done: true, FinishReason: "stop"})
			return nil
		},
	}}
	ts, sessionID := newGateway(t, p)

	conn := dialSession(t, ts, sessionID)
	if err := conn.WriteJSON(protocol.Inbound{Type: protocol.InboundMessage, Content: "hi"}); err != nil {
		t.Fatal(err)
	}

	frames := readUntil(t, conn, protocol.FrameEnd)
	if len(frames) < 3 {
		t.Fatalf("frames = %d, want at least saved/start/end", len(frames))
	}
	if frames[0].Type != protocol.FrameUserMessageSaved {
		t.Errorf("first frame = %q, want %q", frames[0].Type, protocol.FrameUserMessageSaved)
	}
	if frames[1].Type != protocol.FrameStart {
		t.Errorf("second frame = %q, want %q", frames[1].Type, protocol.FrameStart)
	}
	if got := chunkText(frames); got != "Hello world" {
		t.Errorf("streamed text = %q", got)
	}
	if frames[len(frames)-1].Cancelled || frames[len(frames)-1].Error {
		t.Errorf("end frame = %+v, want clean finish", frames[len(frames)-1])
	}
}

func TestReconnectReplaysWithoutDuplicates(t *testing.T) {
	release := make(chan struct{})
	p := &scriptedProvider{turns: []turnFunc{
		func(ctx context.Context, _ providers.ChatRequest, onChunk func(providers.StreamChunk)) error {
			onChunk(providers.StreamChunk{Content: "alpha "})
			select {
			case <-release:
			case <-ctx.Done():
				return ctx.Err()
			}
			onChunk(providers.StreamChunk{Content: "beta"})
			onChunk(providers.StreamChunk{Done: true, FinishReason: "stop"})
			return nil
		},
	}}
	ts, sessionID := newGateway(t, p)

	first := dialSession(t, ts, sessionID)
	if err := first.WriteJSON(protocol.Inbound{Type: protocol.InboundMessage, Content: "go"}); err != nil {
		t.Fatal(err)
	}
	// Wait for the first chunk to reach the wire before reconnecting,
	// so the buffer is known to hold it.
	for {
		f := readFrame(t, first)
		if f.Type == protocol.FrameChunk && f.Content == "alpha " {
			break
		}
	}

	second := dialSession(t, ts, sessionID)
	if f := readFrame(t, second); f.Type != protocol.FrameStart {
		t.Fatalf("reconnect first frame = %q, want %q", f.Type, protocol.FrameStart)
	}
	if f := readFrame(t, second); f.Type != protocol.FrameChunk || f.Content != "alpha " {
		t.Fatalf("replayed frame = %+v, want the buffered chunk", f)
	}

	close(release)
	rest := readUntil(t, second, protocol.FrameEnd)

	// Nothing already replayed may arrive again; only the live tail does.
	for _, f := range rest {
		if f.Type == protocol.FrameChunk && f.Content == "alpha " {
			t.Error("replayed chunk delivered twice")
		}
	}
	if got := chunkText(rest); got != "beta" {
		t.Errorf("live tail = %q, want %q", got, "beta")
	}
}

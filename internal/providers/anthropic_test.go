package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func sseServer(t *testing.T, lines []string, check func(r *http.Request, body map[string]any)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			var body map[string]any
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Errorf("request body decode: %v", err)
			}
			check(r, body)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			fmt.Fprintln(w, line)
		}
	}))
}

func TestAnthropicStreamChat_Text(t *testing.T) {
	lines := []string{
		"event: message_start",
		`data: {"message":{"usage":{"input_tokens":12}}}`,
		"",
		"event: content_block_start",
		`data: {"index":0,"content_block":{"type":"text"}}`,
		"",
		"event: content_block_delta",
		`data: {"delta":{"type":"text_delta","text":"Hello"}}`,
		"",
		"event: content_block_delta",
		`data: {"delta":{"type":"text_delta","text":" world"}}`,
		"",
		"event: message_delta",
		`data: {"delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":4}}`,
		"",
		"event: message_stop",
		`data: {}`,
	}

	srv := sseServer(t, lines, func(r *http.Request, body map[string]any) {
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("x-api-key = %q", r.Header.Get("x-api-key"))
		}
		if r.Header.Get("anthropic-version") == "" {
			t.Error("missing anthropic-version header")
		}
		if body["stream"] != true {
			t.Error("stream flag not set")
		}
		if body["model"] != "claude-test" {
			t.Errorf("model = %v", body["model"])
		}
	})
	defer srv.Close()

	p := NewAnthropicProvider("test-key", WithAnthropicBaseURL(srv.URL))

	var text string
	var terminal *StreamChunk
	err := p.StreamChat(context.Background(), ChatRequest{
		Model:    "claude-test",
		Messages: []Message{{Role: "user", Content: "hi"}},
	}, func(chunk StreamChunk) {
		if chunk.Done {
			c := chunk
			terminal = &c
			return
		}
		text += chunk.Content
	})
	if err != nil {
		t.Fatal(err)
	}

	if text != "Hello world" {
		t.Errorf("text = %q", text)
	}
	if terminal == nil {
		t.Fatal("no terminal chunk")
	}
	if terminal.FinishReason != "stop" {
		t.Errorf("finish reason = %q", terminal.FinishReason)
	}
	if terminal.Usage == nil || terminal.Usage.PromptTokens != 12 || terminal.Usage.CompletionTokens != 4 || terminal.Usage.TotalTokens != 16 {
		t.Errorf("usage = %+v", terminal.Usage)
	}
}

func TestAnthropicStreamChat_ToolUse(t *testing.T) {
	lines := []string{
		"event: message_start",
		`data: {"message":{"usage":{"input_tokens":5}}}`,
		"",
		"event: content_block_start",
		`data: {"index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"bash"}}`,
		"",
		"event: content_block_delta",
		`data: {"delta":{"type":"input_json_delta","partial_json":"{\"comm"}}`,
		"",
		"event: content_block_delta",
		`data: {"delta":{"type":"input_json_delta","partial_json":"and\":\"ls\"}"}}`,
		"",
		"event: message_delta",
		`data: {"delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":7}}`,
		"",
		"event: message_stop",
		`data: {}`,
	}

	srv := sseServer(t, lines, func(_ *http.Request, body map[string]any) {
		tools, _ := body["tools"].([]any)
		if len(tools) != 1 {
			t.Fatalf("tools = %v", body["tools"])
		}
		tool, _ := tools[0].(map[string]any)
		if tool["name"] != "bash" || tool["input_schema"] == nil {
			t.Errorf("tool wire shape = %v", tool)
		}
	})
	defer srv.Close()

	p := NewAnthropicProvider("k", WithAnthropicBaseURL(srv.URL))

	var name, argsJSON string
	var finish string
	err := p.StreamChat(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "list files"}},
		Tools: []ToolDefinition{{
			Name:        "bash",
			Description: "run a command",
			Parameters:  map[string]any{"type": "object"},
		}},
	}, func(chunk StreamChunk) {
		switch {
		case chunk.Done:
			finish = chunk.FinishReason
		case chunk.ToolCall != nil:
			if chunk.ToolCall.Name != "" {
				name = chunk.ToolCall.Name
			}
			argsJSON += chunk.ToolCall.ArgumentsDelta
		}
	})
	if err != nil {
		t.Fatal(err)
	}

	if name != "bash" {
		t.Errorf("tool name = %q", name)
	}
	if argsJSON != `{"command":"ls"}` {
		t.Errorf("accumulated args = %q", argsJSON)
	}
	if finish != "tool_calls" {
		t.Errorf("finish reason = %q", finish)
	}
}

func TestAnthropicStreamChat_SystemMessagesLifted(t *testing.T) {
	lines := []string{
		"event: message_stop",
		`data: {}`,
	}
	srv := sseServer(t, lines, func(_ *http.Request, body map[string]any) {
		system, _ := body["system"].([]any)
		if len(system) != 1 {
			t.Fatalf("system = %v", body["system"])
		}
		msgs, _ := body["messages"].([]any)
		for _, m := range msgs {
			mm, _ := m.(map[string]any)
			if mm["role"] == "system" {
				t.Error("system message leaked into messages array")
			}
		}
	})
	defer srv.Close()

	p := NewAnthropicProvider("k", WithAnthropicBaseURL(srv.URL))
	err := p.StreamChat(context.Background(), ChatRequest{
		Messages: []Message{
			{Role: "system", Content: "be terse"},
			{Role: "user", Content: "hi"},
		},
	}, func(StreamChunk) {})
	if err != nil {
		t.Fatal(err)
	}
}

func TestAnthropicStreamChat_ErrorEvent(t *testing.T) {
	lines := []string{
		"event: error",
		`data: {"error":{"type":"overloaded_error","message":"try later"}}`,
	}
	srv := sseServer(t, lines, nil)
	defer srv.Close()

	p := NewAnthropicProvider("k", WithAnthropicBaseURL(srv.URL))
	err := p.StreamChat(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	}, func(StreamChunk) {})
	if err == nil {
		t.Fatal("want error from stream error event")
	}
}

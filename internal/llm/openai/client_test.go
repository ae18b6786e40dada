package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/manifold-labs/agentserver/internal/llm"
)

func TestChatSendsAdaptedRequestAndParsesToolCalls(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Fatalf("decode request body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"choices": [{
				"index": 0,
				"message": {
					"role": "assistant",
					"content": "",
					"tool_calls": [{
						"id": "call-1",
						"type": "function",
						"function": {"name": "echo", "arguments": "{\"text\":\"hi\"}"}
					}]
				},
				"finish_reason": "tool_calls"
			}]
		}`))
	}))
	defer srv.Close()

	client := New("sk-test", srv.URL, "gpt-4o")
	req := llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "say hi"}},
		Tools:    []llm.ToolSchema{{Name: "echo", Description: "echoes", Parameters: map[string]any{"type": "object"}}},
	}

	msg, err := client.Chat(context.Background(), req)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if len(msg.ToolCalls) != 1 || msg.ToolCalls[0].Name != "echo" {
		t.Fatalf("expected one echo tool call, got %+v", msg.ToolCalls)
	}

	if captured["model"] != "gpt-4o" {
		t.Fatalf("expected request model gpt-4o, got %v", captured["model"])
	}
	tools, ok := captured["tools"].([]any)
	if !ok || len(tools) != 1 {
		t.Fatalf("expected one tool declared in the outgoing request, got %v", captured["tools"])
	}
}

func TestChatOmitsToolsWhenToolsDisabled(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&captured)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"index":0,"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	client := New("sk-test", srv.URL, "gpt-4o", WithToolsDisabled())
	req := llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
		Tools:    []llm.ToolSchema{{Name: "echo", Parameters: map[string]any{"type": "object"}}},
	}
	if _, err := client.Chat(context.Background(), req); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if _, present := captured["tools"]; present {
		t.Fatalf("expected tools to be omitted when disabled, got %v", captured["tools"])
	}
	if client.SupportsTools() {
		t.Fatalf("expected SupportsTools to report false")
	}
}

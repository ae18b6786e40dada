package anthropic

import (
	"encoding/json"
	"testing"

	anthropic "github.com/anthropics/anthropic-sdk-go"

	"github.com/manifold-labs/agentserver/internal/llm"
)

func TestAdaptMessagesSplitsSystemAndRestoresThinking(t *testing.T) {
	saved, err := json.Marshal([]thinkingData{{Signature: "sig-1", Thinking: "reasoning trace"}})
	if err != nil {
		t.Fatalf("marshal thinking: %v", err)
	}
	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: "be helpful"},
		{Role: llm.RoleUser, Content: "what's 2+2"},
		{Role: llm.RoleAssistant, Content: "4", ThoughtSignature: string(saved)},
		{Role: llm.RoleTool, ToolID: "call-1", Content: "tool output"},
	}

	system, converted, err := adaptMessages(msgs)
	if err != nil {
		t.Fatalf("adaptMessages: %v", err)
	}
	if len(system) != 1 || system[0].Text != "be helpful" {
		t.Fatalf("expected system prompt split out, got %+v", system)
	}
	if len(converted) != 3 {
		t.Fatalf("expected 3 converted messages (user, assistant, tool), got %d", len(converted))
	}
	if blocks := converted[1].Content; len(blocks) == 0 || blocks[0].OfThinking == nil || blocks[0].OfThinking.Signature != "sig-1" {
		t.Fatalf("expected the saved thinking block restored first on the assistant message, got %+v", converted[1].Content)
	}
}

func TestAdaptMessagesRejectsUnsupportedRole(t *testing.T) {
	_, _, err := adaptMessages([]llm.Message{{Role: "bogus", Content: "x"}})
	if err == nil {
		t.Fatalf("expected an error for an unsupported role")
	}
}

func TestAdaptMessagesRejectsEmptyHistory(t *testing.T) {
	_, _, err := adaptMessages(nil)
	if err == nil {
		t.Fatalf("expected an error for empty message history")
	}
}

func TestAdaptToolsSplitsSchemaProperties(t *testing.T) {
	tools := []llm.ToolSchema{{
		Name:        "lookup",
		Description: "looks something up",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"query": map[string]any{"type": "string"}},
			"required":   []any{"query"},
		},
	}}
	out, err := adaptTools(tools)
	if err != nil {
		t.Fatalf("adaptTools: %v", err)
	}
	if len(out) != 1 || out[0].OfTool == nil {
		t.Fatalf("expected one adapted tool, got %+v", out)
	}
	if out[0].OfTool.Name != "lookup" {
		t.Fatalf("expected tool name preserved, got %q", out[0].OfTool.Name)
	}
	if len(out[0].OfTool.InputSchema.Required) != 1 || out[0].OfTool.InputSchema.Required[0] != "query" {
		t.Fatalf("expected required field hoisted, got %+v", out[0].OfTool.InputSchema)
	}
}

func TestAdaptToolsRejectsBlankName(t *testing.T) {
	_, err := adaptTools([]llm.ToolSchema{{Name: "  ", Parameters: map[string]any{}}})
	if err == nil {
		t.Fatalf("expected an error for a blank tool name")
	}
}

func TestBuildParamsEnablesThinkingBudget(t *testing.T) {
	client := New("sk-test", "", "claude-3-7-sonnet", WithExtendedThinking(), WithMaxTokens(512))
	params, err := client.buildParams(llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}}})
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if params.MaxTokens <= 1024 {
		t.Fatalf("expected max tokens raised above the thinking budget, got %d", params.MaxTokens)
	}
}

func TestMessageFromResponseCollectsTextAndThinking(t *testing.T) {
	resp := &anthropic.Message{
		Content: []anthropic.ContentBlockUnion{
			{Type: "thinking", Thinking: "let me think", Signature: "sig-xyz"},
			{Type: "text", Text: "the answer is 4"},
		},
	}
	msg := messageFromResponse(resp)
	if msg.Content != "the answer is 4" {
		t.Fatalf("expected text content preserved, got %q", msg.Content)
	}
	if msg.ThoughtSignature == "" {
		t.Fatalf("expected a thought signature to be recorded")
	}
	var decoded []thinkingData
	if err := json.Unmarshal([]byte(msg.ThoughtSignature), &decoded); err != nil {
		t.Fatalf("unmarshal thought signature: %v", err)
	}
	if len(decoded) != 1 || decoded[0].Signature != "sig-xyz" {
		t.Fatalf("expected thinking block preserved, got %+v", decoded)
	}
}

func TestMessageFromResponseNilIsZeroValue(t *testing.T) {
	msg := messageFromResponse(nil)
	if msg.Content != "" || msg.ToolCalls != nil {
		t.Fatalf("expected zero-value message for nil response, got %+v", msg)
	}
}

func TestToolBufferResetsOnFirstDelta(t *testing.T) {
	tb := &toolBuffer{}
	tb.buf.WriteString("{}")
	tb.appendPartial(`{"a":`)
	tb.appendPartial(`1}`)
	if tb.buf.String() != `{"a":1}` {
		t.Fatalf("expected accumulated partial JSON, got %q", tb.buf.String())
	}
}

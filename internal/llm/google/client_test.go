package google

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"google.golang.org/genai"

	"github.com/manifold-labs/agentserver/internal/llm"
)

func TestEncodeDecodeThoughtSignatureRoundTrips(t *testing.T) {
	raw := []byte{0x01, 0x02, 0xff, 0x00}
	encoded := encodeThoughtSignature(raw)
	if encoded == "" {
		t.Fatalf("expected non-empty encoded signature")
	}
	decoded, ok := decodeThoughtSignature(encoded)
	if !ok {
		t.Fatalf("expected decode to succeed")
	}
	if string(decoded) != string(raw) {
		t.Fatalf("expected round trip, got %v want %v", decoded, raw)
	}
}

func TestDecodeThoughtSignatureRejectsCorruption(t *testing.T) {
	if _, ok := decodeThoughtSignature("bad�utf8"); ok {
		t.Fatalf("expected corrupted signature to be rejected")
	}
	if _, ok := decodeThoughtSignature(""); ok {
		t.Fatalf("expected empty signature to be rejected")
	}
}

func TestToContentsAdaptsUserAssistantAndToolRoles(t *testing.T) {
	sig := base64.StdEncoding.EncodeToString([]byte("sig-bytes"))
	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: "be terse"},
		{Role: llm.RoleUser, Content: "lookup weather"},
		{Role: llm.RoleAssistant, Content: "", ToolCalls: []llm.ToolCall{
			{ID: "call-1", Name: "get_weather", Args: json.RawMessage(`{"city":"nyc"}`), ThoughtSignature: sig},
		}},
		{Role: llm.RoleTool, ToolID: "call-1", Content: `{"temp_f":72}`},
	}
	contents, err := toContents(msgs)
	if err != nil {
		t.Fatalf("toContents: %v", err)
	}
	if len(contents) != 4 {
		t.Fatalf("expected 4 content turns (system folded into a user turn), got %d", len(contents))
	}
	assistantTurn := contents[2]
	if assistantTurn.Role != genai.RoleModel {
		t.Fatalf("expected model role for assistant turn, got %q", assistantTurn.Role)
	}
	found := false
	for _, p := range assistantTurn.Parts {
		if p.FunctionCall != nil && p.FunctionCall.Name == "get_weather" {
			found = true
			if len(p.ThoughtSignature) == 0 {
				t.Fatalf("expected thought signature decoded onto the function call part")
			}
		}
	}
	if !found {
		t.Fatalf("expected a function call part for get_weather, got %+v", assistantTurn.Parts)
	}

	toolTurn := contents[3]
	if len(toolTurn.Parts) != 1 || toolTurn.Parts[0].FunctionResponse == nil {
		t.Fatalf("expected a function response part, got %+v", toolTurn.Parts)
	}
	if toolTurn.Parts[0].FunctionResponse.Name != "get_weather" {
		t.Fatalf("expected function response addressed by the recorded tool name, got %q", toolTurn.Parts[0].FunctionResponse.Name)
	}
}

func TestToContentsRejectsEmptyHistory(t *testing.T) {
	if _, err := toContents(nil); err == nil {
		t.Fatalf("expected an error for empty message history")
	}
}

func TestToContentsRejectsUnsupportedRole(t *testing.T) {
	if _, err := toContents([]llm.Message{{Role: "bogus", Content: "x"}}); err == nil {
		t.Fatalf("expected an error for an unsupported role")
	}
}

func TestAdaptToolsBuildsFunctionDeclarations(t *testing.T) {
	tools := adaptTools([]llm.ToolSchema{{Name: "search", Description: "searches", Parameters: map[string]any{"type": "object"}}})
	if len(tools) != 1 || len(tools[0].FunctionDeclarations) != 1 {
		t.Fatalf("expected one tool with one function declaration, got %+v", tools)
	}
	if tools[0].FunctionDeclarations[0].Name != "search" {
		t.Fatalf("expected declared name to be preserved, got %q", tools[0].FunctionDeclarations[0].Name)
	}
}

func TestAdaptToolsEmptyReturnsNil(t *testing.T) {
	if got := adaptTools(nil); got != nil {
		t.Fatalf("expected nil for no tools, got %+v", got)
	}
}

func TestMessageFromResponseCollectsTextAndToolCalls(t *testing.T) {
	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{
				Role: genai.RoleModel,
				Parts: []*genai.Part{
					{Text: "the weather is "},
					{FunctionCall: &genai.FunctionCall{Name: "get_weather", Args: map[string]any{"city": "nyc"}}},
				},
			},
		}},
	}
	msg, err := messageFromResponse(resp)
	if err != nil {
		t.Fatalf("messageFromResponse: %v", err)
	}
	if msg.Content != "the weather is " {
		t.Fatalf("expected text collected, got %q", msg.Content)
	}
	if len(msg.ToolCalls) != 1 || msg.ToolCalls[0].Name != "get_weather" {
		t.Fatalf("expected one tool call, got %+v", msg.ToolCalls)
	}
}

func TestMessageFromResponseRejectsEmptyCandidates(t *testing.T) {
	if _, err := messageFromResponse(&genai.GenerateContentResponse{}); err == nil {
		t.Fatalf("expected an error for no candidates")
	}
}

func TestMessageFromResponseSkipsThoughtOnlyParts(t *testing.T) {
	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{
				Role: genai.RoleModel,
				Parts: []*genai.Part{
					{Text: "internal reasoning", Thought: true},
					{Text: "final answer"},
				},
			},
		}},
	}
	msg, err := messageFromResponse(resp)
	if err != nil {
		t.Fatalf("messageFromResponse: %v", err)
	}
	if msg.Content != "final answer" {
		t.Fatalf("expected thought-only part excluded from content, got %q", msg.Content)
	}
}

// Package llm normalizes multiple provider dialects (OpenAI-style Chat
// Completions, Gemini-native generateContent with thought signatures, and
// Anthropic) into a single tool-calling protocol the orchestrator can drive
// without knowing which backend answered.
package llm

import (
	"context"
	"encoding/json"
)

// Role values used on Message.Role.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall is one function invocation requested by the model.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
	// ThoughtSignature carries the Gemini-native opaque "thought signature"
	// token attached to the turn that produced this call. It is base64
	// encoded so it survives JSON/DB round-trips without UTF-8 corruption,
	// and must be echoed back byte-identical on the follow-up turn.
	ThoughtSignature string `json:"thought_signature,omitempty"`
}

// Message is one normalized entry in a conversation sent to/received from a
// provider. It mirrors the persisted Message in the store but carries only
// what providers need (no server-assigned IDs, status, or generated files).
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	// ToolID references the ToolCall.ID this message answers (role=tool only).
	ToolID string `json:"tool_id,omitempty"`
	// Name is the tool name for role=tool messages.
	Name string `json:"name,omitempty"`
	// ToolCalls is only set on assistant messages.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// ThoughtSignature carries the Gemini-native signature for text/thought
	// parts of an assistant message (as opposed to a specific ToolCall).
	ThoughtSignature string `json:"thought_signature,omitempty"`
}

// ToolSchema is the provider-agnostic declaration of a callable tool.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// FinishReason enumerates why a (streamed or non-streamed) turn ended.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishToolCalls FinishReason = "tool_calls"
	FinishLength    FinishReason = "length"
	FinishError     FinishReason = "error"
)

// EventKind tags a streaming Event's payload.
type EventKind int

const (
	EventTextDelta EventKind = iota
	EventToolCallDelta
	EventThought
	EventFinish
)

// Event is one item in the streaming normalized response. Only the field
// matching Kind is populated.
type Event struct {
	Kind EventKind

	// EventTextDelta
	Text string

	// EventToolCallDelta — arguments arrive in chunks keyed by Index; the
	// client is responsible for reassembling them by index and emitting the
	// completed ToolCall only once Finish(reason=tool_calls) arrives.
	Index           int
	ID              string
	Name            string
	ArgumentsChunk  string
	ThoughtSignature string

	// EventThought
	Thought []byte

	// EventFinish
	Finish FinishReason
	Err    error
}

// Request is the normalized shape sent to a Provider.
type Request struct {
	Model       string
	Messages    []Message
	Tools       []ToolSchema
	ToolChoice  string
	Temperature float64
	MaxTokens   int
}

// Provider is the single interface the orchestrator drives regardless of
// which backend (OpenAI-style, Gemini-native, Anthropic) answers.
type Provider interface {
	// Chat performs one non-streaming turn and returns the aggregated
	// response message.
	Chat(ctx context.Context, req Request) (Message, error)
	// ChatStream performs one streaming turn, emitting Events on the
	// returned channel until it is closed. The channel is always closed,
	// even on error (the final event will carry EventFinish with Err set).
	ChatStream(ctx context.Context, req Request) (<-chan Event, error)
	// Name identifies the dialect for logging/metrics ("openai", "gemini",
	// "anthropic").
	Name() string
	// SupportsTools reports whether this provider/model combination accepts
	// tool declarations at all (some preview models reject them).
	SupportsTools() bool
}

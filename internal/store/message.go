// Package store implements the Conversation Store: durable per-conversation
// history with idempotent user-message insertion, a placeholder-then-finalize
// flow for assistant messages, and neighbor-normalization cleanup.
package store

import (
	"encoding/json"
	"time"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Status values for an assistant Message.
const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// ToolCall is one function invocation attached to an assistant Message.
type ToolCall struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	Arguments        json.RawMessage `json:"arguments"`
	ThoughtSignature string          `json:"thought_signature,omitempty"`
}

// Message is one immutable-once-completed entry in a Conversation.
type Message struct {
	ServerMsgID    string     `json:"server_msg_id"`
	ClientMsgID    string     `json:"client_msg_id,omitempty"`
	Role           string     `json:"role"`
	Content        string     `json:"content"`
	ToolCalls      []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID     string     `json:"tool_call_id,omitempty"`
	Name           string     `json:"name,omitempty"`
	GeneratedFiles []string   `json:"generated_files,omitempty"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Conversation is the full serialized record for one conversation.
type Conversation struct {
	ConvID    string    `json:"conversation_id"`
	User      string    `json:"user"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	// Summary and SummarizedCount hold the rolling-summarization state the
	// orchestrator consults and updates once the running token count of the
	// message log exceeds the model's context budget. SummarizedCount is
	// the number of leading Messages already folded into Summary; empty
	// Summary means summarization has never triggered for this conversation.
	Summary         string `json:"summary,omitempty"`
	SummarizedCount int    `json:"summarized_count,omitempty"`
}

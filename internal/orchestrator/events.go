// Package orchestrator implements the ReAct state machine that drives one
// conversation turn: REASON (call the LLM) → DISPATCH (run tool calls) →
// OBSERVE (append results) → REASON, until a final answer or an iteration
// budget is reached.
package orchestrator

import "github.com/manifold-labs/agentserver/internal/llm"

// ProgressKind tags a Progress event sent on the turn's progress channel.
type ProgressKind int

const (
	ProgressTextDelta ProgressKind = iota
	ProgressToolCallStarted
	ProgressToolCallResult
	ProgressFilesGenerated
	ProgressDone
)

// Progress is one item on the orchestrator's progress channel; the HTTP
// surface is its sole consumer and maps each variant directly onto an SSE
// event (spec §4.6).
type Progress struct {
	Kind ProgressKind

	// ProgressTextDelta
	Text string

	// ProgressToolCallStarted / ProgressToolCallResult
	ToolName   string
	ToolCallID string
	ToolArgs   string
	Status     string
	FilesAdded []string
	Content    string // ProgressToolCallResult: the tool's result data or error text

	// ProgressFilesGenerated
	Files []string

	// ProgressDone
	FinalContent string
	TurnStatus   string // "completed" | "failed"
}

// Outcome is the terminal result of a turn, handed back to the caller once
// the progress channel has been fully drained.
type Outcome struct {
	Content        string
	ToolCalls      []llm.ToolCall
	GeneratedFiles []string
	Status         string // completed | failed
	// Summary is the rolling-summarization state after this turn (spec.md
	// §3); the caller persists it regardless of Status so the next turn
	// picks up where this one left off.
	Summary Summary
}

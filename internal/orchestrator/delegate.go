package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/manifold-labs/agentserver/internal/llm"
)

// maxAgentDepth caps re-entrant agent_call chains so a misbehaving delegation
// loop cannot recurse indefinitely.
const maxAgentDepth = 4

// isAgentCall reports whether a ToolCall name is the orchestrator's
// first-class delegation hook rather than a registry-dispatched tool,
// grounded on the teacher's Engine.isAgentCall.
func isAgentCall(name string) bool {
	return name == "agent_call"
}

// DelegateRequest describes one agent_call handoff.
type DelegateRequest struct {
	AgentName string
	Prompt    string
	Model     string
	MaxSteps  int
	Depth     int
}

// Delegator executes a delegated agent run and returns the sub-agent's final
// assistant text, to be wrapped as the parent turn's tool result.
type Delegator interface {
	Run(ctx context.Context, req DelegateRequest) (string, error)
}

// engineDelegator is the single default Delegator implementation: it
// re-enters the same orchestrator (same LLM, same tool registry) with a
// fresh iteration budget and a system prompt naming the delegated agent,
// per spec.md §4.5's "single in-process Delegator ... re-enters the
// orchestrator with a fresh iteration budget."
type engineDelegator struct {
	engine *Engine
}

// NewDelegator builds the default Delegator bound to engine.
func NewDelegator(engine *Engine) Delegator {
	return &engineDelegator{engine: engine}
}

func (d *engineDelegator) Run(ctx context.Context, req DelegateRequest) (string, error) {
	if req.Depth >= maxAgentDepth {
		return "", fmt.Errorf("orchestrator: agent_call depth limit (%d) reached delegating to %q", maxAgentDepth, req.AgentName)
	}

	sub := *d.engine
	sub.System = fmt.Sprintf("You are the delegated sub-agent %q. %s", req.AgentName, d.engine.System)
	sub.AgentDepth = req.Depth
	if req.MaxSteps > 0 {
		sub.MaxIterations = req.MaxSteps
	} else {
		sub.MaxIterations = DefaultMaxIterations
	}

	msgs := []llm.Message{{Role: llm.RoleUser, Content: req.Prompt}}
	outcome := sub.Run(ctx, req.Model, msgs, Summary{}, nil)
	if outcome.Status == "failed" {
		return "", fmt.Errorf("orchestrator: delegated agent %q failed: %s", req.AgentName, outcome.Content)
	}
	return outcome.Content, nil
}

// delegateArgs is the wire shape of agent_call's arguments.
type delegateArgs struct {
	AgentName string `json:"agent_name"`
	Prompt    string `json:"prompt"`
	MaxSteps  int    `json:"max_steps"`
}

// invokeDelegate parses an agent_call ToolCall and runs it through
// e.Delegator, wrapping the result in the same {"ok":...} shape a registry
// tool would return so the parent loop observes it identically either way.
func (e *Engine) invokeDelegate(ctx context.Context, model string, tc llm.ToolCall, progress chan<- Progress) llm.Message {
	if progress != nil {
		progress <- Progress{Kind: ProgressToolCallStarted, ToolName: tc.Name, ToolCallID: tc.ID, ToolArgs: string(tc.Args)}
	}

	var args delegateArgs
	content := ""
	status := "success"
	if err := json.Unmarshal(tc.Args, &args); err != nil {
		content, status = delegateError(fmt.Errorf("malformed agent_call arguments: %w", err))
	} else if strings.TrimSpace(args.AgentName) == "" || strings.TrimSpace(args.Prompt) == "" {
		content, status = delegateError(fmt.Errorf("agent_name and prompt are required"))
	} else {
		result, err := e.Delegator.Run(ctx, DelegateRequest{
			AgentName: strings.TrimSpace(args.AgentName),
			Prompt:    args.Prompt,
			Model:     model,
			MaxSteps:  args.MaxSteps,
			Depth:     e.AgentDepth + 1,
		})
		if err != nil {
			content, status = delegateError(err)
		} else {
			b, _ := json.Marshal(map[string]any{"ok": true, "agent": strings.TrimSpace(args.AgentName), "output": result})
			content = string(b)
		}
	}

	if progress != nil {
		progress <- Progress{Kind: ProgressToolCallResult, ToolName: tc.Name, ToolCallID: tc.ID, Status: status, Content: content}
	}
	return llm.Message{Role: llm.RoleTool, Content: content, ToolID: tc.ID, Name: tc.Name}
}

func delegateError(err error) (content, status string) {
	b, _ := json.Marshal(map[string]any{"ok": false, "error": err.Error()})
	return string(b), "failed"
}

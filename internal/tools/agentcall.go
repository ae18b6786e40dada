package tools

import "encoding/json"

// AgentCallDescriptor declares the agent_call tool: a named sub-agent
// delegation request. It is registered like any other tool so the LLM sees
// its schema, but the orchestrator intercepts calls to it before they reach
// Registry.Invoke whenever a Delegator is configured (spec.md §4.5
// delegation), mirroring the teacher's agent_call/engine.Delegator split
// between registered schema and engine-level execution.
func AgentCallDescriptor() Descriptor {
	return Descriptor{
		Name: "agent_call",
		Description: "Delegate a sub-task to a named agent, running a fresh REASON/DISPATCH/OBSERVE loop with its " +
			"own iteration budget. Use this to hand off a self-contained piece of work rather than solving it inline.",
		ParametersSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"agent_name": map[string]any{"type": "string"},
				"prompt":     map[string]any{"type": "string"},
				"max_steps":  map[string]any{"type": "integer"},
			},
			"required": []any{"agent_name", "prompt"},
		},
		RequiredParams: []string{"agent_name", "prompt"},
		TimeoutSeconds: 120,
	}
}

// NewAgentCallHandler returns the registry-path fallback for agent_call: it
// only runs when no orchestrator Delegator intercepted the call first, which
// happens when the engine was built without delegation wired in.
func NewAgentCallHandler() Handler {
	return func(tc Context, args map[string]any) (Result, error) {
		data, _ := json.Marshal(map[string]string{"error": "delegation disabled: no Delegator configured on the orchestrator"})
		return Result{Status: "failed", Data: data, Error: "delegation disabled"}, nil
	}
}

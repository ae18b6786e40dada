package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/manifold-labs/agentserver/internal/llm"
	"github.com/manifold-labs/agentserver/internal/tools"
)

// fakeProvider answers Chat calls from a pre-seeded queue, one per turn.
// Its ChatStream replays the same scripted reply as stream events
// (engine.reason uses ChatStream only when progress is non-nil; these tests
// drive Run without a progress channel unless explicitly noted).
type fakeProvider struct {
	replies []llm.Message
	calls   int
}

func (f *fakeProvider) Chat(ctx context.Context, req llm.Request) (llm.Message, error) {
	if f.calls >= len(f.replies) {
		return llm.Message{Role: llm.RoleAssistant, Content: "out of scripted replies"}, nil
	}
	r := f.replies[f.calls]
	f.calls++
	return r, nil
}

func (f *fakeProvider) ChatStream(ctx context.Context, req llm.Request) (<-chan llm.Event, error) {
	ch := make(chan llm.Event, 4)
	go func() {
		defer close(ch)
		reply, err := f.Chat(ctx, req)
		if err != nil {
			ch <- llm.Event{Kind: llm.EventFinish, Finish: llm.FinishError, Err: err}
			return
		}
		if reply.Content != "" {
			ch <- llm.Event{Kind: llm.EventTextDelta, Text: reply.Content}
		}
		for i, tc := range reply.ToolCalls {
			ch <- llm.Event{Kind: llm.EventToolCallDelta, Index: i, ID: tc.ID, Name: tc.Name, ArgumentsChunk: string(tc.Args)}
		}
		if len(reply.ToolCalls) > 0 {
			ch <- llm.Event{Kind: llm.EventFinish, Finish: llm.FinishToolCalls}
		} else {
			ch <- llm.Event{Kind: llm.EventFinish, Finish: llm.FinishStop}
		}
	}()
	return ch, nil
}

func (f *fakeProvider) Name() string          { return "fake" }
func (f *fakeProvider) SupportsTools() bool   { return true }

func newEchoRegistry() *tools.Registry {
	r := tools.NewRegistry(nil)
	_ = r.Register(tools.Descriptor{
		Name:           "echo",
		RequiredParams: []string{"message"},
		ParametersSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"message": map[string]any{"type": "string"}},
			"required":   []any{"message"},
		},
		TimeoutSeconds: 5,
	}, func(tc tools.Context, args map[string]any) (tools.Result, error) {
		msg, _ := args["message"].(string)
		data, _ := json.Marshal(map[string]string{"echoed": msg})
		return tools.Result{Status: "success", Data: data}, nil
	})
	r.Freeze()
	return r
}

func TestEngineRunSimpleCompletionNoTools(t *testing.T) {
	provider := &fakeProvider{replies: []llm.Message{{Role: llm.RoleAssistant, Content: "the final answer"}}}
	engine := New(provider, newEchoRegistry(), "be helpful")

	outcome := engine.Run(context.Background(), "test-model", nil, Summary{}, nil)
	if outcome.Status != "completed" {
		t.Fatalf("expected completed, got %q", outcome.Status)
	}
	if outcome.Content != "the final answer" {
		t.Fatalf("unexpected content: %q", outcome.Content)
	}
}

func TestEngineRunDispatchesToolCallThenFinishes(t *testing.T) {
	provider := &fakeProvider{replies: []llm.Message{
		{
			Role: llm.RoleAssistant,
			ToolCalls: []llm.ToolCall{
				{ID: "call-1", Name: "echo", Args: json.RawMessage(`{"message":"hi"}`)},
			},
		},
		{Role: llm.RoleAssistant, Content: "done"},
	}}
	engine := New(provider, newEchoRegistry(), "")

	progress := make(chan Progress, 16)
	var events []Progress
	done := make(chan struct{})
	go func() {
		for p := range progress {
			events = append(events, p)
		}
		close(done)
	}()

	outcome := engine.Run(context.Background(), "test-model", nil, Summary{}, progress)
	<-done

	if outcome.Status != "completed" || outcome.Content != "done" {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}

	var sawStarted, sawResult bool
	for _, e := range events {
		if e.Kind == ProgressToolCallStarted && e.ToolName == "echo" {
			sawStarted = true
		}
		if e.Kind == ProgressToolCallResult && e.ToolName == "echo" {
			sawResult = true
			if e.Content == "" {
				t.Fatalf("expected tool result content to be populated")
			}
		}
	}
	if !sawStarted || !sawResult {
		t.Fatalf("expected both tool_call_started and tool_call_result progress events, got %+v", events)
	}
}

func TestEngineRunExhaustsIterationBudgetAndFinalizes(t *testing.T) {
	loopReply := llm.Message{
		Role: llm.RoleAssistant,
		ToolCalls: []llm.ToolCall{
			{Name: "echo", Args: json.RawMessage(`{"message":"again"}`)},
		},
	}
	replies := make([]llm.Message, 0, 3)
	for i := 0; i < 3; i++ {
		replies = append(replies, loopReply)
	}
	provider := &fakeProvider{replies: replies}
	engine := New(provider, newEchoRegistry(), "")
	engine.MaxIterations = 2

	outcome := engine.Run(context.Background(), "test-model", nil, Summary{}, nil)
	if outcome.Status != "completed" {
		t.Fatalf("expected finalize-with-note to report completed, got %q", outcome.Status)
	}
	if outcome.Content == "" {
		t.Fatalf("expected a non-empty finalize note")
	}
}

func newCountingPureRegistry() (*tools.Registry, *int32, *int32) {
	var current, max int32
	r := tools.NewRegistry(nil)
	_ = r.Register(tools.Descriptor{
		Name:           "slow_pure",
		RequiredParams: []string{},
		ParametersSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		TimeoutSeconds: 5,
		Pure:           true,
	}, func(tc tools.Context, args map[string]any) (tools.Result, error) {
		n := atomic.AddInt32(&current, 1)
		for {
			m := atomic.LoadInt32(&max)
			if n <= m || atomic.CompareAndSwapInt32(&max, m, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&current, -1)
		return tools.Result{Status: "success", Data: json.RawMessage(`{}`)}, nil
	})
	r.Freeze()
	return r, &current, &max
}

func TestDispatchBoundsConcurrentPureToolCalls(t *testing.T) {
	registry, _, max := newCountingPureRegistry()
	calls := make([]llm.ToolCall, 0, 8)
	for i := 0; i < 8; i++ {
		calls = append(calls, llm.ToolCall{ID: fmt.Sprintf("call-%d", i), Name: "slow_pure", Args: json.RawMessage(`{}`)})
	}
	provider := &fakeProvider{replies: []llm.Message{
		{Role: llm.RoleAssistant, ToolCalls: calls},
		{Role: llm.RoleAssistant, Content: "done"},
	}}
	engine := New(provider, registry, "")
	engine.MaxToolParallelism = 3

	outcome := engine.Run(context.Background(), "test-model", nil, Summary{}, nil)
	if outcome.Status != "completed" || outcome.Content != "done" {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if got := atomic.LoadInt32(max); got > 3 {
		t.Fatalf("expected at most 3 concurrent invocations, observed %d", got)
	}
}

func TestEnsureToolCallIDsAssignsStableUniqueIDs(t *testing.T) {
	engine := New(&fakeProvider{}, newEchoRegistry(), "")
	calls := []llm.ToolCall{{Name: "echo"}, {Name: "echo"}}
	out := engine.ensureToolCallIDs(nil, calls)
	if out[0].ID == "" || out[1].ID == "" || out[0].ID == out[1].ID {
		t.Fatalf("expected distinct non-empty ids, got %q and %q", out[0].ID, out[1].ID)
	}
}

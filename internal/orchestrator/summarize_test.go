package orchestrator

import (
	"context"
	"strings"
	"testing"

	"github.com/manifold-labs/agentserver/internal/llm"
)

func TestEngineRunSummarizesHistoryWhenOverBudget(t *testing.T) {
	history := make([]llm.Message, 0, 10)
	for i := 0; i < 10; i++ {
		history = append(history, llm.Message{Role: llm.RoleUser, Content: strings.Repeat("word ", 50)})
	}
	provider := &fakeProvider{replies: []llm.Message{
		{Role: llm.RoleAssistant, Content: "short summary of prior turns"},
		{Role: llm.RoleAssistant, Content: "final answer"},
	}}
	engine := New(provider, newEchoRegistry(), "")
	engine.ContextWindowTokens = 50
	engine.SummaryReserveBufferTokens = 0
	engine.SummaryMinKeepLastMessages = 1

	outcome := engine.Run(context.Background(), "test-model", history, Summary{}, nil)
	if outcome.Status != "completed" {
		t.Fatalf("expected completed, got %q", outcome.Status)
	}
	if outcome.Content != "final answer" {
		t.Fatalf("unexpected content: %q", outcome.Content)
	}
	if outcome.Summary.Text != "short summary of prior turns" {
		t.Fatalf("expected summary text to be recorded, got %q", outcome.Summary.Text)
	}
	if outcome.Summary.SummarizedCount == 0 {
		t.Fatalf("expected SummarizedCount > 0, got 0")
	}
}

func TestEngineRunSkipsSummarizationUnderBudget(t *testing.T) {
	history := []llm.Message{{Role: llm.RoleUser, Content: "hi"}}
	provider := &fakeProvider{replies: []llm.Message{{Role: llm.RoleAssistant, Content: "hello"}}}
	engine := New(provider, newEchoRegistry(), "")

	outcome := engine.Run(context.Background(), "test-model", history, Summary{}, nil)
	if outcome.Status != "completed" || outcome.Content != "hello" {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if outcome.Summary.Text != "" {
		t.Fatalf("expected no summarization to have triggered, got %+v", outcome.Summary)
	}
	if provider.calls != 1 {
		t.Fatalf("expected exactly one LLM call (no summarize call), got %d", provider.calls)
	}
}

func TestFoldSummaryReplacesSummarizedPrefix(t *testing.T) {
	history := []llm.Message{
		{Role: llm.RoleUser, Content: "one"},
		{Role: llm.RoleAssistant, Content: "two"},
		{Role: llm.RoleUser, Content: "three"},
	}
	out := foldSummary(history, Summary{Text: "one and two happened", SummarizedCount: 2})
	if len(out) != 2 {
		t.Fatalf("expected folded summary message plus remaining tail, got %d messages", len(out))
	}
	if out[0].Content != "[SUMMARY] one and two happened" {
		t.Fatalf("unexpected synthetic summary message: %q", out[0].Content)
	}
	if out[1].Content != "three" {
		t.Fatalf("expected tail message preserved, got %q", out[1].Content)
	}
}

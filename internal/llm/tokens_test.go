package llm

import "testing"

func TestEstimateTokensRoughlyFourCharsPerToken(t *testing.T) {
	if got := EstimateTokens(""); got != 0 {
		t.Fatalf("expected empty string to cost 0 tokens, got %d", got)
	}
	if got := EstimateTokens("abcd"); got != 2 {
		t.Fatalf("expected 4 chars to estimate to 2 tokens (len/4 + 1), got %d", got)
	}
}

func TestEstimateTokensForMessagesSumsContent(t *testing.T) {
	msgs := []Message{{Content: "abcd"}, {Content: "abcdefgh"}}
	got := EstimateTokensForMessages(msgs)
	want := EstimateTokens("abcd") + EstimateTokens("abcdefgh")
	if got != want {
		t.Fatalf("expected sum of per-message estimates %d, got %d", want, got)
	}
}

func TestContextSizeKnownModel(t *testing.T) {
	size, known := ContextSize("gpt-4o")
	if !known || size != 128_000 {
		t.Fatalf("expected known 128000-token window for gpt-4o, got %d known=%v", size, known)
	}
}

func TestContextSizeKnownModelPrefix(t *testing.T) {
	size, known := ContextSize("gpt-4o-2026-01-01")
	if !known || size != 128_000 {
		t.Fatalf("expected prefix match against gpt-4o, got %d known=%v", size, known)
	}
}

func TestContextSizeUnknownModelFallsBackToDefault(t *testing.T) {
	size, known := ContextSize("some-future-model")
	if known {
		t.Fatalf("expected unknown model to report known=false")
	}
	if size != defaultContextWindow {
		t.Fatalf("expected default context window, got %d", size)
	}
}

func TestContextSizeEmptyModel(t *testing.T) {
	size, known := ContextSize("")
	if known || size != defaultContextWindow {
		t.Fatalf("expected default window for empty model, got %d known=%v", size, known)
	}
}

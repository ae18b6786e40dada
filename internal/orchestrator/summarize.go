package orchestrator

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/manifold-labs/agentserver/internal/llm"
)

// Defaults for the rolling summarization knobs, grounded on the teacher's
// Engine.maybeSummarize (internal/agent/engine.go): a conservative reserve
// buffer for output tokens, and a minimum number of recent messages kept
// verbatim regardless of budget.
const (
	DefaultSummaryReserveBufferTokens = 25_000
	DefaultSummaryMinKeepLastMessages = 4
)

// Summary is the rolling-summarization state the Conversation Store
// persists per conversation (spec.md §3 "Rolling summarization state") and
// the orchestrator consults and updates on each turn.
type Summary struct {
	// Text is the latest distilled summary of every message folded out of
	// the live history so far. Empty if summarization has never triggered.
	Text string
	// SummarizedCount is how many of the conversation's original messages
	// (counting from the start, before any system prompt injection) are
	// already represented by Text and must not be re-sent verbatim.
	SummarizedCount int
}

func (e *Engine) contextWindow(model string) int {
	if e.ContextWindowTokens > 0 {
		return e.ContextWindowTokens
	}
	if sz, known := llm.ContextSize(model); known {
		return sz
	}
	return 128_000
}

func (e *Engine) summaryReserveBuffer() int {
	if e.SummaryReserveBufferTokens > 0 {
		return e.SummaryReserveBufferTokens
	}
	return DefaultSummaryReserveBufferTokens
}

func (e *Engine) summaryMinKeepLast() int {
	if e.SummaryMinKeepLastMessages > 0 {
		return e.SummaryMinKeepLastMessages
	}
	return DefaultSummaryMinKeepLastMessages
}

// maybeSummarize inspects msgs (already including any injected system
// message and the fully-expanded history, i.e. history[prior.SummarizedCount:]
// appended after a synthetic summary message if prior.Text is non-empty) and,
// if the estimated input token count exceeds the model's context budget,
// asks the LLM to compress everything but a recent tail into one summary
// message. It returns the (possibly unchanged) message slice to reason over
// and the Summary state the caller should persist.
//
// Mirrors the teacher's maybeSummarize: preflight token count against
// context_window - reserve_buffer, summarize older turns on overflow,
// always keep a minimum recent tail.
func (e *Engine) maybeSummarize(ctx context.Context, model string, msgs []llm.Message, prior Summary) ([]llm.Message, Summary) {
	if len(msgs) == 0 {
		return msgs, prior
	}

	budget := e.contextWindow(model) - e.summaryReserveBuffer()
	if budget <= 0 {
		budget = e.contextWindow(model) / 2
	}
	if llm.EstimateTokensForMessages(msgs) <= budget {
		return msgs, prior
	}

	start := 0
	var sysMsg *llm.Message
	if msgs[0].Role == llm.RoleSystem {
		sysMsg = &msgs[0]
		start = 1
	}
	// The summary message (if any) occupies index start in msgs, immediately
	// after the optional system message, per how Run assembles msgs.
	bodyStart := start
	if prior.Text != "" && bodyStart < len(msgs) {
		bodyStart++
	}

	minTail := e.summaryMinKeepLast()
	remaining := budget / 2
	cut := len(msgs)
	for i := len(msgs) - 1; i >= bodyStart; i-- {
		tokens := llm.EstimateTokens(msgs[i].Content)
		if len(msgs)-i > minTail && remaining-tokens <= 0 {
			cut = i + 1
			break
		}
		remaining -= tokens
		cut = i
		if remaining <= 0 {
			break
		}
	}
	if cut <= bodyStart {
		return msgs, prior
	}

	toSummarize := msgs[bodyStart:cut]
	recent := msgs[cut:]
	if len(toSummarize) == 0 {
		return msgs, prior
	}

	summaryText := e.summarizeChunk(ctx, model, prior.Text, toSummarize)
	newCount := prior.SummarizedCount + len(toSummarize)

	out := make([]llm.Message, 0, 2+len(recent))
	if sysMsg != nil {
		out = append(out, *sysMsg)
	}
	out = append(out, llm.Message{Role: llm.RoleAssistant, Content: "[SUMMARY] " + summaryText})
	out = append(out, recent...)

	log.Ctx(ctx).Info().Int("summarized", newCount).Int("kept", len(recent)).Msg("orchestrator_history_summarized")

	return out, Summary{Text: summaryText, SummarizedCount: newCount}
}

// summarizeChunk asks the LLM for a short factual summary of toSummarize,
// folding in the existing summary text so compression compounds across
// turns rather than discarding it. Falls back to the prior summary text
// unchanged if the call fails, so a transient provider error never loses
// history outright.
func (e *Engine) summarizeChunk(ctx context.Context, model, existing string, toSummarize []llm.Message) string {
	var b strings.Builder
	if existing != "" {
		b.WriteString("Existing summary so far:\n")
		b.WriteString(existing)
		b.WriteString("\n\n")
	}
	b.WriteString("New messages to fold in:\n\n")
	for _, m := range toSummarize {
		b.WriteString("Role: ")
		b.WriteString(m.Role)
		b.WriteString("\n")
		b.WriteString(m.Content)
		b.WriteString("\n\n")
	}

	req := llm.Request{Model: model, Messages: []llm.Message{
		{Role: llm.RoleSystem, Content: "You are a concise summarizer. Produce a short, factual summary (under 500 words) of the conversation that follows, merging it with any existing summary. Keep important facts and decisions, omit chit-chat. Return only the summary text."},
		{Role: llm.RoleUser, Content: b.String()},
	}}
	resp, err := e.LLM.Chat(ctx, req)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("orchestrator_summarize_failed")
		return existing
	}
	return strings.TrimSpace(resp.Content)
}

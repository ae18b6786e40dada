package orchestrator

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/manifold-labs/agentserver/internal/llm"
	"github.com/manifold-labs/agentserver/internal/tools"
)

// DefaultMaxIterations is the hard cap on REASON iterations per turn (spec
// §4.5). On exhaustion the orchestrator enters FINALIZE_WITH_NOTE rather
// than erroring.
const DefaultMaxIterations = 30

// DefaultMaxToolParallelism bounds how many pure tool calls within one
// DISPATCH step may run concurrently, mirroring the teacher's
// Engine.MaxToolParallelism (internal/agent/engine.go).
const DefaultMaxToolParallelism = 4

// Engine drives one conversation turn's REASON/DISPATCH/OBSERVE loop.
type Engine struct {
	LLM           llm.Provider
	Tools         *tools.Registry
	System        string
	MaxIterations int

	// MaxToolParallelism caps concurrent dispatch of a contiguous run of
	// `pure` tool calls. Zero uses DefaultMaxToolParallelism.
	MaxToolParallelism int

	// Delegator, when set, handles agent_call ToolCalls as a first-class
	// engine feature instead of routing them through Tools (spec.md §4.5
	// Delegation). Nil disables delegation; agent_call then falls through
	// to whatever the registry has bound to that name, if anything.
	Delegator Delegator
	// AgentDepth tracks agent_call nesting depth; 0 for a top-level turn.
	AgentDepth int

	// ContextWindowTokens, SummaryReserveBufferTokens, and
	// SummaryMinKeepLastMessages configure rolling summarization (spec.md
	// §3 Rolling summarization state). Zero values use llm.ContextSize and
	// the package defaults.
	ContextWindowTokens        int
	SummaryReserveBufferTokens int
	SummaryMinKeepLastMessages int

	seq uint64
}

// New builds an Engine with the spec's default iteration budget.
func New(provider llm.Provider, registry *tools.Registry, system string) *Engine {
	return &Engine{LLM: provider, Tools: registry, System: system, MaxIterations: DefaultMaxIterations}
}

func (e *Engine) maxIterations() int {
	if e.MaxIterations <= 0 {
		return DefaultMaxIterations
	}
	return e.MaxIterations
}

func (e *Engine) maxToolParallelism() int {
	if e.MaxToolParallelism <= 0 {
		return DefaultMaxToolParallelism
	}
	return e.MaxToolParallelism
}

func (e *Engine) nextCallID() string {
	return "call-" + strconv.FormatUint(atomic.AddUint64(&e.seq, 1), 10)
}

// Run drives the full state machine for one turn: REASON → (tool_calls?) →
// DISPATCH → OBSERVE → REASON, looping until the model returns a final
// answer or the iteration budget is exhausted (then FINALIZE_WITH_NOTE).
// progress, if non-nil, receives Progress events in emission order and is
// always closed by Run before it returns — even on cancellation, so the
// caller's drain loop always terminates (spec §9 "drain to /dev/null but
// continue to completion"). summary carries the conversation's persisted
// rolling-summarization state in (spec.md §3); the caller should persist
// Outcome.Summary afterward regardless of turn status.
func (e *Engine) Run(ctx context.Context, model string, history []llm.Message, summary Summary, progress chan<- Progress) Outcome {
	if progress != nil {
		defer close(progress)
	}

	msgs := foldSummary(history, summary)
	if e.System != "" && (len(msgs) == 0 || msgs[0].Role != llm.RoleSystem) {
		msgs = append([]llm.Message{{Role: llm.RoleSystem, Content: e.System}}, msgs...)
	}

	var generatedFiles []string
	budget := e.maxIterations()
	curSummary := summary

	for iter := 0; iter < budget; iter++ {
		msgs, curSummary = e.maybeSummarize(ctx, model, msgs, curSummary)

		reply, err := e.reason(ctx, model, msgs, progress)
		if err != nil {
			return Outcome{
				Content: fmt.Sprintf("assistant turn failed: %v", err),
				Status:  "failed",
				Summary: curSummary,
			}
		}
		reply.ToolCalls = e.ensureToolCallIDs(msgs, reply.ToolCalls)
		msgs = append(msgs, reply)

		if len(reply.ToolCalls) == 0 {
			return Outcome{Content: reply.Content, GeneratedFiles: generatedFiles, Status: "completed", Summary: curSummary}
		}

		toolMsgs, newFiles := e.dispatch(ctx, model, msgs, reply.ToolCalls, progress)
		msgs = append(msgs, toolMsgs...)
		generatedFiles = unionFiles(generatedFiles, newFiles)
		if len(newFiles) > 0 && progress != nil {
			progress <- Progress{Kind: ProgressFilesGenerated, Files: generatedFiles}
		}
	}

	outcome := e.finalizeWithNote(ctx, model, msgs, generatedFiles, progress)
	outcome.Summary = curSummary
	return outcome
}

// foldSummary replaces the already-summarized prefix of history with a
// single synthetic summary message, so the live history sent to the
// provider never grows past what maybeSummarize already compressed on a
// prior turn.
func foldSummary(history []llm.Message, summary Summary) []llm.Message {
	msgs := make([]llm.Message, len(history))
	copy(msgs, history)
	if summary.Text == "" || summary.SummarizedCount <= 0 || summary.SummarizedCount > len(msgs) {
		return msgs
	}
	rest := msgs[summary.SummarizedCount:]
	folded := make([]llm.Message, 0, 1+len(rest))
	folded = append(folded, llm.Message{Role: llm.RoleAssistant, Content: "[SUMMARY] " + summary.Text})
	folded = append(folded, rest...)
	return folded
}

// reason calls the LLM with the current log plus tool descriptors,
// streaming TextDelta progress when the provider streams.
func (e *Engine) reason(ctx context.Context, model string, msgs []llm.Message, progress chan<- Progress) (llm.Message, error) {
	schemas := e.Tools.DescribeForLLM()
	req := llm.Request{Model: model, Messages: msgs, Tools: schemas}

	if progress == nil {
		return e.LLM.Chat(ctx, req)
	}

	events, err := e.LLM.ChatStream(ctx, req)
	if err != nil {
		return llm.Message{}, err
	}

	var content string
	var thoughtSig string
	calls := map[int]*llm.ToolCall{}
	var order []int
	var finishErr error
	sawToolCalls := false

	for ev := range events {
		switch ev.Kind {
		case llm.EventTextDelta:
			content += ev.Text
			if ev.ThoughtSignature != "" {
				thoughtSig = ev.ThoughtSignature
			}
			progress <- Progress{Kind: ProgressTextDelta, Text: ev.Text}
		case llm.EventToolCallDelta:
			cur, ok := calls[ev.Index]
			if !ok {
				cur = &llm.ToolCall{}
				calls[ev.Index] = cur
				order = append(order, ev.Index)
			}
			if ev.ID != "" {
				cur.ID = ev.ID
			}
			if ev.Name != "" {
				cur.Name = ev.Name
			}
			if ev.ThoughtSignature != "" {
				cur.ThoughtSignature = ev.ThoughtSignature
			}
			cur.Args = append(cur.Args, []byte(ev.ArgumentsChunk)...)
		case llm.EventFinish:
			switch ev.Finish {
			case llm.FinishToolCalls:
				sawToolCalls = true
			case llm.FinishError:
				finishErr = ev.Err
			}
		}
	}
	if finishErr != nil {
		return llm.Message{}, finishErr
	}

	msg := llm.Message{Role: llm.RoleAssistant, Content: content, ThoughtSignature: thoughtSig}
	if sawToolCalls {
		for _, idx := range order {
			msg.ToolCalls = append(msg.ToolCalls, *calls[idx])
		}
	}
	return msg, nil
}

// ensureToolCallIDs assigns a stable synthetic id to any tool call the
// provider left unidentified, without colliding with ids already used
// earlier in the conversation.
func (e *Engine) ensureToolCallIDs(msgs []llm.Message, calls []llm.ToolCall) []llm.ToolCall {
	used := map[string]bool{}
	for _, m := range msgs {
		if m.Role != llm.RoleAssistant {
			continue
		}
		for _, tc := range m.ToolCalls {
			if tc.ID != "" {
				used[tc.ID] = true
			}
		}
	}
	for i := range calls {
		id := calls[i].ID
		for id == "" || used[id] {
			id = e.nextCallID()
		}
		calls[i].ID = id
		used[id] = true
	}
	return calls
}

// dispatch runs each tool call through the registry. Calls are sequential
// by default to preserve causality and keep working-directory mutations
// deterministic; consecutive calls the registry marks `pure` run
// concurrently, bounded by a semaphore sized to MaxToolParallelism (spec
// §4.5 DISPATCH), mirroring the teacher's sem := make(chan struct{}, maxParallel).
func (e *Engine) dispatch(ctx context.Context, model string, msgs []llm.Message, calls []llm.ToolCall, progress chan<- Progress) ([]llm.Message, []string) {
	out := make([]llm.Message, len(calls))
	var files []string
	var filesMu sync.Mutex
	sem := make(chan struct{}, e.maxToolParallelism())

	i := 0
	for i < len(calls) {
		j := i
		for j < len(calls) && e.isPure(calls[j].Name) {
			j++
		}
		if j == i {
			// Not pure: dispatch this one call alone, sequentially.
			out[i] = e.invokeOne(ctx, model, calls[i], progress, &files, &filesMu)
			i++
			continue
		}
		// [i, j) are all pure: fan out, bounded by sem.
		var wg sync.WaitGroup
		for k := i; k < j; k++ {
			wg.Add(1)
			sem <- struct{}{}
			go func(k int) {
				defer wg.Done()
				defer func() { <-sem }()
				out[k] = e.invokeOne(ctx, model, calls[k], progress, &files, &filesMu)
			}(k)
		}
		wg.Wait()
		i = j
	}

	return out, files
}

func (e *Engine) isPure(name string) bool {
	for _, d := range e.Tools.ListDescriptors() {
		if d.Name == name {
			return d.Pure
		}
	}
	return false
}

func (e *Engine) retryOnTimeout(name string) bool {
	for _, d := range e.Tools.ListDescriptors() {
		if d.Name == name {
			return d.RetryOnTimeout
		}
	}
	return false
}

func (e *Engine) invokeOne(ctx context.Context, model string, tc llm.ToolCall, progress chan<- Progress, files *[]string, filesMu *sync.Mutex) llm.Message {
	if e.Delegator != nil && isAgentCall(tc.Name) {
		return e.invokeDelegate(ctx, model, tc, progress)
	}

	convID, workdir := convAndWorkdirFromContext(ctx)

	if progress != nil {
		progress <- Progress{Kind: ProgressToolCallStarted, ToolName: tc.Name, ToolCallID: tc.ID, ToolArgs: string(tc.Args)}
	}

	res := e.Tools.Invoke(ctx, convID, workdir, tc.Name, tc.Args)
	if res.Status == "failed" && strings.HasPrefix(res.Error, string(tools.ErrTimeout)+":") && e.retryOnTimeout(tc.Name) {
		log.Ctx(ctx).Debug().Str("tool", tc.Name).Msg("orchestrator_retry_on_timeout")
		res2 := e.Tools.Invoke(ctx, convID, workdir, tc.Name, tc.Args)
		if res2.Status == "success" {
			res = res2
		}
	}

	content := string(res.Data)
	if res.Status == "failed" {
		content = res.Error
	}

	if progress != nil {
		progress <- Progress{Kind: ProgressToolCallResult, ToolName: tc.Name, ToolCallID: tc.ID, Status: res.Status, FilesAdded: res.GeneratedFiles, Content: content}
	}
	if len(res.GeneratedFiles) > 0 {
		filesMu.Lock()
		*files = unionFiles(*files, res.GeneratedFiles)
		filesMu.Unlock()
	}

	return llm.Message{Role: llm.RoleTool, Content: content, ToolID: tc.ID, Name: tc.Name}
}

// finalizeWithNote is entered when the iteration budget is exhausted: it
// asks the model for a best-effort summary without offering tools again,
// so the loop cannot re-extend itself.
func (e *Engine) finalizeWithNote(ctx context.Context, model string, msgs []llm.Message, files []string, progress chan<- Progress) Outcome {
	note := llm.Message{
		Role:    llm.RoleUser,
		Content: "The tool-use budget for this turn has been reached. Summarize the progress made so far and what remains, without calling any more tools.",
	}
	msgs = append(msgs, note)
	resp, err := e.LLM.Chat(ctx, llm.Request{Model: model, Messages: msgs})
	content := "iteration budget exhausted"
	if err == nil {
		content = resp.Content + "\n\n(note: the tool-use budget for this turn was reached.)"
	}
	if progress != nil {
		progress <- Progress{Kind: ProgressTextDelta, Text: content}
	}
	return Outcome{Content: content, GeneratedFiles: files, Status: "completed"}
}

func unionFiles(known, discovered []string) []string {
	seen := make(map[string]bool, len(known))
	out := make([]string, 0, len(known)+len(discovered))
	for _, f := range known {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	for _, f := range discovered {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}

// convCtxKey/workdirCtxKey let the HTTP surface attach per-turn identifiers
// without threading them through every call signature.
type convCtxKey struct{}
type workdirCtxKey struct{}

// WithConversation attaches the conversation id and working directory to
// ctx for the duration of one turn.
func WithConversation(ctx context.Context, convID, workdir string) context.Context {
	ctx = context.WithValue(ctx, convCtxKey{}, convID)
	return context.WithValue(ctx, workdirCtxKey{}, workdir)
}

func convAndWorkdirFromContext(ctx context.Context) (string, string) {
	convID, _ := ctx.Value(convCtxKey{}).(string)
	workdir, _ := ctx.Value(workdirCtxKey{}).(string)
	return convID, workdir
}


package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/manifold-labs/agentserver/internal/llm"
)

// ChangeSetScanner diffs a working directory for files touched during a
// handler's execution window. The Sandbox Executor implements this; tools
// that don't shell out (web fetch, planning) simply report none.
type ChangeSetScanner interface {
	// Scan returns files under dir with mtime at or after since, minus eps
	// tolerance, applied by the implementation.
	Scan(dir string, since time.Time) ([]string, error)
}

// Registry holds tool descriptors and dispatches invocations against them
// (spec §4.2).
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registered
	scanner ChangeSetScanner
	started bool
}

type registered struct {
	descriptor Descriptor
	handler    Handler
}

// NewRegistry builds an empty Registry. scanner may be nil if no tool in
// this registry produces generated files.
func NewRegistry(scanner ChangeSetScanner) *Registry {
	return &Registry{entries: make(map[string]registered), scanner: scanner}
}

// Register adds a tool. Registration is only permitted before serving
// begins (spec §5 "Tool Registry is read-mostly").
func (r *Registry) Register(d Descriptor, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("tools: registry already serving, cannot register %q", d.Name)
	}
	if d.Name == "" {
		return fmt.Errorf("tools: descriptor name required")
	}
	r.entries[d.Name] = registered{descriptor: d, handler: h}
	return nil
}

// Freeze marks the registry as serving; further Register calls fail.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = true
}

// ListDescriptors returns every registered tool descriptor.
func (r *Registry) ListDescriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.descriptor)
	}
	return out
}

// DescribeForLLM renders every descriptor as the provider-agnostic
// llm.ToolSchema; per-provider wire translation happens in package llm.
func (r *Registry) DescribeForLLM() []llm.ToolSchema {
	descs := r.ListDescriptors()
	out := make([]llm.ToolSchema, 0, len(descs))
	for _, d := range descs {
		out = append(out, llm.ToolSchema{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.ParametersSchema,
		})
	}
	return out
}

func (r *Registry) lookup(name string) (registered, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// Invoke runs one tool call end to end: name lookup, argument coercion,
// validation, timeout-bounded dispatch, and generated-file discovery (spec
// §4.2 step 1-5). It never panics outward — handler panics are recovered
// and surfaced as ErrHandlerFailure.
func (r *Registry) Invoke(ctx context.Context, convID, workdir, name string, rawArgs json.RawMessage) Result {
	entry, ok := r.lookup(name)
	if !ok {
		return failResult(&DispatchError{Kind: ErrUnknownTool, Detail: fmt.Sprintf("no tool registered as %q", name)})
	}

	args, derr := coerceArgs(rawArgs)
	if derr != nil {
		return failResult(derr)
	}
	if derr := validateArgs(entry.descriptor, args); derr != nil {
		return failResult(derr)
	}

	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, entry.descriptor.timeout())
	defer cancel()

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", rec)}
			}
		}()
		res, err := entry.handler(Context{Ctx: callCtx, ConvID: convID, WorkingDir: workdir}, args)
		done <- outcome{res: res, err: err}
	}()

	var res Result
	select {
	case <-callCtx.Done():
		<-done // let the goroutine finish observing cancellation before we return
		res = failResult(&DispatchError{Kind: ErrTimeout, Detail: fmt.Sprintf("%q exceeded %s", name, entry.descriptor.timeout())})
	case o := <-done:
		if o.err != nil {
			var derr *DispatchError
			if asDispatchError(o.err, &derr) {
				res = failResult(derr)
			} else {
				res = failResult(&DispatchError{Kind: ErrHandlerFailure, Detail: o.err.Error()})
			}
		} else {
			res = o.res
		}
	}

	if r.scanner != nil && workdir != "" {
		if files, err := r.scanner.Scan(workdir, start); err == nil {
			res.GeneratedFiles = unionFilenames(res.GeneratedFiles, files)
		}
	}
	return res
}

func asDispatchError(err error, target **DispatchError) bool {
	if de, ok := err.(*DispatchError); ok {
		*target = de
		return true
	}
	return false
}

func failResult(derr *DispatchError) Result {
	return Result{Status: "failed", Error: derr.Error()}
}

// unionFilenames concatenates orchestrator-known additions with workdir-diff
// additions not already present, de-duplicating by name (spec §5 ordering
// guarantee c).
func unionFilenames(known, discovered []string) []string {
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

// Package sandbox runs user-supplied code or shell commands in an isolated
// subprocess confined to a conversation's working directory, and detects
// files created or modified during the run.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	tracer = otel.Tracer("sandbox/executor")
	meter  = otel.Meter("sandbox/executor")
)

// mtimeEpsilon tolerates filesystem clock skew when deciding whether a
// file's mtime falls within the execution window (spec §4.3).
const mtimeEpsilon = 5 * time.Millisecond

// graceWindow is how long a timed-out subprocess is given to exit after
// being signaled before it is forcibly killed.
const graceWindow = 2 * time.Second

// defaultOutputCap bounds how many bytes of stdout/stderr are retained per
// stream; excess is truncated with a trailing marker so a runaway printer
// cannot exhaust memory.
const defaultOutputCap = 1 << 20 // 1 MiB

// ExecResult is the outcome of one sandboxed subprocess run.
type ExecResult struct {
	Stdout        string
	Stderr        string
	ExitCode      int
	Duration      time.Duration
	ChangeSet     []string
	StdoutTruncated bool
	StderrTruncated bool
}

// FailureKind enumerates the sandbox's own failure taxonomy (spec §4.3),
// distinct from the Tool Registry's ErrorKind.
type FailureKind string

const (
	FailExecutionTimeout FailureKind = "execution_timeout"
	FailNonZeroExit      FailureKind = "non_zero_exit"
	FailForbiddenCommand FailureKind = "forbidden_command"
	FailInternalError    FailureKind = "internal_error"
)

// Failure wraps a FailureKind with enough detail to feed back to the LLM.
type Failure struct {
	Kind   FailureKind
	Detail string
}

func (f *Failure) Error() string { return string(f.Kind) + ": " + f.Detail }

// Config bounds executor behavior, sourced from internal/config.
type Config struct {
	// BlockedBinaries names interpreter/binary names refused outright (a
	// design contract, not a sandbox substitute — see IsBinaryBlocked).
	BlockedBinaries []string
	OutputCapBytes  int
}

// Executor runs code and shell commands inside a conversation's working
// directory.
type Executor struct {
	blocked  map[string]struct{}
	outCap   int
}

// NewExecutor builds an Executor from Config.
func NewExecutor(cfg Config) *Executor {
	blocked := make(map[string]struct{}, len(cfg.BlockedBinaries))
	for _, b := range cfg.BlockedBinaries {
		blocked[b] = struct{}{}
	}
	cap := cfg.OutputCapBytes
	if cap <= 0 {
		cap = defaultOutputCap
	}
	return &Executor{blocked: blocked, outCap: cap}
}

// interpreterFor maps a source language to its interpreter binary and the
// file extension its temp source file should carry.
func interpreterFor(language string) (bin, ext string, ok bool) {
	switch strings.ToLower(language) {
	case "python", "python3", "":
		return "python3", ".py", true
	default:
		return "", "", false
	}
}

// ExecuteCode writes source to a temp file in workdir (after splicing in
// the environment preamble), runs it with the language's interpreter, and
// reports the change set of files touched during the run.
func (e *Executor) ExecuteCode(ctx context.Context, convID, workdir, language, source string, timeout time.Duration) (ExecResult, error) {
	bin, ext, ok := interpreterFor(language)
	if !ok {
		return ExecResult{}, &Failure{Kind: FailInternalError, Detail: fmt.Sprintf("unsupported language %q", language)}
	}
	if sandboxIsBlocked(bin, e.blocked) {
		return ExecResult{}, &Failure{Kind: FailForbiddenCommand, Detail: fmt.Sprintf("interpreter %q is blocked", bin)}
	}

	preamble := BuildPreamble(language, convID)
	full := InsertAfterImports(source, preamble)

	file, err := os.CreateTemp(workdir, "snippet-*"+ext)
	if err != nil {
		return ExecResult{}, &Failure{Kind: FailInternalError, Detail: err.Error()}
	}
	path := file.Name()
	if _, err := file.WriteString(full); err != nil {
		file.Close()
		return ExecResult{}, &Failure{Kind: FailInternalError, Detail: err.Error()}
	}
	file.Close()
	defer os.Remove(path)

	rel, err := filepath.Rel(workdir, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	return e.run(ctx, workdir, bin, []string{rel}, "", timeout)
}

// ExecuteShell runs command through /bin/sh -c inside workdir, refusing
// anything matching the shell denylist.
func (e *Executor) ExecuteShell(ctx context.Context, workdir, command string, timeout time.Duration) (ExecResult, error) {
	if rule := ForbiddenShellRule(command); rule != "" {
		return ExecResult{}, &Failure{Kind: FailForbiddenCommand, Detail: fmt.Sprintf("command matches denylisted pattern %q", rule)}
	}
	return e.run(ctx, workdir, "/bin/sh", []string{"-c", command}, "", timeout)
}

func sandboxIsBlocked(bin string, blocked map[string]struct{}) bool {
	_, ok := blocked[bin]
	return ok
}

// run executes bin with args, confined to workdir, honoring timeout with a
// grace window before a forced kill, and always computes the change set
// even on timeout (spec §4.3 "Partial stdout/stderr ... change set is still
// computed").
func (e *Executor) run(ctx context.Context, workdir, bin string, args []string, stdin string, timeout time.Duration) (ExecResult, error) {
	ctx, span := tracer.Start(ctx, "sandbox.run")
	defer span.End()
	span.SetAttributes(attribute.String("sandbox.bin", bin))

	runsCounter, _ := meter.Int64Counter("sandbox.runs.total")
	durHist, _ := meter.Int64Histogram("sandbox.run.duration.ms")

	startNs := time.Now()

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, bin, args...)
	cmd.Dir = workdir
	cmd.Env = os.Environ()
	var stdout, stderr capBuffer
	stdout.cap = e.outCap
	stderr.cap = e.outCap
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = graceWindow

	err := cmd.Run()
	dur := time.Since(startNs)
	runsCounter.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("sandbox.bin", bin)))
	durHist.Record(ctx, dur.Milliseconds(), otelmetric.WithAttributes(attribute.String("sandbox.bin", bin)))

	changeSet, scanErr := e.scanChangeSet(workdir, startNs)
	if scanErr != nil {
		changeSet = nil
	}
	visibleStdout, sentinelFiles := extractSentinelFiles(stdout.String())
	changeSet = unionPaths(changeSet, sentinelFiles)

	exitCode := 0
	var runErr error
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		runErr = &Failure{Kind: FailExecutionTimeout, Detail: fmt.Sprintf("exceeded %s", timeout)}
		exitCode = -1
	case err != nil:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
			runErr = &Failure{Kind: FailNonZeroExit, Detail: tail(stderr.String(), 2000)}
		} else {
			runErr = &Failure{Kind: FailInternalError, Detail: err.Error()}
			exitCode = -1
		}
	}

	res := ExecResult{
		Stdout:          visibleStdout,
		Stderr:          stderr.String(),
		ExitCode:        exitCode,
		Duration:        dur,
		ChangeSet:       changeSet,
		StdoutTruncated: stdout.truncated,
		StderrTruncated: stderr.truncated,
	}
	return res, runErr
}

// sentinelPrefix marks a stdout line as an explicit generated-file
// announcement rather than program output, for tools that produce files
// under a name the mtime scan alone would not attribute clearly (e.g. a
// file written by a child process after the parent's own mtime window).
const sentinelPrefix = "##GENERATED_FILE## "

// extractSentinelFiles strips sentinel-protocol lines out of stdout and
// returns the remaining human-visible output alongside the announced paths.
func extractSentinelFiles(stdout string) (visible string, files []string) {
	lines := strings.Split(stdout, "\n")
	kept := lines[:0:0]
	for _, line := range lines {
		if rest, ok := strings.CutPrefix(line, sentinelPrefix); ok {
			if p := strings.TrimSpace(rest); p != "" {
				files = append(files, p)
			}
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n"), files
}

// unionPaths merges b into a, de-duplicating by exact path.
func unionPaths(a, b []string) []string {
	seen := make(map[string]bool, len(a))
	out := make([]string, 0, len(a)+len(b))
	for _, p := range a {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, p := range b {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// Scan implements tools.ChangeSetScanner so the Tool Registry can delegate
// generated-file discovery to the sandbox without importing it the other
// way around.
func (e *Executor) Scan(dir string, since time.Time) ([]string, error) {
	return e.scanChangeSet(dir, since)
}

// scanChangeSet walks workdir and returns the relative paths of every
// regular file whose mtime is at or after since-epsilon. mtime rather than
// "newly created" is used deliberately: a tool that re-renders chart.png in
// place must still be reported.
func (e *Executor) scanChangeSet(workdir string, since time.Time) ([]string, error) {
	cutoff := since.Add(-mtimeEpsilon)
	var out []string
	err := filepath.WalkDir(workdir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			return nil
		}
		rel, err := filepath.Rel(workdir, path)
		if err != nil {
			return nil
		}
		out = append(out, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// capBuffer is a bytes.Buffer that stops growing past cap and marks itself
// truncated, appending a trailing marker on first overflow.
type capBuffer struct {
	bytes.Buffer
	cap       int
	truncated bool
}

func (c *capBuffer) Write(p []byte) (int, error) {
	if c.cap <= 0 || c.Buffer.Len() < c.cap {
		room := c.cap - c.Buffer.Len()
		if c.cap <= 0 || room >= len(p) {
			return c.Buffer.Write(p)
		}
		c.Buffer.Write(p[:room])
		c.Buffer.WriteString("\n[TRUNCATED]")
		c.truncated = true
		return len(p), nil
	}
	if !c.truncated {
		c.Buffer.WriteString("\n[TRUNCATED]")
	}
	c.truncated = true
	return len(p), nil
}

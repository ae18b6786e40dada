package tools

import (
	"encoding/json"
	"fmt"

	"github.com/manifold-labs/agentserver/internal/sandbox"
)

// ShellDescriptor describes execute_shell: run a shell command confined to
// the conversation's working directory (spec §4.2/§4.3).
func ShellDescriptor(timeoutSeconds int) Descriptor {
	return Descriptor{
		Name:        "execute_shell",
		Description: "Run a shell command inside the conversation's working directory and return stdout/stderr plus any files it created.",
		ParametersSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{
					"type":        "string",
					"description": "Shell command line to execute.",
				},
			},
			"additionalProperties": false,
		},
		RequiredParams: []string{"command"},
		TimeoutSeconds: timeoutSeconds,
		Pure:           false,
		RetryOnTimeout: false,
	}
}

// NewShellHandler binds a Handler to the given Executor.
func NewShellHandler(ex *sandbox.Executor, timeoutSeconds int) Handler {
	return func(tc Context, args map[string]any) (Result, error) {
		command, _ := args["command"].(string)

		res, err := ex.ExecuteShell(tc.Ctx, tc.WorkingDir, command, Descriptor{TimeoutSeconds: timeoutSeconds}.timeout())
		if err != nil {
			if f, ok := err.(*sandbox.Failure); ok {
				return failedExec(res, f.Error()), nil
			}
			return Result{}, fmt.Errorf("execute_shell: %w", err)
		}

		payload, merr := json.Marshal(map[string]any{
			"exit_code":        res.ExitCode,
			"stdout":           res.Stdout,
			"stderr":           res.Stderr,
			"duration_ms":      res.Duration.Milliseconds(),
			"stdout_truncated": res.StdoutTruncated,
			"stderr_truncated": res.StderrTruncated,
		})
		if merr != nil {
			return Result{}, fmt.Errorf("execute_shell: marshal result: %w", merr)
		}
		return Result{Status: "success", Data: payload, GeneratedFiles: res.ChangeSet}, nil
	}
}

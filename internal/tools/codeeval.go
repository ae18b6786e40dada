package tools

import (
	"encoding/json"
	"fmt"

	"github.com/manifold-labs/agentserver/internal/sandbox"
)

// CodeEvalDescriptor describes execute_code: run a source snippet inside the
// conversation's working directory via the Sandbox Executor (spec §4.2/§4.3).
func CodeEvalDescriptor(timeoutSeconds int) Descriptor {
	return Descriptor{
		Name:        "execute_code",
		Description: "Run a source code snippet inside the conversation's working directory and return stdout/stderr plus any files it created.",
		ParametersSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"language": map[string]any{
					"type":        "string",
					"description": "Interpreter to run the snippet with.",
					"enum":        []any{"python3"},
				},
				"source": map[string]any{
					"type":        "string",
					"description": "Full source of the snippet to execute.",
				},
			},
			"additionalProperties": false,
		},
		RequiredParams: []string{"language", "source"},
		TimeoutSeconds: timeoutSeconds,
		Pure:           false,
		RetryOnTimeout: false,
	}
}

// NewCodeEvalHandler binds a Handler to the given Executor.
func NewCodeEvalHandler(ex *sandbox.Executor, timeoutSeconds int) Handler {
	return func(tc Context, args map[string]any) (Result, error) {
		language, _ := args["language"].(string)
		source, _ := args["source"].(string)

		res, err := ex.ExecuteCode(tc.Ctx, tc.ConvID, tc.WorkingDir, language, source, Descriptor{TimeoutSeconds: timeoutSeconds}.timeout())
		if err != nil {
			if f, ok := err.(*sandbox.Failure); ok {
				return failedExec(res, f.Error()), nil
			}
			return Result{}, fmt.Errorf("execute_code: %w", err)
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
			return Result{}, fmt.Errorf("execute_code: marshal result: %w", merr)
		}
		return Result{Status: "success", Data: payload, GeneratedFiles: res.ChangeSet}, nil
	}
}

func failedExec(res sandbox.ExecResult, detail string) Result {
	payload, _ := json.Marshal(map[string]any{
		"exit_code":   res.ExitCode,
		"stdout":      res.Stdout,
		"stderr":      res.Stderr,
		"duration_ms": res.Duration.Milliseconds(),
	})
	return Result{Status: "failed", Error: detail, Data: payload, GeneratedFiles: res.ChangeSet}
}

package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/manifold-labs/agentserver/internal/sandbox"
)

func TestShellHandlerSuccessReportsGeneratedFiles(t *testing.T) {
	dir := t.TempDir()
	ex := sandbox.NewExecutor(sandbox.Config{})
	handler := NewShellHandler(ex, 5)

	res, err := handler(Context{Ctx: context.Background(), WorkingDir: dir}, map[string]any{"command": "echo hi > out.txt"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != "success" {
		t.Fatalf("expected success, got %q (%s)", res.Status, res.Error)
	}
	found := false
	for _, f := range res.GeneratedFiles {
		if f == "out.txt" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected out.txt in generated files, got %v", res.GeneratedFiles)
	}

	var payload struct {
		ExitCode int `json:"exit_code"`
	}
	if err := json.Unmarshal(res.Data, &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if payload.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %d", payload.ExitCode)
	}
}

func TestShellHandlerForbiddenCommandFails(t *testing.T) {
	dir := t.TempDir()
	ex := sandbox.NewExecutor(sandbox.Config{})
	handler := NewShellHandler(ex, 5)

	res, err := handler(Context{Ctx: context.Background(), WorkingDir: dir}, map[string]any{"command": "sudo rm -rf /"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != "failed" {
		t.Fatalf("expected failed status for forbidden command, got %q", res.Status)
	}
}

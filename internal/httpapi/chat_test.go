package httpapi

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/manifold-labs/agentserver/internal/llm"
	"github.com/manifold-labs/agentserver/internal/orchestrator"
	"github.com/manifold-labs/agentserver/internal/store"
	"github.com/manifold-labs/agentserver/internal/tools"
)

type fakeProvider struct {
	content string
}

func (f *fakeProvider) Chat(ctx context.Context, req llm.Request) (llm.Message, error) {
	return llm.Message{Role: llm.RoleAssistant, Content: f.content}, nil
}

func (f *fakeProvider) ChatStream(ctx context.Context, req llm.Request) (<-chan llm.Event, error) {
	ch := make(chan llm.Event, 2)
	go func() {
		defer close(ch)
		ch <- llm.Event{Kind: llm.EventTextDelta, Text: f.content}
		ch <- llm.Event{Kind: llm.EventFinish, Finish: llm.FinishStop}
	}()
	return ch, nil
}

func (f *fakeProvider) Name() string        { return "fake" }
func (f *fakeProvider) SupportsTools() bool { return true }

func newTestServer(t *testing.T, content string) *Server {
	t.Helper()
	st, err := store.Open(t.TempDir(), t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	registry := tools.NewRegistry(nil)
	registry.Freeze()
	engine := orchestrator.New(&fakeProvider{content: content}, registry, "")
	return NewServer(st, engine, "test-model", 10*time.Second)
}

func readSSEEvents(t *testing.T, body *bufio.Reader) []string {
	t.Helper()
	var events []string
	for {
		line, err := body.ReadString('\n')
		if strings.HasPrefix(line, "event: ") {
			events = append(events, strings.TrimSpace(strings.TrimPrefix(line, "event: ")))
		}
		if err != nil {
			break
		}
	}
	return events
}

func TestHandleChatStreamsDoneEvent(t *testing.T) {
	srv := newTestServer(t, "the final answer")
	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/chat", "application/json", strings.NewReader(
		`{"conversation_id":"conv-1","user":"alice","content":"hi","client_msg_id":"m1"}`))
	if err != nil {
		t.Fatalf("POST /chat: %v", err)
	}
	defer resp.Body.Close()

	events := readSSEEvents(t, bufio.NewReader(resp.Body))
	if len(events) == 0 {
		t.Fatalf("expected at least one SSE event")
	}
	if events[0] != "server_msg_id" {
		t.Fatalf("expected first event to be server_msg_id, got %q", events[0])
	}
	if events[len(events)-1] != "done" {
		t.Fatalf("expected final event to be done, got %q", events[len(events)-1])
	}
}

func TestHandleChatIdempotentRetryShortCircuits(t *testing.T) {
	srv := newTestServer(t, "first answer")
	ts := httptest.NewServer(srv)
	defer ts.Close()

	body := `{"conversation_id":"conv-2","user":"bob","content":"hi","client_msg_id":"dup-1"}`

	resp1, err := http.Post(ts.URL+"/chat", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("first POST: %v", err)
	}
	_ = readSSEEvents(t, bufio.NewReader(resp1.Body))
	resp1.Body.Close()

	resp2, err := http.Post(ts.URL+"/chat", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("second POST: %v", err)
	}
	defer resp2.Body.Close()
	events := readSSEEvents(t, bufio.NewReader(resp2.Body))

	if len(events) != 2 || events[0] != "server_msg_id" || events[1] != "done" {
		t.Fatalf("expected idempotent retry to short-circuit straight to done, got %v", events)
	}

	msgs, err := srv.Store.History("conv-2")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	userCount := 0
	for _, m := range msgs {
		if m.Role == store.RoleUser {
			userCount++
		}
	}
	if userCount != 1 {
		t.Fatalf("expected idempotent retry to not duplicate the user message, got %d user messages", userCount)
	}
}

func TestHandleChatRejectsMissingFields(t *testing.T) {
	srv := newTestServer(t, "x")
	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/chat", "application/json", strings.NewReader(`{"content":"hi"}`))
	if err != nil {
		t.Fatalf("POST /chat: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing required fields, got %d", resp.StatusCode)
	}
}

func TestUnionStringsDedupesPreservingOrder(t *testing.T) {
	out := unionStrings([]string{"a", "b"}, []string{"b", "c"})
	want := []string{"a", "b", "c"}
	if len(out) != len(want) {
		t.Fatalf("expected %v, got %v", want, out)
	}
	for i, w := range want {
		if out[i] != w {
			t.Fatalf("expected %v, got %v", want, out)
		}
	}
}

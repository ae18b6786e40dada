package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/manifold-labs/agentserver/internal/llm"
	"github.com/manifold-labs/agentserver/internal/orchestrator"
	"github.com/manifold-labs/agentserver/internal/store"
)

type chatRequest struct {
	ConversationID string `json:"conversation_id"`
	User           string `json:"user"`
	Content        string `json:"content"`
	ClientMsgID    string `json:"client_msg_id"`
	Model          string `json:"model,omitempty"`
}

// handleChat implements the chat ingress (spec §4.6): idempotent
// user-message insert, assistant placeholder, then a long-lived SSE stream
// fed from the orchestrator's progress channel.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if req.ConversationID == "" || req.User == "" {
		http.Error(w, "conversation_id and user are required", http.StatusBadRequest)
		return
	}

	serverMsgID, idempotentHit, err := s.Store.AppendUserMessage(req.ConversationID, req.User, req.Content, req.ClientMsgID)
	if err != nil {
		http.Error(w, "store write failed", http.StatusInternalServerError)
		return
	}

	fl, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	var writeMu sync.Mutex
	writeEvent := func(event string, payload any) {
		b, merr := json.Marshal(payload)
		if merr != nil {
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b)
		fl.Flush()
	}

	writeEvent("server_msg_id", map[string]any{"server_msg_id": serverMsgID, "conversation_id": req.ConversationID})

	if idempotentHit {
		// The turn this server_msg_id belongs to may already be in flight or
		// finished elsewhere; report its last known status and stop here
		// rather than starting a second orchestrator run for it.
		status := "completed"
		if msgs, herr := s.Store.History(req.ConversationID); herr == nil {
			for _, m := range msgs {
				if m.ServerMsgID == serverMsgID {
					status = m.Status
					break
				}
			}
		}
		writeEvent("done", map[string]any{"status": status, "final_content": "", "files": []string{}})
		return
	}

	assistantID, err := s.Store.CreateAssistantPlaceholder(req.ConversationID, req.User)
	if err != nil {
		writeEvent("done", map[string]any{"status": "failed", "final_content": "store write failed", "files": []string{}})
		return
	}

	model := req.Model
	if model == "" {
		model = s.DefaultModel
	}

	history, err := s.historyAsMessages(req.ConversationID)
	if err != nil {
		_ = s.Store.UpdateAssistant(req.ConversationID, assistantID, "store read failed", nil, nil, store.StatusFailed)
		writeEvent("done", map[string]any{"status": "failed", "final_content": "store read failed", "files": []string{}})
		return
	}

	workdir, err := s.Store.GetWorkdir(req.ConversationID)
	if err != nil {
		_ = s.Store.UpdateAssistant(req.ConversationID, assistantID, "store read failed", nil, nil, store.StatusFailed)
		writeEvent("done", map[string]any{"status": "failed", "final_content": "store read failed", "files": []string{}})
		return
	}

	summaryText, summarizedCount, err := s.Store.GetSummaryState(req.ConversationID)
	if err != nil {
		_ = s.Store.UpdateAssistant(req.ConversationID, assistantID, "store read failed", nil, nil, store.StatusFailed)
		writeEvent("done", map[string]any{"status": "failed", "final_content": "store read failed", "files": []string{}})
		return
	}
	summary := orchestrator.Summary{Text: summaryText, SummarizedCount: summarizedCount}

	ctx, cancel := context.WithTimeout(r.Context(), s.KeepAliveDeadline)
	defer cancel()
	ctx = orchestrator.WithConversation(ctx, req.ConversationID, workdir)

	progress := make(chan orchestrator.Progress, 16)
	outcomeCh := make(chan orchestrator.Outcome, 1)
	go func() {
		outcomeCh <- s.Engine.Run(ctx, model, history, summary, progress)
	}()

	stopHeartbeat := make(chan struct{})
	defer close(stopHeartbeat)
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopHeartbeat:
				return
			case <-ticker.C:
				writeEvent("heartbeat", map[string]any{})
			}
		}
	}()

	var toolCalls []store.ToolCall
	var streamedFiles []string
	for p := range progress {
		switch p.Kind {
		case orchestrator.ProgressTextDelta:
			writeEvent("text_delta", map[string]any{"text": p.Text})
		case orchestrator.ProgressToolCallStarted:
			writeEvent("tool_call_started", map[string]any{"name": p.ToolName, "arguments": p.ToolArgs})
			toolCalls = append(toolCalls, store.ToolCall{ID: p.ToolCallID, Name: p.ToolName, Arguments: json.RawMessage(p.ToolArgs)})
		case orchestrator.ProgressToolCallResult:
			writeEvent("tool_call_result", map[string]any{"name": p.ToolName, "status": p.Status, "files_added": p.FilesAdded})
			if _, err := s.Store.AppendToolMessage(req.ConversationID, p.ToolCallID, p.ToolName, p.Content, p.FilesAdded); err != nil {
				log.Ctx(ctx).Error().Err(err).Str("tool", p.ToolName).Msg("append_tool_message_failed")
			}
		case orchestrator.ProgressFilesGenerated:
			streamedFiles = unionStrings(streamedFiles, p.Files)
			writeEvent("files_generated", map[string]any{"files": streamedFiles})
		}
	}

	outcome := <-outcomeCh
	generatedFiles := unionStrings(outcome.GeneratedFiles, streamedFiles)
	if diffFiles, err := s.Store.ListFiles(req.ConversationID); err == nil {
		names := make([]string, 0, len(diffFiles))
		for _, f := range diffFiles {
			names = append(names, f.Name)
		}
		generatedFiles = unionStrings(generatedFiles, names)
	}

	status := outcome.Status
	if status == "" {
		status = store.StatusCompleted
	}
	if err := s.Store.UpdateAssistant(req.ConversationID, assistantID, outcome.Content, toolCalls, generatedFiles, status); err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("update_assistant_failed")
	}
	if err := s.Store.NeighborNormalize(req.ConversationID); err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("neighbor_normalize_failed")
	}
	if err := s.Store.UpdateSummaryState(req.ConversationID, outcome.Summary.Text, outcome.Summary.SummarizedCount); err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("update_summary_state_failed")
	}

	writeEvent("done", map[string]any{"status": status, "final_content": outcome.Content, "files": generatedFiles})
}

// historyAsMessages loads the persisted conversation and translates it into
// the normalized llm.Message shape the orchestrator/provider expect.
func (s *Server) historyAsMessages(convID string) ([]llm.Message, error) {
	msgs, err := s.Store.History(convID)
	if err != nil {
		return nil, err
	}
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == store.RoleAssistant && m.Status == store.StatusInProgress {
			continue
		}
		lm := llm.Message{Role: m.Role, Content: m.Content, ToolID: m.ToolCallID, Name: m.Name}
		for _, tc := range m.ToolCalls {
			lm.ToolCalls = append(lm.ToolCalls, llm.ToolCall{ID: tc.ID, Name: tc.Name, Args: tc.Arguments, ThoughtSignature: tc.ThoughtSignature})
		}
		out = append(out, lm)
	}
	return out, nil
}

func unionStrings(known, discovered []string) []string {
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

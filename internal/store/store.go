package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrNotInProgress is returned by UpdateAssistant when the target row is no
// longer in_progress, protecting against racing finalizers (spec §4.1).
var ErrNotInProgress = errors.New("store: message is not in_progress")

// ErrNotFound is returned when a conversation id is not known to the index.
var ErrNotFound = errors.New("store: conversation not found")

// indexEntry records where a conversation's record file lives, as recorded
// in data/index.json.
type indexEntry struct {
	Path string `json:"path"`
	User string `json:"user"`
}

// Store is the filesystem-backed Conversation Store (spec §4.1), rooted at
// dataDir (conversation records, idempotency records, index) and
// outputsDir (per-conversation working directories).
type Store struct {
	dataDir    string
	outputsDir string
	locks      *lockTable

	mu    sync.Mutex // protects index and idempotency file writes
	index map[string]indexEntry
}

// Open loads (or initializes) the store rooted at dataDir/outputsDir,
// rebuilding data/index.json from the conversation tree if it is absent.
func Open(dataDir, outputsDir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dataDir, "conversations"), 0o755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(dataDir, "idempotency"), 0o755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outputsDir, 0o755); err != nil {
		return nil, err
	}
	s := &Store{dataDir: dataDir, outputsDir: outputsDir, locks: newLockTable(), index: map[string]indexEntry{}}
	if err := s.loadOrRebuildIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) indexPath() string { return filepath.Join(s.dataDir, "index.json") }

func (s *Store) loadOrRebuildIndex() error {
	b, err := os.ReadFile(s.indexPath())
	if err == nil {
		var idx map[string]indexEntry
		if err := json.Unmarshal(b, &idx); err == nil {
			s.index = idx
			return nil
		}
		log.Warn().Msg("store: index.json unreadable, rebuilding")
	}
	return s.rebuildIndex()
}

// rebuildIndex walks data/conversations/<user>/<YYYY-MM>/*.json and
// reconstructs the conv_id → location map (spec §6 "rebuilt on startup if
// absent").
func (s *Store) rebuildIndex() error {
	root := filepath.Join(s.dataDir, "conversations")
	idx := map[string]indexEntry{}
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || !strings.HasSuffix(path, ".json") {
			return nil
		}
		b, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil
		}
		var conv Conversation
		if jsonErr := json.Unmarshal(b, &conv); jsonErr != nil || conv.ConvID == "" {
			return nil
		}
		rel, relErr := filepath.Rel(s.dataDir, path)
		if relErr != nil {
			rel = path
		}
		idx[conv.ConvID] = indexEntry{Path: rel, User: conv.User}
		return nil
	})
	if err != nil {
		return err
	}
	s.index = idx
	return s.writeIndexLocked()
}

func (s *Store) writeIndexLocked() error {
	return writeTempThenRename(s.indexPath(), s.index)
}

// writeTempThenRename marshals v as indented JSON to a temp file beside
// path and renames it into place, so a crash mid-write never leaves a
// truncated record visible to readers.
func writeTempThenRename(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp-" + uuid.NewString()
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *Store) recordPath(conv Conversation) string {
	month := conv.CreatedAt.Format("2006-01")
	name := fmt.Sprintf("%d_%s.json", conv.CreatedAt.UnixNano(), conv.ConvID)
	return filepath.Join(s.dataDir, "conversations", conv.User, month, name)
}

func (s *Store) loadConversation(convID string) (Conversation, string, error) {
	s.mu.Lock()
	entry, ok := s.index[convID]
	s.mu.Unlock()
	if !ok {
		return Conversation{}, "", ErrNotFound
	}
	full := filepath.Join(s.dataDir, entry.Path)
	b, err := os.ReadFile(full)
	if err != nil {
		return Conversation{}, "", err
	}
	var conv Conversation
	if err := json.Unmarshal(b, &conv); err != nil {
		return Conversation{}, "", err
	}
	return conv, full, nil
}

func (s *Store) saveConversation(conv Conversation, path string) error {
	conv.UpdatedAt = time.Now().UTC()
	if err := writeTempThenRename(path, conv); err != nil {
		return err
	}
	rel, err := filepath.Rel(s.dataDir, path)
	if err != nil {
		rel = path
	}
	s.mu.Lock()
	s.index[conv.ConvID] = indexEntry{Path: rel, User: conv.User}
	idxErr := s.writeIndexLocked()
	s.mu.Unlock()
	return idxErr
}

func (s *Store) idempotencyPath(user string) string {
	return filepath.Join(s.dataDir, "idempotency", user+".json")
}

func (s *Store) loadIdempotency(user string) (map[string]string, error) {
	b, err := os.ReadFile(s.idempotencyPath(user))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	var m map[string]string
	if err := json.Unmarshal(b, &m); err != nil {
		return map[string]string{}, nil
	}
	return m, nil
}

// AppendUserMessage implements the idempotent insert contract: a repeated
// (user, client_msg_id) returns the prior server_msg_id without mutating
// storage.
func (s *Store) AppendUserMessage(convID, user, content, clientMsgID string) (serverMsgID string, idempotentHit bool, err error) {
	unlock := s.locks.Acquire(convID)
	defer unlock()

	idem, err := s.loadIdempotency(user)
	if err != nil {
		return "", false, err
	}
	if prior, ok := idem[clientMsgID]; clientMsgID != "" && ok {
		return prior, true, nil
	}

	conv, path, err := s.loadOrCreateConversation(convID, user)
	if err != nil {
		return "", false, err
	}

	msgID := uuid.NewString()
	conv.Messages = append(conv.Messages, Message{
		ServerMsgID: msgID,
		ClientMsgID: clientMsgID,
		Role:        RoleUser,
		Content:     content,
		Status:      StatusCompleted,
		CreatedAt:   time.Now().UTC(),
	})
	if err := s.saveConversation(conv, path); err != nil {
		return "", false, err
	}

	if clientMsgID != "" {
		idem[clientMsgID] = msgID
		s.mu.Lock()
		writeErr := writeTempThenRename(s.idempotencyPath(user), idem)
		s.mu.Unlock()
		if writeErr != nil {
			return "", false, writeErr
		}
	}
	return msgID, false, nil
}

func (s *Store) loadOrCreateConversation(convID, user string) (Conversation, string, error) {
	conv, path, err := s.loadConversation(convID)
	if err == nil {
		return conv, path, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Conversation{}, "", err
	}
	now := time.Now().UTC()
	conv = Conversation{ConvID: convID, User: user, CreatedAt: now, UpdatedAt: now}
	path = s.recordPath(conv)
	if err := os.MkdirAll(filepath.Join(s.outputsDir, convID), 0o755); err != nil {
		return Conversation{}, "", err
	}
	return conv, path, nil
}

// CreateAssistantPlaceholder inserts an in_progress assistant Message with
// empty content and no tool calls, returning its server_msg_id.
func (s *Store) CreateAssistantPlaceholder(convID, user string) (string, error) {
	unlock := s.locks.Acquire(convID)
	defer unlock()

	conv, path, err := s.loadOrCreateConversation(convID, user)
	if err != nil {
		return "", err
	}
	msgID := uuid.NewString()
	conv.Messages = append(conv.Messages, Message{
		ServerMsgID: msgID,
		Role:        RoleAssistant,
		Status:      StatusInProgress,
		CreatedAt:   time.Now().UTC(),
	})
	if err := s.saveConversation(conv, path); err != nil {
		return "", err
	}
	return msgID, nil
}

// UpdateAssistant finalizes (or fails) the placeholder identified by
// serverMsgID. It fails with ErrNotInProgress if the row already moved past
// in_progress, guarding against a racing finalizer double-writing history.
func (s *Store) UpdateAssistant(convID, serverMsgID, content string, toolCalls []ToolCall, generatedFiles []string, status string) error {
	unlock := s.locks.Acquire(convID)
	defer unlock()

	conv, path, err := s.loadConversation(convID)
	if err != nil {
		return err
	}
	idx := findMessageIndex(conv.Messages, serverMsgID)
	if idx < 0 {
		return ErrNotFound
	}
	if conv.Messages[idx].Status != StatusInProgress {
		return ErrNotInProgress
	}
	conv.Messages[idx].Content = content
	conv.Messages[idx].ToolCalls = toolCalls
	conv.Messages[idx].GeneratedFiles = generatedFiles
	conv.Messages[idx].Status = status
	return s.saveConversation(conv, path)
}

// AppendToolMessage inserts a role=tool Message observing one tool's Result.
func (s *Store) AppendToolMessage(convID, toolCallID, name, content string, generatedFiles []string) (string, error) {
	unlock := s.locks.Acquire(convID)
	defer unlock()

	conv, path, err := s.loadConversation(convID)
	if err != nil {
		return "", err
	}
	msgID := uuid.NewString()
	conv.Messages = append(conv.Messages, Message{
		ServerMsgID:    msgID,
		Role:           RoleTool,
		Content:        content,
		ToolCallID:     toolCallID,
		Name:           name,
		GeneratedFiles: generatedFiles,
		Status:         StatusCompleted,
		CreatedAt:      time.Now().UTC(),
	})
	if err := s.saveConversation(conv, path); err != nil {
		return "", err
	}
	return msgID, nil
}

// GetSummaryState returns the conversation's persisted rolling-summarization
// state (spec.md §3): the latest distilled summary text and how many leading
// messages it already represents. Returns zero values, not an error, for a
// conversation that has never been summarized or does not yet exist.
func (s *Store) GetSummaryState(convID string) (summary string, summarizedCount int, err error) {
	unlock := s.locks.Acquire(convID)
	defer unlock()

	conv, _, err := s.loadConversation(convID)
	if errors.Is(err, ErrNotFound) {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, err
	}
	return conv.Summary, conv.SummarizedCount, nil
}

// UpdateSummaryState persists the orchestrator's rolling-summarization state
// after a turn. The caller should call this regardless of the turn's outcome
// so the next turn picks up from wherever this one left off.
func (s *Store) UpdateSummaryState(convID, summary string, summarizedCount int) error {
	unlock := s.locks.Acquire(convID)
	defer unlock()

	conv, path, err := s.loadConversation(convID)
	if err != nil {
		return err
	}
	conv.Summary = summary
	conv.SummarizedCount = summarizedCount
	return s.saveConversation(conv, path)
}

func findMessageIndex(msgs []Message, serverMsgID string) int {
	for i := range msgs {
		if msgs[i].ServerMsgID == serverMsgID {
			return i
		}
	}
	return -1
}

// NeighborNormalize merges the two most recent same-role messages when
// their whitespace-collapsed content is identical, a recovery hook for
// retried turns the idempotency key didn't catch.
func (s *Store) NeighborNormalize(convID string) error {
	unlock := s.locks.Acquire(convID)
	defer unlock()

	conv, path, err := s.loadConversation(convID)
	if err != nil {
		return err
	}
	n := len(conv.Messages)
	if n < 2 {
		return nil
	}
	last, prev := conv.Messages[n-1], conv.Messages[n-2]
	if last.Role != prev.Role || collapseWhitespace(last.Content) != collapseWhitespace(prev.Content) {
		return nil
	}
	last.GeneratedFiles = unionOrdered(prev.GeneratedFiles, last.GeneratedFiles)
	conv.Messages = append(conv.Messages[:n-2], last)
	return s.saveConversation(conv, path)
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func unionOrdered(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, f := range list {
			if !seen[f] {
				seen[f] = true
				out = append(out, f)
			}
		}
	}
	return out
}

// GetWorkdir returns the conversation's working-directory path, creating it
// if absent.
func (s *Store) GetWorkdir(convID string) (string, error) {
	dir := filepath.Join(s.outputsDir, convID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// FileInfo describes one entry returned by ListFiles.
type FileInfo struct {
	Name  string    `json:"name"`
	Size  int64     `json:"size"`
	Mtime time.Time `json:"mtime"`
}

// ListFiles enumerates regular files directly under the conversation's
// working directory.
func (s *Store) ListFiles(convID string) ([]FileInfo, error) {
	dir, err := s.GetWorkdir(convID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, FileInfo{Name: e.Name(), Size: info.Size(), Mtime: info.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// History returns the full Message log for a conversation.
func (s *Store) History(convID string) ([]Message, error) {
	conv, _, err := s.loadConversation(convID)
	if err != nil {
		return nil, err
	}
	return conv.Messages, nil
}

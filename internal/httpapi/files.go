package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/manifold-labs/agentserver/internal/sandbox"
)

// handleStreamFile serves one file from a conversation's working directory
// with Range support (spec §6 "Workspace file range streaming"). Non-ASCII
// filenames are carried in the URL path only; Content-Disposition never
// sets a filename parameter, avoiding header-encoding corruption.
func (s *Server) handleStreamFile(w http.ResponseWriter, r *http.Request) {
	convID := r.PathValue("conversation_id")
	filename := r.PathValue("filename")
	if convID == "" || filename == "" {
		http.Error(w, "conversation_id and filename are required", http.StatusBadRequest)
		return
	}

	workdir, err := s.Store.GetWorkdir(convID)
	if err != nil {
		http.Error(w, "conversation not found", http.StatusNotFound)
		return
	}

	rel, err := sandbox.SanitizeArg(workdir, filename)
	if err != nil {
		var pathErr *sandbox.PathError
		if errors.As(err, &pathErr) {
			log.Debug().Str("violation", string(pathErr.Violation)).Str("arg", pathErr.Arg).Msg("stream_file_rejected")
		}
		http.Error(w, "invalid filename", http.StatusBadRequest)
		return
	}
	path := filepath.Join(workdir, rel)

	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		http.Error(w, "file not found", http.StatusNotFound)
		return
	}
	file, err := os.Open(path)
	if err != nil {
		http.Error(w, "file not found", http.StatusNotFound)
		return
	}
	defer file.Close()

	w.Header().Set("Content-Disposition", "attachment")
	http.ServeContent(w, r, "", info.ModTime(), file)
}

// handleListOutputs returns the working directory's file listing (spec §6
// "Workspace listing").
func (s *Server) handleListOutputs(w http.ResponseWriter, r *http.Request) {
	convID := r.PathValue("conversation_id")
	files, err := s.Store.ListFiles(convID)
	if err != nil {
		http.Error(w, "conversation not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"files": files})
}

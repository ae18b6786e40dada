// Package httpapi exposes the Streaming HTTP Surface (spec §4.6): a single
// idempotent chat ingress that fans out orchestrator progress as SSE, plus
// read-only workspace file endpoints.
package httpapi

import (
	"net/http"
	"time"

	"github.com/manifold-labs/agentserver/internal/orchestrator"
	"github.com/manifold-labs/agentserver/internal/store"
)

// Server wires the Conversation Store and the ReAct Engine behind the HTTP
// surface. One Server handles many concurrent conversations; per-conversation
// serialization is the Store's responsibility (spec §5).
type Server struct {
	Store             *store.Store
	Engine            *orchestrator.Engine
	DefaultModel      string
	KeepAliveDeadline time.Duration

	mux *http.ServeMux
}

// NewServer builds a Server and registers its routes.
func NewServer(st *store.Store, eng *orchestrator.Engine, defaultModel string, keepAlive time.Duration) *Server {
	s := &Server{Store: st, Engine: eng, DefaultModel: defaultModel, KeepAliveDeadline: keepAlive, mux: http.NewServeMux()}
	s.registerRoutes()
	return s
}

// ServeHTTP satisfies http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /chat", s.handleChat)
	s.mux.HandleFunc("GET /stream/{conversation_id}/{filename...}", s.handleStreamFile)
	s.mux.HandleFunc("GET /outputs/list/{conversation_id}", s.handleListOutputs)
}

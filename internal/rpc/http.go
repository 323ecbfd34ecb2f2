package rpc

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/cors"

	"github.com/cawhq/caw/internal/logging"
	"github.com/cawhq/caw/internal/tools"
)

// SessionHeader carries the RPC session id on HTTP requests.
const SessionHeader = "mcp-session-id"

// HTTPServer serves JSON-RPC over HTTP. Each session owns its own
// dispatcher; the first POST without a session header creates one and
// the response echoes the generated id.
type HTTPServer struct {
	registry *tools.Registry
	log      *logging.Logger

	mu       sync.Mutex
	sessions map[string]*Dispatcher
}

// NewHTTPServer creates the HTTP transport over the tool registry.
func NewHTTPServer(registry *tools.Registry, log *logging.Logger) *HTTPServer {
	if log == nil {
		log = logging.NewNop()
	}
	return &HTTPServer{
		registry: registry,
		log:      log,
		sessions: make(map[string]*Dispatcher),
	}
}

// Handler builds the HTTP routing tree.
func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(120 * time.Second))
	r.Use(cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type", SessionHeader},
		ExposedHeaders: []string{SessionHeader},
	}).Handler)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Post("/mcp", s.handlePost)
	r.Get("/mcp", s.requireSession)
	r.Delete("/mcp", s.handleDelete)
	return r
}

func (s *HTTPServer) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 16*1024*1024))
	if err != nil {
		writeRPCError(w, http.StatusBadRequest, CodeParseError, "Parse error")
		return
	}

	sessionID := r.Header.Get(SessionHeader)
	s.mu.Lock()
	dispatcher, ok := s.sessions[sessionID]
	if !ok {
		if sessionID != "" {
			// Unknown session ids are replaced rather than rejected so
			// clients survive a daemon restart.
			s.log.Debug("unknown rpc session, issuing new one", "session_id", sessionID)
		}
		sessionID = uuid.NewString()
		dispatcher = NewDispatcher(s.registry, s.log)
		s.sessions[sessionID] = dispatcher
	}
	s.mu.Unlock()

	resp := dispatcher.HandleRaw(r.Context(), body)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(SessionHeader, sessionID)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp)
}

func (s *HTTPServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(SessionHeader)
	s.mu.Lock()
	_, ok := s.sessions[sessionID]
	if ok {
		delete(s.sessions, sessionID)
	}
	s.mu.Unlock()

	if !ok {
		writeRPCError(w, http.StatusBadRequest, CodeServerError, "Bad Request: No active session")
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(SessionHeader)
	s.mu.Lock()
	_, ok := s.sessions[sessionID]
	s.mu.Unlock()

	if !ok {
		writeRPCError(w, http.StatusBadRequest, CodeServerError, "Bad Request: No active session")
		return
	}
	// Streaming responses are not offered; clients poll over POST.
	w.WriteHeader(http.StatusMethodNotAllowed)
}

// SessionCount reports the number of live RPC sessions.
func (s *HTTPServer) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func writeRPCError(w http.ResponseWriter, status, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(&Response{
		JSONRPC: "2.0",
		Error:   &RPCError{Code: code, Message: message},
	})
}

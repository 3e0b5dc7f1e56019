// Package transport implements the connection gateway (C1): websocket
// upgrade, per-connection auth, session binding, and the read/write loops
// that drive a conversation state machine and turn pipeline per connection
// (spec §4.1, §4.2, §6). It generalizes the teacher's httpapi.Server,
// replacing the single Orchestrator.RunConnection interface with the
// conversation/turn packages built for this service.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/twincore/internal/asr"
	"github.com/antoniostano/twincore/internal/auth"
	"github.com/antoniostano/twincore/internal/config"
	"github.com/antoniostano/twincore/internal/generation"
	"github.com/antoniostano/twincore/internal/memory"
	"github.com/antoniostano/twincore/internal/observability"
	"github.com/antoniostano/twincore/internal/rag"
	"github.com/antoniostano/twincore/internal/session"
	"github.com/antoniostano/twincore/internal/synthesis"
)

// Deps wires the shared, connection-independent collaborators every
// websocket session is built from.
type Deps struct {
	Config     config.Config
	Sessions   *session.Manager
	Auth       *auth.Validator
	Metrics    *observability.Metrics
	Aggregator *observability.Aggregator

	RAG        *rag.Coordinator
	Generation generation.Provider
	TTS        synthesis.TTSProvider
	LipSync    synthesis.LipSyncProvider
	ASR        asr.Provider

	// Memory persists turn transcripts across reconnects/process restarts,
	// feeding the rolling-summary context a fresh connection starts with.
	// Nil is valid: summaries then live only for the connection's lifetime.
	Memory memory.Store
}

// Server is the HTTP/websocket gateway.
type Server struct {
	deps     Deps
	upgrader websocket.Upgrader
}

func New(deps Deps) *Server {
	return &Server{
		deps: deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Same-origin only, unless explicitly relaxed for local dev;
				// non-browser clients (no Origin header) are allowed through.
				if deps.Config.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/conversation/stages", s.handleConversationStages)
	r.Get("/v1/conversation/ws", s.handleConversationWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"active_sessions": s.deps.Sessions.ActiveCount(),
	})
}

// handleConversationStages generalizes the teacher's handlePerfLatency into
// the full connection/turn-stage snapshot of spec §4.9.
func (s *Server) handleConversationStages(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Aggregator == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "observability aggregator not configured")
		return
	}
	var turnStages observability.TurnStageSnapshot
	if s.deps.Metrics != nil {
		turnStages = s.deps.Metrics.SnapshotTurnStages()
	}
	respondJSON(w, http.StatusOK, s.deps.Aggregator.Snapshot(turnStages))
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

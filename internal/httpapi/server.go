package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/stewardai/steward/internal/engine"
	"github.com/stewardai/steward/internal/registry"
	"github.com/stewardai/steward/internal/store"
	"github.com/stewardai/steward/internal/stream"
	"github.com/stewardai/steward/pkg/schema"
)

// DefaultKeepalive is the idle interval after which the SSE stream emits
// a keepalive comment instead of dropping the connection.
const DefaultKeepalive = 15 * time.Second

// Deps holds the server's collaborators. Store may be nil.
type Deps struct {
	Engine *engine.Engine
	Bus    *stream.Bus
	Tasks  *registry.Registry
	Store  store.Store
	Logger *slog.Logger
}

// Server exposes the workflow operations over HTTP.
type Server struct {
	deps      Deps
	keepalive time.Duration
}

// NewServer creates a Server. keepalive falls back to DefaultKeepalive
// when zero.
func NewServer(deps Deps, keepalive time.Duration) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if keepalive <= 0 {
		keepalive = DefaultKeepalive
	}
	return &Server{deps: deps, keepalive: keepalive}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/workflows", s.handleStartWorkflow)
	mux.HandleFunc("GET /api/sessions/{id}/events", s.handleSubscribe)
	mux.HandleFunc("GET /api/sessions/{id}/memory", s.handleSnapshot)
	mux.HandleFunc("POST /api/sessions/{id}/intervention", s.handleResolveIntervention)
	mux.HandleFunc("POST /api/sessions/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

type startRequest struct {
	Query      string `json:"query"`
	SessionID  string `json:"session_id,omitempty"`
	DeepSearch bool   `json:"deep_search"`
	Async      bool   `json:"async,omitempty"`
}

type startResponse struct {
	SessionID   string       `json:"session_id"`
	FinalAnswer string       `json:"final_answer,omitempty"`
	Plan        *schema.Plan `json:"plan,omitempty"`
}

// handleStartWorkflow runs a workflow. The run is always spawned as a
// tracked session task so cancel and shutdown see it; with async=false
// the handler waits for the result, with async=true it returns 202 and
// the caller follows the event stream.
func (s *Server) handleStartWorkflow(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	type runResult struct {
		res *engine.Result
		err error
	}
	done := make(chan runResult, 1)
	s.deps.Tasks.Spawn(context.Background(), sessionID, "workflow", func(ctx context.Context) {
		res, err := s.deps.Engine.Run(ctx, req.Query, sessionID, req.DeepSearch)
		done <- runResult{res: res, err: err}
	})

	if req.Async {
		writeJSON(w, http.StatusAccepted, startResponse{SessionID: sessionID})
		return
	}

	select {
	case rr := <-done:
		if rr.err != nil {
			s.deps.Logger.ErrorContext(r.Context(), "workflow failed",
				"session_id", sessionID, "error", rr.err.Error())
			writeError(w, http.StatusInternalServerError, rr.err.Error())
			return
		}
		writeJSON(w, http.StatusOK, startResponse{
			SessionID:   sessionID,
			FinalAnswer: rr.res.FinalAnswer,
			Plan:        rr.res.Plan,
		})
	case <-r.Context().Done():
		// Client went away; the workflow keeps running and the stream
		// still carries its events.
	}
}

// handleSnapshot serves the full working-memory snapshot, falling back
// to the persisted copy for sessions no longer resident.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if snap := s.deps.Engine.Snapshot(sessionID); snap != nil {
		writeJSON(w, http.StatusOK, snap)
		return
	}
	if s.deps.Store != nil {
		snap, err := s.deps.Store.LoadSnapshot(r.Context(), sessionID)
		if err == nil {
			writeJSON(w, http.StatusOK, snap)
			return
		}
		if !errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	writeError(w, http.StatusNotFound, "unknown session")
}

type resolveRequest struct {
	Action string `json:"action"`
}

func (s *Server) handleResolveIntervention(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !schema.ValidAction(req.Action) {
		writeError(w, http.StatusBadRequest, "action must be one of retry, skip, abort")
		return
	}
	if err := s.deps.Engine.ResolveIntervention(sessionID, schema.InterventionAction(req.Action)); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": sessionID, "action": req.Action})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	n := s.deps.Engine.Cancel(sessionID)
	writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "cancelled_tasks": n})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

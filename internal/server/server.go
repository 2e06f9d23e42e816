// Package server exposes the engine over HTTP: trial lifecycle, live event
// subscription over websocket, interactive sessions and report export.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/arenahq/crucible/internal/agent"
	"github.com/arenahq/crucible/internal/errdefs"
	"github.com/arenahq/crucible/internal/hub"
	"github.com/arenahq/crucible/internal/identity"
	"github.com/arenahq/crucible/internal/report"
	"github.com/arenahq/crucible/internal/session"
	"github.com/arenahq/crucible/internal/store"
	"github.com/arenahq/crucible/internal/trial"
)

// Params collects the server's collaborators. All are required except
// SessionModel, which defaults the model of newly created sessions.
type Params struct {
	Engine         *trial.Engine
	Store          *store.DB
	Hub            *hub.Hub
	Sessions       *session.Registry
	Identity       identity.Provider
	SessionInvoker agent.Invoker
	SessionModel   string
}

// Server is the HTTP API. Implements http.Handler.
type Server struct {
	engine       *trial.Engine
	db           *store.DB
	hub          *hub.Hub
	sessions     *session.Registry
	identity     identity.Provider
	invoker      agent.Invoker
	sessionModel string
	mux          *http.ServeMux
}

// New creates a Server with all routes registered.
func New(p Params) *Server {
	s := &Server{
		engine:       p.Engine,
		db:           p.Store,
		hub:          p.Hub,
		sessions:     p.Sessions,
		identity:     p.Identity,
		invoker:      p.SessionInvoker,
		sessionModel: p.SessionModel,
		mux:          http.NewServeMux(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	// Trials
	s.mux.HandleFunc("POST /api/trials", s.handleCreateTrial)
	s.mux.HandleFunc("GET /api/trials", s.handleListTrials)
	s.mux.HandleFunc("GET /api/trials/{id}", s.handleGetTrial)
	s.mux.HandleFunc("POST /api/trials/{id}/start", s.handleStartTrial)
	s.mux.HandleFunc("POST /api/trials/{id}/resume", s.handleResumeTrial)
	s.mux.HandleFunc("DELETE /api/trials/{id}", s.handleDeleteTrial)

	// Observation
	s.mux.HandleFunc("GET /api/trials/{id}/events", s.handleEvents)
	s.mux.HandleFunc("GET /api/trials/{id}/report", s.handleReport)

	// Sessions
	s.mux.HandleFunc("POST /api/trials/{id}/sessions", s.handleCreateSession)
	s.mux.HandleFunc("POST /api/trials/{id}/sessions/{purpose}/message", s.handleSessionMessage)
	s.mux.HandleFunc("POST /api/trials/{id}/sessions/{purpose}/stop", s.handleStopSession)
	s.mux.HandleFunc("DELETE /api/trials/{id}/sessions/{purpose}", s.handleEndSession)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "crucible",
	})
}

func (s *Server) handleCreateTrial(w http.ResponseWriter, r *http.Request) {
	user, err := s.identity.CurrentUser(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	var body struct {
		Challenge string `json:"challenge"`
		RepoURL   string `json:"repo_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	t, err := s.engine.Create(user.ID, body.Challenge, body.RepoURL)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleListTrials(w http.ResponseWriter, r *http.Request) {
	trials, err := s.db.ListTrials()
	if err != nil {
		s.fail(w, err)
		return
	}
	if trials == nil {
		trials = []*store.Trial{}
	}
	writeJSON(w, http.StatusOK, trials)
}

func (s *Server) handleGetTrial(w http.ResponseWriter, r *http.Request) {
	t, err := s.db.GetTrial(r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// handleStartTrial acknowledges with 202 and runs the pipeline in the
// background; progress is observed through the event stream. The stage check
// here is advisory, the engine holds the authoritative atomic claim.
func (s *Server) handleStartTrial(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	t, err := s.db.GetTrial(id)
	if err != nil {
		s.fail(w, err)
		return
	}
	if t.Stage != store.StagePending {
		writeError(w, http.StatusBadRequest, "trial is "+t.Stage+", only pending trials can start")
		return
	}
	go func() {
		if err := s.engine.Start(context.Background(), id); err != nil {
			log.Printf("warning: trial %s: %v", id, err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"trial_id": id, "status": "starting"})
}

func (s *Server) handleResumeTrial(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	t, err := s.db.GetTrial(id)
	if err != nil {
		s.fail(w, err)
		return
	}
	switch t.Stage {
	case store.StagePending, store.StageCompleted:
		writeError(w, http.StatusBadRequest, "trial is "+t.Stage+", nothing to resume")
		return
	}
	go func() {
		if err := s.engine.Resume(context.Background(), id); err != nil {
			log.Printf("warning: trial %s: %v", id, err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"trial_id": id, "status": "resuming"})
}

func (s *Server) handleDeleteTrial(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Delete(r.PathValue("id")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	rep, err := report.Build(s.db, r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	format := r.URL.Query().Get("format")
	if format == "json" || format == "" {
		writeJSON(w, http.StatusOK, rep)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err := report.Render(rep, format, w); err != nil {
		log.Printf("warning: rendering report: %v", err)
	}
}

// fail maps the error taxonomy to HTTP status codes.
func (s *Server) fail(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errdefs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errdefs.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, errdefs.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, errdefs.ErrInvalidState):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/arenahq/crucible/internal/agent"
	"github.com/arenahq/crucible/internal/hub"
	"github.com/arenahq/crucible/internal/session"
)

// sessionView is the wire shape of a session.
type sessionView struct {
	ID          string    `json:"id"`
	TrialID     string    `json:"trial_id"`
	Purpose     string    `json:"purpose"`
	Status      string    `json:"status"`
	Model       string    `json:"model"`
	ResumeToken string    `json:"resume_token,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func viewOf(s *session.Session) sessionView {
	return sessionView{
		ID:          s.ID,
		TrialID:     s.Key.TrialID,
		Purpose:     s.Key.Purpose,
		Status:      string(s.Status),
		Model:       s.Config.Model,
		ResumeToken: s.ResumeToken,
		CreatedAt:   s.CreatedAt,
	}
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	trialID := r.PathValue("id")
	if _, err := s.db.GetTrial(trialID); err != nil {
		s.fail(w, err)
		return
	}
	var body struct {
		Purpose      string `json:"purpose"`
		Model        string `json:"model"`
		SystemPrompt string `json:"system_prompt"`
		MaxTurns     int    `json:"max_turns"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Purpose == "" {
		writeError(w, http.StatusBadRequest, "purpose is required")
		return
	}
	model := body.Model
	if model == "" {
		model = s.sessionModel
	}
	sess := s.sessions.Create(session.Key{TrialID: trialID, Purpose: body.Purpose}, session.Config{
		Model:        model,
		SystemPrompt: body.SystemPrompt,
		MaxTurns:     body.MaxTurns,
	})
	writeJSON(w, http.StatusOK, viewOf(sess))
}

// handleSessionMessage runs one turn synchronously: claim the session, drive
// the agent call with the stored resume token, release. A second message
// while this one streams gets 409.
func (s *Server) handleSessionMessage(w http.ResponseWriter, r *http.Request) {
	trialID := r.PathValue("id")
	purpose := r.PathValue("purpose")
	key := session.Key{TrialID: trialID, Purpose: purpose}

	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sess, err := s.sessions.BeginTurn(key, cancel)
	if err != nil {
		s.fail(w, err)
		return
	}

	emit := func(ev agent.Event) {
		if ev.Type == agent.EventAssistant && ev.Text != "" {
			s.hub.Publish(trialID, hub.Event{Type: hub.TypeAgent, WorkerID: "session:" + purpose, Text: ev.Text})
		}
	}
	res, err := s.invoker.Invoke(ctx, agent.Request{
		Prompt:       body.Text,
		SystemPrompt: sess.Config.SystemPrompt,
		Model:        sess.Config.Model,
		MaxTurns:     sess.Config.MaxTurns,
		Tools:        sess.Config.Tools,
		WorkingDir:   sess.Config.WorkingDir,
		ResumeToken:  sess.ResumeToken,
	}, emit)
	if err != nil {
		// Failed turns release the session too; the caller may retry.
		s.sessions.EndTurn(key, "")
		s.fail(w, err)
		return
	}
	s.sessions.EndTurn(key, res.ResumeToken)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	key := session.Key{TrialID: r.PathValue("id"), Purpose: r.PathValue("purpose")}
	stopped, err := s.sessions.Stop(key)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": stopped})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	key := session.Key{TrialID: r.PathValue("id"), Purpose: r.PathValue("purpose")}
	if err := s.sessions.End(key); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

package wfserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kadirpekel/arranger/pkg/wfkernel"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Kernel.ListInstances())
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	inst, err := s.cfg.Kernel.GetInstance(id)
	if err != nil {
		writeKernelError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleGetInstancePhases(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	inst, err := s.cfg.Kernel.GetInstance(id)
	if err != nil {
		writeKernelError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst.PhaseState)
}

func writeKernelError(w http.ResponseWriter, err error) {
	var kerr *wfkernel.Error
	if errors.As(err, &kerr) && kerr.Code == wfkernel.ErrCodeInstanceNotFound {
		writeError(w, http.StatusNotFound, kerr.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.cfg.Scheduler.ListTasks(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Agents == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	agents, err := s.cfg.Agents.ListAgents(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func (s *Server) handleListVotes(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Gov == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Gov.ListVoteTopics())
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Gov == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Gov.ListApprovals())
}

// handleListNotifications requires a ?sessionID= query parameter since
// notifications are only ever listed scoped to one session.
func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionID")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionID query parameter is required")
		return
	}
	if s.cfg.Gov == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Gov.ListNotifications(sessionID))
}

func (s *Server) handleActiveTemplate(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"templateId": s.cfg.Templates.Active()})
}

// handleListSpans serves the in-memory trace recorder, optionally
// filtered by ?name=.
func (s *Server) handleListSpans(w http.ResponseWriter, r *http.Request) {
	if name := r.URL.Query().Get("name"); name != "" {
		writeJSON(w, http.StatusOK, s.cfg.Spans.SpansByName(name))
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Spans.Spans())
}

package api

import (
	"net/http"
	"strings"

	"github.com/jordanhubbard/hubcore/internal/dispatch"
	"github.com/jordanhubbard/hubcore/internal/policy"
	"github.com/jordanhubbard/hubcore/internal/registry"
	"github.com/jordanhubbard/hubcore/pkg/models"
)

// handleEvaluate runs the policy engine without registering anything.
// A denial is reported with 200 and decision.valid=false.
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req policy.DispatchRequest
	if err := s.parseJSON(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.TargetAgentType) == "" {
		s.respondError(w, http.StatusBadRequest, "target_agent_type is required")
		return
	}

	s.respondJSON(w, http.StatusOK, s.dispatcher.Evaluate(req))
}

// handleDispatch evaluates a dispatch and registers the session when
// approved.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var in dispatch.DispatchInput
	if err := s.parseJSON(r, &in); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(in.Request.TargetAgentType) == "" {
		s.respondError(w, http.StatusBadRequest, "request.target_agent_type is required")
		return
	}
	if strings.TrimSpace(in.Session.WorkspaceID) == "" {
		s.respondError(w, http.StatusBadRequest, "session.workspace_id is required")
		return
	}

	result, err := s.dispatcher.Dispatch(r.Context(), in)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

// handleWorkspace serves /api/v1/workspaces/{id}/peers
func (s *Server) handleWorkspace(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path, "/api/v1/workspaces/")
	if len(parts) != 2 || parts[1] != "peers" {
		s.respondError(w, http.StatusNotFound, "Not found")
		return
	}
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	peers, err := s.dispatcher.Peers(r.Context(), parts[0], r.URL.Query().Get("exclude"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, peers)
}

// handleSession serves /api/v1/sessions/{id}, /end and /resync
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path, "/api/v1/sessions/")
	if len(parts) == 0 {
		s.respondError(w, http.StatusNotFound, "Not found")
		return
	}
	id := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		session, err := s.dispatcher.Session(r.Context(), id)
		if err != nil {
			s.respondErr(w, err)
			return
		}
		s.respondJSON(w, http.StatusOK, session)
		return
	}

	if len(parts) != 2 {
		s.respondError(w, http.StatusNotFound, "Not found")
		return
	}
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	switch parts[1] {
	case "end":
		var req struct {
			Status models.SessionStatus `json:"status"`
		}
		if err := s.parseJSON(r, &req); err != nil {
			s.respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		if req.Status == "" {
			req.Status = models.SessionStatusCompleted
		}
		session, err := s.dispatcher.EndSession(r.Context(), id, req.Status)
		if err != nil {
			s.respondErr(w, err)
			return
		}
		s.respondJSON(w, http.StatusOK, session)

	case "resync":
		var u registry.Update
		if err := s.parseJSON(r, &u); err != nil {
			s.respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		session, err := s.dispatcher.ResyncSession(r.Context(), id, u)
		if err != nil {
			s.respondErr(w, err)
			return
		}
		s.respondJSON(w, http.StatusOK, session)

	default:
		s.respondError(w, http.StatusNotFound, "Not found")
	}
}

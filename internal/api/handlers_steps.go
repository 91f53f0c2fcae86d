package api

import (
	"net/http"
	"strings"

	"github.com/jordanhubbard/hubcore/internal/dispatch"
	"github.com/jordanhubbard/hubcore/pkg/models"
)

// handleStep dispatches /api/v1/steps/{id}[/status|/dependencies|/dependents]
func (s *Server) handleStep(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path, "/api/v1/steps/")
	if len(parts) == 0 || len(parts) > 2 {
		s.respondError(w, http.StatusNotFound, "Not found")
		return
	}
	stepID := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		step, err := s.plans.GetStep(r.Context(), stepID)
		if err != nil {
			s.respondErr(w, err)
			return
		}
		s.respondJSON(w, http.StatusOK, step)
		return
	}

	switch parts[1] {
	case "status":
		s.handleStepStatus(w, r, stepID)
	case "dependencies":
		s.handleDependencies(w, r, stepID)
	case "dependents":
		if r.Method != http.MethodGet {
			s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		edges, err := s.graph.DependentsOf(r.Context(), stepID)
		if err != nil {
			s.respondErr(w, err)
			return
		}
		s.respondEdges(w, edges)
	default:
		s.respondError(w, http.StatusNotFound, "Not found")
	}
}

func (s *Server) handleStepStatus(w http.ResponseWriter, r *http.Request, stepID string) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req struct {
		Status    models.StepStatus `json:"status"`
		SessionID string            `json:"session_id"`
	}
	if err := s.parseJSON(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !req.Status.Valid() {
		s.respondError(w, http.StatusBadRequest, "status must be one of pending, active, done, blocked")
		return
	}

	result, err := s.dispatcher.UpdateStepStatus(r.Context(), dispatch.StepUpdate{
		SessionID: req.SessionID,
		StepID:    stepID,
		Status:    req.Status,
	})
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

// handleDependencies lists the edges blocking a step (GET) or adds one
// (POST {"blocked_by": "<step id>"}).
func (s *Server) handleDependencies(w http.ResponseWriter, r *http.Request, stepID string) {
	switch r.Method {
	case http.MethodGet:
		edges, err := s.graph.DependenciesOf(r.Context(), stepID)
		if err != nil {
			s.respondErr(w, err)
			return
		}
		s.respondEdges(w, edges)

	case http.MethodPost:
		var req struct {
			BlockedBy string `json:"blocked_by"`
		}
		if err := s.parseJSON(r, &req); err != nil {
			s.respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		if strings.TrimSpace(req.BlockedBy) == "" {
			s.respondError(w, http.StatusBadRequest, "blocked_by is required")
			return
		}
		edge, err := s.graph.AddDependency(r.Context(), stepID, req.BlockedBy)
		if err != nil {
			s.respondErr(w, err)
			return
		}
		s.respondJSON(w, http.StatusCreated, edge)

	default:
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) respondEdges(w http.ResponseWriter, edges []*models.DependencyEdge) {
	if edges == nil {
		edges = []*models.DependencyEdge{}
	}
	s.respondJSON(w, http.StatusOK, edges)
}

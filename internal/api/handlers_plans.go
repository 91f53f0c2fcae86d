package api

import (
	"net/http"
	"strings"

	"github.com/jordanhubbard/hubcore/internal/dispatch"
	"github.com/jordanhubbard/hubcore/pkg/models"
)

// handlePlans handles POST /api/v1/plans
func (s *Server) handlePlans(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req struct {
		ID          string `json:"id"`
		WorkspaceID string `json:"workspace_id"`
		Title       string `json:"title"`
	}
	if err := s.parseJSON(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.WorkspaceID) == "" {
		s.respondError(w, http.StatusBadRequest, "workspace_id is required")
		return
	}

	p := &models.Plan{ID: req.ID, WorkspaceID: req.WorkspaceID, Title: req.Title}
	if err := s.plans.CreatePlan(r.Context(), p); err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, p)
}

// handlePlan dispatches /api/v1/plans/{id}[/phases|/steps|/next|/steps/{sid}/complete]
func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path, "/api/v1/plans/")
	if len(parts) == 0 {
		s.respondError(w, http.StatusNotFound, "Not found")
		return
	}
	planID := parts[0]

	switch {
	case len(parts) == 1:
		s.handleGetPlan(w, r, planID)
	case len(parts) == 2 && parts[1] == "phases":
		s.handleAddPhase(w, r, planID)
	case len(parts) == 2 && parts[1] == "steps":
		s.handlePlanSteps(w, r, planID)
	case len(parts) == 2 && parts[1] == "next":
		s.handleNextStep(w, r, planID)
	case len(parts) == 4 && parts[1] == "steps" && parts[3] == "complete":
		s.handleCompleteStep(w, r, planID, parts[2])
	default:
		s.respondError(w, http.StatusNotFound, "Not found")
	}
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request, planID string) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	p, err := s.plans.GetPlan(r.Context(), planID)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	steps, err := s.plans.ListSteps(r.Context(), planID)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if steps == nil {
		steps = []*models.Step{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"plan":  p,
		"steps": steps,
	})
}

func (s *Server) handleAddPhase(w http.ResponseWriter, r *http.Request, planID string) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req struct {
		ID         string `json:"id"`
		Name       string `json:"name"`
		PhaseOrder int    `json:"phase_order"`
	}
	if err := s.parseJSON(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		s.respondError(w, http.StatusBadRequest, "name is required")
		return
	}

	ph := &models.Phase{ID: req.ID, PlanID: planID, Name: req.Name, PhaseOrder: req.PhaseOrder}
	if err := s.plans.AddPhase(r.Context(), ph); err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, ph)
}

func (s *Server) handlePlanSteps(w http.ResponseWriter, r *http.Request, planID string) {
	switch r.Method {
	case http.MethodGet:
		steps, err := s.plans.ListSteps(r.Context(), planID)
		if err != nil {
			s.respondErr(w, err)
			return
		}
		if steps == nil {
			steps = []*models.Step{}
		}
		s.respondJSON(w, http.StatusOK, steps)

	case http.MethodPost:
		var req struct {
			ID        string `json:"id"`
			PhaseID   string `json:"phase_id"`
			StepOrder int    `json:"step_order"`
			Title     string `json:"title"`
		}
		if err := s.parseJSON(r, &req); err != nil {
			s.respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		if req.PhaseID == "" {
			s.respondError(w, http.StatusBadRequest, "phase_id is required")
			return
		}

		step := &models.Step{ID: req.ID, PlanID: planID, PhaseID: req.PhaseID, StepOrder: req.StepOrder, Title: req.Title}
		if err := s.plans.AddStep(r.Context(), step); err != nil {
			s.respondErr(w, err)
			return
		}
		s.respondJSON(w, http.StatusCreated, step)

	default:
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleNextStep returns the next eligible step, or null when none is.
func (s *Server) handleNextStep(w http.ResponseWriter, r *http.Request, planID string) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	step, err := s.graph.NextEligible(r.Context(), planID)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"step": step})
}

func (s *Server) handleCompleteStep(w http.ResponseWriter, r *http.Request, planID, stepID string) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req struct {
		SessionID string `json:"session_id"`
		AgentType string `json:"agent_type"`
	}
	if err := s.parseJSON(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.SessionID == "" && req.AgentType == "" {
		s.respondError(w, http.StatusBadRequest, "agent_type or session_id is required")
		return
	}

	result, err := s.dispatcher.AdvanceStep(r.Context(), dispatch.AdvanceInput{
		SessionID: req.SessionID,
		PlanID:    planID,
		StepID:    stepID,
		AgentType: req.AgentType,
	})
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

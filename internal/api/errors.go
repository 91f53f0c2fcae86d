package api

import (
	"errors"
	"net/http"

	"github.com/jordanhubbard/hubcore/internal/depgraph"
	"github.com/jordanhubbard/hubcore/internal/dispatch"
	"github.com/jordanhubbard/hubcore/internal/plan"
	"github.com/jordanhubbard/hubcore/internal/registry"
)

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, plan.ErrPlanNotFound),
		errors.Is(err, plan.ErrPhaseNotFound),
		errors.Is(err, plan.ErrStepNotFound),
		errors.Is(err, registry.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, plan.ErrInvalidTransition),
		errors.Is(err, plan.ErrStepClaimed),
		errors.Is(err, plan.ErrStepBlocked),
		errors.Is(err, depgraph.ErrDependencyCycle):
		return http.StatusConflict
	case errors.Is(err, depgraph.ErrSelfDependency),
		errors.Is(err, depgraph.ErrCrossPlanDependency),
		errors.Is(err, registry.ErrInvalidSession),
		errors.Is(err, dispatch.ErrWorkspaceRequired),
		errors.Is(err, dispatch.ErrAgentTypeRequired):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

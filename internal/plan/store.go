// Package plan owns plan, phase and step records. It supplies the ordering
// keys (phase order, then step order) that dependency resolution relies on.
package plan

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jordanhubbard/hubcore/internal/database"
	"github.com/jordanhubbard/hubcore/pkg/models"
)

var (
	ErrPlanNotFound      = errors.New("plan not found")
	ErrPhaseNotFound     = errors.New("phase not found")
	ErrStepNotFound      = errors.New("step not found")
	ErrInvalidTransition = errors.New("invalid step status transition")
	ErrStepClaimed       = errors.New("step is claimed by another session")
	ErrStepBlocked       = errors.New("step has unsatisfied dependencies")
)

// allowedTransitions is the step status machine. done is terminal; the
// pending <-> blocked edge is driven by external signals.
var allowedTransitions = map[models.StepStatus]map[models.StepStatus]struct{}{
	models.StepStatusPending: {
		models.StepStatusActive:  {},
		models.StepStatusBlocked: {},
	},
	models.StepStatusBlocked: {
		models.StepStatusPending: {},
	},
	models.StepStatusActive: {
		models.StepStatusPending: {},
		models.StepStatusDone:    {},
	},
}

// CanTransition reports whether a step may move from one status to another.
func CanTransition(from, to models.StepStatus) bool {
	if from == to {
		return true
	}
	_, ok := allowedTransitions[from][to]
	return ok
}

// SelectSteps selects the columns read by ScanStep. Callers append WHERE
// and ORDER BY clauses.
const SelectSteps = `
	SELECT s.id, s.plan_id, s.phase_id, p.name, p.phase_order, s.step_index, s.step_order,
		s.title, s.status, s.claimed_by, s.completed_by, s.completed_at, s.created_at, s.updated_at
	FROM plan_steps s
	JOIN plan_phases p ON p.id = s.phase_id
`

// OrderSteps is the deterministic step ordering.
const OrderSteps = " ORDER BY p.phase_order, s.step_order, s.step_index"

type scanner interface {
	Scan(dest ...interface{}) error
}

// ScanStep scans one row produced by SelectSteps.
func ScanStep(row scanner) (*models.Step, error) {
	s := &models.Step{}
	var status string
	var completedBy sql.NullString
	var completedAt sql.NullTime
	err := row.Scan(
		&s.ID,
		&s.PlanID,
		&s.PhaseID,
		&s.PhaseName,
		&s.PhaseOrder,
		&s.Index,
		&s.StepOrder,
		&s.Title,
		&status,
		&s.ClaimedBy,
		&completedBy,
		&completedAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.Status = models.StepStatus(status)
	if completedBy.Valid {
		s.CompletedBy = completedBy.String
	}
	if completedAt.Valid {
		t := completedAt.Time
		s.CompletedAt = &t
	}
	return s, nil
}

// GetStepTx loads a step through q, for use inside a transaction.
func GetStepTx(ctx context.Context, q database.Querier, stepID string) (*models.Step, error) {
	step, err := ScanStep(q.QueryRowContext(ctx, SelectSteps+" WHERE s.id = ?", stepID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrStepNotFound, stepID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get step: %w", err)
	}
	return step, nil
}

// PlanExistsTx reports whether planID exists, for use inside a transaction.
func PlanExistsTx(ctx context.Context, q database.Querier, planID string) (bool, error) {
	var n int
	if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM plans WHERE id = ?", planID).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to look up plan: %w", err)
	}
	return n > 0, nil
}

// Store persists plans, phases and steps
type Store struct {
	db database.Store
}

// NewStore creates a new plan store
func NewStore(db database.Store) *Store {
	return &Store{db: db}
}

// CreatePlan inserts a plan. An empty ID is filled with a UUID.
func (s *Store) CreatePlan(ctx context.Context, p *models.Plan) error {
	if p == nil {
		return fmt.Errorf("plan cannot be nil")
	}
	if strings.TrimSpace(p.WorkspaceID) == "" {
		return fmt.Errorf("plan workspace_id is required")
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plans (id, workspace_id, title, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, p.ID, p.WorkspaceID, p.Title, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create plan: %w", err)
	}
	return nil
}

// GetPlan retrieves a plan by ID
func (s *Store) GetPlan(ctx context.Context, id string) (*models.Plan, error) {
	p := &models.Plan{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, title, created_at, updated_at FROM plans WHERE id = ?
	`, id).Scan(&p.ID, &p.WorkspaceID, &p.Title, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}
	return p, nil
}

// AddPhase inserts a phase into an existing plan.
func (s *Store) AddPhase(ctx context.Context, ph *models.Phase) error {
	if ph == nil {
		return fmt.Errorf("phase cannot be nil")
	}
	if ph.ID == "" {
		ph.ID = uuid.New().String()
	}
	ph.CreatedAt = time.Now().UTC()

	return s.db.WithTx(ctx, func(q database.Querier) error {
		ok, err := PlanExistsTx(ctx, q, ph.PlanID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrPlanNotFound, ph.PlanID)
		}
		_, err = q.ExecContext(ctx, `
			INSERT INTO plan_phases (id, plan_id, name, phase_order, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, ph.ID, ph.PlanID, ph.Name, ph.PhaseOrder, ph.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to add phase: %w", err)
		}
		return nil
	})
}

// AddStep inserts a pending step into a phase and assigns its plan-wide
// index.
func (s *Store) AddStep(ctx context.Context, step *models.Step) error {
	if step == nil {
		return fmt.Errorf("step cannot be nil")
	}
	if step.ID == "" {
		step.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	step.Status = models.StepStatusPending
	step.CreatedAt = now
	step.UpdatedAt = now

	return s.db.WithTx(ctx, func(q database.Querier) error {
		var phasePlan, phaseName string
		var phaseOrder int
		err := q.QueryRowContext(ctx,
			"SELECT plan_id, name, phase_order FROM plan_phases WHERE id = ?", step.PhaseID,
		).Scan(&phasePlan, &phaseName, &phaseOrder)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrPhaseNotFound, step.PhaseID)
		}
		if err != nil {
			return fmt.Errorf("failed to look up phase: %w", err)
		}
		if step.PlanID == "" {
			step.PlanID = phasePlan
		}
		if step.PlanID != phasePlan {
			return fmt.Errorf("%w: phase %s belongs to plan %s, not %s", ErrPhaseNotFound, step.PhaseID, phasePlan, step.PlanID)
		}
		step.PhaseName = phaseName
		step.PhaseOrder = phaseOrder

		if err := q.QueryRowContext(ctx,
			"SELECT COALESCE(MAX(step_index) + 1, 0) FROM plan_steps WHERE plan_id = ?", step.PlanID,
		).Scan(&step.Index); err != nil {
			return fmt.Errorf("failed to allocate step index: %w", err)
		}

		_, err = q.ExecContext(ctx, `
			INSERT INTO plan_steps (id, plan_id, phase_id, step_index, step_order, title, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, step.ID, step.PlanID, step.PhaseID, step.Index, step.StepOrder, step.Title,
			string(step.Status), step.CreatedAt, step.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to add step: %w", err)
		}
		return nil
	})
}

// GetStep retrieves a step by ID
func (s *Store) GetStep(ctx context.Context, stepID string) (*models.Step, error) {
	return GetStepTx(ctx, s.db, stepID)
}

// ListSteps returns a plan's steps in (phase order, step order).
func (s *Store) ListSteps(ctx context.Context, planID string) ([]*models.Step, error) {
	if _, err := s.GetPlan(ctx, planID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, SelectSteps+" WHERE s.plan_id = ?"+OrderSteps, planID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	var steps []*models.Step
	for rows.Next() {
		step, err := ScanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// StatusChange asks for a step to move to Status. SessionID, when set,
// becomes the step's claimant on activation.
type StatusChange struct {
	StepID    string
	Status    models.StepStatus
	SessionID string
}

// SetStepStatus moves a step along the status machine without claiming it.
func (s *Store) SetStepStatus(ctx context.Context, stepID string, status models.StepStatus) (*models.Step, error) {
	return s.UpdateStatus(ctx, StatusChange{StepID: stepID, Status: status})
}

// UpdateStatus moves a step along the status machine. Completion should go
// through the dependency graph so blocking edges are flipped with it.
//
// Activation requires every incoming blocking edge to be satisfied. An
// active step belongs to the session that activated it; another session
// asking to activate it gets ErrStepClaimed. Leaving active clears the
// claimant.
func (s *Store) UpdateStatus(ctx context.Context, c StatusChange) (*models.Step, error) {
	if !c.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, c.Status)
	}
	if c.Status == models.StepStatusDone {
		return nil, fmt.Errorf("%w: steps are completed through the dependency graph", ErrInvalidTransition)
	}

	var updated *models.Step
	err := s.db.WithTx(ctx, func(q database.Querier) error {
		step, err := GetStepTx(ctx, q, c.StepID)
		if err != nil {
			return err
		}
		if !CanTransition(step.Status, c.Status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, step.Status, c.Status)
		}

		claimant := ""
		switch {
		case c.Status == models.StepStatusActive && step.Status == models.StepStatusActive:
			if c.SessionID == "" || step.ClaimedBy == c.SessionID {
				updated = step
				return nil
			}
			if step.ClaimedBy != "" {
				return fmt.Errorf("%w: %s is held by %s", ErrStepClaimed, step.ID, step.ClaimedBy)
			}
			claimant = c.SessionID
		case c.Status == models.StepStatusActive:
			var pending int
			if err := q.QueryRowContext(ctx,
				"SELECT COUNT(*) FROM step_dependencies WHERE target_step_id = ? AND status = ?",
				c.StepID, string(models.DependencyStatusPending),
			).Scan(&pending); err != nil {
				return fmt.Errorf("failed to check dependencies: %w", err)
			}
			if pending > 0 {
				return fmt.Errorf("%w: %s waits on %d step(s)", ErrStepBlocked, step.ID, pending)
			}
			claimant = c.SessionID
		case step.Status == c.Status:
			updated = step
			return nil
		}

		// The status guard makes a concurrent transition from the same
		// state lose instead of overwrite.
		now := time.Now().UTC()
		res, err := q.ExecContext(ctx,
			"UPDATE plan_steps SET status = ?, claimed_by = ?, updated_at = ? WHERE id = ? AND status = ?",
			string(c.Status), claimant, now, c.StepID, string(step.Status),
		)
		if err != nil {
			return fmt.Errorf("failed to update step status: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("failed to update step status: %w", err)
		} else if n == 0 {
			return fmt.Errorf("%w: %s changed concurrently", ErrInvalidTransition, step.ID)
		}
		step.Status = c.Status
		step.ClaimedBy = claimant
		step.UpdatedAt = now
		updated = step
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

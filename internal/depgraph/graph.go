// Package depgraph maintains blocking edges between plan steps and picks the
// next eligible step.
//
// A step is eligible when it is pending and every incoming blocking edge is
// satisfied. Among eligible steps the lowest (phase order, step order) wins.
// Completing a step, satisfying its outgoing edges and selecting the next
// step happen in one transaction.
package depgraph

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jordanhubbard/hubcore/internal/database"
	"github.com/jordanhubbard/hubcore/internal/plan"
	"github.com/jordanhubbard/hubcore/pkg/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrPlanNotFound        = plan.ErrPlanNotFound
	ErrStepNotFound        = plan.ErrStepNotFound
	ErrSelfDependency      = errors.New("step cannot depend on itself")
	ErrCrossPlanDependency = errors.New("dependency crosses plans")
	ErrDependencyCycle     = errors.New("dependency would create a cycle")
)

var tracer = otel.Tracer("github.com/jordanhubbard/hubcore/internal/depgraph")

// Completion is the result of CompleteAndAdvance.
type Completion struct {
	Completed *models.Step `json:"completed"`
	// Next is nil when no step is eligible.
	Next *models.Step `json:"next,omitempty"`
	// Unblocked lists steps whose last pending blocking edge was satisfied
	// by this completion.
	Unblocked []string `json:"unblocked,omitempty"`
}

// Graph is the step dependency graph over a database.Store.
type Graph struct {
	db  database.Store
	now func() time.Time
}

// New creates a new dependency graph
func New(db database.Store) *Graph {
	return &Graph{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

const selectEdges = `
	SELECT id, plan_id, source_step_id, target_step_id, status, created_at, satisfied_at
	FROM step_dependencies
`

func scanEdges(rows *sql.Rows) ([]*models.DependencyEdge, error) {
	defer rows.Close()
	var edges []*models.DependencyEdge
	for rows.Next() {
		e := &models.DependencyEdge{}
		var status string
		var satisfiedAt sql.NullTime
		if err := rows.Scan(&e.ID, &e.PlanID, &e.SourceStepID, &e.TargetStepID, &status, &e.CreatedAt, &satisfiedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		e.Status = models.DependencyStatus(status)
		if satisfiedAt.Valid {
			t := satisfiedAt.Time
			e.SatisfiedAt = &t
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// AddDependency records that stepID is blocked by blockedByID. Adding an
// existing edge is a no-op that returns the stored edge. New edges start
// pending, or satisfied when blockedByID is already done.
func (g *Graph) AddDependency(ctx context.Context, stepID, blockedByID string) (*models.DependencyEdge, error) {
	if stepID == blockedByID {
		return nil, fmt.Errorf("%w: %s", ErrSelfDependency, stepID)
	}

	var edge *models.DependencyEdge
	err := g.db.WithTx(ctx, func(q database.Querier) error {
		target, err := plan.GetStepTx(ctx, q, stepID)
		if err != nil {
			return err
		}
		source, err := plan.GetStepTx(ctx, q, blockedByID)
		if err != nil {
			return err
		}
		if source.PlanID != target.PlanID {
			return fmt.Errorf("%w: %s (%s) -> %s (%s)", ErrCrossPlanDependency,
				source.ID, source.PlanID, target.ID, target.PlanID)
		}

		// stepID must not already (transitively) block blockedByID.
		cyclic, err := reachable(ctx, q, stepID, blockedByID)
		if err != nil {
			return err
		}
		if cyclic {
			return fmt.Errorf("%w: %s already blocks %s", ErrDependencyCycle, stepID, blockedByID)
		}

		now := g.now()
		status := models.DependencyStatusPending
		var satisfiedAt *time.Time
		if source.Status == models.StepStatusDone {
			status = models.DependencyStatusSatisfied
			satisfiedAt = &now
		}
		_, err = q.ExecContext(ctx, `
			INSERT INTO step_dependencies (id, plan_id, source_step_id, target_step_id, status, created_at, satisfied_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (source_step_id, target_step_id) DO NOTHING
		`, uuid.New().String(), target.PlanID, blockedByID, stepID,
			string(status), now, satisfiedAt)
		if err != nil {
			return fmt.Errorf("failed to add dependency: %w", err)
		}

		rows, err := q.QueryContext(ctx, selectEdges+" WHERE source_step_id = ? AND target_step_id = ?", blockedByID, stepID)
		if err != nil {
			return fmt.Errorf("failed to read dependency: %w", err)
		}
		edges, err := scanEdges(rows)
		if err != nil {
			return err
		}
		if len(edges) != 1 {
			return fmt.Errorf("dependency %s -> %s not found after insert", blockedByID, stepID)
		}
		edge = edges[0]
		return nil
	})
	if err != nil {
		return nil, err
	}
	return edge, nil
}

// reachable reports whether to can be reached from from by following
// blocking edges forward (source -> target).
func reachable(ctx context.Context, q database.Querier, from, to string) (bool, error) {
	seen := map[string]bool{from: true}
	frontier := []string{from}
	for len(frontier) > 0 {
		current := frontier[0]
		frontier = frontier[1:]

		rows, err := q.QueryContext(ctx, "SELECT target_step_id FROM step_dependencies WHERE source_step_id = ?", current)
		if err != nil {
			return false, fmt.Errorf("failed to walk dependencies: %w", err)
		}
		var next []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return false, fmt.Errorf("failed to scan dependency: %w", err)
			}
			next = append(next, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return false, err
		}

		for _, id := range next {
			if id == to {
				return true, nil
			}
			if !seen[id] {
				seen[id] = true
				frontier = append(frontier, id)
			}
		}
	}
	return false, nil
}

// NextEligible returns the lowest-ordered pending step of planID with no
// unsatisfied incoming edge, or nil if there is none.
func (g *Graph) NextEligible(ctx context.Context, planID string) (*models.Step, error) {
	ctx, span := tracer.Start(ctx, "depgraph.NextEligible", trace.WithAttributes(attribute.String("plan.id", planID)))
	defer span.End()

	var next *models.Step
	err := g.db.WithTx(ctx, func(q database.Querier) error {
		var err error
		next, err = nextEligible(ctx, q, planID)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return next, nil
}

func nextEligible(ctx context.Context, q database.Querier, planID string) (*models.Step, error) {
	ok, err := plan.PlanExistsTx(ctx, q, planID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, planID)
	}

	query := plan.SelectSteps + `
		WHERE s.plan_id = ? AND s.status = ?
		AND NOT EXISTS (
			SELECT 1 FROM step_dependencies d
			WHERE d.target_step_id = s.id AND d.status <> ?
		)` + plan.OrderSteps + " LIMIT 1"

	step, err := plan.ScanStep(q.QueryRowContext(ctx, query,
		planID, string(models.StepStatusPending), string(models.DependencyStatusSatisfied)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select next step: %w", err)
	}
	return step, nil
}

// CompleteAndAdvance marks stepID done with agent attribution, satisfies its
// outgoing edges and selects the next eligible step, atomically.
//
// Completing a step that is already done overwrites the completion time and
// agent (last write wins).
func (g *Graph) CompleteAndAdvance(ctx context.Context, planID, stepID, agentType string) (*Completion, error) {
	ctx, span := tracer.Start(ctx, "depgraph.CompleteAndAdvance", trace.WithAttributes(
		attribute.String("plan.id", planID),
		attribute.String("step.id", stepID),
		attribute.String("agent.type", agentType),
	))
	defer span.End()

	var result *Completion
	err := g.db.WithTx(ctx, func(q database.Querier) error {
		step, err := plan.GetStepTx(ctx, q, stepID)
		if err != nil {
			return err
		}
		if step.PlanID != planID {
			return fmt.Errorf("%w: %s is not in plan %s", ErrStepNotFound, stepID, planID)
		}

		now := g.now()
		if _, err := q.ExecContext(ctx, `
			UPDATE plan_steps SET status = ?, completed_by = ?, completed_at = ?, updated_at = ?
			WHERE id = ?
		`, string(models.StepStatusDone), agentType, now, now, stepID); err != nil {
			return fmt.Errorf("failed to complete step: %w", err)
		}
		step.Status = models.StepStatusDone
		step.CompletedBy = agentType
		step.CompletedAt = &now
		step.UpdatedAt = now

		rows, err := q.QueryContext(ctx, selectEdges+" WHERE source_step_id = ? AND status = ?",
			stepID, string(models.DependencyStatusPending))
		if err != nil {
			return fmt.Errorf("failed to read dependents: %w", err)
		}
		flipping, err := scanEdges(rows)
		if err != nil {
			return err
		}

		if _, err := q.ExecContext(ctx, `
			UPDATE step_dependencies SET status = ?, satisfied_at = ?
			WHERE source_step_id = ? AND status = ?
		`, string(models.DependencyStatusSatisfied), now, stepID, string(models.DependencyStatusPending)); err != nil {
			return fmt.Errorf("failed to satisfy dependencies: %w", err)
		}

		var unblocked []string
		for _, e := range flipping {
			var pending int
			if err := q.QueryRowContext(ctx,
				"SELECT COUNT(*) FROM step_dependencies WHERE target_step_id = ? AND status <> ?",
				e.TargetStepID, string(models.DependencyStatusSatisfied),
			).Scan(&pending); err != nil {
				return fmt.Errorf("failed to count blockers: %w", err)
			}
			if pending == 0 {
				unblocked = append(unblocked, e.TargetStepID)
			}
		}

		next, err := nextEligible(ctx, q, planID)
		if err != nil {
			return err
		}

		result = &Completion{Completed: step, Next: next, Unblocked: unblocked}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if result.Next != nil {
		span.SetAttributes(attribute.String("next.step.id", result.Next.ID))
	}
	return result, nil
}

// DependenciesOf returns the edges blocking stepID.
func (g *Graph) DependenciesOf(ctx context.Context, stepID string) ([]*models.DependencyEdge, error) {
	return g.edges(ctx, stepID, "target_step_id")
}

// DependentsOf returns the edges stepID blocks.
func (g *Graph) DependentsOf(ctx context.Context, stepID string) ([]*models.DependencyEdge, error) {
	return g.edges(ctx, stepID, "source_step_id")
}

func (g *Graph) edges(ctx context.Context, stepID, column string) ([]*models.DependencyEdge, error) {
	if _, err := plan.GetStepTx(ctx, g.db, stepID); err != nil {
		return nil, err
	}
	rows, err := g.db.QueryContext(ctx, selectEdges+" WHERE "+column+" = ? ORDER BY created_at, id", stepID)
	if err != nil {
		return nil, fmt.Errorf("failed to list dependencies: %w", err)
	}
	return scanEdges(rows)
}

package plan

import (
	"context"
	"testing"

	"github.com/jordanhubbard/hubcore/internal/database"
	"github.com/jordanhubbard/hubcore/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db)
}

func seedPlan(t *testing.T, s *Store) (*models.Plan, *models.Phase, *models.Phase) {
	t.Helper()
	ctx := context.Background()
	p := &models.Plan{ID: "plan-1", WorkspaceID: "ws-1", Title: "ship it"}
	require.NoError(t, s.CreatePlan(ctx, p))
	build := &models.Phase{ID: "phase-build", PlanID: p.ID, Name: "build", PhaseOrder: 1}
	review := &models.Phase{ID: "phase-review", PlanID: p.ID, Name: "review", PhaseOrder: 2}
	require.NoError(t, s.AddPhase(ctx, review))
	require.NoError(t, s.AddPhase(ctx, build))
	return p, build, review
}

func TestCreatePlan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := &models.Plan{WorkspaceID: "ws-1", Title: "generated id"}
	require.NoError(t, s.CreatePlan(ctx, p))
	assert.NotEmpty(t, p.ID)

	got, err := s.GetPlan(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "ws-1", got.WorkspaceID)
	assert.Equal(t, "generated id", got.Title)

	assert.Error(t, s.CreatePlan(ctx, &models.Plan{}))
	assert.Error(t, s.CreatePlan(ctx, nil))
}

func TestGetPlan_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetPlan(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrPlanNotFound)
}

func TestAddPhase_UnknownPlan(t *testing.T) {
	s := newTestStore(t)
	err := s.AddPhase(context.Background(), &models.Phase{PlanID: "missing", Name: "x", PhaseOrder: 1})
	assert.ErrorIs(t, err, ErrPlanNotFound)
}

func TestAddStep_AssignsIndexAndOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p, build, review := seedPlan(t, s)

	r1 := &models.Step{ID: "r1", PhaseID: review.ID, StepOrder: 1, Title: "review"}
	b2 := &models.Step{ID: "b2", PhaseID: build.ID, StepOrder: 2, Title: "write tests"}
	b1 := &models.Step{ID: "b1", PhaseID: build.ID, StepOrder: 1, Title: "write code"}
	for _, st := range []*models.Step{r1, b2, b1} {
		require.NoError(t, s.AddStep(ctx, st))
	}
	assert.Equal(t, 0, r1.Index)
	assert.Equal(t, 1, b2.Index)
	assert.Equal(t, 2, b1.Index)
	assert.Equal(t, p.ID, b1.PlanID)
	assert.Equal(t, models.StepStatusPending, b1.Status)

	steps, err := s.ListSteps(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, []string{"b1", "b2", "r1"}, []string{steps[0].ID, steps[1].ID, steps[2].ID})
	assert.Equal(t, "build", steps[0].PhaseName)
	assert.Equal(t, 2, steps[2].PhaseOrder)
}

func TestAddStep_Errors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, build, _ := seedPlan(t, s)

	err := s.AddStep(ctx, &models.Step{PhaseID: "missing"})
	assert.ErrorIs(t, err, ErrPhaseNotFound)

	other := &models.Plan{ID: "plan-2", WorkspaceID: "ws-1"}
	require.NoError(t, s.CreatePlan(ctx, other))
	err = s.AddStep(ctx, &models.Step{PlanID: other.ID, PhaseID: build.ID})
	assert.ErrorIs(t, err, ErrPhaseNotFound)
}

func TestListSteps_UnknownPlan(t *testing.T) {
	s := newTestStore(t)
	_, err := s.ListSteps(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrPlanNotFound)
}

func TestSetStepStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, build, _ := seedPlan(t, s)
	step := &models.Step{ID: "b1", PhaseID: build.ID, StepOrder: 1}
	require.NoError(t, s.AddStep(ctx, step))

	got, err := s.SetStepStatus(ctx, "b1", models.StepStatusBlocked)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusBlocked, got.Status)

	_, err = s.SetStepStatus(ctx, "b1", models.StepStatusActive)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = s.SetStepStatus(ctx, "b1", models.StepStatusPending)
	require.NoError(t, err)
	got, err = s.SetStepStatus(ctx, "b1", models.StepStatusActive)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusActive, got.Status)

	_, err = s.SetStepStatus(ctx, "b1", models.StepStatusDone)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = s.SetStepStatus(ctx, "b1", models.StepStatus("paused"))
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = s.SetStepStatus(ctx, "missing", models.StepStatusActive)
	assert.ErrorIs(t, err, ErrStepNotFound)

	stored, err := s.GetStep(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusActive, stored.Status)
}

func TestUpdateStatus_Claims(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, build, _ := seedPlan(t, s)
	require.NoError(t, s.AddStep(ctx, &models.Step{ID: "b1", PhaseID: build.ID, StepOrder: 1}))

	got, err := s.UpdateStatus(ctx, StatusChange{StepID: "b1", Status: models.StepStatusActive, SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, "s1", got.ClaimedBy)

	// The holder may repeat the claim; anyone else is refused.
	_, err = s.UpdateStatus(ctx, StatusChange{StepID: "b1", Status: models.StepStatusActive, SessionID: "s1"})
	require.NoError(t, err)
	_, err = s.UpdateStatus(ctx, StatusChange{StepID: "b1", Status: models.StepStatusActive, SessionID: "s2"})
	assert.ErrorIs(t, err, ErrStepClaimed)

	stored, err := s.GetStep(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, "s1", stored.ClaimedBy)

	got, err = s.UpdateStatus(ctx, StatusChange{StepID: "b1", Status: models.StepStatusPending, SessionID: "s1"})
	require.NoError(t, err)
	assert.Empty(t, got.ClaimedBy)

	got, err = s.UpdateStatus(ctx, StatusChange{StepID: "b1", Status: models.StepStatusActive, SessionID: "s2"})
	require.NoError(t, err)
	assert.Equal(t, "s2", got.ClaimedBy)
}

func TestUpdateStatus_ActivationWaitsOnDependencies(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, build, _ := seedPlan(t, s)
	require.NoError(t, s.AddStep(ctx, &models.Step{ID: "b1", PhaseID: build.ID, StepOrder: 1}))
	require.NoError(t, s.AddStep(ctx, &models.Step{ID: "b2", PhaseID: build.ID, StepOrder: 2}))

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO step_dependencies (id, plan_id, source_step_id, target_step_id, status, created_at)
		VALUES ('e1', 'plan-1', 'b1', 'b2', 'pending', CURRENT_TIMESTAMP)
	`)
	require.NoError(t, err)

	_, err = s.UpdateStatus(ctx, StatusChange{StepID: "b2", Status: models.StepStatusActive, SessionID: "s1"})
	assert.ErrorIs(t, err, ErrStepBlocked)
	stored, err := s.GetStep(ctx, "b2")
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusPending, stored.Status)

	_, err = s.db.ExecContext(ctx, "UPDATE step_dependencies SET status = 'satisfied' WHERE id = 'e1'")
	require.NoError(t, err)
	got, err := s.UpdateStatus(ctx, StatusChange{StepID: "b2", Status: models.StepStatusActive, SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusActive, got.Status)
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to models.StepStatus
		want     bool
	}{
		{models.StepStatusPending, models.StepStatusActive, true},
		{models.StepStatusPending, models.StepStatusBlocked, true},
		{models.StepStatusBlocked, models.StepStatusPending, true},
		{models.StepStatusBlocked, models.StepStatusActive, false},
		{models.StepStatusActive, models.StepStatusDone, true},
		{models.StepStatusDone, models.StepStatusPending, false},
		{models.StepStatusDone, models.StepStatusDone, true},
		{models.StepStatusPending, models.StepStatusDone, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

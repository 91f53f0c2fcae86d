package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/jordanhubbard/hubcore/internal/database"
	"github.com/jordanhubbard/hubcore/internal/depgraph"
	"github.com/jordanhubbard/hubcore/internal/plan"
	"github.com/jordanhubbard/hubcore/internal/policy"
	"github.com/jordanhubbard/hubcore/internal/registry"
	"github.com/jordanhubbard/hubcore/pkg/messages"
	"github.com/jordanhubbard/hubcore/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []*messages.EventMessage
	err    error
}

func (p *recordingPublisher) PublishEvent(_ context.Context, e *messages.EventMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

func (p *recordingPublisher) last(eventType string) *messages.EventMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.events) - 1; i >= 0; i-- {
		if p.events[i].Type == eventType {
			return p.events[i]
		}
	}
	return nil
}

var errRegistryDown = errors.New("registry down")

type failingRegistry struct{}

func (failingRegistry) Register(context.Context, *models.Session) error { return errRegistryDown }
func (failingRegistry) ActivePeers(context.Context, string, string) ([]*models.Session, error) {
	return nil, errRegistryDown
}
func (failingRegistry) Resync(context.Context, string, registry.Update) (*models.Session, error) {
	return nil, errRegistryDown
}
func (failingRegistry) ResyncFunc(context.Context, string, func(*models.Session) registry.Update) (*models.Session, error) {
	return nil, errRegistryDown
}
func (failingRegistry) End(context.Context, string, models.SessionStatus) (*models.Session, error) {
	return nil, errRegistryDown
}
func (failingRegistry) Get(context.Context, string) (*models.Session, error) {
	return nil, errRegistryDown
}

type fixture struct {
	dispatcher *Dispatcher
	registry   registry.Registry
	plans      *plan.Store
	graph      *depgraph.Graph
	events     *recordingPublisher
}

// newFixture builds plan-1 in ws-1: phase "build" with steps a, b, c, and
// phase "review" with step r.
func newFixture(t *testing.T, reg registry.Registry) *fixture {
	t.Helper()
	db, err := database.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	if reg == nil {
		reg = registry.NewSQLRegistry(db)
	}
	ctx := context.Background()
	plans := plan.NewStore(db)
	require.NoError(t, plans.CreatePlan(ctx, &models.Plan{ID: "plan-1", WorkspaceID: "ws-1"}))
	require.NoError(t, plans.AddPhase(ctx, &models.Phase{ID: "build", PlanID: "plan-1", Name: "build", PhaseOrder: 1}))
	require.NoError(t, plans.AddPhase(ctx, &models.Phase{ID: "review", PlanID: "plan-1", Name: "review", PhaseOrder: 2}))
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, plans.AddStep(ctx, &models.Step{ID: id, PhaseID: "build", StepOrder: i + 1}))
	}
	require.NoError(t, plans.AddStep(ctx, &models.Step{ID: "r", PhaseID: "review", StepOrder: 1}))

	graph := depgraph.New(db)
	events := &recordingPublisher{}
	return &fixture{
		dispatcher: NewDispatcher(policy.NewEngine(), reg, plans, graph, WithPublisher(events), WithSource("test")),
		registry:   reg,
		plans:      plans,
		graph:      graph,
		events:     events,
	}
}

func tddDispatch(sessionID, target string, files ...string) DispatchInput {
	return DispatchInput{
		Request: policy.DispatchRequest{TargetAgentType: target, CurrentMode: "tdd_cycle"},
		Session: SessionSpec{
			SessionID:    sessionID,
			WorkspaceID:  "ws-1",
			PlanID:       "plan-1",
			CurrentPhase: "build",
			FilesInScope: files,
		},
	}
}

func TestDispatch_ApprovedRegistersThenListsPeers(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.dispatcher.Dispatch(ctx, tddDispatch("s1", "Executor", "internal/a.go"))
	require.NoError(t, err)
	require.True(t, first.Approved())
	assert.Empty(t, first.Peers)
	assert.Empty(t, first.Warnings)

	second, err := f.dispatcher.Dispatch(ctx, tddDispatch("s2", "Tester", "internal/a.go", "internal/a_test.go"))
	require.NoError(t, err)
	require.True(t, second.Approved())
	assert.Equal(t, policy.OutcomeReuse, second.Evaluation.EnrichmentOutcome)
	require.NotNil(t, second.Session)
	assert.Equal(t, "Tester", second.Session.AgentType)
	require.Len(t, second.Peers, 1)
	assert.Equal(t, "s1", second.Peers[0].SessionID)
	assert.Equal(t, []FileOverlap{{SessionID: "s1", AgentType: "Executor", Files: []string{"internal/a.go"}}}, second.FileOverlaps)

	// The earlier session now sees the later one too.
	peers, err := f.dispatcher.Peers(ctx, "ws-1", "s1")
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, "s2", peers[0].SessionID)

	assert.Equal(t, []string{
		messages.TypeSessionRegistered, messages.TypeDispatchApproved,
		messages.TypeSessionRegistered, messages.TypeDispatchApproved,
	}, f.events.types())
	assert.Equal(t, "test", f.events.last(messages.TypeDispatchApproved).Source)
}

func TestDispatch_DeniedDoesNotRegister(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	res, err := f.dispatcher.Dispatch(ctx, tddDispatch("s1", "Architect"))
	require.NoError(t, err)
	assert.False(t, res.Approved())
	assert.Equal(t, policy.CodeModeBoundaryViolation, res.Evaluation.Decision.Code)
	assert.Nil(t, res.Session)
	assert.Empty(t, res.Peers)

	_, err = f.registry.Get(ctx, "s1")
	assert.ErrorIs(t, err, registry.ErrSessionNotFound)

	denied := f.events.last(messages.TypeDispatchDenied)
	require.NotNil(t, denied)
	assert.Equal(t, string(policy.CodeModeBoundaryViolation), denied.Event.Data["code"])
	assert.NotEmpty(t, denied.Event.Description)
}

func TestDispatch_LegacyRequestIsApproved(t *testing.T) {
	f := newFixture(t, nil)
	res, err := f.dispatcher.Dispatch(context.Background(), DispatchInput{
		Request: policy.DispatchRequest{TargetAgentType: "Architect"},
		Session: SessionSpec{WorkspaceID: "ws-1"},
	})
	require.NoError(t, err)
	assert.True(t, res.Approved())
	assert.False(t, res.Evaluation.PolicyContext)
	require.NotNil(t, res.Session)
	assert.NotEmpty(t, res.Session.SessionID)
}

func TestDispatch_RequiresWorkspace(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.dispatcher.Dispatch(context.Background(), DispatchInput{
		Request: policy.DispatchRequest{TargetAgentType: "Executor"},
	})
	assert.ErrorIs(t, err, ErrWorkspaceRequired)
}

func TestDispatch_RegistryFailuresAreWarnings(t *testing.T) {
	f := newFixture(t, failingRegistry{})

	res, err := f.dispatcher.Dispatch(context.Background(), tddDispatch("s1", "Executor"))
	require.NoError(t, err)
	assert.True(t, res.Approved())
	require.Len(t, res.Warnings, 2)
	assert.Contains(t, res.Warnings[0], "registry down")
	assert.Contains(t, res.Warnings[1], "registry down")
	assert.NotNil(t, res.Peers)
	assert.Empty(t, res.Peers)
	assert.Equal(t, []string{messages.TypeDispatchApproved}, f.events.types())
}

func TestDispatch_PublishFailureIsWarning(t *testing.T) {
	f := newFixture(t, nil)
	f.events.err = errors.New("nats down")

	res, err := f.dispatcher.Dispatch(context.Background(), tddDispatch("s1", "Executor"))
	require.NoError(t, err)
	assert.True(t, res.Approved())
	assert.Len(t, res.Warnings, 2)

	got, err := f.registry.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusActive, got.Status)
}

func TestUpdateStepStatus_ClaimsAndReleases(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.dispatcher.Dispatch(ctx, tddDispatch("s1", "Executor"))
	require.NoError(t, err)

	res, err := f.dispatcher.UpdateStepStatus(ctx, StepUpdate{SessionID: "s1", StepID: "r", Status: models.StepStatusActive})
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, models.StepStatusActive, res.Step.Status)
	require.NotNil(t, res.Session)
	assert.Equal(t, "review", res.Session.CurrentPhase)
	assert.Equal(t, []int{res.Step.Index}, res.Session.ClaimedSteps)

	res, err = f.dispatcher.UpdateStepStatus(ctx, StepUpdate{SessionID: "s1", StepID: "r", Status: models.StepStatusPending})
	require.NoError(t, err)
	require.NotNil(t, res.Session)
	assert.Empty(t, res.Session.ClaimedSteps)

	changed := f.events.last(messages.TypeStepStatusChanged)
	require.NotNil(t, changed)
	assert.Equal(t, "ws-1", changed.WorkspaceID)
	assert.Equal(t, "r", changed.EntityID)
}

func TestUpdateStepStatus_Errors(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.dispatcher.UpdateStepStatus(ctx, StepUpdate{StepID: "missing", Status: models.StepStatusActive})
	assert.ErrorIs(t, err, plan.ErrStepNotFound)

	_, err = f.dispatcher.UpdateStepStatus(ctx, StepUpdate{StepID: "a", Status: models.StepStatusDone})
	assert.ErrorIs(t, err, plan.ErrInvalidTransition)
}

func TestUpdateStepStatus_PeerCannotTakeClaimedStep(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	for _, id := range []string{"s1", "s2"} {
		_, err := f.dispatcher.Dispatch(ctx, tddDispatch(id, "Executor"))
		require.NoError(t, err)
	}

	held, err := f.dispatcher.UpdateStepStatus(ctx, StepUpdate{SessionID: "s1", StepID: "a", Status: models.StepStatusActive})
	require.NoError(t, err)

	_, err = f.dispatcher.UpdateStepStatus(ctx, StepUpdate{SessionID: "s2", StepID: "a", Status: models.StepStatusActive})
	assert.ErrorIs(t, err, plan.ErrStepClaimed)

	s1, err := f.registry.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []int{held.Step.Index}, s1.ClaimedSteps)
	s2, err := f.registry.Get(ctx, "s2")
	require.NoError(t, err)
	assert.Empty(t, s2.ClaimedSteps)

	// The holder repeating its claim is not an error.
	again, err := f.dispatcher.UpdateStepStatus(ctx, StepUpdate{SessionID: "s1", StepID: "a", Status: models.StepStatusActive})
	require.NoError(t, err)
	assert.Equal(t, []int{held.Step.Index}, again.Session.ClaimedSteps)
}

func TestUpdateStepStatus_BlockedStepCannotBeActivated(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.graph.AddDependency(ctx, "b", "a")
	require.NoError(t, err)
	_, err = f.dispatcher.Dispatch(ctx, tddDispatch("s1", "Executor"))
	require.NoError(t, err)

	_, err = f.dispatcher.UpdateStepStatus(ctx, StepUpdate{SessionID: "s1", StepID: "b", Status: models.StepStatusActive})
	assert.ErrorIs(t, err, plan.ErrStepBlocked)

	s1, err := f.registry.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, s1.ClaimedSteps)
}

func TestUpdateStepStatus_ConcurrentClaimsAllKept(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.dispatcher.Dispatch(ctx, tddDispatch("s1", "Executor"))
	require.NoError(t, err)

	ids := []string{"a", "b", "c", "r"}
	var wg sync.WaitGroup
	errs := make(chan error, len(ids))
	for _, id := range ids {
		wg.Add(1)
		go func(stepID string) {
			defer wg.Done()
			res, err := f.dispatcher.UpdateStepStatus(ctx, StepUpdate{SessionID: "s1", StepID: stepID, Status: models.StepStatusActive})
			if err == nil && len(res.Warnings) > 0 {
				err = errors.New(res.Warnings[0])
			}
			errs <- err
		}(id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	var want []int
	for _, id := range ids {
		step, err := f.plans.GetStep(ctx, id)
		require.NoError(t, err)
		want = append(want, step.Index)
	}
	s1, err := f.registry.Get(ctx, "s1")
	require.NoError(t, err)
	assert.ElementsMatch(t, want, s1.ClaimedSteps)
}

func TestUpdateStepStatus_RegistryFailureIsWarning(t *testing.T) {
	f := newFixture(t, failingRegistry{})
	res, err := f.dispatcher.UpdateStepStatus(context.Background(), StepUpdate{SessionID: "s1", StepID: "a", Status: models.StepStatusActive})
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusActive, res.Step.Status)
	assert.Nil(t, res.Session)
	require.Len(t, res.Warnings, 1)
}

func TestAdvanceStep(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.graph.AddDependency(ctx, "b", "a")
	require.NoError(t, err)
	_, err = f.dispatcher.Dispatch(ctx, tddDispatch("s1", "Executor"))
	require.NoError(t, err)
	_, err = f.dispatcher.UpdateStepStatus(ctx, StepUpdate{SessionID: "s1", StepID: "a", Status: models.StepStatusActive})
	require.NoError(t, err)

	res, err := f.dispatcher.AdvanceStep(ctx, AdvanceInput{SessionID: "s1", PlanID: "plan-1", StepID: "a"})
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, "Executor", res.Completed.CompletedBy)
	assert.Equal(t, []string{"b"}, res.Unblocked)
	require.NotNil(t, res.Next)
	assert.Equal(t, "b", res.Next.ID)
	require.NotNil(t, res.Session)
	assert.Empty(t, res.Session.ClaimedSteps)
	assert.Equal(t, "build", res.Session.CurrentPhase)

	completed := f.events.last(messages.TypeStepCompleted)
	require.NotNil(t, completed)
	assert.Equal(t, "ws-1", completed.WorkspaceID)
	assert.Equal(t, "b", completed.Event.Data["next_step_id"])
}

func TestAdvanceStep_Errors(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.dispatcher.AdvanceStep(ctx, AdvanceInput{PlanID: "plan-1", StepID: "a"})
	assert.ErrorIs(t, err, ErrAgentTypeRequired)

	_, err = f.dispatcher.AdvanceStep(ctx, AdvanceInput{PlanID: "plan-1", StepID: "missing", AgentType: "Executor"})
	assert.ErrorIs(t, err, depgraph.ErrStepNotFound)

	_, err = f.dispatcher.AdvanceStep(ctx, AdvanceInput{PlanID: "nope", StepID: "a", AgentType: "Executor"})
	assert.ErrorIs(t, err, depgraph.ErrStepNotFound)
}

func TestEndSession(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.dispatcher.Dispatch(ctx, tddDispatch("s1", "Executor"))
	require.NoError(t, err)
	_, err = f.dispatcher.Dispatch(ctx, tddDispatch("s2", "Tester"))
	require.NoError(t, err)

	ended, err := f.dispatcher.EndSession(ctx, "s1", models.SessionStatusHandedOff)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusHandedOff, ended.Status)

	peers, err := f.dispatcher.Peers(ctx, "ws-1", "s2")
	require.NoError(t, err)
	assert.Empty(t, peers)
	assert.NotNil(t, f.events.last(messages.TypeSessionEnded))

	_, err = f.dispatcher.EndSession(ctx, "missing", models.SessionStatusCompleted)
	assert.ErrorIs(t, err, registry.ErrSessionNotFound)
}

func TestResyncSession(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.dispatcher.Dispatch(ctx, tddDispatch("s1", "Executor", "a.go"))
	require.NoError(t, err)

	phase := "review"
	s, err := f.dispatcher.ResyncSession(ctx, "s1", registry.Update{
		CurrentPhase: &phase,
		ClaimedSteps: []int{3},
	})
	require.NoError(t, err)
	assert.Equal(t, "review", s.CurrentPhase)
	assert.Equal(t, []int{3}, s.ClaimedSteps)
	assert.Equal(t, []string{"a.go"}, s.FilesInScope)
	assert.NotNil(t, f.events.last(messages.TypeSessionResynced))

	_, err = f.dispatcher.ResyncSession(ctx, "missing", registry.Update{CurrentPhase: &phase})
	assert.ErrorIs(t, err, registry.ErrSessionNotFound)
}

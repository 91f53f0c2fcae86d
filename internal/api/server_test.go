package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jordanhubbard/hubcore/internal/database"
	"github.com/jordanhubbard/hubcore/internal/depgraph"
	"github.com/jordanhubbard/hubcore/internal/dispatch"
	"github.com/jordanhubbard/hubcore/internal/plan"
	"github.com/jordanhubbard/hubcore/internal/policy"
	"github.com/jordanhubbard/hubcore/internal/registry"
	"github.com/jordanhubbard/hubcore/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, http.Handler) {
	t.Helper()
	db, err := database.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	plans := plan.NewStore(db)
	graph := depgraph.New(db)
	d := dispatch.NewDispatcher(policy.NewEngine(), registry.NewSQLRegistry(db), plans, graph)
	s := NewServer(d, plans, graph)
	return s, s.SetupRoutes()
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

// seed creates plan-1 in ws-1 with phase build holding steps a and b.
func seed(t *testing.T, h http.Handler) {
	t.Helper()
	w := do(t, h, http.MethodPost, "/api/v1/plans", map[string]string{"id": "plan-1", "workspace_id": "ws-1", "title": "demo"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(t, h, http.MethodPost, "/api/v1/plans/plan-1/phases", map[string]interface{}{"id": "build", "name": "build", "phase_order": 1})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	for i, id := range []string{"a", "b"} {
		w = do(t, h, http.MethodPost, "/api/v1/plans/plan-1/steps", map[string]interface{}{
			"id": id, "phase_id": "build", "step_order": i + 1, "title": "step " + id,
		})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}
}

func TestHealth(t *testing.T) {
	s, h := newTestServer(t)

	w := do(t, h, http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	s.AddHealthCheck("nats", func(context.Context) error { return errors.New("disconnected") })
	w = do(t, h, http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	decode(t, w, &body)
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "disconnected", body.Checks["nats"])

	w = do(t, h, http.MethodPost, "/api/v1/health", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestEvaluate(t *testing.T) {
	_, h := newTestServer(t)

	tests := []struct {
		name      string
		body      interface{}
		wantCode  int
		wantValid bool
	}{
		{"approved", policy.DispatchRequest{TargetAgentType: "Tester", CurrentMode: "tdd_cycle"}, http.StatusOK, true},
		{"denied is still 200", policy.DispatchRequest{TargetAgentType: "Architect", CurrentMode: "tdd_cycle"}, http.StatusOK, false},
		{"missing target", policy.DispatchRequest{CurrentMode: "tdd_cycle"}, http.StatusBadRequest, false},
		{"invalid json", "not an object", http.StatusBadRequest, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, http.MethodPost, "/api/v1/policy/evaluate", tt.body)
			require.Equal(t, tt.wantCode, w.Code, w.Body.String())
			if tt.wantCode != http.StatusOK {
				return
			}
			var eval struct {
				Decision struct {
					Valid bool   `json:"valid"`
					Code  string `json:"code"`
				} `json:"decision"`
			}
			decode(t, w, &eval)
			assert.Equal(t, tt.wantValid, eval.Decision.Valid)
			if !tt.wantValid {
				assert.Equal(t, string(policy.CodeModeBoundaryViolation), eval.Decision.Code)
			}
		})
	}
}

type dispatchResponse struct {
	Evaluation struct {
		Decision struct {
			Valid bool `json:"valid"`
		} `json:"decision"`
	} `json:"evaluation"`
	Session      *models.Session   `json:"session"`
	Peers        []*models.Session `json:"peers"`
	FileOverlaps []struct {
		SessionID string   `json:"session_id"`
		Files     []string `json:"files"`
	} `json:"file_overlaps"`
}

func dispatchBody(sessionID, target string, files ...string) dispatch.DispatchInput {
	return dispatch.DispatchInput{
		Request: policy.DispatchRequest{TargetAgentType: target, CurrentMode: "tdd_cycle"},
		Session: dispatch.SessionSpec{
			SessionID:    sessionID,
			WorkspaceID:  "ws-1",
			PlanID:       "plan-1",
			FilesInScope: files,
		},
	}
}

func TestDispatchAndSessions(t *testing.T) {
	_, h := newTestServer(t)

	w := do(t, h, http.MethodPost, "/api/v1/dispatch", dispatchBody("s1", "Executor", "a.go"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var first dispatchResponse
	decode(t, w, &first)
	assert.True(t, first.Evaluation.Decision.Valid)
	require.NotNil(t, first.Session)
	assert.Empty(t, first.Peers)

	w = do(t, h, http.MethodPost, "/api/v1/dispatch", dispatchBody("s2", "Tester", "a.go"))
	require.Equal(t, http.StatusOK, w.Code)
	var second dispatchResponse
	decode(t, w, &second)
	require.Len(t, second.Peers, 1)
	assert.Equal(t, "s1", second.Peers[0].SessionID)
	require.Len(t, second.FileOverlaps, 1)
	assert.Equal(t, []string{"a.go"}, second.FileOverlaps[0].Files)

	// Denied dispatches are 200 and register nothing.
	w = do(t, h, http.MethodPost, "/api/v1/dispatch", dispatchBody("s3", "Architect"))
	require.Equal(t, http.StatusOK, w.Code)
	var denied dispatchResponse
	decode(t, w, &denied)
	assert.False(t, denied.Evaluation.Decision.Valid)
	assert.Nil(t, denied.Session)

	w = do(t, h, http.MethodGet, "/api/v1/sessions/s3", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, http.MethodGet, "/api/v1/workspaces/ws-1/peers?exclude=s2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var peers []*models.Session
	decode(t, w, &peers)
	require.Len(t, peers, 1)
	assert.Equal(t, "s1", peers[0].SessionID)

	w = do(t, h, http.MethodPost, "/api/v1/sessions/s1/resync", map[string]interface{}{
		"current_phase": "review",
		"claimed_steps": []int{2, 1},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resynced models.Session
	decode(t, w, &resynced)
	assert.Equal(t, "review", resynced.CurrentPhase)
	assert.Equal(t, []int{1, 2}, resynced.ClaimedSteps)

	w = do(t, h, http.MethodPost, "/api/v1/sessions/s1/end", map[string]string{"status": "handed_off"})
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, h, http.MethodPost, "/api/v1/sessions/s2/end", map[string]string{"status": "active"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodGet, "/api/v1/workspaces/ws-1/peers?exclude=s2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &peers)
	assert.Empty(t, peers)

	w = do(t, h, http.MethodPost, "/api/v1/dispatch", dispatch.DispatchInput{
		Request: policy.DispatchRequest{TargetAgentType: "Executor"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPlanFlow(t *testing.T) {
	_, h := newTestServer(t)
	seed(t, h)

	// b is blocked by a.
	w := do(t, h, http.MethodPost, "/api/v1/steps/b/dependencies", map[string]string{"blocked_by": "a"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(t, h, http.MethodPost, "/api/v1/steps/a/dependencies", map[string]string{"blocked_by": "b"})
	assert.Equal(t, http.StatusConflict, w.Code, "cycle")

	w = do(t, h, http.MethodPost, "/api/v1/steps/a/dependencies", map[string]string{"blocked_by": "a"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "self dependency")

	w = do(t, h, http.MethodGet, "/api/v1/steps/b/dependencies", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var edges []*models.DependencyEdge
	decode(t, w, &edges)
	require.Len(t, edges, 1)
	assert.Equal(t, "a", edges[0].SourceStepID)

	w = do(t, h, http.MethodGet, "/api/v1/steps/a/dependents", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &edges)
	require.Len(t, edges, 1)
	assert.Equal(t, "b", edges[0].TargetStepID)

	var next struct {
		Step *models.Step `json:"step"`
	}
	w = do(t, h, http.MethodGet, "/api/v1/plans/plan-1/next", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &next)
	require.NotNil(t, next.Step)
	assert.Equal(t, "a", next.Step.ID)

	w = do(t, h, http.MethodPost, "/api/v1/dispatch", dispatchBody("s1", "Executor"))
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, h, http.MethodPost, "/api/v1/steps/b/status", map[string]string{"status": "active", "session_id": "s1"})
	assert.Equal(t, http.StatusConflict, w.Code, "b waits on a")

	w = do(t, h, http.MethodPost, "/api/v1/steps/a/status", map[string]string{"status": "active", "session_id": "s1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var update struct {
		Step    *models.Step    `json:"step"`
		Session *models.Session `json:"session"`
	}
	decode(t, w, &update)
	assert.Equal(t, models.StepStatusActive, update.Step.Status)
	require.NotNil(t, update.Session)
	assert.Equal(t, []int{0}, update.Session.ClaimedSteps)

	w = do(t, h, http.MethodPost, "/api/v1/steps/a/status", map[string]string{"status": "active", "session_id": "s2"})
	assert.Equal(t, http.StatusConflict, w.Code, "a is held by s1")

	w = do(t, h, http.MethodPost, "/api/v1/steps/a/status", map[string]string{"status": "done"})
	assert.Equal(t, http.StatusConflict, w.Code, "done only through completion")

	w = do(t, h, http.MethodPost, "/api/v1/steps/a/status", map[string]string{"status": "finished"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodPost, "/api/v1/plans/plan-1/steps/a/complete", map[string]string{"session_id": "s1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var completion struct {
		Completed *models.Step    `json:"completed"`
		Next      *models.Step    `json:"next"`
		Unblocked []string        `json:"unblocked"`
		Session   *models.Session `json:"session"`
	}
	decode(t, w, &completion)
	assert.Equal(t, models.StepStatusDone, completion.Completed.Status)
	assert.Equal(t, "Executor", completion.Completed.CompletedBy)
	require.NotNil(t, completion.Next)
	assert.Equal(t, "b", completion.Next.ID)
	assert.Equal(t, []string{"b"}, completion.Unblocked)
	require.NotNil(t, completion.Session)
	assert.Empty(t, completion.Session.ClaimedSteps)

	w = do(t, h, http.MethodGet, "/api/v1/plans/plan-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var detail struct {
		Plan  *models.Plan   `json:"plan"`
		Steps []*models.Step `json:"steps"`
	}
	decode(t, w, &detail)
	assert.Equal(t, "ws-1", detail.Plan.WorkspaceID)
	require.Len(t, detail.Steps, 2)
	assert.Equal(t, models.StepStatusDone, detail.Steps[0].Status)
}

func TestNotFound(t *testing.T) {
	_, h := newTestServer(t)

	tests := []struct {
		method string
		path   string
		body   interface{}
		want   int
	}{
		{http.MethodGet, "/api/v1/plans/missing", nil, http.StatusNotFound},
		{http.MethodGet, "/api/v1/plans/missing/next", nil, http.StatusNotFound},
		{http.MethodGet, "/api/v1/steps/missing", nil, http.StatusNotFound},
		{http.MethodGet, "/api/v1/steps/missing/dependencies", nil, http.StatusNotFound},
		{http.MethodGet, "/api/v1/sessions/missing", nil, http.StatusNotFound},
		{http.MethodPost, "/api/v1/sessions/missing/end", map[string]string{"status": "completed"}, http.StatusNotFound},
		{http.MethodPost, "/api/v1/plans/missing/phases", map[string]string{"name": "build"}, http.StatusNotFound},
		{http.MethodPost, "/api/v1/plans/missing/steps/a/complete", map[string]string{"agent_type": "Executor"}, http.StatusNotFound},
		{http.MethodGet, "/api/v1/workspaces/ws-1", nil, http.StatusNotFound},
		{http.MethodGet, "/api/v1/plans/p/unknown", nil, http.StatusNotFound},
		{http.MethodPost, "/api/v1/plans", map[string]string{"title": "no workspace"}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w := do(t, h, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, h := newTestServer(t)
	do(t, h, http.MethodGet, "/api/v1/health", nil)

	w := do(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "hubcore_http_requests_total")
}

// Package dispatch runs the hub's caller protocol around the policy engine,
// the session registry and the step dependency graph.
//
// A dispatch is evaluated first. Only an approved dispatch registers its
// session, and peers are read after registration. Step status changes and
// completions resync the session so peers see current claims. Registry and
// event failures never fail the operation; they are returned as warnings.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jordanhubbard/hubcore/internal/depgraph"
	"github.com/jordanhubbard/hubcore/internal/messagebus"
	"github.com/jordanhubbard/hubcore/internal/metrics"
	"github.com/jordanhubbard/hubcore/internal/plan"
	"github.com/jordanhubbard/hubcore/internal/policy"
	"github.com/jordanhubbard/hubcore/internal/registry"
	"github.com/jordanhubbard/hubcore/internal/telemetry"
	"github.com/jordanhubbard/hubcore/pkg/messages"
	"github.com/jordanhubbard/hubcore/pkg/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const defaultSource = "hubcore"

var (
	ErrWorkspaceRequired = errors.New("session workspace_id is required")
	ErrAgentTypeRequired = errors.New("agent_type is required")
)

// SessionSpec describes the session a dispatch materializes. The agent type
// is taken from the request's target.
type SessionSpec struct {
	SessionID        string   `json:"session_id,omitempty" yaml:"session_id,omitempty"`
	WorkspaceID      string   `json:"workspace_id" yaml:"workspace_id"`
	PlanID           string   `json:"plan_id,omitempty" yaml:"plan_id,omitempty"`
	CurrentPhase     string   `json:"current_phase,omitempty" yaml:"current_phase,omitempty"`
	ClaimedSteps     []int    `json:"claimed_steps,omitempty" yaml:"claimed_steps,omitempty"`
	FilesInScope     []string `json:"files_in_scope,omitempty" yaml:"files_in_scope,omitempty"`
	MaterializedPath string   `json:"materialized_path,omitempty" yaml:"materialized_path,omitempty"`
}

// DispatchInput is a dispatch request plus the session it would start.
type DispatchInput struct {
	Request policy.DispatchRequest `json:"request" yaml:"request"`
	Session SessionSpec            `json:"session" yaml:"session"`
}

// DispatchResult is returned for approved and denied dispatches alike.
type DispatchResult struct {
	Evaluation   policy.HubPolicyEvaluation `json:"evaluation"`
	Session      *models.Session            `json:"session,omitempty"`
	Peers        []*models.Session          `json:"peers"`
	FileOverlaps []FileOverlap              `json:"file_overlaps,omitempty"`
	Warnings     []string                   `json:"warnings,omitempty"`
}

// Approved reports whether the policy decision was valid.
func (r *DispatchResult) Approved() bool {
	return r.Evaluation.Decision.Valid
}

// StepUpdate moves a step to a new status on behalf of a session.
type StepUpdate struct {
	SessionID string            `json:"session_id,omitempty"`
	StepID    string            `json:"step_id"`
	Status    models.StepStatus `json:"status"`
}

// StepUpdateResult is the outcome of UpdateStepStatus.
type StepUpdateResult struct {
	Step     *models.Step    `json:"step"`
	Session  *models.Session `json:"session,omitempty"`
	Warnings []string        `json:"warnings,omitempty"`
}

// AdvanceInput completes a step and asks for the next one.
type AdvanceInput struct {
	SessionID string `json:"session_id,omitempty"`
	PlanID    string `json:"plan_id"`
	StepID    string `json:"step_id"`
	// AgentType is recorded as the completing agent. When empty the
	// session's agent type is used.
	AgentType string `json:"agent_type,omitempty"`
}

// AdvanceResult is the outcome of AdvanceStep.
type AdvanceResult struct {
	*depgraph.Completion
	Session  *models.Session `json:"session,omitempty"`
	Warnings []string        `json:"warnings,omitempty"`
}

// Dispatcher coordinates policy, registry and dependency graph.
type Dispatcher struct {
	engine    *policy.Engine
	registry  registry.Registry
	plans     *plan.Store
	graph     *depgraph.Graph
	publisher messagebus.EventPublisher
	metrics   *metrics.Metrics
	source    string
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithPublisher publishes coordination events to p.
func WithPublisher(p messagebus.EventPublisher) Option {
	return func(d *Dispatcher) {
		if p != nil {
			d.publisher = p
		}
	}
}

// WithSource sets the source recorded on published events.
func WithSource(source string) Option {
	return func(d *Dispatcher) {
		if source != "" {
			d.source = source
		}
	}
}

// NewDispatcher creates a dispatcher. Events are dropped unless a publisher
// is supplied.
func NewDispatcher(engine *policy.Engine, reg registry.Registry, plans *plan.Store, graph *depgraph.Graph, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		engine:    engine,
		registry:  reg,
		plans:     plans,
		graph:     graph,
		publisher: messagebus.NoopPublisher{},
		metrics:   metrics.NewMetrics(),
		source:    defaultSource,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Evaluate runs the policy engine without side effects.
func (d *Dispatcher) Evaluate(req policy.DispatchRequest) policy.HubPolicyEvaluation {
	return d.engine.Evaluate(req)
}

// Dispatch evaluates in.Request and, when approved, registers the session
// and then collects its peers. A denial is a normal result, not an error.
// The only error is a request without a workspace.
func (d *Dispatcher) Dispatch(ctx context.Context, in DispatchInput) (*DispatchResult, error) {
	if strings.TrimSpace(in.Session.WorkspaceID) == "" {
		return nil, ErrWorkspaceRequired
	}
	if in.Session.SessionID == "" {
		in.Session.SessionID = uuid.New().String()
	}

	ctx, span := telemetry.Tracer.Start(ctx, "dispatch.Dispatch", trace.WithAttributes(
		attribute.String("workspace.id", in.Session.WorkspaceID),
		attribute.String("session.id", in.Session.SessionID),
		attribute.String("agent.type", in.Request.TargetAgentType),
	))
	defer span.End()

	start := time.Now()
	eval := d.engine.Evaluate(in.Request)
	mode := string(eval.Mode)
	elapsed := time.Since(start)
	d.metrics.RecordDecision(mode, eval.Decision.Valid, string(eval.Decision.Code), string(eval.EnrichmentOutcome), elapsed)
	telemetry.RecordDispatch(ctx, mode, eval.Decision.Valid, string(eval.Decision.Code), elapsed)
	span.SetAttributes(
		attribute.String("policy.mode", mode),
		attribute.Bool("policy.valid", eval.Decision.Valid),
	)

	result := &DispatchResult{Evaluation: eval, Peers: []*models.Session{}}

	if !eval.Decision.Valid {
		span.SetAttributes(attribute.String("policy.code", string(eval.Decision.Code)))
		log.Printf("[Dispatch] Denied %s in %s (%s): %s", in.Request.TargetAgentType, in.Session.WorkspaceID,
			eval.Decision.Code, eval.Decision.Reason)
		d.publish(ctx, result, messages.DispatchDenied(in.Session.WorkspaceID, in.Session.PlanID,
			in.Session.SessionID, d.source, eval.Decision.Reason, map[string]interface{}{
				"code":              string(eval.Decision.Code),
				"mode":              mode,
				"target_agent_type": in.Request.TargetAgentType,
			}))
		return result, nil
	}

	session := &models.Session{
		SessionID:        in.Session.SessionID,
		WorkspaceID:      in.Session.WorkspaceID,
		PlanID:           in.Session.PlanID,
		AgentType:        in.Request.TargetAgentType,
		CurrentPhase:     in.Session.CurrentPhase,
		ClaimedSteps:     in.Session.ClaimedSteps,
		FilesInScope:     in.Session.FilesInScope,
		MaterializedPath: in.Session.MaterializedPath,
		Status:           models.SessionStatusActive,
	}
	result.Session = session

	// Register before reading peers.
	if err := d.registry.Register(ctx, session); err != nil {
		result.warn(d, "register", fmt.Errorf("failed to register session %s: %w", session.SessionID, err))
	} else {
		d.metrics.SessionsRegistered.WithLabelValues(session.AgentType).Inc()
		d.publish(ctx, result, messages.SessionRegistered(session.WorkspaceID, session.PlanID,
			session.SessionID, d.source, map[string]interface{}{
				"agent_type":    session.AgentType,
				"current_phase": session.CurrentPhase,
				"claimed_steps": session.ClaimedSteps,
			}))
	}

	peers, err := d.registry.ActivePeers(ctx, session.WorkspaceID, session.SessionID)
	if err != nil {
		result.warn(d, "active_peers", fmt.Errorf("failed to list peers for %s: %w", session.SessionID, err))
	} else {
		result.Peers = peers
		result.FileOverlaps = OverlappingFiles(session, peers)
	}

	d.publish(ctx, result, messages.DispatchApproved(session.WorkspaceID, session.PlanID,
		session.SessionID, d.source, map[string]interface{}{
			"mode":               mode,
			"target_agent_type":  session.AgentType,
			"enrichment_outcome": string(eval.EnrichmentOutcome),
			"fallback_used":      eval.FallbackUsed,
			"peer_count":         len(result.Peers),
		}))

	log.Printf("[Dispatch] Approved %s session %s in %s (mode=%s, peers=%d)",
		session.AgentType, session.SessionID, session.WorkspaceID, mode, len(result.Peers))
	return result, nil
}

// Peers lists the active peers of sessionID in workspaceID.
func (d *Dispatcher) Peers(ctx context.Context, workspaceID, sessionID string) ([]*models.Session, error) {
	return d.registry.ActivePeers(ctx, workspaceID, sessionID)
}

// Session returns a registered session.
func (d *Dispatcher) Session(ctx context.Context, sessionID string) (*models.Session, error) {
	return d.registry.Get(ctx, sessionID)
}

// UpdateStepStatus applies a step status change and resyncs the owning
// session: an active step is claimed, a step moved back to pending or
// blocked is released. Activating a step another session holds fails with
// plan.ErrStepClaimed; activating one with unsatisfied dependencies fails
// with plan.ErrStepBlocked.
func (d *Dispatcher) UpdateStepStatus(ctx context.Context, u StepUpdate) (*StepUpdateResult, error) {
	step, err := d.plans.UpdateStatus(ctx, plan.StatusChange{StepID: u.StepID, Status: u.Status, SessionID: u.SessionID})
	if err != nil {
		return nil, err
	}
	d.metrics.StepTransitions.WithLabelValues(string(step.Status)).Inc()

	result := &StepUpdateResult{Step: step}
	if u.SessionID != "" {
		result.Session = d.resync(ctx, &result.Warnings, u.SessionID, func(s *models.Session) registry.Update {
			claimed := release(s.ClaimedSteps, step.Index)
			if step.Status == models.StepStatusActive {
				claimed = append(claimed, step.Index)
			}
			phase := step.PhaseName
			return registry.Update{CurrentPhase: &phase, ClaimedSteps: claimed}
		})
	}

	d.publishStep(ctx, &result.Warnings, step.PlanID, messages.StepStatusChanged, step.ID, map[string]interface{}{
		"status":     string(step.Status),
		"step_index": step.Index,
		"session_id": u.SessionID,
	})
	return result, nil
}

// AdvanceStep completes a step through the dependency graph and releases it
// from the session's claims. The next eligible step is reported but not
// claimed; the caller activates it.
func (d *Dispatcher) AdvanceStep(ctx context.Context, in AdvanceInput) (*AdvanceResult, error) {
	var warnings []string
	agentType := in.AgentType
	if agentType == "" && in.SessionID != "" {
		s, err := d.registry.Get(ctx, in.SessionID)
		if err != nil {
			warnings = append(warnings, d.warning("get_session", fmt.Errorf("failed to load session %s: %w", in.SessionID, err)))
		} else {
			agentType = s.AgentType
		}
	}
	if agentType == "" {
		return nil, fmt.Errorf("%w to complete step %s", ErrAgentTypeRequired, in.StepID)
	}

	completion, err := d.graph.CompleteAndAdvance(ctx, in.PlanID, in.StepID, agentType)
	if err != nil {
		return nil, err
	}
	d.metrics.StepsCompleted.WithLabelValues(agentType).Inc()
	d.metrics.StepTransitions.WithLabelValues(string(models.StepStatusDone)).Inc()
	telemetry.RecordStepCompleted(ctx, agentType)

	result := &AdvanceResult{Completion: completion, Warnings: warnings}
	if in.SessionID != "" {
		done := completion.Completed
		result.Session = d.resync(ctx, &result.Warnings, in.SessionID, func(s *models.Session) registry.Update {
			u := registry.Update{ClaimedSteps: release(s.ClaimedSteps, done.Index)}
			if completion.Next != nil {
				phase := completion.Next.PhaseName
				u.CurrentPhase = &phase
			}
			return u
		})
	}

	data := map[string]interface{}{
		"completed_by": agentType,
		"unblocked":    completion.Unblocked,
		"session_id":   in.SessionID,
	}
	if completion.Next != nil {
		data["next_step_id"] = completion.Next.ID
	}
	d.publishStep(ctx, &result.Warnings, in.PlanID, messages.StepCompleted, in.StepID, data)

	log.Printf("[Dispatch] Step %s completed by %s (unblocked=%d)", in.StepID, agentType, len(completion.Unblocked))
	return result, nil
}

// ResyncSession applies a caller-supplied update to a session. Unlike the
// resync done on step changes, registry errors are returned.
func (d *Dispatcher) ResyncSession(ctx context.Context, sessionID string, u registry.Update) (*models.Session, error) {
	s, err := d.registry.Resync(ctx, sessionID, u)
	if err != nil {
		return nil, err
	}
	var warnings []string
	d.publishEvent(ctx, &warnings, messages.SessionResynced(s.WorkspaceID, s.PlanID, s.SessionID, d.source,
		map[string]interface{}{
			"current_phase": s.CurrentPhase,
			"claimed_steps": s.ClaimedSteps,
		}))
	return s, nil
}

// EndSession hands off or completes a session.
func (d *Dispatcher) EndSession(ctx context.Context, sessionID string, status models.SessionStatus) (*models.Session, error) {
	s, err := d.registry.End(ctx, sessionID, status)
	if err != nil {
		return nil, err
	}
	d.metrics.SessionsEnded.WithLabelValues(string(status)).Inc()

	var warnings []string
	evt := messages.SessionEnded(s.WorkspaceID, s.PlanID, s.SessionID, d.source, map[string]interface{}{
		"status":     string(status),
		"agent_type": s.AgentType,
	})
	d.publishEvent(ctx, &warnings, evt)
	log.Printf("[Dispatch] Session %s ended (%s)", sessionID, status)
	return s, nil
}

// release returns claimed without index. The result is never nil, so the
// registry treats it as a replacement.
func release(claimed []int, index int) []int {
	out := make([]int, 0, len(claimed))
	for _, i := range claimed {
		if i != index {
			out = append(out, i)
		}
	}
	return out
}

// resync derives an update from the stored session and applies it in one
// registry transaction. Failures become warnings.
func (d *Dispatcher) resync(ctx context.Context, warnings *[]string, sessionID string, build func(*models.Session) registry.Update) *models.Session {
	updated, err := d.registry.ResyncFunc(ctx, sessionID, build)
	if err != nil {
		*warnings = append(*warnings, d.warning("resync", fmt.Errorf("failed to resync session %s: %w", sessionID, err)))
		return nil
	}
	d.publishEvent(ctx, warnings, messages.SessionResynced(updated.WorkspaceID, updated.PlanID, updated.SessionID, d.source,
		map[string]interface{}{
			"current_phase": updated.CurrentPhase,
			"claimed_steps": updated.ClaimedSteps,
		}))
	return updated
}

func (d *Dispatcher) publishStep(ctx context.Context, warnings *[]string, planID string,
	build func(workspaceID, planID, stepID, source string, data map[string]interface{}) *messages.EventMessage,
	stepID string, data map[string]interface{}) {
	p, err := d.plans.GetPlan(ctx, planID)
	if err != nil {
		*warnings = append(*warnings, d.warning("publish", fmt.Errorf("failed to resolve workspace for plan %s: %w", planID, err)))
		return
	}
	d.publishEvent(ctx, warnings, build(p.WorkspaceID, planID, stepID, d.source, data))
}

func (d *Dispatcher) publish(ctx context.Context, r *DispatchResult, evt *messages.EventMessage) {
	d.publishEvent(ctx, &r.Warnings, evt)
}

func (d *Dispatcher) publishEvent(ctx context.Context, warnings *[]string, evt *messages.EventMessage) {
	err := d.publisher.PublishEvent(ctx, evt)
	d.metrics.RecordEvent(evt.Type, err)
	if err != nil {
		*warnings = append(*warnings, d.warning("publish", fmt.Errorf("failed to publish %s: %w", evt.Type, err)))
	}
}

func (r *DispatchResult) warn(d *Dispatcher, operation string, err error) {
	r.Warnings = append(r.Warnings, d.warning(operation, err))
}

func (d *Dispatcher) warning(operation string, err error) string {
	msg := err.Error()
	log.Printf("[Dispatch] Warning: %s", msg)
	d.metrics.RecordWarning(operation)
	return msg
}

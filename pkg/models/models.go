package models

import "time"

// SessionStatus represents the lifecycle state of an agent session
type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusHandedOff SessionStatus = "handed_off"
	SessionStatusCompleted SessionStatus = "completed"
)

// IsTerminal reports whether the session has left the active set.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusHandedOff || s == SessionStatusCompleted
}

// Session is one live, tracked execution of an agent against a plan.
// The session ID is owned by the caller and treated as opaque.
type Session struct {
	SessionID        string        `json:"session_id"`
	WorkspaceID      string        `json:"workspace_id"`
	PlanID           string        `json:"plan_id"`
	AgentType        string        `json:"agent_type"`
	CurrentPhase     string        `json:"current_phase,omitempty"`
	ClaimedSteps     []int         `json:"claimed_steps"`
	FilesInScope     []string      `json:"files_in_scope"`
	MaterializedPath string        `json:"materialized_path,omitempty"`
	Status           SessionStatus `json:"status"`
	StartedAt        time.Time     `json:"started_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
	EndedAt          *time.Time    `json:"ended_at,omitempty"`
}

// Plan is the task graph a set of sessions collaborate on inside a workspace
type Plan struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	Title       string    `json:"title"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Phase groups steps; PhaseOrder is the primary ordering key for steps.
type Phase struct {
	ID         string    `json:"id"`
	PlanID     string    `json:"plan_id"`
	Name       string    `json:"name"`
	PhaseOrder int       `json:"phase_order"`
	CreatedAt  time.Time `json:"created_at"`
}

// StepStatus represents the status of a plan step
type StepStatus string

const (
	StepStatusPending StepStatus = "pending"
	StepStatusActive  StepStatus = "active"
	StepStatusDone    StepStatus = "done"
	StepStatusBlocked StepStatus = "blocked"
)

// Valid reports whether s is one of the known step statuses.
func (s StepStatus) Valid() bool {
	switch s {
	case StepStatusPending, StepStatusActive, StepStatusDone, StepStatusBlocked:
		return true
	}
	return false
}

// Step is a single unit of work within a plan phase
type Step struct {
	ID          string     `json:"id"`
	PlanID      string     `json:"plan_id"`
	PhaseID     string     `json:"phase_id"`
	PhaseName   string     `json:"phase_name,omitempty"`
	Index       int        `json:"index"` // plan-wide ordinal, what sessions claim
	PhaseOrder  int        `json:"phase_order"`
	StepOrder   int        `json:"step_order"`
	Title       string     `json:"title"`
	Status      StepStatus `json:"status"`
	ClaimedBy   string     `json:"claimed_by,omitempty"`   // session that activated the step
	CompletedBy string     `json:"completed_by,omitempty"` // agent type that completed the step
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// DependencyStatus represents the state of a blocking edge
type DependencyStatus string

const (
	DependencyStatusPending   DependencyStatus = "pending"
	DependencyStatusSatisfied DependencyStatus = "satisfied"
)

// DependencyEdge states that SourceStepID blocks TargetStepID: the target
// is not eligible until the edge is satisfied.
type DependencyEdge struct {
	ID           string           `json:"id"`
	PlanID       string           `json:"plan_id"`
	SourceStepID string           `json:"source_step_id"`
	TargetStepID string           `json:"target_step_id"`
	Status       DependencyStatus `json:"status"`
	CreatedAt    time.Time        `json:"created_at"`
	SatisfiedAt  *time.Time       `json:"satisfied_at,omitempty"`
}

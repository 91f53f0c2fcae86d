package policy

// ReasonCode identifies why a dispatch was denied.
type ReasonCode string

const (
	CodeModeBoundaryViolation                    ReasonCode = "POLICY_MODE_BOUNDARY_VIOLATION"
	CodeTransitionEventRequired                  ReasonCode = "POLICY_TRANSITION_EVENT_REQUIRED"
	CodePromptAnalystRequired                    ReasonCode = "POLICY_PROMPT_ANALYST_REQUIRED"
	CodePromptAnalystFallbackRequiresUnavailable ReasonCode = "POLICY_PROMPT_ANALYST_FALLBACK_REQUIRES_UNAVAILABLE"
	CodeBundleDecisionRequired                   ReasonCode = "POLICY_BUNDLE_DECISION_REQUIRED"
	CodeBundleDecisionInvalid                    ReasonCode = "POLICY_BUNDLE_DECISION_INVALID"
)

// ModeContext is carried by every denial.
type ModeContext struct {
	CurrentMode          Mode   `json:"current_mode"`
	PreviousMode         string `json:"previous_mode,omitempty"`
	RequestedMode        Mode   `json:"requested_mode"`
	TargetAgentType      string `json:"target_agent_type"`
	TransitionEvent      string `json:"transition_event,omitempty"`
	TransitionReasonCode string `json:"transition_reason_code,omitempty"`
}

// Details is the code-specific payload of a denial. Each reason code has
// exactly one implementation.
type Details interface {
	Code() ReasonCode
	Mode() ModeContext
}

// ModeBoundaryViolation: target not in the current mode's allow-list.
type ModeBoundaryViolation struct {
	ModeContext
	AllowedTargets []AgentType `json:"allowed_targets"`
}

// TransitionEventRequired: a mode change without its event or reason code.
type TransitionEventRequired struct {
	ModeContext
	MissingTransitionEvent bool `json:"missing_transition_event"`
	MissingReasonCode      bool `json:"missing_transition_reason_code"`
}

// PromptAnalystRequired: an enrichment trigger fired without fresh enrichment.
type PromptAnalystRequired struct {
	ModeContext
	RecheckRequired bool   `json:"recheck_required"`
	RecheckTrigger  string `json:"recheck_trigger"`
}

// FallbackRequiresUnavailable: a bypass without the unavailable signal.
type FallbackRequiresUnavailable struct {
	ModeContext
	RequiredSignal string `json:"required_signal"`
}

// BundleDecisionRequired: the contract applies but no decision was sent.
type BundleDecisionRequired struct {
	ModeContext
	RequiredBy []string `json:"required_by"`
}

// BundleDecisionInvalid: a decision was sent but is incomplete.
type BundleDecisionInvalid struct {
	ModeContext
	RequiredBy    []string `json:"required_by"`
	MissingFields []string `json:"missing_fields"`
}

func (d ModeBoundaryViolation) Code() ReasonCode   { return CodeModeBoundaryViolation }
func (d TransitionEventRequired) Code() ReasonCode { return CodeTransitionEventRequired }
func (d PromptAnalystRequired) Code() ReasonCode   { return CodePromptAnalystRequired }
func (d FallbackRequiresUnavailable) Code() ReasonCode {
	return CodePromptAnalystFallbackRequiresUnavailable
}
func (d BundleDecisionRequired) Code() ReasonCode { return CodeBundleDecisionRequired }
func (d BundleDecisionInvalid) Code() ReasonCode  { return CodeBundleDecisionInvalid }

func (d ModeBoundaryViolation) Mode() ModeContext       { return d.ModeContext }
func (d TransitionEventRequired) Mode() ModeContext     { return d.ModeContext }
func (d PromptAnalystRequired) Mode() ModeContext       { return d.ModeContext }
func (d FallbackRequiresUnavailable) Mode() ModeContext { return d.ModeContext }
func (d BundleDecisionRequired) Mode() ModeContext      { return d.ModeContext }
func (d BundleDecisionInvalid) Mode() ModeContext       { return d.ModeContext }

// PolicyDecision is the structured verdict. Denials carry Code, Reason and
// Details; approvals carry none of them.
type PolicyDecision struct {
	Valid   bool       `json:"valid"`
	Code    ReasonCode `json:"code,omitempty"`
	Reason  string     `json:"reason,omitempty"`
	Details Details    `json:"details,omitempty"`
}

func approve() PolicyDecision {
	return PolicyDecision{Valid: true}
}

func deny(reason string, details Details) PolicyDecision {
	return PolicyDecision{
		Valid:   false,
		Code:    details.Code(),
		Reason:  reason,
		Details: details,
	}
}

package policy

import "strings"

const (
	// ProvisioningOnDemand means bundles are provisioned per dispatch and a
	// bundle decision must accompany the request.
	ProvisioningOnDemand = "on_demand"

	// ReasonPromptAnalystUnavailable is the only transition event or reason
	// code that makes a prompt-analyst bypass eligible.
	ReasonPromptAnalystUnavailable = "prompt_analyst_unavailable"
)

// EnrichmentOutput is the payload produced by the enrichment agent.
type EnrichmentOutput struct {
	Version        string   `json:"version,omitempty" yaml:"version,omitempty"`
	Summary        string   `json:"summary,omitempty" yaml:"summary,omitempty"`
	ScopeClass     string   `json:"scope_class,omitempty" yaml:"scope_class,omitempty"`
	SuggestedSkill []string `json:"suggested_skills,omitempty" yaml:"suggested_skills,omitempty"`
}

// BundleDecision is an explicit, versioned selection of instruction and
// skill bundles.
type BundleDecision struct {
	DecisionID              string   `json:"decision_id" yaml:"decision_id"`
	DecisionVersion         string   `json:"decision_version" yaml:"decision_version"`
	HubBundle               string   `json:"hub_bundle,omitempty" yaml:"hub_bundle,omitempty"`
	SpokeInstructionBundles []string `json:"spoke_instruction_bundles,omitempty" yaml:"spoke_instruction_bundles,omitempty"`
	SpokeSkillBundles       []string `json:"spoke_skill_bundles,omitempty" yaml:"spoke_skill_bundles,omitempty"`
}

// hasSelection reports whether at least one non-blank bundle is selected.
func (b *BundleDecision) hasSelection() bool {
	if strings.TrimSpace(b.HubBundle) != "" {
		return true
	}
	for _, ref := range b.SpokeInstructionBundles {
		if strings.TrimSpace(ref) != "" {
			return true
		}
	}
	for _, ref := range b.SpokeSkillBundles {
		if strings.TrimSpace(ref) != "" {
			return true
		}
	}
	return false
}

// missingFields lists the contract fields that are absent or blank.
func (b *BundleDecision) missingFields() []string {
	var missing []string
	if strings.TrimSpace(b.DecisionID) == "" {
		missing = append(missing, "decision_id")
	}
	if strings.TrimSpace(b.DecisionVersion) == "" {
		missing = append(missing, "decision_version")
	}
	if !b.hasSelection() {
		missing = append(missing, "selected_bundles")
	}
	return missing
}

// DispatchRequest asks the hub to activate TargetAgentType.
type DispatchRequest struct {
	TargetAgentType string `json:"target_agent_type" yaml:"target_agent_type"`

	// Mode context. A request with none of these set takes the legacy path.
	HubLabel      string `json:"hub_label,omitempty" yaml:"hub_label,omitempty"`
	CurrentMode   string `json:"current_mode,omitempty" yaml:"current_mode,omitempty"`
	PreviousMode  string `json:"previous_mode,omitempty" yaml:"previous_mode,omitempty"`
	RequestedMode string `json:"requested_mode,omitempty" yaml:"requested_mode,omitempty"`

	TransitionEvent      string `json:"transition_event,omitempty" yaml:"transition_event,omitempty"`
	TransitionReasonCode string `json:"transition_reason_code,omitempty" yaml:"transition_reason_code,omitempty"`

	EnrichmentApplied         bool              `json:"enrichment_applied,omitempty" yaml:"enrichment_applied,omitempty"`
	BypassPromptAnalystPolicy bool              `json:"bypass_prompt_analyst_policy,omitempty" yaml:"bypass_prompt_analyst_policy,omitempty"`
	EnrichmentOutput          *EnrichmentOutput `json:"enrichment_output,omitempty" yaml:"enrichment_output,omitempty"`

	BundleDecision         *BundleDecision `json:"bundle_decision,omitempty" yaml:"bundle_decision,omitempty"`
	ProvisioningMode       string          `json:"provisioning_mode,omitempty" yaml:"provisioning_mode,omitempty"`
	FallbackPolicy         string          `json:"fallback_policy,omitempty" yaml:"fallback_policy,omitempty"`
	RequestedScope         []string        `json:"requested_scope,omitempty" yaml:"requested_scope,omitempty"`
	StrictBundleResolution bool            `json:"strict_bundle_resolution,omitempty" yaml:"strict_bundle_resolution,omitempty"`

	// LegacyAlwaysOnBundles is accepted for compatibility and reported back,
	// but never satisfies the bundle-decision contract.
	LegacyAlwaysOnBundles bool `json:"legacy_always_on_bundles,omitempty" yaml:"legacy_always_on_bundles,omitempty"`
}

// hasModeContext reports whether the caller supplied any mode field.
func (r *DispatchRequest) hasModeContext() bool {
	return r.HubLabel != "" || r.CurrentMode != "" || r.PreviousMode != "" || r.RequestedMode != ""
}

// hasPolicyContext reports whether any field that the policy checks
// consult was supplied. Without any, evaluation is skipped entirely.
func (r *DispatchRequest) hasPolicyContext() bool {
	return r.hasModeContext() ||
		r.TransitionEvent != "" ||
		r.TransitionReasonCode != "" ||
		r.BypassPromptAnalystPolicy ||
		r.EnrichmentOutput != nil ||
		r.BundleDecision != nil ||
		r.ProvisioningMode != "" ||
		len(r.RequestedScope) > 0 ||
		r.StrictBundleResolution
}

// normalized returns a copy with tokens trimmed and lowercased, modes in
// canonical form where they parse, and the target in canonical spelling.
func (r DispatchRequest) normalized() DispatchRequest {
	out := r
	out.TargetAgentType = string(CanonicalAgentType(r.TargetAgentType))
	out.HubLabel = strings.TrimSpace(r.HubLabel)
	out.CurrentMode = normalizeMode(r.CurrentMode)
	out.PreviousMode = normalizeMode(r.PreviousMode)
	out.RequestedMode = normalizeMode(r.RequestedMode)
	out.TransitionEvent = strings.ToLower(strings.TrimSpace(r.TransitionEvent))
	out.TransitionReasonCode = strings.ToLower(strings.TrimSpace(r.TransitionReasonCode))
	out.ProvisioningMode = normalizeToken(r.ProvisioningMode)
	out.FallbackPolicy = normalizeToken(r.FallbackPolicy)

	var scope []string
	for _, s := range r.RequestedScope {
		if s = strings.TrimSpace(s); s != "" {
			scope = append(scope, s)
		}
	}
	out.RequestedScope = scope

	if r.BundleDecision != nil {
		bd := *r.BundleDecision
		bd.DecisionID = strings.TrimSpace(bd.DecisionID)
		bd.DecisionVersion = strings.TrimSpace(bd.DecisionVersion)
		bd.HubBundle = strings.TrimSpace(bd.HubBundle)
		out.BundleDecision = &bd
	}
	return out
}

// normalizeMode returns the canonical mode for s, or the normalized token
// when s is not a known mode so mismatches stay visible.
func normalizeMode(s string) string {
	if m, ok := ParseMode(s); ok {
		return string(m)
	}
	return normalizeToken(s)
}

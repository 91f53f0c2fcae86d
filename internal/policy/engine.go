// Package policy decides whether a requested agent may be dispatched under
// the current orchestration mode.
//
// Evaluation is pure: no I/O, no shared mutable state. An Engine may be
// used from any number of goroutines without synchronization.
package policy

import (
	"fmt"
	"strings"
)

// TelemetryOutcome classifies how enrichment was handled for a dispatch.
type TelemetryOutcome string

const (
	OutcomeRerun    TelemetryOutcome = "rerun"
	OutcomeReuse    TelemetryOutcome = "reuse"
	OutcomeFallback TelemetryOutcome = "fallback"
)

// enrichmentTriggers force a fresh enrichment pass before dispatch.
var enrichmentTriggers = [...]string{
	"new_prompt",
	"new_session",
	"scope_change",
	"scope_changed",
	"context_stale",
	"stale_context",
	"user_override",
	"force_prompt_analyst",
}

// HubPolicyEvaluation is the full result of Evaluate.
type HubPolicyEvaluation struct {
	Alias             AliasResolution  `json:"alias"`
	Mode              Mode             `json:"mode"`
	Request           DispatchRequest  `json:"normalized_request"`
	PolicyContext     bool             `json:"policy_context"`
	FallbackUsed      bool             `json:"fallback_used"`
	Decision          PolicyDecision   `json:"decision"`
	EnrichmentOutcome TelemetryOutcome `json:"enrichment_outcome"`
}

// Engine evaluates dispatch requests. The zero value is ready to use.
type Engine struct{}

// NewEngine creates a new policy engine
func NewEngine() *Engine {
	return &Engine{}
}

// Evaluate runs the dispatch checks in order: fallback eligibility, mode
// transition, mode boundary, enrichment freshness, bundle decision. The
// first failing check determines the denial.
func (e *Engine) Evaluate(req DispatchRequest) HubPolicyEvaluation {
	r := req.normalized()
	alias := ResolveHubAlias(r.HubLabel, firstNonEmpty(r.RequestedMode, r.CurrentMode))

	eval := HubPolicyEvaluation{
		Alias:         alias,
		Mode:          alias.ResolvedMode,
		Request:       r,
		PolicyContext: r.hasPolicyContext(),
	}

	if !eval.PolicyContext {
		// Legacy callers predate modes; they are approved unconditionally.
		eval.Decision = approve()
		eval.EnrichmentOutcome = classify(false, r.EnrichmentApplied)
		return eval
	}

	// The boundary is checked against the current mode; the transition
	// guard compares against the requested mode. Each falls back in turn.
	current, ok := ParseMode(r.CurrentMode)
	if !ok {
		current = alias.ResolvedMode
	}
	requested, ok := ParseMode(r.RequestedMode)
	if !ok {
		requested = current
	}
	eval.Mode = current
	mc := ModeContext{
		CurrentMode:          current,
		PreviousMode:         r.PreviousMode,
		RequestedMode:        requested,
		TargetAgentType:      r.TargetAgentType,
		TransitionEvent:      r.TransitionEvent,
		TransitionReasonCode: r.TransitionReasonCode,
	}
	target := AgentType(r.TargetAgentType)

	// Fallback eligibility
	if r.BypassPromptAnalystPolicy {
		if r.TransitionReasonCode != ReasonPromptAnalystUnavailable && r.TransitionEvent != ReasonPromptAnalystUnavailable {
			eval.Decision = deny(
				fmt.Sprintf("prompt analyst bypass requires transition reason or event %q", ReasonPromptAnalystUnavailable),
				FallbackRequiresUnavailable{ModeContext: mc, RequiredSignal: ReasonPromptAnalystUnavailable},
			)
			eval.EnrichmentOutcome = classify(false, r.EnrichmentApplied)
			return eval
		}
		eval.FallbackUsed = true
	}
	eval.EnrichmentOutcome = classify(eval.FallbackUsed, r.EnrichmentApplied)

	eval.Decision = e.check(r, mc, target, eval.FallbackUsed)
	return eval
}

func (e *Engine) check(r DispatchRequest, mc ModeContext, target AgentType, fallbackUsed bool) PolicyDecision {
	// Mode transition
	if r.PreviousMode != "" && r.PreviousMode != string(mc.RequestedMode) {
		missingEvent := r.TransitionEvent == ""
		missingReason := r.TransitionReasonCode == ""
		if missingEvent || missingReason {
			return deny(
				fmt.Sprintf("mode transition %s -> %s requires a transition event and reason code", r.PreviousMode, mc.RequestedMode),
				TransitionEventRequired{ModeContext: mc, MissingTransitionEvent: missingEvent, MissingReasonCode: missingReason},
			)
		}
	}

	// Mode boundary
	if !IsAllowed(mc.CurrentMode, target) {
		return deny(
			fmt.Sprintf("agent %q may not be dispatched in mode %s", r.TargetAgentType, mc.CurrentMode),
			ModeBoundaryViolation{ModeContext: mc, AllowedTargets: AllowedTargets(mc.CurrentMode)},
		)
	}

	// Enrichment freshness
	if trigger := activeTrigger(r.TransitionEvent, r.TransitionReasonCode); trigger != "" &&
		target != EnrichmentAgent && !fallbackUsed && !r.EnrichmentApplied {
		return deny(
			fmt.Sprintf("trigger %q requires a fresh %s pass before dispatching %s", trigger, EnrichmentAgent, r.TargetAgentType),
			PromptAnalystRequired{ModeContext: mc, RecheckRequired: true, RecheckTrigger: trigger},
		)
	}

	// Bundle decision contract
	if target != EnrichmentAgent {
		if requiredBy := bundleRequirements(r); len(requiredBy) > 0 {
			if r.BundleDecision == nil {
				return deny(
					fmt.Sprintf("bundle decision required (%s)", strings.Join(requiredBy, ", ")),
					BundleDecisionRequired{ModeContext: mc, RequiredBy: requiredBy},
				)
			}
			if missing := r.BundleDecision.missingFields(); len(missing) > 0 {
				return deny(
					fmt.Sprintf("bundle decision incomplete: missing %s", strings.Join(missing, ", ")),
					BundleDecisionInvalid{ModeContext: mc, RequiredBy: requiredBy, MissingFields: missing},
				)
			}
		}
	}

	return approve()
}

// activeTrigger returns the first enrichment trigger named by event or
// reason (event first), or "" when none is active. Inputs are trimmed and
// lowercased; other spellings do not match.
func activeTrigger(event, reason string) string {
	for _, candidate := range []string{event, reason} {
		for _, t := range enrichmentTriggers {
			if candidate == t {
				return t
			}
		}
	}
	return ""
}

// bundleRequirements lists what makes a bundle decision mandatory for r.
// LegacyAlwaysOnBundles is deliberately not consulted.
func bundleRequirements(r DispatchRequest) []string {
	var reasons []string
	if r.StrictBundleResolution {
		reasons = append(reasons, "strict_bundle_resolution")
	}
	if r.ProvisioningMode == ProvisioningOnDemand {
		reasons = append(reasons, "provisioning_mode="+ProvisioningOnDemand)
	}
	if r.BundleDecision != nil {
		reasons = append(reasons, "bundle_decision")
	}
	if r.EnrichmentOutput != nil {
		reasons = append(reasons, "enrichment_output")
	}
	if len(r.RequestedScope) > 0 {
		reasons = append(reasons, "requested_scope")
	}
	return reasons
}

func classify(fallbackUsed, enrichmentApplied bool) TelemetryOutcome {
	switch {
	case fallbackUsed:
		return OutcomeFallback
	case enrichmentApplied:
		return OutcomeRerun
	default:
		return OutcomeReuse
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

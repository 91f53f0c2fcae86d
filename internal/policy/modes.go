package policy

import (
	"slices"
	"strings"
)

// Mode is the orchestration regime that constrains which agent types the
// hub may dispatch.
type Mode string

const (
	ModeStandardOrchestration Mode = "standard_orchestration"
	ModeInvestigation         Mode = "investigation"
	ModeAdhocRunner           Mode = "adhoc_runner"
	ModeTDDCycle              Mode = "tdd_cycle"

	// DefaultMode is substituted when a request carries no mode context.
	DefaultMode = ModeStandardOrchestration
)

// AgentType names a dispatchable agent role.
type AgentType string

const (
	AgentCoordinator   AgentType = "Coordinator"
	AgentAnalyst       AgentType = "Analyst"
	AgentResearcher    AgentType = "Researcher"
	AgentArchitect     AgentType = "Architect"
	AgentExecutor      AgentType = "Executor"
	AgentReviewer      AgentType = "Reviewer"
	AgentTester        AgentType = "Tester"
	AgentRevisionist   AgentType = "Revisionist"
	AgentArchivist     AgentType = "Archivist"
	AgentBrainstorm    AgentType = "Brainstorm"
	AgentRunner        AgentType = "Runner"
	AgentWorker        AgentType = "Worker"
	AgentTDDDriver     AgentType = "TDDDriver"
	AgentSkillWriter   AgentType = "SkillWriter"
	AgentPromptAnalyst AgentType = "PromptAnalyst"

	// EnrichmentAgent is the agent that performs pre-dispatch context
	// enrichment. It is exempt from the enrichment and bundle guards.
	EnrichmentAgent = AgentPromptAnalyst
)

var knownAgents = [...]AgentType{
	AgentCoordinator, AgentAnalyst, AgentResearcher, AgentArchitect,
	AgentExecutor, AgentReviewer, AgentTester, AgentRevisionist,
	AgentArchivist, AgentBrainstorm, AgentRunner, AgentWorker,
	AgentTDDDriver, AgentSkillWriter, AgentPromptAnalyst,
}

type modeBoundary struct {
	mode    Mode
	targets []AgentType
}

// modeBoundaries is the static mode -> allowed targets table. It is only
// read through the accessors below, which hand out copies.
var modeBoundaries = [...]modeBoundary{
	{
		mode: ModeStandardOrchestration,
		targets: []AgentType{
			AgentResearcher, AgentArchitect, AgentExecutor, AgentReviewer,
			AgentTester, AgentRevisionist, AgentArchivist, AgentBrainstorm,
			AgentWorker, AgentSkillWriter, AgentPromptAnalyst,
		},
	},
	{
		mode: ModeInvestigation,
		targets: []AgentType{
			AgentResearcher, AgentBrainstorm, AgentExecutor, AgentReviewer,
			AgentTester, AgentArchivist, AgentPromptAnalyst,
		},
	},
	{
		mode: ModeAdhocRunner,
		targets: []AgentType{
			AgentExecutor, AgentWorker, AgentReviewer, AgentPromptAnalyst,
		},
	},
	{
		mode: ModeTDDCycle,
		targets: []AgentType{
			AgentTester, AgentExecutor, AgentReviewer, AgentRevisionist,
		},
	},
}

// Modes returns every known mode in table order.
func Modes() []Mode {
	modes := make([]Mode, 0, len(modeBoundaries))
	for _, b := range modeBoundaries {
		modes = append(modes, b.mode)
	}
	return modes
}

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	for _, b := range modeBoundaries {
		if b.mode == m {
			return true
		}
	}
	return false
}

// AllowedTargets returns a copy of the allow-list for mode, or nil for an
// unknown mode.
func AllowedTargets(mode Mode) []AgentType {
	for _, b := range modeBoundaries {
		if b.mode == mode {
			return slices.Clone(b.targets)
		}
	}
	return nil
}

// IsAllowed reports whether target may be dispatched under mode.
func IsAllowed(mode Mode, target AgentType) bool {
	for _, b := range modeBoundaries {
		if b.mode == mode {
			return slices.Contains(b.targets, target)
		}
	}
	return false
}

// CanonicalAgentType maps a case-insensitive agent name onto its canonical
// spelling. Unknown names are returned trimmed but otherwise unchanged.
func CanonicalAgentType(name string) AgentType {
	trimmed := strings.TrimSpace(name)
	for _, a := range knownAgents {
		if strings.EqualFold(string(a), trimmed) {
			return a
		}
	}
	return AgentType(trimmed)
}

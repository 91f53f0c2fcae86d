package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestModes_AllHaveAllowLists(t *testing.T) {
	modes := Modes()
	assert.Equal(t, []Mode{ModeStandardOrchestration, ModeInvestigation, ModeAdhocRunner, ModeTDDCycle}, modes)
	for _, m := range modes {
		assert.True(t, m.Valid())
		assert.NotEmpty(t, AllowedTargets(m), "mode %s", m)
	}
	assert.False(t, Mode("freeform").Valid())
	assert.Nil(t, AllowedTargets("freeform"))
}

func TestAllowedTargets_ReturnsCopy(t *testing.T) {
	targets := AllowedTargets(ModeTDDCycle)
	targets[0] = AgentArchitect

	assert.False(t, IsAllowed(ModeTDDCycle, AgentArchitect))
	assert.Equal(t, AgentTester, AllowedTargets(ModeTDDCycle)[0])
}

func TestIsAllowed(t *testing.T) {
	tests := []struct {
		mode   Mode
		target AgentType
		want   bool
	}{
		{ModeTDDCycle, AgentTester, true},
		{ModeTDDCycle, AgentRevisionist, true},
		{ModeTDDCycle, AgentArchitect, false},
		{ModeTDDCycle, AgentPromptAnalyst, false},
		{ModeStandardOrchestration, AgentArchitect, true},
		{ModeStandardOrchestration, AgentCoordinator, false},
		{ModeInvestigation, AgentResearcher, true},
		{ModeInvestigation, AgentRevisionist, false},
		{ModeAdhocRunner, AgentWorker, true},
		{ModeAdhocRunner, AgentArchitect, false},
		{Mode("unknown"), AgentTester, false},
	}

	for _, tt := range tests {
		if got := IsAllowed(tt.mode, tt.target); got != tt.want {
			t.Errorf("IsAllowed(%s, %s) = %v, want %v", tt.mode, tt.target, got, tt.want)
		}
	}
}

func TestCanonicalAgentType(t *testing.T) {
	assert.Equal(t, AgentPromptAnalyst, CanonicalAgentType(" promptanalyst "))
	assert.Equal(t, AgentTDDDriver, CanonicalAgentType("TDDDRIVER"))
	assert.Equal(t, AgentType("Custom"), CanonicalAgentType(" Custom"))
}

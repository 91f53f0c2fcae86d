package policy

import "strings"

// AliasResolution is the outcome of normalizing a legacy hub label plus an
// optional explicit mode.
type AliasResolution struct {
	ResolvedMode   Mode   `json:"resolved_mode"`
	RequestedLabel string `json:"requested_label,omitempty"`
	// LabelMatched is true when the mode came from the legacy label.
	LabelMatched bool `json:"label_matched"`
	// Defaulted is true when neither the label nor the explicit mode named a
	// known mode and DefaultMode was substituted.
	Defaulted bool `json:"defaulted"`
}

// legacyHubLabels maps the pre-mode hub agent names onto modes.
var legacyHubLabels = map[string]Mode{
	"coordinator": ModeStandardOrchestration,
	"hub":         ModeStandardOrchestration,
	"analyst":     ModeInvestigation,
	"runner":      ModeAdhocRunner,
	"tdddriver":   ModeTDDCycle,
	"tdd_driver":  ModeTDDCycle,
}

var modeAliases = map[string]Mode{
	"standard":      ModeStandardOrchestration,
	"orchestration": ModeStandardOrchestration,
	"investigate":   ModeInvestigation,
	"adhoc":         ModeAdhocRunner,
	"ad_hoc_runner": ModeAdhocRunner,
	"tdd":           ModeTDDCycle,
}

// normalizeToken lowercases and trims s and folds '-' and ' ' into '_'.
func normalizeToken(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "-", "_")
	return strings.ReplaceAll(s, " ", "_")
}

// ParseMode normalizes a mode string. ok is false when s does not name a
// known mode or alias.
func ParseMode(s string) (Mode, bool) {
	tok := normalizeToken(s)
	if tok == "" {
		return "", false
	}
	if m := Mode(tok); m.Valid() {
		return m, true
	}
	if m, ok := modeAliases[tok]; ok {
		return m, true
	}
	return "", false
}

// ResolveHubAlias resolves a legacy hub label and an optional explicit mode
// into a canonical mode. An explicit known mode wins over the label; if
// neither resolves, DefaultMode is used. It performs no I/O.
func ResolveHubAlias(legacyLabel, explicitMode string) AliasResolution {
	res := AliasResolution{RequestedLabel: strings.TrimSpace(legacyLabel)}

	if m, ok := ParseMode(explicitMode); ok {
		res.ResolvedMode = m
		return res
	}

	label := normalizeToken(legacyLabel)
	if m, ok := legacyHubLabels[label]; ok {
		res.ResolvedMode = m
		res.LabelMatched = true
		return res
	}
	// A label may itself be a mode name.
	if m, ok := ParseMode(label); ok {
		res.ResolvedMode = m
		res.LabelMatched = true
		return res
	}

	res.ResolvedMode = DefaultMode
	res.Defaulted = true
	return res
}

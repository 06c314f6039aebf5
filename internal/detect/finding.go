// Package detect runs signal detectors over reconstructed chains and emits
// findings for the classifier. Detectors are structural matchers over event
// windows; the only cross-run state is the repeat-fail streak store.
package detect

import (
	"sort"
)

// Severity levels, ordered critical > high > medium > low.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRanks = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// SeverityRank returns the sort weight of s, -1 for unknown values.
func SeverityRank(s Severity) int {
	if r, ok := severityRanks[s]; ok {
		return r
	}
	return -1
}

// Escalate raises a severity one step, saturating at critical.
func Escalate(s Severity) Severity {
	switch s {
	case SeverityLow:
		return SeverityMedium
	case SeverityMedium:
		return SeverityHigh
	case SeverityHigh, SeverityCritical:
		return SeverityCritical
	}
	return s
}

// Built-in signal kinds.
const (
	SignalErrorStreak    = "error-streak"
	SignalToolLoop       = "tool-loop"
	SignalRunFailure     = "run-failure"
	SignalSecretExposure = "secret-exposure"
	SignalToolFlail      = "tool-flail"
)

// Signal describes what a detector saw. StartIdx/EndIdx is the half-open
// event range within the chain so downstream code can slice context.
type Signal struct {
	Kind     string                 `json:"kind"`
	Severity Severity               `json:"severity"`
	Summary  string                 `json:"summary"`
	Evidence map[string]interface{} `json:"evidence,omitempty"`
	StartIdx int                    `json:"startIdx"`
	EndIdx   int                    `json:"endIdx"`
}

// Classification action types produced by the deep-analysis step.
const (
	ActionSoulRule         = "soul-rule"
	ActionGovernancePolicy = "governance-policy"
	ActionCortexPattern    = "cortex-pattern"
	ActionManualReview     = "manual-review"
)

// ValidActionType reports whether t is a known classification action.
func ValidActionType(t string) bool {
	switch t {
	case ActionSoulRule, ActionGovernancePolicy, ActionCortexPattern, ActionManualReview:
		return true
	}
	return false
}

// Classification is the LLM's assessment of a finding, nil until (and
// unless) deep analysis succeeds.
type Classification struct {
	RootCause  string  `json:"rootCause"`
	ActionType string  `json:"actionType"`
	ActionText string  `json:"actionText"`
	Confidence float64 `json:"confidence"`
}

// Finding is one detector hit, optionally classified.
type Finding struct {
	ID             string          `json:"id"`
	ChainID        string          `json:"chainId"`
	Agent          string          `json:"agent"`
	Session        string          `json:"session"`
	ChainStartTS   int64           `json:"chainStartTs"`
	Signal         Signal          `json:"signal"`
	Classification *Classification `json:"classification,omitempty"`
}

// SortAndTruncate orders findings by severity (highest first, earlier
// chains first on ties) and caps the list at max.
func SortAndTruncate(findings []Finding, max int) []Finding {
	sort.SliceStable(findings, func(i, j int) bool {
		ri, rj := SeverityRank(findings[i].Signal.Severity), SeverityRank(findings[j].Signal.Severity)
		if ri != rj {
			return ri > rj
		}
		return findings[i].ChainStartTS < findings[j].ChainStartTS
	})
	if max > 0 && len(findings) > max {
		findings = findings[:max]
	}
	return findings
}

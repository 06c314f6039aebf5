// Package policy compiles named rule sets into an indexed form and evaluates
// them against hook contexts. Decisions are deny-wins across every policy in
// scope; priority orders diagnostics only.
package policy

import "time"

// Effect is the outcome a matched rule contributes.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
	EffectAudit Effect = "audit"
)

// VerdictKind is the aggregated decision over all matched rules.
type VerdictKind string

const (
	VerdictAllow VerdictKind = "allow"
	VerdictDeny  VerdictKind = "deny"
	VerdictAudit VerdictKind = "audit"
)

// NoMatchReason is the canonical reason when no policy matched.
const NoMatchReason = "no matching policies"

// ConditionType discriminates the condition variant.
type ConditionType string

const (
	ConditionTool      ConditionType = "tool"
	ConditionTime      ConditionType = "time"
	ConditionAgent     ConditionType = "agent"
	ConditionContext   ConditionType = "context"
	ConditionRisk      ConditionType = "risk"
	ConditionFrequency ConditionType = "frequency"
	ConditionAnyOf     ConditionType = "anyOf"
	ConditionNot       ConditionType = "not"
)

// ParamPredicate tests one parameter (or metadata) value. Key "*" matches
// when any value satisfies the predicate. Exactly one of MatchesRegex,
// Contains, Equals should be set; an empty predicate is true.
type ParamPredicate struct {
	Key          string `json:"key"`
	MatchesRegex string `json:"matchesRegex,omitempty"`
	Contains     string `json:"contains,omitempty"`
	Equals       string `json:"equals,omitempty"`
}

// Condition is a closed tagged variant; the evaluator dispatches on Type and
// reads only the fields belonging to that variant.
type Condition struct {
	Type ConditionType `json:"type"`

	// tool
	ToolName      string           `json:"toolName,omitempty"`
	ToolNameRegex string           `json:"toolNameRegex,omitempty"`
	Params        []ParamPredicate `json:"params,omitempty"`

	// time; clock values are "HH:MM", the window wraps midnight when
	// after > before
	After  string   `json:"after,omitempty"`
	Before string   `json:"before,omitempty"`
	Days   []string `json:"days,omitempty"`

	// agent
	AgentID   string   `json:"agentId,omitempty"`
	TrustTier string   `json:"trustTier,omitempty"`
	MinScore  *float64 `json:"minScore,omitempty"`
	MaxScore  *float64 `json:"maxScore,omitempty"`

	// context
	Channel    string           `json:"channel,omitempty"`
	SessionKey string           `json:"sessionKey,omitempty"`
	Metadata   []ParamPredicate `json:"metadata,omitempty"`

	// risk
	MinRiskLevel string `json:"minRiskLevel,omitempty"`
	MaxRiskLevel string `json:"maxRiskLevel,omitempty"`

	// frequency
	MaxCount      int    `json:"maxCount,omitempty"`
	WindowSeconds int    `json:"windowSeconds,omitempty"`
	Scope         string `json:"scope,omitempty"`

	// composite
	AnyOf []Condition `json:"anyOf,omitempty"`
	Not   *Condition  `json:"not,omitempty"`
}

// Rule is an ordered condition list (implicit AND) with an effect. Trust-tier
// gates filter the rule before its conditions are evaluated.
type Rule struct {
	ID           string      `json:"id"`
	Conditions   []Condition `json:"conditions,omitempty"`
	MinTrustTier string      `json:"minTrustTier,omitempty"`
	MaxTrustTier string      `json:"maxTrustTier,omitempty"`
	Effect       Effect      `json:"effect"`
	Reason       string      `json:"reason,omitempty"`
	AuditLevel   string      `json:"auditLevel,omitempty"`
}

// Scope limits where a policy applies. Empty lists mean unrestricted; agent
// entries support globs and "*".
type Scope struct {
	Hooks         []string `json:"hooks,omitempty"`
	Agents        []string `json:"agents,omitempty"`
	ExcludeAgents []string `json:"excludeAgents,omitempty"`
	Channels      []string `json:"channels,omitempty"`
}

// Policy is a named, versioned rule set. The first rule whose conditions all
// hold is the policy's match; later rules are not consulted.
type Policy struct {
	ID       string   `json:"id"`
	Version  int      `json:"version"`
	Enabled  *bool    `json:"enabled,omitempty"`
	Priority int      `json:"priority,omitempty"`
	Controls []string `json:"controls,omitempty"`
	Scope    *Scope   `json:"scope,omitempty"`
	Rules    []Rule   `json:"rules"`
}

// IsEnabled treats a nil Enabled pointer as on.
func (p *Policy) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// Context is the snapshot a hook invocation is evaluated against. ParentID is
// set when the session resolves to a sub-agent; policies scoped to the parent
// then also apply.
type Context struct {
	Hook       string
	AgentID    string
	ParentID   string
	SessionKey string
	Channel    string
	ToolName   string
	Params     map[string]interface{}
	Content    string
	Target     string
	Metadata   map[string]interface{}

	TrustScore float64
	TrustTier  string
	RiskLevel  string

	// Now anchors time conditions; the zero value means wall clock.
	Now time.Time
}

// Match records one policy's matched rule.
type Match struct {
	PolicyID   string   `json:"policyId"`
	RuleID     string   `json:"ruleId"`
	Effect     Effect   `json:"effect"`
	Reason     string   `json:"reason,omitempty"`
	AuditLevel string   `json:"auditLevel,omitempty"`
	Controls   []string `json:"controls,omitempty"`
}

// Decision aggregates matches across all policies in scope.
type Decision struct {
	Allowed bool        `json:"allowed"`
	Verdict VerdictKind `json:"verdict"`
	Reason  string      `json:"reason"`
	Matches []Match     `json:"matches,omitempty"`
}

// FrequencyCounter live-counts recent actions for frequency conditions.
// Implemented by the risk tracker.
type FrequencyCounter interface {
	Count(windowSec int, scope, agentID, sessionKey string) int
}

var tierRank = map[string]int{
	"untrusted":  0,
	"restricted": 1,
	"standard":   2,
	"trusted":    3,
	"privileged": 4,
}

var riskRank = map[string]int{
	"low":      0,
	"medium":   1,
	"high":     2,
	"critical": 3,
}

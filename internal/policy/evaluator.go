package policy

import (
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Evaluator runs hook contexts against an Index. Evaluation is pure: no I/O,
// no blocking, every suspension point belongs to the caller.
type Evaluator struct {
	index   *Index
	counter FrequencyCounter
	logger  *zap.Logger
}

// NewEvaluator creates an evaluator over index. counter may be nil, in which
// case frequency conditions never fire.
func NewEvaluator(index *Index, counter FrequencyCounter, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{index: index, counter: counter, logger: logger}
}

// Evaluate resolves the effective policies for ctx and aggregates their
// matched rules. Deny wins across all policies; audit matches keep the call
// allowed but change the verdict kind; no matches allow with the canonical
// reason.
func (e *Evaluator) Evaluate(ctx Context) Decision {
	var matches []Match
	denyReason := ""
	sawAudit := false

	for _, p := range e.index.PoliciesForAgent(ctx.AgentID, ctx.ParentID) {
		if !e.inScope(p, ctx) {
			continue
		}
		rule, ok := e.firstMatchingRule(p, ctx)
		if !ok {
			continue
		}

		m := Match{
			PolicyID:   p.ID,
			RuleID:     rule.ID,
			Effect:     rule.Effect,
			Reason:     rule.Reason,
			AuditLevel: rule.AuditLevel,
			Controls:   p.Controls,
		}
		matches = append(matches, m)

		switch rule.Effect {
		case EffectDeny:
			if denyReason == "" {
				denyReason = rule.Reason
				if denyReason == "" {
					denyReason = fmt.Sprintf("denied by policy %s rule %s", p.ID, rule.ID)
				}
			}
		case EffectAudit:
			sawAudit = true
		}
	}

	switch {
	case denyReason != "":
		return Decision{Allowed: false, Verdict: VerdictDeny, Reason: denyReason, Matches: matches}
	case sawAudit:
		return Decision{Allowed: true, Verdict: VerdictAudit, Reason: firstAuditReason(matches), Matches: matches}
	case len(matches) > 0:
		return Decision{Allowed: true, Verdict: VerdictAllow, Reason: fmt.Sprintf("allowed by policy %s", matches[0].PolicyID), Matches: matches}
	default:
		return Decision{Allowed: true, Verdict: VerdictAllow, Reason: NoMatchReason}
	}
}

func firstAuditReason(matches []Match) string {
	for _, m := range matches {
		if m.Effect == EffectAudit {
			if m.Reason != "" {
				return m.Reason
			}
			return fmt.Sprintf("audit per policy %s", m.PolicyID)
		}
	}
	return "audit"
}

// inScope tests a policy's scope block against the context. Agent scope also
// admits the resolved parent so sub-agents inherit parent policies.
func (e *Evaluator) inScope(p *Policy, ctx Context) bool {
	if p.Scope == nil {
		return true
	}

	if len(p.Scope.Hooks) > 0 && !containsString(p.Scope.Hooks, ctx.Hook) {
		return false
	}

	if len(p.Scope.Agents) > 0 {
		ok := false
		for _, pattern := range p.Scope.Agents {
			if globMatch(pattern, ctx.AgentID) || (ctx.ParentID != "" && globMatch(pattern, ctx.ParentID)) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}

	for _, pattern := range p.Scope.ExcludeAgents {
		if globMatch(pattern, ctx.AgentID) {
			return false
		}
	}

	if len(p.Scope.Channels) > 0 && ctx.Channel != "" {
		ok := false
		for _, pattern := range p.Scope.Channels {
			if globMatch(pattern, ctx.Channel) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}

	return true
}

// firstMatchingRule walks rules in order and returns the first whose tier
// gates admit the context and whose conditions all hold.
func (e *Evaluator) firstMatchingRule(p *Policy, ctx Context) (*Rule, bool) {
	for i := range p.Rules {
		rule := &p.Rules[i]
		if !tierGateAdmits(rule, ctx.TrustTier) {
			continue
		}
		if e.allConditionsHold(rule.Conditions, ctx) {
			return rule, true
		}
	}
	return nil, false
}

func tierGateAdmits(rule *Rule, tier string) bool {
	rank, known := tierRank[tier]
	if rule.MinTrustTier != "" {
		min, ok := tierRank[rule.MinTrustTier]
		if !ok || !known || rank < min {
			return false
		}
	}
	if rule.MaxTrustTier != "" {
		max, ok := tierRank[rule.MaxTrustTier]
		if !ok || !known || rank > max {
			return false
		}
	}
	return true
}

func (e *Evaluator) allConditionsHold(conds []Condition, ctx Context) bool {
	for i := range conds {
		if !e.conditionHolds(&conds[i], ctx) {
			return false
		}
	}
	return true
}

// conditionHolds dispatches on the variant tag. Unknown tags evaluate false
// so a malformed condition can never widen a rule.
func (e *Evaluator) conditionHolds(c *Condition, ctx Context) bool {
	switch c.Type {
	case ConditionTool:
		return e.toolConditionHolds(c, ctx)
	case ConditionTime:
		return timeConditionHolds(c, evalNow(ctx))
	case ConditionAgent:
		return e.agentConditionHolds(c, ctx)
	case ConditionContext:
		return e.contextConditionHolds(c, ctx)
	case ConditionRisk:
		return riskConditionHolds(c, ctx.RiskLevel)
	case ConditionFrequency:
		if e.counter == nil || c.WindowSeconds <= 0 {
			return false
		}
		count := e.counter.Count(c.WindowSeconds, c.Scope, ctx.AgentID, ctx.SessionKey)
		return count >= c.MaxCount
	case ConditionAnyOf:
		for i := range c.AnyOf {
			if e.conditionHolds(&c.AnyOf[i], ctx) {
				return true
			}
		}
		return false
	case ConditionNot:
		return c.Not != nil && !e.conditionHolds(c.Not, ctx)
	default:
		e.logger.Debug("unknown condition type", zap.String("type", string(c.Type)))
		return false
	}
}

func (e *Evaluator) toolConditionHolds(c *Condition, ctx Context) bool {
	if c.ToolName != "" && !globMatch(c.ToolName, ctx.ToolName) {
		return false
	}
	if c.ToolNameRegex != "" {
		re, ok := e.index.regexFor(c.ToolNameRegex)
		if !ok || !re.MatchString(ctx.ToolName) {
			return false
		}
	}
	for i := range c.Params {
		if !e.predicateHolds(&c.Params[i], ctx.Params) {
			return false
		}
	}
	return true
}

func (e *Evaluator) agentConditionHolds(c *Condition, ctx Context) bool {
	if c.AgentID != "" && !globMatch(c.AgentID, ctx.AgentID) {
		return false
	}
	if c.TrustTier != "" && c.TrustTier != ctx.TrustTier {
		return false
	}
	if c.MinScore != nil && ctx.TrustScore < *c.MinScore {
		return false
	}
	if c.MaxScore != nil && ctx.TrustScore > *c.MaxScore {
		return false
	}
	return true
}

func (e *Evaluator) contextConditionHolds(c *Condition, ctx Context) bool {
	if c.Channel != "" && !globMatch(c.Channel, ctx.Channel) {
		return false
	}
	if c.SessionKey != "" && !globMatch(c.SessionKey, ctx.SessionKey) {
		return false
	}
	for i := range c.Metadata {
		if !e.predicateHolds(&c.Metadata[i], ctx.Metadata) {
			return false
		}
	}
	return true
}

func riskConditionHolds(c *Condition, level string) bool {
	rank, known := riskRank[level]
	if !known {
		return false
	}
	if c.MinRiskLevel != "" {
		min, ok := riskRank[c.MinRiskLevel]
		if !ok || rank < min {
			return false
		}
	}
	if c.MaxRiskLevel != "" {
		max, ok := riskRank[c.MaxRiskLevel]
		if !ok || rank > max {
			return false
		}
	}
	return true
}

// timeConditionHolds checks the clock window (wrapping midnight when
// after > before) and the optional day-of-week list.
func timeConditionHolds(c *Condition, now time.Time) bool {
	if len(c.Days) > 0 {
		day := strings.ToLower(now.Weekday().String()[:3])
		ok := false
		for _, d := range c.Days {
			if strings.HasPrefix(strings.ToLower(d), day) || strings.HasPrefix(day, strings.ToLower(d)) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}

	if c.After == "" && c.Before == "" {
		return true
	}

	minutes := now.Hour()*60 + now.Minute()
	after, okA := parseClock(c.After)
	before, okB := parseClock(c.Before)

	switch {
	case okA && okB:
		if after <= before {
			return minutes >= after && minutes < before
		}
		// Window wraps midnight, e.g. 23:00-08:00.
		return minutes >= after || minutes < before
	case okA:
		return minutes >= after
	case okB:
		return minutes < before
	default:
		return false
	}
}

// parseClock converts "HH:MM" to minutes since midnight.
func parseClock(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}

func (e *Evaluator) predicateHolds(pp *ParamPredicate, values map[string]interface{}) bool {
	if pp.MatchesRegex == "" && pp.Contains == "" && pp.Equals == "" {
		return true
	}
	if len(values) == 0 {
		return false
	}

	if pp.Key == "*" {
		for _, v := range values {
			if e.valueSatisfies(pp, stringifyValue(v)) {
				return true
			}
		}
		return false
	}

	v, ok := values[pp.Key]
	if !ok {
		return false
	}
	return e.valueSatisfies(pp, stringifyValue(v))
}

func (e *Evaluator) valueSatisfies(pp *ParamPredicate, s string) bool {
	if pp.MatchesRegex != "" {
		re, ok := e.index.regexFor(pp.MatchesRegex)
		if !ok || !re.MatchString(s) {
			return false
		}
	}
	if pp.Contains != "" && !strings.Contains(s, pp.Contains) {
		return false
	}
	if pp.Equals != "" && s != pp.Equals {
		return false
	}
	return true
}

// stringifyValue renders a parameter value for predicate matching. Nested
// containers are matched against their JSON form.
func stringifyValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64, bool, int, int64:
		return fmt.Sprintf("%v", val)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
}

func evalNow(ctx Context) time.Time {
	if ctx.Now.IsZero() {
		return time.Now()
	}
	return ctx.Now
}

// globMatch matches simple shell-style patterns; "*" matches anything.
func globMatch(pattern, s string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.ContainsAny(pattern, "*?[") {
		return pattern == s
	}
	ok, err := path.Match(pattern, s)
	return err == nil && ok
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

package policy

import (
	"fmt"
	"regexp"
	"sort"
	"sync"

	"go.uber.org/zap"
)

const maxRegexLen = 500

// nestedQuantifierRe is a heuristic for catastrophic-backtracking shapes like
// (a+)+ or (\w*)* in user-supplied rule regexes.
var nestedQuantifierRe = regexp.MustCompile(`\([^()]*[+*]\)\s*[+*{]`)

// Index holds policies pre-expanded into hook and agent lookup tables with a
// shared compiled-regex cache. Load replaces the whole set, so config reloads
// swap atomically.
type Index struct {
	logger *zap.Logger

	mu      sync.RWMutex
	byHook  map[string][]*Policy
	byAgent map[string][]*Policy
	all     []*Policy
	regexes map[string]*regexp.Regexp
}

// NewIndex creates an empty index.
func NewIndex(logger *zap.Logger) *Index {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Index{
		logger:  logger,
		byHook:  make(map[string][]*Policy),
		byAgent: make(map[string][]*Policy),
		regexes: make(map[string]*regexp.Regexp),
	}
}

// Load rebuilds the index from policies. Disabled policies are excluded;
// policies whose regexes fail validation are skipped with a warning so one
// bad pack entry cannot take the evaluator down.
func (ix *Index) Load(policies []Policy) {
	byHook := make(map[string][]*Policy)
	byAgent := make(map[string][]*Policy)
	regexes := make(map[string]*regexp.Regexp)
	var all []*Policy

	for i := range policies {
		p := policies[i]
		if !p.IsEnabled() {
			continue
		}
		if err := compilePolicyRegexes(&p, regexes); err != nil {
			ix.logger.Warn("policy skipped",
				zap.String("policy", p.ID),
				zap.Error(err))
			continue
		}

		stored := &p
		all = append(all, stored)

		hooks := []string{"*"}
		if p.Scope != nil && len(p.Scope.Hooks) > 0 {
			hooks = p.Scope.Hooks
		}
		for _, h := range hooks {
			byHook[h] = append(byHook[h], stored)
		}

		agents := []string{"*"}
		if p.Scope != nil && len(p.Scope.Agents) > 0 {
			agents = p.Scope.Agents
		}
		for _, a := range agents {
			byAgent[a] = append(byAgent[a], stored)
		}
	}

	ix.mu.Lock()
	ix.byHook = byHook
	ix.byAgent = byAgent
	ix.regexes = regexes
	ix.all = all
	ix.mu.Unlock()

	ix.logger.Debug("policy index loaded",
		zap.Int("policies", len(all)),
		zap.Int("regexes", len(regexes)))
}

// PoliciesForAgent resolves the effective set: own-agent plus global plus (one
// level of) parent-scoped policies, deduplicated, priority-descending.
func (ix *Index) PoliciesForAgent(agentID, parentID string) []*Policy {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	seen := make(map[string]bool)
	var out []*Policy
	add := func(list []*Policy) {
		for _, p := range list {
			if !seen[p.ID] {
				seen[p.ID] = true
				out = append(out, p)
			}
		}
	}

	add(ix.byAgent[agentID])
	add(ix.byAgent["*"])
	if parentID != "" && parentID != agentID {
		add(ix.byAgent[parentID])
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// PoliciesForHook returns the policies registered under hook plus the
// unrestricted set. Used for status reporting.
func (ix *Index) PoliciesForHook(hook string) []*Policy {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	seen := make(map[string]bool)
	var out []*Policy
	for _, p := range append(append([]*Policy{}, ix.byHook[hook]...), ix.byHook["*"]...) {
		if !seen[p.ID] {
			seen[p.ID] = true
			out = append(out, p)
		}
	}
	return out
}

// All returns every loaded policy.
func (ix *Index) All() []*Policy {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return append([]*Policy{}, ix.all...)
}

// Len reports the number of loaded (enabled, valid) policies.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.all)
}

// regexFor returns the compiled form of a pattern seen at load time.
func (ix *Index) regexFor(pattern string) (*regexp.Regexp, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	re, ok := ix.regexes[pattern]
	return re, ok
}

// compilePolicyRegexes walks every condition of p and compiles each regex into
// cache, validating as it goes.
func compilePolicyRegexes(p *Policy, cache map[string]*regexp.Regexp) error {
	for ri := range p.Rules {
		for ci := range p.Rules[ri].Conditions {
			if err := compileConditionRegexes(&p.Rules[ri].Conditions[ci], cache); err != nil {
				return fmt.Errorf("rule %s: %w", p.Rules[ri].ID, err)
			}
		}
	}
	return nil
}

func compileConditionRegexes(c *Condition, cache map[string]*regexp.Regexp) error {
	addPattern := func(pattern string) error {
		if pattern == "" {
			return nil
		}
		if _, ok := cache[pattern]; ok {
			return nil
		}
		re, err := validateRegex(pattern)
		if err != nil {
			return err
		}
		cache[pattern] = re
		return nil
	}

	if err := addPattern(c.ToolNameRegex); err != nil {
		return err
	}
	for _, pp := range append(append([]ParamPredicate{}, c.Params...), c.Metadata...) {
		if err := addPattern(pp.MatchesRegex); err != nil {
			return err
		}
	}
	for i := range c.AnyOf {
		if err := compileConditionRegexes(&c.AnyOf[i], cache); err != nil {
			return err
		}
	}
	if c.Not != nil {
		if err := compileConditionRegexes(c.Not, cache); err != nil {
			return err
		}
	}
	return nil
}

// validateRegex compiles a rule pattern, rejecting oversized expressions and
// nested-quantifier shapes.
func validateRegex(pattern string) (*regexp.Regexp, error) {
	if len(pattern) > maxRegexLen {
		return nil, fmt.Errorf("regex longer than %d chars", maxRegexLen)
	}
	if nestedQuantifierRe.MatchString(pattern) {
		return nil, fmt.Errorf("regex %q has nested quantifiers", pattern)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to compile regex %q: %w", pattern, err)
	}
	return re, nil
}

package outputcheck

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Outcome of checking one claim against the registry.
type Outcome string

const (
	OutcomeVerified     Outcome = "verified"
	OutcomeContradicted Outcome = "contradicted"
	OutcomeUnverified   Outcome = "unverified"
)

// Action is the validator's verdict for a piece of output.
type Action string

const (
	ActionPass  Action = "pass"
	ActionFlag  Action = "flag"
	ActionBlock Action = "block"
)

// Policies applied to unverified claims.
const (
	PolicyIgnore = "ignore"
	PolicyFlag   = "flag"
	PolicyBlock  = "block"
)

const (
	// DefaultFlagAbove: contradictions from agents at or above this trust
	// score pass with a note instead of being flagged.
	DefaultFlagAbove = 60.0

	// DefaultBlockBelow: contradictions from agents below this trust score
	// are blocked outright.
	DefaultBlockBelow = 40.0
)

// CheckedClaim pairs a claim with its registry outcome.
type CheckedClaim struct {
	Claim
	Outcome  Outcome `json:"outcome"`
	Expected string  `json:"expected,omitempty"`
}

// Result is a full validation verdict.
type Result struct {
	Action Action         `json:"action"`
	Claims []CheckedClaim `json:"claims,omitempty"`
	Notes  []string       `json:"notes,omitempty"`
}

// Config tunes the verdict stage.
type Config struct {
	FlagAbove             float64 `json:"flagAbove" mapstructure:"flag_above"`
	BlockBelow            float64 `json:"blockBelow" mapstructure:"block_below"`
	UnverifiedClaimPolicy string  `json:"unverifiedClaimPolicy" mapstructure:"unverified_claim_policy"`
	SelfReferentialPolicy string  `json:"selfReferentialPolicy" mapstructure:"self_referential_policy"`
}

// DefaultConfig returns the standard validator thresholds.
func DefaultConfig() Config {
	return Config{
		FlagAbove:             DefaultFlagAbove,
		BlockBelow:            DefaultBlockBelow,
		UnverifiedClaimPolicy: PolicyIgnore,
		SelfReferentialPolicy: PolicyIgnore,
	}
}

func (c Config) normalized() Config {
	if c.FlagAbove <= 0 {
		c.FlagAbove = DefaultFlagAbove
	}
	if c.BlockBelow <= 0 {
		c.BlockBelow = DefaultBlockBelow
	}
	if !validPolicy(c.UnverifiedClaimPolicy) {
		c.UnverifiedClaimPolicy = PolicyIgnore
	}
	if !validPolicy(c.SelfReferentialPolicy) {
		c.SelfReferentialPolicy = PolicyIgnore
	}
	return c
}

func validPolicy(p string) bool {
	return p == PolicyIgnore || p == PolicyFlag || p == PolicyBlock
}

// Validator runs the detect / fact-check / verdict pipeline.
type Validator struct {
	cfg    Config
	reg    *Registry
	logger *zap.Logger
}

// NewValidator creates a validator over reg. A nil registry is treated as
// empty; every claim then comes back unverified.
func NewValidator(cfg Config, reg *Registry, logger *zap.Logger) *Validator {
	if reg == nil {
		reg = NewRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{cfg: cfg.normalized(), reg: reg, logger: logger}
}

// Registry exposes the validator's fact registry for sync operations.
func (v *Validator) Registry() *Registry {
	return v.reg
}

// Validate checks text produced by an agent with the given trust score.
// Contradictions dominate the verdict; unverified claims are handled per
// the configured policies.
func (v *Validator) Validate(text string, trustScore float64) Result {
	claims := DetectClaims(text)
	if len(claims) == 0 {
		return Result{Action: ActionPass}
	}

	checked := make([]CheckedClaim, 0, len(claims))
	contradicted := 0
	for _, c := range claims {
		cc := v.check(c)
		if cc.Outcome == OutcomeContradicted {
			contradicted++
		}
		checked = append(checked, cc)
	}

	res := Result{Action: ActionPass, Claims: checked}
	if contradicted > 0 {
		for _, cc := range checked {
			if cc.Outcome == OutcomeContradicted {
				res.Notes = append(res.Notes,
					fmt.Sprintf("claim %q contradicts known value %q", cc.Source, cc.Expected))
			}
		}
		switch {
		case trustScore >= v.cfg.FlagAbove:
			res.Notes = append(res.Notes,
				fmt.Sprintf("passing %d contradicted claim(s) at trust %.0f", contradicted, trustScore))
		case trustScore < v.cfg.BlockBelow:
			res.Action = ActionBlock
		default:
			res.Action = ActionFlag
		}
		if res.Action != ActionPass {
			v.logger.Debug("output contradiction",
				zap.String("action", string(res.Action)),
				zap.Int("contradicted", contradicted),
				zap.Float64("trust", trustScore))
		}
		return res
	}

	for _, cc := range checked {
		if cc.Outcome != OutcomeUnverified {
			continue
		}
		policy := v.cfg.UnverifiedClaimPolicy
		if cc.Type == ClaimSelfReferential {
			policy = v.cfg.SelfReferentialPolicy
		}
		switch policy {
		case PolicyBlock:
			res.Action = ActionBlock
			res.Notes = append(res.Notes, fmt.Sprintf("unverified claim %q", cc.Source))
		case PolicyFlag:
			if res.Action != ActionBlock {
				res.Action = ActionFlag
			}
			res.Notes = append(res.Notes, fmt.Sprintf("unverified claim %q", cc.Source))
		}
	}
	return res
}

// check resolves one claim: exact subject|predicate lookup first, then a
// subject-only fallback, with self-referential claims also probing "self".
func (v *Validator) check(c Claim) CheckedClaim {
	cc := CheckedClaim{Claim: c, Outcome: OutcomeUnverified}

	subjects := []string{c.Subject}
	if c.Type == ClaimSelfReferential {
		subjects = append(subjects, "self")
	}

	for _, subject := range subjects {
		if expected, ok := v.reg.lookup(subject, c.Predicate); ok {
			if valuesMatch(c, expected) {
				cc.Outcome = OutcomeVerified
			} else {
				cc.Outcome = OutcomeContradicted
				cc.Expected = expected
			}
			return cc
		}
	}

	for _, subject := range subjects {
		for _, val := range v.reg.subjectValues(subject) {
			if valuesMatch(c, val) {
				cc.Outcome = OutcomeVerified
				return cc
			}
		}
	}
	return cc
}

// valuesMatch compares a claimed value against a known one after
// normalization, with a numeric fallback for operational-status claims.
func valuesMatch(c Claim, expected string) bool {
	if normalizeValue(c.Value) == normalizeValue(expected) {
		return true
	}
	if c.Type == ClaimOperationalStat || c.Type == ClaimSelfReferential {
		a, aok := leadingNumber(canonical(c.Value))
		b, bok := leadingNumber(canonical(expected))
		if aok && bok {
			return math.Abs(a-b) < 1e-9
		}
	}
	return false
}

func canonical(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Trim(s, `.,;:!?"'`)
}

func normalizeValue(s string) string {
	s = canonical(s)
	switch s {
	case "yes", "1":
		return "true"
	case "no", "0":
		return "false"
	}
	return s
}

var leadingNumberRe = regexp.MustCompile(`^-?[\d,]+(?:\.\d+)?`)

func leadingNumber(s string) (float64, bool) {
	m := leadingNumberRe.FindString(s)
	if m == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.ReplaceAll(m, ",", ""), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

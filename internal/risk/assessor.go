// Package risk scores hook contexts with a weighted factor model and keeps a
// ring buffer of recent actions for frequency queries.
package risk

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Factor weights. The five weights sum to 100 so the score needs no
// normalization.
const (
	weightToolSensitivity = 30.0
	weightTimeOfDay       = 15.0
	weightTrustDeficit    = 20.0
	weightFrequency       = 15.0
	weightTargetScope     = 20.0

	// frequencySaturation is the recent-action count at which the
	// frequency factor reaches full weight.
	frequencySaturation = 20

	// frequencyWindowSec is the lookback for the frequency factor.
	frequencyWindowSec = 60
)

// Levels, ordered.
const (
	LevelLow      = "low"
	LevelMedium   = "medium"
	LevelHigh     = "high"
	LevelCritical = "critical"
)

// Factor is one scored component of an assessment.
type Factor struct {
	Name        string  `json:"name"`
	Weight      float64 `json:"weight"`
	Value       float64 `json:"value"`
	Description string  `json:"description"`
}

// Assessment is the result of scoring one context.
type Assessment struct {
	Score   float64  `json:"score"`
	Level   string   `json:"level"`
	Factors []Factor `json:"factors"`
}

// Input is the slice of a hook context the assessor reads.
type Input struct {
	ToolName      string
	AgentID       string
	SessionKey    string
	TrustScore    float64
	MessageTarget string
	Host          string

	// Now anchors the time-of-day factor; zero means wall clock.
	Now time.Time
}

// Config tunes the assessor.
type Config struct {
	// ToolSensitivity overrides or extends the built-in table
	// (values 0..30).
	ToolSensitivity map[string]float64 `json:"toolSensitivity,omitempty"`

	// SandboxHosts extends the hosts considered internal.
	SandboxHosts []string `json:"sandboxHosts,omitempty"`
}

// builtinSensitivity maps tool-name fragments to sensitivity values. Lookup
// is exact first, then by fragment; unknown tools score the full weight.
var builtinSensitivity = map[string]float64{
	"read":   5,
	"list":   5,
	"search": 5,
	"fetch":  10,
	"query":  10,
	"write":  20,
	"edit":   20,
	"patch":  20,
	"exec":   30,
	"shell":  30,
	"delete": 30,
	"deploy": 30,
	"spawn":  25,
}

var sandboxHosts = map[string]bool{
	"":          true,
	"localhost": true,
	"127.0.0.1": true,
	"::1":       true,
	"0.0.0.0":   true,
	"sandbox":   true,
}

// Assessor computes weighted risk scores. It is stateless apart from the
// tracker it reads frequencies from.
type Assessor struct {
	cfg     Config
	tracker *Tracker
	logger  *zap.Logger
}

// NewAssessor creates an assessor. tracker may be nil; the frequency factor
// then scores zero.
func NewAssessor(cfg Config, tracker *Tracker, logger *zap.Logger) *Assessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assessor{cfg: cfg, tracker: tracker, logger: logger}
}

// Assess scores in against the five built-in factors. The total is clamped
// to 0..100 and mapped to a level by quartile.
func (a *Assessor) Assess(in Input) Assessment {
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}

	factors := []Factor{
		a.toolSensitivityFactor(in.ToolName),
		timeOfDayFactor(now),
		trustDeficitFactor(in.TrustScore),
		a.frequencyFactor(in),
		a.targetScopeFactor(in),
	}

	total := 0.0
	for _, f := range factors {
		total += f.Value
	}
	total = clamp(total, 0, 100)

	return Assessment{
		Score:   total,
		Level:   LevelFor(total),
		Factors: factors,
	}
}

// LevelFor maps a 0..100 score to its quartile level.
func LevelFor(score float64) string {
	switch {
	case score <= 25:
		return LevelLow
	case score <= 50:
		return LevelMedium
	case score <= 75:
		return LevelHigh
	default:
		return LevelCritical
	}
}

// LevelRank orders levels for comparisons; unknown levels rank lowest.
func LevelRank(level string) int {
	switch level {
	case LevelLow:
		return 0
	case LevelMedium:
		return 1
	case LevelHigh:
		return 2
	case LevelCritical:
		return 3
	default:
		return -1
	}
}

func (a *Assessor) toolSensitivityFactor(tool string) Factor {
	value := a.toolSensitivity(tool)
	return Factor{
		Name:        "tool-sensitivity",
		Weight:      weightToolSensitivity,
		Value:       clamp(value, 0, weightToolSensitivity),
		Description: fmt.Sprintf("sensitivity of tool %q", tool),
	}
}

func (a *Assessor) toolSensitivity(tool string) float64 {
	if tool == "" {
		return 0
	}
	lower := strings.ToLower(tool)

	if v, ok := a.cfg.ToolSensitivity[lower]; ok {
		return v
	}
	if v, ok := builtinSensitivity[lower]; ok {
		return v
	}
	for fragment, v := range a.cfg.ToolSensitivity {
		if strings.Contains(lower, fragment) {
			return v
		}
	}
	best := -1.0
	for fragment, v := range builtinSensitivity {
		if strings.Contains(lower, fragment) && v > best {
			best = v
		}
	}
	if best >= 0 {
		return best
	}
	// Unknown tools are treated as fully sensitive.
	return weightToolSensitivity
}

func timeOfDayFactor(now time.Time) Factor {
	hour := now.Hour()
	offHours := hour < 8 || hour >= 23
	value := 0.0
	desc := "within working hours"
	if offHours {
		value = weightTimeOfDay
		desc = fmt.Sprintf("off-hours activity at %02d:%02d", hour, now.Minute())
	}
	return Factor{Name: "time-of-day", Weight: weightTimeOfDay, Value: value, Description: desc}
}

func trustDeficitFactor(score float64) Factor {
	score = clamp(score, 0, 100)
	value := (100 - score) / 100 * weightTrustDeficit
	return Factor{
		Name:        "trust-deficit",
		Weight:      weightTrustDeficit,
		Value:       value,
		Description: fmt.Sprintf("agent trust score %.0f", score),
	}
}

func (a *Assessor) frequencyFactor(in Input) Factor {
	recent := 0
	if a.tracker != nil {
		recent = a.tracker.Count(frequencyWindowSec, ScopeAgent, in.AgentID, in.SessionKey)
	}
	capped := recent
	if capped > frequencySaturation {
		capped = frequencySaturation
	}
	value := float64(capped) / frequencySaturation * weightFrequency
	return Factor{
		Name:        "frequency",
		Weight:      weightFrequency,
		Value:       value,
		Description: fmt.Sprintf("%d actions in the last %ds", recent, frequencyWindowSec),
	}
}

func (a *Assessor) targetScopeFactor(in Input) Factor {
	external := in.MessageTarget != "" || !a.isSandboxHost(in.Host)
	value := 0.0
	desc := "sandbox-scoped"
	if external {
		value = weightTargetScope
		desc = "targets an external recipient or host"
	}
	return Factor{Name: "target-scope", Weight: weightTargetScope, Value: value, Description: desc}
}

func (a *Assessor) isSandboxHost(host string) bool {
	lower := strings.ToLower(strings.TrimSpace(host))
	if sandboxHosts[lower] {
		return true
	}
	for _, h := range a.cfg.SandboxHosts {
		if strings.EqualFold(h, lower) {
			return true
		}
	}
	return false
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

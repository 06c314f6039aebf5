package detect

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openclaw-oversight/oversight-go/internal/chain"
	"github.com/openclaw-oversight/oversight-go/internal/event"
	"github.com/openclaw-oversight/oversight-go/internal/redact"
)

const (
	DefaultMaxFindings          = 20
	DefaultErrorStreakThreshold = 3
	DefaultToolLoopThreshold    = 5
	DefaultToolLoopWindowMin    = 10
	DefaultToolFlailThreshold   = 10
)

// ToggleConfig enables or disables a detector. Nil means enabled.
type ToggleConfig struct {
	Enabled *bool `json:"enabled,omitempty" mapstructure:"enabled"`
}

// ErrorStreakConfig parameterizes the error-streak detector.
type ErrorStreakConfig struct {
	Enabled   *bool `json:"enabled,omitempty" mapstructure:"enabled"`
	Threshold int   `json:"threshold,omitempty" mapstructure:"threshold"`
}

// ToolLoopConfig parameterizes the tool-loop detector.
type ToolLoopConfig struct {
	Enabled   *bool `json:"enabled,omitempty" mapstructure:"enabled"`
	Threshold int   `json:"threshold,omitempty" mapstructure:"threshold"`
	WindowMin int   `json:"windowMin,omitempty" mapstructure:"window_min"`
}

// ToolFlailConfig parameterizes the tool-flail detector.
type ToolFlailConfig struct {
	Enabled   *bool `json:"enabled,omitempty" mapstructure:"enabled"`
	Threshold int   `json:"threshold,omitempty" mapstructure:"threshold"`
}

// Config selects and parameterizes the detectors.
type Config struct {
	MaxFindings    int               `json:"maxFindings,omitempty" mapstructure:"max_findings"`
	ErrorStreak    ErrorStreakConfig `json:"errorStreak,omitempty" mapstructure:"error_streak"`
	ToolLoop       ToolLoopConfig    `json:"toolLoop,omitempty" mapstructure:"tool_loop"`
	RunFailure     ToggleConfig      `json:"runFailure,omitempty" mapstructure:"run_failure"`
	SecretExposure ToggleConfig      `json:"secretExposure,omitempty" mapstructure:"secret_exposure"`
	ToolFlail      ToolFlailConfig   `json:"toolFlail,omitempty" mapstructure:"tool_flail"`
}

// DefaultConfig returns the standard detector parameters.
func DefaultConfig() Config {
	return Config{
		MaxFindings: DefaultMaxFindings,
		ErrorStreak: ErrorStreakConfig{Threshold: DefaultErrorStreakThreshold},
		ToolLoop:    ToolLoopConfig{Threshold: DefaultToolLoopThreshold, WindowMin: DefaultToolLoopWindowMin},
		ToolFlail:   ToolFlailConfig{Threshold: DefaultToolFlailThreshold},
	}
}

func (c Config) normalized() Config {
	if c.MaxFindings <= 0 {
		c.MaxFindings = DefaultMaxFindings
	}
	if c.ErrorStreak.Threshold <= 0 {
		c.ErrorStreak.Threshold = DefaultErrorStreakThreshold
	}
	if c.ToolLoop.Threshold <= 0 {
		c.ToolLoop.Threshold = DefaultToolLoopThreshold
	}
	if c.ToolLoop.WindowMin <= 0 {
		c.ToolLoop.WindowMin = DefaultToolLoopWindowMin
	}
	if c.ToolFlail.Threshold <= 0 {
		c.ToolFlail.Threshold = DefaultToolFlailThreshold
	}
	return c
}

// Engine runs the configured detectors over chains.
type Engine struct {
	cfg      Config
	streaks  *StreakStore
	redactor *redact.Redactor
	logger   *zap.Logger
}

// NewEngine creates a detector engine. streaks may be nil, disabling
// cross-run streak continuation; a nil redactor gets the full builtin
// pattern catalogue for secret detection.
func NewEngine(cfg Config, streaks *StreakStore, redactor *redact.Redactor, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if redactor == nil {
		redactor = redact.New(redact.Config{}, logger)
	}
	return &Engine{cfg: cfg.normalized(), streaks: streaks, redactor: redactor, logger: logger}
}

// Detect runs all enabled detectors over chains and returns findings
// sorted by severity and truncated to the configured maximum.
func (e *Engine) Detect(chains []chain.Chain) []Finding {
	var findings []Finding
	for _, c := range chains {
		if len(c.Events) == 0 {
			continue
		}
		if isEnabled(e.cfg.ErrorStreak.Enabled) {
			findings = append(findings, e.detectErrorStreaks(c)...)
		}
		if isEnabled(e.cfg.ToolLoop.Enabled) {
			findings = append(findings, e.detectToolLoops(c)...)
		}
		if isEnabled(e.cfg.RunFailure.Enabled) {
			findings = append(findings, e.detectRunFailures(c)...)
		}
		if isEnabled(e.cfg.SecretExposure.Enabled) {
			findings = append(findings, e.detectSecretExposure(c)...)
		}
		if isEnabled(e.cfg.ToolFlail.Enabled) {
			findings = append(findings, e.detectToolFlail(c)...)
		}
	}
	findings = SortAndTruncate(findings, e.cfg.MaxFindings)
	e.logger.Debug("signal detection complete",
		zap.Int("chains", len(chains)),
		zap.Int("findings", len(findings)))
	return findings
}

func isEnabled(b *bool) bool {
	return b == nil || *b
}

type resultRef struct {
	idx   int
	isErr bool
}

// detectErrorStreaks finds runs of consecutive failures of one tool. A
// streak that opens the chain and continues a persisted streak from an
// earlier run is escalated one severity step, and the persisted count
// contributes to the threshold.
func (e *Engine) detectErrorStreaks(c chain.Chain) []Finding {
	threshold := e.cfg.ErrorStreak.Threshold

	results := make(map[string][]resultRef)
	for i, ev := range c.Events {
		if ev.Kind != event.KindToolResult {
			continue
		}
		tool := ev.Payload.Tool
		if tool == "" {
			tool = "unknown"
		}
		results[tool] = append(results[tool], resultRef{idx: i, isErr: ev.Payload.ToolError != ""})
	}

	tools := make([]string, 0, len(results))
	for tool := range results {
		tools = append(tools, tool)
	}
	sort.Strings(tools)

	var findings []Finding
	for _, tool := range tools {
		refs := results[tool]

		prior := 0
		if refs[0].isErr && e.streaks != nil {
			prior = e.streaks.Streak(c.Agent, tool)
		}

		runStart := -1
		runCount := 0
		lastCount := 0
		for i, ref := range refs {
			if ref.isErr {
				if runCount == 0 {
					runStart = i
				}
				runCount++
			}
			atEnd := i == len(refs)-1
			if runCount > 0 && (!ref.isErr || atEnd) {
				total := runCount
				continued := runStart == 0 && prior > 0
				if continued {
					total += prior
				}
				if total >= threshold {
					findings = append(findings, e.streakFinding(c, tool, refs, runStart, runCount, total, continued))
				}
				if ref.isErr && atEnd {
					lastCount = total
				}
				runCount = 0
			}
		}

		if e.streaks != nil {
			var err error
			if lastCount > 0 {
				err = e.streaks.SetStreak(c.Agent, tool, lastCount)
			} else {
				err = e.streaks.Reset(c.Agent, tool)
			}
			if err != nil {
				e.logger.Warn("failed to persist failure streak",
					zap.String("agent", c.Agent),
					zap.String("tool", tool),
					zap.Error(err))
			}
		}
	}
	return findings
}

func (e *Engine) streakFinding(c chain.Chain, tool string, refs []resultRef, runStart, runCount, total int, continued bool) Finding {
	severity := SeverityHigh
	summary := fmt.Sprintf("tool %q failed %d times consecutively", tool, total)
	evidence := map[string]interface{}{"tool": tool, "count": total}
	if continued {
		severity = Escalate(severity)
		summary += " (continuing a streak from an earlier run)"
		evidence["priorStreak"] = total - runCount
	}
	return e.finding(c, Signal{
		Kind:     SignalErrorStreak,
		Severity: severity,
		Summary:  summary,
		Evidence: evidence,
		StartIdx: refs[runStart].idx,
		EndIdx:   refs[runStart+runCount-1].idx + 1,
	})
}

type callRef struct {
	idx int
	ts  int64
}

// detectToolLoops finds the same tool invoked with identical params at
// least N times inside the window. One finding per distinct call shape.
func (e *Engine) detectToolLoops(c chain.Chain) []Finding {
	threshold := e.cfg.ToolLoop.Threshold
	windowMs := int64(e.cfg.ToolLoop.WindowMin) * 60_000

	calls := make(map[string][]callRef)
	tools := make(map[string]string)
	for i, ev := range c.Events {
		if ev.Kind != event.KindToolCall {
			continue
		}
		key := ev.Payload.Tool + "|" + strconv.FormatUint(paramsFingerprint(ev.Payload.Params), 16)
		calls[key] = append(calls[key], callRef{idx: i, ts: ev.TS})
		tools[key] = ev.Payload.Tool
	}

	keys := make([]string, 0, len(calls))
	for key := range calls {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var findings []Finding
	for _, key := range keys {
		refs := calls[key]
		lo := 0
		for hi := range refs {
			for refs[hi].ts-refs[lo].ts > windowMs {
				lo++
			}
			if hi-lo+1 >= threshold {
				count := hi - lo + 1
				findings = append(findings, e.finding(c, Signal{
					Kind:     SignalToolLoop,
					Severity: SeverityMedium,
					Summary:  fmt.Sprintf("tool %q called %d times with identical arguments within %d minutes", tools[key], count, e.cfg.ToolLoop.WindowMin),
					Evidence: map[string]interface{}{"tool": tools[key], "count": count, "windowMinutes": e.cfg.ToolLoop.WindowMin},
					StartIdx: refs[lo].idx,
					EndIdx:   refs[hi].idx + 1,
				}))
				break
			}
		}
	}
	return findings
}

// detectRunFailures flags run-error events and run-end events that carry
// an error status.
func (e *Engine) detectRunFailures(c chain.Chain) []Finding {
	var findings []Finding
	for i, ev := range c.Events {
		var summary string
		switch ev.Kind {
		case event.KindRunError:
			summary = "run aborted with an error"
			if ev.Payload.Reason != "" {
				summary = fmt.Sprintf("run aborted: %s", ev.Payload.Reason)
			}
		case event.KindRunEnd:
			switch ev.Payload.Status {
			case "error", "failed", "failure":
				summary = fmt.Sprintf("run ended with status %q", ev.Payload.Status)
			default:
				continue
			}
		default:
			continue
		}
		findings = append(findings, e.finding(c, Signal{
			Kind:     SignalRunFailure,
			Severity: SeverityHigh,
			Summary:  summary,
			Evidence: map[string]interface{}{"status": ev.Payload.Status, "reason": ev.Payload.Reason},
			StartIdx: i,
			EndIdx:   i + 1,
		}))
	}
	return findings
}

// detectSecretExposure flags outbound messages and tool results whose
// content matches a credential pattern.
func (e *Engine) detectSecretExposure(c chain.Chain) []Finding {
	var findings []Finding
	for i, ev := range c.Events {
		var content, where string
		switch ev.Kind {
		case event.KindMessageOut:
			content = ev.Payload.Content
			where = "outbound message"
		case event.KindToolResult:
			content = resultText(ev.Payload.Result)
			where = "tool result"
		default:
			continue
		}
		if content == "" || !e.redactor.HasCredential(content) {
			continue
		}
		evidence := map[string]interface{}{"kind": string(ev.Kind)}
		if ev.Payload.Tool != "" {
			evidence["tool"] = ev.Payload.Tool
		}
		findings = append(findings, e.finding(c, Signal{
			Kind:     SignalSecretExposure,
			Severity: SeverityCritical,
			Summary:  fmt.Sprintf("credential material detected in %s", where),
			Evidence: evidence,
			StartIdx: i,
			EndIdx:   i + 1,
		}))
	}
	return findings
}

// detectToolFlail flags long runs of tool calls with no outbound message
// in between.
func (e *Engine) detectToolFlail(c chain.Chain) []Finding {
	threshold := e.cfg.ToolFlail.Threshold

	var findings []Finding
	runStart := -1
	count := 0
	emit := func(endIdx int) {
		findings = append(findings, e.finding(c, Signal{
			Kind:     SignalToolFlail,
			Severity: SeverityMedium,
			Summary:  fmt.Sprintf("%d tool calls without a message to the user", count),
			Evidence: map[string]interface{}{"count": count},
			StartIdx: runStart,
			EndIdx:   endIdx,
		}))
	}

	for i, ev := range c.Events {
		switch ev.Kind {
		case event.KindToolCall:
			if count == 0 {
				runStart = i
			}
			count++
		case event.KindMessageOut:
			if count >= threshold {
				emit(i)
			}
			count = 0
		}
	}
	if count >= threshold {
		emit(len(c.Events))
	}
	return findings
}

func (e *Engine) finding(c chain.Chain, sig Signal) Finding {
	return Finding{
		ID:           uuid.NewString(),
		ChainID:      c.ID,
		Agent:        c.Agent,
		Session:      c.Session,
		ChainStartTS: c.StartTS,
		Signal:       sig,
	}
}

func paramsFingerprint(params map[string]interface{}) uint64 {
	if len(params) == 0 {
		return 0
	}
	data, err := json.Marshal(params)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	h.Write(data)
	return h.Sum64()
}

// resultText renders a tool result as scannable text.
func resultText(result interface{}) string {
	switch v := result.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

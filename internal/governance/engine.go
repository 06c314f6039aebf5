// Package governance is the hot-path policy plugin: every tool call and
// outbound message is scored, evaluated against the policy index, and
// journaled before the runtime proceeds. Evaluation is synchronous on the
// hook thread; only audit flushing, trust persistence, and vault eviction
// run in the background.
package governance

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/openclaw-oversight/oversight-go/internal/audit"
	"github.com/openclaw-oversight/oversight-go/internal/outputcheck"
	"github.com/openclaw-oversight/oversight-go/internal/plugin"
	"github.com/openclaw-oversight/oversight-go/internal/policy"
	"github.com/openclaw-oversight/oversight-go/internal/redact"
	"github.com/openclaw-oversight/oversight-go/internal/risk"
	"github.com/openclaw-oversight/oversight-go/internal/trust"
)

const (
	// DefaultMaxEvalUs is the soft evaluation budget per hook.
	DefaultMaxEvalUs = 5000

	// spawnToolName is the tool call that registers a sub-agent session.
	spawnToolName = "sessions_spawn"
)

// OutputConfig wires the output validator onto the message hooks.
type OutputConfig struct {
	Enabled   bool               `json:"enabled,omitempty" mapstructure:"enabled"`
	Validator outputcheck.Config `json:"validator,omitempty" mapstructure:"validator"`
}

// Config tunes the governance plugin.
type Config struct {
	// FailOpen picks the fallback verdict when evaluation itself fails;
	// nil means fail-open (allow).
	FailOpen *bool `json:"failOpen,omitempty" mapstructure:"fail_open"`

	// Learning gates all trust movement: violations on deny, outcome
	// recording on after_tool_call. nil means on.
	Learning *bool `json:"learning,omitempty" mapstructure:"learning"`

	MaxEvalUs int64 `json:"maxEvalUs,omitempty" mapstructure:"max_eval_us"`

	// PolicyDir is scanned for policy JSON/YAML files; Policies come
	// straight from plugin config. Both merge over the built-ins.
	PolicyDir string          `json:"policyDir,omitempty" mapstructure:"policy_dir"`
	Policies  []policy.Policy `json:"policies,omitempty" mapstructure:"policies"`

	AuditRetentionDays int `json:"auditRetentionDays,omitempty" mapstructure:"audit_retention_days"`

	VaultTTLSeconds int `json:"vaultTtlSeconds,omitempty" mapstructure:"vault_ttl_seconds"`

	Trust     trust.Config  `json:"trust,omitempty" mapstructure:"trust"`
	Risk      risk.Config   `json:"risk,omitempty" mapstructure:"risk"`
	Redaction redact.Config `json:"redaction,omitempty" mapstructure:"redaction"`
	Output    OutputConfig  `json:"output,omitempty" mapstructure:"output"`
}

// DefaultConfig returns the stock governance tuning.
func DefaultConfig() Config {
	return Config{
		MaxEvalUs: DefaultMaxEvalUs,
		Trust:     trust.DefaultConfig(),
		Output:    OutputConfig{Validator: outputcheck.DefaultConfig()},
	}
}

func (c Config) normalized() Config {
	if c.MaxEvalUs <= 0 {
		c.MaxEvalUs = DefaultMaxEvalUs
	}
	return c
}

func (c Config) failOpen() bool {
	return c.FailOpen == nil || *c.FailOpen
}

func (c Config) learning() bool {
	return c.Learning == nil || *c.Learning
}

// Engine glues the policy index, risk assessor, trust manager, audit
// journal, output validator, and redaction vault into the per-hook pipeline.
type Engine struct {
	cfg    Config
	logger *zap.Logger

	arena     *Arena
	tracker   *risk.Tracker
	assessor  *risk.Assessor
	index     *policy.Index
	trust     *trust.Manager
	journal   *audit.Journal
	validator *outputcheck.Validator
	redactor  *redact.Redactor
	vault     *redact.Vault

	// decide runs the indexed policies for a context; the seam exists so
	// failure handling can be exercised without a broken policy set.
	decide func(policy.Context) policy.Decision

	evalCount atomic.Int64
	denyCount atomic.Int64

	now func() time.Time
}

// NewEngine builds the full governance pipeline rooted at workspace.
// Persistence failures (trust store, audit directory) degrade the affected
// subsystem to memory-only with a warning; the engine itself always comes up.
func NewEngine(cfg Config, workspace string, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.normalized()

	vaultCfg := redact.VaultConfig{}
	if cfg.VaultTTLSeconds > 0 {
		vaultCfg.TTL = time.Duration(cfg.VaultTTLSeconds) * time.Second
	}
	vault := redact.NewVault(vaultCfg, logger)
	redactor := redact.New(cfg.Redaction, logger)
	redactor.AttachVault(vault)

	trustMgr := trust.NewManager(cfg.Trust, filepath.Join(workspace, "governance", "trust.json"), logger)
	if err := trustMgr.Load(); err != nil {
		logger.Warn("trust store load failed, starting empty", zap.Error(err))
	}

	auditCfg := audit.DefaultConfig(filepath.Join(workspace, "governance", "audit"))
	auditCfg.RetentionDays = cfg.AuditRetentionDays
	journal := audit.NewJournal(auditCfg, redactor, logger)
	if err := journal.Open(); err != nil {
		logger.Warn("audit journal open failed", zap.Error(err))
	}

	policies := policy.MergeWithBuiltins(cfg.Policies)
	if cfg.PolicyDir != "" {
		policies = policy.MergeWithBuiltins(append(cfg.Policies, policy.LoadDir(cfg.PolicyDir, logger)...))
	}
	index := policy.NewIndex(logger)
	index.Load(policies)

	tracker := risk.NewTracker(0)
	evaluator := policy.NewEvaluator(index, tracker, logger)

	e := &Engine{
		cfg:       cfg,
		logger:    logger,
		arena:     NewArena(),
		tracker:   tracker,
		assessor:  risk.NewAssessor(cfg.Risk, tracker, logger),
		index:     index,
		trust:     trustMgr,
		journal:   journal,
		validator: outputcheck.NewValidator(cfg.Output.Validator, outputcheck.NewRegistry(), logger),
		redactor:  redactor,
		vault:     vault,
		decide:    evaluator.Evaluate,
		now:       time.Now,
	}
	return e
}

// evaluation is the outcome of one pipeline pass.
type evaluation struct {
	Decision policy.Decision
	Agent    string
	Parent   string
	Trust    audit.TrustSnapshot
	Risk     audit.RiskSnapshot
	EvalUs   int64
	Fallback bool
	Reason   string
}

// evaluate runs enrich → frequency → risk → policy for one hook event. A
// panic anywhere inside is caught and mapped to the configured fallback.
func (e *Engine) evaluate(ev *plugin.Event) evaluation {
	start := e.now()
	agent, parent := e.arena.Resolve(ev.SessionKey, ev.AgentID)
	out := evaluation{Agent: agent, Parent: parent}

	func() {
		defer func() {
			if r := recover(); r != nil {
				out.Fallback = true
				out.Reason = fmt.Sprintf("evaluation failure: %v", r)
			}
		}()

		e.tracker.Record(risk.Event{
			TS:         start,
			AgentID:    agent,
			SessionKey: ev.SessionKey,
			Tool:       ev.Tool,
		})

		score, tier := e.trust.Score(agent)
		if parent != "" {
			if pScore, pTier := e.trust.Score(parent); pScore < score {
				score, tier = pScore, pTier
			}
		}
		out.Trust = audit.TrustSnapshot{Score: score, Tier: tier}

		assessment := e.assessor.Assess(risk.Input{
			ToolName:      ev.Tool,
			AgentID:       agent,
			SessionKey:    ev.SessionKey,
			TrustScore:    score,
			MessageTarget: ev.To,
			Host:          metadataString(ev.Metadata, "host"),
			Now:           start,
		})
		out.Risk = audit.RiskSnapshot{Score: assessment.Score, Level: assessment.Level}

		out.Decision = e.decide(policy.Context{
			Hook:       string(ev.Hook),
			AgentID:    agent,
			ParentID:   parent,
			SessionKey: ev.SessionKey,
			Channel:    ev.Channel,
			ToolName:   ev.Tool,
			Params:     ev.Params,
			Content:    ev.Content,
			Target:     ev.To,
			Metadata:   ev.Metadata,
			TrustScore: score,
			TrustTier:  tier,
			RiskLevel:  assessment.Level,
			Now:        start,
		})
	}()

	if out.Fallback {
		if e.cfg.failOpen() {
			out.Decision = policy.Decision{Allowed: true, Verdict: policy.VerdictAllow, Reason: out.Reason}
		} else {
			out.Decision = policy.Decision{Allowed: false, Verdict: policy.VerdictDeny, Reason: out.Reason}
		}
	}

	out.EvalUs = time.Since(start).Microseconds()
	if out.EvalUs > e.cfg.MaxEvalUs {
		e.logger.Warn("policy evaluation exceeded budget",
			zap.Int64("eval_us", out.EvalUs),
			zap.Int64("budget_us", e.cfg.MaxEvalUs),
			zap.String("hook", string(ev.Hook)),
			zap.String("agent", out.Agent))
	}
	return out
}

// govern runs the pipeline and writes the audit record: violation before
// audit on a learned deny, error-fallback verdict when evaluation failed.
func (e *Engine) govern(ev *plugin.Event) evaluation {
	res := e.evaluate(ev)
	e.evalCount.Add(1)

	verdict := string(res.Decision.Verdict)
	if res.Fallback {
		verdict = audit.VerdictErrorFallback
	}
	if !res.Decision.Allowed {
		e.denyCount.Add(1)
		if !res.Fallback && e.cfg.learning() {
			e.trust.RecordViolation(res.Agent, res.Decision.Reason)
		}
	}

	e.journal.Append(audit.Record{
		Verdict: verdict,
		Reason:  res.Decision.Reason,
		Context: audit.Context{
			Hook:       string(ev.Hook),
			AgentID:    res.Agent,
			SessionKey: ev.SessionKey,
			Channel:    ev.Channel,
			ToolName:   ev.Tool,
			Params:     ev.Params,
			Content:    ev.Content,
			Target:     ev.To,
		},
		Trust:    &res.Trust,
		Risk:     &res.Risk,
		Policies: matchedPolicies(res.Decision.Matches),
		EvalUs:   res.EvalUs,
	})
	return res
}

// SessionStart is bookkeeping only: the arena learns the session and the
// trust record is materialized so later hooks see a stable score.
func (e *Engine) SessionStart(ctx context.Context, ev *plugin.Event) (*plugin.Result, error) {
	e.arena.Observe(ev.SessionKey, ev.AgentID)
	agent, _ := e.arena.Resolve(ev.SessionKey, ev.AgentID)
	if agent != "" {
		e.trust.Get(agent)
	}
	return nil, nil
}

// BeforeAgentStart evaluates agent-scoped policies before the runtime spins
// an agent up.
func (e *Engine) BeforeAgentStart(ctx context.Context, ev *plugin.Event) (*plugin.Result, error) {
	e.arena.Observe(ev.SessionKey, ev.AgentID)
	res := e.govern(ev)
	if !res.Decision.Allowed {
		return &plugin.Result{Block: true, BlockReason: res.Decision.Reason}, nil
	}
	return nil, nil
}

// BeforeToolCall is the main enforcement point. sessions_spawn calls also
// register the child session in the arena before evaluation.
func (e *Engine) BeforeToolCall(ctx context.Context, ev *plugin.Event) (*plugin.Result, error) {
	e.observeSpawn(ev)
	res := e.govern(ev)
	if !res.Decision.Allowed {
		return &plugin.Result{Block: true, BlockReason: res.Decision.Reason}, nil
	}
	return nil, nil
}

// AfterToolCall records the outcome against the resolved agent. Success is
// only ever observed here, after the tool actually ran; blocked calls never
// reach this hook with a success flag.
func (e *Engine) AfterToolCall(ctx context.Context, ev *plugin.Event) (*plugin.Result, error) {
	if !e.cfg.learning() {
		return nil, nil
	}
	agent, _ := e.arena.Resolve(ev.SessionKey, ev.AgentID)
	if agent == "" {
		return nil, nil
	}

	success := ev.Error == ""
	if ev.Success != nil {
		success = *ev.Success
	}
	if success {
		e.trust.RecordSuccess(agent)
	} else {
		reason := ev.Error
		if reason == "" {
			reason = "tool execution failed"
		}
		e.trust.RecordViolation(agent, fmt.Sprintf("tool %s failed: %s", ev.Tool, reason))
	}
	return nil, nil
}

// ToolResultPersist passes the message through unchanged; governance holds
// the hook so the persisted-message contract stays exercised end to end.
func (e *Engine) ToolResultPersist(ctx context.Context, ev *plugin.Event) (*plugin.Result, error) {
	if ev.Message == nil {
		return nil, nil
	}
	return &plugin.Result{Message: ev.Message}, nil
}

// CheckMessage governs outbound content: policy evaluation first, then the
// output validator when enabled. message_sending cancels, every other
// message hook blocks.
func (e *Engine) CheckMessage(ctx context.Context, ev *plugin.Event) (*plugin.Result, error) {
	res := e.govern(ev)
	if !res.Decision.Allowed {
		return denialResult(ev.Hook, res.Decision.Reason), nil
	}
	if !e.cfg.Output.Enabled || ev.Content == "" {
		return nil, nil
	}

	vres := e.validator.Validate(ev.Content, res.Trust.Score)
	switch vres.Action {
	case outputcheck.ActionBlock:
		reason := outputReason(vres)
		e.auditOutput(ev, res, audit.VerdictOutputBlock, reason)
		return denialResult(ev.Hook, reason), nil
	case outputcheck.ActionFlag:
		e.auditOutput(ev, res, audit.VerdictOutputFlag, outputReason(vres))
		return nil, nil
	default:
		if len(vres.Notes) > 0 {
			e.auditOutput(ev, res, audit.VerdictOutputPass, strings.Join(vres.Notes, "; "))
		}
		return nil, nil
	}
}

func (e *Engine) auditOutput(ev *plugin.Event, res evaluation, verdict, reason string) {
	if verdict == audit.VerdictOutputBlock {
		e.denyCount.Add(1)
	}
	e.journal.Append(audit.Record{
		Verdict: verdict,
		Reason:  reason,
		Context: audit.Context{
			Hook:       string(ev.Hook),
			AgentID:    res.Agent,
			SessionKey: ev.SessionKey,
			Channel:    ev.Channel,
			Content:    ev.Content,
			Target:     ev.To,
		},
		Trust:  &res.Trust,
		Risk:   &res.Risk,
		EvalUs: res.EvalUs,
	})
}

// observeSpawn registers sessions_spawn observations: the calling agent
// becomes the parent of the spawned session.
func (e *Engine) observeSpawn(ev *plugin.Event) {
	e.arena.Observe(ev.SessionKey, ev.AgentID)
	if ev.Tool != spawnToolName {
		return
	}

	parentAgent, _ := e.arena.Resolve(ev.SessionKey, ev.AgentID)
	childSession := paramString(ev.Params, "sessionKey", "session")
	childAgent := paramString(ev.Params, "agentId", "agent")
	if childSession == "" || childAgent == "" {
		return
	}
	e.arena.RegisterSpawn(childSession, childAgent, parentAgent)
	e.logger.Debug("sub-agent session registered",
		zap.String("session", childSession),
		zap.String("agent", childAgent),
		zap.String("parent", parentAgent))
}

// SyncFacts replaces the output validator's claim registry, typically from
// the cortex fact store.
func (e *Engine) SyncFacts(facts []outputcheck.Fact) int {
	e.validator.Registry().Replace(facts)
	return e.validator.Registry().Len()
}

// AuditSearch exposes journal queries to the command and gateway surfaces.
func (e *Engine) AuditSearch(q audit.Query) []audit.Record {
	return e.journal.Search(q)
}

// Status summarises the engine for status surfaces.
type Status struct {
	Policies      int         `json:"policies"`
	Agents        int         `json:"agents"`
	Sessions      int         `json:"sessions"`
	Evaluations   int64       `json:"evaluations"`
	Denials       int64       `json:"denials"`
	FailOpen      bool        `json:"failOpen"`
	Learning      bool        `json:"learning"`
	OutputChecks  bool        `json:"outputValidation"`
	RegistryFacts int         `json:"registryFacts"`
	VaultEntries  int         `json:"vaultEntries"`
	Audit         audit.Stats `json:"audit"`
}

// Status snapshots the engine counters.
func (e *Engine) Status() Status {
	return Status{
		Policies:      e.index.Len(),
		Agents:        len(e.trust.Snapshot()),
		Sessions:      e.arena.Len(),
		Evaluations:   e.evalCount.Load(),
		Denials:       e.denyCount.Load(),
		FailOpen:      e.cfg.failOpen(),
		Learning:      e.cfg.learning(),
		OutputChecks:  e.cfg.Output.Enabled,
		RegistryFacts: e.validator.Registry().Len(),
		VaultEntries:  e.vault.Len(),
		Audit:         e.journal.Stats(),
	}
}

func denialResult(hook plugin.Hook, reason string) *plugin.Result {
	if hook == plugin.HookMessageSending {
		return &plugin.Result{Cancel: true, BlockReason: reason}
	}
	return &plugin.Result{Block: true, BlockReason: reason}
}

func outputReason(res outputcheck.Result) string {
	for _, c := range res.Claims {
		if c.Outcome == outputcheck.OutcomeContradicted {
			return fmt.Sprintf("output contradicts known fact: %q (expected %q)", c.Source, c.Expected)
		}
	}
	if len(res.Notes) > 0 {
		return res.Notes[0]
	}
	return "output validation failed"
}

func matchedPolicies(matches []policy.Match) []audit.MatchedPolicy {
	if len(matches) == 0 {
		return nil
	}
	out := make([]audit.MatchedPolicy, 0, len(matches))
	for _, m := range matches {
		out = append(out, audit.MatchedPolicy{
			PolicyID: m.PolicyID,
			RuleID:   m.RuleID,
			Effect:   string(m.Effect),
			Controls: m.Controls,
		})
	}
	return out
}

func paramString(params map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		if v, ok := params[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func metadataString(meta map[string]interface{}, key string) string {
	if meta == nil {
		return ""
	}
	if v, ok := meta[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

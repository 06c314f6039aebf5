package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubCounter struct{ n int }

func (s stubCounter) Count(windowSec int, scope, agentID, sessionKey string) int { return s.n }

func newTestEvaluator(t *testing.T, policies []Policy, counter FrequencyCounter) *Evaluator {
	t.Helper()
	ix := NewIndex(zap.NewNop())
	ix.Load(policies)
	return NewEvaluator(ix, counter, zap.NewNop())
}

func boolPtr(b bool) *bool       { return &b }
func floatPtr(f float64) *float64 { return &f }

func TestEvaluator_NoPolicies(t *testing.T) {
	e := newTestEvaluator(t, nil, nil)

	d := e.Evaluate(Context{Hook: "before_tool_call", AgentID: "main", ToolName: "read"})

	assert.True(t, d.Allowed)
	assert.Equal(t, VerdictAllow, d.Verdict)
	assert.Equal(t, NoMatchReason, d.Reason)
	assert.Empty(t, d.Matches)
}

func TestEvaluator_CredentialGuard(t *testing.T) {
	e := newTestEvaluator(t, BuiltinPolicies(), nil)

	t.Run("pem path in params denies", func(t *testing.T) {
		d := e.Evaluate(Context{
			Hook:     "before_tool_call",
			AgentID:  "main",
			ToolName: "exec",
			Params:   map[string]interface{}{"command": "cat /etc/ssl/keys/foo.pem"},
		})

		assert.False(t, d.Allowed)
		assert.Equal(t, VerdictDeny, d.Verdict)
		assert.Contains(t, d.Reason, "Credential Guard")
		require.Len(t, d.Matches, 1)
		assert.Equal(t, BuiltinCredentialGuard, d.Matches[0].PolicyID)
		assert.Equal(t, []string{"A.8.11"}, d.Matches[0].Controls)
	})

	t.Run("ssh key path denies", func(t *testing.T) {
		d := e.Evaluate(Context{
			Hook:     "before_tool_call",
			AgentID:  "main",
			ToolName: "read",
			Params:   map[string]interface{}{"path": "/home/u/.ssh/id_rsa"},
		})
		assert.False(t, d.Allowed)
	})

	t.Run("plain path allows", func(t *testing.T) {
		d := e.Evaluate(Context{
			Hook:     "before_tool_call",
			AgentID:  "main",
			ToolName: "exec",
			Params:   map[string]interface{}{"command": "cat /var/log/syslog"},
		})
		assert.True(t, d.Allowed)
	})

	t.Run("other hooks out of scope", func(t *testing.T) {
		d := e.Evaluate(Context{
			Hook:    "message_sending",
			AgentID: "main",
			Params:  map[string]interface{}{"command": "cat id_rsa"},
		})
		assert.True(t, d.Allowed)
	})
}

func TestEvaluator_NightMode(t *testing.T) {
	e := newTestEvaluator(t, BuiltinPolicies(), nil)
	lateNight := time.Date(2025, 6, 1, 23, 30, 0, 0, time.UTC)

	t.Run("write at 23:30 denied", func(t *testing.T) {
		d := e.Evaluate(Context{
			Hook:     "before_tool_call",
			AgentID:  "main",
			ToolName: "write",
			Now:      lateNight,
		})

		assert.False(t, d.Allowed)
		assert.Contains(t, d.Reason, "Night mode")
		require.Len(t, d.Matches, 1)
		assert.Equal(t, []string{"A.8.16"}, d.Matches[0].Controls)
	})

	t.Run("read at 23:30 allowed", func(t *testing.T) {
		d := e.Evaluate(Context{
			Hook:     "before_tool_call",
			AgentID:  "main",
			ToolName: "read",
			Now:      lateNight,
		})
		assert.True(t, d.Allowed)
	})

	t.Run("write at 07:59 still denied", func(t *testing.T) {
		d := e.Evaluate(Context{
			Hook:     "before_tool_call",
			AgentID:  "main",
			ToolName: "file_write",
			Now:      time.Date(2025, 6, 2, 7, 59, 0, 0, time.UTC),
		})
		assert.False(t, d.Allowed)
	})

	t.Run("write at noon allowed", func(t *testing.T) {
		d := e.Evaluate(Context{
			Hook:     "before_tool_call",
			AgentID:  "main",
			ToolName: "write",
			Now:      time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC),
		})
		assert.True(t, d.Allowed)
	})
}

func TestEvaluator_DenyWins(t *testing.T) {
	policies := []Policy{
		{
			ID:       "allow-everything",
			Priority: 1000,
			Rules:    []Rule{{ID: "all", Effect: EffectAllow}},
		},
		{
			ID:       "deny-exec",
			Priority: 1,
			Rules: []Rule{{
				ID:         "no-exec",
				Conditions: []Condition{{Type: ConditionTool, ToolName: "exec"}},
				Effect:     EffectDeny,
				Reason:     "exec is blocked",
			}},
		},
	}
	e := newTestEvaluator(t, policies, nil)

	d := e.Evaluate(Context{Hook: "before_tool_call", AgentID: "main", ToolName: "exec"})

	assert.False(t, d.Allowed)
	assert.Equal(t, VerdictDeny, d.Verdict)
	assert.Equal(t, "exec is blocked", d.Reason)
	assert.Len(t, d.Matches, 2)
}

func TestEvaluator_FirstMatchingRule(t *testing.T) {
	policies := []Policy{{
		ID: "ordered",
		Rules: []Rule{
			{
				ID:         "specific-allow",
				Conditions: []Condition{{Type: ConditionTool, ToolName: "read"}},
				Effect:     EffectAllow,
			},
			{
				ID:     "catchall-deny",
				Effect: EffectDeny,
				Reason: "default deny",
			},
		},
	}}
	e := newTestEvaluator(t, policies, nil)

	t.Run("earlier rule short-circuits", func(t *testing.T) {
		d := e.Evaluate(Context{Hook: "before_tool_call", AgentID: "a", ToolName: "read"})
		assert.True(t, d.Allowed)
		require.Len(t, d.Matches, 1)
		assert.Equal(t, "specific-allow", d.Matches[0].RuleID)
	})

	t.Run("fallthrough hits catchall", func(t *testing.T) {
		d := e.Evaluate(Context{Hook: "before_tool_call", AgentID: "a", ToolName: "exec"})
		assert.False(t, d.Allowed)
		assert.Equal(t, "default deny", d.Reason)
	})
}

func TestEvaluator_TrustTierGates(t *testing.T) {
	policies := []Policy{{
		ID: "tiered",
		Rules: []Rule{
			{
				ID:           "untrusted-deny",
				MaxTrustTier: "restricted",
				Effect:       EffectDeny,
				Reason:       "trust too low",
			},
			{
				ID:           "privileged-allow",
				MinTrustTier: "trusted",
				Effect:       EffectAllow,
			},
		},
	}}
	e := newTestEvaluator(t, policies, nil)

	tests := []struct {
		tier    string
		allowed bool
		matches int
	}{
		{"untrusted", false, 1},
		{"restricted", false, 1},
		{"standard", true, 0},
		{"trusted", true, 1},
		{"privileged", true, 1},
	}
	for _, tt := range tests {
		t.Run(tt.tier, func(t *testing.T) {
			d := e.Evaluate(Context{Hook: "before_tool_call", AgentID: "a", TrustTier: tt.tier})
			assert.Equal(t, tt.allowed, d.Allowed)
			assert.Len(t, d.Matches, tt.matches)
		})
	}
}

func TestEvaluator_AuditEffect(t *testing.T) {
	policies := []Policy{{
		ID: "watcher",
		Rules: []Rule{{
			ID:         "watch-exec",
			Conditions: []Condition{{Type: ConditionTool, ToolName: "exec"}},
			Effect:     EffectAudit,
			AuditLevel: "high",
			Reason:     "exec is monitored",
		}},
	}}
	e := newTestEvaluator(t, policies, nil)

	d := e.Evaluate(Context{Hook: "before_tool_call", AgentID: "a", ToolName: "exec"})

	assert.True(t, d.Allowed)
	assert.Equal(t, VerdictAudit, d.Verdict)
	assert.Equal(t, "exec is monitored", d.Reason)
	require.Len(t, d.Matches, 1)
	assert.Equal(t, "high", d.Matches[0].AuditLevel)
}

func TestEvaluator_Scope(t *testing.T) {
	base := []Rule{{ID: "deny-all", Effect: EffectDeny, Reason: "scoped deny"}}

	t.Run("agent scope", func(t *testing.T) {
		e := newTestEvaluator(t, []Policy{{
			ID:    "scoped",
			Scope: &Scope{Agents: []string{"main"}},
			Rules: base,
		}}, nil)

		assert.False(t, e.Evaluate(Context{Hook: "h", AgentID: "main"}).Allowed)
		assert.True(t, e.Evaluate(Context{Hook: "h", AgentID: "other"}).Allowed)
	})

	t.Run("agent glob", func(t *testing.T) {
		e := newTestEvaluator(t, []Policy{{
			ID:    "scoped",
			Scope: &Scope{Agents: []string{"worker-*"}},
			Rules: base,
		}}, nil)

		assert.False(t, e.Evaluate(Context{Hook: "h", AgentID: "worker-3"}).Allowed)
		assert.True(t, e.Evaluate(Context{Hook: "h", AgentID: "main"}).Allowed)
	})

	t.Run("exclude agents", func(t *testing.T) {
		e := newTestEvaluator(t, []Policy{{
			ID:    "scoped",
			Scope: &Scope{ExcludeAgents: []string{"trusted-ops"}},
			Rules: base,
		}}, nil)

		assert.True(t, e.Evaluate(Context{Hook: "h", AgentID: "trusted-ops"}).Allowed)
		assert.False(t, e.Evaluate(Context{Hook: "h", AgentID: "main"}).Allowed)
	})

	t.Run("channel scope", func(t *testing.T) {
		e := newTestEvaluator(t, []Policy{{
			ID:    "scoped",
			Scope: &Scope{Channels: []string{"discord"}},
			Rules: base,
		}}, nil)

		assert.False(t, e.Evaluate(Context{Hook: "h", AgentID: "a", Channel: "discord"}).Allowed)
		assert.True(t, e.Evaluate(Context{Hook: "h", AgentID: "a", Channel: "slack"}).Allowed)
	})

	t.Run("parent-scoped policy governs sub-agent", func(t *testing.T) {
		e := newTestEvaluator(t, []Policy{{
			ID:    "root-rules",
			Scope: &Scope{Agents: []string{"root-agent"}},
			Rules: base,
		}}, nil)

		d := e.Evaluate(Context{Hook: "h", AgentID: "child", ParentID: "root-agent"})
		assert.False(t, d.Allowed)

		d = e.Evaluate(Context{Hook: "h", AgentID: "child"})
		assert.True(t, d.Allowed)
	})
}

func TestEvaluator_FrequencyCondition(t *testing.T) {
	policies := []Policy{{
		ID: "rate-limit",
		Rules: []Rule{{
			ID: "too-many",
			Conditions: []Condition{{
				Type:          ConditionFrequency,
				MaxCount:      15,
				WindowSeconds: 60,
				Scope:         "agent",
			}},
			Effect: EffectDeny,
			Reason: "rate limit exceeded",
		}},
	}}

	t.Run("16 recent events trips the limit", func(t *testing.T) {
		e := newTestEvaluator(t, policies, stubCounter{n: 16})
		d := e.Evaluate(Context{Hook: "h", AgentID: "a"})
		assert.False(t, d.Allowed)
		assert.Equal(t, "rate limit exceeded", d.Reason)
	})

	t.Run("exactly the limit trips it", func(t *testing.T) {
		e := newTestEvaluator(t, policies, stubCounter{n: 15})
		assert.False(t, e.Evaluate(Context{Hook: "h", AgentID: "a"}).Allowed)
	})

	t.Run("14 recent events does not", func(t *testing.T) {
		e := newTestEvaluator(t, policies, stubCounter{n: 14})
		assert.True(t, e.Evaluate(Context{Hook: "h", AgentID: "a"}).Allowed)
	})

	t.Run("no counter wired means condition never fires", func(t *testing.T) {
		e := newTestEvaluator(t, policies, nil)
		assert.True(t, e.Evaluate(Context{Hook: "h", AgentID: "a"}).Allowed)
	})
}

func TestEvaluator_Conditions(t *testing.T) {
	noon := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC) // a Monday

	tests := []struct {
		name string
		cond Condition
		ctx  Context
		want bool
	}{
		{
			name: "tool name glob",
			cond: Condition{Type: ConditionTool, ToolName: "file_*"},
			ctx:  Context{ToolName: "file_write"},
			want: true,
		},
		{
			name: "tool param contains",
			cond: Condition{Type: ConditionTool, Params: []ParamPredicate{{Key: "url", Contains: "internal"}}},
			ctx:  Context{ToolName: "http", Params: map[string]interface{}{"url": "https://internal.example"}},
			want: true,
		},
		{
			name: "tool param equals mismatch",
			cond: Condition{Type: ConditionTool, Params: []ParamPredicate{{Key: "mode", Equals: "dry-run"}}},
			ctx:  Context{ToolName: "deploy", Params: map[string]interface{}{"mode": "live"}},
			want: false,
		},
		{
			name: "tool param missing key",
			cond: Condition{Type: ConditionTool, Params: []ParamPredicate{{Key: "mode", Equals: "live"}}},
			ctx:  Context{ToolName: "deploy", Params: map[string]interface{}{"other": "x"}},
			want: false,
		},
		{
			name: "nested param matched through json form",
			cond: Condition{Type: ConditionTool, Params: []ParamPredicate{{Key: "headers", Contains: "X-Admin"}}},
			ctx:  Context{Params: map[string]interface{}{"headers": map[string]interface{}{"X-Admin": "1"}}},
			want: true,
		},
		{
			name: "agent glob and score range",
			cond: Condition{Type: ConditionAgent, AgentID: "bot-*", MinScore: floatPtr(40)},
			ctx:  Context{AgentID: "bot-7", TrustScore: 55},
			want: true,
		},
		{
			name: "agent score below min",
			cond: Condition{Type: ConditionAgent, MinScore: floatPtr(40)},
			ctx:  Context{AgentID: "a", TrustScore: 30},
			want: false,
		},
		{
			name: "context session glob",
			cond: Condition{Type: ConditionContext, SessionKey: "agent:root:*"},
			ctx:  Context{SessionKey: "agent:root:subagent:x"},
			want: true,
		},
		{
			name: "risk at least high",
			cond: Condition{Type: ConditionRisk, MinRiskLevel: "high"},
			ctx:  Context{RiskLevel: "critical"},
			want: true,
		},
		{
			name: "risk below threshold",
			cond: Condition{Type: ConditionRisk, MinRiskLevel: "high"},
			ctx:  Context{RiskLevel: "medium"},
			want: false,
		},
		{
			name: "time window daytime",
			cond: Condition{Type: ConditionTime, After: "09:00", Before: "17:00"},
			ctx:  Context{Now: noon},
			want: true,
		},
		{
			name: "day list mismatch",
			cond: Condition{Type: ConditionTime, Days: []string{"sat", "sun"}},
			ctx:  Context{Now: noon},
			want: false,
		},
		{
			name: "anyOf one branch true",
			cond: Condition{Type: ConditionAnyOf, AnyOf: []Condition{
				{Type: ConditionTool, ToolName: "exec"},
				{Type: ConditionTool, ToolName: "read"},
			}},
			ctx:  Context{ToolName: "read"},
			want: true,
		},
		{
			name: "anyOf empty is false",
			cond: Condition{Type: ConditionAnyOf},
			ctx:  Context{ToolName: "read"},
			want: false,
		},
		{
			name: "not inverts",
			cond: Condition{Type: ConditionNot, Not: &Condition{Type: ConditionTool, ToolName: "exec"}},
			ctx:  Context{ToolName: "read"},
			want: true,
		},
		{
			name: "unknown type is false",
			cond: Condition{Type: "mystery"},
			ctx:  Context{},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policies := []Policy{{
				ID:    "probe",
				Rules: []Rule{{ID: "r", Conditions: []Condition{tt.cond}, Effect: EffectDeny, Reason: "matched"}},
			}}
			e := newTestEvaluator(t, policies, nil)

			d := e.Evaluate(tt.ctx)
			assert.Equal(t, tt.want, !d.Allowed, "condition %s", tt.name)
		})
	}
}

func TestParseClock(t *testing.T) {
	tests := []struct {
		in      string
		minutes int
		ok      bool
	}{
		{"00:00", 0, true},
		{"23:59", 23*60 + 59, true},
		{"08:30", 8*60 + 30, true},
		{"", 0, false},
		{"25:00", 0, false},
		{"12:75", 0, false},
		{"noon", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseClock(tt.in)
		assert.Equal(t, tt.ok, ok, "parseClock(%q)", tt.in)
		if ok {
			assert.Equal(t, tt.minutes, got, "parseClock(%q)", tt.in)
		}
	}
}

package outputcheck

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestValidator(cfg Config, facts ...Fact) *Validator {
	reg := NewRegistry()
	reg.Replace(facts)
	return NewValidator(cfg, reg, zap.NewNop())
}

func TestValidator_VerifiedClaimPasses(t *testing.T) {
	v := newTestValidator(DefaultConfig(), Fact{Subject: "database", Predicate: "status", Object: "running"})

	res := v.Validate("The database is running.", 50)
	assert.Equal(t, ActionPass, res.Action)
	require.Len(t, res.Claims, 1)
	assert.Equal(t, OutcomeVerified, res.Claims[0].Outcome)
}

func TestValidator_ContradictionTrustMapping(t *testing.T) {
	v := newTestValidator(DefaultConfig(), Fact{Subject: "database", Predicate: "status", Object: "stopped"})

	tests := []struct {
		trust float64
		want  Action
	}{
		{70, ActionPass},
		{60, ActionPass}, // at the flag threshold high trust still passes
		{50, ActionFlag},
		{40, ActionFlag},
		{39.9, ActionBlock},
		{30, ActionBlock},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("trust=%.1f", tt.trust), func(t *testing.T) {
			res := v.Validate("The database is running.", tt.trust)
			assert.Equal(t, tt.want, res.Action)
			require.Len(t, res.Claims, 1)
			assert.Equal(t, OutcomeContradicted, res.Claims[0].Outcome)
			assert.Equal(t, "stopped", res.Claims[0].Expected)
			assert.NotEmpty(t, res.Notes)
		})
	}
}

func TestValidator_ContradictionWinsOverUnverified(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UnverifiedClaimPolicy = PolicyFlag
	v := newTestValidator(cfg, Fact{Subject: "database", Predicate: "status", Object: "stopped"})

	// One contradicted plus one unverified claim: the contradiction decides.
	res := v.Validate("The database is running. The scheduler is healthy.", 30)
	assert.Equal(t, ActionBlock, res.Action)
}

func TestValidator_UnverifiedPolicies(t *testing.T) {
	text := "The scheduler is healthy."

	tests := []struct {
		policy string
		want   Action
	}{
		{PolicyIgnore, ActionPass},
		{PolicyFlag, ActionFlag},
		{PolicyBlock, ActionBlock},
	}
	for _, tt := range tests {
		t.Run(tt.policy, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.UnverifiedClaimPolicy = tt.policy
			v := newTestValidator(cfg)

			res := v.Validate(text, 80)
			assert.Equal(t, tt.want, res.Action)
			require.Len(t, res.Claims, 1)
			assert.Equal(t, OutcomeUnverified, res.Claims[0].Outcome)
		})
	}
}

func TestValidator_SelfReferentialPolicy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SelfReferentialPolicy = PolicyFlag

	t.Run("unverified self claim flagged separately", func(t *testing.T) {
		v := newTestValidator(cfg)
		res := v.Validate("I am a database optimizer.", 80)
		assert.Equal(t, ActionFlag, res.Action)
	})

	t.Run("self probe verifies against self facts", func(t *testing.T) {
		v := newTestValidator(cfg, Fact{Subject: "self", Predicate: "name", Object: "atlas"})
		res := v.Validate("My name is atlas.", 80)
		assert.Equal(t, ActionPass, res.Action)
		require.Len(t, res.Claims, 1)
		assert.Equal(t, OutcomeVerified, res.Claims[0].Outcome)
	})

	t.Run("self probe contradicts", func(t *testing.T) {
		v := newTestValidator(cfg, Fact{Subject: "self", Predicate: "name", Object: "atlas"})
		res := v.Validate("My name is zeus.", 30)
		assert.Equal(t, ActionBlock, res.Action)
	})
}

func TestValidator_Normalization(t *testing.T) {
	t.Run("yes maps to true", func(t *testing.T) {
		v := newTestValidator(DefaultConfig(), Fact{Subject: "backups", Predicate: "exists", Object: "yes"})
		res := v.Validate("There are backups.", 50)
		require.Len(t, res.Claims, 1)
		assert.Equal(t, OutcomeVerified, res.Claims[0].Outcome)
	})

	t.Run("numeric fallback strips percent and commas", func(t *testing.T) {
		v := newTestValidator(DefaultConfig(),
			Fact{Subject: "cpu usage", Predicate: "value", Object: "95"},
			Fact{Subject: "request count", Predicate: "value", Object: "1,204"},
		)

		res := v.Validate("CPU usage is at 95%", 50)
		require.Len(t, res.Claims, 1)
		assert.Equal(t, OutcomeVerified, res.Claims[0].Outcome)

		res = v.Validate("Request count is 1204", 50)
		require.Len(t, res.Claims, 1)
		assert.Equal(t, OutcomeVerified, res.Claims[0].Outcome)
	})

	t.Run("numeric mismatch contradicts", func(t *testing.T) {
		v := newTestValidator(DefaultConfig(), Fact{Subject: "cpu usage", Predicate: "value", Object: "40"})
		res := v.Validate("CPU usage is at 95%", 30)
		require.Len(t, res.Claims, 1)
		assert.Equal(t, OutcomeContradicted, res.Claims[0].Outcome)
		assert.Equal(t, ActionBlock, res.Action)
	})
}

func TestValidator_SubjectOnlyFallback(t *testing.T) {
	v := newTestValidator(DefaultConfig(), Fact{Subject: "atlas", Predicate: "role", Object: "coordinator"})

	// No atlas|name fact, but the subject index knows "coordinator".
	res := v.Validate("The atlas is called coordinator.", 50)
	require.Len(t, res.Claims, 1)
	assert.Equal(t, OutcomeVerified, res.Claims[0].Outcome)
}

func TestValidator_NoClaimsPasses(t *testing.T) {
	v := newTestValidator(DefaultConfig())
	res := v.Validate("Deployment completed without incident.", 10)
	assert.Equal(t, ActionPass, res.Action)
	assert.Empty(t, res.Claims)
}

func BenchmarkValidate(b *testing.B) {
	facts := make([]Fact, 0, 100)
	for i := 0; i < 100; i++ {
		facts = append(facts, Fact{Subject: fmt.Sprintf("service-%d", i), Predicate: "status", Object: "running"})
	}
	reg := NewRegistry()
	reg.Replace(facts)
	v := NewValidator(DefaultConfig(), reg, zap.NewNop())

	text := "The deployment finished. service-7 is running and service-9 is stopped. " +
		"CPU usage is at 41%. There is no rollback plan. My name is atlas. I have 3 subagents."
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		v.Validate(text, 55)
	}
}

package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func factorByName(t *testing.T, a Assessment, name string) Factor {
	t.Helper()
	for _, f := range a.Factors {
		if f.Name == name {
			return f
		}
	}
	t.Fatalf("factor %s not present in %+v", name, a.Factors)
	return Factor{}
}

func TestAssessor_Factors(t *testing.T) {
	noon := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	lateNight := time.Date(2025, 6, 2, 23, 30, 0, 0, time.UTC)

	t.Run("benign read at noon scores low", func(t *testing.T) {
		a := NewAssessor(Config{}, nil, zap.NewNop())
		got := a.Assess(Input{
			ToolName:   "read",
			AgentID:    "main",
			TrustScore: 100,
			Host:       "localhost",
			Now:        noon,
		})

		assert.Equal(t, 5.0, got.Score)
		assert.Equal(t, LevelLow, got.Level)
		assert.Equal(t, 0.0, factorByName(t, got, "time-of-day").Value)
		assert.Equal(t, 0.0, factorByName(t, got, "trust-deficit").Value)
		assert.Equal(t, 0.0, factorByName(t, got, "target-scope").Value)
	})

	t.Run("worst case saturates at 100", func(t *testing.T) {
		tr := NewTracker(64)
		tr.now = func() time.Time { return lateNight }
		for i := 0; i < 25; i++ {
			tr.Record(Event{TS: lateNight.Add(-time.Duration(i) * time.Second), AgentID: "rogue"})
		}

		a := NewAssessor(Config{}, tr, zap.NewNop())
		got := a.Assess(Input{
			ToolName:      "self_destruct",
			AgentID:       "rogue",
			TrustScore:    0,
			MessageTarget: "ops@example.com",
			Now:           lateNight,
		})

		assert.Equal(t, 100.0, got.Score)
		assert.Equal(t, LevelCritical, got.Level)
		assert.Equal(t, 30.0, factorByName(t, got, "tool-sensitivity").Value)
		assert.Equal(t, 15.0, factorByName(t, got, "time-of-day").Value)
		assert.Equal(t, 20.0, factorByName(t, got, "trust-deficit").Value)
		assert.Equal(t, 15.0, factorByName(t, got, "frequency").Value)
		assert.Equal(t, 20.0, factorByName(t, got, "target-scope").Value)
	})

	t.Run("trust deficit is proportional", func(t *testing.T) {
		a := NewAssessor(Config{}, nil, zap.NewNop())
		got := a.Assess(Input{ToolName: "read", TrustScore: 50, Host: "localhost", Now: noon})
		assert.Equal(t, 10.0, factorByName(t, got, "trust-deficit").Value)
	})

	t.Run("frequency factor scales to saturation", func(t *testing.T) {
		tr := NewTracker(64)
		tr.now = func() time.Time { return noon }
		for i := 0; i < 10; i++ {
			tr.Record(Event{TS: noon.Add(-time.Duration(i) * time.Second), AgentID: "a"})
		}

		a := NewAssessor(Config{}, tr, zap.NewNop())
		got := a.Assess(Input{ToolName: "read", AgentID: "a", TrustScore: 100, Host: "localhost", Now: noon})
		assert.InDelta(t, 7.5, factorByName(t, got, "frequency").Value, 0.001)
	})

	t.Run("early morning counts as off-hours", func(t *testing.T) {
		a := NewAssessor(Config{}, nil, zap.NewNop())
		got := a.Assess(Input{
			ToolName:   "read",
			TrustScore: 100,
			Host:       "localhost",
			Now:        time.Date(2025, 6, 2, 7, 15, 0, 0, time.UTC),
		})
		assert.Equal(t, 15.0, factorByName(t, got, "time-of-day").Value)
	})

	t.Run("non-sandbox host is external", func(t *testing.T) {
		a := NewAssessor(Config{}, nil, zap.NewNop())
		got := a.Assess(Input{ToolName: "read", TrustScore: 100, Host: "prod-db-1", Now: noon})
		assert.Equal(t, 20.0, factorByName(t, got, "target-scope").Value)
	})

	t.Run("configured sandbox host stays internal", func(t *testing.T) {
		a := NewAssessor(Config{SandboxHosts: []string{"staging-7"}}, nil, zap.NewNop())
		got := a.Assess(Input{ToolName: "read", TrustScore: 100, Host: "staging-7", Now: noon})
		assert.Equal(t, 0.0, factorByName(t, got, "target-scope").Value)
	})
}

func TestAssessor_ToolSensitivity(t *testing.T) {
	a := NewAssessor(Config{ToolSensitivity: map[string]float64{"custom_tool": 12}}, nil, zap.NewNop())

	tests := []struct {
		tool string
		want float64
	}{
		{"read", 5},
		{"file_write", 20},   // fragment match
		{"shell_exec", 30},   // highest matching fragment
		{"custom_tool", 12},  // override
		{"mystery_gizmo", 30}, // unknown defaults to full weight
		{"", 0},
	}
	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			assert.Equal(t, tt.want, a.toolSensitivity(tt.tool))
		})
	}
}

func TestLevelFor(t *testing.T) {
	tests := []struct {
		score float64
		want  string
	}{
		{0, LevelLow},
		{25, LevelLow},
		{25.5, LevelMedium},
		{50, LevelMedium},
		{50.5, LevelHigh},
		{75, LevelHigh},
		{75.5, LevelCritical},
		{100, LevelCritical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, LevelFor(tt.score), "score %.1f", tt.score)
	}
}

func TestLevelRank(t *testing.T) {
	assert.Less(t, LevelRank(LevelLow), LevelRank(LevelMedium))
	assert.Less(t, LevelRank(LevelMedium), LevelRank(LevelHigh))
	assert.Less(t, LevelRank(LevelHigh), LevelRank(LevelCritical))
	assert.Equal(t, -1, LevelRank("weird"))
}

func TestTracker_Count(t *testing.T) {
	base := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

	newFixed := func() *Tracker {
		tr := NewTracker(128)
		tr.now = func() time.Time { return base }
		return tr
	}

	t.Run("scope agent filters by agent", func(t *testing.T) {
		tr := newFixed()
		tr.Record(Event{TS: base.Add(-10 * time.Second), AgentID: "a", SessionKey: "s1"})
		tr.Record(Event{TS: base.Add(-20 * time.Second), AgentID: "b", SessionKey: "s1"})

		assert.Equal(t, 1, tr.Count(60, ScopeAgent, "a", ""))
		assert.Equal(t, 2, tr.Count(60, ScopeGlobal, "", ""))
	})

	t.Run("scope session filters by session", func(t *testing.T) {
		tr := newFixed()
		tr.Record(Event{TS: base.Add(-5 * time.Second), AgentID: "a", SessionKey: "s1"})
		tr.Record(Event{TS: base.Add(-5 * time.Second), AgentID: "a", SessionKey: "s2"})

		assert.Equal(t, 1, tr.Count(60, ScopeSession, "", "s1"))
	})

	t.Run("window excludes old events", func(t *testing.T) {
		tr := newFixed()
		tr.Record(Event{TS: base.Add(-90 * time.Second), AgentID: "a"})
		tr.Record(Event{TS: base.Add(-30 * time.Second), AgentID: "a"})

		assert.Equal(t, 1, tr.Count(60, ScopeAgent, "a", ""))
		assert.Equal(t, 2, tr.Count(120, ScopeAgent, "a", ""))
	})

	t.Run("ring overwrites oldest at capacity", func(t *testing.T) {
		tr := NewTracker(4)
		tr.now = func() time.Time { return base }
		for i := 0; i < 6; i++ {
			tr.Record(Event{TS: base.Add(-time.Duration(i) * time.Second), AgentID: "a"})
		}

		assert.Equal(t, 4, tr.Len())
		assert.Equal(t, 4, tr.Count(60, ScopeAgent, "a", ""))
	})

	t.Run("zero timestamp is stamped on record", func(t *testing.T) {
		tr := newFixed()
		tr.Record(Event{AgentID: "a"})
		assert.Equal(t, 1, tr.Count(60, ScopeAgent, "a", ""))
	})
}

func TestTracker_RateLimitScenario(t *testing.T) {
	base := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

	record := func(n int) *Tracker {
		tr := NewTracker(0)
		tr.now = func() time.Time { return base }
		for i := 0; i < n; i++ {
			tr.Record(Event{
				TS:      base.Add(-time.Duration(i*2) * time.Second), // spread over ~30s
				AgentID: "busy",
			})
		}
		return tr
	}

	t.Run("16 events in 30s exceed maxCount 15", func(t *testing.T) {
		tr := record(16)
		require.Equal(t, 16, tr.Count(60, ScopeAgent, "busy", ""))
		assert.GreaterOrEqual(t, tr.Count(60, ScopeAgent, "busy", ""), 15)
	})

	t.Run("14 events stay under", func(t *testing.T) {
		tr := record(14)
		assert.Less(t, tr.Count(60, ScopeAgent, "busy", ""), 15)
	})
}

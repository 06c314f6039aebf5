package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestManager_FeatureGating(t *testing.T) {
	m, err := NewManager(Config{Metrics: MetricsConfig{Enabled: true}}, zap.NewNop())
	require.NoError(t, err)
	assert.NotNil(t, m.Metrics())
	assert.Nil(t, m.Tracing())
	assert.NotNil(t, m.Health())

	m.RecordEvaluation("before_tool_call", "allow", time.Millisecond)
	m.RegisterGauge("oversight_sessions_tracked", "Sessions in the governance arena", func() float64 { return 3 })

	body := scrape(t, m.Metrics())
	assert.Contains(t, body, `oversight_hook_events_total{hook="before_tool_call"} 1`)
	assert.Contains(t, body, "oversight_sessions_tracked 3")

	require.NoError(t, m.Close(context.Background()))
}

func TestManager_MetricsOffIsSafe(t *testing.T) {
	m, err := NewManager(Config{}, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, m.Metrics())

	assert.NotPanics(t, func() {
		m.RecordEvaluation("before_tool_call", "allow", time.Millisecond)
		m.RecordHTTPRequest("GET", "/healthz", 200, time.Millisecond)
		m.RegisterGauge("oversight_facts_stored", "Facts", func() float64 { return 0 })
		m.RegisterCounter("oversight_analyzer_runs_total", "Runs", func() float64 { return 0 })
	})

	m.RegisterCheck(Check{Name: "store", Probe: func(context.Context) error { return nil }})
	assert.True(t, m.Health().IsHealthy())
	require.NoError(t, m.Close(context.Background()))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("oversight", "0.9.0")
	assert.True(t, cfg.Metrics.Enabled)
	assert.False(t, cfg.Tracing.Enabled)
	assert.Equal(t, "oversight", cfg.Tracing.ServiceName)
	assert.Equal(t, "0.9.0", cfg.Tracing.ServiceVersion)
	assert.Equal(t, 1.0, cfg.Tracing.SampleRate)
}

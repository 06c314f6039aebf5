package tracer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openclaw-oversight/oversight-go/internal/plugin"
)

func TestPlugin_Commands(t *testing.T) {
	ws := t.TempDir()
	s := newFakeStream()
	seedStreakFixture(s)

	cfg := DefaultConfig()
	cfg.IntervalHours = 0

	p := New(cfg, ws, zap.NewNop())
	p.stream = s

	reg := plugin.NewRegistry(zap.NewNop())
	require.NoError(t, p.Register(context.Background(), reg))

	var names []string
	for _, cmd := range reg.Commands() {
		names = append(names, cmd.Name)
	}
	assert.ElementsMatch(t, []string{"trace-analyze", "trace-status"}, names)

	require.NoError(t, reg.StartServices(context.Background()))
	defer reg.StopServices(context.Background())

	status, ok := reg.Command("trace-status")
	require.True(t, ok)
	out, err := status.Handler(context.Background(), nil)
	require.NoError(t, err)
	assert.Contains(t, out, "never")
	assert.Contains(t, out, "disabled")

	analyze, ok := reg.Command("trace-analyze")
	require.True(t, ok)
	out, err = analyze.Handler(context.Background(), []string{"full=true"})
	require.NoError(t, err)
	assert.Contains(t, out, "mode:     full")
	assert.Contains(t, out, "findings: 1")
	assert.Contains(t, out, "error-streak")

	out, err = status.Handler(context.Background(), nil)
	require.NoError(t, err)
	assert.Contains(t, out, "events processed: 7")
	assert.NotContains(t, out, "never")

	// With state on disk, an argument-less run goes incremental; a bare
	// "full" flag forces the whole stream again.
	out, err = analyze.Handler(context.Background(), nil)
	require.NoError(t, err)
	assert.Contains(t, out, "mode:     incremental")

	out, err = analyze.Handler(context.Background(), []string{"full"})
	require.NoError(t, err)
	assert.Contains(t, out, "mode:     full")
}

func TestPlugin_SchedulerLifecycle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IntervalHours = 1

	p := New(cfg, t.TempDir(), zap.NewNop())
	p.stream = newFakeStream()

	reg := plugin.NewRegistry(zap.NewNop())
	require.NoError(t, p.Register(context.Background(), reg))
	require.NoError(t, reg.StartServices(context.Background()))

	done := make(chan struct{})
	go func() {
		reg.StopServices(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("service stop did not complete")
	}
}

func TestPlugin_Name(t *testing.T) {
	p := New(DefaultConfig(), t.TempDir(), nil)
	assert.Equal(t, "trace-analyzer", p.Name())
}

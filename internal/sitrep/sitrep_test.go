package sitrep

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openclaw-oversight/oversight-go/internal/plugin"
)

func TestPlugin_ReportCachesUntilRefresh(t *testing.T) {
	p := New(DefaultConfig(), zap.NewNop())
	var builds atomic.Int64
	p.AddCollector(Collector{
		Name: "counter",
		Collect: func(ctx context.Context) (string, error) {
			return fmt.Sprintf("- builds: %d", builds.Add(1)), nil
		},
	})

	first := p.Report(context.Background(), false)
	assert.Contains(t, first, "# Situation Report")
	assert.Contains(t, first, "## counter")
	assert.Contains(t, first, "- builds: 1")

	assert.Equal(t, first, p.Report(context.Background(), false))
	assert.Equal(t, int64(1), builds.Load())

	second := p.Report(context.Background(), true)
	assert.Contains(t, second, "- builds: 2")
}

func TestPlugin_ReportCacheExpires(t *testing.T) {
	p := New(Config{CacheTTLSeconds: 60}, zap.NewNop())
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	current := base
	p.now = func() time.Time { return current }

	builds := 0
	p.AddCollector(Collector{
		Name: "c",
		Collect: func(ctx context.Context) (string, error) {
			builds++
			return "- ok", nil
		},
	})

	p.Report(context.Background(), false)
	current = base.Add(30 * time.Second)
	p.Report(context.Background(), false)
	assert.Equal(t, 1, builds)

	current = base.Add(61 * time.Second)
	p.Report(context.Background(), false)
	assert.Equal(t, 2, builds)
}

func TestPlugin_FailingCollectorKeepsOthers(t *testing.T) {
	p := New(DefaultConfig(), zap.NewNop())
	p.AddCollector(Collector{
		Name:  "broken",
		Title: "Broken",
		Collect: func(ctx context.Context) (string, error) {
			return "", errors.New("source offline")
		},
	})
	p.AddCollector(Collector{
		Name:  "fine",
		Title: "Fine",
		Collect: func(ctx context.Context) (string, error) {
			return "- all good", nil
		},
	})

	report := p.Report(context.Background(), false)
	assert.Contains(t, report, "## Broken")
	assert.Contains(t, report, "_collector failed: source offline_")
	assert.Contains(t, report, "## Fine")
	assert.Contains(t, report, "- all good")
}

func TestPlugin_SectionsRenderInAddOrder(t *testing.T) {
	p := New(DefaultConfig(), zap.NewNop())
	for _, name := range []string{"one", "two", "three"} {
		p.AddCollector(Collector{
			Name: name,
			Collect: func(ctx context.Context) (string, error) {
				return "- x", nil
			},
		})
	}

	report := p.Report(context.Background(), false)
	one := strings.Index(report, "## one")
	two := strings.Index(report, "## two")
	three := strings.Index(report, "## three")
	require.NotEqual(t, -1, one)
	assert.Less(t, one, two)
	assert.Less(t, two, three)
}

func TestPlugin_AddCollectorInvalidatesCache(t *testing.T) {
	p := New(DefaultConfig(), zap.NewNop())
	p.AddCollector(Collector{
		Name: "first",
		Collect: func(ctx context.Context) (string, error) {
			return "- a", nil
		},
	})
	p.Report(context.Background(), false)

	p.AddCollector(Collector{
		Name: "second",
		Collect: func(ctx context.Context) (string, error) {
			return "- b", nil
		},
	})
	assert.Contains(t, p.Report(context.Background(), false), "## second")
}

func TestPlugin_CommandModes(t *testing.T) {
	p := New(DefaultConfig(), zap.NewNop())
	p.AddCollector(Collector{
		Name:  "governance",
		Title: "Governance",
		Collect: func(ctx context.Context) (string, error) {
			return "- policies: 2", nil
		},
	})

	reg := plugin.NewRegistry(zap.NewNop())
	reg.SetAgentIDs([]string{"main"})
	require.NoError(t, p.Register(context.Background(), reg))
	assert.Equal(t, "sitrep", p.Name())
	assert.Equal(t, []string{"governance", "host"}, p.Collectors())

	cmd, ok := reg.Command("sitrep")
	require.True(t, ok)

	out, err := cmd.Handler(context.Background(), []string{"collectors"})
	require.NoError(t, err)
	assert.Equal(t, "Collectors:\n  governance\n  host", out)

	out, err = cmd.Handler(context.Background(), nil)
	require.NoError(t, err)
	assert.Contains(t, out, "## Governance")
	assert.Contains(t, out, "## Host")
	assert.Contains(t, out, "- agents (1): main")

	out, err = cmd.Handler(context.Background(), []string{"refresh"})
	require.NoError(t, err)
	assert.Contains(t, out, "# Situation Report")

	out, err = cmd.Handler(context.Background(), []string{"bogus"})
	require.NoError(t, err)
	assert.Contains(t, out, "Unknown sitrep argument")
}

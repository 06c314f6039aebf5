package cortex

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openclaw-oversight/oversight-go/internal/facts"
	"github.com/openclaw-oversight/oversight-go/internal/llm"
	"github.com/openclaw-oversight/oversight-go/internal/plugin"
)

func newTestPlugin(t *testing.T, cfg Config, workspace string) (*Plugin, *plugin.Registry) {
	t.Helper()
	p := New(cfg, workspace, zap.NewNop())
	reg := plugin.NewRegistry(zap.NewNop())
	require.NoError(t, p.Register(context.Background(), reg))
	return p, reg
}

func messageEvent(content string) *plugin.Event {
	return &plugin.Event{
		Hook:       plugin.HookMessageSending,
		AgentID:    "main",
		SessionKey: "agent:main:1",
		Content:    content,
	}
}

func TestPlugin_IngestsMessages(t *testing.T) {
	p, reg := newTestPlugin(t, DefaultConfig(), "")

	res := reg.Dispatch(context.Background(), messageEvent(
		"The database is postgres. Our gateway listens on 127.0.0.1:8844."))
	assert.False(t, res.Block)
	require.Equal(t, 2, p.Store().Count())

	matches := p.Store().Query("database", "is", "postgres", 0)
	require.Len(t, matches, 1)
	assert.Equal(t, facts.SourceIngested, matches[0].Source)

	// A repeat boosts the existing fact instead of inserting a second.
	reg.Dispatch(context.Background(), messageEvent("The database is postgres."))
	assert.Equal(t, 2, p.Store().Count())

	st := p.Status()
	assert.Equal(t, int64(2), st.Ingested)
	assert.Equal(t, int64(0), st.Extracted)
	assert.Equal(t, 2, st.Facts)
	assert.Equal(t, 2, st.Unembedded)
	assert.False(t, st.ModelOn)
	assert.Empty(t, st.StorePath)
}

func TestPlugin_IngestDisabled(t *testing.T) {
	off := false
	cfg := DefaultConfig()
	cfg.Ingest = &off
	p, reg := newTestPlugin(t, cfg, "")

	reg.Dispatch(context.Background(), messageEvent("The database is postgres."))
	assert.Equal(t, 0, p.Store().Count())
}

func TestPlugin_IngestsToolResultText(t *testing.T) {
	p, reg := newTestPlugin(t, DefaultConfig(), "")

	reg.Dispatch(context.Background(), &plugin.Event{
		Hook:    plugin.HookToolResultPersist,
		Message: map[string]interface{}{"text": "The backup job runs on node-7."},
	})
	require.Len(t, p.Store().Query("backup job", "runs on", "node-7", 0), 1)
}

func TestPlugin_StatusCommand(t *testing.T) {
	p, _ := newTestPlugin(t, DefaultConfig(), "")
	p.Store().Add("database", "is", "postgres", facts.SourceManual)

	out, err := p.cmdStatus(context.Background(), nil)
	require.NoError(t, err)
	assert.Contains(t, out, "Cortex knowledge engine")
	assert.Contains(t, out, "facts:      1 (1 unembedded)")
	assert.Contains(t, out, "decay:      0.020 per day")
	assert.Contains(t, out, "model:      off")
	assert.Contains(t, out, "store:      memory-only")
}

func TestPlugin_SearchCommand(t *testing.T) {
	p, _ := newTestPlugin(t, DefaultConfig(), "")
	p.Store().Add("gateway", "listens on", "127.0.0.1:8844", facts.SourceManual)

	out, err := p.cmdSearch(context.Background(), []string{"gateway"})
	require.NoError(t, err)
	assert.Contains(t, out, `1 facts match "gateway"`)
	assert.Contains(t, out, "gateway listens on 127.0.0.1:8844")

	out, err = p.cmdSearch(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "Usage: cortex-search <query>", out)

	out, err = p.cmdSearch(context.Background(), []string{"nonexistent"})
	require.NoError(t, err)
	assert.Equal(t, `No facts match "nonexistent".`, out)
}

func TestPlugin_GatewayMethods(t *testing.T) {
	_, reg := newTestPlugin(t, DefaultConfig(), "")
	ctx := context.Background()

	add, ok := reg.GatewayMethod("cortex.add_fact")
	require.True(t, ok)
	out, err := add(ctx, map[string]interface{}{
		"subject": "database", "predicate": "is", "object": "postgres",
	})
	require.NoError(t, err)
	reply := out.(map[string]interface{})
	assert.Equal(t, true, reply["created"])
	assert.Equal(t, facts.SourceManual, reply["fact"].(*facts.Fact).Source)

	_, err = add(ctx, map[string]interface{}{"subject": "  "})
	assert.Error(t, err)

	query, _ := reg.GatewayMethod("cortex.query")
	out, err = query(ctx, map[string]interface{}{"subject": "database"})
	require.NoError(t, err)
	assert.Equal(t, 1, out.(map[string]interface{})["count"])

	search, _ := reg.GatewayMethod("cortex.search")
	out, err = search(ctx, map[string]interface{}{"query": "postgres"})
	require.NoError(t, err)
	assert.Equal(t, 1, out.(map[string]interface{})["count"])
	_, err = search(ctx, map[string]interface{}{})
	assert.Error(t, err)

	unembedded, _ := reg.GatewayMethod("cortex.unembedded")
	out, err = unembedded(ctx, map[string]interface{}{})
	require.NoError(t, err)
	pending := out.(map[string]interface{})["facts"].([]facts.Fact)
	require.Len(t, pending, 1)

	mark, _ := reg.GatewayMethod("cortex.mark_embedded")
	out, err = mark(ctx, map[string]interface{}{"ids": []string{pending[0].ID}})
	require.NoError(t, err)
	assert.Equal(t, 1, out.(map[string]interface{})["marked"])
	_, err = mark(ctx, map[string]interface{}{})
	assert.Error(t, err)

	out, err = unembedded(ctx, map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, 0, out.(map[string]interface{})["count"])
}

func TestPlugin_ModelExtraction(t *testing.T) {
	srv := extractServer(t, `{"facts":[{"subject":"deploy window","predicate":"is","object":"Friday 14:00"}]}`)
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.LLM = &llm.Config{Endpoint: srv.URL, Model: "extractor-test"}
	p, reg := newTestPlugin(t, cfg, "")
	require.True(t, p.Status().ModelOn)

	reg.Dispatch(context.Background(), messageEvent("We talked about the deploy."))

	require.Eventually(t, func() bool {
		return len(p.Store().Query("deploy window", "is", "Friday 14:00", 0)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	matches := p.Store().Query("deploy window", "", "", 0)
	require.Len(t, matches, 1)
	assert.Equal(t, facts.SourceExtractedLLM, matches[0].Source)
	assert.Equal(t, int64(1), p.Status().Extracted)

	// Stop drains cleanly with no extractions in flight.
	reg.StopServices(context.Background())
}

func TestPlugin_StopFlushesStore(t *testing.T) {
	ws := t.TempDir()
	p, reg := newTestPlugin(t, DefaultConfig(), ws)
	require.NoError(t, reg.StartServices(context.Background()))

	reg.Dispatch(context.Background(), messageEvent("The database is postgres."))
	require.Equal(t, 1, p.Store().Count())

	reg.StopServices(context.Background())

	_, err := os.Stat(filepath.Join(ws, facts.FactsFileName))
	require.NoError(t, err)

	reopened := facts.Open(facts.DefaultConfig(), ws, zap.NewNop())
	defer reopened.Close()
	assert.Equal(t, 1, reopened.Count())
}

func TestPlugin_RegisterSurfaces(t *testing.T) {
	p, reg := newTestPlugin(t, DefaultConfig(), "")
	assert.Equal(t, "cortex", p.Name())

	var names []string
	for _, cmd := range reg.Commands() {
		names = append(names, cmd.Name)
	}
	assert.Equal(t, []string{"cortex-search", "cortexstatus"}, names)

	for _, m := range []string{
		"cortex.add_fact", "cortex.query", "cortex.search",
		"cortex.unembedded", "cortex.mark_embedded",
	} {
		_, ok := reg.GatewayMethod(m)
		assert.True(t, ok, m)
	}
}

func TestConfig_Normalized(t *testing.T) {
	assert.Equal(t, DefaultDecayRate, Config{}.normalized().DecayRate)
	assert.Equal(t, DefaultDecayRate, Config{DecayRate: 1.5}.normalized().DecayRate)
	assert.Equal(t, 0.05, Config{DecayRate: 0.05}.normalized().DecayRate)

	on := Config{}
	assert.True(t, on.ingestOn())
	off := false
	assert.False(t, Config{Ingest: &off}.ingestOn())
}

package server

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openclaw-oversight/oversight-go/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.PluginsRoot = t.TempDir()
	return cfg
}

func bootstrapped(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	srv, err := NewServer(cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, srv.Bootstrap(context.Background()))
	t.Cleanup(func() { srv.Shutdown(context.Background()) })
	return srv
}

func TestBootstrapRegistersSuite(t *testing.T) {
	srv := bootstrapped(t, testConfig(t))

	for _, name := range []string{
		"sitrep", "governance", "trace-analyze", "trace-status",
		"cortexstatus", "cortex-search", "reboot-snapshot",
	} {
		_, ok := srv.Registry().Command(name)
		assert.True(t, ok, "command %s not registered", name)
	}

	for _, method := range []string{
		"governance.status", "governance.audit_query", "governance.sync_facts",
		"cortex.add_fact", "cortex.query", "cortex.search",
		"cortex.unembedded", "cortex.mark_embedded",
	} {
		_, ok := srv.Registry().GatewayMethod(method)
		assert.True(t, ok, "method %s not registered", method)
	}
}

func TestBootstrapCollectorOrder(t *testing.T) {
	srv := bootstrapped(t, testConfig(t))

	// Sitrep boots after its report sources, so every sibling section is
	// wired by the time it registers; the host section lands last.
	assert.Equal(t, []string{"governance", "tracer", "cortex", "host"}, srv.sitrep.Collectors())
}

func TestBootstrapIdempotent(t *testing.T) {
	srv := bootstrapped(t, testConfig(t))
	require.NoError(t, srv.Bootstrap(context.Background()), "second bootstrap must be a no-op")
}

func TestBootstrapDisabledPlugin(t *testing.T) {
	cfg := testConfig(t)
	off := false
	cfg.Plugins.TraceAnalyzer.Enabled = &off

	srv := bootstrapped(t, cfg)

	_, ok := srv.Registry().Command("trace-analyze")
	assert.False(t, ok, "disabled plugin must register nothing")
	_, ok = srv.Registry().Command("sitrep")
	assert.True(t, ok)
	assert.Equal(t, []string{"governance", "cortex", "host"}, srv.sitrep.Collectors())
}

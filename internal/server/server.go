// Package server assembles the oversight daemon: the plugin registry, the
// five plugins in boot order, the observability managers, and the gateway.
// The CLI uses the same assembly for its in-process fallback, bootstrapping
// the registry without binding the listener.
package server

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/openclaw-oversight/oversight-go/internal/config"
	"github.com/openclaw-oversight/oversight-go/internal/cortex"
	"github.com/openclaw-oversight/oversight-go/internal/eventstore"
	"github.com/openclaw-oversight/oversight-go/internal/gateway"
	"github.com/openclaw-oversight/oversight-go/internal/governance"
	"github.com/openclaw-oversight/oversight-go/internal/llm"
	"github.com/openclaw-oversight/oversight-go/internal/observability"
	"github.com/openclaw-oversight/oversight-go/internal/plugin"
	"github.com/openclaw-oversight/oversight-go/internal/reboot"
	"github.com/openclaw-oversight/oversight-go/internal/secret"
	"github.com/openclaw-oversight/oversight-go/internal/sitrep"
	"github.com/openclaw-oversight/oversight-go/internal/tracer"
)

// Version is stamped at build time; source builds report dev.
var Version = "dev"

// Server owns the daemon lifecycle.
type Server struct {
	cfg     *config.Config
	logger  *zap.Logger
	secrets *secret.Resolver

	registry *plugin.Registry
	obs      *observability.Manager
	gw       *gateway.Server

	governance *governance.Plugin
	tracer     *tracer.Plugin
	cortex     *cortex.Plugin
	sitrep     *sitrep.Plugin
	reboot     *reboot.Plugin

	mu           sync.Mutex
	bootstrapped bool
	running      bool
}

// NewServer builds the registry, observability, and gateway from cfg.
// Plugins are constructed and registered later by Bootstrap.
func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	resolver := secret.NewResolver()
	if err := resolver.ExpandStructSecrets(context.Background(), cfg); err != nil {
		logger.Warn("failed to resolve config secret references", zap.Error(err))
	}
	if cfg.PluginsRoot == "" {
		root, err := config.DefaultPluginsRoot()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve plugins root: %w", err)
		}
		cfg.PluginsRoot = root
	}

	obs, err := observability.NewManager(obsConfigFrom(cfg), logger.Named("observability"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize observability: %w", err)
	}

	registry := plugin.NewRegistry(logger.Named("host"))
	gw := gateway.NewServer(gateway.Config{
		Listen: cfg.Listen,
		APIKey: cfg.APIKey,
	}, registry, obs, logger.Named("gateway"))

	return &Server{
		cfg:      cfg,
		logger:   logger,
		secrets:  resolver,
		registry: registry,
		obs:      obs,
		gw:       gw,
	}, nil
}

// Registry exposes the host surface, mainly for the CLI's in-process
// fallback and for tests.
func (s *Server) Registry() *plugin.Registry { return s.registry }

// ListenAddr returns the gateway's bound address once started.
func (s *Server) ListenAddr() string { return s.gw.ListenAddr() }

// Bootstrap reads the host config roster, registers every enabled plugin in
// boot order, and wires the observability thunks. Idempotent.
func (s *Server) Bootstrap(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bootstrapped {
		return nil
	}

	if s.cfg.HostConfigPath != "" {
		hostCfg, err := config.ReadHostConfig(s.cfg.HostConfigPath)
		if err != nil {
			s.logger.Warn("failed to read host config",
				zap.String("path", s.cfg.HostConfigPath),
				zap.Error(err))
		} else {
			ids := hostCfg.AgentIDs()
			s.registry.SetAgentIDs(ids)
			s.logger.Info("agent roster loaded", zap.Int("agents", len(ids)))
		}
	}

	for _, name := range config.PluginNames {
		if !s.cfg.Plugins.RefFor(name).IsEnabled(true) {
			s.logger.Info("plugin disabled", zap.String("plugin", name))
			continue
		}
		p, err := s.buildPlugin(ctx, name)
		if err != nil {
			return fmt.Errorf("failed to configure plugin %s: %w", name, err)
		}
		if err := p.Register(ctx, s.registry); err != nil {
			return fmt.Errorf("failed to register plugin %s: %w", name, err)
		}
		s.logger.Info("plugin registered", zap.String("plugin", name))
	}

	s.wireObservability()
	s.bootstrapped = true
	return nil
}

// buildPlugin loads the plugin's config file (bootstrapping defaults seeded
// from the daemon's shared blocks), resolves secret references, and
// constructs the plugin.
func (s *Server) buildPlugin(ctx context.Context, name string) (plugin.Plugin, error) {
	workspace := s.cfg.WorkspaceFor(name)
	cfgPath := s.cfg.PluginConfigPath(name)
	pluginLogger := s.logger.Named(name)

	switch name {
	case config.PluginGovernance:
		pcfg := governance.DefaultConfig()
		def := governance.DefaultConfig()
		if err := config.LoadOrInit(cfgPath, &pcfg, &def); err != nil {
			return nil, err
		}
		s.expandSecrets(ctx, &pcfg)
		s.governance = governance.New(pcfg, workspace, pluginLogger)
		return s.governance, nil

	case config.PluginTraceAnalyzer:
		def := tracer.DefaultConfig()
		def.EventStore = s.eventStoreDefaults(def.EventStore)
		def.LLM = def.LLM.Merge(s.llmDefaults())
		pcfg := def
		if err := config.LoadOrInit(cfgPath, &pcfg, &def); err != nil {
			return nil, err
		}
		s.expandSecrets(ctx, &pcfg)
		s.tracer = tracer.New(pcfg, workspace, pluginLogger)
		return s.tracer, nil

	case config.PluginCortex:
		def := cortex.DefaultConfig()
		if global := s.llmDefaults(); s.cfg.LLM.IsEnabled() && global.Endpoint != "" {
			def.LLM = &global
		}
		pcfg := def
		if err := config.LoadOrInit(cfgPath, &pcfg, &def); err != nil {
			return nil, err
		}
		s.expandSecrets(ctx, &pcfg)
		s.cortex = cortex.New(pcfg, workspace, pluginLogger)
		return s.cortex, nil

	case config.PluginSitrep:
		pcfg := sitrep.DefaultConfig()
		def := sitrep.DefaultConfig()
		if err := config.LoadOrInit(cfgPath, &pcfg, &def); err != nil {
			return nil, err
		}
		s.sitrep = sitrep.New(pcfg, pluginLogger)
		s.addStatusCollectors()
		return s.sitrep, nil

	case config.PluginReboot:
		pcfg := reboot.DefaultConfig()
		def := reboot.DefaultConfig()
		if err := config.LoadOrInit(cfgPath, &pcfg, &def); err != nil {
			return nil, err
		}
		s.reboot = reboot.New(pcfg, workspace, pluginLogger)
		return s.reboot, nil
	}
	return nil, fmt.Errorf("unknown plugin: %s", name)
}

func (s *Server) expandSecrets(ctx context.Context, v interface{}) {
	if err := s.secrets.ExpandStructSecrets(ctx, v); err != nil {
		s.logger.Warn("failed to resolve plugin secret references", zap.Error(err))
	}
}

// eventStoreDefaults overlays the daemon's shared event-store block onto the
// package defaults used when bootstrapping a plugin config file.
func (s *Server) eventStoreDefaults(base eventstore.Config) eventstore.Config {
	es := s.cfg.EventStore
	if es == nil {
		return base
	}
	if es.URL != "" {
		base.URL = es.URL
	}
	if es.Stream != "" {
		base.Stream = es.Stream
	}
	if es.CredentialsRef != "" {
		base.Credentials = es.CredentialsRef
	}
	return base
}

// llmDefaults maps the daemon's shared LLM block into the client config.
func (s *Server) llmDefaults() llm.Config {
	g := s.cfg.LLM
	if g == nil {
		return llm.Config{}
	}
	return llm.Config{
		Endpoint:  g.Endpoint,
		Model:     g.Model,
		APIKey:    g.APIKey,
		TimeoutMs: g.TimeoutMs,
	}
}

// addStatusCollectors feeds the sitrep report from the sibling plugins that
// registered before it in boot order. Thunks rather than plugin pointers:
// sitrep renders snapshots, it never reaches into live engines.
func (s *Server) addStatusCollectors() {
	if s.governance != nil {
		s.sitrep.AddCollector(sitrep.GovernanceCollector(func() governance.Status {
			return s.governance.Engine().Status()
		}))
	}
	if s.tracer != nil {
		s.sitrep.AddCollector(sitrep.TracerCollector(s.tracer.Status))
	}
	if s.cortex != nil {
		s.sitrep.AddCollector(sitrep.CortexCollector(s.cortex.Status))
	}
}

// wireObservability registers workspace health probes and the per-subsystem
// scrape-time counters over the plugins' status snapshots.
func (s *Server) wireObservability() {
	if s.governance != nil {
		s.obs.RegisterCheck(observability.WorkspaceCheck("governance-workspace", s.cfg.WorkspaceFor(config.PluginGovernance)))
		st := func() governance.Status { return s.governance.Engine().Status() }
		s.obs.RegisterCounter("oversight_governance_evaluations_total",
			"Hook evaluations run by the governance engine.",
			func() float64 { return float64(st().Evaluations) })
		s.obs.RegisterCounter("oversight_governance_denials_total",
			"Evaluations that ended in a deny verdict.",
			func() float64 { return float64(st().Denials) })
		s.obs.RegisterGauge("oversight_governance_agents",
			"Agents with trust records.",
			func() float64 { return float64(st().Agents) })
		s.obs.RegisterGauge("oversight_governance_sessions",
			"Sessions tracked in the arena.",
			func() float64 { return float64(st().Sessions) })
		s.obs.RegisterGauge("oversight_audit_records_today",
			"Audit records written today, including buffered ones.",
			func() float64 { return float64(st().Audit.TodayRecords) })
	}

	if s.tracer != nil {
		s.obs.RegisterCheck(observability.WorkspaceCheck("trace-analyzer-workspace", s.cfg.WorkspaceFor(config.PluginTraceAnalyzer)))
		st := s.tracer.Status
		s.obs.RegisterCounter("oversight_analyzer_events_total",
			"Events processed across analysis runs.",
			func() float64 { return float64(st().TotalEventsProcessed) })
		s.obs.RegisterCounter("oversight_analyzer_findings_total",
			"Findings produced across analysis runs.",
			func() float64 { return float64(st().TotalFindings) })
		s.obs.RegisterCounter("oversight_analyzer_runs_total",
			"Analysis passes completed by this process.",
			func() float64 { return float64(st().Runs) })
	}

	if s.cortex != nil {
		s.obs.RegisterCheck(observability.WorkspaceCheck("cortex-workspace", s.cfg.WorkspaceFor(config.PluginCortex)))
		s.obs.RegisterCheck(observability.FlushCheck("cortex-store", s.cortex.Store().Flush))
		st := s.cortex.Status
		s.obs.RegisterGauge("oversight_facts_stored",
			"Facts currently held by the knowledge store.",
			func() float64 { return float64(st().Facts) })
		s.obs.RegisterGauge("oversight_facts_unembedded",
			"Facts not yet marked embedded.",
			func() float64 { return float64(st().Unembedded) })
		s.obs.RegisterCounter("oversight_facts_ingested_total",
			"Facts created by pattern ingestion.",
			func() float64 { return float64(st().Ingested) })
		s.obs.RegisterCounter("oversight_facts_extracted_total",
			"Facts created by model extraction.",
			func() float64 { return float64(st().Extracted) })
	}

	if s.reboot != nil {
		s.obs.RegisterCheck(observability.WorkspaceCheck("reboot-workspace", s.cfg.WorkspaceFor(config.PluginReboot)))
	}
}

// Start bootstraps, starts the background services, and binds the gateway.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Bootstrap(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("server already running")
	}

	if err := s.registry.StartServices(ctx); err != nil {
		s.registry.StopServices(ctx)
		return fmt.Errorf("failed to start services: %w", err)
	}
	if err := s.gw.Start(ctx); err != nil {
		s.registry.StopServices(ctx)
		return err
	}

	s.running = true
	s.logger.Info("oversight daemon ready",
		zap.String("listen", s.gw.ListenAddr()),
		zap.String("version", Version))
	return nil
}

// Stop shuts the gateway, drains the services in reverse order, and flushes
// buffered traces. Safe to call twice.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}

	if err := s.gw.Stop(ctx); err != nil {
		s.logger.Warn("gateway stop failed", zap.Error(err))
	}
	s.registry.StopServices(ctx)
	if err := s.obs.Close(ctx); err != nil {
		s.logger.Warn("failed to flush traces", zap.Error(err))
	}

	s.running = false
	s.logger.Info("oversight daemon stopped")
	return nil
}

// Shutdown is Bootstrap's counterpart for assemblies that never started:
// it stops the registered services so stores flush and close.
func (s *Server) Shutdown(ctx context.Context) {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if running {
		_ = s.Stop(ctx)
		return
	}
	s.registry.StopServices(ctx)
}

// obsConfigFrom maps the daemon config block onto the observability
// manager's own config type.
func obsConfigFrom(cfg *config.Config) observability.Config {
	out := observability.DefaultConfig("oversight", Version)
	oc := cfg.Observability
	if oc == nil {
		return out
	}
	out.Metrics.Enabled = oc.Metrics.Enabled
	out.Tracing.Enabled = oc.Tracing.Enabled
	if oc.Tracing.ServiceName != "" {
		out.Tracing.ServiceName = oc.Tracing.ServiceName
	}
	out.Tracing.OTLPEndpoint = oc.Tracing.OTLPEndpoint
	if oc.Tracing.SampleRate > 0 {
		out.Tracing.SampleRate = oc.Tracing.SampleRate
	}
	return out
}

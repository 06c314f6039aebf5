package governance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/openclaw-oversight/oversight-go/internal/audit"
	"github.com/openclaw-oversight/oversight-go/internal/outputcheck"
	"github.com/openclaw-oversight/oversight-go/internal/plugin"
)

const (
	pluginName = "governance"

	trustServiceID = "governance.trust"
	auditServiceID = "governance.audit"
	vaultServiceID = "governance.vault"

	// hookPriority runs governance ahead of observers on shared hooks.
	hookPriority = 100
)

// Plugin exposes the engine through the host surface.
type Plugin struct {
	cfg       Config
	workspace string
	logger    *zap.Logger

	engine *Engine
}

// New creates the governance plugin rooted at workspace.
func New(cfg Config, workspace string, logger *zap.Logger) *Plugin {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Plugin{cfg: cfg, workspace: workspace, logger: logger}
}

// Name implements plugin.Plugin.
func (p *Plugin) Name() string { return pluginName }

// Engine returns the live engine; nil before Register.
func (p *Plugin) Engine() *Engine { return p.engine }

// Register builds the engine and registers every governance surface: seven
// hooks, the governance command, three gateway methods, and the three
// background services.
func (p *Plugin) Register(ctx context.Context, host plugin.Host) error {
	p.engine = NewEngine(p.cfg, p.workspace, p.logger)

	host.On(plugin.HookSessionStart, p.engine.SessionStart, plugin.HookOptions{Priority: hookPriority})
	host.On(plugin.HookBeforeAgentStart, p.engine.BeforeAgentStart, plugin.HookOptions{Priority: hookPriority})
	host.On(plugin.HookBeforeToolCall, p.engine.BeforeToolCall, plugin.HookOptions{Priority: hookPriority})
	host.On(plugin.HookAfterToolCall, p.engine.AfterToolCall, plugin.HookOptions{Priority: hookPriority})
	host.On(plugin.HookToolResultPersist, p.engine.ToolResultPersist, plugin.HookOptions{})
	host.On(plugin.HookMessageSending, p.engine.CheckMessage, plugin.HookOptions{Priority: hookPriority})
	host.On(plugin.HookBeforeMessageWrite, p.engine.CheckMessage, plugin.HookOptions{Priority: hookPriority})

	if err := host.RegisterCommand(plugin.Command{
		Name:        "governance",
		Description: "Show governance engine status",
		Handler:     p.cmdStatus,
	}); err != nil {
		return err
	}

	if err := host.RegisterGatewayMethod("governance.status", p.rpcStatus); err != nil {
		return err
	}
	if err := host.RegisterGatewayMethod("governance.audit_query", p.rpcAuditQuery); err != nil {
		return err
	}
	if err := host.RegisterGatewayMethod("governance.sync_facts", p.rpcSyncFacts); err != nil {
		return err
	}

	if err := host.RegisterService(plugin.Service{
		ID:    trustServiceID,
		Start: func(context.Context) error { p.engine.trust.Start(); return nil },
		Stop:  func(context.Context) error { p.engine.trust.Stop(); return nil },
	}); err != nil {
		return err
	}
	if err := host.RegisterService(plugin.Service{
		ID:    auditServiceID,
		Start: func(context.Context) error { p.engine.journal.Start(); return nil },
		Stop:  func(context.Context) error { p.engine.journal.Stop(); return nil },
	}); err != nil {
		return err
	}
	return host.RegisterService(plugin.Service{
		ID:    vaultServiceID,
		Start: func(context.Context) error { p.engine.vault.Start(); return nil },
		Stop: func(context.Context) error {
			p.engine.vault.Stop()
			p.engine.vault.Clear()
			return nil
		},
	})
}

func (p *Plugin) cmdStatus(ctx context.Context, args []string) (string, error) {
	s := p.engine.Status()

	var b strings.Builder
	fmt.Fprintf(&b, "Governance engine status\n")
	fmt.Fprintf(&b, "  policies:    %d\n", s.Policies)
	fmt.Fprintf(&b, "  evaluations: %d (%d denied)\n", s.Evaluations, s.Denials)
	fmt.Fprintf(&b, "  fail mode:   %s\n", failModeText(s.FailOpen))
	fmt.Fprintf(&b, "  learning:    %s\n", onOff(s.Learning))
	fmt.Fprintf(&b, "  output:      %s (%d registry facts)\n", onOff(s.OutputChecks), s.RegistryFacts)
	fmt.Fprintf(&b, "  agents:      %d tracked, %d sessions\n", s.Agents, s.Sessions)
	fmt.Fprintf(&b, "  audit:       %d records today, %d buffered%s\n",
		s.Audit.TodayRecords, s.Audit.Buffered, memOnlySuffix(s.Audit.MemoryOnly))
	fmt.Fprintf(&b, "  vault:       %d live entries", s.VaultEntries)
	return b.String(), nil
}

func (p *Plugin) rpcStatus(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	return p.engine.Status(), nil
}

func (p *Plugin) rpcAuditQuery(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var q struct {
		Agent   string `json:"agent"`
		Verdict string `json:"verdict"`
		Limit   int    `json:"limit"`
		SinceMs int64  `json:"sinceMs"`
		UntilMs int64  `json:"untilMs"`
	}
	if err := decodeParams(params, &q); err != nil {
		return nil, fmt.Errorf("invalid audit query: %w", err)
	}

	query := audit.Query{AgentID: q.Agent, Verdict: q.Verdict, Limit: q.Limit}
	if q.SinceMs > 0 {
		query.Since = time.UnixMilli(q.SinceMs)
	}
	if q.UntilMs > 0 {
		query.Until = time.UnixMilli(q.UntilMs)
	}

	records := p.engine.AuditSearch(query)
	return map[string]interface{}{
		"records": records,
		"count":   len(records),
	}, nil
}

func (p *Plugin) rpcSyncFacts(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var body struct {
		Facts []outputcheck.Fact `json:"facts"`
	}
	if err := decodeParams(params, &body); err != nil {
		return nil, fmt.Errorf("invalid fact sync payload: %w", err)
	}

	size := p.engine.SyncFacts(body.Facts)
	p.logger.Info("claim registry synced", zap.Int("facts", size))
	return map[string]interface{}{"synced": size}, nil
}

func decodeParams(params map[string]interface{}, into interface{}) error {
	data, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, into)
}

func failModeText(open bool) string {
	if open {
		return "fail-open"
	}
	return "fail-closed"
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func memOnlySuffix(memOnly bool) string {
	if memOnly {
		return " (memory-only)"
	}
	return ""
}

// Package reboot keeps a warm-boot picture of the conversation. It folds
// message traffic into per-session thread summaries and renders the
// hot-snapshot document an agent reads right after a restart.
package reboot

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/openclaw-oversight/oversight-go/internal/atomicfile"
	"github.com/openclaw-oversight/oversight-go/internal/event"
	"github.com/openclaw-oversight/oversight-go/internal/plugin"
)

const (
	pluginName      = "reboot"
	writerServiceID = "reboot.writer"
)

// Plugin wires the thread tracker into the host surface.
type Plugin struct {
	cfg       Config
	workspace string
	logger    *zap.Logger

	dir     string
	tracker *Tracker
}

// New creates the reboot plugin rooted at workspace. An empty workspace runs
// the tracker memory-only and skips snapshot files.
func New(cfg Config, workspace string, logger *zap.Logger) *Plugin {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Plugin{cfg: cfg.normalized(), workspace: workspace, logger: logger}
}

// Name implements plugin.Plugin.
func (p *Plugin) Name() string { return pluginName }

// Register opens the tracker, hooks the message stream, and registers the
// snapshot command and the writer service.
func (p *Plugin) Register(ctx context.Context, host plugin.Host) error {
	if p.workspace != "" {
		p.dir = filepath.Join(p.workspace, "memory", pluginName)
	}
	p.tracker = OpenTracker(p.cfg, p.dir, p.logger)

	host.On(plugin.HookMessageSending, p.onMessage, plugin.HookOptions{})
	host.On(plugin.HookBeforeMessageWrite, p.onMessage, plugin.HookOptions{})
	host.On(plugin.HookSessionStart, p.onSessionStart, plugin.HookOptions{})

	if err := host.RegisterCommand(plugin.Command{
		Name:        "reboot-snapshot",
		Description: "Render and persist the boot-context snapshot",
		Handler:     p.cmdSnapshot,
	}); err != nil {
		return err
	}

	return host.RegisterService(plugin.Service{
		ID:   writerServiceID,
		Stop: p.stopWriter,
	})
}

// onMessage folds one outbound or persisted message into its session thread.
func (p *Plugin) onMessage(ctx context.Context, ev *plugin.Event) (*plugin.Result, error) {
	agentID := ev.AgentID
	if agentID == "" {
		agentID = event.CanonicalSession(ev.SessionKey)
	}
	p.tracker.Observe(ev.SessionKey, agentID, ev.Channel, messageText(ev), ev.TS)
	return nil, nil
}

// onSessionStart refreshes the hot snapshot so the restarting agent reads a
// current picture.
func (p *Plugin) onSessionStart(ctx context.Context, ev *plugin.Event) (*plugin.Result, error) {
	if _, err := p.writeSnapshot(); err != nil {
		p.logger.Warn("failed to write boot snapshot", zap.Error(err))
	}
	return nil, nil
}

func (p *Plugin) cmdSnapshot(ctx context.Context, args []string) (string, error) {
	doc, err := p.writeSnapshot()
	if err != nil {
		p.logger.Warn("failed to write boot snapshot", zap.Error(err))
	}
	return strings.TrimRight(doc, "\n"), nil
}

// writeSnapshot renders the snapshot markdown and, when a workspace is
// configured, persists it next to the thread file. The rendered document is
// returned even when the write fails.
func (p *Plugin) writeSnapshot() (string, error) {
	doc := renderSnapshot(p.tracker.Threads(), p.cfg.SnapshotThreads, time.Now())
	if p.dir == "" {
		return doc, nil
	}
	path := filepath.Join(p.dir, SnapshotFileName)
	if err := atomicfile.WriteFile(path, []byte(doc), 0o600); err != nil {
		return doc, fmt.Errorf("failed to write %s: %w", SnapshotFileName, err)
	}
	return doc, nil
}

// stopWriter flushes outstanding thread changes.
func (p *Plugin) stopWriter(ctx context.Context) error {
	if err := p.tracker.Close(); err != nil {
		return fmt.Errorf("failed to flush threads: %w", err)
	}
	return nil
}

// messageText pulls the message body out of an event: Content when set, else
// the text or content field of the structured message.
func messageText(ev *plugin.Event) string {
	if s := strings.TrimSpace(ev.Content); s != "" {
		return s
	}
	for _, key := range []string{"text", "content"} {
		if s, ok := ev.Message[key].(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		}
	}
	return ""
}

package tracer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/openclaw-oversight/oversight-go/internal/detect"
	"github.com/openclaw-oversight/oversight-go/internal/eventstore"
	"github.com/openclaw-oversight/oversight-go/internal/plugin"
)

const (
	pluginName  = "trace-analyzer"
	schedulerID = "trace-analyzer.scheduler"
)

// Plugin exposes the analyzer through the host surface: the trace-analyze
// and trace-status commands plus the interval scheduler service.
type Plugin struct {
	cfg       Config
	workspace string
	logger    *zap.Logger

	// stream overrides the dialed event store; nil means connect lazily.
	stream eventstore.Stream

	analyzer *Analyzer
	streaks  *detect.StreakStore

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates the trace-analyzer plugin rooted at workspace.
func New(cfg Config, workspace string, logger *zap.Logger) *Plugin {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Plugin{cfg: cfg, workspace: workspace, logger: logger}
}

// Name implements plugin.Plugin.
func (p *Plugin) Name() string { return pluginName }

// Status reports the analyzer counters and liveness.
func (p *Plugin) Status() Status { return p.analyzer.Status() }

// Register opens the streak store, builds the analyzer, and registers the
// command and service surfaces. A streak store that fails to open degrades
// to in-memory-only detection rather than failing the plugin.
func (p *Plugin) Register(ctx context.Context, host plugin.Host) error {
	streaks, err := detect.OpenStreakStore(filepath.Join(p.workspace, StreakDBName), p.logger)
	if err != nil {
		p.logger.Warn("streak store unavailable, cross-run streak continuity disabled", zap.Error(err))
	} else {
		p.streaks = streaks
	}

	p.analyzer = NewAnalyzer(p.cfg, p.workspace, p.stream, p.streaks, p.logger)

	if err := host.RegisterCommand(plugin.Command{
		Name:        "trace-analyze",
		Description: "Analyze the event log for failure signals (trace-analyze [full=true])",
		Handler:     p.cmdAnalyze,
	}); err != nil {
		return err
	}
	if err := host.RegisterCommand(plugin.Command{
		Name:        "trace-status",
		Description: "Show trace analyzer counters and the last report",
		Handler:     p.cmdStatus,
	}); err != nil {
		return err
	}

	return host.RegisterService(plugin.Service{
		ID:    schedulerID,
		Start: p.startScheduler,
		Stop:  p.stopScheduler,
	})
}

func (p *Plugin) cmdAnalyze(ctx context.Context, args []string) (string, error) {
	full := false
	for _, arg := range args {
		key, value, _ := strings.Cut(strings.TrimSpace(arg), "=")
		if strings.EqualFold(key, "full") {
			full = value == "" || strings.EqualFold(value, "true")
		}
	}

	report, err := p.analyzer.Run(ctx, full)
	if errors.Is(err, ErrRunInProgress) {
		return "A trace analysis is already running; try again when it finishes.", nil
	}
	if report == nil {
		return "", err
	}

	var sb strings.Builder
	if report.Partial {
		fmt.Fprintf(&sb, "Trace analysis aborted on a transport failure (%s); partial report persisted.\n", report.Error)
	} else {
		sb.WriteString("Trace analysis complete.\n")
	}
	fmt.Fprintf(&sb, "  mode:     %s\n", report.Mode)
	fmt.Fprintf(&sb, "  events:   %d (%d duplicates)\n", report.Events, report.Duplicates)
	fmt.Fprintf(&sb, "  chains:   %d\n", report.Chains)
	fmt.Fprintf(&sb, "  findings: %d\n", len(report.Findings))
	for _, f := range report.Findings {
		fmt.Fprintf(&sb, "    [%s] %s: %s\n", f.Signal.Severity, f.Signal.Kind, f.Signal.Summary)
	}
	fmt.Fprintf(&sb, "  report:   %s", report.ID)
	return sb.String(), nil
}

func (p *Plugin) cmdStatus(ctx context.Context, args []string) (string, error) {
	status := p.analyzer.Status()

	lastProcessed := "never"
	if status.LastProcessedTS > 0 {
		lastProcessed = fmt.Sprintf("%s (%d)",
			time.UnixMilli(status.LastProcessedTS).UTC().Format(time.RFC3339),
			status.LastProcessedTS)
	}
	running := "idle"
	if status.Running {
		running = "running"
	}
	schedule := "disabled"
	if p.cfg.IntervalHours > 0 {
		schedule = fmt.Sprintf("every %dh", p.cfg.IntervalHours)
	}

	var sb strings.Builder
	sb.WriteString("Trace analyzer status\n")
	fmt.Fprintf(&sb, "  state:            %s\n", running)
	fmt.Fprintf(&sb, "  schedule:         %s\n", schedule)
	fmt.Fprintf(&sb, "  last processed:   %s\n", lastProcessed)
	fmt.Fprintf(&sb, "  events processed: %d\n", status.TotalEventsProcessed)
	fmt.Fprintf(&sb, "  findings total:   %d\n", status.TotalFindings)
	if status.LastReportID != "" {
		fmt.Fprintf(&sb, "  last report:      %s (%s)\n", status.LastReportID, ReportFileName)
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

// startScheduler launches the periodic run loop. The loop uses its own
// context so a request-scoped start context cannot kill it.
func (p *Plugin) startScheduler(ctx context.Context) error {
	if p.cfg.IntervalHours <= 0 {
		p.logger.Info("scheduled trace analysis disabled")
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.loop(loopCtx, time.Duration(p.cfg.IntervalHours)*time.Hour)
	p.logger.Info("trace analysis scheduled", zap.Int("intervalHours", p.cfg.IntervalHours))
	return nil
}

func (p *Plugin) loop(ctx context.Context, interval time.Duration) {
	defer close(p.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.analyzer.Run(ctx, false); err != nil && !errors.Is(err, ErrRunInProgress) {
				p.logger.Warn("scheduled trace analysis failed", zap.Error(err))
			}
		}
	}
}

// stopScheduler stops the run loop, then releases the event-store
// connection and the streak store.
func (p *Plugin) stopScheduler(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
		select {
		case <-p.done:
		case <-ctx.Done():
		}
		p.cancel = nil
	}
	if p.analyzer != nil {
		p.analyzer.Close()
	}
	if p.streaks != nil {
		if err := p.streaks.Close(); err != nil {
			p.logger.Warn("failed to close streak store", zap.Error(err))
		}
		p.streaks = nil
	}
	return nil
}

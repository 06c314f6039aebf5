// Package sitrep assembles a situation report over the rest of the suite.
// Each collector renders one markdown section; the assembled report is
// cached between builds and nothing is ever persisted.
package sitrep

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openclaw-oversight/oversight-go/internal/plugin"
)

const (
	pluginName = "sitrep"

	// DefaultCacheTTLSeconds is how long a built report is served before a
	// plain `sitrep` rebuilds it.
	DefaultCacheTTLSeconds = 300
)

// Collector produces one report section. Name is the handle shown by
// `sitrep collectors`; Title heads the markdown section.
type Collector struct {
	Name    string
	Title   string
	Collect func(ctx context.Context) (string, error)
}

// Config tunes report caching.
type Config struct {
	CacheTTLSeconds int `json:"cacheTtlSeconds,omitempty" mapstructure:"cache_ttl_seconds"`
}

// DefaultConfig returns the standard sitrep settings.
func DefaultConfig() Config {
	return Config{CacheTTLSeconds: DefaultCacheTTLSeconds}
}

func (c Config) normalized() Config {
	if c.CacheTTLSeconds <= 0 {
		c.CacheTTLSeconds = DefaultCacheTTLSeconds
	}
	return c
}

// Plugin renders collector sections into one cached markdown report.
type Plugin struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu         sync.Mutex
	collectors []Collector
	cached     string
	builtAt    time.Time
}

// New creates the sitrep plugin. Collectors are added by the daemon before
// registration; the host collector is appended during Register.
func New(cfg Config, logger *zap.Logger) *Plugin {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Plugin{cfg: cfg.normalized(), logger: logger, now: time.Now}
}

// Name implements plugin.Plugin.
func (p *Plugin) Name() string { return pluginName }

// AddCollector appends a section source. Sections render in the order
// collectors were added.
func (p *Plugin) AddCollector(c Collector) {
	if c.Name == "" || c.Collect == nil {
		return
	}
	if c.Title == "" {
		c.Title = c.Name
	}
	p.mu.Lock()
	p.collectors = append(p.collectors, c)
	p.cached = ""
	p.mu.Unlock()
}

// Collectors lists the registered section names in render order.
func (p *Plugin) Collectors() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.collectors))
	for _, c := range p.collectors {
		names = append(names, c.Name)
	}
	return names
}

// Register appends the host collector and exposes the sitrep command.
func (p *Plugin) Register(ctx context.Context, host plugin.Host) error {
	p.AddCollector(HostCollector(host))

	return host.RegisterCommand(plugin.Command{
		Name:        "sitrep",
		Description: "Render the situation report (sitrep [refresh|collectors])",
		Handler:     p.cmdSitrep,
	})
}

// Report returns the assembled markdown, rebuilding when the cache is cold,
// expired, or refresh is forced.
func (p *Plugin) Report(ctx context.Context, refresh bool) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	ttl := time.Duration(p.cfg.CacheTTLSeconds) * time.Second
	if !refresh && p.cached != "" && p.now().Sub(p.builtAt) < ttl {
		return p.cached
	}
	p.cached = p.buildLocked(ctx)
	p.builtAt = p.now()
	return p.cached
}

// buildLocked renders every section. A failing collector keeps its heading
// with an error note so one broken source cannot blank the report.
func (p *Plugin) buildLocked(ctx context.Context) string {
	var sb strings.Builder
	sb.WriteString("# Situation Report\n\n")
	fmt.Fprintf(&sb, "_Generated %s_\n", p.now().UTC().Format(time.RFC3339))

	for _, c := range p.collectors {
		fmt.Fprintf(&sb, "\n## %s\n\n", c.Title)
		body, err := c.Collect(ctx)
		if err != nil {
			p.logger.Warn("sitrep collector failed",
				zap.String("collector", c.Name),
				zap.Error(err))
			fmt.Fprintf(&sb, "_collector failed: %s_\n", err)
			continue
		}
		sb.WriteString(strings.TrimRight(body, "\n") + "\n")
	}
	return sb.String()
}

func (p *Plugin) cmdSitrep(ctx context.Context, args []string) (string, error) {
	mode := ""
	if len(args) > 0 {
		mode = strings.ToLower(strings.TrimSpace(args[0]))
	}

	switch mode {
	case "collectors":
		names := p.Collectors()
		if len(names) == 0 {
			return "No collectors registered.", nil
		}
		var sb strings.Builder
		sb.WriteString("Collectors:\n")
		for _, name := range names {
			fmt.Fprintf(&sb, "  %s\n", name)
		}
		return strings.TrimRight(sb.String(), "\n"), nil
	case "refresh":
		return p.Report(ctx, true), nil
	case "":
		return p.Report(ctx, false), nil
	default:
		return fmt.Sprintf("Unknown sitrep argument %q. Usage: sitrep [refresh|collectors]", mode), nil
	}
}

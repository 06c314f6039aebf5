// Package cortex is the knowledge-engine plugin. It mines
// subject/predicate/object facts out of message traffic through the host
// hooks, owns the fact store, and serves the query, search, and embedding
// surfaces over commands and gateway methods.
package cortex

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/openclaw-oversight/oversight-go/internal/facts"
	"github.com/openclaw-oversight/oversight-go/internal/llm"
	"github.com/openclaw-oversight/oversight-go/internal/plugin"
)

const (
	pluginName     = "cortex"
	decayServiceID = "cortex.decay"

	// DefaultDecayRate is the relevance fraction shaved off per decay tick.
	DefaultDecayRate = 0.02
	decayInterval    = 24 * time.Hour

	// maxIngestChars bounds how much of one message the extractors read.
	maxIngestChars = 16_384
)

// Config tunes the plugin. Pattern extraction runs on every message unless
// Ingest is disabled; the model stage runs only when LLM names an endpoint
// and a model.
type Config struct {
	Store     facts.Config `json:"store" mapstructure:"store"`
	Ingest    *bool        `json:"ingest,omitempty" mapstructure:"ingest"`
	DecayRate float64      `json:"decayRate,omitempty" mapstructure:"decay_rate"`
	LLM       *llm.Config  `json:"llm,omitempty" mapstructure:"llm"`
}

// DefaultConfig returns the standard cortex settings.
func DefaultConfig() Config {
	return Config{Store: facts.DefaultConfig(), DecayRate: DefaultDecayRate}
}

func (c Config) normalized() Config {
	if c.DecayRate <= 0 || c.DecayRate >= 1 {
		c.DecayRate = DefaultDecayRate
	}
	return c
}

func (c Config) ingestOn() bool { return c.Ingest == nil || *c.Ingest }

// Plugin wires the fact store into the host surface.
type Plugin struct {
	cfg       Config
	workspace string
	logger    *zap.Logger

	store *facts.Store
	model *llm.Client

	extractions   sync.WaitGroup
	extractCtx    context.Context
	extractCancel context.CancelFunc

	ingested  atomic.Int64
	extracted atomic.Int64

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates the cortex plugin rooted at workspace. An empty workspace runs
// the store memory-only.
func New(cfg Config, workspace string, logger *zap.Logger) *Plugin {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Plugin{cfg: cfg.normalized(), workspace: workspace, logger: logger}
}

// Name implements plugin.Plugin.
func (p *Plugin) Name() string { return pluginName }

// Store exposes the fact store to in-process peers.
func (p *Plugin) Store() *facts.Store { return p.store }

// Register opens the store, hooks the message stream, and registers the
// command, gateway, and service surfaces.
func (p *Plugin) Register(ctx context.Context, host plugin.Host) error {
	p.store = facts.Open(p.cfg.Store, p.workspace, p.logger)
	if p.cfg.LLM != nil && p.cfg.LLM.Endpoint != "" && p.cfg.LLM.Model != "" {
		p.model = llm.NewClient(*p.cfg.LLM, p.logger.Named("extract"))
	}
	p.extractCtx, p.extractCancel = context.WithCancel(context.Background())

	host.On(plugin.HookMessageSending, p.onMessage, plugin.HookOptions{})
	host.On(plugin.HookToolResultPersist, p.onMessage, plugin.HookOptions{})

	if err := host.RegisterCommand(plugin.Command{
		Name:        "cortexstatus",
		Description: "Show knowledge engine counters",
		Handler:     p.cmdStatus,
	}); err != nil {
		return err
	}
	if err := host.RegisterCommand(plugin.Command{
		Name:        "cortex-search",
		Description: "Search stored facts (cortex-search <query>)",
		Handler:     p.cmdSearch,
	}); err != nil {
		return err
	}

	methods := []struct {
		name    string
		handler plugin.GatewayMethodFunc
	}{
		{"cortex.add_fact", p.rpcAddFact},
		{"cortex.query", p.rpcQuery},
		{"cortex.search", p.rpcSearch},
		{"cortex.unembedded", p.rpcUnembedded},
		{"cortex.mark_embedded", p.rpcMarkEmbedded},
	}
	for _, m := range methods {
		if err := host.RegisterGatewayMethod(m.name, m.handler); err != nil {
			return err
		}
	}

	return host.RegisterService(plugin.Service{
		ID:    decayServiceID,
		Start: p.startDecay,
		Stop:  p.stopDecay,
	})
}

// onMessage feeds outbound messages and persisted tool results to the
// extractors. The pattern pass runs inline; the model pass runs async so the
// hook returns immediately.
func (p *Plugin) onMessage(ctx context.Context, ev *plugin.Event) (*plugin.Result, error) {
	if !p.cfg.ingestOn() {
		return nil, nil
	}
	text := ingestText(ev)
	if text == "" {
		return nil, nil
	}
	if len(text) > maxIngestChars {
		text = text[:maxIngestChars]
	}

	if created := p.addTriples(ExtractTriples(text), facts.SourceIngested); created > 0 {
		p.ingested.Add(int64(created))
		p.logger.Debug("facts ingested",
			zap.Int("created", created),
			zap.String("hook", string(ev.Hook)))
	}
	if p.model != nil {
		p.extractAsync(text)
	}
	return nil, nil
}

func (p *Plugin) addTriples(triples []Triple, source string) int {
	created := 0
	for _, t := range triples {
		if _, isNew := p.store.Add(t.Subject, t.Predicate, t.Object, source); isNew {
			created++
		}
	}
	return created
}

// extractAsync runs the model extractor off the hook thread. In-flight calls
// are drained on stop so their facts reach the final flush.
func (p *Plugin) extractAsync(text string) {
	p.extractions.Add(1)
	go func() {
		defer p.extractions.Done()
		triples, err := extractWithModel(p.extractCtx, p.model, text)
		if err != nil {
			p.logger.Debug("model extraction failed", zap.Error(err))
			return
		}
		if created := p.addTriples(triples, facts.SourceExtractedLLM); created > 0 {
			p.extracted.Add(int64(created))
			p.logger.Debug("facts extracted", zap.Int("created", created))
		}
	}()
}

// ingestText pulls the message body out of an event: Content when set, else
// the text or content field of the structured message.
func ingestText(ev *plugin.Event) string {
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

// Status is a point-in-time snapshot for the status command and sitrep.
type Status struct {
	Facts      int     `json:"facts"`
	Unembedded int     `json:"unembedded"`
	Ingested   int64   `json:"ingested"`
	Extracted  int64   `json:"extracted"`
	DecayRate  float64 `json:"decayRate"`
	ModelOn    bool    `json:"modelOn"`
	StorePath  string  `json:"storePath,omitempty"`
}

// Status reports the engine counters.
func (p *Plugin) Status() Status {
	storePath := ""
	if p.workspace != "" {
		storePath = filepath.Join(p.workspace, facts.FactsFileName)
	}
	return Status{
		Facts:      p.store.Count(),
		Unembedded: len(p.store.UnembeddedFacts(0)),
		Ingested:   p.ingested.Load(),
		Extracted:  p.extracted.Load(),
		DecayRate:  p.cfg.DecayRate,
		ModelOn:    p.model != nil,
		StorePath:  storePath,
	}
}

func (p *Plugin) cmdStatus(ctx context.Context, args []string) (string, error) {
	st := p.Status()
	store := st.StorePath
	if store == "" {
		store = "memory-only"
	}
	model := "off"
	if st.ModelOn {
		model = "on"
	}

	var sb strings.Builder
	sb.WriteString("Cortex knowledge engine\n")
	fmt.Fprintf(&sb, "  facts:      %d (%d unembedded)\n", st.Facts, st.Unembedded)
	fmt.Fprintf(&sb, "  ingested:   %d pattern, %d model\n", st.Ingested, st.Extracted)
	fmt.Fprintf(&sb, "  decay:      %.3f per day\n", st.DecayRate)
	fmt.Fprintf(&sb, "  model:      %s\n", model)
	fmt.Fprintf(&sb, "  store:      %s", store)
	return sb.String(), nil
}

func (p *Plugin) cmdSearch(ctx context.Context, args []string) (string, error) {
	query := strings.TrimSpace(strings.Join(args, " "))
	if query == "" {
		return "Usage: cortex-search <query>", nil
	}

	results, err := p.store.Search(query, facts.DefaultSearchLimit)
	if err != nil {
		return "", fmt.Errorf("failed to search facts: %w", err)
	}
	if len(results) == 0 {
		return fmt.Sprintf("No facts match %q.", query), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d facts match %q:\n", len(results), query)
	for _, r := range results {
		fmt.Fprintf(&sb, "  %.2f  %s %s %s\n", r.Score, r.Fact.Subject, r.Fact.Predicate, r.Fact.Object)
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func (p *Plugin) rpcAddFact(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var req struct {
		Subject   string `json:"subject"`
		Predicate string `json:"predicate"`
		Object    string `json:"object"`
		Source    string `json:"source"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	source := req.Source
	if source == "" {
		source = facts.SourceManual
	}

	fact, created := p.store.Add(req.Subject, req.Predicate, req.Object, source)
	if fact == nil {
		return nil, fmt.Errorf("subject, predicate, and object are required")
	}
	return map[string]interface{}{"fact": fact, "created": created}, nil
}

func (p *Plugin) rpcQuery(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var req struct {
		Subject   string `json:"subject"`
		Predicate string `json:"predicate"`
		Object    string `json:"object"`
		Limit     int    `json:"limit"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	matches := p.store.Query(req.Subject, req.Predicate, req.Object, req.Limit)
	return map[string]interface{}{"facts": matches, "count": len(matches)}, nil
}

func (p *Plugin) rpcSearch(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var req struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("query is required")
	}

	results, err := p.store.Search(req.Query, req.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search facts: %w", err)
	}
	return map[string]interface{}{"results": results, "count": len(results)}, nil
}

func (p *Plugin) rpcUnembedded(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var req struct {
		Limit int `json:"limit"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	pending := p.store.UnembeddedFacts(req.Limit)
	return map[string]interface{}{"facts": pending, "count": len(pending)}, nil
}

func (p *Plugin) rpcMarkEmbedded(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if len(req.IDs) == 0 {
		return nil, fmt.Errorf("ids are required")
	}
	return map[string]interface{}{"marked": p.store.MarkEmbedded(req.IDs)}, nil
}

// startDecay launches the daily relevance decay tick.
func (p *Plugin) startDecay(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.decayLoop(loopCtx)
	p.logger.Info("fact decay scheduled",
		zap.Float64("rate", p.cfg.DecayRate),
		zap.Duration("interval", decayInterval))
	return nil
}

func (p *Plugin) decayLoop(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(decayInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if changed := p.store.Decay(p.cfg.DecayRate); changed > 0 {
				p.logger.Info("fact relevance decayed", zap.Int("changed", changed))
			}
		}
	}
}

// stopDecay stops the tick, drains in-flight model extractions, and flushes
// the store.
func (p *Plugin) stopDecay(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
		select {
		case <-p.done:
		case <-ctx.Done():
		}
		p.cancel = nil
	}

	drained := make(chan struct{})
	go func() {
		p.extractions.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		// Abandon stragglers; a cancelled completion call returns fast.
		p.extractCancel()
		<-drained
	}
	p.extractCancel()

	if err := p.store.Close(); err != nil {
		return fmt.Errorf("failed to flush fact store: %w", err)
	}
	return nil
}

func decodeParams(params map[string]interface{}, into interface{}) error {
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to encode params: %w", err)
	}
	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("failed to decode params: %w", err)
	}
	return nil
}

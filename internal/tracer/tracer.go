// Package tracer is the trace-analyzer plugin: it pulls the agent runtime's
// event log from the event store, reconstructs activity chains, runs the
// signal detectors, optionally classifies findings with a language model,
// and persists a report plus incremental-run state. Runs are single-flight;
// a run already in progress rejects re-entry.
package tracer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/openclaw-oversight/oversight-go/internal/atomicfile"
	"github.com/openclaw-oversight/oversight-go/internal/chain"
	"github.com/openclaw-oversight/oversight-go/internal/detect"
	"github.com/openclaw-oversight/oversight-go/internal/event"
	"github.com/openclaw-oversight/oversight-go/internal/eventstore"
	"github.com/openclaw-oversight/oversight-go/internal/llm"
	"github.com/openclaw-oversight/oversight-go/internal/redact"
)

const (
	DefaultIntervalHours    = 6
	DefaultContextWindowMin = 10

	StateFileName  = "trace-analyzer-state.json"
	ReportFileName = "trace-analysis-report.json"
	StreakDBName   = "detect-state.db"
)

// ErrRunInProgress is returned when an analysis is requested while another
// run holds the single-flight slot.
var ErrRunInProgress = errors.New("trace analysis already running")

// otelTracer emits the per-stage pipeline spans. Hosts that never install a
// trace provider get no-ops.
var otelTracer = otel.Tracer("oversight/tracer")

func stageSpan(ctx context.Context, stage string) (context.Context, oteltrace.Span) {
	return otelTracer.Start(ctx, "analyzer."+stage)
}

// Config is the trace-analyzer plugin configuration. IntervalHours of zero
// disables scheduled runs; analysis then happens on command only.
type Config struct {
	IntervalHours    int `json:"intervalHours" mapstructure:"interval_hours"`
	ContextWindowMin int `json:"incrementalContextWindowMin" mapstructure:"incremental_context_window_min"`

	EventStore eventstore.Config    `json:"eventStore" mapstructure:"event_store"`
	LLM        llm.Config           `json:"llm" mapstructure:"llm"`
	Triage     *llm.Config          `json:"triage,omitempty" mapstructure:"triage"`
	Classifier llm.ClassifierConfig `json:"classifier,omitempty" mapstructure:"classifier"`
	Chains     chain.Config         `json:"chains,omitempty" mapstructure:"chains"`
	Detectors  detect.Config        `json:"detectors,omitempty" mapstructure:"detectors"`
	Redaction  redact.Config        `json:"redaction,omitempty" mapstructure:"redaction"`
}

// DefaultConfig returns the standard analyzer settings.
func DefaultConfig() Config {
	return Config{
		IntervalHours:    DefaultIntervalHours,
		ContextWindowMin: DefaultContextWindowMin,
		EventStore:       eventstore.DefaultConfig(),
		Classifier:       llm.ClassifierConfig{ContextEvents: llm.DefaultContextEvents, PromptBudget: llm.DefaultPromptBudget},
		Chains:           chain.DefaultConfig(),
		Detectors:        detect.DefaultConfig(),
	}
}

func (c Config) normalized() Config {
	if c.IntervalHours < 0 {
		c.IntervalHours = 0
	}
	if c.ContextWindowMin <= 0 {
		c.ContextWindowMin = DefaultContextWindowMin
	}
	return c
}

// Analyzer orchestrates one analysis pipeline end to end. The event-store
// connection is dialed on first use and kept until Close.
type Analyzer struct {
	cfg        Config
	statePath  string
	reportPath string

	recon      *chain.Reconstructor
	engine     *detect.Engine
	classifier *llm.Classifier
	redactor   *redact.Redactor
	logger     *zap.Logger

	running atomic.Bool
	runs    atomic.Int64
	now     func() time.Time

	mu     sync.Mutex
	stream eventstore.Stream
	owned  *eventstore.JetStream
	state  State
}

// NewAnalyzer builds an orchestrator rooted at workspace. stream may be nil,
// in which case the first run dials the configured event store. A nil
// streaks store disables cross-run streak continuity but nothing else.
func NewAnalyzer(cfg Config, workspace string, stream eventstore.Stream, streaks *detect.StreakStore, logger *zap.Logger) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.normalized()

	redactor := redact.New(cfg.Redaction, logger)
	a := &Analyzer{
		cfg:        cfg,
		statePath:  filepath.Join(workspace, StateFileName),
		reportPath: filepath.Join(workspace, ReportFileName),
		recon:      chain.NewReconstructor(cfg.Chains, logger),
		engine:     detect.NewEngine(cfg.Detectors, streaks, redactor, logger),
		classifier: llm.NewClassifier(cfg.LLM, cfg.Triage, cfg.Classifier, logger),
		redactor:   redactor,
		logger:     logger,
		now:        time.Now,
		stream:     stream,
	}

	state, err := loadState(a.statePath)
	if err != nil {
		logger.Warn("failed to load analyzer state, starting fresh", zap.Error(err))
	}
	a.state = state
	return a
}

// Status is the trace-status view: persisted counters plus liveness. Runs
// counts completed passes of this process only; it is not persisted.
type Status struct {
	State
	Runs    int64 `json:"runs"`
	Running bool  `json:"running"`
}

// Status returns the current counters and whether a run is in flight.
func (a *Analyzer) Status() Status {
	a.mu.Lock()
	st := a.state
	a.mu.Unlock()
	return Status{State: st, Runs: a.runs.Load(), Running: a.running.Load()}
}

// Run executes one analysis pass. Full runs scan the whole stream;
// incremental runs start a context window before the last processed
// timestamp to catch out-of-order arrivals. A transport failure aborts the
// run but the partial report and state are still persisted; the report is
// returned alongside the error in that case.
func (a *Analyzer) Run(ctx context.Context, full bool) (*Report, error) {
	if !a.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer a.running.Store(false)

	stream, err := a.connect()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to event store: %w", err)
	}

	prior := a.Status().State
	started := a.now()
	endMs := started.UnixMilli()
	startMs := int64(0)
	mode := ModeFull
	if !full && prior.LastProcessedTS > 0 {
		mode = ModeIncremental
		startMs = prior.LastProcessedTS - int64(a.cfg.ContextWindowMin)*60_000
		if startMs < 0 {
			startMs = 0
		}
	}
	a.logger.Info("trace analysis starting",
		zap.String("mode", mode),
		zap.Int64("startMs", startMs),
		zap.Int64("endMs", endMs))

	ctx, runSpan := otelTracer.Start(ctx, "analyzer.run",
		oteltrace.WithAttributes(attribute.String("mode", mode)))
	defer runSpan.End()

	fetchCtx, span := stageSpan(ctx, "fetch")
	fetcher := eventstore.NewFetcher(stream, a.logger)
	it := fetcher.Fetch(fetchCtx, startMs, endMs, eventstore.Filter{})

	var events []event.Event
	maxTS := prior.LastProcessedTS
	for ev := range it.Events() {
		events = append(events, ev)
		if ev.TS > maxTS {
			maxTS = ev.TS
		}
	}
	fetchErr := it.Err()
	span.SetAttributes(attribute.Int("events", len(events)))
	if fetchErr != nil {
		span.SetAttributes(attribute.String("error", fetchErr.Error()))
	}
	span.End()

	_, span = stageSpan(ctx, "reconstruct")
	chains, stats := a.recon.Reconstruct(events)
	span.SetAttributes(attribute.Int("chains", len(chains)))
	span.End()

	_, span = stageSpan(ctx, "detect")
	findings := a.engine.Detect(chains)
	span.SetAttributes(attribute.Int("findings", len(findings)))
	span.End()

	if fetchErr == nil && a.classifier.Enabled() {
		cctx, cspan := stageSpan(ctx, "classify")
		findings = a.classify(cctx, chains, findings)
		cspan.End()
	}
	if findings == nil {
		findings = []detect.Finding{}
	}

	report := &Report{
		ID:          ulid.Make().String(),
		Mode:        mode,
		GeneratedAt: started.UTC().Format(time.RFC3339),
		WindowStart: startMs,
		WindowEnd:   endMs,
		DurationMs:  a.now().Sub(started).Milliseconds(),
		Events:      stats.Events,
		Duplicates:  stats.Duplicates,
		Chains:      stats.Chains,
		Findings:    findings,
	}
	if fetchErr != nil {
		report.Partial = true
		report.Error = fetchErr.Error()
	}

	_, span = stageSpan(ctx, "persist")
	if err := atomicfile.WriteJSON(a.reportPath, report, 0o600); err != nil {
		a.logger.Warn("failed to persist analysis report", zap.Error(err))
	}
	a.commit(report, len(events), maxTS)
	span.End()
	a.runs.Add(1)

	if fetchErr != nil {
		a.logger.Warn("trace analysis aborted on transport failure",
			zap.String("report", report.ID),
			zap.Int("events", report.Events),
			zap.Error(fetchErr))
		return report, fmt.Errorf("failed to fetch events: %w", fetchErr)
	}
	a.logger.Info("trace analysis complete",
		zap.String("report", report.ID),
		zap.String("mode", mode),
		zap.Int("events", report.Events),
		zap.Int("chains", report.Chains),
		zap.Int("findings", len(report.Findings)),
		zap.Int64("durationMs", report.DurationMs))
	return report, nil
}

// classify runs triage then deep analysis. Free-text finding fields and the
// chain events backing each transcript are redacted before any prompt is
// built; raw secrets never leave the process.
func (a *Analyzer) classify(ctx context.Context, chains []chain.Chain, findings []detect.Finding) []detect.Finding {
	for i := range findings {
		a.scrubFinding(&findings[i])
	}
	findings = a.classifier.Triage(ctx, findings)

	byID := make(map[string]*chain.Chain, len(chains))
	for i := range chains {
		byID[chains[i].ID] = &chains[i]
	}
	redacted := make(map[string][]event.Event, len(findings))
	for i := range findings {
		c, ok := byID[findings[i].ChainID]
		if !ok {
			continue
		}
		events, ok := redacted[c.ID]
		if !ok {
			events = a.redactEvents(c.Events)
			redacted[c.ID] = events
		}
		findings[i].Classification = a.classifier.Classify(ctx, &findings[i], events)
	}
	return findings
}

func (a *Analyzer) scrubFinding(f *detect.Finding) {
	f.Signal.Summary = a.redactor.Redact(f.Signal.Summary)
	if len(f.Signal.Evidence) == 0 {
		return
	}
	if m, ok := a.redactor.RedactValue(f.Signal.Evidence).(map[string]interface{}); ok {
		f.Signal.Evidence = m
	}
}

// redactEvents returns copies of events with every payload field the
// transcript can render scrubbed.
func (a *Analyzer) redactEvents(events []event.Event) []event.Event {
	out := make([]event.Event, len(events))
	for i, ev := range events {
		p := ev.Payload
		p.Content = a.redactor.Redact(p.Content)
		if len(p.Params) > 0 {
			if m, ok := a.redactor.RedactValue(p.Params).(map[string]interface{}); ok {
				p.Params = m
			}
		}
		if p.Result != nil {
			p.Result = a.redactor.RedactValue(p.Result)
		}
		p.ToolError = a.redactor.Redact(p.ToolError)
		p.Reason = a.redactor.Redact(p.Reason)
		ev.Payload = p
		out[i] = ev
	}
	return out
}

// commit folds one run's outcome into the persisted counters.
func (a *Analyzer) commit(report *Report, eventCount int, maxTS int64) {
	a.mu.Lock()
	a.state.LastProcessedTS = maxTS
	a.state.TotalEventsProcessed += int64(eventCount)
	a.state.TotalFindings += int64(len(report.Findings))
	a.state.LastReportID = report.ID
	a.state.UpdatedAt = a.now().UTC().Format(time.RFC3339)
	st := a.state
	a.mu.Unlock()

	if err := atomicfile.WriteJSON(a.statePath, &st, 0o600); err != nil {
		a.logger.Warn("failed to persist analyzer state", zap.Error(err))
	}
}

func (a *Analyzer) connect() (eventstore.Stream, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stream != nil {
		return a.stream, nil
	}
	js, err := eventstore.Connect(a.cfg.EventStore, a.logger)
	if err != nil {
		return nil, err
	}
	a.owned = js
	a.stream = js
	return js, nil
}

// Close releases the event-store connection if the analyzer dialed one.
func (a *Analyzer) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.owned != nil {
		a.owned.Close()
		a.owned = nil
		a.stream = nil
	}
}

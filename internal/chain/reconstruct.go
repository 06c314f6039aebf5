// Package chain rebuilds contiguous activity chains from the normalized
// event log. Events are bucketed by (session, agent), time-sorted,
// fingerprint-deduplicated, and split at lifecycle boundaries, inactivity
// gaps, and a hard size cap.
package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"

	"go.uber.org/zap"

	"github.com/openclaw-oversight/oversight-go/internal/event"
)

// Boundary tags explain how a chain ended.
const (
	BoundaryLifecycle = "lifecycle"
	BoundaryGap       = "gap"
	BoundaryMemoryCap = "memory-cap"
	BoundaryTimeRange = "time-range"
)

const (
	DefaultInactivityGapMin = 30
	DefaultRunGapMin        = 5
	DefaultMaxChainEvents   = 1000

	contentFingerprintLen = 200
)

// Config tunes chain splitting.
type Config struct {
	InactivityGapMin int `json:"inactivityGapMin" mapstructure:"inactivity_gap_min"`
	RunGapMin        int `json:"runGapMin" mapstructure:"run_gap_min"`
	MaxChainEvents   int `json:"maxChainEvents" mapstructure:"max_chain_events"`
}

// DefaultConfig returns the standard splitting thresholds.
func DefaultConfig() Config {
	return Config{
		InactivityGapMin: DefaultInactivityGapMin,
		RunGapMin:        DefaultRunGapMin,
		MaxChainEvents:   DefaultMaxChainEvents,
	}
}

func (c Config) normalized() Config {
	if c.InactivityGapMin <= 0 {
		c.InactivityGapMin = DefaultInactivityGapMin
	}
	if c.RunGapMin <= 0 {
		c.RunGapMin = DefaultRunGapMin
	}
	if c.MaxChainEvents <= 0 {
		c.MaxChainEvents = DefaultMaxChainEvents
	}
	return c
}

// Chain is one contiguous slice of an agent's activity within a session.
type Chain struct {
	ID       string        `json:"id"`
	Session  string        `json:"session"`
	Agent    string        `json:"agent"`
	Boundary string        `json:"boundary"`
	StartTS  int64         `json:"startTs"`
	EndTS    int64         `json:"endTs"`
	Events   []event.Event `json:"events"`
}

// Stats summarises one reconstruction pass.
type Stats struct {
	Events     int `json:"events"`
	Duplicates int `json:"duplicates"`
	Dropped    int `json:"dropped"`
	Chains     int `json:"chains"`
}

// Reconstructor builds chains from normalized events.
type Reconstructor struct {
	cfg    Config
	logger *zap.Logger
}

// NewReconstructor creates a reconstructor with the given thresholds.
func NewReconstructor(cfg Config, logger *zap.Logger) *Reconstructor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconstructor{cfg: cfg.normalized(), logger: logger}
}

// Reconstruct buckets, deduplicates, and splits events into chains. Chains
// assembled from a single underlying record are dropped; a pair of
// duplicate records still counts as two. Input order does not matter.
func (r *Reconstructor) Reconstruct(events []event.Event) ([]Chain, Stats) {
	stats := Stats{Events: len(events)}

	buckets := make(map[string][]event.Event)
	var order []string
	for _, ev := range events {
		key := ev.Session + "\x00" + ev.Agent
		if _, ok := buckets[key]; !ok {
			order = append(order, key)
		}
		buckets[key] = append(buckets[key], ev)
	}
	sort.Strings(order)

	var chains []Chain
	for _, key := range order {
		bucket := buckets[key]
		sort.SliceStable(bucket, func(i, j int) bool {
			if bucket[i].TS != bucket[j].TS {
				return bucket[i].TS < bucket[j].TS
			}
			return bucket[i].Seq < bucket[j].Seq
		})

		deduped, weights, dups := dedupe(bucket)
		stats.Duplicates += dups

		for _, b := range r.split(deduped, weights) {
			if b.weight < 2 {
				stats.Dropped++
				continue
			}
			chains = append(chains, b.finish())
		}
	}
	stats.Chains = len(chains)

	r.logger.Debug("chains reconstructed",
		zap.Int("events", stats.Events),
		zap.Int("duplicates", stats.Duplicates),
		zap.Int("chains", stats.Chains),
		zap.Int("dropped", stats.Dropped))
	return chains, stats
}

// dedupe collapses fingerprint-equal events, keeping the higher-seq copy.
// weights carries how many raw records each kept event absorbed.
func dedupe(bucket []event.Event) ([]event.Event, []int, int) {
	kept := make([]event.Event, 0, len(bucket))
	weights := make([]int, 0, len(bucket))
	index := make(map[string]int, len(bucket))
	dups := 0

	for _, ev := range bucket {
		fp := fingerprint(ev)
		if at, ok := index[fp]; ok {
			dups++
			weights[at]++
			if ev.Seq > kept[at].Seq {
				kept[at] = ev
			}
			continue
		}
		index[fp] = len(kept)
		kept = append(kept, ev)
		weights = append(weights, 1)
	}
	return kept, weights, dups
}

// fingerprint builds the kind-specific dedup key. Messages hash their
// leading content into a whole-second bucket; tool calls add the params
// hash; tool results match on tool name per second; lifecycle events match
// only on exact kind and timestamp.
func fingerprint(ev event.Event) string {
	second := ev.TS / 1000
	switch ev.Kind {
	case event.KindMessageIn, event.KindMessageOut:
		content := ev.Payload.Content
		if runes := []rune(content); len(runes) > contentFingerprintLen {
			content = string(runes[:contentFingerprintLen])
		}
		return fmt.Sprintf("%s|%s|%d|%x", ev.Kind, ev.Agent, second, cheapHash(content))
	case event.KindToolCall:
		return fmt.Sprintf("%s|%s|%d|%s|%x", ev.Kind, ev.Agent, second, ev.Payload.Tool, paramsHash(ev.Payload.Params))
	case event.KindToolResult:
		return fmt.Sprintf("%s|%s|%d|%s", ev.Kind, ev.Agent, second, ev.Payload.Tool)
	default:
		return fmt.Sprintf("%s|%d", ev.Kind, ev.TS)
	}
}

func cheapHash(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}

// paramsHash hashes the canonical JSON form of the params map. Go sorts
// map keys when marshalling, so equal maps hash equal.
func paramsHash(params map[string]interface{}) uint64 {
	if len(params) == 0 {
		return 0
	}
	data, err := json.Marshal(params)
	if err != nil {
		return 0
	}
	return cheapHash(string(data))
}

type building struct {
	events []event.Event
	weight int
	cause  string
}

func (r *Reconstructor) split(events []event.Event, weights []int) []building {
	gapMs := int64(r.cfg.InactivityGapMin) * 60_000
	runGapMs := int64(r.cfg.RunGapMin) * 60_000

	var out []building
	var cur building
	flush := func(cause string) {
		if len(cur.events) == 0 {
			return
		}
		cur.cause = cause
		out = append(out, cur)
		cur = building{}
	}

	for i, ev := range events {
		if len(cur.events) > 0 {
			last := cur.events[len(cur.events)-1]
			switch {
			case ev.Kind == event.KindSessionStart:
				flush(BoundaryGap)
			case last.Kind == event.KindRunEnd && ev.Kind == event.KindRunStart && ev.TS-last.TS > runGapMs:
				flush(BoundaryGap)
			case ev.TS-last.TS > gapMs:
				flush(BoundaryGap)
			}
		}

		cur.events = append(cur.events, ev)
		cur.weight += weights[i]

		if ev.Kind == event.KindSessionEnd {
			flush(BoundaryGap)
		} else if len(cur.events) >= r.cfg.MaxChainEvents {
			flush(BoundaryMemoryCap)
		}
	}
	flush(BoundaryTimeRange)
	return out
}

func (b building) finish() Chain {
	first := b.events[0]
	last := b.events[len(b.events)-1]
	return Chain{
		ID:       chainID(first.Session, first.Agent, first.TS),
		Session:  first.Session,
		Agent:    first.Agent,
		Boundary: boundaryTag(b.events, b.cause),
		StartTS:  first.TS,
		EndTS:    last.TS,
		Events:   b.events,
	}
}

func chainID(session, agent string, firstTS int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%d", session, agent, firstTS)))
	return hex.EncodeToString(sum[:])[:16]
}

// boundaryTag precedence: a cap-forced split outranks everything, then a
// lifecycle first/last event, then an end-of-data cut, then plain gap.
func boundaryTag(events []event.Event, cause string) string {
	if cause == BoundaryMemoryCap {
		return BoundaryMemoryCap
	}
	if events[0].Kind.IsLifecycle() || events[len(events)-1].Kind.IsLifecycle() {
		return BoundaryLifecycle
	}
	if cause == BoundaryTimeRange {
		return BoundaryTimeRange
	}
	return BoundaryGap
}

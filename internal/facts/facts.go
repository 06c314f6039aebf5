// Package facts is the cortex knowledge store: (subject, predicate, object)
// triples with a relevance score that repeat observations push toward 1.0
// and a decay service erodes. The store owns facts.json under its workspace
// and persists through a debounced atomic writer; a bleve index rides the
// same commit path best-effort for the search surface.
package facts

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openclaw-oversight/oversight-go/internal/atomicfile"
)

const (
	DefaultMaxFacts        = 5000
	DefaultFlushDebounceMs = 15_000
	DefaultSearchLimit     = 20

	FactsFileName = "facts.json"
	IndexDirName  = "facts.bleve"

	// boostFactor is how far a repeat observation pushes relevance toward 1.0.
	boostFactor = 0.5

	// decayFloor is the lowest relevance decay can leave a fact at.
	decayFloor = 0.1
)

// Fact sources.
const (
	SourceIngested     = "ingested"
	SourceExtractedLLM = "extracted-llm"
	SourceManual       = "manual"
)

// Fact is one knowledge triple. Timestamps are epoch milliseconds;
// EmbeddedAt is zero until an embedding pipeline marks the fact.
type Fact struct {
	ID           string  `json:"id"`
	Subject      string  `json:"subject"`
	Predicate    string  `json:"predicate"`
	Object       string  `json:"object"`
	Source       string  `json:"source,omitempty"`
	Relevance    float64 `json:"relevance"`
	CreatedAt    int64   `json:"createdAt"`
	LastAccessed int64   `json:"lastAccessed"`
	EmbeddedAt   int64   `json:"embeddedAt,omitempty"`
}

// Config tunes the store.
type Config struct {
	MaxFacts        int `json:"maxFacts,omitempty" mapstructure:"max_facts"`
	FlushDebounceMs int `json:"flushDebounceMs,omitempty" mapstructure:"flush_debounce_ms"`
}

// DefaultConfig returns the standard store limits.
func DefaultConfig() Config {
	return Config{MaxFacts: DefaultMaxFacts, FlushDebounceMs: DefaultFlushDebounceMs}
}

func (c Config) normalized() Config {
	if c.MaxFacts <= 0 {
		c.MaxFacts = DefaultMaxFacts
	}
	if c.FlushDebounceMs <= 0 {
		c.FlushDebounceMs = DefaultFlushDebounceMs
	}
	return c
}

type fileDoc struct {
	Updated string `json:"updated"`
	Facts   []Fact `json:"facts"`
}

// Store is the in-memory fact map plus its persistence machinery. All
// methods are safe for concurrent use and return copies.
type Store struct {
	cfg    Config
	path   string
	index  *searchIndex
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	facts    map[string]*Fact
	byTriple map[string]string
	dirty    bool
	timer    *time.Timer
}

// Open loads or creates the store under dir. An empty dir runs the store
// memory-only; persistence and index failures degrade the same way with a
// warning instead of failing the caller.
func Open(cfg Config, dir string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		cfg:      cfg.normalized(),
		logger:   logger,
		now:      time.Now,
		facts:    make(map[string]*Fact),
		byTriple: make(map[string]string),
	}
	if dir == "" {
		return s
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Warn("fact workspace unavailable, running memory-only", zap.Error(err))
		return s
	}
	s.path = filepath.Join(dir, FactsFileName)
	s.load()

	index, err := openSearchIndex(filepath.Join(dir, IndexDirName), logger)
	if err != nil {
		logger.Warn("fact search index unavailable", zap.Error(err))
	} else {
		s.index = index
		s.reindexIfEmpty()
	}
	return s
}

// load reads facts.json; a corrupt file starts the store empty rather than
// wedging the plugin.
func (s *Store) load() {
	doc, err := readFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("failed to load facts, starting empty", zap.Error(err))
		}
		return
	}
	for i := range doc.Facts {
		f := doc.Facts[i]
		if f.ID == "" || f.Subject == "" {
			continue
		}
		s.facts[f.ID] = &f
		s.byTriple[tripleKey(f.Subject, f.Predicate, f.Object)] = f.ID
	}
	s.logger.Debug("facts loaded", zap.Int("count", len(s.facts)))
}

// reindexIfEmpty rebuilds a fresh (or wiped) index from memory in one batch.
func (s *Store) reindexIfEmpty() {
	if s.index == nil || len(s.facts) == 0 {
		return
	}
	count, err := s.index.count()
	if err != nil || count > 0 {
		return
	}
	all := make([]*Fact, 0, len(s.facts))
	for _, f := range s.facts {
		all = append(all, f)
	}
	if err := s.index.indexBatch(all); err != nil {
		s.logger.Warn("failed to rebuild fact index", zap.Error(err))
		return
	}
	s.logger.Info("fact index rebuilt", zap.Int("facts", len(all)))
}

// Add records a triple. A matching live triple is boosted 50% of the
// distance toward relevance 1.0 and touched instead of duplicated; the
// returned bool reports whether a new fact was created. Blank subjects or
// objects are rejected with a nil fact.
func (s *Store) Add(subject, predicate, object, source string) (*Fact, bool) {
	subject = strings.TrimSpace(subject)
	predicate = strings.TrimSpace(predicate)
	object = strings.TrimSpace(object)
	if subject == "" || predicate == "" || object == "" {
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	nowMs := s.now().UnixMilli()
	if id, ok := s.byTriple[tripleKey(subject, predicate, object)]; ok {
		f := s.facts[id]
		s.boostLocked(f, nowMs)
		out := *f
		return &out, false
	}

	f := &Fact{
		ID:           uuid.NewString(),
		Subject:      subject,
		Predicate:    predicate,
		Object:       object,
		Source:       source,
		Relevance:    1.0,
		CreatedAt:    nowMs,
		LastAccessed: nowMs,
	}
	s.facts[f.ID] = f
	s.byTriple[tripleKey(subject, predicate, object)] = f.ID
	s.indexLocked(f)
	s.pruneLocked()
	s.scheduleCommitLocked()

	out := *f
	return &out, true
}

// Get returns a fact by id, applying the same boost-and-touch as a repeat
// Add.
func (s *Store) Get(id string) (*Fact, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.facts[id]
	if !ok {
		return nil, false
	}
	s.boostLocked(f, s.now().UnixMilli())
	out := *f
	return &out, true
}

func (s *Store) boostLocked(f *Fact, nowMs int64) {
	f.Relevance += (1.0 - f.Relevance) * boostFactor
	f.LastAccessed = nowMs
	s.indexLocked(f)
	s.scheduleCommitLocked()
}

// Query matches facts on any combination of subject/predicate/object
// (case-insensitive; empty criteria match everything), sorted by relevance
// descending. limit <= 0 returns all matches.
func (s *Store) Query(subject, predicate, object string, limit int) []Fact {
	subject = strings.ToLower(strings.TrimSpace(subject))
	predicate = strings.ToLower(strings.TrimSpace(predicate))
	object = strings.ToLower(strings.TrimSpace(object))

	s.mu.Lock()
	var out []Fact
	for _, f := range s.facts {
		if subject != "" && strings.ToLower(f.Subject) != subject {
			continue
		}
		if predicate != "" && strings.ToLower(f.Predicate) != predicate {
			continue
		}
		if object != "" && strings.ToLower(f.Object) != object {
			continue
		}
		out = append(out, *f)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Relevance != out[j].Relevance {
			return out[i].Relevance > out[j].Relevance
		}
		return out[i].LastAccessed > out[j].LastAccessed
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Decay multiplies every relevance by (1-rate), floored at 0.1, and
// schedules a commit when anything changed. It returns how many facts
// moved.
func (s *Store) Decay(rate float64) int {
	if rate <= 0 || rate >= 1 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	changed := 0
	for _, f := range s.facts {
		next := f.Relevance * (1 - rate)
		if next < decayFloor {
			next = decayFloor
		}
		if next != f.Relevance {
			f.Relevance = next
			changed++
		}
	}
	if changed > 0 {
		s.scheduleCommitLocked()
	}
	return changed
}

// UnembeddedFacts returns facts without an embedded timestamp, oldest
// first. limit <= 0 returns all.
func (s *Store) UnembeddedFacts(limit int) []Fact {
	s.mu.Lock()
	var out []Fact
	for _, f := range s.facts {
		if f.EmbeddedAt == 0 {
			out = append(out, *f)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// MarkEmbedded stamps the given facts as embedded now and returns how many
// were found.
func (s *Store) MarkEmbedded(ids []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	nowMs := s.now().UnixMilli()
	marked := 0
	for _, id := range ids {
		if f, ok := s.facts[id]; ok && f.EmbeddedAt == 0 {
			f.EmbeddedAt = nowMs
			marked++
		}
	}
	if marked > 0 {
		s.scheduleCommitLocked()
	}
	return marked
}

// Count returns the number of stored facts.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.facts)
}

// pruneLocked drops least-relevant, then oldest-touched facts until the
// cap is respected.
func (s *Store) pruneLocked() {
	excess := len(s.facts) - s.cfg.MaxFacts
	if excess <= 0 {
		return
	}

	all := make([]*Fact, 0, len(s.facts))
	for _, f := range s.facts {
		all = append(all, f)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Relevance != all[j].Relevance {
			return all[i].Relevance < all[j].Relevance
		}
		if all[i].LastAccessed != all[j].LastAccessed {
			return all[i].LastAccessed < all[j].LastAccessed
		}
		return all[i].ID < all[j].ID
	})

	for _, f := range all[:excess] {
		delete(s.facts, f.ID)
		delete(s.byTriple, tripleKey(f.Subject, f.Predicate, f.Object))
		if s.index != nil {
			if err := s.index.remove(f.ID); err != nil {
				s.logger.Warn("failed to drop fact from index",
					zap.String("fact", f.ID), zap.Error(err))
			}
		}
	}
	s.logger.Debug("facts pruned", zap.Int("dropped", excess))
}

func (s *Store) indexLocked(f *Fact) {
	if s.index == nil {
		return
	}
	if err := s.index.indexFact(f); err != nil {
		s.logger.Warn("failed to index fact", zap.String("fact", f.ID), zap.Error(err))
	}
}

// scheduleCommitLocked arms (or re-arms) the debounced writer.
func (s *Store) scheduleCommitLocked() {
	s.dirty = true
	if s.path == "" {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(time.Duration(s.cfg.FlushDebounceMs)*time.Millisecond, func() {
		if err := s.Flush(); err != nil {
			s.logger.Warn("failed to flush facts", zap.Error(err))
		}
	})
}

// Flush writes the store to disk immediately if there are pending changes.
func (s *Store) Flush() error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if !s.dirty || s.path == "" {
		s.mu.Unlock()
		return nil
	}
	doc := s.snapshotLocked()
	s.dirty = false
	s.mu.Unlock()

	return atomicfile.WriteJSON(s.path, doc, 0o600)
}

func (s *Store) snapshotLocked() fileDoc {
	out := make([]Fact, 0, len(s.facts))
	for _, f := range s.facts {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return fileDoc{
		Updated: s.now().UTC().Format(time.RFC3339),
		Facts:   out,
	}
}

// Close flushes pending changes and releases the search index.
func (s *Store) Close() error {
	err := s.Flush()
	if s.index != nil {
		if cerr := s.index.close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// SearchResult pairs a fact with its index score.
type SearchResult struct {
	Fact  Fact    `json:"fact"`
	Score float64 `json:"score"`
}

// Search runs a free-text match over subjects, predicates and objects.
// Without an index it falls back to a substring scan scored by relevance.
func (s *Store) Search(query string, limit int) ([]SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	if s.index == nil {
		return s.scanSearch(query, limit), nil
	}

	hits, err := s.index.search(query, limit)
	if err != nil {
		return nil, err
	}
	out := make([]SearchResult, 0, len(hits))
	s.mu.Lock()
	for _, h := range hits {
		if f, ok := s.facts[h.id]; ok {
			out = append(out, SearchResult{Fact: *f, Score: h.score})
		}
	}
	s.mu.Unlock()
	return out, nil
}

func (s *Store) scanSearch(query string, limit int) []SearchResult {
	needle := strings.ToLower(query)

	s.mu.Lock()
	var out []SearchResult
	for _, f := range s.facts {
		hay := strings.ToLower(f.Subject + " " + f.Predicate + " " + f.Object)
		if strings.Contains(hay, needle) {
			out = append(out, SearchResult{Fact: *f, Score: f.Relevance})
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func readFile(path string) (fileDoc, error) {
	var doc fileDoc
	data, err := os.ReadFile(path)
	if err != nil {
		return doc, err
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return doc, nil
}

func tripleKey(subject, predicate, object string) string {
	return strings.ToLower(subject) + "\x00" + strings.ToLower(predicate) + "\x00" + strings.ToLower(object)
}

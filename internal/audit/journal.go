// Package audit persists governance decisions as append-only JSON-lines
// shards, one file per UTC day. Writes are buffered and flushed on a short
// interval so the hot evaluation path never waits on disk; queries merge the
// in-memory buffer with on-disk shards, newest first.
package audit

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openclaw-oversight/oversight-go/internal/redact"
)

// Verdict kinds recorded in the journal.
const (
	VerdictAllow         = "allow"
	VerdictDeny          = "deny"
	VerdictAudit         = "audit"
	VerdictErrorFallback = "error-fallback"
	VerdictOutputPass    = "output-pass"
	VerdictOutputFlag    = "output-flag"
	VerdictOutputBlock   = "output-block"
)

const (
	// DefaultRetentionDays bounds how long day shards are kept on disk.
	DefaultRetentionDays = 90

	// DefaultFlushInterval is the background flush cadence.
	DefaultFlushInterval = time.Second

	// DefaultMaxBuffered forces an immediate flush once this many records
	// are waiting in memory.
	DefaultMaxBuffered = 100

	// memOnlyCap bounds the buffer when the workspace is unwritable.
	memOnlyCap = 1000

	shardExt = ".jsonl"
)

// denyBaseline is appended to the derived controls of every deny verdict.
var denyBaseline = []string{"A.5.24", "A.5.28"}

var shardNameRe = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2})\.jsonl$`)

// Context is the redacted slice of the hook context a record preserves.
type Context struct {
	Hook       string                 `json:"hook,omitempty"`
	AgentID    string                 `json:"agentId,omitempty"`
	SessionKey string                 `json:"sessionKey,omitempty"`
	Channel    string                 `json:"channel,omitempty"`
	ToolName   string                 `json:"toolName,omitempty"`
	Params     map[string]interface{} `json:"params,omitempty"`
	Content    string                 `json:"content,omitempty"`
	Target     string                 `json:"target,omitempty"`
}

// TrustSnapshot captures the agent's trust state at decision time.
type TrustSnapshot struct {
	Score float64 `json:"score"`
	Tier  string  `json:"tier"`
}

// RiskSnapshot captures the assessed risk at decision time.
type RiskSnapshot struct {
	Score float64 `json:"score"`
	Level string  `json:"level"`
}

// MatchedPolicy names one policy rule that contributed to the verdict.
type MatchedPolicy struct {
	PolicyID string   `json:"policyId"`
	RuleID   string   `json:"ruleId,omitempty"`
	Effect   string   `json:"effect"`
	Controls []string `json:"controls,omitempty"`
}

// Record is one journal line.
type Record struct {
	ID       string          `json:"id"`
	TS       int64           `json:"ts"`
	Time     string          `json:"time"`
	Verdict  string          `json:"verdict"`
	Reason   string          `json:"reason,omitempty"`
	Context  Context         `json:"context"`
	Trust    *TrustSnapshot  `json:"trust,omitempty"`
	Risk     *RiskSnapshot   `json:"risk,omitempty"`
	Policies []MatchedPolicy `json:"policies,omitempty"`
	EvalUs   int64           `json:"evalUs,omitempty"`
	Controls []string        `json:"controls,omitempty"`
}

// Config controls journal placement and flushing.
type Config struct {
	Dir           string
	RetentionDays int
	FlushInterval time.Duration
	MaxBuffered   int
}

// DefaultConfig returns the standard journal configuration rooted at dir.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:           dir,
		RetentionDays: DefaultRetentionDays,
		FlushInterval: DefaultFlushInterval,
		MaxBuffered:   DefaultMaxBuffered,
	}
}

func (c Config) normalized() Config {
	if c.RetentionDays <= 0 {
		c.RetentionDays = DefaultRetentionDays
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.MaxBuffered <= 0 {
		c.MaxBuffered = DefaultMaxBuffered
	}
	return c
}

// Query selects journal records. Zero fields match everything.
type Query struct {
	AgentID string
	Verdict string
	Since   time.Time
	Until   time.Time
	Limit   int
}

// DefaultQueryLimit caps result sets when the caller does not.
const DefaultQueryLimit = 100

// Stats summarises journal activity for status surfaces.
type Stats struct {
	TodayRecords int  `json:"todayRecords"`
	Buffered     int  `json:"buffered"`
	MemoryOnly   bool `json:"memoryOnly"`
}

// Journal owns the audit shard directory. One journal per workspace; all
// writes serialize through it.
type Journal struct {
	cfg      Config
	redactor *redact.Redactor
	logger   *zap.Logger

	mu         sync.Mutex
	buf        []Record
	todayDay   string
	todayLines int
	memOnly    bool

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
	now     func() time.Time
}

// NewJournal creates a journal over dir. The redactor may be nil, in which
// case context fields are persisted verbatim.
func NewJournal(cfg Config, redactor *redact.Redactor, logger *zap.Logger) *Journal {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Journal{
		cfg:      cfg.normalized(),
		redactor: redactor,
		logger:   logger,
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
}

// Open prepares the shard directory: creates it, removes shards past
// retention, and counts today's existing lines. An unwritable directory
// switches the journal to memory-only mode instead of failing.
func (j *Journal) Open() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := os.MkdirAll(j.cfg.Dir, 0o755); err != nil {
		j.logger.Warn("audit directory unavailable, keeping records in memory only",
			zap.String("dir", j.cfg.Dir),
			zap.Error(err))
		j.memOnly = true
		return nil
	}

	j.pruneLocked()

	day := j.now().UTC().Format("2006-01-02")
	j.todayDay = day
	j.todayLines = countLines(filepath.Join(j.cfg.Dir, day+shardExt))

	j.logger.Debug("audit journal opened",
		zap.String("dir", j.cfg.Dir),
		zap.Int("today_lines", j.todayLines))
	return nil
}

// Start launches the periodic flush loop.
func (j *Journal) Start() {
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		ticker := time.NewTicker(j.cfg.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := j.Flush(); err != nil {
					j.logger.Warn("audit flush failed", zap.Error(err))
				}
			case <-j.stopCh:
				return
			}
		}
	}()
}

// Stop halts the flush loop and drains pending records.
func (j *Journal) Stop() {
	j.stopped.Do(func() { close(j.stopCh) })
	j.wg.Wait()
	if err := j.Flush(); err != nil {
		j.logger.Warn("audit drain failed", zap.Error(err))
	}
}

// Append records one decision. Missing identifiers and timestamps are
// filled in, context fields are redacted, and the derived controls list is
// computed from the matched policies. The completed record is returned.
func (j *Journal) Append(rec Record) Record {
	j.mu.Lock()
	defer j.mu.Unlock()

	ts := j.now()
	if rec.TS == 0 {
		rec.TS = ts.UnixMilli()
	}
	if rec.Time == "" {
		rec.Time = time.UnixMilli(rec.TS).UTC().Format(time.RFC3339)
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.Context = j.redactContext(rec.Context)
	if rec.Controls == nil {
		rec.Controls = deriveControls(rec.Verdict, rec.Policies)
	}

	j.buf = append(j.buf, rec)
	if len(j.buf) >= j.cfg.MaxBuffered {
		if err := j.flushLocked(); err != nil {
			j.logger.Warn("audit flush failed", zap.Error(err))
		}
	}
	return rec
}

// Flush writes all buffered records to their day shards.
func (j *Journal) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.flushLocked()
}

// Stats reports current journal counters.
func (j *Journal) Stats() Stats {
	j.mu.Lock()
	defer j.mu.Unlock()

	today := j.todayLines
	day := j.now().UTC().Format("2006-01-02")
	if day != j.todayDay {
		today = 0
	}
	for _, rec := range j.buf {
		if time.UnixMilli(rec.TS).UTC().Format("2006-01-02") == day {
			today++
		}
	}
	return Stats{TodayRecords: today, Buffered: len(j.buf), MemoryOnly: j.memOnly}
}

// Search returns records matching q, newest first: buffered records before
// flushed shards, shards in reverse day order, each shard scanned from its
// last line backwards. Malformed lines are skipped.
func (j *Journal) Search(q Query) []Record {
	if q.Limit <= 0 {
		q.Limit = DefaultQueryLimit
	}

	j.mu.Lock()
	buffered := make([]Record, len(j.buf))
	copy(buffered, j.buf)
	memOnly := j.memOnly
	j.mu.Unlock()

	out := make([]Record, 0, q.Limit)
	for i := len(buffered) - 1; i >= 0 && len(out) < q.Limit; i-- {
		if q.matches(buffered[i]) {
			out = append(out, buffered[i])
		}
	}
	if memOnly || len(out) >= q.Limit {
		return out
	}

	for _, day := range j.shardDays() {
		if len(out) >= q.Limit {
			break
		}
		if !q.Until.IsZero() && day > q.Until.UTC().Format("2006-01-02") {
			continue
		}
		if !q.Since.IsZero() && day < q.Since.UTC().Format("2006-01-02") {
			break
		}
		out = j.scanShard(filepath.Join(j.cfg.Dir, day+shardExt), q, out)
	}
	return out
}

// shardDays lists on-disk shard dates, newest first.
func (j *Journal) shardDays() []string {
	entries, err := os.ReadDir(j.cfg.Dir)
	if err != nil {
		return nil
	}
	var days []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if m := shardNameRe.FindStringSubmatch(e.Name()); m != nil {
			days = append(days, m[1])
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(days)))
	return days
}

func (j *Journal) scanShard(path string, q Query, out []Record) []Record {
	data, err := os.ReadFile(path)
	if err != nil {
		j.logger.Warn("audit shard unreadable", zap.String("path", path), zap.Error(err))
		return out
	}

	lines := bytes.Split(data, []byte("\n"))
	for i := len(lines) - 1; i >= 0 && len(out) < q.Limit; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			j.logger.Debug("skipping malformed audit line",
				zap.String("path", path),
				zap.Error(err))
			continue
		}
		if q.matches(rec) {
			out = append(out, rec)
		}
	}
	return out
}

func (q Query) matches(rec Record) bool {
	if q.AgentID != "" && rec.Context.AgentID != q.AgentID {
		return false
	}
	if q.Verdict != "" && rec.Verdict != q.Verdict {
		return false
	}
	if !q.Since.IsZero() && rec.TS < q.Since.UnixMilli() {
		return false
	}
	if !q.Until.IsZero() && rec.TS > q.Until.UnixMilli() {
		return false
	}
	return true
}

func (j *Journal) flushLocked() error {
	if len(j.buf) == 0 {
		return nil
	}
	if j.memOnly {
		if len(j.buf) > memOnlyCap {
			j.buf = append(j.buf[:0:0], j.buf[len(j.buf)-memOnlyCap:]...)
		}
		return nil
	}

	var (
		f   *os.File
		cur string
	)
	defer func() {
		if f != nil {
			f.Close()
		}
	}()

	written := 0
	for _, rec := range j.buf {
		day := time.UnixMilli(rec.TS).UTC().Format("2006-01-02")
		if f == nil || day != cur {
			if f != nil {
				f.Close()
			}
			var err error
			f, err = os.OpenFile(filepath.Join(j.cfg.Dir, day+shardExt),
				os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
			if err != nil {
				j.dropWritten(written)
				return err
			}
			cur = day
		}

		line, err := json.Marshal(rec)
		if err != nil {
			// Unmarshalable records are dropped, not retried.
			j.logger.Warn("unencodable audit record dropped",
				zap.String("id", rec.ID),
				zap.Error(err))
			written++
			continue
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			j.dropWritten(written)
			return err
		}
		written++
		j.bumpTodayLocked(day)
	}

	j.buf = j.buf[:0]
	return nil
}

// dropWritten removes the records already persisted in a partially failed
// flush so the next attempt does not duplicate them.
func (j *Journal) dropWritten(n int) {
	if n <= 0 {
		return
	}
	j.buf = append(j.buf[:0:0], j.buf[n:]...)
}

func (j *Journal) bumpTodayLocked(day string) {
	if day != j.todayDay {
		j.todayDay = day
		j.todayLines = 0
	}
	j.todayLines++
}

// pruneLocked removes shards older than the retention window.
func (j *Journal) pruneLocked() {
	cutoff := j.now().UTC().AddDate(0, 0, -j.cfg.RetentionDays).Format("2006-01-02")
	entries, err := os.ReadDir(j.cfg.Dir)
	if err != nil {
		return
	}
	removed := 0
	for _, e := range entries {
		m := shardNameRe.FindStringSubmatch(e.Name())
		if m == nil || m[1] >= cutoff {
			continue
		}
		if err := os.Remove(filepath.Join(j.cfg.Dir, e.Name())); err != nil {
			j.logger.Warn("failed to remove expired audit shard",
				zap.String("shard", e.Name()),
				zap.Error(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		j.logger.Info("expired audit shards removed",
			zap.Int("count", removed),
			zap.Int("retention_days", j.cfg.RetentionDays))
	}
}

func (j *Journal) redactContext(c Context) Context {
	if j.redactor == nil {
		return c
	}
	if c.Content != "" {
		c.Content = j.redactor.Redact(c.Content)
	}
	if c.Target != "" {
		c.Target = j.redactor.Redact(c.Target)
	}
	if len(c.Params) > 0 {
		if m, ok := j.redactor.RedactValue(c.Params).(map[string]interface{}); ok {
			c.Params = m
		}
	}
	return c
}

// deriveControls unions the controls of all matched policies, adding the
// baseline incident controls on deny.
func deriveControls(verdict string, policies []MatchedPolicy) []string {
	set := make(map[string]bool)
	for _, p := range policies {
		for _, c := range p.Controls {
			set[c] = true
		}
	}
	if verdict == VerdictDeny {
		for _, c := range denyBaseline {
			set[c] = true
		}
	}
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func countLines(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	n := 0
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(bytes.TrimSpace(line)) > 0 {
			n++
		}
	}
	return n
}

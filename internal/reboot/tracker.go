package reboot

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openclaw-oversight/oversight-go/internal/atomicfile"
)

const (
	DefaultMaxThreads      = 50
	DefaultRecentMessages  = 5
	DefaultSnapshotThreads = 10
	DefaultFlushDebounceMs = 5_000

	ThreadsFileName  = "threads.json"
	SnapshotFileName = "hot-snapshot.md"

	// maxSnippetLen bounds one recorded message snippet.
	maxSnippetLen = 160
)

// Thread is the rolling summary of one conversation session.
type Thread struct {
	SessionKey string   `json:"sessionKey"`
	AgentID    string   `json:"agentId,omitempty"`
	Channel    string   `json:"channel,omitempty"`
	Messages   int      `json:"messages"`
	Recent     []string `json:"recent,omitempty"`
	StartedAt  int64    `json:"startedAt"`
	UpdatedAt  int64    `json:"updatedAt"`
}

// Config tunes thread tracking and persistence.
type Config struct {
	MaxThreads      int `json:"maxThreads,omitempty" mapstructure:"max_threads"`
	RecentMessages  int `json:"recentMessages,omitempty" mapstructure:"recent_messages"`
	SnapshotThreads int `json:"snapshotThreads,omitempty" mapstructure:"snapshot_threads"`
	FlushDebounceMs int `json:"flushDebounceMs,omitempty" mapstructure:"flush_debounce_ms"`
}

// DefaultConfig returns the standard reboot settings.
func DefaultConfig() Config {
	return Config{
		MaxThreads:      DefaultMaxThreads,
		RecentMessages:  DefaultRecentMessages,
		SnapshotThreads: DefaultSnapshotThreads,
		FlushDebounceMs: DefaultFlushDebounceMs,
	}
}

func (c Config) normalized() Config {
	if c.MaxThreads <= 0 {
		c.MaxThreads = DefaultMaxThreads
	}
	if c.RecentMessages <= 0 {
		c.RecentMessages = DefaultRecentMessages
	}
	if c.SnapshotThreads <= 0 {
		c.SnapshotThreads = DefaultSnapshotThreads
	}
	if c.FlushDebounceMs <= 0 {
		c.FlushDebounceMs = DefaultFlushDebounceMs
	}
	return c
}

type threadsDoc struct {
	Updated string   `json:"updated"`
	Threads []Thread `json:"threads"`
}

// Tracker maintains per-session thread summaries with a debounced atomic
// writer behind them.
type Tracker struct {
	cfg    Config
	path   string
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	threads map[string]*Thread
	dirty   bool
	timer   *time.Timer
}

// OpenTracker loads or creates the thread file under dir. An empty dir runs
// the tracker memory-only; a corrupt file starts it empty with a warning so
// a bad shutdown cannot wedge the plugin.
func OpenTracker(cfg Config, dir string, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	tr := &Tracker{
		cfg:     cfg.normalized(),
		logger:  logger,
		now:     time.Now,
		threads: make(map[string]*Thread),
	}
	if dir == "" {
		return tr
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Warn("reboot workspace unavailable, running memory-only", zap.Error(err))
		return tr
	}
	tr.path = filepath.Join(dir, ThreadsFileName)
	tr.load()
	return tr
}

func (tr *Tracker) load() {
	data, err := os.ReadFile(tr.path)
	if err != nil {
		if !os.IsNotExist(err) {
			tr.logger.Warn("failed to read thread file", zap.Error(err))
		}
		return
	}

	var doc threadsDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		tr.logger.Warn("corrupt thread file, starting empty", zap.Error(err))
		return
	}
	for i := range doc.Threads {
		th := doc.Threads[i]
		if th.SessionKey == "" {
			continue
		}
		tr.threads[th.SessionKey] = &th
	}
	tr.logger.Info("conversation threads loaded", zap.Int("threads", len(tr.threads)))
}

// Observe folds one message into its session's thread. Blank session keys
// are ignored; a blank text still counts the message.
func (tr *Tracker) Observe(sessionKey, agentID, channel, text string, tsMs int64) {
	sessionKey = strings.TrimSpace(sessionKey)
	if sessionKey == "" {
		return
	}
	if tsMs <= 0 {
		tsMs = tr.now().UnixMilli()
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()

	th, ok := tr.threads[sessionKey]
	if !ok {
		th = &Thread{SessionKey: sessionKey, StartedAt: tsMs}
		tr.threads[sessionKey] = th
	}
	if agentID != "" {
		th.AgentID = agentID
	}
	if channel != "" {
		th.Channel = channel
	}
	th.Messages++
	if tsMs > th.UpdatedAt {
		th.UpdatedAt = tsMs
	}
	if snippet := makeSnippet(text); snippet != "" {
		th.Recent = append(th.Recent, snippet)
		if len(th.Recent) > tr.cfg.RecentMessages {
			th.Recent = th.Recent[len(th.Recent)-tr.cfg.RecentMessages:]
		}
	}

	tr.pruneLocked()
	tr.scheduleCommitLocked()
}

// Threads returns all thread summaries, most recently active first.
func (tr *Tracker) Threads() []Thread {
	tr.mu.Lock()
	out := make([]Thread, 0, len(tr.threads))
	for _, th := range tr.threads {
		copied := *th
		copied.Recent = append([]string(nil), th.Recent...)
		out = append(out, copied)
	}
	tr.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt != out[j].UpdatedAt {
			return out[i].UpdatedAt > out[j].UpdatedAt
		}
		return out[i].SessionKey < out[j].SessionKey
	})
	return out
}

// Len reports how many threads are tracked.
func (tr *Tracker) Len() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.threads)
}

// pruneLocked drops the least recently updated threads over the cap.
func (tr *Tracker) pruneLocked() {
	excess := len(tr.threads) - tr.cfg.MaxThreads
	if excess <= 0 {
		return
	}

	all := make([]*Thread, 0, len(tr.threads))
	for _, th := range tr.threads {
		all = append(all, th)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].UpdatedAt != all[j].UpdatedAt {
			return all[i].UpdatedAt < all[j].UpdatedAt
		}
		return all[i].SessionKey < all[j].SessionKey
	})
	for _, th := range all[:excess] {
		delete(tr.threads, th.SessionKey)
	}
}

func (tr *Tracker) scheduleCommitLocked() {
	tr.dirty = true
	if tr.path == "" {
		return
	}
	debounce := time.Duration(tr.cfg.FlushDebounceMs) * time.Millisecond
	if tr.timer != nil {
		tr.timer.Reset(debounce)
		return
	}
	tr.timer = time.AfterFunc(debounce, func() {
		if err := tr.Flush(); err != nil {
			tr.logger.Warn("failed to flush threads", zap.Error(err))
		}
	})
}

// Flush writes the thread file now if anything changed.
func (tr *Tracker) Flush() error {
	tr.mu.Lock()
	if tr.timer != nil {
		tr.timer.Stop()
		tr.timer = nil
	}
	if !tr.dirty || tr.path == "" {
		tr.mu.Unlock()
		return nil
	}
	doc := threadsDoc{
		Updated: tr.now().UTC().Format(time.RFC3339),
		Threads: make([]Thread, 0, len(tr.threads)),
	}
	for _, th := range tr.threads {
		copied := *th
		copied.Recent = append([]string(nil), th.Recent...)
		doc.Threads = append(doc.Threads, copied)
	}
	tr.dirty = false
	tr.mu.Unlock()

	sort.Slice(doc.Threads, func(i, j int) bool {
		return doc.Threads[i].SessionKey < doc.Threads[j].SessionKey
	})
	return atomicfile.WriteJSON(tr.path, doc, 0o600)
}

// Close flushes outstanding changes.
func (tr *Tracker) Close() error {
	return tr.Flush()
}

// makeSnippet keeps the first line of text, trimmed and capped.
func makeSnippet(text string) string {
	line := text
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	line = strings.TrimSpace(line)
	runes := []rune(line)
	if len(runes) > maxSnippetLen {
		line = string(runes[:maxSnippetLen-1]) + "…"
	}
	return line
}

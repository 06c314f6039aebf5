// Package trust maintains per-agent trust scores derived from behavioural
// signals, with inactivity decay, tier banding, and periodic atomic
// persistence to the governance workspace.
package trust

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openclaw-oversight/oversight-go/internal/atomicfile"
)

// Tiers, banded from the numeric score.
const (
	TierUntrusted  = "untrusted"
	TierRestricted = "restricted"
	TierStandard   = "standard"
	TierTrusted    = "trusted"
	TierPrivileged = "privileged"
)

// TierFor bands a 0..100 score.
func TierFor(score float64) string {
	switch {
	case score < 20:
		return TierUntrusted
	case score < 40:
		return TierRestricted
	case score < 60:
		return TierStandard
	case score < 80:
		return TierTrusted
	default:
		return TierPrivileged
	}
}

// Weights parameterize score derivation.
type Weights struct {
	Base        float64 `json:"base"`
	Success     float64 `json:"success"`
	Violation   float64 `json:"violation"`
	AgeDays     float64 `json:"ageDays"`
	CleanStreak float64 `json:"cleanStreak"`
}

// DecayConfig controls inactivity decay applied at load time.
type DecayConfig struct {
	InactivityDays int     `json:"inactivityDays"`
	Rate           float64 `json:"rate"`
}

// Config tunes the manager. Zero fields take defaults.
type Config struct {
	Weights                Weights            `json:"weights"`
	DefaultScores          map[string]float64 `json:"defaultScores,omitempty"`
	HistorySize            int                `json:"historySize,omitempty"`
	PersistIntervalSeconds int                `json:"persistIntervalSeconds,omitempty"`
	Decay                  DecayConfig        `json:"decay"`
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		Weights: Weights{
			Base:        50,
			Success:     0.5,
			Violation:   5.0,
			AgeDays:     0.25,
			CleanStreak: 0.2,
		},
		HistorySize:            100,
		PersistIntervalSeconds: 60,
		Decay: DecayConfig{
			InactivityDays: 30,
			Rate:           0.95,
		},
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.Weights == (Weights{}) {
		c.Weights = d.Weights
	}
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	if c.PersistIntervalSeconds <= 0 {
		c.PersistIntervalSeconds = d.PersistIntervalSeconds
	}
	if c.Decay.InactivityDays <= 0 {
		c.Decay.InactivityDays = d.Decay.InactivityDays
	}
	if c.Decay.Rate <= 0 || c.Decay.Rate > 1 {
		c.Decay.Rate = d.Decay.Rate
	}
	return c
}

// Signals are the behavioural inputs to score derivation.
type Signals struct {
	SuccessCount     int     `json:"successCount"`
	ViolationCount   int     `json:"violationCount"`
	AgeDays          float64 `json:"ageDays"`
	CleanStreak      int     `json:"cleanStreak"`
	ManualAdjustment float64 `json:"manualAdjustment"`
}

// HistoryEntry is one score-affecting event.
type HistoryEntry struct {
	TS     time.Time `json:"ts"`
	Event  string    `json:"event"`
	Score  float64   `json:"score"`
	Reason string    `json:"reason,omitempty"`
}

// Record is the persisted per-agent state. Score and Tier are derived; if
// Floor is set the score never drops below it, and LockedTier overrides the
// banded tier.
type Record struct {
	AgentID    string         `json:"agentId"`
	Score      float64        `json:"score"`
	Tier       string         `json:"tier"`
	Signals    Signals        `json:"signals"`
	History    []HistoryEntry `json:"history,omitempty"`
	Created    time.Time      `json:"created"`
	Updated    time.Time      `json:"updated"`
	LockedTier string         `json:"lockedTier,omitempty"`
	Floor      *float64       `json:"floor,omitempty"`
}

// trustFile is the on-disk shape of trust.json.
type trustFile struct {
	Version int                `json:"version"`
	Updated string             `json:"updated"`
	Agents  map[string]*Record `json:"agents"`
}

// Manager owns the trust store. All mutation happens under one lock; the
// persistence loop only observes the dirty flag.
type Manager struct {
	cfg    Config
	path   string
	logger *zap.Logger

	mu      sync.Mutex
	agents  map[string]*Record
	dirty   bool
	memOnly bool

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup

	now func() time.Time
}

// NewManager creates a manager persisting to path (normally
// governance/trust.json under the plugin workspace).
func NewManager(cfg Config, path string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:    cfg.normalized(),
		path:   path,
		logger: logger,
		agents: make(map[string]*Record),
		stopCh: make(chan struct{}),
		now:    time.Now,
	}
}

// Load reads trust.json if present, recomputes ageDays from each record's
// created timestamp, applies inactivity decay, and drops the legacy
// "unknown" agent. A missing file starts empty; a malformed file is logged
// and treated as empty.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read trust store: %w", err)
	}

	var file trustFile
	if err := json.Unmarshal(data, &file); err != nil {
		m.logger.Warn("trust store unreadable, starting empty", zap.Error(err))
		return nil
	}

	now := m.now()
	for id, rec := range file.Agents {
		if rec == nil {
			continue
		}
		if id == "unknown" {
			m.logger.Warn("removing legacy unknown agent from trust store")
			m.dirty = true
			continue
		}
		rec.AgentID = id
		if rec.Created.IsZero() {
			rec.Created = now
		}

		m.deriveLocked(rec)

		if m.cfg.Decay.InactivityDays > 0 && !rec.Updated.IsZero() {
			idle := now.Sub(rec.Updated)
			if idle > time.Duration(m.cfg.Decay.InactivityDays)*24*time.Hour {
				m.applyDecayLocked(rec, idle)
			}
		}

		m.agents[id] = rec
	}

	m.logger.Debug("trust store loaded", zap.Int("agents", len(m.agents)))
	return nil
}

// Get returns a copy of the agent's record, creating it with the configured
// default score on first sight.
func (m *Manager) Get(agentID string) Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.ensureLocked(agentID)
	m.deriveLocked(rec)
	return cloneRecord(rec)
}

// Score returns the agent's current score and effective tier.
func (m *Manager) Score(agentID string) (float64, string) {
	rec := m.Get(agentID)
	return rec.Score, rec.Tier
}

// RecordSuccess counts a completed action: successCount and cleanStreak both
// advance.
func (m *Manager) RecordSuccess(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.ensureLocked(agentID)
	rec.Signals.SuccessCount++
	rec.Signals.CleanStreak++
	rec.Updated = m.now()
	m.deriveLocked(rec)
	m.appendHistoryLocked(rec, "success", "")
	m.dirty = true
}

// RecordViolation counts a policy violation and resets the clean streak.
func (m *Manager) RecordViolation(agentID, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.ensureLocked(agentID)
	rec.Signals.ViolationCount++
	rec.Signals.CleanStreak = 0
	rec.Updated = m.now()
	m.deriveLocked(rec)
	m.appendHistoryLocked(rec, "violation", reason)
	m.dirty = true
}

// SetScore moves the manual adjustment so the derived score lands on target.
func (m *Manager) SetScore(agentID string, target float64) {
	target = clampScore(target)

	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.ensureLocked(agentID)
	m.deriveLocked(rec)
	rec.Signals.ManualAdjustment += target - rec.Score
	rec.Updated = m.now()
	m.deriveLocked(rec)
	m.appendHistoryLocked(rec, "adjust", fmt.Sprintf("score set to %.1f", target))
	m.dirty = true
}

// LockTier pins the agent's tier regardless of score.
func (m *Manager) LockTier(agentID, tier string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.ensureLocked(agentID)
	rec.LockedTier = tier
	rec.Updated = m.now()
	m.deriveLocked(rec)
	m.dirty = true
}

// UnlockTier removes a tier lock.
func (m *Manager) UnlockTier(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.ensureLocked(agentID)
	rec.LockedTier = ""
	rec.Updated = m.now()
	m.deriveLocked(rec)
	m.dirty = true
}

// SetFloor bounds decay and derivation from below.
func (m *Manager) SetFloor(agentID string, floor float64) {
	floor = clampScore(floor)

	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.ensureLocked(agentID)
	rec.Floor = &floor
	rec.Updated = m.now()
	m.deriveLocked(rec)
	m.dirty = true
}

// Snapshot returns a copy of every record, for status output.
func (m *Manager) Snapshot() map[string]Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]Record, len(m.agents))
	for id, rec := range m.agents {
		m.deriveLocked(rec)
		out[id] = cloneRecord(rec)
	}
	return out
}

// Start launches the periodic persistence loop.
func (m *Manager) Start() {
	interval := time.Duration(m.cfg.PersistIntervalSeconds) * time.Second
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				if err := m.Flush(); err != nil {
					m.logger.Warn("trust persistence failed", zap.Error(err))
				}
			}
		}
	}()
}

// Stop halts the loop and flushes once more.
func (m *Manager) Stop() {
	m.stopped.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	if err := m.Flush(); err != nil {
		m.logger.Warn("final trust flush failed", zap.Error(err))
	}
}

// Flush writes trust.json if anything changed. The first write failure
// switches the manager to in-memory mode with a single warning.
func (m *Manager) Flush() error {
	m.mu.Lock()
	if !m.dirty || m.memOnly {
		m.mu.Unlock()
		return nil
	}

	file := trustFile{
		Version: 1,
		Updated: m.now().UTC().Format(time.RFC3339),
		Agents:  make(map[string]*Record, len(m.agents)),
	}
	for id, rec := range m.agents {
		c := cloneRecord(rec)
		file.Agents[id] = &c
	}
	m.dirty = false
	m.mu.Unlock()

	if err := atomicfile.WriteJSON(m.path, file, 0o600); err != nil {
		m.mu.Lock()
		m.memOnly = true
		m.mu.Unlock()
		m.logger.Warn("trust store not writable, continuing in memory only",
			zap.String("path", m.path),
			zap.Error(err))
		return nil
	}
	return nil
}

// ensureLocked fetches or creates the record. Caller holds m.mu.
func (m *Manager) ensureLocked(agentID string) *Record {
	if rec, ok := m.agents[agentID]; ok {
		return rec
	}

	now := m.now()
	rec := &Record{
		AgentID: agentID,
		Created: now,
		Updated: now,
	}
	if def, ok := m.defaultScoreFor(agentID); ok {
		rec.Signals.ManualAdjustment = def - m.cfg.Weights.Base
	}
	m.deriveLocked(rec)
	m.agents[agentID] = rec
	m.dirty = true
	return rec
}

func (m *Manager) defaultScoreFor(agentID string) (float64, bool) {
	if v, ok := m.cfg.DefaultScores[agentID]; ok {
		return v, true
	}
	if v, ok := m.cfg.DefaultScores["*"]; ok {
		return v, true
	}
	return 0, false
}

// deriveLocked recomputes ageDays, score, and tier in place. Caller holds
// m.mu.
func (m *Manager) deriveLocked(rec *Record) {
	w := m.cfg.Weights

	rec.Signals.AgeDays = m.now().Sub(rec.Created).Hours() / 24
	if rec.Signals.AgeDays < 0 {
		rec.Signals.AgeDays = 0
	}

	score := w.Base +
		float64(rec.Signals.SuccessCount)*w.Success -
		float64(rec.Signals.ViolationCount)*w.Violation +
		rec.Signals.AgeDays*w.AgeDays +
		float64(rec.Signals.CleanStreak)*w.CleanStreak +
		rec.Signals.ManualAdjustment
	score = clampScore(score)

	if rec.Floor != nil && score < *rec.Floor {
		score = *rec.Floor
	}
	rec.Score = score

	if rec.LockedTier != "" {
		rec.Tier = rec.LockedTier
	} else {
		rec.Tier = TierFor(score)
	}
}

// applyDecayLocked folds an inactivity decay into the manual adjustment so
// the derived score lands on score*rate (bounded by the floor).
func (m *Manager) applyDecayLocked(rec *Record, idle time.Duration) {
	before := rec.Score
	decayed := before * m.cfg.Decay.Rate
	if rec.Floor != nil && decayed < *rec.Floor {
		decayed = *rec.Floor
	}
	if decayed == before {
		return
	}

	rec.Signals.ManualAdjustment += decayed - before
	m.deriveLocked(rec)
	m.appendHistoryLocked(rec, "decay", fmt.Sprintf("inactive for %.0f days", idle.Hours()/24))
	m.dirty = true

	m.logger.Debug("trust decay applied",
		zap.String("agent", rec.AgentID),
		zap.Float64("before", before),
		zap.Float64("after", rec.Score))
}

func (m *Manager) appendHistoryLocked(rec *Record, event, reason string) {
	rec.History = append(rec.History, HistoryEntry{
		TS:     m.now(),
		Event:  event,
		Score:  rec.Score,
		Reason: reason,
	})
	if over := len(rec.History) - m.cfg.HistorySize; over > 0 {
		rec.History = rec.History[over:]
	}
}

func cloneRecord(rec *Record) Record {
	c := *rec
	c.History = append([]HistoryEntry(nil), rec.History...)
	if rec.Floor != nil {
		f := *rec.Floor
		c.Floor = &f
	}
	return c
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

package risk

import (
	"sync"
	"time"
)

// Count scopes.
const (
	ScopeAgent   = "agent"
	ScopeSession = "session"
	ScopeGlobal  = "global"
)

// DefaultTrackerCapacity bounds the ring buffer.
const DefaultTrackerCapacity = 4096

// Event is one recorded action.
type Event struct {
	TS         time.Time
	AgentID    string
	SessionKey string
	Tool       string
}

// Tracker keeps recent events in a fixed-capacity ring buffer, overwriting
// the oldest entry when full. Counts are computed live on query; nothing is
// persisted.
type Tracker struct {
	mu   sync.Mutex
	buf  []Event
	next int
	size int

	now func() time.Time
}

// NewTracker creates a tracker with the given capacity (<=0 uses the
// default).
func NewTracker(capacity int) *Tracker {
	if capacity <= 0 {
		capacity = DefaultTrackerCapacity
	}
	return &Tracker{
		buf: make([]Event, capacity),
		now: time.Now,
	}
}

// Record appends ev, stamping it with the current time if TS is zero.
func (t *Tracker) Record(ev Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ev.TS.IsZero() {
		ev.TS = t.now()
	}
	t.buf[t.next] = ev
	t.next = (t.next + 1) % len(t.buf)
	if t.size < len(t.buf) {
		t.size++
	}
}

// Count returns the number of live events within the window that match the
// scope filter. Scope "agent" matches agentID, "session" matches sessionKey,
// anything else counts globally.
func (t *Tracker) Count(windowSec int, scope, agentID, sessionKey string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-time.Duration(windowSec) * time.Second)
	count := 0
	for i := 0; i < t.size; i++ {
		ev := &t.buf[i]
		if !ev.TS.After(cutoff) {
			continue
		}
		switch scope {
		case ScopeAgent:
			if ev.AgentID != agentID {
				continue
			}
		case ScopeSession:
			if ev.SessionKey != sessionKey {
				continue
			}
		}
		count++
	}
	return count
}

// Len reports how many events are currently held.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.size
}

package governance

import (
	"strings"
	"sync"
)

// arenaEntry is one observed session: the agent acting in it and, for
// sub-agent sessions, the parent agent one level up.
type arenaEntry struct {
	Agent  string
	Parent string
}

// Arena tracks the sub-agent forest. Sessions enter it two ways: session
// keys in the `agent:ROOT:subagent:CHILD` form are parsed structurally, and
// sessions_spawn tool calls register an explicit child→parent edge. Parents
// are walked one level only, which also breaks any cycle a bad registration
// could introduce.
type Arena struct {
	mu       sync.Mutex
	sessions map[string]arenaEntry
}

// NewArena returns an empty arena.
func NewArena() *Arena {
	return &Arena{sessions: make(map[string]arenaEntry)}
}

// Observe records a session seen on a hook. Structural sub-agent keys are
// parsed here so later hooks on the same session resolve without re-parsing.
func (a *Arena) Observe(sessionKey, agentID string) {
	if sessionKey == "" {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.sessions[sessionKey]; ok {
		return
	}

	entry := arenaEntry{Agent: agentID}
	if child, parent, ok := parseSubagentKey(sessionKey); ok {
		entry.Agent = child
		entry.Parent = parent
	}
	a.sessions[sessionKey] = entry
}

// RegisterSpawn records an explicit sessions_spawn observation. The edge
// overwrites any structural guess for the same session.
func (a *Arena) RegisterSpawn(childSession, childAgent, parentAgent string) {
	if childSession == "" || childAgent == parentAgent {
		return
	}
	a.mu.Lock()
	a.sessions[childSession] = arenaEntry{Agent: childAgent, Parent: parentAgent}
	a.mu.Unlock()
}

// Resolve returns the effective agent for a hook invocation and the parent
// agent when the session is a sub-agent (empty otherwise). The session's
// encoding wins over the hook's agent field for sub-agents; the hook field
// fills the gap everywhere else.
func (a *Arena) Resolve(sessionKey, agentID string) (agent, parent string) {
	agent = agentID

	a.mu.Lock()
	entry, ok := a.sessions[sessionKey]
	a.mu.Unlock()

	if ok {
		if entry.Agent != "" {
			agent = entry.Agent
		}
		parent = entry.Parent
	} else if child, p, okKey := parseSubagentKey(sessionKey); okKey {
		agent = child
		parent = p
	}

	if parent == agent {
		parent = ""
	}
	return agent, parent
}

// Len reports how many sessions are tracked.
func (a *Arena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}

// parseSubagentKey decodes `agent:ROOT:subagent:CHILD:…` keys. For nested
// chains the innermost sub-agent is the child and the name one hop up is the
// parent.
func parseSubagentKey(sessionKey string) (child, parent string, ok bool) {
	if !strings.HasPrefix(sessionKey, "agent:") {
		return "", "", false
	}
	parts := strings.Split(sessionKey, ":")
	if len(parts) < 4 || parts[1] == "" {
		return "", "", false
	}

	names := []string{parts[1]}
	for i := 2; i < len(parts)-1; i++ {
		if parts[i] == "subagent" && parts[i+1] != "" {
			names = append(names, parts[i+1])
		}
	}
	if len(names) < 2 {
		return "", "", false
	}
	return names[len(names)-1], names[len(names)-2], true
}

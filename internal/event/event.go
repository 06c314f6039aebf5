// Package event defines the normalized event model shared by the trace
// pipeline, plus the normalizer that collapses the two wire schemas the
// agent runtime emits into it. Downstream code never inspects raw payloads.
package event

import (
	"strings"
)

// Kind is the canonical event kind.
type Kind string

const (
	KindMessageIn    Kind = "message-in"
	KindMessageOut   Kind = "message-out"
	KindToolCall     Kind = "tool-call"
	KindToolResult   Kind = "tool-result"
	KindSessionStart Kind = "session-start"
	KindSessionEnd   Kind = "session-end"
	KindRunStart     Kind = "run-start"
	KindRunEnd       Kind = "run-end"
	KindRunError     Kind = "run-error"
)

// IsLifecycle reports whether the kind marks a session or run boundary.
func (k Kind) IsLifecycle() bool {
	switch k {
	case KindSessionStart, KindSessionEnd, KindRunStart, KindRunEnd, KindRunError:
		return true
	}
	return false
}

// Valid reports whether k is a canonical kind.
func (k Kind) Valid() bool {
	switch k {
	case KindMessageIn, KindMessageOut, KindToolCall, KindToolResult,
		KindSessionStart, KindSessionEnd, KindRunStart, KindRunEnd, KindRunError:
		return true
	}
	return false
}

// Payload is the normalized payload union. Which fields are set depends on
// the kind.
type Payload struct {
	Content    string                 `json:"content,omitempty"`
	Role       string                 `json:"role,omitempty"`
	Tool       string                 `json:"tool,omitempty"`
	Params     map[string]interface{} `json:"params,omitempty"`
	Result     interface{}            `json:"result,omitempty"`
	ToolError  string                 `json:"toolError,omitempty"`
	DurationMs int64                  `json:"durationMs,omitempty"`
	Reason     string                 `json:"reason,omitempty"`
	Status     string                 `json:"status,omitempty"`
}

// Event is one normalized record from the event log.
type Event struct {
	ID      string  `json:"id"`
	TS      int64   `json:"ts"` // epoch milliseconds
	Agent   string  `json:"agent"`
	Session string  `json:"session"`
	Kind    Kind    `json:"kind"`
	Payload Payload `json:"payload"`
	Seq     uint64  `json:"seq"`
}

// CanonicalSession flattens `agent:NAME:…` session keys to NAME, or to the
// innermost sub-agent name when the key encodes a `subagent:` chain. Other
// keys pass through unchanged.
func CanonicalSession(raw string) string {
	if !strings.HasPrefix(raw, "agent:") {
		return raw
	}
	parts := strings.Split(raw, ":")
	if len(parts) < 2 || parts[1] == "" {
		return raw
	}

	name := parts[1]
	for i := 2; i < len(parts)-1; i++ {
		if parts[i] == "subagent" && parts[i+1] != "" {
			name = parts[i+1]
		}
	}
	return name
}

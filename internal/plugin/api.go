// Package plugin defines the host contract the oversight suite is built on:
// lifecycle hooks, chat commands, background services, and gateway methods.
// The daemon owns one Registry; every plugin registers its surfaces there and
// the gateway bridges the agent runtime onto it.
package plugin

import (
	"context"
)

// Hook identifies a runtime lifecycle point.
type Hook string

const (
	HookSessionStart       Hook = "session_start"
	HookBeforeAgentStart   Hook = "before_agent_start"
	HookBeforeToolCall     Hook = "before_tool_call"
	HookAfterToolCall      Hook = "after_tool_call"
	HookToolResultPersist  Hook = "tool_result_persist"
	HookBeforeMessageWrite Hook = "before_message_write"
	HookMessageSending     Hook = "message_sending"
	HookGatewayStart       Hook = "gateway_start"
	HookGatewayStop        Hook = "gateway_stop"
)

// KnownHooks lists every hook the dispatcher accepts.
var KnownHooks = []Hook{
	HookSessionStart,
	HookBeforeAgentStart,
	HookBeforeToolCall,
	HookAfterToolCall,
	HookToolResultPersist,
	HookBeforeMessageWrite,
	HookMessageSending,
	HookGatewayStart,
	HookGatewayStop,
}

// IsKnownHook reports whether name is a dispatchable hook.
func IsKnownHook(name string) bool {
	for _, h := range KnownHooks {
		if h == Hook(name) {
			return true
		}
	}
	return false
}

// Event is the payload handed to hook handlers. Fields are populated
// per-hook; Raw always carries the full wire payload.
type Event struct {
	Hook       Hook                   `json:"hook"`
	AgentID    string                 `json:"agentId,omitempty"`
	SessionKey string                 `json:"sessionKey,omitempty"`
	Channel    string                 `json:"channel,omitempty"`
	Tool       string                 `json:"tool,omitempty"`
	Params     map[string]interface{} `json:"params,omitempty"`
	Content    string                 `json:"content,omitempty"`
	To         string                 `json:"to,omitempty"`
	Success    *bool                  `json:"success,omitempty"`
	DurationMs int64                  `json:"durationMs,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Message    map[string]interface{} `json:"message,omitempty"`
	TS         int64                  `json:"ts,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Raw        map[string]interface{} `json:"-"`
}

// Result is a handler's contribution to the hook outcome. Nil means
// "no opinion".
type Result struct {
	Block       bool                   `json:"block,omitempty"`
	BlockReason string                 `json:"blockReason,omitempty"`
	Cancel      bool                   `json:"cancel,omitempty"`
	Params      map[string]interface{} `json:"params,omitempty"`
	Content     *string                `json:"content,omitempty"`
	Message     map[string]interface{} `json:"message,omitempty"`
}

// HookHandler processes one hook event.
type HookHandler func(ctx context.Context, ev *Event) (*Result, error)

// HookOptions tune handler registration. Higher priority runs earlier.
type HookOptions struct {
	Priority int
}

// CommandHandler executes a chat command and returns a text blob.
type CommandHandler func(ctx context.Context, args []string) (string, error)

// Command is a user-facing chat command exposed through the gateway.
type Command struct {
	Name        string
	Description string
	RequireAuth bool
	Handler     CommandHandler
}

// Service is a background worker owned by a plugin. Start must not block;
// Stop must drain and release resources.
type Service struct {
	ID    string
	Start func(ctx context.Context) error
	Stop  func(ctx context.Context) error
}

// GatewayMethodFunc serves one RPC-style gateway method.
type GatewayMethodFunc func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// Host is the registration surface plugins see.
type Host interface {
	On(hook Hook, handler HookHandler, opts HookOptions)
	RegisterCommand(cmd Command) error
	RegisterService(svc Service) error
	RegisterGatewayMethod(name string, handler GatewayMethodFunc) error
	AgentIDs() []string
}

// Plugin is one member of the suite.
type Plugin interface {
	Name() string
	Register(ctx context.Context, host Host) error
}

package event

import (
	"encoding/json"
	"fmt"
	"strings"
)

const toolErrorLimit = 500

// Schema A event types → canonical kinds.
var nativeKinds = map[string]Kind{
	"message.in":    KindMessageIn,
	"message.out":   KindMessageOut,
	"tool.call":     KindToolCall,
	"tool.result":   KindToolResult,
	"session.start": KindSessionStart,
	"session.end":   KindSessionEnd,
	"run.start":     KindRunStart,
	"run.end":       KindRunEnd,
	"run.error":     KindRunError,
}

// Schema B event types (session-sync feed) → canonical kinds.
var sessionSyncKinds = map[string]Kind{
	"conversation.message_in":    KindMessageIn,
	"conversation.message_out":   KindMessageOut,
	"conversation.tool_call":     KindToolCall,
	"conversation.tool_result":   KindToolResult,
	"conversation.session_start": KindSessionStart,
	"conversation.session_end":   KindSessionEnd,
	"conversation.run_start":     KindRunStart,
	"conversation.run_end":       KindRunEnd,
	"conversation.run_error":     KindRunError,
}

// Normalize converts a raw transport payload into an Event. The second
// return is false when the record should be skipped: missing timestamp or
// unknown kind. Skips are not errors; the pipeline keeps forward progress.
func Normalize(raw map[string]interface{}, seq uint64) (*Event, bool) {
	if raw == nil {
		return nil, false
	}

	typ, _ := raw["type"].(string)
	meta, _ := raw["meta"].(map[string]interface{})
	source, _ := meta["source"].(string)

	if strings.HasPrefix(typ, "conversation.") || source == "session-sync" {
		return normalizeSessionSync(raw, typ, meta, seq)
	}
	return normalizeNative(raw, typ, seq)
}

func normalizeNative(raw map[string]interface{}, typ string, seq uint64) (*Event, bool) {
	kind, ok := nativeKinds[typ]
	if !ok {
		return nil, false
	}

	ts, ok := asMillis(raw["ts"])
	if !ok {
		return nil, false
	}

	ev := &Event{
		ID:      stringField(raw, "id", "messageId"),
		TS:      ts,
		Agent:   defaultString(stringField(raw, "agentId"), "unknown"),
		Session: CanonicalSession(defaultString(stringField(raw, "sessionKey"), "default")),
		Kind:    kind,
		Seq:     seq,
	}

	switch kind {
	case KindMessageIn, KindMessageOut:
		ev.Payload.Content = stringField(raw, "content")
		ev.Payload.Role = stringField(raw, "role")
	case KindToolCall:
		ev.Payload.Tool = stringField(raw, "toolName")
		if params, ok := raw["params"].(map[string]interface{}); ok {
			ev.Payload.Params = params
		}
	case KindToolResult:
		ev.Payload.Tool = stringField(raw, "toolName")
		ev.Payload.Result = raw["result"]
		if d, ok := asMillis(raw["durationMs"]); ok {
			ev.Payload.DurationMs = d
		}
		ev.Payload.ToolError = probeToolError(raw["result"])
	case KindSessionStart, KindSessionEnd:
		ev.Payload.Reason = stringField(raw, "reason")
	case KindRunStart, KindRunEnd:
		ev.Payload.Status = stringField(raw, "status")
	case KindRunError:
		ev.Payload.Reason = defaultString(stringField(raw, "error"), stringField(raw, "reason"))
	}

	finishID(ev)
	return ev, true
}

func normalizeSessionSync(raw map[string]interface{}, typ string, meta map[string]interface{}, seq uint64) (*Event, bool) {
	kind, ok := sessionSyncKinds[typ]
	if !ok {
		return nil, false
	}

	ts, ok := asMillis(raw["timestamp"])
	if !ok {
		return nil, false
	}

	data, _ := raw["data"].(map[string]interface{})

	ev := &Event{
		ID:      defaultString(stringField(raw, "id"), stringField(data, "id")),
		TS:      ts,
		Agent:   defaultString(stringField(meta, "agentId"), "unknown"),
		Session: CanonicalSession(defaultString(stringField(meta, "sessionKey"), "default")),
		Kind:    kind,
		Seq:     seq,
	}

	switch kind {
	case KindMessageIn, KindMessageOut:
		ev.Payload.Content = stringField(data, "content")
		ev.Payload.Role = stringField(data, "role")
	case KindToolCall:
		ev.Payload.Tool = stringField(data, "name")
		if args, ok := data["args"].(map[string]interface{}); ok {
			ev.Payload.Params = args
		}
	case KindToolResult:
		ev.Payload.Tool = stringField(data, "name")
		if data != nil {
			ev.Payload.Result = data["result"]
		}
		if d, ok := asMillis(data["durationMs"]); ok {
			ev.Payload.DurationMs = d
		}
		ev.Payload.ToolError = probeToolError(ev.Payload.Result)
	case KindSessionStart, KindSessionEnd:
		ev.Payload.Reason = stringField(data, "reason")
	case KindRunStart, KindRunEnd:
		ev.Payload.Status = stringField(data, "status")
	case KindRunError:
		ev.Payload.Reason = defaultString(stringField(data, "error"), stringField(data, "reason"))
	}

	finishID(ev)
	return ev, true
}

// probeToolError inspects a schema-A style result value for error markers:
// result.details.error, result.details.status == "error",
// result.details.exitCode > 0, result.isError. It returns the first 500
// chars of the textual content when any marker fires, empty otherwise.
func probeToolError(result interface{}) string {
	m, ok := result.(map[string]interface{})
	if !ok {
		return ""
	}

	failed := false
	var detailError string
	if details, ok := m["details"].(map[string]interface{}); ok {
		if s, ok := details["error"].(string); ok && s != "" {
			failed = true
			detailError = s
		}
		if s, ok := details["status"].(string); ok && s == "error" {
			failed = true
		}
		if code, ok := asMillis(details["exitCode"]); ok && code > 0 {
			failed = true
		}
	}
	if b, ok := m["isError"].(bool); ok && b {
		failed = true
	}
	if !failed {
		return ""
	}

	text := textualContent(m)
	if text == "" {
		text = detailError
	}
	if runes := []rune(text); len(runes) > toolErrorLimit {
		text = string(runes[:toolErrorLimit])
	}
	return text
}

// textualContent extracts human-readable text from a tool result: a plain
// string, a {text} field, a {content} string, or a content part list of
// {type:"text", text} entries.
func textualContent(result interface{}) string {
	switch v := result.(type) {
	case string:
		return v
	case map[string]interface{}:
		if s, ok := v["text"].(string); ok {
			return s
		}
		switch content := v["content"].(type) {
		case string:
			return content
		case []interface{}:
			var sb strings.Builder
			for _, part := range content {
				pm, ok := part.(map[string]interface{})
				if !ok {
					continue
				}
				if s, ok := pm["text"].(string); ok {
					sb.WriteString(s)
				}
			}
			return sb.String()
		}
	}
	return ""
}

// finishID fills a deterministic identifier when the wire record carried
// none, so repeated normalization of the same log yields identical events.
func finishID(ev *Event) {
	if ev.ID != "" {
		return
	}
	if ev.Seq > 0 {
		ev.ID = fmt.Sprintf("%s:%d", ev.Kind, ev.Seq)
		return
	}
	ev.ID = fmt.Sprintf("%s:%d", ev.Kind, ev.TS)
}

func stringField(m map[string]interface{}, keys ...string) string {
	if m == nil {
		return ""
	}
	for _, key := range keys {
		if s, ok := m[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func defaultString(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// asMillis coerces the numeric representations JSON decoding can produce.
func asMillis(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case uint64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			f, ferr := n.Float64()
			if ferr != nil {
				return 0, false
			}
			return int64(f), true
		}
		return i, true
	}
	return 0, false
}

package llm

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"

	"github.com/openclaw-oversight/oversight-go/internal/event"
)

const (
	// DefaultContextEvents pads the finding range on both sides.
	DefaultContextEvents = 10

	// DefaultPromptBudget caps the transcript, in tokens.
	DefaultPromptBudget = 4000

	maxValueChars     = 500
	transcriptMarker  = ">> "
	tokenEncodingName = "cl100k_base"
)

// tokenCounter counts prompt tokens, falling back to a bytes/4 estimate
// when the encoding cannot be loaded (offline hosts).
type tokenCounter struct {
	enc *tiktoken.Tiktoken
}

func newTokenCounter(logger *zap.Logger) *tokenCounter {
	enc, err := tiktoken.GetEncoding(tokenEncodingName)
	if err != nil {
		logger.Warn("token encoding unavailable, using byte estimate", zap.Error(err))
		return &tokenCounter{}
	}
	return &tokenCounter{enc: enc}
}

func (t *tokenCounter) count(s string) int {
	if t.enc != nil {
		return len(t.enc.Encode(s, nil, nil))
	}
	return (len(s) + 3) / 4
}

// buildTranscript renders the events around the half-open finding range
// [start,end) as a plain-text transcript. Range lines always ship and are
// marked; up to contextEvents lines on each side are added nearest-first
// while the token budget lasts.
func buildTranscript(events []event.Event, start, end, contextEvents, budget int, tokens *tokenCounter) string {
	if len(events) == 0 {
		return ""
	}
	if start < 0 {
		start = 0
	}
	if start >= len(events) {
		start = len(events) - 1
	}
	if end <= start {
		end = start + 1
	}
	if end > len(events) {
		end = len(events)
	}
	if contextEvents < 0 {
		contextEvents = 0
	}

	lo := start - contextEvents
	if lo < 0 {
		lo = 0
	}
	hi := end + contextEvents
	if hi > len(events) {
		hi = len(events)
	}

	lines := make([]string, hi-lo)
	for i := lo; i < hi; i++ {
		line := eventLine(events[i])
		if i >= start && i < end {
			line = transcriptMarker + line
		}
		lines[i-lo] = line
	}

	used := 0
	for i := start; i < end; i++ {
		used += tokens.count(lines[i-lo]) + 1
	}

	// Grow the window outward, alternating sides, nearest lines first.
	before, after := start-1, end
	from, to := start, end
	for turn := 0; before >= lo || after < hi; turn++ {
		var idx int
		switch {
		case turn%2 == 0 && before >= lo:
			idx = before
		case after < hi:
			idx = after
		default:
			idx = before
		}
		cost := tokens.count(lines[idx-lo]) + 1
		if used+cost > budget {
			break
		}
		used += cost
		if idx == before {
			before--
			from = idx
		} else {
			after++
			to = idx + 1
		}
	}

	return strings.Join(lines[from-lo:to-lo], "\n")
}

// eventLine renders one event. Values are truncated so a single huge tool
// result cannot eat the whole prompt.
func eventLine(ev event.Event) string {
	ts := time.UnixMilli(ev.TS).UTC().Format("15:04:05")
	switch ev.Kind {
	case event.KindMessageIn:
		return fmt.Sprintf("[%s] message in (%s): %s", ts, roleOf(ev, "user"), truncValue(ev.Payload.Content))
	case event.KindMessageOut:
		return fmt.Sprintf("[%s] message out (%s): %s", ts, roleOf(ev, "assistant"), truncValue(ev.Payload.Content))
	case event.KindToolCall:
		return fmt.Sprintf("[%s] tool call %s %s", ts, ev.Payload.Tool, truncValue(compactJSON(ev.Payload.Params)))
	case event.KindToolResult:
		if ev.Payload.ToolError != "" {
			return fmt.Sprintf("[%s] tool result %s ERROR: %s", ts, ev.Payload.Tool, truncValue(ev.Payload.ToolError))
		}
		dur := ""
		if ev.Payload.DurationMs > 0 {
			dur = fmt.Sprintf(" (%dms)", ev.Payload.DurationMs)
		}
		return fmt.Sprintf("[%s] tool result %s%s: %s", ts, ev.Payload.Tool, dur, truncValue(compactJSON(ev.Payload.Result)))
	case event.KindRunEnd:
		if ev.Payload.Status != "" {
			return fmt.Sprintf("[%s] run end (%s)", ts, ev.Payload.Status)
		}
		return fmt.Sprintf("[%s] run end", ts)
	case event.KindRunError:
		return fmt.Sprintf("[%s] run error: %s", ts, truncValue(ev.Payload.Reason))
	default:
		label := strings.ReplaceAll(string(ev.Kind), "-", " ")
		if ev.Payload.Reason != "" {
			return fmt.Sprintf("[%s] %s (%s)", ts, label, truncValue(ev.Payload.Reason))
		}
		return fmt.Sprintf("[%s] %s", ts, label)
	}
}

func roleOf(ev event.Event, fallback string) string {
	if ev.Payload.Role != "" {
		return ev.Payload.Role
	}
	return fallback
}

func compactJSON(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "{}"
	case string:
		return val
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
}

func truncValue(s string) string {
	if len(s) <= maxValueChars {
		return s
	}
	return s[:maxValueChars] + "…(truncated)"
}

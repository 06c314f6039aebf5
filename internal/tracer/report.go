package tracer

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/openclaw-oversight/oversight-go/internal/detect"
)

// Run modes recorded in the report.
const (
	ModeFull        = "full"
	ModeIncremental = "incremental"
)

// Report is the persisted output of one analysis run.
type Report struct {
	ID          string           `json:"id"`
	Mode        string           `json:"mode"`
	GeneratedAt string           `json:"generatedAt"`
	WindowStart int64            `json:"windowStartTs"`
	WindowEnd   int64            `json:"windowEndTs"`
	DurationMs  int64            `json:"durationMs"`
	Events      int              `json:"events"`
	Duplicates  int              `json:"duplicates"`
	Chains      int              `json:"chains"`
	Findings    []detect.Finding `json:"findings"`
	Partial     bool             `json:"partial,omitempty"`
	Error       string           `json:"error,omitempty"`
}

// State carries the analyzer's cross-run counters. LastProcessedTS is the
// maximum event timestamp ever seen; incremental runs start a context
// window before it.
type State struct {
	LastProcessedTS      int64  `json:"lastProcessedTs"`
	TotalEventsProcessed int64  `json:"totalEventsProcessed"`
	TotalFindings        int64  `json:"totalFindings"`
	LastReportID         string `json:"lastReportId,omitempty"`
	UpdatedAt            string `json:"updatedAt,omitempty"`
}

// loadState reads a persisted state file. A missing file yields the zero
// state; a corrupt one is an error so the caller can decide to start over.
func loadState(path string) (State, error) {
	var st State
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("failed to read state file %s: %w", path, err)
	}
	if len(data) == 0 {
		return st, nil
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("failed to parse state file %s: %w", path, err)
	}
	return st, nil
}

package sitrep

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/openclaw-oversight/oversight-go/internal/cortex"
	"github.com/openclaw-oversight/oversight-go/internal/governance"
	"github.com/openclaw-oversight/oversight-go/internal/plugin"
	"github.com/openclaw-oversight/oversight-go/internal/tracer"
)

// GovernanceCollector renders the policy engine counters.
func GovernanceCollector(status func() governance.Status) Collector {
	return Collector{
		Name:  "governance",
		Title: "Governance",
		Collect: func(ctx context.Context) (string, error) {
			st := status()

			failMode := "fail-open"
			if !st.FailOpen {
				failMode = "fail-closed"
			}
			var sb strings.Builder
			fmt.Fprintf(&sb, "- policies: %d\n", st.Policies)
			fmt.Fprintf(&sb, "- evaluations: %d (%d denied)\n", st.Evaluations, st.Denials)
			fmt.Fprintf(&sb, "- agents: %d tracked across %d sessions\n", st.Agents, st.Sessions)
			fmt.Fprintf(&sb, "- mode: %s, learning %s, output validation %s\n",
				failMode, onOff(st.Learning), onOff(st.OutputChecks))
			fmt.Fprintf(&sb, "- audit: %d records today, %d buffered%s\n",
				st.Audit.TodayRecords, st.Audit.Buffered, memOnlyNote(st.Audit.MemoryOnly))
			return sb.String(), nil
		},
	}
}

// TracerCollector renders the trace analyzer counters.
func TracerCollector(status func() tracer.Status) Collector {
	return Collector{
		Name:  "tracer",
		Title: "Trace Analyzer",
		Collect: func(ctx context.Context) (string, error) {
			st := status()

			state := "idle"
			if st.Running {
				state = "running"
			}
			lastProcessed := "never"
			if st.LastProcessedTS > 0 {
				lastProcessed = time.UnixMilli(st.LastProcessedTS).UTC().Format(time.RFC3339)
			}
			var sb strings.Builder
			fmt.Fprintf(&sb, "- state: %s\n", state)
			fmt.Fprintf(&sb, "- last processed: %s\n", lastProcessed)
			fmt.Fprintf(&sb, "- events processed: %d\n", st.TotalEventsProcessed)
			fmt.Fprintf(&sb, "- findings: %d\n", st.TotalFindings)
			if st.LastReportID != "" {
				fmt.Fprintf(&sb, "- last report: %s\n", st.LastReportID)
			}
			return sb.String(), nil
		},
	}
}

// CortexCollector renders the knowledge engine counters.
func CortexCollector(status func() cortex.Status) Collector {
	return Collector{
		Name:  "cortex",
		Title: "Cortex",
		Collect: func(ctx context.Context) (string, error) {
			st := status()

			var sb strings.Builder
			fmt.Fprintf(&sb, "- facts: %d (%d unembedded)\n", st.Facts, st.Unembedded)
			fmt.Fprintf(&sb, "- ingested: %d pattern, %d model\n", st.Ingested, st.Extracted)
			fmt.Fprintf(&sb, "- decay: %.3f per day, model extraction %s\n",
				st.DecayRate, onOff(st.ModelOn))
			return sb.String(), nil
		},
	}
}

// HostCollector renders the agent roster and process vitals.
func HostCollector(host plugin.Host) Collector {
	return Collector{
		Name:  "host",
		Title: "Host",
		Collect: func(ctx context.Context) (string, error) {
			var sb strings.Builder
			agents := host.AgentIDs()
			if len(agents) == 0 {
				sb.WriteString("- agents: none registered\n")
			} else {
				fmt.Fprintf(&sb, "- agents (%d): %s\n", len(agents), strings.Join(agents, ", "))
			}

			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			fmt.Fprintf(&sb, "- goroutines: %d\n", runtime.NumGoroutine())
			fmt.Fprintf(&sb, "- heap: %.1f MB\n", float64(mem.HeapAlloc)/(1<<20))
			return sb.String(), nil
		},
	}
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func memOnlyNote(v bool) string {
	if v {
		return " (memory-only)"
	}
	return ""
}

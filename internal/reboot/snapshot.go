package reboot

import (
	"fmt"
	"strings"
	"time"
)

// renderSnapshot turns the freshest threads into the hot-snapshot markdown
// an agent reads right after a restart.
func renderSnapshot(threads []Thread, max int, now time.Time) string {
	var sb strings.Builder
	sb.WriteString("# Boot Context\n\n")
	fmt.Fprintf(&sb, "_Captured %s_\n", now.UTC().Format(time.RFC3339))

	if len(threads) == 0 {
		sb.WriteString("\nNo active conversation threads.\n")
		return sb.String()
	}
	if max > 0 && len(threads) > max {
		threads = threads[:max]
	}

	sb.WriteString("\n## Active Threads\n")
	for _, th := range threads {
		agent := th.AgentID
		if agent == "" {
			agent = "unknown"
		}
		fmt.Fprintf(&sb, "\n### %s (%s)\n\n", agent, th.SessionKey)
		if th.Channel != "" {
			fmt.Fprintf(&sb, "- channel: %s\n", th.Channel)
		}
		fmt.Fprintf(&sb, "- messages: %d\n", th.Messages)
		if th.UpdatedAt > 0 {
			fmt.Fprintf(&sb, "- last activity: %s\n", time.UnixMilli(th.UpdatedAt).UTC().Format(time.RFC3339))
		}
		if len(th.Recent) > 0 {
			sb.WriteString("- recent:\n")
			for _, line := range th.Recent {
				fmt.Fprintf(&sb, "  - %s\n", line)
			}
		}
	}
	return sb.String()
}

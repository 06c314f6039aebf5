package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/openclaw-oversight/oversight-go/internal/gateway"
)

// getTopCommand launches a live sitrep view against the running daemon.
func getTopCommand() *cobra.Command {
	var refreshSeconds int

	cmd := &cobra.Command{
		Use:   "top",
		Short: "Live situation-report view",
		Long:  "Poll the running daemon's situation report and render it full-screen, refreshing on an interval.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if refreshSeconds < 1 {
				return fmt.Errorf("--refresh must be at least 1 (got %d)", refreshSeconds)
			}

			cfg := cliConfig()
			client := gateway.NewClient(gatewayEndpoint(cfg), cfg.APIKey)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			m := newTopModel(ctx, client, time.Duration(refreshSeconds)*time.Second)
			p := tea.NewProgram(m, tea.WithAltScreen())
			if _, err := p.Run(); err != nil {
				return fmt.Errorf("view error: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&refreshSeconds, "refresh", 5, "Refresh interval in seconds")
	return cmd
}

var (
	topTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.AdaptiveColor{Light: "255", Dark: "255"}).
			Background(lipgloss.AdaptiveColor{Light: "25", Dark: "75"}).
			Padding(0, 1)

	topHeadingStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.AdaptiveColor{Light: "25", Dark: "75"})

	topMutedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "245", Dark: "244"})

	topErrorStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.AdaptiveColor{Light: "160", Dark: "196"})
)

// sitrepClient is the slice of the gateway client the view needs.
type sitrepClient interface {
	Command(ctx context.Context, name string, args []string) (string, error)
}

type topModel struct {
	ctx      context.Context
	client   sitrepClient
	interval time.Duration

	report    string
	fetchedAt time.Time
	err       error
	width     int
	height    int
	scroll    int
}

type reportMsg struct {
	report string
	at     time.Time
}

type reportErrMsg struct{ err error }

type topTickMsg time.Time

func newTopModel(ctx context.Context, client sitrepClient, interval time.Duration) topModel {
	return topModel{ctx: ctx, client: client, interval: interval}
}

func fetchReport(ctx context.Context, client sitrepClient) tea.Cmd {
	return func() tea.Msg {
		// Forced refresh: the daemon caches the report, top wants it live.
		text, err := client.Command(ctx, "sitrep", []string{"refresh"})
		if err != nil {
			return reportErrMsg{err}
		}
		return reportMsg{report: text, at: time.Now()}
	}
}

func (m topModel) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return topTickMsg(t)
	})
}

func (m topModel) Init() tea.Cmd {
	return tea.Batch(fetchReport(m.ctx, m.client), m.tick())
}

func (m topModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case reportMsg:
		m.report = msg.report
		m.fetchedAt = msg.at
		m.err = nil
		return m, nil

	case reportErrMsg:
		m.err = msg.err
		return m, nil

	case topTickMsg:
		return m, tea.Batch(fetchReport(m.ctx, m.client), m.tick())

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			return m, fetchReport(m.ctx, m.client)
		case "up", "k":
			if m.scroll > 0 {
				m.scroll--
			}
			return m, nil
		case "down", "j":
			m.scroll++
			return m, nil
		case "g":
			m.scroll = 0
			return m, nil
		}
	}
	return m, nil
}

func (m topModel) View() string {
	var sb strings.Builder

	title := "oversight top"
	if !m.fetchedAt.IsZero() {
		title += " · " + m.fetchedAt.Format("15:04:05")
	}
	sb.WriteString(topTitleStyle.Render(title))
	sb.WriteString("\n\n")

	switch {
	case m.err != nil:
		sb.WriteString(topErrorStyle.Render("daemon unreachable"))
		sb.WriteString("\n")
		sb.WriteString(topMutedStyle.Render(m.err.Error()))
	case m.report == "":
		sb.WriteString(topMutedStyle.Render("loading..."))
	default:
		sb.WriteString(renderReport(m.report, m.bodyLines(), &m.scroll))
	}

	sb.WriteString("\n\n")
	sb.WriteString(topMutedStyle.Render("r refresh · j/k scroll · q quit"))
	return sb.String()
}

// bodyLines returns the line budget for the report between chrome lines.
func (m topModel) bodyLines() int {
	if m.height == 0 {
		return 40
	}
	lines := m.height - 5
	if lines < 5 {
		lines = 5
	}
	return lines
}

// renderReport styles markdown headings and windows the report to the
// visible line budget, clamping the scroll offset in place.
func renderReport(report string, budget int, scroll *int) string {
	lines := strings.Split(strings.TrimRight(report, "\n"), "\n")

	maxScroll := len(lines) - budget
	if maxScroll < 0 {
		maxScroll = 0
	}
	if *scroll > maxScroll {
		*scroll = maxScroll
	}

	end := *scroll + budget
	if end > len(lines) {
		end = len(lines)
	}

	out := make([]string, 0, end-*scroll)
	for _, line := range lines[*scroll:end] {
		if strings.HasPrefix(line, "#") {
			out = append(out, topHeadingStyle.Render(strings.TrimLeft(line, "# ")))
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

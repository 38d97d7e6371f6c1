package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/randomizedcoder/go-turtle/internal/stats"
)

// =============================================================================
// Main View Rendering
// =============================================================================

// renderSummaryView renders the main dashboard.
func (m Model) renderSummaryView() string {
	var sections []string

	sections = append(sections, m.renderHeader())
	sections = append(sections, m.renderProgress())

	if m.snap != nil {
		if len(m.snap.Servers) > 0 {
			sections = append(sections, m.renderServers())
		}
		sections = append(sections, m.renderResults())
	}

	sections = append(sections, m.renderFooter())

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// renderDetailedView renders per-client details.
func (m Model) renderDetailedView() string {
	return lipgloss.JoinVertical(lipgloss.Left,
		m.renderHeader(),
		m.renderClientTable(),
		m.renderFooter(),
	)
}

// =============================================================================
// Header
// =============================================================================

func (m Model) renderHeader() string {
	servers, ready, clients, done := 0, 0, 0, 0
	if m.snap != nil {
		servers, ready = len(m.snap.Servers), m.snap.ServersReady
		clients, done = len(m.snap.Clients), m.snap.ClientsDone
	}

	header := fmt.Sprintf(
		" go-turtle │ Servers: %d/%d ready │ Clients: %d/%d done │ Elapsed: %s ",
		ready, servers,
		done, clients,
		stats.FormatDuration(m.Elapsed()),
	)
	if m.runID != "" {
		header += fmt.Sprintf("│ %s ", m.runID)
	}

	return headerStyle.Width(m.width).Render(header)
}

// =============================================================================
// Progress Section
// =============================================================================

func (m Model) renderProgress() string {
	progress := m.Progress()

	barWidth := m.width - 30
	if barWidth < 20 {
		barWidth = 20
	}
	progressBar := RenderProgressBar(progress, barWidth)

	var status string
	switch {
	case m.snap == nil:
		status = dimStyle.Render("Waiting for first update...")
	case len(m.snap.Clients) > 0 && progress >= 1.0:
		status = valueGoodStyle.Render("✓ All clients finished")
	case m.snap.ClientsRunning > 0:
		status = valueInfoStyle.Render(fmt.Sprintf("Running... %d active, %d/%d done",
			m.snap.ClientsRunning, m.snap.ClientsDone, len(m.snap.Clients)))
	default:
		status = valueInfoStyle.Render("Starting servers...")
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		sectionHeaderStyle.Render("Client Progress"),
		progressBar,
		status,
	)

	return boxStyle.Width(m.width - 2).Render(content)
}

// =============================================================================
// Servers
// =============================================================================

func (m Model) renderServers() string {
	rows := []string{sectionHeaderStyle.Render("Servers")}
	for _, s := range m.snap.Servers {
		startup := "-"
		if s.Startup > 0 {
			startup = stats.FormatMs(s.Startup)
		}
		pid := ""
		if s.PID > 0 {
			pid = dimStyle.Render(fmt.Sprintf(" pid %d", s.PID))
		}
		rows = append(rows, lipgloss.JoinHorizontal(lipgloss.Left,
			labelStyle.Render(truncate(s.Name, 18)),
			ServerStateStyle(s.State).Width(12).Render(s.State.String()),
			mutedStyle.Width(12).Render(startup),
			pid,
		))
	}
	return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

// =============================================================================
// Results
// =============================================================================

func (m Model) renderResults() string {
	s := m.snap

	failed := valueGoodStyle
	if s.Failed+s.Errored > 0 {
		failed = valueBadStyle
	}

	rows := []string{
		sectionHeaderStyle.Render("Results"),
		lipgloss.JoinHorizontal(lipgloss.Left,
			labelStyle.Render("Passed:"), valueGoodStyle.Render(fmt.Sprintf("%d", s.Passed))),
		lipgloss.JoinHorizontal(lipgloss.Left,
			labelStyle.Render("Failed:"), failed.Render(fmt.Sprintf("%d", s.Failed+s.Errored))),
		lipgloss.JoinHorizontal(lipgloss.Left,
			labelStyle.Render("Skipped:"), valueWarnStyle.Render(fmt.Sprintf("%d", s.Skipped))),
	}

	if s.ClientMax > 0 {
		rows = append(rows,
			RenderKeyValue("Duration P50", stats.FormatMs(s.ClientP50)),
			RenderKeyValue("Duration P95", stats.FormatMs(s.ClientP95)),
			RenderKeyValue("Duration Max", stats.FormatMs(s.ClientMax)),
		)
	}

	return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

// =============================================================================
// Client Table
// =============================================================================

func (m Model) renderClientTable() string {
	header := tableHeaderStyle.Render(fmt.Sprintf("  %-24s %6s  %-8s %6s %10s", "Client", "Tests", "Result", "Exit", "Duration"))
	rows := []string{sectionHeaderStyle.Render("Clients"), header}

	// Leave room for header, footer and borders.
	maxRows := m.height - 12
	if maxRows < 5 {
		maxRows = 5
	}

	for i, c := range m.snap.Clients {
		if i >= maxRows {
			rows = append(rows, dimStyle.Render(fmt.Sprintf("  ... and %d more", len(m.snap.Clients)-maxRows)))
			break
		}
		exit := "-"
		if c.ExitCode >= 0 {
			exit = fmt.Sprintf("%d", c.ExitCode)
		}
		duration := "-"
		if c.Duration > 0 {
			duration = stats.FormatMs(c.Duration)
		}
		style := ClientPhaseStyle(c.Phase)
		line := fmt.Sprintf("%s %-24s %6d  %-8s %6s %10s",
			indicator(c.Phase), truncate(c.Name, 24), c.Tests, c.Phase.String(), exit, duration)
		rows = append(rows, style.Render(line))
	}

	return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

// =============================================================================
// Footer
// =============================================================================

func (m Model) renderFooter() string {
	keys := []string{"q: quit", "d: toggle details", "r: refresh"}
	footer := strings.Join(keys, " • ")
	if m.metricsAddr != "" {
		footer += " │ metrics: http://" + m.metricsAddr + "/metrics"
	}
	return footerStyle.Render(footer)
}

// truncate shortens s to at most n runes, marking the cut with "…".
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "…"
}

package stats

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// SummaryConfig holds the run facts that are not part of a Snapshot.
type SummaryConfig struct {
	RunID       string
	ExitCode    int
	MetricsAddr string
	MetricsFile string

	// From the metrics collector.
	PeakActive int
	ExitCodes  map[int]int64
}

const rule = "═══════════════════════════════════════════════════════════════════════════════\n"

// FormatExitSummary renders the end-of-run report: a banner, the server
// table, the client table, and timing percentiles.
func FormatExitSummary(cfg SummaryConfig, snap Snapshot) string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(rule)
	b.WriteString("                           go-turtle Run Summary\n")
	b.WriteString(rule)
	b.WriteString("\n")

	if cfg.RunID != "" {
		fmt.Fprintf(&b, "Run ID:                 %s\n", cfg.RunID)
	}
	fmt.Fprintf(&b, "Run Duration:           %s\n", FormatDuration(snap.Elapsed))
	fmt.Fprintf(&b, "Exit Code:              %d %s\n\n", cfg.ExitCode, exitCodeLabel(cfg.ExitCode))

	if len(snap.Servers) > 0 {
		b.WriteString(serverTable(snap))
		b.WriteString("\n\n")
	}
	if len(snap.Clients) > 0 {
		b.WriteString(clientTable(snap, cfg.ExitCode))
		b.WriteString("\n\n")
	}

	if snap.StartupMax > 0 {
		fmt.Fprintf(&b, "Server Startup:         p50 %s   max %s\n",
			FormatMs(snap.StartupP50), FormatMs(snap.StartupMax))
	}
	if snap.ClientMax > 0 {
		fmt.Fprintf(&b, "Client Duration:        p50 %s   p95 %s   max %s\n",
			FormatMs(snap.ClientP50), FormatMs(snap.ClientP95), FormatMs(snap.ClientMax))
	}
	if cfg.PeakActive > 0 {
		fmt.Fprintf(&b, "Peak Parallel Clients:  %d\n", cfg.PeakActive)
	}
	if len(cfg.ExitCodes) > 0 {
		fmt.Fprintf(&b, "Runner Exit Codes:      %s\n", formatExitCodes(cfg.ExitCodes))
	}

	if cfg.MetricsAddr != "" {
		fmt.Fprintf(&b, "\nMetrics endpoint was:   http://%s/metrics\n", cfg.MetricsAddr)
	}
	if cfg.MetricsFile != "" {
		fmt.Fprintf(&b, "Metrics written to:     %s\n", cfg.MetricsFile)
	}

	b.WriteString(rule)
	return b.String()
}

// formatExitCodes renders a code histogram as "0 x3, 3 x1", lowest code first.
func formatExitCodes(codes map[int]int64) string {
	parts := make([]string, 0, len(codes))
	for _, code := range slices.Sorted(maps.Keys(codes)) {
		parts = append(parts, fmt.Sprintf("%d x%d", code, codes[code]))
	}
	return strings.Join(parts, ", ")
}

func serverTable(snap Snapshot) string {
	t := table.NewWriter()
	t.SetTitle("Servers")
	t.AppendHeader(table.Row{"Server", "State", "Startup", "Exit"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Startup", Align: text.AlignRight},
		{Name: "Exit", Align: text.AlignRight},
	})
	for _, s := range snap.Servers {
		startup := "-"
		if s.Startup > 0 {
			startup = FormatMs(s.Startup)
		}
		t.AppendRow(table.Row{s.Name, s.State.String(), startup, exitCell(s.ExitCode)})
	}
	t.SetStyle(table.StyleLight)
	return t.Render()
}

func clientTable(snap Snapshot, exitCode int) string {
	t := table.NewWriter()
	t.SetTitle("Clients")
	t.AppendHeader(table.Row{"Client", "Tests", "Result", "Exit", "Duration", "Error"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Tests", Align: text.AlignRight},
		{Name: "Exit", Align: text.AlignRight},
		{Name: "Duration", Align: text.AlignRight},
		{Name: "Error", WidthMax: 40, WidthMaxEnforcer: text.WrapSoft},
	})

	tests := 0
	for _, c := range snap.Clients {
		tests += c.Tests
		duration := "-"
		if c.Duration > 0 {
			duration = FormatMs(c.Duration)
		}
		t.AppendRow(table.Row{c.Name, c.Tests, c.Phase.String(), exitCell(c.ExitCode), duration, c.Error})
	}

	t.AppendFooter(table.Row{
		"TOTAL",
		tests,
		fmt.Sprintf("%d passed, %d failed, %d skipped", snap.Passed, snap.Failed+snap.Errored, snap.Skipped),
		exitCode,
		FormatDuration(snap.Elapsed),
		"",
	})

	if exitCode == 0 {
		t.SetStyle(table.StyleColoredBlackOnGreenWhite)
	} else {
		t.SetStyle(table.StyleColoredBlackOnRedWhite)
	}
	return t.Render()
}

func exitCell(code int) string {
	if code < 0 {
		return "-"
	}
	if label := exitCodeLabel(code); label != "" {
		return fmt.Sprintf("%d %s", code, label)
	}
	return fmt.Sprintf("%d", code)
}

// exitCodeLabel returns a human-readable label for common exit codes.
func exitCodeLabel(code int) string {
	switch code {
	case 0:
		return "(clean)"
	case 1:
		return "(error)"
	case 130:
		return "(SIGINT)"
	case 137:
		return "(SIGKILL)"
	case 143:
		return "(SIGTERM)"
	default:
		return ""
	}
}

// =============================================================================
// Formatting Helper Functions (exported for reuse)
// =============================================================================

// FormatDuration formats a duration as HH:MM:SS.
func FormatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// FormatMs formats a duration as milliseconds.
func FormatMs(d time.Duration) string {
	ms := d.Milliseconds()
	if ms == 0 && d > 0 {
		// Sub-millisecond, show microseconds
		return fmt.Sprintf("%d µs", d.Microseconds())
	}
	return fmt.Sprintf("%d ms", ms)
}

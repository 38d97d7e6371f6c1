package tui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/randomizedcoder/go-turtle/internal/stats"
)

// =============================================================================
// Messages
// =============================================================================

// TickMsg is sent periodically to update the display.
type TickMsg time.Time

// SnapshotMsg carries an updated snapshot.
type SnapshotMsg struct {
	Snapshot stats.Snapshot
}

// QuitMsg signals the TUI should exit.
type QuitMsg struct{}

// =============================================================================
// Model
// =============================================================================

// Model represents the TUI state.
type Model struct {
	// Configuration
	runID       string
	metricsAddr string
	source      SnapshotSource
	onQuit      func()

	// Current state
	snap         *stats.Snapshot
	lastUpdate   time.Time
	detailedView bool

	// Display options
	width  int
	height int

	quitting bool
}

// SnapshotSource provides run progress. *stats.Tracker implements it.
type SnapshotSource interface {
	Snapshot() stats.Snapshot
}

// Config holds TUI configuration.
type Config struct {
	RunID       string
	MetricsAddr string
	Source      SnapshotSource

	// OnQuit is called when the user quits the dashboard. The terminal is
	// in raw mode, so Ctrl+C arrives here as a key rather than as SIGINT.
	OnQuit func()
}

// New creates a new TUI model.
func New(cfg Config) Model {
	return Model{
		runID:       cfg.RunID,
		metricsAddr: cfg.MetricsAddr,
		source:      cfg.Source,
		onQuit:      cfg.OnQuit,
		lastUpdate:  time.Now(),
		width:       80,
		height:      24,
	}
}

// =============================================================================
// Bubble Tea Interface
// =============================================================================

// Init initializes the model.
func (m Model) Init() tea.Cmd {
	// Note: tea.WithAltScreen() is passed when creating the program,
	// so we don't need tea.EnterAltScreen here.
	return tickCmd()
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			if m.onQuit != nil {
				m.onQuit()
			}
			return m, tea.Quit
		case "d":
			m.detailedView = !m.detailedView
			return m, nil
		case "r":
			// Force refresh
			return m, tickCmd()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case TickMsg:
		if m.source != nil {
			snap := m.source.Snapshot()
			m.snap = &snap
		}
		m.lastUpdate = time.Now()
		return m, tickCmd()

	case SnapshotMsg:
		snap := msg.Snapshot
		m.snap = &snap
		m.lastUpdate = time.Now()
		return m, nil

	case QuitMsg:
		m.quitting = true
		return m, tea.Quit
	}

	return m, nil
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	if m.detailedView && m.snap != nil && len(m.snap.Clients) > 0 {
		return m.renderDetailedView()
	}
	return m.renderSummaryView()
}

// =============================================================================
// Commands
// =============================================================================

// tickCmd returns a command that sends a tick after 500ms.
func tickCmd() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// =============================================================================
// Accessors
// =============================================================================

// Elapsed returns the run time as of the last snapshot.
func (m Model) Elapsed() time.Duration {
	if m.snap == nil {
		return 0
	}
	return m.snap.Elapsed
}

// Progress returns the fraction of clients that have finished (0.0 to 1.0).
func (m Model) Progress() float64 {
	if m.snap == nil || len(m.snap.Clients) == 0 {
		return 0
	}
	return float64(m.snap.ClientsDone) / float64(len(m.snap.Clients))
}

// =============================================================================
// Program
// =============================================================================

// Start runs the dashboard on its own goroutine and returns a function that
// stops it and waits for the terminal to be restored.
func Start(ctx context.Context, cfg Config, opts ...tea.ProgramOption) (stop func()) {
	opts = append([]tea.ProgramOption{tea.WithAltScreen(), tea.WithContext(ctx)}, opts...)
	p := tea.NewProgram(New(cfg), opts...)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = p.Run()
	}()

	return func() {
		SendQuit(p)
		<-done
	}
}

// SendQuit sends a quit message to the TUI.
func SendQuit(p *tea.Program) {
	if p != nil {
		p.Send(QuitMsg{})
	}
}

package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"swarm-dl/internal/downloader"
	"swarm-dl/internal/units"
)

const maxWidth = 80

// ProgressMsg carries a progress snapshot from the engine's OnProgress hook.
type ProgressMsg downloader.Snapshot

// StateMsg carries a lifecycle transition from the engine's OnState hook.
type StateMsg downloader.State

// DoneMsg is sent once the engine returns.
type DoneMsg struct{ Err error }

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	stateStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
)

// Model renders one transfer. It never reads engine state directly; every
// update arrives as a message through tea.Program.Send.
type Model struct {
	title    string
	cancel   func()
	progress progress.Model

	snap     downloader.Snapshot
	state    downloader.State
	done     bool
	quitting bool
	err      error
}

// NewModel returns a Model titled with the job's handle. cancel is called
// when the user quits before the transfer finishes.
func NewModel(title string, cancel func()) Model {
	return Model{
		title:    title,
		cancel:   cancel,
		progress: progress.New(progress.WithDefaultGradient()),
	}
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			if !m.done && m.cancel != nil {
				m.cancel()
			}
			return m, tea.Quit
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.progress.Width = min(msg.Width-4, maxWidth)
		return m, nil

	case ProgressMsg:
		m.snap = downloader.Snapshot(msg)
		return m, nil

	case StateMsg:
		m.state = downloader.State(msg)
		return m, nil

	case DoneMsg:
		m.done = true
		m.err = msg.Err
		return m, tea.Quit

	default:
		return m, nil
	}
}

func (m Model) View() string {
	pad := lipgloss.NewStyle().Padding(1).Render

	var b strings.Builder
	b.WriteString(titleStyle.Render(m.title))
	b.WriteString("  ")
	b.WriteString(stateStyle.Render(m.state.String()))
	b.WriteString("\n\n")
	b.WriteString(m.progress.ViewAs(m.snap.Percent() / 100))
	b.WriteString("\n")
	b.WriteString(FormatSnapshot(m.snap))

	switch {
	case m.err != nil:
		b.WriteString("\n\n" + errStyle.Render("Error: "+m.err.Error()))
	case m.done:
		b.WriteString("\n\n" + okStyle.Render("Done"))
	case m.quitting:
		b.WriteString("\n\nCancelling...")
	}
	return pad(b.String()) + "\n"
}

// Err returns the transfer error once DoneMsg has been received.
func (m Model) Err() error { return m.err }

// FormatSnapshot renders bytes, rate and ETA on one line.
func FormatSnapshot(s downloader.Snapshot) string {
	return fmt.Sprintf("%s / %s (%.1f%%)  %s/s  ETA %s",
		units.FormatBytes(s.Bytes), units.FormatBytes(s.Total), s.Percent(),
		units.FormatBytes(int64(s.Rate())), units.FormatDuration(s.ETA()))
}

// Package ui renders the worker's status dashboard: the current job and
// phase, checkpoint shipments, and active transfers.
package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/franksops/trainworker/monitor"
)

// refreshInterval is how often the model pulls a new snapshot.
const refreshInterval = 250 * time.Millisecond

// UIState is the aggregated state shown by the TUI.
type UIState struct {
	JobID          string
	Phase          string
	Checkpoints    []Checkpoint
	ActiveStreams  []*ActiveStream
	CompletedFiles int
	CompletedBytes int64
	FailedFiles    int
	LastOutcome    string
	Done           bool
}

// Checkpoint is one checkpoint directory of the current job.
type Checkpoint struct {
	Name  string
	State monitor.State
}

// ActiveStream represents a running transfer.
type ActiveStream struct {
	ID        string
	Direction string
	Key       string
	Total     int64
	Bytes     int64
	Progress  float64 // 0.0 to 1.0
	BytesSec  float64 // bytes per second for this stream
}

// TUIModel implements the tea.Model interface
type TUIModel struct {
	board    *Board
	state    *UIState
	spinner  spinner.Model
	progress progress.Model
	viewport viewport.Model
	onQuit   func()

	width  int
	height int

	// Styles
	titleStyle   lipgloss.Style
	infoStyle    lipgloss.Style
	streamStyle  lipgloss.Style
	helpStyle    lipgloss.Style
	errorStyle   lipgloss.Style
	successStyle lipgloss.Style
}

// TUIUpdateMsg carries a fresh snapshot of the board.
type TUIUpdateMsg struct {
	State *UIState
}

// NewTUIModel creates a model that renders board. onQuit, if set, is called
// when the user quits.
func NewTUIModel(board *Board, onQuit func()) TUIModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	prog := progress.New(progress.WithDefaultGradient())

	return TUIModel{
		board:        board,
		state:        board.Snapshot(),
		spinner:      s,
		progress:     prog,
		onQuit:       onQuit,
		titleStyle:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).Padding(0, 1),
		infoStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		streamStyle:  lipgloss.NewStyle().Foreground(lipgloss.Color("78")),
		helpStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")).MarginTop(1),
		errorStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		successStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
	}
}

func (m TUIModel) refresh() tea.Cmd {
	return tea.Tick(refreshInterval, func(time.Time) tea.Msg {
		return TUIUpdateMsg{State: m.board.Snapshot()}
	})
}

func (m TUIModel) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		m.refresh(),
	)
}

func (m TUIModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if m.onQuit != nil {
				m.onQuit()
			}
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.progress.Width = msg.Width / 3

		headerHeight := 8 + len(m.state.Checkpoints)
		footerHeight := 2
		m.viewport = viewport.New(msg.Width, max(msg.Height-headerHeight-footerHeight, 1))

	case TUIUpdateMsg:
		m.state = msg.State
		if m.state.Done {
			return m, tea.Quit
		}
		cmds = append(cmds, m.refresh())

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case progress.FrameMsg:
		progressModel, cmd := m.progress.Update(msg)
		m.progress = progressModel.(progress.Model)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m TUIModel) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	var sb strings.Builder
	st := m.state

	// Header
	header := fmt.Sprintf("%s trainworker %s", m.spinner.View(), m.titleStyle.Render("Training Job Worker"))
	sb.WriteString(header + "\n")

	job := st.JobID
	if job == "" {
		job = "-"
	}
	info := fmt.Sprintf("Job: %s | Phase: %s | Transfers: %d done (%s), %d failed",
		job, st.Phase, st.CompletedFiles, formatBytes(st.CompletedBytes), st.FailedFiles)
	sb.WriteString(m.infoStyle.Render(info) + "\n")
	if st.LastOutcome != "" {
		sb.WriteString(m.infoStyle.Render("Last job: "+st.LastOutcome) + "\n")
	}

	// Checkpoints
	sb.WriteString("\nCheckpoints:\n")
	if len(st.Checkpoints) == 0 {
		sb.WriteString(m.infoStyle.Render("None yet") + "\n")
	}
	for _, c := range st.Checkpoints {
		sb.WriteString(fmt.Sprintf("  %-20s %s\n", c.Name, m.checkpointStyle(c.State).Render(c.State.String())))
	}

	// Active Streams
	sb.WriteString("\nActive Transfers:\n")
	var streamContent strings.Builder

	if len(st.ActiveStreams) == 0 {
		streamContent.WriteString(m.infoStyle.Render("No active transfers..."))
	} else {
		for _, s := range st.ActiveStreams {
			speedStr := formatSpeed(s.BytesSec)
			bar := m.progress.ViewAs(s.Progress)
			key := s.Key
			if len(key) > 40 {
				key = "..." + key[len(key)-37:]
			}
			eta := formatETA(s.Progress, s.BytesSec/1000, s.Total, s.Bytes)

			// Format: [===       ] 30% | 45 MB/s | 12s | upload runs/job/checkpoint-1.zip
			streamContent.WriteString(fmt.Sprintf("%s | %-10s | %-14s | %-8s %s\n",
				bar, m.streamStyle.Render(speedStr), eta, s.Direction, key))
		}
	}

	m.viewport.SetContent(streamContent.String())
	sb.WriteString(m.viewport.View())

	// Footer
	help := m.helpStyle.Render("q/ctrl+c: stop worker")
	if st.Done {
		help = m.successStyle.Render("Worker stopped.")
	}
	sb.WriteString("\n" + help)

	return sb.String()
}

func (m TUIModel) checkpointStyle(s monitor.State) lipgloss.Style {
	switch s {
	case monitor.StateShipped:
		return m.successStyle
	case monitor.StateFailed:
		return m.errorStyle
	default:
		return m.streamStyle
	}
}

// Run shows the dashboard for board until ctx is done, the board is
// closed, or the user quits.
func Run(ctx context.Context, board *Board, onQuit func()) error {
	p := tea.NewProgram(NewTUIModel(board, onQuit), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func formatSpeed(bytesPerSec float64) string {
	if bytesPerSec >= 1024*1024*1024 {
		return fmt.Sprintf("%.2f GB/s", bytesPerSec/(1024*1024*1024))
	} else if bytesPerSec >= 1024*1024 {
		return fmt.Sprintf("%.2f MB/s", bytesPerSec/(1024*1024))
	} else if bytesPerSec >= 1024 {
		return fmt.Sprintf("%.2f KB/s", bytesPerSec/1024)
	}
	return fmt.Sprintf("%.0f B/s", bytesPerSec)
}

func formatBytes(n int64) string {
	return strings.TrimSuffix(formatSpeed(float64(n)), "/s")
}

func formatETA(progress float64, bytesPerMs float64, totalBytes, completedBytes int64) string {
	if progress == 0 || bytesPerMs <= 0 || totalBytes == 0 {
		return "Calculating..."
	}

	remainingBytes := totalBytes - completedBytes
	if remainingBytes <= 0 {
		return "0s"
	}

	remainingMs := float64(remainingBytes) / bytesPerMs
	d := time.Duration(remainingMs) * time.Millisecond

	if d.Hours() > 24 {
		return "> 1d"
	}

	return d.Round(time.Second).String()
}

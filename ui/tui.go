package ui

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// UnitState is the lifecycle state of one push unit.
type UnitState int

const (
	UnitQueued UnitState = iota
	UnitRunning
	UnitRetrying
	UnitDone
	UnitFailed
	UnitAbandoned
)

func (s UnitState) String() string {
	switch s {
	case UnitQueued:
		return "queued"
	case UnitRunning:
		return "running"
	case UnitRetrying:
		return "retrying"
	case UnitDone:
		return "done"
	case UnitFailed:
		return "failed"
	case UnitAbandoned:
		return "abandoned"
	}
	return "unknown"
}

// Finished reports whether the unit will not change state again.
func (s UnitState) Finished() bool {
	return s == UnitDone || s == UnitFailed || s == UnitAbandoned
}

// Unit is one destination of a fan-out push.
type Unit struct {
	Label    string
	State    UnitState
	Attempts int
	Files    int
	Detail   string
}

// FanoutState is the aggregated state for the fan-out view
type FanoutState struct {
	Dir      string
	Units    []*Unit
	Deadline time.Time
	Done     bool
}

func (s *FanoutState) unit(label string) *Unit {
	for _, u := range s.Units {
		if u.Label == label {
			return u
		}
	}
	u := &Unit{Label: label}
	s.Units = append(s.Units, u)
	return u
}

// counts returns the number of finished and failed units.
func (s *FanoutState) counts() (finished, failed int) {
	for _, u := range s.Units {
		if u.State.Finished() {
			finished++
		}
		if u.State == UnitFailed || u.State == UnitAbandoned {
			failed++
		}
	}
	return finished, failed
}

// UnitMsg reports a state change of one unit
type UnitMsg struct {
	Label    string
	State    UnitState
	Attempts int
	Files    int
	Detail   string
}

// FanoutDoneMsg ends the view.
type FanoutDoneMsg struct{}

// FanoutModel implements the tea.Model interface
type FanoutModel struct {
	state    *FanoutState
	spinner  spinner.Model
	progress progress.Model
	viewport viewport.Model

	width  int
	height int

	// Styles
	titleStyle   lipgloss.Style
	infoStyle    lipgloss.Style
	unitStyle    lipgloss.Style
	helpStyle    lipgloss.Style
	errorStyle   lipgloss.Style
	successStyle lipgloss.Style
}

// NewFanoutModel creates a view of a push of dir to the labeled units.
func NewFanoutModel(dir string, labels []string, deadline time.Time) FanoutModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	state := &FanoutState{Dir: dir, Deadline: deadline}
	for _, l := range labels {
		state.unit(l)
	}

	return FanoutModel{
		state:        state,
		spinner:      s,
		progress:     progress.New(progress.WithDefaultGradient()),
		titleStyle:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).Padding(0, 1),
		infoStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		unitStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("78")),
		helpStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")).MarginTop(1),
		errorStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		successStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
	}
}

// State returns the model's current state.
func (m FanoutModel) State() *FanoutState { return m.state }

func (m FanoutModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m FanoutModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			// Closes the view only; pushes keep running
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.progress.Width = msg.Width - 14

		headerHeight := 4
		footerHeight := 2
		m.viewport = viewport.New(msg.Width, msg.Height-headerHeight-footerHeight)

	case UnitMsg:
		u := m.state.unit(msg.Label)
		u.State = msg.State
		if msg.Attempts > 0 {
			u.Attempts = msg.Attempts
		}
		if msg.Files > 0 {
			u.Files = msg.Files
		}
		u.Detail = msg.Detail

	case FanoutDoneMsg:
		m.state.Done = true
		return m, tea.Quit

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

func (m FanoutModel) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	var sb strings.Builder

	header := fmt.Sprintf("%s autorec %s", m.spinner.View(), m.titleStyle.Render("Pushing "+m.state.Dir))
	sb.WriteString(header + "\n")

	finished, failed := m.state.counts()
	var percent float64
	if n := len(m.state.Units); n > 0 {
		percent = float64(finished) / float64(n)
	}
	info := fmt.Sprintf("Units: %d/%d finished | %d failed | Budget: %s",
		finished, len(m.state.Units), failed, formatRemaining(time.Until(m.state.Deadline)))
	sb.WriteString(m.infoStyle.Render(info) + "\n")
	sb.WriteString(m.progress.ViewAs(percent) + "\n\n")

	var units strings.Builder
	for _, u := range m.state.Units {
		style := m.unitStyle
		if u.State == UnitFailed || u.State == UnitAbandoned {
			style = m.errorStyle
		}
		line := fmt.Sprintf("%-20s %-10s attempts %-3d files %-5d %s",
			u.Label, style.Render(u.State.String()), u.Attempts, u.Files, u.Detail)
		units.WriteString(strings.TrimRight(line, " ") + "\n")
	}
	m.viewport.SetContent(units.String())
	sb.WriteString(m.viewport.View())

	help := m.helpStyle.Render("q/ctrl+c: close view")
	if m.state.Done {
		help = m.successStyle.Render("Push complete!")
	}
	sb.WriteString("\n" + help)

	return sb.String()
}

// FanoutView runs a FanoutModel as a terminal program.
type FanoutView struct {
	prog *tea.Program
	done chan struct{}
}

// StartFanout starts rendering model to out.
func StartFanout(ctx context.Context, model FanoutModel, out io.Writer) *FanoutView {
	v := &FanoutView{
		prog: tea.NewProgram(model, tea.WithContext(ctx), tea.WithOutput(out), tea.WithInput(nil)),
		done: make(chan struct{}),
	}
	go func() {
		defer close(v.done)
		if _, err := v.prog.Run(); err != nil {
			log.Debugw("fanout view stopped", "err", err)
		}
	}()
	return v
}

// Send delivers msg to the view.
func (v *FanoutView) Send(msg tea.Msg) { v.prog.Send(msg) }

// Stop ends the view and waits for it to exit.
func (v *FanoutView) Stop() {
	v.prog.Send(FanoutDoneMsg{})
	<-v.done
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

func formatRemaining(d time.Duration) string {
	if d <= 0 {
		return "expired"
	}
	return d.Round(time.Second).String()
}

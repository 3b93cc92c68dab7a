package tui

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/rshade/netuidfetch/internal/dispatch"
)

// Layout constants.
const (
	defaultBarWidth   = 40
	minBarWidth       = 10
	maxBarWidth       = 80
	barPadding        = 4
	maxRecentFailures = 5
	maxInFlightShown  = 10
)

// AttemptStartedMsg is sent when an invocation starts.
type AttemptStartedMsg struct {
	Pass, Netuid, Attempt, MaxAttempts int
}

// AttemptFailedMsg is sent when an invocation fails.
type AttemptFailedMsg struct {
	Pass, Netuid, Attempt, MaxAttempts int
	Err                                string
}

// ItemDoneMsg is sent when a netuid reaches a terminal state within a pass.
type ItemDoneMsg struct {
	Result      dispatch.ItemResult
	Done, Total int
}

// PassDoneMsg is sent when a pass finishes.
type PassDoneMsg struct {
	Pass dispatch.Pass
}

// RunDoneMsg ends the program once the whole run has finished.
type RunDoneMsg struct{}

// AbortMsg ends the program immediately without waiting for the run.
type AbortMsg struct{}

// FetchModel renders live progress of a fetch run.
//
//nolint:recvcheck // Bubble Tea requires value receivers for Init/Update/View interface methods.
type FetchModel struct {
	progress progress.Model
	spinner  spinner.Model

	pass      int
	total     int
	done      int
	succeeded int
	failed    int
	cancelled int
	inFlight  map[int]int
	recent    []string
	passes    []dispatch.Summary

	stopping    bool
	finished    bool
	aborted     bool
	onInterrupt func()
}

// NewFetchModel creates a progress model for a run over total netuids.
// onInterrupt is called for every Ctrl+C key press.
func NewFetchModel(total int, onInterrupt func()) FetchModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = HeaderStyle

	return FetchModel{
		progress:    progress.New(progress.WithDefaultGradient(), progress.WithWidth(defaultBarWidth)),
		spinner:     s,
		pass:        1,
		total:       total,
		inFlight:    make(map[int]int),
		onInterrupt: onInterrupt,
	}
}

// Init starts the spinner (Bubble Tea interface).
func (m FetchModel) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles dispatch events and key presses (Bubble Tea interface).
func (m FetchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.progress.Width = min(max(msg.Width-barPadding, minBarWidth), maxBarWidth)
		return m, nil

	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC {
			m.stopping = true
			if m.onInterrupt != nil {
				m.onInterrupt()
			}
		}
		return m, nil

	case AttemptStartedMsg:
		m.enterPass(msg.Pass)
		m.inFlight[msg.Netuid] = msg.Attempt
		return m, nil

	case AttemptFailedMsg:
		m.enterPass(msg.Pass)
		delete(m.inFlight, msg.Netuid)
		line := fmt.Sprintf("✗ netuid %d: %s [attempt %d/%d]", msg.Netuid, msg.Err, msg.Attempt, msg.MaxAttempts)
		m.recent = append(m.recent, line)
		if len(m.recent) > maxRecentFailures {
			m.recent = m.recent[len(m.recent)-maxRecentFailures:]
		}
		return m, nil

	case ItemDoneMsg:
		m.enterPass(msg.Result.Pass)
		delete(m.inFlight, msg.Result.Netuid)
		m.done = msg.Done
		m.total = msg.Total
		switch msg.Result.State {
		case dispatch.StateSucceeded:
			m.succeeded++
		case dispatch.StateFailed:
			m.failed++
		case dispatch.StateCancelled:
			m.cancelled++
		case dispatch.StatePending, dispatch.StateRunning:
		}
		return m, nil

	case PassDoneMsg:
		m.passes = append(m.passes, msg.Pass.Summary)
		return m, nil

	case RunDoneMsg:
		m.finished = true
		return m, tea.Quit

	case AbortMsg:
		m.aborted = true
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

// enterPass resets per-pass counters when events for a later pass arrive.
func (m *FetchModel) enterPass(pass int) {
	if pass <= m.pass {
		return
	}
	m.pass = pass
	m.done, m.succeeded, m.failed, m.cancelled = 0, 0, 0, 0
	m.total = 0
	clear(m.inFlight)
}

// View renders the progress block (Bubble Tea interface).
func (m FetchModel) View() string {
	if m.finished || m.aborted {
		return ""
	}

	var b strings.Builder

	title := "Pass " + strconv.Itoa(m.pass)
	if m.pass > 1 {
		title += " (slow lane)"
	}
	b.WriteString(m.spinner.View())
	b.WriteString(" ")
	b.WriteString(HeaderStyle.Render(title))
	b.WriteString(SubtleStyle.Render(fmt.Sprintf("  fetching %d netuids", m.total)))
	b.WriteString("\n")
	for i, s := range m.passes {
		b.WriteString(SubtleStyle.Render(fmt.Sprintf("Pass %d: %d succeeded, %d failed", i+1, s.Succeeded, s.Failed)))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	b.WriteString(m.progress.ViewAs(m.Percent()))
	b.WriteString("\n")

	b.WriteString(LabelStyle.Render(fmt.Sprintf("%d/%d", m.done, m.total)))
	b.WriteString("  ")
	b.WriteString(SuccessStyle.Render(fmt.Sprintf("✓ %d", m.succeeded)))
	b.WriteString("  ")
	b.WriteString(ErrorStyle.Render(fmt.Sprintf("✗ %d", m.failed)))
	if m.cancelled > 0 {
		b.WriteString("  ")
		b.WriteString(WarningStyle.Render(fmt.Sprintf("⊘ %d", m.cancelled)))
	}
	b.WriteString("\n")

	if ids := m.inFlightIDs(); len(ids) > 0 {
		b.WriteString(SubtleStyle.Render("in flight: " + ids))
		b.WriteString("\n")
	}

	for _, line := range m.recent {
		b.WriteString(ErrorStyle.Render(line))
		b.WriteString("\n")
	}

	if m.stopping {
		b.WriteString("\n")
		b.WriteString(WarningStyle.Render("Stopping: waiting for in-flight fetches. Press Ctrl+C again to abort."))
		b.WriteString("\n")
	}

	return b.String()
}

func (m FetchModel) inFlightIDs() string {
	ids := make([]int, 0, len(m.inFlight))
	for id := range m.inFlight {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	parts := make([]string, 0, maxInFlightShown+1)
	for i, id := range ids {
		if i == maxInFlightShown {
			parts = append(parts, fmt.Sprintf("+%d", len(ids)-maxInFlightShown))
			break
		}
		parts = append(parts, strconv.Itoa(id))
	}
	return strings.Join(parts, ", ")
}

// Percent returns the completed fraction of the current pass.
func (m FetchModel) Percent() float64 {
	if m.total == 0 {
		return 1
	}
	return float64(m.done) / float64(m.total)
}

// Aborted reports whether the program ended before the run finished.
func (m FetchModel) Aborted() bool {
	return m.aborted
}

// Package monitor renders a live terminal view of one workflow.
package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/patchflow/internal/controller"
	"github.com/fyrsmithlabs/patchflow/internal/workflow"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	historySize     = 30
	historyRows     = 8
	fetchTimeout    = 5 * time.Second
)

// Source provides workflow reports. *controller.Controller and *Client both
// satisfy it.
type Source interface {
	Report(ctx context.Context, id string) (*controller.Report, error)
}

// Model is the bubbletea model for the watch view.
type Model struct {
	source     Source
	id         string
	interval   time.Duration
	lastUpdate time.Time
	report     *controller.Report
	err        error
	quitting   bool

	// Durations of recent attempts in seconds, oldest first.
	durations []float64

	phaseProgress progress.Model
}

// Lipgloss styles (k9s-inspired color scheme)
var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			MarginTop(1)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	sparklineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51"))
)

// NewModel creates a watch model polling source for workflow id.
func NewModel(source Source, id string, interval time.Duration) Model {
	return Model{
		source:   source,
		id:       id,
		interval: interval,
		phaseProgress: progress.New(
			progress.WithGradient("#00ffff", "#00ff00"),
			progress.WithWidth(40),
			progress.WithoutPercentage(),
		),
		durations: make([]float64, 0, historySize),
	}
}

// nominal is the position of each phase on the PLAN..DONE track. FIX sits
// with CODE since it reworks the same change.
var nominal = map[workflow.Phase]int{
	workflow.PhasePlan:   0,
	workflow.PhaseCode:   1,
	workflow.PhaseFix:    1,
	workflow.PhaseTest:   2,
	workflow.PhaseReview: 3,
	workflow.PhaseDone:   4,
}

// progressOf returns how far along the nominal track st is, in [0,1]. A
// failed workflow shows where it stopped.
func progressOf(st *workflow.State) float64 {
	p := st.Phase
	if p == workflow.PhaseFailed {
		if st.Failure == nil {
			return 0
		}
		p = st.Failure.Phase
	}
	return float64(nominal[p]) / float64(nominal[workflow.PhaseDone])
}

// getStatusBadge returns the overall workflow badge.
func getStatusBadge(st *workflow.State) string {
	switch {
	case st.Phase == workflow.PhaseDone:
		return healthyStyle.Render("✓ DONE")
	case st.Phase == workflow.PhaseFailed:
		return errorStyle.Render("✗ FAILED")
	case st.Status == workflow.StatusWaiting:
		return warningStyle.Render("⏸ WAITING")
	}
	return valueStyle.Render("● RUNNING")
}

// getOutcomeBadge returns the badge of one history entry.
func getOutcomeBadge(o workflow.Outcome) string {
	switch o {
	case workflow.OutcomeAccepted, workflow.OutcomeApproved:
		return healthyStyle.Render("[✓]")
	case workflow.OutcomeRejected, workflow.OutcomeError, workflow.OutcomeWaiting:
		return warningStyle.Render("[⚠]")
	}
	return errorStyle.Render("[✗]")
}

// appendToHistory appends a value to history, maintaining max size
func appendToHistory(history []float64, value float64) []float64 {
	history = append(history, value)
	if len(history) > historySize {
		history = history[1:]
	}
	return history
}

// attemptDurations returns the run time of each finished history entry,
// keeping the newest historySize.
func attemptDurations(history []workflow.HistoryEntry) []float64 {
	out := make([]float64, 0, historySize)
	for _, e := range history {
		if e.StartedAt.IsZero() || e.FinishedAt.Before(e.StartedAt) {
			continue
		}
		out = appendToHistory(out, e.FinishedAt.Sub(e.StartedAt).Seconds())
	}
	return out
}

// createSparkline creates a sparkline chart from historical data
func createSparkline(data []float64) string {
	if len(data) == 0 {
		return dimStyle.Render(fmt.Sprintf("%*s", sparklineWidth, "no data"))
	}

	spark := sparkline.New(sparklineWidth, sparklineHeight)
	for _, v := range data {
		spark.Push(v)
	}
	spark.Draw()

	return sparklineStyle.Render(spark.View())
}

type tickMsg time.Time
type reportMsg *controller.Report
type errMsg error

// Init starts polling.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tick(m.interval),
		fetchReport(m.source, m.id),
	)
}

func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func fetchReport(source Source, id string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()

		rep, err := source.Report(ctx, id)
		if err != nil {
			return errMsg(err)
		}
		return reportMsg(rep)
	}
}

// Finished reports whether the watched workflow reached a terminal phase.
func (m Model) Finished() bool {
	return m.report != nil && m.report.State != nil && m.report.State.Terminal()
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, fetchReport(m.source, m.id)
		}

	case tickMsg:
		if m.Finished() {
			// Nothing changes after a terminal phase; stop polling.
			return m, nil
		}
		return m, tea.Batch(
			tick(m.interval),
			fetchReport(m.source, m.id),
		)

	case reportMsg:
		if msg == nil || msg.State == nil {
			return m, nil
		}
		m.report = msg
		m.durations = attemptDurations(msg.State.History)
		m.lastUpdate = time.Now()
		m.err = nil
		return m, nil

	case errMsg:
		m.err = error(msg)
		return m, nil
	}

	return m, nil
}

// View renders the watch view.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.err != nil {
		return m.renderError()
	}
	if m.report == nil {
		return m.renderLoading()
	}
	return m.renderWorkflow()
}

func (m Model) footer() string {
	return footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[r]") + footerStyle.Render(" refresh  ") +
		footerStyle.Render(fmt.Sprintf("Auto: %v", m.interval))
}

func (m Model) renderLoading() string {
	content := headerStyle.Render(" patchflow watch ") + "\n\n"
	content += dimStyle.Render("Loading workflow ") + valueStyle.Render(m.id) + "\n"
	content += "\n" + m.footer()
	return containerStyle.Render(content)
}

func (m Model) renderError() string {
	var content string
	content += headerStyle.Render(" patchflow watch ") + "\n\n"
	content += errorStyle.Render("⚠ Cannot load workflow") + "\n"
	content += "\n"
	content += dimStyle.Render("ID: ") + valueStyle.Render(m.id) + "\n"
	content += dimStyle.Render("Error: ") + errorStyle.Render(m.err.Error()) + "\n"
	content += "\n"
	content += footerStyle.Render("[q] quit  [r] retry") + "\n"
	return containerStyle.Render(content)
}

func (m Model) renderWorkflow() string {
	st := m.report.State
	var b strings.Builder

	lastUpdateStr := "Never"
	if !m.lastUpdate.IsZero() {
		lastUpdateStr = m.lastUpdate.Format("3:04:05 PM")
	}
	elapsed := st.UpdatedAt.Sub(st.CreatedAt)
	if !st.Terminal() && !m.lastUpdate.IsZero() {
		elapsed = m.lastUpdate.Sub(st.CreatedAt)
	}

	b.WriteString(headerStyle.Render(" patchflow watch ") + "\n")
	fmt.Fprintf(&b, "%s   %s   %s %s   %s\n",
		getStatusBadge(st),
		valueStyle.Render(st.ID),
		dimStyle.Render("Elapsed:"),
		valueStyle.Render(FormatDuration(int64(elapsed.Seconds()))),
		dimStyle.Render(lastUpdateStr))
	b.WriteString(labelStyle.Render("Goal: ") + valueStyle.Render(Truncate(st.Task.Goal, 60)) + "\n")

	b.WriteString("\n" + sectionStyle.Render("┃ Progress") + "\n")
	pct := progressOf(st)
	b.WriteString(labelStyle.Render("  Phase: ") + valueStyle.Render(string(st.Phase)) +
		dimStyle.Render(fmt.Sprintf("   steps %d", st.Steps)) + "\n")
	b.WriteString("  " + m.phaseProgress.ViewAs(pct) + " " + dimStyle.Render(FormatPercentage(pct)) + "\n")
	b.WriteString(labelStyle.Render("  Attempts: ") + attemptsLine(st) + "\n")

	b.WriteString("\n" + sectionStyle.Render("┃ Attempt durations") + "\n")
	last := "n/a"
	if n := len(m.durations); n > 0 {
		last = FormatLatency(m.durations[n-1])
	}
	b.WriteString(labelStyle.Render("  Last: ") + valueStyle.Render(last) + "   " + createSparkline(m.durations) + "\n")

	if p := st.PendingApproval; p != nil {
		b.WriteString("\n" + sectionStyle.Render("┃ Awaiting approval") + "\n")
		b.WriteString(labelStyle.Render("  Phase: ") + valueStyle.Render(fmt.Sprintf("%s attempt %d", p.Phase, p.Attempt)) + "\n")
		b.WriteString(labelStyle.Render("  Check: ") + warningStyle.Render(p.Check) + "\n")
		if p.Reason != "" {
			b.WriteString(labelStyle.Render("  Reason: ") + valueStyle.Render(Truncate(p.Reason, 60)) + "\n")
		}
		b.WriteString(dimStyle.Render(fmt.Sprintf("  patchflow approve %s  |  patchflow approve --deny %s", st.ID, st.ID)) + "\n")
	}

	if f := st.Failure; f != nil {
		b.WriteString("\n" + sectionStyle.Render("┃ Failure") + "\n")
		b.WriteString(labelStyle.Render("  Kind: ") + errorStyle.Render(string(f.Kind)) +
			labelStyle.Render("  at ") + valueStyle.Render(string(f.Phase)) + "\n")
		b.WriteString(labelStyle.Render("  Reason: ") + valueStyle.Render(Truncate(f.Reason, 60)) + "\n")
	}

	b.WriteString("\n" + sectionStyle.Render("┃ History") + "\n")
	entries := st.History
	if len(entries) > historyRows {
		b.WriteString(dimStyle.Render(fmt.Sprintf("  … %d earlier", len(entries)-historyRows)) + "\n")
		entries = entries[len(entries)-historyRows:]
	}
	if len(entries) == 0 {
		b.WriteString(dimStyle.Render("  no transitions yet") + "\n")
	}
	for _, e := range entries {
		b.WriteString(historyLine(e) + "\n")
	}

	b.WriteString("\n" + m.footer())
	return containerStyle.Render(b.String())
}

// attemptsLine lists attempt counts in nominal phase order.
func attemptsLine(st *workflow.State) string {
	var parts []string
	for _, p := range workflow.Phases {
		if n := st.Attempts[p]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s %d", p, n))
		}
	}
	if len(parts) == 0 {
		return dimStyle.Render("none")
	}
	return valueStyle.Render(strings.Join(parts, "  "))
}

func historyLine(e workflow.HistoryEntry) string {
	line := fmt.Sprintf("  %s %s %s -> %s",
		getOutcomeBadge(e.Outcome),
		valueStyle.Render(fmt.Sprintf("%-6s #%d", e.Phase, e.Attempt)),
		labelStyle.Render(string(e.Outcome)),
		valueStyle.Render(string(e.Next)))
	if !e.StartedAt.IsZero() && !e.FinishedAt.Before(e.StartedAt) {
		line += " " + dimStyle.Render(FormatLatency(e.FinishedAt.Sub(e.StartedAt).Seconds()))
	}
	if e.Reason != "" {
		line += "  " + dimStyle.Render(Truncate(e.Reason, 48))
	}
	return line
}

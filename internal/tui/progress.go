package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/cbreuel/saros-tools/internal/download"
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("63")).
			Bold(true)

	barFilledStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("63"))

	barEmptyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	workerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252"))

	stepStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244"))

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("42"))

	failStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	hintStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true)
)

// FinishedMsg tells the dashboard that the run is over.
type FinishedMsg struct {
	Result download.Result
	Err    error
}

type workerState struct {
	caseID string
	step   int
}

// ProgressModel is the live download dashboard: one line per worker plus
// an overall progress bar.
type ProgressModel struct {
	total   int
	cancel  func()
	workers map[int]workerState

	done      int
	skipped   int
	failed    int
	lastError error

	finished  bool
	result    download.Result
	runErr    error
	cancelled bool

	startTime time.Time
	width     int
}

// NewProgressModel creates a dashboard for a run over total cases. cancel
// is invoked when the user interrupts the run.
func NewProgressModel(total int, cancel func()) *ProgressModel {
	return &ProgressModel{
		total:     total,
		cancel:    cancel,
		workers:   make(map[int]workerState),
		startTime: time.Now(),
	}
}

// Cancelled reports whether the user aborted the run.
func (m *ProgressModel) Cancelled() bool {
	return m.cancelled
}

// Init implements tea.Model.
func (m *ProgressModel) Init() tea.Cmd {
	return tick()
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(time.Time) tea.Msg { return tickMsg{} })
}

type tickMsg struct{}

// Update implements tea.Model.
func (m *ProgressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.cancelled = true
			if m.cancel != nil {
				m.cancel()
			}
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case tickMsg:
		if !m.finished {
			return m, tick()
		}

	case download.Event:
		switch {
		case msg.Err != nil:
			m.failed++
			m.lastError = fmt.Errorf("%s: %w", msg.CaseID, msg.Err)
			delete(m.workers, msg.Worker)
		case msg.Skipped:
			m.skipped++
			delete(m.workers, msg.Worker)
		case msg.Done:
			m.done++
			delete(m.workers, msg.Worker)
		default:
			m.workers[msg.Worker] = workerState{caseID: msg.CaseID, step: msg.Step}
		}

	case FinishedMsg:
		m.finished = true
		m.result = msg.Result
		m.runErr = msg.Err
		return m, tea.Quit
	}

	return m, nil
}

// View implements tea.Model.
func (m *ProgressModel) View() string {
	var sb strings.Builder

	sb.WriteString(titleStyle.Render("Downloading SAROS cases"))
	sb.WriteString("\n\n")

	completed := m.done + m.skipped + m.failed
	sb.WriteString(m.renderBar(completed))
	sb.WriteString(fmt.Sprintf(" %d/%d", completed, m.total))
	sb.WriteString("\n\n")

	ids := make([]int, 0, len(m.workers))
	for id := range m.workers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		w := m.workers[id]
		line := fmt.Sprintf("worker %d: %s", id, w.caseID)
		step := fmt.Sprintf("%s (%d/%d)", download.StepName(w.step), w.step, download.NumSteps)
		sb.WriteString("  ")
		sb.WriteString(workerStyle.Render(line))
		sb.WriteString(" ")
		sb.WriteString(stepStyle.Render(step))
		sb.WriteString("\n")
	}
	if len(ids) > 0 {
		sb.WriteString("\n")
	}

	counts := fmt.Sprintf("%s  %s  %s",
		okStyle.Render(fmt.Sprintf("done %d", m.done)),
		stepStyle.Render(fmt.Sprintf("skipped %d", m.skipped)),
		failStyle.Render(fmt.Sprintf("failed %d", m.failed)),
	)
	sb.WriteString(counts)
	sb.WriteString("\n")

	if m.lastError != nil {
		sb.WriteString(failStyle.Render("last error: " + m.lastError.Error()))
		sb.WriteString("\n")
	}

	elapsed := time.Since(m.startTime)
	sb.WriteString(stepStyle.Render(fmt.Sprintf("Elapsed: %.0fs", elapsed.Seconds())))
	sb.WriteString("\n\n")
	sb.WriteString(hintStyle.Render("Press Ctrl+C to cancel"))
	sb.WriteString("\n")

	return sb.String()
}

func (m *ProgressModel) renderBar(completed int) string {
	width := 40
	if m.width > 60 {
		width = m.width / 2
		if width > 60 {
			width = 60
		}
	}

	filled := 0
	if m.total > 0 {
		filled = completed * width / m.total
	}
	if filled > width {
		filled = width
	}

	bar := barFilledStyle.Render("[" + strings.Repeat("█", filled))
	bar += barEmptyStyle.Render(strings.Repeat("░", width-filled) + "]")
	return bar
}

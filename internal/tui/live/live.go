// Package live is the terminal monitor of a single run.
package live

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"stresslab/internal/runner"
	"stresslab/internal/tui/components"
	"stresslab/internal/tui/styles"
)

// streamClosedMsg is sent when the message stream ends without a final.
type streamClosedMsg struct{}

type Model struct {
	RunID    string
	URL      string
	Duration time.Duration

	Last     *runner.Progress
	Final    *runner.Summary
	Progress progress.Model

	RpsLine     components.Sparkline
	LatencyLine components.Sparkline

	// Cancel is called once when the user quits before the run ends.
	Cancel    func()
	cancelled bool

	Width int
}

func NewModel(runID, url string, duration time.Duration, cancel func()) Model {
	return Model{
		RunID:       runID,
		URL:         url,
		Duration:    duration,
		Progress:    progress.New(progress.WithDefaultGradient()),
		RpsLine:     components.NewSparkline(40, "RPS", styles.Active),
		LatencyLine: components.NewSparkline(40, "Latency P99 (ms)", styles.Warn),
		Cancel:      cancel,
	}
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case runner.Message:
		switch msg.Type {
		case runner.MessageProgress:
			p := msg.Progress
			m.Last = p
			m.RpsLine.Add(float64(p.RPS))
			m.LatencyLine.Add(p.LatencyMs.P99)
			pct := 0.0
			if m.Duration > 0 {
				pct = min(float64(p.ElapsedS)/m.Duration.Seconds(), 1)
			}
			return m, m.Progress.SetPercent(pct)
		case runner.MessageFinal:
			m.Final = msg.Summary
			return m, tea.Sequence(m.Progress.SetPercent(1), tea.Quit)
		}
		return m, nil

	case streamClosedMsg:
		return m, tea.Quit

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			if !m.cancelled && m.Cancel != nil {
				m.cancelled = true
				// the final message arrives once lanes drain
				go m.Cancel()
			}
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Progress.Width = max(msg.Width-8, 10)
		half := max(msg.Width/2-6, 10)
		m.RpsLine.Width = half
		m.LatencyLine.Width = half
		return m, nil

	case progress.FrameMsg:
		prog, cmd := m.Progress.Update(msg)
		m.Progress = prog.(progress.Model)
		return m, cmd
	}

	return m, nil
}

func (m Model) View() string {
	var s strings.Builder

	s.WriteString(styles.Title.Render("stresslab " + m.RunID))
	s.WriteString("\n")
	s.WriteString(styles.Subtle.Render(m.URL))
	s.WriteString("\n\n")

	var sent, errs uint64
	var elapsed int64
	var lat struct{ p50, p95, p99 float64 }
	if m.Last != nil {
		sent, errs, elapsed = m.Last.RequestsSent, m.Last.Errors, m.Last.ElapsedS
		lat.p50, lat.p95, lat.p99 = m.Last.LatencyMs.P50, m.Last.LatencyMs.P95, m.Last.LatencyMs.P99
	}
	if m.Final != nil {
		sent, errs = m.Final.RequestsSent, m.Final.Errors
		lat.p50, lat.p95, lat.p99 = m.Final.LatencyMs.P50, m.Final.LatencyMs.P95, m.Final.LatencyMs.P99
	}

	errPct := 0.0
	if total := sent + errs; total > 0 {
		errPct = float64(errs) / float64(total) * 100
	}

	grid := lipgloss.JoinHorizontal(lipgloss.Top,
		styles.Box.Render(fmt.Sprintf("OK:  %d\nERR: %d", sent, errs)),
		styles.Box.Render(styles.ErrorRate(errPct).Render(fmt.Sprintf("ERR%%: %.2f", errPct))),
		styles.Box.Render(fmt.Sprintf("T: %ds / %ds", elapsed, int(m.Duration.Seconds()))),
	)
	s.WriteString(grid)
	s.WriteString("\n")

	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		styles.Box.Render(m.RpsLine.View()),
		styles.Box.Render(m.LatencyLine.View()),
	))
	s.WriteString("\n")

	s.WriteString(styles.Box.Render(fmt.Sprintf("P50: %.2f ms  |  P95: %.2f ms  |  P99: %.2f ms", lat.p50, lat.p95, lat.p99)))
	s.WriteString("\n\n")
	s.WriteString("  " + m.Progress.View())
	s.WriteString("\n\n")

	switch {
	case m.Final != nil:
		s.WriteString(styles.Success.Render(fmt.Sprintf("  finished: %.2f rps", m.Final.RPS)))
	case m.cancelled:
		s.WriteString(styles.Warn.Render("  cancelling, waiting for in-flight requests..."))
	default:
		s.WriteString("  " + styles.RenderKey("q", "cancel run"))
	}
	s.WriteString("\n")

	return s.String()
}

// Run shows the monitor until msgs delivers the final message or closes.
// It returns the final summary when one was received.
func Run(ctx context.Context, m Model, msgs <-chan runner.Message) (*runner.Summary, error) {
	p := tea.NewProgram(m, tea.WithContext(ctx))

	go func() {
		for msg := range msgs {
			p.Send(msg)
		}
		p.Send(streamClosedMsg{})
	}()

	out, err := p.Run()
	if err != nil {
		return nil, err
	}
	return out.(Model).Final, nil
}

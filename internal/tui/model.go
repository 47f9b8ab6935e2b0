package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"

	"github.com/mohaanymo/mpdecrypt/internal/engine"
	"github.com/mohaanymo/mpdecrypt/internal/progress"
)

// Messages
type (
	eventMsg progress.Event
	tickMsg  time.Time
	// DoneMsg ends the view after a successful run.
	DoneMsg struct{ Output string }
	// ErrorMsg ends the view after a failed run.
	ErrorMsg struct{ Err error }
)

// stageProgress is the latest counters reported for one stage.
type stageProgress struct {
	done       int
	total      int
	bytes      int64
	percent    float64
	throughput float64
}

// stageOrder is the display order of the per-segment stages.
var stageOrder = []string{engine.StageDownload, engine.StageDecrypt}

// Model is the progress view of a single pipeline run.
type Model struct {
	width  int
	height int
	frame  int

	title    string
	url      string
	state    string
	message  string
	stages   map[string]*stageProgress
	start    time.Time
	finished bool
	output   string
	err      error
	quit     func()
}

// NewModel creates a progress view for the manifest at url. quit is called
// when the user asks to stop; it may be nil.
func NewModel(title, url string, quit func()) *Model {
	return &Model{
		title:  title,
		url:    url,
		state:  "Idle",
		stages: make(map[string]*stageProgress),
		start:  time.Now(),
		width:  80,
		height: 24,
		quit:   quit,
	}
}

// Sink returns a progress sink that forwards events to the running
// program. Send on a bubbletea program never blocks once it has started.
func Sink(p *tea.Program) progress.Sink {
	return progress.SinkFunc(func(_ context.Context, ev progress.Event) error {
		p.Send(eventMsg(ev))
		return nil
	})
}

func (m *Model) Init() tea.Cmd {
	return tick()
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			if m.quit != nil {
				m.quit()
			}
			m.message = "canceling..."
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case eventMsg:
		m.handleEvent(progress.Event(msg))

	case tickMsg:
		m.frame++
		if m.finished {
			return m, nil
		}
		return m, tick()

	case DoneMsg:
		m.finished = true
		m.state = "Done"
		m.output = msg.Output
		return m, tea.Quit

	case ErrorMsg:
		m.finished = true
		m.state = "Failed"
		m.err = msg.Err
		return m, tea.Quit
	}

	return m, nil
}

func (m *Model) handleEvent(ev progress.Event) {
	if ev.State != "" {
		m.state = ev.State
		if ev.Message != "" {
			m.message = ev.Message
		}
		return
	}
	if ev.Total == 0 {
		return
	}
	sp, ok := m.stages[ev.Stage]
	if !ok {
		sp = &stageProgress{}
		m.stages[ev.Stage] = sp
	}
	sp.done = ev.Done
	sp.total = ev.Total
	sp.bytes = ev.Bytes
	sp.percent = ev.Percent
	if ev.Throughput > 0 {
		sp.throughput = ev.Throughput
	}
}

func (m *Model) View() string {
	w := clamp(m.width-4, 60, 100)

	var b strings.Builder
	b.WriteString(m.viewHeader(w))
	b.WriteString("\n\n")
	b.WriteString(m.viewContent(w))

	return b.String()
}

func (m *Model) viewHeader(w int) string {
	title := titleStyle.Render("⚡ " + m.title)
	subtitle := dimStyle.Render(" - DASH decrypt")

	stateLabel := labelStyle.Render("state:")
	stateValue := valueStyle.Render(m.state)

	urlLabel := labelStyle.Render("url:")
	urlValue := dimStyle.Render(truncate(m.url, w-30))

	line1 := title + subtitle
	line2 := fmt.Sprintf("%s %s  %s %s", stateLabel, stateValue, urlLabel, urlValue)

	return headerStyle.Width(w).Render(line1 + "\n" + line2)
}

func (m *Model) viewContent(w int) string {
	var b strings.Builder

	b.WriteString(subtitleStyle.Render("Stages"))
	b.WriteString("\n\n")

	for _, name := range stageOrder {
		b.WriteString(m.renderStage(name, w-6))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(m.renderStats())
	b.WriteString("\n\n")
	b.WriteString(m.renderStatus())
	b.WriteString("\n")
	b.WriteString(m.renderHelp())

	return contentStyle.Width(w).Render(b.String())
}

func (m *Model) renderStage(name string, w int) string {
	var b strings.Builder

	switch name {
	case engine.StageDownload:
		b.WriteString(downloadBadge.Render("FETCH"))
	default:
		b.WriteString(decryptBadge.Render("DECRYPT"))
	}
	b.WriteString(" ")

	sp, ok := m.stages[name]
	if !ok {
		b.WriteString(progressWait.Render(strings.Repeat("░", clamp(w-30, 20, 60))))
		b.WriteString(dimStyle.Render(" waiting"))
		return b.String()
	}

	pct := sp.percent
	if pct < 0 && sp.total > 0 {
		pct = float64(sp.done) / float64(sp.total) * 100
	}
	b.WriteString(renderBar(pct/100, clamp(w-30, 20, 60)))
	b.WriteString(" ")
	b.WriteString(statValueStyle.Render(fmt.Sprintf("%5.1f%%", pct)))
	b.WriteString(dimStyle.Render(fmt.Sprintf(" (%d/%d)", sp.done, sp.total)))

	return b.String()
}

func (m *Model) renderStats() string {
	var bytes int64
	var speed float64
	if sp, ok := m.stages[engine.StageDownload]; ok {
		bytes = sp.bytes
		speed = sp.throughput
	}

	stats := []struct {
		label string
		value string
	}{
		{"Speed", humanize.Bytes(uint64(speed)) + "/s"},
		{"Downloaded", humanize.Bytes(uint64(bytes))},
		{"Elapsed", formatDuration(time.Since(m.start))},
	}

	var parts []string
	for _, s := range stats {
		part := statLabelStyle.Render(s.label+": ") + statValueStyle.Render(s.value)
		parts = append(parts, part)
	}

	return strings.Join(parts, "  ")
}

func (m *Model) renderStatus() string {
	spin := spinnerStyle.Render(spinner[m.frame%len(spinner)])
	switch m.state {
	case "Done":
		return successStyle.Render("✓ saved to " + m.output)
	case "Failed":
		if m.err != nil {
			return errorStyle.Render(fmt.Sprintf("✗ error: %v", m.err))
		}
		return errorStyle.Render("✗ failed")
	case "Remuxing":
		return spin + warningStyle.Render(" remuxing tracks...")
	case "Decrypting":
		return spin + dimStyle.Render(" decrypting segments...")
	case "Downloading":
		return spin + dimStyle.Render(" downloading segments...")
	}
	msg := strings.ToLower(m.state)
	if m.message != "" {
		msg += ": " + m.message
	}
	return spin + dimStyle.Render(" "+msg)
}

func (m *Model) renderHelp() string {
	return helpStyle.Render(
		keyHelpStyle.Render("q") + " cancel  " +
			keyHelpStyle.Render("ctrl+c") + " cancel",
	)
}

func renderBar(frac float64, width int) string {
	filled := clamp(int(frac*float64(width)), 0, width)
	return progressActive.Render(strings.Repeat("█", filled)) +
		progressWait.Render(strings.Repeat("░", width-filled))
}

func tick() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Helpers

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func truncate(s string, max int) string {
	if max < 4 || len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "0s"
	}
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%02ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

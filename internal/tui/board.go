package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"

	"github.com/mohaanymo/mpdecrypt"
)

// Board is the task list view of a Manager. It redraws on a timer and
// quits on DoneMsg or when the user presses q.
type Board struct {
	manager      *mpdecrypt.Manager
	width        int
	height       int
	frame        int
	cursor       int
	scrollOffset int
}

// NewBoard creates a board over m.
func NewBoard(m *mpdecrypt.Manager) *Board {
	return &Board{
		manager: m,
		width:   80,
		height:  24,
	}
}

func (b *Board) Init() tea.Cmd {
	return tick()
}

func (b *Board) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return b, tea.Quit
		case "up", "k":
			if b.cursor > 0 {
				b.cursor--
				b.adjustScroll()
			}
		case "down", "j":
			if b.cursor < len(b.manager.Tasks())-1 {
				b.cursor++
				b.adjustScroll()
			}
		case "c":
			if task, ok := b.current(); ok {
				b.manager.Cancel(task.ID)
			}
		case "r":
			if task, ok := b.current(); ok {
				b.manager.Remove(task.ID)
				if n := len(b.manager.Tasks()); b.cursor >= n && b.cursor > 0 {
					b.cursor--
				}
			}
		}

	case tea.WindowSizeMsg:
		b.width = msg.Width
		b.height = msg.Height

	case tickMsg:
		b.frame++
		return b, tick()

	case DoneMsg:
		return b, tea.Quit
	}

	return b, nil
}

func (b *Board) current() (mpdecrypt.Task, bool) {
	tasks := b.manager.Tasks()
	if b.cursor < len(tasks) {
		return tasks[b.cursor], true
	}
	return mpdecrypt.Task{}, false
}

func (b *Board) visibleRows() int {
	return max(b.height-15, 5)
}

func (b *Board) adjustScroll() {
	rows := b.visibleRows()
	if b.cursor < b.scrollOffset {
		b.scrollOffset = b.cursor
	}
	if b.cursor >= b.scrollOffset+rows {
		b.scrollOffset = b.cursor - rows + 1
	}
}

func (b *Board) View() string {
	w := clamp(b.width-4, 60, 100)

	var sb strings.Builder
	sb.WriteString(b.viewHeader(w))
	sb.WriteString("\n\n")
	sb.WriteString(b.viewTasks(w))

	return sb.String()
}

func (b *Board) viewHeader(w int) string {
	title := titleStyle.Render("⚡ " + b.manager.Title())
	subtitle := dimStyle.Render(" - Batch")

	stats := b.manager.Stats()

	line1 := title + subtitle
	line2 := fmt.Sprintf("%s %s  %s %s  %s %s  %s %s",
		statLabelStyle.Render("active:"),
		statValueStyle.Render(fmt.Sprintf("%d", stats.Active)),
		statLabelStyle.Render("pending:"),
		normalStyle.Render(fmt.Sprintf("%d", stats.Pending)),
		statLabelStyle.Render("done:"),
		successStyle.Render(fmt.Sprintf("%d", stats.Completed)),
		statLabelStyle.Render("failed:"),
		errorStyle.Render(fmt.Sprintf("%d", stats.Failed+stats.Canceled)),
	)

	return headerStyle.Width(w).Render(line1 + "\n" + line2)
}

func (b *Board) viewTasks(w int) string {
	var sb strings.Builder

	sb.WriteString(subtitleStyle.Render("Jobs"))
	sb.WriteString("\n\n")

	tasks := b.manager.Tasks()
	if len(tasks) == 0 {
		sb.WriteString(dimStyle.Render("  No jobs queued"))
		sb.WriteString("\n")
	} else {
		rows := b.visibleRows()
		for i := b.scrollOffset; i < len(tasks) && i < b.scrollOffset+rows; i++ {
			sb.WriteString(b.renderTask(tasks[i], i == b.cursor))
			sb.WriteString("\n")
		}
		if len(tasks) > rows {
			sb.WriteString(dimStyle.Render(fmt.Sprintf("\n  %d/%d jobs", min(b.scrollOffset+rows, len(tasks)), len(tasks))))
		}
	}

	sb.WriteString("\n\n")
	sb.WriteString(helpStyle.Render(
		keyHelpStyle.Render("↑/↓") + " navigate  " +
			keyHelpStyle.Render("c") + " cancel  " +
			keyHelpStyle.Render("r") + " remove  " +
			keyHelpStyle.Render("q") + " quit",
	))

	return contentStyle.Width(w).Render(sb.String())
}

func (b *Board) renderTask(task mpdecrypt.Task, isCursor bool) string {
	var sb strings.Builder

	if isCursor {
		sb.WriteString(selectedStyle.Render("▸ "))
	} else {
		sb.WriteString("  ")
	}

	spin := spinnerStyle.Render(spinner[b.frame%len(spinner)] + " ")
	switch task.State {
	case mpdecrypt.TaskPending:
		sb.WriteString(dimStyle.Render("◯ "))
	case mpdecrypt.TaskMuxing:
		sb.WriteString(warningStyle.Render("⚙ "))
	case mpdecrypt.TaskCompleted:
		sb.WriteString(successStyle.Render("✓ "))
	case mpdecrypt.TaskFailed:
		sb.WriteString(errorStyle.Render("✗ "))
	case mpdecrypt.TaskCanceled:
		sb.WriteString(dimStyle.Render("⊘ "))
	default:
		sb.WriteString(spin)
	}

	name := fmt.Sprintf("%-25s", truncate(task.Request.SaveName, 25))
	if isCursor {
		sb.WriteString(selectedStyle.Render(name))
	} else {
		sb.WriteString(normalStyle.Render(name))
	}
	sb.WriteString(" ")

	switch task.State {
	case mpdecrypt.TaskDownloading, mpdecrypt.TaskDecrypting:
		pct := task.Progress.Percent()
		sb.WriteString(renderBar(pct/100, 20))
		sb.WriteString(" ")
		sb.WriteString(statValueStyle.Render(fmt.Sprintf("%5.1f%%", pct)))
		sb.WriteString(" ")
		sb.WriteString(dimStyle.Render(task.State.String()))
		if task.State == mpdecrypt.TaskDownloading && task.Progress.Speed > 0 {
			sb.WriteString(dimStyle.Render(" " + humanize.Bytes(uint64(task.Progress.Speed)) + "/s"))
		}
	case mpdecrypt.TaskPending:
		sb.WriteString(dimStyle.Render("waiting..."))
	case mpdecrypt.TaskParsing:
		sb.WriteString(dimStyle.Render("reading manifest... " + formatDuration(elapsed(task))))
	case mpdecrypt.TaskMuxing:
		sb.WriteString(warningStyle.Render("remuxing..."))
	case mpdecrypt.TaskCompleted:
		sb.WriteString(successStyle.Render("completed"))
		sb.WriteString(dimStyle.Render(" in " + formatDuration(elapsed(task))))
	case mpdecrypt.TaskFailed:
		msg := "unknown error"
		if task.Err != nil {
			msg = truncate(task.Err.Error(), 40)
		}
		sb.WriteString(errorStyle.Render(msg))
	case mpdecrypt.TaskCanceled:
		sb.WriteString(dimStyle.Render("canceled"))
	}

	if !task.State.IsFinished() && len(task.Selected) > 0 {
		sb.WriteString("\n      ")
		for i, r := range task.Selected {
			if i > 0 {
				sb.WriteString(" ")
			}
			if r.IsVideo() {
				sb.WriteString(videoBadge.Render(r.QualityLabel()))
			} else {
				label := "AUDIO"
				if r.Language() != "" {
					label = r.Language()
				}
				sb.WriteString(audioBadge.Render(label))
			}
		}
		sb.WriteString(dimStyle.Render(fmt.Sprintf("  %d/%d segs",
			task.Progress.CompletedSegments, task.Progress.TotalSegments)))
	}

	return sb.String()
}

// elapsed is how long a running task has been going.
func elapsed(task mpdecrypt.Task) time.Duration {
	if task.StartedAt.IsZero() {
		return 0
	}
	if task.State.IsFinished() {
		return task.CompletedAt.Sub(task.StartedAt)
	}
	return time.Since(task.StartedAt)
}

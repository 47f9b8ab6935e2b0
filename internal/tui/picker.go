package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"

	"github.com/mohaanymo/mpdecrypt"
)

// PickerResult is returned when selection is complete.
type PickerResult struct {
	Selected *mpdecrypt.Representation
	Canceled bool
}

// Picker is a TUI for choosing the primary representation. Only
// selectable representations are listed, videos first.
type Picker struct {
	title        string
	items        []mpdecrypt.Representation
	cursor       int
	scrollOffset int
	visibleRows  int
	width        int
	height       int
	done         bool
	canceled     bool
}

// NewPicker creates a picker over reps with the cursor on the highest
// bandwidth video.
func NewPicker(title string, reps []mpdecrypt.Representation) *Picker {
	p := &Picker{
		title:       title,
		width:       80,
		height:      24,
		visibleRows: 15,
	}

	var videos, audios []mpdecrypt.Representation
	for _, r := range reps {
		switch {
		case !r.Selectable():
		case r.IsVideo():
			videos = append(videos, r)
		case r.IsAudio():
			audios = append(audios, r)
		}
	}
	p.items = append(videos, audios...)

	best := -1
	for i, r := range videos {
		if best < 0 || r.Bandwidth() > videos[best].Bandwidth() {
			best = i
		}
	}
	if best >= 0 {
		p.cursor = best
		p.adjustScroll()
	}
	return p
}

func (p *Picker) Init() tea.Cmd {
	return nil
}

func (p *Picker) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			p.canceled = true
			p.done = true
			return p, tea.Quit

		case "enter", " ":
			if len(p.items) == 0 {
				return p, nil
			}
			p.done = true
			return p, tea.Quit

		case "up", "k":
			if p.cursor > 0 {
				p.cursor--
				p.adjustScroll()
			}

		case "down", "j":
			if p.cursor < len(p.items)-1 {
				p.cursor++
				p.adjustScroll()
			}

		case "home", "g":
			p.cursor = 0
			p.adjustScroll()

		case "end", "G":
			if len(p.items) > 0 {
				p.cursor = len(p.items) - 1
				p.adjustScroll()
			}
		}

	case tea.WindowSizeMsg:
		p.width = msg.Width
		p.height = msg.Height
		p.visibleRows = clamp(msg.Height-12, 5, 30)
		p.adjustScroll()
	}

	return p, nil
}

func (p *Picker) adjustScroll() {
	if p.cursor < p.scrollOffset {
		p.scrollOffset = p.cursor
	}
	if p.cursor >= p.scrollOffset+p.visibleRows {
		p.scrollOffset = p.cursor - p.visibleRows + 1
	}
}

func (p *Picker) View() string {
	w := clamp(p.width-4, 60, 100)

	var b strings.Builder

	title := titleStyle.Render("⚡ " + p.title)
	subtitle := dimStyle.Render(" - Select Representation")
	b.WriteString(headerStyle.Width(w).Render(title + subtitle))
	b.WriteString("\n\n")

	if len(p.items) == 0 {
		b.WriteString(errorStyle.Render("no selectable representations"))
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render(keyHelpStyle.Render("q") + " quit"))
		return contentStyle.Width(w).Render(b.String())
	}

	if p.scrollOffset > 0 {
		b.WriteString(dimStyle.Render("  ↑ more above"))
		b.WriteString("\n")
	}

	lastSection := ""
	end := min(p.scrollOffset+p.visibleRows, len(p.items))
	for i := p.scrollOffset; i < end; i++ {
		r := p.items[i]
		section := "Audio"
		if r.IsVideo() {
			section = "Video"
		}
		if section != lastSection {
			if lastSection != "" {
				b.WriteString("\n")
			}
			b.WriteString(subtitleStyle.Render(section))
			b.WriteString("\n\n")
			lastSection = section
		}
		b.WriteString(p.renderRow(r, i == p.cursor))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	if end < len(p.items) {
		b.WriteString(dimStyle.Render("  ↓ more below"))
		b.WriteString("\n")
	}

	b.WriteString(helpStyle.Render(
		keyHelpStyle.Render("↑/↓") + " navigate  " +
			keyHelpStyle.Render("enter") + " confirm  " +
			keyHelpStyle.Render("q") + " cancel",
	))

	return contentStyle.Width(w).Render(b.String())
}

func (p *Picker) renderRow(r mpdecrypt.Representation, cursor bool) string {
	var b strings.Builder

	if cursor {
		b.WriteString(selectedStyle.Render("▸ "))
	} else {
		b.WriteString("  ")
	}

	if r.IsVideo() {
		b.WriteString(videoBadge.Render("VIDEO"))
	} else {
		b.WriteString(audioBadge.Render("AUDIO"))
	}
	b.WriteString(" ")

	id := fmt.Sprintf("%-12s", truncate(r.ID(), 12))
	if cursor {
		b.WriteString(selectedStyle.Render(id))
	} else {
		b.WriteString(valueStyle.Render(id))
	}
	b.WriteString(" ")

	if r.IsVideo() {
		b.WriteString(valueStyle.Render(fmt.Sprintf("%-10s", r.Resolution())))
	} else {
		b.WriteString(valueStyle.Render(fmt.Sprintf("%-10s", r.Language())))
	}
	b.WriteString(" ")
	b.WriteString(normalStyle.Render(fmt.Sprintf("%-15s", r.Codec())))

	if r.Bandwidth() > 0 {
		b.WriteString(dimStyle.Render(" • "))
		b.WriteString(dimStyle.Render(formatBandwidth(r.Bandwidth())))
	}
	if r.IsEncrypted() {
		b.WriteString(dimStyle.Render(" • "))
		b.WriteString(warningStyle.Render("cenc"))
	}

	return b.String()
}

// Result returns the chosen representation.
func (p *Picker) Result() PickerResult {
	if p.canceled || !p.done || len(p.items) == 0 {
		return PickerResult{Canceled: true}
	}
	r := p.items[p.cursor]
	return PickerResult{Selected: &r}
}

func formatBandwidth(bw int64) string {
	return humanize.SI(float64(bw), "bps")
}

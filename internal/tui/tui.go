// Package tui provides the BubbleTea progress dashboard for batch runs.
//
// Layout:
//
//	┌─────────────────────────────────────┐
//	│  photon  local image tagging        │  ← header
//	│  ████████████░░░░░░░░  142/300      │  ← progress bar
//	│  ✓ 138   ✗ 4   12.3 img/min         │  ← counters
//	│  › IMG_2041.jpg                     │  ← last completed image
//	│  [processing]  q quit               │  ← status bar
//	└─────────────────────────────────────┘
package tui

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/screenager/photon/internal/pipeline"
)

// ── Palette ──────────────────────────────────────────────────────────────────

var (
	colorAccent = lipgloss.Color("#7C6AF7") // purple
	colorDim    = lipgloss.Color("#555555") // dark grey
	colorMuted  = lipgloss.Color("#888888") // mid grey
	colorText   = lipgloss.Color("#DDDDDD") // near-white
	colorErr    = lipgloss.Color("#FF6B6B") // red
	colorGreen  = lipgloss.Color("#5AF078") // for succeeded counts

	sTitle  = lipgloss.NewStyle().Bold(true).Foreground(colorText)
	sAccent = lipgloss.NewStyle().Foreground(colorAccent)
	sDim    = lipgloss.NewStyle().Foreground(colorDim)
	sMuted  = lipgloss.NewStyle().Foreground(colorMuted)
	sErr    = lipgloss.NewStyle().Foreground(colorErr)
	sGreen  = lipgloss.NewStyle().Foreground(colorGreen)
	sHint   = lipgloss.NewStyle().
		Foreground(colorDim).
		Background(lipgloss.Color("#111111"))
)

// ImageDoneMsg is sent by the batch runner after each image completes.
type ImageDoneMsg struct {
	Done  int
	Total int
	Path  string
	Err   error
}

// BatchDoneMsg is sent once the whole batch (including enrichment) finished.
type BatchDoneMsg struct {
	Summary pipeline.Summary
}

// Model is the dashboard state.
type Model struct {
	spin    spinner.Model
	bar     progress.Model
	start   time.Time
	total   int
	done    int
	failed  int
	last    string
	lastErr string
	summary *pipeline.Summary
	width   int
}

// New builds a dashboard for a batch of total images.
func New(total int) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = sAccent
	bar := progress.New(progress.WithDefaultGradient())
	return Model{spin: sp, bar: bar, start: time.Now(), total: total, width: 80}
}

func (m Model) Init() tea.Cmd {
	return m.spin.Tick
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = msg.Width - 16
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
		return m, nil

	case ImageDoneMsg:
		m.done = msg.Done
		m.total = msg.Total
		m.last = msg.Path
		if msg.Err != nil {
			m.failed++
			m.lastErr = msg.Err.Error()
		} else {
			m.lastErr = ""
		}
		return m, nil

	case BatchDoneMsg:
		s := msg.Summary
		m.summary = &s
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) View() string {
	var b strings.Builder

	b.WriteString("  " + sTitle.Render("photon") + sMuted.Render("  local image tagging") + "\n\n")

	frac := 0.0
	if m.total > 0 {
		frac = float64(m.done) / float64(m.total)
	}
	b.WriteString("  " + m.bar.ViewAs(frac) + sMuted.Render(fmt.Sprintf("  %d/%d", m.done, m.total)) + "\n")

	rate := ""
	if elapsed := time.Since(m.start).Minutes(); elapsed > 0.05 {
		rate = fmt.Sprintf("   %.1f img/min", float64(m.done)/elapsed)
	}
	b.WriteString("  " + sGreen.Render(fmt.Sprintf("✓ %d", m.done-m.failed)) +
		sErr.Render(fmt.Sprintf("   ✗ %d", m.failed)) + sMuted.Render(rate) + "\n\n")

	if m.last != "" {
		line := "  " + sAccent.Render("› ") + filepath.Base(m.last)
		if m.lastErr != "" {
			line += "  " + sErr.Render(truncate(m.lastErr, m.width-30))
		}
		b.WriteString(line + "\n")
	}

	if m.summary != nil {
		b.WriteString("\n  " + sMuted.Render(fmt.Sprintf("done in %s", m.summary.Elapsed.Round(time.Second))) + "\n")
	} else {
		b.WriteString("\n  " + m.spin.View() + sDim.Render(" processing") + "\n")
	}

	b.WriteString("\n" + sHint.Render("  q quit  ") + "\n")
	return b.String()
}

func truncate(s string, n int) string {
	if n < 8 {
		n = 8
	}
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

// Copyright 2026 The Bastion Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package watch provides the live terminal dashboard for audit entries.
package watch

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/eklund/bastion/internal/audit"
)

type tailerMsg struct {
	entry audit.Entry
	err   error
}

type tickMsg time.Time

// Config holds settings for the watch TUI.
type Config struct {
	AuditFile string
	Workspace string
	User      string // Filter: only show this user's operations.
	Decision  string // Filter: only show this decision (approved/denied/requires_confirmation).
	OpType    string // Filter: only show this operation type.
	Out       io.Writer
}

// Stats tracks running totals of decisions.
type Stats struct {
	Total     int
	Approved  int
	Denied    int
	Confirm   int
	StopFlips int
}

// Model is the bubbletea model for the watch TUI.
type Model struct {
	cfg       Config
	startedAt time.Time
	width     int
	height    int
	entries   []audit.Entry
	scroll    int
	stats     Stats
	lastErr   error
	tailer    *fileTailer
	tailerCh  <-chan tailerEntry

	// denyFlash tracks entry indices that should flash (denial highlight).
	denyFlash map[int]time.Time

	frameStyle      lipgloss.Style
	headerStyle     lipgloss.Style
	sectionStyle    lipgloss.Style
	approvedStyle   lipgloss.Style
	deniedStyle     lipgloss.Style
	confirmStyle    lipgloss.Style
	stopStyle       lipgloss.Style
	denyBgStyle     lipgloss.Style
	mutedStyle      lipgloss.Style
	statusLineStyle lipgloss.Style
}

// NewModel creates a new watch TUI model.
func NewModel(cfg Config) *Model {
	if strings.TrimSpace(cfg.Workspace) == "" {
		cfg.Workspace = "(unspecified)"
	}
	if strings.TrimSpace(cfg.User) == "" {
		cfg.User = "all"
	}

	return &Model{
		cfg:       cfg,
		startedAt: time.Now(),
		width:     80,
		height:    24,
		entries:   make([]audit.Entry, 0, 64),
		denyFlash: make(map[int]time.Time),
		tailer:    newFileTailer(cfg.AuditFile),
		frameStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("7")),
		headerStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("14")),
		sectionStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12")),
		approvedStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		deniedStyle:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9")),
		confirmStyle:  lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		stopStyle:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("13")),
		denyBgStyle:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9")).Background(lipgloss.Color("52")),
		mutedStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		statusLineStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("7")),
	}
}

// Run starts the watch TUI.
func Run(ctx context.Context, cfg Config) error {
	model := NewModel(cfg)
	model.tailerCh = model.tailer.start(ctx)
	opts := []tea.ProgramOption{tea.WithContext(ctx), tea.WithAltScreen()}
	if cfg.Out != nil {
		opts = append(opts, tea.WithOutput(cfg.Out))
	}
	p := tea.NewProgram(model, opts...)
	_, err := p.Run()
	return err
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(waitForTailer(m.tailerCh), tickCmd())
}

func waitForTailer(ch <-chan tailerEntry) tea.Cmd {
	return func() tea.Msg {
		evt, ok := <-ch
		if !ok {
			return nil
		}
		return tailerMsg{entry: evt.entry, err: evt.err}
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch typed := msg.(type) {
	case tea.KeyMsg:
		switch typed.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "j", "down":
			maxScroll := max(0, len(m.entries)-1)
			if m.scroll < maxScroll {
				m.scroll++
			}
		case "k", "up":
			if m.scroll > 0 {
				m.scroll--
			}
		case "g":
			m.scroll = 0
		}
	case tea.WindowSizeMsg:
		if typed.Width > 0 {
			m.width = typed.Width
		}
		if typed.Height > 0 {
			m.height = typed.Height
		}
	case tailerMsg:
		if typed.err != nil {
			m.lastErr = typed.err
			return m, waitForTailer(m.tailerCh)
		}

		if m.cfg.User != "all" && !strings.EqualFold(strings.TrimSpace(typed.entry.UserID), strings.TrimSpace(m.cfg.User)) {
			return m, waitForTailer(m.tailerCh)
		}

		// Always count stats before display filtering.
		m.updateStats(typed.entry)

		// Apply decision filter.
		if m.cfg.Decision != "" && !strings.EqualFold(m.cfg.Decision, string(typed.entry.Decision)) {
			return m, waitForTailer(m.tailerCh)
		}
		// Apply operation type filter.
		if m.cfg.OpType != "" && !strings.EqualFold(m.cfg.OpType, typed.entry.OpType) {
			return m, waitForTailer(m.tailerCh)
		}

		// Shift deny flash indices since we prepend at index 0.
		newFlash := make(map[int]time.Time, len(m.denyFlash)+1)
		for idx, t := range m.denyFlash {
			newFlash[idx+1] = t
		}
		m.denyFlash = newFlash

		m.entries = append([]audit.Entry{typed.entry}, m.entries...)
		m.entries = trimEntries(m.entries)

		if typed.entry.Decision == audit.DecisionDenied {
			m.denyFlash[0] = time.Now()
		}

		return m, waitForTailer(m.tailerCh)
	case tickMsg:
		return m, tickCmd()
	}

	return m, nil
}

func (m *Model) updateStats(entry audit.Entry) {
	m.stats.Total++
	switch entry.Decision {
	case audit.DecisionApproved:
		m.stats.Approved++
	case audit.DecisionDenied:
		m.stats.Denied++
	case audit.DecisionRequiresConfirmation:
		m.stats.Confirm++
	case audit.DecisionActivated, audit.DecisionDeactivated:
		m.stats.StopFlips++
	}
}

func (m *Model) View() string {
	innerWidth := max(20, m.width-4)
	feedRows := max(5, m.height-8)
	now := time.Now()
	uptime := now.Sub(m.startedAt).Round(time.Second)

	// Summary bar with colored counters.
	summaryLine := fmt.Sprintf("\U0001f6e1️  Bastion Watch | %s · %s · %s",
		m.approvedStyle.Render(fmt.Sprintf("%d approved", m.stats.Approved)),
		m.deniedStyle.Render(fmt.Sprintf("%d denied", m.stats.Denied)),
		m.confirmStyle.Render(fmt.Sprintf("%d need confirmation", m.stats.Confirm)),
	)
	if m.stats.StopFlips > 0 {
		summaryLine += " · " + m.stopStyle.Render(fmt.Sprintf("%d stop events", m.stats.StopFlips))
	}
	summaryLine += fmt.Sprintf(" | uptime: %s", formatUptime(uptime))

	lines := make([]string, 0, m.height)
	lines = append(lines, frameLineTop(innerWidth))
	lines = append(lines, frameLineBody(innerWidth, "  "+summaryLine))
	lines = append(lines, frameLineMid(innerWidth))
	lines = append(lines, frameLineBody(innerWidth, m.sectionStyle.Render("  LIVE FEED")))

	visible := m.visibleEntries(feedRows)
	for i, entry := range visible {
		globalIdx := m.scroll + i
		line := formatEntryLine(entry, innerWidth-4, now)

		// Denial flash: highlight with background for 3 seconds.
		if entry.Decision == audit.DecisionDenied {
			if flashTime, ok := m.denyFlash[globalIdx]; ok && now.Sub(flashTime) < 3*time.Second {
				lines = append(lines, frameLineBody(innerWidth, "  "+m.denyBgStyle.Render(line)))
				continue
			}
		}

		colorLine := m.colorizeLine(line, entry.Decision)
		lines = append(lines, frameLineBody(innerWidth, "  "+colorLine))
	}
	for len(visible) < feedRows {
		lines = append(lines, frameLineBody(innerWidth, ""))
		visible = append(visible, audit.Entry{})
	}

	lines = append(lines, frameLineMid(innerWidth))
	status := fmt.Sprintf("WORKSPACE: %s | USER: %s", m.cfg.Workspace, m.cfg.User)
	if m.cfg.Decision != "" {
		status += fmt.Sprintf(" | FILTER: decision=%s", m.cfg.Decision)
	}
	if m.cfg.OpType != "" {
		status += fmt.Sprintf(" | FILTER: operation=%s", m.cfg.OpType)
	}
	lines = append(lines, frameLineBody(innerWidth, "  "+m.statusLineStyle.Render(truncateRunes(status, innerWidth-2))))

	if m.lastErr != nil {
		errLine := "TAILER: " + m.lastErr.Error()
		lines = append(lines, frameLineBody(innerWidth, "  "+m.mutedStyle.Render(truncateRunes(errLine, innerWidth-2))))
	}

	lines = append(lines, frameLineBottom(innerWidth))

	// Clean up expired deny flashes.
	for idx, t := range m.denyFlash {
		if now.Sub(t) >= 3*time.Second {
			delete(m.denyFlash, idx)
		}
	}

	return m.frameStyle.Render(strings.Join(lines, "\n"))
}

func (m *Model) visibleEntries(rows int) []audit.Entry {
	if rows <= 0 || len(m.entries) == 0 {
		return nil
	}
	start := m.scroll
	if start >= len(m.entries) {
		start = len(m.entries) - 1
	}
	if start < 0 {
		start = 0
	}
	end := min(len(m.entries), start+rows)
	out := make([]audit.Entry, 0, end-start)
	out = append(out, m.entries[start:end]...)
	return out
}

func (m *Model) colorizeLine(line string, decision audit.Decision) string {
	switch decision {
	case audit.DecisionApproved:
		return m.approvedStyle.Render(line)
	case audit.DecisionDenied:
		return m.deniedStyle.Render(line)
	case audit.DecisionRequiresConfirmation:
		return m.confirmStyle.Render(line)
	case audit.DecisionActivated, audit.DecisionDeactivated:
		return m.stopStyle.Render(line)
	default:
		return line
	}
}

func frameLineTop(width int) string {
	return "╔" + strings.Repeat("═", width) + "╗"
}

func frameLineMid(width int) string {
	return "╠" + strings.Repeat("═", width) + "╣"
}

func frameLineBottom(width int) string {
	return "╚" + strings.Repeat("═", width) + "╝"
}

func frameLineBody(width int, s string) string {
	return "║" + lipgloss.NewStyle().Width(width).Render(truncateRunes(s, width)) + "║"
}

func formatUptime(d time.Duration) string {
	if d < time.Minute {
		return d.String()
	}
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}

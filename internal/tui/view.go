package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"github.com/rickchristie/govner/crunchwatch/internal/decorate"
	"github.com/rickchristie/govner/crunchwatch/internal/engine"
	"github.com/rickchristie/govner/crunchwatch/internal/enginelog"
)

// View renders the entire TUI.
func (m *Model) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	lines := m.renderMainView()
	if m.confirm == ConfirmQuit {
		return m.renderModal(lines)
	}
	return strings.Join(lines, "\n")
}

func (m *Model) renderMainView() []string {
	width := m.width
	if width <= 0 {
		width = 80
	}

	var lines []string
	lines = append(lines, m.renderHeader(width))
	lines = append(lines, SectionHeaderStyle.Render(strings.Repeat(BorderLightH, width)))

	listHeight := m.listHeight()
	list := m.renderResults(width, listHeight)
	lines = append(lines, list...)
	for i := len(list); i < listHeight; i++ {
		lines = append(lines, "")
	}

	lines = append(lines, m.renderPaneTitle(width))
	lines = append(lines, strings.Split(m.output.View(), "\n")...)
	lines = append(lines, m.renderFooter(width))
	return lines
}

func (m *Model) renderHeader(width int) string {
	var b strings.Builder
	b.WriteString(TitleStyle.Render("crunchwatch"))
	b.WriteString("  ")
	b.WriteString(m.renderStatus())
	if m.version != "" {
		b.WriteString(DimStyle.Render("  engine "))
		b.WriteString(VersionStyle.Render(m.version))
	}
	b.WriteString(DimStyle.Render(fmt.Sprintf("  process %s", m.process)))

	passed, failed, pending := m.counts()
	b.WriteString("  ")
	b.WriteString(PassedStyle.Render(fmt.Sprintf("%s %d", IconPassed, passed)))
	b.WriteString(" ")
	b.WriteString(FailedStyle.Render(fmt.Sprintf("%s %d", IconFailed, failed)))
	b.WriteString(" ")
	b.WriteString(PendingStyle.Render(fmt.Sprintf("%s %d", IconPending, pending)))

	if m.lastRunID != "" && width >= 110 {
		b.WriteString(DimStyle.Render("  run " + shortID(m.lastRunID)))
	}
	return b.String()
}

func (m *Model) renderStatus() string {
	label := string(m.status)
	switch m.status {
	case engine.StatusDisconnected:
		return DisconnectedStyle.Render(IconDisconnected + " " + label)
	case engine.StatusConnecting, engine.StatusRunning:
		return BusyStyle.Render(IconConnected + " " + label)
	default:
		return ConnectedStyle.Render(IconConnected + " " + label)
	}
}

func (m *Model) renderResults(width, height int) []string {
	if len(m.rows) == 0 {
		msg := "No test results yet. Press r to run tests."
		if m.status == engine.StatusDisconnected {
			msg = "Engine is not running. Press S to start it."
		}
		return []string{EmptyStateStyle.Render(truncatePlainText(msg, width))}
	}

	end := m.scrollOffset + height
	if end > len(m.rows) {
		end = len(m.rows)
	}

	out := make([]string, 0, end-m.scrollOffset)
	for i := m.scrollOffset; i < end; i++ {
		out = append(out, m.renderRow(i, width))
	}
	return out
}

func (m *Model) renderRow(idx, width int) string {
	row := m.rows[idx]
	selected := idx == m.selectedIdx

	arrow := "  "
	if selected {
		arrow = SelectionArrowStyle.Render(IconSelectionArrow) + " "
	}

	var icon string
	switch row.Icon {
	case decorate.Covered:
		icon = PassedStyle.Render(IconPassed)
	case decorate.ErrorSource:
		icon = FailedStyle.Render(IconFailed)
	default:
		icon = PendingStyle.Render(IconPending)
	}

	elapsed := formatElapsed(row.Elapsed)
	// arrow(2) + icon(1) + space(1) + gap(1) + elapsed
	nameWidth := width - 5 - runewidth.StringWidth(elapsed)
	if nameWidth < 1 {
		nameWidth = 1
	}
	name := truncatePlainText(row.Fqn, nameWidth)
	pad := nameWidth - runewidth.StringWidth(name)

	nameStyle := RowNormalStyle
	if selected {
		nameStyle = RowSelectedStyle
	}
	return arrow + icon + " " + nameStyle.Render(name) + strings.Repeat(" ", pad+1) + DurationStyle.Render(elapsed)
}

func (m *Model) renderPaneTitle(width int) string {
	title := " engine output "
	if m.outputMode == OutputTest {
		title = " test output "
		if fqn := m.selectedFqn(); fqn != "" {
			title = " " + fqn + " "
		}
	}
	title = truncatePlainText(title, width)
	fill := width - runewidth.StringWidth(title)
	if fill < 0 {
		fill = 0
	}
	return PaneTitleStyle.Render(title + strings.Repeat(" ", fill))
}

func (m *Model) renderFooter(width int) string {
	if m.busy != "" {
		return BusyStyle.Render(truncatePlainText(m.busy+"...", width))
	}
	if m.err != nil {
		return ErrorStyle.Render(truncatePlainText("Error: "+m.err.Error(), width))
	}
	if m.notice != nil {
		text := m.notice.Msg
		if m.notice.Err != nil {
			return ErrorStyle.Render(truncatePlainText(text+": "+m.notice.Err.Error(), width))
		}
		return NoticeStyle.Render(truncatePlainText(text, width))
	}

	keys := []struct{ key, desc string }{
		{"r", "run"},
		{"S", "start"},
		{"s", "stop"},
		{NavArrows, "select"},
		{"tab", "output"},
		{"q", "quit"},
	}
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, HelpKeyStyle.Render(k.key)+" "+HelpDescStyle.Render(k.desc))
	}
	return strings.Join(parts, "  ")
}

func (m *Model) renderModal(background []string) string {
	box := ModalStyle.Render("Quit crunchwatch and stop the engine?\n\n" +
		HelpKeyStyle.Render("y") + HelpDescStyle.Render(" quit  ") +
		HelpKeyStyle.Render("n") + HelpDescStyle.Render(" cancel"))

	width, height := m.width, len(background)
	if width <= 0 {
		width = 80
	}
	return lipgloss.Place(width, height, lipgloss.Center, lipgloss.Center, box)
}

func renderLogLines(lines []enginelog.Line) string {
	var b strings.Builder
	for i, l := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		if l.Stream == enginelog.Stderr {
			b.WriteString(StderrStyle.Render(l.Text))
		} else {
			b.WriteString(l.Text)
		}
	}
	return b.String()
}

func formatElapsed(d time.Duration) string {
	switch {
	case d <= 0:
		return ""
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	default:
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// truncatePlainText truncates a plain text string (no ANSI codes) to a visual width
func truncatePlainText(s string, maxWidth int) string {
	if runewidth.StringWidth(s) <= maxWidth {
		return s
	}

	var sb strings.Builder
	sb.Grow(maxWidth + 4)
	currentWidth := 0
	for _, r := range s {
		rw := runewidth.RuneWidth(r)
		if currentWidth+rw > maxWidth {
			break
		}
		sb.WriteRune(r)
		currentWidth += rw
	}
	return sb.String()
}

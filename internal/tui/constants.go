package tui

import (
	"time"

	"github.com/charmbracelet/lipgloss"
)

const (
	// RefreshInterval is how often engine status, results and output are re-read
	RefreshInterval = 250 * time.Millisecond

	// NoticeHoldTime is how long an info notice stays in the footer
	NoticeHoldTime = 4 * time.Second

	// OutputPaneHeight is the number of rows given to the output pane
	OutputPaneHeight = 8
)

// Palette
var (
	ColorVoid      = lipgloss.Color("#0a0e14")
	ColorSelection = lipgloss.Color("#1c2836")
	ColorHighlight = lipgloss.Color("#22d3ee")
	ColorBorder    = lipgloss.Color("#2d3748")

	ColorTextBright = lipgloss.Color("#e2e8f0")
	ColorTextDim    = lipgloss.Color("#64748b")
	ColorTextMuted  = lipgloss.Color("#94a3b8")

	ColorLime   = lipgloss.Color("#4ade80")
	ColorAmber  = lipgloss.Color("#fbbf24")
	ColorCyan   = lipgloss.Color("#22d3ee")
	ColorViolet = lipgloss.Color("#a78bfa")
	ColorCoral  = lipgloss.Color("#f87171")
)

// Unicode characters for the UI
const (
	IconPassed         = "✓"
	IconFailed         = "✗"
	IconPending        = "○"
	IconConnected      = "●"
	IconDisconnected   = "◌"
	IconSelectionArrow = "▶"

	BorderLightH = "─"

	NavArrows = "↑↓"
)

package tui

import "github.com/charmbracelet/lipgloss"

// Styles are built once at package load to keep the render loop allocation-light.
var (
	// === Header ===

	TitleStyle = lipgloss.NewStyle().
			Foreground(ColorCyan).
			Bold(true)

	VersionStyle = lipgloss.NewStyle().
			Foreground(ColorViolet)

	DimStyle = lipgloss.NewStyle().
			Foreground(ColorTextDim)

	SectionHeaderStyle = lipgloss.NewStyle().
				Foreground(ColorBorder)

	// === Engine status ===

	ConnectedStyle = lipgloss.NewStyle().
			Foreground(ColorLime)

	BusyStyle = lipgloss.NewStyle().
			Foreground(ColorAmber).
			Bold(true)

	DisconnectedStyle = lipgloss.NewStyle().
				Foreground(ColorCoral)

	// === Result list ===

	RowNormalStyle = lipgloss.NewStyle().
			Foreground(ColorTextBright)

	RowSelectedStyle = lipgloss.NewStyle().
				Foreground(ColorVoid).
				Background(ColorHighlight).
				Bold(true)

	SelectionArrowStyle = lipgloss.NewStyle().
				Foreground(ColorAmber).
				Bold(true)

	PassedStyle = lipgloss.NewStyle().
			Foreground(ColorLime)

	FailedStyle = lipgloss.NewStyle().
			Foreground(ColorCoral).
			Bold(true)

	PendingStyle = lipgloss.NewStyle().
			Foreground(ColorTextDim)

	DurationStyle = lipgloss.NewStyle().
			Foreground(ColorTextDim)

	EmptyStateStyle = lipgloss.NewStyle().
			Foreground(ColorTextDim).
			Italic(true)

	// === Output pane ===

	PaneTitleStyle = lipgloss.NewStyle().
			Foreground(ColorTextMuted).
			Background(ColorSelection)

	StderrStyle = lipgloss.NewStyle().
			Foreground(ColorAmber)

	// === Footer ===

	HelpKeyStyle = lipgloss.NewStyle().
			Foreground(ColorCyan)

	HelpDescStyle = lipgloss.NewStyle().
			Foreground(ColorTextDim)

	NoticeStyle = lipgloss.NewStyle().
			Foreground(ColorLime)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(ColorCoral).
			Bold(true)

	ModalStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorAmber).
			Padding(0, 2)
)

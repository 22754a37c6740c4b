package tui

import (
	"context"
	"errors"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// Message types
type (
	// tickMsg is sent periodically to refresh the snapshot
	tickMsg time.Time

	// noticeMsg carries a controller notification
	noticeMsg struct {
		notice Notice
	}

	// clearNoticeMsg hides the notice shown at the given time
	clearNoticeMsg struct {
		at time.Time
	}

	// actionDoneMsg is sent when an engine operation returns
	actionDoneMsg struct {
		op    string
		runID string
		err   error
	}
)

// Init starts the refresh tick and the notification listener
func (m *Model) Init() tea.Cmd {
	cmds := []tea.Cmd{m.tick()}
	if m.notices != nil {
		cmds = append(cmds, m.waitForNotice())
	}
	return tea.Batch(cmds...)
}

func (m *Model) tick() tea.Cmd {
	return tea.Tick(RefreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// waitForNotice waits for the next controller notification
func (m *Model) waitForNotice() tea.Cmd {
	return func() tea.Msg {
		notice, ok := <-m.notices
		if !ok {
			return nil
		}
		return noticeMsg{notice: notice}
	}
}

func clearNoticeAfter(at time.Time) tea.Cmd {
	return tea.Tick(NoticeHoldTime, func(time.Time) tea.Msg {
		return clearNoticeMsg{at: at}
	})
}

// runAction runs a blocking engine operation off the update loop
func (m *Model) runAction(op string) tea.Cmd {
	eng := m.engine
	return func() tea.Msg {
		switch op {
		case "run":
			runID, err := eng.Run()
			return actionDoneMsg{op: op, runID: runID, err: err}
		case "start":
			return actionDoneMsg{op: op, err: eng.Start()}
		case "stop":
			return actionDoneMsg{op: op, err: eng.Stop(true)}
		}
		return nil
	}
}

// Update handles messages and updates the model
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyPress(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.output.Width = msg.Width
		m.output.Height = OutputPaneHeight
		if msg.Height < 3*OutputPaneHeight {
			m.output.Height = msg.Height / 3
		}
		m.adjustScrollOffset()
		return m, nil

	case tickMsg:
		m.refresh()
		return m, m.tick()

	case noticeMsg:
		n := msg.notice
		m.notice = &n
		cmds := []tea.Cmd{m.waitForNotice()}
		if n.Err == nil {
			cmds = append(cmds, clearNoticeAfter(n.At))
		}
		return m, tea.Batch(cmds...)

	case clearNoticeMsg:
		if m.notice != nil && m.notice.At.Equal(msg.at) {
			m.notice = nil
		}
		return m, nil

	case actionDoneMsg:
		m.busy = ""
		m.err = msg.err
		m.refresh()
		return m, nil
	}

	return m, nil
}

// handleKeyPress handles keyboard input
func (m *Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.confirm != ConfirmNone {
		return m.handleConfirmKey(msg)
	}

	switch msg.String() {
	case "q", "ctrl+c":
		m.confirm = ConfirmQuit
		return m, nil

	case "r", "s", "S":
		if m.busy != "" || m.engine == nil {
			return m, nil
		}
		op := map[string]string{"r": "run", "s": "stop", "S": "start"}[msg.String()]
		m.busy = op
		m.err = nil
		return m, m.runAction(op)

	case "tab":
		if m.outputMode == OutputEngine {
			m.outputMode = OutputTest
		} else {
			m.outputMode = OutputEngine
		}
		m.refreshOutput(true)
		return m, nil

	case "up", "k":
		if m.selectedIdx > 0 {
			m.selectedIdx--
			m.adjustScrollOffset()
			if m.outputMode == OutputTest {
				m.refreshOutput(true)
			}
		}
		return m, nil

	case "down", "j":
		if m.selectedIdx < len(m.rows)-1 {
			m.selectedIdx++
			m.adjustScrollOffset()
			if m.outputMode == OutputTest {
				m.refreshOutput(true)
			}
		}
		return m, nil

	case "pgup", "pgdown", "ctrl+u", "ctrl+d":
		var cmd tea.Cmd
		m.output, cmd = m.output.Update(msg)
		return m, cmd
	}

	return m, nil
}

// handleConfirmKey handles keys when a confirmation dialog is shown
func (m *Model) handleConfirmKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "enter", "y":
		m.confirm = ConfirmNone
		m.quitting = true
		if m.onQuit != nil {
			m.onQuit()
		}
		return m, tea.Quit

	case "esc", "n":
		m.confirm = ConfirmNone
		return m, nil
	}

	return m, nil
}

// Run starts the TUI application and blocks until it exits or ctx is done
func Run(ctx context.Context, m *Model) error {
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

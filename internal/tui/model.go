// Package tui renders the crunchwatch terminal dashboard: engine status,
// the latest test results and the engine's output.
package tui

import (
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/viewport"

	"github.com/rickchristie/govner/crunchwatch/internal/coverage"
	"github.com/rickchristie/govner/crunchwatch/internal/decorate"
	"github.com/rickchristie/govner/crunchwatch/internal/engine"
	"github.com/rickchristie/govner/crunchwatch/internal/enginelog"
	"github.com/rickchristie/govner/crunchwatch/internal/model"
	"github.com/rickchristie/govner/crunchwatch/internal/supervisor"
)

// Engine is the controller surface the dashboard shows and drives
type Engine interface {
	Status() engine.Status
	Version() string
	IsReady() bool
	ProcessState() supervisor.State
	LastRunID() string
	Run() (string, error)
	Start() error
	Stop(notify bool) error
}

// LogSource is the engine output buffer
type LogSource interface {
	Lines() []enginelog.Line
	Total() int
}

// ConfirmAction represents an action that requires confirmation
type ConfirmAction int

const (
	ConfirmNone ConfirmAction = iota
	ConfirmQuit
)

// OutputMode selects what the output pane shows
type OutputMode int

const (
	OutputEngine OutputMode = iota // Engine stdout/stderr
	OutputTest                     // Captured output of the selected test
)

// ResultRow is one test in the result list
type ResultRow struct {
	Fqn     string
	Status  model.Status
	Icon    decorate.Category
	Elapsed time.Duration
	Output  string
}

// Options configures a Model
type Options struct {
	Engine  Engine
	Store   *coverage.Store
	Logs    LogSource
	Notices <-chan Notice
	OnQuit  func()
}

// Model is the dashboard state
type Model struct {
	engine  Engine
	store   *coverage.Store
	logs    LogSource
	notices <-chan Notice
	onQuit  func()

	// Snapshot, refreshed on every tick
	status    engine.Status
	version   string
	ready     bool
	process   supervisor.State
	lastRunID string
	rows      []ResultRow
	logTotal  int

	// UI state
	selectedIdx  int
	scrollOffset int
	confirm      ConfirmAction
	outputMode   OutputMode
	output       viewport.Model
	width        int
	height       int
	notice       *Notice
	err          error
	busy         string // Operation in flight, empty when idle
	quitting     bool
}

// NewModel creates the dashboard model
func NewModel(opts Options) *Model {
	m := &Model{
		engine:   opts.Engine,
		store:    opts.Store,
		logs:     opts.Logs,
		notices:  opts.Notices,
		onQuit:   opts.OnQuit,
		output:   viewport.New(80, OutputPaneHeight),
		logTotal: -1,
		width:    80,
		height:   24,
	}
	m.refresh()
	return m
}

// refresh re-reads engine status, results and output
func (m *Model) refresh() {
	if m.engine != nil {
		m.status = m.engine.Status()
		m.version = m.engine.Version()
		m.ready = m.engine.IsReady()
		m.process = m.engine.ProcessState()
		m.lastRunID = m.engine.LastRunID()
	}

	if m.store != nil {
		selected := m.selectedFqn()
		m.rows = buildRows(m.store.Results())
		m.selectedIdx = 0
		for i, r := range m.rows {
			if r.Fqn == selected {
				m.selectedIdx = i
				break
			}
		}
		m.adjustScrollOffset()
	}

	m.refreshOutput(false)
}

// refreshOutput updates the output pane. The engine log is only re-rendered
// when new lines arrived, unless force is set.
func (m *Model) refreshOutput(force bool) {
	switch m.outputMode {
	case OutputEngine:
		if m.logs == nil {
			return
		}
		total := m.logs.Total()
		if !force && total == m.logTotal {
			return
		}
		atBottom := m.output.AtBottom() || m.logTotal < 0
		m.logTotal = total
		m.output.SetContent(renderLogLines(m.logs.Lines()))
		if atBottom {
			m.output.GotoBottom()
		}
	case OutputTest:
		if !force {
			return
		}
		text := ""
		if row := m.selectedRow(); row != nil {
			text = row.Output
		}
		m.output.SetContent(text)
		m.output.GotoTop()
	}
}

func buildRows(results model.TestResults) []ResultRow {
	rows := make([]ResultRow, 0, len(results))
	for fqn, r := range results {
		rows = append(rows, ResultRow{
			Fqn:     fqn,
			Status:  r.Status,
			Icon:    decorate.IconFor(r.Status),
			Elapsed: time.Duration(r.TimeElapsed * float64(time.Second)),
			Output:  r.CapturedOutput,
		})
	}
	// Failures first, then by name
	sort.Slice(rows, func(i, j int) bool {
		fi, fj := rows[i].Status == model.StatusFailed, rows[j].Status == model.StatusFailed
		if fi != fj {
			return fi
		}
		return rows[i].Fqn < rows[j].Fqn
	})
	return rows
}

func (m *Model) selectedRow() *ResultRow {
	if m.selectedIdx < 0 || m.selectedIdx >= len(m.rows) {
		return nil
	}
	return &m.rows[m.selectedIdx]
}

func (m *Model) selectedFqn() string {
	if row := m.selectedRow(); row != nil {
		return row.Fqn
	}
	return ""
}

// counts returns the number of passed, failed and pending results
func (m *Model) counts() (passed, failed, pending int) {
	for _, r := range m.rows {
		switch r.Status {
		case model.StatusSuccess:
			passed++
		case model.StatusFailed:
			failed++
		default:
			pending++
		}
	}
	return
}

// listHeight is the number of rows available to the result list
func (m *Model) listHeight() int {
	// header + separator + list + pane title + pane + separator + footer
	h := m.height - 4 - m.output.Height
	if h < 1 {
		h = 1
	}
	return h
}

// adjustScrollOffset keeps the selected row visible
func (m *Model) adjustScrollOffset() {
	visible := m.listHeight()
	total := len(m.rows)
	if total <= visible {
		m.scrollOffset = 0
		return
	}
	if m.selectedIdx < m.scrollOffset {
		m.scrollOffset = m.selectedIdx
	}
	if m.selectedIdx >= m.scrollOffset+visible {
		m.scrollOffset = m.selectedIdx - visible + 1
	}
	if maxOffset := total - visible; m.scrollOffset > maxOffset {
		m.scrollOffset = maxOffset
	}
	if m.scrollOffset < 0 {
		m.scrollOffset = 0
	}
}

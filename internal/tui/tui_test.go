package tui

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickchristie/govner/crunchwatch/internal/coverage"
	"github.com/rickchristie/govner/crunchwatch/internal/engine"
	"github.com/rickchristie/govner/crunchwatch/internal/enginelog"
	"github.com/rickchristie/govner/crunchwatch/internal/model"
	"github.com/rickchristie/govner/crunchwatch/internal/supervisor"
)

type fakeEngine struct {
	mu     sync.Mutex
	status engine.Status
	calls  []string
	runErr error
}

func (f *fakeEngine) Status() engine.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeEngine) Version() string                { return "1.6.0" }
func (f *fakeEngine) IsReady() bool                  { return f.Status() != engine.StatusDisconnected }
func (f *fakeEngine) ProcessState() supervisor.State { return supervisor.Running }
func (f *fakeEngine) LastRunID() string              { return "" }

func (f *fakeEngine) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeEngine) Run() (string, error) {
	f.record("run")
	return "run-1", f.runErr
}

func (f *fakeEngine) Start() error {
	f.record("start")
	return nil
}

func (f *fakeEngine) Stop(notify bool) error {
	f.record("stop")
	return nil
}

func newTestModel(t *testing.T) (*Model, *fakeEngine, *coverage.Store, *enginelog.Sink) {
	t.Helper()
	logger := zerolog.Nop()
	store := coverage.NewStore(&logger)
	store.IngestTestResults(model.TestResults{
		"tests/test_a.py::test_ok":   {Status: model.StatusSuccess, TimeElapsed: 0.25, CapturedOutput: "ok output"},
		"tests/test_a.py::test_bad":  {Status: model.StatusFailed, TimeElapsed: 1.5, CapturedOutput: "bad output"},
		"tests/test_b.py::test_wait": {Status: model.StatusPending},
	})
	sink := enginelog.NewSink(10, zerolog.Nop())
	eng := &fakeEngine{status: engine.StatusConnected}

	m := NewModel(Options{Engine: eng, Store: store, Logs: sink})
	return m, eng, store, sink
}

func key(s string) tea.KeyMsg {
	switch s {
	case "tab":
		return tea.KeyMsg{Type: tea.KeyTab}
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown}
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestBuildRows_FailuresFirst(t *testing.T) {
	m, _, _, _ := newTestModel(t)

	require.Len(t, m.rows, 3)
	assert.Equal(t, "tests/test_a.py::test_bad", m.rows[0].Fqn)
	assert.Equal(t, "tests/test_a.py::test_ok", m.rows[1].Fqn)
	assert.Equal(t, "tests/test_b.py::test_wait", m.rows[2].Fqn)
	assert.Equal(t, 1500*time.Millisecond, m.rows[0].Elapsed)

	passed, failed, pending := m.counts()
	assert.Equal(t, 1, passed)
	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, pending)
}

func TestView_ShowsStatusAndResults(t *testing.T) {
	m, _, _, sink := newTestModel(t)
	sink.WriteLine(enginelog.Stdout, "engine listening")
	m.Update(tickMsg(time.Now()))

	out := m.View()
	assert.Contains(t, out, "connected")
	assert.Contains(t, out, "1.6.0")
	assert.Contains(t, out, "tests/test_a.py::test_bad")
	assert.Contains(t, out, "1.50s")
	assert.Contains(t, out, "250ms")
	assert.Contains(t, out, "engine listening")
}

func TestView_EmptyState(t *testing.T) {
	logger := zerolog.Nop()
	m := NewModel(Options{
		Engine: &fakeEngine{status: engine.StatusDisconnected},
		Store:  coverage.NewStore(&logger),
	})
	assert.Contains(t, m.View(), "Engine is not running")
}

func TestSelection_KeepsFqnAcrossRefresh(t *testing.T) {
	m, _, store, _ := newTestModel(t)

	m.Update(key("down"))
	require.Equal(t, "tests/test_a.py::test_ok", m.selectedFqn())

	store.IngestTestResults(model.TestResults{
		"tests/test_0.py::test_first": {Status: model.StatusSuccess},
	})
	m.Update(tickMsg(time.Now()))
	assert.Equal(t, "tests/test_a.py::test_ok", m.selectedFqn())
}

func TestKeys_RunStartStop(t *testing.T) {
	for _, tt := range []struct {
		key  string
		call string
	}{
		{"r", "run"},
		{"S", "start"},
		{"s", "stop"},
	} {
		t.Run(tt.call, func(t *testing.T) {
			m, eng, _, _ := newTestModel(t)

			_, cmd := m.Update(key(tt.key))
			require.NotNil(t, cmd)
			assert.Equal(t, tt.call, m.busy)

			// A second press while busy is ignored
			_, again := m.Update(key(tt.key))
			assert.Nil(t, again)

			msg := cmd()
			m.Update(msg)
			assert.Empty(t, m.busy)
			assert.Equal(t, []string{tt.call}, eng.calls)
		})
	}
}

func TestKeys_RunErrorShown(t *testing.T) {
	m, eng, _, _ := newTestModel(t)
	eng.runErr = errors.New("engine not ready after 3s")

	_, cmd := m.Update(key("r"))
	m.Update(cmd())

	assert.Contains(t, m.View(), "engine not ready after 3s")
}

func TestKeys_TabShowsSelectedTestOutput(t *testing.T) {
	m, _, _, _ := newTestModel(t)

	m.Update(key("tab"))
	assert.Equal(t, OutputTest, m.outputMode)
	assert.Contains(t, m.View(), "bad output")

	m.Update(key("down"))
	assert.Contains(t, m.View(), "ok output")

	m.Update(key("tab"))
	assert.Equal(t, OutputEngine, m.outputMode)
}

func TestQuit_Confirm(t *testing.T) {
	m, _, _, _ := newTestModel(t)
	quit := false
	m.onQuit = func() { quit = true }

	m.Update(key("q"))
	assert.Equal(t, ConfirmQuit, m.confirm)
	assert.Contains(t, m.View(), "Quit crunchwatch")

	m.Update(key("n"))
	assert.Equal(t, ConfirmNone, m.confirm)
	assert.False(t, quit)

	m.Update(key("q"))
	_, cmd := m.Update(key("y"))
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
	assert.True(t, quit)
	assert.Equal(t, "Shutting down...\n", m.View())
}

func TestNotices(t *testing.T) {
	notices := NewNotices(2)
	notices.Info("Server started")
	notices.Error("Error starting server", errors.New("boom"))
	notices.Info("dropped while full")

	m, _, _, _ := newTestModel(t)
	m.notices = notices.C()

	msg := m.waitForNotice()()
	m.Update(msg)
	assert.Contains(t, m.View(), "Server started")

	first := m.notice.At
	msg = m.waitForNotice()()
	m.Update(msg)
	assert.Contains(t, m.View(), "Error starting server: boom")

	// A stale clear does not hide the newer notice
	m.Update(clearNoticeMsg{at: first.Add(-time.Second)})
	assert.NotNil(t, m.notice)
	m.Update(clearNoticeMsg{at: m.notice.At})
	assert.Nil(t, m.notice)

	select {
	case n := <-notices.C():
		t.Fatalf("unexpected notice %q", n.Msg)
	default:
	}
}

func TestTruncatePlainText(t *testing.T) {
	assert.Equal(t, "short", truncatePlainText("short", 10))
	assert.Equal(t, "tests/", truncatePlainText("tests/test_a.py", 6))
	assert.Equal(t, "日本", truncatePlainText("日本語", 5))
	assert.True(t, strings.HasPrefix("tests/test_a.py", truncatePlainText("tests/test_a.py", 3)))
}

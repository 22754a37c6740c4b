package supervisor

import (
	"context"
	"errors"
	"os/exec"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeProcess is a Process whose exit is driven by the test
type fakeProcess struct {
	pid      int
	done     chan struct{}
	once     sync.Once
	code     int
	exited   atomic.Bool
	killable bool
	kills    atomic.Int32
}

func newFakeProcess(killable bool) *fakeProcess {
	return &fakeProcess{pid: 4242, done: make(chan struct{}), killable: killable}
}

func (p *fakeProcess) exit(code int) {
	p.once.Do(func() {
		p.code = code
		p.exited.Store(true)
		close(p.done)
	})
}

func (p *fakeProcess) Pid() int              { return p.pid }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) ExitCode() (int, bool) {
	if !p.exited.Load() {
		return 0, false
	}
	return p.code, true
}

func (p *fakeProcess) Kill() error {
	p.kills.Add(1)
	if p.killable {
		p.exit(-1)
	}
	return nil
}

type fakeSpawner struct {
	proc  *fakeProcess
	err   error
	specs []Spec
}

func (s *fakeSpawner) Spawn(spec Spec, _ Sink) (Process, error) {
	s.specs = append(s.specs, spec)
	if s.err != nil {
		return nil, s.err
	}
	return s.proc, nil
}

// fakeLink records the transport calls made during Stop
type fakeLink struct {
	mu        sync.Mutex
	calls     []string
	connected bool
	active    bool
	onHalt    func()
}

func (l *fakeLink) record(c string) {
	l.mu.Lock()
	l.calls = append(l.calls, c)
	l.mu.Unlock()
}

func (l *fakeLink) Calls() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *fakeLink) Active() bool    { return l.active }
func (l *fakeLink) Connected() bool { return l.connected }

func (l *fakeLink) Halt() error {
	l.record("halt")
	if l.onHalt != nil {
		l.onHalt()
	}
	return nil
}

func (l *fakeLink) CloseSend() error {
	l.record("close-send")
	return nil
}

func (l *fakeLink) Disconnect() error {
	l.record("disconnect")
	l.connected = false
	l.active = false
	return nil
}

func newTestSupervisor(clock clockwork.Clock, spawner Spawner) *Supervisor {
	logger := zerolog.Nop()
	return New(Options{
		Clock:   clock,
		Spawner: spawner,
		Logger:  &logger,
	})
}

func blockUntil(t *testing.T, clock *clockwork.FakeClock, waiters int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, waiters))
}

var testSpec = Spec{Path: "/usr/bin/python3", Args: []string{"-m", "pycrunch.main", "--port=5000"}, Dir: "/w"}

// startRunning drives a supervisor through a successful Start
func startRunning(t *testing.T, clock *clockwork.FakeClock, sup *Supervisor) {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- sup.Start(testSpec) }()

	blockUntil(t, clock, 1)
	assert.Equal(t, Starting, sup.State())
	clock.Advance(time.Second)
	require.NoError(t, <-errCh)
}

func TestStart_SucceedsAfterSettleWindow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	spawner := &fakeSpawner{proc: newFakeProcess(true)}
	sup := newTestSupervisor(clock, spawner)

	startRunning(t, clock, sup)

	assert.Equal(t, Running, sup.State())
	assert.True(t, sup.Alive())
	assert.Equal(t, 4242, sup.Pid())
	require.Len(t, spawner.specs, 1)
	assert.Equal(t, testSpec, spawner.specs[0])
}

func TestStart_DoesNotSucceedBeforeSettleWindow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sup := newTestSupervisor(clock, &fakeSpawner{proc: newFakeProcess(true)})

	errCh := make(chan error, 1)
	go func() { errCh <- sup.Start(testSpec) }()

	blockUntil(t, clock, 1)
	clock.Advance(999 * time.Millisecond)

	select {
	case err := <-errCh:
		t.Fatalf("Start returned before settle window: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	clock.Advance(time.Millisecond)
	require.NoError(t, <-errCh)
}

func TestStart_ProcessExitsDuringSettleWindow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	proc := newFakeProcess(true)
	proc.exit(1) // e.g. "No module named pycrunch"
	sup := newTestSupervisor(clock, &fakeSpawner{proc: proc})

	err := sup.Start(testSpec)

	var startErr *StartupError
	require.ErrorAs(t, err, &startErr)
	assert.True(t, startErr.Exited)
	assert.Equal(t, 1, startErr.ExitCode)
	assert.Equal(t, Stopped, sup.State())
	assert.False(t, sup.Alive())
}

func TestStart_SpawnFailures(t *testing.T) {
	t.Run("empty interpreter path", func(t *testing.T) {
		spawner := &fakeSpawner{proc: newFakeProcess(true)}
		sup := newTestSupervisor(clockwork.NewFakeClock(), spawner)

		err := sup.Start(Spec{})
		var startErr *StartupError
		require.ErrorAs(t, err, &startErr)
		assert.ErrorIs(t, err, ErrInterpreterNotFound)
		assert.Empty(t, spawner.specs, "nothing should be spawned")
	})

	t.Run("spawner error", func(t *testing.T) {
		sup := newTestSupervisor(clockwork.NewFakeClock(), &fakeSpawner{err: exec.ErrNotFound})

		err := sup.Start(testSpec)
		var startErr *StartupError
		require.ErrorAs(t, err, &startErr)
		assert.False(t, startErr.Exited)
		assert.ErrorIs(t, err, exec.ErrNotFound)
		assert.Equal(t, Stopped, sup.State())
	})
}

func TestStart_RejectedWhenNotStopped(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sup := newTestSupervisor(clock, &fakeSpawner{proc: newFakeProcess(true)})
	startRunning(t, clock, sup)

	err := sup.Start(testSpec)
	assert.ErrorIs(t, err, ErrNotStopped)
	assert.Equal(t, Running, sup.State())
}

func TestStop_IdempotentWhenNothingRunning(t *testing.T) {
	sup := newTestSupervisor(clockwork.NewFakeClock(), &fakeSpawner{})
	link := &fakeLink{}

	require.NoError(t, sup.Stop(link))
	require.NoError(t, sup.Stop(link))
	require.NoError(t, sup.Stop(nil))

	assert.Empty(t, link.Calls())
	assert.Equal(t, Stopped, sup.State())
}

func TestStop_DisconnectsLingeringTransportWithoutProcess(t *testing.T) {
	sup := newTestSupervisor(clockwork.NewFakeClock(), &fakeSpawner{})
	link := &fakeLink{active: true}

	require.NoError(t, sup.Stop(link))
	assert.Equal(t, []string{"disconnect"}, link.Calls())
}

func TestStop_GracefulExitAfterHalt(t *testing.T) {
	clock := clockwork.NewFakeClock()
	proc := newFakeProcess(true)
	sup := newTestSupervisor(clock, &fakeSpawner{proc: proc})
	startRunning(t, clock, sup)

	link := &fakeLink{connected: true, active: true, onHalt: func() { proc.exit(0) }}

	require.NoError(t, sup.Stop(link))

	assert.Equal(t, []string{"halt", "close-send", "disconnect"}, link.Calls())
	assert.Equal(t, int32(0), proc.kills.Load())
	assert.Equal(t, Stopped, sup.State())
	assert.False(t, sup.Alive())
}

func TestStop_EscalatesToKill(t *testing.T) {
	clock := clockwork.NewFakeClock()
	proc := newFakeProcess(true)
	sup := newTestSupervisor(clock, &fakeSpawner{proc: proc})
	startRunning(t, clock, sup)

	link := &fakeLink{connected: true, active: true}
	errCh := make(chan error, 1)
	go func() { errCh <- sup.Stop(link) }()

	blockUntil(t, clock, 1)
	assert.Equal(t, Stopping, sup.State())
	assert.Equal(t, int32(0), proc.kills.Load(), "no kill before halt grace elapses")

	clock.Advance(time.Second)

	require.NoError(t, <-errCh)
	assert.Equal(t, int32(1), proc.kills.Load())
	assert.Equal(t, []string{"halt", "close-send", "disconnect"}, link.Calls())
	assert.Equal(t, Stopped, sup.State())
}

func TestStop_SkipsHaltWhenNotConnected(t *testing.T) {
	clock := clockwork.NewFakeClock()
	proc := newFakeProcess(true)
	sup := newTestSupervisor(clock, &fakeSpawner{proc: proc})
	startRunning(t, clock, sup)

	link := &fakeLink{active: true}
	errCh := make(chan error, 1)
	go func() { errCh <- sup.Stop(link) }()

	blockUntil(t, clock, 1)
	clock.Advance(time.Second)

	require.NoError(t, <-errCh)
	assert.Equal(t, []string{"disconnect"}, link.Calls())
}

func TestStop_ShutdownErrorWhenProcessSurvivesKill(t *testing.T) {
	clock := clockwork.NewFakeClock()
	proc := newFakeProcess(false)
	sup := newTestSupervisor(clock, &fakeSpawner{proc: proc})
	startRunning(t, clock, sup)

	errCh := make(chan error, 1)
	go func() { errCh <- sup.Stop(&fakeLink{connected: true, active: true}) }()

	blockUntil(t, clock, 1)
	clock.Advance(time.Second)

	// Second grace window after the kill
	blockUntil(t, clock, 1)
	assert.Equal(t, ForceKilling, sup.State())
	clock.Advance(1499 * time.Millisecond)

	select {
	case err := <-errCh:
		t.Fatalf("Stop returned before kill grace elapsed: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	clock.Advance(time.Millisecond)

	err := <-errCh
	var shutdownErr *ShutdownError
	require.ErrorAs(t, err, &shutdownErr)
	assert.Equal(t, 4242, shutdownErr.Pid)
	assert.Equal(t, Failed, sup.State())
	assert.True(t, sup.Alive())

	// Start is rejected until a Stop succeeds
	assert.ErrorIs(t, sup.Start(testSpec), ErrNotStopped)

	// Retrying after the process finally dies succeeds
	proc.exit(-1)
	require.NoError(t, sup.Stop(&fakeLink{}))
	assert.Equal(t, Stopped, sup.State())
}

func TestStop_ThenStartAgain(t *testing.T) {
	clock := clockwork.NewFakeClock()
	spawner := &fakeSpawner{proc: newFakeProcess(true)}
	sup := newTestSupervisor(clock, spawner)
	startRunning(t, clock, sup)

	spawner.proc.exit(0)
	require.NoError(t, sup.Stop(nil))

	spawner.proc = newFakeProcess(true)
	startRunning(t, clock, sup)
	assert.Len(t, spawner.specs, 2)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "force-killing", ForceKilling.String())
	assert.Equal(t, "state(42)", State(42).String())
	assert.True(t, errors.Is(&StartupError{Err: ErrInterpreterNotFound}, ErrInterpreterNotFound))
}

package supervisor

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// State is the lifecycle phase of the supervised engine process
type State int

const (
	Stopped State = iota
	Starting
	Running
	Stopping
	ForceKilling
	Failed // Process survived a forced kill
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case ForceKilling:
		return "force-killing"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var (
	// ErrNotStopped is returned by Start when a process is already supervised
	ErrNotStopped = errors.New("engine process is not stopped")
	// ErrInterpreterNotFound is wrapped by StartupError when there is nothing to execute
	ErrInterpreterNotFound = errors.New("python interpreter not found")
)

// StartupError reports that the engine could not be started, either because
// it could not be spawned or because it exited within the settle window.
type StartupError struct {
	Path     string
	ExitCode int
	Exited   bool
	Err      error
}

func (e *StartupError) Error() string {
	if e.Exited {
		return fmt.Sprintf("engine process exited with code %d", e.ExitCode)
	}
	if e.Path == "" {
		return fmt.Sprintf("failed to start engine: %v", e.Err)
	}
	return fmt.Sprintf("failed to start engine %s: %v", e.Path, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }

// ShutdownError reports that the engine process survived a forced kill
type ShutdownError struct {
	Pid   int
	Grace time.Duration
	Err   error // Error returned by the kill itself, if any
}

func (e *ShutdownError) Error() string {
	msg := fmt.Sprintf("engine process %d did not exit within %s", e.Pid, e.Grace)
	if e.Err != nil {
		msg += fmt.Sprintf(" (kill: %v)", e.Err)
	}
	return msg
}

func (e *ShutdownError) Unwrap() error { return e.Err }

// Spec describes how to launch the engine
type Spec struct {
	Path string
	Args []string
	Dir  string
}

// Link is the transport side the supervisor tears down during Stop
type Link interface {
	// Active reports whether the transport holds or is trying to open a connection
	Active() bool
	Connected() bool
	Halt() error
	CloseSend() error
	Disconnect() error
}

// Options configures a Supervisor. Zero values fall back to defaults.
type Options struct {
	Settle    time.Duration
	HaltGrace time.Duration
	KillGrace time.Duration
	Clock     clockwork.Clock
	Spawner   Spawner
	Sink      Sink
	Logger    *zerolog.Logger
}

// Supervisor owns the engine process lifecycle. Start and Stop are
// serialized; no two transitions run concurrently.
type Supervisor struct {
	settle    time.Duration
	haltGrace time.Duration
	killGrace time.Duration
	clock     clockwork.Clock
	spawner   Spawner
	sink      Sink
	log       zerolog.Logger

	mu      sync.Mutex // Serializes Start/Stop
	stateMu sync.RWMutex
	state   State
	proc    Process
}

// New creates a Supervisor
func New(opts Options) *Supervisor {
	s := &Supervisor{
		settle:    opts.Settle,
		haltGrace: opts.HaltGrace,
		killGrace: opts.KillGrace,
		clock:     opts.Clock,
		spawner:   opts.Spawner,
		sink:      opts.Sink,
	}
	if s.settle <= 0 {
		s.settle = 1000 * time.Millisecond
	}
	if s.haltGrace <= 0 {
		s.haltGrace = 1000 * time.Millisecond
	}
	if s.killGrace <= 0 {
		s.killGrace = 1500 * time.Millisecond
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if s.spawner == nil {
		s.spawner = ExecSpawner{}
	}
	if s.sink == nil {
		s.sink = discardSink{}
	}
	if opts.Logger != nil {
		s.log = *opts.Logger
	} else {
		s.log = log.Logger.With().Str("component", "supervisor").Logger()
	}
	return s
}

// State returns the current lifecycle phase
func (s *Supervisor) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// Alive reports whether a supervised process exists and has not exited
func (s *Supervisor) Alive() bool {
	s.stateMu.RLock()
	proc := s.proc
	s.stateMu.RUnlock()
	if proc == nil {
		return false
	}
	_, exited := proc.ExitCode()
	return !exited
}

// Pid returns the pid of the supervised process, or 0
func (s *Supervisor) Pid() int {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	if s.proc == nil {
		return 0
	}
	return s.proc.Pid()
}

// Start spawns the engine and waits for the settle window. A process that
// exits before the window elapses is reported as a StartupError. There is
// no retry.
func (s *Supervisor) Start(spec Spec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st := s.State(); st != Stopped {
		return fmt.Errorf("%w (state %s)", ErrNotStopped, st)
	}
	if spec.Path == "" {
		return &StartupError{Err: ErrInterpreterNotFound}
	}

	s.setState(Starting, nil)
	s.log.Info().Str("path", spec.Path).Strs("args", spec.Args).Str("dir", spec.Dir).Msg("Starting engine process")

	proc, err := s.spawner.Spawn(spec, s.sink)
	if err != nil {
		s.setState(Stopped, nil)
		return &StartupError{Path: spec.Path, Err: err}
	}

	s.waitExit(proc, s.settle)
	if code, exited := proc.ExitCode(); exited {
		s.setState(Stopped, nil)
		s.log.Error().Int("exitCode", code).Msg("Engine process exited during settle window")
		return &StartupError{Path: spec.Path, ExitCode: code, Exited: true}
	}

	s.setState(Running, proc)
	s.log.Info().Int("pid", proc.Pid()).Msg("Engine process running")
	return nil
}

// Stop halts the engine: halt command, grace window, transport disconnect,
// forced kill, second grace window. It is a no-op when nothing is running.
// A process that survives the forced kill yields a ShutdownError and leaves
// the supervisor in the Failed state; Stop may be retried.
func (s *Supervisor) Stop(link Link) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stateMu.RLock()
	proc := s.proc
	s.stateMu.RUnlock()

	if proc == nil {
		if link != nil && link.Active() {
			s.disconnect(link)
		}
		return nil
	}

	s.setState(Stopping, proc)
	s.log.Info().Int("pid", proc.Pid()).Msg("Stopping engine process")

	if link != nil && link.Connected() {
		s.log.Info().Msg("Sending halt command to engine")
		if err := link.Halt(); err != nil {
			s.log.Warn().Err(err).Msg("Failed to send halt command")
		}
		if err := link.CloseSend(); err != nil {
			s.log.Warn().Err(err).Msg("Failed to close outbound side of transport")
		}
	}

	exited := s.waitExit(proc, s.haltGrace)

	if link != nil {
		s.disconnect(link)
	}

	if !exited {
		s.setState(ForceKilling, proc)
		s.log.Warn().Int("pid", proc.Pid()).Msg("Process still alive, sending SIGKILL")
		killErr := proc.Kill()
		if killErr != nil {
			s.log.Error().Err(killErr).Msg("Failed to kill engine process")
		}
		if !s.waitExit(proc, s.killGrace) {
			s.setState(Failed, proc)
			return &ShutdownError{Pid: proc.Pid(), Grace: s.killGrace, Err: killErr}
		}
	}

	s.setState(Stopped, nil)
	s.log.Info().Msg("Engine process stopped")
	return nil
}

func (s *Supervisor) disconnect(link Link) {
	s.log.Info().Msg("Disconnecting engine transport")
	if err := link.Disconnect(); err != nil {
		s.log.Warn().Err(err).Msg("Failed to disconnect transport")
	}
}

// waitExit waits up to d for proc to exit and reports whether it did
func (s *Supervisor) waitExit(proc Process, d time.Duration) bool {
	timer := s.clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-proc.Done():
		return true
	case <-timer.Chan():
	}
	_, exited := proc.ExitCode()
	return exited
}

func (s *Supervisor) setState(st State, proc Process) {
	s.stateMu.Lock()
	s.state = st
	s.proc = proc
	s.stateMu.Unlock()
}

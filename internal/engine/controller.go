// Package engine composes the process supervisor and the protocol client
// into the controller the rest of crunchwatch talks to.
package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rickchristie/govner/crunchwatch/internal/config"
	"github.com/rickchristie/govner/crunchwatch/internal/model"
	"github.com/rickchristie/govner/crunchwatch/internal/protocol"
	"github.com/rickchristie/govner/crunchwatch/internal/supervisor"
)

// Status is the controller's view of the engine connection
type Status string

const (
	StatusDisconnected       Status = "disconnected"
	StatusConnecting         Status = "connecting"
	StatusConnected          Status = "connected"
	StatusDiscoveryCompleted Status = "discovery_completed"
	StatusRunning            Status = "running"
)

// ErrDisposed is returned by operations on a disposed controller
var ErrDisposed = errors.New("engine controller disposed")

// ReadinessTimeoutError is returned by Run when the engine did not become
// ready in time. No command was sent.
type ReadinessTimeoutError struct {
	Timeout time.Duration
	Err     error // Start failure, if that is why the engine never became ready
}

func (e *ReadinessTimeoutError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("engine not ready: %v", e.Err)
	}
	return fmt.Sprintf("engine not ready after %s", e.Timeout)
}

func (e *ReadinessTimeoutError) Unwrap() error { return e.Err }

// Process is the supervisor side of the controller
type Process interface {
	Start(spec supervisor.Spec) error
	Stop(link supervisor.Link) error
	Alive() bool
	State() supervisor.State
}

// Transport is the protocol side of the controller
type Transport interface {
	supervisor.Link
	Connect()
	Send(cmd protocol.Command) error
}

// Options configures a Controller. Process and Transport default to the real
// supervisor and websocket client built from Config.
type Options struct {
	Config    *config.Config
	Process   Process
	Transport func(l protocol.Listener) Transport
	Clock     clockwork.Clock
	Notifier  Notifier
	Sink      supervisor.Sink
	Logger    *zerolog.Logger
}

// Controller owns one engine: its process, its event channel and the typed
// event streams derived from it. Start, Stop and Run are serialized.
type Controller struct {
	cfg          *config.Config
	proc         Process
	transport    Transport
	clock        clockwork.Clock
	notifier     Notifier
	readyTimeout time.Duration
	log          zerolog.Logger

	// Discovered fires with every discovery result
	Discovered *Emitter[[]model.DiscoveredTest]
	// CombinedCoverage fires with every combined coverage snapshot
	CombinedCoverage *Emitter[model.CombinedCoverage]
	// TestResults fires with every completed run's results
	TestResults *Emitter[model.TestResults]
	// Disposed fires once, when the controller is disposed
	Disposed *Emitter[struct{}]

	opMu sync.Mutex // Serializes Start/Stop/Run

	mu          sync.Mutex
	status      Status
	changed     chan struct{} // Closed on every status change
	version     string
	interpreter string
	tests       []model.DiscoveredTest
	pending     *Subscription // Discovery one-shot of the latest Run
	lastRunID   string
	generation  uint64
	disposed    bool
	heal        sync.WaitGroup
}

// New creates a controller. Nothing is started.
func New(opts Options) *Controller {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	c := &Controller{
		cfg:              cfg,
		clock:            opts.Clock,
		notifier:         opts.Notifier,
		readyTimeout:     cfg.ReadyTimeout(),
		status:           StatusDisconnected,
		changed:          make(chan struct{}),
		interpreter:      cfg.Interpreter,
		Discovered:       &Emitter[[]model.DiscoveredTest]{},
		CombinedCoverage: &Emitter[model.CombinedCoverage]{},
		TestResults:      &Emitter[model.TestResults]{},
		Disposed:         &Emitter[struct{}]{},
	}
	if c.clock == nil {
		c.clock = clockwork.NewRealClock()
	}
	if c.readyTimeout <= 0 {
		c.readyTimeout = 3000 * time.Millisecond
	}
	if opts.Logger != nil {
		c.log = *opts.Logger
	} else {
		c.log = log.Logger.With().Str("component", "engine").Logger()
	}
	if c.notifier == nil {
		c.notifier = LogNotifier{Logger: c.log}
	}

	c.proc = opts.Process
	if c.proc == nil {
		c.proc = supervisor.New(supervisor.Options{
			Settle:    cfg.Settle(),
			HaltGrace: cfg.HaltGrace(),
			KillGrace: cfg.KillGrace(),
			Clock:     c.clock,
			Sink:      opts.Sink,
		})
	}

	if opts.Transport != nil {
		c.transport = opts.Transport(c)
	} else {
		c.transport = protocol.NewClient(protocol.Options{
			URL:            cfg.EngineURL(),
			PluginVersion:  cfg.PluginVersion,
			Threshold:      cfg.ReconnectThreshold,
			ReconnectDelay: cfg.ReconnectDelay(),
		}, c)
	}
	return c
}

// Status returns the current connection status
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Version returns the engine version reported on connect
func (c *Controller) Version() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// Tests returns the latest discovery result
func (c *Controller) Tests() []model.DiscoveredTest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.DiscoveredTest(nil), c.tests...)
}

// LastRunID returns the id of the latest accepted Run
func (c *Controller) LastRunID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRunID
}

// Interpreter returns the interpreter path used for the next Start
func (c *Controller) Interpreter() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interpreter
}

// ProcessState returns the supervisor's lifecycle phase
func (c *Controller) ProcessState() supervisor.State {
	return c.proc.State()
}

// IsReady reports whether the process is alive, the transport is connected
// and the status is not disconnected.
func (c *Controller) IsReady() bool {
	return c.proc.Alive() && c.transport.Connected() && c.Status() != StatusDisconnected
}

// SetInterpreter changes the interpreter used to launch the engine. A running
// engine is restarted with the new interpreter.
func (c *Controller) SetInterpreter(path string) error {
	c.mu.Lock()
	changed := c.interpreter != path
	c.interpreter = path
	c.mu.Unlock()

	if !changed || path == "" || c.proc.State() == supervisor.Stopped {
		return nil
	}
	c.log.Info().Str("interpreter", path).Msg("Interpreter changed, restarting engine")
	return c.Start()
}

// Start stops whatever is running and launches the engine. The transport is
// only attached when the process survives its settle window.
func (c *Controller) Start() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.start()
}

// Stop halts the engine. notify controls whether progress notifications are
// shown; failures are always reported.
func (c *Controller) Stop(notify bool) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	c.generation++
	c.mu.Unlock()
	return c.stop(notify)
}

// Run makes the engine ready and asks it to discover tests; the discovered
// tests are then run exactly once. The returned id identifies this request.
func (c *Controller) Run() (string, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.isDisposed() {
		return "", ErrDisposed
	}

	if !c.IsReady() {
		if err := c.start(); err != nil {
			rerr := &ReadinessTimeoutError{Timeout: c.readyTimeout, Err: err}
			c.notifier.Error("Server not ready", rerr)
			return "", rerr
		}
		if !c.waitReady() {
			rerr := &ReadinessTimeoutError{Timeout: c.readyTimeout}
			c.notifier.Error("Server not ready", rerr)
			return "", rerr
		}
	}

	runID := uuid.NewString()
	logger := c.log.With().Str("runID", runID).Logger()
	c.notifier.Info("Running tests...")

	// Subscribed before discovery is sent so a fast reply is not missed
	once := c.Discovered.Once(func(tests []model.DiscoveredTest) {
		fqns := model.Fqns(tests)
		c.setStatus(StatusRunning)
		logger.Info().Int("tests", len(fqns)).Msg("Sending run-tests command to engine")
		if err := c.transport.Send(protocol.RunTests(fqns)); err != nil {
			logger.Error().Err(err).Msg("Failed to send run-tests command")
		}
	})

	c.mu.Lock()
	prev := c.pending
	c.pending = once
	c.mu.Unlock()
	prev.Dispose()

	logger.Info().Msg("Sending discovery command to engine")
	if err := c.transport.Send(protocol.Discovery()); err != nil {
		once.Dispose()
		return "", fmt.Errorf("failed to send discovery command: %w", err)
	}

	c.mu.Lock()
	c.lastRunID = runID
	c.mu.Unlock()
	return runID, nil
}

// Dispose stops the engine and releases every subscription. The controller
// cannot be used afterwards.
func (c *Controller) Dispose() error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil
	}
	c.disposed = true
	c.generation++
	c.mu.Unlock()

	c.opMu.Lock()
	err := c.stop(false)
	c.opMu.Unlock()

	c.heal.Wait()

	c.Disposed.Emit(struct{}{})
	c.Discovered.Clear()
	c.CombinedCoverage.Clear()
	c.TestResults.Clear()
	c.Disposed.Clear()
	return err
}

func (c *Controller) start() error {
	if c.isDisposed() {
		return ErrDisposed
	}

	c.mu.Lock()
	c.generation++
	path := c.interpreter
	c.mu.Unlock()

	if err := c.stop(false); err != nil {
		return err
	}

	c.log.Info().Msg("Starting server")
	err := c.proc.Start(supervisor.Spec{
		Path: path,
		Args: c.cfg.EngineArgs(),
		Dir:  c.cfg.WorkDir,
	})
	if err != nil {
		if errors.Is(err, supervisor.ErrInterpreterNotFound) {
			c.notifier.Error("Python interpreter not found", err)
		} else {
			c.notifier.Error("Error starting server", err)
		}
		return err
	}

	c.setStatus(StatusConnecting)
	c.transport.Connect()
	c.notifier.Info("Server started")
	return nil
}

func (c *Controller) stop(notify bool) error {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	pending.Dispose()

	if c.proc.State() == supervisor.Stopped && !c.transport.Active() {
		c.setStatus(StatusDisconnected)
		return nil
	}

	c.log.Info().Msg("Stopping server")
	if notify {
		c.notifier.Info("Stopping server...")
	}

	err := c.proc.Stop(c.transport)
	c.setStatus(StatusDisconnected)
	if err != nil {
		c.notifier.Error("Error stopping server", err)
		return err
	}

	if notify {
		c.notifier.Info("Server stopped")
	}
	return nil
}

// waitReady waits for readiness, re-checking on every status change
func (c *Controller) waitReady() bool {
	timer := c.clock.NewTimer(c.readyTimeout)
	defer timer.Stop()

	for {
		c.mu.Lock()
		changed := c.changed
		c.mu.Unlock()

		if c.IsReady() {
			return true
		}
		select {
		case <-changed:
		case <-timer.Chan():
			return c.IsReady()
		}
	}
}

func (c *Controller) setStatus(st Status) {
	c.mu.Lock()
	if c.status == st {
		c.mu.Unlock()
		return
	}
	prev := c.status
	c.status = st
	c.wakeLocked()
	c.mu.Unlock()

	c.log.Debug().Str("from", string(prev)).Str("to", string(st)).Msg("Engine status changed")
}

// wakeLocked releases every waitReady blocked on the current change channel
func (c *Controller) wakeLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Controller) isDisposed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disposed
}

// TransportConnected implements protocol.Listener. An open socket is enough
// for readiness, so waiters are woken without waiting for the connected event.
func (c *Controller) TransportConnected() {
	c.mu.Lock()
	if c.status == StatusDisconnected {
		c.status = StatusConnecting
	}
	c.wakeLocked()
	c.mu.Unlock()

	c.log.Info().Msg("Engine socket connected")
}

// TransportDisconnected implements protocol.Listener
func (c *Controller) TransportDisconnected(err error) {
	c.log.Info().Err(err).Msg("Engine socket disconnected")
	c.setStatus(StatusDisconnected)
}

// ConnectError implements protocol.Listener
func (c *Controller) ConnectError(err error, failures int) {
	c.setStatus(StatusDisconnected)
}

// ReconnectExhausted implements protocol.Listener. The engine is restarted on
// a separate goroutine, unless the controller was stopped, restarted or
// disposed in the meantime.
func (c *Controller) ReconnectExhausted() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	gen := c.generation
	c.heal.Add(1)
	c.mu.Unlock()

	c.log.Warn().Msg("Engine unreachable, restarting")
	go func() {
		defer c.heal.Done()

		c.opMu.Lock()
		defer c.opMu.Unlock()

		c.mu.Lock()
		stale := c.disposed || c.generation != gen
		c.mu.Unlock()
		if stale {
			c.log.Debug().Msg("Skipping stale engine restart")
			return
		}
		if err := c.start(); err != nil {
			c.log.Error().Err(err).Msg("Engine restart failed")
		}
	}()
}

// HandleEvent implements protocol.Listener
func (c *Controller) HandleEvent(ev protocol.Event) {
	c.log.Debug().Str("eventType", string(ev.Type())).Msg("Received event")

	switch e := ev.(type) {
	case protocol.Connected:
		c.mu.Lock()
		c.version = e.Version
		c.mu.Unlock()
		c.setStatus(StatusConnected)

	case protocol.TestsDiscovered:
		c.mu.Lock()
		c.tests = e.Tests
		c.mu.Unlock()
		c.setStatus(StatusDiscoveryCompleted)
		c.log.Info().Int("tests", len(e.Tests)).Msg("Discovered tests")
		c.Discovered.Emit(e.Tests)

	case protocol.CombinedCoverageUpdated:
		c.log.Info().Int("files", len(e.Files)).Msg("Combined coverage updated")
		c.CombinedCoverage.Emit(e.Files)

	case protocol.TestRunCompleted:
		if c.Status() == StatusRunning {
			c.setStatus(StatusConnected)
		}
		c.log.Info().Int("results", len(e.Results)).Msg("Test results updated")
		c.TestResults.Emit(e.Results)
	}
}

package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	writeTimeout     = 5 * time.Second
	handshakeTimeout = 10 * time.Second
	maxMessageSize   = 64 * 1024 * 1024
)

var (
	// ErrNotConnected is returned by Send while no connection is open
	ErrNotConnected = errors.New("engine socket not connected")
	// ErrSendClosed is returned by Send after CloseSend
	ErrSendClosed = errors.New("engine socket outbound side closed")
)

// Listener receives transport notifications and decoded events. All methods
// are called from the client's read goroutine, in transport order, and must
// not call Disconnect.
type Listener interface {
	TransportConnected()
	TransportDisconnected(err error)
	ConnectError(err error, failures int)
	// ReconnectExhausted fires each time the consecutive connect-error count
	// reaches the threshold; the count starts over afterwards
	ReconnectExhausted()
	HandleEvent(ev Event)
}

// Options configures a Client
type Options struct {
	URL            string
	PluginVersion  string
	Threshold      int
	ReconnectDelay time.Duration
	Dialer         *websocket.Dialer
	Logger         *zerolog.Logger
}

// Client keeps a single websocket connection to the engine, redialing on
// failure until Disconnect.
type Client struct {
	url           string
	pluginVersion string
	threshold     int
	delay         time.Duration
	dialer        *websocket.Dialer
	listener      Listener
	log           zerolog.Logger

	mu         sync.Mutex
	conn       *websocket.Conn
	sendClosed bool
	cancel     context.CancelFunc
	done       chan struct{}

	writeMu  sync.Mutex
	failures atomic.Int32
}

// NewClient creates a client. Nothing is dialed until Connect.
func NewClient(opts Options, listener Listener) *Client {
	c := &Client{
		url:           opts.URL,
		pluginVersion: opts.PluginVersion,
		threshold:     opts.Threshold,
		delay:         opts.ReconnectDelay,
		dialer:        opts.Dialer,
		listener:      listener,
	}
	if c.threshold < 1 {
		c.threshold = 3
	}
	if c.dialer == nil {
		c.dialer = &websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	}
	if opts.Logger != nil {
		c.log = *opts.Logger
	} else {
		c.log = log.Logger.With().Str("component", "protocol").Logger()
	}
	return c
}

// Connect starts dialing the engine in the background. It is a no-op while
// the client is already active.
func (c *Client) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.failures.Store(0)
	c.log.Info().Str("url", c.url).Msg("Attaching to engine socket")

	go c.run(ctx, c.done)
}

// Disconnect closes the connection, stops redialing and waits for the read
// goroutine to exit. Safe to call when not active.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	cancel, done, conn := c.cancel, c.done, c.conn
	if cancel != nil {
		cancel()
	}
	c.cancel = nil
	c.sendClosed = false
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}

	if conn != nil {
		// The read goroutine closes it too; a second close only reports it
		_ = conn.Close()
	}
	<-done
	c.log.Info().Msg("Engine socket detached")
	return nil
}

// Active reports whether the client is connected or trying to connect
func (c *Client) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel != nil
}

// Connected reports whether a connection is open
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Failures returns the current consecutive failure count
func (c *Client) Failures() int {
	return int(c.failures.Load())
}

// Send writes a command. Delivery is not acknowledged.
func (c *Client) Send(cmd Command) error {
	c.mu.Lock()
	conn, closed := c.conn, c.sendClosed
	c.mu.Unlock()

	if closed {
		return ErrSendClosed
	}
	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	c.log.Debug().Str("action", string(cmd.Action)).Msg("Sent command to engine")
	return nil
}

// Halt sends the halt command
func (c *Client) Halt() error {
	return c.Send(Halt())
}

// CloseSend sends a websocket close frame. No further commands are sent and
// the client does not redial once the engine closes its side.
func (c *Client) CloseSend() error {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.sendClosed = true
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "halt")
	return conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
}

func (c *Client) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	limit := rate.Inf
	if c.delay > 0 {
		limit = rate.Every(c.delay)
	}
	limiter := rate.NewLimiter(limit, 1)

	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			n := int(c.failures.Add(1))
			c.log.Warn().Err(err).Int("failures", n).Msg("Engine socket connect error")
			c.listener.ConnectError(err, n)
			if n >= c.threshold {
				c.failures.Store(0)
				c.log.Warn().Int("threshold", c.threshold).Msg("Engine unreachable, requesting restart")
				c.listener.ReconnectExhausted()
			}
			continue
		}

		if !c.attach(ctx, conn) {
			conn.Close()
			return
		}

		c.failures.Store(0)
		c.log.Info().Msg("Engine socket connected")
		c.listener.TransportConnected()
		if c.pluginVersion != "" {
			if err := c.Send(PluginVersion(c.pluginVersion)); err != nil {
				c.log.Warn().Err(err).Msg("Failed to send plugin version")
			}
		}

		readErr := c.readLoop(conn)
		halted := c.detach(conn)
		conn.Close()

		if ctx.Err() != nil {
			return
		}

		n := c.failures.Add(1)
		c.log.Warn().Err(readErr).Int32("failures", n).Msg("Engine socket disconnected")
		c.listener.TransportDisconnected(readErr)

		if halted {
			<-ctx.Done()
			return
		}
	}
}

// attach publishes conn unless Disconnect already ran
func (c *Client) attach(ctx context.Context, conn *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	conn.SetReadLimit(maxMessageSize)
	c.conn = conn
	c.sendClosed = false
	return true
}

// detach clears conn and reports whether the outbound side had been closed
func (c *Client) detach(conn *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn = nil
	}
	return c.sendClosed
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		ev, err := Decode(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("Dropping engine message")
			continue
		}
		if ev == nil {
			continue
		}

		c.log.Debug().Str("eventType", string(ev.Type())).Msg("Received event")
		c.listener.HandleEvent(ev)
	}
}

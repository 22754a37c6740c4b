// Package protocoltest provides a fake engine that speaks the event channel
// protocol, for tests of the client, the controller and the API.
package protocoltest

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Received is a command read from a client
type Received struct {
	Action string
	Raw    map[string]any
}

// FakeEngine is a websocket server standing in for the test engine
type FakeEngine struct {
	Server *httptest.Server

	// Hello, when set, is sent as a "connected" event on every new connection
	Hello string
	// OnCommand, when set, is called for every received command
	OnCommand func(e *FakeEngine, cmd Received)

	upgrader    websocket.Upgrader
	mu          sync.Mutex
	writeMu     sync.Mutex
	conns       []*websocket.Conn
	commands    chan Received
	connections atomic.Int32
	wg          sync.WaitGroup
}

// NewFakeEngine starts a fake engine on a local port
func NewFakeEngine() *FakeEngine {
	e := &FakeEngine{
		Hello:    "1.0.0-fake",
		commands: make(chan Received, 256),
	}
	e.Server = httptest.NewServer(http.HandlerFunc(e.serve))
	return e
}

// URL returns the websocket URL of the engine
func (e *FakeEngine) URL() string {
	return "ws://" + strings.TrimPrefix(e.Server.URL, "http://") + "/"
}

// Port returns the TCP port the engine listens on
func (e *FakeEngine) Port() int {
	return e.Server.Listener.Addr().(*net.TCPAddr).Port
}

// Connections returns how many connections were accepted so far
func (e *FakeEngine) Connections() int {
	return int(e.connections.Load())
}

// Commands returns the channel of received commands
func (e *FakeEngine) Commands() <-chan Received {
	return e.commands
}

// NextCommand waits for the next received command
func (e *FakeEngine) NextCommand(timeout time.Duration) (Received, bool) {
	select {
	case cmd := <-e.commands:
		return cmd, true
	case <-time.After(timeout):
		return Received{}, false
	}
}

// NextAction waits for the next command with the given action, discarding others
func (e *FakeEngine) NextAction(action string, timeout time.Duration) (Received, bool) {
	deadline := time.After(timeout)
	for {
		select {
		case cmd := <-e.commands:
			if cmd.Action == action {
				return cmd, true
			}
		case <-deadline:
			return Received{}, false
		}
	}
}

// Emit sends v as JSON to the most recent connection
func (e *FakeEngine) Emit(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return e.EmitRaw(string(data))
}

// EmitRaw sends a raw text frame to the most recent connection
func (e *FakeEngine) EmitRaw(msg string) error {
	e.mu.Lock()
	var conn *websocket.Conn
	if len(e.conns) > 0 {
		conn = e.conns[len(e.conns)-1]
	}
	e.mu.Unlock()

	if conn == nil {
		return errors.New("no client connected")
	}
	return e.write(conn, []byte(msg))
}

// DropConnections closes every open connection without a close handshake
func (e *FakeEngine) DropConnections() {
	e.mu.Lock()
	conns := e.conns
	e.conns = nil
	e.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

// Close drops all connections and stops the server
func (e *FakeEngine) Close() {
	e.DropConnections()
	e.Server.Close()
	e.wg.Wait()
}

func (e *FakeEngine) write(conn *websocket.Conn, data []byte) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (e *FakeEngine) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	e.wg.Add(1)
	defer e.wg.Done()

	e.mu.Lock()
	e.conns = append(e.conns, conn)
	e.mu.Unlock()
	e.connections.Add(1)

	if e.Hello != "" {
		hello, _ := json.Marshal(map[string]string{"event_type": "connected", "version": e.Hello})
		_ = e.write(conn, hello)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			continue
		}
		action, _ := raw["action"].(string)
		cmd := Received{Action: action, Raw: raw}

		select {
		case e.commands <- cmd:
		default:
		}
		if e.OnCommand != nil {
			e.OnCommand(e, cmd)
		}
	}
}

// Package socket keeps one resumable websocket connection to the attendance
// backend and exposes its state and last decoded message.
package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cjeanneret/FaceCheck/internal/debug"
	"github.com/gorilla/websocket"
)

// State is the connection state of a Client.
type State int

const (
	Idle State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// MarshalText reports the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Conn is a message-oriented transport. *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a Conn to url.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials with gorilla/websocket.
type WebsocketDialer struct {
	Dialer *websocket.Dialer // nil means websocket.DefaultDialer
	Header http.Header
}

// Dial implements Dialer.
func (d WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, url, d.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Backoff sets the reconnect delays. The delay doubles after every failed
// attempt, up to Max.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

func (b Backoff) next(d time.Duration) time.Duration {
	d *= 2
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

// EventKind identifies a client event.
type EventKind string

const (
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	EventMessage      EventKind = "message"
)

// Event is delivered to subscribers.
type Event struct {
	Kind     EventKind `json:"kind"`
	Endpoint string    `json:"endpoint"`
	Message  any       `json:"message,omitempty"`
	Clean    bool      `json:"clean,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// Option configures a Client.
type Option func(*Client)

// WithReconnect redials after an error close or a failed dial. A clean close
// (code 1000) and Disconnect never trigger it.
func WithReconnect(b Backoff) Option {
	return func(c *Client) {
		if b.Initial <= 0 {
			b.Initial = time.Second
		}
		c.backoff = &b
	}
}

const subscriberBuffer = 16

// Client holds at most one live connection.
//
// Like capture sessions, every Disconnect bumps a generation counter; a dial
// that completes for an older generation is closed immediately.
type Client struct {
	dialer  Dialer
	backoff *Backoff

	mu       sync.Mutex
	gen      uint64
	state    State
	endpoint string
	conn     Conn
	cancel   context.CancelFunc
	last     any
	hasLast  bool

	writeMu sync.Mutex

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

// New creates an idle client.
func New(dialer Dialer, opts ...Option) *Client {
	c := &Client{
		dialer: dialer,
		subs:   make(map[int]chan Event),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect starts connecting to url and returns at once. It does nothing
// unless the client is idle.
func (c *Client) Connect(url string) {
	c.mu.Lock()
	if c.state != Idle {
		c.mu.Unlock()
		debug.Verbose("socket: connect ignored, already %s", c.State())
		return
	}
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(context.Background())
	c.state = Connecting
	c.endpoint = url
	c.cancel = cancel
	c.mu.Unlock()

	debug.Socket("connecting", url)
	go c.run(ctx, gen, url)
}

// Disconnect closes the connection, or abandons a dial in progress, and
// forces the client back to Idle.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.gen++
	conn := c.conn
	cancel := c.cancel
	endpoint := c.endpoint
	wasIdle := c.state == Idle
	c.state = Idle
	c.conn = nil
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		conn.Close()
	}
	if !wasIdle {
		debug.Socket("disconnected", endpoint)
		c.emit(Event{Kind: EventDisconnected, Endpoint: endpoint, Clean: true})
	}
}

// Send writes payload when connected. Strings are sent as they are, anything
// else is JSON encoded. Sending while not connected is a silent no-op.
func (c *Client) Send(payload any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	var data []byte
	if s, ok := payload.(string); ok {
		data = []byte(s)
	} else {
		var err error
		if data, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("encode socket payload: %w", err)
		}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("socket send: %w", err)
	}
	return nil
}

// IsConnected reports whether a connection is open.
func (c *Client) IsConnected() bool {
	return c.State() == Connected
}

// State returns the connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Endpoint returns the URL of the last Connect.
func (c *Client) Endpoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoint
}

// LastMessage returns the most recent decoded inbound message. It survives
// disconnects.
func (c *Client) LastMessage() (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, c.hasLast
}

// Subscribe returns a channel of client events and a function that ends the
// subscription. A subscriber that falls behind misses events.
func (c *Client) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.subs, id)
			close(ch)
			c.subMu.Unlock()
		})
	}
}

func (c *Client) run(ctx context.Context, gen uint64, url string) {
	var delay time.Duration
	if c.backoff != nil {
		delay = c.backoff.Initial
	}

	for {
		conn, err := c.dialer.Dial(ctx, url)
		if err == nil && conn == nil {
			err = errors.New("dialer returned no connection")
		}
		if err != nil {
			if !c.current(gen) {
				return
			}
			debug.Error(fmt.Errorf("socket: dial %s: %w", url, err))
			if c.backoff == nil {
				c.dropped(gen, url, err)
				return
			}
			if !sleep(ctx, delay) {
				return
			}
			delay = c.backoff.next(delay)
			continue
		}

		if !c.adopt(gen, conn) {
			conn.Close()
			debug.Socket("late connection closed", url)
			return
		}
		if c.backoff != nil {
			delay = c.backoff.Initial
		}

		err = c.readLoop(gen, conn)
		clean := websocket.IsCloseError(err, websocket.CloseNormalClosure)
		if !c.release(gen, conn, clean || c.backoff == nil) {
			return
		}
		if clean || c.backoff == nil {
			debug.Socket("closed", url)
			c.emit(Event{Kind: EventDisconnected, Endpoint: url, Clean: clean, Error: errorText(clean, err)})
			return
		}

		debug.Error(fmt.Errorf("socket: %s: %w, reconnecting in %s", url, err, delay))
		c.emit(Event{Kind: EventDisconnected, Endpoint: url, Error: err.Error()})
		if !sleep(ctx, delay) {
			return
		}
		delay = c.backoff.next(delay)
	}
}

func (c *Client) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.gen
}

// adopt installs conn if gen is still current.
func (c *Client) adopt(gen uint64, conn Conn) bool {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return false
	}
	c.conn = conn
	c.state = Connected
	url := c.endpoint
	c.mu.Unlock()

	debug.Socket("connected", url)
	c.emit(Event{Kind: EventConnected, Endpoint: url})
	return true
}

// release drops conn after its read loop ended. It reports false when a
// Disconnect already took over.
func (c *Client) release(gen uint64, conn Conn, final bool) bool {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return false
	}
	c.conn = nil
	cancel := c.cancel
	if final {
		c.state = Idle
		c.cancel = nil
	} else {
		c.state = Connecting
	}
	c.mu.Unlock()

	conn.Close()
	if final && cancel != nil {
		cancel()
	}
	return true
}

// dropped moves a failed dial back to Idle.
func (c *Client) dropped(gen uint64, url string, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.state = Idle
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.emit(Event{Kind: EventDisconnected, Endpoint: url, Error: err.Error()})
}

func (c *Client) readLoop(gen uint64, conn Conn) error {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		var msg any
		if err := json.Unmarshal(data, &msg); err != nil {
			debug.Error(fmt.Errorf("socket: drop undecodable message: %w", err))
			continue
		}

		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			return nil
		}
		c.last = msg
		c.hasLast = true
		url := c.endpoint
		c.mu.Unlock()

		debug.Verbose("socket: message %s", data)
		c.emit(Event{Kind: EventMessage, Endpoint: url, Message: msg})
	}
}

func (c *Client) emit(evt Event) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func errorText(clean bool, err error) string {
	if clean || err == nil {
		return ""
	}
	return err.Error()
}

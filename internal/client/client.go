// ABOUTME: Client session library every agent uses to talk to the broker.
// ABOUTME: Hides framing, keeps a roster replica, and emits periodic heartbeats.

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pi-hive/hive/internal/protocol"
)

// ErrClosed indicates the session has been closed.
var ErrClosed = errors.New("session closed")

// DefaultHeartbeatInterval is how often the client pings the broker.
const DefaultHeartbeatInterval = 20 * time.Second

// Listener observes every inbound record after the replica has been updated,
// so callbacks always see consistent cached state.
type Listener func(protocol.Message)

// Info carries the identity an agent registers with.
type Info struct {
	ID          string
	Name        string
	Role        string
	ParentID    string
	CWD         string
	Interactive bool
}

type listenerEntry struct {
	id int
	fn Listener
}

// Client is one agent's session with the broker.
type Client struct {
	logger            *slog.Logger
	conn              *websocket.Conn
	heartbeatInterval time.Duration

	writeMu sync.Mutex

	mu           sync.Mutex
	self         protocol.AgentInfo
	agents       map[string]protocol.AgentInfo
	reservations protocol.ReservationMap
	listeners    []listenerEntry
	nextListener int
	closed       bool

	stopHeartbeat chan struct{}
	done          chan struct{}
	readErr       error
}

// Option configures a Client before it dials.
type Option func(*Client)

// WithHeartbeatInterval overrides the heartbeat cadence (tests).
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Client) { c.heartbeatInterval = d }
}

// Dial opens a session to the broker, registers, and waits for the
// registered reply before returning. The returned client's replica already
// reflects the full roster and reservation map.
func Dial(ctx context.Context, url string, info Info, logger *slog.Logger, opts ...Option) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if info.CWD == "" {
		if wd, err := os.Getwd(); err == nil {
			info.CWD = wd
		}
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing broker: %w", err)
	}

	c := &Client{
		logger:            logger.With("component", "client"),
		conn:              conn,
		heartbeatInterval: DefaultHeartbeatInterval,
		agents:            make(map[string]protocol.AgentInfo),
		reservations:      make(protocol.ReservationMap),
		stopHeartbeat:     make(chan struct{}),
		done:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.self = protocol.AgentInfo{ID: info.ID, Name: info.Name, Role: info.Role, ParentID: info.ParentID, CWD: info.CWD, Interactive: info.Interactive}

	if err := c.send(protocol.Message{
		Type:        protocol.TypeRegister,
		ID:          info.ID,
		Name:        info.Name,
		Role:        info.Role,
		ParentID:    info.ParentID,
		CWD:         info.CWD,
		Interactive: info.Interactive,
	}); err != nil {
		_ = conn.Close()
		return nil, err
	}

	if err := c.awaitRegistered(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}

	go c.readLoop()
	go c.heartbeatLoop()

	c.logger.Info("registered with broker", "agent_id", c.self.ID, "name", c.self.Name)
	return c, nil
}

// awaitRegistered reads until the registered record arrives. Any error
// record before registration fails the dial.
func (c *Client) awaitRegistered(ctx context.Context) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline)
		defer func() { _ = c.conn.SetReadDeadline(time.Time{}) }()
	}
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("awaiting registration: %w", err)
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		if msg.Type == protocol.TypeError {
			return fmt.Errorf("registration rejected: %s", msg.Error)
		}
		c.mu.Lock()
		c.apply(msg)
		c.mu.Unlock()
		if msg.Type == protocol.TypeRegistered {
			return nil
		}
	}
}

// readLoop applies every inbound record to the replica, then notifies
// listeners in registration order.
func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if !c.closed {
				c.readErr = err
			}
			c.closed = true
			c.mu.Unlock()
			close(c.done)
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("undecodable frame from broker", "error", err)
			continue
		}

		// Replica first, listeners second: callbacks observe post-update
		// state. Snapshot the listener list so a listener may deregister
		// itself mid-dispatch.
		c.mu.Lock()
		c.apply(msg)
		snapshot := make([]listenerEntry, len(c.listeners))
		copy(snapshot, c.listeners)
		c.mu.Unlock()

		for _, entry := range snapshot {
			entry.fn(msg)
		}
	}
}

func (c *Client) heartbeatLoop() {
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopHeartbeat:
			return
		case <-c.done:
			return
		case <-ticker.C:
			_ = c.send(protocol.Message{Type: protocol.TypeHeartbeat})
		}
	}
}

// OnMessage registers a listener and returns its deregistration func.
// Listeners run in registration order for every inbound record.
func (c *Client) OnMessage(fn Listener) func() {
	c.mu.Lock()
	id := c.nextListener
	c.nextListener++
	c.listeners = append(c.listeners, listenerEntry{id: id, fn: fn})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, entry := range c.listeners {
			if entry.id == id {
				c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
				return
			}
		}
	}
}

// send writes one record. After Close it becomes a silent no-op.
func (c *Client) send(msg protocol.Message) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil
	}

	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// Close stops the heartbeat and closes the transport. Idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.stopHeartbeat)
	_ = c.conn.Close()
}

// Done is closed when the transport dies or Close is called.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the read loop stopped, nil for a local Close.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readErr
}

// Self returns this agent's registered identity, including the display name
// the broker resolved.
func (c *Client) Self() protocol.AgentInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self
}

// Agents returns a snapshot of the cached roster, including self.
func (c *Client) Agents() []protocol.AgentInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.AgentInfo, 0, len(c.agents))
	for _, a := range c.agents {
		out = append(out, a)
	}
	return out
}

// Reservations returns a copy of the cached reservation map.
func (c *Client) Reservations() protocol.ReservationMap {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reservations.Clone()
}

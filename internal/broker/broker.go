// ABOUTME: Central coordination broker owning the agent registry, channel table,
// ABOUTME: and reservation table. Accepts websocket sessions on loopback.

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pi-hive/hive/internal/discovery"
	"github.com/pi-hive/hive/internal/protocol"
	"github.com/pi-hive/hive/internal/reservation"
)

// ErrAgentNotFound indicates the named agent is not connected.
var ErrAgentNotFound = errors.New("agent not found")

const (
	// DefaultHeartbeatInterval is the reaper sweep cadence.
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultHeartbeatTimeout is how stale a heartbeat may be before the
	// agent is forcibly disconnected.
	DefaultHeartbeatTimeout = 60 * time.Second
)

// connectedAgent pairs an AgentInfo with its live session.
type connectedAgent struct {
	info            protocol.AgentInfo
	sess            *session
	lastHeartbeatAt time.Time
}

// channel is one named group with an explicit member set. A channel exists
// iff it has at least one member.
type channel struct {
	members   map[string]struct{}
	createdBy string
}

// Broker accepts agent sessions, routes records, and owns all cross-agent
// state. A single mutex guards the registry, channel table, and reservation
// table; outbound sends are non-blocking enqueues so holding the lock across
// fanout is safe.
type Broker struct {
	logger            *slog.Logger
	hubID             string
	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	writeSidecar      bool
	now               func() time.Time

	mu           sync.Mutex
	agents       map[string]*connectedAgent
	names        map[string]string
	channels     map[string]*channel
	reservations *reservation.Table

	ln         net.Listener
	httpServer *http.Server
	upgrader   websocket.Upgrader

	stopReaper chan struct{}
	reaperDone chan struct{}
	closeOnce  sync.Once
}

// Option configures a Broker.
type Option func(*Broker)

// WithHeartbeat overrides the reaper sweep interval and staleness cutoff.
func WithHeartbeat(interval, timeout time.Duration) Option {
	return func(b *Broker) {
		b.heartbeatInterval = interval
		b.heartbeatTimeout = timeout
	}
}

// WithHubID sets the hub identity published in the discovery sidecar.
func WithHubID(id string) Option {
	return func(b *Broker) { b.hubID = id }
}

// WithoutSidecar disables discovery sidecar publication (tests).
func WithoutSidecar() Option {
	return func(b *Broker) { b.writeSidecar = false }
}

// New constructs a Broker. Pass nil logger for the default.
func New(logger *slog.Logger, opts ...Option) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broker{
		logger:            logger.With("component", "broker"),
		hubID:             uuid.New().String(),
		heartbeatInterval: DefaultHeartbeatInterval,
		heartbeatTimeout:  DefaultHeartbeatTimeout,
		writeSidecar:      true,
		now:               time.Now,
		agents:            make(map[string]*connectedAgent),
		names:             make(map[string]string),
		channels:          make(map[string]*channel),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		stopReaper: make(chan struct{}),
		reaperDone: make(chan struct{}),
	}
	b.reservations = reservation.NewTable(b.ownerName)
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start binds to a kernel-chosen loopback port, publishes the discovery
// sidecar, and begins accepting sessions. Non-blocking; use Close to shut
// down.
func (b *Broker) Start() error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("binding broker listener: %w", err)
	}
	b.ln = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/", b.handleWS)
	b.httpServer = &http.Server{Handler: mux}

	if b.writeSidecar {
		info := discovery.Info{
			Port:      b.Port(),
			PID:       os.Getpid(),
			HubID:     b.hubID,
			StartedAt: b.now().UnixMilli(),
		}
		if path, err := discovery.Write(info); err != nil {
			// A missing sidecar is not fatal to a running broker.
			b.logger.Warn("writing discovery sidecar", "error", err)
		} else {
			b.logger.Info("discovery sidecar written", "path", path)
		}
	}

	go func() {
		if err := b.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			b.logger.Error("broker http server stopped", "error", err)
		}
	}()
	go b.runReaper()

	b.logger.Info("broker listening", "port", b.Port(), "hub_id", b.hubID)
	return nil
}

// Port returns the kernel-chosen port. Only valid after Start.
func (b *Broker) Port() int {
	return b.ln.Addr().(*net.TCPAddr).Port
}

// URL returns the websocket URL agents should dial.
func (b *Broker) URL() string {
	return fmt.Sprintf("ws://127.0.0.1:%d", b.Port())
}

// Close shuts the broker down: stops the reaper, closes every live session,
// stops accepting, and removes the discovery sidecar.
func (b *Broker) Close() {
	b.closeOnce.Do(func() {
		if b.httpServer == nil {
			// Never started.
			return
		}
		close(b.stopReaper)
		<-b.reaperDone

		b.mu.Lock()
		sessions := make([]*session, 0, len(b.agents))
		for _, a := range b.agents {
			sessions = append(sessions, a.sess)
		}
		b.mu.Unlock()
		for _, s := range sessions {
			s.close()
		}

		if b.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = b.httpServer.Shutdown(ctx)
		}

		if b.writeSidecar {
			if err := discovery.Remove(); err != nil {
				b.logger.Warn("removing discovery sidecar", "error", err)
			}
		}
		b.logger.Info("broker closed")
	})
}

// DisconnectAgentByName forcibly evicts an agent. Administrative hook for the
// hub process; not a wire-protocol record.
func (b *Broker) DisconnectAgentByName(name string) error {
	b.mu.Lock()
	id, ok := b.names[name]
	var sess *session
	if ok {
		sess = b.agents[id].sess
	}
	b.mu.Unlock()

	if !ok {
		return ErrAgentNotFound
	}
	sess.close()
	b.disconnect(id)
	return nil
}

// Agents returns a snapshot of the live roster for the hub process.
func (b *Broker) Agents() []protocol.AgentInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rosterLocked()
}

// ChannelNames returns the names of all live channels, sorted.
func (b *Broker) ChannelNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.channels))
	for name := range b.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// handleWS upgrades an HTTP request and runs the session's read loop. The
// first record on any session must be register; anything else is answered
// with an error and otherwise ignored.
func (b *Broker) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	sess := newSession(conn, b.logger)
	agentID := ""

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}

		msg, derr := protocol.Decode(data)
		if derr != nil {
			sess.sendRecord(protocol.Message{Type: protocol.TypeError, Error: "Invalid JSON"})
			continue
		}

		if agentID == "" {
			if msg.Type != protocol.TypeRegister {
				sess.sendRecord(protocol.Message{Type: protocol.TypeError, Error: "First record must be register"})
				continue
			}
			agentID = b.register(sess, msg)
			continue
		}

		b.route(agentID, msg)
	}

	sess.close()
	if agentID != "" {
		b.disconnect(agentID)
	}
}

// register installs a newcomer in the registry, replies with the full roster
// and reservation map, and announces the arrival to everyone else. Returns
// the empty string if registration was rejected.
func (b *Broker) register(sess *session, msg protocol.Message) string {
	b.mu.Lock()

	if _, exists := b.agents[msg.ID]; exists || msg.ID == "" {
		b.mu.Unlock()
		sess.sendRecord(protocol.Message{Type: protocol.TypeError, Error: "Invalid or duplicate agent id"})
		return ""
	}

	name := b.resolveNameLocked(msg.Name)
	info := protocol.AgentInfo{
		ID:             msg.ID,
		Name:           name,
		Role:           msg.Role,
		ParentID:       msg.ParentID,
		CWD:            msg.CWD,
		Status:         protocol.StatusIdle,
		Channels:       []string{},
		Interactive:    msg.Interactive,
		LastActivityAt: b.now().UTC().Format(time.RFC3339),
	}
	b.agents[msg.ID] = &connectedAgent{
		info:            info,
		sess:            sess,
		lastHeartbeatAt: b.now(),
	}
	b.names[name] = msg.ID

	sess.sendRecord(protocol.Message{
		Type:         protocol.TypeRegistered,
		ID:           msg.ID,
		Agents:       b.rosterLocked(),
		Reservations: b.reservations.Snapshot(),
	})
	joined := info
	b.fanoutLocked(protocol.Message{Type: protocol.TypeAgentJoined, Agent: &joined}, msg.ID)

	total := len(b.agents)
	b.mu.Unlock()

	b.logger.Info("agent connected",
		"agent_id", msg.ID,
		"name", name,
		"role", msg.Role,
		"total_agents", total,
	)
	return msg.ID
}

// resolveNameLocked picks a unique display name: the requested name if free,
// else name-2, name-3, ... at the smallest free suffix.
func (b *Broker) resolveNameLocked(requested string) string {
	if requested == "" {
		requested = "agent"
	}
	if _, taken := b.names[requested]; !taken {
		return requested
	}
	for k := 2; ; k++ {
		candidate := fmt.Sprintf("%s-%d", requested, k)
		if _, taken := b.names[candidate]; !taken {
			return candidate
		}
	}
}

// disconnect removes an agent from the registry, its channels, and the
// reservation table, then announces the departure. Idempotent; concurrent
// triggers for the same id are safe.
func (b *Broker) disconnect(id string) {
	b.mu.Lock()
	agent, ok := b.agents[id]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.agents, id)
	delete(b.names, agent.info.Name)

	for name, ch := range b.channels {
		delete(ch.members, id)
		if len(ch.members) == 0 {
			delete(b.channels, name)
		}
	}

	if b.reservations.Drop(id) {
		b.fanoutLocked(protocol.Message{
			Type:         protocol.TypeReservationsUpdated,
			Reservations: b.reservations.Snapshot(),
		}, id)
	}
	b.fanoutLocked(protocol.Message{
		Type: protocol.TypeAgentLeft,
		ID:   id,
		Name: agent.info.Name,
	}, id)

	total := len(b.agents)
	b.mu.Unlock()

	agent.sess.close()
	b.logger.Info("agent disconnected",
		"agent_id", id,
		"name", agent.info.Name,
		"total_agents", total,
	)
}

// runReaper sweeps the registry on every tick and evicts agents whose last
// heartbeat is older than the timeout.
func (b *Broker) runReaper() {
	defer close(b.reaperDone)
	ticker := time.NewTicker(b.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopReaper:
			return
		case <-ticker.C:
			b.reapStale()
		}
	}
}

func (b *Broker) reapStale() {
	cutoff := b.now().Add(-b.heartbeatTimeout)

	b.mu.Lock()
	var stale []string
	for id, a := range b.agents {
		if a.lastHeartbeatAt.Before(cutoff) {
			stale = append(stale, id)
			a.sess.close()
		}
	}
	b.mu.Unlock()

	for _, id := range stale {
		b.logger.Warn("heartbeat timeout, evicting agent", "agent_id", id)
		b.disconnect(id)
	}
}

// rosterLocked builds the wire-format roster. Caller holds b.mu.
func (b *Broker) rosterLocked() []protocol.AgentInfo {
	agents := make([]protocol.AgentInfo, 0, len(b.agents))
	for _, a := range b.agents {
		info := a.info
		channels := make([]string, len(a.info.Channels))
		copy(channels, a.info.Channels)
		info.Channels = channels
		agents = append(agents, info)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].Name < agents[j].Name })
	return agents
}

// fanoutLocked sends a record to every registered agent except the given id.
// Pass the empty string to reach everyone. Caller holds b.mu.
func (b *Broker) fanoutLocked(msg protocol.Message, exceptID string) {
	frame, err := protocol.Encode(msg)
	if err != nil {
		b.logger.Error("encoding fanout record", "type", msg.Type, "error", err)
		return
	}
	for id, a := range b.agents {
		if id == exceptID {
			continue
		}
		a.sess.send(frame)
	}
}

// ownerName resolves an agent id to its display name for reservation
// conflict messages. Caller holds b.mu (all table access is under the lock).
func (b *Broker) ownerName(id string) string {
	if a, ok := b.agents[id]; ok {
		return a.info.Name
	}
	return id
}

// ABOUTME: Wire record vocabulary exchanged between agents and the broker.
// ABOUTME: One websocket text frame carries exactly one tagged JSON record.

package protocol

import (
	"encoding/json"
	"fmt"
)

// Type discriminates the record kinds on the wire.
type Type string

// Agent → broker record tags.
const (
	TypeRegister       Type = "register"
	TypeDM             Type = "dm"
	TypeDMResponse     Type = "dm_response"
	TypeBroadcast      Type = "broadcast"
	TypeChannelCreate  Type = "channel_create"
	TypeChannelJoin    Type = "channel_join"
	TypeChannelLeave   Type = "channel_leave"
	TypeChannelSend    Type = "channel_send"
	TypeListAgents     Type = "list_agents"
	TypeListChannels   Type = "list_channels"
	TypeReserve        Type = "reserve"
	TypeRelease        Type = "release"
	TypeRename         Type = "rename"
	TypePresenceUpdate Type = "presence_update"
	TypeStatusUpdate   Type = "status_update"
	TypeHeartbeat      Type = "heartbeat"
)

// Broker → agent record tags.
const (
	TypeRegistered          Type = "registered"
	TypeAgentJoined         Type = "agent_joined"
	TypeAgentLeft           Type = "agent_left"
	TypeAgentRenamed        Type = "agent_renamed"
	TypeChannelCreated      Type = "channel_created"
	TypeChannelJoined       Type = "channel_joined"
	TypeChannelLeft         Type = "channel_left"
	TypeChannelMessage      Type = "channel_message"
	TypeChannelSent         Type = "channel_sent"
	TypeAgentList           Type = "agent_list"
	TypeChannelList         Type = "channel_list"
	TypeReservationsUpdated Type = "reservations_updated"
	TypeStatusChanged       Type = "status_changed"
	TypeError               Type = "error"
	TypeHeartbeatAck        Type = "heartbeat_ack"
)

// Status is the coarse agent activity state.
type Status string

const (
	StatusIdle Status = "idle"
	StatusBusy Status = "busy"
	StatusDone Status = "done"
)

// AgentInfo is the externally visible identity of a connected agent.
type AgentInfo struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Role           string   `json:"role"`
	ParentID       string   `json:"parentId,omitempty"`
	CWD            string   `json:"cwd"`
	Status         Status   `json:"status"`
	Channels       []string `json:"channels"`
	Interactive    bool     `json:"interactive"`
	StatusMessage  string   `json:"statusMessage,omitempty"`
	LastActivityAt string   `json:"lastActivityAt"`
}

// InChannel reports whether the agent has joined the named channel.
func (a *AgentInfo) InChannel(channel string) bool {
	for _, c := range a.Channels {
		if c == channel {
			return true
		}
	}
	return false
}

// AddChannel records channel membership, keeping the set deduplicated.
func (a *AgentInfo) AddChannel(channel string) {
	if !a.InChannel(channel) {
		a.Channels = append(a.Channels, channel)
	}
}

// RemoveChannel forgets channel membership.
func (a *AgentInfo) RemoveChannel(channel string) {
	for i, c := range a.Channels {
		if c == channel {
			a.Channels = append(a.Channels[:i], a.Channels[i+1:]...)
			return
		}
	}
}

// ChannelInfo describes one channel for list_channels responses.
type ChannelInfo struct {
	Name      string   `json:"name"`
	Members   []string `json:"members"`
	CreatedBy string   `json:"createdBy"`
}

// Reservation is one agent's advisory claim on a set of normalized paths.
type Reservation struct {
	Paths  []string `json:"paths"`
	Reason string   `json:"reason,omitempty"`
}

// ReservationMap maps an agent id to its active reservation. Agents with no
// reservation are absent.
type ReservationMap map[string]Reservation

// Message is the wire record. The Type tag selects which of the remaining
// fields are meaningful; everything else stays at its zero value and is
// dropped from the encoded frame. Unknown fields on inbound frames are
// ignored.
type Message struct {
	Type Type `json:"type"`

	// Registration and identity.
	ID          string `json:"id,omitempty"`
	Name        string `json:"name,omitempty"`
	Role        string `json:"role,omitempty"`
	ParentID    string `json:"parentId,omitempty"`
	CWD         string `json:"cwd,omitempty"`
	Interactive bool   `json:"interactive,omitempty"`

	// Conversational records.
	To            string `json:"to,omitempty"`
	From          string `json:"from,omitempty"`
	FromName      string `json:"fromName,omitempty"`
	Content       string `json:"content,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`

	// Channels.
	Channel   string        `json:"channel,omitempty"`
	By        string        `json:"by,omitempty"`
	AgentID   string        `json:"agentId,omitempty"`
	AgentName string        `json:"agentName,omitempty"`
	Channels  []ChannelInfo `json:"channels,omitempty"`

	// Roster.
	Agent   *AgentInfo  `json:"agent,omitempty"`
	Agents  []AgentInfo `json:"agents,omitempty"`
	OldName string      `json:"oldName,omitempty"`
	NewName string      `json:"newName,omitempty"`

	// Reservations.
	Paths        []string       `json:"paths,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	Reservations ReservationMap `json:"reservations,omitempty"`

	// Presence.
	Status         Status `json:"status,omitempty"`
	StatusMessage  string `json:"statusMessage,omitempty"`
	LastActivityAt string `json:"lastActivityAt,omitempty"`

	// Errors.
	Error string `json:"message,omitempty"`
}

// Encode serializes a record to a single UTF-8 JSON frame payload.
func Encode(m Message) ([]byte, error) {
	if m.Type == "" {
		return nil, fmt.Errorf("encoding record: missing type tag")
	}
	return json.Marshal(m)
}

// Decode parses one frame payload. A payload that is not valid JSON returns
// an error; a record with no type tag is also rejected.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decoding record: %w", err)
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("decoding record: missing type tag")
	}
	return m, nil
}

// Clone returns a copy of the reservation map safe to hand across goroutines.
func (r ReservationMap) Clone() ReservationMap {
	out := make(ReservationMap, len(r))
	for id, res := range r {
		paths := make([]string, len(res.Paths))
		copy(paths, res.Paths)
		out[id] = Reservation{Paths: paths, Reason: res.Reason}
	}
	return out
}

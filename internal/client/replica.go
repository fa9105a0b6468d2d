// ABOUTME: Read-only replica of the broker's roster and reservation map.
// ABOUTME: Snapshot records replace state wholesale; delta records refine it.

package client

import (
	"github.com/pi-hive/hive/internal/protocol"
)

// apply folds one inbound record into the cached replica. Caller holds c.mu.
// Must run before listener dispatch.
func (c *Client) apply(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeRegistered:
		c.agents = make(map[string]protocol.AgentInfo, len(msg.Agents))
		for _, a := range msg.Agents {
			c.agents[a.ID] = a
			if a.ID == c.self.ID {
				c.self = a
			}
		}
		if msg.Reservations != nil {
			c.reservations = msg.Reservations.Clone()
		} else {
			c.reservations = make(protocol.ReservationMap)
		}

	case protocol.TypeAgentJoined:
		if msg.Agent != nil {
			c.agents[msg.Agent.ID] = *msg.Agent
		}

	case protocol.TypeAgentLeft:
		delete(c.agents, msg.ID)

	case protocol.TypeAgentRenamed:
		if a, ok := c.agents[msg.ID]; ok {
			a.Name = msg.NewName
			c.agents[msg.ID] = a
		}
		if msg.ID == c.self.ID {
			c.self.Name = msg.NewName
		}

	case protocol.TypeAgentList:
		c.agents = make(map[string]protocol.AgentInfo, len(msg.Agents))
		for _, a := range msg.Agents {
			c.agents[a.ID] = a
			if a.ID == c.self.ID {
				c.self = a
			}
		}

	case protocol.TypeReservationsUpdated:
		if msg.Reservations != nil {
			c.reservations = msg.Reservations.Clone()
		} else {
			c.reservations = make(protocol.ReservationMap)
		}

	case protocol.TypeStatusChanged:
		if a, ok := c.agents[msg.ID]; ok {
			a.Status = msg.Status
			a.StatusMessage = msg.StatusMessage
			if msg.LastActivityAt != "" {
				a.LastActivityAt = msg.LastActivityAt
			}
			c.agents[msg.ID] = a
		}

	case protocol.TypeChannelCreated:
		// channel_created attributes by display name.
		for id, a := range c.agents {
			if a.Name == msg.By {
				a.AddChannel(msg.Channel)
				c.agents[id] = a
				if id == c.self.ID {
					c.self.AddChannel(msg.Channel)
				}
				break
			}
		}

	case protocol.TypeChannelJoined:
		if a, ok := c.agents[msg.AgentID]; ok {
			a.AddChannel(msg.Channel)
			c.agents[msg.AgentID] = a
		}
		if msg.AgentID == c.self.ID {
			c.self.AddChannel(msg.Channel)
		}

	case protocol.TypeChannelLeft:
		if a, ok := c.agents[msg.AgentID]; ok {
			a.RemoveChannel(msg.Channel)
			c.agents[msg.AgentID] = a
		}
		if msg.AgentID == c.self.ID {
			c.self.RemoveChannel(msg.Channel)
		}
	}
}

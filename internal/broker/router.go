// ABOUTME: Record routing for registered sessions: DMs, broadcasts, channels,
// ABOUTME: reservations, rename, presence, and heartbeats.

package broker

import (
	"errors"
	"fmt"
	"sort"

	"github.com/pi-hive/hive/internal/protocol"
	"github.com/pi-hive/hive/internal/reservation"
)

// route applies one inbound record from a registered agent. All state
// mutation and fanout for a record happens under the broker lock, so every
// outbound send derived from it observes the post-mutation state.
func (b *Broker) route(agentID string, msg protocol.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sender, ok := b.agents[agentID]
	if !ok {
		// Disconnect cleanup raced the read loop; drop the record.
		return
	}

	switch msg.Type {
	case protocol.TypeDM:
		b.routeDM(sender, msg)
	case protocol.TypeDMResponse:
		b.routeDMResponse(sender, msg)
	case protocol.TypeBroadcast:
		b.fanoutLocked(protocol.Message{
			Type:     protocol.TypeBroadcast,
			From:     sender.info.ID,
			FromName: sender.info.Name,
			Content:  msg.Content,
		}, sender.info.ID)
	case protocol.TypeChannelCreate:
		b.routeChannelCreate(sender, msg)
	case protocol.TypeChannelJoin:
		b.routeChannelJoin(sender, msg)
	case protocol.TypeChannelLeave:
		b.routeChannelLeave(sender, msg)
	case protocol.TypeChannelSend:
		b.routeChannelSend(sender, msg)
	case protocol.TypeListAgents:
		sender.sess.sendRecord(protocol.Message{
			Type:   protocol.TypeAgentList,
			Agents: b.rosterLocked(),
		})
	case protocol.TypeListChannels:
		sender.sess.sendRecord(protocol.Message{
			Type:     protocol.TypeChannelList,
			Channels: b.channelListLocked(),
		})
	case protocol.TypeReserve:
		b.routeReserve(sender, msg)
	case protocol.TypeRelease:
		b.reservations.Release(sender.info.ID, msg.Paths)
		// Even a no-op release re-broadcasts so clients can observe it.
		b.fanoutLocked(protocol.Message{
			Type:         protocol.TypeReservationsUpdated,
			Reservations: b.reservations.Snapshot(),
		}, "")
	case protocol.TypeRename:
		b.routeRename(sender, msg)
	case protocol.TypePresenceUpdate:
		sender.info.StatusMessage = msg.StatusMessage
		sender.info.LastActivityAt = msg.LastActivityAt
		b.emitStatusChangedLocked(sender)
	case protocol.TypeStatusUpdate:
		if msg.Status != protocol.StatusIdle && msg.Status != protocol.StatusBusy && msg.Status != protocol.StatusDone {
			sender.sess.sendRecord(errorRecord(fmt.Sprintf("Invalid status %q", msg.Status), ""))
			return
		}
		sender.info.Status = msg.Status
		b.emitStatusChangedLocked(sender)
	case protocol.TypeHeartbeat:
		sender.lastHeartbeatAt = b.now()
		sender.sess.sendRecord(protocol.Message{Type: protocol.TypeHeartbeatAck})
	case protocol.TypeRegister:
		sender.sess.sendRecord(errorRecord("Already registered", ""))
	default:
		// Unknown tags are ignored.
	}
}

func (b *Broker) routeDM(sender *connectedAgent, msg protocol.Message) {
	target, ok := b.agentByNameLocked(msg.To)
	if !ok {
		sender.sess.sendRecord(errorRecord(
			fmt.Sprintf("Agent %q is not online", msg.To), msg.CorrelationID))
		return
	}
	target.sess.sendRecord(protocol.Message{
		Type:          protocol.TypeDM,
		From:          sender.info.ID,
		FromName:      sender.info.Name,
		Content:       msg.Content,
		CorrelationID: msg.CorrelationID,
	})
}

func (b *Broker) routeDMResponse(sender *connectedAgent, msg protocol.Message) {
	target, ok := b.agentByNameLocked(msg.To)
	if !ok {
		// Response to a requester that has since vanished.
		b.logger.Debug("dropping dm_response to unknown target",
			"to", msg.To,
			"correlation_id", msg.CorrelationID,
		)
		return
	}
	target.sess.sendRecord(protocol.Message{
		Type:          protocol.TypeDMResponse,
		From:          sender.info.ID,
		FromName:      sender.info.Name,
		Content:       msg.Content,
		CorrelationID: msg.CorrelationID,
	})
}

func (b *Broker) routeChannelCreate(sender *connectedAgent, msg protocol.Message) {
	if msg.Channel == "" {
		sender.sess.sendRecord(errorRecord("Channel name cannot be empty", ""))
		return
	}
	if _, exists := b.channels[msg.Channel]; exists {
		sender.sess.sendRecord(errorRecord(
			fmt.Sprintf("Channel %q already exists", msg.Channel), ""))
		return
	}
	b.channels[msg.Channel] = &channel{
		members:   map[string]struct{}{sender.info.ID: {}},
		createdBy: sender.info.Name,
	}
	sender.info.AddChannel(msg.Channel)
	b.fanoutLocked(protocol.Message{
		Type:    protocol.TypeChannelCreated,
		Channel: msg.Channel,
		By:      sender.info.Name,
	}, "")
}

func (b *Broker) routeChannelJoin(sender *connectedAgent, msg protocol.Message) {
	ch, exists := b.channels[msg.Channel]
	if !exists {
		sender.sess.sendRecord(errorRecord(
			fmt.Sprintf("Channel %q does not exist", msg.Channel), ""))
		return
	}
	ch.members[sender.info.ID] = struct{}{}
	sender.info.AddChannel(msg.Channel)
	b.sendToMembersLocked(ch, protocol.Message{
		Type:      protocol.TypeChannelJoined,
		Channel:   msg.Channel,
		AgentID:   sender.info.ID,
		AgentName: sender.info.Name,
	}, "")
}

func (b *Broker) routeChannelLeave(sender *connectedAgent, msg protocol.Message) {
	ch, exists := b.channels[msg.Channel]
	if !exists {
		sender.sess.sendRecord(errorRecord(
			fmt.Sprintf("Channel %q does not exist", msg.Channel), ""))
		return
	}
	if _, member := ch.members[sender.info.ID]; !member {
		sender.sess.sendRecord(errorRecord(
			fmt.Sprintf("Not a member of channel %q", msg.Channel), ""))
		return
	}

	delete(ch.members, sender.info.ID)
	sender.info.RemoveChannel(msg.Channel)

	left := protocol.Message{
		Type:      protocol.TypeChannelLeft,
		Channel:   msg.Channel,
		AgentID:   sender.info.ID,
		AgentName: sender.info.Name,
	}
	sender.sess.sendRecord(left)
	b.sendToMembersLocked(ch, left, "")

	if len(ch.members) == 0 {
		delete(b.channels, msg.Channel)
	}
}

func (b *Broker) routeChannelSend(sender *connectedAgent, msg protocol.Message) {
	ch, exists := b.channels[msg.Channel]
	if !exists {
		sender.sess.sendRecord(errorRecord(
			fmt.Sprintf("Channel %q does not exist", msg.Channel), ""))
		return
	}
	if _, member := ch.members[sender.info.ID]; !member {
		sender.sess.sendRecord(errorRecord(
			fmt.Sprintf("Not a member of channel %q", msg.Channel), ""))
		return
	}
	b.sendToMembersLocked(ch, protocol.Message{
		Type:     protocol.TypeChannelMessage,
		Channel:  msg.Channel,
		From:     sender.info.ID,
		FromName: sender.info.Name,
		Content:  msg.Content,
	}, sender.info.ID)
	sender.sess.sendRecord(protocol.Message{
		Type:    protocol.TypeChannelSent,
		Channel: msg.Channel,
	})
}

func (b *Broker) routeReserve(sender *connectedAgent, msg protocol.Message) {
	err := b.reservations.Reserve(sender.info.ID, msg.Paths, msg.Reason)
	if err != nil {
		var conflict *reservation.ConflictError
		if errors.As(err, &conflict) {
			sender.sess.sendRecord(errorRecord(conflict.Error(), ""))
			return
		}
		sender.sess.sendRecord(errorRecord("No valid paths provided", ""))
		return
	}
	b.fanoutLocked(protocol.Message{
		Type:         protocol.TypeReservationsUpdated,
		Reservations: b.reservations.Snapshot(),
	}, "")
}

func (b *Broker) routeRename(sender *connectedAgent, msg protocol.Message) {
	newName := msg.Name
	oldName := sender.info.Name
	if newName == "" {
		sender.sess.sendRecord(errorRecord("Name cannot be empty", ""))
		return
	}

	if newName != oldName {
		if _, taken := b.names[newName]; taken {
			sender.sess.sendRecord(errorRecord(
				fmt.Sprintf("Name %q is already taken", newName), ""))
			return
		}
		delete(b.names, oldName)
		b.names[newName] = sender.info.ID
		sender.info.Name = newName

		// createdBy is display attribution, not identity; keep it current.
		for _, ch := range b.channels {
			if ch.createdBy == oldName {
				ch.createdBy = newName
			}
		}
	}

	// A no-op rename still emits agent_renamed so callers awaiting an
	// acknowledgement complete uniformly.
	b.fanoutLocked(protocol.Message{
		Type:    protocol.TypeAgentRenamed,
		ID:      sender.info.ID,
		OldName: oldName,
		NewName: newName,
	}, "")
}

// emitStatusChangedLocked broadcasts the full presence triple so listeners
// receive a self-sufficient snapshot.
func (b *Broker) emitStatusChangedLocked(sender *connectedAgent) {
	b.fanoutLocked(protocol.Message{
		Type:           protocol.TypeStatusChanged,
		ID:             sender.info.ID,
		Name:           sender.info.Name,
		Status:         sender.info.Status,
		StatusMessage:  sender.info.StatusMessage,
		LastActivityAt: sender.info.LastActivityAt,
	}, sender.info.ID)
}

// sendToMembersLocked delivers a record to every member of a channel except
// the given id. Caller holds b.mu.
func (b *Broker) sendToMembersLocked(ch *channel, msg protocol.Message, exceptID string) {
	frame, err := protocol.Encode(msg)
	if err != nil {
		b.logger.Error("encoding channel record", "type", msg.Type, "error", err)
		return
	}
	for id := range ch.members {
		if id == exceptID {
			continue
		}
		if a, ok := b.agents[id]; ok {
			a.sess.send(frame)
		}
	}
}

// channelListLocked builds the wire-format channel list with sorted member
// ids. Caller holds b.mu.
func (b *Broker) channelListLocked() []protocol.ChannelInfo {
	out := make([]protocol.ChannelInfo, 0, len(b.channels))
	for name, ch := range b.channels {
		members := make([]string, 0, len(ch.members))
		for id := range ch.members {
			members = append(members, id)
		}
		sort.Strings(members)
		out = append(out, protocol.ChannelInfo{
			Name:      name,
			Members:   members,
			CreatedBy: ch.createdBy,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// agentByNameLocked resolves a display name to its connection. Caller holds
// b.mu.
func (b *Broker) agentByNameLocked(name string) (*connectedAgent, bool) {
	id, ok := b.names[name]
	if !ok {
		return nil, false
	}
	a, ok := b.agents[id]
	return a, ok
}

func errorRecord(message, correlationID string) protocol.Message {
	return protocol.Message{
		Type:          protocol.TypeError,
		Error:         message,
		CorrelationID: correlationID,
	}
}

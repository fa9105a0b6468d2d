// ABOUTME: Correlated request helpers: DMs, channel operations, reservations,
// ABOUTME: roster queries, and rename, each with its own await timeout.

package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pi-hive/hive/internal/protocol"
)

// ErrTimeout indicates the broker did not answer within the operation's
// deadline. The broker keeps no per-request state, so no remote cleanup is
// needed.
var ErrTimeout = errors.New("timed out waiting for broker reply")

// Recommended await deadlines per operation kind.
const (
	DMTimeout          = 120 * time.Second
	ChannelOpTimeout   = 3 * time.Second
	ReservationTimeout = 4 * time.Second
	ListTimeout        = 2 * time.Second
)

// BrokerError is an error record surfaced as a local failure.
type BrokerError struct {
	Message string
}

func (e *BrokerError) Error() string { return e.Message }

// await registers a listener, sends the request, and blocks until a matching
// record, a matching error record, the timeout, or ctx cancellation. The
// listener is always removed before returning, so an abort signal unblocks
// the pending operation promptly.
func (c *Client) await(
	ctx context.Context,
	timeout time.Duration,
	req protocol.Message,
	match func(protocol.Message) bool,
	matchErr func(protocol.Message) bool,
) (protocol.Message, error) {
	ch := make(chan protocol.Message, 1)
	remove := c.OnMessage(func(m protocol.Message) {
		if match(m) || (m.Type == protocol.TypeError && matchErr(m)) {
			select {
			case ch <- m:
			default:
			}
		}
	})
	defer remove()

	if err := c.send(req); err != nil {
		return protocol.Message{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	case <-c.done:
		return protocol.Message{}, ErrClosed
	case <-timer.C:
		return protocol.Message{}, ErrTimeout
	case m := <-ch:
		if m.Type == protocol.TypeError {
			return protocol.Message{}, &BrokerError{Message: m.Error}
		}
		return m, nil
	}
}

// anyError accepts any error record; used by operations whose errors carry no
// correlation id.
func anyError(protocol.Message) bool { return true }

// SendDM sends a correlated DM and blocks until the bound dm_response
// arrives. Returns the reply content.
func (c *Client) SendDM(ctx context.Context, to, content string) (string, error) {
	corrID := uuid.New().String()
	reply, err := c.await(ctx, DMTimeout,
		protocol.Message{Type: protocol.TypeDM, To: to, Content: content, CorrelationID: corrID},
		func(m protocol.Message) bool {
			return m.Type == protocol.TypeDMResponse && m.CorrelationID == corrID
		},
		func(m protocol.Message) bool { return m.CorrelationID == corrID },
	)
	if err != nil {
		return "", fmt.Errorf("dm to %q: %w", to, err)
	}
	return reply.Content, nil
}

// SendDMAsync sends a DM without awaiting a reply. Returns the correlation
// id so the caller can match a later dm_response itself, or "" when
// uncorrelated delivery was requested.
func (c *Client) SendDMAsync(to, content string, correlated bool) (string, error) {
	corrID := ""
	if correlated {
		corrID = uuid.New().String()
	}
	err := c.send(protocol.Message{Type: protocol.TypeDM, To: to, Content: content, CorrelationID: corrID})
	return corrID, err
}

// RespondDM sends the bound reply for a correlated DM.
func (c *Client) RespondDM(to, correlationID, content string) error {
	return c.send(protocol.Message{
		Type:          protocol.TypeDMResponse,
		To:            to,
		CorrelationID: correlationID,
		Content:       content,
	})
}

// Broadcast sends to every other registered agent. Fire and forget.
func (c *Client) Broadcast(content string) error {
	return c.send(protocol.Message{Type: protocol.TypeBroadcast, Content: content})
}

// CreateChannel creates a named channel with this agent as first member.
func (c *Client) CreateChannel(ctx context.Context, name string) error {
	self := c.Self()
	_, err := c.await(ctx, ChannelOpTimeout,
		protocol.Message{Type: protocol.TypeChannelCreate, Channel: name},
		func(m protocol.Message) bool {
			return m.Type == protocol.TypeChannelCreated && m.Channel == name && m.By == self.Name
		},
		anyError,
	)
	if err != nil {
		return fmt.Errorf("create channel %q: %w", name, err)
	}
	return nil
}

// JoinChannel joins an existing channel.
func (c *Client) JoinChannel(ctx context.Context, name string) error {
	self := c.Self()
	_, err := c.await(ctx, ChannelOpTimeout,
		protocol.Message{Type: protocol.TypeChannelJoin, Channel: name},
		func(m protocol.Message) bool {
			return m.Type == protocol.TypeChannelJoined && m.Channel == name && m.AgentID == self.ID
		},
		anyError,
	)
	if err != nil {
		return fmt.Errorf("join channel %q: %w", name, err)
	}
	return nil
}

// LeaveChannel leaves a channel this agent is a member of.
func (c *Client) LeaveChannel(ctx context.Context, name string) error {
	self := c.Self()
	_, err := c.await(ctx, ChannelOpTimeout,
		protocol.Message{Type: protocol.TypeChannelLeave, Channel: name},
		func(m protocol.Message) bool {
			return m.Type == protocol.TypeChannelLeft && m.Channel == name && m.AgentID == self.ID
		},
		anyError,
	)
	if err != nil {
		return fmt.Errorf("leave channel %q: %w", name, err)
	}
	return nil
}

// SendChannel posts to a channel and waits for the broker's local ack.
func (c *Client) SendChannel(ctx context.Context, name, content string) error {
	_, err := c.await(ctx, ChannelOpTimeout,
		protocol.Message{Type: protocol.TypeChannelSend, Channel: name, Content: content},
		func(m protocol.Message) bool {
			return m.Type == protocol.TypeChannelSent && m.Channel == name
		},
		anyError,
	)
	if err != nil {
		return fmt.Errorf("send to channel %q: %w", name, err)
	}
	return nil
}

// Reserve claims paths, blocking until the broker publishes the updated map
// or rejects the claim with a conflict.
func (c *Client) Reserve(ctx context.Context, paths []string, reason string) error {
	_, err := c.await(ctx, ReservationTimeout,
		protocol.Message{Type: protocol.TypeReserve, Paths: paths, Reason: reason},
		func(m protocol.Message) bool { return m.Type == protocol.TypeReservationsUpdated },
		anyError,
	)
	if err != nil {
		return fmt.Errorf("reserve: %w", err)
	}
	return nil
}

// Release gives up the named paths, or the whole reservation when paths is
// empty. The broker re-broadcasts even for a no-op release, so a successful
// return means the release was observed.
func (c *Client) Release(ctx context.Context, paths []string) error {
	_, err := c.await(ctx, ReservationTimeout,
		protocol.Message{Type: protocol.TypeRelease, Paths: paths},
		func(m protocol.Message) bool { return m.Type == protocol.TypeReservationsUpdated },
		anyError,
	)
	if err != nil {
		return fmt.Errorf("release: %w", err)
	}
	return nil
}

// ListAgents asks the broker for the authoritative roster. The replica is
// refreshed before this returns.
func (c *Client) ListAgents(ctx context.Context) ([]protocol.AgentInfo, error) {
	reply, err := c.await(ctx, ListTimeout,
		protocol.Message{Type: protocol.TypeListAgents},
		func(m protocol.Message) bool { return m.Type == protocol.TypeAgentList },
		anyError,
	)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	return reply.Agents, nil
}

// ListChannels asks the broker for the live channel table.
func (c *Client) ListChannels(ctx context.Context) ([]protocol.ChannelInfo, error) {
	reply, err := c.await(ctx, ListTimeout,
		protocol.Message{Type: protocol.TypeListChannels},
		func(m protocol.Message) bool { return m.Type == protocol.TypeChannelList },
		anyError,
	)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	return reply.Channels, nil
}

// Rename requests a new display name and returns the acknowledged name.
func (c *Client) Rename(ctx context.Context, newName string) (string, error) {
	self := c.Self()
	reply, err := c.await(ctx, ChannelOpTimeout,
		protocol.Message{Type: protocol.TypeRename, Name: newName},
		func(m protocol.Message) bool {
			return m.Type == protocol.TypeAgentRenamed && m.ID == self.ID
		},
		anyError,
	)
	if err != nil {
		return "", fmt.Errorf("rename to %q: %w", newName, err)
	}
	return reply.NewName, nil
}

// UpdateStatus publishes the coarse status enum. Fire and forget.
func (c *Client) UpdateStatus(status protocol.Status) error {
	return c.send(protocol.Message{Type: protocol.TypeStatusUpdate, Status: status})
}

// UpdatePresence publishes the presence pair. Fire and forget.
func (c *Client) UpdatePresence(statusMessage string, lastActivityAt time.Time) error {
	return c.send(protocol.Message{
		Type:           protocol.TypePresenceUpdate,
		StatusMessage:  statusMessage,
		LastActivityAt: lastActivityAt.UTC().Format(time.RFC3339),
	})
}

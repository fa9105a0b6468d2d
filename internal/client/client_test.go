// ABOUTME: Tests for the client session library against a live broker.
// ABOUTME: Covers replica maintenance, correlated requests, guard, and lifecycle.

package client

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pi-hive/hive/internal/broker"
	"github.com/pi-hive/hive/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startBroker(t *testing.T) *broker.Broker {
	t.Helper()
	b := broker.New(testLogger(), broker.WithoutSidecar())
	require.NoError(t, b.Start())
	t.Cleanup(b.Close)
	return b
}

func dialAgent(t *testing.T, b *broker.Broker, id, name string) *Client {
	t.Helper()
	c, err := Dial(context.Background(), b.URL(), Info{
		ID:   id,
		Name: name,
		Role: "tester",
		CWD:  "/work/" + name,
	}, testLogger())
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestDialPopulatesReplica(t *testing.T) {
	b := startBroker(t)
	hub := dialAgent(t, b, "hub-001", "hub")

	require.NoError(t, hub.Reserve(context.Background(), []string{"/work/hub/a.ts"}, "setup"))

	scout := dialAgent(t, b, "scout-001", "scout")

	assert.Equal(t, "scout", scout.Self().Name)
	assert.Len(t, scout.Agents(), 2)

	res := scout.Reservations()
	require.Contains(t, res, "hub-001")
	assert.Equal(t, []string{"/work/hub/a.ts"}, res["hub-001"].Paths)
}

func TestResolvedNameAfterCollision(t *testing.T) {
	b := startBroker(t)
	dialAgent(t, b, "s1", "scout")
	second := dialAgent(t, b, "s2", "scout")

	assert.Equal(t, "scout-2", second.Self().Name)
}

func TestReplicaTracksJoinsAndLeaves(t *testing.T) {
	b := startBroker(t)
	hub := dialAgent(t, b, "hub-001", "hub")

	scout := dialAgent(t, b, "scout-001", "scout")
	waitFor(t, func() bool { return len(hub.Agents()) == 2 }, "hub never saw scout join")

	scout.Close()
	waitFor(t, func() bool { return len(hub.Agents()) == 1 }, "hub never saw scout leave")
}

func TestSendDMRoundTrip(t *testing.T) {
	b := startBroker(t)
	hub := dialAgent(t, b, "hub-001", "hub")
	scout := dialAgent(t, b, "scout-001", "scout")

	// Scout answers any correlated DM by hand.
	remove := scout.OnMessage(func(m protocol.Message) {
		if m.Type == protocol.TypeDM && m.CorrelationID != "" {
			_ = scout.RespondDM(m.FromName, m.CorrelationID, "Found 12 files")
		}
	})
	defer remove()

	reply, err := hub.SendDM(context.Background(), "scout", "What did you find?")
	require.NoError(t, err)
	assert.Equal(t, "Found 12 files", reply)
}

func TestSendDMToOfflineAgent(t *testing.T) {
	b := startBroker(t)
	hub := dialAgent(t, b, "hub-001", "hub")

	_, err := hub.SendDM(context.Background(), "nonexistent", "anyone?")
	var brokerErr *BrokerError
	require.ErrorAs(t, err, &brokerErr)
	assert.Contains(t, brokerErr.Message, "not online")
}

func TestSendDMAbort(t *testing.T) {
	b := startBroker(t)
	hub := dialAgent(t, b, "hub-001", "hub")
	dialAgent(t, b, "scout-001", "scout") // never answers

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := hub.SendDM(ctx, "scout", "hello?")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestChannelOperations(t *testing.T) {
	b := startBroker(t)
	hub := dialAgent(t, b, "hub-001", "hub")
	scout := dialAgent(t, b, "scout-001", "scout")

	ctx := context.Background()
	require.NoError(t, hub.CreateChannel(ctx, "dev"))

	// Wait until scout's replica has absorbed the channel_created fanout, so
	// the duplicate create below can only be answered by an error record.
	waitFor(t, func() bool {
		for _, a := range scout.Agents() {
			if a.ID == "hub-001" && a.InChannel("dev") {
				return true
			}
		}
		return false
	}, "scout replica never saw #dev")

	err := scout.CreateChannel(ctx, "dev")
	var brokerErr *BrokerError
	require.ErrorAs(t, err, &brokerErr)
	assert.Contains(t, brokerErr.Message, "already exists")

	require.NoError(t, scout.JoinChannel(ctx, "dev"))

	// Membership lands in both replicas.
	waitFor(t, func() bool {
		for _, a := range hub.Agents() {
			if a.ID == "scout-001" && a.InChannel("dev") {
				return true
			}
		}
		return false
	}, "hub replica never saw scout in #dev")
	scoutSelf := scout.Self()
	assert.True(t, scoutSelf.InChannel("dev"))

	// Channel messages reach members.
	got := make(chan protocol.Message, 1)
	remove := hub.OnMessage(func(m protocol.Message) {
		if m.Type == protocol.TypeChannelMessage {
			got <- m
		}
	})
	defer remove()

	require.NoError(t, scout.SendChannel(ctx, "dev", "found a bug"))
	select {
	case m := <-got:
		assert.Equal(t, "dev", m.Channel)
		assert.Equal(t, "scout", m.FromName)
		assert.Equal(t, "found a bug", m.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("hub never received the channel message")
	}

	require.NoError(t, scout.LeaveChannel(ctx, "dev"))
	scoutSelf = scout.Self()
	assert.False(t, scoutSelf.InChannel("dev"))

	// Hub leaves too; the channel is gone.
	require.NoError(t, hub.LeaveChannel(ctx, "dev"))
	err = hub.SendChannel(ctx, "dev", "anyone?")
	require.ErrorAs(t, err, &brokerErr)
	assert.Contains(t, brokerErr.Message, "does not exist")
}

func TestReserveConflictSurfacesOwner(t *testing.T) {
	b := startBroker(t)
	hub := dialAgent(t, b, "hub-001", "hub")
	scout := dialAgent(t, b, "scout-001", "scout")

	ctx := context.Background()
	require.NoError(t, scout.Reserve(ctx, []string{"/repo/file.ts"}, "refactor"))

	// Let hub's replica absorb scout's reservations_updated before issuing
	// the conflicting reserve, so the await can only match the error.
	waitFor(t, func() bool {
		_, ok := hub.Reservations()["scout-001"]
		return ok
	}, "hub replica never saw scout's reservation")

	err := hub.Reserve(ctx, []string{"/repo/file.ts"}, "")
	var brokerErr *BrokerError
	require.ErrorAs(t, err, &brokerErr)
	assert.Contains(t, brokerErr.Message, "scout")
	assert.Contains(t, brokerErr.Message, "refactor")

	// Release-all unblocks; release of unreserved paths still succeeds.
	require.NoError(t, scout.Release(ctx, nil))
	require.NoError(t, hub.Reserve(ctx, []string{"/repo/file.ts"}, ""))
	require.NoError(t, scout.Release(ctx, []string{"/never/held.ts"}))
}

func TestListRequests(t *testing.T) {
	b := startBroker(t)
	hub := dialAgent(t, b, "hub-001", "hub")
	dialAgent(t, b, "scout-001", "scout")

	ctx := context.Background()
	agents, err := hub.ListAgents(ctx)
	require.NoError(t, err)
	assert.Len(t, agents, 2)

	require.NoError(t, hub.CreateChannel(ctx, "ops"))
	channels, err := hub.ListChannels(ctx)
	require.NoError(t, err)
	require.Len(t, channels, 1)
	assert.Equal(t, "ops", channels[0].Name)
}

func TestRename(t *testing.T) {
	b := startBroker(t)
	hub := dialAgent(t, b, "hub-001", "hub")
	scout := dialAgent(t, b, "scout-001", "scout")

	ctx := context.Background()
	newName, err := scout.Rename(ctx, "scout-renamed")
	require.NoError(t, err)
	assert.Equal(t, "scout-renamed", newName)
	assert.Equal(t, "scout-renamed", scout.Self().Name)

	waitFor(t, func() bool {
		for _, a := range hub.Agents() {
			if a.ID == "scout-001" && a.Name == "scout-renamed" {
				return true
			}
		}
		return false
	}, "hub replica never saw the rename")

	_, err = scout.Rename(ctx, "hub")
	var brokerErr *BrokerError
	require.ErrorAs(t, err, &brokerErr)
	assert.Contains(t, brokerErr.Message, "taken")

	// No-op rename completes like any other.
	same, err := scout.Rename(ctx, "scout-renamed")
	require.NoError(t, err)
	assert.Equal(t, "scout-renamed", same)
}

func TestStatusChangedUpdatesReplica(t *testing.T) {
	b := startBroker(t)
	hub := dialAgent(t, b, "hub-001", "hub")
	scout := dialAgent(t, b, "scout-001", "scout")

	require.NoError(t, scout.UpdateStatus(protocol.StatusBusy))
	waitFor(t, func() bool {
		for _, a := range hub.Agents() {
			if a.ID == "scout-001" && a.Status == protocol.StatusBusy {
				return true
			}
		}
		return false
	}, "hub replica never saw the status change")

	stamp := time.Date(2026, 8, 5, 10, 0, 0, 0, time.UTC)
	require.NoError(t, scout.UpdatePresence("exploring", stamp))
	waitFor(t, func() bool {
		for _, a := range hub.Agents() {
			if a.ID == "scout-001" && a.StatusMessage == "exploring" && a.LastActivityAt == "2026-08-05T10:00:00Z" {
				return true
			}
		}
		return false
	}, "hub replica never saw the presence update")
}

func TestListenerOrderAndDeregistration(t *testing.T) {
	b := startBroker(t)
	hub := dialAgent(t, b, "hub-001", "hub")

	var mu sync.Mutex
	var order []string
	var removeFirst func()
	removeFirst = hub.OnMessage(func(m protocol.Message) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, "first")
		// A listener may deregister itself mid-dispatch.
		removeFirst()
	})
	hub.OnMessage(func(m protocol.Message) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, "second")
	})

	dialAgent(t, b, "scout-001", "scout") // triggers agent_joined at hub

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) >= 2
	}, "listeners never fired")

	mu.Lock()
	assert.Equal(t, []string{"first", "second"}, order[:2])
	firstCount := 0
	for _, o := range order {
		if o == "first" {
			firstCount++
		}
	}
	mu.Unlock()
	assert.Equal(t, 1, firstCount, "deregistered listener fired again")
}

func TestWriteGuard(t *testing.T) {
	b := startBroker(t)
	hub := dialAgent(t, b, "hub-001", "hub")
	scout := dialAgent(t, b, "scout-001", "scout")

	ctx := context.Background()
	require.NoError(t, scout.Reserve(ctx, []string{"/repo/dir/", "/repo/main.ts"}, "migration"))

	waitFor(t, func() bool {
		_, ok := hub.Reservations()["scout-001"]
		return ok
	}, "hub replica never saw the reservation")

	// Overlapping writes are blocked with attribution.
	var blocked *WriteBlockedError
	err := hub.CheckWrite("/repo/dir/sub/file.ts")
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, "scout", blocked.Owner)
	assert.Equal(t, "migration", blocked.Reason)

	require.Error(t, hub.CheckWrite("/repo/main.ts"))

	// Unrelated and own-cwd-relative paths pass.
	assert.NoError(t, hub.CheckWrite("/repo/other.ts"))
	assert.NoError(t, hub.CheckWrite("notes.md")) // resolves under /work/hub

	// An agent is never blocked by its own reservation.
	assert.NoError(t, scout.CheckWrite("/repo/dir/sub/file.ts"))
}

func TestHeartbeatKeepsSessionAlive(t *testing.T) {
	b := startBroker(t)

	c, err := Dial(context.Background(), b.URL(), Info{ID: "hb-001", Name: "hb", CWD: "/work"},
		testLogger(), WithHeartbeatInterval(20*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(c.Close)

	acks := make(chan struct{}, 8)
	remove := c.OnMessage(func(m protocol.Message) {
		if m.Type == protocol.TypeHeartbeatAck {
			acks <- struct{}{}
		}
	})
	defer remove()

	select {
	case <-acks:
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat_ack received")
	}
}

func TestCloseMakesSendsNoOps(t *testing.T) {
	b := startBroker(t)
	c := dialAgent(t, b, "a-001", "alpha")

	c.Close()
	assert.NoError(t, c.Broadcast("into the void"))
	assert.NoError(t, c.UpdateStatus(protocol.StatusDone))
}

func TestDoneOnBrokerShutdown(t *testing.T) {
	b := startBroker(t)
	c := dialAgent(t, b, "a-001", "alpha")

	b.Close()

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client never observed transport death")
	}
	assert.Error(t, c.Err())
}

func TestDialRejectsDuplicateID(t *testing.T) {
	b := startBroker(t)
	dialAgent(t, b, "dup-001", "alpha")

	_, err := Dial(context.Background(), b.URL(), Info{ID: "dup-001", Name: "beta", CWD: "/work"}, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected")
}

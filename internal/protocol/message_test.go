// ABOUTME: Tests for wire record encoding and decoding.
// ABOUTME: Validates tag handling, unknown fields, and channel set helpers.

package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeOmitsZeroFields(t *testing.T) {
	frame, err := Encode(Message{Type: TypeHeartbeat})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"heartbeat"}`, string(frame))
}

func TestEncodeRejectsMissingType(t *testing.T) {
	_, err := Encode(Message{Content: "hello"})
	assert.Error(t, err)
}

func TestDecode(t *testing.T) {
	t.Run("dm record", func(t *testing.T) {
		msg, err := Decode([]byte(`{"type":"dm","to":"scout","content":"hi","correlationId":"c1"}`))
		require.NoError(t, err)
		assert.Equal(t, TypeDM, msg.Type)
		assert.Equal(t, "scout", msg.To)
		assert.Equal(t, "hi", msg.Content)
		assert.Equal(t, "c1", msg.CorrelationID)
	})

	t.Run("unknown fields are ignored", func(t *testing.T) {
		msg, err := Decode([]byte(`{"type":"heartbeat","futureField":42}`))
		require.NoError(t, err)
		assert.Equal(t, TypeHeartbeat, msg.Type)
	})

	t.Run("unknown tag decodes fine", func(t *testing.T) {
		// The broker ignores unknown tags; decoding must not reject them.
		msg, err := Decode([]byte(`{"type":"future_record"}`))
		require.NoError(t, err)
		assert.Equal(t, Type("future_record"), msg.Type)
	})

	t.Run("invalid json rejected", func(t *testing.T) {
		_, err := Decode([]byte(`{not json`))
		assert.Error(t, err)
	})

	t.Run("missing type rejected", func(t *testing.T) {
		_, err := Decode([]byte(`{"content":"hi"}`))
		assert.Error(t, err)
	})
}

func TestRegisteredCarriesRosterAndReservations(t *testing.T) {
	frame, err := Encode(Message{
		Type: TypeRegistered,
		ID:   "hub-001",
		Agents: []AgentInfo{{
			ID:             "hub-001",
			Name:           "hub",
			Role:           "hub",
			CWD:            "/work",
			Status:         StatusIdle,
			Channels:       []string{},
			LastActivityAt: "2026-08-05T00:00:00Z",
		}},
		Reservations: ReservationMap{
			"hub-001": {Paths: []string{"/work/a.ts"}, Reason: "editing"},
		},
	})
	require.NoError(t, err)

	msg, err := Decode(frame)
	require.NoError(t, err)
	require.Len(t, msg.Agents, 1)
	assert.Equal(t, "hub", msg.Agents[0].Name)
	assert.Equal(t, StatusIdle, msg.Agents[0].Status)
	require.Contains(t, msg.Reservations, "hub-001")
	assert.Equal(t, "editing", msg.Reservations["hub-001"].Reason)
}

func TestAgentInfoChannelSet(t *testing.T) {
	a := AgentInfo{}
	a.AddChannel("dev")
	a.AddChannel("dev")
	a.AddChannel("ops")
	assert.Equal(t, []string{"dev", "ops"}, a.Channels)
	assert.True(t, a.InChannel("dev"))

	a.RemoveChannel("dev")
	assert.Equal(t, []string{"ops"}, a.Channels)
	assert.False(t, a.InChannel("dev"))

	a.RemoveChannel("missing")
	assert.Equal(t, []string{"ops"}, a.Channels)
}

func TestReservationMapClone(t *testing.T) {
	orig := ReservationMap{"a1": {Paths: []string{"/x"}, Reason: "r"}}
	clone := orig.Clone()
	clone["a1"].Paths[0] = "/mutated"
	delete(clone, "a1")

	assert.Equal(t, "/x", orig["a1"].Paths[0])
}

func TestErrorRecordWireShape(t *testing.T) {
	// The error text travels in the "message" field.
	frame, err := Encode(Message{Type: TypeError, Error: "Agent \"x\" is not online", CorrelationID: "c9"})
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(frame, &raw))
	assert.Equal(t, "Agent \"x\" is not online", raw["message"])
	assert.Equal(t, "c9", raw["correlationId"])
}

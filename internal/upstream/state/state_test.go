package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcp-multiplex/muxproxy/internal/protocol"
)

func TestHappyPathToReady(t *testing.T) {
	m := New()
	require.NoError(t, m.StartInitialize(1))
	assert.Equal(t, Initializing, m.Phase())
	require.NoError(t, m.ReceivedInitializeResponse(protocol.RevMiddle))
	assert.Equal(t, AwaitingInitializedAck, m.Phase())
	require.NoError(t, m.CompleteInitialize())
	assert.True(t, m.IsReady())
	assert.Equal(t, protocol.RevMiddle, m.Snapshot().Revision)
}

func TestCanSendGating(t *testing.T) {
	m := New()
	assert.True(t, m.CanSend("initialize"))
	assert.False(t, m.CanSend("tools/call"))

	require.NoError(t, m.StartInitialize(1))
	assert.False(t, m.CanSend("initialize"))
	assert.False(t, m.CanSend("tools/call"))

	require.NoError(t, m.ReceivedInitializeResponse(protocol.RevOld))
	require.NoError(t, m.CompleteInitialize())
	assert.True(t, m.CanSend("tools/call"))
	assert.False(t, m.CanSend("initialize"))
}

func TestAnyNonTerminalStateJumpsToFailed(t *testing.T) {
	for _, prep := range []func(*Machine){
		func(m *Machine) {},
		func(m *Machine) { _ = m.StartInitialize(1) },
		func(m *Machine) { _ = m.StartInitialize(1); _ = m.ReceivedInitializeResponse(protocol.RevOld) },
		func(m *Machine) {
			_ = m.StartInitialize(1)
			_ = m.ReceivedInitializeResponse(protocol.RevOld)
			_ = m.CompleteInitialize()
		},
	} {
		m := New()
		prep(m)
		require.NoError(t, m.MarkFailed("boom"))
		assert.Equal(t, Failed, m.Phase())
		assert.Equal(t, "boom", m.Snapshot().FailReason)
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	m := New()
	err := m.CompleteInitialize()
	assert.Error(t, err)
	assert.Equal(t, Connecting, m.Phase())
}

func TestFailedCannotJumpToFailedAgain(t *testing.T) {
	m := New()
	require.NoError(t, m.MarkFailed("first"))
	err := m.MarkFailed("second")
	assert.Error(t, err)
	assert.Equal(t, "first", m.Snapshot().FailReason)
}

func TestStopFromAnyState(t *testing.T) {
	for _, prep := range []func(*Machine){
		func(m *Machine) {},
		func(m *Machine) { _ = m.StartInitialize(1) },
		func(m *Machine) { _ = m.StartInitialize(1); _ = m.ReceivedInitializeResponse(protocol.RevOld) },
		func(m *Machine) { _ = m.MarkFailed("boom") },
	} {
		m := New()
		prep(m)
		require.NoError(t, m.BeginStop())
		require.NoError(t, m.Stop())
		assert.Equal(t, Stopped, m.Phase())
	}
}

func TestStopFromReady(t *testing.T) {
	m := New()
	require.NoError(t, m.StartInitialize(1))
	require.NoError(t, m.ReceivedInitializeResponse(protocol.RevOld))
	require.NoError(t, m.CompleteInitialize())
	require.NoError(t, m.BeginStop())
	require.NoError(t, m.Stop())
	assert.Equal(t, Stopped, m.Phase())
}

func TestOnChangeCallbackFiresOutsideLock(t *testing.T) {
	m := New()
	var gotOld, gotNew Info
	m.OnChange(func(old, new Info) {
		gotOld, gotNew = old, new
		// Re-entering the machine from inside the callback must not
		// deadlock, proving the callback runs outside the lock.
		_ = m.IsReady()
	})
	require.NoError(t, m.StartInitialize(5))
	assert.Equal(t, Connecting, gotOld.Phase)
	assert.Equal(t, Initializing, gotNew.Phase)
}

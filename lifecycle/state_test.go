package lifecycle

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateMachineHappyPath(t *testing.T) {
	m := NewStateManager()
	assert.Equal(t, StateInitializing, m.Current())
	assert.False(t, m.IsOperational())
	assert.False(t, m.CanSendHeartbeats())

	require.NoError(t, m.Set(StateRunning, "startup complete"))
	assert.True(t, m.IsOperational())
	assert.True(t, m.CanSendHeartbeats())

	require.NoError(t, m.Set(StateDBReconnecting, "db gone"))
	assert.False(t, m.IsOperational())
	assert.False(t, m.CanSendHeartbeats())

	require.NoError(t, m.Set(StateRunning, "db back"))
	assert.True(t, m.IsOperational())
}

func TestStateMachineRejectsInvalidTransitions(t *testing.T) {
	m := NewStateManager()
	require.NoError(t, m.Set(StateRunning, "up"))
	require.NoError(t, m.Set(StateStopped, "done"))

	// Stopped is terminal.
	assert.Error(t, m.Set(StateRunning, "resurrect"))
	assert.Equal(t, StateStopped, m.Current())
}

func TestConfigurationErrorIsForcedAndSticky(t *testing.T) {
	m := NewStateManager()
	require.NoError(t, m.Set(StateRunning, "up"))
	require.NoError(t, m.Set(StateBrokerReconnecting, "broker gone"))

	m.SetConfigurationError("venue revoked")
	assert.Equal(t, StateConfigurationError, m.Current())

	// Only reconfiguration or stop is allowed from here; silent recovery
	// paths are closed.
	assert.Error(t, m.Set(StateRunning, "nope"))
	assert.Error(t, m.Set(StateDBReconnecting, "nope"))
	require.NoError(t, m.Set(StateStopped, "operator gave up"))
}

func TestReconfigurationRecoversFromConfigurationError(t *testing.T) {
	m := NewStateManager()
	require.NoError(t, m.Set(StateRunning, "up"))
	m.SetConfigurationError("venue revoked")

	require.NoError(t, m.StartReconfiguration("operator assigned new venue"))
	assert.Equal(t, StateReconfiguring, m.Current())
	assert.False(t, m.IsOperational())
	assert.False(t, m.CanSendHeartbeats())

	require.NoError(t, m.CompleteReconfiguration(true, "venue reconfigured"))
	assert.Equal(t, StateRunning, m.Current())
	assert.True(t, m.IsOperational())
	assert.True(t, m.CanSendHeartbeats())
}

func TestFailedReconfigurationFallsBackToConfigurationError(t *testing.T) {
	m := NewStateManager()
	require.NoError(t, m.Set(StateRunning, "up"))
	m.SetConfigurationError("venue revoked")
	require.NoError(t, m.StartReconfiguration("trying a new venue"))

	require.NoError(t, m.CompleteReconfiguration(false, "venue id rejected"))
	assert.Equal(t, StateConfigurationError, m.Current())

	// The operator can try again.
	require.NoError(t, m.StartReconfiguration("second attempt"))
	require.NoError(t, m.CompleteReconfiguration(true, "venue reconfigured"))
	assert.Equal(t, StateRunning, m.Current())
}

func TestReconfigurationFromRunning(t *testing.T) {
	m := NewStateManager()
	require.NoError(t, m.Set(StateRunning, "up"))

	require.NoError(t, m.StartReconfiguration("venue move"))
	require.NoError(t, m.CompleteReconfiguration(true, "done"))
	assert.Equal(t, StateRunning, m.Current())
}

func TestSetSameStateIsNoOp(t *testing.T) {
	m := NewStateManager()
	require.NoError(t, m.Set(StateRunning, "up"))
	require.NoError(t, m.Set(StateRunning, "still up"))
	assert.Len(t, m.History(), 1)
}

func TestHistoryIsBounded(t *testing.T) {
	m := NewStateManager()
	require.NoError(t, m.Set(StateRunning, "up"))
	for i := 0; i < 60; i++ {
		require.NoError(t, m.Set(StateDBReconnecting, fmt.Sprintf("flap %d", i)))
		require.NoError(t, m.Set(StateRunning, "recovered"))
	}

	history := m.History()
	assert.Len(t, history, historyLimit)
	// Newest entries survive the trim.
	assert.Equal(t, StateRunning, history[len(history)-1].To)
	assert.Equal(t, "recovered", history[len(history)-1].Reason)
}

func TestListenersSeeEveryTransition(t *testing.T) {
	m := NewStateManager()
	var seen []Transition
	m.OnTransition(func(tr Transition) { seen = append(seen, tr) })

	require.NoError(t, m.Set(StateRunning, "up"))
	m.SetConfigurationError("bad venue")

	require.Len(t, seen, 2)
	assert.Equal(t, StateInitializing, seen[0].From)
	assert.Equal(t, StateRunning, seen[0].To)
	assert.Equal(t, StateConfigurationError, seen[1].To)
	assert.Equal(t, "bad venue", seen[1].Reason)
}

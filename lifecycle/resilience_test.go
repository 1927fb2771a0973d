package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	stateChanges []Transition
	configErrors []string
	stops        []string
}

func (n *recordingNotifier) NotifyStateChange(t Transition)       { n.stateChanges = append(n.stateChanges, t) }
func (n *recordingNotifier) NotifyConfigurationError(reason string) { n.configErrors = append(n.configErrors, reason) }
func (n *recordingNotifier) NotifyServiceStopped(reason string)   { n.stops = append(n.stops, reason) }

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

// instantSleep records requested delays and never blocks.
func instantSleep(delays *[]time.Duration) func(context.Context, time.Duration) bool {
	return func(ctx context.Context, d time.Duration) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		*delays = append(*delays, d)
		return true
	}
}

func TestRecoverRestoresAfterTransientFailure(t *testing.T) {
	states := NewStateManager()
	require.NoError(t, states.Set(StateRunning, "up"))
	notifier := &recordingNotifier{}

	probeFailures := 2
	reconnects := 0
	target := Target{
		Name:      "pos-database",
		FailState: StateDBReconnecting,
		Probe: func() error {
			if probeFailures > 0 {
				probeFailures--
				return errors.New("down")
			}
			return nil
		},
		Reconnect: func() error {
			reconnects++
			return nil
		},
	}

	m := NewResilienceManager(states, notifier, testLogger(), target)
	var delays []time.Duration
	m.sleep = instantSleep(&delays)

	ok := m.recover(context.Background(), target)
	assert.True(t, ok)
	assert.Equal(t, StateRunning, states.Current())
	assert.Equal(t, 3, reconnects)
	// Linear backoff: 5s, 10s, 15s.
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second, 15 * time.Second}, delays)
	assert.Empty(t, notifier.stops)
}

func TestRecoverStopsAfterExhaustingAttempts(t *testing.T) {
	states := NewStateManager()
	require.NoError(t, states.Set(StateRunning, "up"))
	notifier := &recordingNotifier{}

	target := Target{
		Name:      "rabbitmq",
		FailState: StateBrokerReconnecting,
		Probe:     func() error { return errors.New("still down") },
		Reconnect: func() error { return errors.New("still down") },
	}

	m := NewResilienceManager(states, notifier, testLogger(), target)
	var delays []time.Duration
	m.sleep = instantSleep(&delays)

	ok := m.recover(context.Background(), target)
	assert.False(t, ok)
	assert.Equal(t, StateStopped, states.Current())
	assert.Len(t, delays, 10)
	require.Len(t, notifier.stops, 1)
	assert.Contains(t, notifier.stops[0], "rabbitmq")
}

func TestRecoverHonorsCancellation(t *testing.T) {
	states := NewStateManager()
	require.NoError(t, states.Set(StateRunning, "up"))
	notifier := &recordingNotifier{}

	target := Target{
		Name:      "pos-database",
		FailState: StateDBReconnecting,
		Probe:     func() error { return errors.New("down") },
		Reconnect: func() error { return errors.New("down") },
	}

	m := NewResilienceManager(states, notifier, testLogger(), target)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m.sleep = instantSleep(&[]time.Duration{})

	ok := m.recover(ctx, target)
	assert.False(t, ok)
	// Cancelled mid-recovery: no stop notification, just exit.
	assert.Empty(t, notifier.stops)
}

func TestRunReturnsWhenServiceStopped(t *testing.T) {
	states := NewStateManager()
	require.NoError(t, states.Set(StateRunning, "up"))
	require.NoError(t, states.Set(StateStopped, "done"))

	m := NewResilienceManager(states, &recordingNotifier{}, testLogger(),
		Target{Name: "x", FailState: StateDBReconnecting, Probe: func() error { return nil }, Reconnect: func() error { return nil }})
	m.sleep = func(ctx context.Context, d time.Duration) bool { return true }

	done := make(chan struct{})
	go func() {
		m.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return for a stopped service")
	}
}

package lifecycle

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"bitbucket.org/mmdatafocus/pos_bridge/config"
	"bitbucket.org/mmdatafocus/pos_bridge/utils"
)

// Target is one dependency the resilience manager watches. Probe must be
// cheap; Reconnect may block while it re-establishes the connection.
type Target struct {
	Name      string
	FailState State
	Probe     func() error
	Reconnect func() error
}

// ResilienceManager periodically probes the database and the broker. When a
// probe fails it drives the state machine into the matching reconnecting
// state and retries with linear backoff; exhausting the attempts stops the
// service rather than letting it limp along half-connected.
type ResilienceManager struct {
	states   *StateManager
	notifier Notifier
	logger   *logrus.Logger
	targets  []Target

	interval    time.Duration
	baseBackoff time.Duration
	maxAttempts int

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) bool
}

func NewResilienceManager(states *StateManager, notifier Notifier, logger *logrus.Logger, targets ...Target) *ResilienceManager {
	return &ResilienceManager{
		states:      states,
		notifier:    notifier,
		logger:      logger,
		targets:     targets,
		interval:    30 * time.Second,
		baseBackoff: 5 * time.Second,
		maxAttempts: 10,
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// Run blocks until the context is cancelled or the service stops.
func (m *ResilienceManager) Run(ctx context.Context) {
	for {
		if !m.sleep(ctx, m.interval) {
			return
		}
		switch m.states.Current() {
		case StateStopped, StateConfigurationError:
			return
		}
		for _, t := range m.targets {
			if err := t.Probe(); err != nil {
				config.LogError(m.logger, "lifecycle", "Run", "health probe failed: "+t.Name, nil, err)
				if !m.recover(ctx, t) {
					return
				}
			}
		}
	}
}

// recover drives one reconnect cycle for a failed target. Returns false when
// the manager should stop entirely.
func (m *ResilienceManager) recover(ctx context.Context, t Target) bool {
	if err := m.states.Set(t.FailState, t.Name+" unreachable"); err != nil {
		return false
	}

	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		if !m.sleep(ctx, m.baseBackoff*time.Duration(attempt)) {
			return false
		}
		err := t.Reconnect()
		if err == nil {
			err = t.Probe()
		}
		if err == nil {
			if serr := m.states.Set(StateRunning, t.Name+" restored"); serr == nil {
				m.logger.WithFields(logrus.Fields{
					"module":  "lifecycle",
					"target":  t.Name,
					"attempt": attempt,
				}).Info("connection restored")
			}
			return true
		}
		if !utils.IsTransient(err) {
			config.LogError(m.logger, "lifecycle", "recover", "non-transient failure reconnecting "+t.Name, nil, err)
		}
	}

	reason := t.Name + " unreachable after repeated reconnect attempts"
	if err := m.states.Set(StateStopped, reason); err == nil {
		m.notifier.NotifyServiceStopped(reason)
	}
	return false
}

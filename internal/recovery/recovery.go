// Package recovery implements the error-recovery policy: per error Kind it
// tracks a retry count, first-occurrence time, and an active backoff timer,
// and resolves each newly observed error into an Action the coordinator
// carries out.
package recovery

import (
	"time"

	"github.com/waypointlabs/geoengine/internal/config"
	"github.com/waypointlabs/geoengine/internal/errs"
)

// Action is the recovery step the coordinator must perform for an observed
// error.
type Action string

const (
	ActionIgnore            Action = "Ignore"
	ActionRetry             Action = "Retry"
	ActionRestart           Action = "Restart"
	ActionStop              Action = "Stop"
	ActionRequestUserAction Action = "RequestUserAction"
	ActionFallbackLowPower  Action = "FallbackLowPower"
	ActionPropagate         Action = "Propagate"
)

type kindState struct {
	retryCount      int
	firstOccurrence time.Time
	nextRetryAt     time.Time
}

// Manager tracks per-Kind error state and resolves each occurrence into an
// Action per the configured policy.
type Manager struct {
	cfg   config.RecoveryConfig
	state map[errs.Kind]*kindState
	now   func() time.Time
}

// New constructs a Manager from the recovery policy config.
func New(cfg config.RecoveryConfig) *Manager {
	return &Manager{cfg: cfg, state: make(map[errs.Kind]*kindState), now: time.Now}
}

// Observe records one occurrence of err and returns the Action to take.
func (m *Manager) Observe(err *errs.EngineError) Action {
	now := m.now()
	kind := err.Kind

	if contains(m.cfg.IgnoreKinds, string(kind)) {
		return ActionIgnore
	}

	st, ok := m.state[kind]
	if !ok {
		st = &kindState{firstOccurrence: now}
		m.state[kind] = st
	}
	st.retryCount++

	switch err.Posture() {
	case errs.PostureUserActionable:
		return ActionRequestUserAction
	case errs.PostureStructural:
		return ActionStop
	}

	if st.retryCount > m.cfg.MaxRetries {
		return ActionFallbackLowPower
	}

	delay := m.cfg.RetryDelay
	if m.cfg.RetryBackoff > 1 && st.retryCount > 1 {
		for i := 1; i < st.retryCount; i++ {
			delay = time.Duration(float64(delay) * m.cfg.RetryBackoff)
			if delay > m.cfg.MaxRetryDelay && m.cfg.MaxRetryDelay > 0 {
				delay = m.cfg.MaxRetryDelay
				break
			}
		}
	}
	st.nextRetryAt = now.Add(delay)

	if contains(m.cfg.AutoRetryKinds, string(kind)) || err.Posture() == errs.PostureTransient {
		return ActionRetry
	}

	if err.Posture() == errs.PostureSoft {
		return ActionRestart
	}

	return ActionPropagate
}

// Clear resets retry tracking for kind, called once the underlying
// condition has been observed resolved (e.g. a successful reconnect).
func (m *Manager) Clear(kind errs.Kind) {
	delete(m.state, kind)
}

// RetryCount reports the current retry count for kind (0 if never observed).
func (m *Manager) RetryCount(kind errs.Kind) int {
	if st, ok := m.state[kind]; ok {
		return st.retryCount
	}
	return 0
}

// NextRetryAt reports when kind's current backoff expires, and whether a
// retry is actually pending.
func (m *Manager) NextRetryAt(kind errs.Kind) (time.Time, bool) {
	st, ok := m.state[kind]
	if !ok || st.nextRetryAt.IsZero() {
		return time.Time{}, false
	}
	return st.nextRetryAt, true
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

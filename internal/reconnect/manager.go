// Package reconnect retries a connection that dropped or failed its VPN
// handshake with a retryable error.
package reconnect

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shini4i/knockgate/internal/config"
	"github.com/shini4i/knockgate/internal/state"
)

// ErrAttemptsExhausted is passed to OnFailed when the attempt limit is reached.
var ErrAttemptsExhausted = errors.New("reconnect attempts exhausted")

// Config holds reconnection configuration.
type Config struct {
	// MaxAttempts of zero disables automatic reconnection.
	MaxAttempts  int
	DelaySeconds int
}

// DefaultConfig returns default reconnection configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		DelaySeconds: 5,
	}
}

// ConfigFromApp reads the retry settings from the application config.
func ConfigFromApp(cfg *config.Config) Config {
	return Config{
		MaxAttempts:  cfg.MaxRetryAttempts,
		DelaySeconds: cfg.RetryDelaySeconds,
	}
}

// RetryFunc re-runs the failed attempt and blocks until it finishes.
type RetryFunc func(ctx context.Context) error

// Callbacks contains optional callbacks for reconnection events.
type Callbacks struct {
	// OnReconnecting is called when a reconnect attempt is about to start.
	OnReconnecting func(attempt int)
	// OnFailed is called when reconnection gives up.
	OnFailed func(err error)
}

// Manager observes the connection state machine and schedules retries.
// It is safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	attempt int
	// active is set while a reconnect chain is running, so failures in early
	// stages of a retried attempt keep the chain going.
	active bool
	// generation invalidates timers that fired after Cancel.
	generation uint64
	timer      *time.Timer

	config    Config
	retry     RetryFunc
	callbacks Callbacks
	ctx       context.Context
}

// NewManager creates a Manager that calls retry to reconnect.
func NewManager(cfg Config, retry RetryFunc) *Manager {
	return &Manager{
		config: cfg,
		retry:  retry,
		ctx:    context.Background(),
	}
}

// SetContext sets the context passed to retries.
func (m *Manager) SetContext(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctx = ctx
}

// SetCallbacks sets the event callbacks.
func (m *Manager) SetCallbacks(cb Callbacks) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = cb
}

// Attach registers the manager as a transition observer of fsm.
func (m *Manager) Attach(fsm *state.FSM) {
	fsm.OnTransition(m.Observe)
}

// Observe handles one state machine transition. It never calls back into
// the state machine synchronously.
func (m *Manager) Observe(t state.Transition) {
	switch {
	case t.To == state.StateConnected:
		m.reset()
	case t.Event == state.EventDisconnect || t.Event == state.EventLogout:
		m.Cancel()
	case t.To == state.StateError:
		if m.shouldReconnect(t) {
			m.schedule()
		}
	}
}

func (m *Manager) shouldReconnect(t state.Transition) bool {
	if !t.Retryable {
		slog.Debug("Skipping reconnect: failure is not retryable", "message", t.Message)
		m.Cancel()
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	dropped := t.From == state.StateConnected || t.From == state.StateVpnConnecting
	if !dropped && !m.active {
		return false
	}
	if m.config.MaxAttempts <= 0 {
		return false
	}
	if m.attempt >= m.config.MaxAttempts {
		slog.Warn("Max reconnect attempts reached", "attempts", m.attempt, "max", m.config.MaxAttempts)
		m.active = false
		if cb := m.callbacks.OnFailed; cb != nil {
			go cb(ErrAttemptsExhausted)
		}
		return false
	}
	return true
}

func (m *Manager) schedule() {
	m.mu.Lock()
	m.attempt++
	m.active = true
	attempt := m.attempt
	gen := m.generation

	if m.timer != nil {
		m.timer.Stop()
	}
	delay := time.Duration(m.config.DelaySeconds) * time.Second
	m.timer = time.AfterFunc(delay, func() { m.perform(gen) })
	m.mu.Unlock()

	slog.Info("Scheduling reconnect attempt", "attempt", attempt, "max", m.config.MaxAttempts, "delay", delay)
}

// Cancel stops any pending reconnection and ends the current chain.
func (m *Manager) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.generation++
	m.attempt = 0
	m.active = false
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
		slog.Debug("Cancelled pending reconnect")
	}
}

func (m *Manager) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active {
		slog.Info("Reconnected", "attempts", m.attempt)
	}
	m.attempt = 0
	m.active = false
}

// AttemptCount returns the number of reconnect attempts in the current chain.
func (m *Manager) AttemptCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

func (m *Manager) perform(gen uint64) {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		slog.Debug("Skipping reconnect: cancelled during timer wait")
		return
	}
	m.timer = nil
	attempt := m.attempt
	ctx := m.ctx
	retry := m.retry
	callbacks := m.callbacks
	m.mu.Unlock()

	if retry == nil {
		slog.Error("Cannot reconnect: no retry function configured")
		return
	}

	slog.Info("Performing reconnect attempt", "attempt", attempt)
	if callbacks.OnReconnecting != nil {
		callbacks.OnReconnecting(attempt)
	}

	// Failures reach Observe through the state machine, which schedules
	// the next attempt.
	if err := retry(ctx); err != nil {
		slog.Warn("Reconnect attempt failed", "attempt", attempt, "error", err)
	}
}

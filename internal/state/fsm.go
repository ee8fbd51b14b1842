package state

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shini4i/knockgate/internal/secret"
)

// ErrInvalidTransition is returned when an event is not accepted in the
// current state. It signals caller misuse, not an external failure.
var ErrInvalidTransition = errors.New("invalid state transition")

// Machine is the pure transition logic. It performs no I/O and is not safe
// for concurrent use; see FSM.
type Machine struct {
	state     State
	message   string
	retryable bool
	history   []State
}

// NewMachine returns a Machine in StateIdle.
func NewMachine() *Machine {
	return &Machine{state: StateIdle}
}

// State returns the current state.
func (m *Machine) State() State {
	return m.state
}

// Message returns the failure message while in StateError.
func (m *Machine) Message() string {
	return m.message
}

// Retryable reports whether Retry is accepted in the current Error state.
func (m *Machine) Retryable() bool {
	return m.state == StateError && m.retryable
}

// History returns the states visited since the attempt entered Preflight.
func (m *Machine) History() []State {
	out := make([]State, len(m.history))
	copy(out, m.history)
	return out
}

// Apply feeds ev to the machine. message is recorded for failure events and
// ignored otherwise. Retry in a non-retryable Error state is a no-op.
func (m *Machine) Apply(ev Event, message string) error {
	if ev == EventRetry && m.state == StateError && !m.retryable {
		return nil
	}

	to, ok := Next(m.state, ev)
	if !ok {
		return fmt.Errorf("%w: %s in state %s", ErrInvalidTransition, ev, m.state)
	}

	m.state = to
	switch {
	case to == StateError:
		if message == "" {
			message = defaultMessage(ev)
		}
		m.message = message
		m.retryable = ev.Retryable()
	default:
		m.message = ""
		m.retryable = false
	}

	switch to {
	case StatePreflight:
		m.history = []State{StatePreflight}
	case StateIdle:
		m.history = nil
	default:
		m.history = append(m.history, to)
	}
	return nil
}

func defaultMessage(ev Event) string {
	switch ev {
	case EventPreflightFailed:
		return "preflight checks failed"
	case EventSpaFailed:
		return "port knock failed"
	case EventTunnelDown:
		return "tunnel went down"
	case EventVpnFailed:
		return "VPN connection failed"
	default:
		return "internal error"
	}
}

// Transition describes an applied state change.
type Transition struct {
	From      State
	To        State
	Event     Event
	Message   string
	Retryable bool
	At        time.Time
}

// Snapshot is a point-in-time copy of the FSM for readers.
type Snapshot struct {
	State     State
	Message   string
	Retryable bool
	Since     time.Time
	History   []State
}

// FSM guards a Machine for concurrent use. Callbacks run after the lock is
// released, in the order transitions were applied.
type FSM struct {
	mu      sync.Mutex
	machine *Machine
	since   time.Time
	tokens  *secret.AuthTokens
	now     func() time.Time

	cbMu      sync.RWMutex
	callbacks []func(Transition)

	// notifyMu serializes callback delivery so observers see transitions
	// in apply order.
	notifyMu sync.Mutex
}

// New returns an FSM in StateIdle.
func New() *FSM {
	return NewWithClock(time.Now)
}

// NewWithClock returns an FSM using now for timestamps.
func NewWithClock(now func() time.Time) *FSM {
	return &FSM{
		machine: NewMachine(),
		since:   now(),
		now:     now,
	}
}

// OnTransition registers a callback for applied transitions. Callbacks must
// not feed events back into the FSM synchronously.
func (f *FSM) OnTransition(callback func(Transition)) {
	f.cbMu.Lock()
	defer f.cbMu.Unlock()
	f.callbacks = append(f.callbacks, callback)
}

// Handle applies a non-failure event.
func (f *FSM) Handle(ev Event) error {
	return f.apply(ev, "")
}

// Fail applies a failure event with a user-facing message.
func (f *FSM) Fail(ev Event, message string) error {
	if !ev.IsFailure() {
		return fmt.Errorf("%w: %s is not a failure event", ErrInvalidTransition, ev)
	}
	return f.apply(ev, message)
}

func (f *FSM) apply(ev Event, message string) error {
	f.notifyMu.Lock()
	defer f.notifyMu.Unlock()

	f.mu.Lock()
	from := f.machine.State()
	if err := f.machine.Apply(ev, message); err != nil {
		f.mu.Unlock()
		return err
	}
	to := f.machine.State()
	now := f.now()
	if from != to {
		f.since = now
	}
	if ev == EventLogout && f.tokens != nil {
		f.tokens.Wipe()
		f.tokens = nil
	}
	tr := Transition{
		From:      from,
		To:        to,
		Event:     ev,
		Message:   f.machine.Message(),
		Retryable: f.machine.Retryable(),
		At:        now,
	}
	f.mu.Unlock()

	// Retry in a non-retryable Error leaves the state untouched.
	if from == to && ev == EventRetry {
		return nil
	}

	f.cbMu.RLock()
	callbacks := make([]func(Transition), len(f.callbacks))
	copy(callbacks, f.callbacks)
	f.cbMu.RUnlock()

	for _, cb := range callbacks {
		cb(tr)
	}
	return nil
}

// State returns the current state.
func (f *FSM) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.machine.State()
}

// Snapshot returns a copy of the current state for readers.
func (f *FSM) Snapshot() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Snapshot{
		State:     f.machine.State(),
		Message:   f.machine.Message(),
		Retryable: f.machine.Retryable(),
		Since:     f.since,
		History:   f.machine.History(),
	}
}

// SetTokens hands session tokens to the FSM. Previously held tokens are
// wiped. Logout wipes the held tokens; Disconnect keeps them.
func (f *FSM) SetTokens(t *secret.AuthTokens) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tokens != nil && f.tokens != t {
		f.tokens.Wipe()
	}
	f.tokens = t
}

// Tokens returns the held session tokens, or nil. The FSM keeps ownership.
func (f *FSM) Tokens() *secret.AuthTokens {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokens
}

// Package state provides the connection state machine.
package state

// State is the current phase of a connection attempt.
type State string

const (
	// StateIdle indicates no connection attempt is in progress.
	StateIdle State = "idle"
	// StatePreflight indicates environment checks are running.
	StatePreflight State = "preflight"
	// StateAuthenticated indicates preflight passed and credentials are accepted.
	StateAuthenticated State = "authenticated"
	// StateBootstrapManual indicates connection parameters were supplied locally.
	StateBootstrapManual State = "bootstrap_manual"
	// StateBootstrapFetch indicates connection parameters came from a server bundle.
	StateBootstrapFetch State = "bootstrap_fetch"
	// StateSpaSent indicates the port-knock packet is being sent.
	StateSpaSent State = "spa_sent"
	// StatePortOpen indicates the gateway port is open for this client.
	StatePortOpen State = "port_open"
	// StateVpnConnecting indicates the VPN tool is negotiating.
	StateVpnConnecting State = "vpn_connecting"
	// StateConnected indicates the VPN tunnel is active.
	StateConnected State = "connected"
	// StateError indicates the attempt failed. See Snapshot for the message
	// and whether Retry is meaningful.
	StateError State = "error"
)

// IsConnected returns true if the state represents an active VPN connection.
func (s State) IsConnected() bool {
	return s == StateConnected
}

// IsTransitioning returns true if an attempt is in progress.
func (s State) IsTransitioning() bool {
	switch s {
	case StatePreflight, StateAuthenticated, StateBootstrapManual, StateBootstrapFetch,
		StateSpaSent, StatePortOpen, StateVpnConnecting:
		return true
	}
	return false
}

// CanConnect returns true if a new attempt can be started with Login.
func (s State) CanConnect() bool {
	return s == StateIdle
}

// Event is an input to the state machine.
type Event string

const (
	EventLogin            Event = "login"
	EventPreflightPassed  Event = "preflight_passed"
	EventPreflightFailed  Event = "preflight_failed"
	EventRetry            Event = "retry"
	EventBootstrapManual  Event = "bootstrap_manual"
	EventBootstrapFetched Event = "bootstrap_fetched"
	EventSpaStarted       Event = "spa_started"
	EventSpaSkipped       Event = "spa_skipped"
	EventSpaSucceeded     Event = "spa_succeeded"
	EventSpaFailed        Event = "spa_failed"
	EventTunnelUp         Event = "tunnel_up"
	EventTunnelSkipped    Event = "tunnel_skipped"
	EventTunnelDown       Event = "tunnel_down"
	EventVpnUp            Event = "vpn_up"
	EventVpnFailed        Event = "vpn_failed"
	EventLogout           Event = "logout"
	EventDisconnect       Event = "disconnect"
	// EventFault reports an internal defect. It moves any state to a
	// non-retryable Error.
	EventFault Event = "fault"
)

// IsFailure returns true for events that carry a failure message and lead
// to StateError.
func (e Event) IsFailure() bool {
	switch e {
	case EventPreflightFailed, EventSpaFailed, EventTunnelDown, EventVpnFailed, EventFault:
		return true
	}
	return false
}

// Retryable reports whether the Error state reached through e accepts Retry.
func (e Event) Retryable() bool {
	return e.IsFailure() && e != EventFault
}

// transitions holds every accepted (state, event) pair except Logout,
// Disconnect and Fault, which are accepted everywhere.
var transitions = map[State]map[Event]State{
	StateIdle: {
		EventLogin: StatePreflight,
	},
	StatePreflight: {
		EventPreflightPassed: StateAuthenticated,
		EventPreflightFailed: StateError,
	},
	StateAuthenticated: {
		EventBootstrapManual:  StateBootstrapManual,
		EventBootstrapFetched: StateBootstrapFetch,
	},
	StateBootstrapManual: {
		EventSpaStarted: StateSpaSent,
		EventSpaSkipped: StatePortOpen,
	},
	StateBootstrapFetch: {
		EventSpaStarted: StateSpaSent,
		EventSpaSkipped: StatePortOpen,
	},
	StateSpaSent: {
		EventSpaSucceeded: StatePortOpen,
		EventSpaFailed:    StateError,
	},
	StatePortOpen: {
		EventTunnelUp:      StateVpnConnecting,
		EventTunnelSkipped: StateVpnConnecting,
		EventTunnelDown:    StateError,
	},
	StateVpnConnecting: {
		EventVpnUp:      StateConnected,
		EventVpnFailed:  StateError,
		EventTunnelDown: StateError,
	},
	StateConnected: {
		EventTunnelDown: StateError,
		EventVpnFailed:  StateError,
	},
	StateError: {
		EventRetry: StatePreflight,
	},
}

// Next returns the state reached by applying ev in from, and whether the
// pair is accepted. Retry in a non-retryable Error is handled by Machine.
func Next(from State, ev Event) (State, bool) {
	switch ev {
	case EventLogout, EventDisconnect:
		return StateIdle, true
	case EventFault:
		return StateError, true
	}
	to, ok := transitions[from][ev]
	return to, ok
}

// AllStates returns all possible connection states.
func AllStates() []State {
	return []State{
		StateIdle,
		StatePreflight,
		StateAuthenticated,
		StateBootstrapManual,
		StateBootstrapFetch,
		StateSpaSent,
		StatePortOpen,
		StateVpnConnecting,
		StateConnected,
		StateError,
	}
}

// AllEvents returns all possible events.
func AllEvents() []Event {
	return []Event{
		EventLogin,
		EventPreflightPassed,
		EventPreflightFailed,
		EventRetry,
		EventBootstrapManual,
		EventBootstrapFetched,
		EventSpaStarted,
		EventSpaSkipped,
		EventSpaSucceeded,
		EventSpaFailed,
		EventTunnelUp,
		EventTunnelSkipped,
		EventTunnelDown,
		EventVpnUp,
		EventVpnFailed,
		EventLogout,
		EventDisconnect,
		EventFault,
	}
}

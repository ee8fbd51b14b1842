// Package orchestrator sequences a connection attempt through preflight,
// port knock, TLS tunnel and VPN, feeding every outcome to the connection
// state machine.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shini4i/knockgate/internal/adapter"
	"github.com/shini4i/knockgate/internal/apperr"
	"github.com/shini4i/knockgate/internal/config"
	"github.com/shini4i/knockgate/internal/connection"
	"github.com/shini4i/knockgate/internal/monitor"
	"github.com/shini4i/knockgate/internal/secret"
	"github.com/shini4i/knockgate/internal/state"
)

var (
	// ErrAttemptInProgress is returned when an attempt is already running
	// or the connection is up.
	ErrAttemptInProgress = errors.New("connection attempt already in progress")
	// ErrNotRetryable is returned by Retry when the last failure cannot be retried.
	ErrNotRetryable = errors.New("last failure is not retryable")
	// ErrNoAttempt is returned by Retry when there is nothing to retry.
	ErrNoAttempt = errors.New("no failed attempt to retry")
	// ErrCancelled is returned by an attempt torn down by Disconnect, Logout
	// or its context.
	ErrCancelled = errors.New("connection attempt cancelled")
)

// stopTimeout bounds each adapter Stop during teardown.
const stopTimeout = 10 * time.Second

// Preflighter runs the environment checks.
type Preflighter interface {
	Run(ctx context.Context) error
}

// SessionStore persists session tokens. *secretstore.Store implements it.
type SessionStore interface {
	Store(tokens *secret.AuthTokens) error
	Load() (*secret.AuthTokens, error)
	Clear() error
}

// Options configures an Orchestrator.
type Options struct {
	Adapters  adapter.Set
	Preflight Preflighter
	// Store is optional. Without it tokens are kept in memory only.
	Store SessionStore
	// Monitor is optional; a private one is created if nil.
	Monitor *monitor.Monitor
	// FSM is optional; a new one is created if nil.
	FSM                *state.FSM
	Timeouts           config.Timeouts
	AutoLogout         time.Duration
	MaxAttemptsPerHour int
	Now                func() time.Time
}

// OptionsFromConfig fills the config-driven fields of Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Timeouts:           cfg.Timeouts,
		AutoLogout:         time.Duration(cfg.AutoLogoutMinutes) * time.Minute,
		MaxAttemptsPerHour: cfg.MaxAttemptsPerHour,
	}
}

// Request is the input to one attempt.
type Request struct {
	// Config is owned by the orchestrator from Start until the attempt is
	// disconnected or logged out, when it is wiped.
	Config *connection.Config
	// Tokens, if set, are persisted once preflight passes.
	Tokens *secret.AuthTokens
}

// Status is a point-in-time view of the connection.
type Status struct {
	State         state.State
	Message       string
	Retryable     bool
	Since         time.Time
	History       []state.State
	VPNConnected  bool
	TunnelRunning bool
	ThreatLevel   monitor.Severity
}

// Orchestrator owns the connection state machine and the stage adapters.
type Orchestrator struct {
	fsm        *state.FSM
	adapters   adapter.Set
	preflight  Preflighter
	store      SessionStore
	monitor    *monitor.Monitor
	limiter    *monitor.RateLimiter
	timeouts   config.Timeouts
	autoLogout time.Duration
	now        func() time.Time

	mu          sync.Mutex
	current     *Attempt
	cfg         *connection.Config
	logoutTimer *time.Timer

	// drops tracks teardowns started by onStageExit. A new attempt waits
	// for them so a late Stop cannot kill freshly started processes.
	drops sync.WaitGroup
}

// New creates an Orchestrator. All three adapters and the preflight
// validator are required.
func New(opts Options) (*Orchestrator, error) {
	if opts.Adapters.Spa == nil || opts.Adapters.Tunnel == nil || opts.Adapters.Vpn == nil {
		return nil, errors.New("orchestrator: all three adapters are required")
	}
	if opts.Preflight == nil {
		return nil, errors.New("orchestrator: preflight validator is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.FSM == nil {
		opts.FSM = state.NewWithClock(opts.Now)
	}
	if opts.Monitor == nil {
		opts.Monitor = monitor.New(monitor.Options{Now: opts.Now})
	}

	o := &Orchestrator{
		fsm:        opts.FSM,
		adapters:   opts.Adapters,
		preflight:  opts.Preflight,
		store:      opts.Store,
		monitor:    opts.Monitor,
		limiter:    monitor.NewRateLimiter(opts.Monitor, opts.MaxAttemptsPerHour, time.Hour),
		timeouts:   withDefaultTimeouts(opts.Timeouts),
		autoLogout: opts.AutoLogout,
		now:        opts.Now,
	}

	if n, ok := opts.Adapters.Tunnel.(adapter.ExitNotifier); ok {
		n.OnExit(func(err error) { o.onStageExit(state.EventTunnelDown, opTunnel, err) })
	}
	if n, ok := opts.Adapters.Vpn.(adapter.ExitNotifier); ok {
		n.OnExit(func(err error) { o.onStageExit(state.EventVpnFailed, opVPN, err) })
	}
	return o, nil
}

func withDefaultTimeouts(t config.Timeouts) config.Timeouts {
	def := config.DefaultConfig().Timeouts
	if t.KnockSeconds <= 0 {
		t.KnockSeconds = def.KnockSeconds
	}
	if t.TunnelStartSeconds <= 0 {
		t.TunnelStartSeconds = def.TunnelStartSeconds
	}
	if t.TunnelVerifySeconds <= 0 {
		t.TunnelVerifySeconds = def.TunnelVerifySeconds
	}
	if t.VPNHandshakeSeconds <= 0 {
		t.VPNHandshakeSeconds = def.VPNHandshakeSeconds
	}
	return t
}

// FSM returns the state machine for observers.
func (o *Orchestrator) FSM() *state.FSM {
	return o.fsm
}

// Monitor returns the security monitor.
func (o *Orchestrator) Monitor() *monitor.Monitor {
	return o.monitor
}

// State returns the current connection state.
func (o *Orchestrator) State() state.State {
	return o.fsm.State()
}

// Status returns the connection state with the adapters' process status.
func (o *Orchestrator) Status() Status {
	snap := o.fsm.Snapshot()
	return Status{
		State:         snap.State,
		Message:       snap.Message,
		Retryable:     snap.Retryable,
		Since:         snap.Since,
		History:       snap.History,
		VPNConnected:  o.adapters.Vpn.Status(),
		TunnelRunning: o.adapters.Tunnel.Status(),
		ThreatLevel:   o.monitor.ThreatLevel(),
	}
}

// ResumeSession loads saved tokens into the state machine so the caller
// can skip re-authentication. It reports whether a valid session was found.
func (o *Orchestrator) ResumeSession() bool {
	if o.store == nil {
		return false
	}
	tokens, err := o.store.Load()
	if err != nil || tokens == nil {
		return false
	}
	if tokens.Expired(o.now()) {
		tokens.Wipe()
		return false
	}
	o.fsm.SetTokens(tokens)
	slog.Info("Resumed saved session", "expires_at", tokens.ExpiresAt)
	return true
}

// Establish runs a connection attempt to completion.
func (o *Orchestrator) Establish(ctx context.Context, req Request) error {
	a := o.Start(ctx, req)
	<-a.Done()
	return a.Err()
}

// Start begins a connection attempt in the background. The state machine
// has left Idle by the time Start returns.
func (o *Orchestrator) Start(ctx context.Context, req Request) *Attempt {
	if req.Config == nil {
		return finishedAttempt(o.fsm, apperr.Validation(opValidate, errors.New("connection config is missing")))
	}

	o.mu.Lock()
	if o.current != nil {
		o.mu.Unlock()
		return finishedAttempt(o.fsm, ErrAttemptInProgress)
	}
	switch st := o.fsm.State(); st {
	case state.StateIdle:
	case state.StateError:
		// A new attempt replaces the failed one.
		if err := o.fsm.Handle(state.EventDisconnect); err != nil {
			o.mu.Unlock()
			return finishedAttempt(o.fsm, o.fault(err))
		}
	default:
		o.mu.Unlock()
		return finishedAttempt(o.fsm, fmt.Errorf("%w: state is %s", ErrAttemptInProgress, st))
	}
	if err := o.fsm.Handle(state.EventLogin); err != nil {
		o.mu.Unlock()
		return finishedAttempt(o.fsm, o.fault(err))
	}

	if o.cfg != nil && o.cfg != req.Config {
		o.cfg.Wipe()
	}
	o.cfg = req.Config
	a := newAttempt(o.fsm)
	o.current = a
	o.mu.Unlock()

	slog.Info("Starting connection attempt", "attempt", a.ID, "config", req.Config)
	go o.run(ctx, a, req.Config, req.Tokens)
	return a
}

// Retry re-runs the last failed attempt from preflight. Retry in a
// non-retryable Error leaves the state untouched and fails with
// ErrNotRetryable.
func (o *Orchestrator) Retry(ctx context.Context) *Attempt {
	o.mu.Lock()
	if o.current != nil {
		o.mu.Unlock()
		return finishedAttempt(o.fsm, ErrAttemptInProgress)
	}
	snap := o.fsm.Snapshot()
	if snap.State != state.StateError || o.cfg == nil {
		o.mu.Unlock()
		return finishedAttempt(o.fsm, ErrNoAttempt)
	}
	if !snap.Retryable {
		// Applied for the record; the state machine ignores it.
		_ = o.fsm.Handle(state.EventRetry)
		o.mu.Unlock()
		return finishedAttempt(o.fsm, ErrNotRetryable)
	}
	if err := o.fsm.Handle(state.EventRetry); err != nil {
		o.mu.Unlock()
		return finishedAttempt(o.fsm, o.fault(err))
	}
	cfg := o.cfg
	a := newAttempt(o.fsm)
	o.current = a
	o.mu.Unlock()

	slog.Info("Retrying connection attempt", "attempt", a.ID)
	go o.run(ctx, a, cfg, nil)
	return a
}

// Disconnect tears the connection down: an in-flight attempt stops
// advancing once its current adapter call returns, then the VPN and the
// tunnel are stopped in that order. Tokens are kept.
func (o *Orchestrator) Disconnect(ctx context.Context) error {
	return o.shutdown(ctx, state.EventDisconnect)
}

// Logout disconnects, wipes the session tokens and clears the secret store.
func (o *Orchestrator) Logout(ctx context.Context) error {
	err := o.shutdown(ctx, state.EventLogout)
	if o.store != nil {
		if cerr := o.store.Clear(); cerr != nil {
			o.monitor.Record(monitor.SeverityLow, monitor.TypeStorageFailure, "secretstore", apperr.UserMessage(cerr))
			err = errors.Join(err, apperr.Storage("logout", cerr))
		}
	}
	if err == nil {
		slog.Info("Logged out")
	}
	return err
}

func (o *Orchestrator) shutdown(ctx context.Context, ev state.Event) error {
	o.mu.Lock()
	a := o.current
	if a != nil {
		a.aborted = true
	}
	cfg := o.cfg
	o.cfg = nil
	o.stopAutoLogoutLocked()
	if err := o.fsm.Handle(ev); err != nil {
		o.mu.Unlock()
		return o.fault(err)
	}
	o.mu.Unlock()

	tunnel := cfg != nil && cfg.Tunnel.Enabled
	if a != nil {
		slog.Info("Waiting for in-flight stage before teardown", "attempt", a.ID)
		select {
		case <-a.Done():
		case <-ctx.Done():
			// The attempt wipes cfg itself once its stage returns.
			return fmt.Errorf("waiting for attempt: %w", ctx.Err())
		}
	}
	o.teardown(ctx, tunnel)
	if cfg != nil {
		cfg.Wipe()
	}
	return nil
}

// teardown stops the VPN, then the tunnel. Stop failures are logged only.
func (o *Orchestrator) teardown(ctx context.Context, tunnel bool) {
	stop := func(name string, fn func(context.Context) error) {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
		defer cancel()
		if err := fn(stopCtx); err != nil {
			slog.Warn("Failed to stop stage", "stage", name, "error", err)
		}
	}
	stop(opVPN, o.adapters.Vpn.Stop)
	if tunnel {
		stop(opTunnel, o.adapters.Tunnel.Stop)
	}
}

// fault reports state machine misuse: it is logged, raises a
// protocol_misuse alert and moves the machine to a non-retryable Error.
func (o *Orchestrator) fault(err error) error {
	slog.Error("State machine misuse", "error", err)
	o.monitor.Record(monitor.SeverityHigh, monitor.TypeProtocolMisuse, "fsm", err.Error())
	if ferr := o.fsm.Fail(state.EventFault, "internal error: "+err.Error()); ferr != nil {
		slog.Error("Failed to record fault", "error", ferr)
	}
	return apperr.Internal("fsm", err)
}

// onStageExit handles a tunnel or VPN process that exited on its own.
func (o *Orchestrator) onStageExit(ev state.Event, op string, err error) {
	o.mu.Lock()
	st := o.fsm.State()
	if _, ok := state.Next(st, ev); !ok || st == state.StateError || st == state.StateIdle {
		o.mu.Unlock()
		slog.Debug("Ignoring stage exit", "stage", op, "state", st)
		return
	}
	msg := diagnoseDrop(op, err)
	tunnel := o.cfg != nil && o.cfg.Tunnel.Enabled
	o.stopAutoLogoutLocked()
	if ferr := o.fsm.Fail(ev, msg); ferr != nil {
		o.mu.Unlock()
		_ = o.fault(ferr)
		return
	}
	o.mu.Unlock()

	slog.Warn("Stage dropped", "stage", op, "state", st, "error", err)
	o.monitor.Record(monitor.SeverityMedium, monitor.TypeConnectionDrop, op, msg)
	o.drops.Add(1)
	go func() {
		defer o.drops.Done()
		o.teardown(context.Background(), tunnel)
	}()
}

func (o *Orchestrator) armAutoLogout() {
	if o.autoLogout <= 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopAutoLogoutLocked()
	o.logoutTimer = time.AfterFunc(o.autoLogout, func() {
		slog.Info("Session limit reached, logging out", "after", o.autoLogout)
		if err := o.Logout(context.Background()); err != nil {
			slog.Warn("Auto-logout failed", "error", err)
		}
	})
}

func (o *Orchestrator) stopAutoLogoutLocked() {
	if o.logoutTimer != nil {
		o.logoutTimer.Stop()
		o.logoutTimer = nil
	}
}

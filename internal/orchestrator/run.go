package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shini4i/knockgate/internal/adapter"
	"github.com/shini4i/knockgate/internal/apperr"
	"github.com/shini4i/knockgate/internal/connection"
	"github.com/shini4i/knockgate/internal/monitor"
	"github.com/shini4i/knockgate/internal/secret"
	"github.com/shini4i/knockgate/internal/state"
)

func (o *Orchestrator) run(ctx context.Context, a *Attempt, cfg *connection.Config, tokens *secret.AuthTokens) {
	o.drops.Wait()
	err := o.sequence(ctx, a, cfg, tokens)

	o.mu.Lock()
	o.current = nil
	aborted := a.aborted
	o.mu.Unlock()

	if aborted {
		cfg.Wipe()
	}
	if err != nil {
		slog.Info("Connection attempt ended", "attempt", a.ID, "error", apperr.DebugMessage(err))
	} else {
		slog.Info("Connected", "attempt", a.ID, "host", cfg.Host)
	}
	a.finish(err)
}

// sequence runs the stages in order. Stage N starts only after stage N-1
// succeeded or was bypassed.
func (o *Orchestrator) sequence(ctx context.Context, a *Attempt, cfg *connection.Config, tokens *secret.AuthTokens) error {
	o.limiter.Attempt("orchestrator")

	if err := connection.Validate(cfg); err != nil {
		return o.failStage(a, state.EventPreflightFailed, opValidate, err, 0)
	}
	err := o.preflight.Run(ctx)
	if cerr := o.checkpoint(ctx, a, false); cerr != nil {
		return cerr
	}
	if err != nil {
		return o.failStage(a, state.EventPreflightFailed, opPreflight, err, 0)
	}
	if err := o.advance(a, state.EventPreflightPassed); err != nil {
		return err
	}
	o.persistTokens(tokens)

	bootstrap := state.EventBootstrapManual
	if cfg.Source == connection.SourceFetched {
		bootstrap = state.EventBootstrapFetched
	}
	if err := o.advance(a, bootstrap); err != nil {
		return err
	}

	if err := o.knock(ctx, a, cfg); err != nil {
		return err
	}
	if err := o.tunnel(ctx, a, cfg); err != nil {
		return err
	}
	return o.vpn(ctx, a, cfg)
}

func (o *Orchestrator) knock(ctx context.Context, a *Attempt, cfg *connection.Config) error {
	if cfg.SkipKnock {
		slog.Warn("Port knock bypassed", "attempt", a.ID, "host", cfg.Host)
		return o.advance(a, state.EventSpaSkipped)
	}
	if err := o.advance(a, state.EventSpaStarted); err != nil {
		return err
	}

	budget := o.timeouts.Knock()
	err := runStage(ctx, budget, func(ctx context.Context) error {
		return o.adapters.Spa.Send(ctx, cfg)
	})
	if cerr := o.checkpoint(ctx, a, false); cerr != nil {
		return cerr
	}
	if err != nil {
		return o.failStage(a, state.EventSpaFailed, opKnock, adapter.Classify(opKnock, err), budget)
	}
	return o.advance(a, state.EventSpaSucceeded)
}

func (o *Orchestrator) tunnel(ctx context.Context, a *Attempt, cfg *connection.Config) error {
	if !cfg.Tunnel.Enabled {
		return o.advance(a, state.EventTunnelSkipped)
	}

	budget := o.timeouts.TunnelStart()
	err := runStage(ctx, budget, func(ctx context.Context) error {
		return o.adapters.Tunnel.Start(ctx, cfg.Tunnel)
	})
	if err == nil {
		budget = o.timeouts.TunnelVerify()
		err = runStage(ctx, budget, func(ctx context.Context) error {
			return o.adapters.Tunnel.Verify(ctx, cfg.Tunnel.AcceptAddr)
		})
	}
	if cerr := o.checkpoint(ctx, a, true); cerr != nil {
		return cerr
	}
	if err != nil {
		o.teardown(ctx, true)
		return o.failStage(a, state.EventTunnelDown, opTunnel, adapter.Classify(opTunnel, err), budget)
	}
	if err := o.advance(a, state.EventTunnelUp); err != nil {
		o.teardown(ctx, true)
		return err
	}
	return nil
}

func (o *Orchestrator) vpn(ctx context.Context, a *Attempt, cfg *connection.Config) error {
	budget := o.timeouts.VPNHandshake()
	err := runStage(ctx, budget, func(ctx context.Context) error {
		return o.adapters.Vpn.Start(ctx, cfg)
	})
	if cerr := o.checkpoint(ctx, a, cfg.Tunnel.Enabled); cerr != nil {
		return cerr
	}
	if err != nil {
		o.teardown(ctx, cfg.Tunnel.Enabled)
		return o.failStage(a, state.EventVpnFailed, opVPN, adapter.Classify(opVPN, err), budget)
	}
	if err := o.advance(a, state.EventVpnUp); err != nil {
		o.teardown(ctx, cfg.Tunnel.Enabled)
		return err
	}
	o.armAutoLogout()
	return nil
}

func runStage(ctx context.Context, budget time.Duration, fn func(ctx context.Context) error) error {
	stageCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	return fn(stageCtx)
}

// checkpoint runs after every adapter call. A Disconnect or Logout that
// arrived during the call, or a cancelled ctx, turns the attempt into a
// teardown. Started processes are stopped before returning.
func (o *Orchestrator) checkpoint(ctx context.Context, a *Attempt, tunnel bool) error {
	o.mu.Lock()
	aborted := a.aborted
	if !aborted && ctx.Err() != nil {
		a.aborted = true
		o.cfg = nil
		if err := o.fsm.Handle(state.EventDisconnect); err != nil {
			slog.Error("Failed to reset state after cancellation", "error", err)
		}
	}
	o.mu.Unlock()

	if !aborted && ctx.Err() == nil {
		return nil
	}
	slog.Info("Connection attempt cancelled, tearing down", "attempt", a.ID)
	o.teardown(ctx, tunnel)
	if !aborted {
		return fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	}
	return ErrCancelled
}

// advance feeds a success event unless the attempt was aborted or a stage
// dropped in the meantime.
func (o *Orchestrator) advance(a *Attempt, ev state.Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if a.aborted {
		return ErrCancelled
	}
	if err := o.droppedLocked(); err != nil {
		return err
	}
	if err := o.fsm.Handle(ev); err != nil {
		return o.fault(err)
	}
	return nil
}

// droppedLocked returns the recorded failure when a stage process exited
// while the attempt was still running.
func (o *Orchestrator) droppedLocked() error {
	snap := o.fsm.Snapshot()
	if snap.State != state.StateError {
		return nil
	}
	return apperr.New(apperr.KindProcess, "connection", snap.Message, adapter.ErrExited)
}

// failStage records a stage failure on the state machine and the monitor
// and returns err.
func (o *Orchestrator) failStage(a *Attempt, ev state.Event, op string, err error, budget time.Duration) error {
	msg := diagnose(op, err, budget)
	slog.Warn("Stage failed", "attempt", a.ID, "stage", op, "error", apperr.DebugMessage(err))

	if severity, typ, ok := alertFor(op, err); ok {
		o.monitor.Record(severity, typ, op, msg)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if a.aborted {
		return ErrCancelled
	}
	if dropped := o.droppedLocked(); dropped != nil {
		return err
	}
	if ferr := o.fsm.Fail(ev, msg); ferr != nil {
		return o.fault(ferr)
	}
	return err
}

// persistTokens hands tokens to the state machine and the secret store.
// Storage failures are reported but never block the connection.
func (o *Orchestrator) persistTokens(tokens *secret.AuthTokens) {
	if tokens == nil {
		return
	}
	o.fsm.SetTokens(tokens)
	if o.store == nil {
		return
	}
	if err := o.store.Store(tokens); err != nil {
		slog.Warn("Failed to persist session", "error", apperr.DebugMessage(err))
		o.monitor.Record(monitor.SeverityLow, monitor.TypeStorageFailure, "secretstore", apperr.UserMessage(err))
	}
}

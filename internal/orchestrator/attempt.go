package orchestrator

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/shini4i/knockgate/internal/state"
)

// Attempt is a handle on one background connection attempt. Callers poll
// it or wait on Done.
type Attempt struct {
	ID uuid.UUID

	fsm  *state.FSM
	done chan struct{}

	mu  sync.Mutex
	err error

	// aborted is guarded by Orchestrator.mu. Once set, the attempt tears
	// down instead of advancing.
	aborted bool
}

func newAttempt(fsm *state.FSM) *Attempt {
	return &Attempt{
		ID:   uuid.New(),
		fsm:  fsm,
		done: make(chan struct{}),
	}
}

// finishedAttempt returns an attempt that has already failed with err.
func finishedAttempt(fsm *state.FSM, err error) *Attempt {
	a := newAttempt(fsm)
	a.finish(err)
	return a
}

func (a *Attempt) finish(err error) {
	a.mu.Lock()
	a.err = err
	a.mu.Unlock()
	close(a.done)
}

// Done is closed when the attempt has finished.
func (a *Attempt) Done() <-chan struct{} {
	return a.done
}

// Poll returns the current connection state and whether the attempt has
// finished.
func (a *Attempt) Poll() (state.Snapshot, bool) {
	select {
	case <-a.done:
		return a.fsm.Snapshot(), true
	default:
		return a.fsm.Snapshot(), false
	}
}

// Err returns the attempt's result. It is nil while the attempt runs and
// after it succeeds.
func (a *Attempt) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// Wait blocks until the attempt finishes or ctx is done. Giving up on Wait
// does not cancel the attempt.
func (a *Attempt) Wait(ctx context.Context) error {
	select {
	case <-a.done:
		return a.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

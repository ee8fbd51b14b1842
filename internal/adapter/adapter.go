// Package adapter drives the external stage tools: the port-knock client,
// the TLS tunnel and the VPN client.
//
// Secrets reach the tools only through stdin or short-lived 0600 files that
// are shredded after use. They never appear in argv or the environment.
package adapter

import (
	"context"
	"errors"

	"github.com/shini4i/knockgate/internal/apperr"
	"github.com/shini4i/knockgate/internal/connection"
)

var (
	// ErrBinaryNotFound is returned when a stage tool is not installed.
	ErrBinaryNotFound = errors.New("binary not found")
	// ErrHashMismatch is returned when a stage tool does not match its pinned hash.
	ErrHashMismatch = errors.New("binary hash mismatch")
	// ErrAuthRejected is returned when the remote side rejected our credentials.
	ErrAuthRejected = errors.New("authentication rejected")
	// ErrServerRejected is returned when the remote side refused the session.
	ErrServerRejected = errors.New("server rejected the connection")
	// ErrUnreachable is returned when the remote side cannot be reached.
	ErrUnreachable = errors.New("server unreachable")
	// ErrNotRunning is returned by operations that need a running process.
	ErrNotRunning = errors.New("not running")
	// ErrAlreadyRunning is returned when Start is called twice.
	ErrAlreadyRunning = errors.New("already running")
	// ErrNotListening is returned when the tunnel never accepted connections.
	ErrNotListening = errors.New("tunnel is not listening")
	// ErrExited is returned when a tool exits before reporting readiness.
	ErrExited = errors.New("process exited unexpectedly")
	// ErrStillRunning is returned when a tool survives SIGKILL.
	ErrStillRunning = errors.New("process did not exit after SIGKILL")
)

// SpaAdapter sends the single-packet authorization.
type SpaAdapter interface {
	// Send returns nil once the knock tool reports the packet was sent.
	Send(ctx context.Context, cfg *connection.Config) error
}

// TunnelAdapter manages the TLS tunnel process.
type TunnelAdapter interface {
	Start(ctx context.Context, t connection.Tunnel) error
	// Verify checks that localAddr accepts connections.
	Verify(ctx context.Context, localAddr string) error
	Stop(ctx context.Context) error
	Status() bool
}

// VpnAdapter manages the VPN client process.
type VpnAdapter interface {
	Start(ctx context.Context, cfg *connection.Config) error
	Stop(ctx context.Context) error
	Status() bool
}

// ExitNotifier is implemented by adapters whose process can exit on its
// own after a successful Start.
type ExitNotifier interface {
	// OnExit registers fn to be called when the process exits without Stop.
	OnExit(fn func(err error))
}

// Set groups the three adapters used by one orchestrator.
type Set struct {
	Spa    SpaAdapter
	Tunnel TunnelAdapter
	Vpn    VpnAdapter
}

// Classify wraps err as an apperr.Error for stage op, choosing the kind from
// the cause: deadlines are timeouts, unreachable servers are network errors
// and everything else is a process error.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	kind := apperr.KindProcess
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = apperr.KindTimeout
	case errors.Is(err, ErrUnreachable), errors.Is(err, ErrNotListening):
		kind = apperr.KindNetwork
	}
	return apperr.New(kind, op, userMessage(err), err)
}

// userMessage describes err without paths or tool output.
func userMessage(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timed out"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, ErrBinaryNotFound):
		return "tool is not installed"
	case errors.Is(err, ErrHashMismatch):
		return "tool failed its integrity check"
	case errors.Is(err, ErrAuthRejected):
		return "credentials were rejected"
	case errors.Is(err, ErrServerRejected):
		return "server rejected the connection"
	case errors.Is(err, ErrUnreachable):
		return "server unreachable"
	case errors.Is(err, ErrNotListening):
		return "tunnel is not listening"
	case errors.Is(err, ErrNotRunning):
		return "not running"
	case errors.Is(err, ErrAlreadyRunning):
		return "already running"
	case errors.Is(err, ErrExited):
		return "process exited unexpectedly"
	}
	return "failed"
}

package adapter

import (
	"context"
	"fmt"
	"net"
	"time"
)

const (
	verifyInitialBackoff = 100 * time.Millisecond
	verifyMaxBackoff     = time.Second
)

// Dialer opens network connections.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// VerifyListening dials addr over TCP with exponential backoff until a
// connection succeeds or ctx is done. Starting a process is not proof that
// its listener is up.
func VerifyListening(ctx context.Context, d Dialer, addr string) error {
	if d == nil {
		d = &net.Dialer{Timeout: verifyMaxBackoff}
	}

	backoff := verifyInitialBackoff
	var lastErr error
	for {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		lastErr = err

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w on %s: %v (%w)", ErrNotListening, addr, lastErr, ctx.Err())
		case <-timer.C:
		}
		backoff *= 2
		if backoff > verifyMaxBackoff {
			backoff = verifyMaxBackoff
		}
	}
}

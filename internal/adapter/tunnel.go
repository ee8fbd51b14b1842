package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/shini4i/knockgate/internal/config"
	"github.com/shini4i/knockgate/internal/connection"
	"github.com/shini4i/knockgate/internal/fileutil"
)

// Stunnel is a TunnelAdapter backed by stunnel in client mode.
type Stunnel struct {
	binary  config.Binary
	dialer  Dialer
	tempDir string
	sup     *supervisor
}

// NewStunnel creates a Stunnel adapter. A nil dialer uses net.Dialer.
func NewStunnel(binary config.Binary, executor ProcessExecutor, dialer Dialer) *Stunnel {
	if executor == nil {
		executor = NewRealExecutor()
	}
	return &Stunnel{
		binary: binary,
		dialer: dialer,
		sup:    newSupervisor(ToolTunnel, executor),
	}
}

// Start writes a client-mode config and runs stunnel in the foreground
// until it reports a successful configuration.
func (s *Stunnel) Start(ctx context.Context, t connection.Tunnel) error {
	path, err := ResolveBinary(s.binary)
	if err != nil {
		return Classify("tunnel", err)
	}

	conf, err := stunnelConfig(t)
	if err != nil {
		return Classify("tunnel", err)
	}
	confPath, cleanup, err := fileutil.WriteTempSecret(s.tempDir, "tunnel-*.conf", []byte(conf))
	if err != nil {
		return Classify("tunnel", err)
	}

	slog.Info("Starting tunnel", "accept", t.AcceptAddr, "connect", t.ConnectAddr)
	if err := s.sup.start(ctx, path, []string{confPath}, nil, cleanup); err != nil {
		return Classify("tunnel", err)
	}
	return nil
}

func stunnelConfig(t connection.Tunnel) (string, error) {
	host, _, err := net.SplitHostPort(t.ConnectAddr)
	if err != nil {
		return "", fmt.Errorf("tunnel connect address: %w", err)
	}
	for _, v := range []string{t.AcceptAddr, t.ConnectAddr, t.CertPath} {
		if strings.ContainsAny(v, "\r\n") {
			return "", fmt.Errorf("tunnel setting contains a line break")
		}
	}

	var b strings.Builder
	b.WriteString("foreground = yes\n")
	b.WriteString("pid =\n")
	b.WriteString("debug = notice\n")
	b.WriteString("[knockgate]\n")
	b.WriteString("client = yes\n")
	fmt.Fprintf(&b, "accept = %s\n", t.AcceptAddr)
	fmt.Fprintf(&b, "connect = %s\n", t.ConnectAddr)
	fmt.Fprintf(&b, "sni = %s\n", host)
	if t.CertPath != "" {
		fmt.Fprintf(&b, "CAfile = %s\n", t.CertPath)
		b.WriteString("verifyPeer = yes\n")
	} else {
		b.WriteString("verifyChain = yes\n")
		b.WriteString("CApath = /etc/ssl/certs\n")
		fmt.Fprintf(&b, "checkHost = %s\n", host)
	}
	return b.String(), nil
}

// Verify dials localAddr until the tunnel accepts connections.
func (s *Stunnel) Verify(ctx context.Context, localAddr string) error {
	if !s.Status() {
		return Classify("tunnel", ErrNotRunning)
	}
	if err := VerifyListening(ctx, s.dialer, localAddr); err != nil {
		return Classify("tunnel", err)
	}
	slog.Info("Tunnel is listening", "addr", localAddr)
	return nil
}

// Stop terminates stunnel.
func (s *Stunnel) Stop(ctx context.Context) error {
	return s.sup.stop(ctx)
}

// Status reports whether stunnel is running.
func (s *Stunnel) Status() bool {
	return s.sup.isRunning()
}

// OnExit implements ExitNotifier.
func (s *Stunnel) OnExit(fn func(err error)) {
	s.sup.setOnExit(fn)
}

package adapter

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/shini4i/knockgate/internal/config"
	"github.com/shini4i/knockgate/internal/connection"
	"github.com/shini4i/knockgate/internal/fileutil"
	"github.com/shini4i/knockgate/internal/secret"
)

// OpenVPN is a VpnAdapter backed by the openvpn client.
type OpenVPN struct {
	binary  config.Binary
	tempDir string
	sup     *supervisor

	mu         sync.RWMutex
	assignedIP string
	device     string
}

// NewOpenVPN creates an OpenVPN adapter. The executor should be privileged;
// see NewPrivilegedExecutor.
func NewOpenVPN(binary config.Binary, executor ProcessExecutor) *OpenVPN {
	if executor == nil {
		executor = NewPrivilegedExecutor()
	}
	o := &OpenVPN{binary: binary, sup: newSupervisor(ToolVPN, executor)}
	o.sup.onEvent = o.handleEvent
	return o
}

func (o *OpenVPN) handleEvent(ev *OutputEvent) {
	switch ev.Type {
	case EventGotIP:
		o.mu.Lock()
		o.assignedIP = ev.GetData("ip")
		o.mu.Unlock()
	case EventDevice:
		o.mu.Lock()
		o.device = ev.GetData("iface")
		o.mu.Unlock()
	case EventDisconnected:
		o.clearSession()
	}
}

func (o *OpenVPN) clearSession() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.assignedIP = ""
	o.device = ""
}

// Device returns the tunnel interface name, e.g. "tun0", once opened.
func (o *OpenVPN) Device() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.device
}

// AssignedIP returns the tunnel address reported by the server.
func (o *OpenVPN) AssignedIP() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.assignedIP
}

// Start writes the VPN config and optional credentials to shredded 0600
// files, starts openvpn and waits for "Initialization Sequence Completed".
// When the tunnel is enabled the config is pointed at its local listener.
func (o *OpenVPN) Start(ctx context.Context, cfg *connection.Config) error {
	path, err := ResolveBinary(o.binary)
	if err != nil {
		return Classify("vpn", err)
	}

	blob := stripScriptDirectives(cfg.VPNConfig)
	if cfg.Tunnel.Enabled {
		blob = rewriteForTunnel(blob, cfg.Tunnel.AcceptAddr)
	}
	confPath, cleanupConf, err := fileutil.WriteTempSecret(o.tempDir, "vpn-*.conf", []byte(blob))
	if err != nil {
		return Classify("vpn", err)
	}
	cleanups := []func(){cleanupConf}

	args := []string{
		"--config", confPath,
		"--script-security", "1",
		"--auth-nocache",
		"--auth-retry", "none",
		"--verb", "3",
	}
	if cfg.HasAuth() {
		authPath, cleanupAuth, err := writeAuthFile(o.tempDir, cfg.VPNAuth)
		if err != nil {
			runAll(cleanups)
			return Classify("vpn", err)
		}
		cleanups = append(cleanups, cleanupAuth)
		args = append(args, "--auth-user-pass", authPath)
	}

	slog.Info("Starting VPN", "config", cfg)
	if err := o.sup.start(ctx, path, args, nil, cleanups...); err != nil {
		return Classify("vpn", err)
	}
	return nil
}

func writeAuthFile(dir string, auth *connection.Auth) (string, func(), error) {
	user, pass := auth.Username.Bytes(), auth.Password.Bytes()
	defer secret.Zero(user)
	defer secret.Zero(pass)

	data := make([]byte, 0, len(user)+len(pass)+2)
	data = append(data, user...)
	data = append(data, '\n')
	data = append(data, pass...)
	data = append(data, '\n')
	defer secret.Zero(data)

	return fileutil.WriteTempSecret(dir, "vpn-auth-*", data)
}

// stripScriptDirectives drops directives that would make openvpn run
// external programs. The blob is returned unchanged when there are none.
func stripScriptDirectives(blob string) string {
	var b strings.Builder
	stripped := false
	scanner := bufio.NewScanner(strings.NewReader(blob))
	scanner.Buffer(make([]byte, 64*1024), connection.MaxVPNConfigSize)
	for scanner.Scan() {
		line := scanner.Text()
		if fields := strings.Fields(line); len(fields) > 0 && connection.IsScriptDirective(fields[0]) {
			slog.Warn("Dropping VPN config directive that runs external programs", "directive", fields[0])
			stripped = true
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	if !stripped {
		return blob
	}
	return b.String()
}

// rewriteForTunnel replaces remote endpoints with the local tunnel
// listener and forces TCP, which is what the TLS tunnel carries.
func rewriteForTunnel(blob, acceptAddr string) string {
	host, port, err := net.SplitHostPort(acceptAddr)
	if err != nil {
		return blob
	}

	var b strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(blob))
	scanner.Buffer(make([]byte, 64*1024), connection.MaxVPNConfigSize)
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.Fields(line)
		if len(fields) > 0 {
			switch strings.ToLower(fields[0]) {
			case "remote", "proto", "remote-random", "<connection>", "</connection>":
				continue
			}
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteString("proto tcp-client\n")
	b.WriteString("remote " + host + " " + port + "\n")
	return b.String()
}

// Stop terminates openvpn.
func (o *OpenVPN) Stop(ctx context.Context) error {
	err := o.sup.stop(ctx)
	o.clearSession()
	return err
}

// Status reports whether openvpn is running.
func (o *OpenVPN) Status() bool {
	return o.sup.isRunning()
}

// OnExit implements ExitNotifier.
func (o *OpenVPN) OnExit(fn func(err error)) {
	o.sup.setOnExit(fn)
}

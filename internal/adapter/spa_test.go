package adapter

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shini4i/knockgate/internal/apperr"
	"github.com/shini4i/knockgate/internal/config"
	"github.com/shini4i/knockgate/internal/connection"
	"github.com/shini4i/knockgate/internal/secret"
)

const testVPNConfig = "client\ndev tun\nproto udp\nremote gw.example.com 1194\n"

func testConfig() *connection.Config {
	return &connection.Config{
		Host:      "gw.example.com",
		Port:      connection.DefaultServerPort,
		KnockKey:  secret.New("knock-key-material"),
		HMACKey:   secret.New("hmac-key-material"),
		VPNConfig: testVPNConfig,
		Tunnel: connection.Tunnel{
			AcceptAddr:  "127.0.0.1:1194",
			ConnectAddr: "gw.example.com:443",
		},
	}
}

type capturedFiles struct {
	mu       sync.Mutex
	contents map[string]string
}

func (c *capturedFiles) capture(flags ...string) func(string, []string) {
	return func(_ string, args []string) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.contents == nil {
			c.contents = make(map[string]string)
		}
		for _, flag := range flags {
			path := argAfter(args, flag)
			data, err := os.ReadFile(path)
			if err == nil {
				c.contents[flag] = string(data)
			}
			info, err := os.Stat(path)
			if err == nil {
				c.contents[flag+":mode"] = info.Mode().Perm().String()
			}
		}
	}
}

func (c *capturedFiles) get(key string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.contents[key]
}

func newTestFwknop(t *testing.T, exe *fakeExecutor) *Fwknop {
	f := NewFwknop(config.Binary{Path: fakeBinary(t, "fwknop")}, exe)
	f.tempDir = t.TempDir()
	return f
}

func TestFwknop_Send(t *testing.T) {
	exe := newFakeExecutor()
	proc := exe.proc()
	proc.emit("[+] Sending SPA packet to gw.example.com")
	proc.exit()

	var files capturedFiles
	exe.onCreate = files.capture("--get-key", "--get-hmac-key")

	f := newTestFwknop(t, exe)
	require.NoError(t, f.Send(startCtx(t), testConfig()))

	args := exe.lastArgs()
	assert.Equal(t, "gw.example.com", argAfter(args, "-D"))
	assert.Equal(t, "62201", argAfter(args, "--server-port"))
	assert.Equal(t, "udp/1194", argAfter(args, "-A"))
	assert.Contains(t, args, "--use-hmac")
	assert.Contains(t, args, "--no-save-args")

	joined := strings.Join(args, " ")
	assert.NotContains(t, joined, "knock-key-material")
	assert.NotContains(t, joined, "hmac-key-material")

	assert.Equal(t, "gw.example.com: knock-key-material\n", files.get("--get-key"))
	assert.Equal(t, "gw.example.com: hmac-key-material\n", files.get("--get-hmac-key"))
	assert.Equal(t, "-rw-------", files.get("--get-key:mode"))

	for _, flag := range []string{"--get-key", "--get-hmac-key"} {
		_, err := os.Stat(argAfter(args, flag))
		assert.True(t, os.IsNotExist(err), "%s file should be removed", flag)
	}
}

func TestFwknop_SendRejected(t *testing.T) {
	exe := newFakeExecutor()
	proc := exe.proc()
	proc.emitStderr("HMAC digest mismatch")
	proc.exitWith(errors.New("exit status 1"))
	proc.exit()

	f := newTestFwknop(t, exe)
	err := f.Send(startCtx(t), testConfig())

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthRejected)
	assert.Equal(t, apperr.KindProcess, apperr.KindOf(err))
	assert.Equal(t, "knock: credentials were rejected", err.Error())
}

func TestFwknop_SendUnreachable(t *testing.T) {
	exe := newFakeExecutor()
	proc := exe.proc()
	proc.emitStderr("[*] Could not resolve hostname gw.example.com")
	proc.exitWith(errors.New("exit status 1"))
	proc.exit()

	err := newTestFwknop(t, exe).Send(startCtx(t), testConfig())
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.Equal(t, apperr.KindNetwork, apperr.KindOf(err))
}

func TestFwknop_SendNonZeroExitWithoutOutput(t *testing.T) {
	exe := newFakeExecutor()
	proc := exe.proc()
	proc.exitWith(errors.New("exit status 2"))
	proc.exit()

	err := newTestFwknop(t, exe).Send(startCtx(t), testConfig())
	assert.ErrorIs(t, err, ErrExited)
}

func TestFwknop_SendTimeout(t *testing.T) {
	exe := newFakeExecutor()
	proc := exe.proc()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := newTestFwknop(t, exe).Send(ctx, testConfig())
	require.Error(t, err)
	assert.Equal(t, apperr.KindTimeout, apperr.KindOf(err))
	assert.True(t, proc.wasForceKilled())
}

func TestFwknop_MissingBinary(t *testing.T) {
	exe := newFakeExecutor()
	f := NewFwknop(config.Binary{Path: "/nonexistent/fwknop"}, exe)

	err := f.Send(startCtx(t), testConfig())
	assert.ErrorIs(t, err, ErrBinaryNotFound)
	assert.Equal(t, 0, exe.created())
}

func TestAccessSpec(t *testing.T) {
	tests := []struct {
		name   string
		tunnel bool
		blob   string
		want   string
	}{
		{"tunnel endpoint", true, testVPNConfig, "tcp/443"},
		{"udp remote", false, "remote gw.example.com 1194 udp\n", "udp/1194"},
		{"tcp proto", false, "proto tcp-client\nremote gw.example.com 443\n", "tcp/443"},
		{"udp6 proto", false, "proto udp6\nremote gw.example.com 1195\n", "udp/1195"},
		{"defaults", false, "client\n", "udp/1194"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Tunnel.Enabled = tt.tunnel
			cfg.VPNConfig = tt.blob
			assert.Equal(t, tt.want, accessSpec(cfg))
		})
	}
}

package adapter

import (
	"context"
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shini4i/knockgate/internal/apperr"
	"github.com/shini4i/knockgate/internal/config"
	"github.com/shini4i/knockgate/internal/connection"
)

func TestStunnelConfig(t *testing.T) {
	conf, err := stunnelConfig(connection.Tunnel{
		Enabled:     true,
		AcceptAddr:  "127.0.0.1:1194",
		ConnectAddr: "gw.example.com:443",
	})
	require.NoError(t, err)
	assert.Contains(t, conf, "client = yes\n")
	assert.Contains(t, conf, "accept = 127.0.0.1:1194\n")
	assert.Contains(t, conf, "connect = gw.example.com:443\n")
	assert.Contains(t, conf, "sni = gw.example.com\n")
	assert.Contains(t, conf, "checkHost = gw.example.com\n")
	assert.Contains(t, conf, "verifyChain = yes\n")

	pinned, err := stunnelConfig(connection.Tunnel{
		AcceptAddr:  "127.0.0.1:1194",
		ConnectAddr: "gw.example.com:443",
		CertPath:    "/etc/knockgate/gw.pem",
	})
	require.NoError(t, err)
	assert.Contains(t, pinned, "CAfile = /etc/knockgate/gw.pem\n")
	assert.Contains(t, pinned, "verifyPeer = yes\n")
	assert.NotContains(t, pinned, "checkHost")
}

func TestStunnelConfig_Rejects(t *testing.T) {
	_, err := stunnelConfig(connection.Tunnel{AcceptAddr: "127.0.0.1:1194", ConnectAddr: "gw.example.com"})
	assert.Error(t, err)

	_, err = stunnelConfig(connection.Tunnel{
		AcceptAddr:  "127.0.0.1:1194\nexec = /bin/sh",
		ConnectAddr: "gw.example.com:443",
	})
	assert.ErrorContains(t, err, "line break")
}

func TestStunnel_Lifecycle(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	exe := newFakeExecutor()
	exe.proc().emit("LOG5[ui]: Configuration successful")

	var confPath, confBody string
	exe.onCreate = func(_ string, args []string) {
		require.Len(t, args, 1)
		confPath = args[0]
		data, err := os.ReadFile(confPath)
		require.NoError(t, err)
		confBody = string(data)
	}

	s := NewStunnel(config.Binary{Path: fakeBinary(t, "stunnel")}, exe, nil)
	s.tempDir = t.TempDir()
	tun := connection.Tunnel{Enabled: true, AcceptAddr: ln.Addr().String(), ConnectAddr: "gw.example.com:443"}

	require.NoError(t, s.Start(startCtx(t), tun))
	assert.True(t, s.Status())
	assert.Contains(t, confBody, "accept = "+ln.Addr().String())

	require.NoError(t, s.Verify(startCtx(t), ln.Addr().String()))

	require.NoError(t, s.Stop(context.Background()))
	assert.False(t, s.Status())
	_, err = os.Stat(confPath)
	assert.True(t, os.IsNotExist(err), "config file should be removed after stop")
}

func TestStunnel_VerifyNotRunning(t *testing.T) {
	s := NewStunnel(config.Binary{Path: "stunnel"}, newFakeExecutor(), nil)
	err := s.Verify(startCtx(t), "127.0.0.1:1")
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestStunnel_StartFailure(t *testing.T) {
	exe := newFakeExecutor()
	exe.proc().emitStderr("LOG3[0]: SSL_connect: certificate verify failed")

	s := NewStunnel(config.Binary{Path: fakeBinary(t, "stunnel")}, exe, nil)
	s.tempDir = t.TempDir()
	err := s.Start(startCtx(t), connection.Tunnel{AcceptAddr: "127.0.0.1:1194", ConnectAddr: "gw.example.com:443"})

	assert.ErrorIs(t, err, ErrServerRejected)
	assert.Equal(t, apperr.KindProcess, apperr.KindOf(err))
	assert.False(t, s.Status())

	entries, err := os.ReadDir(s.tempDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

package connection

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shini4i/knockgate/internal/apperr"
	"github.com/shini4i/knockgate/internal/secret"
)

const minimalVPNConfig = "client\nproto udp\nremote host 1194\n"

func validConfig() *Config {
	return &Config{
		Host:      "gw.example.com",
		Port:      62201,
		KnockKey:  secret.New("knock-key"),
		HMACKey:   secret.New("hmac-key"),
		VPNConfig: minimalVPNConfig,
		Tunnel: Tunnel{
			Enabled:     true,
			AcceptAddr:  "127.0.0.1:1194",
			ConnectAddr: "gw.example.com:443",
		},
	}
}

func TestValidate_Valid(t *testing.T) {
	assert.NoError(t, Validate(validConfig()))
}

func TestValidate_Nil(t *testing.T) {
	err := Validate(nil)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestValidateHost(t *testing.T) {
	tests := []struct {
		host  string
		valid bool
	}{
		// Private, loopback and link-local literals
		{"10.0.0.1", true},
		{"172.16.5.4", true},
		{"192.168.1.10", true},
		{"127.0.0.1", true},
		{"169.254.10.20", true},
		{"::1", true},
		{"fd00::1", true},
		{"fe80::1", true},
		{"[fd00::1]", true},
		// Public literals
		{"8.8.8.8", false},
		{"1.1.1.1", false},
		{"203.0.113.7", false},
		{"2001:4860:4860::8888", false},
		{"::ffff:8.8.8.8", false},
		// Legacy numeric forms the resolver reads as IPv4
		{"134744072", false},
		{"010.8.8.8", false},
		{"0x8.0x8.0x8.0x8", false},
		{"8.8.2056", false},
		{"8.526344", false},
		{"0X08080808", false},
		{"127.1", false},
		{"012.0.0.1", false},
		{"0x7f.1", false},
		{"99999999999", false},
		{"1.2.3.4.5", false},
		{"gw.example.123", false},
		{"gw.0xff", false},
		{"0x", false},
		// Numeric labels below the top level
		{"10.gw.example.com", true},
		{"gw.example.com1", true},
		// Hostnames
		{"gw.example.com", true},
		{"vpn-01.corp.internal", true},
		{"localhost", true},
		{"", false},
		{"   ", false},
		{"-bad.example.com", false},
		{"bad-.example.com", false},
		{".example.com", false},
		{"example.com.", false},
		{"a..b", false},
		{"has space.com", false},
		{"semi;colon.com", false},
		{"under_score.com", false},
		{strings.Repeat("a", 64) + ".com", false},
		{strings.Repeat("a.", 127) + "abc", false},
	}

	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			err := ValidateHost(tt.host)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.True(t, apperr.Is(err, apperr.KindValidation))
			}
		})
	}
}

func TestValidate_PublicIPMessage(t *testing.T) {
	cfg := validConfig()
	cfg.Host = "8.8.8.8"

	err := Validate(cfg)
	require.Error(t, err)
	ve, ok := AsValidationError(err)
	require.True(t, ok)
	assert.Equal(t, "host", ve.Field)
	assert.Contains(t, ve.Reason, "public IP")
}

func TestValidateHost_LegacyNumericMessages(t *testing.T) {
	err := ValidateHost("134744072")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "public IP address 134744072 (8.8.8.8)")

	err = ValidateHost("012.0.0.1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "write it as 10.0.0.1")

	err = ValidateHost("gw.example.123")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "top-level label cannot be numeric")
}

func TestValidateVPNConfig_RejectsScriptDirectives(t *testing.T) {
	for _, line := range []string{
		"script-security 2",
		"up /tmp/evil.sh",
		"down /tmp/evil.sh",
		"plugin /usr/lib/evil.so",
		"route-up /tmp/evil.sh",
		"UP /tmp/evil.sh",
		"  tls-verify /tmp/evil.sh",
	} {
		t.Run(line, func(t *testing.T) {
			err := ValidateVPNConfig(minimalVPNConfig + line + "\n")
			require.Error(t, err)
			assert.True(t, apperr.Is(err, apperr.KindValidation))
			assert.Contains(t, err.Error(), "runs external programs")
		})
	}

	assert.NoError(t, ValidateVPNConfig(minimalVPNConfig+"# up /tmp/commented.sh\n"))
	assert.NoError(t, ValidateVPNConfig(minimalVPNConfig+"<ca>\nup\n</ca>\n"))
}

func TestParseInetAton(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"134744072", "8.8.8.8", true},
		{"010.8.8.8", "8.8.8.8", true},
		{"0x8.0x8.0x8.0x8", "8.8.8.8", true},
		{"8.8.2056", "8.8.8.8", true},
		{"8.526344", "8.8.8.8", true},
		{"127.1", "127.0.0.1", true},
		{"4294967295", "255.255.255.255", true},
		{"4294967296", "", false},
		{"256.1.1.1", "", false},
		{"1.2.65536", "", false},
		{"08.1.1.1", "", false},
		{"1.2.3.4.5", "", false},
		{"1..2", "", false},
		{"gw.example.com", "", false},
		{"+1.2.3.4", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			addr, ok := parseInetAton(tt.in)
			require.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, addr.String())
			}
		})
	}
}

func TestValidate_Fields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		field  string
	}{
		{"zero port", func(c *Config) { c.Port = 0 }, "port"},
		{"port too large", func(c *Config) { c.Port = 70000 }, "port"},
		{"empty knock key", func(c *Config) { c.KnockKey = secret.New("") }, "knock_key"},
		{"whitespace knock key", func(c *Config) { c.KnockKey = secret.New("  \t ") }, "knock_key"},
		{"nil knock key", func(c *Config) { c.KnockKey = nil }, "knock_key"},
		{"empty hmac key", func(c *Config) { c.HMACKey = secret.New(" ") }, "hmac_key"},
		{"empty username", func(c *Config) {
			c.VPNAuth = &Auth{Username: secret.New(""), Password: secret.New("pw")}
		}, "vpn_auth.username"},
		{"empty password", func(c *Config) {
			c.VPNAuth = &Auth{Username: secret.New("alice"), Password: secret.New("")}
		}, "vpn_auth.password"},
		{"bad accept addr", func(c *Config) { c.Tunnel.AcceptAddr = "127.0.0.1" }, "tunnel.accept_addr"},
		{"zero connect port", func(c *Config) { c.Tunnel.ConnectAddr = "gw.example.com:0" }, "tunnel.connect_addr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := Validate(cfg)
			require.Error(t, err)
			ve, ok := AsValidationError(err)
			require.True(t, ok)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestValidate_TunnelDisabledSkipsAddrs(t *testing.T) {
	cfg := validConfig()
	cfg.Tunnel = Tunnel{Enabled: false}
	assert.NoError(t, Validate(cfg))
}

func TestValidate_DoesNotMutate(t *testing.T) {
	cfg := validConfig()
	before := fmt.Sprintf("%s|%d|%s|%v", cfg.Host, cfg.Port, cfg.VPNConfig, cfg.Tunnel)

	_ = Validate(cfg)

	after := fmt.Sprintf("%s|%d|%s|%v", cfg.Host, cfg.Port, cfg.VPNConfig, cfg.Tunnel)
	assert.Equal(t, before, after)
	assert.Equal(t, "knock-key", cfg.KnockKey.Reveal())
}

func TestValidateVPNConfig(t *testing.T) {
	tests := []struct {
		name  string
		blob  string
		valid bool
	}{
		{"minimal", minimalVPNConfig, true},
		{"two of three", "client\nremote host 1194\n", true},
		{"comments and blanks", "# header\n\n; note\nproto tcp\n  \nremote gw 443\n", true},
		{"unknown directives tolerated", "client\nproto udp\nfuture-option yes\n", true},
		{"case insensitive", "CLIENT\nProto udp\n", true},
		{"inline block skipped", "<ca>\nclient\nproto\n</ca>\nremote gw 1\n", false},
		{"inline block then directives", "<ca>\nMIIB\n</ca>\nclient\nremote gw 1\n", true},
		{"only one directive", "client\ndev tun\n", false},
		{"commented directives", "# client\n# proto udp\nremote x 1\n", false},
		{"empty", "", false},
		{"null byte", "client\nproto udp\x00\n", false},
		{"non-ascii", "client\nproto udp\nremote hôst 1194\n", false},
		{"too large", minimalVPNConfig + strings.Repeat("#", MaxVPNConfigSize), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateVPNConfig(tt.blob)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.True(t, apperr.Is(err, apperr.KindValidation))
			}
		})
	}
}

func TestConfig_Wipe(t *testing.T) {
	cfg := validConfig()
	cfg.VPNAuth = &Auth{Username: secret.New("alice"), Password: secret.New("pw")}

	cfg.Wipe()

	assert.True(t, cfg.KnockKey.Wiped())
	assert.True(t, cfg.HMACKey.Wiped())
	assert.True(t, cfg.VPNAuth.Username.Wiped())
	assert.True(t, cfg.VPNAuth.Password.Wiped())
}

func TestConfig_LogValueOmitsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	cfg := validConfig()
	cfg.VPNAuth = &Auth{Username: secret.New("alice"), Password: secret.New("pw")}
	logger.Info("connecting", "config", cfg)

	out := buf.String()
	assert.Contains(t, out, "gw.example.com")
	assert.NotContains(t, out, "knock-key")
	assert.NotContains(t, out, "hmac-key")
	assert.NotContains(t, out, "alice")
}

func TestConfig_StringFormattingOmitsSecrets(t *testing.T) {
	out := fmt.Sprintf("%+v", *validConfig())
	assert.NotContains(t, out, "knock-key")
	assert.NotContains(t, out, "hmac-key")
}

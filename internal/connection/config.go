// Package connection defines the per-attempt connection configuration and
// its validation.
package connection

import (
	"log/slog"

	"github.com/shini4i/knockgate/internal/secret"
)

// DefaultServerPort is the default knock and gateway port.
const DefaultServerPort = 62201

// Source records where a Config came from.
type Source string

const (
	// SourceManual is a config entered or loaded locally by the user.
	SourceManual Source = "manual"
	// SourceFetched is a config decoded from a server-issued bootstrap bundle.
	SourceFetched Source = "fetched"
)

// Auth holds optional username/password authentication for the VPN tool.
type Auth struct {
	Username *secret.String `json:"username" yaml:"username"`
	Password *secret.String `json:"password" yaml:"password"`
}

// Tunnel holds the TLS tunnel tool settings.
type Tunnel struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	// AcceptAddr is the local address the tunnel listens on, e.g. 127.0.0.1:1194.
	AcceptAddr string `json:"accept_addr" yaml:"accept_addr"`
	// ConnectAddr is the remote TLS endpoint, e.g. gw.example.com:443.
	ConnectAddr string `json:"connect_addr" yaml:"connect_addr"`
	// CertPath optionally pins the server certificate for the tunnel tool.
	CertPath string `json:"cert_path,omitempty" yaml:"cert_path,omitempty"`
}

// Config is the input to one connection attempt.
type Config struct {
	Host      string         `json:"host" yaml:"host"`
	Port      int            `json:"port" yaml:"port"`
	KnockKey  *secret.String `json:"knock_key" yaml:"knock_key"`
	HMACKey   *secret.String `json:"hmac_key" yaml:"hmac_key"`
	VPNConfig string         `json:"vpn_config" yaml:"vpn_config"`
	VPNAuth   *Auth          `json:"vpn_auth,omitempty" yaml:"vpn_auth,omitempty"`
	Tunnel    Tunnel         `json:"tunnel" yaml:"tunnel"`
	SkipKnock bool           `json:"skip_knock" yaml:"skip_knock"`

	Source Source `json:"-" yaml:"-"`
}

// HasAuth reports whether VPN username/password auth is configured.
func (c *Config) HasAuth() bool {
	return c != nil && c.VPNAuth != nil
}

// Wipe wipes every secret field. The Config must not be used afterwards.
func (c *Config) Wipe() {
	if c == nil {
		return
	}
	c.KnockKey.Wipe()
	c.HMACKey.Wipe()
	if c.VPNAuth != nil {
		c.VPNAuth.Username.Wipe()
		c.VPNAuth.Password.Wipe()
	}
}

// LogValue implements slog.LogValuer. Only non-secret fields are included.
func (c *Config) LogValue() slog.Value {
	if c == nil {
		return slog.StringValue("<nil>")
	}
	return slog.GroupValue(
		slog.String("host", c.Host),
		slog.Int("port", c.Port),
		slog.Bool("skip_knock", c.SkipKnock),
		slog.Bool("tunnel", c.Tunnel.Enabled),
		slog.Bool("vpn_auth", c.HasAuth()),
		slog.String("source", string(c.Source)),
	)
}

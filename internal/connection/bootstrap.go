package connection

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/shini4i/knockgate/internal/apperr"
	"github.com/shini4i/knockgate/internal/secret"
)

// Format is the encoding of a connection file or bootstrap bundle.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFromPath picks the format from a file extension, defaulting to JSON.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Bundle is the server-issued bootstrap payload. The transport that fetches
// it lives outside this module.
type Bundle struct {
	Knock struct {
		Host    string         `json:"host" yaml:"host"`
		Port    int            `json:"port" yaml:"port"`
		Key     *secret.String `json:"key" yaml:"key"`
		HMACKey *secret.String `json:"hmac_key" yaml:"hmac_key"`
		Skip    bool           `json:"skip" yaml:"skip"`
	} `json:"knock" yaml:"knock"`
	Tunnel Tunnel `json:"tunnel" yaml:"tunnel"`
	VPN    struct {
		Config string `json:"config" yaml:"config"`
		Auth   *Auth  `json:"auth,omitempty" yaml:"auth,omitempty"`
	} `json:"vpn" yaml:"vpn"`
	// Session optionally carries the gateway session issued with the bundle.
	Session *secret.AuthTokens `json:"session,omitempty" yaml:"session,omitempty"`
}

// ToConfig converts the bundle into a Config. Ownership of the secrets moves
// to the returned Config.
func (b *Bundle) ToConfig() *Config {
	port := b.Knock.Port
	if port == 0 {
		port = DefaultServerPort
	}
	return &Config{
		Host:      b.Knock.Host,
		Port:      port,
		KnockKey:  b.Knock.Key,
		HMACKey:   b.Knock.HMACKey,
		VPNConfig: b.VPN.Config,
		VPNAuth:   b.VPN.Auth,
		Tunnel:    b.Tunnel,
		SkipKnock: b.Knock.Skip,
		Source:    SourceFetched,
	}
}

// ParseBootstrap decodes and validates a bootstrap bundle. Session tokens
// in the bundle are discarded; use ParseBundle to keep them.
func ParseBootstrap(data []byte, format Format) (*Config, error) {
	cfg, tokens, err := ParseBundle(data, format)
	tokens.Wipe()
	return cfg, err
}

// ParseBundle decodes and validates a bootstrap bundle and returns its
// session tokens, or nil when the bundle has none.
func ParseBundle(data []byte, format Format) (*Config, *secret.AuthTokens, error) {
	var b Bundle
	if err := decode(data, format, &b); err != nil {
		return nil, nil, apperr.Validation("bootstrap", fmt.Errorf("decode bundle: %w", err))
	}
	cfg := b.ToConfig()
	if err := Validate(cfg); err != nil {
		cfg.Wipe()
		b.Session.Wipe()
		return nil, nil, err
	}
	if b.Session != nil && b.Session.Access.IsEmpty() {
		b.Session = nil
	}
	return cfg, b.Session, nil
}

// LoadBundle reads a bootstrap bundle from path.
func LoadBundle(path string) (*Config, *secret.AuthTokens, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, apperr.Validation("bootstrap", fmt.Errorf("read %s: %w", path, err))
	}
	defer secret.Zero(data)
	return ParseBundle(data, FormatFromPath(path))
}

// Parse decodes and validates a locally supplied connection config.
func Parse(data []byte, format Format) (*Config, error) {
	var cfg Config
	if err := decode(data, format, &cfg); err != nil {
		return nil, apperr.Validation("config", fmt.Errorf("decode config: %w", err))
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultServerPort
	}
	cfg.Source = SourceManual
	if err := Validate(&cfg); err != nil {
		cfg.Wipe()
		return nil, err
	}
	return &cfg, nil
}

// LoadFile reads a connection config from path. Bundle files are detected
// by their top-level "knock" key.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.Validation("config", fmt.Errorf("read %s: %w", path, err))
	}
	defer secret.Zero(data)

	format := FormatFromPath(path)
	if isBundle(data, format) {
		return ParseBootstrap(data, format)
	}
	return Parse(data, format)
}

func isBundle(data []byte, format Format) bool {
	var probe map[string]any
	if err := decode(data, format, &probe); err != nil {
		return false
	}
	_, ok := probe["knock"]
	return ok
}

func decode(data []byte, format Format, v any) error {
	switch format {
	case FormatYAML:
		return yaml.Unmarshal(data, v)
	case FormatJSON, "":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(v); err != nil {
			return err
		}
		if dec.More() {
			return errors.New("trailing data after JSON object")
		}
		return nil
	default:
		return fmt.Errorf("unsupported format %q", format)
	}
}

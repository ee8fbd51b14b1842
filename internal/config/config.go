// Package config manages application-level configuration.
package config

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shini4i/knockgate/internal/fileutil"
)

const (
	// AppName is the application identifier used for XDG paths.
	AppName = "knockgate"
	// ConfigFileName is the name of the main configuration file.
	ConfigFileName = "config.json"
	// SessionFileName is the name of the encrypted session file.
	SessionFileName = "session.bin"
	// LogFileName is the name of the optional log file.
	LogFileName = "knockgate.log"
)

// Binary describes an external tool location and optional pinned hash.
type Binary struct {
	Path   string `json:"path,omitempty" yaml:"path,omitempty"`
	SHA256 string `json:"sha256,omitempty" yaml:"sha256,omitempty"`
}

// Binaries groups the three stage tools.
type Binaries struct {
	Knock  Binary `json:"knock" yaml:"knock"`
	Tunnel Binary `json:"tunnel" yaml:"tunnel"`
	VPN    Binary `json:"vpn" yaml:"vpn"`
}

// Timeouts holds per-stage budgets in seconds.
type Timeouts struct {
	PreflightProbeSeconds int `json:"preflight_probe" yaml:"preflight_probe"`
	KnockSeconds          int `json:"knock" yaml:"knock"`
	TunnelStartSeconds    int `json:"tunnel_start" yaml:"tunnel_start"`
	TunnelVerifySeconds   int `json:"tunnel_verify" yaml:"tunnel_verify"`
	VPNHandshakeSeconds   int `json:"vpn_handshake" yaml:"vpn_handshake"`
}

// PreflightProbe returns the preflight probe budget.
func (t Timeouts) PreflightProbe() time.Duration {
	return time.Duration(t.PreflightProbeSeconds) * time.Second
}

// Knock returns the knock stage budget.
func (t Timeouts) Knock() time.Duration { return time.Duration(t.KnockSeconds) * time.Second }

// TunnelStart returns the tunnel start budget.
func (t Timeouts) TunnelStart() time.Duration {
	return time.Duration(t.TunnelStartSeconds) * time.Second
}

// TunnelVerify returns the tunnel listener verification budget.
func (t Timeouts) TunnelVerify() time.Duration {
	return time.Duration(t.TunnelVerifySeconds) * time.Second
}

// VPNHandshake returns the VPN handshake budget.
func (t Timeouts) VPNHandshake() time.Duration {
	return time.Duration(t.VPNHandshakeSeconds) * time.Second
}

// Config represents the application configuration.
type Config struct {
	GatewayURL             string   `json:"gateway_url" yaml:"gateway_url"`
	PinnedCertFingerprints []string `json:"pinned_cert_fingerprints" yaml:"pinned_cert_fingerprints"`
	AutoLogoutMinutes      int      `json:"auto_logout_minutes" yaml:"auto_logout_minutes"`
	LogLevel               string   `json:"log_level" yaml:"log_level"`
	LogToFile              bool     `json:"log_to_file" yaml:"log_to_file"`
	// AllowedTimezones is the deployment's timezone allow-list. Empty disables the check.
	AllowedTimezones   []string `json:"allowed_timezones" yaml:"allowed_timezones"`
	Resolvers          []string `json:"resolvers" yaml:"resolvers"`
	MinKernelVersion   string   `json:"min_kernel_version" yaml:"min_kernel_version"`
	Binaries           Binaries `json:"binaries" yaml:"binaries"`
	Timeouts           Timeouts `json:"timeouts" yaml:"timeouts"`
	MaxRetryAttempts   int      `json:"max_retry_attempts" yaml:"max_retry_attempts"`
	RetryDelaySeconds  int      `json:"retry_delay_seconds" yaml:"retry_delay_seconds"`
	MaxAttemptsPerHour int      `json:"max_attempts_per_hour" yaml:"max_attempts_per_hour"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		AutoLogoutMinutes: 480,
		LogLevel:          "info",
		Resolvers: []string{
			"1.1.1.1:53",
			"8.8.8.8:53",
			"9.9.9.9:53",
		},
		MinKernelVersion: "4.19",
		Binaries: Binaries{
			Knock:  Binary{Path: "fwknop"},
			Tunnel: Binary{Path: "stunnel"},
			VPN:    Binary{Path: "openvpn"},
		},
		Timeouts: Timeouts{
			PreflightProbeSeconds: 3,
			KnockSeconds:          30,
			TunnelStartSeconds:    15,
			TunnelVerifySeconds:   10,
			VPNHandshakeSeconds:   60,
		},
		MaxRetryAttempts:   3,
		RetryDelaySeconds:  5,
		MaxAttemptsPerHour: 20,
	}
}

// Paths holds the resolved configuration directories.
type Paths struct {
	ConfigDir   string
	DataDir     string
	ConfigFile  string
	SessionFile string
	LogFile     string
}

// GetPaths returns the configuration paths following the XDG Base Directory spec.
func GetPaths() (*Paths, error) {
	homeDir, homeErr := os.UserHomeDir()

	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		if homeErr != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", homeErr)
		}
		configHome = filepath.Join(homeDir, ".config")
	}
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		if homeErr != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", homeErr)
		}
		dataHome = filepath.Join(homeDir, ".local", "share")
	}

	configDir := filepath.Join(configHome, AppName)
	dataDir := filepath.Join(dataHome, AppName)
	return &Paths{
		ConfigDir:   configDir,
		DataDir:     dataDir,
		ConfigFile:  filepath.Join(configDir, ConfigFileName),
		SessionFile: filepath.Join(dataDir, SessionFileName),
		LogFile:     filepath.Join(dataDir, LogFileName),
	}, nil
}

// EnsurePaths creates all necessary directories.
func (p *Paths) EnsurePaths() error {
	if err := os.MkdirAll(p.ConfigDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.MkdirAll(p.DataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	return nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// Load reads the configuration from disk over the defaults. A missing file is
// created with defaults. Files ending in .yaml or .yml are decoded as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := DefaultConfig()
			if saveErr := Save(path, cfg); saveErr != nil {
				slog.Warn("Failed to write default config", "path", path, "error", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if isYAML(path) {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration to disk atomically with mode 0600.
func Save(path string, cfg *Config) error {
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := fileutil.AtomicWrite(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.GatewayURL != "" {
		u, err := url.Parse(c.GatewayURL)
		if err != nil {
			return fmt.Errorf("gateway_url: %w", err)
		}
		if u.Scheme != "https" || u.Host == "" {
			return errors.New("gateway_url must be an absolute https URL")
		}
	}
	for _, fp := range c.PinnedCertFingerprints {
		if err := validateFingerprint(fp); err != nil {
			return fmt.Errorf("pinned_cert_fingerprints: %w", err)
		}
	}
	if c.AutoLogoutMinutes < 0 {
		return errors.New("auto_logout_minutes must be non-negative")
	}
	if c.MaxRetryAttempts < 0 {
		return errors.New("max_retry_attempts must be non-negative")
	}
	if c.RetryDelaySeconds < 0 {
		return errors.New("retry_delay_seconds must be non-negative")
	}
	if c.MaxAttemptsPerHour < 0 {
		return errors.New("max_attempts_per_hour must be non-negative")
	}
	for _, r := range c.Resolvers {
		if _, _, err := net.SplitHostPort(r); err != nil {
			return fmt.Errorf("resolver %q: %w", r, err)
		}
	}
	t := c.Timeouts
	for name, v := range map[string]int{
		"preflight_probe": t.PreflightProbeSeconds,
		"knock":           t.KnockSeconds,
		"tunnel_start":    t.TunnelStartSeconds,
		"tunnel_verify":   t.TunnelVerifySeconds,
		"vpn_handshake":   t.VPNHandshakeSeconds,
	} {
		if v <= 0 {
			return fmt.Errorf("timeouts.%s must be positive", name)
		}
	}
	if c.Binaries.Knock.Path == "" {
		return errors.New("binaries.knock.path must not be empty")
	}
	if c.Binaries.VPN.Path == "" {
		return errors.New("binaries.vpn.path must not be empty")
	}
	for name, b := range map[string]Binary{
		"knock":  c.Binaries.Knock,
		"tunnel": c.Binaries.Tunnel,
		"vpn":    c.Binaries.VPN,
	} {
		if b.SHA256 != "" {
			if err := validateFingerprint(b.SHA256); err != nil {
				return fmt.Errorf("binaries.%s.sha256: %w", name, err)
			}
		}
	}
	return nil
}

// validateFingerprint accepts a SHA-256 digest as 64 hex characters,
// optionally colon-separated.
func validateFingerprint(fp string) error {
	clean := strings.ReplaceAll(strings.TrimSpace(fp), ":", "")
	if len(clean) != 64 {
		return fmt.Errorf("fingerprint %q is not a SHA-256 digest", fp)
	}
	if _, err := hex.DecodeString(clean); err != nil {
		return fmt.Errorf("fingerprint %q is not hex", fp)
	}
	return nil
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	cp := *c
	cp.PinnedCertFingerprints = append([]string(nil), c.PinnedCertFingerprints...)
	cp.AllowedTimezones = append([]string(nil), c.AllowedTimezones...)
	cp.Resolvers = append([]string(nil), c.Resolvers...)
	return &cp
}

// Manager provides high-level configuration management.
// It is safe for concurrent use from multiple goroutines.
type Manager struct {
	paths  *Paths       // Immutable after construction
	config *Config      // Protected by mu
	mu     sync.RWMutex // Protects config only
}

// NewManager creates a configuration manager at the XDG locations.
func NewManager() (*Manager, error) {
	paths, err := GetPaths()
	if err != nil {
		return nil, fmt.Errorf("failed to get config paths: %w", err)
	}
	return NewManagerWithPaths(paths)
}

// NewManagerWithPaths creates a configuration manager at explicit locations.
func NewManagerWithPaths(paths *Paths) (*Manager, error) {
	if err := paths.EnsurePaths(); err != nil {
		return nil, fmt.Errorf("failed to create config directories: %w", err)
	}

	cfg, err := Load(paths.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return &Manager{
		paths:  paths,
		config: cfg,
	}, nil
}

// GetConfig returns a copy of the current configuration.
func (m *Manager) GetConfig() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.Clone()
}

// Paths returns the resolved paths.
func (m *Manager) Paths() Paths {
	return *m.paths
}

// UpdateField atomically updates the configuration using a mutator function.
// If validation fails, the original config is preserved.
func (m *Manager) UpdateField(mutator func(cfg *Config)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	configCopy := m.config.Clone()
	mutator(configCopy)
	if err := configCopy.Validate(); err != nil {
		return err
	}

	if err := Save(m.paths.ConfigFile, configCopy); err != nil {
		return err
	}
	m.config = configCopy
	return nil
}

// Reload re-reads the configuration file. On error the current config is kept.
func (m *Manager) Reload() (*Config, error) {
	cfg, err := Load(m.paths.ConfigFile)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return cfg.Clone(), nil
}

package connection

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"github.com/shini4i/knockgate/internal/apperr"
)

const (
	// MaxVPNConfigSize is the upper bound for the VPN config blob.
	MaxVPNConfigSize = 1 << 20
	// maxHostLength is the RFC 1123 hostname limit.
	maxHostLength = 253
	// minRequiredDirectives is how many of requiredDirectives must appear.
	minRequiredDirectives = 2
)

var requiredDirectives = []string{"client", "proto", "remote"}

// knownDirectives are recognized without a debug log. Anything else is
// tolerated for forward compatibility with the VPN tool.
var knownDirectives = map[string]struct{}{
	"client": {}, "proto": {}, "remote": {}, "dev": {}, "dev-type": {},
	"nobind": {}, "persist-key": {}, "persist-tun": {}, "ca": {}, "cert": {},
	"key": {}, "tls-auth": {}, "tls-crypt": {}, "tls-client": {}, "cipher": {},
	"data-ciphers": {}, "auth": {}, "auth-user-pass": {}, "verb": {},
	"remote-cert-tls": {}, "resolv-retry": {}, "comp-lzo": {}, "compress": {},
	"key-direction": {}, "mute": {}, "pull": {}, "route": {}, "redirect-gateway": {},
	"<ca>": {}, "</ca>": {}, "<cert>": {}, "</cert>": {}, "<key>": {}, "</key>": {},
	"<tls-auth>": {}, "</tls-auth>": {}, "<tls-crypt>": {}, "</tls-crypt>": {},
}

// scriptDirectives make the VPN tool run external commands or load code.
// The tool may run as root, so configs carrying them are refused.
var scriptDirectives = map[string]struct{}{
	"script-security": {}, "up": {}, "down": {}, "plugin": {}, "route-up": {},
	"route-pre-down": {}, "ipchange": {}, "tls-verify": {}, "auth-user-pass-verify": {},
	"client-connect": {}, "client-disconnect": {}, "learn-address": {},
}

// IsScriptDirective reports whether directive makes the VPN tool execute
// an external program or plugin.
func IsScriptDirective(directive string) bool {
	_, ok := scriptDirectives[strings.ToLower(directive)]
	return ok
}

// ValidationError describes why a Config was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return apperr.Validation("config", &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)})
}

// Validate checks the structural and security properties of cfg before any
// network action. It never mutates cfg. Returned errors are classified as
// apperr.KindValidation and unwrap to *ValidationError.
func Validate(cfg *Config) error {
	if cfg == nil {
		return invalid("config", "missing")
	}
	if err := ValidateHost(cfg.Host); err != nil {
		return err
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return invalid("port", "must be between 1 and 65535, got %d", cfg.Port)
	}
	if cfg.KnockKey.IsBlank() {
		return invalid("knock_key", "must not be empty")
	}
	if cfg.HMACKey.IsBlank() {
		return invalid("hmac_key", "must not be empty")
	}
	if err := ValidateVPNConfig(cfg.VPNConfig); err != nil {
		return err
	}
	if cfg.VPNAuth != nil {
		if cfg.VPNAuth.Username.IsBlank() {
			return invalid("vpn_auth.username", "must not be empty when auth is present")
		}
		if cfg.VPNAuth.Password.IsEmpty() {
			return invalid("vpn_auth.password", "must not be empty when auth is present")
		}
	}
	if cfg.Tunnel.Enabled {
		if err := validateHostPort("tunnel.accept_addr", cfg.Tunnel.AcceptAddr); err != nil {
			return err
		}
		if err := validateHostPort("tunnel.connect_addr", cfg.Tunnel.ConnectAddr); err != nil {
			return err
		}
	}
	return nil
}

// ValidateHost accepts a private, loopback or link-local IP literal or a
// conservative DNS name. Public IP literals are always rejected: only names
// resolved through the gateway flow are trusted.
func ValidateHost(host string) error {
	if strings.TrimSpace(host) == "" {
		return invalid("host", "must not be empty")
	}
	if len(host) > maxHostLength {
		return invalid("host", "too long (max %d characters)", maxHostLength)
	}

	if addr, err := netip.ParseAddr(strings.Trim(host, "[]")); err == nil {
		if !isInternalAddr(addr) {
			return invalid("host", "public IP address %s is not allowed; use the gateway hostname", host)
		}
		return nil
	}

	// The system resolver reads names like "134744072" or "0x8.0x8.0x8.0x8"
	// as IPv4 addresses.
	if addr, ok := parseInetAton(host); ok {
		if !isInternalAddr(addr) {
			return invalid("host", "public IP address %s (%s) is not allowed; use the gateway hostname", host, addr)
		}
		return invalid("host", "non-canonical IP address %s; write it as %s", host, addr)
	}
	if isNumericLabel(host[strings.LastIndex(host, ".")+1:]) {
		return invalid("host", "top-level label cannot be numeric")
	}

	return validateDNSName(host)
}

// parseInetAton parses the legacy IPv4 forms accepted by inet_aton(3): one
// to four parts, each decimal, octal (leading 0) or hex (leading 0x), where
// the last part fills the remaining bytes.
func parseInetAton(s string) (netip.Addr, bool) {
	parts := strings.Split(s, ".")
	if len(parts) > 4 {
		return netip.Addr{}, false
	}
	var addr uint32
	for i, part := range parts {
		v, ok := parseAtonPart(part)
		if !ok {
			return netip.Addr{}, false
		}
		if i < len(parts)-1 {
			if v > 0xff {
				return netip.Addr{}, false
			}
			addr |= uint32(v) << (24 - 8*i)
			continue
		}
		if v > uint64(^uint32(0)>>(8*i)) {
			return netip.Addr{}, false
		}
		addr |= uint32(v)
	}
	return netip.AddrFrom4([4]byte{byte(addr >> 24), byte(addr >> 16), byte(addr >> 8), byte(addr)}), true
}

func parseAtonPart(part string) (uint64, bool) {
	base := 10
	switch {
	case strings.HasPrefix(part, "0x") || strings.HasPrefix(part, "0X"):
		base, part = 16, part[2:]
		if part == "" {
			return 0, true
		}
	case len(part) > 1 && part[0] == '0':
		base, part = 8, part[1:]
	}
	if part == "" || strings.ContainsAny(part, "+-_") {
		return 0, false
	}
	v, err := strconv.ParseUint(part, base, 32)
	return v, err == nil
}

// isNumericLabel reports whether label is all digits or hex-prefixed.
func isNumericLabel(label string) bool {
	if strings.HasPrefix(label, "0x") || strings.HasPrefix(label, "0X") {
		return true
	}
	if label == "" {
		return false
	}
	for _, r := range label {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isInternalAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast()
}

func validateDNSName(host string) error {
	if strings.HasPrefix(host, ".") || strings.HasSuffix(host, ".") {
		return invalid("host", "cannot start or end with a dot")
	}
	for _, label := range strings.Split(host, ".") {
		if label == "" {
			return invalid("host", "empty label")
		}
		if len(label) > 63 {
			return invalid("host", "label too long (max 63 characters)")
		}
		if strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return invalid("host", "label cannot start or end with a hyphen")
		}
		for _, r := range label {
			isLower := r >= 'a' && r <= 'z'
			isUpper := r >= 'A' && r <= 'Z'
			isDigit := r >= '0' && r <= '9'
			if !isLower && !isUpper && !isDigit && r != '-' {
				return invalid("host", "invalid character %q", r)
			}
		}
	}
	return nil
}

func validateHostPort(field, addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return invalid(field, "must be host:port: %v", err)
	}
	if host == "" {
		return invalid(field, "host must not be empty")
	}
	if port == "" || port == "0" {
		return invalid(field, "port must be nonzero")
	}
	return nil
}

// ValidateVPNConfig checks size, encoding and minimal directive content of
// the VPN config blob. Directives that run external programs are rejected;
// other unknown directives are logged.
func ValidateVPNConfig(blob string) error {
	if len(blob) == 0 {
		return invalid("vpn_config", "must not be empty")
	}
	if len(blob) > MaxVPNConfigSize {
		return invalid("vpn_config", "exceeds %d bytes", MaxVPNConfigSize)
	}
	for i := 0; i < len(blob); i++ {
		switch c := blob[i]; {
		case c == 0:
			return invalid("vpn_config", "contains a null byte at offset %d", i)
		case c > 0x7f:
			return invalid("vpn_config", "contains non-ASCII byte at offset %d", i)
		}
	}

	found := make(map[string]bool, len(requiredDirectives))
	inBlock := ""
	scanner := bufio.NewScanner(strings.NewReader(blob))
	scanner.Buffer(make([]byte, 64*1024), MaxVPNConfigSize)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		directive := strings.ToLower(strings.Fields(line)[0])

		// Skip inline PEM blocks such as <ca>...</ca>.
		if inBlock != "" {
			if directive == "</"+inBlock+">" {
				inBlock = ""
			}
			continue
		}
		if strings.HasPrefix(directive, "<") && !strings.HasPrefix(directive, "</") {
			inBlock = strings.Trim(directive, "<>")
			continue
		}

		if IsScriptDirective(directive) {
			return invalid("vpn_config", "directive %q runs external programs and is not allowed", directive)
		}
		for _, req := range requiredDirectives {
			if directive == req {
				found[req] = true
			}
		}
		if _, ok := knownDirectives[directive]; !ok {
			slog.Debug("Unrecognized VPN config directive", "directive", directive)
		}
	}
	if err := scanner.Err(); err != nil {
		return apperr.Validation("config", fmt.Errorf("scan vpn_config: %w", err))
	}

	if len(found) < minRequiredDirectives {
		missing := make([]string, 0, len(requiredDirectives))
		for _, req := range requiredDirectives {
			if !found[req] {
				missing = append(missing, req)
			}
		}
		return invalid("vpn_config", "needs at least %d of %s; missing %s",
			minRequiredDirectives, strings.Join(requiredDirectives, "/"), strings.Join(missing, ", "))
	}
	return nil
}

// AsValidationError extracts a *ValidationError from err.
func AsValidationError(err error) (*ValidationError, bool) {
	var ve *ValidationError
	ok := errors.As(err, &ve)
	return ve, ok
}

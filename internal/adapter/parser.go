package adapter

import (
	"regexp"
	"strings"
)

// Tool identifies which stage tool produced an output line.
type Tool string

const (
	ToolKnock  Tool = "knock"
	ToolTunnel Tool = "tunnel"
	ToolVPN    Tool = "vpn"
)

// EventType represents the type of event parsed from tool output.
type EventType string

const (
	// EventReady indicates the tool finished its stage successfully.
	EventReady EventType = "ready"
	// EventConnecting indicates the tool is still negotiating.
	EventConnecting EventType = "connecting"
	// EventDisconnected indicates the tool's session has ended.
	EventDisconnected EventType = "disconnected"
	// EventGotIP indicates the VPN assigned an address.
	EventGotIP EventType = "got_ip"
	// EventDevice reports the tunnel network interface the VPN opened.
	EventDevice EventType = "device"
	// EventAuthRejected indicates credentials were refused.
	EventAuthRejected EventType = "auth_rejected"
	// EventServerRejected indicates the remote side refused the session.
	EventServerRejected EventType = "server_rejected"
	// EventUnreachable indicates a connectivity problem.
	EventUnreachable EventType = "unreachable"
	// EventError indicates any other reported error.
	EventError EventType = "error"
	// EventPasswordRequired indicates an interactive credential prompt,
	// which means the tool did not receive its credentials file.
	EventPasswordRequired EventType = "password_required"
)

// OutputEvent represents a parsed event from tool output.
type OutputEvent struct {
	Type    EventType
	Message string
	Data    map[string]string
}

// GetData retrieves a data value by key, returning empty string if not found.
func (e *OutputEvent) GetData(key string) string {
	if e.Data == nil {
		return ""
	}
	return e.Data[key]
}

// Err maps failure events to the package sentinel errors.
func (e *OutputEvent) Err() error {
	if e == nil {
		return nil
	}
	switch e.Type {
	case EventAuthRejected:
		return ErrAuthRejected
	case EventServerRejected:
		return ErrServerRejected
	case EventUnreachable:
		return ErrUnreachable
	case EventError, EventPasswordRequired:
		return ErrExited
	}
	return nil
}

// IsFailure reports whether the event ends the stage with an error.
func (e *OutputEvent) IsFailure() bool {
	return e.Err() != nil
}

type rule struct {
	pattern *regexp.Regexp
	typ     EventType
	// dataKey, when set, stores the first submatch under this key.
	dataKey string
}

// Shared connectivity failures reported by all three tools.
var unreachableRules = []rule{
	{regexp.MustCompile(`(?i)network is unreachable`), EventUnreachable, ""},
	{regexp.MustCompile(`(?i)no route to host`), EventUnreachable, ""},
	{regexp.MustCompile(`(?i)connection refused`), EventUnreachable, ""},
	{regexp.MustCompile(`(?i)(could not resolve|cannot resolve|name or service not known|temporary failure in name resolution)`), EventUnreachable, ""},
	{regexp.MustCompile(`(?i)connection timed out`), EventUnreachable, ""},
}

var toolRules = map[Tool][]rule{
	// fwknop client output.
	ToolKnock: {
		{regexp.MustCompile(`(?i)(hmac|digest).*(mismatch|invalid|failed)`), EventAuthRejected, ""},
		{regexp.MustCompile(`(?i)(decryption failed|invalid key|key.*too (short|long))`), EventAuthRejected, ""},
		{regexp.MustCompile(`(?i)send(ing)?.*spa.*(packet|data)|spa packet sent`), EventReady, ""},
		{regexp.MustCompile(`(?i)^\s*\[\*\]\s*(.+)`), EventError, "detail"},
		{regexp.MustCompile(`(?i)^\s*error:?\s*(.+)`), EventError, "detail"},
	},
	// stunnel output.
	ToolTunnel: {
		{regexp.MustCompile(`Configuration successful`), EventReady, ""},
		{regexp.MustCompile(`(?i)(certificate verify failed|verify error|ssl_connect.*(alert|failed)|handshake failure)`), EventServerRejected, ""},
		{regexp.MustCompile(`(?i)address already in use`), EventError, ""},
		{regexp.MustCompile(`(?i)(configuration failed|invalid configuration)`), EventError, ""},
		{regexp.MustCompile(`(?i)terminated`), EventDisconnected, ""},
	},
	// openvpn output.
	ToolVPN: {
		{regexp.MustCompile(`Initialization Sequence Completed`), EventReady, ""},
		{regexp.MustCompile(`AUTH_FAILED`), EventAuthRejected, ""},
		{regexp.MustCompile(`(?i)(tls error|tls handshake failed|verify error|certificate verify failed)`), EventServerRejected, ""},
		{regexp.MustCompile(`TUN/TAP device (\S+) opened`), EventDevice, "iface"},
		{regexp.MustCompile(`(?i)ifconfig\s+\S+\s+(\d+\.\d+\.\d+\.\d+)`), EventGotIP, "ip"},
		{regexp.MustCompile(`(?i)peer connection initiated`), EventConnecting, ""},
		{regexp.MustCompile(`(?i)enter auth (username|password)`), EventPasswordRequired, ""},
		{regexp.MustCompile(`(?i)(sigterm|sigint).*(received|exiting)|process exiting`), EventDisconnected, ""},
		{regexp.MustCompile(`(?i)(exiting due to fatal error|options error:\s*(.+))`), EventError, ""},
	},
}

// ParseLine parses a single line of tool output and returns an event if
// recognized. Returns nil if the line doesn't match any known pattern.
// Connectivity failures take precedence over a tool's generic error lines.
func ParseLine(tool Tool, line string) *OutputEvent {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil
	}

	ev := match(toolRules[tool], trimmed)
	if ev == nil || ev.Type == EventError {
		if unreachable := match(unreachableRules, trimmed); unreachable != nil {
			return unreachable
		}
	}
	return ev
}

func match(rules []rule, line string) *OutputEvent {
	for _, r := range rules {
		matches := r.pattern.FindStringSubmatch(line)
		if matches == nil {
			continue
		}
		ev := &OutputEvent{Type: r.typ, Message: line}
		if r.dataKey != "" && len(matches) > 1 {
			ev.Data = map[string]string{r.dataKey: strings.TrimSpace(matches[1])}
		}
		return ev
	}
	return nil
}

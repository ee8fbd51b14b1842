package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shini4i/knockgate/internal/adapter"
	"github.com/shini4i/knockgate/internal/apperr"
	"github.com/shini4i/knockgate/internal/monitor"
)

// Stage operation names used in errors, alerts and logs.
const (
	opValidate  = "validate"
	opPreflight = "preflight"
	opKnock     = "knock"
	opTunnel    = "tunnel"
	opVPN       = "vpn"
)

var stageNames = map[string]string{
	opKnock:  "Port knock",
	opTunnel: "TLS tunnel",
	opVPN:    "VPN",
}

var binaryKeys = map[string]string{
	opKnock:  "binaries.knock",
	opTunnel: "binaries.tunnel",
	opVPN:    "binaries.vpn",
}

// diagnose builds the user-facing message for a failed stage, listing the
// plausible causes for the kind of failure.
func diagnose(op string, err error, budget time.Duration) string {
	if op == opValidate || op == opPreflight {
		return apperr.UserMessage(err)
	}

	name := stageNames[op]
	var summary string
	var causes []string

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		summary = fmt.Sprintf("%s timed out after %s", name, budget)
		switch op {
		case opKnock:
			causes = []string{"the gateway is down", "a firewall drops the knock packet", "the server port is wrong"}
		case opTunnel:
			causes = []string{"the local accept address is in use", "the TLS endpoint is unreachable", "the knock did not open the port"}
		default:
			causes = []string{"the knock did not open the VPN port", "the VPN server is overloaded", "the VPN config points at the wrong remote"}
		}
	case errors.Is(err, adapter.ErrBinaryNotFound):
		summary = fmt.Sprintf("%s tool not found", name)
		causes = []string{"the tool is not installed", binaryKeys[op] + " points to the wrong path"}
	case errors.Is(err, adapter.ErrHashMismatch):
		summary = fmt.Sprintf("%s tool failed its integrity check", name)
		causes = []string{"the tool was upgraded and the pinned hash is stale", "the binary was modified"}
	case errors.Is(err, adapter.ErrAuthRejected):
		summary = fmt.Sprintf("%s credentials were rejected", name)
		if op == opKnock {
			causes = []string{"the knock key is wrong", "the HMAC key is wrong", "the local clock is out of sync with the gateway"}
		} else {
			causes = []string{"the username or password is wrong", "the account is locked or expired"}
		}
	case errors.Is(err, adapter.ErrServerRejected):
		summary = fmt.Sprintf("%s was rejected by the server", name)
		causes = []string{"the server certificate does not match the pinned certificate", "the gateway refused the session"}
	case errors.Is(err, adapter.ErrUnreachable), errors.Is(err, adapter.ErrNotListening):
		summary = fmt.Sprintf("%s could not reach its endpoint", name)
		causes = []string{"the host or port is wrong", "the local network is down", "a firewall blocks the traffic"}
	default:
		summary = fmt.Sprintf("%s failed: %s", name, apperr.UserMessage(err))
		causes = []string{"the tool exited unexpectedly, see the debug log for its output"}
	}
	return summary + ". Possible causes: " + strings.Join(causes, "; ")
}

// diagnoseDrop describes a stage process that exited after it was up.
func diagnoseDrop(op string, err error) string {
	msg := fmt.Sprintf("%s went down", stageNames[op])
	if err != nil && !errors.Is(err, adapter.ErrExited) {
		msg += ": " + apperr.UserMessage(err)
	}
	return msg
}

// alertFor chooses how a stage failure is reported to the monitor.
// Validation failures are user input errors and raise no alert.
func alertFor(op string, err error) (monitor.Severity, monitor.Type, bool) {
	switch {
	case op == opValidate:
		return monitor.SeverityNone, "", false
	case op == opPreflight:
		return monitor.SeverityMedium, monitor.TypePreflightFailure, true
	case errors.Is(err, adapter.ErrAuthRejected):
		return monitor.SeverityMedium, monitor.TypeAuthFailure, true
	case errors.Is(err, adapter.ErrHashMismatch):
		return monitor.SeverityHigh, monitor.TypeProcessFailure, true
	}
	return monitor.SeverityLow, monitor.TypeProcessFailure, true
}

package stats

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"strings"
	"time"
)

// ErrInterfaceNotFound is returned when no tunnel interface carries the
// assigned address.
var ErrInterfaceNotFound = errors.New("VPN interface not found")

// InterfaceAddrs maps interface names to their addresses.
type InterfaceAddrs func() (map[string][]netip.Addr, error)

// SystemInterfaceAddrs lists the host's interfaces.
func SystemInterfaceAddrs() (map[string][]netip.Addr, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]netip.Addr, len(ifaces))
	for _, iface := range ifaces {
		if !isTunnelInterface(iface.Name) {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if p, err := netip.ParsePrefix(a.String()); err == nil {
				out[iface.Name] = append(out[iface.Name], p.Addr())
			}
		}
	}
	return out, nil
}

// isTunnelInterface matches the names OpenVPN gives its devices.
func isTunnelInterface(name string) bool {
	return strings.HasPrefix(name, "tun") || strings.HasPrefix(name, "tap") || strings.HasPrefix(name, "ppp")
}

// DetectInterface finds the tunnel interface holding assignedIP.
func DetectInterface(assignedIP string, list InterfaceAddrs) (string, error) {
	target, err := netip.ParseAddr(assignedIP)
	if err != nil {
		return "", ErrInterfaceNotFound
	}
	ifaces, err := list()
	if err != nil {
		return "", err
	}
	for name, addrs := range ifaces {
		if !isTunnelInterface(name) {
			continue
		}
		for _, a := range addrs {
			if a.Unmap() == target.Unmap() {
				return name, nil
			}
		}
	}
	return "", ErrInterfaceNotFound
}

// DetectInterfaceWithRetry retries DetectInterface with exponential backoff,
// since the address may be configured shortly after the handshake completes.
func DetectInterfaceWithRetry(ctx context.Context, assignedIP string, list InterfaceAddrs, attempts int, backoff time.Duration) (string, error) {
	if attempts <= 0 {
		attempts = 5
	}
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}
	for i := 0; ; i++ {
		name, err := DetectInterface(assignedIP, list)
		if err == nil {
			return name, nil
		}
		if i == attempts-1 {
			return "", err
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

package preflight

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// ErrNoConnectivity is wrapped by the network check when every resolver
// is unreachable.
var ErrNoConnectivity = errors.New("no network connectivity")

// tunnelPrefixes match interfaces created by VPN-class software.
var tunnelPrefixes = []string{"tun", "tap", "ppp", "ipsec", "wg", "utun", "vti", "gpd"}

func isTunnelInterface(name string) bool {
	for _, p := range tunnelPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

func (v *Validator) systemRequirements(_ context.Context) (outcome, error) {
	if runtime.GOOS != "linux" {
		return outcome{warning: "kernel version floor is only checked on linux"}, nil
	}
	release, err := v.env.KernelRelease()
	if err != nil {
		return outcome{warning: "could not determine kernel version: " + err.Error()}, nil
	}
	if v.opts.MinKernelVersion == "" {
		return outcome{detail: release}, nil
	}

	have, ok := parseVersion(release)
	if !ok {
		return outcome{warning: "unrecognized kernel release " + release}, nil
	}
	want, ok := parseVersion(v.opts.MinKernelVersion)
	if !ok {
		return outcome{warning: "unrecognized minimum kernel version " + v.opts.MinKernelVersion}, nil
	}
	if compareVersion(have, want) < 0 {
		return outcome{}, failure(CheckSystemRequirements, nil,
			"kernel %s is older than the required %s", release, v.opts.MinKernelVersion)
	}
	return outcome{detail: release}, nil
}

// parseVersion reads the leading major.minor of a release string such as
// "6.8.0-45-generic".
func parseVersion(s string) ([2]int, bool) {
	var out [2]int
	end := strings.IndexFunc(s, func(r rune) bool { return r != '.' && (r < '0' || r > '9') })
	if end >= 0 {
		s = s[:end]
	}
	parts := strings.Split(s, ".")
	if len(parts) < 2 {
		return out, false
	}
	for i := 0; i < 2; i++ {
		n, err := strconv.Atoi(parts[i])
		if err != nil {
			return out, false
		}
		out[i] = n
	}
	return out, true
}

func compareVersion(a, b [2]int) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// resolveTimezone asks each probe in order and returns the first answer
// along with the probe that produced it.
func (v *Validator) resolveTimezone(ctx context.Context) (string, string) {
	for _, p := range v.env.TimezoneProbes {
		pctx, cancel := context.WithTimeout(ctx, v.opts.ProbeTimeout)
		tz, err := p.Probe(pctx)
		cancel()
		if err != nil {
			continue
		}
		if tz = strings.TrimSpace(tz); tz != "" {
			return tz, p.Name
		}
	}
	return "", ""
}

func (v *Validator) timezone(ctx context.Context) (outcome, error) {
	tz, source := v.resolveTimezone(ctx)
	if len(v.opts.AllowedTimezones) == 0 {
		return outcome{detail: tz}, nil
	}
	if tz == "" {
		return outcome{}, failure(CheckTimezone, nil, "could not determine the local timezone")
	}
	if !slices.Contains(v.opts.AllowedTimezones, tz) {
		return outcome{}, failure(CheckTimezone, nil, "timezone %s is not in the allowed list", tz)
	}
	return outcome{detail: tz + " (" + source + ")"}, nil
}

func (v *Validator) network(ctx context.Context) (outcome, error) {
	if len(v.opts.Resolvers) == 0 {
		return outcome{}, failure(CheckNetwork, ErrNoConnectivity, "no network connectivity: no resolvers configured")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var reached atomic.Pointer[string]
	var g errgroup.Group
	for _, addr := range v.opts.Resolvers {
		g.Go(func() error {
			dctx, dcancel := context.WithTimeout(ctx, v.opts.ProbeTimeout)
			defer dcancel()
			conn, err := v.env.Dial(dctx, "tcp", addr)
			if err != nil {
				return err
			}
			_ = conn.Close()
			reached.CompareAndSwap(nil, &addr)
			cancel()
			return nil
		})
	}
	err := g.Wait()

	if addr := reached.Load(); addr != nil {
		return outcome{detail: "reached " + *addr}, nil
	}
	return outcome{}, failure(CheckNetwork, errors.Join(ErrNoConnectivity, err),
		"no network connectivity: none of %d resolvers reachable", len(v.opts.Resolvers))
}

func (v *Validator) competingTunnel(_ context.Context) (outcome, error) {
	ifaces, err := v.env.Interfaces()
	if err != nil {
		return outcome{}, failure(CheckCompetingTunnel, err, "could not list network interfaces")
	}
	var active []string
	for _, iface := range ifaces {
		if iface.Up && isTunnelInterface(iface.Name) {
			active = append(active, iface.Name)
		}
	}
	if len(active) > 0 {
		return outcome{}, failure(CheckCompetingTunnel, nil,
			"another VPN interface is active (%s); disconnect it first", strings.Join(active, ", "))
	}
	return outcome{}, nil
}

func (v *Validator) binaries(_ context.Context) (outcome, error) {
	knock, err := v.env.FindExecutable(v.opts.KnockBinary)
	if err != nil {
		return outcome{}, failure(CheckBinaries, err, "port-knock tool %q is not installed", v.opts.KnockBinary)
	}
	out := outcome{detail: knock}
	if v.opts.VPNBinary == "" {
		return out, nil
	}
	if _, err := v.env.FindExecutable(v.opts.VPNBinary); err != nil {
		out.warning = fmt.Sprintf("VPN tool %q not found in standard locations", v.opts.VPNBinary)
	}
	return out, nil
}

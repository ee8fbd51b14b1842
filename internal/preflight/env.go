package preflight

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/godbus/dbus/v5"
	"golang.org/x/sys/unix"

	"github.com/shini4i/knockgate/internal/fileutil"
)

// Interface is the subset of an OS network interface the checks need.
type Interface struct {
	Name string
	Up   bool
}

// TimezoneProbe returns the local IANA timezone name, or "" when it cannot
// tell.
type TimezoneProbe struct {
	Name  string
	Probe func(ctx context.Context) (string, error)
}

// Env supplies the OS probes used by the checks. Tests replace individual
// fields; nil fields fall back to the OS implementation.
type Env struct {
	Dial           func(ctx context.Context, network, addr string) (net.Conn, error)
	Interfaces     func() ([]Interface, error)
	KernelRelease  func() (string, error)
	TimezoneProbes []TimezoneProbe
	FindExecutable func(name string) (string, error)
}

// OSEnv returns an Env backed by the running system.
func OSEnv() Env {
	var d net.Dialer
	return Env{
		Dial:           d.DialContext,
		Interfaces:     osInterfaces,
		KernelRelease:  osKernelRelease,
		TimezoneProbes: DefaultTimezoneProbes(),
		FindExecutable: fileutil.FindExecutable,
	}
}

func (e Env) withDefaults() Env {
	def := OSEnv()
	if e.Dial == nil {
		e.Dial = def.Dial
	}
	if e.Interfaces == nil {
		e.Interfaces = def.Interfaces
	}
	if e.KernelRelease == nil {
		e.KernelRelease = def.KernelRelease
	}
	if e.TimezoneProbes == nil {
		e.TimezoneProbes = def.TimezoneProbes
	}
	if e.FindExecutable == nil {
		e.FindExecutable = def.FindExecutable
	}
	return e
}

func osInterfaces() ([]Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	out := make([]Interface, 0, len(ifaces))
	for _, iface := range ifaces {
		out = append(out, Interface{Name: iface.Name, Up: iface.Flags&net.FlagUp != 0})
	}
	return out, nil
}

func osKernelRelease() (string, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return "", err
	}
	return unix.ByteSliceToString(uts.Release[:]), nil
}

// DefaultTimezoneProbes returns the OS probes in priority order: the
// systemd-timedated setting, then the Debian-style /etc/timezone file or the
// /etc/localtime symlink, then the TZ environment variable.
func DefaultTimezoneProbes() []TimezoneProbe {
	return []TimezoneProbe{
		{Name: "timedated", Probe: timedatedTimezone},
		{Name: "etc", Probe: func(context.Context) (string, error) {
			return etcTimezone("/etc/timezone", "/etc/localtime")
		}},
		{Name: "env", Probe: func(context.Context) (string, error) {
			return strings.TrimPrefix(os.Getenv("TZ"), ":"), nil
		}},
	}
}

func timedatedTimezone(ctx context.Context) (string, error) {
	conn, err := dbus.ConnectSystemBus(dbus.WithContext(ctx))
	if err != nil {
		return "", err
	}
	defer func() { _ = conn.Close() }()

	obj := conn.Object("org.freedesktop.timedate1", "/org/freedesktop/timedate1")
	v, err := obj.GetProperty("org.freedesktop.timedate1.Timezone")
	if err != nil {
		return "", err
	}
	tz, _ := v.Value().(string)
	return tz, nil
}

func etcTimezone(timezoneFile, localtime string) (string, error) {
	if data, err := os.ReadFile(timezoneFile); err == nil {
		if tz := strings.TrimSpace(string(data)); tz != "" {
			return tz, nil
		}
	}
	target, err := os.Readlink(localtime)
	if err != nil {
		return "", err
	}
	const marker = "zoneinfo" + string(filepath.Separator)
	if i := strings.LastIndex(target, marker); i >= 0 {
		return target[i+len(marker):], nil
	}
	return "", nil
}

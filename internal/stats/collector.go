package stats

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultInterval is the default time between samples.
	DefaultInterval = 2 * time.Second

	sysfsNetPath = "/sys/class/net"
)

// ErrInvalidInterface is returned for interface names that would escape
// the sysfs network directory.
var ErrInvalidInterface = errors.New("invalid interface name")

// Collector samples an interface's sysfs byte counters on a fixed interval.
type Collector struct {
	root     string
	interval time.Duration
	now      func() time.Time
}

// NewCollector returns a Collector. A non-positive interval uses
// DefaultInterval.
func NewCollector(interval time.Duration) *Collector {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Collector{root: sysfsNetPath, interval: interval, now: time.Now}
}

// Run samples iface until ctx is done, calling onSample after every tick
// and once immediately. The counters at start are the session baseline.
// Run returns an error only if the interface cannot be read at start.
func (c *Collector) Run(ctx context.Context, iface string, onSample func(Sample)) error {
	rx, tx, err := c.read(iface)
	if err != nil {
		return err
	}
	start := c.now()
	base := Sample{Interface: iface, RxBytes: rx, TxBytes: tx, At: start}
	prev := base

	emit := func() {
		rx, tx, err := c.read(iface)
		if err != nil {
			// The interface disappears when the VPN goes down; the caller
			// stops Run from the connection state.
			return
		}
		now := c.now()
		s := Sample{
			Interface: iface,
			RxBytes:   rx,
			TxBytes:   tx,
			SessionRx: rx - base.RxBytes,
			SessionTx: tx - base.TxBytes,
			Uptime:    now.Sub(start),
			At:        now,
		}
		if elapsed := now.Sub(prev.At).Seconds(); elapsed > 0 {
			s.RxRate = float64(rx-prev.RxBytes) / elapsed
			s.TxRate = float64(tx-prev.TxBytes) / elapsed
		}
		prev = s
		onSample(s)
	}

	emit()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			emit()
		}
	}
}

func (c *Collector) read(iface string) (rx, tx uint64, err error) {
	if iface == "" || iface != filepath.Base(iface) || strings.HasPrefix(iface, ".") {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidInterface, iface)
	}
	dir := filepath.Join(c.root, iface, "statistics")
	if rx, err = readCounter(filepath.Join(dir, "rx_bytes")); err != nil {
		return 0, 0, err
	}
	if tx, err = readCounter(filepath.Join(dir, "tx_bytes")); err != nil {
		return 0, 0, err
	}
	return rx, tx, nil
}

func readCounter(path string) (uint64, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- interface name validated by read
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
}

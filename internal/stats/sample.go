// Package stats samples the traffic counters of the VPN tunnel interface.
package stats

import (
	"fmt"
	"time"
)

// Sample is one reading of a tunnel interface's counters.
type Sample struct {
	Interface string

	// RxBytes and TxBytes are the interface totals.
	RxBytes uint64
	TxBytes uint64

	// RxRate and TxRate are bytes per second since the previous sample.
	RxRate float64
	TxRate float64

	// SessionRx and SessionTx count bytes since the collector started.
	SessionRx uint64
	SessionTx uint64

	Uptime time.Duration
	At     time.Time
}

// String renders the sample for a one-line status display.
func (s Sample) String() string {
	return fmt.Sprintf("%s up %s  rx %s (%s)  tx %s (%s)",
		s.Interface, FormatDuration(s.Uptime),
		FormatBytes(s.SessionRx), FormatRate(s.RxRate),
		FormatBytes(s.SessionTx), FormatRate(s.TxRate))
}

package stats

import (
	"fmt"
	"time"
)

// binaryUnits are 1024-based, largest first.
var binaryUnits = []struct {
	size   float64
	suffix string
}{
	{1 << 40, "TiB"},
	{1 << 30, "GiB"},
	{1 << 20, "MiB"},
	{1 << 10, "KiB"},
}

func scale(v float64) (float64, string, bool) {
	for _, u := range binaryUnits {
		if v >= u.size {
			return v / u.size, u.suffix, true
		}
	}
	return v, "B", false
}

// FormatBytes formats a byte count using binary units.
func FormatBytes(bytes uint64) string {
	v, unit, scaled := scale(float64(bytes))
	if !scaled {
		return fmt.Sprintf("%d B", bytes)
	}
	return fmt.Sprintf("%.1f %s", v, unit)
}

// FormatRate formats a bytes-per-second rate using binary units.
func FormatRate(bytesPerSec float64) string {
	v, unit, scaled := scale(bytesPerSec)
	if !scaled {
		return fmt.Sprintf("%.0f B/s", bytesPerSec)
	}
	return fmt.Sprintf("%.1f %s/s", v, unit)
}

// FormatDuration formats d as "1h 23m 45s", "23m 45s" or "45s".
func FormatDuration(d time.Duration) string {
	if d < 0 {
		return "0s"
	}
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}

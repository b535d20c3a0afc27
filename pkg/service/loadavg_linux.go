//go:build linux

package service

import "golang.org/x/sys/unix"

// Sysinfo reports load averages as fixed point with 16 fractional bits.
const loadScale = 1 << 16

func loadAverage() (float64, float64, float64) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, 0, 0
	}
	return float64(info.Loads[0]) / loadScale,
		float64(info.Loads[1]) / loadScale,
		float64(info.Loads[2]) / loadScale
}

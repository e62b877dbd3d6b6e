//go:build linux

package model

import "golang.org/x/sys/unix"

// freeMemoryBytes reports available RAM for worker-pool sizing, zero
// when the probe fails.
func freeMemoryBytes() uint64 {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0
	}
	return uint64(info.Freeram) * uint64(info.Unit)
}

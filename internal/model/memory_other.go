//go:build !linux

package model

// freeMemoryBytes returns zero on platforms without a cheap probe; the
// worker pool then sizes from CPU count alone.
func freeMemoryBytes() uint64 { return 0 }

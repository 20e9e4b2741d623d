//go:build linux

package gocpu

import (
	"golang.org/x/sys/unix"
)

// pinThread pins the calling OS thread to host CPU n.
func pinThread(n int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(n)
	return unix.SchedSetaffinity(0, &set)
}

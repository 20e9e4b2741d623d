//go:build !linux

package gocpu

// pinThread is a no-op where sched_setaffinity(2) is unavailable.
func pinThread(int) error { return nil }

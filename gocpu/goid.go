package gocpu

import (
	"bytes"
	"runtime"
	"strconv"
)

// getGoroutineID returns the calling goroutine's id, which keys the CPU
// goroutines in [Backend.self].
func getGoroutineID() uint64 {
	var buf [64]byte
	return parseGoroutineID(buf[:runtime.Stack(buf[:], false)])
}

// parseGoroutineID reads N from a stack header, "goroutine N [running]:".
// Zero (never a real id) is returned for anything else.
func parseGoroutineID(stack []byte) uint64 {
	rest, ok := bytes.CutPrefix(stack, []byte(`goroutine `))
	if !ok {
		return 0
	}
	if i := bytes.IndexByte(rest, ' '); i >= 0 {
		rest = rest[:i]
	}
	id, err := strconv.ParseUint(string(rest), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

package lockfile

import (
	"bytes"
	"runtime"
	"strconv"
)

// goroutineID returns an identifier for the calling goroutine, extracted
// from its stack trace header ("goroutine 123 [running]: ...").
//
// This is the standard trick for detecting reentrant acquisition from the
// same goroutine; the runtime does not expose goroutine IDs through any
// public API. RangeLock uses it to decide whether an Acquire call is a
// recursive re-entry by the current holder and whether Release and
// IsLocked are called by the holder. If the header cannot be parsed it
// returns 0, which RangeLock then treats as an ordinary goroutine ID.
func goroutineID() uint64 {
	var buf [64]byte

	n := runtime.Stack(buf[:], false)

	// Expected prefix: "goroutine 123 [running]:"
	const prefix = "goroutine "

	b := buf[:n]
	if !bytes.HasPrefix(b, []byte(prefix)) {
		return 0
	}

	b = b[len(prefix):]

	end := bytes.IndexByte(b, ' ')
	if end < 0 {
		return 0
	}

	id, err := strconv.ParseUint(string(b[:end]), 10, 64)
	if err != nil {
		return 0
	}

	return id
}

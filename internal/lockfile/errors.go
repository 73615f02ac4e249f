package lockfile

import "errors"

var (
	// ErrCrossProcessMisuse is returned when a RangeLock created in one
	// process is used (acquired or released) from a different process - for
	// example after an unsafe fork() that did not exec. It is a programmer
	// error, never a transient condition, and is never swallowed.
	ErrCrossProcessMisuse = errors.New("lockfile: range lock used from a different process than created it")

	// ErrNotHeld is returned by Release when the calling goroutine does not
	// currently hold the lock.
	ErrNotHeld = errors.New("lockfile: release of a lock not held by the caller")
)

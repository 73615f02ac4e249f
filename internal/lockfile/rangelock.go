// Package lockfile implements the per-key, cross-process, reentrant
// read/write coordination primitive the cache uses to guard one logical
// mutex per key: a byte-range advisory lock (fcntl F_SETLK/F_SETLKW) on a
// shared lock file, taken at an offset derived from the key.
//
// A [RangeLock] is exclusive-only (there is a single lock mode, used for
// both readers and writers of an entry), reentrant within the goroutine that first acquired
// it, and mutually exclusive across goroutines of one process and across
// processes sharing the underlying file.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
)

// RangeLock is one logical mutex bound to a single byte of a shared lock
// file. Obtain instances through a [Registry] so that repeated lookups for
// the same (file, offset) within a process return the same object, which is
// required for both reentrancy and for avoiding duplicate file descriptors
// on the same lock file (POSIX locks are per-(process, inode), and closing
// any fd to a file drops all of that process's locks on it).
type RangeLock struct {
	file   *os.File
	offset int64
	pid    int // pid that created this lock; see ErrCrossProcessMisuse

	// intraProcess provides exclusion between goroutines of this process.
	// Only the goroutine that wins it may attempt the OS-level lock.
	intraProcess sync.Mutex

	// state guards owner/count, which implement reentrancy: a second
	// Acquire from the goroutine that already holds the lock succeeds
	// immediately instead of deadlocking on intraProcess.
	state sync.Mutex
	owner uint64
	count int
}

func newRangeLock(file *os.File, offset int64) *RangeLock {
	return &RangeLock{
		file:   file,
		offset: offset,
		pid:    os.Getpid(),
	}
}

// Acquire takes the lock. If blocking is false and the lock is currently
// held by another goroutine or process, it returns (false, nil) immediately
// without sleeping on anything. If blocking is true, it waits until the
// lock is available.
//
// A non-nil error is always fatal: either the lock object is being used
// from a different process than created it ([ErrCrossProcessMisuse]), or
// the fcntl call failed for a reason other than contention or EINTR - for
// example a kernel-detected lock-ordering cycle (EDEADLK). Such errors are
// never swallowed.
func (l *RangeLock) Acquire(blocking bool) (bool, error) {
	if err := l.checkPID(); err != nil {
		return false, err
	}

	gid := goroutineID()

	l.state.Lock()
	if l.count > 0 && l.owner == gid {
		l.count++
		l.state.Unlock()

		return true, nil
	}
	l.state.Unlock()

	if blocking {
		l.intraProcess.Lock()
	} else if !l.intraProcess.TryLock() {
		return false, nil
	}

	ok, err := l.lockOS(blocking)
	if err != nil {
		l.intraProcess.Unlock()

		return false, err
	}

	if !ok {
		l.intraProcess.Unlock()

		return false, nil
	}

	l.state.Lock()
	l.owner = gid
	l.count = 1
	l.state.Unlock()

	return true, nil
}

// Release releases one level of acquisition. The underlying OS lock and the
// intra-process mutex are only released once Release has been called as
// many times as Acquire succeeded. Returns [ErrNotHeld] if the calling
// goroutine does not currently hold the lock.
func (l *RangeLock) Release() error {
	if err := l.checkPID(); err != nil {
		return err
	}

	gid := goroutineID()

	l.state.Lock()

	if l.count == 0 || l.owner != gid {
		l.state.Unlock()

		return ErrNotHeld
	}

	l.count--
	if l.count > 0 {
		l.state.Unlock()

		return nil
	}

	l.owner = 0
	l.state.Unlock()

	// Release order: OS lock first, then the intra-process mutex. Run both
	// even if the first errors - best-effort cleanup, never leave the
	// intra-process mutex held after a failed unlock.
	unlockErr := l.unlockOS()
	l.intraProcess.Unlock()

	return unlockErr
}

// IsLocked reports whether the calling goroutine currently holds the lock.
// This differs from the original RangedFileReentrantLock.is_locked(), which
// reports counter > 0 regardless of which thread incremented it: Go's
// per-goroutine owner tracking makes "held by someone" ambiguous in a way
// the original's GIL-era thread model wasn't, so this reports the more
// useful "held by me" instead. Unused in production; exercised directly by
// tests only.
func (l *RangeLock) IsLocked() bool {
	gid := goroutineID()

	l.state.Lock()
	defer l.state.Unlock()

	return l.count > 0 && l.owner == gid
}

// Do acquires the lock, blocking, runs fn, and releases it afterward even if
// fn panics.
func (l *RangeLock) Do(fn func() error) error {
	if _, err := l.Acquire(true); err != nil {
		return err
	}

	defer func() { _ = l.Release() }()

	return fn()
}

func (l *RangeLock) checkPID() error {
	if os.Getpid() != l.pid {
		return fmt.Errorf("%w: created by pid %d, used by pid %d", ErrCrossProcessMisuse, l.pid, os.Getpid())
	}

	return nil
}

// lockOS requests an exclusive 1-byte fcntl lock at l.offset on l.file.
//
// Returns (true, nil) on success, (false, nil) if non-blocking and the
// range is held elsewhere, and (false, err) for anything else, including a
// kernel-detected deadlock (EDEADLK), which is never swallowed.
func (l *RangeLock) lockOS(blocking bool) (bool, error) {
	lockType := syscall.F_SETLK
	if blocking {
		lockType = syscall.F_SETLKW
	}

	flock := syscall.Flock_t{
		Type:   syscall.F_WRLCK,
		Whence: int16(os.SEEK_SET),
		Start:  l.offset,
		Len:    1,
	}

	for {
		err := syscall.FcntlFlock(l.file.Fd(), lockType, &flock)
		if err == nil {
			return true, nil
		}

		if errors.Is(err, syscall.EINTR) {
			continue
		}

		if !blocking && isWouldBlock(err) {
			return false, nil
		}

		return false, fmt.Errorf("fcntl lock: %w", err)
	}
}

func (l *RangeLock) unlockOS() error {
	flock := syscall.Flock_t{
		Type:   syscall.F_UNLCK,
		Whence: int16(os.SEEK_SET),
		Start:  l.offset,
		Len:    1,
	}

	for {
		err := syscall.FcntlFlock(l.file.Fd(), syscall.F_SETLK, &flock)
		if err == nil || !errors.Is(err, syscall.EINTR) {
			return err
		}
	}
}

func isWouldBlock(err error) bool {
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EACCES)
}

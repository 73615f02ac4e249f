package fsx

import (
	"os"
	"sync"
	"time"
)

// Fake wraps a [Real] filesystem rooted in a real temp directory but lets
// tests inject one-shot failures for specific paths and operations. Unlike
// [Real], it is deterministic: an injected failure fires exactly once, on
// the next matching call, then clears itself.
//
// Used to exercise the store's "transient filesystem error" handling
// (vanished-file races during prune, rename failures mid-set) without
// relying on real concurrent processes to produce the race.
type Fake struct {
	real *Real

	mu             sync.Mutex
	renameFailures map[string]error
	removeFailures map[string]error
	statFailures   map[string]error
	openFailures   map[string]error
}

// NewFake returns a Fake that otherwise behaves like [Real].
func NewFake() *Fake {
	return &Fake{
		real:           NewReal(),
		renameFailures: make(map[string]error),
		removeFailures: make(map[string]error),
		statFailures:   make(map[string]error),
		openFailures:   make(map[string]error),
	}
}

// FailNextRename makes the next Rename whose newpath matches path return err.
func (f *Fake) FailNextRename(path string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.renameFailures[path] = err
}

// FailNextRemove makes the next Remove of path return err.
func (f *Fake) FailNextRemove(path string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.removeFailures[path] = err
}

// FailNextStat makes the next Stat of path return err.
func (f *Fake) FailNextStat(path string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.statFailures[path] = err
}

// FailNextOpenFile makes the next Open or OpenFile of path return err.
func (f *Fake) FailNextOpenFile(path string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.openFailures[path] = err
}

func (f *Fake) takeFailure(set map[string]error, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	err, ok := set[path]
	if ok {
		delete(set, path)
	}

	return err
}

func (f *Fake) Open(path string) (File, error) {
	if err := f.takeFailure(f.openFailures, path); err != nil {
		return nil, err
	}

	return f.real.Open(path)
}

func (f *Fake) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	if err := f.takeFailure(f.openFailures, path); err != nil {
		return nil, err
	}

	return f.real.OpenFile(path, flag, perm)
}

func (f *Fake) ReadDir(path string) ([]os.DirEntry, error) {
	return f.real.ReadDir(path)
}

func (f *Fake) MkdirAll(path string, perm os.FileMode) error {
	return f.real.MkdirAll(path, perm)
}

func (f *Fake) Stat(path string) (os.FileInfo, error) {
	if err := f.takeFailure(f.statFailures, path); err != nil {
		return nil, err
	}

	return f.real.Stat(path)
}

func (f *Fake) Remove(path string) error {
	if err := f.takeFailure(f.removeFailures, path); err != nil {
		return err
	}

	return f.real.Remove(path)
}

func (f *Fake) Rename(oldpath, newpath string) error {
	if err := f.takeFailure(f.renameFailures, newpath); err != nil {
		return err
	}

	return f.real.Rename(oldpath, newpath)
}

func (f *Fake) Chtimes(path string, atime, mtime time.Time) error {
	return f.real.Chtimes(path, atime, mtime)
}

// Compile-time interface check.
var _ FS = (*Fake)(nil)

// Package fsx provides a filesystem abstraction so the cache's on-disk
// behaviour (atomic rename, directory listing) can be exercised in tests
// through a fake that injects one-shot failures while still operating on
// real files.
//
// The main types are:
//   - [FS]: interface for filesystem operations
//   - [File]: interface for open files (satisfied by [os.File])
//   - [Real]: production implementation using the [os] package
package fsx

import (
	"io"
	"os"
	"time"
)

// File represents an open file descriptor.
//
// This interface is satisfied by [os.File] and can be used with all
// standard library functions that accept [io.Reader], [io.Writer],
// [io.Seeker], or [io.Closer].
type File interface {
	io.ReadWriteCloser
	io.Seeker

	// Fd returns the file descriptor. See [os.File.Fd].
	Fd() uintptr

	// Stat returns the [os.FileInfo] for this file. See [os.File.Stat].
	Stat() (os.FileInfo, error)
}

// FS defines the filesystem operations the store and the pruner need. The
// lock registry opens its lock files through [os] directly, not through FS.
//
// [Real] is the only production implementation; tests may substitute a fake
// to exercise rename races and partial-directory states deterministically.
type FS interface {
	// Open opens a file for reading. See [os.Open].
	Open(path string) (File, error)

	// OpenFile opens a file with specified flags and permissions. See [os.OpenFile].
	OpenFile(path string, flag int, perm os.FileMode) (File, error)

	// ReadDir reads a directory and returns its entries. See [os.ReadDir].
	ReadDir(path string) ([]os.DirEntry, error)

	// MkdirAll creates a directory and all parents. See [os.MkdirAll].
	// No error if the directory already exists.
	MkdirAll(path string, perm os.FileMode) error

	// Stat returns file info. See [os.Stat].
	Stat(path string) (os.FileInfo, error)

	// Remove deletes a file. See [os.Remove]. Missing files are NOT treated
	// specially here - callers decide whether os.IsNotExist(err) is benign.
	Remove(path string) error

	// Rename moves/renames a file. See [os.Rename]. Atomic on the same
	// filesystem, which callers rely on for crash-safe visibility.
	Rename(oldpath, newpath string) error

	// Chtimes sets the access and modification times of a file. See
	// [os.Chtimes]. Used to stamp a freshly written entry with the "now"
	// sampled before pruning, so LRU recency is consistent.
	Chtimes(path string, atime, mtime time.Time) error
}

// Compile-time interface check.
var _ File = (*os.File)(nil)

package fscache

import "errors"

var (
	// ErrMiss is never returned directly - Get reports a miss via the ok
	// return value - but is kept as a sentinel for callers that want to
	// build their own errors.Is-compatible wrappers around a miss.
	ErrMiss = errors.New("fscache: key not present")

	// ErrBaseDirRequired is returned by NewRawBackend when Options.BaseDir is empty.
	ErrBaseDirRequired = errors.New("fscache: base dir is required")

	// ErrCorruptMetadata is returned by Get when a key's metadata file
	// exists but cannot be decoded. Unlike a missing file, this is treated
	// as data corruption and is never swallowed into a miss.
	ErrCorruptMetadata = errors.New("fscache: corrupt metadata")
)

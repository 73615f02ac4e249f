package fscache

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dogpilecache/fscache/internal/fsx"
	"github.com/dogpilecache/fscache/internal/lockfile"
)

// copyChunkSize is the buffer size used when a payload stream has to be
// copied rather than renamed into place, per the on-disk protocol's choice
// of 1 MiB chunks for large file values.
const copyChunkSize = 1 << 20

// ReadSeekCloser is what Get returns for a kindFile entry. Callers own it
// and must Close it.
type ReadSeekCloser interface {
	io.Reader
	io.Seeker
	io.Closer
}

// SetInput is what Set stages for one key: either a byte stream (kindFile)
// or an encode step producing an arbitrary serialized value (kindValue).
// Exactly one of Stream or EncodeValue must be set.
type SetInput struct {
	// Stream is the caller's byte-stream payload. Its current position is
	// recorded as the original file offset and restored after Set returns.
	Stream ReadSeekCloser

	// StreamPath is the filesystem path backing Stream, if any.
	StreamPath string

	// Movable, combined with a non-empty StreamPath, lets Set consume the
	// source file by rename instead of copying its contents. The decision
	// is the caller's: RawBackend gates it on its own FileMovable option;
	// GenericBackend always sets it, since the temp file it hands in is
	// one only it could ever hold a reference to.
	Movable bool

	// EncodeValue, when Stream is nil, writes the serialized form of an
	// arbitrary value to w. The core does not know how to encode a value
	// itself - that is always supplied by the caller (the external
	// encoder the region configures).
	EncodeValue func(w io.Writer) error

	// Outer is an opaque blob passed through unchanged and returned
	// alongside the value on Get.
	Outer []byte
}

// GetResult is what Get returns for a hit.
type GetResult struct {
	// Stream is set for a kindFile entry, seeked to OriginalFileOffset.
	// The caller owns it and must Close it.
	Stream ReadSeekCloser

	// Value is set for a kindValue entry: the raw encoded bytes, which the
	// caller decodes with its own decoder.
	Value []byte

	Outer []byte
}

// Store implements the on-disk atomic get/set/delete protocol (component E
// of the design): a key's payload and metadata are staged in temp files,
// then made visible by two ordered renames taken under the key's lock.
type Store struct {
	fs       fsx.FS
	layout   layout
	registry *lockfile.Registry
	pruner   *pruner
}

var tempSeq atomic.Uint64

func newStore(fs fsx.FS, l layout, registry *lockfile.Registry, p *pruner) (*Store, error) {
	if err := fs.MkdirAll(l.baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create base dir: %w", err)
	}

	if err := fs.MkdirAll(l.valuesDir, 0o755); err != nil {
		return nil, fmt.Errorf("create values dir: %w", err)
	}

	return &Store{fs: fs, layout: l, registry: registry, pruner: p}, nil
}

func (s *Store) rwLock(key string) (*lockfile.RangeLock, error) {
	return s.registry.Get(s.layout.rwLockPath, keyOffset(key))
}

// DogpileLock returns the cross-process single-flight lock for key, taken
// on a lock file distinct from the one rwLock uses so a writer of key K can
// hold its rw lock while the surrounding region holds the dogpile lock.
func (s *Store) DogpileLock(key string) (*lockfile.RangeLock, error) {
	return s.registry.Get(s.layout.dogpilePath, keyOffset(key))
}

// Get looks up key under its rw lock. ok is false for a miss (no entry, or
// a TTL-expired entry - expiry never deletes here, that is the pruner's
// job). A non-nil error means something other than a plain miss: metadata
// that exists but cannot be decoded, or an I/O failure.
func (s *Store) Get(key string, ttl *time.Duration) (result GetResult, ok bool, err error) {
	lock, err := s.rwLock(key)
	if err != nil {
		return GetResult{}, false, err
	}

	if _, err := lock.Acquire(true); err != nil {
		return GetResult{}, false, err
	}
	defer func() { _ = lock.Release() }()

	payloadPath := s.layout.payloadPath(key)
	metadataPath := s.layout.metadataPath(key)

	payloadInfo, err := s.fs.Stat(payloadPath)
	if err != nil {
		if os.IsNotExist(err) {
			return GetResult{}, false, nil
		}

		return GetResult{}, false, err
	}

	if _, err := s.fs.Stat(metadataPath); err != nil {
		if os.IsNotExist(err) {
			return GetResult{}, false, nil
		}

		return GetResult{}, false, err
	}

	if ttl != nil && time.Since(payloadInfo.ModTime()) > *ttl {
		return GetResult{}, false, nil
	}

	metaBytes, err := readAll(s.fs, metadataPath)
	if err != nil {
		return GetResult{}, false, err
	}

	meta, err := decodeMetadata(metaBytes)
	if err != nil {
		return GetResult{}, false, fmt.Errorf("%w: %w", ErrCorruptMetadata, err)
	}

	if meta.Kind == kindValue {
		payload, err := readAll(s.fs, payloadPath)
		if err != nil {
			return GetResult{}, false, err
		}

		return GetResult{Value: payload, Outer: meta.Outer}, true, nil
	}

	f, err := s.fs.Open(payloadPath)
	if err != nil {
		return GetResult{}, false, err
	}

	offset := int64(0)
	if meta.OriginalFileOffset != nil {
		offset = *meta.OriginalFileOffset
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		_ = f.Close()

		return GetResult{}, false, err
	}

	return GetResult{Stream: f, Outer: meta.Outer}, true, nil
}

// Set triggers an opportunistic prune, stages in's payload and metadata
// into temp files, then atomically publishes both under key's write
// lock: metadata is renamed into place first, payload second, and both get
// their mtime touched to the instant sampled before pruning.
func (s *Store) Set(key string, in SetInput) error {
	if in.Stream == nil && in.EncodeValue == nil {
		return errors.New("fscache: SetInput must set either Stream or EncodeValue")
	}

	now := time.Now()
	s.pruner.prune(now)

	meta := entryMetadata{Outer: in.Outer}

	var payloadTmpPath, movableSource string

	switch {
	case in.Stream != nil:
		meta.Kind = kindFile

		startOffset, err := in.Stream.Seek(0, io.SeekCurrent)
		if err != nil {
			return fmt.Errorf("seek stream to record original offset: %w", err)
		}

		meta.OriginalFileOffset = &startOffset

		if in.Movable && in.StreamPath != "" {
			movableSource = in.StreamPath
		} else {
			if _, err := in.Stream.Seek(0, io.SeekStart); err != nil {
				return fmt.Errorf("rewind stream before copy: %w", err)
			}

			payloadTmpPath, err = s.copyStreamToTemp(in.Stream)
			if err != nil {
				return err
			}

			if _, err := in.Stream.Seek(startOffset, io.SeekStart); err != nil {
				return fmt.Errorf("restore stream position after copy: %w", err)
			}
		}
	case in.EncodeValue != nil:
		meta.Kind = kindValue

		var err error

		payloadTmpPath, err = s.writeValueToTemp(in.EncodeValue)
		if err != nil {
			return err
		}
	}

	metaBytes, err := encodeMetadata(meta)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	metaTmpPath, err := s.writeMetadataToTemp(metaBytes)
	if err != nil {
		return err
	}

	committed := false

	defer func() {
		if !committed {
			_ = s.fs.Remove(metaTmpPath)
		}
	}()

	if payloadTmpPath != "" {
		defer func() {
			if !committed {
				_ = s.fs.Remove(payloadTmpPath)
			}
		}()
	}

	lock, err := s.rwLock(key)
	if err != nil {
		return err
	}

	if _, err := lock.Acquire(true); err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	metadataPath := s.layout.metadataPath(key)
	payloadPath := s.layout.payloadPath(key)

	if err := s.fs.Rename(metaTmpPath, metadataPath); err != nil {
		return fmt.Errorf("rename metadata: %w", err)
	}

	if movableSource != "" {
		if err := s.renameOrCopy(movableSource, payloadPath); err != nil {
			return err
		}
	} else if err := s.fs.Rename(payloadTmpPath, payloadPath); err != nil {
		return fmt.Errorf("rename payload: %w", err)
	}

	committed = true

	if err := s.fs.Chtimes(metadataPath, now, now); err != nil {
		return fmt.Errorf("touch metadata mtime: %w", err)
	}

	if err := s.fs.Chtimes(payloadPath, now, now); err != nil {
		return fmt.Errorf("touch payload mtime: %w", err)
	}

	return nil
}

// Delete removes both of key's files under its write lock. A file that was
// already gone (a race with a concurrent prune or delete) is tolerated.
func (s *Store) Delete(key string) error {
	lock, err := s.rwLock(key)
	if err != nil {
		return err
	}

	if _, err := lock.Acquire(true); err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	removeIfExists(s.fs, s.layout.payloadPath(key))
	removeIfExists(s.fs, s.layout.metadataPath(key))

	return nil
}

func (s *Store) newTempPath(prefix string) string {
	seq := tempSeq.Add(1)
	return filepath.Join(s.layout.valuesDir, fmt.Sprintf(".%s.tmp-%d-%d", prefix, os.Getpid(), seq))
}

func (s *Store) copyStreamToTemp(r io.Reader) (string, error) {
	path := s.newTempPath("payload")

	f, err := s.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("create temp payload file: %w", err)
	}

	buf := make([]byte, copyChunkSize)

	_, copyErr := io.CopyBuffer(f, r, buf)
	closeErr := f.Close()

	if copyErr != nil {
		_ = s.fs.Remove(path)
		return "", fmt.Errorf("copy payload into temp file: %w", copyErr)
	}

	if closeErr != nil {
		_ = s.fs.Remove(path)
		return "", fmt.Errorf("close temp payload file: %w", closeErr)
	}

	return path, nil
}

// writeMetadataToTemp stages the encoded metadata file through s.fs, the
// same seam every other file in Set goes through, so an injected fsx.FS can
// observe and fail a metadata write exactly like it can a payload write.
func (s *Store) writeMetadataToTemp(metaBytes []byte) (string, error) {
	path := s.newTempPath("metadata")

	f, err := s.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("create temp metadata file: %w", err)
	}

	_, writeErr := f.Write(metaBytes)
	closeErr := f.Close()

	if writeErr != nil {
		_ = s.fs.Remove(path)
		return "", fmt.Errorf("write temp metadata file: %w", writeErr)
	}

	if closeErr != nil {
		_ = s.fs.Remove(path)
		return "", fmt.Errorf("close temp metadata file: %w", closeErr)
	}

	return path, nil
}

func (s *Store) writeValueToTemp(encode func(w io.Writer) error) (string, error) {
	path := s.newTempPath("value")

	f, err := s.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("create temp value file: %w", err)
	}

	encodeErr := encode(f)
	closeErr := f.Close()

	if encodeErr != nil {
		_ = s.fs.Remove(path)
		return "", fmt.Errorf("encode value into temp file: %w", encodeErr)
	}

	if closeErr != nil {
		_ = s.fs.Remove(path)
		return "", fmt.Errorf("close temp value file: %w", closeErr)
	}

	return path, nil
}

// renameOrCopy consumes the movable source file by rename. If srcPath is
// not on the same filesystem as destPath (EXDEV), it falls back to a
// chunked copy followed by removing the source, so a movable set never
// fails just because the caller's temp directory is a different mount.
func (s *Store) renameOrCopy(srcPath, destPath string) error {
	err := s.fs.Rename(srcPath, destPath)
	if err == nil {
		return nil
	}

	if !errors.Is(err, syscall.EXDEV) {
		return fmt.Errorf("rename movable payload: %w", err)
	}

	src, err := s.fs.Open(srcPath)
	if err != nil {
		return fmt.Errorf("open movable source for cross-filesystem copy: %w", err)
	}
	defer src.Close()

	tmp := s.newTempPath("movable")

	dst, err := s.fs.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create cross-filesystem copy temp file: %w", err)
	}

	buf := make([]byte, copyChunkSize)

	_, copyErr := io.CopyBuffer(dst, src, buf)
	closeErr := dst.Close()

	if copyErr != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("copy movable payload across filesystems: %w", copyErr)
	}

	if closeErr != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("close cross-filesystem copy temp file: %w", closeErr)
	}

	if err := s.fs.Rename(tmp, destPath); err != nil {
		return fmt.Errorf("rename cross-filesystem copy into place: %w", err)
	}

	if err := s.fs.Remove(srcPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove movable source after cross-filesystem copy: %w", err)
	}

	return nil
}

func readAll(fs fsx.FS, path string) ([]byte, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return io.ReadAll(f)
}

// Package fscache implements a persistent, process-safe, filesystem-backed
// cache intended to sit behind a dogpile-style single-flight caching
// region: values are stored as files under a base directory, each entry
// guarded by a per-key lock that is reentrant within a goroutine and
// mutually exclusive across goroutines, processes, and (to the extent the
// Go runtime permits) fork().
//
// [RawBackend] stores byte streams directly. [GenericBackend] wraps it to
// store arbitrary values via a caller-supplied [Codec].
package fscache

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dogpilecache/fscache/internal/fsx"
	"github.com/dogpilecache/fscache/internal/lockfile"
)

// KeyMangler is the static key-mangling helper a surrounding caching region
// is expected to call before handing a key to any backend method: the
// lowercase hex SHA-256 digest of the key's UTF-8 bytes. Every RawBackend
// and GenericBackend method below takes that already-mangled string as its
// key argument and uses it verbatim as the on-disk filename stem.
func KeyMangler(raw string) string {
	return keyIdentifier(raw)
}

// RawBackend stores byte-stream values under base_dir/values, one pair of
// <key>.payload/<key>.metadata files per key.
type RawBackend struct {
	store *Store
	ttl   *time.Duration

	cacheSize       int64
	lruEnabled      bool
	fileMovable     bool
	distributedLock bool
}

// NewRawBackend constructs a RawBackend rooted at opts.BaseDir, creating
// the base and values directories if they do not exist.
func NewRawBackend(opts Options) (*RawBackend, error) {
	if opts.BaseDir == "" {
		return nil, ErrBaseDirRequired
	}

	l, err := newLayout(opts.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve layout: %w", err)
	}

	registry := lockfile.NewRegistry()

	cacheSize, lruEnabled := opts.cacheSize()

	p := &pruner{
		fs:        fsx.NewReal(),
		layout:    l,
		registry:  registry,
		ttl:       opts.ExpirationTime,
		cacheSize: cacheSize,
		lruOn:     lruEnabled,
	}

	store, err := newStore(fsx.NewReal(), l, registry, p)
	if err != nil {
		return nil, err
	}

	return &RawBackend{
		store:           store,
		ttl:             opts.ExpirationTime,
		cacheSize:       cacheSize,
		lruEnabled:      lruEnabled,
		fileMovable:     opts.FileMovable,
		distributedLock: opts.distributedLock(),
	}, nil
}

// KeyMangler is the mangler callers should apply to raw application keys
// before calling any method below. See the package-level [KeyMangler].
func (*RawBackend) KeyMangler(raw string) string { return KeyMangler(raw) }

// Get returns the stream and outer metadata stored for key, or ok=false on
// a miss (absent or TTL-expired). The caller owns the returned stream and
// must close it.
func (b *RawBackend) Get(key string) (stream ReadSeekCloser, outer []byte, ok bool, err error) {
	result, ok, err := b.store.Get(key, b.ttl)
	if err != nil || !ok {
		return nil, nil, ok, err
	}

	return result.Stream, result.Outer, true, nil
}

// GetMulti looks up each key in turn; sequential, with no cross-key
// atomicity.
func (b *RawBackend) GetMulti(keys []string) ([]GetMultiResult, error) {
	out := make([]GetMultiResult, len(keys))

	for i, k := range keys {
		stream, outer, ok, err := b.Get(k)
		if err != nil {
			return nil, fmt.Errorf("get %q: %w", k, err)
		}

		out[i] = GetMultiResult{Stream: stream, Outer: outer, Hit: ok}
	}

	return out, nil
}

// GetMultiResult is one element of the slice [RawBackend.GetMulti] and
// [GenericBackend.GetMulti] return.
type GetMultiResult struct {
	Stream ReadSeekCloser
	Value  any
	Outer  []byte
	Hit    bool
}

// Set stores stream under key, consuming the caller's stream position and
// restoring it afterward. If streamPath is non-empty and the backend was
// configured with FileMovable, the file at streamPath may be renamed into
// place instead of copied; the caller must not reuse it afterward.
func (b *RawBackend) Set(key string, stream ReadSeekCloser, streamPath string, outer []byte) error {
	return b.store.Set(key, SetInput{
		Stream:     stream,
		StreamPath: streamPath,
		Movable:    b.fileMovable,
		Outer:      outer,
	})
}

// SetMulti stores each mapping entry in turn; sequential, with no
// cross-key atomicity.
func (b *RawBackend) SetMulti(entries map[string]ReadSeekCloser) error {
	for k, v := range entries {
		if err := b.Set(k, v, "", nil); err != nil {
			return fmt.Errorf("set %q: %w", k, err)
		}
	}

	return nil
}

// Delete removes key's files, tolerating a key that is already absent.
func (b *RawBackend) Delete(key string) error {
	return b.store.Delete(key)
}

// DeleteMulti deletes each key in turn.
func (b *RawBackend) DeleteMulti(keys []string) error {
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return fmt.Errorf("delete %q: %w", k, err)
		}
	}

	return nil
}

// GetMutex returns the cross-process single-flight lock for key, for use
// by the surrounding caching region's dogpile coordination, or nil if the
// backend was configured with DistributedLock=false (the region should
// then fall back to its own in-process mutex).
func (b *RawBackend) GetMutex(key string) (*lockfile.RangeLock, error) {
	if !b.distributedLock {
		return nil, nil
	}

	return b.store.DogpileLock(key)
}

// Prune runs the TTL and LRU eviction passes immediately. Set already
// triggers this opportunistically; Prune exists for callers that want an
// explicit, idempotent eviction point (e.g. before reporting disk usage).
func (b *RawBackend) Prune() {
	b.store.pruner.prune(time.Now())
}

// Codec encodes and decodes values of type T for [GenericBackend]. It is
// the "external object serializer" the core delegates to rather than
// defining a wire format itself.
type Codec[T any] interface {
	Encode(v T) ([]byte, error)
	Decode(b []byte) (T, error)
}

// GenericBackend wraps a [RawBackend] to store arbitrary values of type T,
// serialized through codec. On Set it encodes the value into its own temp
// file and delegates to the raw backend with file_movable semantics, since
// it owns that temp file outright.
type GenericBackend[T any] struct {
	raw   *RawBackend
	codec Codec[T]
}

// NewGenericBackend wraps raw with codec. raw's FileMovable setting is
// irrelevant to GenericBackend: it always consumes its own temp file by
// rename, regardless of how raw was configured, because nothing else can
// be holding a reference to that file.
func NewGenericBackend[T any](raw *RawBackend, codec Codec[T]) *GenericBackend[T] {
	return &GenericBackend[T]{raw: raw, codec: codec}
}

// Get decodes the value stored for key via codec, or ok=false on a miss.
func (b *GenericBackend[T]) Get(key string) (value T, outer []byte, ok bool, err error) {
	stream, outer, ok, err := b.raw.Get(key)
	if err != nil || !ok {
		var zero T
		return zero, outer, ok, err
	}
	defer stream.Close()

	encoded, err := io.ReadAll(stream)
	if err != nil {
		var zero T
		return zero, nil, false, fmt.Errorf("read encoded value: %w", err)
	}

	value, err = b.codec.Decode(encoded)
	if err != nil {
		var zero T
		return zero, nil, false, fmt.Errorf("decode value: %w", err)
	}

	return value, outer, true, nil
}

// GetMulti looks up each key in turn.
func (b *GenericBackend[T]) GetMulti(keys []string) ([]GetMultiResult, error) {
	out := make([]GetMultiResult, len(keys))

	for i, k := range keys {
		value, outer, ok, err := b.Get(k)
		if err != nil {
			return nil, fmt.Errorf("get %q: %w", k, err)
		}

		out[i] = GetMultiResult{Value: value, Outer: outer, Hit: ok}
	}

	return out, nil
}

// Set encodes value with codec into a temp file the backend owns, then
// delegates to the raw backend's movable-set fast path.
func (b *GenericBackend[T]) Set(key string, value T, outer []byte) error {
	encoded, err := b.codec.Encode(value)
	if err != nil {
		return fmt.Errorf("encode value: %w", err)
	}

	tmp, err := os.CreateTemp(b.raw.store.layout.valuesDir, ".generic-set-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file for encoded value: %w", err)
	}

	tmpPath := tmp.Name()

	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(encoded); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write encoded value to temp file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file for encoded value: %w", err)
	}

	reopened, err := os.Open(tmpPath)
	if err != nil {
		return fmt.Errorf("reopen temp file for encoded value: %w", err)
	}
	defer reopened.Close()

	cleanup = false // Set below consumes (renames) tmpPath on success

	setErr := b.raw.store.Set(key, SetInput{
		Stream:     reopened,
		StreamPath: tmpPath,
		Movable:    true,
		Outer:      outer,
	})
	if setErr != nil {
		cleanup = true
		return setErr
	}

	return nil
}

// SetMulti stores each mapping entry in turn.
func (b *GenericBackend[T]) SetMulti(entries map[string]T) error {
	for k, v := range entries {
		if err := b.Set(k, v, nil); err != nil {
			return fmt.Errorf("set %q: %w", k, err)
		}
	}

	return nil
}

// Delete removes key's files, tolerating a key that is already absent.
func (b *GenericBackend[T]) Delete(key string) error { return b.raw.Delete(key) }

// DeleteMulti deletes each key in turn.
func (b *GenericBackend[T]) DeleteMulti(keys []string) error { return b.raw.DeleteMulti(keys) }

// GetMutex delegates to the wrapped raw backend.
func (b *GenericBackend[T]) GetMutex(key string) (*lockfile.RangeLock, error) {
	return b.raw.GetMutex(key)
}

// Prune delegates to the wrapped raw backend.
func (b *GenericBackend[T]) Prune() { b.raw.Prune() }

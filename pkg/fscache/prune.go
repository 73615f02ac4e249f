package fscache

import (
	"os"
	"sort"
	"time"

	"github.com/dogpilecache/fscache/internal/fsx"
	"github.com/dogpilecache/fscache/internal/lockfile"
)

// pruner runs the TTL and LRU eviction passes, triggered opportunistically
// at the start of every Set.
type pruner struct {
	fs        fsx.FS
	layout    layout
	registry  *lockfile.Registry
	ttl       *time.Duration
	cacheSize int64
	lruOn     bool
}

// prune samples "now" once, then runs the TTL pass (if a TTL is configured)
// followed by the LRU pass (if a byte budget is configured). Both passes
// only ever attempt a non-blocking delete on each key's rw lock, so a prune
// never blocks on a key an in-flight reader or writer holds - it simply
// leaves that key for a future prune.
func (p *pruner) prune(now time.Time) {
	entries, err := listEntries(p.fs, p.layout)
	if err != nil {
		return // directory listing is best-effort; nothing to prune from
	}

	remaining := make(map[string]entryDesc, len(entries))

	for kid, desc := range entries {
		remaining[kid] = desc
	}

	if p.ttl != nil {
		for kid, desc := range remaining {
			if now.Sub(desc.lastModified) <= *p.ttl {
				continue
			}

			p.attemptDelete(kid)
			delete(remaining, kid)
		}
	}

	if !p.lruOn {
		return
	}

	p.pruneLRU(remaining)
}

// pruneLRU evicts the oldest entries until the remaining total fits the
// byte budget or there is nothing left to evict. The loop pops at most
// len(byNewest) times, so it always terminates even when every delete
// attempt is a no-op because the key is currently locked.
func (p *pruner) pruneLRU(remaining map[string]entryDesc) {
	byNewest := make([]string, 0, len(remaining))
	for kid := range remaining {
		byNewest = append(byNewest, kid)
	}

	sort.Slice(byNewest, func(i, j int) bool {
		return remaining[byNewest[i]].lastModified.After(remaining[byNewest[j]].lastModified)
	})

	total := int64(0)
	for _, desc := range remaining {
		total += desc.size
	}

	for total > p.cacheSize && len(byNewest) > 0 {
		oldest := byNewest[len(byNewest)-1]
		byNewest = byNewest[:len(byNewest)-1]

		total -= remaining[oldest].size
		delete(remaining, oldest)

		p.attemptDelete(oldest)
	}
}

// attemptDelete takes the key's rw lock non-blocking and, only if it was
// obtained, removes both files. Any failure - the lock is held elsewhere,
// or a file already vanished - is swallowed: pruning is best-effort and
// must never surface an error to the Set that triggered it.
// attemptDelete takes the lock at the offset derived from kid itself. This
// relies on the backend's convention that callers pass keys already mangled
// into their KID form (see [KeyMangler]): offset(key) and the KID used as a
// filename stem are both functions of that same string, so recomputing the
// offset from a KID recovered by directory listing - with no access to
// whatever pre-mangling input the caller originally had, if any - yields
// exactly the lock a concurrent Get or Set of that key would also take.
func (p *pruner) attemptDelete(kid string) {
	lock, err := p.registry.Get(p.layout.rwLockPath, keyOffset(kid))
	if err != nil {
		return
	}

	ok, err := lock.Acquire(false)
	if err != nil || !ok {
		return
	}
	defer func() { _ = lock.Release() }()

	removeIfExists(p.fs, p.layout.payloadPath(kid))
	removeIfExists(p.fs, p.layout.metadataPath(kid))
}

func removeIfExists(fs fsx.FS, path string) {
	if err := fs.Remove(path); err != nil && !os.IsNotExist(err) {
		// Transient filesystem errors (the file vanished concurrently, a
		// racing prune already won) are tolerated; pruning is best-effort.
		return
	}
}

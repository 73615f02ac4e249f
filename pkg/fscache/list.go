package fscache

import (
	"strings"
	"time"

	"github.com/dogpilecache/fscache/internal/fsx"
)

// entryDesc describes one key as discovered by listEntries: its combined
// on-disk footprint and the recency of its payload file.
type entryDesc struct {
	size         int64
	lastModified time.Time
}

// listEntries enumerates the values directory and groups files by key
// identifier, tolerating legacy ".type" files from an older on-disk layout
// by folding them into the same entry without interpreting them.
//
// Best-effort: a stat failure on an individual file contributes zero size
// and the epoch sentinel rather than aborting the whole listing.
func listEntries(fileSystem fsx.FS, l layout) (map[string]entryDesc, error) {
	dirEntries, err := fileSystem.ReadDir(l.valuesDir)
	if err != nil {
		return nil, err
	}

	type perKID struct {
		payloadSize int64
		otherSize   int64
		mtime       time.Time
		hasPayload  bool
	}

	byKID := make(map[string]*perKID)

	for _, de := range dirEntries {
		name := de.Name()

		kid, suffix, ok := stripRecognisedSuffix(name)
		if !ok {
			continue
		}

		entry, ok := byKID[kid]
		if !ok {
			entry = &perKID{}
			byKID[kid] = entry
		}

		info, statErr := de.Info()
		if statErr != nil {
			continue // tolerate a file that vanished between ReadDir and Info
		}

		if suffix == payloadSuffix {
			entry.payloadSize = info.Size()
			entry.mtime = info.ModTime()
			entry.hasPayload = true
		} else {
			entry.otherSize += info.Size()
		}
	}

	out := make(map[string]entryDesc, len(byKID))

	for kid, entry := range byKID {
		desc := entryDesc{size: entry.payloadSize + entry.otherSize}
		if entry.hasPayload {
			desc.lastModified = entry.mtime
		} else {
			desc.lastModified = time.Unix(0, 0).UTC()
		}

		out[kid] = desc
	}

	return out, nil
}

// stripRecognisedSuffix matches the longest recognised suffix so that, e.g.,
// ".metadata" is never mistaken for part of the key identifier.
func stripRecognisedSuffix(name string) (kid, suffix string, ok bool) {
	for _, s := range recognisedSuffixes {
		if strings.HasSuffix(name, s) {
			return name[:len(name)-len(s)], s, true
		}
	}

	return "", "", false
}

package fscache

import (
	"path/filepath"
)

const (
	payloadSuffix = ".payload"
	metadataSuffix = ".metadata"
	// legacyTypeSuffix is tolerated on read (an older on-disk layout stored
	// kind in a separate file); new writes never produce it.
	legacyTypeSuffix = ".type"
)

// recognisedSuffixes lists every suffix list considers part of an entry,
// longest first so suffix stripping picks the right match.
var recognisedSuffixes = []string{metadataSuffix, payloadSuffix, legacyTypeSuffix}

// layout resolves all paths derived from a configured base directory.
type layout struct {
	baseDir    string
	valuesDir  string
	rwLockPath string
	dogpilePath string
}

func newLayout(baseDir string) (layout, error) {
	abs, err := filepath.Abs(filepath.Clean(baseDir))
	if err != nil {
		return layout{}, err
	}

	return layout{
		baseDir:     abs,
		valuesDir:   filepath.Join(abs, "values"),
		rwLockPath:  filepath.Join(abs, "rw.lock"),
		dogpilePath: filepath.Join(abs, "dogpile.lock"),
	}, nil
}

func (l layout) payloadPath(kid string) string {
	return filepath.Join(l.valuesDir, kid+payloadSuffix)
}

func (l layout) metadataPath(kid string) string {
	return filepath.Join(l.valuesDir, kid+metadataSuffix)
}

package fscache

import "gopkg.in/yaml.v3"

// kind discriminates what a payload file holds.
type kind string

const (
	kindValue kind = "value"
	kindFile  kind = "file"
)

// entryMetadata is the serialized record stored alongside a payload file.
// It is deliberately small and stable on disk: adding a field must not break
// decoding of records written by an older version of this package.
type entryMetadata struct {
	Kind kind `yaml:"kind"`

	// OriginalFileOffset is the caller's stream position at the time of
	// Set, restored on Get. Only meaningful for kindFile.
	OriginalFileOffset *int64 `yaml:"original_file_offset,omitempty"`

	// Outer is an opaque blob the surrounding caching region asked to have
	// passed through unchanged. The core never interprets it.
	Outer []byte `yaml:"outer_metadata,omitempty"`
}

func encodeMetadata(m entryMetadata) ([]byte, error) {
	return yaml.Marshal(m)
}

func decodeMetadata(b []byte) (entryMetadata, error) {
	var m entryMetadata

	if err := yaml.Unmarshal(b, &m); err != nil {
		return entryMetadata{}, err
	}

	return m, nil
}

package fscache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dogpilecache/fscache/internal/fsx"
)

func TestListEntries_GroupsFilesByKID(t *testing.T) {
	dir := t.TempDir()
	valuesDir := filepath.Join(dir, "values")

	if err := os.MkdirAll(valuesDir, 0o755); err != nil {
		t.Fatalf("MkdirAll err=%v", err)
	}

	write(t, filepath.Join(valuesDir, "aaa.payload"), "0123456789")
	write(t, filepath.Join(valuesDir, "aaa.metadata"), "meta")
	write(t, filepath.Join(valuesDir, "bbb.payload"), "x")
	write(t, filepath.Join(valuesDir, "bbb.metadata"), "y")
	write(t, filepath.Join(valuesDir, "bbb.type"), "legacy")

	l, err := newLayout(dir)
	if err != nil {
		t.Fatalf("newLayout err=%v", err)
	}

	entries, err := listEntries(fsx.NewReal(), l)
	if err != nil {
		t.Fatalf("listEntries err=%v", err)
	}

	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2: %+v", len(entries), entries)
	}

	if got, want := entries["aaa"].size, int64(len("0123456789")+len("meta")); got != want {
		t.Fatalf("aaa size = %d, want %d", got, want)
	}

	wantBBB := int64(len("x") + len("y") + len("legacy"))
	if got := entries["bbb"].size; got != wantBBB {
		t.Fatalf("bbb size (with legacy .type folded in) = %d, want %d", got, wantBBB)
	}
}

func TestListEntries_MissingPayloadUsesEpochSentinel(t *testing.T) {
	dir := t.TempDir()
	valuesDir := filepath.Join(dir, "values")

	if err := os.MkdirAll(valuesDir, 0o755); err != nil {
		t.Fatalf("MkdirAll err=%v", err)
	}

	write(t, filepath.Join(valuesDir, "orphan.metadata"), "meta-only")

	l, err := newLayout(dir)
	if err != nil {
		t.Fatalf("newLayout err=%v", err)
	}

	entries, err := listEntries(fsx.NewReal(), l)
	if err != nil {
		t.Fatalf("listEntries err=%v", err)
	}

	if !entries["orphan"].lastModified.IsZero() && entries["orphan"].lastModified.Unix() != 0 {
		t.Fatalf("orphan lastModified = %v, want epoch", entries["orphan"].lastModified)
	}
}

func TestListEntries_IgnoresUnrecognisedFiles(t *testing.T) {
	dir := t.TempDir()
	valuesDir := filepath.Join(dir, "values")

	if err := os.MkdirAll(valuesDir, 0o755); err != nil {
		t.Fatalf("MkdirAll err=%v", err)
	}

	write(t, filepath.Join(valuesDir, "README.md"), "not an entry")

	l, err := newLayout(dir)
	if err != nil {
		t.Fatalf("newLayout err=%v", err)
	}

	entries, err := listEntries(fsx.NewReal(), l)
	if err != nil {
		t.Fatalf("listEntries err=%v", err)
	}

	if len(entries) != 0 {
		t.Fatalf("entries = %+v, want empty", entries)
	}
}

func write(t *testing.T, path, content string) {
	t.Helper()

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile(%q) err=%v", path, err)
	}
}

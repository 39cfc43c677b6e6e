package merkle

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func goFilter(rel string, d fs.DirEntry) bool {
	if d.IsDir() {
		return !strings.HasPrefix(rel, ".git")
	}
	return strings.HasSuffix(rel, ".go")
}

func TestBuild_EmptyDirectoryHasConstantRoot(t *testing.T) {
	dir := t.TempDir()
	snap, err := Build(context.Background(), dir, goFilter, nil)
	require.NoError(t, err)
	assert.Empty(t, snap.Leaves)
	assert.Equal(t, computeRoot(nil), snap.Root)
}

func TestBuild_SortedByPath(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b.go", "package b")
	writeFile(t, dir, "a.go", "package a")
	writeFile(t, dir, "nested/c.go", "package c")

	snap, err := Build(context.Background(), dir, goFilter, nil)
	require.NoError(t, err)
	require.Len(t, snap.Leaves, 3)
	assert.Equal(t, []string{"a.go", "b.go", filepath.Join("nested", "c.go")}, snap.Paths())
}

func TestBuild_RootUnchangedWhenContentUnchanged(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.go", "package a")

	snap1, err := Build(context.Background(), dir, goFilter, nil)
	require.NoError(t, err)
	snap2, err := Build(context.Background(), dir, goFilter, nil)
	require.NoError(t, err)
	assert.Equal(t, snap1.Root, snap2.Root)
}

func TestDiff_NoChanges(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.go", "package a")
	snap, err := Build(context.Background(), dir, goFilter, nil)
	require.NoError(t, err)

	changes := Diff(snap, snap)
	assert.True(t, changes.Empty())
}

func TestDiff_AddedModifiedDeleted(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.go", "package a")
	writeFile(t, dir, "b.go", "package b")
	oldSnap, err := Build(context.Background(), dir, goFilter, nil)
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(dir, "b.go")))
	writeFile(t, dir, "a.go", "package a // modified")
	writeFile(t, dir, "c.go", "package c")
	newSnap, err := Build(context.Background(), dir, goFilter, nil)
	require.NoError(t, err)

	changes := Diff(oldSnap, newSnap)
	assert.Equal(t, []string{"c.go"}, changes.Added)
	assert.Equal(t, []string{"a.go"}, changes.Modified)
	assert.Equal(t, []string{"b.go"}, changes.Deleted)
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.go", "package a")
	snap, err := Build(context.Background(), dir, goFilter, nil)
	require.NoError(t, err)

	snapPath := filepath.Join(t.TempDir(), SnapshotFileName(dir))
	require.NoError(t, Save(snap, snapPath))

	loaded, err := Load(snapPath)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, snap.Root, loaded.Root)
	assert.Equal(t, snap.Paths(), loaded.Paths())
}

func TestLoad_MissingFileIsAbsentNotError(t *testing.T) {
	snap, err := Load(filepath.Join(t.TempDir(), "nope.snapshot"))
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestLoad_CorruptFileIsAbsentNotError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrupt.snapshot")
	require.NoError(t, os.WriteFile(path, []byte("not a snapshot"), 0o644))
	snap, err := Load(path)
	require.NoError(t, err)
	assert.Nil(t, snap)
}

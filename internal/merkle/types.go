// Package merkle implements whole-tree content hashing for O(1) unchanged
// detection and O(k) change enumeration across an indexed directory.
//
// A Snapshot is a binary Merkle tree over the sorted (path, content hash)
// pairs of every tracked file. Two snapshots with equal root hashes
// guarantee the underlying file sets and contents are identical; comparing
// per-file leaf hashes cheaply narrows which files actually changed.
package merkle

import "time"

// SnapshotVersion is bumped whenever the on-disk Snapshot encoding changes
// incompatibly. Load rejects any other version by treating the snapshot as
// absent (full reindex fallback).
const SnapshotVersion = 1

// LeafHashSize is the width of a leaf/internal-node hash (sha256).
const LeafHashSize = 32

// Leaf is one tracked file's content hash, keyed by its path relative to
// the indexed root.
type Leaf struct {
	Path string
	Hash [LeafHashSize]byte
}

// Snapshot is the serializable Merkle state for one indexed directory.
//
// Leaves is sorted lexicographically by Path — this ordering is
// load-bearing: reproducibility of Root across runs depends on it.
type Snapshot struct {
	Root      [LeafHashSize]byte
	Leaves    []Leaf
	Version   uint32
	Timestamp time.Time

	// pathIndex maps a leaf's path to its position in Leaves. Save writes
	// a copy of it to disk, but Load ignores that copy and rebuilds the
	// index from Leaves, so the in-memory map always agrees with Leaves.
	pathIndex map[string]int
}

// LeafHash returns the content hash recorded for path and whether it is
// present in the snapshot.
func (s *Snapshot) LeafHash(path string) ([LeafHashSize]byte, bool) {
	if s == nil {
		return [LeafHashSize]byte{}, false
	}
	idx, ok := s.pathIndex[path]
	if !ok {
		return [LeafHashSize]byte{}, false
	}
	return s.Leaves[idx].Hash, true
}

// Paths returns every path tracked by the snapshot, in sorted order.
func (s *Snapshot) Paths() []string {
	if s == nil {
		return nil
	}
	paths := make([]string, len(s.Leaves))
	for i, l := range s.Leaves {
		paths[i] = l.Path
	}
	return paths
}

// buildIndex (re)populates pathIndex from Leaves. Must be called after any
// direct mutation of Leaves (construction, Load).
func (s *Snapshot) buildIndex() {
	s.pathIndex = make(map[string]int, len(s.Leaves))
	for i, l := range s.Leaves {
		s.pathIndex[l.Path] = i
	}
}

// Changes is the result of diffing two snapshots: the sets of paths added,
// removed, and modified between old and new.
type Changes struct {
	Added    []string
	Modified []string
	Deleted  []string
}

// Empty reports whether no files changed at all.
func (c Changes) Empty() bool {
	return len(c.Added) == 0 && len(c.Modified) == 0 && len(c.Deleted) == 0
}

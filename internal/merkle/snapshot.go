package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/amanmcp-labs/codesearchd/internal/errors"
)

func unixTime(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

// onDiskSnapshot is the gob wire format for a Snapshot: root hash, ordered
// leaf hashes, and the path→leaf-index map.
// Leaves is re-derived from this on Load; keeping the two in lockstep is
// Load's job, not the wire format's.
type onDiskSnapshot struct {
	Version        uint32
	Timestamp      int64 // unix seconds
	RootHash       [LeafHashSize]byte
	LeafHashes     [][LeafHashSize]byte
	LeafPaths      []string
	PathToLeafIdx  map[string]int
}

// SnapshotFileName returns the filename under which the snapshot for
// absoluteDir should be stored: `merkle/<dir-hash>.snapshot`.
func SnapshotFileName(absoluteDir string) string {
	sum := sha256.Sum256([]byte(absoluteDir))
	return fmt.Sprintf("%x.snapshot", sum[:8])
}

// Save atomically persists the snapshot to path (temp file + rename, so a
// crash mid-write never leaves a truncated snapshot that Load would have
// to treat as corrupt).
func Save(snap *Snapshot, path string) error {
	disk := onDiskSnapshot{
		Version:       SnapshotVersion,
		Timestamp:     snap.Timestamp.Unix(),
		RootHash:      snap.Root,
		LeafHashes:    make([][LeafHashSize]byte, len(snap.Leaves)),
		LeafPaths:     make([]string, len(snap.Leaves)),
		PathToLeafIdx: make(map[string]int, len(snap.Leaves)),
	}
	for i, l := range snap.Leaves {
		disk.LeafHashes[i] = l.Hash
		disk.LeafPaths[i] = l.Path
		disk.PathToLeafIdx[l.Path] = i
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&disk); err != nil {
		return errors.Wrap(errors.ErrCodeInternal, fmt.Errorf("merkle: encode snapshot: %w", err))
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(errors.ErrCodeFilePermission, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return errors.Wrap(errors.ErrCodeDiskFull, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrap(errors.ErrCodeDiskFull, err)
	}
	return nil
}

// Load reads a snapshot from path. A missing file, corrupt encoding, or a
// version mismatch are all treated as "no snapshot" (nil, nil) — the
// caller falls back to a full reindex rather than failing the pass.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, nil // unreadable snapshot: treat as absent, not fatal
	}

	var disk onDiskSnapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&disk); err != nil {
		return nil, nil // corrupt snapshot: treat as absent
	}
	if disk.Version != SnapshotVersion {
		return nil, nil // unknown version: treat as absent, full reindex
	}
	if len(disk.LeafHashes) != len(disk.LeafPaths) {
		return nil, nil // internally inconsistent: treat as absent
	}

	leaves := make([]Leaf, len(disk.LeafPaths))
	for i, p := range disk.LeafPaths {
		leaves[i] = Leaf{Path: p, Hash: disk.LeafHashes[i]}
	}

	snap := &Snapshot{
		Root:      disk.RootHash,
		Leaves:    leaves,
		Version:   disk.Version,
		Timestamp: unixTime(disk.Timestamp),
	}
	snap.buildIndex()
	return snap, nil
}

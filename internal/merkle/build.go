package merkle

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
)

// MaxHashWorkers bounds the parallel file-hashing worker pool.
const MaxHashWorkers = 12

// FileFilter decides whether a discovered path should be tracked by the
// snapshot. Returning false excludes the path (and, for directories, its
// entire subtree).
type FileFilter func(relPath string, d fs.DirEntry) bool

// HashErrorFunc is invoked when an individual file cannot be hashed (e.g.
// permission error, vanished between discovery and read). The file is then
// skipped and treated as absent from the snapshot; a single bad file is
// never fatal to the whole build.
type HashErrorFunc func(relPath string, err error)

// Build discovers every file under root that passes filter, hashes each
// with SHA-256, and assembles a Snapshot. Discovery is a single-threaded
// directory walk (I/O bound, naturally streamed); hashing is fully
// parallel across a bounded worker pool since it is CPU-bound and leaves
// are inserted at pre-assigned indices, so worker completion order never
// matters.
func Build(ctx context.Context, root string, filter FileFilter, onHashError HashErrorFunc) (*Snapshot, error) {
	paths, err := discover(root, filter)
	if err != nil {
		return nil, fmt.Errorf("merkle: discover: %w", err)
	}

	leaves := make([]Leaf, len(paths))
	for i, p := range paths {
		leaves[i].Path = p
	}

	g, gctx := errgroup.WithContext(ctx)
	workers := MaxHashWorkers
	if n := runtime.NumCPU(); n < workers {
		workers = n
	}
	if workers < 1 {
		workers = 1
	}
	sem := make(chan struct{}, workers)

	// present tracks which indices were hashed successfully; a failed hash
	// leaves its leaf absent from the final snapshot rather than aborting
	// the whole build.
	present := make([]bool, len(leaves))

	for i, p := range paths {
		i, p := i, p
		sem <- struct{}{}
		g.Go(func() error {
			defer func() { <-sem }()
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			h, err := hashFile(filepath.Join(root, p))
			if err != nil {
				if onHashError != nil {
					onHashError(p, err)
				}
				return nil
			}
			leaves[i].Hash = h
			present[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	kept := leaves[:0]
	for i, ok := range present {
		if ok {
			kept = append(kept, leaves[i])
		}
	}
	leaves = kept

	sort.Slice(leaves, func(i, j int) bool { return leaves[i].Path < leaves[j].Path })

	snap := &Snapshot{
		Root:      computeRoot(leaves),
		Leaves:    leaves,
		Version:   SnapshotVersion,
		Timestamp: time.Now(),
	}
	snap.buildIndex()
	return snap, nil
}

// discover walks root and returns every relative path accepted by filter,
// sorted lexicographically.
func discover(root string, filter FileFilter) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		if filter != nil && !filter(rel, d) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		paths = append(paths, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

func hashFile(path string) ([LeafHashSize]byte, error) {
	var zero [LeafHashSize]byte
	content, err := os.ReadFile(path)
	if err != nil {
		return zero, err
	}
	return sha256.Sum256(content), nil
}

// computeRoot builds a binary tree bottom-up over the ordered leaves by
// pairwise hashing, duplicating the last leaf when a level has an odd
// count. The empty tree has a well-defined constant root (sha256 of the
// empty byte string) so an empty directory indexes deterministically.
func computeRoot(leaves []Leaf) [LeafHashSize]byte {
	if len(leaves) == 0 {
		return sha256.Sum256(nil)
	}

	level := make([][LeafHashSize]byte, len(leaves))
	for i, l := range leaves {
		level[i] = l.Hash
	}

	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([][LeafHashSize]byte, len(level)/2)
		for i := 0; i < len(next); i++ {
			var buf [2 * LeafHashSize]byte
			copy(buf[:LeafHashSize], level[2*i][:])
			copy(buf[LeafHashSize:], level[2*i+1][:])
			next[i] = sha256.Sum256(buf[:])
		}
		level = next
	}
	return level[0]
}

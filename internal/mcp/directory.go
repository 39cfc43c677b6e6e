package mcp

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/amanmcp-labs/codesearchd/internal/embed"
	"github.com/amanmcp-labs/codesearchd/internal/search"
	"github.com/amanmcp-labs/codesearchd/internal/session"
	"github.com/amanmcp-labs/codesearchd/internal/store"
)

// DirectoryEngine bundles everything a single project directory's tool
// calls need: the hybrid search engine plus the stores backing health_check
// probes and the index_codebase tool.
type DirectoryEngine struct {
	Engine       search.SearchEngine
	Metadata     store.MetadataStore
	BM25         store.BM25Index
	Vector       store.VectorStore
	Embedder     embed.Embedder
	DataDir      string
	IndexTrigger IndexTrigger
	Close        func() error
}

// DirectoryEngineFactory builds (or loads) a DirectoryEngine rooted at
// directory. Supplied by the serve command, which owns the concrete
// store/engine construction shared with the one-shot CLI commands.
type DirectoryEngineFactory func(ctx context.Context, directory string) (*DirectoryEngine, error)

// DirectoryRouter resolves MCP tool calls to a per-directory DirectoryEngine,
// opening a named session.Manager session per directory so concurrent
// clients working against different repositories never share index state.
// This replaces binding the server to a single root directory at serve
// startup: every search/get_similar_code/index_codebase call carries its
// own absolute directory and is routed independently.
type DirectoryRouter struct {
	mu       sync.Mutex
	sessions *session.Manager
	factory  DirectoryEngineFactory
	engines  map[string]*DirectoryEngine
}

// NewDirectoryRouter creates a router that opens sessions via sessions (may
// be nil to skip session bookkeeping) and builds engines via factory.
func NewDirectoryRouter(sessions *session.Manager, factory DirectoryEngineFactory) *DirectoryRouter {
	return &DirectoryRouter{
		sessions: sessions,
		factory:  factory,
		engines:  make(map[string]*DirectoryEngine),
	}
}

// Resolve returns the DirectoryEngine for directory, building it on first
// use. Subsequent calls for the same directory reuse the cached engine so a
// session's index state persists across tool calls.
func (r *DirectoryRouter) Resolve(ctx context.Context, directory string) (*DirectoryEngine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if eng, ok := r.engines[directory]; ok {
		return eng, nil
	}

	if r.sessions != nil {
		if _, err := r.sessions.Open(sessionNameForDirectory(directory), directory); err != nil {
			return nil, fmt.Errorf("failed to open session for %s: %w", directory, err)
		}
	}

	eng, err := r.factory(ctx, directory)
	if err != nil {
		return nil, fmt.Errorf("failed to build engine for %s: %w", directory, err)
	}
	r.engines[directory] = eng
	return eng, nil
}

// Close shuts down every engine the router has built.
func (r *DirectoryRouter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for _, eng := range r.engines {
		if eng.Close == nil {
			continue
		}
		if err := eng.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// sessionNameForDirectory derives a stable session name from a directory so
// the same project path always resolves to the same session.Manager entry.
func sessionNameForDirectory(directory string) string {
	sum := sha256.Sum256([]byte(directory))
	return "dir-" + hex.EncodeToString(sum[:])[:16]
}

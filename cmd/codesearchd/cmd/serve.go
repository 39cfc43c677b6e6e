package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/amanmcp-labs/codesearchd/internal/async"
	"github.com/amanmcp-labs/codesearchd/internal/chunk"
	"github.com/amanmcp-labs/codesearchd/internal/config"
	"github.com/amanmcp-labs/codesearchd/internal/embed"
	"github.com/amanmcp-labs/codesearchd/internal/index"
	"github.com/amanmcp-labs/codesearchd/internal/logging"
	"github.com/amanmcp-labs/codesearchd/internal/merkle"
	mcpserver "github.com/amanmcp-labs/codesearchd/internal/mcp"
	"github.com/amanmcp-labs/codesearchd/internal/search"
	"github.com/amanmcp-labs/codesearchd/internal/session"
	"github.com/amanmcp-labs/codesearchd/internal/store"
	"github.com/amanmcp-labs/codesearchd/internal/telemetry"
	"github.com/amanmcp-labs/codesearchd/internal/ui"
	"github.com/amanmcp-labs/codesearchd/internal/watcher"
)

// serve must start the MCP handshake within ~500ms even when the
// background file watcher takes seconds to walk a large tree. The watcher
// therefore starts on its own goroutine and never gates Serve's return.
const defaultWatcherStartupTimeout = 5 * time.Second

func newServeCmd() *cobra.Command {
	var (
		debugFlag     bool
		transportFlag string
		sessionFlag   string
	)

	cmd := &cobra.Command{
		Use:   "serve [path]",
		Short: "Start the MCP server for AI coding assistants",
		Long: `Starts CodeSearchD as an MCP (Model Context Protocol) server, exposing
hybrid search over the indexed codebase as tools that assistants like
Claude Code and Cursor can call directly.

stdout is reserved exclusively for the JSON-RPC transport; all logging
goes to file. Use --debug to raise the log level.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			path := "."
			if len(args) > 0 {
				path = args[0]
			}
			absPath, err := filepath.Abs(path)
			if err != nil {
				return fmt.Errorf("failed to resolve path: %w", err)
			}

			if debugFlag {
				os.Setenv("AMANMCP_DEBUG", "1")
			}

			if sessionFlag != "" {
				return runServeWithSession(ctx, absPath, transportFlag, sessionFlag)
			}

			oldwd, err := os.Getwd()
			if err == nil && absPath != oldwd {
				if chErr := os.Chdir(absPath); chErr == nil {
					defer func() { _ = os.Chdir(oldwd) }()
				}
			}

			return runServe(ctx, transportFlag, 0)
		},
	}

	cmd.Flags().BoolVar(&debugFlag, "debug", false, "Enable debug logging to the MCP-safe log file")
	cmd.Flags().StringVar(&transportFlag, "transport", "stdio", "Transport to use: stdio (default) or sse")
	cmd.Flags().StringVar(&sessionFlag, "session", "", "Name of a session to open or create for this project")

	return cmd
}

// verifyStdinForMCP checks that stdin looks like a pipe, which is what the
// MCP stdio transport expects. It never fails hard - a terminal stdin just
// means the operator ran `codesearchd serve` interactively instead of
// through an MCP client, which is worth telling them about.
func verifyStdinForMCP() error {
	fd := os.Stdin.Fd()
	if isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd) {
		return fmt.Errorf("stdin is a terminal, not a pipe: the MCP stdio transport expects an MCP client " +
			"to connect via pipe, not an interactive terminal session")
	}
	return nil
}

// runServe starts the MCP server rooted at the current working directory.
// port is currently unused (reserved for a future non-stdio transport) and
// accepted so tests and callers can pass 0 without caring about transport.
func runServe(ctx context.Context, transport string, port int) error {
	root, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to resolve working directory: %w", err)
	}
	if found, findErr := config.FindProjectRoot(root); findErr == nil {
		root = found
	}

	return serveProject(ctx, root, transport, "")
}

// runServeWithSession starts the MCP server for root, storing its index
// data under a named session directory instead of root/.codesearchd.
// this path previously skipped MCP-safe logging setup entirely.
func runServeWithSession(ctx context.Context, root, transport, sessionName string) error {
	cleanup, logErr := logging.SetupMCPMode()
	if logErr == nil {
		defer cleanup()
	}

	cfg, err := config.Load(root)
	if err != nil {
		cfg = config.NewConfig()
	}

	mgr, err := session.NewManager(session.ManagerConfig{
		StoragePath: cfg.Sessions.StoragePath,
		MaxSessions: cfg.Sessions.MaxSessions,
	})
	if err != nil {
		return fmt.Errorf("failed to create session manager: %w", err)
	}

	sess, err := mgr.Open(sessionName, root)
	if err != nil {
		return fmt.Errorf("failed to open session %q: %w", sessionName, err)
	}

	return serveProjectWithLogging(ctx, root, transport, sess.SessionDir, true)
}

// serveProject sets up MCP-safe logging itself before delegating to
// serveProjectWithLogging. Split out so runServeWithSession (which must set
// up logging before touching the session manager) doesn't do it twice.
func serveProject(ctx context.Context, root, transport, dataDirOverride string) error {
	cleanup, logErr := logging.SetupMCPMode()
	if logErr == nil {
		defer cleanup()
	}
	return serveProjectWithLogging(ctx, root, transport, dataDirOverride, false)
}

// serveProjectWithLogging builds every dependency the MCP server needs
// (metadata store, BM25 index, vector store, embedder, search engine),
// wires a background file watcher that cannot block startup, and blocks on
// Serve until ctx is canceled. Mirrors the dependency construction in
// runIndexWithOptions and runLocalSearch, just long-lived instead of
// one-shot.
func serveProjectWithLogging(ctx context.Context, root, transport, dataDirOverride string, loggingAlreadySetUp bool) error {
	_ = loggingAlreadySetUp

	if err := verifyStdinForMCP(); err != nil {
		slog.Warn("stdin verification failed, continuing anyway", slog.String("error", err.Error()))
	}

	dataDir := dataDirOverride
	if dataDir == "" {
		dataDir = filepath.Join(root, ".codesearchd")
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg, err := config.Load(root)
	if err != nil {
		cfg = config.NewConfig()
	}

	pidFile := filepath.Join(dataDir, "serve.pid")
	if err := os.WriteFile(pidFile, []byte(fmt.Sprintf("%d", os.Getpid())), 0644); err == nil {
		defer func() { _ = os.Remove(pidFile) }()
	}

	metadataPath := filepath.Join(dataDir, "metadata.db")
	metadata, err := store.NewSQLiteStore(metadataPath)
	if err != nil {
		return fmt.Errorf("failed to open metadata store: %w", err)
	}
	defer func() { _ = metadata.Close() }()

	bm25BasePath := filepath.Join(dataDir, "bm25")
	bm25, err := store.NewBM25IndexWithBackend(bm25BasePath, store.DefaultBM25Config(), cfg.Search.BM25Backend)
	if err != nil {
		return fmt.Errorf("failed to open BM25 index: %w", err)
	}
	defer func() { _ = bm25.Close() }()

	embed.SetThermalConfig(embed.ThermalConfig{
		TimeoutProgression:     cfg.Embeddings.TimeoutProgression,
		RetryTimeoutMultiplier: cfg.Embeddings.RetryTimeoutMultiplier,
	})
	embed.SetMLXConfig(embed.MLXServerConfig{
		Endpoint: cfg.Embeddings.MLXEndpoint,
		Model:    cfg.Embeddings.MLXModel,
	})

	provider := embed.ParseProvider(cfg.Embeddings.Provider)
	embedCtx, embedCancel := context.WithTimeout(ctx, 15*time.Second)
	embedder, err := embed.NewEmbedder(embedCtx, provider, cfg.Embeddings.Model)
	embedCancel()
	if err != nil {
		return fmt.Errorf("embedder initialization failed: %w", err)
	}
	defer func() { _ = embedder.Close() }()

	vectorPath := filepath.Join(dataDir, "vectors.hnsw")
	vectorCfg := store.DefaultVectorStoreConfig(embedder.Dimensions())
	vector, err := store.NewHNSWStore(vectorCfg)
	if err != nil {
		return fmt.Errorf("failed to create vector store: %w", err)
	}
	defer func() { _ = vector.Close() }()
	if _, statErr := os.Stat(vectorPath); statErr == nil {
		if loadErr := vector.Load(vectorPath); loadErr != nil {
			slog.Warn("failed to load vector store", slog.String("error", loadErr.Error()))
		}
	}

	engineConfig := search.DefaultConfig()
	if cfg.Search.MaxResults > 0 {
		engineConfig.DefaultLimit = cfg.Search.MaxResults
	}
	if cfg.Search.BM25Weight > 0 || cfg.Search.SemanticWeight > 0 {
		engineConfig.DefaultWeights = search.Weights{
			BM25:     cfg.Search.BM25Weight,
			Semantic: cfg.Search.SemanticWeight,
		}
	}
	if cfg.Search.RRFConstant > 0 {
		engineConfig.RRFConstant = cfg.Search.RRFConstant
	}

	var metrics *telemetry.QueryMetrics
	if err := telemetry.InitTelemetrySchema(metadata.DB()); err != nil {
		slog.Warn("telemetry_schema_init_failed", slog.String("error", err.Error()))
	} else if metricsStore, storeErr := telemetry.NewSQLiteMetricsStore(metadata.DB()); storeErr != nil {
		slog.Warn("telemetry_store_init_failed", slog.String("error", storeErr.Error()))
	} else {
		metrics = telemetry.NewQueryMetrics(metricsStore)
	}

	engine, err := search.NewEngine(bm25, vector, embedder, metadata, engineConfig,
		search.WithMultiQuerySearch(search.NewPatternDecomposer()),
		search.WithMetrics(metrics))
	if err != nil {
		return fmt.Errorf("failed to create search engine: %w", err)
	}
	defer func() { _ = engine.Close() }()

	mcpSrv, err := mcpserver.NewServer(engine, metadata, embedder, cfg, root)
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}
	mcpSrv.SetStores(bm25, vector, dataDir)
	trigger := newIndexTrigger(cfg, metadata, bm25, vector, embedder, root, dataDir)
	mcpSrv.SetIndexTrigger(trigger)
	mcpSrv.SetMetrics(metrics)
	defer func() { _ = mcpSrv.Close() }()

	sessionMgr, sessionErr := session.NewManager(session.ManagerConfig{
		StoragePath: cfg.Sessions.StoragePath,
		MaxSessions: cfg.Sessions.MaxSessions,
	})
	if sessionErr != nil {
		slog.Warn("directory_router_session_manager_failed", slog.String("error", sessionErr.Error()))
	} else {
		router := mcpserver.NewDirectoryRouter(sessionMgr, buildDirectoryEngine)
		mcpSrv.SetDirectoryRouter(router)
		defer func() { _ = router.Close() }()
	}

	progress := async.NewIndexProgress()
	mcpSrv.SetIndexProgress(progress)
	startInitialIndex(ctx, trigger, progress)

	startBackgroundWatcher(ctx, cfg, engine, metadata, root, dataDir)

	slog.Info("serve_starting", slog.String("root", root), slog.String("data_dir", dataDir), slog.String("transport", transport))
	return mcpSrv.Serve(ctx, transport, "")
}

// startBackgroundWatcher launches the file watcher and incremental-index
// coordinator on their own goroutine. AMANMCP_WATCHER_STARTUP_TIMEOUT bounds
// how long Start() is given before this goroutine gives up and logs a
// warning; it never blocks the caller, which is what lets Serve return
// (and the MCP handshake begin) immediately regardless of how slow the
// underlying filesystem is.
func startBackgroundWatcher(ctx context.Context, cfg *config.Config, engine *search.Engine, metadata store.MetadataStore, root, dataDir string) {
	startupTimeout := defaultWatcherStartupTimeout
	if v := os.Getenv("AMANMCP_WATCHER_STARTUP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			startupTimeout = d
		}
	}

	go func() {
		opts := watcher.DefaultOptions().WithDefaults()
		hw, err := watcher.NewHybridWatcher(opts)
		if err != nil {
			slog.Warn("file_watcher_create_failed", slog.String("error", err.Error()))
			return
		}

		startCtx, cancel := context.WithTimeout(ctx, startupTimeout)
		startErr := hw.Start(startCtx, root)
		cancel()
		if startErr != nil {
			slog.Warn("file_watcher_start_failed", slog.String("error", startErr.Error()),
				slog.Duration("timeout", startupTimeout))
			return
		}
		slog.Info("file_watcher_started", slog.String("root", root), slog.String("type", hw.WatcherType()))

		coordinator := index.NewCoordinator(index.CoordinatorConfig{
			ProjectID:       hashProjectID(root),
			RootPath:        root,
			DataDir:         dataDir,
			Engine:          engine,
			Metadata:        metadata,
			CodeChunker:     chunk.NewCodeChunker(),
			MDChunker:       chunk.NewMarkdownChunker(),
			ExcludePatterns: cfg.Paths.Exclude,
		})

		defer func() { _ = hw.Stop() }()

		for {
			select {
			case <-ctx.Done():
				return
			case events, ok := <-hw.Events():
				if !ok {
					return
				}
				if err := coordinator.HandleEvents(ctx, events); err != nil {
					slog.Warn("coordinator_handle_events_failed", slog.String("error", err.Error()))
				}
			case err, ok := <-hw.Errors():
				if !ok {
					continue
				}
				slog.Warn("file_watcher_error", slog.String("error", err.Error()))
			}
		}
	}()
}

// buildDirectoryEngine opens (or creates) the full set of stores for an
// arbitrary project directory and wires them into a mcpserver.DirectoryEngine.
// It is the DirectoryEngineFactory behind SetDirectoryRouter, giving every
// search/get_similar_code/index_codebase call its own isolated index state
// keyed by the absolute directory it names, rather than the single root
// bound when serve started.
func buildDirectoryEngine(ctx context.Context, directory string) (*mcpserver.DirectoryEngine, error) {
	root := directory
	if found, findErr := config.FindProjectRoot(directory); findErr == nil {
		root = found
	}

	dataDir := filepath.Join(root, ".codesearchd")
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg, err := config.Load(root)
	if err != nil {
		cfg = config.NewConfig()
	}

	metadataPath := filepath.Join(dataDir, "metadata.db")
	metadata, err := store.NewSQLiteStore(metadataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata store: %w", err)
	}

	bm25BasePath := filepath.Join(dataDir, "bm25")
	bm25, err := store.NewBM25IndexWithBackend(bm25BasePath, store.DefaultBM25Config(), cfg.Search.BM25Backend)
	if err != nil {
		_ = metadata.Close()
		return nil, fmt.Errorf("failed to open BM25 index: %w", err)
	}

	provider := embed.ParseProvider(cfg.Embeddings.Provider)
	embedCtx, embedCancel := context.WithTimeout(ctx, 15*time.Second)
	embedder, err := embed.NewEmbedder(embedCtx, provider, cfg.Embeddings.Model)
	embedCancel()
	if err != nil {
		_ = bm25.Close()
		_ = metadata.Close()
		return nil, fmt.Errorf("embedder initialization failed: %w", err)
	}

	vectorPath := filepath.Join(dataDir, "vectors.hnsw")
	vectorCfg := store.DefaultVectorStoreConfig(embedder.Dimensions())
	vector, err := store.NewHNSWStore(vectorCfg)
	if err != nil {
		_ = embedder.Close()
		_ = bm25.Close()
		_ = metadata.Close()
		return nil, fmt.Errorf("failed to create vector store: %w", err)
	}
	if _, statErr := os.Stat(vectorPath); statErr == nil {
		if loadErr := vector.Load(vectorPath); loadErr != nil {
			slog.Warn("directory_engine_vector_load_failed", slog.String("directory", root), slog.String("error", loadErr.Error()))
		}
	}

	engineConfig := search.DefaultConfig()
	if cfg.Search.MaxResults > 0 {
		engineConfig.DefaultLimit = cfg.Search.MaxResults
	}
	if cfg.Search.BM25Weight > 0 || cfg.Search.SemanticWeight > 0 {
		engineConfig.DefaultWeights = search.Weights{
			BM25:     cfg.Search.BM25Weight,
			Semantic: cfg.Search.SemanticWeight,
		}
	}
	if cfg.Search.RRFConstant > 0 {
		engineConfig.RRFConstant = cfg.Search.RRFConstant
	}

	engine, err := search.NewEngine(bm25, vector, embedder, metadata, engineConfig,
		search.WithMultiQuerySearch(search.NewPatternDecomposer()))
	if err != nil {
		_ = vector.Close()
		_ = embedder.Close()
		_ = bm25.Close()
		_ = metadata.Close()
		return nil, fmt.Errorf("failed to create search engine: %w", err)
	}

	trigger := newIndexTrigger(cfg, metadata, bm25, vector, embedder, root, dataDir)

	return &mcpserver.DirectoryEngine{
		Engine:       engine,
		Metadata:     metadata,
		BM25:         bm25,
		Vector:       vector,
		Embedder:     embedder,
		DataDir:      dataDir,
		IndexTrigger: trigger,
		Close: func() error {
			_ = engine.Close()
			_ = vector.Close()
			_ = embedder.Close()
			_ = bm25.Close()
			return metadata.Close()
		},
	}, nil
}

// hashProjectID mirrors the project ID derivation used by the index runner,
// so the background coordinator's RefreshProjectStats calls target the same
// project row the initial index run created.
func hashProjectID(root string) string {
	return hashString(root)
}

// mcpIndexTrigger adapts a Runner into the mcp.IndexTrigger interface so the
// index_codebase tool can kick off a real (re)index without internal/mcp
// importing internal/index directly.
type mcpIndexTrigger struct {
	mu       sync.Mutex
	cfg      *config.Config
	metadata store.MetadataStore
	bm25     store.BM25Index
	vector   store.VectorStore
	embedder embed.Embedder
	root     string
	dataDir  string
}

func newIndexTrigger(cfg *config.Config, metadata store.MetadataStore, bm25 store.BM25Index, vector store.VectorStore, embedder embed.Embedder, root, dataDir string) *mcpIndexTrigger {
	return &mcpIndexTrigger{
		cfg:      cfg,
		metadata: metadata,
		bm25:     bm25,
		vector:   vector,
		embedder: embedder,
		root:     root,
		dataDir:  dataDir,
	}
}

// TriggerIndex runs the indexing pipeline against the already-open stores
// that back the live MCP server. force_reindex is implemented by deleting
// the merkle snapshot first: with no snapshot, the next diff reports every
// file as added, which the runner processes through its normal
// delete-before-upsert path.
func (t *mcpIndexTrigger) TriggerIndex(ctx context.Context, forceReindex bool) (int, int, string, error) {
	if forceReindex {
		snapshotPath := filepath.Join(t.dataDir, "merkle", merkle.SnapshotFileName(t.root))
		_ = os.Remove(snapshotPath)
	}

	renderer := ui.NewRenderer(ui.NewConfig(noopWriter{}, ui.WithForcePlain(true)))
	result, err := t.runIndex(ctx, renderer)
	if err != nil {
		return 0, 0, "", err
	}

	status := "indexed"
	if !forceReindex && result.Files == 0 && result.Chunks == 0 {
		status = "no_changes"
	}
	return result.Files, result.Chunks, status, nil
}

// runIndex builds a Runner against the trigger's already-open stores and
// runs one pass. Shared by TriggerIndex (index_codebase tool, noop renderer)
// and startInitialIndex (serve startup, progress-reporting renderer); the
// mutex serializes the two so a manual index_codebase call during the
// startup pass can't race it over the same bm25/vector/metadata stores.
func (t *mcpIndexTrigger) runIndex(ctx context.Context, renderer ui.Renderer) (*index.RunnerResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	runner, err := index.NewRunner(index.RunnerDependencies{
		Renderer: renderer,
		Config:   t.cfg,
		Metadata: t.metadata,
		BM25:     t.bm25,
		Vector:   t.vector,
		Embedder: t.embedder,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create index runner: %w", err)
	}
	defer func() { _ = runner.Close() }()

	return runner.Run(ctx, index.RunnerConfig{
		RootDir: t.root,
		DataDir: t.dataDir,
	})
}

// startInitialIndex kicks off a startup indexing pass on its own goroutine,
// reporting progress through an async.IndexProgress so health_check can
// surface indexing/ready/error state to a client that calls it before the
// pass completes. Never blocks Serve: Merkle-gated diffing already makes an
// up-to-date tree a fast no-op, but a cold cache on a large repo can take
// a while, and the MCP handshake must not wait on it.
func startInitialIndex(ctx context.Context, trigger *mcpIndexTrigger, progress *async.IndexProgress) {
	go func() {
		renderer := newProgressRenderer(progress)
		if _, err := trigger.runIndex(ctx, renderer); err != nil {
			slog.Warn("initial_index_failed", slog.String("error", err.Error()))
			progress.SetError(err.Error())
			return
		}
		progress.SetReady()
	}()
}

// progressRenderer adapts ui.Renderer's push-style progress events onto an
// async.IndexProgress, so a Runner pass can feed health_check's Indexing
// block without internal/index or internal/async depending on each other.
type progressRenderer struct {
	progress *async.IndexProgress
}

func newProgressRenderer(progress *async.IndexProgress) *progressRenderer {
	return &progressRenderer{progress: progress}
}

func (r *progressRenderer) Start(ctx context.Context) error { return nil }

func (r *progressRenderer) UpdateProgress(event ui.ProgressEvent) {
	r.progress.SetStage(progressStage(event.Stage), event.Total)
	switch event.Stage {
	case ui.StageEmbedding, ui.StageIndexing:
		r.progress.UpdateChunks(event.Current)
	default:
		r.progress.UpdateFiles(event.Current)
	}
}

// progressStage maps the renderer's finer-grained ui.Stage (which also
// tracks contextual-enrichment and a terminal "complete" marker) onto the
// four stages health_check's Indexing block reports.
func progressStage(s ui.Stage) async.IndexingStage {
	switch s {
	case ui.StageScanning:
		return async.StageScanning
	case ui.StageChunking, ui.StageContextual:
		return async.StageChunking
	case ui.StageEmbedding:
		return async.StageEmbedding
	default:
		return async.StageIndexing
	}
}

func (r *progressRenderer) AddError(event ui.ErrorEvent) {
	if !event.IsWarn {
		slog.Warn("initial_index_file_error", slog.String("file", event.File), slog.String("error", event.Err.Error()))
	}
}

func (r *progressRenderer) Complete(stats ui.CompletionStats) {}

func (r *progressRenderer) Stop() error { return nil }

// noopWriter discards renderer output; the index_codebase tool must never
// write to stdout while the MCP stdio transport owns it.
type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }

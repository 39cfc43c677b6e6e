package mcp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/amanmcp-labs/codesearchd/internal/async"
	"github.com/amanmcp-labs/codesearchd/internal/config"
	"github.com/amanmcp-labs/codesearchd/internal/embed"
	"github.com/amanmcp-labs/codesearchd/internal/merkle"
	"github.com/amanmcp-labs/codesearchd/internal/search"
	"github.com/amanmcp-labs/codesearchd/internal/store"
	"github.com/amanmcp-labs/codesearchd/internal/telemetry"
	"github.com/amanmcp-labs/codesearchd/pkg/version"
)

// IndexTrigger lets the MCP server kick off an indexing pass without
// importing the indexing pipeline directly. serve.go supplies the
// concrete implementation, built around the same Runner used by the
// index CLI command.
type IndexTrigger interface {
	TriggerIndex(ctx context.Context, forceReindex bool) (indexedFiles, totalChunks int, status string, err error)
}

// Server is the MCP server for CodeSearchD.
// It bridges AI clients (Claude Code, Cursor) with the hybrid search engine.
type Server struct {
	mcp      *mcp.Server
	engine   search.SearchEngine
	metadata store.MetadataStore
	embedder embed.Embedder // Embedder for capability signaling
	config   *config.Config
	logger   *slog.Logger

	// Project identification for resource operations
	projectID string
	rootPath  string

	// bm25/vector/dataDir back the health_check subsystem probes. May be
	// nil/empty when the server was constructed without direct store access.
	bm25     store.BM25Index
	vector   store.VectorStore
	dataDir  string

	// indexTrigger backs the index_codebase tool when no directory router is
	// configured. nil means the tool reports an error rather than attempting
	// to index anything.
	indexTrigger IndexTrigger

	// router resolves search/get_similar_code/index_codebase calls to a
	// per-directory engine instead of the single bound engine above. Set via
	// SetDirectoryRouter; nil means every call uses the bound engine.
	router *DirectoryRouter

	// Background indexing progress (nil if not indexing)
	indexProgress *async.IndexProgress

	// Query telemetry (optional, set via SetMetrics)
	metrics *telemetry.QueryMetrics

	mu sync.RWMutex
}

// ToolInfo contains information about a registered tool.
type ToolInfo struct {
	Name        string
	Description string
}

// ResourceInfo contains information about a resource.
type ResourceInfo struct {
	URI      string
	Name     string
	MIMEType string
}

// ResourceContent contains the content of a resource.
type ResourceContent struct {
	URI      string
	Content  string
	MIMEType string
}

// SearchInput defines the input schema for the search tool.
type SearchInput struct {
	Directory string   `json:"directory" jsonschema:"absolute path to the project root to search"`
	Query     string   `json:"query" jsonschema:"the search query to execute"`
	Limit     int      `json:"limit,omitempty" jsonschema:"maximum number of results, default 10, max 50"`
	Filter    string   `json:"filter,omitempty" jsonschema:"filter by content type: all, code, docs"`
	Language  string   `json:"language,omitempty" jsonschema:"filter by programming language, e.g. go, typescript"`
	Scope     []string `json:"scope,omitempty" jsonschema:"filter by path prefixes (OR logic)"`
}

// SearchOutput defines the output schema for the search tool.
type SearchOutput struct {
	Results []SearchResultOutput `json:"results" jsonschema:"list of search results"`
}

// SearchResultOutput defines a single search result with context-rich metadata.
type SearchResultOutput struct {
	FilePath     string   `json:"file_path" jsonschema:"file path relative to project root"`
	Content      string   `json:"content" jsonschema:"matched content snippet"`
	Score        float64  `json:"score" jsonschema:"relevance score between 0 and 1"`
	Language     string   `json:"language,omitempty" jsonschema:"programming language of the file"`
	MatchReason  string   `json:"match_reason,omitempty" jsonschema:"human-readable explanation of why this result matched"`
	Symbol       string   `json:"symbol,omitempty" jsonschema:"primary symbol name (function, class, type)"`
	SymbolType   string   `json:"symbol_type,omitempty" jsonschema:"type of symbol: function, class, interface, type, method"`
	Signature    string   `json:"signature,omitempty" jsonschema:"full function/method signature"`
	MatchedTerms []string `json:"matched_terms,omitempty" jsonschema:"query terms that matched this result"`
	InBothLists  bool     `json:"in_both_lists,omitempty" jsonschema:"true if result appeared in both keyword and semantic search"`
}

// NewServer creates a new MCP server.
// The embedder parameter is used for capability signaling - AI clients can query
// the actual embedder state to adjust their search strategies.
// rootPath is used for project detection (go.mod, package.json, etc.).
func NewServer(engine search.SearchEngine, metadata store.MetadataStore, embedder embed.Embedder, cfg *config.Config, rootPath string) (*Server, error) {
	if engine == nil {
		return nil, errors.New("search engine is required")
	}
	if metadata == nil {
		return nil, errors.New("metadata store is required")
	}
	if cfg == nil {
		cfg = config.NewConfig()
	}

	s := &Server{
		engine:   engine,
		metadata: metadata,
		embedder: embedder, // May be nil - will report as unavailable
		config:   cfg,
		rootPath: rootPath,
		logger:   slog.Default(),
	}

	// Create MCP server with implementation info
	s.mcp = mcp.NewServer(
		&mcp.Implementation{
			Name:    "CodeSearchD",
			Version: version.Version,
		},
		nil, // ServerOptions - capabilities are inferred from registered tools/resources
	)

	// Register tools
	s.registerTools()

	return s, nil
}

// SetIndexProgress sets the index progress tracker for background indexing.
// This enables the server to report indexing progress via health_check and
// return appropriate messages when search is called during indexing.
func (s *Server) SetIndexProgress(progress *async.IndexProgress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexProgress = progress
}

// SetMetrics sets the query metrics collector for telemetry.
// When set, a query_metrics resource is registered.
func (s *Server) SetMetrics(m *telemetry.QueryMetrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = m

	// Register query_metrics resource if metrics is provided
	if m != nil {
		s.registerQueryMetricsResource()
	}
}

// SetStores gives the server direct access to the lexical/vector stores and
// the data directory so health_check can probe each subsystem individually
// instead of only reporting aggregate engine stats.
func (s *Server) SetStores(bm25 store.BM25Index, vector store.VectorStore, dataDir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bm25 = bm25
	s.vector = vector
	s.dataDir = dataDir
}

// SetIndexTrigger wires the implementation backing the index_codebase tool.
func (s *Server) SetIndexTrigger(t IndexTrigger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexTrigger = t
}

// SetDirectoryRouter wires per-directory engine resolution for
// search/get_similar_code/index_codebase. Once set, a call's directory
// parameter (an absolute path) determines which project's index it
// operates against instead of the single root bound at server construction.
func (s *Server) SetDirectoryRouter(r *DirectoryRouter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.router = r
}

// resolveDirectory validates directory and, when a DirectoryRouter is
// configured, resolves it to that directory's own DirectoryEngine. With no
// router configured, or an empty directory, it falls back to the engine
// bound at server construction so single-root deployments keep working
// unchanged.
func (s *Server) resolveDirectory(ctx context.Context, directory string) (*DirectoryEngine, error) {
	if directory != "" && !filepath.IsAbs(directory) {
		return nil, NewInvalidParamsError("directory must be an absolute path")
	}

	if directory == "" || s.router == nil {
		return &DirectoryEngine{
			Engine:       s.engine,
			Metadata:     s.metadata,
			BM25:         s.bm25,
			Vector:       s.vector,
			Embedder:     s.embedder,
			DataDir:      s.dataDir,
			IndexTrigger: s.indexTrigger,
		}, nil
	}

	return s.router.Resolve(ctx, directory)
}

// MCPServer returns the underlying MCP server instance.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcp
}

// Info returns the server name and version.
func (s *Server) Info() (name, ver string) {
	return "CodeSearchD", version.Version
}

// Capabilities returns whether tools and resources are enabled.
func (s *Server) Capabilities() (hasTools, hasResources bool) {
	return true, true
}

// ListTools returns all registered tools.
func (s *Server) ListTools() []ToolInfo {
	return []ToolInfo{
		{
			Name:        "search",
			Description: "Primary search tool. Instantly finds code and documentation using a full-codebase index. Use this for 95% of your search tasks - faster and smarter than grep. Understands code semantics, not just keywords. Triggers an incremental index if the project hasn't been indexed yet.",
		},
		{
			Name:        "get_similar_code",
			Description: "Finds code similar to a snippet or description using vector similarity only (no keyword matching). Use when you already have a concrete piece of code and want its semantic neighbors.",
		},
		{
			Name:        "index_codebase",
			Description: "Manually (re)indexes the project. Use force_reindex to rebuild from scratch; otherwise only changed files are reprocessed.",
		},
		{
			Name:        "health_check",
			Description: "Reports the health of the lexical index, vector index, and merkle snapshot, plus which embedder is active. Use before searching to verify the index is ready.",
		},
	}
}

// CallTool invokes a tool by name with the given arguments.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch name {
	case "search":
		return s.handleSearchTool(ctx, args)
	case "get_similar_code":
		return s.handleGetSimilarCodeTool(ctx, args)
	case "index_codebase":
		return s.handleIndexCodebaseTool(ctx, args)
	case "health_check":
		return s.handleHealthCheckTool(ctx)
	default:
		return nil, NewMethodNotFoundError(name)
	}
}

// handleSearchTool handles the search tool invocation.
// Returns markdown-formatted results.
func (s *Server) handleSearchTool(ctx context.Context, args map[string]any) (string, error) {
	// Check if indexing is in progress
	s.mu.RLock()
	progress := s.indexProgress
	s.mu.RUnlock()

	if progress != nil && progress.IsIndexing() {
		snap := progress.Snapshot()
		return fmt.Sprintf("## Indexing in Progress\n\n"+
			"**Progress:** %.1f%% (%d/%d files)\n"+
			"**Stage:** %s\n\n"+
			"Search results may be incomplete or unavailable. Please try again in a moment.",
			snap.ProgressPct, snap.FilesProcessed, snap.FilesTotal, snap.Stage), nil
	}

	start := time.Now()
	requestID := generateRequestID()

	directory, _ := args["directory"].(string)
	eng, err := s.resolveDirectory(ctx, directory)
	if err != nil {
		return "", err
	}

	// Extract and validate query
	query, ok := args["query"].(string)
	if !ok || query == "" {
		return "", NewInvalidParamsError("query parameter is required and must be a non-empty string")
	}

	// Validate query is not just whitespace
	if strings.TrimSpace(query) == "" {
		return "", NewInvalidParamsError("query cannot be empty or whitespace only")
	}

	// Extract optional parameters with limit clamping
	limit := clampLimit(0, 10, 1, 50) // default 10
	if l, ok := args["limit"].(float64); ok {
		limit = clampLimit(int(l), 10, 1, 50)
	}

	s.logger.Info("search started",
		slog.String("request_id", requestID),
		slog.String("query", query),
		slog.Int("limit", limit))

	opts := search.SearchOptions{
		Limit: limit,
	}

	if filter, ok := args["filter"].(string); ok {
		opts.Filter = filter
	}
	if lang, ok := args["language"].(string); ok {
		opts.Language = lang
	}
	if scope, ok := args["scope"].([]interface{}); ok {
		for _, s := range scope {
			if str, ok := s.(string); ok {
				opts.Scopes = append(opts.Scopes, str)
			}
		}
	}

	// Execute search
	results, err := eng.Engine.Search(ctx, query, opts)
	duration := time.Since(start)

	if err != nil {
		s.logger.Error("search failed",
			slog.String("request_id", requestID),
			slog.Duration("duration", duration),
			slog.String("error", err.Error()))
		return "", MapError(err)
	}

	s.logger.Info("search completed",
		slog.String("request_id", requestID),
		slog.Duration("duration", duration),
		slog.Int("result_count", len(results)))

	return formatByFilter(opts.Filter, query, results), nil
}

// formatByFilter picks a markdown formatter matching the search filter so
// code and doc results keep their distinct presentation even though they
// now share a single tool.
func formatByFilter(filter, query string, results []*search.SearchResult) string {
	switch filter {
	case "code":
		return FormatCodeResults(query, results, "")
	case "docs":
		return FormatDocsResults(query, results)
	default:
		return FormatSearchResults(query, results)
	}
}

// handleGetSimilarCodeTool handles the get_similar_code tool invocation.
// Returns markdown-formatted results from vector search only.
func (s *Server) handleGetSimilarCodeTool(ctx context.Context, args map[string]any) (string, error) {
	start := time.Now()
	requestID := generateRequestID()

	directory, _ := args["directory"].(string)
	eng, err := s.resolveDirectory(ctx, directory)
	if err != nil {
		return "", err
	}

	query, ok := args["query"].(string)
	if !ok || query == "" {
		return "", NewInvalidParamsError("query parameter is required and must be a non-empty string")
	}
	if strings.TrimSpace(query) == "" {
		return "", NewInvalidParamsError("query cannot be empty or whitespace only")
	}

	limit := clampLimit(0, 5, 1, 50) // default 5
	if l, ok := args["limit"].(float64); ok {
		limit = clampLimit(int(l), 5, 1, 50)
	}

	s.logger.Info("get_similar_code started",
		slog.String("request_id", requestID),
		slog.String("query", query),
		slog.Int("limit", limit))

	opts := search.SearchOptions{
		Limit:      limit,
		VectorOnly: true,
	}

	results, err := eng.Engine.Search(ctx, query, opts)
	duration := time.Since(start)

	if err != nil {
		s.logger.Error("get_similar_code failed",
			slog.String("request_id", requestID),
			slog.Duration("duration", duration),
			slog.String("error", err.Error()))
		return "", MapError(err)
	}

	s.logger.Info("get_similar_code completed",
		slog.String("request_id", requestID),
		slog.Duration("duration", duration),
		slog.Int("result_count", len(results)))

	return FormatSimilarCodeResults(query, results), nil
}

// handleIndexCodebaseTool handles the index_codebase tool invocation.
func (s *Server) handleIndexCodebaseTool(ctx context.Context, args map[string]any) (*IndexCodebaseOutput, error) {
	requestID := generateRequestID()

	directory, _ := args["directory"].(string)
	eng, err := s.resolveDirectory(ctx, directory)
	if err != nil {
		return nil, err
	}

	if eng.IndexTrigger == nil {
		return nil, fmt.Errorf("indexing is not available on this server instance")
	}

	force, _ := args["force_reindex"].(bool)

	s.logger.Info("index_codebase started",
		slog.String("request_id", requestID),
		slog.Bool("force_reindex", force))

	files, chunks, status, err := eng.IndexTrigger.TriggerIndex(ctx, force)
	if err != nil {
		s.logger.Error("index_codebase failed",
			slog.String("request_id", requestID),
			slog.String("error", err.Error()))
		return nil, MapError(err)
	}

	s.logger.Info("index_codebase completed",
		slog.String("request_id", requestID),
		slog.Int("indexed_files", files),
		slog.Int("total_chunks", chunks),
		slog.String("status", status))

	return &IndexCodebaseOutput{
		IndexedFiles: files,
		TotalChunks:  chunks,
		Status:       status,
	}, nil
}

// handleHealthCheckTool handles the health_check tool invocation.
// Returns per-subsystem probe results plus embedder capability info, so an
// AI client deciding whether to trust semantic results can see if the
// vector arm is running on a degraded (static) embedder.
func (s *Server) handleHealthCheckTool(ctx context.Context) (*HealthCheckOutput, error) {
	start := time.Now()
	requestID := generateRequestID()

	s.logger.Info("health_check started", slog.String("request_id", requestID))

	stats := s.engine.Stats()

	var actualProvider, actualModel, semanticQuality, status string
	var dimensions int
	var isFallbackActive bool

	if s.embedder != nil {
		actualModel = s.embedder.ModelName()
		dimensions = s.embedder.Dimensions()

		isFallbackActive = actualModel == "static" || dimensions == embed.StaticDimensions

		if isFallbackActive {
			actualProvider = "static"
			semanticQuality = "low"
		} else {
			actualProvider = "hugot"
			semanticQuality = "high"
		}

		if s.embedder.Available(ctx) {
			status = "ready"
		} else {
			status = "unavailable"
		}
	} else {
		actualProvider = "none"
		actualModel = "none"
		dimensions = 0
		isFallbackActive = true
		semanticQuality = "none"
		status = "unavailable"
	}

	detector := NewProjectDetector(s.rootPath, s.logger)
	projectInfo := detector.Detect()

	output := &HealthCheckOutput{
		Project: *projectInfo,
		Stats: IndexStats{
			LastIndexed: time.Now().Format(time.RFC3339),
		},
		Embeddings: EmbeddingInfo{
			Provider:         s.config.Embeddings.Provider,
			Model:            s.config.Embeddings.Model,
			Status:           status,
			ActualProvider:   actualProvider,
			ActualModel:      actualModel,
			Dimensions:       dimensions,
			IsFallbackActive: isFallbackActive,
			SemanticQuality:  semanticQuality,
		},
		Subsystems: s.probeSubsystems(),
	}

	if stats != nil {
		if stats.BM25Stats != nil {
			output.Stats.FileCount = stats.BM25Stats.DocumentCount
		}
		output.Stats.ChunkCount = stats.VectorCount
	}

	s.mu.RLock()
	progress := s.indexProgress
	s.mu.RUnlock()

	if progress != nil {
		snap := progress.Snapshot()
		output.Indexing = &IndexingProgress{
			Status:         snap.Status,
			Stage:          snap.Stage,
			FilesTotal:     snap.FilesTotal,
			FilesProcessed: snap.FilesProcessed,
			ChunksIndexed:  snap.ChunksIndexed,
			ProgressPct:    snap.ProgressPct,
			ElapsedSeconds: snap.ElapsedSeconds,
			ErrorMessage:   snap.ErrorMessage,
		}
	}

	duration := time.Since(start)
	s.logger.Info("health_check completed",
		slog.String("request_id", requestID),
		slog.Duration("duration", duration),
		slog.String("project_name", projectInfo.Name),
		slog.String("project_type", projectInfo.Type))

	return output, nil
}

// probeSubsystems checks the lexical index, vector index, and merkle
// snapshot directly, rather than relying on aggregate engine stats that
// could mask one side being empty or unreachable.
func (s *Server) probeSubsystems() SubsystemHealth {
	health := SubsystemHealth{
		Lexical:  ProbeResult{Status: "unavailable", Detail: "not wired"},
		Vector:   ProbeResult{Status: "unavailable", Detail: "not wired"},
		Snapshot: ProbeResult{Status: "unavailable", Detail: "not wired"},
	}

	if s.bm25 != nil {
		if stats := s.bm25.Stats(); stats != nil {
			health.Lexical = ProbeResult{Status: "ok", Count: stats.DocumentCount}
		} else {
			health.Lexical = ProbeResult{Status: "degraded", Detail: "stats unavailable"}
		}
	}

	if s.vector != nil {
		health.Vector = ProbeResult{Status: "ok", Count: s.vector.Count()}
	}

	if s.dataDir != "" {
		snapshotPath := filepath.Join(s.dataDir, "merkle", merkle.SnapshotFileName(s.rootPath))
		if snap, err := merkle.Load(snapshotPath); err != nil {
			health.Snapshot = ProbeResult{Status: "degraded", Detail: err.Error()}
		} else if snap == nil {
			if _, statErr := os.Stat(snapshotPath); statErr == nil {
				health.Snapshot = ProbeResult{Status: "degraded", Detail: "snapshot unreadable or stale"}
			} else {
				health.Snapshot = ProbeResult{Status: "degraded", Detail: "no snapshot yet"}
			}
		} else {
			health.Snapshot = ProbeResult{Status: "ok", Count: len(snap.Leaves)}
		}
	}

	return health
}

// registerTools registers all tools with the MCP server.
func (s *Server) registerTools() {
	s.logger.Debug("Registering MCP tools")

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "search",
		Description: "Primary search tool. Instantly finds code and documentation using a full-codebase index. Use this for 95% of your search tasks - faster and smarter than grep. Understands code semantics, not just keywords. Triggers an incremental index if the project hasn't been indexed yet.",
	}, s.mcpSearchHandler)
	s.logger.Debug("Registered tool", slog.String("name", "search"))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "get_similar_code",
		Description: "Finds code similar to a snippet or description using vector similarity only (no keyword matching). Use when you already have a concrete piece of code and want its semantic neighbors.",
	}, s.mcpGetSimilarCodeHandler)
	s.logger.Debug("Registered tool", slog.String("name", "get_similar_code"))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "index_codebase",
		Description: "Manually (re)indexes the project. Use force_reindex to rebuild from scratch; otherwise only changed files are reprocessed.",
	}, s.mcpIndexCodebaseHandler)
	s.logger.Debug("Registered tool", slog.String("name", "index_codebase"))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "health_check",
		Description: "Reports the health of the lexical index, vector index, and merkle snapshot, plus which embedder is active. Use before searching to verify the index is ready.",
	}, s.mcpHealthCheckHandler)
	s.logger.Debug("Registered tool", slog.String("name", "health_check"))

	s.logger.Info("MCP tools registered", slog.Int("count", 4))
}

// mcpSearchHandler is the MCP SDK handler for the search tool.
func (s *Server) mcpSearchHandler(ctx context.Context, req *mcp.CallToolRequest, input SearchInput) (
	*mcp.CallToolResult,
	SearchOutput,
	error,
) {
	if input.Directory == "" {
		return nil, SearchOutput{}, NewInvalidParamsError("directory parameter is required")
	}
	if input.Query == "" {
		return nil, SearchOutput{}, NewInvalidParamsError("query parameter is required")
	}

	eng, err := s.resolveDirectory(ctx, input.Directory)
	if err != nil {
		return nil, SearchOutput{}, err
	}

	opts := search.SearchOptions{
		Limit:    10,
		Filter:   input.Filter,
		Language: input.Language,
		Scopes:   input.Scope,
	}
	if input.Limit > 0 {
		opts.Limit = clampLimit(input.Limit, 10, 1, 50)
	}

	results, err := eng.Engine.Search(ctx, input.Query, opts)
	if err != nil {
		return nil, SearchOutput{}, MapError(err)
	}

	output := SearchOutput{
		Results: make([]SearchResultOutput, 0, len(results)),
	}
	for _, r := range results {
		if r.Chunk != nil {
			output.Results = append(output.Results, ToSearchResultOutput(r))
		}
	}

	return nil, output, nil
}

// mcpGetSimilarCodeHandler is the MCP SDK handler for the get_similar_code tool.
func (s *Server) mcpGetSimilarCodeHandler(ctx context.Context, _ *mcp.CallToolRequest, input GetSimilarCodeInput) (
	*mcp.CallToolResult,
	SearchOutput,
	error,
) {
	if input.Directory == "" {
		return nil, SearchOutput{}, NewInvalidParamsError("directory parameter is required")
	}
	if input.Query == "" {
		return nil, SearchOutput{}, NewInvalidParamsError("query parameter is required")
	}

	eng, err := s.resolveDirectory(ctx, input.Directory)
	if err != nil {
		return nil, SearchOutput{}, err
	}

	opts := search.SearchOptions{
		Limit:      5,
		VectorOnly: true,
	}
	if input.Limit > 0 {
		opts.Limit = clampLimit(input.Limit, 5, 1, 50)
	}

	results, err := eng.Engine.Search(ctx, input.Query, opts)
	if err != nil {
		return nil, SearchOutput{}, MapError(err)
	}

	output := SearchOutput{
		Results: make([]SearchResultOutput, 0, len(results)),
	}
	for _, r := range results {
		if r.Chunk != nil {
			output.Results = append(output.Results, ToSearchResultOutput(r))
		}
	}

	return nil, output, nil
}

// mcpIndexCodebaseHandler is the MCP SDK handler for the index_codebase tool.
func (s *Server) mcpIndexCodebaseHandler(ctx context.Context, _ *mcp.CallToolRequest, input IndexCodebaseInput) (
	*mcp.CallToolResult,
	IndexCodebaseOutput,
	error,
) {
	if input.Directory == "" {
		return nil, IndexCodebaseOutput{}, NewInvalidParamsError("directory parameter is required")
	}
	if !filepath.IsAbs(input.Directory) {
		return nil, IndexCodebaseOutput{}, NewInvalidParamsError("directory must be an absolute path")
	}

	output, err := s.handleIndexCodebaseTool(ctx, map[string]any{
		"directory":     input.Directory,
		"force_reindex": input.ForceReindex,
	})
	if err != nil {
		return nil, IndexCodebaseOutput{}, MapError(err)
	}
	return nil, *output, nil
}

// mcpHealthCheckHandler is the MCP SDK handler for the health_check tool.
func (s *Server) mcpHealthCheckHandler(ctx context.Context, _ *mcp.CallToolRequest, _ HealthCheckInput) (
	*mcp.CallToolResult,
	*HealthCheckOutput,
	error,
) {
	output, err := s.handleHealthCheckTool(ctx)
	if err != nil {
		return nil, nil, MapError(err)
	}
	return nil, output, nil
}

// ListResources returns all available resources.
func (s *Server) ListResources(ctx context.Context, cursor string) ([]ResourceInfo, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	files, err := s.metadata.GetChangedFiles(ctx, "", emptyTime)
	if err != nil {
		return nil, "", err
	}

	resources := make([]ResourceInfo, 0, len(files))
	for _, f := range files {
		resources = append(resources, ResourceInfo{
			URI:      fmt.Sprintf("file://%s", f.Path),
			Name:     f.Path,
			MIMEType: mimeTypeForLanguage(f.Language),
		})
	}

	return resources, "", nil // No pagination for now
}

// ReadResource reads a resource by URI.
func (s *Server) ReadResource(ctx context.Context, uri string) (*ResourceContent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var chunkID string
	if strings.HasPrefix(uri, "chunk://") {
		chunkID = strings.TrimPrefix(uri, "chunk://")
	} else if strings.HasPrefix(uri, "file://") {
		return nil, NewResourceNotFoundError(uri)
	} else {
		return nil, NewResourceNotFoundError(uri)
	}

	chunk, err := s.metadata.GetChunk(ctx, chunkID)
	if err != nil {
		return nil, err
	}
	if chunk == nil {
		return nil, NewResourceNotFoundError(uri)
	}

	return &ResourceContent{
		URI:      uri,
		Content:  chunk.Content,
		MIMEType: mimeTypeForLanguage(chunk.Language),
	}, nil
}

// Serve starts the server with the specified transport.
func (s *Server) Serve(ctx context.Context, transport, addr string) error {
	s.logger.Info("Starting MCP server",
		slog.String("transport", transport),
		slog.String("addr", addr))

	switch transport {
	case "stdio":
		s.logger.Debug("Using stdio transport for JSON-RPC")
		err := s.mcp.Run(ctx, &mcp.StdioTransport{})
		if err != nil && err != context.Canceled {
			s.logger.Error("MCP server stopped with error",
				slog.String("error", err.Error()))
		} else {
			s.logger.Info("MCP server stopped gracefully")
		}
		return err
	case "sse":
		return fmt.Errorf("SSE transport not yet implemented")
	default:
		return fmt.Errorf("unknown transport: %s (supported: stdio)", transport)
	}
}

// Close releases server resources.
func (s *Server) Close() error {
	// The MCP server doesn't have a Close method - it stops when context is canceled
	return nil
}

// mimeTypeForLanguage returns the MIME type for a programming language.
func mimeTypeForLanguage(lang string) string {
	switch strings.ToLower(lang) {
	case "go":
		return "text/x-go"
	case "typescript", "ts":
		return "text/typescript"
	case "javascript", "js":
		return "text/javascript"
	case "python", "py":
		return "text/x-python"
	case "rust", "rs":
		return "text/x-rust"
	case "java":
		return "text/x-java"
	case "c":
		return "text/x-c"
	case "cpp", "c++":
		return "text/x-c++"
	case "markdown", "md":
		return "text/markdown"
	default:
		return "text/plain"
	}
}

// emptyTime is a zero time value for listing all files.
var emptyTime = time.Time{}

// generateRequestID creates a short unique request ID for log correlation.
func generateRequestID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

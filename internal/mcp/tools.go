package mcp

// GetSimilarCodeInput defines the input schema for the get_similar_code tool.
type GetSimilarCodeInput struct {
	Directory string `json:"directory" jsonschema:"absolute path to the project root to search"`
	Query     string `json:"query" jsonschema:"the code snippet or description to find similar code for"`
	Limit     int    `json:"limit,omitempty" jsonschema:"maximum number of results, default 5"`
}

// IndexCodebaseInput defines the input schema for the index_codebase tool.
type IndexCodebaseInput struct {
	Directory    string `json:"directory" jsonschema:"absolute path to the project root to index"`
	ForceReindex bool   `json:"force_reindex,omitempty" jsonschema:"clear the existing index and rebuild from scratch"`
}

// IndexCodebaseOutput defines the output schema for the index_codebase tool.
type IndexCodebaseOutput struct {
	IndexedFiles int    `json:"indexed_files"`
	TotalChunks  int    `json:"total_chunks"`
	Status       string `json:"status"` // "indexed" or "no_changes"
}

// HealthCheckInput defines the input schema for the health_check tool (no parameters).
type HealthCheckInput struct{}

// HealthCheckOutput defines the output schema for the health_check tool.
type HealthCheckOutput struct {
	Project    ProjectInfo       `json:"project"`
	Stats      IndexStats        `json:"stats"`
	Embeddings EmbeddingInfo     `json:"embeddings"`
	Indexing   *IndexingProgress `json:"indexing,omitempty"` // Present during background indexing
	Subsystems SubsystemHealth   `json:"subsystems"`
}

// SubsystemHealth reports the probed status of each storage subsystem.
type SubsystemHealth struct {
	Lexical  ProbeResult `json:"lexical"`
	Vector   ProbeResult `json:"vector"`
	Snapshot ProbeResult `json:"snapshot"`
}

// ProbeResult is the outcome of probing a single subsystem.
type ProbeResult struct {
	Status string `json:"status"` // "ok", "degraded", "unavailable"
	Detail string `json:"detail,omitempty"`
	Count  int    `json:"count,omitempty"`
}

// IndexingProgress contains information about ongoing background indexing.
type IndexingProgress struct {
	Status         string  `json:"status"`                  // "indexing", "ready", or "error"
	Stage          string  `json:"stage,omitempty"`         // "scanning", "chunking", "embedding", "indexing"
	FilesTotal     int     `json:"files_total"`             // Total files to process
	FilesProcessed int     `json:"files_processed"`         // Files processed so far
	ChunksIndexed  int     `json:"chunks_indexed"`          // Chunks indexed so far
	ProgressPct    float64 `json:"progress_pct"`            // Progress percentage (0-100)
	ElapsedSeconds int     `json:"elapsed_seconds"`         // Time since indexing started
	ErrorMessage   string  `json:"error_message,omitempty"` // Error message if status is "error"
}

// ProjectInfo contains information about the indexed project.
type ProjectInfo struct {
	Name     string `json:"name"`
	RootPath string `json:"root_path"`
	Type     string `json:"type"`
}

// IndexStats contains statistics about the index.
type IndexStats struct {
	FileCount      int    `json:"file_count"`
	ChunkCount     int    `json:"chunk_count"`
	IndexSizeBytes int64  `json:"index_size_bytes"`
	LastIndexed    string `json:"last_indexed"`
}

// EmbeddingInfo contains information about the embedding configuration.
type EmbeddingInfo struct {
	// Config values
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Status   string `json:"status"`

	// Runtime state - allows AI clients to adjust search strategy
	ActualProvider   string `json:"actual_provider"`    // "hugot" or "static"
	ActualModel      string `json:"actual_model"`       // e.g., "embeddinggemma-300m" or "static"
	Dimensions       int    `json:"dimensions"`         // 768 (hugot) or 256 (static)
	IsFallbackActive bool   `json:"is_fallback_active"` // true if using static fallback
	SemanticQuality  string `json:"semantic_quality"`   // "high" (hugot) or "low" (static)
}

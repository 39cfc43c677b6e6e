package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/amanmcp-labs/codesearchd/internal/config"
	"github.com/amanmcp-labs/codesearchd/internal/embed"
	"github.com/amanmcp-labs/codesearchd/internal/store"
	"github.com/amanmcp-labs/codesearchd/internal/ui"
)

// DebugInfo holds the diagnostic snapshot rendered by `codesearchd debug`.
type DebugInfo struct {
	ProjectRoot      string             `json:"project_root"`
	IndexPath        string             `json:"index_path"`
	FileCount        int                `json:"file_count"`
	ChunkCount       int                `json:"chunk_count"`
	LastIndexed      time.Time          `json:"last_indexed"`
	Languages        map[string]float64 `json:"languages"`
	EmbedderProvider string             `json:"embedder_provider"`
	EmbedderModel    string             `json:"embedder_model"`
	MetadataSize     int64              `json:"metadata_size"`
	BM25Size         int64              `json:"bm25_size"`
	VectorSize       int64              `json:"vector_size"`
	TotalSize        int64              `json:"total_size"`
}

func newDebugCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "debug",
		Short: "Show detailed diagnostic information about the index",
		Long: `Display low-level diagnostics beyond what 'status' reports:
  - File and chunk counts with a per-language breakdown
  - Embedder provider and model currently configured
  - Storage footprint of each index component`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDebug(cmd.Context(), cmd, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runDebug(ctx context.Context, cmd *cobra.Command, jsonOutput bool) error {
	root, err := config.FindProjectRoot(".")
	if err != nil {
		root, err = filepath.Abs(".")
		if err != nil {
			return fmt.Errorf("failed to resolve project root: %w", err)
		}
	}

	dataDir := filepath.Join(root, ".codesearchd")

	metadataPath := filepath.Join(dataDir, "metadata.db")
	if !fileExists(metadataPath) {
		return fmt.Errorf("no index found in %s\nRun 'codesearchd index' to create one", root)
	}

	info, err := collectDebugInfo(ctx, root, dataDir)
	if err != nil {
		return fmt.Errorf("failed to collect debug info: %w", err)
	}

	if jsonOutput {
		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(info)
	}

	renderDebugInfo(cmd, info)
	return nil
}

func collectDebugInfo(ctx context.Context, projectRoot, dataDir string) (*DebugInfo, error) {
	info := &DebugInfo{
		ProjectRoot: projectRoot,
		IndexPath:   dataDir,
		Languages:   map[string]float64{},
	}

	metadataPath := filepath.Join(dataDir, "metadata.db")
	metadata, err := store.NewSQLiteStore(metadataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata store: %w", err)
	}
	defer func() { _ = metadata.Close() }()

	projectID := hashString(projectRoot)
	project, err := metadata.GetProject(ctx, projectID)
	if err != nil {
		project = nil
	}

	if project != nil {
		info.FileCount = project.FileCount
		info.ChunkCount = project.ChunkCount
		info.LastIndexed = project.IndexedAt

		files, err := metadata.GetFilesForReconciliation(ctx, projectID)
		if err == nil && len(files) > 0 {
			info.Languages = languageBreakdown(files)
		}
	}

	info.MetadataSize = getFileSize(metadataPath)

	bm25SQLitePath := filepath.Join(dataDir, "bm25.db")
	bm25BlevePath := filepath.Join(dataDir, "bm25.bleve")
	if size := getFileSize(bm25SQLitePath); size > 0 {
		info.BM25Size = size
	} else {
		info.BM25Size = getDirSize(bm25BlevePath)
	}

	info.VectorSize = getFileSize(filepath.Join(dataDir, "vectors.hnsw"))
	info.TotalSize = info.MetadataSize + info.BM25Size + info.VectorSize

	cfg, err := config.Load(projectRoot)
	if err != nil {
		cfg = config.NewConfig()
	}
	info.EmbedderProvider = embed.ParseProvider(cfg.Embeddings.Provider).String()
	info.EmbedderModel = cfg.Embeddings.Model

	return info, nil
}

// languageBreakdown tallies files by normalized extension and returns each
// language's share of the total as a fraction in [0, 1].
func languageBreakdown(files map[string]*store.File) map[string]float64 {
	counts := map[string]int{}
	total := 0
	for path := range files {
		ext := strings.TrimPrefix(filepath.Ext(path), ".")
		if ext == "" {
			continue
		}
		lang := normalizeExtension(ext)
		counts[lang]++
		total++
	}

	if total == 0 {
		return map[string]float64{}
	}

	shares := make(map[string]float64, len(counts))
	for lang, count := range counts {
		shares[lang] = float64(count) / float64(total)
	}
	return shares
}

func renderDebugInfo(cmd *cobra.Command, info *DebugInfo) {
	out := cmd.OutOrStdout()
	noColor := ui.DetectNoColor()
	styles := ui.GetStyles(noColor)

	fmt.Fprintf(out, "%s\n\n", styles.Header.Render("CodeSearchD Debug Info"))

	fmt.Fprintf(out, "  Project:     %s\n", info.ProjectRoot)
	fmt.Fprintf(out, "  Index path:  %s\n", info.IndexPath)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "FILES & CHUNKS")
	fmt.Fprintf(out, "  Files:         %s\n", formatNumber(info.FileCount))
	fmt.Fprintf(out, "  Chunks:        %s\n", formatNumber(info.ChunkCount))
	fmt.Fprintf(out, "  Last indexed:  %s\n", formatAge(info.LastIndexed))
	fmt.Fprintf(out, "  Languages:     %s\n", formatLanguages(info.Languages))
	fmt.Fprintln(out)

	fmt.Fprintln(out, "EMBEDDER")
	fmt.Fprintf(out, "  Provider: %s\n", info.EmbedderProvider)
	fmt.Fprintf(out, "  Model:    %s\n", info.EmbedderModel)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "BM25 INDEX")
	fmt.Fprintf(out, "  Size: %s\n", ui.FormatBytes(info.BM25Size))
	fmt.Fprintln(out)

	fmt.Fprintln(out, "VECTOR STORE")
	fmt.Fprintf(out, "  Size: %s\n", ui.FormatBytes(info.VectorSize))
	fmt.Fprintln(out)

	fmt.Fprintln(out, "STORAGE")
	fmt.Fprintf(out, "  Metadata: %s\n", ui.FormatBytes(info.MetadataSize))
	fmt.Fprintf(out, "  BM25:     %s\n", ui.FormatBytes(info.BM25Size))
	fmt.Fprintf(out, "  Vectors:  %s\n", ui.FormatBytes(info.VectorSize))
	fmt.Fprintf(out, "  Total:    %s\n", ui.FormatBytes(info.TotalSize))
}

// formatAge renders a timestamp as a short relative age, e.g. "3 hours ago".
func formatAge(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}

	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		mins := int(d.Minutes())
		if mins == 1 {
			return "1 minute ago"
		}
		return fmt.Sprintf("%d minutes ago", mins)
	case d < 24*time.Hour:
		hours := int(d.Hours())
		if hours == 1 {
			return "1 hour ago"
		}
		return fmt.Sprintf("%d hours ago", hours)
	default:
		days := int(d.Hours() / 24)
		if days == 1 {
			return "1 day ago"
		}
		return fmt.Sprintf("%d days ago", days)
	}
}

// formatNumber renders an integer with comma thousands separators.
func formatNumber(n int) string {
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}

	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}

	var groups []string
	for len(s) > 3 {
		groups = append([]string{s[len(s)-3:]}, groups...)
		s = s[:len(s)-3]
	}
	groups = append([]string{s}, groups...)

	result := strings.Join(groups, ",")
	if neg {
		result = "-" + result
	}
	return result
}

// formatLanguages renders a language-share map sorted by descending share,
// e.g. "go (50%), ts (30%), md (20%)".
func formatLanguages(langs map[string]float64) string {
	if len(langs) == 0 {
		return "none"
	}

	names := make([]string, 0, len(langs))
	for name := range langs {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if langs[names[i]] != langs[names[j]] {
			return langs[names[i]] > langs[names[j]]
		}
		return names[i] < names[j]
	})

	parts := make([]string, 0, len(names))
	for _, name := range names {
		pct := int(langs[name]*100 + 0.5)
		parts = append(parts, fmt.Sprintf("%s (%d%%)", name, pct))
	}
	return strings.Join(parts, ", ")
}

// normalizeExtension folds related file extensions onto a single language tag.
func normalizeExtension(ext string) string {
	switch strings.ToLower(ext) {
	case "tsx":
		return "ts"
	case "jsx", "mjs":
		return "js"
	case "yml":
		return "yaml"
	case "htm":
		return "html"
	default:
		return strings.ToLower(ext)
	}
}

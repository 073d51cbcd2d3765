// Package mcp exposes the note index over the Model Context Protocol so
// agent hosts can search the vault as a native tool.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alpkeskin/gotoon"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/yoanbernabeu/notegrep/config"
	"github.com/yoanbernabeu/notegrep/query"
	"github.com/yoanbernabeu/notegrep/store"
)

// Server wraps the MCP server around a query engine and its store.
type Server struct {
	mcpServer *server.MCPServer
	engine    *query.Engine
	store     store.VectorStore
	search    config.SearchConfig
	model     string
}

// SearchResult is the flat search tool output.
type SearchResult struct {
	Path           string  `json:"path"`
	Title          string  `json:"title"`
	ParagraphIndex int     `json:"paragraph_index"`
	Score          float32 `json:"score"`
	Text           string  `json:"text,omitempty"`
}

// GroupedSource is one source block in the grouped search tool output.
type GroupedSource struct {
	Path      string         `json:"path"`
	Title     string         `json:"title"`
	BestScore float32        `json:"best_score"`
	Matches   []SearchResult `json:"matches"`
}

// IndexStatus is the index status tool output.
type IndexStatus struct {
	Sources     int    `json:"sources"`
	Chunks      int    `json:"chunks"`
	Dimension   int    `json:"dimension"`
	IndexSize   string `json:"index_size"`
	LastUpdated string `json:"last_updated"`
	Model       string `json:"model"`
}

// encodeOutput encodes data in the requested format, json or toon.
func encodeOutput(data any, format string) (string, error) {
	switch format {
	case "toon":
		return gotoon.Encode(data)
	default:
		jsonBytes, err := json.MarshalIndent(data, "", "  ")
		if err != nil {
			return "", err
		}
		return string(jsonBytes), nil
	}
}

// NewServer creates an MCP server over a ready query engine. The search
// config supplies the default limit, threshold and grouping caps.
func NewServer(engine *query.Engine, st store.VectorStore, search config.SearchConfig, model string) *Server {
	s := &Server{
		engine: engine,
		store:  st,
		search: search,
		model:  model,
	}

	s.mcpServer = server.NewMCPServer(
		"notegrep",
		"1.0.0",
		server.WithToolCapabilities(false),
	)
	s.registerTools()
	return s
}

func (s *Server) registerTools() {
	searchTool := mcp.NewTool("notegrep_search",
		mcp.WithDescription("Semantic search over the note vault. Returns the most relevant note paragraphs with paths, titles and similarity scores."),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Natural language search query (e.g. 'meeting notes about the budget')"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of results to return"),
		),
		mcp.WithNumber("threshold",
			mcp.Description("Minimum similarity score between 0 and 1"),
		),
		mcp.WithBoolean("compact",
			mcp.Description("Omit paragraph text from results (default: false)"),
		),
		mcp.WithString("format",
			mcp.Description("Output format: 'json' (default) or 'toon' (token-efficient)"),
		),
	)
	s.mcpServer.AddTool(searchTool, s.handleSearch)

	groupedTool := mcp.NewTool("notegrep_search_grouped",
		mcp.WithDescription("Semantic search grouped by note. Returns the best matching notes with their top paragraphs in document order."),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Natural language search query"),
		),
		mcp.WithNumber("max_sources",
			mcp.Description("Maximum number of notes to return"),
		),
		mcp.WithNumber("max_per_source",
			mcp.Description("Maximum paragraphs per note"),
		),
		mcp.WithNumber("threshold",
			mcp.Description("Minimum similarity score between 0 and 1"),
		),
		mcp.WithString("format",
			mcp.Description("Output format: 'json' (default) or 'toon' (token-efficient)"),
		),
	)
	s.mcpServer.AddTool(groupedTool, s.handleSearchGrouped)

	statusTool := mcp.NewTool("notegrep_index_status",
		mcp.WithDescription("Report the health of the note index: source and chunk counts, embedding dimension, size and last update time."),
		mcp.WithString("format",
			mcp.Description("Output format: 'json' (default) or 'toon' (token-efficient)"),
		),
	)
	s.mcpServer.AddTool(statusTool, s.handleIndexStatus)
}

func (s *Server) handleSearch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	queryText, err := request.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError("query parameter is required"), nil
	}

	limit := request.GetInt("limit", s.search.Limit)
	if limit <= 0 {
		limit = s.search.Limit
	}
	threshold := float32(request.GetFloat("threshold", float64(s.search.Threshold)))
	compact := request.GetBool("compact", false)
	format := request.GetString("format", "json")
	if format != "json" && format != "toon" {
		return mcp.NewToolResultError("format must be 'json' or 'toon'"), nil
	}

	results, err := s.engine.Search(ctx, queryText, limit, threshold)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("search failed: %v", err)), nil
	}

	out := make([]SearchResult, len(results))
	for i, r := range results {
		out[i] = SearchResult{
			Path:           r.Path,
			Title:          r.Title,
			ParagraphIndex: r.ParagraphIndex,
			Score:          r.Similarity,
		}
		if !compact {
			out[i].Text = r.MatchedText
		}
	}

	output, err := encodeOutput(out, format)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode results: %v", err)), nil
	}
	return mcp.NewToolResultText(output), nil
}

func (s *Server) handleSearchGrouped(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	queryText, err := request.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError("query parameter is required"), nil
	}

	maxSources := request.GetInt("max_sources", s.search.MaxSources)
	if maxSources <= 0 {
		maxSources = s.search.MaxSources
	}
	maxPerSource := request.GetInt("max_per_source", s.search.MaxPerSource)
	if maxPerSource <= 0 {
		maxPerSource = s.search.MaxPerSource
	}
	threshold := float32(request.GetFloat("threshold", float64(s.search.Threshold)))
	format := request.GetString("format", "json")
	if format != "json" && format != "toon" {
		return mcp.NewToolResultError("format must be 'json' or 'toon'"), nil
	}

	groups, err := s.engine.SearchGrouped(ctx, queryText, maxSources, maxPerSource, threshold)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("search failed: %v", err)), nil
	}

	out := make([]GroupedSource, len(groups))
	for i, g := range groups {
		matches := make([]SearchResult, len(g.Matches))
		for j, m := range g.Matches {
			matches[j] = SearchResult{
				Path:           g.Path,
				Title:          g.Title,
				ParagraphIndex: m.ParagraphIndex,
				Score:          m.Similarity,
				Text:           m.MatchedText,
			}
		}
		out[i] = GroupedSource{
			Path:      g.Path,
			Title:     g.Title,
			BestScore: g.BestScore,
			Matches:   matches,
		}
	}

	output, err := encodeOutput(out, format)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode results: %v", err)), nil
	}
	return mcp.NewToolResultText(output), nil
}

func (s *Server) handleIndexStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format := request.GetString("format", "json")
	if format != "json" && format != "toon" {
		return mcp.NewToolResultError("format must be 'json' or 'toon'"), nil
	}

	stats := s.store.Stats()
	status := IndexStatus{
		Sources:     stats.SourceCount,
		Chunks:      stats.ChunkCount,
		Dimension:   stats.Dimension,
		IndexSize:   formatBytes(stats.SizeBytes),
		LastUpdated: "never",
		Model:       s.model,
	}
	if !stats.LastUpdated.IsZero() {
		status.LastUpdated = stats.LastUpdated.Format("2006-01-02 15:04:05")
	}

	output, err := encodeOutput(status, format)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode status: %v", err)), nil
	}
	return mcp.NewToolResultText(output), nil
}

// Serve starts the MCP server on stdio transport.
func (s *Server) Serve() error {
	return server.ServeStdio(s.mcpServer)
}

func formatBytes(b int64) string {
	if b == 0 {
		return "N/A"
	}
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}

package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/alpkeskin/gotoon"
	"github.com/spf13/cobra"

	"github.com/yoanbernabeu/notegrep/query"
)

var (
	searchLimit     int
	searchThreshold float32
	searchGrouped   bool
	searchJSON      bool
	searchTOON      bool
	searchCompact   bool
	searchContext   bool
)

// SearchResultJSON is the flat search output for agents (no vault handle,
// no vector).
type SearchResultJSON struct {
	Path           string  `json:"path"`
	Title          string  `json:"title"`
	ParagraphIndex int     `json:"paragraph_index"`
	Score          float32 `json:"score"`
	Text           string  `json:"text,omitempty"`
}

// GroupedSourceJSON is one source block in grouped output.
type GroupedSourceJSON struct {
	Path      string             `json:"path"`
	Title     string             `json:"title"`
	BestScore float32            `json:"best_score"`
	Matches   []SearchResultJSON `json:"matches"`
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the vault with natural language",
	Long: `Search your notes using a natural language query.

The query is embedded with the configured model and compared against every
indexed paragraph by cosine similarity. Results come back with note path,
title, paragraph index and score.`,
	Args: cobra.ExactArgs(1),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 0, "Maximum number of results (default from config)")
	searchCmd.Flags().Float32Var(&searchThreshold, "threshold", -1, "Minimum similarity score between 0 and 1 (default from config)")
	searchCmd.Flags().BoolVarP(&searchGrouped, "grouped", "g", false, "Group results by note, paragraphs in document order")
	searchCmd.Flags().BoolVarP(&searchJSON, "json", "j", false, "Output results in JSON format (for AI agents)")
	searchCmd.Flags().BoolVarP(&searchTOON, "toon", "t", false, "Output results in TOON format (token-efficient for AI agents)")
	searchCmd.Flags().BoolVarP(&searchCompact, "compact", "c", false, "Omit paragraph text (requires --json or --toon)")
	searchCmd.Flags().BoolVar(&searchContext, "context", false, "Output a plain-text block ready to paste into a model prompt")
	searchCmd.MarkFlagsMutuallyExclusive("json", "toon", "context")
	rootCmd.AddCommand(searchCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if searchCompact && !searchJSON && !searchTOON {
		return fmt.Errorf("--compact flag requires --json or --toon flag")
	}

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	limit := searchLimit
	if limit <= 0 {
		limit = s.cfg.Search.Limit
	}
	threshold := searchThreshold
	if threshold < 0 {
		threshold = s.cfg.Search.Threshold
	}

	engine := query.NewEngine(s.vault, s.store, s.embedder, query.WithLogger(s.logger))

	if searchGrouped {
		groups, err := engine.SearchGrouped(ctx, args[0], s.cfg.Search.MaxSources, s.cfg.Search.MaxPerSource, threshold)
		if err != nil {
			return fmt.Errorf("search failed: %w", err)
		}
		return outputGrouped(args[0], groups)
	}

	results, err := engine.Search(ctx, args[0], limit, threshold)
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}
	return outputFlat(args[0], results)
}

func outputFlat(queryText string, results []query.Result) error {
	switch {
	case searchJSON:
		return encodeToStdout(flatJSON(results))
	case searchTOON:
		return encodeTOON(flatJSON(results))
	case searchContext:
		fmt.Print(query.FormatForContext(results))
		return nil
	}

	sty := termStyles()
	if len(results) == 0 {
		fmt.Println("No results found.")
		return nil
	}
	fmt.Printf("Found %d results for: %q\n\n", len(results), queryText)
	for i, r := range results {
		header := fmt.Sprintf("[%d] %s", i+1, r.Title)
		fmt.Printf("%s %s %s\n", sty.Title.Render(header),
			sty.Path.Render(r.Path),
			sty.Score.Render(fmt.Sprintf("%.1f%%", r.Similarity*100)))
		fmt.Printf("%s\n\n", r.MatchedText)
	}
	return nil
}

func outputGrouped(queryText string, groups []query.GroupedResult) error {
	switch {
	case searchJSON:
		return encodeToStdout(groupedJSON(groups))
	case searchTOON:
		return encodeTOON(groupedJSON(groups))
	case searchContext:
		fmt.Print(query.FormatGroupedForContext(groups))
		return nil
	}

	sty := termStyles()
	if len(groups) == 0 {
		fmt.Println("No results found.")
		return nil
	}
	fmt.Printf("Found %d notes for: %q\n\n", len(groups), queryText)
	for _, g := range groups {
		fmt.Printf("%s %s %s\n", sty.Title.Render(g.Title),
			sty.Path.Render(g.Path),
			sty.Score.Render(fmt.Sprintf("best %.1f%%", g.BestScore*100)))
		for _, m := range g.Matches {
			fmt.Printf("  %s %s\n",
				sty.Label.Render(fmt.Sprintf("¶%d %.1f%%", m.ParagraphIndex, m.Similarity*100)),
				m.MatchedText)
		}
		fmt.Println()
	}
	return nil
}

func flatJSON(results []query.Result) []SearchResultJSON {
	out := make([]SearchResultJSON, len(results))
	for i, r := range results {
		out[i] = SearchResultJSON{
			Path:           r.Path,
			Title:          r.Title,
			ParagraphIndex: r.ParagraphIndex,
			Score:          r.Similarity,
		}
		if !searchCompact {
			out[i].Text = r.MatchedText
		}
	}
	return out
}

func groupedJSON(groups []query.GroupedResult) []GroupedSourceJSON {
	out := make([]GroupedSourceJSON, len(groups))
	for i, g := range groups {
		matches := make([]SearchResultJSON, len(g.Matches))
		for j, m := range g.Matches {
			matches[j] = SearchResultJSON{
				Path:           g.Path,
				Title:          g.Title,
				ParagraphIndex: m.ParagraphIndex,
				Score:          m.Similarity,
			}
			if !searchCompact {
				matches[j].Text = m.MatchedText
			}
		}
		out[i] = GroupedSourceJSON{Path: g.Path, Title: g.Title, BestScore: g.BestScore, Matches: matches}
	}
	return out
}

func encodeToStdout(v any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func encodeTOON(v any) error {
	out, err := gotoon.Encode(v)
	if err != nil {
		return fmt.Errorf("failed to encode TOON output: %w", err)
	}
	fmt.Println(out)
	return nil
}

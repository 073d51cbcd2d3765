package query

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/yoanbernabeu/notegrep/embedder"
	"github.com/yoanbernabeu/notegrep/store"
	"github.com/yoanbernabeu/notegrep/vault"
)

// ContextBanner opens every formatted context block.
const ContextBanner = "--- RELEVANT NOTES ---"

// Result is one matched chunk resolved back to its vault source.
type Result struct {
	Source         vault.Source `json:"source"`
	Title          string       `json:"title"`
	Path           string       `json:"path"`
	ParagraphIndex int          `json:"paragraph_index"`
	MatchedText    string       `json:"matched_text"`
	Similarity     float32      `json:"similarity"`
}

// Match is one chunk hit inside a grouped result.
type Match struct {
	ParagraphIndex int     `json:"paragraph_index"`
	MatchedText    string  `json:"matched_text"`
	Similarity     float32 `json:"similarity"`
}

// GroupedResult collects a source's best matches.
type GroupedResult struct {
	Source    vault.Source `json:"source"`
	Title     string       `json:"title"`
	Path      string       `json:"path"`
	BestScore float32      `json:"best_score"`
	Matches   []Match      `json:"matches"`
}

// Engine answers semantic queries against the index. It is a read-only
// client of the store.
type Engine struct {
	vault    *vault.Vault
	store    store.VectorStore
	embedder *embedder.Client
	logger   *log.Logger
}

type Option func(*Engine)

func WithLogger(logger *log.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

func NewEngine(v *vault.Vault, st store.VectorStore, emb *embedder.Client, opts ...Option) *Engine {
	e := &Engine{
		vault:    v,
		store:    st,
		embedder: emb,
		logger:   log.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Search embeds the query text and returns the best chunks above the
// threshold, most similar first.
func (e *Engine) Search(ctx context.Context, text string, limit int, threshold float32) ([]Result, error) {
	vector, err := e.embedder.EmbedOne(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	hits, err := e.store.Search(vector, limit, threshold)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(hits))
	for _, hit := range hits {
		results = append(results, Result{
			Source:         e.resolve(hit.Chunk.SourcePath),
			Title:          hit.Chunk.Title,
			Path:           hit.Chunk.SourcePath,
			ParagraphIndex: hit.Chunk.ParagraphIndex,
			MatchedText:    hit.Chunk.ParagraphText,
			Similarity:     hit.Score,
		})
	}
	return results, nil
}

// SearchGrouped embeds the query and returns per-source groups. Matches
// inside a group are ordered by paragraph index so they read in document
// order.
func (e *Engine) SearchGrouped(ctx context.Context, text string, maxSources, maxPerSource int, threshold float32) ([]GroupedResult, error) {
	vector, err := e.embedder.EmbedOne(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	groups, err := e.store.SearchGrouped(vector, maxSources, maxPerSource, threshold)
	if err != nil {
		return nil, err
	}

	results := make([]GroupedResult, 0, len(groups))
	for _, group := range groups {
		matches := make([]Match, 0, len(group.Results))
		for _, hit := range group.Results {
			matches = append(matches, Match{
				ParagraphIndex: hit.Chunk.ParagraphIndex,
				MatchedText:    hit.Chunk.ParagraphText,
				Similarity:     hit.Score,
			})
		}
		sort.Slice(matches, func(i, j int) bool {
			return matches[i].ParagraphIndex < matches[j].ParagraphIndex
		})

		results = append(results, GroupedResult{
			Source:    e.resolve(group.SourcePath),
			Title:     group.Title,
			Path:      group.SourcePath,
			BestScore: group.BestScore,
			Matches:   matches,
		})
	}
	return results, nil
}

// resolve turns an indexed path back into a live source handle. A source
// deleted since the last index run still yields its path.
func (e *Engine) resolve(relPath string) vault.Source {
	src, err := e.vault.StatSource(relPath)
	if err != nil {
		return vault.Source{Path: relPath}
	}
	return src
}

// FormatForContext renders flat results as a plain-text block for
// injection into a model prompt.
func FormatForContext(results []Result) string {
	var sb strings.Builder
	sb.WriteString(ContextBanner + "\n")
	for i, r := range results {
		fmt.Fprintf(&sb, "\n[%d] %s (%s, %.1f%% match)\n%s\n", i+1, r.Title, r.Path, r.Similarity*100, r.MatchedText)
	}
	return sb.String()
}

// FormatGroupedForContext renders grouped results, one block per source
// with paragraph indices on each match.
func FormatGroupedForContext(groups []GroupedResult) string {
	var sb strings.Builder
	sb.WriteString(ContextBanner + "\n")
	for _, g := range groups {
		fmt.Fprintf(&sb, "\n%s (%s, best %.1f%% match)\n", g.Title, g.Path, g.BestScore*100)
		for _, m := range g.Matches {
			fmt.Fprintf(&sb, "(paragraph %d, %.1f%%) %s\n", m.ParagraphIndex, m.Similarity*100, m.MatchedText)
		}
	}
	return sb.String()
}

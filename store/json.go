package store

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/yoanbernabeu/notegrep/internal/fileutil"
)

// indexDocument is the on-disk shape of the JSON index.
type indexDocument struct {
	SchemaVersion int       `json:"schema_version"`
	Dimension     int       `json:"dimension"`
	LastUpdated   time.Time `json:"last_updated"`
	Chunks        []Chunk   `json:"chunks"`
}

// JSONStore keeps the whole index in memory and persists it as a single
// JSON document, written with a temp-file-then-rename so readers never
// observe a partial index.
type JSONStore struct {
	mu          sync.RWMutex
	path        string
	dimension   int
	lastUpdated time.Time
	bySource    map[string][]Chunk
	chunkCount  int
	logger      *log.Logger
}

// JSONStoreOption configures a JSONStore.
type JSONStoreOption func(*JSONStore)

// WithJSONLogger sets the logger used for load-time warnings.
func WithJSONLogger(l *log.Logger) JSONStoreOption {
	return func(s *JSONStore) {
		s.logger = l
	}
}

// NewJSONStore creates a store persisting to the given file path.
func NewJSONStore(path string, opts ...JSONStoreOption) *JSONStore {
	s := &JSONStore{
		path:     path,
		bySource: make(map[string][]Chunk),
		logger:   log.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load reads the persisted index document. Missing, unreadable, corrupt,
// or outdated documents leave the store empty; every case but a missing
// file is logged, and the next full index run rebuilds the file.
func (s *JSONStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.bySource = make(map[string][]Chunk)
	s.chunkCount = 0
	s.dimension = 0
	s.lastUpdated = time.Time{}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Printf("warning: failed to read index at %s: %v (starting empty)", s.path, err)
		}
		return nil
	}

	var doc indexDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		s.logger.Printf("warning: corrupt index at %s: %v (starting empty)", s.path, err)
		return nil
	}

	if doc.SchemaVersion != SchemaVersion {
		s.logger.Printf("warning: index schema v%d at %s is not v%d, discarding", doc.SchemaVersion, s.path, SchemaVersion)
		return nil
	}

	s.dimension = doc.Dimension
	s.lastUpdated = doc.LastUpdated
	for _, c := range doc.Chunks {
		if s.dimension > 0 && len(c.Vector) != s.dimension {
			s.logger.Printf("warning: dropping chunk %s with dimension %d (index is %d)", c.ID, len(c.Vector), s.dimension)
			continue
		}
		s.bySource[c.SourcePath] = append(s.bySource[c.SourcePath], c)
		s.chunkCount++
	}

	for _, chunks := range s.bySource {
		sortChunks(chunks)
	}

	return nil
}

// Save writes the index document to a temp file next to the target and
// renames it into place.
func (s *JSONStore) Save() error {
	s.mu.RLock()
	doc := indexDocument{
		SchemaVersion: SchemaVersion,
		Dimension:     s.dimension,
		LastUpdated:   s.lastUpdated,
		Chunks:        s.snapshotChunks(),
	}
	s.mu.RUnlock()

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal index: %w", err)
	}

	if err := fileutil.EnsureParentDir(s.path); err != nil {
		return fmt.Errorf("failed to create index directory: %w", err)
	}

	tempPath := s.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write index: %w", err)
	}

	if err := fileutil.ReplaceFileAtomically(tempPath, s.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace index: %w", err)
	}

	return nil
}

// snapshotChunks flattens the source map into one slice ordered by source
// path then paragraph index, so saved documents are deterministic.
func (s *JSONStore) snapshotChunks() []Chunk {
	paths := make([]string, 0, len(s.bySource))
	for p := range s.bySource {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	chunks := make([]Chunk, 0, s.chunkCount)
	for _, p := range paths {
		chunks = append(chunks, s.bySource[p]...)
	}
	return chunks
}

func sortChunks(chunks []Chunk) {
	sort.Slice(chunks, func(i, j int) bool {
		return chunks[i].ParagraphIndex < chunks[j].ParagraphIndex
	})
}

// UpsertSource replaces all chunks of a source. The dimension locks in on
// the first non-empty insert; later inserts with a different vector length
// fail with ErrDimensionMismatch and leave the store unchanged.
func (s *JSONStore) UpsertSource(sourcePath string, chunks []Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(chunks) == 0 {
		if old, ok := s.bySource[sourcePath]; ok {
			s.chunkCount -= len(old)
			delete(s.bySource, sourcePath)
			s.lastUpdated = time.Now()
		}
		return nil
	}

	dim := s.dimension
	if dim == 0 {
		dim = len(chunks[0].Vector)
	}
	for _, c := range chunks {
		if len(c.Vector) != dim {
			return fmt.Errorf("%w: chunk %s has dimension %d, index is %d", ErrDimensionMismatch, c.ID, len(c.Vector), dim)
		}
	}

	replacement := make([]Chunk, len(chunks))
	copy(replacement, chunks)
	sortChunks(replacement)

	if old, ok := s.bySource[sourcePath]; ok {
		s.chunkCount -= len(old)
	}
	s.dimension = dim
	s.bySource[sourcePath] = replacement
	s.chunkCount += len(replacement)
	s.lastUpdated = time.Now()

	return nil
}

// RemoveSource drops all chunks of the source.
func (s *JSONStore) RemoveSource(sourcePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.bySource[sourcePath]; ok {
		s.chunkCount -= len(old)
		delete(s.bySource, sourcePath)
		s.lastUpdated = time.Now()
	}
	return nil
}

// RemoveSourcesNotIn drops every source whose path is absent from keep.
func (s *JSONStore) RemoveSourcesNotIn(keep map[string]bool) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for p, chunks := range s.bySource {
		if keep[p] {
			continue
		}
		s.chunkCount -= len(chunks)
		delete(s.bySource, p)
		removed = append(removed, p)
	}
	if len(removed) > 0 {
		s.lastUpdated = time.Now()
		sort.Strings(removed)
	}
	return removed, nil
}

// Search scores every chunk against the query vector and returns the top
// limit results at or above threshold, descending by score.
func (s *JSONStore) Search(vector []float32, limit int, threshold float32) ([]SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.dimension > 0 && len(vector) != s.dimension {
		return nil, fmt.Errorf("%w: query has dimension %d, index is %d", ErrDimensionMismatch, len(vector), s.dimension)
	}

	results := s.scoreAll(vector, threshold)
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (s *JSONStore) scoreAll(vector []float32, threshold float32) []SearchResult {
	var results []SearchResult
	for _, chunks := range s.bySource {
		for _, c := range chunks {
			score := cosineSimilarity(vector, c.Vector)
			if score >= threshold {
				results = append(results, SearchResult{Chunk: c, Score: score})
			}
		}
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	return results
}

// SearchGrouped collects an over-fetched candidate pool, buckets hits by
// source, and keeps the top maxSources groups ranked by their best hit.
func (s *JSONStore) SearchGrouped(vector []float32, maxSources, maxPerSource int, threshold float32) ([]SourceGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.dimension > 0 && len(vector) != s.dimension {
		return nil, fmt.Errorf("%w: query has dimension %d, index is %d", ErrDimensionMismatch, len(vector), s.dimension)
	}

	candidates := s.scoreAll(vector, threshold)
	pool := 2 * maxSources * maxPerSource
	if pool > 0 && len(candidates) > pool {
		candidates = candidates[:pool]
	}

	return groupBySource(candidates, maxSources, maxPerSource), nil
}

// groupBySource buckets ranked results by source path, preserving the
// per-source score order, then ranks buckets by their best hit.
func groupBySource(ranked []SearchResult, maxSources, maxPerSource int) []SourceGroup {
	byPath := make(map[string]*SourceGroup)
	var order []string
	for _, r := range ranked {
		g, ok := byPath[r.Chunk.SourcePath]
		if !ok {
			g = &SourceGroup{
				SourcePath: r.Chunk.SourcePath,
				SourceName: r.Chunk.SourceName,
				Title:      r.Chunk.Title,
				BestScore:  r.Score,
			}
			byPath[r.Chunk.SourcePath] = g
			order = append(order, r.Chunk.SourcePath)
		}
		if maxPerSource <= 0 || len(g.Results) < maxPerSource {
			g.Results = append(g.Results, r)
		}
	}

	groups := make([]SourceGroup, 0, len(order))
	for _, p := range order {
		groups = append(groups, *byPath[p])
	}
	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].BestScore > groups[j].BestScore
	})
	if maxSources > 0 && len(groups) > maxSources {
		groups = groups[:maxSources]
	}
	return groups
}

// SourceChecksum returns the recorded checksum for a source path.
func (s *JSONStore) SourceChecksum(sourcePath string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chunks, ok := s.bySource[sourcePath]
	if !ok || len(chunks) == 0 {
		return ""
	}
	return chunks[0].SourceChecksum
}

// SourcePaths lists all indexed source paths in sorted order.
func (s *JSONStore) SourcePaths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	paths := make([]string, 0, len(s.bySource))
	for p := range s.bySource {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Stats reports counts and freshness for the index.
func (s *JSONStore) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		ChunkCount:  s.chunkCount,
		SourceCount: len(s.bySource),
		Dimension:   s.dimension,
		LastUpdated: s.lastUpdated,
	}
	if info, err := os.Stat(s.path); err == nil {
		st.SizeBytes = info.Size()
	}
	return st
}

// Close is a no-op for the JSON backend.
func (s *JSONStore) Close() error {
	return nil
}

// cosineSimilarity computes the cosine of the angle between two vectors.
// Zero-norm inputs score 0 rather than NaN.
func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

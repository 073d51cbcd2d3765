package store

import (
	"errors"
	"fmt"
	"time"
)

// SchemaVersion is the on-disk index document version. Older documents are
// discarded on load and the index is rebuilt from scratch.
const SchemaVersion = 2

// ErrDimensionMismatch is returned when an upsert carries vectors whose length
// differs from the dimension the index locked in on first insert.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// SourceKind tells what kind of vault file a chunk came from.
type SourceKind string

const (
	SourceMarkdown SourceKind = "markdown"
	SourceImage    SourceKind = "image"
)

// Chunk is one embedded paragraph of a vault source.
type Chunk struct {
	ID             string     `json:"id"`
	Vector         []float32  `json:"vector"`
	SourcePath     string     `json:"source_path"`
	SourceName     string     `json:"source_name"`
	Title          string     `json:"title"`
	ParagraphIndex int        `json:"paragraph_index"`
	ParagraphText  string     `json:"paragraph_text"`
	SourceChecksum string     `json:"source_checksum"`
	LastModified   int64      `json:"last_modified"`
	SourceSize     int64      `json:"source_size"`
	SourceKind     SourceKind `json:"source_kind"`
	ExtractedText  bool       `json:"extracted_text,omitempty"`
}

// ChunkID builds the canonical chunk identifier for a source paragraph.
func ChunkID(sourcePath string, paragraphIndex int) string {
	return fmt.Sprintf("%s#c%d", sourcePath, paragraphIndex)
}

// SearchResult pairs a chunk with its similarity score for one query.
type SearchResult struct {
	Chunk Chunk   `json:"chunk"`
	Score float32 `json:"score"`
}

// SourceGroup is one source's best matches from a grouped search.
type SourceGroup struct {
	SourcePath string         `json:"source_path"`
	SourceName string         `json:"source_name"`
	Title      string         `json:"title"`
	BestScore  float32        `json:"best_score"`
	Results    []SearchResult `json:"results"`
}

// Stats summarizes the current contents of a store.
type Stats struct {
	ChunkCount  int       `json:"chunk_count"`
	SourceCount int       `json:"source_count"`
	Dimension   int       `json:"dimension"`
	LastUpdated time.Time `json:"last_updated"`
	SizeBytes   int64     `json:"size_bytes,omitempty"`
}

// VectorStore holds embedded chunks and answers similarity queries.
// Implementations must keep all chunks of a source replaced atomically:
// an upsert either fully lands or leaves the store untouched.
type VectorStore interface {
	// Load reads the persisted index. A missing, corrupt, or
	// outdated index yields an empty store, never an error.
	Load() error

	// Save persists the index durably.
	Save() error

	// UpsertSource replaces every chunk of the given source with the
	// provided set. Returns ErrDimensionMismatch if a vector's length
	// differs from the locked-in dimension.
	UpsertSource(sourcePath string, chunks []Chunk) error

	// RemoveSource drops all chunks of the source. Unknown sources are a no-op.
	RemoveSource(sourcePath string) error

	// RemoveSourcesNotIn drops every source absent from keep and
	// reports the removed source paths.
	RemoveSourcesNotIn(keep map[string]bool) ([]string, error)

	// Search returns up to limit chunks scoring at or above threshold,
	// ordered by descending score.
	Search(vector []float32, limit int, threshold float32) ([]SearchResult, error)

	// SearchGrouped buckets the best hits per source and returns the top
	// maxSources groups with at most maxPerSource results each.
	SearchGrouped(vector []float32, maxSources, maxPerSource int, threshold float32) ([]SourceGroup, error)

	// SourceChecksum returns the recorded checksum for a source, or ""
	// if the source is not indexed.
	SourceChecksum(sourcePath string) string

	// SourcePaths lists all indexed source paths.
	SourcePaths() []string

	// Stats reports counts and freshness for the whole index.
	Stats() Stats

	// Close releases any resources held by the backend.
	Close() error
}

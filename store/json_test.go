package store

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func testChunk(sourcePath string, idx int, vector []float32) Chunk {
	return Chunk{
		ID:             ChunkID(sourcePath, idx),
		Vector:         vector,
		SourcePath:     sourcePath,
		SourceName:     filepath.Base(sourcePath),
		Title:          filepath.Base(sourcePath),
		ParagraphIndex: idx,
		ParagraphText:  fmt.Sprintf("paragraph %d of %s", idx, sourcePath),
		SourceChecksum: "abcd1234",
		LastModified:   1700000000000,
		SourceSize:     512,
		SourceKind:     SourceMarkdown,
	}
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float32
	}{
		{"identical", []float32{1, 0, 0}, []float32{1, 0, 0}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"zero vector", []float32{0, 0}, []float32{1, 1}, 0},
		{"both zero", []float32{0, 0}, []float32{0, 0}, 0},
		{"length mismatch", []float32{1}, []float32{1, 0}, 0},
		{"empty", nil, nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cosineSimilarity(tt.a, tt.b)
			if math.Abs(float64(got-tt.want)) > 1e-6 {
				t.Errorf("cosineSimilarity() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestJSONStoreUpsertAndSearch(t *testing.T) {
	s := NewJSONStore(filepath.Join(t.TempDir(), "embeddings.json"))

	chunks := []Chunk{
		testChunk("notes/a.md", 0, []float32{1, 0, 0}),
		testChunk("notes/a.md", 1, []float32{0, 1, 0}),
	}
	if err := s.UpsertSource("notes/a.md", chunks); err != nil {
		t.Fatalf("UpsertSource() error = %v", err)
	}

	results, err := s.Search([]float32{1, 0, 0}, 10, 0.5)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("Search() returned %d results, want 1", len(results))
	}
	if results[0].Chunk.ID != "notes/a.md#c0" {
		t.Errorf("top result = %s, want notes/a.md#c0", results[0].Chunk.ID)
	}
	if results[0].Score < 0.999 {
		t.Errorf("top score = %v, want ~1", results[0].Score)
	}
}

func TestJSONStoreSearchOrderingAndLimit(t *testing.T) {
	s := NewJSONStore(filepath.Join(t.TempDir(), "embeddings.json"))

	vectors := [][]float32{
		{1, 0},
		{0.9, 0.1},
		{0.5, 0.5},
		{0, 1},
	}
	for i, v := range vectors {
		path := fmt.Sprintf("notes/n%d.md", i)
		if err := s.UpsertSource(path, []Chunk{testChunk(path, 0, v)}); err != nil {
			t.Fatalf("UpsertSource() error = %v", err)
		}
	}

	results, err := s.Search([]float32{1, 0}, 3, 0)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("Search() returned %d results, want 3", len(results))
	}
	for i := 1; i < len(results); i++ {
		if results[i].Score > results[i-1].Score {
			t.Errorf("results not in descending order at %d: %v > %v", i, results[i].Score, results[i-1].Score)
		}
	}
}

func TestJSONStoreDimensionLockIn(t *testing.T) {
	s := NewJSONStore(filepath.Join(t.TempDir(), "embeddings.json"))

	if err := s.UpsertSource("notes/a.md", []Chunk{testChunk("notes/a.md", 0, []float32{1, 0, 0})}); err != nil {
		t.Fatalf("first UpsertSource() error = %v", err)
	}

	err := s.UpsertSource("notes/b.md", []Chunk{testChunk("notes/b.md", 0, []float32{1, 0})})
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("UpsertSource() error = %v, want ErrDimensionMismatch", err)
	}

	// Failed upsert must leave the store untouched.
	if got := s.Stats().ChunkCount; got != 1 {
		t.Errorf("ChunkCount after failed upsert = %d, want 1", got)
	}
	if s.SourceChecksum("notes/b.md") != "" {
		t.Error("rejected source must not be recorded")
	}

	if _, err := s.Search([]float32{1, 0}, 10, 0); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("Search() with wrong dimension error = %v, want ErrDimensionMismatch", err)
	}
}

func TestJSONStoreMixedDimensionBatch(t *testing.T) {
	s := NewJSONStore(filepath.Join(t.TempDir(), "embeddings.json"))

	chunks := []Chunk{
		testChunk("notes/a.md", 0, []float32{1, 0, 0}),
		testChunk("notes/a.md", 1, []float32{1, 0}),
	}
	if err := s.UpsertSource("notes/a.md", chunks); !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("UpsertSource() error = %v, want ErrDimensionMismatch", err)
	}
	if got := s.Stats().ChunkCount; got != 0 {
		t.Errorf("ChunkCount = %d, want 0", got)
	}
}

func TestJSONStoreUpsertReplacesSource(t *testing.T) {
	s := NewJSONStore(filepath.Join(t.TempDir(), "embeddings.json"))

	initial := []Chunk{
		testChunk("notes/a.md", 0, []float32{1, 0}),
		testChunk("notes/a.md", 1, []float32{0, 1}),
		testChunk("notes/a.md", 2, []float32{1, 1}),
	}
	if err := s.UpsertSource("notes/a.md", initial); err != nil {
		t.Fatalf("UpsertSource() error = %v", err)
	}

	replacement := []Chunk{testChunk("notes/a.md", 0, []float32{0, 1})}
	if err := s.UpsertSource("notes/a.md", replacement); err != nil {
		t.Fatalf("UpsertSource() error = %v", err)
	}

	st := s.Stats()
	if st.ChunkCount != 1 {
		t.Errorf("ChunkCount = %d, want 1", st.ChunkCount)
	}
	if st.SourceCount != 1 {
		t.Errorf("SourceCount = %d, want 1", st.SourceCount)
	}

	results, err := s.Search([]float32{1, 0}, 10, 0.9)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) != 0 {
		t.Errorf("old chunks still searchable: %d results", len(results))
	}
}

func TestJSONStoreUpsertEmptyRemoves(t *testing.T) {
	s := NewJSONStore(filepath.Join(t.TempDir(), "embeddings.json"))

	if err := s.UpsertSource("notes/a.md", []Chunk{testChunk("notes/a.md", 0, []float32{1, 0})}); err != nil {
		t.Fatalf("UpsertSource() error = %v", err)
	}
	if err := s.UpsertSource("notes/a.md", nil); err != nil {
		t.Fatalf("UpsertSource(nil) error = %v", err)
	}
	if got := s.Stats().SourceCount; got != 0 {
		t.Errorf("SourceCount = %d, want 0", got)
	}
}

func TestJSONStoreRemoveSource(t *testing.T) {
	s := NewJSONStore(filepath.Join(t.TempDir(), "embeddings.json"))

	if err := s.UpsertSource("notes/a.md", []Chunk{testChunk("notes/a.md", 0, []float32{1, 0})}); err != nil {
		t.Fatalf("UpsertSource() error = %v", err)
	}

	if err := s.RemoveSource("notes/a.md"); err != nil {
		t.Fatalf("RemoveSource() error = %v", err)
	}
	if got := s.Stats().ChunkCount; got != 0 {
		t.Errorf("ChunkCount = %d, want 0", got)
	}

	// Removing an unknown source is a no-op.
	if err := s.RemoveSource("notes/missing.md"); err != nil {
		t.Errorf("RemoveSource(missing) error = %v", err)
	}
}

func TestJSONStoreRemoveSourcesNotIn(t *testing.T) {
	s := NewJSONStore(filepath.Join(t.TempDir(), "embeddings.json"))

	for _, p := range []string{"notes/a.md", "notes/b.md", "notes/c.md"} {
		if err := s.UpsertSource(p, []Chunk{testChunk(p, 0, []float32{1, 0})}); err != nil {
			t.Fatalf("UpsertSource(%s) error = %v", p, err)
		}
	}

	removed, err := s.RemoveSourcesNotIn(map[string]bool{"notes/b.md": true})
	if err != nil {
		t.Fatalf("RemoveSourcesNotIn() error = %v", err)
	}
	if len(removed) != 2 {
		t.Fatalf("removed %d sources, want 2", len(removed))
	}
	if removed[0] != "notes/a.md" || removed[1] != "notes/c.md" {
		t.Errorf("removed = %v, want [notes/a.md notes/c.md]", removed)
	}
	if paths := s.SourcePaths(); len(paths) != 1 || paths[0] != "notes/b.md" {
		t.Errorf("SourcePaths() = %v, want [notes/b.md]", paths)
	}
}

func TestJSONStoreSearchGrouped(t *testing.T) {
	s := NewJSONStore(filepath.Join(t.TempDir(), "embeddings.json"))

	// Source a scores highest, b second, c third; each has several chunks.
	sources := map[string][][]float32{
		"notes/a.md": {{1, 0}, {0.99, 0.01}, {0.98, 0.02}, {0.97, 0.03}},
		"notes/b.md": {{0.9, 0.1}, {0.89, 0.11}},
		"notes/c.md": {{0.7, 0.3}},
	}
	for p, vectors := range sources {
		var chunks []Chunk
		for i, v := range vectors {
			chunks = append(chunks, testChunk(p, i, v))
		}
		if err := s.UpsertSource(p, chunks); err != nil {
			t.Fatalf("UpsertSource(%s) error = %v", p, err)
		}
	}

	groups, err := s.SearchGrouped([]float32{1, 0}, 2, 3, 0)
	if err != nil {
		t.Fatalf("SearchGrouped() error = %v", err)
	}

	if len(groups) != 2 {
		t.Fatalf("got %d groups, want 2", len(groups))
	}
	if groups[0].SourcePath != "notes/a.md" {
		t.Errorf("top group = %s, want notes/a.md", groups[0].SourcePath)
	}
	if groups[1].SourcePath != "notes/b.md" {
		t.Errorf("second group = %s, want notes/b.md", groups[1].SourcePath)
	}
	if len(groups[0].Results) != 3 {
		t.Errorf("top group has %d results, want 3 (capped)", len(groups[0].Results))
	}
	if groups[0].BestScore < groups[1].BestScore {
		t.Error("groups not ordered by best score")
	}
	for _, g := range groups {
		if g.BestScore != g.Results[0].Score {
			t.Errorf("group %s best score %v != first result %v", g.SourcePath, g.BestScore, g.Results[0].Score)
		}
	}
}

func TestJSONStoreSearchGroupedThreshold(t *testing.T) {
	s := NewJSONStore(filepath.Join(t.TempDir(), "embeddings.json"))

	if err := s.UpsertSource("notes/a.md", []Chunk{testChunk("notes/a.md", 0, []float32{0, 1})}); err != nil {
		t.Fatalf("UpsertSource() error = %v", err)
	}

	groups, err := s.SearchGrouped([]float32{1, 0}, 4, 3, 0.5)
	if err != nil {
		t.Fatalf("SearchGrouped() error = %v", err)
	}
	if len(groups) != 0 {
		t.Errorf("got %d groups below threshold, want 0", len(groups))
	}
}

func TestJSONStoreSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index", "embeddings.json")

	s := NewJSONStore(path)
	chunks := []Chunk{
		testChunk("notes/a.md", 0, []float32{1, 0}),
		testChunk("notes/a.md", 1, []float32{0, 1}),
	}
	if err := s.UpsertSource("notes/a.md", chunks); err != nil {
		t.Fatalf("UpsertSource() error = %v", err)
	}
	if err := s.Save(); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	reloaded := NewJSONStore(path)
	if err := reloaded.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	st := reloaded.Stats()
	if st.ChunkCount != 2 {
		t.Errorf("ChunkCount = %d, want 2", st.ChunkCount)
	}
	if st.Dimension != 2 {
		t.Errorf("Dimension = %d, want 2", st.Dimension)
	}
	if got := reloaded.SourceChecksum("notes/a.md"); got != "abcd1234" {
		t.Errorf("SourceChecksum() = %q, want abcd1234", got)
	}

	results, err := reloaded.Search([]float32{1, 0}, 1, 0.5)
	if err != nil {
		t.Fatalf("Search() after reload error = %v", err)
	}
	if len(results) != 1 || results[0].Chunk.ParagraphText == "" {
		t.Errorf("reloaded search results incomplete: %+v", results)
	}
}

func TestJSONStoreLoadTolerance(t *testing.T) {
	tests := []struct {
		name    string
		content string
		setup   func(t *testing.T, path string)
	}{
		{name: "missing file"},
		{name: "corrupt json", content: "{not json"},
		{name: "old schema", content: `{"schema_version":1,"dimension":2,"chunks":[]}`},
		{name: "empty file", content: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "embeddings.json")
			if tt.content != "" || tt.name == "empty file" {
				if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
					t.Fatal(err)
				}
			}

			s := NewJSONStore(path)
			if err := s.Load(); err != nil {
				t.Fatalf("Load() error = %v, want nil", err)
			}
			if got := s.Stats().ChunkCount; got != 0 {
				t.Errorf("ChunkCount = %d, want 0", got)
			}
		})
	}
}

func TestJSONStoreSaveAtomicNoTempLeft(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "embeddings.json")

	s := NewJSONStore(path)
	if err := s.UpsertSource("notes/a.md", []Chunk{testChunk("notes/a.md", 0, []float32{1})}); err != nil {
		t.Fatalf("UpsertSource() error = %v", err)
	}
	if err := s.Save(); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("index file missing after Save: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind after Save")
	}
}

func TestSanitizeCollectionName(t *testing.T) {
	got := SanitizeCollectionName("/home/user/My Vault")
	want := "notegrep_home_user_My_Vault"
	if got != want {
		t.Errorf("SanitizeCollectionName() = %q, want %q", got, want)
	}
}

func TestPointIDDeterministic(t *testing.T) {
	a := pointID("notes/a.md#c0")
	b := pointID("notes/a.md#c0")
	c := pointID("notes/a.md#c1")
	if a != b {
		t.Error("same chunk id produced different point ids")
	}
	if a == c {
		t.Error("different chunk ids collided")
	}
}

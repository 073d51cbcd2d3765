package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/yoanbernabeu/notegrep/chunker"
	"github.com/yoanbernabeu/notegrep/embedder"
	"github.com/yoanbernabeu/notegrep/store"
	"github.com/yoanbernabeu/notegrep/vault"
	"github.com/yoanbernabeu/notegrep/vision"
)

// fakeBackend serves deterministic embeddings and a canned vision reply.
type fakeBackend struct {
	srv        *httptest.Server
	embedCalls atomic.Int64
	visionText string
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	fb := &fakeBackend{visionText: "A sticky note that reads: buy more coffee beans."}

	mux := http.NewServeMux()
	mux.HandleFunc("/embeddings", func(w http.ResponseWriter, r *http.Request) {
		fb.embedCalls.Add(1)
		var req struct {
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		items := make([]map[string]any, len(req.Input))
		for i, text := range req.Input {
			items[i] = map[string]any{
				"index":     i,
				"embedding": []float32{float32(len(text) % 7), float32(i + 1), 1},
			}
		}
		json.NewEncoder(w).Encode(map[string]any{"data": items})
	})
	mux.HandleFunc("/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"content": fb.visionText}},
			},
		})
	})

	fb.srv = httptest.NewServer(mux)
	t.Cleanup(fb.srv.Close)
	return fb
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func newTestIndexer(t *testing.T, root string, fb *fakeBackend, opts ...Option) (*Indexer, store.VectorStore) {
	t.Helper()
	v, err := vault.Open(root, nil)
	if err != nil {
		t.Fatal(err)
	}
	st := store.NewJSONStore(filepath.Join(t.TempDir(), "embeddings.json"))
	emb := embedder.NewClient(embedder.WithEndpoint(fb.srv.URL))
	ch := chunker.NewChunker(30, 40, 1)
	return NewIndexer(v, st, emb, ch, opts...), st
}

func words(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = "word"
	}
	return strings.Join(parts, " ")
}

func TestChecksum(t *testing.T) {
	a := Checksum([]byte("hello"))
	if len(a) != 8 {
		t.Errorf("Checksum() = %q, want 8 hex chars", a)
	}
	if a != Checksum([]byte("hello")) {
		t.Error("Checksum is not deterministic")
	}
	if a == Checksum([]byte("hello!")) {
		t.Error("Checksum did not change with input")
	}
}

func TestDeriveTitle(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		content string
		want    string
	}{
		{"frontmatter", "a.md", "---\ntitle: My Note\n---\n# Other\nbody", "My Note"},
		{"first heading", "a.md", "intro text\n\n# The Heading\n\nbody", "The Heading"},
		{"deep heading", "a.md", "### Small Heading\nbody", "Small Heading"},
		{"basename", "notes/daily log.md", "plain text only", "daily log"},
		{"empty frontmatter title", "a.md", "---\ntitle: \"\"\n---\n# Fallback", "Fallback"},
		{"empty content", "notes/empty.md", "", "empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DeriveTitle(tt.path, tt.content); got != tt.want {
				t.Errorf("DeriveTitle() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSmartUpdateIndexesAndSkipsUnchanged(t *testing.T) {
	fb := newFakeBackend(t)
	root := t.TempDir()
	writeFile(t, root, "alpha.md", "# Alpha\n\n"+words(35))
	writeFile(t, root, "sub/beta.md", "# Beta\n\n"+words(35))

	ix, st := newTestIndexer(t, root, fb)
	if err := ix.SmartUpdate(context.Background(), nil); err != nil {
		t.Fatalf("SmartUpdate() error = %v", err)
	}

	paths := st.SourcePaths()
	if len(paths) != 2 || paths[0] != "alpha.md" || paths[1] != "sub/beta.md" {
		t.Fatalf("SourcePaths() = %v", paths)
	}
	if st.Stats().ChunkCount == 0 {
		t.Fatal("no chunks indexed")
	}

	// Second pass: everything unchanged, so nothing is embedded, not even
	// the connection check.
	before := fb.embedCalls.Load()
	if err := ix.SmartUpdate(context.Background(), nil); err != nil {
		t.Fatalf("second SmartUpdate() error = %v", err)
	}
	if got := fb.embedCalls.Load(); got != before {
		t.Errorf("unchanged vault caused %d extra embed calls", got-before)
	}
}

func TestSmartUpdateReindexesChanged(t *testing.T) {
	fb := newFakeBackend(t)
	root := t.TempDir()
	writeFile(t, root, "note.md", "# One\n\n"+words(20))

	ix, st := newTestIndexer(t, root, fb)
	if err := ix.SmartUpdate(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	oldSum := st.SourceChecksum("note.md")

	writeFile(t, root, "note.md", "# One changed\n\n"+words(25))
	if err := ix.SmartUpdate(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if st.SourceChecksum("note.md") == oldSum {
		t.Error("checksum did not change after edit")
	}
}

func TestSmartUpdateRemovesObsoleteSources(t *testing.T) {
	fb := newFakeBackend(t)
	root := t.TempDir()
	writeFile(t, root, "keep.md", "# Keep\n\n"+words(20))
	writeFile(t, root, "gone.md", "# Gone\n\n"+words(20))

	ix, st := newTestIndexer(t, root, fb)
	if err := ix.SmartUpdate(context.Background(), nil); err != nil {
		t.Fatal(err)
	}

	if err := os.Remove(filepath.Join(root, "gone.md")); err != nil {
		t.Fatal(err)
	}
	if err := ix.SmartUpdate(context.Background(), nil); err != nil {
		t.Fatal(err)
	}

	paths := st.SourcePaths()
	if len(paths) != 1 || paths[0] != "keep.md" {
		t.Errorf("SourcePaths() = %v, want [keep.md]", paths)
	}
}

func TestFullRebuildEquivalentToFreshSmartUpdate(t *testing.T) {
	fb := newFakeBackend(t)
	root := t.TempDir()
	writeFile(t, root, "a.md", "# A\n\n"+words(60))
	writeFile(t, root, "b.md", "# B\n\n"+words(60))

	ixA, stA := newTestIndexer(t, root, fb)
	if err := ixA.FullRebuild(context.Background(), nil); err != nil {
		t.Fatal(err)
	}

	ixB, stB := newTestIndexer(t, root, fb)
	if err := ixB.SmartUpdate(context.Background(), nil); err != nil {
		t.Fatal(err)
	}

	sa, sb := stA.Stats(), stB.Stats()
	if sa.ChunkCount != sb.ChunkCount || sa.SourceCount != sb.SourceCount {
		t.Errorf("rebuild stats %+v differ from fresh smart update %+v", sa, sb)
	}
}

func TestFullRebuildClearsStaleEntries(t *testing.T) {
	fb := newFakeBackend(t)
	root := t.TempDir()
	writeFile(t, root, "real.md", "# Real\n\n"+words(20))

	ix, st := newTestIndexer(t, root, fb)
	stale := []store.Chunk{{
		ID:             store.ChunkID("phantom.md", 0),
		Vector:         []float32{1, 2, 3},
		SourcePath:     "phantom.md",
		SourceName:     "phantom.md",
		ParagraphText:  "leftover",
		SourceChecksum: "deadbeef",
		SourceKind:     store.SourceMarkdown,
	}}
	if err := st.UpsertSource("phantom.md", stale); err != nil {
		t.Fatal(err)
	}

	if err := ix.FullRebuild(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	for _, path := range st.SourcePaths() {
		if path == "phantom.md" {
			t.Error("full rebuild kept a source missing from the vault")
		}
	}
}

type recordingProgress struct {
	reports   []string
	completed bool
}

func (p *recordingProgress) Report(current, total int, message string) {
	p.reports = append(p.reports, message)
}

func (p *recordingProgress) Completed() { p.completed = true }

func TestProgressReporting(t *testing.T) {
	fb := newFakeBackend(t)
	root := t.TempDir()
	writeFile(t, root, "note.md", "# Note\n\n"+words(20))

	ix, _ := newTestIndexer(t, root, fb)
	progress := &recordingProgress{}
	if err := ix.SmartUpdate(context.Background(), progress); err != nil {
		t.Fatal(err)
	}

	if !progress.completed {
		t.Error("Completed() was never called")
	}
	var sawScan, sawIndex bool
	for _, msg := range progress.reports {
		if strings.HasPrefix(msg, "Scanning vault:") {
			sawScan = true
		}
		if strings.HasPrefix(msg, "Indexing:") {
			sawIndex = true
		}
	}
	if !sawScan || !sawIndex {
		t.Errorf("missing progress phases in %v", progress.reports)
	}
}

func TestIndexSourceSingle(t *testing.T) {
	fb := newFakeBackend(t)
	root := t.TempDir()
	writeFile(t, root, "note.md", "# Note\n\n"+words(20))

	ix, st := newTestIndexer(t, root, fb)
	if err := ix.IndexSource(context.Background(), "note.md"); err != nil {
		t.Fatalf("IndexSource() error = %v", err)
	}
	if len(st.SourcePaths()) != 1 {
		t.Fatalf("SourcePaths() = %v", st.SourcePaths())
	}

	// Unchanged content embeds nothing.
	before := fb.embedCalls.Load()
	if err := ix.IndexSource(context.Background(), "note.md"); err != nil {
		t.Fatal(err)
	}
	if got := fb.embedCalls.Load(); got != before {
		t.Errorf("unchanged source caused %d extra embed calls", got-before)
	}

	// A vanished source is dropped.
	if err := os.Remove(filepath.Join(root, "note.md")); err != nil {
		t.Fatal(err)
	}
	if err := ix.IndexSource(context.Background(), "note.md"); err != nil {
		t.Fatal(err)
	}
	if len(st.SourcePaths()) != 0 {
		t.Errorf("SourcePaths() after delete = %v, want empty", st.SourcePaths())
	}
}

func TestImagePhase(t *testing.T) {
	fb := newFakeBackend(t)
	root := t.TempDir()
	writeFile(t, root, "board.png", "fakepng")

	ext := vision.NewExtractor(vision.WithEndpoint(fb.srv.URL))
	ix, st := newTestIndexer(t, root, fb, WithVision(ext))
	if err := ix.SmartUpdate(context.Background(), nil); err != nil {
		t.Fatal(err)
	}

	paths := st.SourcePaths()
	if len(paths) != 1 || paths[0] != "board.png" {
		t.Fatalf("SourcePaths() = %v, want [board.png]", paths)
	}

	got := st.SourceChecksum("board.png")
	want := Checksum([]byte(fb.visionText))
	if got != want {
		t.Errorf("image checksum = %s, want checksum of extracted text %s", got, want)
	}

	results, err := st.Search([]float32{1, 1, 1}, 10, -1)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) == 0 {
		t.Fatal("image produced no searchable chunks")
	}
	chunk := results[0].Chunk
	if chunk.SourceKind != store.SourceImage || !chunk.ExtractedText {
		t.Errorf("chunk kind = %s extracted = %v", chunk.SourceKind, chunk.ExtractedText)
	}
	if chunk.Title != "Image: board.png" {
		t.Errorf("chunk title = %q", chunk.Title)
	}
}

func TestImagePhaseSkippedWhenUnsupported(t *testing.T) {
	fb := newFakeBackend(t)
	fb.visionText = "I cannot see any image in this conversation."
	root := t.TempDir()
	writeFile(t, root, "board.png", "fakepng")

	ext := vision.NewExtractor(vision.WithEndpoint(fb.srv.URL))
	ix, st := newTestIndexer(t, root, fb, WithVision(ext))
	if err := ix.SmartUpdate(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if len(st.SourcePaths()) != 0 {
		t.Errorf("unsupported vision model still indexed %v", st.SourcePaths())
	}
}

func TestImagesIgnoredWithoutVision(t *testing.T) {
	fb := newFakeBackend(t)
	root := t.TempDir()
	writeFile(t, root, "board.png", "fakepng")
	writeFile(t, root, "note.md", "# Note\n\n"+words(20))

	ix, st := newTestIndexer(t, root, fb)
	if err := ix.SmartUpdate(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	paths := st.SourcePaths()
	if len(paths) != 1 || paths[0] != "note.md" {
		t.Errorf("SourcePaths() = %v, want [note.md]", paths)
	}
}

func TestSmartUpdateCancelled(t *testing.T) {
	fb := newFakeBackend(t)
	root := t.TempDir()
	writeFile(t, root, "note.md", "# Note\n\n"+words(20))

	ix, _ := newTestIndexer(t, root, fb)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := ix.SmartUpdate(ctx, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("SmartUpdate() error = %v, want context.Canceled", err)
	}
}

func TestEnsureConnection(t *testing.T) {
	fb := newFakeBackend(t)
	root := t.TempDir()

	ix, _ := newTestIndexer(t, root, fb)
	dim, err := ix.EnsureConnection(context.Background())
	if err != nil {
		t.Fatalf("EnsureConnection() error = %v", err)
	}
	if dim != 3 {
		t.Errorf("EnsureConnection() dimension = %d, want 3", dim)
	}
}

func TestEnsureConnectionCancelled(t *testing.T) {
	fb := newFakeBackend(t)
	root := t.TempDir()

	ix, _ := newTestIndexer(t, root, fb)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := ix.EnsureConnection(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("EnsureConnection() error = %v, want context.Canceled", err)
	}
}

func TestEmptyNoteRemovedFromIndex(t *testing.T) {
	fb := newFakeBackend(t)
	root := t.TempDir()
	writeFile(t, root, "note.md", "# Note\n\n"+words(20))

	ix, st := newTestIndexer(t, root, fb)
	if err := ix.SmartUpdate(context.Background(), nil); err != nil {
		t.Fatal(err)
	}

	writeFile(t, root, "note.md", "")
	if err := ix.SmartUpdate(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if len(st.SourcePaths()) != 0 {
		t.Errorf("emptied note still indexed: %v", st.SourcePaths())
	}
}

package indexer

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"log"
	"path/filepath"
	"time"

	"github.com/yoanbernabeu/notegrep/chunker"
	"github.com/yoanbernabeu/notegrep/embedder"
	"github.com/yoanbernabeu/notegrep/store"
	"github.com/yoanbernabeu/notegrep/vault"
	"github.com/yoanbernabeu/notegrep/vision"
)

const (
	// checkpointInterval is how many processed sources sit between
	// intermediate index saves.
	checkpointInterval = 10

	connectAttempts   = 10
	connectRetryDelay = 2 * time.Second
)

// ProgressSink receives indexing progress. Units are sources during the
// scan phase and chunks during embedding, so visible progress tracks the
// expensive work.
type ProgressSink interface {
	Report(current, total int, message string)
	Completed()
}

type nopProgress struct{}

func (nopProgress) Report(int, int, string) {}
func (nopProgress) Completed()              {}

// Checksum is the fingerprint stored per source: CRC32 (IEEE) in hex.
func Checksum(data []byte) string {
	return fmt.Sprintf("%08x", crc32.ChecksumIEEE(data))
}

// Indexer drives the per-source pipeline: read, checksum, chunk, embed,
// upsert. The store is only ever written from here.
type Indexer struct {
	vault    *vault.Vault
	store    store.VectorStore
	embedder *embedder.Client
	chunker  *chunker.Chunker
	vision   *vision.Extractor
	logger   *log.Logger
}

type Option func(*Indexer)

// WithVision enables the image extraction phase. A nil extractor leaves
// images unindexed.
func WithVision(e *vision.Extractor) Option {
	return func(ix *Indexer) {
		ix.vision = e
	}
}

func WithLogger(logger *log.Logger) Option {
	return func(ix *Indexer) {
		ix.logger = logger
	}
}

func NewIndexer(v *vault.Vault, st store.VectorStore, emb *embedder.Client, ch *chunker.Chunker, opts ...Option) *Indexer {
	ix := &Indexer{
		vault:    v,
		store:    st,
		embedder: emb,
		chunker:  ch,
		logger:   log.Default(),
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// EnsureConnection verifies the embedding endpoint responds, retrying up
// to ten times with two seconds between attempts. Returns the embedding
// dimension on success.
func (ix *Indexer) EnsureConnection(ctx context.Context) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		dim, err := ix.embedder.Test(ctx)
		if err == nil {
			return dim, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		ix.logger.Printf("embedding endpoint check %d/%d failed: %v", attempt, connectAttempts, err)
		if attempt < connectAttempts {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(connectRetryDelay):
			}
		}
	}
	return 0, fmt.Errorf("embedding endpoint unreachable after %d attempts: %w", connectAttempts, lastErr)
}

// SmartUpdate reindexes only the sources whose checksum changed and drops
// sources no longer present in the vault.
func (ix *Indexer) SmartUpdate(ctx context.Context, progress ProgressSink) error {
	return ix.run(ctx, progress, false)
}

// FullRebuild clears the store and reindexes every source.
func (ix *Indexer) FullRebuild(ctx context.Context, progress ProgressSink) error {
	if _, err := ix.store.RemoveSourcesNotIn(map[string]bool{}); err != nil {
		return fmt.Errorf("failed to clear index: %w", err)
	}
	return ix.run(ctx, progress, true)
}

// workItem is one markdown source ready for embedding.
type workItem struct {
	source   vault.Source
	checksum string
	title    string
	chunks   []string
}

func (ix *Indexer) run(ctx context.Context, progress ProgressSink, force bool) error {
	if progress == nil {
		progress = nopProgress{}
	}

	sources, err := ix.vault.ListSources()
	if err != nil {
		return err
	}

	keep := make(map[string]bool, len(sources))
	for _, src := range sources {
		keep[src.Path] = true
	}
	removed, err := ix.store.RemoveSourcesNotIn(keep)
	if err != nil {
		return err
	}
	for _, path := range removed {
		ix.logger.Printf("removed obsolete source %s", path)
	}

	var work []workItem
	var images []vault.Source
	totalChunks := 0

	for i, src := range sources {
		progress.Report(i+1, len(sources), "Scanning vault: "+src.Path)

		if vault.IsImage(src.Path) {
			images = append(images, src)
			continue
		}

		data, err := ix.vault.ReadSource(src.Path)
		if err != nil {
			ix.logger.Printf("skipping unreadable source %s: %v", src.Path, err)
			continue
		}
		sum := Checksum(data)
		if !force && ix.store.SourceChecksum(src.Path) == sum {
			continue
		}

		content := string(data)
		chunks := ix.chunker.Chunk(content)
		if len(chunks) == 0 {
			// Nothing indexable; drop whatever an earlier version left behind.
			if err := ix.store.RemoveSource(src.Path); err != nil {
				ix.logger.Printf("failed to remove empty source %s: %v", src.Path, err)
			}
			continue
		}

		work = append(work, workItem{
			source:   src,
			checksum: sum,
			title:    DeriveTitle(src.Path, content),
			chunks:   chunks,
		})
		totalChunks += len(chunks)
	}

	if len(work) == 0 && (ix.vision == nil || len(images) == 0) {
		if err := ix.store.Save(); err != nil {
			return fmt.Errorf("failed to save index: %w", err)
		}
		progress.Completed()
		return nil
	}

	if _, err := ix.EnsureConnection(ctx); err != nil {
		return err
	}

	doneChunks := 0
	sinceCheckpoint := 0
	for _, item := range work {
		if err := ctx.Err(); err != nil {
			return err
		}

		vectors, err := ix.embedder.EmbedMany(ctx, item.chunks)
		if err != nil {
			return fmt.Errorf("failed to embed %s: %w", item.source.Path, err)
		}

		records := buildChunks(item.source, item.title, item.checksum, store.SourceMarkdown, false, item.chunks, vectors)
		if err := ix.store.UpsertSource(item.source.Path, records); err != nil {
			ix.logger.Printf("failed to index %s: %v", item.source.Path, err)
			continue
		}

		doneChunks += len(item.chunks)
		progress.Report(doneChunks, totalChunks, "Indexing: "+item.source.Path)

		sinceCheckpoint++
		if sinceCheckpoint >= checkpointInterval {
			sinceCheckpoint = 0
			if err := ix.store.Save(); err != nil {
				ix.logger.Printf("checkpoint save failed: %v", err)
			}
		}
	}

	if err := ix.runImages(ctx, progress, images, force, &doneChunks, &totalChunks, &sinceCheckpoint); err != nil {
		return err
	}

	if err := ix.store.Save(); err != nil {
		return fmt.Errorf("failed to save index: %w", err)
	}
	progress.Completed()
	return nil
}

func (ix *Indexer) runImages(ctx context.Context, progress ProgressSink, images []vault.Source, force bool, doneChunks, totalChunks, sinceCheckpoint *int) error {
	if ix.vision == nil || len(images) == 0 {
		return nil
	}

	supported, err := ix.vision.Probe(ctx)
	if err != nil {
		ix.logger.Printf("vision probe failed, skipping %d images: %v", len(images), err)
		return nil
	}
	if !supported {
		ix.logger.Printf("vision model cannot see images, skipping %d images", len(images))
		return nil
	}

	for _, src := range images {
		if err := ctx.Err(); err != nil {
			return err
		}

		data, err := ix.vault.ReadSource(src.Path)
		if err != nil {
			ix.logger.Printf("skipping unreadable image %s: %v", src.Path, err)
			continue
		}

		text, err := ix.vision.Extract(ctx, data, src.Extension)
		if errors.Is(err, vision.ErrNoText) {
			continue
		}
		if errors.Is(err, vision.ErrUnsupported) {
			ix.logger.Printf("vision model stopped seeing images, skipping the rest")
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			ix.logger.Printf("failed to extract %s: %v", src.Path, err)
			continue
		}

		// The checksum covers the extracted text, not the image bytes:
		// an image whose description is unchanged stays unchanged.
		sum := Checksum([]byte(text))
		if !force && ix.store.SourceChecksum(src.Path) == sum {
			continue
		}

		chunks := ix.chunker.Chunk(text)
		if len(chunks) == 0 {
			continue
		}
		*totalChunks += len(chunks)

		vectors, err := ix.embedder.EmbedMany(ctx, chunks)
		if err != nil {
			return fmt.Errorf("failed to embed %s: %w", src.Path, err)
		}

		title := "Image: " + filepath.Base(src.Path)
		records := buildChunks(src, title, sum, store.SourceImage, true, chunks, vectors)
		if err := ix.store.UpsertSource(src.Path, records); err != nil {
			ix.logger.Printf("failed to index %s: %v", src.Path, err)
			continue
		}

		*doneChunks += len(chunks)
		progress.Report(*doneChunks, *totalChunks, "Indexing image: "+src.Path)

		*sinceCheckpoint++
		if *sinceCheckpoint >= checkpointInterval {
			*sinceCheckpoint = 0
			if err := ix.store.Save(); err != nil {
				ix.logger.Printf("checkpoint save failed: %v", err)
			}
		}
	}
	return nil
}

// IndexSource reindexes a single vault path, typically in response to a
// file change. A vanished source is removed from the index.
func (ix *Indexer) IndexSource(ctx context.Context, relPath string) error {
	src, err := ix.vault.StatSource(relPath)
	if err != nil {
		return ix.RemoveSource(relPath)
	}

	data, err := ix.vault.ReadSource(relPath)
	if err != nil {
		return fmt.Errorf("failed to read source %s: %w", relPath, err)
	}

	var (
		sum       string
		title     string
		chunks    []string
		kind      store.SourceKind
		extracted bool
	)

	switch {
	case vault.IsMarkdown(relPath):
		content := string(data)
		sum = Checksum(data)
		if ix.store.SourceChecksum(relPath) == sum {
			return nil
		}
		title = DeriveTitle(relPath, content)
		chunks = ix.chunker.Chunk(content)
		kind = store.SourceMarkdown

	case vault.IsImage(relPath):
		if ix.vision == nil {
			return nil
		}
		supported, err := ix.vision.Probe(ctx)
		if err != nil || !supported {
			return nil
		}
		text, err := ix.vision.Extract(ctx, data, src.Extension)
		if errors.Is(err, vision.ErrNoText) || errors.Is(err, vision.ErrUnsupported) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to extract %s: %w", relPath, err)
		}
		sum = Checksum([]byte(text))
		if ix.store.SourceChecksum(relPath) == sum {
			return nil
		}
		title = "Image: " + filepath.Base(relPath)
		chunks = ix.chunker.Chunk(text)
		kind = store.SourceImage
		extracted = true

	default:
		return nil
	}

	if len(chunks) == 0 {
		return ix.RemoveSource(relPath)
	}

	vectors, err := ix.embedder.EmbedMany(ctx, chunks)
	if err != nil {
		return fmt.Errorf("failed to embed %s: %w", relPath, err)
	}

	records := buildChunks(src, title, sum, kind, extracted, chunks, vectors)
	if err := ix.store.UpsertSource(relPath, records); err != nil {
		return err
	}
	if err := ix.store.Save(); err != nil {
		return fmt.Errorf("failed to save index: %w", err)
	}
	return nil
}

// RemoveSource drops a source from the index and persists the result.
func (ix *Indexer) RemoveSource(relPath string) error {
	if err := ix.store.RemoveSource(relPath); err != nil {
		return err
	}
	if err := ix.store.Save(); err != nil {
		return fmt.Errorf("failed to save index: %w", err)
	}
	return nil
}

func buildChunks(src vault.Source, title, checksum string, kind store.SourceKind, extracted bool, texts []string, vectors [][]float32) []store.Chunk {
	records := make([]store.Chunk, len(texts))
	for i, text := range texts {
		records[i] = store.Chunk{
			ID:             store.ChunkID(src.Path, i),
			Vector:         vectors[i],
			SourcePath:     src.Path,
			SourceName:     filepath.Base(src.Path),
			Title:          title,
			ParagraphIndex: i,
			ParagraphText:  text,
			SourceChecksum: checksum,
			LastModified:   src.ModTime.Unix(),
			SourceSize:     src.Size,
			SourceKind:     kind,
			ExtractedText:  extracted,
		}
	}
	return records
}

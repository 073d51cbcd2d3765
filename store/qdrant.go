package store

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// SanitizeCollectionName turns a vault root path into a valid qdrant
// collection name.
func SanitizeCollectionName(vaultRoot string) string {
	name := make([]rune, 0, len(vaultRoot))
	for _, r := range vaultRoot {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			name = append(name, r)
		default:
			name = append(name, '_')
		}
	}
	return "notegrep" + string(name)
}

// pointNamespace seeds deterministic point ids so re-upserting a chunk
// overwrites its previous point instead of duplicating it.
var pointNamespace = uuid.MustParse("8f3c1d6a-52e4-4c8e-9b0a-7d2f94e1c3b5")

// QdrantStore implements VectorStore against a remote qdrant collection.
// The server owns durability, so Load and Save are cheap.
type QdrantStore struct {
	client     *qdrant.Client
	collection string
	dimension  int
	logger     *log.Logger
}

// NewQdrantStore connects to qdrant over gRPC and ensures the collection
// exists with cosine distance. A dimension of 0 defers collection creation
// to the first upsert.
func NewQdrantStore(ctx context.Context, endpoint string, port int, useTLS bool, collection, apiKey string, dimension int) (*QdrantStore, error) {
	if port <= 0 {
		port = 6334
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   endpoint,
		Port:   port,
		APIKey: apiKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	s := &QdrantStore{
		client:     client,
		collection: collection,
		dimension:  dimension,
		logger:     log.Default(),
	}

	if dimension > 0 {
		if err := s.ensureCollection(ctx, dimension); err != nil {
			client.Close()
			return nil, err
		}
	}

	return s, nil
}

func (s *QdrantStore) ensureCollection(ctx context.Context, dimension int) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if !exists {
		err := s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: s.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(dimension),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return fmt.Errorf("failed to create collection: %w", err)
		}
		s.dimension = dimension
		return nil
	}

	info, err := s.client.GetCollectionInfo(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("failed to get collection info: %w", err)
	}
	if params := collectionVectorParams(info); params != nil {
		if int(params.Size) != dimension {
			return fmt.Errorf("%w: collection %s has dimension %d, expected %d", ErrDimensionMismatch, s.collection, params.Size, dimension)
		}
	}
	s.dimension = dimension
	return nil
}

func collectionVectorParams(info *qdrant.CollectionInfo) *qdrant.VectorParams {
	if info == nil || info.Config == nil || info.Config.Params == nil {
		return nil
	}
	vc := info.Config.Params.GetVectorsConfig()
	if vc == nil {
		return nil
	}
	return vc.GetParams()
}

// Load is a no-op: the collection lives server-side.
func (s *QdrantStore) Load() error { return nil }

// Save is a no-op: qdrant persists on upsert.
func (s *QdrantStore) Save() error { return nil }

// pointID derives a stable UUID for a chunk id.
func pointID(chunkID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(chunkID)).String()
}

func chunkPayload(c Chunk) map[string]any {
	return map[string]any{
		"id":              c.ID,
		"source_path":     c.SourcePath,
		"source_name":     c.SourceName,
		"title":           c.Title,
		"paragraph_index": int64(c.ParagraphIndex),
		"paragraph_text":  c.ParagraphText,
		"source_checksum": c.SourceChecksum,
		"last_modified":   c.LastModified,
		"source_size":     c.SourceSize,
		"source_kind":     string(c.SourceKind),
		"extracted_text":  c.ExtractedText,
	}
}

func chunkFromPayload(payload map[string]*qdrant.Value) Chunk {
	get := func(key string) *qdrant.Value { return payload[key] }
	str := func(key string) string {
		if v := get(key); v != nil {
			return v.GetStringValue()
		}
		return ""
	}
	num := func(key string) int64 {
		if v := get(key); v != nil {
			return v.GetIntegerValue()
		}
		return 0
	}
	boolean := func(key string) bool {
		if v := get(key); v != nil {
			return v.GetBoolValue()
		}
		return false
	}

	return Chunk{
		ID:             str("id"),
		SourcePath:     str("source_path"),
		SourceName:     str("source_name"),
		Title:          str("title"),
		ParagraphIndex: int(num("paragraph_index")),
		ParagraphText:  str("paragraph_text"),
		SourceChecksum: str("source_checksum"),
		LastModified:   num("last_modified"),
		SourceSize:     num("source_size"),
		SourceKind:     SourceKind(str("source_kind")),
		ExtractedText:  boolean("extracted_text"),
	}
}

func sourceFilter(sourcePath string) *qdrant.Filter {
	return &qdrant.Filter{
		Must: []*qdrant.Condition{
			qdrant.NewMatch("source_path", sourcePath),
		},
	}
}

// UpsertSource replaces the source's points: every existing point of the
// source is deleted by payload filter, then the new set is upserted under
// deterministic ids.
func (s *QdrantStore) UpsertSource(sourcePath string, chunks []Chunk) error {
	ctx := context.Background()

	if len(chunks) == 0 {
		return s.RemoveSource(sourcePath)
	}

	dim := s.dimension
	if dim == 0 {
		dim = len(chunks[0].Vector)
		if err := s.ensureCollection(ctx, dim); err != nil {
			return err
		}
	}
	for _, c := range chunks {
		if len(c.Vector) != dim {
			return fmt.Errorf("%w: chunk %s has dimension %d, index is %d", ErrDimensionMismatch, c.ID, len(c.Vector), dim)
		}
	}

	if _, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Points:         qdrant.NewPointsSelectorFilter(sourceFilter(sourcePath)),
	}); err != nil {
		return fmt.Errorf("failed to clear source points: %w", err)
	}

	points := make([]*qdrant.PointStruct, 0, len(chunks))
	for _, c := range chunks {
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewID(pointID(c.ID)),
			Vectors: qdrant.NewVectors(c.Vector...),
			Payload: qdrant.NewValueMap(chunkPayload(c)),
		})
	}

	if _, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Points:         points,
	}); err != nil {
		return fmt.Errorf("failed to upsert points: %w", err)
	}

	return nil
}

// RemoveSource deletes all points of the source by payload filter.
func (s *QdrantStore) RemoveSource(sourcePath string) error {
	_, err := s.client.Delete(context.Background(), &qdrant.DeletePoints{
		CollectionName: s.collection,
		Points:         qdrant.NewPointsSelectorFilter(sourceFilter(sourcePath)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete source points: %w", err)
	}
	return nil
}

// RemoveSourcesNotIn scans the collection's source paths and deletes every
// source absent from keep.
func (s *QdrantStore) RemoveSourcesNotIn(keep map[string]bool) ([]string, error) {
	paths := s.SourcePaths()

	var removed []string
	for _, p := range paths {
		if keep[p] {
			continue
		}
		if err := s.RemoveSource(p); err != nil {
			return removed, err
		}
		removed = append(removed, p)
	}
	sort.Strings(removed)
	return removed, nil
}

// Search runs a server-side similarity query.
func (s *QdrantStore) Search(vector []float32, limit int, threshold float32) ([]SearchResult, error) {
	ctx := context.Background()

	lim := uint64(limit)
	points, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          &lim,
		ScoreThreshold: &threshold,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query points: %w", err)
	}

	results := make([]SearchResult, 0, len(points))
	for _, p := range points {
		results = append(results, SearchResult{
			Chunk: chunkFromPayload(p.Payload),
			Score: p.Score,
		})
	}
	return results, nil
}

// SearchGrouped over-fetches a candidate pool and buckets it client-side,
// matching the JSON backend's grouping.
func (s *QdrantStore) SearchGrouped(vector []float32, maxSources, maxPerSource int, threshold float32) ([]SourceGroup, error) {
	pool := 2 * maxSources * maxPerSource
	if pool <= 0 {
		pool = 24
	}
	candidates, err := s.Search(vector, pool, threshold)
	if err != nil {
		return nil, err
	}
	return groupBySource(candidates, maxSources, maxPerSource), nil
}

// scrollPayloads walks the whole collection returning selected payload
// fields for every point.
func (s *QdrantStore) scrollPayloads(ctx context.Context, fields ...string) ([]map[string]*qdrant.Value, error) {
	grpcPoints := s.client.GetPointsClient()

	var (
		payloads []map[string]*qdrant.Value
		offset   *qdrant.PointId
	)
	limit := uint32(1000)
	for {
		resp, err := grpcPoints.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: s.collection,
			Limit:          &limit,
			Offset:         offset,
			WithPayload:    qdrant.NewWithPayloadInclude(fields...),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scroll collection: %w", err)
		}
		for _, p := range resp.GetResult() {
			payloads = append(payloads, p.Payload)
		}
		offset = resp.GetNextPageOffset()
		if offset == nil {
			break
		}
	}
	return payloads, nil
}

// SourceChecksum fetches the recorded checksum for a source, "" if the
// source has no points.
func (s *QdrantStore) SourceChecksum(sourcePath string) string {
	ctx := context.Background()

	lim := uint32(1)
	resp, err := s.client.GetPointsClient().Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: s.collection,
		Limit:          &lim,
		Filter:         sourceFilter(sourcePath),
		WithPayload:    qdrant.NewWithPayloadInclude("source_checksum"),
	})
	if err != nil || len(resp.GetResult()) == 0 {
		return ""
	}
	if v := resp.GetResult()[0].Payload["source_checksum"]; v != nil {
		return v.GetStringValue()
	}
	return ""
}

// SourcePaths lists the distinct source paths stored in the collection.
func (s *QdrantStore) SourcePaths() []string {
	payloads, err := s.scrollPayloads(context.Background(), "source_path")
	if err != nil {
		s.logger.Printf("warning: failed to list qdrant sources: %v", err)
		return nil
	}

	seen := make(map[string]bool)
	var paths []string
	for _, payload := range payloads {
		v := payload["source_path"]
		if v == nil {
			continue
		}
		p := v.GetStringValue()
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Stats reads point counts from the collection info.
func (s *QdrantStore) Stats() Stats {
	ctx := context.Background()

	st := Stats{Dimension: s.dimension, LastUpdated: time.Now()}

	info, err := s.client.GetCollectionInfo(ctx, s.collection)
	if err != nil {
		return st
	}
	if info.PointsCount != nil {
		st.ChunkCount = int(*info.PointsCount)
	}
	if params := collectionVectorParams(info); params != nil {
		st.Dimension = int(params.Size)
	}
	st.SourceCount = len(s.SourcePaths())
	return st
}

// Close shuts down the gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

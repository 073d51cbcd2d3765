package cli

import (
	"context"
	"fmt"
	"log"

	"github.com/yoanbernabeu/notegrep/chunker"
	"github.com/yoanbernabeu/notegrep/config"
	"github.com/yoanbernabeu/notegrep/embedder"
	"github.com/yoanbernabeu/notegrep/indexer"
	"github.com/yoanbernabeu/notegrep/store"
	"github.com/yoanbernabeu/notegrep/vault"
	"github.com/yoanbernabeu/notegrep/vision"
)

// session bundles the components every command assembles from the vault
// configuration.
type session struct {
	root     string
	cfg      *config.Config
	vault    *vault.Vault
	store    store.VectorStore
	embedder *embedder.Client
	logger   *log.Logger
}

// openSession locates the vault root, loads its configuration and wires
// the vault, store and embedder together.
func openSession(ctx context.Context) (*session, error) {
	root, err := config.FindVaultRoot()
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(root)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := verbosityLogger(cfg.Log)

	v, err := vault.Open(root, cfg.Ignore)
	if err != nil {
		return nil, fmt.Errorf("failed to open vault: %w", err)
	}

	st, err := openStore(ctx, cfg, root, logger)
	if err != nil {
		return nil, err
	}

	return &session{
		root:     root,
		cfg:      cfg,
		vault:    v,
		store:    st,
		embedder: embedder.NewFromConfig(cfg.Embedder),
		logger:   logger,
	}, nil
}

func openStore(ctx context.Context, cfg *config.Config, root string, logger *log.Logger) (store.VectorStore, error) {
	switch cfg.Store.Backend {
	case "json", "":
		st := store.NewJSONStore(config.GetIndexPath(root), store.WithJSONLogger(logger))
		if err := st.Load(); err != nil {
			return nil, fmt.Errorf("failed to load index: %w", err)
		}
		return st, nil
	case "qdrant":
		collection := cfg.Store.Qdrant.Collection
		if collection == "" {
			collection = store.SanitizeCollectionName(root)
		}
		st, err := store.NewQdrantStore(ctx,
			cfg.Store.Qdrant.Endpoint,
			cfg.Store.Qdrant.Port,
			cfg.Store.Qdrant.UseTLS,
			collection,
			cfg.Store.Qdrant.APIKey,
			0)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to qdrant: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Store.Backend)
	}
}

// newIndexer builds the indexing pipeline for the session, including the
// vision extractor when image indexing is enabled.
func (s *session) newIndexer() *indexer.Indexer {
	ch := chunker.NewChunker(s.cfg.Chunking.TargetWords, s.cfg.Chunking.MaxWords, s.cfg.Chunking.MinWords)
	opts := []indexer.Option{indexer.WithLogger(s.logger)}
	if s.cfg.Vision.Enabled {
		opts = append(opts, indexer.WithVision(vision.NewFromConfig(s.cfg.Vision)))
	}
	return indexer.NewIndexer(s.vault, s.store, s.embedder, ch, opts...)
}

func (s *session) Close() {
	if err := s.store.Close(); err != nil {
		s.logger.Printf("Warning: failed to close store: %v", err)
	}
}

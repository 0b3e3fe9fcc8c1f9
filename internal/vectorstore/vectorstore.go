// Package vectorstore selects the vector index backend at startup.
package vectorstore

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"knowledge-rag/internal/chromemdb"
	"knowledge-rag/internal/config"
	"knowledge-rag/internal/db"
	"knowledge-rag/internal/embedding"
	"knowledge-rag/internal/models"
)

// Index is a persistent similarity index over chunk embeddings. Every vector
// stored in one index has the same dimension. Implementations are safe for
// concurrent use.
type Index interface {
	Upsert(ctx context.Context, records []models.IndexRecord) error
	Query(ctx context.Context, vector []float32, k int) (models.RetrievalResult, error)
	Count(ctx context.Context) (int, error)
	Close() error
}

var (
	_ Index = (*chromemdb.VectorDBManager)(nil)
	_ Index = (*db.Store)(nil)
)

// Open constructs the index named by cfg.VectorStore.Backend. The embedder is
// only used by backends that can embed on their own.
func Open(ctx context.Context, cfg *config.Config, embedder embedding.Provider) (Index, error) {
	vs := cfg.VectorStore
	log.Debug().Str("backend", vs.Backend).Str("collection", vs.Collection).Msg("Opening vector index")

	switch vs.Backend {
	case config.BackendChromem, "":
		m, err := chromemdb.NewVectorDBManager(chromemdb.Options{
			Path:          vs.PersistDir,
			Collection:    vs.Collection,
			Compress:      vs.Compress,
			EncryptionKey: vs.EncryptionKey,
			Embedder:      embedder,
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("backend", config.BackendChromem).Str("mode", string(m.Mode())).Msg("Vector index ready")
		return m, nil
	case config.BackendPgvector:
		s, err := db.Open(ctx, db.Options{
			DSN:   vs.DSN,
			Table: vs.Collection,
			Debug: vs.Debug,
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("backend", config.BackendPgvector).Str("driver", s.Driver()).Msg("Vector index ready")
		return s, nil
	default:
		return nil, models.NewStageError(models.ErrIndexInit, "index init",
			fmt.Errorf("unknown vector store backend: %s", vs.Backend))
	}
}

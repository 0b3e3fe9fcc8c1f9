package chromemdb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/philippgille/chromem-go"
	"github.com/rs/zerolog/log"

	"knowledge-rag/internal/embedding"
	"knowledge-rag/internal/helper"
	"knowledge-rag/internal/models"
)

const (
	stageInit   = "index init"
	stageUpsert = "index upsert"
	stageQuery  = "index query"
)

// Mode reports which construction path produced the database.
type Mode string

const (
	ModePersistent Mode = "persistent"
	ModeSnapshot   Mode = "snapshot"
)

// VectorDBManager encapsulates the chromem-go database operations. It is safe
// for concurrent use; chromem guards the collection and the manager guards the
// dimension bookkeeping and snapshot export.
type VectorDBManager struct {
	mu            sync.Mutex
	db            *chromem.DB
	collection    *chromem.Collection
	mode          Mode
	dbPath        string
	compress      bool
	encryptionKey string
	filePath      string
	dim           int
}

// Options configures NewVectorDBManager.
type Options struct {
	Path          string
	Collection    string
	Compress      bool
	EncryptionKey string
	// Embedder backs the collection's embedding function for documents and
	// queries that arrive without a vector.
	Embedder embedding.Provider
}

// NewVectorDBManager opens the collection under opts.Path. It first tries a
// persistent database; when that fails (for example because the directory was
// written by an incompatible chromem version) it falls back to an in-memory
// database restored from, and exported back to, a snapshot file.
func NewVectorDBManager(opts Options) (*VectorDBManager, error) {
	if opts.Collection == "" {
		opts.Collection = models.CollectionName
	}
	if err := helper.CreateFolder(opts.Path); err != nil {
		return nil, models.NewStageError(models.ErrIndexInit, stageInit, err)
	}

	m := &VectorDBManager{
		dbPath:        opts.Path,
		compress:      opts.Compress,
		encryptionKey: opts.EncryptionKey,
		filePath:      snapshotPath(opts.Path, opts.Collection, opts.Compress),
	}
	ef := embeddingFunc(opts.Embedder)

	attempts := []struct {
		mode Mode
		open func() (*chromem.DB, error)
	}{
		{ModePersistent, func() (*chromem.DB, error) {
			return chromem.NewPersistentDB(opts.Path, opts.Compress)
		}},
		{ModeSnapshot, m.openSnapshot},
	}

	var lastErr error
	for _, attempt := range attempts {
		db, err := attempt.open()
		if err == nil {
			var c *chromem.Collection
			c, err = db.GetOrCreateCollection(opts.Collection, nil, ef)
			if err == nil {
				m.db, m.collection, m.mode = db, c, attempt.mode
				break
			}
			err = fmt.Errorf("failed to create/get collection: %w", err)
		}
		log.Warn().Err(err).Str("mode", string(attempt.mode)).Msg("Vector database construction failed")
		lastErr = err
	}
	if m.collection == nil {
		return nil, models.NewStageError(models.ErrIndexInit, stageInit,
			fmt.Errorf("failed to initialize vector database at %s, last error: %w", opts.Path, lastErr))
	}

	man, err := readManifest(opts.Path, opts.Collection)
	if err != nil {
		return nil, models.NewStageError(models.ErrIndexInit, stageInit, err)
	}
	m.dim = man.Dimension

	log.Info().
		Str("path", opts.Path).
		Str("collection", opts.Collection).
		Str("mode", string(m.mode)).
		Int("documents", m.collection.Count()).
		Msg("Vector database ready")
	return m, nil
}

func (m *VectorDBManager) openSnapshot() (*chromem.DB, error) {
	db := chromem.NewDB()
	if _, err := os.Stat(m.filePath); errors.Is(err, os.ErrNotExist) {
		return db, nil
	}
	if err := db.ImportFromFile(m.filePath, m.encryptionKey); err != nil {
		return nil, fmt.Errorf("failed to import database: %w", err)
	}
	return db, nil
}

func snapshotPath(dir, collection string, compress bool) string {
	name := collection + ".gob"
	if compress {
		name += ".gz"
	}
	return filepath.Join(dir, name)
}

// Mode returns the construction path that succeeded.
func (m *VectorDBManager) Mode() Mode { return m.mode }

// Upsert appends records to the collection. Records are not deduplicated.
func (m *VectorDBManager) Upsert(ctx context.Context, records []models.IndexRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := m.checkDimension(records); err != nil {
		return models.NewStageError(models.ErrIndex, stageUpsert, err)
	}

	docs := make([]chromem.Document, len(records))
	for i, r := range records {
		docs[i] = chromem.Document{
			ID:        r.ID,
			Content:   r.Text,
			Metadata:  r.Metadata,
			Embedding: r.Embedding,
		}
	}
	if err := m.collection.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return models.NewStageError(models.ErrIndex, stageUpsert, fmt.Errorf("failed to add documents: %w", err))
	}

	if m.mode == ModeSnapshot {
		if err := m.Export(ctx); err != nil {
			// A failed export must not leave records that only live in memory.
			ids := make([]string, len(docs))
			for i, d := range docs {
				ids[i] = d.ID
			}
			if derr := m.collection.Delete(ctx, nil, nil, ids...); derr != nil {
				log.Error().Err(derr).Int("records", len(ids)).Msg("Failed to roll back unexported records")
			}
			return models.NewStageError(models.ErrIndex, stageUpsert, err)
		}
	}
	return nil
}

// checkDimension enforces a single vector dimension per collection and
// records it in the manifest on first write.
func (m *VectorDBManager) checkDimension(records []models.IndexRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dim := m.dim
	if dim == 0 {
		dim = len(records[0].Embedding)
	}
	for i, r := range records {
		if len(r.Embedding) == 0 {
			return fmt.Errorf("record %d has no embedding", i)
		}
		if len(r.Embedding) != dim {
			return fmt.Errorf("record %d has dimension %d, index dimension is %d", i, len(r.Embedding), dim)
		}
	}
	if m.dim == 0 {
		if err := writeManifest(m.dbPath, m.collection.Name, manifest{Dimension: dim}); err != nil {
			return err
		}
		m.dim = dim
	}
	return nil
}

// Query returns up to k records nearest to vector by cosine similarity.
func (m *VectorDBManager) Query(ctx context.Context, vector []float32, k int) (models.RetrievalResult, error) {
	if len(vector) == 0 {
		return nil, models.NewStageError(models.ErrIndex, stageQuery, errors.New("query embedding is empty"))
	}
	m.mu.Lock()
	dim := m.dim
	m.mu.Unlock()
	if dim > 0 && len(vector) != dim {
		return nil, models.NewStageError(models.ErrIndex, stageQuery,
			fmt.Errorf("query dimension %d does not match index dimension %d", len(vector), dim))
	}

	// chromem rejects nResults larger than the collection
	n := min(k, m.collection.Count())
	if n <= 0 {
		return models.RetrievalResult{}, nil
	}

	results, err := m.collection.QueryWithOptions(ctx, chromem.QueryOptions{
		QueryEmbedding: vector,
		NResults:       n,
	})
	if err != nil {
		return nil, models.NewStageError(models.ErrIndex, stageQuery, fmt.Errorf("failed to query by similarity: %w", err))
	}

	hits := make(models.RetrievalResult, len(results))
	for i, r := range results {
		hits[i] = models.RetrievedChunk{
			Rank:       i + 1,
			Similarity: r.Similarity,
			Record: models.IndexRecord{
				ID:        r.ID,
				Text:      r.Content,
				Embedding: r.Embedding,
				Metadata:  r.Metadata,
			},
		}
	}
	return hits, nil
}

func (m *VectorDBManager) Count(_ context.Context) (int, error) {
	return m.collection.Count(), nil
}

// Export writes the collection to the snapshot file.
func (m *VectorDBManager) Export(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	log.Debug().Str("file", m.filePath).Bool("compress", m.compress).Msg("Exporting collection")
	if err := m.db.ExportToFile(m.filePath, m.compress, m.encryptionKey, m.collection.Name); err != nil {
		return fmt.Errorf("failed to export database: %w", err)
	}
	return nil
}

// Close flushes snapshot-backed databases. Persistent databases write
// through on every upsert and need no flush.
func (m *VectorDBManager) Close() error {
	if m.mode != ModeSnapshot {
		return nil
	}
	return m.Export(context.Background())
}

func embeddingFunc(p embedding.Provider) chromem.EmbeddingFunc {
	if p == nil {
		return func(context.Context, string) ([]float32, error) {
			return nil, errors.New("no embedding provider configured")
		}
	}
	return func(ctx context.Context, text string) ([]float32, error) {
		vectors, err := embedding.Embed(ctx, p, []string{text})
		if err != nil {
			return nil, err
		}
		return vectors[0], nil
	}
}

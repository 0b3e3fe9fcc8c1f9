package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"

	"knowledge-rag/internal/models"
)

const (
	stageInit   = "index init"
	stageUpsert = "index upsert"
	stageQuery  = "index query"
)

// Document is one row of the chunk table.
type Document struct {
	bun.BaseModel `bun:"alias:d"`
	ID            string            `bun:"id,pk"`
	Content       string            `bun:"content,notnull"`
	Embedding     Vector            `bun:"embedding,notnull,type:vector"`
	Source        string            `bun:"source"`
	Metadata      map[string]string `bun:"metadata,type:jsonb"`
}

type scoredDocument struct {
	Document   `bun:",extend"`
	Similarity float32 `bun:"similarity"`
}

// Store is a pgvector-backed index. One table holds every record; the vector
// column is untyped so the dimension is fixed by the first insert.
type Store struct {
	mu     sync.Mutex
	db     *bun.DB
	table  string
	dim    int
	driver string
}

// Options configures Open.
type Options struct {
	DSN   string
	Table string
	Debug bool
}

// Open connects to Postgres, first through the pgdriver connector and then
// through lib/pq, and prepares the chunk table.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Table == "" {
		opts.Table = models.CollectionName
	}

	attempts := []struct {
		driver string
		open   func() (*sql.DB, error)
	}{
		{"pgdriver", func() (*sql.DB, error) {
			return sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(opts.DSN))), nil
		}},
		{"postgres", func() (*sql.DB, error) {
			return sql.Open("postgres", opts.DSN)
		}},
	}

	var lastErr error
	for _, attempt := range attempts {
		sqldb, err := attempt.open()
		if err == nil {
			s := &Store{db: NewDB(sqldb, opts.Debug), table: opts.Table, driver: attempt.driver}
			if err = s.init(ctx); err == nil {
				log.Info().
					Str("driver", s.driver).
					Str("table", s.table).
					Int("dimension", s.dim).
					Msg("Vector database ready")
				return s, nil
			}
			_ = s.db.Close()
		}
		log.Warn().Err(err).Str("driver", attempt.driver).Msg("Vector database construction failed")
		lastErr = err
	}
	return nil, models.NewStageError(models.ErrIndexInit, stageInit,
		fmt.Errorf("failed to initialize vector database, last error: %w", lastErr))
}

func NewDB(sqldb *sql.DB, debug bool) *bun.DB {
	db := bun.NewDB(sqldb, pgdialect.New())
	if debug {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}
	return db
}

func (s *Store) init(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to enable pgvector: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS ? (
		id text PRIMARY KEY,
		content text NOT NULL,
		embedding vector NOT NULL,
		source text,
		metadata jsonb
	)`, bun.Ident(s.table)); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	var dim int
	err := s.db.NewSelect().
		ModelTableExpr("?", bun.Ident(s.table)).
		ColumnExpr("vector_dims(embedding)").
		Limit(1).
		Scan(ctx, &dim)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to read vector dimension: %w", err)
	}
	s.dim = dim
	return nil
}

// Upsert inserts records in one statement. Records are not deduplicated.
func (s *Store) Upsert(ctx context.Context, records []models.IndexRecord) error {
	if len(records) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dim := s.dim
	if dim == 0 {
		dim = len(records[0].Embedding)
	}
	docs := make([]Document, len(records))
	for i, r := range records {
		if len(r.Embedding) == 0 || len(r.Embedding) != dim {
			return models.NewStageError(models.ErrIndex, stageUpsert,
				fmt.Errorf("record %d has dimension %d, index dimension is %d", i, len(r.Embedding), dim))
		}
		docs[i] = Document{
			ID:        r.ID,
			Content:   r.Text,
			Embedding: Vector(r.Embedding),
			Source:    r.Source(),
			Metadata:  r.Metadata,
		}
	}

	if _, err := s.db.NewInsert().Model(&docs).ModelTableExpr("? AS d", bun.Ident(s.table)).Exec(ctx); err != nil {
		return models.NewStageError(models.ErrIndex, stageUpsert, fmt.Errorf("failed to insert documents: %w", err))
	}
	s.dim = dim
	return nil
}

// Query orders rows by cosine distance to vector and returns the nearest k.
func (s *Store) Query(ctx context.Context, vector []float32, k int) (models.RetrievalResult, error) {
	if len(vector) == 0 {
		return nil, models.NewStageError(models.ErrIndex, stageQuery, errors.New("query embedding is empty"))
	}
	s.mu.Lock()
	dim := s.dim
	s.mu.Unlock()
	if dim == 0 || k <= 0 {
		return models.RetrievalResult{}, nil
	}
	if len(vector) != dim {
		return nil, models.NewStageError(models.ErrIndex, stageQuery,
			fmt.Errorf("query dimension %d does not match index dimension %d", len(vector), dim))
	}

	var rows []scoredDocument
	err := s.db.NewSelect().
		Model(&rows).
		ModelTableExpr("? AS d", bun.Ident(s.table)).
		Column("d.id", "d.content", "d.embedding", "d.source", "d.metadata").
		ColumnExpr("1 - (d.embedding <=> ?) AS similarity", Vector(vector)).
		OrderExpr("d.embedding <=> ?", Vector(vector)).
		Limit(k).
		Scan(ctx)
	if err != nil {
		return nil, models.NewStageError(models.ErrIndex, stageQuery, fmt.Errorf("failed to search documents: %w", err))
	}

	hits := make(models.RetrievalResult, len(rows))
	for i, row := range rows {
		meta := row.Metadata
		if meta == nil {
			meta = map[string]string{}
		}
		if _, ok := meta[models.MetaSource]; !ok && row.Source != "" {
			meta[models.MetaSource] = row.Source
		}
		hits[i] = models.RetrievedChunk{
			Rank:       i + 1,
			Similarity: row.Similarity,
			Record: models.IndexRecord{
				ID:        row.ID,
				Text:      row.Content,
				Embedding: []float32(row.Embedding),
				Metadata:  meta,
			},
		}
	}
	return hits, nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	n, err := s.db.NewSelect().ModelTableExpr("?", bun.Ident(s.table)).Count(ctx)
	if err != nil {
		return 0, models.NewStageError(models.ErrIndex, "index count", err)
	}
	return n, nil
}

// Driver names the construction path that succeeded.
func (s *Store) Driver() string { return s.driver }

// Drop removes the chunk table.
func (s *Store) Drop(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS ?", bun.Ident(s.table))
	if err == nil {
		s.mu.Lock()
		s.dim = 0
		s.mu.Unlock()
	}
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

package rag

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"knowledge-rag/internal/config"
	"knowledge-rag/internal/embedding"
	"knowledge-rag/internal/helper"
	"knowledge-rag/internal/models"
	"knowledge-rag/internal/parser"
	"knowledge-rag/internal/splitter"
	"knowledge-rag/internal/telemetry"
	"knowledge-rag/internal/vectorstore"
)

// State is a step of the ingestion state machine.
type State string

const (
	StateReceived State = "received"
	StateSaved    State = "saved"
	StateLoaded   State = "loaded"
	StateSplit    State = "split"
	StateEmbedded State = "embedded"
	StateIndexed  State = "indexed"
	StateComplete State = "complete"
	StateFailed   State = "failed"
)

const stageSave = "save"

// Ingestor turns one uploaded document into index records. It holds no
// per-document state, so one Ingestor serves concurrent ingestions.
type Ingestor struct {
	loader      parser.Loader
	splitter    *splitter.Splitter
	embedder    embedding.Provider
	index       vectorstore.Index
	uploadDir   string
	rejectEmpty bool
	metrics     *telemetry.Metrics
}

// NewIngestor wires the ingestion pipeline. metrics may be nil.
func NewIngestor(cfg *config.Config, embedder embedding.Provider, index vectorstore.Index, metrics *telemetry.Metrics) *Ingestor {
	return &Ingestor{
		loader:      parser.Default,
		splitter:    splitter.New(cfg.RAG.ChunkSize, cfg.RAG.ChunkOverlap),
		embedder:    embedder,
		index:       index,
		uploadDir:   cfg.Storage.UploadDir,
		rejectEmpty: cfg.RAG.RejectEmptyDocuments,
		metrics:     metrics,
	}
}

// WithLoader replaces the document loader.
func (in *Ingestor) WithLoader(l parser.Loader) *Ingestor {
	in.loader = l
	return in
}

// Ingest saves the uploaded bytes and indexes them.
func (in *Ingestor) Ingest(ctx context.Context, filename string, r io.Reader) (*models.IngestResult, error) {
	log.Debug().Str("document", filename).Str("state", string(StateReceived)).Msg("Ingestion started")

	var doc *models.Document
	err := in.stage(ctx, StateSaved, func(context.Context) error {
		var err error
		doc, err = in.Save(filename, r)
		return err
	})
	if err != nil {
		return nil, in.fail(filename, StateSaved, err)
	}
	return in.Process(ctx, *doc, false)
}

// Save writes r under the upload directory using the base name of filename.
// The file appears atomically; an existing file of the same name is replaced.
func (in *Ingestor) Save(filename string, r io.Reader) (*models.Document, error) {
	name := helper.SanitizeFilename(filename)
	if err := helper.CreateFolder(in.uploadDir); err != nil {
		return nil, models.NewStageError(models.ErrStorage, stageSave, err)
	}

	tmp, err := os.CreateTemp(in.uploadDir, ".upload-*")
	if err != nil {
		return nil, models.NewStageError(models.ErrStorage, stageSave, fmt.Errorf("failed to create file: %w", err))
	}
	defer os.Remove(tmp.Name())

	size, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, models.NewStageError(models.ErrStorage, stageSave, fmt.Errorf("failed to write file: %w", err))
	}

	path := filepath.Join(in.uploadDir, name)
	if err := os.Rename(tmp.Name(), path); err != nil {
		return nil, models.NewStageError(models.ErrStorage, stageSave, fmt.Errorf("failed to store file: %w", err))
	}
	return &models.Document{Filename: name, Path: path, Size: size}, nil
}

// Process runs a saved document through load, split, embed and index. In dry
// run it stops once the embeddings are verified and writes nothing.
func (in *Ingestor) Process(ctx context.Context, doc models.Document, dryRun bool) (*models.IngestResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "rag.ingest")
	defer span.End()
	span.SetAttributes(attribute.String("rag.document", doc.Filename), attribute.Bool("rag.dry_run", dryRun))

	result := &models.IngestResult{Status: models.StatusSuccess, DocumentName: doc.Filename}
	if dryRun {
		result.Status = models.StatusDryRun
	}

	var units []models.PageUnit
	err := in.stage(ctx, StateLoaded, func(context.Context) error {
		var err error
		units, err = in.loader.Load(doc.Path)
		return err
	})
	if err != nil {
		if parser.IsEmptyDocument(err) && !in.rejectEmpty {
			log.Warn().Str("document", doc.Filename).Msg("Document has no text, nothing to index")
			return result, nil
		}
		return nil, in.failSpan(span, doc.Filename, StateLoaded, err)
	}

	var chunks []models.Chunk
	_ = in.stage(ctx, StateSplit, func(context.Context) error {
		chunks = in.splitter.Split(units)
		return nil
	})
	log.Debug().Str("document", doc.Filename).Int("units", len(units)).Int("chunks", len(chunks)).Msg("Document split")
	if len(chunks) == 0 {
		if in.rejectEmpty {
			return nil, in.failSpan(span, doc.Filename, StateSplit,
				models.NewStageError(models.ErrLoad, "split", models.ErrEmptyDocument))
		}
		return result, nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	var vectors [][]float32
	err = in.stage(ctx, StateEmbedded, func(ctx context.Context) error {
		var err error
		vectors, err = embedding.Embed(ctx, in.embedder, texts)
		return err
	})
	if err != nil {
		return nil, in.failSpan(span, doc.Filename, StateEmbedded, err)
	}

	if dryRun {
		result.ChunksAdded = len(chunks)
		log.Info().Str("document", doc.Filename).Int("chunks", len(chunks)).Int("dimension", len(vectors[0])).Msg("Dry run complete")
		return result, nil
	}

	records, err := buildRecords(chunks, vectors)
	if err != nil {
		return nil, in.failSpan(span, doc.Filename, StateIndexed, models.NewStageError(models.ErrIndex, "index upsert", err))
	}
	err = in.stage(ctx, StateIndexed, func(ctx context.Context) error {
		return in.index.Upsert(ctx, records)
	})
	if err != nil {
		return nil, in.failSpan(span, doc.Filename, StateIndexed, err)
	}

	result.ChunksAdded = len(records)
	span.SetAttributes(attribute.Int("rag.chunks", result.ChunksAdded))
	in.metrics.RecordIngestion(ctx, doc.Filename, result.ChunksAdded)
	log.Info().
		Str("document", doc.Filename).
		Int("chunks", result.ChunksAdded).
		Str("state", string(StateComplete)).
		Msg("Document ingested")
	return result, nil
}

// buildRecords pairs every chunk with its vector and position metadata.
func buildRecords(chunks []models.Chunk, vectors [][]float32) ([]models.IndexRecord, error) {
	records := make([]models.IndexRecord, len(chunks))
	for i, c := range chunks {
		id, err := helper.GenerateUUID()
		if err != nil {
			return nil, err
		}
		records[i] = models.IndexRecord{
			ID:        id,
			Text:      c.Text,
			Embedding: vectors[i],
			Metadata: map[string]string{
				models.MetaSource:     c.Source,
				models.MetaPage:       strconv.Itoa(c.Page),
				models.MetaStartIndex: strconv.Itoa(c.StartIndex),
				models.MetaChunkID:    strconv.Itoa(c.ChunkID),
			},
		}
	}
	return records, nil
}

func (in *Ingestor) stage(ctx context.Context, state State, fn func(context.Context) error) error {
	ctx, span := telemetry.Tracer().Start(ctx, "rag.ingest."+string(state))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	in.metrics.RecordStage(ctx, "ingest", string(state), time.Since(start).Seconds(), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (in *Ingestor) fail(document string, state State, err error) error {
	stage := string(state)
	var stageErr *models.StageError
	if errors.As(err, &stageErr) {
		stage = stageErr.Stage
	}
	log.Error().Err(err).
		Str("document", document).
		Str("state", string(StateFailed)).
		Str("stage", stage).
		Msg("Ingestion failed")
	return err
}

func (in *Ingestor) failSpan(span trace.Span, document string, state State, err error) error {
	span.SetStatus(codes.Error, err.Error())
	return in.fail(document, state, err)
}

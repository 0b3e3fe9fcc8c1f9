package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"knowledge-rag/internal/config"
	"knowledge-rag/internal/embedding"
	"knowledge-rag/internal/helper"
	"knowledge-rag/internal/llmservice"
	"knowledge-rag/internal/logger"
	"knowledge-rag/internal/models"
	"knowledge-rag/internal/rag"
	"knowledge-rag/internal/server"
	"knowledge-rag/internal/telemetry"
	"knowledge-rag/internal/vectorstore"
)

const configFilePath = "./configs/config.yaml"

func main() {
	configPath := flag.String("config", configFilePath, "Path to the YAML configuration file")
	serve := flag.Bool("serve", false, "Start the HTTP API")
	filePath := flag.String("file", "", "Path to a document to ingest")
	query := flag.String("query", "", "Question to be answered")
	dryRun := flag.Bool("dry-run", false, "Load, split and embed the document without writing to the index")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Log)

	if *filePath != "" && *query != "" {
		log.Fatal().Msg("Please provide either a document file using the -file flag or a query using the -query flag, but not both")
	}
	if !*serve && *filePath == "" && *query == "" {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := &app{cfg: cfg}
	err = app.run(ctx, *serve, *filePath, *query, *dryRun)
	app.close()
	if err != nil {
		log.Fatal().Err(err).Msg("Exiting")
	}
}

// app owns the process-scoped resources and releases them in reverse order.
type app struct {
	cfg     *config.Config
	closers []func() error
}

func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Warn().Err(err).Msg("Error releasing resource")
		}
	}
}

func (a *app) run(ctx context.Context, serve bool, filePath, query string, dryRun bool) error {
	needsModel := serve || query != ""
	if err := a.cfg.Validate(); err != nil {
		if needsModel {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		log.Warn().Err(err).Msg("Configuration incomplete, continuing with ingestion only")
	}
	log.Debug().Interface("rag", a.cfg.RAG).Interface("vector_store", map[string]string{
		"backend":     a.cfg.VectorStore.Backend,
		"persist_dir": a.cfg.VectorStore.PersistDir,
		"collection":  a.cfg.VectorStore.Collection,
	}).Msg("Loaded config")

	shutdownTracer, err := telemetry.InitTracer(ctx, a.cfg.Telemetry)
	if err != nil {
		return err
	}
	a.onClose(func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdownTracer(sctx)
	})
	shutdownMeter, err := telemetry.InitMeterProvider(ctx, a.cfg.Telemetry)
	if err != nil {
		return err
	}
	a.onClose(func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdownMeter(sctx)
	})
	metrics, err := telemetry.InitMetrics()
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	embedder, closeEmbedder, err := embedding.New(ctx, a.cfg)
	if err != nil {
		return fmt.Errorf("error initializing embedder: %w", err)
	}
	a.onClose(closeEmbedder)

	index, err := vectorstore.Open(ctx, a.cfg, embedder)
	if err != nil {
		return err
	}
	a.onClose(index.Close)

	if filePath != "" {
		return ingestFile(ctx, rag.NewIngestor(a.cfg, embedder, index, metrics), filePath, dryRun)
	}

	model, err := llmservice.New(ctx, &a.cfg.InferenceLLM)
	if err != nil {
		return fmt.Errorf("error initializing inference model: %w", err)
	}

	pipelines := rag.NewRAG(a.cfg, embedder, index, model, metrics)
	if query != "" {
		return answer(ctx, pipelines, query)
	}
	return a.serve(ctx, pipelines)
}

func (a *app) serve(ctx context.Context, pipelines *rag.RAG) error {
	if a.cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := server.NewRouter(a.cfg, pipelines, pipelines)
	err := server.Run(ctx, a.cfg, router)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func ingestFile(ctx context.Context, ingestor *rag.Ingestor, filePath string, dryRun bool) error {
	info, err := os.Stat(filePath)
	if err != nil {
		return fmt.Errorf("cannot read %s: %w", filePath, err)
	}
	doc := models.Document{Filename: filepath.Base(filePath), Path: filePath, Size: info.Size()}

	result, err := ingestor.Process(ctx, doc, dryRun)
	if err != nil {
		return err
	}
	helper.PrettyPrint(result)
	return nil
}

func answer(ctx context.Context, pipelines *rag.RAG, query string) error {
	response, err := pipelines.Answer(ctx, models.Question{Question: query})
	if err != nil {
		return err
	}

	log.Info().Msg("Query: ~~~~~~~~~~~~~~~~~~~~~~~~~>>>>>")
	fmt.Printf("%s\n\n", query)

	log.Info().Msg("Source: ~~~~~~~~~~~~~~~~~~~~~~~~~>>>>>")
	for _, s := range response.Sources {
		fmt.Printf("- %s\n", s)
	}
	fmt.Println()

	log.Info().Msg("Assistant: ~~~~~~~~~~~~~~~~~~~~~~~~~>>>>>")
	fmt.Printf("%s\n\n", response.Answer)
	return nil
}

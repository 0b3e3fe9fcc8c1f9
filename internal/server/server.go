package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"knowledge-rag/internal/config"
	"knowledge-rag/internal/models"
	"knowledge-rag/internal/parser"
)

// Ingester indexes one uploaded document.
type Ingester interface {
	Ingest(ctx context.Context, filename string, body io.Reader) (*models.IngestResult, error)
}

// Answerer answers one question.
type Answerer interface {
	Answer(ctx context.Context, q models.Question) (*models.AnswerResult, error)
}

// NewRouter builds the HTTP surface. Malformed requests and unsupported file
// types are rejected with 400 before any pipeline runs; every pipeline failure
// becomes a 500 carrying the error text.
func NewRouter(cfg *config.Config, ingester Ingester, answerer Answerer) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.Telemetry.ServiceName))
	router.Use(requestLogger())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.Server.CORSOrigins
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Requested-With"}
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))

	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "message": "RAG Backend is running"})
	})

	api := router.Group("/api/v1")
	api.POST("/ingest", handleIngest(ingester, cfg.Server.MaxUploadBytes))
	api.POST("/query", handleQuery(answerer))
	return router
}

func handleIngest(ingester Ingester, maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)

		header, err := c.FormFile("file")
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"detail": "file exceeds the upload limit"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"detail": "multipart field \"file\" is required"})
			return
		}
		if !parser.IsSupported(header.Filename) {
			c.JSON(http.StatusBadRequest, gin.H{
				"detail":    "unsupported file type: " + header.Filename,
				"supported": parser.SupportedExtensions(),
			})
			return
		}
		file, err := header.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
			return
		}
		defer file.Close()

		result, err := ingester.Ingest(c.Request.Context(), header.Filename, file)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func handleQuery(answerer Answerer) gin.HandlerFunc {
	return func(c *gin.Context) {
		var q models.Question
		if err := c.ShouldBindJSON(&q); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
			return
		}
		q.Question = strings.TrimSpace(q.Question)
		if q.Question == "" {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "question is required"})
			return
		}

		result, err := answerer.Answer(c.Request.Context(), q)
		if errors.Is(err, models.ErrEmptyQuestion) {
			c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		event := log.Info()
		if c.Writer.Status() >= http.StatusInternalServerError {
			event = log.Error()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("Request handled")
	}
}

// Run serves router on cfg.Server.Addr until ctx is cancelled, then shuts
// the server down gracefully.
func Run(ctx context.Context, cfg *config.Config, router http.Handler) error {
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info().Msg("Server exited")
	return nil
}

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"knowledge-rag/internal/chromemdb"
	"knowledge-rag/internal/config"
	"knowledge-rag/internal/embedding"
	"knowledge-rag/internal/models"
	"knowledge-rag/internal/rag"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakePipelines struct {
	ingestErr error
	answerErr error
	gotName   string
	gotBody   string
	gotQ      models.Question
}

func (f *fakePipelines) Ingest(_ context.Context, filename string, body io.Reader) (*models.IngestResult, error) {
	b, _ := io.ReadAll(body)
	f.gotName, f.gotBody = filename, string(b)
	if f.ingestErr != nil {
		return nil, f.ingestErr
	}
	return &models.IngestResult{Status: models.StatusSuccess, ChunksAdded: 2, DocumentName: filename}, nil
}

func (f *fakePipelines) Answer(_ context.Context, q models.Question) (*models.AnswerResult, error) {
	f.gotQ = q
	if f.answerErr != nil {
		return nil, f.answerErr
	}
	return &models.AnswerResult{Answer: "forty-two", Sources: []string{"a.txt"}}, nil
}

func multipartBody(t *testing.T, field, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func do(router http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	router := NewRouter(config.Default(), &fakePipelines{}, &fakePipelines{})
	rec := do(router, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "RAG Backend is running", decode(t, rec)["message"])
}

func TestIngest(t *testing.T) {
	fake := &fakePipelines{}
	router := NewRouter(config.Default(), fake, fake)

	body, ct := multipartBody(t, "file", "notes.txt", "hello")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/ingest", body)
	req.Header.Set("Content-Type", ct)
	rec := do(router, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"success","chunks_added":2,"document_name":"notes.txt"}`, rec.Body.String())
	assert.Equal(t, "notes.txt", fake.gotName)
	assert.Equal(t, "hello", fake.gotBody)
}

func TestIngest_BadRequests(t *testing.T) {
	router := NewRouter(config.Default(), &fakePipelines{}, &fakePipelines{})

	body, ct := multipartBody(t, "upload", "notes.txt", "hello")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/ingest", body)
	req.Header.Set("Content-Type", ct)
	rec := do(router, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode(t, rec)["detail"], "file")

	cfg := config.Default()
	cfg.Server.MaxUploadBytes = 1024
	router = NewRouter(cfg, &fakePipelines{}, &fakePipelines{})
	body, ct = multipartBody(t, "file", "big.txt", strings.Repeat("x", 4096))
	req = httptest.NewRequest(http.MethodPost, "/api/v1/ingest", body)
	req.Header.Set("Content-Type", ct)
	rec = do(router, req)
	assert.GreaterOrEqual(t, rec.Code, 400)
	assert.Less(t, rec.Code, 500)
}

func TestIngest_UnsupportedTypeRejectedBeforeIngest(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.UploadDir = filepath.Join(t.TempDir(), "uploads")
	fake := &fakePipelines{}
	router := NewRouter(cfg, fake, fake)

	for _, name := range []string{"diagram.png", "archive.tar.gz", "README"} {
		body, ct := multipartBody(t, "file", name, "binary")
		req := httptest.NewRequest(http.MethodPost, "/api/v1/ingest", body)
		req.Header.Set("Content-Type", ct)
		rec := do(router, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code, name)
		out := decode(t, rec)
		assert.Equal(t, "unsupported file type: "+name, out["detail"])
		assert.Contains(t, out["supported"], ".pdf")
	}
	assert.Empty(t, fake.gotName, "unsupported uploads must not reach the ingester")
	assert.NoDirExists(t, cfg.Storage.UploadDir)
}

func TestIngest_PipelineFailureIs500WithMessage(t *testing.T) {
	fake := &fakePipelines{ingestErr: models.NewStageError(models.ErrEmbedding, "embed", errors.New("connection refused"))}
	router := NewRouter(config.Default(), fake, fake)

	body, ct := multipartBody(t, "file", "notes.txt", "hello")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/ingest", body)
	req.Header.Set("Content-Type", ct)
	rec := do(router, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "embed: embedding error: connection refused", decode(t, rec)["detail"])
}

func TestQuery(t *testing.T) {
	fake := &fakePipelines{}
	router := NewRouter(config.Default(), fake, fake)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/query",
		strings.NewReader(`{"question":"what?","chat_history":[{"role":"user","content":"hi"}]}`))
	req.Header.Set("Content-Type", "application/json")
	rec := do(router, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"answer":"forty-two","sources":["a.txt"]}`, rec.Body.String())
	assert.Equal(t, "what?", fake.gotQ.Question)
	assert.Len(t, fake.gotQ.ChatHistory, 1)
}

func TestQuery_Errors(t *testing.T) {
	fake := &fakePipelines{answerErr: errors.New("synthesize: synthesis error: rate limited")}
	router := NewRouter(config.Default(), fake, fake)

	for _, body := range []string{`not json`, `{"question":""}`, `{"question":"  \n\t "}`} {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/query", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		assert.Equal(t, http.StatusBadRequest, do(router, req).Code, body)
	}
	assert.Empty(t, fake.gotQ.Question, "blank questions must not reach the pipeline")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/query", strings.NewReader(`{"question":"q"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := do(router, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "synthesize: synthesis error: rate limited", decode(t, rec)["detail"])
}

func TestQuery_TrimsQuestionAndMapsEmptyQuestionTo400(t *testing.T) {
	fake := &fakePipelines{}
	router := NewRouter(config.Default(), fake, fake)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/query", strings.NewReader(`{"question":"  what?  "}`))
	req.Header.Set("Content-Type", "application/json")
	require.Equal(t, http.StatusOK, do(router, req).Code)
	assert.Equal(t, "what?", fake.gotQ.Question)

	fake.answerErr = models.ErrEmptyQuestion
	req = httptest.NewRequest(http.MethodPost, "/api/v1/query", strings.NewReader(`{"question":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := do(router, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "question is empty", decode(t, rec)["detail"])
}

func TestCORS_AllowsConfiguredOrigin(t *testing.T) {
	router := NewRouter(config.Default(), &fakePipelines{}, &fakePipelines{})

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/query", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := do(router, req)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
}

type echoLLM struct{}

func (echoLLM) GenerateContent(_ context.Context, _ []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: "from context"}}}, nil
}

func (e echoLLM) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, e, prompt, options...)
}

func TestEndToEnd(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.UploadDir = filepath.Join(t.TempDir(), "uploads")
	embedder := embedding.NewHashEmbedder(128)
	index, err := chromemdb.NewVectorDBManager(chromemdb.Options{Path: t.TempDir(), Embedder: embedder})
	require.NoError(t, err)
	defer index.Close()

	pipelines := rag.NewRAG(cfg, embedder, index, echoLLM{}, nil)
	router := NewRouter(cfg, pipelines, pipelines)

	body, ct := multipartBody(t, "file", "handbook.md", "# Leave\n\nEmployees get twenty days of paid leave.")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/ingest", body)
	req.Header.Set("Content-Type", ct)
	rec := do(router, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"status":"success","chunks_added":1,"document_name":"handbook.md"}`, rec.Body.String())

	req = httptest.NewRequest(http.MethodPost, "/api/v1/query", strings.NewReader(`{"question":"How many days of leave?"}`))
	req.Header.Set("Content-Type", "application/json")
	rec = do(router, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"answer":"from context","sources":["handbook.md"]}`, rec.Body.String())
}

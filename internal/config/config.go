package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server       ServerConfig      `yaml:"server"`
	Storage      StorageConfig     `yaml:"storage"`
	EmbedLLM     LLMConfig         `yaml:"embed_llm"`
	InferenceLLM LLMConfig         `yaml:"inference_llm"`
	VectorStore  VectorStoreConfig `yaml:"vector_store"`
	RAG          RAGConfig         `yaml:"rag"`
	Cache        CacheConfig       `yaml:"cache"`
	Log          LogConfig         `yaml:"log"`
	Telemetry    TelemetryConfig   `yaml:"telemetry"`
}

type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	CORSOrigins    []string      `yaml:"cors_origins"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
}

type StorageConfig struct {
	UploadDir string `yaml:"upload_dir"`
}

// LLMConfig describes a model endpoint, used both for embeddings and inference.
type LLMConfig struct {
	Provider          string  `yaml:"provider"`
	BaseURL           string  `yaml:"base_url"`
	Model             string  `yaml:"model"`
	Key               string  `yaml:"key"`
	Temperature       float64 `yaml:"temperature"`
	RequestsPerMinute int     `yaml:"requests_per_minute"`
	Dimension         int     `yaml:"dimension"`
}

type VectorStoreConfig struct {
	Backend       string `yaml:"backend"`
	PersistDir    string `yaml:"persist_dir"`
	Collection    string `yaml:"collection"`
	Compress      bool   `yaml:"compress"`
	EncryptionKey string `yaml:"encryption_key"`
	DSN           string `yaml:"dsn"`
	Debug         bool   `yaml:"debug"`
}

type RAGConfig struct {
	ChunkSize            int  `yaml:"chunk_size"`
	ChunkOverlap         int  `yaml:"chunk_overlap"`
	TopK                 int  `yaml:"top_k"`
	RejectEmptyDocuments bool `yaml:"reject_empty_documents"`
}

type CacheConfig struct {
	RedisURL string        `yaml:"redis_url"`
	TTL      time.Duration `yaml:"ttl"`
}

type LogConfig struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

type TelemetryConfig struct {
	ServiceName  string  `yaml:"service_name"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SampleRatio  float64 `yaml:"sample_ratio"`
}

const (
	BackendChromem  = "chromem"
	BackendPgvector = "pgvector"

	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
	ProviderHash   = "hash"
)

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           ":8000",
			CORSOrigins:    []string{"http://localhost:5173", "http://127.0.0.1:5173"},
			MaxUploadBytes: 50 << 20,
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   5 * time.Minute,
		},
		Storage: StorageConfig{UploadDir: "uploads"},
		EmbedLLM: LLMConfig{
			Provider: ProviderOllama,
			BaseURL:  "http://127.0.0.1:11434",
			Model:    "nomic-embed-text",
		},
		InferenceLLM: LLMConfig{
			Provider:          ProviderOpenAI,
			BaseURL:           "https://api.groq.com/openai/v1",
			Model:             "llama3-70b-8192",
			RequestsPerMinute: 30,
		},
		VectorStore: VectorStoreConfig{
			Backend:    BackendChromem,
			PersistDir: "./chroma_db",
			Collection: "rag_docs",
		},
		RAG: RAGConfig{
			ChunkSize:    1000,
			ChunkOverlap: 200,
			TopK:         3,
		},
		Cache: CacheConfig{TTL: 24 * time.Hour},
		Log:   LogConfig{Level: "debug", Console: true},
		Telemetry: TelemetryConfig{
			ServiceName: "knowledge-rag",
			SampleRatio: 1,
		},
	}
}

// LoadConfig reads the YAML file at path on top of the defaults, then applies
// environment overrides. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("error loading .env file: %v", err)
		}
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, err
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	setFromEnv(&c.InferenceLLM.Key, "GROQ_API_KEY")
	setFromEnv(&c.InferenceLLM.Model, "INFERENCE_MODEL")
	setFromEnv(&c.EmbedLLM.Model, "EMBEDDING_MODEL")
	setFromEnv(&c.EmbedLLM.BaseURL, "EMBEDDING_BASE_URL")
	setFromEnv(&c.VectorStore.PersistDir, "CHROMA_PERSIST_DIR")
	setFromEnv(&c.VectorStore.DSN, "DATABASE_URL")
	setFromEnv(&c.Cache.RedisURL, "REDIS_URL")

	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		if c.EmbedLLM.Provider == ProviderGemini && c.EmbedLLM.Key == "" {
			c.EmbedLLM.Key = key
		}
		if c.InferenceLLM.Provider == ProviderGemini && c.InferenceLLM.Key == "" {
			c.InferenceLLM.Key = key
		}
	}
}

func (c *Config) applyDefaults() {
	d := Default()
	if c.RAG.ChunkSize <= 0 {
		c.RAG.ChunkSize = d.RAG.ChunkSize
	}
	if c.RAG.ChunkOverlap < 0 || c.RAG.ChunkOverlap >= c.RAG.ChunkSize {
		c.RAG.ChunkOverlap = min(d.RAG.ChunkOverlap, c.RAG.ChunkSize/2)
	}
	if c.RAG.TopK <= 0 {
		c.RAG.TopK = d.RAG.TopK
	}
	if c.VectorStore.Backend == "" {
		c.VectorStore.Backend = d.VectorStore.Backend
	}
	if c.VectorStore.Collection == "" {
		c.VectorStore.Collection = d.VectorStore.Collection
	}
	if c.VectorStore.PersistDir == "" {
		c.VectorStore.PersistDir = d.VectorStore.PersistDir
	}
	if c.Storage.UploadDir == "" {
		c.Storage.UploadDir = d.Storage.UploadDir
	}
	if c.Server.Addr == "" {
		c.Server.Addr = d.Server.Addr
	}
	if c.Server.MaxUploadBytes <= 0 {
		c.Server.MaxUploadBytes = d.Server.MaxUploadBytes
	}
	c.EmbedLLM.Provider = strings.ToLower(c.EmbedLLM.Provider)
	c.InferenceLLM.Provider = strings.ToLower(c.InferenceLLM.Provider)
	c.VectorStore.Backend = strings.ToLower(c.VectorStore.Backend)
}

// Validate reports configurations the process cannot start with.
func (c *Config) Validate() error {
	var errs []error
	switch c.VectorStore.Backend {
	case BackendChromem:
	case BackendPgvector:
		if c.VectorStore.DSN == "" {
			errs = append(errs, errors.New("vector_store.dsn is required for the pgvector backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown vector store backend: %s", c.VectorStore.Backend))
	}
	if k := c.VectorStore.EncryptionKey; k != "" && len(k) != 32 {
		errs = append(errs, errors.New("vector_store.encryption_key must be 32 bytes"))
	}
	switch c.EmbedLLM.Provider {
	case ProviderOllama, ProviderOpenAI, ProviderGemini, ProviderHash:
	default:
		errs = append(errs, fmt.Errorf("unknown embedding provider: %s", c.EmbedLLM.Provider))
	}
	switch c.InferenceLLM.Provider {
	case ProviderOllama, ProviderOpenAI, ProviderGemini:
	default:
		errs = append(errs, fmt.Errorf("unknown inference provider: %s", c.InferenceLLM.Provider))
	}
	if c.InferenceLLM.Provider != ProviderOllama && c.InferenceLLM.Key == "" {
		errs = append(errs, errors.New("inference_llm.key is required (set GROQ_API_KEY)"))
	}
	return errors.Join(errs...)
}

func setFromEnv(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

package config

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const envPrefix = "DOCRAG"

// Index backends
const (
	IndexMemory   = "memory"
	IndexHNSW     = "hnsw"
	IndexPGVector = "pgvector"
)

type Config struct {
	Port        string `envconfig:"PORT" default:"8080"`
	Debug       bool   `envconfig:"DEBUG" default:"false"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	SentryDSN   string `envconfig:"SENTRY_DSN"`

	// Empty selects the in-process document store, broker and index.
	DatabaseURL string `envconfig:"DATABASE_URL"`
	DBMaxConns  int32  `envconfig:"DB_MAX_CONNS" default:"10"`

	S3Endpoint  string `envconfig:"S3_ENDPOINT"`
	S3AccessKey string `envconfig:"S3_ACCESS_KEY_ID"`
	S3SecretKey string `envconfig:"S3_SECRET_ACCESS_KEY"`
	S3Bucket    string `envconfig:"S3_BUCKET" default:"docrag-documents"`
	S3Region    string `envconfig:"S3_REGION" default:"us-east-1"`

	OpenAIAPIKey        string        `envconfig:"OPENAI_API_KEY"`
	OpenAIBaseURL       string        `envconfig:"OPENAI_BASE_URL"`
	OpenAITimeout       time.Duration `envconfig:"OPENAI_TIMEOUT" default:"30s"`
	EmbeddingModel      string        `envconfig:"EMBEDDING_MODEL" default:"text-embedding-3-small"`
	EmbeddingDimensions int           `envconfig:"EMBEDDING_DIMENSIONS" default:"1536"`
	ChatModel           string        `envconfig:"CHAT_MODEL" default:"gpt-4o-mini"`

	EmbedRPS            float64       `envconfig:"EMBED_RPS" default:"0"`
	EmbedMaxAttempts    int           `envconfig:"EMBED_MAX_ATTEMPTS" default:"4"`
	EmbedInitialBackoff time.Duration `envconfig:"EMBED_INITIAL_BACKOFF" default:"500ms"`
	EmbedMaxBackoff     time.Duration `envconfig:"EMBED_MAX_BACKOFF" default:"8s"`
	EmbedBatchSize      int           `envconfig:"EMBED_BATCH_SIZE" default:"64"`
	EmbedConcurrency    int           `envconfig:"EMBED_CONCURRENCY" default:"4"`
	EmbedCacheSize      int           `envconfig:"EMBED_CACHE_SIZE" default:"4096"`

	ChunkMaxTokens     int    `envconfig:"CHUNK_MAX_TOKENS" default:"256"`
	ChunkOverlapTokens int    `envconfig:"CHUNK_OVERLAP_TOKENS" default:"32"`
	ChunkMaxChunks     int    `envconfig:"CHUNK_MAX_CHUNKS" default:"10000"`
	ChunkTokenizer     string `envconfig:"CHUNK_TOKENIZER" default:"word"`

	IndexBackend    string `envconfig:"INDEX_BACKEND"`
	IndexMaxEntries int    `envconfig:"INDEX_MAX_ENTRIES" default:"0"`

	RetrievalOverFetch int           `envconfig:"RETRIEVAL_OVER_FETCH" default:"3"`
	RetrievalMaxMerged int           `envconfig:"RETRIEVAL_MAX_MERGED" default:"4"`
	RetrievalMaxK      int           `envconfig:"RETRIEVAL_MAX_K" default:"50"`
	CacheCapacity      int           `envconfig:"CACHE_CAPACITY" default:"1024"`
	CacheTTL           time.Duration `envconfig:"CACHE_TTL" default:"10m"`

	Workers           int           `envconfig:"WORKERS" default:"4"`
	JobDeadline       time.Duration `envconfig:"JOB_DEADLINE" default:"2m"`
	VisibilityTimeout time.Duration `envconfig:"VISIBILITY_TIMEOUT" default:"5m"`
	MaxAttempts       int           `envconfig:"MAX_ATTEMPTS" default:"5"`
	PollInterval      time.Duration `envconfig:"POLL_INTERVAL" default:"1s"`
	RetryBaseDelay    time.Duration `envconfig:"RETRY_BASE_DELAY" default:"5s"`
	RetryMaxDelay     time.Duration `envconfig:"RETRY_MAX_DELAY" default:"5m"`

	ReaderTimeout   time.Duration `envconfig:"READER_TIMEOUT" default:"30s"`
	ReaderMaxBytes  int64         `envconfig:"READER_MAX_BYTES" default:"52428800"`
	AllowFileScheme bool          `envconfig:"ALLOW_FILE_SCHEME" default:"true"`
	PDFToTextPath   string        `envconfig:"PDFTOTEXT_PATH" default:"pdftotext"`

	MaxBodyBytes int64    `envconfig:"MAX_BODY_BYTES" default:"10485760"`
	CORSOrigins  []string `envconfig:"CORS_ORIGINS" default:"*"`
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	return cfg
}

// Validate checks constraints spanning several fields.
func (c *Config) Validate() error {
	var errs []error
	if c.ChunkMaxTokens <= 0 {
		errs = append(errs, errors.New("CHUNK_MAX_TOKENS must be positive"))
	}
	if c.ChunkOverlapTokens < 0 || c.ChunkOverlapTokens >= c.ChunkMaxTokens {
		errs = append(errs, errors.New("CHUNK_OVERLAP_TOKENS must be in [0, CHUNK_MAX_TOKENS)"))
	}
	if c.ChunkTokenizer != "word" && c.ChunkTokenizer != "rune" {
		errs = append(errs, fmt.Errorf("CHUNK_TOKENIZER must be word or rune, got %q", c.ChunkTokenizer))
	}
	if c.Workers <= 0 {
		errs = append(errs, errors.New("WORKERS must be positive"))
	}
	if c.MaxAttempts <= 0 {
		errs = append(errs, errors.New("MAX_ATTEMPTS must be positive"))
	}
	if c.JobDeadline <= 0 || c.VisibilityTimeout <= 0 {
		errs = append(errs, errors.New("JOB_DEADLINE and VISIBILITY_TIMEOUT must be positive"))
	} else if c.JobDeadline >= c.VisibilityTimeout {
		errs = append(errs, errors.New("JOB_DEADLINE must be shorter than VISIBILITY_TIMEOUT"))
	}
	if c.RetrievalOverFetch < 1 || c.RetrievalMaxMerged < 1 || c.RetrievalMaxK < 1 {
		errs = append(errs, errors.New("RETRIEVAL_* settings must be at least 1"))
	}
	if c.EmbeddingDimensions <= 0 {
		errs = append(errs, errors.New("EMBEDDING_DIMENSIONS must be positive"))
	}
	switch c.IndexBackend {
	case "", IndexMemory, IndexHNSW:
	case IndexPGVector:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("INDEX_BACKEND=pgvector requires DATABASE_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown INDEX_BACKEND %q", c.IndexBackend))
	}
	return errors.Join(errs...)
}

// Index returns the configured index backend, pgvector when a database is set.
func (c *Config) Index() string {
	if c.IndexBackend != "" {
		return c.IndexBackend
	}
	if c.HasDatabase() {
		return IndexPGVector
	}
	return IndexMemory
}

func (c *Config) HasDatabase() bool {
	return c.DatabaseURL != ""
}

func (c *Config) HasS3() bool {
	return c.S3Endpoint != "" && c.S3AccessKey != "" && c.S3SecretKey != ""
}

func (c *Config) HasOpenAI() bool {
	return c.OpenAIAPIKey != "" || c.OpenAIBaseURL != ""
}

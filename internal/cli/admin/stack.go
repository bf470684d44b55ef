// Package admin implements the docragd commands.
package admin

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/cloo-solutions/docrag/internal/api/handlers"
	"github.com/cloo-solutions/docrag/internal/broker"
	"github.com/cloo-solutions/docrag/internal/chunking"
	"github.com/cloo-solutions/docrag/internal/config"
	"github.com/cloo-solutions/docrag/internal/database"
	"github.com/cloo-solutions/docrag/internal/embedder"
	"github.com/cloo-solutions/docrag/internal/index"
	"github.com/cloo-solutions/docrag/internal/ingest"
	"github.com/cloo-solutions/docrag/internal/openai"
	"github.com/cloo-solutions/docrag/internal/querycache"
	"github.com/cloo-solutions/docrag/internal/reader"
	"github.com/cloo-solutions/docrag/internal/repository"
	"github.com/cloo-solutions/docrag/internal/retrieval"
	"github.com/cloo-solutions/docrag/internal/storage"
)

// Stack holds the wired pipeline for one process.
type Stack struct {
	Pool        *pgxpool.Pool
	Jobs        *repository.IngestionJobRepository
	Broker      broker.Broker
	Coordinator *ingest.Coordinator
	Retriever   *retrieval.Retriever
	Answerer    *retrieval.Answerer
	Health      map[string]handlers.HealthCheck

	closers []func()
}

// Close releases resources in reverse order of acquisition.
func (s *Stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	var zc zap.Config
	if cfg.Debug || cfg.Environment == "development" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = level
	return zc.Build()
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if !cfg.HasDatabase() {
		return nil, fmt.Errorf("DOCRAG_DATABASE_URL is not set")
	}
	return database.NewPool(ctx, database.Config{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns})
}

// BuildStack wires storage, reader, embedder, index, cache, retriever and
// coordinator from cfg. Without a database every store runs in process.
func BuildStack(ctx context.Context, cfg *config.Config, logger *zap.Logger, migrate bool) (*Stack, error) {
	s := &Stack{Health: map[string]handlers.HealthCheck{}}
	ok := false
	defer func() {
		if !ok {
			s.Close()
		}
	}()

	brokerCfg := broker.Config{
		VisibilityTimeout: cfg.VisibilityTimeout,
		MaxAttempts:       cfg.MaxAttempts,
		PollInterval:      cfg.PollInterval,
	}

	var (
		documents ingest.DocumentStore
		locks     ingest.Locker
	)
	if cfg.HasDatabase() {
		pool, err := openPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s.Pool = pool
		s.closers = append(s.closers, pool.Close)
		logger.Info("connected to database")

		if migrate {
			if err := database.Migrate(cfg.DatabaseURL, logger); err != nil {
				return nil, fmt.Errorf("failed to run migrations: %w", err)
			}
		}

		s.Jobs = repository.NewIngestionJobRepository(pool)
		s.Broker = broker.NewPostgres(s.Jobs, brokerCfg, logger)
		documents = repository.NewDocumentRepository(pool)
		locks = repository.NewAdvisoryLocker(pool)
		s.Health["database"] = pool.Ping
	} else {
		mem := broker.NewMemory(brokerCfg)
		s.closers = append(s.closers, mem.Close)
		s.Broker = mem
		documents = ingest.NewMemoryDocumentStore()
		logger.Warn("DOCRAG_DATABASE_URL not set, documents and jobs are kept in memory")
	}

	rd := reader.New(logger, reader.DefaultParsers(reader.ExecRunner{}, cfg.PDFToTextPath)...)
	httpFetcher := reader.NewHTTPFetcher(cfg.ReaderTimeout, cfg.ReaderMaxBytes)
	rd.Register("http", httpFetcher)
	rd.Register("https", httpFetcher)
	schemes := []string{"http", "https"}
	if cfg.AllowFileScheme {
		rd.Register("file", reader.FileFetcher{MaxBytes: cfg.ReaderMaxBytes})
		schemes = append(schemes, "file")
	}

	var blobs ingest.BlobStore
	if cfg.HasS3() {
		s3Client, err := storage.NewS3Client(ctx, storage.S3ClientConfig{
			Endpoint:        cfg.S3Endpoint,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.S3AccessKey,
			SecretAccessKey: cfg.S3SecretKey,
			Bucket:          cfg.S3Bucket,
			UsePathStyle:    true,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 client: %w", err)
		}
		if err := s3Client.EnsureBucket(ctx); err != nil {
			return nil, fmt.Errorf("failed to ensure S3 bucket: %w", err)
		}
		logger.Info("S3 bucket ready", zap.String("bucket", cfg.S3Bucket))
		rd.Register("s3", reader.S3Fetcher{Objects: s3Client, MaxBytes: cfg.ReaderMaxBytes})
		schemes = append(schemes, "s3")
		blobs = s3Client
	}

	var (
		ingestEmbedder embedder.Embedder
		queryEmbedder  embedder.Embedder
		generator      retrieval.Generator
	)
	if cfg.HasOpenAI() {
		client := openai.NewClientWithConfig(openai.Config{
			APIKey:              cfg.OpenAIAPIKey,
			BaseURL:             cfg.OpenAIBaseURL,
			EmbeddingModel:      cfg.EmbeddingModel,
			EmbeddingDimensions: cfg.EmbeddingDimensions,
			ChatModel:           cfg.ChatModel,
			Timeout:             cfg.OpenAITimeout,
		})
		retrying := embedder.NewRetrying(client, embedder.RetryConfig{
			MaxAttempts:  cfg.EmbedMaxAttempts,
			InitialDelay: cfg.EmbedInitialBackoff,
			MaxDelay:     cfg.EmbedMaxBackoff,
			Multiplier:   2.0,
			Jitter:       true,
		}, cfg.EmbedRPS, logger)
		ingestEmbedder = retrying
		queryEmbedder = embedder.NewCached(retrying, cfg.EmbedCacheSize)
		generator = client
		logger.Info("using OpenAI-compatible embedder", zap.String("model", client.Model()), zap.Int("dimensions", client.Dimensions()))
	} else {
		static := embedder.NewStatic(cfg.EmbeddingDimensions)
		ingestEmbedder = static
		queryEmbedder = static
		logger.Warn("no embedding provider configured, using the offline static embedder")
	}

	var idx index.VectorIndex
	switch cfg.Index() {
	case config.IndexPGVector:
		idx = repository.NewChunkIndex(s.Pool, ingestEmbedder.Dimensions(), cfg.IndexMaxEntries)
	case config.IndexHNSW:
		hnswCfg := index.DefaultHNSWConfig()
		idx = index.NewMemory(index.Config{Dimensions: ingestEmbedder.Dimensions(), MaxEntries: cfg.IndexMaxEntries, HNSW: &hnswCfg})
	default:
		idx = index.NewMemory(index.Config{Dimensions: ingestEmbedder.Dimensions(), MaxEntries: cfg.IndexMaxEntries})
	}
	logger.Info("vector index ready", zap.String("backend", cfg.Index()))

	var tokenizer chunking.Tokenizer = chunking.WordTokenizer{}
	if cfg.ChunkTokenizer == "rune" {
		tokenizer = chunking.RuneTokenizer{}
	}
	chunker, err := chunking.New(chunking.Config{
		MaxTokens:     cfg.ChunkMaxTokens,
		OverlapTokens: cfg.ChunkOverlapTokens,
		MaxChunks:     cfg.ChunkMaxChunks,
		Tokenizer:     tokenizer,
	})
	if err != nil {
		return nil, fmt.Errorf("invalid chunking configuration: %w", err)
	}

	cache := querycache.NewLRU(cfg.CacheCapacity, cfg.CacheTTL, idx, logger)
	s.Retriever = retrieval.New(idx, queryEmbedder, cache, retrieval.Config{
		OverFetch:       cfg.RetrievalOverFetch,
		MaxMergedChunks: cfg.RetrievalMaxMerged,
		MaxK:            cfg.RetrievalMaxK,
		Joiner:          tokenizer,
	}, logger)
	if generator != nil {
		s.Answerer = retrieval.NewAnswerer(s.Retriever, generator)
	}

	s.Coordinator = ingest.NewCoordinator(ingest.Deps{
		Documents: documents,
		Index:     idx,
		Reader:    rd,
		Chunker:   chunker,
		Embedder:  ingestEmbedder,
		Broker:    s.Broker,
		Blobs:     blobs,
		Locks:     locks,
	}, ingest.Config{
		JobDeadline:      cfg.JobDeadline,
		RetryBaseDelay:   cfg.RetryBaseDelay,
		RetryMaxDelay:    cfg.RetryMaxDelay,
		EmbedBatchSize:   cfg.EmbedBatchSize,
		EmbedConcurrency: cfg.EmbedConcurrency,
		AllowedSchemes:   schemes,
	}, logger)

	ok = true
	return s, nil
}

// Package ingest owns the document lifecycle: it turns ingestion jobs into
// indexed chunk generations and decides how each delivery is settled.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/cloo-solutions/docrag/internal/broker"
	"github.com/cloo-solutions/docrag/internal/chunking"
	"github.com/cloo-solutions/docrag/internal/domain"
	"github.com/cloo-solutions/docrag/internal/embedder"
	"github.com/cloo-solutions/docrag/internal/index"
	"github.com/cloo-solutions/docrag/internal/reader"
	"github.com/cloo-solutions/docrag/internal/telemetry"
)

// TextReader fetches and parses a source URI.
type TextReader interface {
	Read(ctx context.Context, uri string) (*reader.Document, error)
}

// Config tunes the coordinator.
type Config struct {
	// JobDeadline bounds one delivery; it should be well under the broker's
	// visibility timeout.
	JobDeadline time.Duration
	// RetryBaseDelay and RetryMaxDelay bound the redelivery backoff.
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	EmbedBatchSize   int
	EmbedConcurrency int
	// AllowedSchemes restricts source URIs accepted by Submit. Empty allows
	// any scheme the reader knows.
	AllowedSchemes []string
}

func DefaultConfig() Config {
	return Config{
		JobDeadline:      2 * time.Minute,
		RetryBaseDelay:   5 * time.Second,
		RetryMaxDelay:    5 * time.Minute,
		EmbedBatchSize:   64,
		EmbedConcurrency: 4,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.JobDeadline <= 0 {
		c.JobDeadline = d.JobDeadline
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = d.RetryBaseDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = d.RetryMaxDelay
	}
	if c.EmbedBatchSize <= 0 {
		c.EmbedBatchSize = d.EmbedBatchSize
	}
	if c.EmbedConcurrency <= 0 {
		c.EmbedConcurrency = d.EmbedConcurrency
	}
	return c
}

// errDropped marks a job that needs no work, such as one for a deleted document.
var errDropped = errors.New("job dropped")

// Coordinator drives documents through pending → chunking → embedding →
// indexed. It is the only writer of document status.
type Coordinator struct {
	docs      DocumentStore
	index     index.VectorIndex
	reader    TextReader
	chunker   *chunking.Chunker
	embedder  embedder.Embedder
	publisher broker.Broker
	blobs     BlobStore
	locks     Locker
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
}

// Deps are the collaborators of a Coordinator.
type Deps struct {
	Documents DocumentStore
	Index     index.VectorIndex
	Reader    TextReader
	Chunker   *chunking.Chunker
	Embedder  embedder.Embedder
	Broker    broker.Broker
	// Blobs stores inline text for SubmitText; optional.
	Blobs BlobStore
	// Locks defaults to an in-process LockArena.
	Locks Locker
}

func NewCoordinator(deps Deps, cfg Config, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	locks := deps.Locks
	if locks == nil {
		locks = NewLockArena()
	}
	return &Coordinator{
		docs:      deps.Documents,
		index:     deps.Index,
		reader:    deps.Reader,
		chunker:   deps.Chunker,
		embedder:  deps.Embedder,
		publisher: deps.Broker,
		blobs:     deps.Blobs,
		locks:     locks,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Handle processes one delivery and settles it:
//   - indexed, unchanged, or failed with a non-retryable error: ack
//   - retryable failure or deadline: record failed, nack with backoff
//   - retryable failure on the final attempt: record the failure, dead-letter
func (c *Coordinator) Handle(ctx context.Context, d *broker.Delivery) error {
	job := d.Job
	log := c.logger.With(
		zap.String("document_id", job.DocumentID),
		zap.String("job_id", job.ID),
		zap.Int("attempt", job.AttemptCount))

	ctx, span := telemetry.StartSpan(ctx, "ingest.handle", telemetry.SpanAttributes{
		DocumentID: job.DocumentID,
		Attempt:    job.AttemptCount,
		Operation:  "ingest",
	})
	defer span.End()

	// settling must still work after the job deadline has passed
	settleCtx, cancelSettle := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancelSettle()

	if err := domain.ValidateIngestionJob(&job); err != nil {
		log.Warn("malformed ingestion job", zap.Error(err))
		return d.DeadLetter(settleCtx, domain.ErrCodeValidation+": "+err.Error())
	}

	jobCtx, cancel := context.WithTimeout(ctx, c.cfg.JobDeadline)
	defer cancel()

	unlock, err := c.locks.Lock(jobCtx, job.DocumentID)
	if err != nil {
		log.Warn("document lock not acquired", zap.Error(err))
		return d.Nack(settleCtx, c.backoff(job.AttemptCount), domain.ErrCodeTransientDependency)
	}
	defer unlock()

	doc, err := c.process(jobCtx, job, log)
	switch {
	case err == nil:
		log.Info("document indexed",
			zap.String("content_hash", doc.ContentHash),
			zap.Int64("version", doc.Version))
		return d.Ack(settleCtx)

	case errors.Is(err, errDropped):
		return d.Ack(settleCtx)

	case !domain.IsRetryable(err):
		span.SetError(err)
		log.Warn("document failed", zap.String("code", domain.CodeOf(err)), zap.Error(err))
		c.record(settleCtx, doc, domain.DocumentStatusFailed, err, log)
		return d.Ack(settleCtx)

	case d.FinalAttempt():
		span.SetError(err)
		log.Error("document failed after final attempt", zap.String("code", domain.CodeOf(err)), zap.Error(err))
		c.record(settleCtx, doc, domain.DocumentStatusFailed, err, log)
		return d.DeadLetter(settleCtx, domain.CodeOf(err)+": "+err.Error())

	default:
		delay := c.backoff(job.AttemptCount)
		log.Warn("document will be retried",
			zap.String("code", domain.CodeOf(err)),
			zap.Duration("delay", delay),
			zap.Error(err))
		// failed for this attempt; redelivery restarts from pending
		c.record(settleCtx, doc, domain.DocumentStatusFailed, err, log)
		return d.Nack(settleCtx, delay, domain.CodeOf(err))
	}
}

// process runs the state machine for one job. The returned document is the
// latest known record, nil when it could not be loaded.
func (c *Coordinator) process(ctx context.Context, job domain.IngestionJob, log *zap.Logger) (*domain.Document, error) {
	doc, err := c.docs.GetByID(ctx, job.DocumentID)
	switch {
	case errors.Is(err, domain.ErrDocumentNotFound):
		doc = domain.NewDocument(job.DocumentID, job.SourceURI, nil, c.now())
	case err != nil:
		return nil, transient("load document", err)
	case doc.IsDeleted():
		log.Info("dropping job for deleted document")
		return doc, errDropped
	}

	doc.AttemptCount = job.AttemptCount
	if doc.Status != domain.DocumentStatusPending {
		if err := c.transition(ctx, doc, domain.DocumentStatusPending); err != nil {
			return doc, err
		}
	}

	// pending → chunking: fetch and hash
	if err := c.transition(ctx, doc, domain.DocumentStatusChunking); err != nil {
		return doc, err
	}
	src, err := c.reader.Read(ctx, doc.SourceURI)
	if err != nil {
		return doc, err
	}
	hash := contentHash(src.Text)

	if doc.ContentHash == hash {
		active, ok, err := c.index.ActiveGeneration(ctx, doc.ID)
		if err != nil {
			return doc, transient("read active generation", err)
		}
		if ok && active == hash {
			log.Info("content unchanged, skipping re-indexing", zap.String("content_hash", hash))
			doc.FailureCode, doc.FailureReason = "", ""
			return doc, c.transition(ctx, doc, domain.DocumentStatusIndexed)
		}
	}

	segments, err := c.chunker.Split(src.Text)
	if err != nil {
		return doc, err
	}
	if len(segments) == 0 {
		return doc, domain.ErrEmptyDocument
	}

	// chunking → embedding
	if err := c.transition(ctx, doc, domain.DocumentStatusEmbedding); err != nil {
		return doc, err
	}
	if err := c.indexGeneration(ctx, doc, hash, segments, log); err != nil {
		return doc, err
	}

	// embedding → indexed
	doc.ContentHash = hash
	doc.Version++
	doc.FailureCode, doc.FailureReason = "", ""
	return doc, c.transition(ctx, doc, domain.DocumentStatusIndexed)
}

// indexGeneration embeds every segment, writes the generation and promotes
// it. Nothing becomes searchable unless every chunk succeeded; on failure the
// partial generation is discarded and the previous one keeps serving.
func (c *Coordinator) indexGeneration(ctx context.Context, doc *domain.Document, generation string, segments []chunking.Segment, log *zap.Logger) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "ingest.index_generation", telemetry.SpanAttributes{DocumentID: doc.ID})
	defer span.End()
	span.SetData("segments", len(segments))

	texts := make([]string, len(segments))
	for i, s := range segments {
		texts[i] = s.EmbeddingText()
	}
	vectors, err := embedder.EmbedAll(ctx, c.embedder, texts, c.cfg.EmbedBatchSize, c.cfg.EmbedConcurrency)
	if err != nil {
		return err
	}

	entries := make([]index.Entry, len(segments))
	for i, s := range segments {
		entries[i] = index.Entry{
			ChunkID:       domain.ChunkID(doc.ID, generation, s.SequenceIndex),
			DocumentID:    doc.ID,
			Generation:    generation,
			SequenceIndex: s.SequenceIndex,
			Text:          s.Text,
			TokenCount:    s.TokenCount,
			Vector:        vectors[i],
			Metadata:      doc.Metadata,
		}
	}

	defer func() {
		if err != nil {
			c.discard(doc.ID, generation, log)
		}
	}()
	if err := c.index.Upsert(ctx, entries); err != nil {
		return err
	}
	if err := c.index.Promote(ctx, doc.ID, generation); err != nil {
		return err
	}
	log.Debug("generation promoted", zap.String("generation", generation), zap.Int("chunks", len(entries)))
	return nil
}

func (c *Coordinator) discard(documentID, generation string, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	active, ok, err := c.index.ActiveGeneration(ctx, documentID)
	if err == nil && ok && active == generation {
		return
	}
	if err := c.index.DiscardGeneration(ctx, documentID, generation); err != nil {
		log.Warn("discarding partial generation failed", zap.String("generation", generation), zap.Error(err))
	}
}

func (c *Coordinator) transition(ctx context.Context, doc *domain.Document, to domain.DocumentStatus) error {
	if doc.Status == to {
		return nil
	}
	if !domain.CanTransition(doc.Status, to) {
		return domain.NewDomainError(domain.ErrCodeConsistencyViolation,
			fmt.Sprintf("illegal transition %s -> %s", doc.Status, to))
	}
	prev := doc.Status
	doc.Status = to
	doc.UpdatedAt = c.now()
	if err := c.docs.Save(ctx, doc); err != nil {
		doc.Status = prev
		return transient("save document", err)
	}
	return nil
}

// record stores the outcome of a failed attempt on the document.
func (c *Coordinator) record(ctx context.Context, doc *domain.Document, status domain.DocumentStatus, cause error, log *zap.Logger) {
	if doc == nil {
		return
	}
	doc.FailureCode = domain.CodeOf(cause)
	doc.FailureReason = cause.Error()
	doc.Status = status
	doc.UpdatedAt = c.now()
	if err := c.docs.Save(ctx, doc); err != nil {
		log.Error("recording document failure failed", zap.Error(err))
	}
}

// backoff is exponential in the attempt number with full jitter.
func (c *Coordinator) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := c.cfg.RetryBaseDelay
	for i := 1; i < attempt && d < c.cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = min(d, c.cfg.RetryMaxDelay)
	return d/2 + rand.N(d/2+1)
}

func contentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func transient(msg string, err error) error {
	if domain.KindOf(err) != domain.KindUnknown {
		return err
	}
	return domain.NewDomainErrorWithCause(domain.ErrCodeTransientDependency, msg, err)
}

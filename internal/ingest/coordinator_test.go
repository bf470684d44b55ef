package ingest

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cloo-solutions/docrag/internal/broker"
	"github.com/cloo-solutions/docrag/internal/chunking"
	"github.com/cloo-solutions/docrag/internal/domain"
	"github.com/cloo-solutions/docrag/internal/embedder"
	"github.com/cloo-solutions/docrag/internal/index"
	"github.com/cloo-solutions/docrag/internal/reader"
)

const testDims = 32

// stubReader serves text by uri.
type stubReader struct {
	mu    sync.Mutex
	texts map[string]string
	err   error
}

func (r *stubReader) set(uri, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts[uri] = text
}

func (r *stubReader) Read(ctx context.Context, uri string) (*reader.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	text, ok := r.texts[uri]
	if !ok {
		return nil, domain.ErrUnreadableDocument
	}
	return &reader.Document{Text: text, MIMEType: "text/plain"}, nil
}

// countingEmbedder wraps Static without exposing its batch call, counts
// calls and fails on marked segments.
type countingEmbedder struct {
	static *embedder.Static
	calls  atomic.Int64
	failOn string
	err    error
	block  bool
}

func (e *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.calls.Add(1)
	if e.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if e.failOn != "" && strings.Contains(text, e.failOn) {
		return nil, e.err
	}
	return e.static.Embed(ctx, text)
}

func (e *countingEmbedder) Dimensions() int { return e.static.Dimensions() }
func (e *countingEmbedder) Model() string   { return e.static.Model() }

// MockBlobStore is a mock implementation of BlobStore
type MockBlobStore struct {
	mock.Mock
}

func (m *MockBlobStore) PutObject(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	args := m.Called(ctx, key, body, contentType)
	return args.String(0), args.Error(1)
}

type harness struct {
	coord  *Coordinator
	docs   *MemoryDocumentStore
	index  *index.Memory
	broker *broker.Memory
	reader *stubReader
	emb    *countingEmbedder
	blobs  *MockBlobStore
}

func newHarness(t *testing.T, maxAttempts int, cfg Config) *harness {
	t.Helper()
	chunker, err := chunking.New(chunking.Config{MaxTokens: 4, OverlapTokens: 1})
	require.NoError(t, err)

	h := &harness{
		docs:   NewMemoryDocumentStore(),
		index:  index.NewMemory(index.Config{Dimensions: testDims}),
		broker: broker.NewMemory(broker.Config{VisibilityTimeout: time.Minute, MaxAttempts: maxAttempts, PollInterval: 10 * time.Millisecond}),
		reader: &stubReader{texts: map[string]string{}},
		emb:    &countingEmbedder{static: embedder.NewStatic(testDims)},
		blobs:  new(MockBlobStore),
	}
	if cfg.RetryBaseDelay == 0 {
		cfg.RetryBaseDelay = time.Millisecond
		cfg.RetryMaxDelay = 2 * time.Millisecond
	}
	h.coord = NewCoordinator(Deps{
		Documents: h.docs,
		Index:     h.index,
		Reader:    h.reader,
		Chunker:   chunker,
		Embedder:  h.emb,
		Broker:    h.broker,
		Blobs:     h.blobs,
	}, cfg, zap.NewNop())
	return h
}

// submitAndHandle submits a document and processes the resulting delivery.
func (h *harness) submitAndHandle(t *testing.T, id, uri string) *domain.Document {
	t.Helper()
	ctx := context.Background()
	_, err := h.coord.Submit(ctx, SubmitRequest{DocumentID: id, SourceURI: uri, Metadata: map[string]string{"lang": "en"}})
	require.NoError(t, err)
	h.handleNext(t)
	doc, err := h.docs.GetByID(ctx, id)
	require.NoError(t, err)
	return doc
}

func (h *harness) handleNext(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := h.broker.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, h.coord.Handle(context.Background(), d))
}

func visibleEntries(t *testing.T, idx *index.Memory, documentID string) []index.Match {
	t.Helper()
	q, err := embedder.NewStatic(testDims).Embed(context.Background(), "lookup")
	require.NoError(t, err)
	ms, err := idx.Search(context.Background(), q, 1000, index.Filter{DocumentIDs: []string{documentID}})
	require.NoError(t, err)
	return ms
}

const fiveChunks = "w1 w2 w3 w4 w5 w6 w7 w8 w9 w10 w11 w12 w13 w14 w15 w16 w17 w18 w19 w20"

func TestCoordinator_IndexesDocument(t *testing.T) {
	h := newHarness(t, 3, Config{})
	h.reader.set("file:///doc1.txt", fiveChunks)

	doc := h.submitAndHandle(t, "doc1", "file:///doc1.txt")

	assert.Equal(t, domain.DocumentStatusIndexed, doc.Status)
	assert.Equal(t, int64(1), doc.Version)
	assert.Equal(t, contentHash(fiveChunks), doc.ContentHash)
	assert.Empty(t, doc.FailureCode)
	assert.Equal(t, 0, h.broker.Pending())

	ms := visibleEntries(t, h.index, "doc1")
	require.Len(t, ms, 5)
	for _, m := range ms {
		assert.Equal(t, doc.ContentHash, m.Generation)
		assert.Equal(t, domain.ChunkID("doc1", doc.ContentHash, m.SequenceIndex), m.ChunkID)
		assert.Equal(t, "en", m.Metadata["lang"])
	}
	assert.EqualValues(t, 5, h.emb.calls.Load())
}

func TestCoordinator_IdenticalReingestSkipsEmbedder(t *testing.T) {
	h := newHarness(t, 3, Config{})
	h.reader.set("file:///doc1.txt", fiveChunks)
	first := h.submitAndHandle(t, "doc1", "file:///doc1.txt")
	calls := h.emb.calls.Load()
	indexVersion, err := h.index.Version(context.Background())
	require.NoError(t, err)

	second := h.submitAndHandle(t, "doc1", "file:///doc1.txt")

	assert.Equal(t, calls, h.emb.calls.Load(), "embedder must not be called for unchanged content")
	assert.Equal(t, domain.DocumentStatusIndexed, second.Status)
	assert.Equal(t, first.Version, second.Version)
	assert.Equal(t, first.ContentHash, second.ContentHash)
	after, err := h.index.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, indexVersion, after)
	assert.Equal(t, 5, h.index.Len())
}

func TestCoordinator_DuplicateDeliveriesDoNotDuplicateChunks(t *testing.T) {
	h := newHarness(t, 3, Config{})
	h.reader.set("file:///doc1.txt", fiveChunks)
	ctx := context.Background()
	for range 3 {
		require.NoError(t, h.broker.Publish(ctx, broker.Message{DocumentID: "doc1", SourceURI: "file:///doc1.txt"}))
	}

	var wg sync.WaitGroup
	for range 3 {
		rctx, cancel := context.WithTimeout(ctx, time.Second)
		d, err := h.broker.Receive(rctx)
		cancel()
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.coord.Handle(ctx, d))
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, h.index.Len())
	assert.Len(t, visibleEntries(t, h.index, "doc1"), 5)
	doc, err := h.docs.GetByID(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, domain.DocumentStatusIndexed, doc.Status)
	assert.Equal(t, int64(1), doc.Version)
}

func TestCoordinator_ChangedContentReplacesGeneration(t *testing.T) {
	h := newHarness(t, 3, Config{})
	h.reader.set("file:///doc1.txt", fiveChunks)
	first := h.submitAndHandle(t, "doc1", "file:///doc1.txt")

	h.reader.set("file:///doc1.txt", "new words here")
	second := h.submitAndHandle(t, "doc1", "file:///doc1.txt")

	assert.Equal(t, domain.DocumentStatusIndexed, second.Status)
	assert.Equal(t, first.Version+1, second.Version)
	assert.NotEqual(t, first.ContentHash, second.ContentHash)

	ms := visibleEntries(t, h.index, "doc1")
	require.Len(t, ms, 1)
	assert.Equal(t, "new words here", ms[0].Text)
	assert.Equal(t, 1, h.index.Len())
}

func TestCoordinator_ChunkFailureFailsWholeGeneration(t *testing.T) {
	t.Run("new document", func(t *testing.T) {
		h := newHarness(t, 3, Config{})
		h.emb.failOn = "w10"
		h.emb.err = domain.NewDomainError(domain.ErrCodeInvalidInput, "rejected by model")
		h.reader.set("file:///doc1.txt", fiveChunks)

		doc := h.submitAndHandle(t, "doc1", "file:///doc1.txt")

		assert.Equal(t, domain.DocumentStatusFailed, doc.Status)
		assert.Equal(t, domain.ErrCodeInvalidInput, doc.FailureCode)
		assert.NotEmpty(t, doc.FailureReason)
		assert.Empty(t, visibleEntries(t, h.index, "doc1"))
		assert.Equal(t, 0, h.index.Len())
		assert.Equal(t, 0, h.broker.Pending(), "data errors are acknowledged")
	})

	t.Run("prior generation stays servable", func(t *testing.T) {
		h := newHarness(t, 3, Config{})
		h.reader.set("file:///doc1.txt", fiveChunks)
		first := h.submitAndHandle(t, "doc1", "file:///doc1.txt")

		h.emb.failOn = "x10"
		h.emb.err = domain.NewDomainError(domain.ErrCodeInvalidInput, "rejected by model")
		h.reader.set("file:///doc1.txt", strings.ReplaceAll(fiveChunks, "w", "x"))
		doc := h.submitAndHandle(t, "doc1", "file:///doc1.txt")

		assert.Equal(t, domain.DocumentStatusFailed, doc.Status)
		assert.Equal(t, first.ContentHash, doc.ContentHash)
		ms := visibleEntries(t, h.index, "doc1")
		require.Len(t, ms, 5)
		for _, m := range ms {
			assert.Equal(t, first.ContentHash, m.Generation)
		}
		active, ok, err := h.index.ActiveGeneration(context.Background(), "doc1")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, first.ContentHash, active)
	})
}

func TestCoordinator_EmptyDocumentFails(t *testing.T) {
	h := newHarness(t, 3, Config{})
	h.reader.set("file:///empty.txt", "   \n\t ")

	doc := h.submitAndHandle(t, "doc1", "file:///empty.txt")

	assert.Equal(t, domain.DocumentStatusFailed, doc.Status)
	assert.Equal(t, domain.ErrCodeEmptyDocument, doc.FailureCode)
	assert.Zero(t, h.emb.calls.Load())
	assert.Equal(t, 0, h.broker.Pending())
}

func TestCoordinator_UnreadableDocumentFails(t *testing.T) {
	h := newHarness(t, 3, Config{})

	doc := h.submitAndHandle(t, "doc1", "file:///missing.txt")

	assert.Equal(t, domain.DocumentStatusFailed, doc.Status)
	assert.Equal(t, domain.ErrCodeUnreadableDocument, doc.FailureCode)
	assert.Equal(t, 0, h.broker.Pending())
}

func TestCoordinator_RetryableFailureIsRedelivered(t *testing.T) {
	h := newHarness(t, 3, Config{})
	h.emb.failOn = "w1"
	h.emb.err = domain.NewDomainError(domain.ErrCodeEmbeddingUnavailable, "upstream down")
	h.reader.set("file:///doc1.txt", fiveChunks)

	doc := h.submitAndHandle(t, "doc1", "file:///doc1.txt")

	assert.Equal(t, domain.DocumentStatusFailed, doc.Status, "exhausted retries surface as failed")
	assert.Equal(t, domain.ErrCodeEmbeddingUnavailable, doc.FailureCode)
	assert.Equal(t, 1, h.broker.Pending(), "retryable failures stay on the queue")
	assert.Empty(t, h.broker.Dead())
	assert.Equal(t, 0, h.index.Len())

	// upstream recovers; the redelivery indexes the document
	h.emb.failOn = ""
	h.handleNext(t)

	doc, err := h.docs.GetByID(context.Background(), "doc1")
	require.NoError(t, err)
	assert.Equal(t, domain.DocumentStatusIndexed, doc.Status)
	assert.Equal(t, 2, doc.AttemptCount)
	assert.Empty(t, doc.FailureCode)
	assert.Equal(t, 0, h.broker.Pending())
}

func TestCoordinator_FinalAttemptDeadLetters(t *testing.T) {
	h := newHarness(t, 1, Config{})
	h.emb.failOn = "w1"
	h.emb.err = domain.NewDomainError(domain.ErrCodeRateLimited, "slow down")
	h.reader.set("file:///doc1.txt", fiveChunks)

	doc := h.submitAndHandle(t, "doc1", "file:///doc1.txt")

	assert.Equal(t, domain.DocumentStatusFailed, doc.Status)
	assert.Equal(t, domain.ErrCodeRateLimited, doc.FailureCode)
	assert.Equal(t, 0, h.broker.Pending())
	dead := h.broker.Dead()
	require.Len(t, dead, 1)
	for _, reason := range dead {
		assert.Contains(t, reason, domain.ErrCodeRateLimited)
	}
}

func TestCoordinator_DeadlineLeavesJobUnacknowledged(t *testing.T) {
	h := newHarness(t, 3, Config{JobDeadline: 50 * time.Millisecond})
	h.emb.block = true
	h.reader.set("file:///doc1.txt", fiveChunks)

	start := time.Now()
	doc := h.submitAndHandle(t, "doc1", "file:///doc1.txt")

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, domain.DocumentStatusFailed, doc.Status)
	assert.Equal(t, domain.ErrCodeTransientDependency, doc.FailureCode)
	assert.Equal(t, 1, h.broker.Pending())
	assert.Equal(t, 0, h.index.Len(), "partial writes must not survive the attempt")
}

func TestCoordinator_DropsJobForDeletedDocument(t *testing.T) {
	h := newHarness(t, 3, Config{})
	ctx := context.Background()
	h.reader.set("file:///doc1.txt", fiveChunks)
	h.submitAndHandle(t, "doc1", "file:///doc1.txt")
	require.NoError(t, h.coord.Delete(ctx, "doc1"))

	require.NoError(t, h.broker.Publish(ctx, broker.Message{DocumentID: "doc1", SourceURI: "file:///doc1.txt"}))
	calls := h.emb.calls.Load()
	h.handleNext(t)

	assert.Equal(t, calls, h.emb.calls.Load())
	assert.Equal(t, 0, h.index.Len())
	assert.Equal(t, 0, h.broker.Pending())
}

func TestCoordinator_MalformedJobIsDeadLettered(t *testing.T) {
	h := newHarness(t, 3, Config{})
	ack := &recordingAck{}
	d := &broker.Delivery{Acknowledger: ack, Job: domain.IngestionJob{ID: "j1", DocumentID: "doc1"}, MaxAttempts: 3}

	require.NoError(t, h.coord.Handle(context.Background(), d))
	assert.Equal(t, "dead", ack.outcome)
	assert.Contains(t, ack.reason, domain.ErrCodeValidation)
}

type recordingAck struct {
	outcome string
	reason  string
	delay   time.Duration
}

func (a *recordingAck) Ack(ctx context.Context) error { a.outcome = "ack"; return nil }
func (a *recordingAck) Nack(ctx context.Context, delay time.Duration, reason string) error {
	a.outcome, a.delay, a.reason = "nack", delay, reason
	return nil
}
func (a *recordingAck) DeadLetter(ctx context.Context, reason string) error {
	a.outcome, a.reason = "dead", reason
	return nil
}

func TestCoordinator_Backoff(t *testing.T) {
	c := &Coordinator{cfg: Config{RetryBaseDelay: time.Second, RetryMaxDelay: 8 * time.Second}}
	for attempt, ceiling := range map[int]time.Duration{1: time.Second, 2: 2 * time.Second, 3: 4 * time.Second, 4: 8 * time.Second, 9: 8 * time.Second} {
		for range 20 {
			d := c.backoff(attempt)
			assert.GreaterOrEqual(t, d, ceiling/2, "attempt %d", attempt)
			assert.LessOrEqual(t, d, ceiling, "attempt %d", attempt)
		}
	}
}

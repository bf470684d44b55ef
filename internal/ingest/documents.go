package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cloo-solutions/docrag/internal/broker"
	"github.com/cloo-solutions/docrag/internal/domain"
	"github.com/cloo-solutions/docrag/internal/pagination"
)

const defaultListLimit = 50

// BlobStore keeps inline document bodies so they can be ingested by URI.
type BlobStore interface {
	PutObject(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// SubmitRequest asks for a document to be (re)ingested.
type SubmitRequest struct {
	DocumentID string
	SourceURI  string
	Metadata   map[string]string
}

// Submit records the document as pending and publishes an ingestion job. An
// existing document keeps its version and indexed generation until the job
// replaces them; a tombstoned id is revived.
func (c *Coordinator) Submit(ctx context.Context, req SubmitRequest) (*domain.Document, error) {
	if err := c.validateSource(req.SourceURI); err != nil {
		return nil, err
	}
	id := req.DocumentID
	if id == "" {
		id = uuid.NewString()
	}

	unlock, err := c.locks.Lock(ctx, id)
	if err != nil {
		return nil, transient("lock document", err)
	}
	defer unlock()

	now := c.now()
	doc, err := c.docs.GetByID(ctx, id)
	switch {
	case errors.Is(err, domain.ErrDocumentNotFound):
		doc = domain.NewDocument(id, req.SourceURI, req.Metadata, now)
	case err != nil:
		return nil, transient("load document", err)
	default:
		doc.SourceURI = req.SourceURI
		if req.Metadata != nil {
			doc.Metadata = req.Metadata
		}
		doc.DeletedAt = nil
		doc.Status = domain.DocumentStatusPending
		doc.FailureCode, doc.FailureReason = "", ""
		doc.AttemptCount = 0
		doc.UpdatedAt = now
	}
	if err := c.docs.Save(ctx, doc); err != nil {
		return nil, transient("save document", err)
	}

	msg := broker.Message{DocumentID: doc.ID, SourceURI: doc.SourceURI, ContentHash: doc.ContentHash}
	if err := c.publisher.Publish(ctx, msg); err != nil {
		return nil, transient("publish ingestion job", err)
	}
	c.logger.Info("document submitted", zap.String("document_id", doc.ID), zap.String("source_uri", doc.SourceURI))
	return doc, nil
}

// SubmitText uploads text to the blob store and submits the resulting URI.
func (c *Coordinator) SubmitText(ctx context.Context, documentID, text string, metadata map[string]string) (*domain.Document, error) {
	if c.blobs == nil {
		return nil, domain.NewDomainError(domain.ErrCodeValidation, "inline text ingestion requires object storage")
	}
	if strings.TrimSpace(text) == "" {
		return nil, domain.NewDomainError(domain.ErrCodeValidation, "text is required")
	}
	if documentID == "" {
		documentID = uuid.NewString()
	}
	uri, err := c.blobs.PutObject(ctx, "inline/"+documentID+".txt", []byte(text), "text/plain; charset=utf-8")
	if err != nil {
		return nil, err
	}
	return c.Submit(ctx, SubmitRequest{DocumentID: documentID, SourceURI: uri, Metadata: metadata})
}

// Delete removes the document's chunks from the index and tombstones it.
func (c *Coordinator) Delete(ctx context.Context, documentID string) error {
	if documentID == "" {
		return domain.ErrMissingRequiredField
	}
	unlock, err := c.locks.Lock(ctx, documentID)
	if err != nil {
		return transient("lock document", err)
	}
	defer unlock()

	doc, err := c.docs.GetByID(ctx, documentID)
	if err != nil {
		return err
	}
	if doc.IsDeleted() {
		return domain.ErrDocumentNotFound
	}
	if err := c.index.DeleteByDocument(ctx, documentID); err != nil {
		return fmt.Errorf("delete chunks of %s: %w", documentID, err)
	}
	if err := c.docs.MarkDeleted(ctx, documentID, c.now()); err != nil {
		return err
	}
	c.logger.Info("document deleted", zap.String("document_id", documentID))
	return nil
}

// Get returns a live document.
func (c *Coordinator) Get(ctx context.Context, documentID string) (*domain.Document, error) {
	doc, err := c.docs.GetByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc.IsDeleted() {
		return nil, domain.ErrDocumentNotFound
	}
	return doc, nil
}

// List returns one page of live documents, most recently updated first.
func (c *Coordinator) List(ctx context.Context, status domain.DocumentStatus, cursor string, limit int) (*pagination.PageResult[*domain.Document], error) {
	if status != "" && !domain.IsValidDocumentStatus(status) {
		return nil, domain.ErrInvalidDocumentState
	}
	after, err := pagination.DecodeCursor(cursor)
	if err != nil {
		return nil, domain.NewDomainErrorWithCause(domain.ErrCodeValidation, "invalid cursor", err)
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	docs, err := c.docs.List(ctx, status, after, limit+1)
	if err != nil {
		return nil, err
	}
	page := pagination.Page(docs, limit,
		func(d *domain.Document) string { return d.ID },
		func(d *domain.Document) time.Time { return d.UpdatedAt })
	return &page, nil
}

func (c *Coordinator) validateSource(uri string) error {
	if uri == "" {
		return domain.NewDomainError(domain.ErrCodeValidation, "source_uri is required")
	}
	u, err := url.Parse(uri)
	if err != nil || u.Scheme == "" {
		return domain.NewDomainError(domain.ErrCodeValidation, "source_uri must be an absolute uri")
	}
	if len(c.cfg.AllowedSchemes) > 0 && !slices.Contains(c.cfg.AllowedSchemes, strings.ToLower(u.Scheme)) {
		return domain.NewDomainError(domain.ErrCodeValidation, "source_uri scheme not allowed: "+u.Scheme)
	}
	return nil
}

package domain

import (
	"fmt"
	"time"
)

// DocumentStatus represents the ingestion state of a document
type DocumentStatus string

const (
	DocumentStatusPending   DocumentStatus = "pending"
	DocumentStatusChunking  DocumentStatus = "chunking"
	DocumentStatusEmbedding DocumentStatus = "embedding"
	DocumentStatusIndexed   DocumentStatus = "indexed"
	DocumentStatusFailed    DocumentStatus = "failed"
)

// Document is a source document tracked through ingestion.
type Document struct {
	ID            string
	SourceURI     string
	ContentHash   string // hash of the currently indexed generation
	Status        DocumentStatus
	Version       int64
	Metadata      map[string]string
	FailureCode   string
	FailureReason string
	AttemptCount  int
	CreatedAt     time.Time
	UpdatedAt     time.Time
	DeletedAt     *time.Time
}

// NewDocument creates a pending Document
func NewDocument(id, sourceURI string, metadata map[string]string, now time.Time) *Document {
	if metadata == nil {
		metadata = map[string]string{}
	}
	return &Document{
		ID:        id,
		SourceURI: sourceURI,
		Status:    DocumentStatusPending,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// ValidateDocument validates a Document instance
func ValidateDocument(d *Document) error {
	if d == nil {
		return fmt.Errorf("document cannot be nil")
	}
	if d.ID == "" {
		return fmt.Errorf("document ID is required")
	}
	if d.SourceURI == "" {
		return fmt.Errorf("document SourceURI is required")
	}
	if !IsValidDocumentStatus(d.Status) {
		return fmt.Errorf("document Status is invalid: %s", d.Status)
	}
	if d.Version < 0 {
		return fmt.Errorf("document Version cannot be negative")
	}
	return nil
}

// IsValidDocumentStatus checks if a DocumentStatus is valid
func IsValidDocumentStatus(s DocumentStatus) bool {
	switch s {
	case DocumentStatusPending, DocumentStatusChunking, DocumentStatusEmbedding,
		DocumentStatusIndexed, DocumentStatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition happens within one attempt.
func (s DocumentStatus) IsTerminal() bool {
	return s == DocumentStatusIndexed || s == DocumentStatusFailed
}

// CanTransition reports whether the state machine allows from → to.
// Failed is reachable from every non-terminal state, and every state may
// restart at Pending when a job is redelivered.
func CanTransition(from, to DocumentStatus) bool {
	if to == DocumentStatusPending {
		return true
	}
	switch from {
	case DocumentStatusPending:
		return to == DocumentStatusChunking || to == DocumentStatusFailed
	case DocumentStatusChunking:
		// chunking → indexed is the unchanged-content short circuit
		return to == DocumentStatusEmbedding || to == DocumentStatusIndexed || to == DocumentStatusFailed
	case DocumentStatusEmbedding:
		return to == DocumentStatusIndexed || to == DocumentStatusFailed
	}
	return false
}

// IsDeleted reports whether the document has been tombstoned
func (d *Document) IsDeleted() bool {
	return d.DeletedAt != nil
}

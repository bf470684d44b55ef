package domain

import (
	"fmt"
	"time"
)

// IngestionJobStatus is the broker-side state of a job
type IngestionJobStatus string

const (
	IngestionJobStatusPending    IngestionJobStatus = "pending"
	IngestionJobStatusProcessing IngestionJobStatus = "processing"
	IngestionJobStatusDone       IngestionJobStatus = "done"
	IngestionJobStatusDead       IngestionJobStatus = "dead"
)

// IngestionJob is the broker message that asks for a document to be (re)indexed.
type IngestionJob struct {
	ID           string
	DocumentID   string
	SourceURI    string
	ContentHash  string // optional hint from the producer
	AttemptCount int
	EnqueuedAt   time.Time
}

// ValidateIngestionJob validates an IngestionJob instance
func ValidateIngestionJob(j *IngestionJob) error {
	if j == nil {
		return fmt.Errorf("ingestion job cannot be nil")
	}
	if j.DocumentID == "" {
		return fmt.Errorf("ingestion job DocumentID is required")
	}
	if j.SourceURI == "" {
		return fmt.Errorf("ingestion job SourceURI is required")
	}
	if j.AttemptCount < 0 {
		return fmt.Errorf("ingestion job AttemptCount cannot be negative")
	}
	return nil
}

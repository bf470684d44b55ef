// Package broker delivers ingestion jobs at least once. A delivery that is
// neither acknowledged nor released within the visibility timeout becomes
// visible again and is redelivered.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/cloo-solutions/docrag/internal/domain"
)

// ErrClosed is returned by Receive after Close.
var ErrClosed = errors.New("broker closed")

// Message is what producers publish.
type Message struct {
	DocumentID  string `json:"document_id"`
	SourceURI   string `json:"source_uri"`
	ContentHash string `json:"content_hash,omitempty"`
}

// Broker is the queue the ingestion workers consume.
type Broker interface {
	Publish(ctx context.Context, msg Message) error
	// Receive blocks until a job is visible or ctx ends.
	Receive(ctx context.Context) (*Delivery, error)
}

// Acknowledger settles a delivery. Calls made after the visibility timeout
// expired and the job was redelivered are ignored.
type Acknowledger interface {
	Ack(ctx context.Context) error
	// Nack makes the job visible again after delay.
	Nack(ctx context.Context, delay time.Duration, reason string) error
	// DeadLetter parks the job; it is never redelivered.
	DeadLetter(ctx context.Context, reason string) error
}

// Delivery is one attempt at a job.
type Delivery struct {
	Acknowledger
	Job         domain.IngestionJob
	MaxAttempts int
}

// FinalAttempt reports whether the broker will not redeliver after this one.
func (d *Delivery) FinalAttempt() bool {
	return d.MaxAttempts > 0 && d.Job.AttemptCount >= d.MaxAttempts
}

// Config is shared by broker implementations.
type Config struct {
	VisibilityTimeout time.Duration
	MaxAttempts       int
	PollInterval      time.Duration
}

// DefaultConfig returns the default broker settings.
func DefaultConfig() Config {
	return Config{
		VisibilityTimeout: 5 * time.Minute,
		MaxAttempts:       5,
		PollInterval:      time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = def.VisibilityTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	return c
}

func validate(msg Message) error {
	if msg.DocumentID == "" || msg.SourceURI == "" {
		return domain.ErrMissingRequiredField
	}
	return nil
}

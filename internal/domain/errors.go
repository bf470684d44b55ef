package domain

import (
	"context"
	"errors"
	"fmt"
)

// DomainError represents a domain-specific error
type DomainError struct {
	Code    string
	Message string
	Err     error
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is matches any DomainError carrying the same code, so sentinel values can be
// compared with errors.Is after wrapping.
func (e *DomainError) Is(target error) bool {
	var t *DomainError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// NewDomainError creates a new DomainError
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
	}
}

// NewDomainErrorWithCause creates a new DomainError with an underlying cause
func NewDomainErrorWithCause(code, message string, err error) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Request-level error codes
const (
	ErrCodeValidation    = "VALIDATION_ERROR"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// Transient dependency failures. Retried with backoff.
const (
	ErrCodeTransientDependency  = "TRANSIENT_DEPENDENCY"
	ErrCodeEmbeddingUnavailable = "EMBEDDING_UNAVAILABLE"
	ErrCodeRateLimited          = "RATE_LIMITED"
)

// Data failures. Terminal for the document generation.
const (
	ErrCodeEmptyDocument      = "EMPTY_DOCUMENT"
	ErrCodeUnsupportedFormat  = "UNSUPPORTED_FORMAT"
	ErrCodeUnreadableDocument = "UNREADABLE_DOCUMENT"
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeDocumentTooLarge   = "DOCUMENT_TOO_LARGE"
)

const (
	ErrCodeConsistencyViolation = "CONSISTENCY_VIOLATION"
	ErrCodeCapacityExceeded     = "CAPACITY_EXCEEDED"
)

// ErrorKind groups error codes into the handling classes the pipeline reacts to.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindTransientDependency
	KindData
	KindConsistency
	KindCapacity
	KindValidation
	KindNotFound
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransientDependency:
		return "transient_dependency"
	case KindData:
		return "data"
	case KindConsistency:
		return "consistency"
	case KindCapacity:
		return "capacity"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	}
	return "unknown"
}

var codeKinds = map[string]ErrorKind{
	ErrCodeTransientDependency:  KindTransientDependency,
	ErrCodeEmbeddingUnavailable: KindTransientDependency,
	ErrCodeRateLimited:          KindTransientDependency,
	ErrCodeEmptyDocument:        KindData,
	ErrCodeUnsupportedFormat:    KindData,
	ErrCodeUnreadableDocument:   KindData,
	ErrCodeInvalidInput:         KindData,
	ErrCodeDocumentTooLarge:     KindData,
	ErrCodeConsistencyViolation: KindConsistency,
	ErrCodeCapacityExceeded:     KindCapacity,
	ErrCodeValidation:           KindValidation,
	ErrCodeNotFound:             KindNotFound,
}

// KindOf classifies err. Context cancellation and deadlines count as transient.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var de *DomainError
	if errors.As(err, &de) {
		if k, ok := codeKinds[de.Code]; ok {
			return k
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransientDependency
	}
	return KindUnknown
}

// CodeOf returns the outermost DomainError code in err's chain, or INTERNAL_ERROR.
func CodeOf(err error) string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrCodeTransientDependency
	}
	return ErrCodeInternalError
}

// IsRetryable reports whether a failure may succeed on a later attempt.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransientDependency
}

// Sentinels
var (
	ErrMissingRequiredField = NewDomainError(ErrCodeValidation, "missing required field")
	ErrInvalidDocumentState = NewDomainError(ErrCodeValidation, "invalid document status")

	ErrDocumentNotFound = NewDomainError(ErrCodeNotFound, "document not found")
	ErrChunkNotFound    = NewDomainError(ErrCodeNotFound, "chunk not found")

	ErrEmptyDocument      = NewDomainError(ErrCodeEmptyDocument, "document produced no chunks")
	ErrUnsupportedFormat  = NewDomainError(ErrCodeUnsupportedFormat, "unsupported document format")
	ErrUnreadableDocument = NewDomainError(ErrCodeUnreadableDocument, "document could not be read")
	ErrDocumentTooLarge   = NewDomainError(ErrCodeDocumentTooLarge, "document exceeds chunk limit")

	ErrIndexFull      = NewDomainError(ErrCodeCapacityExceeded, "vector index is at capacity")
	ErrStaleCacheItem = NewDomainError(ErrCodeConsistencyViolation, "cache entry older than index")
)

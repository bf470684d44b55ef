package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/cloo-solutions/docrag/internal/domain"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidationError carries per-field messages for a rejected request body.
type ValidationError struct {
	*domain.DomainError
	Fields map[string]string
}

func (e *ValidationError) Unwrap() error { return e.DomainError }

func newValidationError(errs validator.ValidationErrors) *ValidationError {
	fields := make(map[string]string, len(errs))
	for _, fe := range errs {
		field := fe.Field()
		switch fe.Tag() {
		case "required":
			fields[field] = fmt.Sprintf("%s is required", field)
		case "min", "gte":
			fields[field] = fmt.Sprintf("%s must be at least %s", field, fe.Param())
		case "max", "lte":
			fields[field] = fmt.Sprintf("%s must be at most %s", field, fe.Param())
		case "uri", "url":
			fields[field] = fmt.Sprintf("%s must be an absolute uri", field)
		default:
			fields[field] = fmt.Sprintf("%s failed the %q check", field, fe.Tag())
		}
	}
	return &ValidationError{
		DomainError: domain.NewDomainError(domain.ErrCodeValidation, "request validation failed"),
		Fields:      fields,
	}
}

// ValidateStruct validates v with its `validate` tags.
func ValidateStruct(v interface{}) error {
	if err := validate.Struct(v); err != nil {
		var errs validator.ValidationErrors
		if errors.As(err, &errs) {
			return newValidationError(errs)
		}
		return domain.NewDomainErrorWithCause(domain.ErrCodeValidation, "request validation failed", err)
	}
	return nil
}

// DecodeJSON decodes the request body into v and validates it.
func DecodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			return err
		}
		if errors.Is(err, io.EOF) {
			return domain.NewDomainError(domain.ErrCodeValidation, "request body is required")
		}
		return domain.NewDomainErrorWithCause(domain.ErrCodeValidation, "invalid request body", err)
	}
	return ValidateStruct(v)
}

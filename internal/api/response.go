package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cloo-solutions/docrag/internal/domain"
)

// CodePayloadTooLarge is returned when a request body exceeds the configured limit.
const CodePayloadTooLarge = "PAYLOAD_TOO_LARGE"

// SuccessResponse wraps successful API responses
type SuccessResponse struct {
	Data interface{} `json:"data"`
}

// ErrorResponse represents an error API response
type ErrorResponse struct {
	Error  string            `json:"error"`
	Code   string            `json:"code,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

// JSON writes a JSON response with the given status code
func JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// Success writes a successful JSON response
func Success(w http.ResponseWriter, status int, data interface{}) {
	JSON(w, status, SuccessResponse{Data: data})
}

// Error writes an error JSON response
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, ErrorResponse{Error: message})
}

// DomainErrorToHTTP maps errors to HTTP status codes by their kind.
func DomainErrorToHTTP(err error) int {
	if err == nil {
		return http.StatusOK
	}

	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		return http.StatusRequestEntityTooLarge
	}

	switch domain.KindOf(err) {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindTransientDependency:
		return http.StatusServiceUnavailable
	case domain.KindCapacity:
		return http.StatusTooManyRequests
	case domain.KindData:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// HandleError writes an appropriate error response based on the error type.
// Internal errors are not echoed to the client.
func HandleError(w http.ResponseWriter, err error) {
	status := DomainErrorToHTTP(err)
	resp := ErrorResponse{Error: err.Error(), Code: domain.CodeOf(err)}

	var ve *ValidationError
	if errors.As(err, &ve) {
		resp.Fields = ve.Fields
	}
	if status == http.StatusRequestEntityTooLarge {
		resp.Error = "request body too large"
		resp.Code = CodePayloadTooLarge
	}
	if status == http.StatusInternalServerError {
		resp.Error = http.StatusText(status)
	}
	JSON(w, status, resp)
}

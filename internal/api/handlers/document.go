package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cloo-solutions/docrag/internal/api"
	"github.com/cloo-solutions/docrag/internal/domain"
	"github.com/cloo-solutions/docrag/internal/ingest"
	"github.com/cloo-solutions/docrag/internal/pagination"
)

type DocumentService interface {
	Submit(ctx context.Context, req ingest.SubmitRequest) (*domain.Document, error)
	SubmitText(ctx context.Context, documentID, text string, metadata map[string]string) (*domain.Document, error)
	Get(ctx context.Context, documentID string) (*domain.Document, error)
	List(ctx context.Context, status domain.DocumentStatus, cursor string, limit int) (*pagination.PageResult[*domain.Document], error)
	Delete(ctx context.Context, documentID string) error
}

type DocumentHandler struct {
	svc DocumentService
}

func NewDocumentHandler(svc DocumentService) *DocumentHandler {
	return &DocumentHandler{svc: svc}
}

type SubmitDocumentRequest struct {
	SourceURI  string            `json:"source_uri" validate:"required,uri"`
	DocumentID string            `json:"document_id,omitempty" validate:"omitempty,max=200"`
	Metadata   map[string]string `json:"metadata,omitempty" validate:"omitempty,max=32"`
}

type SubmitTextRequest struct {
	Text       string            `json:"text" validate:"required"`
	DocumentID string            `json:"document_id,omitempty" validate:"omitempty,max=200"`
	Metadata   map[string]string `json:"metadata,omitempty" validate:"omitempty,max=32"`
}

type DocumentResponse struct {
	ID            string            `json:"id"`
	SourceURI     string            `json:"source_uri"`
	Status        string            `json:"status"`
	ContentHash   string            `json:"content_hash,omitempty"`
	Version       int64             `json:"version"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	FailureCode   string            `json:"failure_code,omitempty"`
	FailureReason string            `json:"failure_reason,omitempty"`
	AttemptCount  int               `json:"attempt_count"`
	CreatedAt     string            `json:"created_at"`
	UpdatedAt     string            `json:"updated_at"`
}

func documentToResponse(d *domain.Document) *DocumentResponse {
	return &DocumentResponse{
		ID:            d.ID,
		SourceURI:     d.SourceURI,
		Status:        string(d.Status),
		ContentHash:   d.ContentHash,
		Version:       d.Version,
		Metadata:      d.Metadata,
		FailureCode:   d.FailureCode,
		FailureReason: d.FailureReason,
		AttemptCount:  d.AttemptCount,
		CreatedAt:     d.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:     d.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// Submit accepts a document for asynchronous ingestion.
func (h *DocumentHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitDocumentRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.HandleError(w, err)
		return
	}

	doc, err := h.svc.Submit(r.Context(), ingest.SubmitRequest{
		DocumentID: req.DocumentID,
		SourceURI:  req.SourceURI,
		Metadata:   req.Metadata,
	})
	if err != nil {
		api.HandleError(w, err)
		return
	}

	api.Success(w, http.StatusAccepted, documentToResponse(doc))
}

// SubmitText stores inline text and ingests it.
func (h *DocumentHandler) SubmitText(w http.ResponseWriter, r *http.Request) {
	var req SubmitTextRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.HandleError(w, err)
		return
	}

	doc, err := h.svc.SubmitText(r.Context(), req.DocumentID, req.Text, req.Metadata)
	if err != nil {
		api.HandleError(w, err)
		return
	}

	api.Success(w, http.StatusAccepted, documentToResponse(doc))
}

func (h *DocumentHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		api.Error(w, http.StatusBadRequest, "id is required")
		return
	}

	doc, err := h.svc.Get(r.Context(), id)
	if err != nil {
		api.HandleError(w, err)
		return
	}

	api.Success(w, http.StatusOK, documentToResponse(doc))
}

func (h *DocumentHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			api.Error(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}
	status := domain.DocumentStatus(r.URL.Query().Get("status"))

	page, err := h.svc.List(r.Context(), status, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		api.HandleError(w, err)
		return
	}

	out := pagination.PageResult[*DocumentResponse]{
		Items:   make([]*DocumentResponse, len(page.Items)),
		Cursor:  page.Cursor,
		HasMore: page.HasMore,
	}
	for i, d := range page.Items {
		out.Items[i] = documentToResponse(d)
	}
	api.Success(w, http.StatusOK, out)
}

func (h *DocumentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		api.Error(w, http.StatusBadRequest, "id is required")
		return
	}

	if err := h.svc.Delete(r.Context(), id); err != nil {
		api.HandleError(w, err)
		return
	}

	api.Success(w, http.StatusAccepted, map[string]string{"id": id, "status": "deleted"})
}

package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/cloo-solutions/docrag/internal/domain"
	"github.com/cloo-solutions/docrag/internal/ingest"
	"github.com/cloo-solutions/docrag/internal/pagination"
)

type MockDocumentService struct {
	mock.Mock
}

func (m *MockDocumentService) Submit(ctx context.Context, req ingest.SubmitRequest) (*domain.Document, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Document), args.Error(1)
}

func (m *MockDocumentService) SubmitText(ctx context.Context, documentID, text string, metadata map[string]string) (*domain.Document, error) {
	args := m.Called(ctx, documentID, text, metadata)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Document), args.Error(1)
}

func (m *MockDocumentService) Get(ctx context.Context, documentID string) (*domain.Document, error) {
	args := m.Called(ctx, documentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Document), args.Error(1)
}

func (m *MockDocumentService) List(ctx context.Context, status domain.DocumentStatus, cursor string, limit int) (*pagination.PageResult[*domain.Document], error) {
	args := m.Called(ctx, status, cursor, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*pagination.PageResult[*domain.Document]), args.Error(1)
}

func (m *MockDocumentService) Delete(ctx context.Context, documentID string) error {
	return m.Called(ctx, documentID).Error(0)
}

func withURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	data, ok := resp["data"].(map[string]interface{})
	require.True(t, ok, "response has no data object: %s", w.Body.String())
	return data
}

func testDocument(id string) *domain.Document {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return domain.NewDocument(id, "file:///"+id+".txt", nil, now)
}

func TestDocumentHandler_Submit_Success(t *testing.T) {
	svc := new(MockDocumentService)
	handler := NewDocumentHandler(svc)

	svc.On("Submit", mock.Anything, ingest.SubmitRequest{
		DocumentID: "doc1",
		SourceURI:  "file:///doc1.txt",
		Metadata:   map[string]string{"lang": "en"},
	}).Return(testDocument("doc1"), nil)

	body := `{"source_uri":"file:///doc1.txt","document_id":"doc1","metadata":{"lang":"en"}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/documents", strings.NewReader(body))
	w := httptest.NewRecorder()

	handler.Submit(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
	data := decodeData(t, w)
	assert.Equal(t, "doc1", data["id"])
	assert.Equal(t, "pending", data["status"])
	svc.AssertExpectations(t)
}

func TestDocumentHandler_Submit_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing uri", `{"document_id":"doc1"}`},
		{"not a uri", `{"source_uri":"just text"}`},
		{"malformed", `{"source_uri":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockDocumentService)
			handler := NewDocumentHandler(svc)
			w := httptest.NewRecorder()

			handler.Submit(w, httptest.NewRequest(http.MethodPost, "/v1/documents", strings.NewReader(tt.body)))

			assert.Equal(t, http.StatusBadRequest, w.Code)
			svc.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
		})
	}
}

func TestDocumentHandler_Submit_BrokerUnavailable(t *testing.T) {
	svc := new(MockDocumentService)
	handler := NewDocumentHandler(svc)
	svc.On("Submit", mock.Anything, mock.Anything).
		Return(nil, domain.NewDomainError(domain.ErrCodeTransientDependency, "publish ingestion job"))

	w := httptest.NewRecorder()
	handler.Submit(w, httptest.NewRequest(http.MethodPost, "/v1/documents", strings.NewReader(`{"source_uri":"s3://b/k"}`)))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestDocumentHandler_SubmitText(t *testing.T) {
	svc := new(MockDocumentService)
	handler := NewDocumentHandler(svc)
	doc := testDocument("doc2")
	doc.SourceURI = "s3://docrag-documents/inline/doc2.txt"
	svc.On("SubmitText", mock.Anything, "doc2", "hello world", map[string]string(nil)).Return(doc, nil)

	w := httptest.NewRecorder()
	handler.SubmitText(w, httptest.NewRequest(http.MethodPost, "/v1/documents/text",
		strings.NewReader(`{"document_id":"doc2","text":"hello world"}`)))

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "s3://docrag-documents/inline/doc2.txt", decodeData(t, w)["source_uri"])
	svc.AssertExpectations(t)
}

func TestDocumentHandler_Get(t *testing.T) {
	t.Run("failed document shows reason", func(t *testing.T) {
		svc := new(MockDocumentService)
		handler := NewDocumentHandler(svc)
		doc := testDocument("doc1")
		doc.Status = domain.DocumentStatusFailed
		doc.FailureCode = domain.ErrCodeEmptyDocument
		doc.FailureReason = "document produced no chunks"
		svc.On("Get", mock.Anything, "doc1").Return(doc, nil)

		w := httptest.NewRecorder()
		handler.Get(w, withURLParam(httptest.NewRequest(http.MethodGet, "/v1/documents/doc1", nil), "id", "doc1"))

		assert.Equal(t, http.StatusOK, w.Code)
		data := decodeData(t, w)
		assert.Equal(t, "failed", data["status"])
		assert.Equal(t, domain.ErrCodeEmptyDocument, data["failure_code"])
		assert.Equal(t, "2026-01-02T03:04:05Z", data["created_at"])
	})

	t.Run("not found", func(t *testing.T) {
		svc := new(MockDocumentService)
		handler := NewDocumentHandler(svc)
		svc.On("Get", mock.Anything, "nope").Return(nil, domain.ErrDocumentNotFound)

		w := httptest.NewRecorder()
		handler.Get(w, withURLParam(httptest.NewRequest(http.MethodGet, "/v1/documents/nope", nil), "id", "nope"))

		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestDocumentHandler_List(t *testing.T) {
	svc := new(MockDocumentService)
	handler := NewDocumentHandler(svc)
	svc.On("List", mock.Anything, domain.DocumentStatusIndexed, "abc", 10).
		Return(&pagination.PageResult[*domain.Document]{
			Items:   []*domain.Document{testDocument("a"), testDocument("b")},
			Cursor:  "next",
			HasMore: true,
		}, nil)

	w := httptest.NewRecorder()
	handler.List(w, httptest.NewRequest(http.MethodGet, "/v1/documents?status=indexed&limit=10&cursor=abc", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Data pagination.PageResult[DocumentResponse] `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Data.Items, 2)
	assert.Equal(t, "next", resp.Data.Cursor)
	assert.True(t, resp.Data.HasMore)

	w = httptest.NewRecorder()
	handler.List(w, httptest.NewRequest(http.MethodGet, "/v1/documents?limit=0", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDocumentHandler_Delete(t *testing.T) {
	svc := new(MockDocumentService)
	handler := NewDocumentHandler(svc)
	svc.On("Delete", mock.Anything, "doc1").Return(nil)
	svc.On("Delete", mock.Anything, "gone").Return(domain.ErrDocumentNotFound)

	w := httptest.NewRecorder()
	handler.Delete(w, withURLParam(httptest.NewRequest(http.MethodDelete, "/v1/documents/doc1", nil), "id", "doc1"))
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = httptest.NewRecorder()
	handler.Delete(w, withURLParam(httptest.NewRequest(http.MethodDelete, "/v1/documents/gone", nil), "id", "gone"))
	assert.Equal(t, http.StatusNotFound, w.Code)
	svc.AssertExpectations(t)
}

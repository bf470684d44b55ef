package handlers

import (
	"context"
	"net/http"

	"github.com/cloo-solutions/docrag/internal/api"
	"github.com/cloo-solutions/docrag/internal/index"
	"github.com/cloo-solutions/docrag/internal/retrieval"
)

type QueryService interface {
	Query(ctx context.Context, req retrieval.Request) (*retrieval.Result, error)
}

type AnswerService interface {
	Answer(ctx context.Context, req retrieval.Request) (*retrieval.Answer, error)
}

type QueryHandler struct {
	svc      QueryService
	answerer AnswerService
}

// NewQueryHandler creates the query handler. answerer may be nil, in which
// case the answer endpoint reports 503.
func NewQueryHandler(svc QueryService, answerer AnswerService) *QueryHandler {
	return &QueryHandler{svc: svc, answerer: answerer}
}

type QueryFilters struct {
	DocumentIDs []string          `json:"document_ids,omitempty" validate:"omitempty,max=100,dive,required"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type QueryRequest struct {
	QueryText string        `json:"query_text" validate:"required,max=8192"`
	K         int           `json:"k" validate:"gte=0"`
	Filters   *QueryFilters `json:"filters,omitempty"`
}

func (q *QueryRequest) toRetrieval() retrieval.Request {
	req := retrieval.Request{Text: q.QueryText, K: q.K}
	if q.Filters != nil {
		req.Filter = index.Filter{DocumentIDs: q.Filters.DocumentIDs, Metadata: q.Filters.Metadata}
	}
	return req
}

type AnswerResponse struct {
	Answer     string            `json:"answer"`
	Results    []retrieval.Block `json:"results"`
	Provenance []string          `json:"provenance"`
	Cached     bool              `json:"cached"`
}

// Query returns the ranked context blocks for a query.
func (h *QueryHandler) Query(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.HandleError(w, err)
		return
	}

	res, err := h.svc.Query(r.Context(), req.toRetrieval())
	if err != nil {
		api.HandleError(w, err)
		return
	}

	api.Success(w, http.StatusOK, res)
}

// Answer retrieves context and asks the language model.
func (h *QueryHandler) Answer(w http.ResponseWriter, r *http.Request) {
	if h.answerer == nil {
		api.Error(w, http.StatusServiceUnavailable, "answer generation is not configured")
		return
	}

	var req QueryRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.HandleError(w, err)
		return
	}

	ans, err := h.answerer.Answer(r.Context(), req.toRetrieval())
	if err != nil {
		api.HandleError(w, err)
		return
	}

	resp := AnswerResponse{Answer: ans.Text, Results: []retrieval.Block{}, Provenance: []string{}}
	if ans.Result != nil {
		resp.Results = ans.Result.Blocks
		resp.Provenance = ans.Result.Provenance
		resp.Cached = ans.Result.Cached
	}
	api.Success(w, http.StatusOK, resp)
}

package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPIClient_DecodesData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/query", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req queryRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "foo", req.QueryText)
		assert.Equal(t, 2, req.K)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"results":[{"document_id":"doc1","chunk_ids":["a","b"]}],"provenance":["doc1"],"cached":true}}`))
	}))
	defer srv.Close()

	api := NewAPIClientWithConfig(srv.URL+"/", time.Second)
	var resp QueryResponse
	require.NoError(t, api.Decode(context.Background(), http.MethodPost, "/v1/query", queryRequest{QueryText: "foo", K: 2}, &resp))

	require.Len(t, resp.Results, 1)
	assert.Equal(t, []string{"a", "b"}, resp.Results[0].ChunkIDs)
	assert.True(t, resp.Cached)
}

func TestAPIClient_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/validation":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"validation failed","code":"VALIDATION_ERROR","fields":{"query_text":"is required"}}`))
		default:
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("upstream down"))
		}
	}))
	defer srv.Close()

	api := NewAPIClientWithConfig(srv.URL, time.Second)

	_, err := api.Get(context.Background(), "/validation")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", apiErr.Code)
	assert.Contains(t, apiErr.Message, "query_text: is required")

	_, err = api.Get(context.Background(), "/other")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "upstream down", apiErr.Message)
}

func TestNewAPIClientWithCmd_Cascade(t *testing.T) {
	withConfigPath(t)
	t.Setenv(envAPIURL, "")

	api, err := NewAPIClientWithCmd(nil)
	require.NoError(t, err)
	assert.Equal(t, defaultAPIURL, api.baseURL)

	require.NoError(t, SaveGlobalConfig(&GlobalConfig{APIURL: "http://config:1"}))
	api, err = NewAPIClientWithCmd(nil)
	require.NoError(t, err)
	assert.Equal(t, "http://config:1", api.baseURL)

	t.Setenv(envAPIURL, "http://env:2")
	api, err = NewAPIClientWithCmd(nil)
	require.NoError(t, err)
	assert.Equal(t, "http://env:2", api.baseURL)

	cmd := &cobra.Command{}
	cmd.Flags().String("api-url", "", "")
	require.NoError(t, cmd.Flags().Set("api-url", "http://flag:3"))
	api, err = NewAPIClientWithCmd(cmd)
	require.NoError(t, err)
	assert.Equal(t, "http://flag:3", api.baseURL)
}

func TestWaitForDocument(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/documents/doc1", r.URL.Path)
		status := "processing"
		if polls.Add(1) >= 3 {
			status = "indexed"
		}
		_, _ = w.Write([]byte(`{"data":{"id":"doc1","status":"` + status + `"}}`))
	}))
	defer srv.Close()

	doc, err := waitForDocument(context.Background(), NewAPIClientWithConfig(srv.URL, time.Second), "doc1", time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "indexed", doc.Status)
	assert.Equal(t, int32(3), polls.Load())
}

func TestWaitForDocument_HonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"id":"doc1","status":"pending"}}`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := waitForDocument(ctx, NewAPIClientWithConfig(srv.URL, time.Second), "doc1", 5*time.Millisecond)
	assert.Error(t, err)
}

func TestReadInput(t *testing.T) {
	text, err := readInput(strings.NewReader("from stdin"), nil)
	require.NoError(t, err)
	assert.Equal(t, "from stdin", text)

	text, err = readInput(strings.NewReader("dash"), []string{"-"})
	require.NoError(t, err)
	assert.Equal(t, "dash", text)

	_, err = readInput(nil, []string{"/does/not/exist"})
	assert.Error(t, err)
}

func TestQueryFlags_Request(t *testing.T) {
	f := queryFlags{k: 3}
	req := f.request([]string{"what", "is", "foo"})
	assert.Equal(t, "what is foo", req.QueryText)
	assert.Nil(t, req.Filters)

	f.metadata = map[string]string{"lang": "en"}
	req = f.request([]string{"foo"})
	require.NotNil(t, req.Filters)
	assert.Equal(t, "en", req.Filters.Metadata["lang"])
}

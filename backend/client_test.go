package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragchat/models"
)

var creds = models.Credentials{Deployment: "Local", URL: "http://weaviate:8080", Key: "k"}

func TestQuerySendsScopeAndCredentials(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/query", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(models.QueryResponse{
			Documents: []models.RetrievedDocument{{UUID: "d1", Score: 0.9, Chunks: []models.ChunkScore{{UUID: "c1", Score: 0.9}}}},
			Context:   "ctx",
		})
	}))
	defer srv.Close()

	c := New(srv.URL+"/", creds)
	resp, err := c.Query(context.Background(), models.QueryRequest{
		Query:  "What is X?",
		Labels: []string{"Document"},
	})
	require.NoError(t, err)
	require.Len(t, resp.Documents, 1)
	assert.Equal(t, "ctx", resp.Context)

	assert.Equal(t, "What is X?", got["query"])
	assert.Equal(t, []any{"Document"}, got["labels"])
	assert.Equal(t, []any{}, got["documentFilter"])
	assert.Equal(t, "k", got["credentials"].(map[string]any)["key"])
}

func TestQueryErrorIndicatorIsReturned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":"Weaviate is not reachable","documents":[],"context":""}`))
	}))
	defer srv.Close()

	resp, err := New(srv.URL, creds).Query(context.Background(), models.QueryRequest{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, "Weaviate is not reachable", resp.Error)
}

func TestNon200IsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := New(srv.URL, creds).Query(context.Background(), models.QueryRequest{Query: "q"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
	assert.Contains(t, err.Error(), "boom")
}

func TestAuxiliaryCalls(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/get_labels", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"labels":["Document","Code"]}`))
	})
	mux.HandleFunc("/api/get_datacount", func(w http.ResponseWriter, r *http.Request) {
		var req models.DataCountRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "nomic-embed-text", req.EmbeddingModel)
		_, _ = w.Write([]byte(`{"datacount":42}`))
	})
	mux.HandleFunc("/api/get_rag_config", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"rag_config":{"Embedder":{"selected":"Ollama","components":{"Ollama":{"config":{"Model":{"value":"nomic-embed-text"}}}}}},"error":""}`))
	})
	mux.HandleFunc("/api/set_rag_config", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":400,"status_msg":"invalid"}`))
	})
	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL, creds)
	ctx := context.Background()

	labels, err := c.Labels(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Document", "Code"}, labels)

	cfg, err := c.RAGConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, "nomic-embed-text", cfg.EmbeddingModel())

	count, err := c.DataCount(ctx, cfg.EmbeddingModel(), nil)
	require.NoError(t, err)
	assert.Equal(t, 42, count)

	err = c.SetRAGConfig(ctx, cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid")

	require.NoError(t, c.Health(ctx))
}

package handlers

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"ragchat/models"
)

// DefaultRAGConfig is what the stand-in backend reports before any update.
func DefaultRAGConfig() models.RAGConfig {
	return models.RAGConfig{
		"Embedder": {
			Selected: "TokenOverlap",
			Components: map[string]models.RAGComponentConfig{
				"TokenOverlap": {
					Name:   "TokenOverlap",
					Config: map[string]models.ConfigSetting{"Model": {Type: "dropdown", Value: "token-overlap"}},
				},
			},
		},
		"Generator": {
			Selected: "Echo",
			Components: map[string]models.RAGComponentConfig{
				"Echo": {Name: "Echo"},
			},
		},
	}
}

// API serves the request/response endpoints of the stand-in backend.
type API struct {
	corpus *Corpus
	logger zerolog.Logger

	mu        sync.RWMutex
	ragConfig models.RAGConfig
}

func NewAPI(corpus *Corpus) *API {
	return &API{
		corpus:    corpus,
		ragConfig: DefaultRAGConfig(),
		logger:    log.Logger.With().Str("component", "api").Logger(),
	}
}

func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/health", a.handleHealth)
	mux.HandleFunc("/api/query", a.handleQuery)
	mux.HandleFunc("/api/get_datacount", a.handleDataCount)
	mux.HandleFunc("/api/get_labels", a.handleLabels)
	mux.HandleFunc("/api/get_rag_config", a.handleGetRAGConfig)
	mux.HandleFunc("/api/set_rag_config", a.handleSetRAGConfig)
}

func (a *API) RAGConfig() models.RAGConfig {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.ragConfig
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, map[string]string{"message": "Alive!"})
}

func (a *API) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req models.QueryRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Query == "" {
		writeJSON(w, models.QueryResponse{Error: "Query is empty", Documents: []models.RetrievedDocument{}})
		return
	}
	docs, context := a.corpus.Retrieve(req.Query, req.Labels, req.DocumentFilter)
	a.logger.Debug().
		Str("query", req.Query).
		Strs("labels", req.Labels).
		Int("documents", len(docs)).
		Msg("query served")
	writeJSON(w, models.QueryResponse{Documents: docs, Context: context})
}

func (a *API) handleDataCount(w http.ResponseWriter, r *http.Request) {
	var req models.DataCountRequest
	if !decode(w, r, &req) {
		return
	}
	count := 0
	if req.EmbeddingModel == a.RAGConfig().EmbeddingModel() {
		count = a.corpus.Count(req.DocumentFilter)
	}
	writeJSON(w, models.DataCountResponse{DataCount: count})
}

func (a *API) handleLabels(w http.ResponseWriter, r *http.Request) {
	var req models.CredentialsRequest
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, models.LabelsResponse{Labels: a.corpus.Labels()})
}

func (a *API) handleGetRAGConfig(w http.ResponseWriter, r *http.Request) {
	var req models.CredentialsRequest
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, models.RAGConfigResponse{RAGConfig: a.RAGConfig()})
}

func (a *API) handleSetRAGConfig(w http.ResponseWriter, r *http.Request) {
	var req models.SetRAGConfigRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.RAGConfig) == 0 {
		writeJSON(w, models.StatusResponse{Status: http.StatusBadRequest, StatusMsg: "rag_config is empty"})
		return
	}
	a.mu.Lock()
	a.ragConfig = req.RAGConfig
	a.mu.Unlock()
	a.logger.Info().Str("embedder", req.RAGConfig.EmbeddingModel()).Msg("rag config updated")
	writeJSON(w, models.StatusResponse{Status: http.StatusOK, StatusMsg: "Config Updated"})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

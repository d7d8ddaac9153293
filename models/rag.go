package models

import (
	"sort"

	"github.com/pkg/errors"
)

type Credentials struct {
	Deployment string `json:"deployment" yaml:"deployment"`
	URL        string `json:"url" yaml:"url"`
	Key        string `json:"key" yaml:"key"`
}

type ConfigSetting struct {
	Type        string   `json:"type"`
	Value       any      `json:"value"`
	Description string   `json:"description"`
	Values      []string `json:"values"`
}

type RAGComponentConfig struct {
	Name        string                   `json:"name"`
	Type        string                   `json:"type"`
	Variables   []string                 `json:"variables"`
	Library     []string                 `json:"library"`
	Description string                   `json:"description"`
	Available   bool                     `json:"available"`
	Config      map[string]ConfigSetting `json:"config"`
}

type RAGComponentClass struct {
	Selected   string                        `json:"selected"`
	Components map[string]RAGComponentConfig `json:"components"`
}

// RAGConfig is the retrieval/generation pipeline configuration, keyed by
// component class ("Reader", "Chunker", "Embedder", "Retriever", "Generator").
type RAGConfig map[string]RAGComponentClass

const NoEmbeddingModel = "No Config found"

// EmbeddingModel returns the model configured on the selected embedder.
func (c RAGConfig) EmbeddingModel() string {
	class, ok := c["Embedder"]
	if !ok {
		return NoEmbeddingModel
	}
	component, ok := class.Components[class.Selected]
	if !ok {
		return NoEmbeddingModel
	}
	setting, ok := component.Config["Model"]
	if !ok {
		return NoEmbeddingModel
	}
	model, ok := setting.Value.(string)
	if !ok || model == "" {
		return NoEmbeddingModel
	}
	return model
}

// Selected returns the selected component of a class, or "" when the class
// is missing.
func (c RAGConfig) Selected(class string) string {
	return c[class].Selected
}

// Classes returns the component class names in sorted order.
func (c RAGConfig) Classes() []string {
	classes := make([]string, 0, len(c))
	for name := range c {
		classes = append(classes, name)
	}
	sort.Strings(classes)
	return classes
}

// Select returns a copy of the config with component selected for class.
// The receiver is left untouched.
func (c RAGConfig) Select(class, component string) (RAGConfig, error) {
	cls, ok := c[class]
	if !ok {
		return nil, errors.Errorf("unknown component class %q", class)
	}
	if _, ok := cls.Components[component]; !ok {
		return nil, errors.Errorf("%s has no component %q", class, component)
	}
	out := make(RAGConfig, len(c))
	for name, v := range c {
		out[name] = v
	}
	cls.Selected = component
	out[class] = cls
	return out, nil
}

type QueryRequest struct {
	Query          string           `json:"query"`
	RAG            RAGConfig        `json:"RAG"`
	Labels         []string         `json:"labels"`
	DocumentFilter []DocumentFilter `json:"documentFilter"`
	Credentials    Credentials      `json:"credentials"`
}

type QueryResponse struct {
	Error     string              `json:"error"`
	Documents []RetrievedDocument `json:"documents"`
	Context   string              `json:"context"`
}

type DataCountRequest struct {
	EmbeddingModel string           `json:"embedding_model"`
	DocumentFilter []DocumentFilter `json:"documentFilter"`
	Credentials    Credentials      `json:"credentials"`
}

type DataCountResponse struct {
	DataCount int `json:"datacount"`
}

type CredentialsRequest struct {
	Credentials Credentials `json:"credentials"`
}

type LabelsResponse struct {
	Labels []string `json:"labels"`
}

type RAGConfigResponse struct {
	RAGConfig RAGConfig `json:"rag_config"`
	Error     string    `json:"error"`
}

type SetRAGConfigRequest struct {
	RAGConfig   RAGConfig   `json:"rag_config"`
	Credentials Credentials `json:"credentials"`
}

type StatusResponse struct {
	Status    int    `json:"status"`
	StatusMsg string `json:"status_msg"`
}

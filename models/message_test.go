package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageJSONContentShape(t *testing.T) {
	data, err := json.Marshal(UserMessage("hi"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"user","content":"hi"}`, string(data))

	data, err = json.Marshal(RetrievalMessage([]RetrievedDocument{{UUID: "d1", Score: 0.5}}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"retrieval","content":[{"uuid":"d1","title":"","score":0.5,"chunks":null}]}`, string(data))
}

func TestMessageJSONCachedOnlyOnSystem(t *testing.T) {
	data, err := json.Marshal(CachedSystemMessage("ab", 0.12))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"system","content":"ab","cached":true,"distance":0.12}`, string(data))

	data, err = json.Marshal(Message{Kind: KindError, Text: "x", Cached: true, Distance: 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","content":"x"}`, string(data))
}

func TestMessageUnmarshal(t *testing.T) {
	var m Message
	require.NoError(t, json.Unmarshal([]byte(`{"type":"system","content":"ab","cached":true,"distance":"0.25"}`), &m))
	assert.Equal(t, CachedSystemMessage("ab", 0.25), m)

	require.NoError(t, json.Unmarshal([]byte(`{"type":"retrieval","content":[{"uuid":"d1","score":1}]}`), &m))
	require.Len(t, m.Documents, 1)
	assert.Equal(t, "d1", m.Documents[0].UUID)
}

func TestStreamFrameDistanceAcceptsStringAndNumber(t *testing.T) {
	var f StreamFrame
	require.NoError(t, json.Unmarshal([]byte(`{"message":"","finish_reason":"stop","full_text":"x","cached":true,"distance":"0.5"}`), &f))
	require.NotNil(t, f.Distance)
	assert.Equal(t, 0.5, float64(*f.Distance))
	assert.True(t, f.Terminal())

	f = StreamFrame{}
	require.NoError(t, json.Unmarshal([]byte(`{"message":"a","finish_reason":null,"distance":0.75}`), &f))
	assert.Equal(t, 0.75, float64(*f.Distance))
	assert.False(t, f.Terminal())

	assert.Error(t, json.Unmarshal([]byte(`{"distance":"far"}`), &f))
}

func TestStreamFrameFragmentEncodesNullFinishReason(t *testing.T) {
	out, err := json.Marshal(StreamFrame{Message: "a"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"message":"a","finish_reason":null}`, string(out))

	stop := FinishReasonStop
	out, err = json.Marshal(StreamFrame{FinishReason: &stop})
	require.NoError(t, err)
	assert.Contains(t, string(out), `"finish_reason":"stop"`)
}

func TestEmbeddingModel(t *testing.T) {
	assert.Equal(t, NoEmbeddingModel, RAGConfig(nil).EmbeddingModel())

	cfg := RAGConfig{
		"Embedder": {
			Selected: "Ollama",
			Components: map[string]RAGComponentConfig{
				"Ollama": {Config: map[string]ConfigSetting{"Model": {Value: "nomic-embed-text"}}},
			},
		},
	}
	assert.Equal(t, "nomic-embed-text", cfg.EmbeddingModel())
}

func TestRAGConfigSelect(t *testing.T) {
	cfg := RAGConfig{
		"Generator": {
			Selected:   "Echo",
			Components: map[string]RAGComponentConfig{"Echo": {}, "Ollama": {}},
		},
		"Embedder": {Selected: "Ollama"},
	}

	updated, err := cfg.Select("Generator", "Ollama")
	require.NoError(t, err)
	assert.Equal(t, "Ollama", updated.Selected("Generator"))
	assert.Equal(t, "Echo", cfg.Selected("Generator"))
	assert.Equal(t, []string{"Embedder", "Generator"}, updated.Classes())

	_, err = cfg.Select("Generator", "Missing")
	assert.Error(t, err)
	_, err = cfg.Select("Chunker", "Token")
	assert.Error(t, err)
	assert.Equal(t, "", cfg.Selected("Chunker"))
}

package orchestrator

import (
	"ragchat/connection"
	"ragchat/models"
)

type Status int

const (
	StatusIdle Status = iota
	StatusAwaitingRetrieval
	StatusAwaitingGeneration
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "IDLE"
	case StatusAwaitingRetrieval:
		return "AWAITING_RETRIEVAL"
	case StatusAwaitingGeneration:
		return "AWAITING_GENERATION"
	default:
		return "UNKNOWN"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Selection is the top-ranked document of the latest retrieval, kept for
// renderers that highlight it.
type Selection struct {
	DocumentID  string              `json:"document_id"`
	ChunkScores []models.ChunkScore `json:"chunk_scores"`
	Key         string              `json:"key"`
}

// Snapshot is a read-only view of a session. Slices are shared between
// readers and must not be modified.
type Snapshot struct {
	SessionID  string                  `json:"session_id"`
	Status     Status                  `json:"status"`
	Connection connection.State        `json:"connection"`
	Messages   []models.Message        `json:"messages"`
	Preview    string                  `json:"preview"`
	Labels     []string                `json:"labels"`
	Documents  []models.DocumentFilter `json:"documents"`
	Selection  *Selection              `json:"selection,omitempty"`
	RAGConfig  models.RAGConfig        `json:"rag_config,omitempty"`
}

type Observer func(Snapshot)

package models

import "time"

type ActionType string

const (
	ActionSubmit         ActionType = "submit"
	ActionCancel         ActionType = "cancel"
	ActionReset          ActionType = "reset"
	ActionAddLabel       ActionType = "add_label"
	ActionRemoveLabel    ActionType = "remove_label"
	ActionAddDocument    ActionType = "add_document"
	ActionRemoveDocument ActionType = "remove_document"
	ActionClearFilters   ActionType = "clear_filters"
	ActionReconnect      ActionType = "reconnect"
	ActionSetRAGConfig   ActionType = "set_rag_config"
)

// Action is a user action coming from any input source (terminal, Redis stream).
type Action struct {
	ActionID  string          `json:"action_id"`
	SessionID string          `json:"session_id"`
	Type      ActionType      `json:"type"`
	Text      string          `json:"text,omitempty"`
	Document  *DocumentFilter `json:"document,omitempty"`
	RAGConfig RAGConfig       `json:"rag_config,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

type ConversationTurn struct {
	Type    MessageKind `json:"type"`
	Content string      `json:"content"`
}

// StreamRequest is the single frame sent on the stream connection per turn.
type StreamRequest struct {
	Query        string             `json:"query"`
	Context      string             `json:"context"`
	Conversation []ConversationTurn `json:"conversation"`
	RAGConfig    RAGConfig          `json:"rag_config"`
}

const FinishReasonStop = "stop"

type StreamFrame struct {
	Message      string    `json:"message"`
	FinishReason *string   `json:"finish_reason"`
	FullText     *string   `json:"full_text,omitempty"`
	Cached       bool      `json:"cached,omitempty"`
	Distance     *Distance `json:"distance,omitempty"`
}

func (f StreamFrame) Terminal() bool {
	return f.FinishReason != nil && *f.FinishReason == FinishReasonStop
}

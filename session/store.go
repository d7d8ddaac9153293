package session

import (
	"strings"

	"ragchat/models"
)

// Store holds the message history and the retrieval scope of one chat
// session. It is not safe for concurrent use; the orchestrator loop owns it.
type Store struct {
	messages  []models.Message
	labels    []string
	documents []models.DocumentFilter
}

// NewStore returns a store seeded with the greeting message.
func NewStore(seed models.Message) *Store {
	return &Store{messages: []models.Message{seed}}
}

func (s *Store) AppendMessage(m models.Message) {
	s.messages = append(s.messages, m)
}

// ResetConversation drops the history and reinitializes it with seed.
func (s *Store) ResetConversation(seed models.Message) {
	s.messages = []models.Message{seed}
}

func (s *Store) Messages() []models.Message {
	out := make([]models.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *Store) Len() int {
	return len(s.messages)
}

// Conversation returns the user and system turns in messages[1:to]; index 0
// is the greeting. A positive window keeps only the last window turns.
func (s *Store) Conversation(to, window int) []models.ConversationTurn {
	if to > len(s.messages) {
		to = len(s.messages)
	}
	turns := []models.ConversationTurn{}
	for i := 1; i < to; i++ {
		m := s.messages[i]
		if m.Kind != models.KindUser && m.Kind != models.KindSystem {
			continue
		}
		turns = append(turns, models.ConversationTurn{Type: m.Kind, Content: m.Text})
	}
	if window > 0 && len(turns) > window {
		turns = turns[len(turns)-window:]
	}
	return turns
}

func (s *Store) AddLabelFilter(label string) {
	label = strings.TrimSpace(label)
	if label == "" {
		return
	}
	for _, l := range s.labels {
		if l == label {
			return
		}
	}
	s.labels = append(s.labels, label)
}

func (s *Store) RemoveLabelFilter(label string) {
	label = strings.TrimSpace(label)
	kept := s.labels[:0]
	for _, l := range s.labels {
		if l != label {
			kept = append(kept, l)
		}
	}
	s.labels = kept
}

func (s *Store) AddDocumentFilter(doc models.DocumentFilter) {
	if doc.UUID == "" {
		return
	}
	for _, d := range s.documents {
		if d.UUID == doc.UUID {
			return
		}
	}
	s.documents = append(s.documents, doc)
}

func (s *Store) RemoveDocumentFilter(uuid string) {
	kept := s.documents[:0]
	for _, d := range s.documents {
		if d.UUID != uuid {
			kept = append(kept, d)
		}
	}
	s.documents = kept
}

func (s *Store) ClearFilters() {
	s.labels = nil
	s.documents = nil
}

func (s *Store) Labels() []string {
	out := make([]string, len(s.labels))
	copy(out, s.labels)
	return out
}

func (s *Store) Documents() []models.DocumentFilter {
	out := make([]models.DocumentFilter, len(s.documents))
	copy(out, s.documents)
	return out
}

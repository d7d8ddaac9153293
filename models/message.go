package models

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

type MessageKind string

const (
	KindUser      MessageKind = "user"
	KindSystem    MessageKind = "system"
	KindError     MessageKind = "error"
	KindRetrieval MessageKind = "retrieval"
)

// Message is one turn of the conversation. Text is set for user, system and
// error messages, Documents for retrieval messages. Distance is only
// meaningful when Cached is true.
type Message struct {
	Kind      MessageKind
	Text      string
	Documents []RetrievedDocument
	Cached    bool
	Distance  float64
}

func UserMessage(text string) Message {
	return Message{Kind: KindUser, Text: text}
}

func SystemMessage(text string) Message {
	return Message{Kind: KindSystem, Text: text}
}

func CachedSystemMessage(text string, distance float64) Message {
	return Message{Kind: KindSystem, Text: text, Cached: true, Distance: distance}
}

func ErrorMessage(text string) Message {
	return Message{Kind: KindError, Text: text}
}

func RetrievalMessage(docs []RetrievedDocument) Message {
	cp := make([]RetrievedDocument, len(docs))
	copy(cp, docs)
	return Message{Kind: KindRetrieval, Documents: cp}
}

type messageJSON struct {
	Type     MessageKind `json:"type"`
	Content  any         `json:"content"`
	Cached   bool        `json:"cached,omitempty"`
	Distance *float64    `json:"distance,omitempty"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	out := messageJSON{Type: m.Kind, Content: m.Text}
	if m.Kind == KindRetrieval {
		docs := m.Documents
		if docs == nil {
			docs = []RetrievedDocument{}
		}
		out.Content = docs
	}
	if m.Kind == KindSystem && m.Cached {
		d := m.Distance
		out.Cached = true
		out.Distance = &d
	}
	return json.Marshal(out)
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type     MessageKind     `json:"type"`
		Content  json.RawMessage `json:"content"`
		Cached   bool            `json:"cached"`
		Distance *Distance       `json:"distance"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = Message{Kind: raw.Type, Cached: raw.Cached}
	if raw.Distance != nil {
		m.Distance = float64(*raw.Distance)
	}
	if len(raw.Content) == 0 {
		return nil
	}
	if raw.Type == KindRetrieval {
		return errors.Wrap(json.Unmarshal(raw.Content, &m.Documents), "decode retrieval content")
	}
	return errors.Wrap(json.Unmarshal(raw.Content, &m.Text), "decode message content")
}

type ChunkScore struct {
	UUID     string  `json:"uuid"`
	Score    float64 `json:"score"`
	ChunkID  int     `json:"chunk_id"`
	Embedder string  `json:"embedder"`
}

type RetrievedDocument struct {
	UUID   string       `json:"uuid"`
	Title  string       `json:"title"`
	Score  float64      `json:"score"`
	Chunks []ChunkScore `json:"chunks"`
}

type DocumentFilter struct {
	UUID  string `json:"uuid"`
	Title string `json:"title"`
}

// Distance accepts both JSON numbers and numeric strings; some backends
// serialize the cache distance as text.
type Distance float64

func (d *Distance) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		return nil
	}
	s = strings.Trim(s, `"`)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return errors.Wrapf(err, "invalid distance %q", s)
	}
	*d = Distance(v)
	return nil
}

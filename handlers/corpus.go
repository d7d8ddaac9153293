package handlers

import (
	"os"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"ragchat/models"
)

// Document is one entry of the stand-in corpus. Chunks are plain text.
type Document struct {
	UUID   string   `yaml:"uuid" json:"uuid"`
	Title  string   `yaml:"title" json:"title"`
	Labels []string `yaml:"labels" json:"labels"`
	Chunks []string `yaml:"chunks" json:"chunks"`
}

type Corpus struct {
	Documents []Document `yaml:"documents" json:"documents"`
}

// LoadCorpus reads a YAML (or JSON) corpus file.
func LoadCorpus(path string) (*Corpus, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read corpus")
	}
	var c Corpus
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, errors.Wrapf(err, "failed to parse corpus %s", path)
	}
	for i, d := range c.Documents {
		if d.UUID == "" {
			return nil, errors.Errorf("corpus document %d has no uuid", i)
		}
	}
	return &c, nil
}

func DefaultCorpus() *Corpus {
	return &Corpus{Documents: []Document{
		{
			UUID:   "5b1f3c2e-0001-4a8e-9c1d-2f6e8b7a9d01",
			Title:  "Getting Started",
			Labels: []string{"Document"},
			Chunks: []string{
				"Upload documents through the import view to add them to the knowledge base.",
				"Each document is split into chunks and every chunk is embedded for retrieval.",
			},
		},
		{
			UUID:   "5b1f3c2e-0002-4a8e-9c1d-2f6e8b7a9d02",
			Title:  "Retrieval Pipeline",
			Labels: []string{"Document", "Architecture"},
			Chunks: []string{
				"A query is embedded and compared against stored chunks to find the closest matches.",
				"Retrieved chunks are ranked by score and passed as context to the generator.",
				"Labels and document filters narrow which chunks retrieval may return.",
			},
		},
		{
			UUID:   "5b1f3c2e-0003-4a8e-9c1d-2f6e8b7a9d03",
			Title:  "Streaming Answers",
			Labels: []string{"Architecture"},
			Chunks: []string{
				"Answers are generated token by token and streamed over a websocket connection.",
				"Repeated questions can be answered from a semantic cache instead of the generator.",
			},
		},
	}}
}

// Labels returns the distinct labels in sorted order.
func (c *Corpus) Labels() []string {
	seen := map[string]struct{}{}
	for _, d := range c.Documents {
		for _, l := range d.Labels {
			seen[l] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for l := range seen {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// Count returns how many documents pass the document filter.
func (c *Corpus) Count(filter []models.DocumentFilter) int {
	n := 0
	for _, d := range c.Documents {
		if allowedDocument(d, filter) {
			n++
		}
	}
	return n
}

// Retrieve ranks documents by token overlap between the query and their
// chunks. Documents with no matching chunk are left out.
func (c *Corpus) Retrieve(query string, labels []string, filter []models.DocumentFilter) ([]models.RetrievedDocument, string) {
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil, ""
	}

	type hit struct {
		doc     models.RetrievedDocument
		context []string
	}
	var hits []hit
	for _, d := range c.Documents {
		if !allowedDocument(d, filter) || !hasLabels(d, labels) {
			continue
		}
		var h hit
		for i, text := range d.Chunks {
			score := overlap(terms, tokenize(text))
			if score == 0 {
				continue
			}
			h.doc.Chunks = append(h.doc.Chunks, models.ChunkScore{
				UUID:     d.UUID + "-" + strconv.Itoa(i),
				Score:    score,
				ChunkID:  i,
				Embedder: "token-overlap",
			})
			h.context = append(h.context, text)
			if score > h.doc.Score {
				h.doc.Score = score
			}
		}
		if len(h.doc.Chunks) == 0 {
			continue
		}
		sort.SliceStable(h.doc.Chunks, func(i, j int) bool { return h.doc.Chunks[i].Score > h.doc.Chunks[j].Score })
		h.doc.UUID = d.UUID
		h.doc.Title = d.Title
		hits = append(hits, h)
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].doc.Score > hits[j].doc.Score })
	docs := make([]models.RetrievedDocument, 0, len(hits))
	var sb strings.Builder
	for _, h := range hits {
		docs = append(docs, h.doc)
		sb.WriteString("Document Title: " + h.doc.Title + "\n")
		for _, text := range h.context {
			sb.WriteString(text + "\n")
		}
		sb.WriteString("\n")
	}
	return docs, strings.TrimSpace(sb.String())
}

func allowedDocument(d Document, filter []models.DocumentFilter) bool {
	if len(filter) == 0 {
		return true
	}
	for _, f := range filter {
		if f.UUID == d.UUID {
			return true
		}
	}
	return false
}

func hasLabels(d Document, labels []string) bool {
	for _, want := range labels {
		found := false
		for _, l := range d.Labels {
			if l == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "is": {}, "are": {}, "of": {}, "to": {}, "and": {},
	"or": {}, "in": {}, "on": {}, "what": {}, "how": {}, "do": {}, "does": {}, "i": {},
	"by": {}, "for": {}, "it": {}, "be": {}, "can": {}, "which": {}, "may": {},
}

func tokenize(s string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if _, stop := stopwords[w]; stop {
			continue
		}
		out[w] = struct{}{}
	}
	return out
}

// overlap is the share of query terms present in the chunk.
func overlap(query, chunk map[string]struct{}) float64 {
	if len(query) == 0 {
		return 0
	}
	n := 0
	for t := range query {
		if _, ok := chunk[t]; ok {
			n++
		}
	}
	return float64(n) / float64(len(query))
}

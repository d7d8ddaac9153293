package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"ragchat/connection"
	"ragchat/models"
)

const noContextAnswer = "I could not find anything in your documents about that."

// StreamHandler serves the generation stream. Each request frame is answered
// word by word, followed by a terminal frame carrying the full text.
// Questions seen before are answered from a cache in a single frame.
type StreamHandler struct {
	allowedOrigins map[string]bool
	upgrader       websocket.Upgrader
	tokenDelay     time.Duration
	logger         zerolog.Logger

	mu    sync.Mutex
	cache map[string]string
}

type StreamOption func(*StreamHandler)

// WithTokenDelay sets the pause between streamed words.
func WithTokenDelay(d time.Duration) StreamOption {
	return func(h *StreamHandler) { h.tokenDelay = d }
}

func NewStreamHandler(allowedOrigins []string, opts ...StreamOption) *StreamHandler {
	origins := make(map[string]bool)
	for _, o := range allowedOrigins {
		origins[o] = true
	}
	h := &StreamHandler{
		allowedOrigins: origins,
		tokenDelay:     30 * time.Millisecond,
		logger:         log.Logger.With().Str("component", "stream").Logger(),
		cache:          make(map[string]string),
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: h.checkOrigin}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *StreamHandler) checkOrigin(r *http.Request) bool {
	if len(h.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser clients
	}
	return h.allowedOrigins[origin]
}

func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()
	h.logger.Info().Str("remote", r.RemoteAddr).Msg("stream client connected")

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn().Err(err).Msg("websocket closed unexpectedly")
			}
			return
		}

		var req models.StreamRequest
		if err := json.Unmarshal(message, &req); err != nil {
			h.logger.Warn().Err(err).Msg("invalid stream request")
			if err := h.finish(conn, "Invalid request. Send JSON with a 'query' field.", false); err != nil {
				return
			}
			continue
		}

		if err := h.answer(conn, req); err != nil {
			h.logger.Warn().Err(err).Msg("failed to write to websocket")
			return
		}
	}
}

func (h *StreamHandler) answer(conn *websocket.Conn, req models.StreamRequest) error {
	key := cacheKey(req.Query)
	h.mu.Lock()
	cached, hit := h.cache[key]
	h.mu.Unlock()
	if hit {
		h.logger.Debug().Str("query", req.Query).Msg("answer served from cache")
		return h.finish(conn, cached, true)
	}

	text := composeAnswer(req)
	words := strings.SplitAfter(text, " ")
	for _, word := range words {
		if err := conn.WriteJSON(models.StreamFrame{Message: word}); err != nil {
			return err
		}
		if h.tokenDelay > 0 {
			time.Sleep(h.tokenDelay)
		}
	}

	h.mu.Lock()
	h.cache[key] = text
	h.mu.Unlock()
	h.logger.Debug().Str("query", req.Query).Int("frames", len(words)).Int("history", len(req.Conversation)).Msg("answer streamed")
	return h.finish(conn, text, false)
}

func (h *StreamHandler) finish(conn *websocket.Conn, text string, cached bool) error {
	stop := models.FinishReasonStop
	frame := models.StreamFrame{
		FinishReason: &stop,
		FullText:     &text,
		Cached:       cached,
	}
	if cached {
		d := models.Distance(0)
		frame.Distance = &d
	}
	return conn.WriteJSON(frame)
}

func cacheKey(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

// composeAnswer quotes the best matching passage of the retrieval context.
func composeAnswer(req models.StreamRequest) string {
	title, passage := "", ""
	for _, line := range strings.Split(req.Context, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if t, ok := strings.CutPrefix(line, "Document Title: "); ok {
			if title == "" {
				title = t
			}
			continue
		}
		passage = line
		break
	}
	if passage == "" {
		return noContextAnswer
	}
	if title == "" {
		return passage
	}
	return "According to " + title + ": " + passage
}

// NewMux wires the API and the stream endpoint on one mux.
func NewMux(corpus *Corpus, allowedOrigins []string, opts ...StreamOption) *http.ServeMux {
	mux := http.NewServeMux()
	NewAPI(corpus).Register(mux)
	mux.Handle(connection.StreamPath, NewStreamHandler(allowedOrigins, opts...))
	return mux
}

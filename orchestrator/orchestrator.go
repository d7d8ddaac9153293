package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"ragchat/connection"
	"ragchat/metrics"
	"ragchat/models"
	"ragchat/session"
)

const (
	defaultGreeting    = "Welcome! Ask me anything about your documents."
	defaultEventBuffer = 256
)

// Turn outcomes reported to metrics.
const (
	OutcomeCompleted         = "completed"
	OutcomeCached            = "cached"
	OutcomeRetrievalFailure  = "retrieval_failure"
	OutcomeNoResults         = "no_results"
	OutcomeStreamUnavailable = "stream_unavailable"
	OutcomeTransportFailure  = "transport_failure"
	OutcomeCancelled         = "cancelled"
)

// Retriever performs the request/response retrieval call.
type Retriever interface {
	Query(ctx context.Context, req models.QueryRequest) (*models.QueryResponse, error)
}

// Stream is the persistent duplex connection used for generation.
type Stream interface {
	Open(ctx context.Context) error
	Send(payload []byte) error
	State() connection.State
	OnEvent(h connection.Handler)
}

// Orchestrator runs one chat session. All state changes happen on the
// goroutine running Run; the exported methods only enqueue events.
type Orchestrator struct {
	sessionID        string
	greeting         models.Message
	credentials      models.Credentials
	retriever        Retriever
	stream           Stream
	logger           zerolog.Logger
	retrievalTimeout time.Duration
	maxHistory       int
	observers        []Observer

	events  chan event
	done    chan struct{}
	running atomic.Bool

	// owned by the loop goroutine
	store     *session.Store
	ragConfig models.RAGConfig
	status    Status
	preview   strings.Builder
	turn      uint64
	turnStart int
	selection *Selection
	// set while the backend is still streaming a cancelled answer; cleared
	// by that answer's terminal frame or by a new connection
	draining bool

	snapMu sync.RWMutex
	snap   Snapshot
}

type Option func(*Orchestrator)

func WithSessionID(id string) Option {
	return func(o *Orchestrator) { o.sessionID = id }
}

func WithGreeting(text string) Option {
	return func(o *Orchestrator) { o.greeting = models.SystemMessage(text) }
}

func WithCredentials(c models.Credentials) Option {
	return func(o *Orchestrator) { o.credentials = c }
}

func WithRAGConfig(cfg models.RAGConfig) Option {
	return func(o *Orchestrator) { o.ragConfig = cfg }
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithRetrievalTimeout bounds each retrieval call. Zero means no timeout.
func WithRetrievalTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.retrievalTimeout = d }
}

// WithMaxHistory limits how many prior turns are sent with a stream
// request. Zero sends the whole conversation.
func WithMaxHistory(n int) Option {
	return func(o *Orchestrator) { o.maxHistory = n }
}

// WithObserver registers a callback invoked on the loop goroutine after
// every processed event. Observers must not block.
func WithObserver(fn Observer) Option {
	return func(o *Orchestrator) { o.observers = append(o.observers, fn) }
}

func WithEventBuffer(n int) Option {
	return func(o *Orchestrator) { o.events = make(chan event, n) }
}

func New(retriever Retriever, stream Stream, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		greeting:  models.SystemMessage(defaultGreeting),
		retriever: retriever,
		stream:    stream,
		logger:    log.Logger,
		events:    make(chan event, defaultEventBuffer),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With().Str("component", "orchestrator").Str("session_id", o.sessionID).Logger()
	o.store = session.NewStore(o.greeting)
	o.stream.OnEvent(func(ev connection.Event) {
		o.post(connectionEvent{ev: ev})
	})
	o.snap = o.buildSnapshot()
	return o
}

func (o *Orchestrator) SessionID() string {
	return o.sessionID
}

// Run processes events until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(o.done)

	o.logger.Info().Msg("session loop started")
	for {
		select {
		case <-ctx.Done():
			o.logger.Info().Msg("session loop stopped")
			return ctx.Err()
		case ev := <-o.events:
			if o.dispatch(ctx, ev) {
				o.publish()
			}
		}
	}
}

func (o *Orchestrator) Submit(query string) {
	o.post(submitEvent{query: query})
}

func (o *Orchestrator) Cancel() {
	o.post(cancelEvent{})
}

func (o *Orchestrator) ResetConversation() {
	o.post(resetEvent{})
}

// Reconnect discards any streaming turn and opens the connection again.
func (o *Orchestrator) Reconnect() {
	o.post(reconnectEvent{})
}

func (o *Orchestrator) AddLabelFilter(label string) {
	o.post(scopeEvent{name: "add_label", apply: func(s *session.Store) { s.AddLabelFilter(label) }})
}

func (o *Orchestrator) RemoveLabelFilter(label string) {
	o.post(scopeEvent{name: "remove_label", apply: func(s *session.Store) { s.RemoveLabelFilter(label) }})
}

func (o *Orchestrator) AddDocumentFilter(doc models.DocumentFilter) {
	o.post(scopeEvent{name: "add_document", apply: func(s *session.Store) { s.AddDocumentFilter(doc) }})
}

func (o *Orchestrator) RemoveDocumentFilter(uuid string) {
	o.post(scopeEvent{name: "remove_document", apply: func(s *session.Store) { s.RemoveDocumentFilter(uuid) }})
}

func (o *Orchestrator) ClearFilters() {
	o.post(scopeEvent{name: "clear_filters", apply: func(s *session.Store) { s.ClearFilters() }})
}

func (o *Orchestrator) SetRAGConfig(cfg models.RAGConfig) {
	o.post(ragConfigEvent{cfg: cfg})
}

// Flush waits until every event posted before the call has been processed.
func (o *Orchestrator) Flush(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case o.events <- flushEvent{done: done}:
	case <-o.done:
		return errors.New("orchestrator stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-o.done:
		return errors.New("orchestrator stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the state as of the last processed event.
func (o *Orchestrator) Snapshot() Snapshot {
	o.snapMu.RLock()
	defer o.snapMu.RUnlock()
	return o.snap
}

func (o *Orchestrator) post(ev event) {
	select {
	case o.events <- ev:
	case <-o.done:
		o.logger.Debug().Str("event", fmt.Sprintf("%T", ev)).Msg("session loop stopped, event dropped")
	}
}

// dispatch applies one event and reports whether observers should be told.
func (o *Orchestrator) dispatch(ctx context.Context, ev event) bool {
	switch e := ev.(type) {
	case submitEvent:
		return o.handleSubmit(ctx, e.query)
	case retrievalDoneEvent:
		return o.handleRetrievalDone(e)
	case connectionEvent:
		return o.handleConnectionEvent(e.ev)
	case cancelEvent:
		return o.handleCancel()
	case resetEvent:
		o.handleCancel()
		o.selection = nil
		o.store.ResetConversation(o.greeting)
		o.logger.Info().Msg("conversation reset")
		return true
	case reconnectEvent:
		o.handleReconnect(ctx)
		return true
	case scopeEvent:
		e.apply(o.store)
		o.logger.Debug().Str("op", e.name).Strs("labels", o.store.Labels()).Int("documents", len(o.store.Documents())).Msg("scope updated")
		return true
	case ragConfigEvent:
		o.ragConfig = e.cfg
		o.logger.Info().Str("embedder", e.cfg.EmbeddingModel()).Msg("rag config updated")
		return true
	case flushEvent:
		close(e.done)
		return false
	default:
		o.logger.Warn().Str("event", fmt.Sprintf("%T", ev)).Msg("unknown event")
		return false
	}
}

func (o *Orchestrator) handleSubmit(ctx context.Context, query string) bool {
	if o.status != StatusIdle {
		o.logger.Debug().Str("status", o.status.String()).Msg("submit ignored, a turn is in flight")
		return false
	}
	if strings.TrimSpace(query) == "" {
		return false
	}

	o.turn++
	o.turnStart = o.store.Len()
	o.store.AppendMessage(models.UserMessage(query))
	o.status = StatusAwaitingRetrieval

	req := models.QueryRequest{
		Query:          query,
		RAG:            o.ragConfig,
		Labels:         o.store.Labels(),
		DocumentFilter: o.store.Documents(),
		Credentials:    o.credentials,
	}
	o.logger.Info().Uint64("turn", o.turn).Strs("labels", req.Labels).Int("documents", len(req.DocumentFilter)).Msg("retrieving chunks")
	go o.retrieve(ctx, o.turn, req)
	return true
}

func (o *Orchestrator) retrieve(ctx context.Context, turn uint64, req models.QueryRequest) {
	if o.retrievalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.retrievalTimeout)
		defer cancel()
	}
	start := time.Now()
	resp, err := o.retriever.Query(ctx, req)
	o.post(retrievalDoneEvent{turn: turn, query: req.Query, resp: resp, err: err, elapsed: time.Since(start)})
}

func (o *Orchestrator) handleRetrievalDone(e retrievalDoneEvent) bool {
	logger := o.logger.With().Uint64("turn", e.turn).Dur("elapsed", e.elapsed).Logger()
	if e.turn != o.turn || o.status != StatusAwaitingRetrieval {
		logger.Debug().Msg("discarding retrieval result of an abandoned turn")
		return false
	}

	switch {
	case e.err != nil:
		metrics.ObserveRetrieval("error", e.elapsed)
		logger.Error().Err(errors.Wrap(ErrRetrievalFailure, e.err.Error())).Msg("failed to fetch from API")
		o.failTurn(OutcomeRetrievalFailure, RetrievalFailedText+": "+errors.Cause(e.err).Error())
		return true
	case e.resp == nil:
		metrics.ObserveRetrieval("error", e.elapsed)
		logger.Error().Err(ErrRetrievalFailure).Msg("empty retrieval response")
		o.failTurn(OutcomeRetrievalFailure, NoDataText)
		return true
	case e.resp.Error != "":
		metrics.ObserveRetrieval("rejected", e.elapsed)
		logger.Warn().Err(ErrRetrievalFailure).Str("backend_error", e.resp.Error).Msg("backend rejected query")
		o.failTurn(OutcomeRetrievalFailure, e.resp.Error)
		return true
	case len(e.resp.Documents) == 0:
		metrics.ObserveRetrieval("empty", e.elapsed)
		logger.Info().Err(ErrNoResults).Msg("retrieval returned no documents")
		o.failTurn(OutcomeNoResults, NoResultsText)
		return true
	}

	metrics.ObserveRetrieval("ok", e.elapsed)
	docs := e.resp.Documents
	o.store.AppendMessage(models.RetrievalMessage(docs))

	top := docs[0]
	chunks := make([]models.ChunkScore, len(top.Chunks))
	copy(chunks, top.Chunks)
	o.selection = &Selection{
		DocumentID:  top.UUID,
		ChunkScores: chunks,
		Key:         fmt.Sprintf("%s%v%d", top.UUID, top.Score, len(top.Chunks)),
	}

	logger.Info().Int("documents", len(docs)).Str("top_document", top.UUID).Msg("chunks retrieved, generating")
	o.status = StatusAwaitingGeneration
	o.startStream(e.query, e.resp.Context)
	return true
}

func (o *Orchestrator) startStream(query, context string) {
	if st := o.stream.State(); st != connection.StateOpen {
		o.logger.Warn().Err(ErrStreamUnavailable).Str("connection", st.String()).Msg("cannot start generation")
		o.failTurn(OutcomeStreamUnavailable, StreamUnavailableText)
		return
	}

	payload, err := json.Marshal(models.StreamRequest{
		Query:        query,
		Context:      context,
		Conversation: o.store.Conversation(o.turnStart, o.maxHistory),
		RAGConfig:    o.ragConfig,
	})
	if err != nil {
		o.logger.Error().Err(err).Msg("failed to encode stream request")
		o.failTurn(OutcomeStreamUnavailable, StreamUnavailableText)
		return
	}
	if err := o.stream.Send(payload); err != nil {
		o.logger.Warn().Err(errors.Wrap(ErrStreamUnavailable, err.Error())).Msg("stream request not sent")
		o.failTurn(OutcomeStreamUnavailable, StreamUnavailableText)
	}
}

func (o *Orchestrator) handleConnectionEvent(ev connection.Event) bool {
	if ev.Kind != connection.EventMessage {
		metrics.RecordConnectionEvent(ev.Kind.String())
	}
	switch ev.Kind {
	case connection.EventOpened:
		o.logger.Info().Msg("stream connection online")
		return true
	case connection.EventMessage:
		return o.handleFrame(ev.Payload)
	case connection.EventError:
		o.logger.Warn().Err(ev.Err).Msg("stream connection error")
		o.abandonTurn()
		o.draining = false
		return true
	case connection.EventClosed:
		o.logger.Info().Bool("clean", ev.WasClean).Msg("stream connection offline")
		o.abandonTurn()
		o.draining = false
		return true
	}
	return false
}

func (o *Orchestrator) handleFrame(raw []byte) bool {
	if o.draining {
		return o.drainFrame(raw)
	}
	if o.status != StatusAwaitingGeneration {
		metrics.RecordFrame("discarded")
		if o.preview.Len() == 0 {
			return false
		}
		o.preview.Reset()
		return true
	}

	var frame models.StreamFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		metrics.RecordFrame("malformed")
		o.logger.Warn().Err(errors.Wrap(ErrMalformedFrame, err.Error())).Str("payload", truncate(raw, 200)).Msg("received data is not valid JSON")
		return false
	}

	if !frame.Terminal() {
		metrics.RecordFrame("fragment")
		o.preview.WriteString(frame.Message)
		return true
	}

	metrics.RecordFrame("terminal")
	var text string
	if frame.FullText != nil {
		text = *frame.FullText
	} else {
		text = o.preview.String() + frame.Message
		o.logger.Warn().Msg("terminal frame without full_text, using streamed text")
	}

	msg := models.SystemMessage(text)
	outcome := OutcomeCompleted
	if frame.Cached {
		var distance float64
		if frame.Distance != nil {
			distance = float64(*frame.Distance)
		}
		msg = models.CachedSystemMessage(text, distance)
		outcome = OutcomeCached
	}
	o.store.AppendMessage(msg)
	o.preview.Reset()
	o.status = StatusIdle
	metrics.RecordTurn(outcome)
	o.logger.Info().Uint64("turn", o.turn).Bool("cached", frame.Cached).Int("chars", len(text)).Msg("answer finalized")
	return true
}

// drainFrame drops a frame of a cancelled answer. The answer's terminal
// frame ends the drain so the next turn's frames are accepted again.
func (o *Orchestrator) drainFrame(raw []byte) bool {
	metrics.RecordFrame("discarded")
	var frame models.StreamFrame
	if err := json.Unmarshal(raw, &frame); err == nil && frame.Terminal() {
		o.draining = false
		o.logger.Debug().Uint64("turn", o.turn).Msg("cancelled answer drained")
	}
	return false
}

func (o *Orchestrator) handleCancel() bool {
	if o.status == StatusIdle {
		return false
	}
	o.logger.Info().Uint64("turn", o.turn).Str("status", o.status.String()).Int("discarded_chars", o.preview.Len()).Msg("turn cancelled")
	if o.status == StatusAwaitingGeneration {
		o.draining = true
	}
	o.preview.Reset()
	o.status = StatusIdle
	metrics.RecordTurn(OutcomeCancelled)
	return true
}

func (o *Orchestrator) handleReconnect(ctx context.Context) {
	o.abandonTurn()
	o.draining = false
	o.logger.Info().Msg("reconnecting stream")
	go func() {
		if err := o.stream.Open(ctx); err != nil {
			o.logger.Warn().Err(err).Msg("reconnect failed")
		}
	}()
}

// abandonTurn drops a streaming turn whose connection went away.
func (o *Orchestrator) abandonTurn() {
	if o.status != StatusAwaitingGeneration {
		return
	}
	o.logger.Warn().Err(ErrTransportFailure).Uint64("turn", o.turn).Int("discarded_chars", o.preview.Len()).Msg("generation abandoned")
	o.preview.Reset()
	o.status = StatusIdle
	metrics.RecordTurn(OutcomeTransportFailure)
}

func (o *Orchestrator) failTurn(outcome, text string) {
	o.store.AppendMessage(models.ErrorMessage(text))
	o.preview.Reset()
	o.status = StatusIdle
	metrics.RecordTurn(outcome)
}

func (o *Orchestrator) buildSnapshot() Snapshot {
	var sel *Selection
	if o.selection != nil {
		cp := *o.selection
		sel = &cp
	}
	return Snapshot{
		SessionID:  o.sessionID,
		Status:     o.status,
		Connection: o.stream.State(),
		Messages:   o.store.Messages(),
		Preview:    o.preview.String(),
		Labels:     o.store.Labels(),
		Documents:  o.store.Documents(),
		Selection:  sel,
		RAGConfig:  o.ragConfig,
	}
}

func (o *Orchestrator) publish() {
	snap := o.buildSnapshot()
	o.snapMu.Lock()
	o.snap = snap
	o.snapMu.Unlock()
	for _, fn := range o.observers {
		fn(snap)
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

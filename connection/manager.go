package connection

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotOpen    = errors.New("connection is not open")
	ErrSuperseded = errors.New("connection superseded by a newer open or close")
)

type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosedClean
	StateClosedError
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosedClean:
		return "CLOSED_CLEAN"
	case StateClosedError:
		return "CLOSED_ERROR"
	default:
		return "UNKNOWN"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type EventKind int

const (
	EventOpened EventKind = iota
	EventMessage
	EventError
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventOpened:
		return "opened"
	case EventMessage:
		return "message"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind     EventKind
	Payload  []byte
	Err      error
	WasClean bool
}

type Handler func(Event)

const (
	defaultWriteTimeout = 10 * time.Second
	closeGracePeriod    = time.Second
)

// Manager owns a single websocket connection to the streaming endpoint.
// It never reconnects on its own; callers call Open again.
type Manager struct {
	url          string
	dialer       *websocket.Dialer
	header       http.Header
	writeTimeout time.Duration
	logger       zerolog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	gen     uint64
	state   State
	closing bool
	handler Handler

	writeMu sync.Mutex
}

type Option func(*Manager)

func WithDialer(d *websocket.Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

func WithHeader(h http.Header) Option {
	return func(m *Manager) { m.header = h }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(m *Manager) { m.writeTimeout = d }
}

func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func NewManager(url string, opts ...Option) *Manager {
	m := &Manager{
		url:          url,
		dialer:       websocket.DefaultDialer,
		writeTimeout: defaultWriteTimeout,
		logger:       log.Logger,
		state:        StateClosedClean,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With().Str("component", "connection").Str("url", url).Logger()
	return m
}

func (m *Manager) URL() string {
	return m.url
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnEvent replaces the registered event handler.
func (m *Manager) OnEvent(h Handler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

// Open dials the endpoint. A connection left over from a previous Open is
// closed first and none of its later events are delivered.
func (m *Manager) Open(ctx context.Context) error {
	m.mu.Lock()
	stale := m.conn
	m.conn = nil
	m.closing = false
	m.gen++
	gen := m.gen
	m.state = StateConnecting
	m.mu.Unlock()

	if stale != nil {
		m.logger.Debug().Msg("closing previous connection before reconnect")
		m.closeConn(stale)
	}

	m.logger.Info().Msg("opening stream connection")
	conn, resp, err := m.dialer.DialContext(ctx, m.url, m.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if !m.transition(gen, StateClosedError) {
			return errors.Wrap(ErrSuperseded, err.Error())
		}
		m.logger.Error().Err(err).Msg("stream connection failed")
		m.emit(Event{Kind: EventError, Err: err})
		m.emit(Event{Kind: EventClosed, WasClean: false})
		return errors.Wrapf(err, "dial %s", m.url)
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		_ = conn.Close()
		return ErrSuperseded
	}
	m.conn = conn
	m.state = StateOpen
	m.mu.Unlock()

	m.logger.Info().Msg("stream connection opened")
	m.emit(Event{Kind: EventOpened})
	go m.readLoop(conn, gen)
	return nil
}

// Send writes one text frame. It fails with ErrNotOpen unless the
// connection is OPEN; the attempt is logged so a lost write is visible.
func (m *Manager) Send(payload []byte) error {
	m.mu.Lock()
	conn, state := m.conn, m.state
	m.mu.Unlock()

	if state != StateOpen || conn == nil {
		m.logger.Warn().Str("state", state.String()).Int("bytes", len(payload)).Msg("send on non-open connection dropped")
		return ErrNotOpen
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if m.writeTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(m.writeTimeout))
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		m.logger.Warn().Err(err).Msg("stream write failed")
		return errors.Wrap(err, "write stream frame")
	}
	return nil
}

// Close closes the connection gracefully. Calling it again is a no-op.
func (m *Manager) Close() error {
	m.mu.Lock()
	switch m.state {
	case StateClosedClean, StateClosedError:
		m.mu.Unlock()
		return nil
	case StateConnecting:
		// abandon the dial in flight
		m.gen++
		m.state = StateClosedClean
		m.mu.Unlock()
		m.emit(Event{Kind: EventClosed, WasClean: true})
		return nil
	}
	if m.closing {
		m.mu.Unlock()
		return nil
	}
	m.closing = true
	conn := m.conn
	m.mu.Unlock()

	if conn == nil {
		return nil
	}
	m.logger.Info().Msg("closing stream connection")
	m.closeConn(conn)
	return nil
}

func (m *Manager) closeConn(conn *websocket.Conn) {
	m.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod)); err != nil {
		m.logger.Debug().Err(err).Msg("close frame not sent")
	}
	m.writeMu.Unlock()
	_ = conn.Close()
}

func (m *Manager) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleReadError(gen, err)
			return
		}
		if !m.current(gen) {
			return
		}
		m.emit(Event{Kind: EventMessage, Payload: data})
	}
}

func (m *Manager) handleReadError(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	clean := m.closing || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
	if clean {
		m.state = StateClosedClean
	} else {
		m.state = StateClosedError
	}
	m.conn = nil
	m.closing = false
	m.mu.Unlock()

	if clean {
		m.logger.Info().Msg("stream connection closed cleanly")
	} else {
		m.logger.Error().Err(err).Msg("stream connection died")
		m.emit(Event{Kind: EventError, Err: err})
	}
	m.emit(Event{Kind: EventClosed, WasClean: clean})
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen
}

func (m *Manager) transition(gen uint64, state State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return false
	}
	m.state = state
	return true
}

func (m *Manager) emit(ev Event) {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

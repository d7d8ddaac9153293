package connection

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (r *recorder) last() Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

// testServer upgrades every request and hands the server side of the
// connection to the test.
func testServer(t *testing.T) (string, <-chan *websocket.Conn) {
	t.Helper()
	conns := make(chan *websocket.Conn, 4)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- c
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + StreamPath, conns
}

func nextConn(t *testing.T, conns <-chan *websocket.Conn) *websocket.Conn {
	t.Helper()
	select {
	case c := <-conns:
		t.Cleanup(func() { _ = c.Close() })
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive a connection")
		return nil
	}
}

func TestOpenSendReceive(t *testing.T) {
	url, conns := testServer(t)
	rec := &recorder{}
	m := NewManager(url)
	m.OnEvent(rec.handle)

	assert.Equal(t, StateClosedClean, m.State())
	require.NoError(t, m.Open(context.Background()))
	assert.Equal(t, StateOpen, m.State())

	server := nextConn(t, conns)
	require.NoError(t, m.Send([]byte(`{"query":"q"}`)))

	_, data, err := server.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `{"query":"q"}`, string(data))

	require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte(`{"message":"a"}`)))
	require.Eventually(t, func() bool {
		k := rec.kinds()
		return len(k) == 2 && k[1] == EventMessage
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, EventOpened, rec.kinds()[0])
	assert.Equal(t, `{"message":"a"}`, string(rec.last().Payload))
}

func TestSendWhenNotOpen(t *testing.T) {
	m := NewManager("ws://127.0.0.1:1/ws")
	err := m.Send([]byte("x"))
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestCloseIsCleanAndIdempotent(t *testing.T) {
	url, conns := testServer(t)
	rec := &recorder{}
	m := NewManager(url)
	m.OnEvent(rec.handle)
	require.NoError(t, m.Open(context.Background()))
	server := nextConn(t, conns)
	go func() {
		for {
			if _, _, err := server.ReadMessage(); err != nil {
				return
			}
		}
	}()

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	require.Eventually(t, func() bool { return m.State() == StateClosedClean }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		k := rec.kinds()
		return len(k) > 0 && k[len(k)-1] == EventClosed
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, rec.last().WasClean)
	assert.NotContains(t, rec.kinds(), EventError)
	require.NoError(t, m.Close())
	assert.ErrorIs(t, m.Send([]byte("x")), ErrNotOpen)
}

func TestServerNormalCloseIsClean(t *testing.T) {
	url, conns := testServer(t)
	rec := &recorder{}
	m := NewManager(url)
	m.OnEvent(rec.handle)
	require.NoError(t, m.Open(context.Background()))
	server := nextConn(t, conns)

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	require.NoError(t, server.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))

	require.Eventually(t, func() bool { return m.State() == StateClosedClean }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, rec.last().WasClean)
}

func TestAbruptDropIsError(t *testing.T) {
	url, conns := testServer(t)
	rec := &recorder{}
	m := NewManager(url)
	m.OnEvent(rec.handle)
	require.NoError(t, m.Open(context.Background()))
	server := nextConn(t, conns)

	require.NoError(t, server.UnderlyingConn().Close())

	require.Eventually(t, func() bool { return m.State() == StateClosedError }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		k := rec.kinds()
		return len(k) >= 3 && k[len(k)-1] == EventClosed
	}, 2*time.Second, 10*time.Millisecond)
	k := rec.kinds()
	assert.Equal(t, EventError, k[len(k)-2])
	assert.False(t, rec.last().WasClean)
}

func TestReopenDiscardsPreviousConnection(t *testing.T) {
	url, conns := testServer(t)
	rec := &recorder{}
	m := NewManager(url)
	m.OnEvent(rec.handle)

	require.NoError(t, m.Open(context.Background()))
	first := nextConn(t, conns)
	require.NoError(t, m.Open(context.Background()))
	second := nextConn(t, conns)

	// the first server-side connection observes the client going away
	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := first.ReadMessage()
	require.Error(t, err)

	require.NoError(t, second.WriteMessage(websocket.TextMessage, []byte("fresh")))
	require.Eventually(t, func() bool {
		k := rec.kinds()
		return len(k) == 3 && k[2] == EventMessage
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []EventKind{EventOpened, EventOpened, EventMessage}, rec.kinds())
	assert.Equal(t, "fresh", string(rec.last().Payload))
	assert.Equal(t, StateOpen, m.State())
}

func TestDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	rec := &recorder{}
	m := NewManager("ws" + strings.TrimPrefix(srv.URL, "http") + StreamPath)
	m.OnEvent(rec.handle)

	err := m.Open(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateClosedError, m.State())
	assert.Equal(t, []EventKind{EventError, EventClosed}, rec.kinds())
	assert.False(t, rec.last().WasClean)
}

func TestOnEventReplacesHandler(t *testing.T) {
	url, _ := testServer(t)
	first, second := &recorder{}, &recorder{}
	m := NewManager(url)
	m.OnEvent(first.handle)
	m.OnEvent(second.handle)

	require.NoError(t, m.Open(context.Background()))
	assert.Empty(t, first.kinds())
	assert.Equal(t, []EventKind{EventOpened}, second.kinds())
}

func TestStreamURL(t *testing.T) {
	tests := []struct {
		host    string
		want    string
		wantErr bool
	}{
		{host: "http://localhost:8000", want: "ws://localhost:8000/ws/generate_stream"},
		{host: "https://verba.example.com/app?x=1", want: "wss://verba.example.com/ws/generate_stream"},
		{host: "ftp://example.com", wantErr: true},
		{host: "localhost:8000", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			got, err := StreamURL(tt.host, "")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

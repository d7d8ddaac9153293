package handlers

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragchat/backend"
	"ragchat/connection"
	"ragchat/models"
	"ragchat/orchestrator"
)

const (
	gettingStarted = "5b1f3c2e-0001-4a8e-9c1d-2f6e8b7a9d01"
	pipeline       = "5b1f3c2e-0002-4a8e-9c1d-2f6e8b7a9d02"
)

func TestCorpusRetrieveRanksByOverlap(t *testing.T) {
	c := DefaultCorpus()

	docs, ctx := c.Retrieve("How are chunks ranked?", nil, nil)
	require.Len(t, docs, 2)
	assert.Equal(t, pipeline, docs[0].UUID)
	assert.Equal(t, 1.0, docs[0].Score)
	assert.Equal(t, 1, docs[0].Chunks[0].ChunkID)
	assert.Equal(t, gettingStarted, docs[1].UUID)
	assert.True(t, strings.HasPrefix(ctx, "Document Title: Retrieval Pipeline"))
}

func TestCorpusRetrieveHonoursFilters(t *testing.T) {
	c := DefaultCorpus()

	docs, _ := c.Retrieve("How are chunks ranked?", []string{"Architecture"}, nil)
	require.Len(t, docs, 1)
	assert.Equal(t, pipeline, docs[0].UUID)

	docs, _ = c.Retrieve("How are chunks ranked?", nil, []models.DocumentFilter{{UUID: gettingStarted}})
	require.Len(t, docs, 1)
	assert.Equal(t, gettingStarted, docs[0].UUID)

	docs, ctx := c.Retrieve("what is it?", nil, nil)
	assert.Empty(t, docs)
	assert.Empty(t, ctx)
}

func TestCorpusLabelsAndCount(t *testing.T) {
	c := DefaultCorpus()
	assert.Equal(t, []string{"Architecture", "Document"}, c.Labels())
	assert.Equal(t, 3, c.Count(nil))
	assert.Equal(t, 1, c.Count([]models.DocumentFilter{{UUID: pipeline}}))
}

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewMux(DefaultCorpus(), nil, WithTokenDelay(0)))
	t.Cleanup(srv.Close)
	return srv
}

func TestAPIThroughClient(t *testing.T) {
	srv := newServer(t)
	c := backend.New(srv.URL, models.Credentials{Deployment: "Local"})
	ctx := context.Background()

	require.NoError(t, c.Health(ctx))

	resp, err := c.Query(ctx, models.QueryRequest{Query: "How are chunks ranked?", Labels: []string{"Document"}})
	require.NoError(t, err)
	require.Len(t, resp.Documents, 2)
	assert.NotEmpty(t, resp.Context)

	resp, err = c.Query(ctx, models.QueryRequest{})
	require.NoError(t, err)
	assert.Equal(t, "Query is empty", resp.Error)

	labels, err := c.Labels(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Architecture", "Document"}, labels)

	cfg, err := c.RAGConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, "token-overlap", cfg.EmbeddingModel())

	count, err := c.DataCount(ctx, cfg.EmbeddingModel(), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	count, err = c.DataCount(ctx, "other-model", nil)
	require.NoError(t, err)
	assert.Zero(t, count)

	cfg["Generator"] = models.RAGComponentClass{Selected: "Other"}
	require.NoError(t, c.SetRAGConfig(ctx, cfg))
	updated, err := c.RAGConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Other", updated["Generator"].Selected)
}

func dialStream(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url, err := connection.StreamURL(srv.URL, connection.StreamPath)
	require.NoError(t, err)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readTurn(t *testing.T, conn *websocket.Conn) ([]models.StreamFrame, models.StreamFrame) {
	t.Helper()
	var fragments []models.StreamFrame
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var frame models.StreamFrame
		require.NoError(t, conn.ReadJSON(&frame))
		if frame.Terminal() {
			return fragments, frame
		}
		fragments = append(fragments, frame)
	}
}

func TestStreamAnswersWordByWordThenFromCache(t *testing.T) {
	srv := newServer(t)
	conn := dialStream(t, srv)

	req := models.StreamRequest{
		Query:   "How are chunks ranked?",
		Context: "Document Title: Retrieval Pipeline\nRetrieved chunks are ranked by score.\n",
	}
	require.NoError(t, conn.WriteJSON(req))
	fragments, final := readTurn(t, conn)

	require.NotNil(t, final.FullText)
	assert.Equal(t, "According to Retrieval Pipeline: Retrieved chunks are ranked by score.", *final.FullText)
	assert.Greater(t, len(fragments), 1)
	var sb strings.Builder
	for _, f := range fragments {
		assert.Nil(t, f.FinishReason)
		sb.WriteString(f.Message)
	}
	assert.Equal(t, *final.FullText, sb.String())
	assert.False(t, final.Cached)

	req.Query = "  how are CHUNKS ranked? "
	require.NoError(t, conn.WriteJSON(req))
	fragments, final = readTurn(t, conn)
	assert.Empty(t, fragments)
	assert.True(t, final.Cached)
	require.NotNil(t, final.Distance)
	assert.Equal(t, models.Distance(0), *final.Distance)
}

func TestStreamWithoutContext(t *testing.T) {
	conn := dialStream(t, newServer(t))

	require.NoError(t, conn.WriteJSON(models.StreamRequest{Query: "anything"}))
	_, final := readTurn(t, conn)
	assert.Equal(t, noContextAnswer, *final.FullText)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{oops")))
	_, final = readTurn(t, conn)
	assert.Contains(t, *final.FullText, "Invalid request")
}

func TestStreamRejectsForeignOrigin(t *testing.T) {
	srv := httptest.NewServer(NewMux(DefaultCorpus(), []string{"http://allowed.example"}))
	defer srv.Close()
	url, err := connection.StreamURL(srv.URL, connection.StreamPath)
	require.NoError(t, err)

	header := map[string][]string{"Origin": {"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 403, resp.StatusCode)
}

// A full session against the stand-in backend: real HTTP retrieval and a
// real websocket stream.
func TestSessionEndToEnd(t *testing.T) {
	srv := newServer(t)
	url, err := connection.StreamURL(srv.URL, connection.StreamPath)
	require.NoError(t, err)

	stream := connection.NewManager(url)
	defer stream.Close()
	o := orchestrator.New(backend.New(srv.URL, models.Credentials{}), stream,
		orchestrator.WithSessionID("e2e"),
		orchestrator.WithGreeting("hi"),
		orchestrator.WithRetrievalTimeout(2*time.Second),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = o.Run(ctx) }()

	o.Reconnect()
	require.Eventually(t, func() bool { return o.Snapshot().Connection == connection.StateOpen }, 2*time.Second, 10*time.Millisecond)

	o.Submit("How are chunks ranked?")
	require.Eventually(t, func() bool {
		s := o.Snapshot()
		return s.Status == orchestrator.StatusIdle && len(s.Messages) == 4
	}, 2*time.Second, 10*time.Millisecond)

	snap := o.Snapshot()
	assert.Equal(t, models.KindRetrieval, snap.Messages[2].Kind)
	assert.Equal(t, pipeline, snap.Selection.DocumentID)
	answer := snap.Messages[3]
	assert.Equal(t, models.KindSystem, answer.Kind)
	assert.Equal(t, "According to Retrieval Pipeline: A query is embedded and compared against stored chunks to find the closest matches.", answer.Text)
	assert.False(t, answer.Cached)

	o.Submit("How are chunks ranked?")
	require.Eventually(t, func() bool {
		s := o.Snapshot()
		return s.Status == orchestrator.StatusIdle && len(s.Messages) == 7
	}, 2*time.Second, 10*time.Millisecond)
	cached := o.Snapshot().Messages[6]
	assert.True(t, cached.Cached)
	assert.Equal(t, answer.Text, cached.Text)

	o.Submit("zebra")
	require.Eventually(t, func() bool { return len(o.Snapshot().Messages) == 9 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, models.ErrorMessage(orchestrator.NoResultsText), o.Snapshot().Messages[8])
}

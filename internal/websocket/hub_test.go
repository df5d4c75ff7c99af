package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"aun-builder/internal/stream"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu        sync.Mutex
	replay    []stream.Chunk
	live      chan stream.Chunk
	following int
	stops     int
}

func (f *fakeSource) Replay(ctx context.Context, appID string) ([]stream.Chunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.replay, nil
}

func (f *fakeSource) Follow(ctx context.Context, appID string) (<-chan stream.Chunk, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan stream.Chunk, 8)
	f.live = ch
	f.following++
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			f.following--
			f.mu.Unlock()
			close(ch)
		})
	}, nil
}

func (f *fakeSource) StopStream(appID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return true
}

func (f *fakeSource) publish(c stream.Chunk) {
	f.mu.Lock()
	ch := f.live
	f.mu.Unlock()
	ch <- c
}

func (f *fakeSource) followers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.following
}

type received struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func startServer(t *testing.T, hub *Hub) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ws/apps/:id", func(c *gin.Context) {
		hub.ServeWS(c, c.Param("id"), "user-1")
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/apps/app-1"
}

// reader reads the messages of one connection
type reader struct {
	t    *testing.T
	conn *websocket.Conn
}

// next reads one frame; each frame holds a single JSON message
func (r *reader) next() received {
	r.t.Helper()
	require.NoError(r.t, r.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg received
	require.NoError(r.t, r.conn.ReadJSON(&msg))
	return msg
}

func TestHubReplayLiveAndStop(t *testing.T) {
	source := &fakeSource{replay: []stream.Chunk{{Seq: 1, StreamID: "s1", Type: stream.ChunkTextDelta, Text: "Hel"}}}
	hub := NewHub(source, nil, false)
	go hub.Run()
	defer hub.Shutdown()

	conn, _, err := websocket.DefaultDialer.Dial(startServer(t, hub), nil)
	require.NoError(t, err)
	defer conn.Close()
	rd := &reader{t: t, conn: conn}

	assert.Equal(t, MessageTypeConnected, rd.next().Type)

	replay := rd.next()
	require.Equal(t, MessageTypeReplay, replay.Type)
	var chunks []stream.Chunk
	require.NoError(t, json.Unmarshal(replay.Data, &chunks))
	require.Len(t, chunks, 1)
	assert.Equal(t, "Hel", chunks[0].Text)
	assert.Equal(t, 1, hub.ClientCount("app-1"))

	source.publish(stream.Chunk{Seq: 2, StreamID: "s1", Type: stream.ChunkTextDelta, Text: "lo"})
	live := rd.next()
	require.Equal(t, MessageTypeChunk, live.Type)
	var chunk stream.Chunk
	require.NoError(t, json.Unmarshal(live.Data, &chunk))
	assert.Equal(t, int64(2), chunk.Seq)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": MessageTypeStop}))
	stopped := rd.next()
	assert.Equal(t, MessageTypeStreamStopped, stopped.Type)
	assert.JSONEq(t, `{"stopped":true}`, string(stopped.Data))

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "cursor_update"}))
	assert.Equal(t, MessageTypeError, rd.next().Type)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": MessageTypeHeartbeat}))
	assert.Equal(t, MessageTypeHeartbeat, rd.next().Type)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.RoomCount() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, source.followers())
}

func TestHubBroadcastsToEveryClientInRoom(t *testing.T) {
	source := &fakeSource{}
	hub := NewHub(source, nil, false)
	go hub.Run()
	defer hub.Shutdown()
	url := startServer(t, hub)

	var readers []*reader
	for i := 0; i < 2; i++ {
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		defer conn.Close()
		rd := &reader{t: t, conn: conn}
		assert.Equal(t, MessageTypeConnected, rd.next().Type)
		readers = append(readers, rd)
	}
	require.Equal(t, 2, hub.ClientCount("app-1"))
	assert.Equal(t, 1, source.followers())

	source.publish(stream.Chunk{Seq: 1, StreamID: "s1", Type: stream.ChunkDone})
	for _, rd := range readers {
		assert.Equal(t, MessageTypeChunk, rd.next().Type)
	}
}

// quietBroker stores chunks but never publishes them live
type quietBroker struct {
	*stream.MemoryBroker
}

func (quietBroker) Subscribe(ctx context.Context, appID string) (<-chan stream.Chunk, func(), error) {
	ch := make(chan stream.Chunk)
	var once sync.Once
	return ch, func() { once.Do(func() { close(ch) }) }, nil
}

type runnerFunc func(ctx context.Context, req stream.RunRequest, emit func(stream.Chunk)) error

func (f runnerFunc) Run(ctx context.Context, req stream.RunRequest, emit func(stream.Chunk)) error {
	return f(ctx, req, emit)
}

func TestHubDeliversChunksThePublisherMissed(t *testing.T) {
	mgr := stream.NewManager(quietBroker{stream.NewMemoryBroker(time.Hour)},
		runnerFunc(func(ctx context.Context, req stream.RunRequest, emit func(stream.Chunk)) error {
			emit(stream.Chunk{Type: stream.ChunkTextDelta, Text: "Hello"})
			return nil
		}))
	mgr.SetResync(20*time.Millisecond, 0)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
	}()

	hub := NewHub(mgr, nil, false)
	go hub.Run()
	defer hub.Shutdown()

	conn, _, err := websocket.DefaultDialer.Dial(startServer(t, hub), nil)
	require.NoError(t, err)
	defer conn.Close()
	rd := &reader{t: t, conn: conn}
	assert.Equal(t, MessageTypeConnected, rd.next().Type)
	require.Eventually(t, func() bool { return hub.ClientCount("app-1") == 1 }, 2*time.Second, 10*time.Millisecond)

	_, err = mgr.SendMessageWithStreaming(stream.RunRequest{AppID: "app-1"})
	require.NoError(t, err)

	var got []stream.ChunkType
	for _, want := range []int64{1, 2} {
		msg := rd.next()
		require.Equal(t, MessageTypeChunk, msg.Type)
		var chunk stream.Chunk
		require.NoError(t, json.Unmarshal(msg.Data, &chunk))
		assert.Equal(t, want, chunk.Seq)
		got = append(got, chunk.Type)
	}
	assert.Equal(t, []stream.ChunkType{stream.ChunkTextDelta, stream.ChunkDone}, got)
}

func TestHubCheckOrigin(t *testing.T) {
	hub := NewHub(&fakeSource{}, []string{"https://app.test"}, true)
	go hub.Run()
	defer hub.Shutdown()
	url := startServer(t, hub)

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.test"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, _, err = websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://app.test"}})
	require.NoError(t, err)
	conn.Close()
}

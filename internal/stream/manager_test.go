package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"aun-builder/internal/ai"
	"aun-builder/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type runnerFunc func(ctx context.Context, req RunRequest, emit func(Chunk)) error

func (f runnerFunc) Run(ctx context.Context, req RunRequest, emit func(Chunk)) error {
	return f(ctx, req, emit)
}

func newTestManager(t *testing.T, fn runnerFunc) *Manager {
	t.Helper()
	mgr := NewManager(NewMemoryBroker(time.Hour), fn)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, mgr.Shutdown(ctx))
	})
	return mgr
}

func request(appID, text string) RunRequest {
	return RunRequest{AppID: appID, Message: models.TextMessage("msg-"+text, text)}
}

func collect(t *testing.T, ch <-chan Chunk) []Chunk {
	t.Helper()
	var out []Chunk
	timeout := time.After(2 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, c)
		case <-timeout:
			t.Fatalf("stream did not finish, got %d chunks", len(out))
			return out
		}
	}
}

func types(chunks []Chunk) []ChunkType {
	out := make([]ChunkType, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, c.Type)
	}
	return out
}

// blockUntilCancelled emits one chunk and waits for the stream to be aborted
func blockUntilCancelled(ctx context.Context, req RunRequest, emit func(Chunk)) error {
	emit(Chunk{Type: ChunkTextDelta, Text: "working"})
	<-ctx.Done()
	return ctx.Err()
}

func TestStreamCompletes(t *testing.T) {
	mgr := newTestManager(t, func(ctx context.Context, req RunRequest, emit func(Chunk)) error {
		emit(Chunk{Type: ChunkTextDelta, Text: "Hello"})
		emit(Chunk{Type: ChunkTextDelta, Text: " world"})
		return nil
	})

	state, err := mgr.SendMessageWithStreaming(request("app-1", "hi"))
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, state.Status)
	assert.Equal(t, "msg-hi", state.MessageID)

	ch, err := mgr.Subscribe(context.Background(), "app-1")
	require.NoError(t, err)
	chunks := collect(t, ch)

	require.Equal(t, []ChunkType{ChunkTextDelta, ChunkTextDelta, ChunkDone}, types(chunks))
	for i, c := range chunks {
		assert.Equal(t, int64(i+1), c.Seq)
		assert.Equal(t, state.StreamID, c.StreamID)
		assert.Equal(t, "msg-hi", c.MessageID)
	}

	require.Eventually(t, func() bool {
		st, _ := mgr.State(context.Background(), "app-1")
		return st != nil && st.Status == StatusDone && st.FinishedAt != nil
	}, time.Second, 10*time.Millisecond)
}

func TestLateSubscriberReplaysFinishedStream(t *testing.T) {
	mgr := newTestManager(t, func(ctx context.Context, req RunRequest, emit func(Chunk)) error {
		emit(Chunk{Type: ChunkToolCall, ToolCallID: "t1", ToolName: "write_file"})
		emit(Chunk{Type: ChunkToolResult, ToolCallID: "t1", Output: "ok"})
		return nil
	})

	_, err := mgr.SendMessageWithStreaming(request("app-1", "hi"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !mgr.IsActive("app-1") }, time.Second, 10*time.Millisecond)

	ch, err := mgr.Subscribe(context.Background(), "app-1")
	require.NoError(t, err)
	assert.Equal(t, []ChunkType{ChunkToolCall, ChunkToolResult, ChunkDone}, types(collect(t, ch)))
}

func TestNewMessageAbortsPreviousStream(t *testing.T) {
	mgr := newTestManager(t, func(ctx context.Context, req RunRequest, emit func(Chunk)) error {
		if req.Message.ID == "msg-first" {
			return blockUntilCancelled(ctx, req, emit)
		}
		emit(Chunk{Type: ChunkTextDelta, Text: "second"})
		return nil
	})

	first, err := mgr.SendMessageWithStreaming(request("app-1", "first"))
	require.NoError(t, err)
	firstCh, err := mgr.Subscribe(context.Background(), "app-1")
	require.NoError(t, err)

	second, err := mgr.SendMessageWithStreaming(request("app-1", "second"))
	require.NoError(t, err)
	assert.NotEqual(t, first.StreamID, second.StreamID)

	firstChunks := collect(t, firstCh)
	require.NotEmpty(t, firstChunks)
	assert.Equal(t, ChunkAborted, firstChunks[len(firstChunks)-1].Type)

	secondCh, err := mgr.Subscribe(context.Background(), "app-1")
	require.NoError(t, err)
	secondChunks := collect(t, secondCh)
	assert.Equal(t, []ChunkType{ChunkTextDelta, ChunkDone}, types(secondChunks))
	for _, c := range secondChunks {
		assert.Equal(t, second.StreamID, c.StreamID)
	}
}

func TestStopStream(t *testing.T) {
	mgr := newTestManager(t, blockUntilCancelled)

	assert.False(t, mgr.StopStream("app-1"))

	_, err := mgr.SendMessageWithStreaming(request("app-1", "hi"))
	require.NoError(t, err)
	ch, err := mgr.Subscribe(context.Background(), "app-1")
	require.NoError(t, err)

	assert.True(t, mgr.StopStream("app-1"))
	assert.Equal(t, []ChunkType{ChunkTextDelta, ChunkAborted}, types(collect(t, ch)))

	require.Eventually(t, func() bool {
		st, _ := mgr.State(context.Background(), "app-1")
		return st != nil && st.Status == StatusAborted
	}, time.Second, 10*time.Millisecond)
}

func TestRunnerErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"internal error is hidden", errors.New("db exploded"), genericStreamError},
		{"model error is shown", &ai.APIError{Code: ai.CodeRateLimit, Message: "Claude API rate limit exceeded. Please wait before retrying"}, "Claude API rate limit exceeded. Please wait before retrying"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mgr := newTestManager(t, func(ctx context.Context, req RunRequest, emit func(Chunk)) error {
				return tt.err
			})
			_, err := mgr.SendMessageWithStreaming(request("app-1", "hi"))
			require.NoError(t, err)

			ch, err := mgr.Subscribe(context.Background(), "app-1")
			require.NoError(t, err)
			chunks := collect(t, ch)
			require.Len(t, chunks, 1)
			assert.Equal(t, ChunkError, chunks[0].Type)
			assert.Equal(t, tt.want, chunks[0].Error)
		})
	}
}

func TestRunTimeout(t *testing.T) {
	mgr := newTestManager(t, blockUntilCancelled)
	mgr.SetRunTimeout(50 * time.Millisecond)

	_, err := mgr.SendMessageWithStreaming(request("app-1", "hi"))
	require.NoError(t, err)
	ch, err := mgr.Subscribe(context.Background(), "app-1")
	require.NoError(t, err)

	chunks := collect(t, ch)
	require.NotEmpty(t, chunks)
	last := chunks[len(chunks)-1]
	assert.Equal(t, ChunkError, last.Type)
	assert.Equal(t, timeoutStreamError, last.Error)
}

func TestSubscribeWithoutStream(t *testing.T) {
	mgr := newTestManager(t, blockUntilCancelled)
	_, err := mgr.Subscribe(context.Background(), "unknown")
	assert.ErrorIs(t, err, ErrNoStream)
}

func TestSubscriberContextCancel(t *testing.T) {
	mgr := newTestManager(t, blockUntilCancelled)
	_, err := mgr.SendMessageWithStreaming(request("app-1", "hi"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := mgr.Subscribe(ctx, "app-1")
	require.NoError(t, err)
	cancel()

	// the channel closes without a terminal chunk; the stream keeps running
	for range ch {
	}
	assert.True(t, mgr.IsActive("app-1"))
}

func TestShutdownAbortsStreams(t *testing.T) {
	mgr := NewManager(NewMemoryBroker(time.Hour), runnerFunc(blockUntilCancelled))
	_, err := mgr.SendMessageWithStreaming(request("app-1", "hi"))
	require.NoError(t, err)
	_, err = mgr.SendMessageWithStreaming(request("app-2", "hi"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, mgr.Shutdown(ctx))

	for _, app := range []string{"app-1", "app-2"} {
		st, err := mgr.State(context.Background(), app)
		require.NoError(t, err)
		assert.Equal(t, StatusAborted, st.Status)
	}

	_, err = mgr.SendMessageWithStreaming(request("app-1", "again"))
	assert.ErrorIs(t, err, ErrShuttingDown)
}

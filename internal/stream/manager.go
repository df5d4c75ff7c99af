package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"aun-builder/internal/ai"
	"aun-builder/internal/logging"
	"aun-builder/internal/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrNoStream is returned by Subscribe when the app has no replayable stream
	ErrNoStream = errors.New("no stream for app")
	// ErrShuttingDown is returned for new messages once Shutdown started
	ErrShuttingDown = errors.New("stream manager is shutting down")
)

const (
	DefaultRunTimeout = 10 * time.Minute
	brokerTimeout     = 5 * time.Second

	genericStreamError = "An error occurred while generating the response"
	timeoutStreamError = "The response took too long and was stopped"
)

// Runner produces the chunks of one agent response
type Runner interface {
	Run(ctx context.Context, req RunRequest, emit func(Chunk)) error
}

type activeStream struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager runs at most one stream per app on this instance
type Manager struct {
	broker     Broker
	runner     Runner
	runTimeout time.Duration

	resyncEvery time.Duration
	staleAfter  time.Duration

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu     sync.Mutex
	active map[string]*activeStream
	closed bool
	wg     sync.WaitGroup

	// closed once Shutdown has let local streams finish; releases followers
	drained   chan struct{}
	drainOnce sync.Once
}

func NewManager(broker Broker, runner Runner) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		broker:     broker,
		runner:     runner,
		runTimeout: DefaultRunTimeout,

		resyncEvery: DefaultResyncInterval,
		staleAfter:  DefaultStaleAfter,

		baseCtx:    ctx,
		baseCancel: cancel,
		active:     make(map[string]*activeStream),
		drained:    make(chan struct{}),
	}
}

// SetRunTimeout bounds how long a single response may run
func (m *Manager) SetRunTimeout(d time.Duration) {
	if d > 0 {
		m.runTimeout = d
	}
}

// SetResync sets how long followers wait on a quiet channel before rereading
// the broker, and how long a running stream with no producer here may stay
// quiet before it is finished as aborted
func (m *Manager) SetResync(every, staleAfter time.Duration) {
	if every > 0 {
		m.resyncEvery = every
	}
	if staleAfter > 0 {
		m.staleAfter = staleAfter
	}
}

// Broker returns the stream state store
func (m *Manager) Broker() Broker {
	return m.broker
}

// SendMessageWithStreaming starts the agent for req in the background and
// returns the new stream's state. A stream already running for the app is
// aborted; the new one begins once the old one has finished.
func (m *Manager) SendMessageWithStreaming(req RunRequest) (*State, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrShuttingDown
	}

	ctx, cancel := context.WithTimeout(m.baseCtx, m.runTimeout)
	current := &activeStream{id: uuid.New().String(), cancel: cancel, done: make(chan struct{})}
	previous := m.active[req.AppID]
	m.active[req.AppID] = current
	m.wg.Add(1)
	m.mu.Unlock()

	if previous != nil {
		previous.cancel()
		metrics.Get().StreamsAbortedTotal.Inc()
		logging.L().Info("aborting previous stream",
			zap.String("app_id", req.AppID), zap.String("stream_id", previous.id))
	}

	state := State{
		StreamID:  current.id,
		AppID:     req.AppID,
		MessageID: req.Message.ID,
		Status:    StatusRunning,
		StartedAt: time.Now().UTC(),
	}

	// Begin before returning so an immediate Subscribe sees the new stream.
	// Chunks the aborted stream still emits carry its own stream id.
	if err := m.withBroker(func(bctx context.Context) error { return m.broker.Begin(bctx, state) }); err != nil {
		m.release(req.AppID, current)
		cancel()
		close(current.done)
		m.wg.Done()
		return nil, err
	}

	go m.run(ctx, req, state, current, previous)

	return &state, nil
}

func (m *Manager) run(ctx context.Context, req RunRequest, state State, current, previous *activeStream) {
	defer m.wg.Done()
	defer close(current.done)
	defer current.cancel()
	defer m.release(req.AppID, current)

	log := logging.L().With(zap.String("app_id", req.AppID), zap.String("stream_id", state.StreamID))
	mtr := metrics.Get()
	mtr.ActiveStreams.Inc()
	defer mtr.ActiveStreams.Dec()

	if previous != nil {
		<-previous.done
	}

	var seq int64
	emit := func(c Chunk) {
		c.Seq = atomic.AddInt64(&seq, 1)
		c.StreamID = state.StreamID
		if c.Time.IsZero() {
			c.Time = time.Now().UTC()
		}
		if c.MessageID == "" {
			c.MessageID = state.MessageID
		}
		mtr.RecordStreamChunk(string(c.Type))
		if err := m.withBroker(func(bctx context.Context) error { return m.broker.Append(bctx, req.AppID, c) }); err != nil {
			log.Warn("failed to publish chunk", zap.Int64("seq", c.Seq), zap.Error(err))
		}
	}

	err := m.runner.Run(ctx, req, emit)

	final := Chunk{Type: ChunkDone}
	switch {
	case err == nil:
	case errors.Is(ctx.Err(), context.Canceled):
		final = Chunk{Type: ChunkAborted}
		log.Info("stream aborted")
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		final = Chunk{Type: ChunkError, Error: timeoutStreamError}
		log.Warn("stream timed out", zap.Duration("timeout", m.runTimeout))
	default:
		final = Chunk{Type: ChunkError, Error: userFacingError(err)}
		log.Error("stream failed", zap.Error(err))
	}
	emit(final)

	if err := m.withBroker(func(bctx context.Context) error {
		return m.broker.Finish(bctx, req.AppID, state.StreamID, statusFor(final.Type))
	}); err != nil {
		log.Warn("failed to finish stream", zap.Error(err))
	}
}

// withBroker runs fn with a context detached from the stream so an aborted
// stream can still record its final chunk
func (m *Manager) withBroker(fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), brokerTimeout)
	defer cancel()
	return fn(ctx)
}

func (m *Manager) release(appID string, s *activeStream) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active[appID] == s {
		delete(m.active, appID)
	}
}

// StopStream aborts the running stream of an app. It reports whether one was running here.
func (m *Manager) StopStream(appID string) bool {
	m.mu.Lock()
	s := m.active[appID]
	m.mu.Unlock()
	if s == nil {
		return false
	}
	s.cancel()
	metrics.Get().StreamsAbortedTotal.Inc()
	return true
}

// IsActive reports whether a stream for appID runs on this instance
func (m *Manager) IsActive(appID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[appID]
	return ok
}

// State returns the latest stream of the app
func (m *Manager) State(ctx context.Context, appID string) (*State, error) {
	return m.broker.State(ctx, appID)
}

// Replay returns the buffered chunks of the latest stream of an app
func (m *Manager) Replay(ctx context.Context, appID string) ([]Chunk, error) {
	state, err := m.broker.State(ctx, appID)
	if err != nil || state == nil {
		return nil, err
	}
	chunks, err := m.broker.Replay(ctx, appID)
	if err != nil {
		return nil, err
	}
	out := chunks[:0]
	for _, c := range chunks {
		if c.StreamID == state.StreamID {
			out = append(out, c)
		}
	}
	return out, nil
}

// Follow delivers every chunk published for an app, across streams, until
// cancel is called. Chunks buffered before the call are not delivered.
func (m *Manager) Follow(ctx context.Context, appID string) (<-chan Chunk, func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	live, stop, err := m.broker.Subscribe(ctx, appID)
	if err != nil {
		cancel()
		return nil, nil, err
	}

	out := make(chan Chunk, subscriberBuffer)
	f := m.newFollower(ctx, appID, out)
	if seen, err := m.broker.Replay(ctx, appID); err == nil {
		f.seed(seen)
	}
	go func() {
		defer close(out)
		defer stop()
		f.loop(live)
	}()
	return out, cancel, nil
}

// Subscribe replays the latest stream of an app and then follows it live
// until its terminal chunk. The channel is closed when the stream ends or
// ctx is cancelled. ErrNoStream means there is nothing to replay.
func (m *Manager) Subscribe(ctx context.Context, appID string) (<-chan Chunk, error) {
	live, cancel, err := m.broker.Subscribe(ctx, appID)
	if err != nil {
		return nil, err
	}

	state, err := m.broker.State(ctx, appID)
	if err != nil {
		cancel()
		return nil, err
	}
	if state == nil {
		cancel()
		return nil, ErrNoStream
	}
	replay, err := m.broker.Replay(ctx, appID)
	if err != nil {
		cancel()
		return nil, err
	}

	out := make(chan Chunk, subscriberBuffer)
	f := m.newFollower(ctx, appID, out)
	f.pinned = true
	f.streamID = state.StreamID
	f.activity = state.StartedAt
	go func() {
		defer close(out)
		defer cancel()

		for _, c := range replay {
			if f.relay(c) {
				return
			}
		}
		if !state.Running() {
			if !f.ended[state.StreamID] {
				f.endWith(state.StreamID, state.MessageID, terminalFor(state.Status))
			}
			return
		}
		f.loop(live)
	}()
	return out, nil
}

// Shutdown aborts every running stream and waits for them to record their
// final chunk, or until ctx is done. Subscribers are then released, so
// long-lived requests following a stream end before the HTTP server drains.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.baseCancel()
	defer m.drainOnce.Do(func() { close(m.drained) })

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// userFacingError keeps upstream model errors readable and hides the rest
func userFacingError(err error) string {
	var apiErr *ai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return genericStreamError
}

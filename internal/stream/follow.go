package stream

import (
	"context"
	"time"

	"aun-builder/internal/logging"
	"aun-builder/internal/metrics"

	"go.uber.org/zap"
)

const (
	// DefaultResyncInterval is how long a follower waits on a quiet live
	// channel before it checks the broker for chunks it missed
	DefaultResyncInterval = 2 * time.Second
	// DefaultStaleAfter is how long a running stream with no producer on this
	// instance may go without chunks before it is finished as aborted
	DefaultStaleAfter = 5 * time.Minute

	staleGrace = time.Minute
)

// follower relays broker chunks in seq order per stream. The broker may drop
// chunks for a slow reader; they are recovered from Replay when a gap shows
// up or the live channel goes quiet.
type follower struct {
	m     *Manager
	ctx   context.Context
	appID string
	out   chan<- Chunk

	// pinned followers stop after the terminal chunk of streamID
	pinned   bool
	streamID string

	last     map[string]int64
	ended    map[string]bool
	activity time.Time
	heard    time.Time
}

func (m *Manager) newFollower(ctx context.Context, appID string, out chan<- Chunk) *follower {
	return &follower{
		m:     m,
		ctx:   ctx,
		appID: appID,
		out:   out,
		last:  make(map[string]int64),
		ended: make(map[string]bool),
		heard: time.Now(),
	}
}

// seed marks chunks as already seen without delivering them
func (f *follower) seed(chunks []Chunk) {
	for _, c := range chunks {
		if c.Seq > f.last[c.StreamID] {
			f.last[c.StreamID] = c.Seq
		}
		if c.Terminal() {
			f.ended[c.StreamID] = true
		}
		f.observe(c)
	}
}

func (f *follower) observe(c Chunk) {
	if c.Time.After(f.activity) {
		f.activity = c.Time
	}
}

// loop relays live chunks until the follower is done, ctx ends or the broker
// closes the subscription
func (f *follower) loop(live <-chan Chunk) {
	tick := time.NewTicker(f.m.resyncEvery)
	defer tick.Stop()

	for {
		select {
		case <-f.ctx.Done():
			return
		case <-f.m.drained:
			if f.pinned {
				f.catchUp(f.streamID)
			}
			return
		case c, ok := <-live:
			if !ok {
				return
			}
			f.heard = time.Now()
			if f.relay(c) {
				return
			}
		case <-tick.C:
			if time.Since(f.heard) < f.m.resyncEvery {
				continue
			}
			if f.resync() {
				return
			}
		}
	}
}

// relay delivers c, filling any gap before it from the broker's buffer. It
// reports whether the follower is done.
func (f *follower) relay(c Chunk) bool {
	if f.pinned && c.StreamID != f.streamID {
		return false
	}
	if c.Seq > f.last[c.StreamID]+1 {
		metrics.Get().StreamResyncsTotal.WithLabelValues("gap").Inc()
		if f.catchUp(c.StreamID) {
			return true
		}
	}
	if c.Seq <= f.last[c.StreamID] {
		return false
	}
	return f.send(c)
}

// send reports whether the follower is done: ctx ended, or a pinned
// follower delivered its terminal chunk
func (f *follower) send(c Chunk) bool {
	select {
	case f.out <- c:
	case <-f.ctx.Done():
		return true
	}
	f.last[c.StreamID] = c.Seq
	f.observe(c)
	if !c.Terminal() {
		return false
	}
	f.ended[c.StreamID] = true
	return f.pinned
}

// catchUp delivers the buffered chunks of streamID not seen yet
func (f *follower) catchUp(streamID string) bool {
	chunks, err := f.m.broker.Replay(f.ctx, f.appID)
	if err != nil {
		logging.L().Warn("failed to replay stream", zap.String("app_id", f.appID), zap.Error(err))
		return f.ctx.Err() != nil
	}
	for _, c := range chunks {
		if c.StreamID != streamID || c.Seq <= f.last[streamID] {
			continue
		}
		if f.send(c) {
			return true
		}
	}
	return false
}

// resync runs when the live channel has been quiet. It recovers missed
// chunks, ends a pinned follower whose stream finished or was replaced
// without a terminal chunk reaching it, and reaps orphaned streams.
func (f *follower) resync() bool {
	state, err := f.m.broker.State(f.ctx, f.appID)
	if err != nil {
		logging.L().Warn("failed to read stream state", zap.String("app_id", f.appID), zap.Error(err))
		return f.ctx.Err() != nil
	}
	if state == nil {
		if f.pinned {
			return f.end(ChunkAborted)
		}
		return false
	}
	if f.pinned && state.StreamID != f.streamID {
		// Replaced; the buffer now holds the new stream
		return f.end(ChunkAborted)
	}
	if f.ended[state.StreamID] {
		return false
	}

	metrics.Get().StreamResyncsTotal.WithLabelValues("idle").Inc()
	if f.catchUp(state.StreamID) {
		return true
	}
	if f.ended[state.StreamID] {
		return false
	}

	if !state.Running() {
		return f.endWith(state.StreamID, state.MessageID, terminalFor(state.Status))
	}
	if f.m.orphaned(state, f.activity) {
		f.m.reap(state, f.last[state.StreamID])
		return f.catchUp(state.StreamID)
	}
	return false
}

// end finishes a pinned follower with a synthesized terminal chunk
func (f *follower) end(t ChunkType) bool {
	return f.endWith(f.streamID, "", t)
}

func (f *follower) endWith(streamID, messageID string, t ChunkType) bool {
	c := Chunk{
		Seq:       f.last[streamID] + 1,
		StreamID:  streamID,
		Type:      t,
		MessageID: messageID,
		Time:      time.Now().UTC(),
	}
	if t == ChunkError {
		c.Error = genericStreamError
	}
	return f.send(c)
}

// orphaned reports whether a running stream has no producer left: none runs
// here and it has outlived the run timeout or gone quiet for staleAfter
func (m *Manager) orphaned(state *State, activity time.Time) bool {
	if m.IsActive(state.AppID) {
		return false
	}
	if time.Since(state.StartedAt) > m.runTimeout+staleGrace {
		return true
	}
	if state.StartedAt.After(activity) {
		activity = state.StartedAt
	}
	return time.Since(activity) > m.staleAfter
}

// reap records an aborted terminal for a stream whose producer is gone, so
// every follower and later subscriber sees it finished
func (m *Manager) reap(state *State, lastSeq int64) {
	log := logging.L().With(zap.String("app_id", state.AppID), zap.String("stream_id", state.StreamID))
	final := Chunk{
		Seq:       lastSeq + 1,
		StreamID:  state.StreamID,
		Type:      ChunkAborted,
		MessageID: state.MessageID,
		Time:      time.Now().UTC(),
	}
	if err := m.withBroker(func(ctx context.Context) error { return m.broker.Append(ctx, state.AppID, final) }); err != nil {
		log.Warn("failed to record orphaned stream", zap.Error(err))
		return
	}
	if err := m.withBroker(func(ctx context.Context) error {
		return m.broker.Finish(ctx, state.AppID, state.StreamID, StatusAborted)
	}); err != nil {
		log.Warn("failed to finish orphaned stream", zap.Error(err))
		return
	}
	metrics.Get().StreamsAbortedTotal.Inc()
	log.Warn("finished orphaned stream", zap.Time("started_at", state.StartedAt))
}

func terminalFor(status string) ChunkType {
	switch status {
	case StatusDone:
		return ChunkDone
	case StatusError:
		return ChunkError
	default:
		return ChunkAborted
	}
}

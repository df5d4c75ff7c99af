package stream

import (
	"context"
	"sync"
	"time"

	"aun-builder/internal/logging"

	"go.uber.org/zap"
)

// DefaultRetention is how long chunks of a stream stay replayable
const DefaultRetention = time.Hour

const subscriberBuffer = 256

// Broker stores stream state and chunks and fans chunks out to subscribers
type Broker interface {
	// Begin starts a new stream for the app, dropping the previous chunks
	Begin(ctx context.Context, state State) error
	// Append buffers a chunk and publishes it to live subscribers
	Append(ctx context.Context, appID string, chunk Chunk) error
	// Finish marks the stream finished if it is still the app's latest stream
	Finish(ctx context.Context, appID, streamID, status string) error
	// State returns the latest stream of the app, nil when there is none
	State(ctx context.Context, appID string) (*State, error)
	// Replay returns the buffered chunks of the latest stream
	Replay(ctx context.Context, appID string) ([]Chunk, error)
	// Subscribe follows chunks published for the app until cancel is called
	Subscribe(ctx context.Context, appID string) (<-chan Chunk, func(), error)
}

type memoryStream struct {
	state  State
	chunks []Chunk
}

// MemoryBroker keeps streams in process. Used when redis is unavailable.
type MemoryBroker struct {
	retention time.Duration

	mu      sync.Mutex
	streams map[string]*memoryStream
	subs    map[string]map[chan Chunk]struct{}
}

func NewMemoryBroker(retention time.Duration) *MemoryBroker {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &MemoryBroker{
		retention: retention,
		streams:   make(map[string]*memoryStream),
		subs:      make(map[string]map[chan Chunk]struct{}),
	}
}

func (b *MemoryBroker) Begin(ctx context.Context, state State) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streams[state.AppID] = &memoryStream{state: state}
	return nil
}

func (b *MemoryBroker) Append(ctx context.Context, appID string, chunk Chunk) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.streams[appID]; ok && s.state.StreamID == chunk.StreamID {
		s.chunks = append(s.chunks, chunk)
	}
	for ch := range b.subs[appID] {
		select {
		case ch <- chunk:
			continue
		default:
		}
		logging.L().Warn("dropping chunk for slow subscriber",
			zap.String("app_id", appID), zap.Int64("seq", chunk.Seq))
		if !chunk.Terminal() {
			continue
		}
		// A terminal chunk always gets through. It evicts the oldest buffered
		// chunk, which the subscriber sees as a seq gap and rereads.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- chunk:
		default:
		}
	}
	return nil
}

func (b *MemoryBroker) Finish(ctx context.Context, appID, streamID, status string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[appID]
	if !ok || s.state.StreamID != streamID {
		return nil
	}
	now := time.Now().UTC()
	s.state.Status = status
	s.state.FinishedAt = &now
	return nil
}

func (b *MemoryBroker) State(ctx context.Context, appID string) (*State, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.lookup(appID)
	if s == nil {
		return nil, nil
	}
	state := s.state
	return &state, nil
}

func (b *MemoryBroker) Replay(ctx context.Context, appID string) ([]Chunk, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.lookup(appID)
	if s == nil {
		return nil, nil
	}
	return append([]Chunk(nil), s.chunks...), nil
}

func (b *MemoryBroker) Subscribe(ctx context.Context, appID string) (<-chan Chunk, func(), error) {
	ch := make(chan Chunk, subscriberBuffer)

	b.mu.Lock()
	if b.subs[appID] == nil {
		b.subs[appID] = make(map[chan Chunk]struct{})
	}
	b.subs[appID][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[appID], ch)
			if len(b.subs[appID]) == 0 {
				delete(b.subs, appID)
			}
			close(ch)
		})
	}
	return ch, cancel, nil
}

// lookup returns the app's stream, expiring finished streams past retention.
// Callers hold b.mu.
func (b *MemoryBroker) lookup(appID string) *memoryStream {
	s, ok := b.streams[appID]
	if !ok {
		return nil
	}
	if s.state.FinishedAt != nil && time.Since(*s.state.FinishedAt) > b.retention {
		delete(b.streams, appID)
		return nil
	}
	return s
}

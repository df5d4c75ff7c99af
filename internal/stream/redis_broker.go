package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"aun-builder/internal/logging"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisBroker keeps stream state in redis so streams survive reconnects and
// can be followed from any instance. Per app it uses:
//
//	stream:{appId}:state   JSON State
//	stream:{appId}:chunks  list of JSON chunks
//	stream:{appId}         pub/sub channel of JSON chunks
type RedisBroker struct {
	client    *redis.Client
	retention time.Duration
}

func NewRedisBroker(client *redis.Client, retention time.Duration) *RedisBroker {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisBroker{client: client, retention: retention}
}

func stateKey(appID string) string  { return "stream:" + appID + ":state" }
func chunksKey(appID string) string { return "stream:" + appID + ":chunks" }
func channelKey(appID string) string {
	return "stream:" + appID
}

func (b *RedisBroker) Begin(ctx context.Context, state State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, chunksKey(state.AppID))
		pipe.Set(ctx, stateKey(state.AppID), data, b.retention)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to begin stream: %w", err)
	}
	return nil
}

func (b *RedisBroker) Append(ctx context.Context, appID string, chunk Chunk) error {
	data, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, chunksKey(appID), data)
		pipe.Expire(ctx, chunksKey(appID), b.retention)
		pipe.Publish(ctx, channelKey(appID), data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append chunk: %w", err)
	}
	return nil
}

func (b *RedisBroker) Finish(ctx context.Context, appID, streamID, status string) error {
	state, err := b.State(ctx, appID)
	if err != nil || state == nil || state.StreamID != streamID {
		return err
	}
	now := time.Now().UTC()
	state.Status = status
	state.FinishedAt = &now

	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := b.client.Set(ctx, stateKey(appID), data, b.retention).Err(); err != nil {
		return fmt.Errorf("failed to finish stream: %w", err)
	}
	return nil
}

func (b *RedisBroker) State(ctx context.Context, appID string) (*State, error) {
	data, err := b.client.Get(ctx, stateKey(appID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read stream state: %w", err)
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to decode stream state: %w", err)
	}
	return &state, nil
}

func (b *RedisBroker) Replay(ctx context.Context, appID string) ([]Chunk, error) {
	items, err := b.client.LRange(ctx, chunksKey(appID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to replay stream: %w", err)
	}
	chunks := make([]Chunk, 0, len(items))
	for _, item := range items {
		var c Chunk
		if err := json.Unmarshal([]byte(item), &c); err != nil {
			logging.L().Warn("skipping malformed chunk", zap.String("app_id", appID), zap.Error(err))
			continue
		}
		chunks = append(chunks, c)
	}
	return chunks, nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, appID string) (<-chan Chunk, func(), error) {
	pubsub := b.client.Subscribe(ctx, channelKey(appID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("failed to subscribe to stream: %w", err)
	}

	out := make(chan Chunk, subscriberBuffer)
	done := make(chan struct{})
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			var c Chunk
			if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
				continue
			}
			select {
			case out <- c:
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = pubsub.Close()
		})
	}
	return out, cancel, nil
}

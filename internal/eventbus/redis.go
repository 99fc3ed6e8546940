package eventbus

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/maumercado/taskrunner/internal/logger"
)

const channelName = "taskrunner:events"

// RedisMirror publishes every RunnerEvent to a single Redis Pub/Sub channel
// so multiple runner instances or an external dashboard can observe the
// same event stream the in-process Bus serves locally. Purely additive —
// constructing a Bus without one leaves local fan-out untouched.
type RedisMirror struct {
	client *redis.Client
}

// NewRedisMirror dials no connection itself; client is expected to be a
// configured *redis.Client (addr from RUNNER_EVENTS_REDIS_ADDR).
func NewRedisMirror(client *redis.Client) *RedisMirror {
	return &RedisMirror{client: client}
}

func (r *RedisMirror) Publish(ctx context.Context, event *RunnerEvent) error {
	data, err := event.ToJSON()
	if err != nil {
		return fmt.Errorf("serialize event: %w", err)
	}
	if err := r.client.Publish(ctx, channelName, data).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	logger.Debug().Str("event_type", string(event.Type)).Str("channel", channelName).Msg("event mirrored to redis")
	return nil
}

// SubscribeAll returns a channel of RunnerEvents observed on the mirror
// channel — used by other runner instances or external tooling, not by the
// runner that owns this mirror (it already has the in-process Bus).
func (r *RedisMirror) SubscribeAll(ctx context.Context) (<-chan *RunnerEvent, error) {
	pubsub := r.client.Subscribe(ctx, channelName)
	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	out := make(chan *RunnerEvent, 100)
	go func() {
		defer close(out)
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				event, err := FromJSON([]byte(msg.Payload))
				if err != nil {
					logger.Error().Err(err).Msg("failed to parse mirrored event")
					continue
				}
				select {
				case out <- event:
				default:
					logger.Warn().Str("event_type", string(event.Type)).Msg("mirror subscriber channel full, dropping event")
				}
			}
		}
	}()
	return out, nil
}

func (r *RedisMirror) Close() error {
	return r.client.Close()
}

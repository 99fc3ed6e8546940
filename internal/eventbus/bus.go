package eventbus

import (
	"context"
	"sync"

	"github.com/maumercado/taskrunner/internal/logger"
)

// Mirror is an optional secondary sink a Bus publishes alongside its local
// subscribers — the Redis-backed cross-instance mirror implements this.
type Mirror interface {
	Publish(ctx context.Context, event *RunnerEvent) error
	Close() error
}

// Bus is a synchronous, in-process publisher. Publish calls every
// subscriber's channel send before returning, preserving the
// happens-before ordering the scheduler thread relies on (an event is never
// observed before the state mutation that produced it, and two events
// published in sequence are never reordered for a given subscriber).
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]chan *RunnerEvent
	nextID      int
	mirror      Mirror
}

// New constructs an in-process Bus. An optional Mirror additionally
// receives every published event; Publish calls it synchronously and only
// logs a mirror error, so a failing mirror never fails Publish.
func New(mirror Mirror) *Bus {
	return &Bus{
		subscribers: make(map[int]chan *RunnerEvent),
		mirror:      mirror,
	}
}

// Subscribe returns a channel receiving every future event and an unsubscribe
// function. The channel is buffered; a slow subscriber drops events rather
// than blocking the publisher.
func (b *Bus) Subscribe() (<-chan *RunnerEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan *RunnerEvent, 100)
	b.subscribers[id] = ch

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(existing)
		}
	}
	return ch, unsubscribe
}

// Publish fans the event out to every current subscriber and, if configured,
// the Redis mirror. Subscriber fan-out is synchronous with respect to the
// caller; a full subscriber channel drops the event rather than blocking.
func (b *Bus) Publish(event *RunnerEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			logger.Warn().Str("event_type", string(event.Type)).Msg("event subscriber channel full, dropping event")
		}
	}

	if b.mirror != nil {
		if err := b.mirror.Publish(context.Background(), event); err != nil {
			logger.Warn().Err(err).Str("event_type", string(event.Type)).Msg("failed to mirror event")
		}
	}
}

// Close releases every subscriber channel and the mirror, if any.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}

	if b.mirror != nil {
		return b.mirror.Close()
	}
	return nil
}

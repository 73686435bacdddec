package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event is one domain event. Payload must be JSON-serializable; the store
// persists it for audit and replay.
type Event struct {
	ID         string
	Topic      string
	Payload    any
	OccurredAt time.Time
}

// Store persists events before fan-out. A nil store skips persistence.
type Store interface {
	Insert(ctx context.Context, e Event) error
}

// Handler consumes one event. Handlers run concurrently with the publisher
// and must not retain the event payload past their return.
type Handler func(ctx context.Context, e Event)

// Bus is a small in-process publish/subscribe fanout with write-ahead
// persistence. Subscriptions are expected to be set up at boot, before the
// first Publish.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	store    Store
	logger   zerolog.Logger
	wg       sync.WaitGroup
}

func NewBus(store Store, logger zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[string][]Handler),
		store:    store,
		logger:   logger,
	}
}

// Subscribe registers a handler for a topic.
func (b *Bus) Subscribe(topic string, h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], h)
}

// Publish persists the event and fans it out to subscribers. Persistence
// failure aborts the fan-out so handlers never see an event the audit trail
// does not.
func (b *Bus) Publish(ctx context.Context, topic string, payload any) error {
	e := Event{
		ID:         uuid.NewString(),
		Topic:      topic,
		Payload:    payload,
		OccurredAt: time.Now().UTC(),
	}
	if b.store != nil {
		if err := b.store.Insert(ctx, e); err != nil {
			b.logger.Error().Err(err).Str("topic", topic).Msg("persist event failed")
			return err
		}
	}

	b.mu.RLock()
	subs := append([]Handler(nil), b.handlers[topic]...)
	b.mu.RUnlock()

	for _, h := range subs {
		h := h
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error().Interface("panic", r).Str("topic", topic).Msg("event handler panicked")
				}
			}()
			h(context.WithoutCancel(ctx), e)
		}()
	}
	return nil
}

// Close waits for in-flight handlers to finish.
func (b *Bus) Close() {
	b.wg.Wait()
}

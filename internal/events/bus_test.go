package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (s *memStore) Insert(ctx context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, e)
	return nil
}

func TestPublishPersistsAndFansOut(t *testing.T) {
	st := &memStore{}
	bus := NewBus(st, zerolog.Nop())

	got := make(chan Event, 1)
	bus.Subscribe(TopicPaymentPaid, func(ctx context.Context, e Event) {
		got <- e
	})

	err := bus.Publish(context.Background(), TopicPaymentPaid, map[string]any{"order_id": "ord-1"})
	require.NoError(t, err)

	select {
	case e := <-got:
		require.Equal(t, TopicPaymentPaid, e.Topic)
		require.NotEmpty(t, e.ID)
	case <-time.After(time.Second):
		t.Fatal("handler never invoked")
	}

	require.Len(t, st.events, 1)
	bus.Close()
}

func TestPublishAbortsFanOutOnStoreFailure(t *testing.T) {
	st := &memStore{err: errors.New("db down")}
	bus := NewBus(st, zerolog.Nop())

	invoked := false
	bus.Subscribe(TopicPaymentVoided, func(ctx context.Context, e Event) { invoked = true })

	err := bus.Publish(context.Background(), TopicPaymentVoided, nil)
	require.Error(t, err)
	bus.Close()
	require.False(t, invoked)
}

func TestPublishWithoutSubscribersSucceeds(t *testing.T) {
	bus := NewBus(nil, zerolog.Nop())
	require.NoError(t, bus.Publish(context.Background(), TopicPollTimedOut, nil))
	bus.Close()
}

func TestHandlerPanicDoesNotCrashBus(t *testing.T) {
	bus := NewBus(nil, zerolog.Nop())
	bus.Subscribe(TopicPaymentRefunded, func(ctx context.Context, e Event) {
		panic("boom")
	})
	require.NoError(t, bus.Publish(context.Background(), TopicPaymentRefunded, nil))
	bus.Close()
}

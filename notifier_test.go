package accounts

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, event Event) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func TestAsyncNotifier_DropsWhenFull(t *testing.T) {
	publisher := &mockPublisher{}
	publisher.On("Publish", mock.Anything, mock.Anything).Return(nil)

	n := NewAsyncNotifier(publisher, WithQueueSize(2), WithNotifierLogger(quietLogger{}))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		n.Publish(ctx, UserCreatedEvent{UserID: uuid.New()})
	}
	assert.Equal(t, 2, n.Pending())
	assert.Equal(t, 3, n.Dropped())

	n.Flush(ctx)
	assert.Zero(t, n.Pending())
	publisher.AssertNumberOfCalls(t, "Publish", 2)
}

func TestAsyncNotifier_PublisherErrorsAreSwallowed(t *testing.T) {
	publisher := &mockPublisher{}
	publisher.On("Publish", mock.Anything, mock.MatchedBy(func(e Event) bool {
		return e.EventType() == EventUserRegistered
	})).Return(errBoom)
	publisher.On("Publish", mock.Anything, mock.Anything).Return(nil)

	n := NewAsyncNotifier(publisher, WithNotifierLogger(quietLogger{}))
	ctx := context.Background()

	n.Publish(ctx, UserRegisteredEvent{Email: "a@example.com"})
	n.Publish(ctx, UserEmailConfirmedEvent{Email: "a@example.com"})
	n.Flush(ctx)

	publisher.AssertNumberOfCalls(t, "Publish", 2)
}

func TestAsyncNotifier_RecoversPublisherPanic(t *testing.T) {
	calls := 0
	n := NewAsyncNotifier(PublisherFunc(func(context.Context, Event) error {
		calls++
		if calls == 1 {
			panic("transport bug")
		}
		return nil
	}), WithNotifierLogger(quietLogger{}))

	ctx := context.Background()
	n.Publish(ctx, UserCreatedEvent{})
	n.Publish(ctx, UserCreatedEvent{})

	assert.NotPanics(t, func() { n.Flush(ctx) })
	assert.Equal(t, 2, calls)
}

func TestAsyncNotifier_RunDrainsOnShutdown(t *testing.T) {
	var (
		mu        sync.Mutex
		delivered []string
	)
	n := NewAsyncNotifier(PublisherFunc(func(_ context.Context, e Event) error {
		mu.Lock()
		defer mu.Unlock()
		delivered = append(delivered, e.EventType())
		return nil
	}), WithNotifierLogger(quietLogger{}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		n.Run(ctx)
	}()

	n.Publish(ctx, UserRegisteredEvent{})
	n.Publish(ctx, InvitationCreatedEvent{})
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	mu.Lock()
	assert.ElementsMatch(t, []string{EventUserRegistered, EventInvitationCreated}, delivered)
	mu.Unlock()

	// publishing after shutdown is dropped
	n.Publish(context.Background(), UserCreatedEvent{})
	assert.Equal(t, 1, n.Dropped())
	assert.Zero(t, n.Pending())
}

func TestLogPublisher(t *testing.T) {
	err := LogPublisher{Logger: quietLogger{}}.Publish(context.Background(), UserCreatedEvent{Email: "a@example.com"})
	require.NoError(t, err)

	assert.NoError(t, PublisherFunc(nil).Publish(context.Background(), UserCreatedEvent{}))
}

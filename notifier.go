package accounts

import (
	"context"
	"encoding/json"
	"sync"
)

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(ctx context.Context, event Event) error

// Publish implements Publisher.
func (f PublisherFunc) Publish(ctx context.Context, event Event) error {
	if f == nil {
		return nil
	}
	return f(ctx, event)
}

// LogPublisher writes events to a Logger. Useful in development and as the
// fallback when no transport is configured.
type LogPublisher struct {
	Logger Logger
}

func (p LogPublisher) Publish(_ context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	resolveLogger(p.Logger).Info("event %s %s", event.EventType(), payload)
	return nil
}

type noopNotifier struct{}

func (noopNotifier) Publish(context.Context, Event) {}

func normalizeNotifier(n EventNotifier) EventNotifier {
	if n == nil {
		return noopNotifier{}
	}
	return n
}

// AsyncNotifier is a bounded outbound queue drained by Run. Publish never
// blocks: when the queue is full the event is dropped and logged.
type AsyncNotifier struct {
	queue     chan Event
	publisher Publisher
	logger    Logger

	mu      sync.Mutex
	closed  bool
	dropped int
}

type AsyncNotifierOption func(*AsyncNotifier)

func WithNotifierLogger(logger Logger) AsyncNotifierOption {
	return func(n *AsyncNotifier) {
		if logger != nil {
			n.logger = logger
		}
	}
}

func WithQueueSize(size int) AsyncNotifierOption {
	return func(n *AsyncNotifier) {
		if size > 0 {
			n.queue = make(chan Event, size)
		}
	}
}

func NewAsyncNotifier(publisher Publisher, opts ...AsyncNotifierOption) *AsyncNotifier {
	n := &AsyncNotifier{
		queue:     make(chan Event, 256),
		publisher: publisher,
		logger:    defLogger{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(n)
		}
	}
	return n
}

func (n *AsyncNotifier) Publish(_ context.Context, event Event) {
	if event == nil {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		n.dropped++
		n.logger.Warn("notifier closed, dropping event %s", event.EventType())
		return
	}

	select {
	case n.queue <- event:
	default:
		n.dropped++
		n.logger.Warn("notifier queue full, dropping event %s", event.EventType())
	}
}

// Run drains the queue until ctx is done, then flushes what is left with a
// fresh context. Publisher errors are logged and the event is not retried.
func (n *AsyncNotifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			n.close()
			n.drain(context.WithoutCancel(ctx))
			return
		case event := <-n.queue:
			n.deliver(ctx, event)
		}
	}
}

// Flush delivers everything currently queued. Meant for tests and shutdown.
func (n *AsyncNotifier) Flush(ctx context.Context) {
	n.drain(ctx)
}

func (n *AsyncNotifier) drain(ctx context.Context) {
	for {
		select {
		case event := <-n.queue:
			n.deliver(ctx, event)
		default:
			return
		}
	}
}

func (n *AsyncNotifier) deliver(ctx context.Context, event Event) {
	if n.publisher == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("publisher panicked on event %s: %v", event.EventType(), r)
		}
	}()
	if err := n.publisher.Publish(ctx, event); err != nil {
		n.logger.Warn("failed to publish event %s: %v", event.EventType(), err)
	}
}

func (n *AsyncNotifier) close() {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
}

// Dropped returns how many events were discarded.
func (n *AsyncNotifier) Dropped() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dropped
}

// Pending returns the number of queued events.
func (n *AsyncNotifier) Pending() int {
	return len(n.queue)
}

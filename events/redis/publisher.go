// Package redis publishes account integration events to a Redis stream.
package redis

import (
	"context"
	"encoding/json"
	"time"

	accounts "github.com/goliatone/go-accounts"
	goerrors "github.com/goliatone/go-errors"
	"github.com/redis/go-redis/v9"
)

// DefaultStream is the stream key used when none is configured.
const DefaultStream = "accounts.events"

// StreamAdder is the subset of the redis client used by the publisher.
type StreamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// StreamPublisher implements accounts.Publisher with XADD. Each entry carries
// the event type and its JSON payload.
type StreamPublisher struct {
	client StreamAdder
	stream string
	maxLen int64
	now    func() time.Time
}

type Option func(*StreamPublisher)

func WithStream(name string) Option {
	return func(p *StreamPublisher) {
		if name != "" {
			p.stream = name
		}
	}
}

// WithMaxLen caps the stream length using approximate trimming.
func WithMaxLen(n int64) Option {
	return func(p *StreamPublisher) {
		p.maxLen = n
	}
}

func NewStreamPublisher(client StreamAdder, opts ...Option) *StreamPublisher {
	p := &StreamPublisher{
		client: client,
		stream: DefaultStream,
		maxLen: 10000,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

var _ accounts.Publisher = (*StreamPublisher)(nil)

func (p *StreamPublisher) Publish(ctx context.Context, event accounts.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to encode event")
	}

	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			"type":        event.EventType(),
			"payload":     string(payload),
			"occurred_at": p.now().UTC().Format(time.RFC3339Nano),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}

	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryOperation, "failed to publish event").
			WithMetadata(map[string]any{"stream": p.stream, "type": event.EventType()})
	}
	return nil
}

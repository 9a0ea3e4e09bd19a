package redis

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	accounts "github.com/goliatone/go-accounts"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStream struct {
	args []*redis.XAddArgs
	err  error
}

func (f *fakeStream) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.args = append(f.args, a)
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	return redis.NewStringResult("1-0", nil)
}

func TestStreamPublisher_Publish(t *testing.T) {
	stream := &fakeStream{}
	pub := NewStreamPublisher(stream, WithStream("school.accounts"), WithMaxLen(50))
	pub.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	userID := uuid.New()
	err := pub.Publish(context.Background(), accounts.UserRegisteredEvent{
		UserID:    userID,
		Email:     "jane@example.com",
		FirstName: "Jane",
	})
	require.NoError(t, err)

	require.Len(t, stream.args, 1)
	args := stream.args[0]
	assert.Equal(t, "school.accounts", args.Stream)
	assert.Equal(t, int64(50), args.MaxLen)
	assert.True(t, args.Approx)

	values := args.Values.(map[string]any)
	assert.Equal(t, accounts.EventUserRegistered, values["type"])
	assert.Equal(t, "2026-01-02T03:04:05Z", values["occurred_at"])

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(values["payload"].(string)), &decoded))
	assert.Equal(t, "jane@example.com", decoded["email"])
}

func TestStreamPublisher_PublishError(t *testing.T) {
	stream := &fakeStream{err: errors.New("connection refused")}
	pub := NewStreamPublisher(stream)

	err := pub.Publish(context.Background(), accounts.UserEmailConfirmedEvent{Email: "a@example.com"})
	require.Error(t, err)
	assert.Equal(t, DefaultStream, stream.args[0].Stream)
}

func TestStreamPublisher_BehindAsyncNotifier(t *testing.T) {
	stream := &fakeStream{err: errors.New("down")}
	notifier := accounts.NewAsyncNotifier(NewStreamPublisher(stream))

	// delivery failures never reach the caller of Publish
	notifier.Publish(context.Background(), accounts.UserEmailConfirmedEvent{Email: "a@example.com"})
	notifier.Flush(context.Background())

	assert.Len(t, stream.args, 1)
}

package repository

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/npezzotti/redischat/internal/store"
	"github.com/npezzotti/redischat/internal/testutil"
	"github.com/npezzotti/redischat/internal/types"
)

func TestTopic(t *testing.T) {
	assert.Equal(t, "channel:7", Topic(7))
}

func TestMessageSaveRoundTrip(t *testing.T) {
	repos, mr := newTestRepos(t)
	ctx := context.Background()

	msg := &types.Message{
		Channel:   1,
		User:      2,
		Text:      "hello",
		Timestamp: time.Now().Unix(),
	}
	require.NoError(t, repos.Messages.Save(ctx, msg))
	assert.NotZero(t, msg.Id)

	got, err := repos.Messages.GetOne(ctx, msg.Id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, *msg, *got)

	// both relation sides are recorded
	assert.True(t, mr.Exists("channel:1:messages"))
	assert.True(t, mr.Exists("user:2:messages"))
}

func TestMessageSaveSystem(t *testing.T) {
	repos, mr := newTestRepos(t)
	ctx := context.Background()

	msg := &types.Message{
		Channel:   1,
		Text:      "alice has subscribed to the channel",
		Timestamp: time.Now().Unix(),
	}
	require.NoError(t, repos.Messages.Save(ctx, msg))

	// system messages carry no sender, so no user-side relation
	assert.True(t, mr.Exists("channel:1:messages"))
	assert.False(t, mr.Exists("user:0:messages"))

	got, err := repos.Messages.GetOne(ctx, msg.Id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Zero(t, got.User)
}

func TestMessageFilterOrdering(t *testing.T) {
	repos, _ := newTestRepos(t)
	ctx := context.Background()

	base := time.Now().Unix()
	// stored out of order; the relation set itself is unordered
	for _, offset := range []int64{5, 1, 3} {
		msg := &types.Message{Channel: 1, User: 2, Text: "m", Timestamp: base + offset}
		require.NoError(t, repos.Messages.Save(ctx, msg))
	}

	messages, err := repos.Messages.Filter(ctx, Query{Channel: 1})
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.Equal(t, base+1, messages[0].Timestamp)
	assert.Equal(t, base+3, messages[1].Timestamp)
	assert.Equal(t, base+5, messages[2].Timestamp)

	other, err := repos.Messages.Filter(ctx, Query{Channel: 2})
	require.NoError(t, err)
	assert.Empty(t, other, "expected no messages for another channel")

	_, err = repos.Messages.Filter(ctx, Query{Name: "general"})
	assert.ErrorIs(t, err, store.ErrInvalidQuery)
}

func TestMessageDelete(t *testing.T) {
	repos, _ := newTestRepos(t)
	ctx := context.Background()

	msg := &types.Message{Channel: 1, User: 2, Text: "hello", Timestamp: time.Now().Unix()}
	require.NoError(t, repos.Messages.Save(ctx, msg))
	require.NoError(t, repos.Messages.Delete(ctx, msg))

	got, err := repos.Messages.GetOne(ctx, msg.Id)
	assert.NoError(t, err)
	assert.Nil(t, got)

	messages, err := repos.Messages.Filter(ctx, Query{Channel: 1})
	require.NoError(t, err)
	assert.Empty(t, messages, "expected relation entry to be gone")
}

func TestMessagePublishFanOut(t *testing.T) {
	s, _ := testutil.TestStore(t)
	repos := New(s)
	ctx := context.Background()

	subA := s.Subscribe(ctx, Topic(1))
	defer subA.Close()
	subB := s.Subscribe(ctx, Topic(1))
	defer subB.Close()
	_, err := subA.Receive(ctx)
	require.NoError(t, err)
	_, err = subB.Receive(ctx)
	require.NoError(t, err)

	// a subscriber that left before publish receives nothing
	subGone := s.Subscribe(ctx, Topic(1))
	_, err = subGone.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, subGone.Unsubscribe(ctx, Topic(1)))

	first := &types.Message{Channel: 1, User: 2, Text: "first", Timestamp: time.Now().Unix()}
	require.NoError(t, repos.Messages.Save(ctx, first))
	require.NoError(t, repos.Messages.Publish(ctx, first, "alice"))

	second := &types.Message{Channel: 1, Text: "second", Timestamp: time.Now().Unix()}
	require.NoError(t, repos.Messages.Save(ctx, second))
	require.NoError(t, repos.Messages.Publish(ctx, second, ""))

	recv := func(name string, sub *redis.PubSub) []MessageEvent {
		t.Helper()

		var events []MessageEvent
		for i := 0; i < 2; i++ {
			rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			msg, err := sub.ReceiveMessage(rctx)
			cancel()
			require.NoError(t, err, "expected %s to receive message %d", name, i)

			var event MessageEvent
			require.NoError(t, json.Unmarshal([]byte(msg.Payload), &event))
			events = append(events, event)
		}
		return events
	}

	for name, sub := range map[string]*redis.PubSub{"subA": subA, "subB": subB} {
		events := recv(name, sub)
		require.Len(t, events, 2)

		// publish order is preserved, no duplication
		assert.Equal(t, first.Id, events[0].Id)
		require.NotNil(t, events[0].User)
		assert.Equal(t, "alice", *events[0].User)
		assert.Equal(t, "first", events[0].Text)

		assert.Equal(t, second.Id, events[1].Id)
		assert.Nil(t, events[1].User, "expected system message sender to be null")
	}

	// nothing was queued for the unsubscribed connection
	rctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = subGone.ReceiveMessage(rctx)
	assert.Error(t, err, "expected unsubscribed connection to receive nothing")
	subGone.Close()
}

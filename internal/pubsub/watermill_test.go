package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type notice struct {
	ChannelID string `json:"channelId"`
	Text      string `json:"text"`
}

var testTopic = NewEvent[notice]("chatsync.test.notice", "test notices")

func TestTypedPublishSubscribe(t *testing.T) {
	bus := NewWatermillBridge()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan notice, 1)
	require.NoError(t, Subscribe(ctx, bus, testTopic, func(_ context.Context, n notice) error {
		got <- n
		return nil
	}))

	require.NoError(t, Publish(ctx, bus, testTopic, notice{ChannelID: "general", Text: "hi"}, "channel_id", "general"))

	select {
	case n := <-got:
		assert.Equal(t, "general", n.ChannelID)
		assert.Equal(t, "hi", n.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for typed event")
	}
}

func TestMessageMapping(t *testing.T) {
	in := Message{
		Topic:    "chatsync.status.notice",
		UserID:   "alice",
		Payload:  []byte(`{}`),
		Metadata: map[string]string{"channel_id": "general"},
	}

	out := mapToPubSubMessage(mapToWatermillMessage(in))
	assert.Equal(t, in.Topic, out.Topic)
	assert.Equal(t, in.UserID, out.UserID)
	assert.Equal(t, "general", out.Metadata["channel_id"])
	assert.Equal(t, "alice", out.Metadata["user_id"])
}

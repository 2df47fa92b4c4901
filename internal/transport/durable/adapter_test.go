package durable

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/chatsync/internal/domain"
	"github.com/nfrund/chatsync/internal/events"
	"github.com/nfrund/chatsync/internal/models"
	"github.com/nfrund/chatsync/internal/persistence"
	"github.com/nfrund/chatsync/internal/pubsub"
	"github.com/nfrund/chatsync/internal/transport"
)

type failingFeed struct{}

func (failingFeed) Watch(context.Context, string, func([]models.MessageRecord)) (func(), error) {
	return nil, errors.New("connection refused")
}

func TestAdapter_SubscribeFailureIsTransportUnavailable(t *testing.T) {
	a := New(failingFeed{})
	_, err := a.Subscribe(context.Background(), "general", func(events.Event) {})
	assert.ErrorIs(t, err, domain.ErrTransportUnavailable)
}

func TestAdapter_MemoryStoreEndToEnd(t *testing.T) {
	store := persistence.NewMemoryStore()
	a := New(store)
	ctx := context.Background()

	var mu sync.Mutex
	var got []events.Event
	unsub, err := a.Subscribe(ctx, "general", func(e events.Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	})
	require.NoError(t, err)

	rec, err := store.CreateMessage(ctx, persistence.CreateMessageRequest{ChannelID: "general", AuthorID: "alice", Content: "hi"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range got {
			if c, ok := e.(events.MessageCreated); ok && c.Message.ID == rec.ID {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)

	unsub()
	unsub()
	mu.Lock()
	n := len(got)
	mu.Unlock()

	require.NoError(t, store.DeleteMessage(ctx, rec.ID, "alice"))
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, got, n, "no events after unsubscribe")
}

func TestAdapter_FeedReconnectReportsHealth(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		if conns.Add(1) == 1 {
			// first connection drops as if the server restarted
			conn.Close(websocket.StatusGoingAway, "restarting")
			return
		}
		_, _, _ = conn.Read(r.Context())
		conn.CloseNow()
	}))
	defer srv.Close()

	bus := pubsub.NewWatermillBridge()
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []transport.Health
	require.NoError(t, pubsub.Subscribe(ctx, bus, transport.TopicHealth, func(_ context.Context, h transport.Health) error {
		mu.Lock()
		got = append(got, h)
		mu.Unlock()
		return nil
	}))

	feed := persistence.NewFeedClient("ws" + strings.TrimPrefix(srv.URL, "http"))
	a := New(feed, WithHealthReporter(transport.NewHealthReporter(bus)))
	unsub, err := a.Subscribe(ctx, "general", func(events.Event) {})
	require.NoError(t, err)
	defer unsub()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		var up, down int
		for _, h := range got {
			assert.Equal(t, events.SourceDurable, h.Source)
			assert.Equal(t, "general", h.ChannelID)
			if h.Up {
				up++
			} else {
				down++
				assert.NotEmpty(t, h.Error)
			}
		}
		return down == 1 && up == 2
	}, 5*time.Second, 20*time.Millisecond)
	assert.EqualValues(t, 2, conns.Load())
}

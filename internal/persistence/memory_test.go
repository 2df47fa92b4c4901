package persistence

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/chatsync/internal/domain"
	"github.com/nfrund/chatsync/internal/models"
	"github.com/nfrund/chatsync/internal/reactions"
)

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func newStore(opts ...MemoryOption) *MemoryStore {
	clock := &stepClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	return NewMemoryStore(append([]MemoryOption{WithStoreClock(clock.Now)}, opts...)...)
}

func TestMemoryStore_CreateEchoesCorrelationID(t *testing.T) {
	s := newStore()
	rec, err := s.CreateMessage(context.Background(), CreateMessageRequest{
		ChannelID:     "general",
		AuthorID:      "alice",
		Content:       "hi",
		Mentions:      []string{"bob", "bob", "carol"},
		CorrelationID: "corr-1",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "corr-1", rec.CorrelationID)
	assert.Equal(t, []string{"bob", "carol"}, rec.Mentions)
	assert.Equal(t, models.StatusConfirmed, rec.Status)
}

func TestMemoryStore_CreateRejectsEmpty(t *testing.T) {
	s := newStore()
	_, err := s.CreateMessage(context.Background(), CreateMessageRequest{ChannelID: "general", AuthorID: "alice", Content: "  "})
	assert.ErrorIs(t, err, domain.ErrMutationRejected)
}

func TestMemoryStore_EditAndDeleteRequireAuthor(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	rec, err := s.CreateMessage(ctx, CreateMessageRequest{ChannelID: "general", AuthorID: "alice", Content: "v1"})
	require.NoError(t, err)

	_, err = s.EditMessage(ctx, rec.ID, EditMessageRequest{Content: "v2", AuthorID: "mallory"})
	assert.ErrorIs(t, err, domain.ErrMutationRejected)

	edited, err := s.EditMessage(ctx, rec.ID, EditMessageRequest{Content: "v2", AuthorID: "alice"})
	require.NoError(t, err)
	assert.True(t, edited.Edited)
	assert.True(t, edited.UpdatedAt.After(rec.UpdatedAt))

	assert.ErrorIs(t, s.DeleteMessage(ctx, rec.ID, "mallory"), domain.ErrMutationRejected)
	require.NoError(t, s.DeleteMessage(ctx, rec.ID, "alice"))
	assert.ErrorIs(t, s.DeleteMessage(ctx, rec.ID, "alice"), domain.ErrMessageNotFound)
}

func TestMemoryStore_ReactDoesNotBumpRevision(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	rec, _ := s.CreateMessage(ctx, CreateMessageRequest{ChannelID: "general", AuthorID: "alice", Content: "hi"})

	require.NoError(t, s.React(ctx, rec.ID, ReactionRequest{UserID: "bob", Emoji: "👍", Type: reactions.Add}))
	snap := s.Snapshot("general")
	require.Len(t, snap, 1)
	assert.Equal(t, []string{"bob"}, snap[0].Reactions["👍"])
	assert.Equal(t, rec.UpdatedAt, snap[0].UpdatedAt)

	err := s.React(ctx, rec.ID, ReactionRequest{UserID: "bob", Emoji: "👍", Type: "flip"})
	assert.ErrorIs(t, err, domain.ErrMutationRejected)
}

func TestMemoryStore_HistoryNewestFirstStrictlyBefore(t *testing.T) {
	s := newStore()
	ctx := context.Background()
	var created []models.MessageRecord
	for i := 0; i < 30; i++ {
		rec, err := s.CreateMessage(ctx, CreateMessageRequest{ChannelID: "general", AuthorID: "alice", Content: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
		created = append(created, rec)
	}

	page, err := s.History(ctx, HistoryQuery{ChannelID: "general", Limit: 25})
	require.NoError(t, err)
	require.Len(t, page, 25)
	assert.Equal(t, created[29].ID, page[0].ID)
	assert.Equal(t, created[5].ID, page[24].ID)

	older, err := s.History(ctx, HistoryQuery{ChannelID: "general", Before: page[24].CreatedAt, Limit: 25})
	require.NoError(t, err)
	require.Len(t, older, 5)
	assert.Equal(t, created[4].ID, older[0].ID)
}

func TestMemoryStore_WatchPushesSnapshots(t *testing.T) {
	s := newStore(WithSnapshotSize(2))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snaps := make(chan []models.MessageRecord, 16)
	stop, err := s.Watch(ctx, "general", func(recs []models.MessageRecord) { snaps <- recs })
	require.NoError(t, err)
	defer stop()

	select {
	case initial := <-snaps:
		assert.Empty(t, initial)
	case <-time.After(time.Second):
		t.Fatal("no initial snapshot")
	}

	for i := 0; i < 3; i++ {
		_, err := s.CreateMessage(ctx, CreateMessageRequest{ChannelID: "general", AuthorID: "alice", Content: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
	}

	assert.Eventually(t, func() bool {
		for {
			select {
			case snap := <-snaps:
				if len(snap) == 2 && snap[1].Content == "m2" {
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, 10*time.Millisecond)

	// other channels never reach this watcher
	_, _ = s.CreateMessage(ctx, CreateMessageRequest{ChannelID: "random", AuthorID: "alice", Content: "x"})
	select {
	case snap := <-snaps:
		for _, m := range snap {
			assert.Equal(t, "general", m.ChannelID)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

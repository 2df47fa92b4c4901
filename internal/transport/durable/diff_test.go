package durable

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/chatsync/internal/events"
	"github.com/nfrund/chatsync/internal/models"
	"github.com/nfrund/chatsync/internal/reactions"
)

var t0 = time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC)

func rec(id string, sec int) models.MessageRecord {
	at := t0.Add(time.Duration(sec) * time.Second)
	return models.MessageRecord{ID: id, ChannelID: "general", AuthorID: "alice", Content: id, CreatedAt: at, UpdatedAt: at}
}

func kinds(evs []events.Event) []events.Kind {
	out := make([]events.Kind, len(evs))
	for i, e := range evs {
		out[i] = e.Kind()
	}
	return out
}

func TestDiff_FirstSnapshotCreatesInOrder(t *testing.T) {
	d := newDiffer("general")
	evs := d.Diff([]models.MessageRecord{rec("b", 2), rec("a", 1)})
	require.Len(t, evs, 2)
	assert.Equal(t, "a", events.MessageID(evs[0]))
	assert.Equal(t, events.SourceDurable, evs[0].Source())
}

func TestDiff_UnchangedEmitsNothing(t *testing.T) {
	d := newDiffer("general")
	snap := []models.MessageRecord{rec("a", 1), rec("b", 2)}
	d.Diff(snap)
	assert.Empty(t, d.Diff(snap))
}

func TestDiff_EditAndReactionDeltas(t *testing.T) {
	d := newDiffer("general")
	d.Diff([]models.MessageRecord{rec("a", 1)})

	edited := rec("a", 1)
	edited.Content = "edited"
	edited.Edited = true
	edited.UpdatedAt = t0.Add(time.Minute)
	edited.Reactions = models.Reactions{"👍": {"bob"}}

	evs := d.Diff([]models.MessageRecord{edited})
	assert.Equal(t, []events.Kind{events.KindMessageUpdated, events.KindReactionChanged}, kinds(evs))

	// reaction-only change: no update event
	next := edited.Clone()
	next.Reactions = models.Reactions{"🎉": {"carol"}}
	evs = d.Diff([]models.MessageRecord{next})
	require.Len(t, evs, 2)
	for _, e := range evs {
		rc, ok := e.(events.ReactionChanged)
		require.True(t, ok)
		if rc.Emoji == "👍" {
			assert.Equal(t, reactions.Remove, rc.Op)
		} else {
			assert.Equal(t, reactions.Add, rc.Op)
		}
	}
}

func TestDiff_DeleteVersusScrolledOut(t *testing.T) {
	d := newDiffer("general")
	d.Diff([]models.MessageRecord{rec("a", 1), rec("b", 2), rec("c", 3)})

	// a scrolled out of the window, c was deleted, d is new
	evs := d.Diff([]models.MessageRecord{rec("b", 2), rec("d", 4)})
	assert.Equal(t, []events.Kind{events.KindMessageDeleted, events.KindMessageCreated}, kinds(evs))
	assert.Equal(t, "c", events.MessageID(evs[0]))
	assert.Equal(t, "d", events.MessageID(evs[1]))
}

func TestDiff_EmptySnapshotDeletesEverything(t *testing.T) {
	d := newDiffer("general")
	d.Diff([]models.MessageRecord{rec("a", 1)})
	evs := d.Diff(nil)
	require.Len(t, evs, 1)
	assert.Equal(t, events.KindMessageDeleted, evs[0].Kind())
}

func TestDiff_IgnoresForeignChannel(t *testing.T) {
	d := newDiffer("general")
	other := rec("x", 1)
	other.ChannelID = "random"
	assert.Empty(t, d.Diff([]models.MessageRecord{other}))
}

package timeline

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/nfrund/chatsync/internal/models"
	"github.com/nfrund/chatsync/internal/reactions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

func msg(id string, offset time.Duration) models.MessageRecord {
	at := base.Add(offset)
	return models.MessageRecord{
		ID:        id,
		ChannelID: "general",
		AuthorID:  "alice",
		Content:   "message " + id,
		CreatedAt: at,
		UpdatedAt: at,
	}
}

func ids(tl *Timeline) []string {
	var out []string
	for _, m := range tl.Messages() {
		out = append(out, m.ID)
	}
	return out
}

func assertOrdered(t *testing.T, tl *Timeline) {
	t.Helper()
	msgs := tl.Messages()
	for i := 1; i < len(msgs); i++ {
		assert.False(t, msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt), "out of order at %d", i)
	}
}

func TestApplyCreate_OrderIndependentOfArrival(t *testing.T) {
	var recs []models.MessageRecord
	for i := 0; i < 40; i++ {
		recs = append(recs, msg(fmt.Sprintf("m%02d", i), time.Duration(i)*time.Second))
	}

	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 5; round++ {
		shuffled := append([]models.MessageRecord(nil), recs...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		tl := New("general")
		for _, r := range shuffled {
			tl.ApplyCreate(r)
		}
		require.Equal(t, 40, tl.Len())
		assertOrdered(t, tl)
		assert.Equal(t, "m00", ids(tl)[0])
		assert.Equal(t, "m39", ids(tl)[39])
	}
}

func TestApplyCreate_TiesKeepInsertionOrder(t *testing.T) {
	tl := New("general")
	tl.ApplyCreate(msg("b", 0))
	tl.ApplyCreate(msg("a", 0))
	assert.Equal(t, []string{"b", "a"}, ids(tl))
}

func TestApplyCreate_IgnoresOtherChannel(t *testing.T) {
	tl := New("general")
	m := msg("m1", 0)
	m.ChannelID = "random"
	ch := tl.ApplyCreate(m)
	assert.Equal(t, ChangeNone, ch.Kind)
	assert.Equal(t, 0, tl.Len())
}

func TestApplyCreate_ResolvesPendingInPlace(t *testing.T) {
	tl := New("general")
	tl.ApplyCreate(msg("m1", 0))

	pending := msg(models.NewTemporaryID(), 5*time.Second)
	pending.Content = "hello"
	pending.CorrelationID = "corr-1"
	tl.InsertPending(pending)
	tl.ApplyCreate(msg("m2", 4*time.Second))
	require.Equal(t, 2, tl.Index(pending.ID))

	confirmed := pending
	confirmed.ID = "srv-9"
	confirmed.CreatedAt = base.Add(6 * time.Second)
	confirmed.UpdatedAt = confirmed.CreatedAt
	confirmed.Status = ""

	ch := tl.ApplyCreate(confirmed)
	assert.Equal(t, ChangeResolved, ch.Kind)
	assert.Equal(t, pending.ID, ch.ResolvedTempID)
	assert.Equal(t, 2, ch.Index)
	assert.Equal(t, 3, tl.Len())
	assert.Equal(t, -1, tl.Index(pending.ID))

	got, ok := tl.Get("srv-9")
	require.True(t, ok)
	assert.Equal(t, models.StatusConfirmed, got.Status)

	// the same confirmation via the other transport changes nothing structurally
	tl.ApplyCreate(confirmed)
	assert.Equal(t, 3, tl.Len())
}

func TestApplyCreate_ResolveRepositionsWhenOrderingRequires(t *testing.T) {
	tl := New("general")
	pending := msg(models.NewTemporaryID(), 10*time.Second)
	pending.CorrelationID = "c"
	tl.InsertPending(pending)
	tl.ApplyCreate(msg("m1", 2*time.Second))

	confirmed := pending
	confirmed.ID = "srv"
	confirmed.Status = ""
	confirmed.CreatedAt = base.Add(time.Second)
	confirmed.UpdatedAt = confirmed.CreatedAt

	tl.ApplyCreate(confirmed)
	assert.Equal(t, []string{"srv", "m1"}, ids(tl))
	assertOrdered(t, tl)
}

func TestApplyUpdate_LastWriteWins(t *testing.T) {
	tl := New("general")
	tl.ApplyCreate(msg("m1", 0))

	newer := msg("m1", 0)
	newer.Content = "v2"
	newer.Edited = true
	newer.UpdatedAt = base.Add(2 * time.Second)
	assert.Equal(t, ChangeUpdated, tl.ApplyUpdate(newer).Kind)

	older := msg("m1", 0)
	older.Content = "v1"
	older.UpdatedAt = base.Add(time.Second)
	ch := tl.ApplyUpdate(older)
	assert.True(t, ch.Stale)

	got, _ := tl.Get("m1")
	assert.Equal(t, "v2", got.Content)
}

func TestApplyUpdate_KeepsReactions(t *testing.T) {
	tl := New("general")
	tl.ApplyCreate(msg("m1", 0))
	tl.ApplyReaction("m1", "👍", "bob", reactions.Add)

	edit := msg("m1", 0)
	edit.Content = "edited"
	edit.UpdatedAt = base.Add(time.Second)
	tl.ApplyUpdate(edit)

	got, _ := tl.Get("m1")
	assert.Equal(t, []string{"bob"}, got.Reactions["👍"])
}

func TestApplyUpdate_UnknownOlderThanHistoryIgnored(t *testing.T) {
	tl := New("general")
	tl.ApplyCreate(msg("m5", 5*time.Second))

	ch := tl.ApplyUpdate(msg("m1", time.Second))
	assert.Equal(t, ChangeNone, ch.Kind)
	assert.Equal(t, 1, tl.Len())
}

func TestApplyDelete_Tombstones(t *testing.T) {
	tl := New("general")
	tl.ApplyCreate(msg("m1", 0))

	_, ok := tl.ApplyDelete("m1")
	require.True(t, ok)

	// a lagging transport replays the create and an edit
	assert.Equal(t, ChangeNone, tl.ApplyCreate(msg("m1", 0)).Kind)
	late := msg("m1", 0)
	late.UpdatedAt = base.Add(time.Minute)
	assert.Equal(t, ChangeNone, tl.ApplyUpdate(late).Kind)
	assert.Equal(t, 0, tl.Len())

	// deleting twice is harmless
	_, ok = tl.ApplyDelete("m1")
	assert.False(t, ok)
}

func TestReinsert_RestoresExactPosition(t *testing.T) {
	tl := New("general")
	// equal timestamps so only the sequence number decides position
	for _, id := range []string{"a", "b", "c", "d"} {
		tl.ApplyCreate(msg(id, 0))
	}
	tl.ApplyReaction("c", "🎉", "bob", reactions.Add)
	before := tl.Messages()

	removed, ok := tl.ApplyDelete("c")
	require.True(t, ok)
	assert.Equal(t, 2, removed.Index)
	assert.Equal(t, []string{"a", "b", "d"}, ids(tl))

	ch := tl.Reinsert(removed)
	assert.Equal(t, 2, ch.Index)
	assert.Equal(t, before, tl.Messages())
}

func TestApplyReaction(t *testing.T) {
	tl := New("general")
	tl.ApplyCreate(msg("m1", 0))

	tl.ApplyReaction("m1", "👍", "bob", reactions.Add)
	tl.ApplyReaction("m1", "👍", "carol", reactions.Add)
	tl.ApplyReaction("m1", "👍", "bob", reactions.Add)
	got, _ := tl.Get("m1")
	assert.Equal(t, []string{"bob", "carol"}, got.Reactions["👍"])

	tl.ApplyReaction("m1", "👍", "bob", reactions.Remove)
	tl.ApplyReaction("m1", "👍", "carol", reactions.Remove)
	got, _ = tl.Get("m1")
	_, present := got.Reactions["👍"]
	assert.False(t, present, "emptied emoji key must be removed")

	assert.Equal(t, ChangeNone, tl.ApplyReaction("missing", "👍", "bob", reactions.Add).Kind)
}

func TestLocalEdit_RestoreOnlyWhenUnchanged(t *testing.T) {
	tl := New("general")
	tl.ApplyCreate(msg("m1", 0))

	prior, optimistic, err := tl.ApplyLocalEdit("m1", "draft", base.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, tl.RestoreEdit(prior, optimistic))
	got, _ := tl.Get("m1")
	assert.Equal(t, prior, got)

	prior, optimistic, err = tl.ApplyLocalEdit("m1", "draft 2", base.Add(2*time.Second))
	require.NoError(t, err)

	remote := msg("m1", 0)
	remote.Content = "from another device"
	remote.UpdatedAt = base.Add(3 * time.Second)
	tl.ApplyUpdate(remote)

	assert.False(t, tl.RestoreEdit(prior, optimistic))
	got, _ = tl.Get("m1")
	assert.Equal(t, "from another device", got.Content)

	_, _, err = tl.ApplyLocalEdit("nope", "x", base)
	assert.Error(t, err)
}

func TestResolve_WhenTransportWonTheRace(t *testing.T) {
	tl := New("general")
	pending := msg(models.NewTemporaryID(), 0)
	pending.CorrelationID = "corr"
	tl.InsertPending(pending)

	confirmed := pending
	confirmed.ID = "srv-1"
	confirmed.Status = ""

	// transport echo resolves it first, then the HTTP response arrives
	tl.ApplyCreate(confirmed)
	ch := tl.Resolve(pending.ID, confirmed)
	assert.NotEqual(t, ChangeInserted, ch.Kind)
	assert.Equal(t, []string{"srv-1"}, ids(tl))
}

func TestRemovePending(t *testing.T) {
	tl := New("general")
	pending := msg(models.NewTemporaryID(), 0)
	tl.InsertPending(pending)

	_, ok := tl.RemovePending(pending.ID)
	assert.True(t, ok)
	assert.Equal(t, 0, tl.Len())

	// not tombstoned
	tl.InsertPending(pending)
	assert.Equal(t, 1, tl.Len())
}

func TestReplyTarget(t *testing.T) {
	tl := New("general")
	tl.ApplyCreate(msg("m1", 0))
	reply := msg("m2", time.Second)
	reply.ReplyToID = "m1"
	tl.ApplyCreate(reply)

	target, ok := tl.ReplyTarget("m2")
	require.True(t, ok)
	assert.Equal(t, "m1", target.ID)

	tl.ApplyDelete("m1")
	_, ok = tl.ReplyTarget("m2")
	assert.False(t, ok)
}

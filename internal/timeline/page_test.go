package timeline

import (
	"fmt"
	"testing"
	"time"

	"github.com/nfrund/chatsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// history returns n messages one second apart, oldest first.
func history(n int) []models.MessageRecord {
	out := make([]models.MessageRecord, n)
	for i := range out {
		out[i] = msg(fmt.Sprintf("h%03d", i), time.Duration(i)*time.Second)
	}
	return out
}

// olderThan mimics the history endpoint: up to limit records strictly older than cursor.
func olderThan(all []models.MessageRecord, cursor time.Time, limit int) []models.MessageRecord {
	var eligible []models.MessageRecord
	for _, m := range all {
		if m.CreatedAt.Before(cursor) {
			eligible = append(eligible, m)
		}
	}
	if len(eligible) > limit {
		eligible = eligible[len(eligible)-limit:]
	}
	return eligible
}

func TestPrependPage_FiftyInTwoPages(t *testing.T) {
	all := history(50)
	tl := New("general")

	first := tl.Seed(all[25:], DefaultPageSize)
	assert.Len(t, first.Added, 25)
	assert.True(t, first.HasMore)

	cursor, ok := tl.Cursor()
	require.True(t, ok)
	second := tl.PrependPage(olderThan(all, cursor, DefaultPageSize), DefaultPageSize)
	assert.Len(t, second.Added, 25)
	assert.Equal(t, "h000", second.Added[0].ID)
	assert.True(t, second.HasMore, "a full page cannot prove the start was reached")

	cursor, _ = tl.Cursor()
	third := tl.PrependPage(olderThan(all, cursor, DefaultPageSize), DefaultPageSize)
	assert.Empty(t, third.Added)
	assert.False(t, third.HasMore)
	assert.False(t, tl.HasMore())

	got := ids(tl)
	require.Len(t, got, 50)
	for i, id := range got {
		assert.Equal(t, fmt.Sprintf("h%03d", i), id)
	}
}

func TestPrependPage_SkipsAlreadyLoaded(t *testing.T) {
	all := history(30)
	tl := New("general")
	tl.Seed(all[20:], DefaultPageSize)

	// overlapping page: h010..h024 with five already loaded
	res := tl.PrependPage(all[10:25], DefaultPageSize)
	assert.Len(t, res.Added, 10)
	assert.False(t, res.HasMore)
	assert.Equal(t, 20, tl.Len())

	seen := make(map[string]bool)
	for _, id := range ids(tl) {
		assert.False(t, seen[id], "duplicate %s", id)
		seen[id] = true
	}
}

func TestPrependPage_SkipsTombstoned(t *testing.T) {
	all := history(5)
	tl := New("general")
	tl.Seed(all[3:], DefaultPageSize)
	tl.ApplyDelete("h001")

	res := tl.PrependPage(all[:3], DefaultPageSize)
	assert.Len(t, res.Added, 2)
	assert.Equal(t, -1, tl.Index("h001"))
}

func TestViewport_CompensatePrependKeepsAnchor(t *testing.T) {
	all := history(50)
	tl := New("general")
	tl.Seed(all[25:], DefaultPageSize)

	height := func(m models.MessageRecord) float64 {
		return 40 + float64(len(m.Content))
	}

	vp := &Viewport{ScrollTop: 10, TopThreshold: 100}
	require.True(t, vp.NearTop())

	anchor := "h026"
	before := OffsetOf(tl.Messages(), anchor, height) - vp.ScrollTop

	cursor, _ := tl.Cursor()
	res := tl.PrependPage(olderThan(all, cursor, DefaultPageSize), DefaultPageSize)
	delta := vp.CompensatePrepend(res.Added, height)
	assert.Greater(t, delta, 0.0)

	after := OffsetOf(tl.Messages(), anchor, height) - vp.ScrollTop
	assert.InDelta(t, before, after, 1e-9)
	assert.False(t, vp.NearTop())
}

func TestApplyCreate_OlderThanCursorLeftForPaging(t *testing.T) {
	all := history(50)
	tl := New("general")
	tl.Seed(all[25:], DefaultPageSize)

	// a lagging feed replays the whole snapshot after the first page is shown
	for _, rec := range all {
		ch := tl.ApplyCreate(rec)
		if rec.CreatedAt.Before(all[25].CreatedAt) {
			assert.Equal(t, ChangeNone, ch.Kind, rec.ID)
		}
	}
	assert.Equal(t, 25, tl.Len())

	cursor, _ := tl.Cursor()
	res := tl.PrependPage(olderThan(all, cursor, DefaultPageSize), DefaultPageSize)
	assert.Len(t, res.Added, 25)
	assert.Equal(t, 50, tl.Len())
}

func TestApplyCreate_OlderThanCursorInsertedAtStartOfHistory(t *testing.T) {
	all := history(10)
	tl := New("general")
	res := tl.Seed(all[5:], DefaultPageSize)
	require.False(t, res.HasMore)

	ch := tl.ApplyCreate(all[0])
	assert.Equal(t, ChangeInserted, ch.Kind)
	assert.Equal(t, 0, ch.Index)
}

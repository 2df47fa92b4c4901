package dedup

import (
	"fmt"
	"testing"
	"time"

	"github.com/nfrund/chatsync/internal/events"
	"github.com/nfrund/chatsync/internal/models"
	"github.com/nfrund/chatsync/internal/reactions"
	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func created(channel, id string, rev time.Time, src events.Source) events.MessageCreated {
	return events.MessageCreated{
		Header:  events.Header{ChannelID: channel, From: src},
		Message: models.MessageRecord{ID: id, ChannelID: channel, CreatedAt: rev, UpdatedAt: rev},
	}
}

func TestAdmit_SameEventFromTwoTransports(t *testing.T) {
	clock := newClock()
	d := New(WithClock(clock.Now))

	rev := clock.Now()
	assert.True(t, d.Admit(created("c1", "m1", rev, events.SourcePeer)))
	assert.False(t, d.Admit(created("c1", "m1", rev, events.SourceDurable)))

	// a newer revision is a different fact
	upd := events.MessageUpdated{
		Header:  events.Header{ChannelID: "c1", From: events.SourceDurable},
		Message: models.MessageRecord{ID: "m1", ChannelID: "c1", CreatedAt: rev, UpdatedAt: rev.Add(time.Second)},
	}
	assert.True(t, d.Admit(upd))
}

func TestAdmit_ReplayPrefixIsDropped(t *testing.T) {
	clock := newClock()
	d := New(WithClock(clock.Now))

	var seq []events.Event
	for i := 0; i < 20; i++ {
		seq = append(seq, created("c1", fmt.Sprintf("m%d", i), clock.Now(), events.SourceDurable))
	}
	seq = append(seq,
		events.MessageDeleted{Header: events.Header{ChannelID: "c1"}, MessageID: "m3"},
		events.ReactionChanged{Header: events.Header{ChannelID: "c1"}, MessageID: "m4", Emoji: "👍", UserID: "u1", Op: reactions.Add},
	)

	for _, e := range seq {
		assert.True(t, d.Admit(e))
	}
	for _, e := range seq[:10] {
		assert.False(t, d.Admit(e))
	}
	for _, e := range seq {
		assert.False(t, d.Admit(e))
	}
}

func TestAdmit_ReplayPrefixWithReactionFlips(t *testing.T) {
	react := func(src events.Source, op reactions.Op) events.ReactionChanged {
		return events.ReactionChanged{
			Header:    events.Header{ChannelID: "c1", From: src},
			MessageID: "m1", Emoji: "👍", UserID: "u1", Op: op,
		}
	}

	seq := []reactions.Op{reactions.Add, reactions.Remove, reactions.Add, reactions.Remove}
	for n := 1; n <= len(seq); n++ {
		d := New()
		for _, op := range seq {
			assert.True(t, d.Admit(react(events.SourcePeer, op)))
		}
		// the other transport delivers a prefix of the same history
		for _, op := range seq[:n] {
			assert.False(t, d.Admit(react(events.SourceDurable, op)), "replayed %s in prefix of %d", op, n)
		}

		// a genuine add afterwards is still applied, and its echo is not
		assert.True(t, d.Admit(react(events.SourcePeer, reactions.Add)))
		assert.False(t, d.Admit(react(events.SourceDurable, reactions.Add)))
	}
}

func TestAdmit_LaggingEchoAfterFlipIsDropped(t *testing.T) {
	d := New()
	add := events.ReactionChanged{Header: events.Header{ChannelID: "c1", From: events.SourcePeer}, MessageID: "m1", Emoji: "👍", UserID: "u1", Op: reactions.Add}
	remove := add
	remove.Op = reactions.Remove
	echo := add
	echo.From = events.SourceDurable

	assert.True(t, d.Admit(add))
	assert.True(t, d.Admit(remove))
	assert.False(t, d.Admit(echo), "durable echo of the first add must not re-add the reaction")
}

func TestSeen_DoesNotRememberUncommitted(t *testing.T) {
	d := New()
	ev := events.ReactionChanged{Header: events.Header{ChannelID: "c1", From: events.SourcePeer}, MessageID: "m1", Emoji: "👍", UserID: "u1", Op: reactions.Add}

	assert.False(t, d.Seen(ev))
	// not applied, so the durable copy must still get through
	durable := ev
	durable.From = events.SourceDurable
	assert.False(t, d.Seen(durable))
	d.Commit(durable)

	assert.True(t, d.Seen(ev))
}

func TestAdmit_TTLExpiry(t *testing.T) {
	clock := newClock()
	d := New(WithClock(clock.Now), WithTTL(time.Minute))

	ev := events.MessageDeleted{Header: events.Header{ChannelID: "c1"}, MessageID: "m1"}
	assert.True(t, d.Admit(ev))

	clock.Advance(59 * time.Second)
	assert.False(t, d.Admit(ev))

	clock.Advance(2 * time.Second)
	assert.True(t, d.Admit(ev), "fingerprint should have expired")
}

func TestAdmit_SizeBound(t *testing.T) {
	clock := newClock()
	d := New(WithClock(clock.Now), WithSize(3))

	for i := 0; i < 5; i++ {
		assert.True(t, d.Admit(events.MessageDeleted{Header: events.Header{ChannelID: "c1"}, MessageID: fmt.Sprintf("m%d", i)}))
	}
	assert.Equal(t, 3, d.Len("c1"))

	// m0 and m1 fell out of the window
	assert.True(t, d.Admit(events.MessageDeleted{Header: events.Header{ChannelID: "c1"}, MessageID: "m0"}))
	assert.False(t, d.Admit(events.MessageDeleted{Header: events.Header{ChannelID: "c1"}, MessageID: "m4"}))
}

func TestAdmit_ReactionFlipIsNotSwallowed(t *testing.T) {
	d := New()
	add := events.ReactionChanged{Header: events.Header{ChannelID: "c1"}, MessageID: "m1", Emoji: "👍", UserID: "u1", Op: reactions.Add}
	remove := add
	remove.Op = reactions.Remove

	assert.True(t, d.Admit(add))
	assert.False(t, d.Admit(add))
	assert.True(t, d.Admit(remove))
	assert.True(t, d.Admit(add), "re-adding after a remove is a new fact")
	assert.False(t, d.Admit(add))
}

func TestAdmit_ChannelsAreIsolated(t *testing.T) {
	d := New()
	rev := time.Now()
	assert.True(t, d.Admit(created("c1", "m1", rev, events.SourceDurable)))
	assert.True(t, d.Admit(created("c2", "m1", rev, events.SourceDurable)))

	d.Forget("c1")
	assert.Equal(t, 0, d.Len("c1"))
	assert.True(t, d.Admit(created("c1", "m1", rev, events.SourceDurable)))
}

func TestAdmit_TypingAlwaysPasses(t *testing.T) {
	d := New()
	ev := events.TypingChanged{Header: events.Header{ChannelID: "c1"}, UserID: "u1", IsTyping: true}
	assert.True(t, d.Admit(ev))
	assert.True(t, d.Admit(ev))
}

func TestRecord_SuppressesEcho(t *testing.T) {
	d := New()
	rev := time.Now()
	d.Record(created("c1", "m1", rev, events.SourceLocal))
	assert.False(t, d.Admit(created("c1", "m1", rev, events.SourcePeer)))
}

package durable

import (
	"slices"
	"time"

	"github.com/nfrund/chatsync/internal/events"
	"github.com/nfrund/chatsync/internal/models"
	"github.com/nfrund/chatsync/internal/reactions"
)

// differ turns successive full snapshots of a channel into change events. It
// is owned by a single feed callback and is not safe for concurrent use.
type differ struct {
	channelID string
	last      map[string]models.MessageRecord
	primed    bool
}

func newDiffer(channelID string) *differ {
	return &differ{channelID: channelID, last: make(map[string]models.MessageRecord)}
}

// Diff compares snap with the previous snapshot. Unchanged records produce
// nothing. A record missing from snap is only a delete when it is not older
// than snap's oldest record; older ones just scrolled out of the window.
func (d *differ) Diff(snap []models.MessageRecord) []events.Event {
	next := make(map[string]models.MessageRecord, len(snap))
	ordered := make([]models.MessageRecord, 0, len(snap))
	var oldest time.Time
	for _, rec := range snap {
		if rec.ID == "" {
			continue
		}
		if rec.ChannelID == "" {
			rec.ChannelID = d.channelID
		}
		if rec.ChannelID != d.channelID {
			continue
		}
		rec.Status = models.StatusConfirmed
		rec.Reactions = reactions.Normalize(rec.Reactions)
		if oldest.IsZero() || rec.CreatedAt.Before(oldest) {
			oldest = rec.CreatedAt
		}
		next[rec.ID] = rec
		ordered = append(ordered, rec)
	}
	slices.SortStableFunc(ordered, func(a, b models.MessageRecord) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	var out []events.Event
	if d.primed {
		var gone []models.MessageRecord
		for id, prev := range d.last {
			if _, ok := next[id]; ok {
				continue
			}
			if len(next) > 0 && prev.CreatedAt.Before(oldest) {
				continue
			}
			gone = append(gone, prev)
		}
		slices.SortFunc(gone, func(a, b models.MessageRecord) int {
			return a.CreatedAt.Compare(b.CreatedAt)
		})
		for _, prev := range gone {
			out = append(out, events.MessageDeleted{Header: d.header(), MessageID: prev.ID})
		}
	}

	for _, rec := range ordered {
		prev, known := d.last[rec.ID]
		if !known {
			out = append(out, events.MessageCreated{Header: d.header(), Message: rec.Clone()})
			continue
		}
		if !sameContent(prev, rec) {
			out = append(out, events.MessageUpdated{Header: d.header(), Message: rec.Clone()})
		}
		for _, ch := range reactions.Diff(prev.Reactions, rec.Reactions) {
			out = append(out, events.ReactionChanged{
				Header:    d.header(),
				MessageID: rec.ID,
				Emoji:     ch.Emoji,
				UserID:    ch.UserID,
				Op:        ch.Op,
			})
		}
	}

	d.last = next
	d.primed = true
	return out
}

func (d *differ) header() events.Header {
	return events.NewHeader(d.channelID, events.SourceDurable)
}

// sameContent compares everything except reactions.
func sameContent(a, b models.MessageRecord) bool {
	return a.Revision().Equal(b.Revision()) &&
		a.CreatedAt.Equal(b.CreatedAt) &&
		a.Content == b.Content &&
		a.Edited == b.Edited &&
		a.Pinned == b.Pinned &&
		a.ReplyToID == b.ReplyToID &&
		slices.Equal(models.NormalizeMentions(a.Mentions), models.NormalizeMentions(b.Mentions)) &&
		slices.Equal(a.Attachments, b.Attachments)
}

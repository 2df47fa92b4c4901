package timeline

import (
	"github.com/nfrund/chatsync/internal/models"
)

// DefaultPageSize is how many messages one history page requests.
const DefaultPageSize = 25

// PrependResult reports what a history page added.
type PrependResult struct {
	// Added holds the newly inserted messages in display order.
	Added   []models.MessageRecord
	HasMore bool
}

// PrependPage merges an older page at the head of the timeline. Records
// already loaded or tombstoned are skipped. A page shorter than pageSize
// means the start of history was reached.
func (t *Timeline) PrependPage(older []models.MessageRecord, pageSize int) PrependResult {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	var res PrependResult
	for _, rec := range older {
		if rec.ChannelID != t.channelID || rec.ID == "" || t.isTombstoned(rec.ID) {
			continue
		}
		if _, ok := t.keys[rec.ID]; ok {
			continue
		}
		if rec.Status == "" {
			rec.Status = models.StatusConfirmed
		}
		ch := t.insert(rec.Clone(), t.allocSeq())
		res.Added = append(res.Added, ch.Record)
	}

	sortByCreatedAt(res.Added)
	t.hasMore = len(older) >= pageSize
	t.paged = true
	res.HasMore = t.hasMore
	return res
}

// Seed replaces an empty timeline's contents with the most recent page.
func (t *Timeline) Seed(recent []models.MessageRecord, pageSize int) PrependResult {
	return t.PrependPage(recent, pageSize)
}

func sortByCreatedAt(recs []models.MessageRecord) {
	for i := 1; i < len(recs); i++ {
		for j := i; j > 0 && recs[j].CreatedAt.Before(recs[j-1].CreatedAt); j-- {
			recs[j], recs[j-1] = recs[j-1], recs[j]
		}
	}
}

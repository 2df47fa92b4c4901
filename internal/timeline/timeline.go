// Package timeline holds the ordered, deduplicated view of one channel's
// messages. A Timeline is not safe for concurrent use: the owning session
// serializes every call on its event loop.
package timeline

import (
	"sort"
	"time"

	"github.com/nfrund/chatsync/internal/domain"
	"github.com/nfrund/chatsync/internal/models"
	"github.com/nfrund/chatsync/internal/reactions"
)

const defaultTombstones = 1000

// ChangeKind describes what an apply call did to the timeline.
type ChangeKind int

const (
	ChangeNone ChangeKind = iota
	ChangeInserted
	ChangeResolved
	ChangeUpdated
	ChangeRemoved
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeInserted:
		return "inserted"
	case ChangeResolved:
		return "resolved"
	case ChangeUpdated:
		return "updated"
	case ChangeRemoved:
		return "removed"
	default:
		return "none"
	}
}

// Change reports the effect of an apply call.
type Change struct {
	Kind   ChangeKind
	Index  int
	Record models.MessageRecord
	// ResolvedTempID is set when a pending record was replaced by its confirmation.
	ResolvedTempID string
	// Stale is set when an update lost the last-write-wins comparison.
	Stale bool
}

// Removed is a deleted entry with what is needed to put it back exactly where it was.
type Removed struct {
	Record models.MessageRecord
	Index  int
	seq    uint64
}

type entry struct {
	rec models.MessageRecord
	seq uint64
	// confirmedRev is the revision of the last server-originated state; local
	// optimistic edits do not advance it.
	confirmedRev time.Time
}

type key struct {
	createdAt time.Time
	seq       uint64
}

func (k key) less(o key) bool {
	if !k.createdAt.Equal(o.createdAt) {
		return k.createdAt.Before(o.createdAt)
	}
	return k.seq < o.seq
}

// Option configures a Timeline.
type Option func(*Timeline)

// WithIdentityTolerance sets the content-match window for resolving pending records.
func WithIdentityTolerance(d time.Duration) Option {
	return func(t *Timeline) {
		t.tolerance = d
	}
}

// Timeline is the ordered message list for one channel, sorted by CreatedAt
// ascending with ties broken by insertion sequence.
type Timeline struct {
	channelID string
	entries   []entry
	keys      map[string]key
	nextSeq   uint64
	tolerance time.Duration
	hasMore   bool
	paged     bool

	tombstones     map[string]struct{}
	tombstoneOrder []string
}

// New creates an empty timeline for channelID.
func New(channelID string, opts ...Option) *Timeline {
	t := &Timeline{
		channelID:  channelID,
		keys:       make(map[string]key),
		tolerance:  models.DefaultIdentityTolerance,
		hasMore:    true,
		tombstones: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ChannelID returns the channel this timeline belongs to.
func (t *Timeline) ChannelID() string {
	return t.channelID
}

// Len returns the number of visible messages.
func (t *Timeline) Len() int {
	return len(t.entries)
}

// Messages returns a copy of the ordered message list.
func (t *Timeline) Messages() []models.MessageRecord {
	out := make([]models.MessageRecord, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.rec.Clone()
	}
	return out
}

// Get returns the message with id.
func (t *Timeline) Get(id string) (models.MessageRecord, bool) {
	i := t.indexOf(id)
	if i < 0 {
		return models.MessageRecord{}, false
	}
	return t.entries[i].rec.Clone(), true
}

// Index returns the ordinal position of id, or -1.
func (t *Timeline) Index(id string) int {
	return t.indexOf(id)
}

// ReplyTarget resolves a message's ReplyToID by lookup. The second result is
// false when the target is not loaded (or was deleted).
func (t *Timeline) ReplyTarget(id string) (models.MessageRecord, bool) {
	msg, ok := t.Get(id)
	if !ok || msg.ReplyToID == "" {
		return models.MessageRecord{}, false
	}
	return t.Get(msg.ReplyToID)
}

// Cursor is the watermark for the next history page: the CreatedAt of the
// oldest loaded message.
func (t *Timeline) Cursor() (time.Time, bool) {
	if len(t.entries) == 0 {
		return time.Time{}, false
	}
	return t.entries[0].rec.CreatedAt, true
}

// HasMore reports whether older history may exist.
func (t *Timeline) HasMore() bool {
	return t.hasMore
}

// ApplyCreate inserts a confirmed or pending record. A confirmed record that
// matches a pending one replaces it in place; a known id is treated as an update.
// Once history has been paged in, a confirmed record older than the cursor is
// left for LoadOlder while more history remains.
func (t *Timeline) ApplyCreate(rec models.MessageRecord) Change {
	if rec.ChannelID != t.channelID || rec.ID == "" || t.isTombstoned(rec.ID) {
		return Change{}
	}
	if _, ok := t.keys[rec.ID]; ok {
		return t.ApplyUpdate(rec)
	}
	if !rec.IsPending() {
		if i := t.matchPending(rec); i >= 0 {
			return t.replaceAt(i, rec)
		}
		if t.beforeCursor(rec) {
			return Change{}
		}
	}
	return t.insert(rec, t.allocSeq())
}

// ApplyUpdate applies a server revision using last-write-wins on Revision().
// Reactions are owned by ApplyReaction and are kept from the current entry.
// Updates for messages that are not loaded are ignored unless they are newer
// than the loaded history, in which case they are inserted.
func (t *Timeline) ApplyUpdate(rec models.MessageRecord) Change {
	if rec.ChannelID != t.channelID || t.isTombstoned(rec.ID) {
		return Change{}
	}
	i := t.indexOf(rec.ID)
	if i < 0 {
		if cursor, ok := t.Cursor(); ok && rec.CreatedAt.Before(cursor) {
			return Change{}
		}
		return t.insert(rec, t.allocSeq())
	}

	cur := &t.entries[i]
	if rec.Revision().Before(cur.confirmedRev) {
		return Change{Kind: ChangeNone, Index: i, Record: cur.rec.Clone(), Stale: true}
	}

	next := rec.Clone()
	next.Reactions = cur.rec.Reactions.Clone()
	next.Status = models.StatusConfirmed
	next.Mentions = models.NormalizeMentions(next.Mentions)
	if next.CorrelationID == "" {
		next.CorrelationID = cur.rec.CorrelationID
	}
	seq := cur.seq
	rev := next.Revision()

	if next.CreatedAt.Equal(cur.rec.CreatedAt) {
		cur.rec = next
		cur.confirmedRev = rev
		return Change{Kind: ChangeUpdated, Index: i, Record: next.Clone()}
	}
	// CreatedAt moved: reposition with the same sequence number.
	t.removeAt(i)
	ch := t.insert(next, seq)
	t.entries[ch.Index].confirmedRev = rev
	ch.Kind = ChangeUpdated
	return ch
}

// ApplyDelete removes a message and remembers its id so lagging transports
// cannot resurrect it.
func (t *Timeline) ApplyDelete(id string) (Removed, bool) {
	t.tombstone(id)
	i := t.indexOf(id)
	if i < 0 {
		return Removed{}, false
	}
	e := t.entries[i]
	t.removeAt(i)
	return Removed{Record: e.rec.Clone(), Index: i, seq: e.seq}, true
}

// Reinsert puts a removed entry back at its original ordinal position and
// clears its tombstone.
func (t *Timeline) Reinsert(r Removed) Change {
	t.untombstone(r.Record.ID)
	if _, ok := t.keys[r.Record.ID]; ok {
		return Change{}
	}
	ch := t.insert(r.Record.Clone(), r.seq)
	t.entries[ch.Index].confirmedRev = r.Record.Revision()
	return ch
}

// ApplyReaction adds or removes a single user's reaction.
func (t *Timeline) ApplyReaction(messageID, emoji, userID string, op reactions.Op) Change {
	i := t.indexOf(messageID)
	if i < 0 || !op.Valid() || emoji == "" || userID == "" {
		return Change{}
	}
	cur := &t.entries[i]
	next := reactions.Apply(cur.rec.Reactions, emoji, userID, op)
	if len(next) == 0 {
		next = nil
	}
	cur.rec.Reactions = next
	return Change{Kind: ChangeUpdated, Index: i, Record: cur.rec.Clone()}
}

// InsertPending appends an optimistic record.
func (t *Timeline) InsertPending(rec models.MessageRecord) Change {
	rec.Status = models.StatusPending
	return t.insert(rec, t.allocSeq())
}

// Resolve replaces the pending record tempID with its confirmation, in place.
// If a transport already resolved it, the confirmation is applied as an update.
func (t *Timeline) Resolve(tempID string, confirmed models.MessageRecord) Change {
	if i := t.indexOf(tempID); i >= 0 {
		if _, dup := t.keys[confirmed.ID]; dup && confirmed.ID != tempID {
			// Both the confirmation and the pending entry are visible: keep one.
			t.removeAt(i)
			return t.ApplyUpdate(confirmed)
		}
		return t.replaceAt(i, confirmed)
	}
	return t.ApplyCreate(confirmed)
}

// RemovePending drops an optimistic record without tombstoning it.
func (t *Timeline) RemovePending(tempID string) (Removed, bool) {
	i := t.indexOf(tempID)
	if i < 0 {
		return Removed{}, false
	}
	e := t.entries[i]
	t.removeAt(i)
	return Removed{Record: e.rec.Clone(), Index: i, seq: e.seq}, true
}

// ApplyLocalEdit applies an optimistic edit and returns the prior snapshot and
// the optimistic record.
func (t *Timeline) ApplyLocalEdit(id, content string, at time.Time) (prior, optimistic models.MessageRecord, err error) {
	i := t.indexOf(id)
	if i < 0 {
		return prior, optimistic, domain.ErrMessageNotFound
	}
	cur := &t.entries[i]
	prior = cur.rec.Clone()
	cur.rec.Content = content
	cur.rec.Edited = true
	cur.rec.UpdatedAt = at
	return prior, cur.rec.Clone(), nil
}

// RestoreEdit rolls an optimistic edit back to prior, unless the entry has
// moved on since (a newer server revision or a delete): the later state wins.
func (t *Timeline) RestoreEdit(prior, optimistic models.MessageRecord) bool {
	i := t.indexOf(prior.ID)
	if i < 0 {
		return false
	}
	cur := &t.entries[i]
	if cur.rec.Content != optimistic.Content || !cur.rec.UpdatedAt.Equal(optimistic.UpdatedAt) {
		return false
	}
	restored := prior.Clone()
	restored.Reactions = cur.rec.Reactions.Clone()
	cur.rec = restored
	return true
}

func (t *Timeline) beforeCursor(rec models.MessageRecord) bool {
	if !t.paged || !t.hasMore {
		return false
	}
	cursor, ok := t.Cursor()
	return ok && rec.CreatedAt.Before(cursor)
}

func (t *Timeline) allocSeq() uint64 {
	t.nextSeq++
	return t.nextSeq
}

func (t *Timeline) indexOf(id string) int {
	k, ok := t.keys[id]
	if !ok {
		return -1
	}
	i := t.search(k)
	if i < len(t.entries) && t.entries[i].seq == k.seq && t.entries[i].rec.ID == id {
		return i
	}
	return -1
}

func (t *Timeline) search(k key) int {
	return sort.Search(len(t.entries), func(i int) bool {
		e := t.entries[i]
		return !(key{createdAt: e.rec.CreatedAt, seq: e.seq}).less(k)
	})
}

func (t *Timeline) insert(rec models.MessageRecord, seq uint64) Change {
	if rec.Status == "" {
		rec.Status = models.StatusConfirmed
	}
	rec.Reactions = reactions.Normalize(rec.Reactions)
	rec.Mentions = models.NormalizeMentions(rec.Mentions)

	k := key{createdAt: rec.CreatedAt, seq: seq}
	i := t.search(k)
	e := entry{rec: rec, seq: seq}
	if rec.Status == models.StatusConfirmed {
		e.confirmedRev = rec.Revision()
	}
	t.entries = append(t.entries, entry{})
	copy(t.entries[i+1:], t.entries[i:])
	t.entries[i] = e
	t.keys[rec.ID] = k
	return Change{Kind: ChangeInserted, Index: i, Record: rec.Clone()}
}

func (t *Timeline) removeAt(i int) {
	delete(t.keys, t.entries[i].rec.ID)
	t.entries = append(t.entries[:i], t.entries[i+1:]...)
}

// replaceAt swaps a pending entry for its confirmation, keeping the position
// and sequence. The entry only moves if its new CreatedAt breaks ordering.
func (t *Timeline) replaceAt(i int, confirmed models.MessageRecord) Change {
	old := t.entries[i]
	next := confirmed.Clone()
	next.Status = models.StatusConfirmed
	next.Mentions = models.NormalizeMentions(next.Mentions)
	next.Reactions = reactions.Normalize(next.Reactions)
	if next.CorrelationID == "" {
		next.CorrelationID = old.rec.CorrelationID
	}

	delete(t.keys, old.rec.ID)
	k := key{createdAt: next.CreatedAt, seq: old.seq}

	inOrder := (i == 0 || !k.less(t.keyAt(i-1))) && (i == len(t.entries)-1 || k.less(t.keyAt(i+1)))
	if inOrder {
		t.entries[i] = entry{rec: next, seq: old.seq, confirmedRev: next.Revision()}
		t.keys[next.ID] = k
		return Change{Kind: ChangeResolved, Index: i, Record: next.Clone(), ResolvedTempID: old.rec.ID}
	}

	t.entries = append(t.entries[:i], t.entries[i+1:]...)
	ch := t.insert(next, old.seq)
	t.entries[ch.Index].confirmedRev = next.Revision()
	ch.Kind = ChangeResolved
	ch.ResolvedTempID = old.rec.ID
	return ch
}

func (t *Timeline) keyAt(i int) key {
	return key{createdAt: t.entries[i].rec.CreatedAt, seq: t.entries[i].seq}
}

// matchPending finds the pending entry a confirmed record resolves, scanning
// from the newest entry since pending records sit at the tail.
func (t *Timeline) matchPending(confirmed models.MessageRecord) int {
	for i := len(t.entries) - 1; i >= 0; i-- {
		e := t.entries[i].rec
		if !e.IsPending() {
			continue
		}
		if models.SameLogicalMessage(e, confirmed, t.tolerance) {
			return i
		}
	}
	return -1
}

func (t *Timeline) isTombstoned(id string) bool {
	_, ok := t.tombstones[id]
	return ok
}

func (t *Timeline) tombstone(id string) {
	if _, ok := t.tombstones[id]; ok {
		return
	}
	t.tombstones[id] = struct{}{}
	t.tombstoneOrder = append(t.tombstoneOrder, id)
	for len(t.tombstoneOrder) > defaultTombstones {
		delete(t.tombstones, t.tombstoneOrder[0])
		t.tombstoneOrder = t.tombstoneOrder[1:]
	}
}

func (t *Timeline) untombstone(id string) {
	if _, ok := t.tombstones[id]; !ok {
		return
	}
	delete(t.tombstones, id)
	for i, v := range t.tombstoneOrder {
		if v == id {
			t.tombstoneOrder = append(t.tombstoneOrder[:i], t.tombstoneOrder[i+1:]...)
			break
		}
	}
}

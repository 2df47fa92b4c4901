// Package dedup collapses SyncEvents that describe the same logical change
// arriving more than once, typically once per transport.
package dedup

import (
	"sync"
	"time"

	"github.com/nfrund/chatsync/internal/events"
	"github.com/nfrund/chatsync/internal/metrics"
	"github.com/nfrund/chatsync/internal/reactions"
)

const (
	// DefaultSize bounds the fingerprints remembered per channel.
	DefaultSize = 200
	// DefaultTTL bounds how long a fingerprint is remembered.
	DefaultTTL = 60 * time.Second
)

// Option configures a Deduplicator.
type Option func(*Deduplicator)

// WithSize overrides the per-channel fingerprint bound.
func WithSize(n int) Option {
	return func(d *Deduplicator) {
		if n > 0 {
			d.size = n
		}
	}
}

// WithTTL overrides how long fingerprints are remembered.
func WithTTL(ttl time.Duration) Option {
	return func(d *Deduplicator) {
		if ttl > 0 {
			d.ttl = ttl
		}
	}
}

// WithClock injects the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Deduplicator) {
		d.now = now
	}
}

// Deduplicator keeps a short-lived fingerprint window per channel. A
// fingerprint leaves the window when it is older than the TTL or when the
// window holds more than the size bound, whichever happens first.
//
// Reaction ops carry no revision, so an identical fingerprint may be a
// genuine flip back (add, remove, add) or a lagging echo from the other
// transport. Each source's position in the op sequence of a (message, emoji,
// user) is tracked: a repeated fingerprint is new only when its source has
// already seen the opposite op and is ahead of everything admitted so far.
type Deduplicator struct {
	mu       sync.Mutex
	size     int
	ttl      time.Duration
	now      func() time.Time
	channels map[string]*window
}

type stamp struct {
	fp string
	at time.Time
}

type window struct {
	order []stamp
	seen  map[string]time.Time
	flips map[string]*flipState
}

// flipState is the op sequence of one (message, emoji, user).
type flipState struct {
	admitted int
	sources  map[events.Source]position
	at       time.Time
}

type position struct {
	n    int
	last reactions.Op
}

// New creates a Deduplicator.
func New(opts ...Option) *Deduplicator {
	d := &Deduplicator{
		size:     DefaultSize,
		ttl:      DefaultTTL,
		now:      time.Now,
		channels: make(map[string]*window),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Seen reports whether e repeats a committed fact and must be dropped. It
// does not remember e; call Commit once e has been applied.
func (d *Deduplicator) Seen(e events.Event) bool {
	fp := events.Fingerprint(e)
	if fp == "" {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	w := d.window(e.Channel())
	w.prune(now, d.ttl, d.size)

	if _, dup := w.seen[fp]; !dup {
		return false
	}
	if rc, ok := e.(events.ReactionChanged); ok {
		st := w.flip(flipKey(rc), now)
		pos := st.sources[rc.Source()]
		if pos.last == rc.Op.Inverse() && pos.n+1 > st.admitted {
			return false
		}
		st.sources[rc.Source()] = position{n: pos.n + 1, last: rc.Op}
	}
	metrics.EventsDuplicate.WithLabelValues(string(e.Source()), string(e.Kind())).Inc()
	return true
}

// Commit remembers e as applied.
func (d *Deduplicator) Commit(e events.Event) {
	fp := events.Fingerprint(e)
	if fp == "" {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	w := d.window(e.Channel())
	if rc, ok := e.(events.ReactionChanged); ok {
		st := w.flip(flipKey(rc), now)
		st.admitted++
		pos := st.sources[rc.Source()]
		st.sources[rc.Source()] = position{n: pos.n + 1, last: rc.Op}
	}
	w.seen[fp] = now
	w.order = append(w.order, stamp{fp: fp, at: now})
	w.prune(now, d.ttl, d.size)
}

// Admit reports whether e is new and, if so, commits it.
func (d *Deduplicator) Admit(e events.Event) bool {
	if d.Seen(e) {
		return false
	}
	d.Commit(e)
	return true
}

// Record marks a locally confirmed mutation as seen so its transport echoes
// are dropped.
func (d *Deduplicator) Record(e events.Event) {
	d.Admit(e)
}

// Forget drops all fingerprints for a channel.
func (d *Deduplicator) Forget(channelID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.channels, channelID)
}

// Len returns the number of live fingerprints for a channel.
func (d *Deduplicator) Len(channelID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, ok := d.channels[channelID]
	if !ok {
		return 0
	}
	w.prune(d.now(), d.ttl, d.size)
	return len(w.seen)
}

func (d *Deduplicator) window(channelID string) *window {
	w, ok := d.channels[channelID]
	if !ok {
		w = &window{seen: make(map[string]time.Time), flips: make(map[string]*flipState)}
		d.channels[channelID] = w
	}
	return w
}

func (w *window) flip(key string, now time.Time) *flipState {
	st, ok := w.flips[key]
	if !ok {
		st = &flipState{sources: make(map[events.Source]position)}
		w.flips[key] = st
	}
	st.at = now
	return st
}

func flipKey(rc events.ReactionChanged) string {
	return rc.MessageID + "|" + rc.Emoji + "|" + rc.UserID
}

// prune evicts from the front of the insertion order. Entries whose
// fingerprint was deleted or re-stamped are skipped lazily.
func (w *window) prune(now time.Time, ttl time.Duration, size int) {
	for len(w.order) > 0 {
		head := w.order[0]
		at, ok := w.seen[head.fp]
		if !ok || !at.Equal(head.at) {
			w.order = w.order[1:]
			continue
		}
		if now.Sub(head.at) >= ttl || len(w.seen) > size {
			delete(w.seen, head.fp)
			w.order = w.order[1:]
			continue
		}
		break
	}
	for key, st := range w.flips {
		if now.Sub(st.at) >= ttl {
			delete(w.flips, key)
		}
	}
	for len(w.flips) > size {
		var oldest string
		var at time.Time
		for key, st := range w.flips {
			if oldest == "" || st.at.Before(at) {
				oldest, at = key, st.at
			}
		}
		delete(w.flips, oldest)
	}
}

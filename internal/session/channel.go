package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nfrund/chatsync/internal/domain"
	"github.com/nfrund/chatsync/internal/eventloop"
	"github.com/nfrund/chatsync/internal/events"
	"github.com/nfrund/chatsync/internal/metrics"
	"github.com/nfrund/chatsync/internal/models"
	"github.com/nfrund/chatsync/internal/optimistic"
	"github.com/nfrund/chatsync/internal/persistence"
	"github.com/nfrund/chatsync/internal/reactions"
	"github.com/nfrund/chatsync/internal/timeline"
	"github.com/nfrund/chatsync/internal/transport"
	"github.com/nfrund/chatsync/internal/typing"
)

const (
	typingSendTimeout = 2 * time.Second
	// maxEarlyEvents bounds what is held while the first page loads.
	maxEarlyEvents = 1024
)

// Channel is one open channel. Its timeline is only touched on its loop;
// every exported method is safe to call from any goroutine.
type Channel struct {
	id     string
	s      *Session
	loop   *eventloop.Loop
	tl     *timeline.Timeline
	mgr    *optimistic.Manager
	typing *typing.Coordinator
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// loop-owned
	closed  bool
	loading bool
	seeded  bool
	early   []events.Event

	unsubMu sync.Mutex
	unsubs  []transport.Unsubscribe

	closeOnce sync.Once
}

func newChannel(s *Session, channelID string) *Channel {
	ctx, cancel := context.WithCancel(s.ctx)
	c := &Channel{
		id:     channelID,
		s:      s,
		loop:   eventloop.New(),
		tl:     timeline.New(channelID),
		logger: slog.Default().With("component", "channel", "channel_id", channelID),
		ctx:    ctx,
		cancel: cancel,
	}

	mgrOpts := []optimistic.Option{
		optimistic.WithLedger(s.ledger),
		optimistic.WithBroadcaster(s.peer),
		optimistic.WithPendingTimeout(s.pendingTimeout),
		optimistic.WithOnChange(c.changed),
	}
	if s.tray != nil {
		mgrOpts = append(mgrOpts, optimistic.WithTray(s.tray))
	}
	if s.onFailure != nil {
		mgrOpts = append(mgrOpts, optimistic.WithOnFailure(func(err *domain.MutationError) {
			s.onFailure(channelID, err)
		}))
	}
	c.mgr = optimistic.NewManager(c.tl, s.userID, s.client, c.loop, mgrOpts...)

	typingOpts := append([]typing.Option(nil), s.typingOpts...)
	if s.publisher != nil {
		typingOpts = append(typingOpts, typing.WithPublisher(s.publisher))
	}
	c.typing = typing.NewCoordinator(channelID, s.userID, s.displayName, c.emitTyping, typingOpts...)

	go c.loop.Run(ctx)
	return c
}

// start subscribes both transports, then seeds the timeline with the most
// recent page.
func (c *Channel) start(ctx context.Context) error {
	for _, a := range []transport.Adapter{c.s.durable, c.s.peer} {
		unsub, err := a.Subscribe(c.ctx, c.id, c.deliver)
		if err != nil {
			if errors.Is(err, domain.ErrTransportUnavailable) {
				c.logger.Warn("Transport unavailable, continuing without it", "source", a.Source(), "error", err)
				continue
			}
			return fmt.Errorf("open channel %s: %w", c.id, err)
		}
		c.unsubMu.Lock()
		c.unsubs = append(c.unsubs, unsub)
		c.unsubMu.Unlock()
	}

	recent, err := c.s.client.History(ctx, persistence.HistoryQuery{ChannelID: c.id, Limit: c.s.pageSize})
	loaded := err == nil
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("open channel %s: %w", c.id, ctx.Err())
		}
		// the timeline stays empty with HasMore set, so LoadOlder retries the fetch
		c.logger.Warn("Initial history fetch failed", "error", err)
		if c.s.tray != nil {
			c.s.tray.Error(c.id, "", "Could not load messages")
		}
	}

	return c.loop.Do(ctx, func() {
		if loaded {
			res := c.tl.Seed(recent, c.s.pageSize)
			for _, rec := range res.Added {
				c.changed(timeline.Change{Kind: timeline.ChangeInserted, Index: c.tl.Index(rec.ID), Record: rec})
			}
			metrics.PagesLoaded.Inc()
		}
		c.seeded = true
		early := c.early
		c.early = nil
		for _, e := range early {
			c.apply(e)
		}
	})
}

// ID returns the channel id.
func (c *Channel) ID() string {
	return c.id
}

// deliver is the adapters' handler. It may run on any goroutine.
func (c *Channel) deliver(e events.Event) {
	if !c.loop.Post(func() { c.apply(e) }) {
		metrics.EventsStale.WithLabelValues(string(e.Source())).Inc()
	}
}

func (c *Channel) apply(e events.Event) {
	if c.closed || e.Channel() != c.id {
		metrics.EventsStale.WithLabelValues(string(e.Source())).Inc()
		return
	}
	if ev, ok := e.(events.TypingChanged); ok {
		c.typing.Apply(ev)
		return
	}
	// events racing the first page are applied on top of it
	if !c.seeded {
		if len(c.early) >= maxEarlyEvents {
			metrics.EventsStale.WithLabelValues(string(e.Source())).Inc()
			return
		}
		c.early = append(c.early, e)
		return
	}
	if c.s.ledger.Seen(e) {
		return
	}
	// an event that changed nothing (unknown message, lost LWW) is not
	// remembered, so another transport's copy can still apply it
	if c.applyEvent(e) {
		c.s.ledger.Commit(e)
	}
}

func (c *Channel) applyEvent(e events.Event) bool {
	var ch timeline.Change
	switch ev := e.(type) {
	case events.MessageCreated:
		ch = c.tl.ApplyCreate(ev.Message)
	case events.MessageUpdated:
		ch = c.tl.ApplyUpdate(ev.Message)
	case events.MessageDeleted:
		// the tombstone is an effect even when the message is not loaded
		if r, ok := c.tl.ApplyDelete(ev.MessageID); ok {
			c.changed(timeline.Change{Kind: timeline.ChangeRemoved, Index: r.Index, Record: r.Record})
		}
		return true
	case events.ReactionChanged:
		ch = c.tl.ApplyReaction(ev.MessageID, ev.Emoji, ev.UserID, ev.Op)
	default:
		return false
	}
	c.changed(ch)
	return ch.Kind != timeline.ChangeNone
}

// changed runs on the loop for every timeline change, local or remote.
func (c *Channel) changed(ch timeline.Change) {
	if ch.Kind == timeline.ChangeNone {
		return
	}
	if ch.Kind == timeline.ChangeResolved {
		c.mgr.ResolvedByTransport(ch.ResolvedTempID)
	}
	if c.s.onChange != nil {
		c.s.onChange(c.id, ch)
	}
	c.s.publish(c.ctx, TimelineChanged{
		ChannelID:      c.id,
		Change:         ch.Kind.String(),
		MessageID:      ch.Record.ID,
		Index:          ch.Index,
		ResolvedTempID: ch.ResolvedTempID,
	})
}

func (c *Channel) emitTyping(sig typing.Signal) {
	ev := events.TypingChanged{
		Header:      events.NewHeader(sig.ChannelID, events.SourceLocal),
		UserID:      sig.UserID,
		DisplayName: sig.DisplayName,
		IsTyping:    sig.IsTyping,
	}
	go func() {
		ctx, cancel := context.WithTimeout(c.s.ctx, typingSendTimeout)
		defer cancel()
		if err := c.s.peer.Broadcast(ctx, ev); err != nil && !errors.Is(err, domain.ErrTransportUnavailable) {
			c.logger.Debug("Typing broadcast failed", "error", err)
		}
	}()
}

// onLoop runs fn on the channel's loop and returns its result.
func onLoop[T any](ctx context.Context, c *Channel, fn func() T) (T, error) {
	var (
		out    T
		closed bool
	)
	err := c.loop.Do(ctx, func() {
		if c.closed {
			closed = true
			return
		}
		out = fn()
	})
	if err != nil {
		return out, err
	}
	if closed {
		return out, domain.ErrChannelClosed
	}
	return out, nil
}

type lookup struct {
	rec models.MessageRecord
	ok  bool
}

// Messages returns the timeline in display order.
func (c *Channel) Messages(ctx context.Context) ([]models.MessageRecord, error) {
	return onLoop(ctx, c, c.tl.Messages)
}

// Message returns one loaded message.
func (c *Channel) Message(ctx context.Context, id string) (models.MessageRecord, error) {
	l, err := onLoop(ctx, c, func() lookup {
		rec, ok := c.tl.Get(id)
		return lookup{rec, ok}
	})
	if err != nil {
		return models.MessageRecord{}, err
	}
	if !l.ok {
		return models.MessageRecord{}, domain.ErrMessageNotFound
	}
	return l.rec, nil
}

// ReplyTarget resolves the message id replies to. The second result is false
// when the target is not loaded.
func (c *Channel) ReplyTarget(ctx context.Context, id string) (models.MessageRecord, bool, error) {
	l, err := onLoop(ctx, c, func() lookup {
		rec, ok := c.tl.ReplyTarget(id)
		return lookup{rec, ok}
	})
	return l.rec, l.ok, err
}

// HasMore reports whether older history may exist.
func (c *Channel) HasMore(ctx context.Context) (bool, error) {
	return onLoop(ctx, c, c.tl.HasMore)
}

type mutation struct {
	localID string
	tempID  string
	op      reactions.Op
	err     error
}

// Send posts a message optimistically and stops the local typing indicator.
func (c *Channel) Send(ctx context.Context, content string, attachments []models.Attachment, mentions []string, replyToID string) (localID, tempID string, err error) {
	c.typing.StopTyping()
	res, err := c.mutate(ctx, func() mutation {
		l, t, err := c.mgr.Send(content, attachments, mentions, replyToID)
		return mutation{localID: l, tempID: t, err: err}
	})
	return res.localID, res.tempID, err
}

// Edit changes a confirmed message's content.
func (c *Channel) Edit(ctx context.Context, messageID, content string) (string, error) {
	res, err := c.mutate(ctx, func() mutation {
		l, err := c.mgr.Edit(messageID, content)
		return mutation{localID: l, err: err}
	})
	return res.localID, err
}

// Delete removes a confirmed message.
func (c *Channel) Delete(ctx context.Context, messageID string) (string, error) {
	res, err := c.mutate(ctx, func() mutation {
		l, err := c.mgr.Delete(messageID)
		return mutation{localID: l, err: err}
	})
	return res.localID, err
}

// React toggles the local user's emoji on a message.
func (c *Channel) React(ctx context.Context, messageID, emoji string) (string, reactions.Op, error) {
	res, err := c.mutate(ctx, func() mutation {
		l, op, err := c.mgr.React(messageID, emoji)
		return mutation{localID: l, op: op, err: err}
	})
	return res.localID, res.op, err
}

// Retry re-sends a failed message.
func (c *Channel) Retry(ctx context.Context, localID string) (string, string, error) {
	res, err := c.mutate(ctx, func() mutation {
		l, t, err := c.mgr.Retry(localID)
		return mutation{localID: l, tempID: t, err: err}
	})
	return res.localID, res.tempID, err
}

// Discard drops a failed message.
func (c *Channel) Discard(ctx context.Context, localID string) (bool, error) {
	return onLoop(ctx, c, func() bool { return c.mgr.Discard(localID) })
}

// Failed lists sends that can be retried.
func (c *Channel) Failed(ctx context.Context) ([]optimistic.FailedSend, error) {
	return onLoop(ctx, c, c.mgr.Failed)
}

// Pending lists mutations awaiting a response.
func (c *Channel) Pending(ctx context.Context) ([]optimistic.PendingMutation, error) {
	return onLoop(ctx, c, c.mgr.Pending)
}

func (c *Channel) mutate(ctx context.Context, fn func() mutation) (mutation, error) {
	res, err := onLoop(ctx, c, fn)
	if err != nil {
		return res, err
	}
	return res, res.err
}

// InputChanged forwards composer edits to the typing coordinator.
func (c *Channel) InputChanged(text string) {
	c.typing.InputChanged(text)
}

// Typing returns who else is typing.
func (c *Channel) Typing() typing.State {
	return c.typing.State()
}

// LoadOlder fetches the page before the oldest loaded message and prepends
// it. When vp is set its scroll offset is shifted by the height of the added
// messages so the visible content does not move. Only one page loads at a time.
func (c *Channel) LoadOlder(ctx context.Context, vp *timeline.Viewport, height timeline.HeightFunc) (timeline.PrependResult, error) {
	type cursor struct {
		before  time.Time
		hasMore bool
		busy    bool
	}
	cur, err := onLoop(ctx, c, func() cursor {
		if c.loading {
			return cursor{busy: true}
		}
		before, _ := c.tl.Cursor()
		hasMore := c.tl.HasMore()
		c.loading = hasMore
		return cursor{before: before, hasMore: hasMore}
	})
	if err != nil {
		return timeline.PrependResult{}, err
	}
	if cur.busy {
		return timeline.PrependResult{}, ErrPageInFlight
	}
	if !cur.hasMore {
		return timeline.PrependResult{}, nil
	}

	older, fetchErr := c.s.client.History(ctx, persistence.HistoryQuery{ChannelID: c.id, Before: cur.before, Limit: c.s.pageSize})

	var res timeline.PrependResult
	err = c.loop.Do(context.WithoutCancel(ctx), func() {
		c.loading = false
		if fetchErr != nil || c.closed {
			return
		}
		res = c.tl.PrependPage(older, c.s.pageSize)
		if vp != nil && height != nil {
			vp.CompensatePrepend(res.Added, height)
		}
		for _, rec := range res.Added {
			c.changed(timeline.Change{Kind: timeline.ChangeInserted, Index: c.tl.Index(rec.ID), Record: rec})
		}
		metrics.PagesLoaded.Inc()
	})
	if fetchErr != nil {
		c.logger.Warn("History page failed", "before", cur.before, "error", fetchErr)
		return res, fmt.Errorf("load older %s: %w", c.id, fetchErr)
	}
	if err != nil {
		return res, err
	}
	c.logger.Debug("History page loaded", "added", len(res.Added), "has_more", res.HasMore)
	return res, nil
}

// Close synchronously stops both transports, the typing timers and the
// loop. Events arriving afterwards are dropped.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		c.unsubMu.Lock()
		unsubs := c.unsubs
		c.unsubs = nil
		c.unsubMu.Unlock()
		for _, unsub := range unsubs {
			unsub()
		}

		if err := c.loop.Do(context.Background(), func() {
			c.closed = true
			c.mgr.Close()
		}); err != nil {
			// the loop already stopped, so nothing else touches the manager
			c.mgr.Close()
		}
		c.typing.Close()
		c.cancel()
		<-c.loop.Done()

		c.s.forget(c.id)
		c.logger.Info("Channel closed")
	})
}

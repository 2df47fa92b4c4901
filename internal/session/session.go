// Package session opens channels and wires the synchronization core together:
// each open channel owns an event loop, a timeline, an optimistic mutation
// manager and a typing coordinator, fed by the durable and peer adapters
// through a shared deduplicator.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nfrund/chatsync/internal/dedup"
	"github.com/nfrund/chatsync/internal/domain"
	"github.com/nfrund/chatsync/internal/optimistic"
	"github.com/nfrund/chatsync/internal/persistence"
	"github.com/nfrund/chatsync/internal/pubsub"
	"github.com/nfrund/chatsync/internal/status"
	"github.com/nfrund/chatsync/internal/timeline"
	"github.com/nfrund/chatsync/internal/transport"
	"github.com/nfrund/chatsync/internal/transport/durable"
	"github.com/nfrund/chatsync/internal/transport/peer"
	"github.com/nfrund/chatsync/internal/typing"
)

// ErrPageInFlight is returned by LoadOlder while a previous page is still loading.
var ErrPageInFlight = errors.New("history page already loading")

// TimelineChanged is published for every change applied to an open channel.
type TimelineChanged struct {
	ChannelID      string `json:"channelId"`
	Change         string `json:"change"`
	MessageID      string `json:"messageId"`
	Index          int    `json:"index"`
	ResolvedTempID string `json:"resolvedTempId,omitempty"`
}

// TopicTimelineChanged carries TimelineChanged to the presentation layer.
var TopicTimelineChanged = pubsub.NewEvent[TimelineChanged]("chatsync.timeline.changed", "Changes applied to an open channel timeline")

// RoomDialer connects to a room's broadcast data channel.
type RoomDialer func(ctx context.Context, roomID string) (peer.DataChannel, error)

// Option configures a Session.
type Option func(*Session)

// WithDisplayName sets the name peers see in typing indicators.
func WithDisplayName(name string) Option {
	return func(s *Session) {
		s.displayName = name
	}
}

// WithPublisher sends timeline, typing, notice and health events to the bus.
func WithPublisher(p pubsub.Publisher) Option {
	return func(s *Session) {
		s.publisher = p
	}
}

// WithTray surfaces mutation and load failures as notices.
func WithTray(t *status.Tray) Option {
	return func(s *Session) {
		s.tray = t
	}
}

// WithDeduplicator replaces the default deduplicator.
func WithDeduplicator(d *dedup.Deduplicator) Option {
	return func(s *Session) {
		s.ledger = d
	}
}

// WithPageSize sets how many messages each history page requests.
func WithPageSize(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// WithPendingTimeout sets how long a mutation may await its response.
func WithPendingTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.pendingTimeout = d
	}
}

// WithTypingOptions passes options to every channel's typing coordinator.
func WithTypingOptions(opts ...typing.Option) Option {
	return func(s *Session) {
		s.typingOpts = append(s.typingOpts, opts...)
	}
}

// WithRoomURL dials rooms over websocket at url.
func WithRoomURL(url string) Option {
	return func(s *Session) {
		s.dial = func(ctx context.Context, roomID string) (peer.DataChannel, error) {
			return peer.DialRoom(ctx, url, roomID, s.userID)
		}
	}
}

// WithRoomDialer replaces the websocket room dialer.
func WithRoomDialer(d RoomDialer) Option {
	return func(s *Session) {
		s.dial = d
	}
}

// WithOnChange is called, on the channel's loop, for every timeline change.
func WithOnChange(fn func(channelID string, ch timeline.Change)) Option {
	return func(s *Session) {
		s.onChange = fn
	}
}

// WithOnFailure is called, on the channel's loop, when a mutation is rolled back.
func WithOnFailure(fn func(channelID string, err *domain.MutationError)) Option {
	return func(s *Session) {
		s.onFailure = fn
	}
}

// Session is one signed-in user's view of the chat.
type Session struct {
	userID      string
	displayName string
	client      persistence.Client

	durable *durable.Adapter
	peer    *peer.Adapter
	ledger  *dedup.Deduplicator

	publisher      pubsub.Publisher
	tray           *status.Tray
	pageSize       int
	pendingTimeout time.Duration
	typingOpts     []typing.Option
	dial           RoomDialer
	onChange       func(string, timeline.Change)
	onFailure      func(string, *domain.MutationError)
	logger         *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	channels map[string]*Channel
	room     string
	closed   bool
}

// New creates a session for userID. client serves mutations and history; feed
// pushes the durable store's snapshots.
func New(userID string, client persistence.Client, feed durable.Feed, opts ...Option) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		userID:         userID,
		displayName:    userID,
		client:         client,
		pageSize:       timeline.DefaultPageSize,
		pendingTimeout: optimistic.DefaultPendingTimeout,
		logger:         slog.Default().With("component", "session", "user_id", userID),
		ctx:            ctx,
		cancel:         cancel,
		channels:       make(map[string]*Channel),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.ledger == nil {
		s.ledger = dedup.New()
	}
	health := transport.NewHealthReporter(s.publisher)
	s.durable = durable.New(feed, durable.WithHealthReporter(health))
	s.peer = peer.New(peer.WithHealthReporter(health))
	return s
}

// UserID returns the signed-in user.
func (s *Session) UserID() string {
	return s.userID
}

// Open starts synchronizing channelID. Opening an already open channel
// returns it. A durable feed that cannot be reached is logged and the
// channel runs on the remaining transport.
func (s *Session) Open(ctx context.Context, channelID string) (*Channel, error) {
	if channelID == "" {
		return nil, errors.New("open channel: channel id is required")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, domain.ErrChannelClosed
	}
	if c, ok := s.channels[channelID]; ok {
		s.mu.Unlock()
		return c, nil
	}
	c := newChannel(s, channelID)
	s.channels[channelID] = c
	s.mu.Unlock()

	if err := c.start(ctx); err != nil {
		s.mu.Lock()
		delete(s.channels, channelID)
		s.mu.Unlock()
		c.Close()
		return nil, err
	}
	s.logger.Info("Channel opened", "channel_id", channelID)
	return c, nil
}

// Channel returns an open channel.
func (s *Session) Channel(channelID string) (*Channel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.channels[channelID]
	return c, ok
}

// JoinRoom connects the peer transport to roomID, leaving any previous room.
func (s *Session) JoinRoom(ctx context.Context, roomID string) error {
	if s.dial == nil {
		return fmt.Errorf("join room %s: %w: no room dialer configured", roomID, domain.ErrTransportUnavailable)
	}
	dc, err := s.dial(ctx, roomID)
	if err != nil {
		return fmt.Errorf("join room %s: %w", roomID, err)
	}
	s.peer.Join(s.ctx, dc)

	s.mu.Lock()
	s.room = roomID
	s.mu.Unlock()
	s.logger.Info("Joined room", "room_id", roomID)
	return nil
}

// LeaveRoom disconnects the peer transport.
func (s *Session) LeaveRoom() {
	s.mu.Lock()
	room := s.room
	s.room = ""
	s.mu.Unlock()

	s.peer.Leave()
	if room != "" {
		s.logger.Info("Left room", "room_id", room)
	}
}

// Room returns the joined room, or "".
func (s *Session) Room() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

// Close closes every channel and leaves the room.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	open := make([]*Channel, 0, len(s.channels))
	for _, c := range s.channels {
		open = append(open, c)
	}
	s.mu.Unlock()

	for _, c := range open {
		c.Close()
	}
	s.LeaveRoom()
	s.cancel()
}

func (s *Session) forget(channelID string) {
	s.mu.Lock()
	delete(s.channels, channelID)
	s.mu.Unlock()
	s.ledger.Forget(channelID)
}

func (s *Session) publish(ctx context.Context, ev TimelineChanged) {
	if s.publisher == nil {
		return
	}
	if err := pubsub.Publish(ctx, s.publisher, TopicTimelineChanged, ev, "channel_id", ev.ChannelID); err != nil {
		s.logger.Warn("Failed to publish timeline change", "channel_id", ev.ChannelID, "error", err)
	}
}

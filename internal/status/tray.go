// Package status keeps the transient notices shown to the user when a
// mutation fails or a transport degrades. Notices clear themselves.
package status

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nfrund/chatsync/internal/pubsub"
)

// DefaultClearAfter is how long a notice stays visible.
const DefaultClearAfter = 4 * time.Second

type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notice is one transient, toast-like message.
type Notice struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channelId,omitempty"`
	MessageID string    `json:"messageId,omitempty"`
	Level     Level     `json:"level"`
	Text      string    `json:"text"`
	PostedAt  time.Time `json:"postedAt"`
}

// NoticeEvent is published when a notice appears or clears.
type NoticeEvent struct {
	Notice  Notice `json:"notice"`
	Cleared bool   `json:"cleared"`
}

// TopicNotice carries NoticeEvents to the presentation layer.
var TopicNotice = pubsub.NewEvent[NoticeEvent]("chatsync.status.notice", "Transient status notices shown to the user")

// Option configures a Tray.
type Option func(*Tray)

// WithClearAfter overrides the auto-clear delay.
func WithClearAfter(d time.Duration) Option {
	return func(t *Tray) {
		if d > 0 {
			t.clearAfter = d
		}
	}
}

// WithPublisher publishes notice changes on the bus.
func WithPublisher(p pubsub.Publisher) Option {
	return func(t *Tray) {
		t.publisher = p
	}
}

// Tray holds the currently visible notices.
type Tray struct {
	mu         sync.Mutex
	notices    map[string]Notice
	timers     map[string]*time.Timer
	clearAfter time.Duration
	publisher  pubsub.Publisher
	logger     *slog.Logger
	closed     bool
}

// NewTray creates an empty tray.
func NewTray(opts ...Option) *Tray {
	t := &Tray{
		notices:    make(map[string]Notice),
		timers:     make(map[string]*time.Timer),
		clearAfter: DefaultClearAfter,
		logger:     slog.Default().With("component", "status"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Post shows a notice and schedules it to clear. It returns the notice id.
func (t *Tray) Post(n Notice) string {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Level == "" {
		n.Level = LevelInfo
	}
	if n.PostedAt.IsZero() {
		n.PostedAt = time.Now().UTC()
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return n.ID
	}
	if old, ok := t.timers[n.ID]; ok {
		old.Stop()
	}
	t.notices[n.ID] = n
	id := n.ID
	t.timers[id] = time.AfterFunc(t.clearAfter, func() { t.Dismiss(id) })
	t.mu.Unlock()

	t.logger.Debug("Status notice posted", "level", n.Level, "text", n.Text, "channel_id", n.ChannelID)
	t.publish(NoticeEvent{Notice: n})
	return id
}

// Error is shorthand for posting an error-level notice.
func (t *Tray) Error(channelID, messageID, text string) string {
	return t.Post(Notice{ChannelID: channelID, MessageID: messageID, Level: LevelError, Text: text})
}

// Dismiss clears a notice early. Unknown ids are ignored.
func (t *Tray) Dismiss(id string) {
	t.mu.Lock()
	n, ok := t.notices[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.notices, id)
	if timer, ok := t.timers[id]; ok {
		timer.Stop()
		delete(t.timers, id)
	}
	t.mu.Unlock()

	t.publish(NoticeEvent{Notice: n, Cleared: true})
}

// Active returns the visible notices, oldest first.
func (t *Tray) Active() []Notice {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Notice, 0, len(t.notices))
	for _, n := range t.notices {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PostedAt.Before(out[j].PostedAt) })
	return out
}

// Close stops all pending clear timers.
func (t *Tray) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
	}
}

func (t *Tray) publish(ev NoticeEvent) {
	if t.publisher == nil {
		return
	}
	if err := pubsub.Publish(context.Background(), t.publisher, TopicNotice, ev, "channel_id", ev.Notice.ChannelID); err != nil {
		t.logger.Warn("Failed to publish status notice", "error", err)
	}
}

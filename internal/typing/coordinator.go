// Package typing tracks who is typing in a channel: the local user's typing
// signal, debounced, and a self-expiring registry of remote typists.
package typing

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nfrund/chatsync/internal/events"
	"github.com/nfrund/chatsync/internal/metrics"
	"github.com/nfrund/chatsync/internal/pubsub"
)

const (
	// DefaultDebounce is how long the local user must be quiet before
	// typing-false is sent.
	DefaultDebounce = 2000 * time.Millisecond

	// DefaultRemoteTimeout is how long a remote typing-true stays valid
	// without a refresh.
	DefaultRemoteTimeout = 5 * time.Second

	// DefaultSweepInterval is how often expired remote entries are removed.
	DefaultSweepInterval = 1 * time.Second

	// DefaultRefreshInterval bounds how often typing-true is re-sent while the
	// local user keeps typing. It must stay below the remote timeout.
	DefaultRefreshInterval = 3 * time.Second
)

// Signal is a local typing change to broadcast.
type Signal struct {
	ChannelID   string `json:"channelId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	IsTyping    bool   `json:"isTyping"`
}

// Entry is one remote user currently shown as typing.
type Entry struct {
	UserID      string    `json:"userId"`
	ChannelID   string    `json:"channelId"`
	DisplayName string    `json:"displayName"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// State is the rendered typing state of a channel.
type State struct {
	ChannelID string  `json:"channelId"`
	Users     []Entry `json:"users"`
	Text      string  `json:"text"`
}

// TopicTyping carries State changes to the presentation layer.
var TopicTyping = pubsub.NewEvent[State]("chatsync.typing.changed", "Typing indicator text for a channel")

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithDebounce overrides the local quiet period.
func WithDebounce(d time.Duration) Option {
	return func(c *Coordinator) {
		c.debounce = d
	}
}

// WithRemoteTimeout overrides how long remote entries live.
func WithRemoteTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		c.timeout = d
	}
}

// WithSweepInterval overrides the expiry sweep period.
func WithSweepInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		c.sweepEvery = d
	}
}

// WithRefreshInterval overrides how often typing-true is repeated.
func WithRefreshInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		c.refresh = d
	}
}

// WithClock injects the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// WithOnChange is called with the new State whenever the remote set changes.
func WithOnChange(fn func(State)) Option {
	return func(c *Coordinator) {
		c.onChange = fn
	}
}

// WithPublisher publishes State changes on the bus.
func WithPublisher(p pubsub.Publisher) Option {
	return func(c *Coordinator) {
		c.publisher = p
	}
}

// Coordinator is the typing state of one channel for one local user.
type Coordinator struct {
	mu          sync.Mutex
	channelID   string
	userID      string
	displayName string
	emit        func(Signal)
	onChange    func(State)
	publisher   pubsub.Publisher
	logger      *slog.Logger

	debounce   time.Duration
	timeout    time.Duration
	sweepEvery time.Duration
	refresh    time.Duration
	now        func() time.Time

	// local
	localTyping bool
	quietTimer  *time.Timer
	quietGen    uint64
	afterFunc   func(time.Duration, func()) *time.Timer
	limiter     *rate.Limiter

	// remote
	remote      map[string]Entry
	sweepTicker *time.Ticker
	stopSweep   chan struct{}
	closed      bool
}

// NewCoordinator creates the typing state for channelID. emit sends the local
// user's typing signals; it must not block.
func NewCoordinator(channelID, userID, displayName string, emit func(Signal), opts ...Option) *Coordinator {
	c := &Coordinator{
		channelID:   channelID,
		userID:      userID,
		displayName: displayName,
		emit:        emit,
		logger:      slog.Default().With("component", "typing", "channel_id", channelID),
		debounce:    DefaultDebounce,
		timeout:     DefaultRemoteTimeout,
		sweepEvery:  DefaultSweepInterval,
		refresh:     DefaultRefreshInterval,
		now:         time.Now,
		afterFunc:   time.AfterFunc,
		remote:      make(map[string]Entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.limiter = rate.NewLimiter(rate.Every(c.refresh), 1)
	return c
}

// InputChanged reacts to the local composer's content changing. Empty input
// stops typing immediately; otherwise typing-true is sent (rate limited while
// typing continues) and the quiet timer restarts.
func (c *Coordinator) InputChanged(text string) {
	if strings.TrimSpace(text) == "" {
		c.StopTyping()
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	send := false
	if !c.localTyping {
		c.localTyping = true
		c.limiter = rate.NewLimiter(rate.Every(c.refresh), 1)
		c.limiter.AllowN(c.now(), 1)
		send = true
	} else if c.limiter.AllowN(c.now(), 1) {
		send = true
	}

	if c.quietTimer != nil {
		c.quietTimer.Stop()
	}
	c.quietGen++
	gen := c.quietGen
	c.quietTimer = c.afterFunc(c.debounce, func() { c.quietElapsed(gen) })
	c.mu.Unlock()

	if send {
		c.signal(true)
	}
}

// StopTyping sends typing-false now if the local user was typing. It is
// called on send, on empty input and when the debounce elapses.
func (c *Coordinator) StopTyping() {
	c.mu.Lock()
	wasTyping := c.stopLocked()
	c.mu.Unlock()

	if wasTyping {
		c.signal(false)
	}
}

// quietElapsed is the debounce callback armed as generation gen. A callback
// that lost the race with a newer keystroke does nothing.
func (c *Coordinator) quietElapsed(gen uint64) {
	c.mu.Lock()
	if gen != c.quietGen {
		c.mu.Unlock()
		return
	}
	wasTyping := c.stopLocked()
	c.mu.Unlock()

	if wasTyping {
		c.signal(false)
	}
}

func (c *Coordinator) stopLocked() bool {
	if c.quietTimer != nil {
		c.quietTimer.Stop()
		c.quietTimer = nil
	}
	c.quietGen++
	wasTyping := c.localTyping
	c.localTyping = false
	return wasTyping
}

// LocalTyping reports whether the local user is currently marked as typing.
func (c *Coordinator) LocalTyping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localTyping
}

func (c *Coordinator) signal(isTyping bool) {
	if c.emit == nil {
		return
	}
	c.emit(Signal{ChannelID: c.channelID, UserID: c.userID, DisplayName: c.displayName, IsTyping: isTyping})
}

// Apply records a remote typing event. Events for other channels and the
// local user's own echoes are ignored.
func (c *Coordinator) Apply(ev events.TypingChanged) {
	if ev.Channel() != c.channelID || ev.UserID == "" || ev.UserID == c.userID {
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	before := len(c.remote)
	changed := false
	if ev.IsTyping {
		name := ev.DisplayName
		if name == "" {
			name = ev.UserID
		}
		prev, existed := c.remote[ev.UserID]
		c.remote[ev.UserID] = Entry{
			UserID:      ev.UserID,
			ChannelID:   c.channelID,
			DisplayName: name,
			ExpiresAt:   c.now().Add(c.timeout),
		}
		changed = !existed || prev.DisplayName != name
		c.ensureSweepLocked()
	} else if _, ok := c.remote[ev.UserID]; ok {
		delete(c.remote, ev.UserID)
		changed = true
	}
	metrics.RemoteTypists.Add(float64(len(c.remote) - before))
	state := c.stateLocked()
	c.mu.Unlock()

	if changed {
		c.notify(state)
	}
}

// State returns the current remote typists and display text.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *Coordinator) stateLocked() State {
	users := make([]Entry, 0, len(c.remote))
	for _, e := range c.remote {
		users = append(users, e)
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].DisplayName != users[j].DisplayName {
			return users[i].DisplayName < users[j].DisplayName
		}
		return users[i].UserID < users[j].UserID
	})
	names := make([]string, len(users))
	for i, u := range users {
		names[i] = u.DisplayName
	}
	return State{ChannelID: c.channelID, Users: users, Text: DisplayText(names)}
}

// ensureSweepLocked starts the expiry sweep. It only runs while someone is
// typing.
func (c *Coordinator) ensureSweepLocked() {
	if c.sweepTicker != nil {
		return
	}
	c.sweepTicker = time.NewTicker(c.sweepEvery)
	c.stopSweep = make(chan struct{})
	go c.runSweep(c.sweepTicker, c.stopSweep)
}

func (c *Coordinator) runSweep(ticker *time.Ticker, stop chan struct{}) {
	for {
		select {
		case <-ticker.C:
			if c.sweep(ticker) {
				return
			}
		case <-stop:
			return
		}
	}
}

// sweep removes expired entries and reports whether the sweeper owning
// ticker stopped because nobody is typing any more.
func (c *Coordinator) sweep(ticker *time.Ticker) bool {
	c.mu.Lock()
	now := c.now()
	before := len(c.remote)
	for id, e := range c.remote {
		if !now.Before(e.ExpiresAt) {
			delete(c.remote, id)
		}
	}
	removed := before - len(c.remote)
	metrics.RemoteTypists.Sub(float64(removed))
	state := c.stateLocked()
	idle := len(c.remote) == 0 && ticker != nil && c.sweepTicker == ticker
	if idle {
		c.sweepTicker.Stop()
		c.sweepTicker = nil
		c.stopSweep = nil
	}
	c.mu.Unlock()

	if removed > 0 {
		c.logger.Debug("Expired remote typists", "count", removed)
		c.notify(state)
	}
	return idle
}

func (c *Coordinator) notify(state State) {
	if c.onChange != nil {
		c.onChange(state)
	}
	if c.publisher != nil {
		if err := pubsub.Publish(context.Background(), c.publisher, TopicTyping, state, "channel_id", c.channelID); err != nil {
			c.logger.Warn("Failed to publish typing state", "error", err)
		}
	}
}

// Close cancels the debounce timer and the sweep, clearing all state. If the
// local user was typing, typing-false is sent.
func (c *Coordinator) Close() {
	c.StopTyping()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.sweepTicker != nil {
		c.sweepTicker.Stop()
		close(c.stopSweep)
		c.sweepTicker = nil
		c.stopSweep = nil
	}
	metrics.RemoteTypists.Sub(float64(len(c.remote)))
	c.remote = make(map[string]Entry)
}

// DisplayText renders the typing line for the given names.
func DisplayText(names []string) string {
	switch n := len(names); {
	case n == 0:
		return ""
	case n == 1:
		return names[0] + " is typing..."
	case n == 2:
		return names[0] + " and " + names[1] + " are typing..."
	default:
		others := n - 2
		suffix := " others"
		if others == 1 {
			suffix = " other"
		}
		return names[0] + ", " + names[1] + " and " + strconv.Itoa(others) + suffix + " are typing..."
	}
}

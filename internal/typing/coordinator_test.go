package typing

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/chatsync/internal/events"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2024, 8, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu      sync.Mutex
	signals []bool
}

func (r *recorder) emit(s Signal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, s.IsTyping)
}

func (r *recorder) get() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.signals...)
}

func typingEvent(channelID, userID, name string, typing bool) events.TypingChanged {
	return events.TypingChanged{
		Header:      events.NewHeader(channelID, events.SourcePeer),
		UserID:      userID,
		DisplayName: name,
		IsTyping:    typing,
	}
}

func TestDisplayText(t *testing.T) {
	tests := []struct {
		names []string
		want  string
	}{
		{nil, ""},
		{[]string{"Ann"}, "Ann is typing..."},
		{[]string{"Ann", "Ben"}, "Ann and Ben are typing..."},
		{[]string{"Ann", "Ben", "Cat"}, "Ann, Ben and 1 other are typing..."},
		{[]string{"Ann", "Ben", "Cat", "Dan", "Eve"}, "Ann, Ben and 3 others are typing..."},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DisplayText(tt.names))
	}
}

func TestLocal_DebounceSendsFalseAfterQuiet(t *testing.T) {
	rec := &recorder{}
	c := NewCoordinator("general", "me", "Me", rec.emit, WithDebounce(30*time.Millisecond))
	defer c.Close()

	c.InputChanged("h")
	c.InputChanged("he")
	c.InputChanged("hel")
	assert.Equal(t, []bool{true}, rec.get())
	assert.True(t, c.LocalTyping())

	assert.Eventually(t, func() bool {
		got := rec.get()
		return len(got) == 2 && !got[1]
	}, time.Second, 5*time.Millisecond)
	assert.False(t, c.LocalTyping())
}

func TestLocal_EmptyInputAndSendStopImmediately(t *testing.T) {
	rec := &recorder{}
	c := NewCoordinator("general", "me", "Me", rec.emit, WithDebounce(time.Hour))
	defer c.Close()

	c.InputChanged("hi")
	c.InputChanged("   ")
	assert.Equal(t, []bool{true, false}, rec.get())

	c.InputChanged("again")
	c.StopTyping()
	c.StopTyping()
	assert.Equal(t, []bool{true, false, true, false}, rec.get())
}

func TestLocal_RefreshWhileTyping(t *testing.T) {
	rec := &recorder{}
	clk := newClock()
	c := NewCoordinator("general", "me", "Me", rec.emit,
		WithDebounce(time.Hour), WithRefreshInterval(time.Second), WithClock(clk.Now))
	defer c.Close()

	c.InputChanged("a")
	clk.Advance(500 * time.Millisecond)
	c.InputChanged("ab")
	assert.Equal(t, []bool{true}, rec.get())

	clk.Advance(600 * time.Millisecond)
	c.InputChanged("abc")
	assert.Equal(t, []bool{true, true}, rec.get())
}

func TestLocal_StaleQuietCallbackIgnoredAfterKeystroke(t *testing.T) {
	rec := &recorder{}
	c := NewCoordinator("general", "me", "Me", rec.emit, WithDebounce(time.Hour))
	defer c.Close()

	// capture each armed debounce callback instead of letting the timer fire
	var armed []func()
	c.afterFunc = func(d time.Duration, f func()) *time.Timer {
		armed = append(armed, f)
		return time.NewTimer(d)
	}

	c.InputChanged("h")
	c.InputChanged("he")
	require.Len(t, armed, 2)

	// the first timer had already fired when the second keystroke re-armed it
	armed[0]()
	assert.True(t, c.LocalTyping())
	assert.Equal(t, []bool{true}, rec.get())

	armed[1]()
	assert.False(t, c.LocalTyping())
	assert.Equal(t, []bool{true, false}, rec.get())

	// a callback left over from before an explicit stop stays inert too
	c.InputChanged("again")
	c.StopTyping()
	armed[2]()
	assert.Equal(t, []bool{true, false, true, false}, rec.get())
}

func TestRemote_SelfExpiry(t *testing.T) {
	clk := newClock()
	var states []State
	var mu sync.Mutex
	c := NewCoordinator("general", "me", "Me", nil,
		WithClock(clk.Now), WithSweepInterval(time.Hour),
		WithOnChange(func(s State) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		}))
	defer c.Close()

	c.Apply(typingEvent("general", "bob", "Bob", true))
	assert.Equal(t, "Bob is typing...", c.State().Text)

	clk.Advance(4 * time.Second)
	c.sweep(nil)
	assert.Len(t, c.State().Users, 1)

	// no typing-false ever arrives
	clk.Advance(1100 * time.Millisecond)
	c.sweep(nil)
	assert.Empty(t, c.State().Users)
	assert.Equal(t, "", c.State().Text)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, states, 2)
	assert.Empty(t, states[1].Users)
}

func TestRemote_RefreshExtendsExpiry(t *testing.T) {
	clk := newClock()
	c := NewCoordinator("general", "me", "Me", nil, WithClock(clk.Now), WithSweepInterval(time.Hour))
	defer c.Close()

	c.Apply(typingEvent("general", "bob", "Bob", true))
	clk.Advance(4 * time.Second)
	c.Apply(typingEvent("general", "bob", "Bob", true))
	clk.Advance(4 * time.Second)
	c.sweep(nil)
	assert.Len(t, c.State().Users, 1)
}

func TestRemote_FalseRemovesAndFiltersApply(t *testing.T) {
	c := NewCoordinator("general", "me", "Me", nil, WithSweepInterval(time.Hour))
	defer c.Close()

	c.Apply(typingEvent("general", "me", "Me", true))
	c.Apply(typingEvent("random", "bob", "Bob", true))
	assert.Empty(t, c.State().Users)

	c.Apply(typingEvent("general", "carol", "Carol", true))
	c.Apply(typingEvent("general", "bob", "", true))
	c.Apply(typingEvent("general", "dave", "Dave", true))
	assert.Equal(t, "Carol, Dave and 1 other are typing...", c.State().Text)

	c.Apply(typingEvent("general", "dave", "Dave", false))
	assert.Equal(t, "Carol and bob are typing...", c.State().Text)
}

func TestRemote_BackgroundSweep(t *testing.T) {
	c := NewCoordinator("general", "me", "Me", nil,
		WithRemoteTimeout(30*time.Millisecond), WithSweepInterval(10*time.Millisecond))
	defer c.Close()

	c.Apply(typingEvent("general", "bob", "Bob", true))
	assert.Eventually(t, func() bool { return len(c.State().Users) == 0 }, time.Second, 5*time.Millisecond)

	// sweeper restarts for the next typist
	c.Apply(typingEvent("general", "carol", "Carol", true))
	assert.Eventually(t, func() bool { return len(c.State().Users) == 0 }, time.Second, 5*time.Millisecond)
}

func TestClose_CancelsTimers(t *testing.T) {
	rec := &recorder{}
	c := NewCoordinator("general", "me", "Me", rec.emit, WithDebounce(20*time.Millisecond))
	c.InputChanged("typing")
	c.Apply(typingEvent("general", "bob", "Bob", true))

	c.Close()
	c.Close()
	assert.Equal(t, []bool{true, false}, rec.get())
	assert.Empty(t, c.State().Users)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []bool{true, false}, rec.get())

	c.InputChanged("after close")
	c.Apply(typingEvent("general", "bob", "Bob", true))
	assert.Equal(t, []bool{true, false}, rec.get())
	assert.Empty(t, c.State().Users)
}

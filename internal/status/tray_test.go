package status

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/chatsync/internal/pubsub"
)

func TestTray_AutoClears(t *testing.T) {
	tray := NewTray(WithClearAfter(50 * time.Millisecond))
	defer tray.Close()

	tray.Error("general", "m1", "Message failed to send")
	require.Len(t, tray.Active(), 1)

	assert.Eventually(t, func() bool {
		return len(tray.Active()) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestTray_Dismiss(t *testing.T) {
	tray := NewTray()
	defer tray.Close()

	id := tray.Post(Notice{Text: "Reconnecting"})
	assert.Equal(t, LevelInfo, tray.Active()[0].Level)

	tray.Dismiss(id)
	assert.Empty(t, tray.Active())
	tray.Dismiss("unknown")
}

func TestTray_PublishesOnBus(t *testing.T) {
	bus := pubsub.NewWatermillBridge()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan NoticeEvent, 2)
	require.NoError(t, pubsub.Subscribe(ctx, bus, TopicNotice, func(_ context.Context, ev NoticeEvent) error {
		got <- ev
		return nil
	}))

	tray := NewTray(WithPublisher(bus), WithClearAfter(20*time.Millisecond))
	defer tray.Close()
	tray.Error("general", "", "Edit failed")

	cleared := map[bool]int{}
	for i := 0; i < 2; i++ {
		select {
		case ev := <-got:
			cleared[ev.Cleared]++
			assert.Equal(t, "Edit failed", ev.Notice.Text)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for notice event")
		}
	}
	assert.Equal(t, map[bool]int{false: 1, true: 1}, cleared)
}

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nfrund/chatsync/cmd/chatsync/internal/render"
	"github.com/nfrund/chatsync/internal/pubsub"
	"github.com/nfrund/chatsync/internal/session"
	"github.com/nfrund/chatsync/internal/status"
	"github.com/nfrund/chatsync/internal/transport"
	"github.com/nfrund/chatsync/internal/typing"
)

var tailRoom string

var tailCmd = &cobra.Command{
	Use:   "tail <channel-id>",
	Short: "Follow a channel and print every change",
	Long: `Open a channel, print its most recent page and then follow it, printing
timeline changes, typing indicators, status notices and transport health as
they arrive on the application bus.

Examples:
  chatsync tail general --user alice
  chatsync tail general --room standup     # also follow the room's peer channel
  chatsync tail general --format json`,
	Args: cobra.ExactArgs(1),
	RunE: runTail,
}

func runTail(cmd *cobra.Command, args []string) error {
	if err := requireUser(); err != nil {
		return err
	}
	printer, err := render.NewPrinter(os.Stdout, formatFlag)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus, closeBus, err := newBus(ctx)
	if err != nil {
		return err
	}
	defer closeBus()
	if err := followBus(ctx, bus, printer); err != nil {
		return err
	}

	s, tray := newSession(bus)
	defer tray.Close()
	defer s.Close()

	if tailRoom != "" {
		if err := s.JoinRoom(ctx, tailRoom); err != nil {
			return err
		}
	}

	ch, err := s.Open(ctx, args[0])
	if err != nil {
		return err
	}
	msgs, err := ch.Messages(ctx)
	if err != nil {
		return err
	}
	if err := printer.Messages(msgs); err != nil {
		return err
	}

	<-ctx.Done()
	return nil
}

// followBus prints every bus topic a user would see.
func followBus(ctx context.Context, bus pubsub.Subscriber, printer *render.Printer) error {
	subs := []func() error{
		func() error {
			return pubsub.Subscribe(ctx, bus, session.TopicTimelineChanged, func(_ context.Context, ev session.TimelineChanged) error {
				return printer.Event("timeline", fmt.Sprintf("%s %s at %d", ev.Change, ev.MessageID, ev.Index), ev)
			})
		},
		func() error {
			return pubsub.Subscribe(ctx, bus, typing.TopicTyping, func(_ context.Context, st typing.State) error {
				text := st.Text
				if text == "" {
					text = "nobody is typing"
				}
				return printer.Event("typing", text, st)
			})
		},
		func() error {
			return pubsub.Subscribe(ctx, bus, status.TopicNotice, func(_ context.Context, ev status.NoticeEvent) error {
				return printer.Event("notice", fmt.Sprintf("%s: %s", ev.Notice.Level, ev.Notice.Text), ev)
			})
		},
		func() error {
			return pubsub.Subscribe(ctx, bus, transport.TopicHealth, func(_ context.Context, h transport.Health) error {
				state := "down"
				if h.Up {
					state = "up"
				}
				return printer.Event("health", fmt.Sprintf("%s %s %s", h.Source, state, h.Error), h)
			})
		},
	}
	for _, sub := range subs {
		if err := sub(); err != nil {
			return fmt.Errorf("subscribe to bus: %w", err)
		}
	}
	return nil
}

func init() {
	rootCmd.AddCommand(tailCmd)
	tailCmd.Flags().StringVarP(&tailRoom, "room", "r", "", "Room to join for peer updates")
}

package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nfrund/chatsync/cmd/chatsync/internal/render"
	"github.com/nfrund/chatsync/internal/domain"
	"github.com/nfrund/chatsync/internal/session"
	"github.com/nfrund/chatsync/internal/timeline"
)

var (
	sendReplyTo  string
	sendMentions []string
	sendWait     time.Duration
)

var sendCmd = &cobra.Command{
	Use:   "send <channel-id> <text...>",
	Short: "Send a message and wait for it to be confirmed",
	Long: `Send a message to a channel optimistically and wait until the server
confirms it or the send is rolled back.

Examples:
  chatsync send general "hello there" --user alice
  chatsync send general "agreed" --reply-to 3f2a... --mention bob`,
	Args: cobra.MinimumNArgs(2),
	RunE: runSend,
}

func runSend(cmd *cobra.Command, args []string) error {
	if err := requireUser(); err != nil {
		return err
	}
	channelID := args[0]
	text := strings.Join(args[1:], " ")

	ctx, cancel := context.WithTimeout(cmd.Context(), sendWait)
	defer cancel()

	resolved := make(chan string, 16)
	failed := make(chan *domain.MutationError, 1)
	bus, closeBus, err := newBus(ctx)
	if err != nil {
		return err
	}
	defer closeBus()

	s, tray := newSession(bus,
		session.WithOnChange(func(_ string, ch timeline.Change) {
			if ch.Kind == timeline.ChangeResolved {
				select {
				case resolved <- ch.ResolvedTempID:
				default:
				}
			}
		}),
		session.WithOnFailure(func(_ string, err *domain.MutationError) {
			select {
			case failed <- err:
			default:
			}
		}),
	)
	defer tray.Close()
	defer s.Close()

	ch, err := s.Open(ctx, channelID)
	if err != nil {
		return err
	}
	_, tempID, err := ch.Send(ctx, text, nil, sendMentions, sendReplyTo)
	if err != nil {
		return err
	}

	for {
		select {
		case id := <-resolved:
			if id != tempID {
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sent to #%s as %s\n", channelID, render.DisplayName(cfg.UserID))
			return nil
		case err := <-failed:
			return err
		case <-ctx.Done():
			return fmt.Errorf("send not confirmed: %w", ctx.Err())
		}
	}
}

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "Message id this message replies to")
	sendCmd.Flags().StringSliceVar(&sendMentions, "mention", nil, "User ids to mention")
	sendCmd.Flags().DurationVar(&sendWait, "wait", 35*time.Second, "How long to wait for confirmation")
}

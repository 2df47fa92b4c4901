package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/nfrund/chatsync/cmd/chatsync/internal/render"
	"github.com/nfrund/chatsync/internal/roomrelay"
	"github.com/nfrund/chatsync/internal/session"
	"github.com/nfrund/chatsync/internal/status"
	"github.com/nfrund/chatsync/internal/transport"
	"github.com/nfrund/chatsync/internal/typing"
)

type namedTopic interface {
	Name() string
	Description() string
}

var topicsCmd = &cobra.Command{
	Use:   "topics",
	Short: "List the application bus topics",
	Long: `List the topics published on the in-process application bus. Presentation
layers subscribe to these instead of polling the timeline.

Examples:
  chatsync topics
  chatsync topics --format json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		printer, err := render.NewPrinter(os.Stdout, formatFlag)
		if err != nil {
			return err
		}
		return printer.Topics(busTopics())
	},
}

func busTopics() []render.Topic {
	all := []namedTopic{
		session.TopicTimelineChanged,
		typing.TopicTyping,
		status.TopicNotice,
		transport.TopicHealth,
		roomrelay.TopicMembership,
	}
	out := make([]render.Topic, len(all))
	for i, t := range all {
		out[i] = render.Topic{Name: t.Name(), Description: t.Description()}
	}
	return out
}

func init() {
	rootCmd.AddCommand(topicsCmd)
}

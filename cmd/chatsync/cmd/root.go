package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nfrund/chatsync/internal/config"
	"github.com/nfrund/chatsync/internal/logging"
)

var (
	cfg        *config.Config
	userFlag   string
	formatFlag string
)

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Real-time chat synchronization client",
	Long: `chatsync keeps a channel's message timeline in sync across the durable
store feed and a room's peer broadcast channel.

Available commands:
  tail       Follow a channel and print every change
  send       Send a message and wait for it to be confirmed
  devserver  Run the reference persistence API, feed and room relay
  topics     List the application bus topics

Use "chatsync [command] --help" for more information about a specific command.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logging.New()
		loaded, err := config.New()
		if err != nil {
			return err
		}
		if userFlag != "" {
			loaded.UserID = userFlag
		}
		cfg = loaded
		return nil
	},
}

// Execute executes the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func requireUser() error {
	if cfg.UserID == "" {
		return fmt.Errorf("no user: set CHATSYNC_USER_ID or pass --user")
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&userFlag, "user", "u", "", "User id to act as (overrides CHATSYNC_USER_ID)")
	rootCmd.PersistentFlags().StringVarP(&formatFlag, "format", "f", "table", "Output format (table, json)")
}

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nfrund/chatsync/internal/database"
	"github.com/nfrund/chatsync/internal/devserver"
	"github.com/nfrund/chatsync/internal/persistence"
	"github.com/nfrund/chatsync/internal/pubsub"
	"github.com/nfrund/chatsync/internal/roomrelay"
)

var devListen string

var devserverCmd = &cobra.Command{
	Use:   "devserver",
	Short: "Run the reference persistence API, feed and room relay",
	Long: `Serve the persistence REST API under /api, the snapshot feed at /feed and
the room relay at /rooms/:room.

Messages are kept in memory unless SURREAL_URL is set, in which case they are
stored in SurrealDB and the feed is driven by LIVE SELECT.

Examples:
  chatsync devserver
  SURREAL_URL=ws://localhost:8000/rpc SURREAL_NS=chat SURREAL_DB=dev chatsync devserver --listen :9090`,
	Args: cobra.NoArgs,
	RunE: runDevserver,
}

func runDevserver(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, feed, closeStore, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	bus, closeBus, err := newBus(ctx)
	if err != nil {
		return err
	}
	defer closeBus()
	err = pubsub.Subscribe(ctx, bus, roomrelay.TopicMembership, func(_ context.Context, m roomrelay.Membership) error {
		slog.Info("Room membership changed", "room", m.Room, "user_id", m.UserID, "joined", m.Joined, "members", m.Members)
		return nil
	})
	if err != nil {
		return fmt.Errorf("subscribe to membership: %w", err)
	}

	relay := roomrelay.NewHub(roomrelay.WithPublisher(bus))
	go relay.Run(ctx)

	addr := cfg.ListenAddr
	if devListen != "" {
		addr = devListen
	}
	return devserver.New(client, feed, relay).Start(ctx, addr)
}

// openStore picks SurrealDB when configured and the in-memory store otherwise.
func openStore(ctx context.Context) (persistence.Client, devserver.Feed, func(), error) {
	if cfg.DB.URL == "" {
		slog.Info("Using in-memory message store")
		store := persistence.NewMemoryStore()
		return store, store, func() {}, nil
	}

	conn := database.NewConnection(cfg.DB)
	if err := conn.Connect(ctx); err != nil {
		return nil, nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	conn.StartMonitoring()

	store := database.NewStore(conn)
	live := database.NewSurrealLiveQueryService(conn)
	feed := database.NewLiveFeed(store, live, persistence.DefaultSnapshotSize)
	slog.Info("Using SurrealDB message store", "namespace", cfg.DB.Namespace, "database", cfg.DB.Name)

	return store, feed, func() {
		if err := conn.Close(context.Background()); err != nil {
			slog.Warn("Closing database connection", "error", err)
		}
	}, nil
}

func init() {
	rootCmd.AddCommand(devserverCmd)
	devserverCmd.Flags().StringVarP(&devListen, "listen", "l", "", "Listen address (overrides CHATSYNC_LISTEN_ADDR)")
}

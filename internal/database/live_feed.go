package database

import (
	"context"
	"log/slog"

	"github.com/nfrund/chatsync/internal/models"
	"github.com/nfrund/chatsync/internal/persistence"
)

// LiveFeed implements the durable transport's Feed on SurrealDB: a LIVE
// SELECT on the channel's messages triggers a fresh snapshot query.
type LiveFeed struct {
	store        *Store
	live         *SurrealLiveQueryService
	snapshotSize int
	logger       *slog.Logger
}

// NewLiveFeed creates a feed pushing the newest snapshotSize messages.
func NewLiveFeed(store *Store, live *SurrealLiveQueryService, snapshotSize int) *LiveFeed {
	if snapshotSize <= 0 {
		snapshotSize = persistence.DefaultSnapshotSize
	}
	return &LiveFeed{
		store:        store,
		live:         live,
		snapshotSize: snapshotSize,
		logger:       slog.Default().With("component", "surreal_feed"),
	}
}

// Watch delivers the current snapshot and then one per batch of changes.
// Notifications arriving while a snapshot is being fetched collapse into a
// single follow-up fetch.
func (f *LiveFeed) Watch(ctx context.Context, channelID string, fn func([]models.MessageRecord)) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	dirty := make(chan struct{}, 1)
	mark := func() {
		select {
		case dirty <- struct{}{}:
		default:
		}
	}

	sub, err := f.live.Subscribe(ctx, messageTable, &LiveQueryFilter{
		Where:  "channel_id = $channel",
		Params: map[string]any{"channel": channelID},
	}, func(context.Context, LiveQueryAction, any) { mark() })
	if err != nil {
		cancel()
		return nil, err
	}
	mark()

	go func() {
		defer f.live.Unsubscribe(sub.ID)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.Done:
				f.logger.Warn("Live query ended", "channel_id", channelID)
				cancel()
				return
			case <-dirty:
				snap, err := f.store.recent(ctx, channelID, f.snapshotSize)
				if err != nil {
					if ctx.Err() == nil {
						f.logger.Warn("Snapshot query failed", "channel_id", channelID, "error", err)
					}
					continue
				}
				fn(snap)
			}
		}
	}()
	return cancel, nil
}

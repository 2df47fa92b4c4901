package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/coder/websocket"

	"github.com/nfrund/chatsync/internal/domain"
	"github.com/nfrund/chatsync/internal/models"
)

const (
	feedReadLimit      = 4 << 20
	feedInitialBackoff = 500 * time.Millisecond
	feedMaxBackoff     = 30 * time.Second
)

// FeedClient receives durable feed snapshots over a websocket. Each frame is
// a JSON Snapshot for the watched channel.
type FeedClient struct {
	URL    string
	logger *slog.Logger
}

// NewFeedClient creates a client for the feed endpoint at rawURL.
func NewFeedClient(rawURL string) *FeedClient {
	return &FeedClient{
		URL:    rawURL,
		logger: slog.Default().With("component", "feed_client"),
	}
}

// Watch connects and delivers snapshots to fn until ctx is done or stop is
// called. The first dial must succeed; later drops are retried with backoff.
func (c *FeedClient) Watch(ctx context.Context, channelID string, fn func([]models.MessageRecord)) (func(), error) {
	return c.WatchState(ctx, channelID, fn, nil)
}

// WatchState is Watch that also reports every drop and reconnect after the
// first dial to onState. onState may be nil.
func (c *FeedClient) WatchState(ctx context.Context, channelID string, fn func([]models.MessageRecord), onState func(up bool, err error)) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	state := func(up bool, err error) {
		if onState != nil {
			onState(up, err)
		}
	}

	conn, err := c.dial(ctx, channelID)
	if err != nil {
		cancel()
		return nil, err
	}

	go func() {
		backoff := feedInitialBackoff
		for {
			err := c.readLoop(ctx, conn, channelID, fn)
			conn.Close(websocket.StatusNormalClosure, "feed closed")
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("Feed connection lost", "channel_id", channelID, "error", err)
			state(false, err)

			for {
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				conn, err = c.dial(ctx, channelID)
				if err == nil {
					backoff = feedInitialBackoff
					state(true, nil)
					break
				}
				c.logger.Debug("Feed reconnect failed", "channel_id", channelID, "error", err, "backoff", backoff)
				backoff *= 2
				if backoff > feedMaxBackoff {
					backoff = feedMaxBackoff
				}
			}
		}
	}()

	return cancel, nil
}

func (c *FeedClient) dial(ctx context.Context, channelID string) (*websocket.Conn, error) {
	u, err := url.Parse(c.URL)
	if err != nil {
		return nil, fmt.Errorf("parse feed url: %w", err)
	}
	q := u.Query()
	q.Set("channelId", channelID)
	u.RawQuery = q.Encode()

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial feed: %w: %v", domain.ErrTransportUnavailable, err)
	}
	conn.SetReadLimit(feedReadLimit)
	return conn, nil
}

func (c *FeedClient) readLoop(ctx context.Context, conn *websocket.Conn, channelID string, fn func([]models.MessageRecord)) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var snap Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			c.logger.Warn("Dropping malformed feed frame", "channel_id", channelID, "error", err)
			continue
		}
		if snap.ChannelID != channelID {
			continue
		}
		fn(snap.Messages)
	}
}

package devserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/labstack/echo/v4"

	"github.com/nfrund/chatsync/internal/middleware"
	"github.com/nfrund/chatsync/internal/models"
	"github.com/nfrund/chatsync/internal/persistence"
)

const feedWriteTimeout = 10 * time.Second

// watchFeed upgrades GET /feed?channelId=... and writes a Snapshot frame
// whenever the channel changes, starting with the current one.
func (s *Server) watchFeed(c echo.Context) error {
	channelID := c.QueryParam("channelId")
	if channelID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "channelId is required")
	}
	logger := middleware.FromContext(c.Request().Context()).With("channel_id", channelID)

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		logger.Error("Failed to upgrade feed connection", "error", err)
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "feed closed")

	// the client never writes; CloseRead cancels ctx once it goes away
	ctx := conn.CloseRead(c.Request().Context())
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop, err := s.feed.Watch(ctx, channelID, func(msgs []models.MessageRecord) {
		data, err := json.Marshal(persistence.Snapshot{ChannelID: channelID, Messages: msgs})
		if err != nil {
			logger.Error("Failed to encode snapshot", "error", err)
			return
		}
		wctx, wcancel := context.WithTimeout(ctx, feedWriteTimeout)
		defer wcancel()
		if err := conn.Write(wctx, websocket.MessageText, data); err != nil {
			logger.Debug("Feed write failed", "error", err)
			cancel()
		}
	})
	if err != nil {
		logger.Warn("Feed watch failed", "error", err)
		conn.Close(websocket.StatusInternalError, "feed unavailable")
		return nil
	}
	defer stop()

	<-ctx.Done()
	return nil
}

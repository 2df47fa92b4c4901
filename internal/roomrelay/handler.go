package roomrelay

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/labstack/echo/v4"
)

const (
	readLimit    = 1 << 20
	writeTimeout = 10 * time.Second
)

// Handler upgrades GET /rooms/:room?userId=... and relays frames between the
// connection and the room.
func (h *Hub) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		room := c.Param("room")
		userID := c.QueryParam("userId")
		if room == "" || userID == "" {
			return c.String(http.StatusBadRequest, "room and userId are required")
		}

		conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			h.logger.Error("Failed to upgrade room connection", "room", room, "error", err)
			return err
		}
		conn.SetReadLimit(readLimit)

		ctx := c.Request().Context()
		m, ok := h.Join(ctx, room, userID)
		if !ok {
			return conn.Close(websocket.StatusGoingAway, "server shutting down")
		}

		go h.writePump(conn, m)
		h.readPump(ctx, conn, m)
		return nil
	}
}

// readPump forwards inbound frames to the room until the connection ends.
func (h *Hub) readPump(ctx context.Context, conn *websocket.Conn, m *Member) {
	defer func() {
		h.Leave(context.Background(), m)
		conn.Close(websocket.StatusNormalClosure, "left room")
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway &&
				!errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
				h.logger.Debug("Room read ended", "room", m.Room, "user_id", m.UserID, "error", err)
			}
			return
		}
		h.Relay(ctx, m, data)
	}
}

// writePump drains m.Send onto the connection until the hub closes it.
func (h *Hub) writePump(conn *websocket.Conn, m *Member) {
	defer conn.Close(websocket.StatusNormalClosure, "relay closed")

	for data := range m.Send {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := conn.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			h.logger.Debug("Room write failed", "room", m.Room, "user_id", m.UserID, "error", err)
			return
		}
	}
}

package peer

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/coder/websocket"

	"github.com/nfrund/chatsync/internal/domain"
)

const roomReadLimit = 1 << 20

// WSChannel is a DataChannel backed by a websocket to a room relay.
type WSChannel struct {
	conn *websocket.Conn
}

// DialRoom connects to the relay at roomURL and joins roomID as userID.
func DialRoom(ctx context.Context, roomURL, roomID, userID string) (*WSChannel, error) {
	u, err := url.Parse(roomURL)
	if err != nil {
		return nil, fmt.Errorf("parse room url: %w", err)
	}
	u = u.JoinPath(roomID)
	q := u.Query()
	q.Set("userId", userID)
	u.RawQuery = q.Encode()

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("join room %s: %w: %v", roomID, domain.ErrTransportUnavailable, err)
	}
	conn.SetReadLimit(roomReadLimit)
	return &WSChannel{conn: conn}, nil
}

// NewWSChannel wraps an established connection.
func NewWSChannel(conn *websocket.Conn) *WSChannel {
	return &WSChannel{conn: conn}
}

// Send implements DataChannel.
func (c *WSChannel) Send(ctx context.Context, frame []byte) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, frame)
}

// Receive implements DataChannel. Binary frames are passed through so the
// decoder can reject them.
func (c *WSChannel) Receive(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

// Close implements DataChannel.
func (c *WSChannel) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "left room")
}

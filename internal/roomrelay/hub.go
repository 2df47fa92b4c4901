// Package roomrelay fans peer-broadcast frames out to the other members of a
// room. It is the server side of the peer transport's data channel.
package roomrelay

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nfrund/chatsync/internal/pubsub"
)

const memberBuffer = 256

// TopicMembership announces room joins and leaves on the bus.
var TopicMembership = pubsub.NewEvent[Membership]("chatsync.room.membership", "A user joined or left a relay room")

// Membership is published when a member joins or leaves.
type Membership struct {
	Room    string `json:"room"`
	UserID  string `json:"userId"`
	Joined  bool   `json:"joined"`
	Members int    `json:"members"`
}

// Member is one connection in a room. The hub writes outbound frames to Send
// and closes it when the member is removed.
type Member struct {
	Room   string
	UserID string
	Send   chan []byte
}

type frame struct {
	from *Member
	data []byte
}

// Hub maintains the rooms and relays frames between their members.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Member]bool

	register   chan *Member
	unregister chan *Member
	broadcast  chan frame
	done       chan struct{}
	publisher  pubsub.Publisher
	logger     *slog.Logger
}

// Option configures a Hub.
type Option func(*Hub)

// WithPublisher announces membership changes on p.
func WithPublisher(p pubsub.Publisher) Option {
	return func(h *Hub) {
		h.publisher = p
	}
}

// NewHub creates a hub. Run must be started before members join.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		rooms:      make(map[string]map[*Member]bool),
		register:   make(chan *Member),
		unregister: make(chan *Member),
		broadcast:  make(chan frame, memberBuffer),
		done:       make(chan struct{}),
		logger:     slog.Default().With("component", "room_relay"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run processes joins, leaves and frames until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case m := <-h.register:
			h.mu.Lock()
			if h.rooms[m.Room] == nil {
				h.rooms[m.Room] = make(map[*Member]bool)
			}
			h.rooms[m.Room][m] = true
			n := len(h.rooms[m.Room])
			h.mu.Unlock()
			h.logger.Info("Member joined room", "room", m.Room, "user_id", m.UserID, "members", n)
			h.announce(ctx, Membership{Room: m.Room, UserID: m.UserID, Joined: true, Members: n})

		case m := <-h.unregister:
			if n, ok := h.remove(m); ok {
				h.logger.Info("Member left room", "room", m.Room, "user_id", m.UserID, "members", n)
				h.announce(ctx, Membership{Room: m.Room, UserID: m.UserID, Members: n})
			}

		case f := <-h.broadcast:
			h.relay(f)
		}
	}
}

// Join registers a member of room.
func (h *Hub) Join(ctx context.Context, room, userID string) (*Member, bool) {
	m := &Member{Room: room, UserID: userID, Send: make(chan []byte, memberBuffer)}
	select {
	case h.register <- m:
		return m, true
	case <-ctx.Done():
		return nil, false
	case <-h.done:
		return nil, false
	}
}

// Leave removes a member. Leaving twice is harmless.
func (h *Hub) Leave(ctx context.Context, m *Member) {
	select {
	case h.unregister <- m:
	case <-ctx.Done():
	case <-h.done:
	}
}

// Relay queues data for every other member of m's room.
func (h *Hub) Relay(ctx context.Context, m *Member, data []byte) {
	select {
	case h.broadcast <- frame{from: m, data: data}:
	case <-ctx.Done():
	case <-h.done:
	}
}

// Members returns the number of members in room.
func (h *Hub) Members(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

func (h *Hub) relay(f frame) {
	h.mu.RLock()
	var slow []*Member
	for m := range h.rooms[f.from.Room] {
		if m == f.from {
			continue
		}
		select {
		case m.Send <- f.data:
		default:
			slow = append(slow, m)
		}
	}
	h.mu.RUnlock()

	for _, m := range slow {
		if _, ok := h.remove(m); ok {
			h.logger.Warn("Dropping slow room member", "room", m.Room, "user_id", m.UserID)
		}
	}
}

func (h *Hub) remove(m *Member) (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[m.Room]
	if !ok || !members[m] {
		return 0, false
	}
	delete(members, m)
	close(m.Send)
	n := len(members)
	if n == 0 {
		delete(h.rooms, m.Room)
	}
	return n, true
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room, members := range h.rooms {
		for m := range members {
			close(m.Send)
		}
		delete(h.rooms, room)
	}
}

func (h *Hub) announce(ctx context.Context, ev Membership) {
	if h.publisher == nil {
		return
	}
	if err := pubsub.Publish(ctx, h.publisher, TopicMembership, ev, "room", ev.Room); err != nil {
		h.logger.Warn("Failed to publish membership change", "room", ev.Room, "error", err)
	}
}

package chat

import (
	"context"
	"sync"

	"livechat/internal/logging"
	"livechat/internal/metrics"
	"livechat/internal/room"
)

// Except filters recipients out of a room broadcast.
type Except struct {
	ConnID string // skip this one connection
	UserID string // skip every connection of this user
}

func (e Except) skips(c *Client) bool {
	return (e.ConnID != "" && c.ID == e.ConnID) || (e.UserID != "" && c.UserID == e.UserID)
}

// Hub owns the live clients and is the single delivery path to them.
type Hub struct {
	rooms *room.Manager

	mu      sync.RWMutex
	clients map[string]*Client // connID -> client
}

func NewHub(rooms *room.Manager) *Hub {
	return &Hub{
		rooms:   rooms,
		clients: make(map[string]*Client),
	}
}

// Run blocks until ctx is done and then closes every client's queue so the
// write pumps hang up and the read pumps run their cleanup.
func (h *Hub) Run(ctx context.Context) error {
	<-ctx.Done()

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.closeSend()
	}
	logging.Info().Int("clients", len(clients)).Msg("hub stopped")
	return ctx.Err()
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	n := len(h.clients)
	h.mu.Unlock()
	metrics.ConnectionsActive.Set(float64(n))
}

// remove drops the client and closes its queue. Safe to call twice.
func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	if cur, ok := h.clients[c.ID]; ok && cur == c {
		delete(h.clients, c.ID)
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.ConnectionsActive.Set(float64(n))
	c.closeSend()
}

func (h *Hub) Client(connID string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[connID]
	return c, ok
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ToRoom pushes the event to every live member of the room not skipped by
// except.
func (h *Hub) ToRoom(key room.Key, event string, payload any, except Except) {
	frame, ok := encode(event, payload)
	if !ok {
		return
	}
	h.sendFrame(h.rooms.MembersOf(key), event, frame, except)
}

// BroadcastExceptUser pushes the event to every live connection not owned by
// userID.
func (h *Hub) BroadcastExceptUser(userID, event string, payload any) {
	frame, ok := encode(event, payload)
	if !ok {
		return
	}
	h.mu.RLock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	h.sendFrame(ids, event, frame, Except{UserID: userID})
}

func (h *Hub) sendFrame(connIDs []string, event string, frame []byte, except Except) {
	var slow []*Client

	h.mu.RLock()
	for _, id := range connIDs {
		c, ok := h.clients[id]
		if !ok || except.skips(c) {
			continue
		}
		sent, full := c.trySend(frame)
		switch {
		case sent:
			metrics.EventsDelivered.WithLabelValues(event).Inc()
		case full:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	// Slow consumers are hung up; their read pump runs the normal cleanup.
	for _, c := range slow {
		metrics.EventsDropped.WithLabelValues(metrics.DropSlowConsumer).Inc()
		logging.Warn().Str("conn_id", c.ID).Str("user_id", c.UserID).Msg("dropping slow websocket client")
		c.closeSend()
	}
}

func encode(event string, payload any) ([]byte, bool) {
	frame, err := EncodeFrame(event, payload)
	if err != nil {
		metrics.EventsDropped.WithLabelValues(metrics.DropEncodeFailure).Inc()
		logging.Error().Err(err).Str("event", event).Msg("failed to encode frame")
		return nil, false
	}
	return frame, true
}

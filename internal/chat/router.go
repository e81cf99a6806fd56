package chat

import (
	"context"

	"livechat/internal/logging"
	"livechat/internal/metrics"
	"livechat/internal/room"
)

// ParticipantSource resolves a conversation's participant ids.
type ParticipantSource interface {
	Participants(ctx context.Context, conversationID string) ([]string, error)
}

type invalidator interface {
	Invalidate(ctx context.Context, conversationID string) error
}

// Router computes broadcast targets for persisted writes and hands frames to
// the hub. Delivery is best-effort: a connection that is not live when a
// call runs misses the event and catches up over REST.
type Router struct {
	hub          *Hub
	rooms        *room.Manager
	participants ParticipantSource
}

func NewRouter(hub *Hub, rooms *room.Manager, participants ParticipantSource) *Router {
	return &Router{hub: hub, rooms: rooms, participants: participants}
}

// Deliver pushes a persisted message to every participant except the
// sender, through each participant's personal room so every tab gets it.
func (r *Router) Deliver(ctx context.Context, msg *MessageView) {
	ids, err := r.participants.Participants(ctx, msg.ConversationID)
	if err != nil {
		metrics.EventsDropped.WithLabelValues(metrics.DropUnknownTarget).Inc()
		logging.Warn().Err(err).
			Str("conversation_id", msg.ConversationID).
			Str("message_id", msg.ID).
			Msg("participant lookup failed, live delivery dropped")
		return
	}

	for _, id := range ids {
		if id == msg.SenderID {
			continue
		}
		r.hub.ToRoom(room.User(id), EventMessageReceive, msg, Except{})
	}
}

// DeliverReadReceipt pushes message:read to the conversation room. exceptConn
// skips the connection the receipt came from; pass "" to reach everyone.
func (r *Router) DeliverReadReceipt(conversationID, messageID, readerID, exceptConn string) {
	r.hub.ToRoom(room.Conversation(conversationID), EventMessageRead,
		ReadReceipt{MessageID: messageID, UserID: readerID}, Except{ConnID: exceptConn})
}

// ConversationCreated joins every live connection of every participant to the
// new conversation room and announces it to everyone but the creator.
func (r *Router) ConversationCreated(view *ConversationView, creatorID string) {
	r.announce(view, view.ParticipantIDs(), creatorID)
}

// ParticipantsAdded refreshes the cached participant list, joins the added
// users' live connections and announces the conversation to them.
func (r *Router) ParticipantsAdded(ctx context.Context, view *ConversationView, added []string) {
	if inv, ok := r.participants.(invalidator); ok {
		if err := inv.Invalidate(ctx, view.ID); err != nil {
			logging.Warn().Err(err).Str("conversation_id", view.ID).Msg("participant cache invalidation failed")
		}
	}
	r.announce(view, added, "")
}

func (r *Router) announce(view *ConversationView, userIDs []string, skipUser string) {
	key := room.Conversation(view.ID)
	for _, id := range userIDs {
		for _, connID := range r.rooms.MembersOf(room.User(id)) {
			r.rooms.Join(connID, key)
		}
		if id != skipUser {
			r.hub.ToRoom(room.User(id), EventConversationCreated, view, Except{})
		}
	}
}

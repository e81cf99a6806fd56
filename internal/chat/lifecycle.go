package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"livechat/internal/httpx"
	"livechat/internal/logging"
	"livechat/internal/metrics"
	"livechat/internal/presence"
	"livechat/internal/room"
	"livechat/internal/typing"
)

// Authenticator resolves a handshake request to a user id.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// Controller runs each connection through connecting -> authenticating ->
// active -> closed. Handshakes with a missing or invalid credential are
// refused before the upgrade, so no state exists for them.
type Controller struct {
	auth      Authenticator
	store     Store
	hub       *Hub
	rooms     *room.Manager
	presence  *presence.Tracker
	typing    *typing.Coordinator
	router    *Router
	upgrader  websocket.Upgrader
	opTimeout time.Duration

	pumps sync.WaitGroup
}

type ControllerConfig struct {
	Auth     Authenticator
	Store    Store
	Hub      *Hub
	Rooms    *room.Manager
	Presence *presence.Tracker
	Typing   *typing.Coordinator
	Router   *Router
	// CheckOrigin defaults to allowing every origin.
	CheckOrigin func(r *http.Request) bool
	// OpTimeout bounds each store call made on behalf of a connection.
	OpTimeout time.Duration
}

func NewController(cfg ControllerConfig) *Controller {
	if cfg.CheckOrigin == nil {
		cfg.CheckOrigin = func(r *http.Request) bool { return true }
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 5 * time.Second
	}
	return &Controller{
		auth:     cfg.Auth,
		store:    cfg.Store,
		hub:      cfg.Hub,
		rooms:    cfg.Rooms,
		presence: cfg.Presence,
		typing:   cfg.Typing,
		router:   cfg.Router,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
		opTimeout: cfg.OpTimeout,
	}
}

// ServeWs authenticates the handshake, upgrades, activates the connection and
// starts its pumps.
func (ctl *Controller) ServeWs(w http.ResponseWriter, r *http.Request) {
	userID, err := ctl.auth.Authenticate(r)
	if err != nil {
		logging.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("websocket handshake rejected")
		httpx.Error(w, http.StatusUnauthorized, "Authentication error")
		return
	}

	conn, err := ctl.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := NewClient(uuid.NewString(), userID, conn)
	ctl.Open(c)

	ctl.pumps.Add(1)
	go c.WritePump()
	go func() {
		defer ctl.pumps.Done()
		c.ReadPump(ctl)
	}()
}

// Open activates an authenticated client: hub registration, personal room,
// conversation rooms from the store, then presence.
//
// The personal room is joined before the conversation list is read. A
// conversation committed after the read is announced to the personal room,
// which also joins this connection to it, so no conversation falls between
// the two.
func (ctl *Controller) Open(c *Client) {
	ctl.hub.add(c)
	ctl.rooms.Join(c.ID, room.User(c.UserID))

	ctx, cancel := context.WithTimeout(context.Background(), ctl.opTimeout)
	conversationIDs, err := ctl.store.ConversationIDsFor(ctx, c.UserID)
	cancel()
	if err != nil {
		logging.Warn().Err(err).Str("user_id", c.UserID).Msg("room hydration failed, continuing with personal room only")
	}
	for _, id := range conversationIDs {
		ctl.rooms.Join(c.ID, room.Conversation(id))
	}
	ctl.presence.Connected(c.UserID, c.ID)

	logging.Info().
		Str("user_id", c.UserID).
		Str("conn_id", c.ID).
		Int("rooms", len(ctl.rooms.RoomsOf(c.ID))).
		Msg("user connected")
}

// Close tears a connection down. Every step runs even if an earlier one
// fails; a second call is a no-op.
func (ctl *Controller) Close(c *Client) {
	c.cleanup.Do(func() {
		err := errors.Join(
			isolate("typing cleanup", func() { ctl.stopTyping(c) }),
			isolate("leave rooms", func() { ctl.rooms.LeaveAll(c.ID) }),
			isolate("hub unregister", func() { ctl.hub.remove(c) }),
			isolate("presence", func() { ctl.presence.Disconnected(c.UserID, c.ID) }),
		)
		if err != nil {
			logging.Error().Err(err).Str("conn_id", c.ID).Msg("disconnect cleanup incomplete")
		}
		logging.Info().Str("user_id", c.UserID).Str("conn_id", c.ID).Msg("user disconnected")
	})
}

// Wait blocks until every read pump has finished its cleanup.
func (ctl *Controller) Wait() {
	ctl.pumps.Wait()
}

func (ctl *Controller) stopTyping(c *Client) {
	for _, key := range ctl.typing.StopAllForConn(c.ID) {
		ctl.hub.ToRoom(room.Conversation(key.ConversationID), EventTypingStop, key, Except{UserID: key.UserID})
	}
}

// HandleEvent dispatches one inbound event. It is called from the
// connection's read pump, so events of one connection are handled in order.
func (ctl *Controller) HandleEvent(c *Client, in Envelope) {
	id, ok := in.stringData()
	if !ok {
		logging.Debug().Str("conn_id", c.ID).Str("event", in.Event).Msg("event without id payload")
		return
	}

	switch in.Event {
	case EventConversationJoin:
		ctl.join(c, id)
	case EventTypingStart:
		ctl.typingStart(c, id)
	case EventTypingStop:
		ctl.typingStop(c, id)
	case EventMarkAsRead:
		ctl.markAsRead(c, id)
	default:
		logging.Debug().Str("conn_id", c.ID).Str("event", in.Event).Msg("unknown event")
	}
}

// join admits the connection to a conversation room after checking
// participation. Refusals are silent so they do not reveal whether the
// conversation exists.
func (ctl *Controller) join(c *Client, conversationID string) {
	ctx, cancel := context.WithTimeout(context.Background(), ctl.opTimeout)
	defer cancel()

	ok, err := ctl.store.IsParticipant(ctx, conversationID, c.UserID)
	if err != nil || !ok {
		metrics.EventsDropped.WithLabelValues(metrics.DropUnauthorized).Inc()
		logging.Debug().Err(err).
			Str("user_id", c.UserID).
			Str("conversation_id", conversationID).
			Msg("conversation join refused")
		return
	}
	ctl.rooms.Join(c.ID, room.Conversation(conversationID))
}

func (ctl *Controller) typingStart(c *Client, conversationID string) {
	key := room.Conversation(conversationID)
	if !ctl.rooms.IsMember(c.ID, key) {
		metrics.EventsDropped.WithLabelValues(metrics.DropUnauthorized).Inc()
		return
	}
	tk := typing.Key{ConversationID: conversationID, UserID: c.UserID}
	if ctl.typing.Start(tk, c.ID) {
		ctl.hub.ToRoom(key, EventTypingStart, tk, Except{UserID: c.UserID})
	}
}

func (ctl *Controller) typingStop(c *Client, conversationID string) {
	tk := typing.Key{ConversationID: conversationID, UserID: c.UserID}
	if ctl.typing.Stop(tk) {
		ctl.hub.ToRoom(room.Conversation(conversationID), EventTypingStop, tk, Except{UserID: c.UserID})
	}
}

func (ctl *Controller) markAsRead(c *Client, messageID string) {
	ctx, cancel := context.WithTimeout(context.Background(), ctl.opTimeout)
	defer cancel()

	conversationID, err := ctl.store.MarkAsRead(ctx, messageID, c.UserID)
	if err != nil {
		logging.Debug().Err(err).Str("user_id", c.UserID).Str("message_id", messageID).Msg("mark as read failed")
		return
	}
	ctl.router.DeliverReadReceipt(conversationID, messageID, c.UserID, c.ID)
}

// isolate runs one cleanup step and turns a panic into an error so the
// remaining steps still run.
func isolate(step string, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: %v", step, r)
		}
	}()
	fn()
	return nil
}

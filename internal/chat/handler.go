package chat

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"livechat/internal/httpx"
	"livechat/internal/logging"
	myMiddleware "livechat/internal/middleware"
	"livechat/internal/presence"
)

// Handler serves the REST side of conversations and messages. Writes are
// persisted first and only then handed to the Router for live delivery.
type Handler struct {
	store    ConversationStore
	router   *Router
	presence *presence.Tracker
	online   func() []string
}

func NewHandler(store ConversationStore, router *Router, tracker *presence.Tracker, online func() []string) *Handler {
	return &Handler{
		store:    store,
		router:   router,
		presence: tracker,
		online:   online,
	}
}

// Routes mounts the authenticated REST endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/api/users/online", h.OnlineUsers)
	r.Get("/api/users/{userID}/presence", h.Presence)

	r.Get("/api/conversations", h.ListConversations)
	r.Post("/api/conversations", h.CreateConversation)
	r.Patch("/api/conversations/{conversationID}", h.UpdateGroup)
	r.Post("/api/conversations/{conversationID}/participants", h.AddParticipants)
	r.Get("/api/conversations/{conversationID}/messages", h.GetMessages)

	r.Post("/api/messages", h.SendMessage)
	r.Put("/api/messages/{messageID}/read", h.MarkAsRead)
}

func (h *Handler) OnlineUsers(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, h.online())
}

func (h *Handler) Presence(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, h.presence.Snapshot(chi.URLParam(r, "userID")))
}

func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID, _ := myMiddleware.UserID(r.Context())
	views, err := h.store.ListConversationViews(r.Context(), userID)
	if err != nil {
		h.fail(w, err, "list conversations")
		return
	}
	httpx.JSON(w, http.StatusOK, views)
}

// CreateConversation returns the existing direct conversation for a pair
// instead of creating a second one.
func (h *Handler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	userID, _ := myMiddleware.UserID(r.Context())
	var req CreateConversationRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	participants := dedupe(append([]string{userID}, req.ParticipantIDs...))
	if len(participants) < 2 {
		httpx.Error(w, http.StatusBadRequest, "Participants are required")
		return
	}

	if !req.IsGroup && len(participants) == 2 {
		existing, err := h.store.FindDirectConversation(r.Context(), participants[0], participants[1])
		switch {
		case err == nil:
			h.writeView(w, r, existing.ID, http.StatusOK)
			return
		case !errors.Is(err, ErrNotFound):
			h.fail(w, err, "find direct conversation")
			return
		}
	}

	conv := &Conversation{
		IsGroup:        req.IsGroup,
		GroupName:      req.GroupName,
		ParticipantIDs: participants,
	}
	if req.IsGroup {
		conv.AdminIDs = []string{userID}
	}
	if err := h.store.CreateConversation(r.Context(), conv); err != nil {
		h.fail(w, err, "create conversation")
		return
	}

	view, err := h.store.GetConversationView(r.Context(), conv.ID)
	if err != nil {
		h.fail(w, err, "load conversation")
		return
	}
	h.router.ConversationCreated(view, userID)
	httpx.JSON(w, http.StatusCreated, view)
}

// UpdateGroup renames a group or changes its avatar. Admins only.
func (h *Handler) UpdateGroup(w http.ResponseWriter, r *http.Request) {
	userID, _ := myMiddleware.UserID(r.Context())
	conversationID := chi.URLParam(r, "conversationID")
	var req UpdateGroupRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := h.store.GetConversation(r.Context(), conversationID)
	if err != nil {
		httpx.Error(w, http.StatusNotFound, "Conversation not found")
		return
	}
	if !conv.IsGroup {
		httpx.Error(w, http.StatusBadRequest, "Cannot update direct conversations")
		return
	}
	if !conv.IsAdmin(userID) {
		httpx.Error(w, http.StatusForbidden, "Only admins can update group info")
		return
	}

	if err := h.store.UpdateGroup(r.Context(), conversationID, req.GroupName, req.GroupAvatar); err != nil {
		h.fail(w, err, "update group")
		return
	}
	h.writeView(w, r, conversationID, http.StatusOK)
}

func (h *Handler) AddParticipants(w http.ResponseWriter, r *http.Request) {
	userID, _ := myMiddleware.UserID(r.Context())
	conversationID := chi.URLParam(r, "conversationID")
	var req AddParticipantsRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := h.store.GetConversation(r.Context(), conversationID)
	if err != nil || !conv.IsGroup {
		httpx.Error(w, http.StatusNotFound, "Group conversation not found")
		return
	}
	if !conv.IsAdmin(userID) {
		httpx.Error(w, http.StatusForbidden, "Only admins can add participants")
		return
	}

	var added []string
	for _, id := range dedupe(req.ParticipantIDs) {
		if !conv.HasParticipant(id) {
			added = append(added, id)
		}
	}
	if len(added) > 0 {
		if err := h.store.AddParticipants(r.Context(), conversationID, added); err != nil {
			h.fail(w, err, "add participants")
			return
		}
	}

	view, err := h.store.GetConversationView(r.Context(), conversationID)
	if err != nil {
		h.fail(w, err, "load conversation")
		return
	}
	if len(added) > 0 {
		h.router.ParticipantsAdded(r.Context(), view, added)
	}
	httpx.JSON(w, http.StatusOK, view)
}

// GetMessages returns one page of history, oldest first, and marks the
// conversation read for the caller.
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	userID, _ := myMiddleware.UserID(r.Context())
	conversationID := chi.URLParam(r, "conversationID")

	if ok, err := h.store.IsParticipant(r.Context(), conversationID, userID); err != nil || !ok {
		httpx.Error(w, http.StatusNotFound, "Conversation not found")
		return
	}

	page := queryInt(r, "page", 1, 1, 1<<20)
	limit := queryInt(r, "limit", 50, 1, 200)
	msgs, err := h.store.ListMessages(r.Context(), conversationID, page, limit)
	if err != nil {
		h.fail(w, err, "list messages")
		return
	}

	if err := h.store.MarkConversationRead(r.Context(), conversationID, userID); err != nil {
		logging.Warn().Err(err).Str("conversation_id", conversationID).Msg("mark conversation read failed")
	}
	httpx.JSON(w, http.StatusOK, msgs)
}

// SendMessage persists a message and then delivers it live.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID, _ := myMiddleware.UserID(r.Context())
	var req SendMessageRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.normalize(); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	if ok, err := h.store.IsParticipant(r.Context(), req.ConversationID, userID); err != nil || !ok {
		httpx.Error(w, http.StatusNotFound, "Conversation not found")
		return
	}

	msg := &Message{
		ConversationID: req.ConversationID,
		SenderID:       userID,
		Content:        req.Content,
		Type:           req.Type,
		FileURL:        req.FileURL,
		ReadBy:         []string{userID},
	}
	if err := h.store.CreateMessage(r.Context(), msg); err != nil {
		h.fail(w, err, "create message")
		return
	}

	view, err := h.store.GetMessageView(r.Context(), msg.ID)
	if err != nil {
		h.fail(w, err, "load message")
		return
	}

	h.router.Deliver(r.Context(), view)
	httpx.JSON(w, http.StatusCreated, view)
}

func (h *Handler) MarkAsRead(w http.ResponseWriter, r *http.Request) {
	userID, _ := myMiddleware.UserID(r.Context())
	messageID := chi.URLParam(r, "messageID")

	conversationID, err := h.store.MarkAsRead(r.Context(), messageID, userID)
	if err != nil {
		h.fail(w, err, "mark as read")
		return
	}

	h.router.DeliverReadReceipt(conversationID, messageID, userID, "")

	view, err := h.store.GetMessageView(r.Context(), messageID)
	if err != nil {
		h.fail(w, err, "load message")
		return
	}
	httpx.JSON(w, http.StatusOK, view)
}

func (h *Handler) writeView(w http.ResponseWriter, r *http.Request, id string, status int) {
	view, err := h.store.GetConversationView(r.Context(), id)
	if err != nil {
		h.fail(w, err, "load conversation")
		return
	}
	httpx.JSON(w, status, view)
}

func (h *Handler) fail(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Error(w, http.StatusNotFound, "Not found")
	case errors.Is(err, ErrForbidden):
		httpx.Error(w, http.StatusForbidden, "Forbidden")
	case errors.Is(err, ErrUnknownUser):
		httpx.Error(w, http.StatusBadRequest, "Unknown participant")
	default:
		logging.Error().Err(err).Str("op", op).Msg("request failed")
		httpx.Error(w, http.StatusInternalServerError, "Internal server error")
	}
}

func queryInt(r *http.Request, name string, def, lo, hi int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil {
		return def
	}
	return min(max(v, lo), hi)
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

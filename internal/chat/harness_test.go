package chat

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	myMiddleware "livechat/internal/middleware"
	"livechat/internal/presence"
	"livechat/internal/room"
	"livechat/internal/session"
	"livechat/internal/typing"
	"livechat/internal/user"
)

// memStore is an in-memory ConversationStore.
type memStore struct {
	mu    sync.Mutex
	seq   int
	users map[string]user.Summary
	convs map[string]*Conversation
	msgs  []*Message
	// hydrateErr fails ConversationIDsFor when set.
	hydrateErr error
	// afterHydrate runs once ConversationIDsFor has taken its snapshot.
	afterHydrate func(userID string)
}

var _ ConversationStore = (*memStore)(nil)

func newMemStore(userIDs ...string) *memStore {
	s := &memStore{
		users: make(map[string]user.Summary),
		convs: make(map[string]*Conversation),
	}
	for _, id := range userIDs {
		s.users[id] = user.Summary{ID: id, Username: id}
	}
	return s
}

func (s *memStore) nextID(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s-%d", prefix, s.seq)
}

// seedConversation creates a conversation directly, bypassing the handler.
func (s *memStore) seedConversation(isGroup bool, participants ...string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID("conv")
	s.convs[id] = &Conversation{
		ID:             id,
		IsGroup:        isGroup,
		ParticipantIDs: participants,
		AdminIDs:       participants[:1],
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	return id
}

func (s *memStore) ConversationIDsFor(_ context.Context, userID string) ([]string, error) {
	s.mu.Lock()
	if s.hydrateErr != nil {
		s.mu.Unlock()
		return nil, s.hydrateErr
	}
	var ids []string
	for id, c := range s.convs {
		if c.HasParticipant(userID) {
			ids = append(ids, id)
		}
	}
	hook := s.afterHydrate
	s.mu.Unlock()

	slices.Sort(ids)
	if hook != nil {
		hook(userID)
	}
	return ids, nil
}

func (s *memStore) Participants(_ context.Context, conversationID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(c.ParticipantIDs), nil
}

func (s *memStore) IsParticipant(_ context.Context, conversationID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conversationID]
	return ok && c.HasParticipant(userID), nil
}

func (s *memStore) MarkAsRead(_ context.Context, messageID, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.message(messageID)
	if m == nil {
		return "", ErrNotFound
	}
	if !s.convs[m.ConversationID].HasParticipant(userID) {
		return "", ErrForbidden
	}
	if !slices.Contains(m.ReadBy, userID) {
		m.ReadBy = append(m.ReadBy, userID)
	}
	return m.ConversationID, nil
}

func (s *memStore) MarkConversationRead(_ context.Context, conversationID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.msgs {
		if m.ConversationID == conversationID && !slices.Contains(m.ReadBy, userID) {
			m.ReadBy = append(m.ReadBy, userID)
		}
	}
	return nil
}

func (s *memStore) CreateConversation(_ context.Context, c *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkUsers(c.ParticipantIDs); err != nil {
		return err
	}
	c.ID = s.nextID("conv")
	c.CreatedAt = time.Now()
	c.UpdatedAt = c.CreatedAt
	cp := *c
	s.convs[c.ID] = &cp
	return nil
}

func (s *memStore) FindDirectConversation(_ context.Context, userA, userB string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.convs {
		if !c.IsGroup && len(c.ParticipantIDs) == 2 && c.HasParticipant(userA) && c.HasParticipant(userB) {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memStore) GetConversation(_ context.Context, id string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	cp.ParticipantIDs = slices.Clone(c.ParticipantIDs)
	return &cp, nil
}

func (s *memStore) GetConversationView(_ context.Context, id string) (*ConversationView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return nil, ErrNotFound
	}
	v := &ConversationView{
		ID:          c.ID,
		IsGroup:     c.IsGroup,
		GroupName:   c.GroupName,
		GroupAvatar: c.GroupAvatar,
		AdminIDs:    c.AdminIDs,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
	}
	for _, p := range c.ParticipantIDs {
		v.Participants = append(v.Participants, s.users[p])
	}
	if m := s.message(c.LastMessageID); m != nil {
		v.LastMessage = s.view(m)
	}
	return v, nil
}

func (s *memStore) ListConversationViews(ctx context.Context, userID string) ([]ConversationView, error) {
	ids, err := s.ConversationIDsFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	views := []ConversationView{}
	for _, id := range ids {
		v, err := s.GetConversationView(ctx, id)
		if err != nil {
			return nil, err
		}
		views = append(views, *v)
	}
	return views, nil
}

func (s *memStore) AddParticipants(_ context.Context, conversationID string, userIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return ErrNotFound
	}
	if err := s.checkUsers(userIDs); err != nil {
		return err
	}
	for _, id := range userIDs {
		if !c.HasParticipant(id) {
			c.ParticipantIDs = append(c.ParticipantIDs, id)
		}
	}
	return nil
}

// checkUsers stands in for the participants.user_id foreign key.
func (s *memStore) checkUsers(ids []string) error {
	for _, id := range ids {
		if _, ok := s.users[id]; !ok {
			return fmt.Errorf("participant %s: %w", id, ErrUnknownUser)
		}
	}
	return nil
}

func (s *memStore) UpdateGroup(_ context.Context, conversationID, name, avatar string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conversationID]
	if !ok || !c.IsGroup {
		return ErrNotFound
	}
	if name != "" {
		c.GroupName = name
	}
	if avatar != "" {
		c.GroupAvatar = avatar
	}
	return nil
}

func (s *memStore) CreateMessage(_ context.Context, m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[m.ConversationID]
	if !ok {
		return ErrNotFound
	}
	m.ID = s.nextID("msg")
	m.CreatedAt = time.Now()
	m.ReadBy = []string{m.SenderID}
	cp := *m
	s.msgs = append(s.msgs, &cp)
	c.LastMessageID = m.ID
	return nil
}

func (s *memStore) GetMessageView(_ context.Context, id string) (*MessageView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.message(id)
	if m == nil {
		return nil, ErrNotFound
	}
	return s.view(m), nil
}

func (s *memStore) ListMessages(_ context.Context, conversationID string, page, limit int) ([]MessageView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []MessageView
	for _, m := range s.msgs {
		if m.ConversationID == conversationID {
			all = append(all, *s.view(m))
		}
	}
	end := len(all) - (page-1)*limit
	if end <= 0 {
		return []MessageView{}, nil
	}
	return all[max(end-limit, 0):end], nil
}

func (s *memStore) message(id string) *Message {
	for _, m := range s.msgs {
		if m.ID == id {
			return m
		}
	}
	return nil
}

func (s *memStore) view(m *Message) *MessageView {
	cp := *m
	cp.ReadBy = slices.Clone(m.ReadBy)
	return &MessageView{Message: cp, Sender: s.users[m.SenderID]}
}

func (s *memStore) readBy(messageID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.message(messageID).ReadBy)
}

// userTokens accepts a user id as its own token.
type userTokens struct{ store *memStore }

func (v userTokens) ValidateToken(token string) (string, error) {
	v.store.mu.Lock()
	defer v.store.mu.Unlock()
	if _, ok := v.store.users[token]; !ok {
		return "", fmt.Errorf("unknown token %q", token)
	}
	return token, nil
}

type testServer struct {
	*httptest.Server
	store    *memStore
	rooms    *room.Manager
	hub      *Hub
	registry *session.Registry
	presence *presence.Tracker
	typing   *typing.Coordinator
	ctl      *Controller
	// stopHub cancels the hub's run context, as a server shutdown does.
	stopHub context.CancelFunc
}

type serverOption func(*[]typing.CoordinatorOption)

func withTyping(opts ...typing.CoordinatorOption) serverOption {
	return func(o *[]typing.CoordinatorOption) { *o = append(*o, opts...) }
}

func newTestServer(t *testing.T, store *memStore, opts ...serverOption) *testServer {
	t.Helper()

	var typingOpts []typing.CoordinatorOption
	for _, opt := range opts {
		opt(&typingOpts)
	}

	ts := &testServer{store: store}
	ts.rooms = room.NewManager()
	ts.hub = NewHub(ts.rooms)
	ts.registry = session.NewRegistry()
	ts.presence = presence.NewTracker(ts.registry, ts.hub, nil)
	ts.typing = typing.NewCoordinator(typingOpts...)
	router := NewRouter(ts.hub, ts.rooms, store)

	auth := myMiddleware.NewAuthMiddleware(userTokens{store: store})
	ts.ctl = NewController(ControllerConfig{
		Auth:      auth,
		Store:     store,
		Hub:       ts.hub,
		Rooms:     ts.rooms,
		Presence:  ts.presence,
		Typing:    ts.typing,
		Router:    router,
		OpTimeout: time.Second,
	})
	handler := NewHandler(store, router, ts.presence, ts.registry.OnlineUsers)

	r := chi.NewRouter()
	r.Get("/ws", ts.ctl.ServeWs)
	r.Group(func(r chi.Router) {
		r.Use(auth.Handle)
		handler.Routes(r)
	})
	ts.Server = httptest.NewServer(r)

	ctx, cancel := context.WithCancel(context.Background())
	ts.stopHub = cancel
	done := make(chan struct{})
	go func() {
		ts.hub.Run(ctx)
		close(done)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
		ts.Server.Close()
		ts.ctl.Wait()
		ts.typing.Close()
	})
	return ts
}

// wsConn is a test websocket client that buffers every inbound frame.
type wsConn struct {
	t      *testing.T
	conn   *websocket.Conn
	frames chan Envelope
}

// connect dials as userID and waits until the server has activated the
// connection.
func (ts *testServer) connect(t *testing.T, userID string) *wsConn {
	t.Helper()
	before := ts.registry.Count(userID)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=" + userID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	c := &wsConn{t: t, conn: conn, frames: make(chan Envelope, 64)}
	go func() {
		defer close(c.frames)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env Envelope
			if json.Unmarshal(data, &env) == nil {
				c.frames <- env
			}
		}
	}()
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return ts.registry.Count(userID) == before+1 },
		2*time.Second, 5*time.Millisecond)
	return c
}

func (c *wsConn) emit(event string, data any) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(map[string]any{"event": event, "data": data}))
}

// expect returns the next frame for event, skipping unrelated ones.
func (c *wsConn) expect(event string) Envelope {
	c.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env, ok := <-c.frames:
			require.True(c.t, ok, "connection closed while waiting for %s", event)
			if env.Event == event {
				return env
			}
		case <-deadline:
			require.FailNow(c.t, "timed out waiting for "+event)
		}
	}
}

// expectNone fails if event arrives within wait.
func (c *wsConn) expectNone(event string, wait time.Duration) {
	c.t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case env, ok := <-c.frames:
			if !ok {
				return
			}
			require.NotEqual(c.t, event, env.Event, "unexpected %s: %s", event, env.Data)
		case <-deadline:
			return
		}
	}
}

// drain collects the names of every event received within wait.
func (c *wsConn) drain(wait time.Duration) []string {
	var events []string
	deadline := time.After(wait)
	for {
		select {
		case env, ok := <-c.frames:
			if !ok {
				return events
			}
			events = append(events, env.Event)
		case <-deadline:
			return events
		}
	}
}

// expectClosed waits for the server to hang up.
func (c *wsConn) expectClosed() {
	c.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-c.frames:
			if !ok {
				return
			}
		case <-deadline:
			require.FailNow(c.t, "connection still open")
		}
	}
}

func decodeData[T any](t *testing.T, env Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

// do performs an authenticated REST call as userID.
func (ts *testServer) do(t *testing.T, method, path, userID string, body any) (int, apiResponse) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+userID)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out apiResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func (ts *testServer) sendMessage(t *testing.T, from, conversationID, content string) MessageView {
	t.Helper()
	status, resp := ts.do(t, http.MethodPost, "/api/messages", from,
		map[string]string{"conversationId": conversationID, "content": content})
	require.Equal(t, http.StatusCreated, status, resp.Error)
	var m MessageView
	require.NoError(t, json.Unmarshal(resp.Data, &m))
	return m
}

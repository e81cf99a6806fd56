// Package chatclient is a Go client for the realtime socket. It owns the
// sender-side typing behaviour of an input box (debounced starts and an idle
// auto-stop) and keeps a receiver-side view of who is typing.
package chatclient

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"livechat/internal/chat"
	"livechat/internal/logging"
	"livechat/internal/typing"
)

const (
	DefaultTypingDebounce = 500 * time.Millisecond
	DefaultTypingIdle     = 2 * time.Second
	writeWait             = 10 * time.Second
)

var ErrClosed = errors.New("chatclient: connection closed")

// Handler receives the raw data of one inbound event.
type Handler func(data json.RawMessage)

type Config struct {
	// URL of the websocket endpoint, e.g. ws://localhost:8080/ws.
	URL   string
	Token string

	// TypingDebounce is the minimum gap between two typing:start emits for
	// the same conversation.
	TypingDebounce time.Duration
	// TypingIdle stops typing automatically after this long without a
	// StartTyping call.
	TypingIdle time.Duration
	// TypingExpiry is how long a received typing:start stays visible
	// without a refresh.
	TypingExpiry time.Duration
	// OnTyping is called when someone starts or stops typing.
	OnTyping func(key typing.Key, typing bool)

	Dialer *websocket.Dialer
}

type Client struct {
	cfg     Config
	conn    *websocket.Conn
	watcher *typing.Watcher

	writeMu sync.Mutex

	mu       sync.Mutex
	handlers map[string][]Handler
	typing   map[string]*outgoing // conversationID -> local typing state
	closed   bool

	done chan struct{}
}

type outgoing struct {
	lastEmit time.Time
	idle     *time.Timer
	gen      uint64
}

// Dial connects with the token in the Authorization header and starts the
// read loop.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.TypingDebounce <= 0 {
		cfg.TypingDebounce = DefaultTypingDebounce
	}
	if cfg.TypingIdle <= 0 {
		cfg.TypingIdle = DefaultTypingIdle
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}

	header := http.Header{}
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}
	conn, resp, err := cfg.Dialer.DialContext(ctx, cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, &HandshakeError{StatusCode: resp.StatusCode, Err: err}
		}
		return nil, err
	}

	c := &Client{
		cfg:      cfg,
		conn:     conn,
		watcher:  typing.NewWatcher(cfg.TypingExpiry, cfg.OnTyping),
		handlers: make(map[string][]Handler),
		typing:   make(map[string]*outgoing),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// HandshakeError is returned when the server refuses the upgrade, typically
// with 401 for a missing or invalid token.
type HandshakeError struct {
	StatusCode int
	Err        error
}

func (e *HandshakeError) Error() string { return e.Err.Error() }
func (e *HandshakeError) Unwrap() error { return e.Err }

// On registers fn for event. Handlers run on the read goroutine in arrival
// order and must not block.
func (c *Client) On(event string, fn Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], fn)
}

// Done is closed once the connection has ended.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) JoinConversation(conversationID string) error {
	return c.emit(chat.EventConversationJoin, conversationID)
}

func (c *Client) MarkAsRead(messageID string) error {
	return c.emit(chat.EventMarkAsRead, messageID)
}

// StartTyping is called on every keystroke. It emits typing:start at most
// once per debounce window and re-arms the idle auto-stop.
func (c *Client) StartTyping(conversationID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	st, active := c.typing[conversationID]
	if !active {
		st = &outgoing{}
		c.typing[conversationID] = st
	}
	now := time.Now()
	emit := !active || now.Sub(st.lastEmit) >= c.cfg.TypingDebounce
	if emit {
		st.lastEmit = now
	}
	if st.idle != nil {
		st.idle.Stop()
	}
	st.gen++
	gen := st.gen
	st.idle = time.AfterFunc(c.cfg.TypingIdle, func() { c.idleStop(conversationID, gen) })
	c.mu.Unlock()

	if !emit {
		return nil
	}
	return c.emit(chat.EventTypingStart, conversationID)
}

// StopTyping emits typing:stop if the conversation is marked typing locally.
func (c *Client) StopTyping(conversationID string) error {
	c.mu.Lock()
	st, ok := c.typing[conversationID]
	if ok {
		st.idle.Stop()
		delete(c.typing, conversationID)
	}
	c.mu.Unlock()

	if !ok {
		return nil
	}
	return c.emit(chat.EventTypingStop, conversationID)
}

func (c *Client) idleStop(conversationID string, gen uint64) {
	c.mu.Lock()
	st, ok := c.typing[conversationID]
	if !ok || st.gen != gen {
		c.mu.Unlock()
		return
	}
	delete(c.typing, conversationID)
	c.mu.Unlock()

	if err := c.emit(chat.EventTypingStop, conversationID); err != nil && !errors.Is(err, ErrClosed) {
		logging.Debug().Err(err).Str("conversation_id", conversationID).Msg("idle typing stop failed")
	}
}

// IsTyping reports whether the local user is marked typing in the
// conversation.
func (c *Client) IsTyping(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.typing[conversationID]
	return ok
}

// TypingIn returns the other users currently shown typing.
func (c *Client) TypingIn(conversationID string) []string {
	return c.watcher.TypingIn(conversationID)
}

// Close sends a close frame and tears the connection down.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for id, st := range c.typing {
		st.idle.Stop()
		delete(c.typing, id)
	}
	c.mu.Unlock()

	c.watcher.Close()

	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	select {
	case <-c.done:
	case <-time.After(time.Second):
	}
	return c.conn.Close()
}

type frame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

func (c *Client) emit(event string, data any) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	payload, err := json.Marshal(frame{Event: event, Data: data})
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.Debug().Err(err).Msg("chatclient read failed")
			}
			return
		}

		var in chat.Envelope
		if err := json.Unmarshal(data, &in); err != nil {
			logging.Debug().Err(err).Msg("chatclient ignoring malformed frame")
			continue
		}
		c.dispatch(in)
	}
}

func (c *Client) dispatch(in chat.Envelope) {
	switch in.Event {
	case chat.EventTypingStart, chat.EventTypingStop:
		var key typing.Key
		if err := json.Unmarshal(in.Data, &key); err == nil {
			if in.Event == chat.EventTypingStart {
				c.watcher.Started(key)
			} else {
				c.watcher.Stopped(key)
			}
		}
	}

	c.mu.Lock()
	handlers := c.handlers[in.Event]
	c.mu.Unlock()
	for _, fn := range handlers {
		fn(in.Data)
	}
}

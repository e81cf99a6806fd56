package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"livechat/internal/chat"
	"livechat/internal/chatclient"
	"livechat/internal/logging"
	"livechat/internal/typing"
)

var (
	baseURL   = flag.String("base", "http://localhost:8080", "server base URL")
	userCount = flag.Int("pairs", 50, "number of user pairs")
	msgCount  = flag.Int("messages", 20, "messages per user")
)

type apiResponse[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data"`
	Error   string `json:"error"`
}

type authData struct {
	Token string `json:"token"`
	User  struct {
		ID string `json:"id"`
	} `json:"user"`
}

type stats struct {
	sent     atomic.Int64
	received atomic.Int64
	typing   atomic.Int64
	failures atomic.Int64
}

func main() {
	flag.Parse()
	logging.Init(logging.Config{Level: "info", Format: "console"})

	logging.Info().Int("users", *userCount*2).Int("messages", *msgCount).Msg("starting load test")
	var st stats
	var wg sync.WaitGroup
	start := time.Now()

	// Pairs: user 0a talks to user 0b, 1a to 1b, ...
	for i := 0; i < *userCount; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			runPair(pairID, &st)
		}(i)
	}
	wg.Wait()

	// Let in-flight deliveries land before reading the counters.
	time.Sleep(time.Second)

	logging.Info().
		Dur("elapsed", time.Since(start)).
		Int64("sent", st.sent.Load()).
		Int64("received", st.received.Load()).
		Int64("typing_events", st.typing.Load()).
		Int64("failures", st.failures.Load()).
		Msg("load test complete")
}

func runPair(pairID int, st *stats) {
	runID := time.Now().UnixNano()
	userA := fmt.Sprintf("u%d_%d_a", runID%100000, pairID)
	userB := fmt.Sprintf("u%d_%d_b", runID%100000, pairID)

	a, err := authenticate(userA)
	if err != nil {
		st.failures.Add(1)
		logging.Warn().Err(err).Str("user", userA).Msg("auth failed")
		return
	}
	b, err := authenticate(userB)
	if err != nil {
		st.failures.Add(1)
		logging.Warn().Err(err).Str("user", userB).Msg("auth failed")
		return
	}

	convID, err := createConversation(a.Token, b.User.ID)
	if err != nil {
		st.failures.Add(1)
		logging.Warn().Err(err).Int("pair", pairID).Msg("create conversation failed")
		return
	}

	var wsWg sync.WaitGroup
	wsWg.Add(2)
	go chatter(&wsWg, st, a.Token, convID, userA)
	go chatter(&wsWg, st, b.Token, convID, userB)
	wsWg.Wait()
}

// authenticate registers a fresh user and returns its token and id.
func authenticate(username string) (*authData, error) {
	var out apiResponse[authData]
	err := call(http.MethodPost, "/api/auth/register", "", map[string]string{
		"username": username,
		"email":    username + "@loadtest.local",
		"password": "password123",
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out.Data, nil
}

func createConversation(token, targetID string) (string, error) {
	var out apiResponse[chat.ConversationView]
	err := call(http.MethodPost, "/api/conversations", token,
		map[string]any{"participantIds": []string{targetID}}, &out)
	if err != nil {
		return "", err
	}
	return out.Data.ID, nil
}

// chatter connects one side of a pair, types before every message and sends
// the message over REST.
func chatter(wg *sync.WaitGroup, st *stats, token, convID, user string) {
	defer wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(*baseURL, "http") + "/ws"
	c, err := chatclient.Dial(ctx, chatclient.Config{
		URL:      wsURL,
		Token:    token,
		OnTyping: func(_ typing.Key, on bool) {
			if on {
				st.typing.Add(1)
			}
		},
	})
	if err != nil {
		st.failures.Add(1)
		logging.Warn().Err(err).Str("user", user).Msg("websocket connect failed")
		return
	}
	defer c.Close()

	c.On(chat.EventMessageReceive, func(json.RawMessage) { st.received.Add(1) })

	for i := 0; i < *msgCount; i++ {
		if err := c.StartTyping(convID); err != nil {
			st.failures.Add(1)
			break
		}
		err := call(http.MethodPost, "/api/messages", token, map[string]string{
			"conversationId": convID,
			"content":        fmt.Sprintf("LoadTest Msg %d from %s", i, user),
		}, nil)
		if err != nil {
			st.failures.Add(1)
			logging.Warn().Err(err).Str("user", user).Msg("send failed")
			break
		}
		st.sent.Add(1)
		// Small sleep to avoid an instant localhost bottleneck.
		time.Sleep(10 * time.Millisecond)
	}
	c.StopTyping(convID)
	logging.Debug().Str("user", user).Int("messages", *msgCount).Msg("finished sending")
}

func call(method, path, token string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(method, *baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e apiResponse[json.RawMessage]
		json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, e.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

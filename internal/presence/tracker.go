// Package presence turns session registry transitions into online/offline
// broadcasts and keeps the user record's last-seen stamp up to date.
package presence

import (
	"context"
	"sync"
	"time"

	"livechat/internal/logging"
	"livechat/internal/metrics"
	"livechat/internal/session"
)

const (
	EventOnline  = "user:online"
	EventOffline = "user:offline"
)

// Broadcaster pushes an event to every live connection not owned by userID.
type Broadcaster interface {
	BroadcastExceptUser(userID, event string, payload any)
}

// Store is the persistence side of presence. Both calls are fire-and-forget.
type Store interface {
	SetOnline(ctx context.Context, userID string) error
	PersistLastSeen(ctx context.Context, userID string, at time.Time) error
}

// Record is a user's derived presence.
type Record struct {
	UserID          string    `json:"userId"`
	OpenConnections int       `json:"openConnections"`
	LastSeen        time.Time `json:"lastSeen"`
}

func (r Record) Online() bool { return r.OpenConnections > 0 }

type Tracker struct {
	registry *session.Registry
	out      Broadcaster
	store    Store
	timeout  time.Duration
	now      func() time.Time

	// transitions serializes registry changes with the writes they
	// enqueue, so a user's writes are queued in transition order.
	transitions sync.Mutex

	mu       sync.Mutex
	lastSeen map[string]time.Time
	tails    map[string]chan struct{} // userID -> completion of the newest queued write

	pending sync.WaitGroup
}

type Option func(*Tracker)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithPersistTimeout bounds each store call.
func WithPersistTimeout(d time.Duration) Option {
	return func(t *Tracker) { t.timeout = d }
}

func NewTracker(registry *session.Registry, out Broadcaster, store Store, opts ...Option) *Tracker {
	t := &Tracker{
		registry: registry,
		out:      out,
		store:    store,
		timeout:  5 * time.Second,
		now:      time.Now,
		lastSeen: make(map[string]time.Time),
		tails:    make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Connected registers the connection and announces the user when it is
// their first open connection.
func (t *Tracker) Connected(userID, connID string) {
	t.transitions.Lock()
	defer t.transitions.Unlock()

	if !t.registry.Register(userID, connID) {
		return
	}
	metrics.UsersOnline.Inc()
	logging.Info().Str("user_id", userID).Msg("user online")

	t.out.BroadcastExceptUser(userID, EventOnline, userID)
	t.persist(userID, "set online", func(ctx context.Context) error {
		return t.store.SetOnline(ctx, userID)
	})
}

// Disconnected unregisters the connection. On the drop to zero connections it
// stamps last-seen, announces the user offline and persists last-seen. Calling
// it twice for the same connection is a no-op the second time.
func (t *Tracker) Disconnected(userID, connID string) {
	t.transitions.Lock()
	defer t.transitions.Unlock()

	if !t.registry.Unregister(userID, connID) {
		return
	}
	at := t.now()
	t.mu.Lock()
	t.lastSeen[userID] = at
	t.mu.Unlock()

	metrics.UsersOnline.Dec()
	logging.Info().Str("user_id", userID).Msg("user offline")

	t.out.BroadcastExceptUser(userID, EventOffline, userID)
	t.persist(userID, "persist last seen", func(ctx context.Context) error {
		return t.store.PersistLastSeen(ctx, userID, at)
	})
}

func (t *Tracker) IsOnline(userID string) bool {
	return t.registry.IsOnline(userID)
}

func (t *Tracker) Snapshot(userID string) Record {
	t.mu.Lock()
	seen := t.lastSeen[userID]
	t.mu.Unlock()
	return Record{
		UserID:          userID,
		OpenConnections: t.registry.Count(userID),
		LastSeen:        seen,
	}
}

// Wait blocks until in-flight store writes finish. Called on shutdown.
func (t *Tracker) Wait() {
	t.pending.Wait()
}

// persist runs fn in the background after every write already queued for
// the same user, so a slow SetOnline can never land after the
// PersistLastSeen that followed it.
func (t *Tracker) persist(userID, op string, fn func(ctx context.Context) error) {
	if t.store == nil {
		return
	}

	done := make(chan struct{})
	t.mu.Lock()
	prev := t.tails[userID]
	t.tails[userID] = done
	t.mu.Unlock()

	t.pending.Add(1)
	go func() {
		defer t.pending.Done()
		defer func() {
			t.mu.Lock()
			if t.tails[userID] == done {
				delete(t.tails, userID)
			}
			t.mu.Unlock()
			close(done)
		}()

		if prev != nil {
			<-prev
		}
		ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			logging.Warn().Err(err).Str("user_id", userID).Str("op", op).Msg("presence write failed")
		}
	}()
}
